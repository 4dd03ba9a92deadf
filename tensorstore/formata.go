package tensorstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"imgsynth-go/dtype"
)

// formatAAlign is the write-side 32-byte alignment spec.md §4.1 requires
// ("Each tensor offset is... 32-byte-aligned on write"); the read side
// accepts any alignment, per the same section's explicit ambiguity note.
const formatAAlign = 32

type formatATensorInfo struct {
	Dtype       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// DetectFormatA sanity-checks headerLen, the little-endian value of a
// stream's first 8 bytes as already read by the caller, as a plausible
// format-A header length for a stream of streamLen bytes
// (tstore_format_detect in the original peeks the stream).
func DetectFormatA(headerLen uint64, streamLen int64) bool {
	return headerLen > 0 && headerLen < MaxHeaderSize && int64(8+headerLen) <= streamLen
}

// ReadFormatA parses a safetensors-style stream: an 8-byte little-endian
// header length, that many bytes of JSON, then raw tensor data.
func ReadFormatA(s *Store, src Source, streamLen int64) error {
	var lenBuf [8]byte
	if _, err := src.ReadAt(lenBuf[:], 0); err != nil {
		return fmt.Errorf("tensorstore: reading format A header length: %w", ErrRead)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > MaxHeaderSize {
		return fmt.Errorf("tensorstore: format A header size %d: %w", headerLen, ErrOverflow)
	}
	if int64(8+headerLen) > streamLen {
		return fmt.Errorf("tensorstore: format A header exceeds file size: %w", ErrFormat)
	}

	headerBuf := make([]byte, headerLen)
	if _, err := src.ReadAt(headerBuf, 8); err != nil {
		return fmt.Errorf("tensorstore: reading format A header: %w", ErrRead)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBuf, &raw); err != nil {
		return fmt.Errorf("tensorstore: parsing format A header: %w: %v", ErrFormat, err)
	}

	if meta, ok := raw["__metadata__"]; ok {
		var m map[string]string
		if err := json.Unmarshal(meta, &m); err != nil {
			return fmt.Errorf("tensorstore: parsing __metadata__: %w", ErrMetadata)
		}
		for k, v := range m {
			s.SetMeta(k, v)
		}
		delete(raw, "__metadata__")
	}

	if len(raw) > MaxTensors {
		return fmt.Errorf("tensorstore: %d tensors exceeds limit: %w", len(raw), ErrOverflow)
	}

	dataStart := int64(8 + headerLen)
	for name, rawInfo := range raw {
		var info formatATensorInfo
		if err := json.Unmarshal(rawInfo, &info); err != nil {
			return fmt.Errorf("tensorstore: parsing tensor %q: %w", name, ErrFormat)
		}
		dt, err := dtype.FromString(info.Dtype)
		if err != nil {
			return fmt.Errorf("tensorstore: tensor %q: %w", name, ErrDtype)
		}
		if len(info.Shape) > 4 {
			return fmt.Errorf("tensorstore: tensor %q has rank %d > 4: %w", name, len(info.Shape), ErrOverflow)
		}
		var shape [4]int
		// Format A stores outer-first; reverse to inner-first per spec.md
		// §4.1's "Shape convention".
		for i, d := range info.Shape {
			if d < 0 || d > MaxDim {
				return fmt.Errorf("tensorstore: tensor %q dim %d out of range: %w", name, d, ErrOverflow)
			}
			shape[len(info.Shape)-1-i] = d
		}
		for i := len(info.Shape); i < 4; i++ {
			shape[i] = 1
		}

		size := info.DataOffsets[1] - info.DataOffsets[0]
		if size < 0 {
			return fmt.Errorf("tensorstore: tensor %q has negative size: %w", name, ErrFormat)
		}

		if err := s.AddTensor(name, Entry{
			Dtype:  dt,
			Shape:  shape,
			Offset: dataStart + info.DataOffsets[0],
			Size:   size,
			Source: src,
		}); err != nil {
			return err
		}
	}
	return nil
}

// WriteFormatA serializes a store's entries to the format-A layout:
// reserve 8 bytes, emit the JSON header (a map marshaled by
// encoding/json, so its keys come out sorted, not in insertion order),
// pad it to a multiple of 32 bytes, seek back and fix up the header
// size, then write tensor bytes in insertion order, zero-padding between
// tensors so that every tensor's data offset is a multiple of 32 bytes.
func WriteFormatA(s *Store, w io.WriteSeeker, tensorData map[string][]byte) error {
	header := make(map[string]interface{}, len(s.entries)+1)
	if len(s.meta) > 0 {
		md := make(map[string]string, len(s.meta))
		for _, m := range s.meta {
			md[m.Key] = m.Value
		}
		header["__metadata__"] = md
	}

	offset := int64(0)
	order := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		name := s.Names.String(e.NameID)
		data, ok := tensorData[name]
		if !ok {
			return fmt.Errorf("tensorstore: no data supplied for tensor %q: %w", name, ErrWrite)
		}
		// Reverse inner-first shape back to outer-first for the header.
		shape := make([]int, 0, 4)
		for i := 3; i >= 0; i-- {
			if e.Shape[i] > 1 || (i == 0 && len(shape) == 0) {
				shape = append(shape, e.Shape[i])
			}
		}
		offset = alignUp(offset, formatAAlign)
		header[name] = formatATensorInfo{
			Dtype:       e.Dtype.String(),
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + int64(len(data))},
		}
		offset += int64(len(data))
		order = append(order, name)
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("tensorstore: marshaling header: %w", ErrWrite)
	}
	padded := (len(headerBytes) + formatAAlign - 1) / formatAAlign * formatAAlign
	if padded > len(headerBytes) {
		pad := make([]byte, padded-len(headerBytes))
		for i := range pad {
			pad[i] = ' '
		}
		headerBytes = append(headerBytes, pad...)
	}

	if _, err := w.Write(make([]byte, 8)); err != nil {
		return fmt.Errorf("tensorstore: reserving header size: %w", ErrWrite)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("tensorstore: writing header: %w", ErrWrite)
	}
	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("tensorstore: seeking to patch header size: %w", ErrSeek)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("tensorstore: writing header size: %w", ErrWrite)
	}
	if _, err := w.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("tensorstore: seeking to data section: %w", ErrSeek)
	}
	written := int64(0)
	for _, name := range order {
		if pad := alignUp(written, formatAAlign) - written; pad > 0 {
			if _, err := w.Write(make([]byte, pad)); err != nil {
				return fmt.Errorf("tensorstore: writing tensor %q padding: %w", name, ErrWrite)
			}
			written += pad
		}
		if _, err := w.Write(tensorData[name]); err != nil {
			return fmt.Errorf("tensorstore: writing tensor %q data: %w", name, ErrWrite)
		}
		written += int64(len(tensorData[name]))
	}
	return nil
}
