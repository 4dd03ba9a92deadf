package tensorstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"imgsynth-go/dtype"
)

const (
	ggufMagic = "GGUF"
)

// GGUF metadata value type tags (format B's typed KV block).
const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

// reader is a small cursor over a Source, used by both format B's header
// parser (sequential small reads) and test fixtures.
type reader struct {
	src Source
	pos int64
}

func (r *reader) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := r.src.ReadAt(buf, r.pos); err != nil {
		return nil, fmt.Errorf("tensorstore: %w", ErrRead)
	}
	r.pos += int64(n)
	return buf, nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *reader) f32() (float32, error) {
	v, err := r.u32()
	return float32FromBits(v), err
}

func (r *reader) str() (string, error) {
	n, err := r.u64()
	if err != nil {
		return "", err
	}
	if n > MaxHeaderSize {
		return "", fmt.Errorf("tensorstore: gguf string length %d: %w", n, ErrOverflow)
	}
	b, err := r.read(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DetectFormatB reports whether the stream begins with the "GGUF" magic.
func DetectFormatB(first4 []byte) bool {
	return len(first4) == 4 && string(first4) == ggufMagic
}

// ReadFormatB parses a GGUF stream: magic, version (2 or 3), tensor
// count, metadata count, the typed metadata block, then the tensor
// descriptor block. Tensor data offsets are relative to end-of-header,
// 32-byte aligned (read tolerates any alignment).
func ReadFormatB(s *Store, src Source) error {
	r := &reader{src: src}

	magic, err := r.read(4)
	if err != nil {
		return err
	}
	if string(magic) != ggufMagic {
		return fmt.Errorf("tensorstore: not a GGUF stream: %w", ErrFormat)
	}
	version, err := r.u32()
	if err != nil {
		return err
	}
	if version != 2 && version != 3 {
		return fmt.Errorf("tensorstore: unsupported GGUF version %d: %w", version, ErrFormat)
	}

	nTensors, err := r.u64()
	if err != nil {
		return err
	}
	nMeta, err := r.u64()
	if err != nil {
		return err
	}
	if nTensors > MaxTensors {
		return fmt.Errorf("tensorstore: %d tensors exceeds limit: %w", nTensors, ErrOverflow)
	}
	if nMeta > MaxMetadata {
		return fmt.Errorf("tensorstore: %d metadata entries exceeds limit: %w", nMeta, ErrOverflow)
	}

	for i := uint64(0); i < nMeta; i++ {
		key, err := r.str()
		if err != nil {
			return err
		}
		val, err := readGGUFValue(r)
		if err != nil {
			return fmt.Errorf("tensorstore: metadata %q: %w", key, err)
		}
		s.SetMeta(key, val)
	}

	type pending struct {
		name   string
		shape  [4]int
		dt     dtype.Type
		offset uint64
	}
	items := make([]pending, 0, nTensors)

	for i := uint64(0); i < nTensors; i++ {
		name, err := r.str()
		if err != nil {
			return err
		}
		rank, err := r.u32()
		if err != nil {
			return err
		}
		if rank > 4 {
			return fmt.Errorf("tensorstore: tensor %q rank %d > 4: %w", name, rank, ErrOverflow)
		}
		var shape [4]int
		for d := 0; d < 4; d++ {
			shape[d] = 1
		}
		for d := uint32(0); d < rank; d++ {
			dim, err := r.u64()
			if err != nil {
				return err
			}
			if dim > MaxDim {
				return fmt.Errorf("tensorstore: tensor %q dim %d out of range: %w", name, dim, ErrOverflow)
			}
			// format B stores inner-first already; no reversal needed.
			shape[d] = int(dim)
		}
		ggmlType, err := r.u32()
		if err != nil {
			return err
		}
		dt, ok := dtype.GGUFTypeTable[ggmlType]
		if !ok {
			return fmt.Errorf("tensorstore: tensor %q unknown backend type %d: %w", name, ggmlType, ErrDtype)
		}
		off, err := r.u64()
		if err != nil {
			return err
		}
		items = append(items, pending{name: name, shape: shape, dt: dt, offset: off})
	}

	headerEnd := r.pos
	dataStart := alignUp(headerEnd, formatAAlign)

	for _, it := range items {
		nEl := 1
		for _, d := range it.shape {
			nEl *= d
		}
		size, err := it.dt.ByteSize(nEl)
		if err != nil {
			return err
		}
		if err := s.AddTensor(it.name, Entry{
			Dtype:  it.dt,
			Shape:  it.shape,
			Offset: dataStart + int64(it.offset),
			Size:   int64(size),
			Source: src,
		}); err != nil {
			return err
		}
	}
	return nil
}

func readGGUFValue(r *reader) (string, error) {
	tag, err := r.u32()
	if err != nil {
		return "", err
	}
	switch tag {
	case ggufTypeString:
		return r.str()
	case ggufTypeUint32, ggufTypeInt32:
		v, err := r.i32()
		return fmt.Sprintf("%d", v), err
	case ggufTypeUint64, ggufTypeInt64:
		v, err := r.u64()
		return fmt.Sprintf("%d", v), err
	case ggufTypeFloat32:
		v, err := r.f32()
		return fmt.Sprintf("%g", v), err
	case ggufTypeBool:
		b, err := r.read(1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", b[0] != 0), nil
	case ggufTypeUint8, ggufTypeInt8:
		b, err := r.read(1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", b[0]), nil
	case ggufTypeUint16, ggufTypeInt16:
		b, err := r.read(2)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", binary.LittleEndian.Uint16(b)), nil
	case ggufTypeFloat64:
		b, err := r.read(8)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%g", float64FromBits(binary.LittleEndian.Uint64(b))), nil
	case ggufTypeArray:
		elemTag, err := r.u32()
		if err != nil {
			return "", err
		}
		n, err := r.u64()
		if err != nil {
			return "", err
		}
		if n > MaxHeaderSize {
			return "", fmt.Errorf("tensorstore: gguf array length %d: %w", n, ErrOverflow)
		}
		// Array values aren't needed by anything downstream (model
		// hyperparameters of interest are scalar KV entries); consume the
		// bytes so the cursor lands correctly on the next KV pair.
		return skipGGUFArray(r, elemTag, n)
	default:
		return "", fmt.Errorf("tensorstore: unknown metadata type tag %d: %w", tag, ErrMetadata)
	}
}

// skipGGUFArray consumes n elements of elemTag from r without allocating
// a string per element, returning a placeholder summary.
func skipGGUFArray(r *reader, elemTag uint32, n uint64) (string, error) {
	for i := uint64(0); i < n; i++ {
		switch elemTag {
		case ggufTypeString:
			if _, err := r.str(); err != nil {
				return "", err
			}
		case ggufTypeUint8, ggufTypeInt8, ggufTypeBool:
			if _, err := r.read(1); err != nil {
				return "", err
			}
		case ggufTypeUint16, ggufTypeInt16:
			if _, err := r.read(2); err != nil {
				return "", err
			}
		case ggufTypeUint32, ggufTypeInt32, ggufTypeFloat32:
			if _, err := r.read(4); err != nil {
				return "", err
			}
		case ggufTypeUint64, ggufTypeInt64, ggufTypeFloat64:
			if _, err := r.read(8); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("tensorstore: unknown array element type %d: %w", elemTag, ErrMetadata)
		}
	}
	return fmt.Sprintf("[%d elements]", n), nil
}

func alignUp(v int64, align int64) int64 {
	return (v + align - 1) / align * align
}

func float32FromBits(b uint32) float32 {
	return math.Float32frombits(b)
}

func float64FromBits(b uint64) float64 {
	return math.Float64frombits(b)
}
