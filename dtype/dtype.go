// Package dtype describes the tensor element types the engine understands
// and the arithmetic needed to go from an element count to a byte size.
//
// The set and the block-quantisation layout mirror
// original_source/src/ccompute/tensorstore.h and the type tables consulted
// by format A (safetensors) and format B (GGUF) parsers.
package dtype

import "fmt"

// Type identifies a tensor element encoding.
type Type int

const (
	Invalid Type = iota
	F64
	F32
	F16
	BF16
	I64
	I32
	I16
	I8
	Q8_0
	Q4_1
	Q6_K
	Q5_K
	Q4_K
)

// blockInfo holds bytes-per-block and elements-per-block for a type. For
// unquantised types elementsPerBlock is 1.
type blockInfo struct {
	bytesPerBlock    int
	elementsPerBlock int
	name             string
}

var table = map[Type]blockInfo{
	F64:  {8, 1, "F64"},
	F32:  {4, 1, "F32"},
	F16:  {2, 1, "F16"},
	BF16: {2, 1, "BF16"},
	I64:  {8, 1, "I64"},
	I32:  {4, 1, "I32"},
	I16:  {2, 1, "I16"},
	I8:   {1, 1, "I8"},
	// Block-quantised formats: fixed-size blocks of 32 elements carrying a
	// shared scale (and, for some, a minimum) alongside packed codes.
	Q8_0: {34, 32, "Q8_0"},  // 2 bytes scale (f16) + 32 bytes of int8 codes
	Q4_1: {24, 32, "Q4_1"},  // 2 f16 scale + 2 f16 min + 16 bytes of nibbles
	Q6_K: {210, 256, "Q6_K"},
	Q5_K: {176, 256, "Q5_K"},
	Q4_K: {144, 256, "Q4_K"},
}

// String returns the canonical uppercase name used in file headers.
func (t Type) String() string {
	if info, ok := table[t]; ok {
		return info.name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// IsQuantized reports whether t packs more than one element per block.
func (t Type) IsQuantized() bool {
	info, ok := table[t]
	return ok && info.elementsPerBlock > 1
}

// BytesPerBlock and ElementsPerBlock describe the block layout used to
// convert an element count into a byte size: byte-size = elements *
// bytesPerBlock / elementsPerBlock (integer arithmetic, rounded up to a
// whole number of blocks).
func (t Type) BytesPerBlock() int {
	return table[t].bytesPerBlock
}

func (t Type) ElementsPerBlock() int {
	info, ok := table[t]
	if !ok || info.elementsPerBlock == 0 {
		return 1
	}
	return info.elementsPerBlock
}

// ByteSize returns the number of bytes needed to store nElements elements
// of type t, per spec.md §3: "Byte-size = element-count × bytes /
// elements."
func (t Type) ByteSize(nElements int) (int, error) {
	info, ok := table[t]
	if !ok {
		return 0, fmt.Errorf("dtype: unknown type %d: %w", int(t), ErrUnknown)
	}
	nBlocks := (nElements + info.elementsPerBlock - 1) / info.elementsPerBlock
	return nBlocks * info.bytesPerBlock, nil
}

// ErrUnknown is returned for dtype values absent from the table.
var ErrUnknown = fmt.Errorf("dtype unknown")

// FromString matches a dtype name case-insensitively, as format A's
// `dtype: str` header field requires.
func FromString(s string) (Type, error) {
	for t, info := range table {
		if equalFold(info.name, s) {
			return t, nil
		}
	}
	return Invalid, fmt.Errorf("dtype: unrecognized name %q: %w", s, ErrUnknown)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'a' && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if cb >= 'a' && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// GGUFTypeTable maps a format-B backend type tag to our Type, the
// translation described in spec.md §4.1 ("format B's type tag is
// translated via the backend's known-types table").
var GGUFTypeTable = map[uint32]Type{
	0:  F32,
	1:  F16,
	2:  Q4_1, // ggml's Q4_0 slot repurposed to the closest supported scheme
	3:  Q4_1,
	6:  Q5_K,
	7:  Q8_0,
	12: Q4_K,
	13: Q5_K,
	14: Q6_K,
	24: I8,
	25: I16,
	26: I32,
	27: I64,
	28: F64,
	30: BF16,
}
