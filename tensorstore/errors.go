package tensorstore

import "errors"

// Sentinel errors matching the TS_E_* category codes of
// original_source/src/ccompute/tensorstore.h, mapped at the public
// engine boundary into the closed ErrorCode set of spec.md §6.
var (
	ErrUnknown     = errors.New("tensorstore: unknown error")
	ErrOverflow    = errors.New("tensorstore: sanity limit exceeded")
	ErrFormat      = errors.New("tensorstore: format error")
	ErrRead        = errors.New("tensorstore: read error")
	ErrSeek        = errors.New("tensorstore: seek error")
	ErrMetadata    = errors.New("tensorstore: unknown metadata type")
	ErrDtype       = errors.New("tensorstore: unknown dtype")
	ErrWrite       = errors.New("tensorstore: write error")
	ErrFileNotFound = errors.New("tensorstore: file not found")
	ErrNotFound    = errors.New("tensorstore: entry not found")
	ErrDuplicate   = errors.New("tensorstore: duplicate tensor name")
)

// Sanity limits from spec.md §4.1: "≤ 65 535 tensors/metadata, ≤ 0xFF FFFF
// per dim, ≤ 16 MiB header".
const (
	MaxTensors    = 65535
	MaxMetadata   = 65535
	MaxDim        = 0xFFFFFF
	MaxHeaderSize = 16 << 20
)
