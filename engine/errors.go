package engine

import (
	"errors"
	"fmt"
)

// ErrorCode is the public error-kind enum spec.md §7 lists.
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrVersion
	ErrUnknownOption
	ErrOptionValue
	ErrPromptParse
	ErrFileNotFound
	ErrNaN
	ErrImage
)

var errorCodeNames = map[ErrorCode]string{
	ErrUnknown: "unknown", ErrVersion: "version", ErrUnknownOption: "unk_opt",
	ErrOptionValue: "opt_value", ErrPromptParse: "prompt_parse",
	ErrFileNotFound: "file_not_found", ErrNaN: "nan", ErrImage: "image",
}

func (c ErrorCode) String() string { return errorCodeNames[c] }

// Internal category sentinels spec.md §7 names as mapping into one of
// the public ErrorCodes "at the public boundary": format errors,
// read/write/seek, metadata/dtype mismatch, tensor-shape mismatch,
// overflow. These mirror tensorstore's own ErrFormat/ErrRead/etc; engine
// wraps them (or a caller's underlying error) with %w so errors.Is keeps
// working up through Ctx's public boundary.
var (
	ErrInternalFormat   = errors.New("engine: format error")
	ErrInternalIO       = errors.New("engine: read/write/seek error")
	ErrInternalMetadata = errors.New("engine: metadata/dtype mismatch")
	ErrInternalShape    = errors.New("engine: tensor shape mismatch")
	ErrInternalOverflow = errors.New("engine: sanity-limit overflow")
	ErrInternalNotFound = errors.New("engine: file not found")
)

// Error is the value handed to an installed error handler and returned
// from a negative-result operation: {code, desc}, exactly spec.md §7's
// "errstr holds a human description" plus the ErrorCode the public
// boundary maps internal categories onto.
type Error struct {
	Code ErrorCode
	Desc string
	Err  error // wrapped cause, nil for a purely descriptive error
}

func (e *Error) Error() string { return e.Desc }
func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Desc: err.Error(), Err: err}
}

// classify maps an internal error (from tensorstore, nameconv, clip's
// prompt parsing, etc.) onto the public ErrorCode spec.md §7 specifies,
// falling back to ErrUnknown for anything uncategorized (a cancelled
// progress callback is never classified this way — see pipeline.Generate,
// which propagates the callback's own return value instead of wrapping
// it as an Error).
func classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrUnknown
	case errors.Is(err, ErrInternalNotFound):
		return ErrFileNotFound
	case errors.Is(err, ErrInternalFormat), errors.Is(err, ErrInternalIO),
		errors.Is(err, ErrInternalMetadata), errors.Is(err, ErrInternalShape),
		errors.Is(err, ErrInternalOverflow):
		return ErrUnknown
	default:
		return ErrUnknown
	}
}

// wrapf builds an *Error of the given code from a formatted message,
// the idiomatic-Go replacement for the C API's errstr buffer: callers
// compare against Code (or errors.As into *Error) rather than parsing a
// string.
func wrapf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Desc: fmt.Sprintf(format, args...)}
}
