// Package dberrors defines the error-kind taxonomy the store surfaces to
// callers. "not found" is deliberately absent from this list: a missing
// key is represented by a plain (nil, false) result, never an error.
package dberrors

import "errors"

var (
	// ErrInvalidArgument is returned for an absent key on any operation, or
	// an absent value on Put.
	ErrInvalidArgument = errors.New("lsmkv: invalid argument")

	// ErrIO wraps a filesystem failure. Use errors.Is(err, ErrIO) to test
	// for it; the underlying *os.PathError (or similar) is chained with %w.
	ErrIO = errors.New("lsmkv: io error")

	// ErrCorrupt indicates an SSTable whose on-disk layout is inconsistent
	// with its own header, or whose bloom/index region failed to parse.
	ErrCorrupt = errors.New("lsmkv: corrupt data")

	// ErrClosed is returned by any operation attempted after Store.Close.
	ErrClosed = errors.New("lsmkv: store closed")
)
