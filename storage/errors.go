package storage

import "errors"

var (
	// ErrClosed is returned by operations on a closed tree.
	ErrClosed = errors.New("storage: tree is closed")

	// ErrEmptyKey is returned when a zero-length key is used.
	ErrEmptyKey = errors.New("storage: key is empty")

	// ErrCorrupt is returned when on-disk data fails its checksum
	// or can't be decoded.
	ErrCorrupt = errors.New("storage: data is corrupt")
)
