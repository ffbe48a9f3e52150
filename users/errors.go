package users

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when no record is stored under an id.
// It is an expected outcome, not a failure.
var ErrNotFound = errors.New("user not found")

// EngineError reports that the storage engine failed (I/O,
// corruption, or a closed engine) while running an operation.
type EngineError struct {
	Op  string
	ID  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("users: %s %q: storage failure: %v", e.Op, e.ID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// DecodeError reports that the bytes stored under an id could
// not be read back as a User. The record exists but is
// unreadable, which is never the same as ErrNotFound.
type DecodeError struct {
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("users: stored record %q is unreadable: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Kind names the class of err for logs and metrics: "not_found",
// "engine_error", "decode_error", or "error" for anything else.
// It returns "ok" for a nil error.
func Kind(err error) string {
	var engineErr *EngineError
	var decodeErr *DecodeError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &decodeErr):
		return "decode_error"
	case errors.As(err, &engineErr):
		return "engine_error"
	default:
		return "error"
	}
}
