package users

import (
	"fmt"
	"strings"
	"sync"

	"github.com/a-poor/userdb/workpool"
)

// AccessMode selects how the Store reaches its engine.
type AccessMode string

const (
	// AccessDirect calls the engine from the caller's goroutine.
	AccessDirect AccessMode = "direct"

	// AccessSerialized runs every engine call on a worker pool,
	// one at a time, behind an exclusive gate.
	AccessSerialized AccessMode = "serialized"
)

func ParseAccessMode(s string) (AccessMode, error) {
	switch m := AccessMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AccessDirect, AccessSerialized:
		return m, nil
	case "":
		return AccessSerialized, nil
	default:
		return "", fmt.Errorf("unknown access mode %q", s)
	}
}

// UpdateMode selects what Update does with an id that has no
// stored record.
type UpdateMode string

const (
	// UpdateUpsert writes unconditionally, creating the record
	// if it was absent.
	UpdateUpsert UpdateMode = "upsert"

	// UpdateStrict only overwrites existing records and reports
	// ErrNotFound otherwise.
	UpdateStrict UpdateMode = "strict"
)

func ParseUpdateMode(s string) (UpdateMode, error) {
	switch m := UpdateMode(strings.ToLower(strings.TrimSpace(s))); m {
	case UpdateUpsert, UpdateStrict:
		return m, nil
	case "":
		return UpdateUpsert, nil
	default:
		return "", fmt.Errorf("unknown update mode %q", s)
	}
}

// access runs fn against the engine under some discipline. The
// key is the record's id, used to order calls per key.
type access interface {
	run(key []byte, fn func(e Engine) error) error
}

type directAccess struct {
	engine Engine
}

func (a directAccess) run(_ []byte, fn func(e Engine) error) error {
	return fn(a.engine)
}

// gatedAccess funnels engine calls through the pool. The gate is
// taken on the worker, never on the caller's goroutine, and is
// held for the length of fn only.
type gatedAccess struct {
	engine Engine
	pool   *workpool.Pool
	gate   sync.Mutex
}

func (a *gatedAccess) run(key []byte, fn func(e Engine) error) error {
	return a.pool.Do(key, func() error {
		a.gate.Lock()
		defer a.gate.Unlock()
		return fn(a.engine)
	})
}
