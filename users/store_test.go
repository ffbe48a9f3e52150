package users

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/a-poor/userdb/storage"
	"github.com/a-poor/userdb/workpool"
)

// memEngine is an in-memory Engine. It doesn't implement
// ConditionalInserter, and it fails if it is ever called
// concurrently while exclusive is set.
type memEngine struct {
	mu        sync.Mutex
	data      map[string][]byte
	err       error
	exclusive bool
	inFlight  atomic.Int32
	overlap   atomic.Bool
}

func newMemEngine() *memEngine {
	return &memEngine{data: make(map[string][]byte)}
}

func (m *memEngine) enter() func() {
	if m.inFlight.Add(1) > 1 && m.exclusive {
		m.overlap.Store(true)
	}
	return func() { m.inFlight.Add(-1) }
}

func (m *memEngine) Get(key []byte) ([]byte, bool, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *memEngine) Insert(key, value []byte) ([]byte, bool, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	prev, ok := m.data[string(key)]
	m.data[string(key)] = value
	return prev, ok, nil
}

func (m *memEngine) Remove(key []byte) ([]byte, bool, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	prev, ok := m.data[string(key)]
	delete(m.data, string(key))
	return prev, ok, nil
}

// newTestStores returns a Store over a real tree for each access
// mode.
func newTestStores(t *testing.T, update UpdateMode) map[AccessMode]*Store {
	t.Helper()
	stores := make(map[AccessMode]*Store)
	for _, mode := range []AccessMode{AccessDirect, AccessSerialized} {
		tree, err := storage.Open(t.TempDir(), storage.Options{MemtableSize: 8, LevelMaxTables: 2})
		if err != nil {
			t.Fatalf("failed to open tree: %s", err)
		}
		pool := workpool.New(4)
		t.Cleanup(func() {
			pool.Close()
			tree.Close()
		})
		s, err := NewStore(tree, Options{AccessMode: mode, UpdateMode: update, Pool: pool})
		if err != nil {
			t.Fatalf("failed to create store: %s", err)
		}
		stores[mode] = s
	}
	return stores
}

func TestStore(t *testing.T) {
	ctx := context.Background()

	for mode, s := range newTestStores(t, UpdateUpsert) {
		t.Run(string(mode), func(t *testing.T) {
			t.Run("should read back what was created", func(t *testing.T) {
				u, err := s.Create(ctx, CreateRequest{Name: "Ann", Email: "ann@x.com"})
				if err != nil {
					t.Fatalf("failed to create: %s", err)
				}
				if u.ID == "" || u.Name != "Ann" || u.Email != "ann@x.com" {
					t.Fatalf("unexpected user %+v", u)
				}
				got, err := s.Read(ctx, u.ID)
				if err != nil {
					t.Fatalf("failed to read: %s", err)
				}
				if got != u {
					t.Fatalf("expected %+v, got %+v", u, got)
				}
			})

			t.Run("should mint distinct ids for identical requests", func(t *testing.T) {
				req := CreateRequest{Name: "Same", Email: "same@x.com"}
				a, err := s.Create(ctx, req)
				if err != nil {
					t.Fatal(err)
				}
				b, err := s.Create(ctx, req)
				if err != nil {
					t.Fatal(err)
				}
				if a.ID == b.ID {
					t.Fatalf("expected distinct ids, both were %q", a.ID)
				}
				for _, u := range []User{a, b} {
					got, err := s.Read(ctx, u.ID)
					if err != nil || got != u {
						t.Fatalf("expected %+v, got %+v (%v)", u, got, err)
					}
				}
			})

			t.Run("should replace every field on update", func(t *testing.T) {
				u, _ := s.Create(ctx, CreateRequest{Name: "Ann", Email: "ann@x.com"})
				up, err := s.Update(ctx, u.ID, CreateRequest{Name: "Ann B.", Email: "annb@x.com"})
				if err != nil {
					t.Fatalf("failed to update: %s", err)
				}
				exp := User{ID: u.ID, Name: "Ann B.", Email: "annb@x.com"}
				if up != exp {
					t.Fatalf("expected %+v, got %+v", exp, up)
				}
				got, err := s.Read(ctx, u.ID)
				if err != nil || got != exp {
					t.Fatalf("expected %+v, got %+v (%v)", exp, got, err)
				}
			})

			t.Run("should upsert an absent id", func(t *testing.T) {
				u, err := s.Update(ctx, "chosen-id", CreateRequest{Name: "New", Email: "new@x.com"})
				if err != nil {
					t.Fatalf("failed to update: %s", err)
				}
				if u.ID != "chosen-id" {
					t.Fatalf("expected the path id to be kept, got %q", u.ID)
				}
				if got, err := s.Read(ctx, "chosen-id"); err != nil || got != u {
					t.Fatalf("expected %+v, got %+v (%v)", u, got, err)
				}
			})

			t.Run("should not find a deleted record", func(t *testing.T) {
				u, _ := s.Create(ctx, CreateRequest{Name: "Gone", Email: "gone@x.com"})
				if err := s.Delete(ctx, u.ID); err != nil {
					t.Fatalf("failed to delete: %s", err)
				}
				if _, err := s.Read(ctx, u.ID); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
				if err := s.Delete(ctx, u.ID); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
				}
			})

			t.Run("should report nothing to delete for an unknown id", func(t *testing.T) {
				if err := s.Delete(ctx, "never-created"); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("should treat an empty id as not found", func(t *testing.T) {
				if _, err := s.Read(ctx, ""); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
				if _, err := s.Update(ctx, "", CreateRequest{}); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
				if err := s.Delete(ctx, ""); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("should not find ids that aren't valid UTF-8", func(t *testing.T) {
				for _, id := range []string{"\xff", "ab\xfe"} {
					if _, err := s.Update(ctx, id, CreateRequest{Name: "Bad", Email: "bad@x.com"}); !errors.Is(err, ErrNotFound) {
						t.Fatalf("%q: expected ErrNotFound on update, got %v", id, err)
					}
					if _, err := s.Read(ctx, id); !errors.Is(err, ErrNotFound) {
						t.Fatalf("%q: expected ErrNotFound on read, got %v", id, err)
					}
					if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
						t.Fatalf("%q: expected ErrNotFound on delete, got %v", id, err)
					}
				}

				u, err := s.Update(ctx, "ünïcödé", CreateRequest{Name: "Uni", Email: "uni@x.com"})
				if err != nil {
					t.Fatalf("failed to upsert a UTF-8 id: %s", err)
				}
				if got, err := s.Read(ctx, "ünïcödé"); err != nil || got != u {
					t.Fatalf("expected %+v, got %+v (%v)", u, got, err)
				}
			})

			t.Run("should handle concurrent callers", func(t *testing.T) {
				var wg sync.WaitGroup
				errs := make(chan error, 64)
				for g := 0; g < 16; g++ {
					wg.Add(1)
					go func(g int) {
						defer wg.Done()
						for i := 0; i < 10; i++ {
							req := CreateRequest{Name: fmt.Sprintf("u%d-%d", g, i), Email: "c@x.com"}
							u, err := s.Create(ctx, req)
							if err != nil {
								errs <- err
								return
							}
							got, err := s.Read(ctx, u.ID)
							if err != nil {
								errs <- err
								return
							}
							if got != u {
								errs <- fmt.Errorf("expected %+v, got %+v", u, got)
								return
							}
						}
					}(g)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					t.Fatal(err)
				}
			})
		})
	}
}

func TestStore_StrictUpdate(t *testing.T) {
	ctx := context.Background()

	for mode, s := range newTestStores(t, UpdateStrict) {
		t.Run(string(mode), func(t *testing.T) {
			if _, err := s.Update(ctx, "missing", CreateRequest{Name: "x", Email: "y"}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := s.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected strict update to write nothing, got %v", err)
			}

			u, _ := s.Create(ctx, CreateRequest{Name: "Ann", Email: "ann@x.com"})
			up, err := s.Update(ctx, u.ID, CreateRequest{Name: "Ann B.", Email: "annb@x.com"})
			if err != nil {
				t.Fatalf("failed to update: %s", err)
			}
			if up.Name != "Ann B." {
				t.Fatalf("unexpected user %+v", up)
			}
		})
	}

	t.Run("without a conditional insert", func(t *testing.T) {
		pool := workpool.New(2)
		defer pool.Close()
		s, err := NewStore(newMemEngine(), Options{UpdateMode: UpdateStrict, Pool: pool})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Update(ctx, "missing", CreateRequest{}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		u, _ := s.Create(ctx, CreateRequest{Name: "a"})
		if _, err := s.Update(ctx, u.ID, CreateRequest{Name: "b"}); err != nil {
			t.Fatalf("failed to update: %s", err)
		}
	})
}

func TestStore_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("should report engine failures", func(t *testing.T) {
		eng := newMemEngine()
		eng.err = errors.New("disk on fire")
		s, err := NewStore(eng, Options{AccessMode: AccessDirect})
		if err != nil {
			t.Fatal(err)
		}

		_, err = s.Create(ctx, CreateRequest{Name: "Ann"})
		var engineErr *EngineError
		if !errors.As(err, &engineErr) || engineErr.Op != "create" {
			t.Fatalf("expected an EngineError, got %v", err)
		}
		if _, err := s.Read(ctx, "x"); Kind(err) != "engine_error" {
			t.Fatalf("expected engine_error, got %v", err)
		}
		if _, err := s.Update(ctx, "x", CreateRequest{}); Kind(err) != "engine_error" {
			t.Fatalf("expected engine_error, got %v", err)
		}
		if err := s.Delete(ctx, "x"); Kind(err) != "engine_error" {
			t.Fatalf("expected engine_error, got %v", err)
		}
	})

	t.Run("should tell unreadable records apart from missing ones", func(t *testing.T) {
		eng := newMemEngine()
		eng.data["corrupt"] = []byte("{not json")
		eng.data["moved"] = []byte(`{"id":"elsewhere","name":"a","email":"b"}`)
		s, err := NewStore(eng, Options{AccessMode: AccessDirect})
		if err != nil {
			t.Fatal(err)
		}

		for _, id := range []string{"corrupt", "moved"} {
			_, err := s.Read(ctx, id)
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("%s: expected a DecodeError, got %v", id, err)
			}
			if errors.Is(err, ErrNotFound) {
				t.Fatalf("%s: a DecodeError must not match ErrNotFound", id)
			}
		}
	})

	t.Run("should report id minting failures", func(t *testing.T) {
		s, err := NewStore(newMemEngine(), Options{
			AccessMode: AccessDirect,
			NewID:      func() (string, error) { return "", errors.New("no entropy") },
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Create(ctx, CreateRequest{}); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("should match outcomes to state when a flush fails", func(t *testing.T) {
		d := t.TempDir()
		tree, err := storage.Open(d, storage.Options{MemtableSize: 1})
		if err != nil {
			t.Fatal(err)
		}
		defer tree.Close()
		// A file where level 1's directory should go makes every flush fail
		if err := os.WriteFile(filepath.Join(d, "levels", "0001"), nil, 0644); err != nil {
			t.Fatal(err)
		}

		ids := []string{"first", "second"}
		core, logs := observer.New(zap.ErrorLevel)
		s, err := NewStore(tree, Options{
			AccessMode: AccessDirect,
			Logger:     zap.New(core),
			NewID: func() (string, error) {
				id := ids[0]
				ids = ids[1:]
				return id, nil
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		// The write lands, then the flush fails: still a success
		u, err := s.Create(ctx, CreateRequest{Name: "Ann", Email: "ann@x.com"})
		if err != nil {
			t.Fatalf("expected the create to succeed, got %s", err)
		}
		if got, err := s.Read(ctx, u.ID); err != nil || got != u {
			t.Fatalf("expected %+v, got %+v (%v)", u, got, err)
		}

		// The retried flush fails first, so nothing is written
		if _, err := s.Create(ctx, CreateRequest{Name: "Bob", Email: "bob@x.com"}); Kind(err) != "engine_error" {
			t.Fatalf("expected engine_error, got %v", err)
		}
		if _, err := s.Read(ctx, "second"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected the failed create to leave nothing, got %v", err)
		}
		if err := s.Delete(ctx, u.ID); Kind(err) != "engine_error" {
			t.Fatalf("expected engine_error, got %v", err)
		}
		if _, err := s.Read(ctx, u.ID); err != nil {
			t.Fatalf("expected the failed delete to leave the record, got %v", err)
		}

		failed := logs.FilterMessage("user operation failed").FilterField(zap.String("op", "create")).All()
		if len(failed) != 1 || failed[0].ContextMap()["id"] != "second" {
			t.Fatalf("expected one failed create logged with id second, got %+v", failed)
		}
	})

	t.Run("should report a closed pool as an engine failure", func(t *testing.T) {
		pool := workpool.New(1)
		s, err := NewStore(newMemEngine(), Options{Pool: pool})
		if err != nil {
			t.Fatal(err)
		}
		pool.Close()
		if _, err := s.Read(ctx, "x"); !errors.Is(err, workpool.ErrClosed) {
			t.Fatalf("expected workpool.ErrClosed, got %v", err)
		}
	})
}

func TestStore_SerializedGate(t *testing.T) {
	ctx := context.Background()
	eng := newMemEngine()
	eng.exclusive = true
	pool := workpool.New(8)
	defer pool.Close()

	s, err := NewStore(eng, Options{AccessMode: AccessSerialized, Pool: pool})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				u, err := s.Create(ctx, CreateRequest{Name: "n", Email: "e"})
				if err != nil {
					t.Error(err)
					return
				}
				s.Read(ctx, u.ID)
				s.Delete(ctx, u.ID)
			}
		}()
	}
	wg.Wait()

	if eng.overlap.Load() {
		t.Fatal("engine was called concurrently through the gate")
	}
}

func TestNewStore(t *testing.T) {
	if _, err := NewStore(nil, Options{}); err == nil {
		t.Fatal("expected an error for a nil engine")
	}
	if _, err := NewStore(newMemEngine(), Options{AccessMode: AccessSerialized}); err == nil {
		t.Fatal("expected an error for serialized access without a pool")
	}
	if _, err := NewStore(newMemEngine(), Options{AccessMode: "sideways"}); err == nil {
		t.Fatal("expected an error for an unknown access mode")
	}
	if _, err := NewStore(newMemEngine(), Options{AccessMode: AccessDirect, UpdateMode: "maybe"}); err == nil {
		t.Fatal("expected an error for an unknown update mode")
	}
}

func TestParseModes(t *testing.T) {
	if m, err := ParseAccessMode(" Direct "); err != nil || m != AccessDirect {
		t.Fatalf("expected direct, got %q (%v)", m, err)
	}
	if m, err := ParseAccessMode(""); err != nil || m != AccessSerialized {
		t.Fatalf("expected serialized by default, got %q (%v)", m, err)
	}
	if _, err := ParseAccessMode("both"); err == nil {
		t.Fatal("expected an error")
	}
	if m, err := ParseUpdateMode("STRICT"); err != nil || m != UpdateStrict {
		t.Fatalf("expected strict, got %q (%v)", m, err)
	}
	if m, err := ParseUpdateMode(""); err != nil || m != UpdateUpsert {
		t.Fatalf("expected upsert by default, got %q (%v)", m, err)
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(newMemEngine(), Options{AccessMode: AccessDirect, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}

	u, _ := s.Create(ctx, CreateRequest{Name: "a"})
	s.Read(ctx, u.ID)
	s.Read(ctx, "missing")

	if n := testutil.ToFloat64(m.ops.WithLabelValues("create", "ok")); n != 1 {
		t.Fatalf("expected 1 create, got %v", n)
	}
	if n := testutil.ToFloat64(m.ops.WithLabelValues("read", "ok")); n != 1 {
		t.Fatalf("expected 1 successful read, got %v", n)
	}
	if n := testutil.ToFloat64(m.ops.WithLabelValues("read", "not_found")); n != 1 {
		t.Fatalf("expected 1 missed read, got %v", n)
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Fatal("expected registering twice to fail")
	}
}
