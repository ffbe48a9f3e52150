package storage

import (
	"errors"
	"io"
	"os"
	"path"
	"testing"
)

func TestWAL(t *testing.T) {
	t.Run("should replay appended records in order", func(t *testing.T) {
		p := path.Join(t.TempDir(), walFileName)
		w, err := OpenWAL(p, true, true)
		if err != nil {
			t.Fatalf("failed to open wal: %s", err)
		}
		records := []Record{
			{Key: "a", Value: []byte("1")},
			{Key: "b", Value: []byte("2")},
			Tombstone("a"),
		}
		for _, r := range records {
			if err := w.Append(r); err != nil {
				t.Fatalf("failed to append: %s", err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatalf("failed to close wal: %s", err)
		}

		w, err = OpenWAL(p, true, true)
		if err != nil {
			t.Fatalf("failed to reopen wal: %s", err)
		}
		defer w.Close()

		var got []Record
		if err := w.Replay(func(r Record) error {
			got = append(got, r)
			return nil
		}); err != nil {
			t.Fatalf("failed to replay: %s", err)
		}
		if len(got) != len(records) {
			t.Fatalf("expected %d records, got %d", len(records), len(got))
		}
		for i := range records {
			if got[i].Key != records[i].Key || got[i].Tomb != records[i].Tomb || string(got[i].Value) != string(records[i].Value) {
				t.Fatalf("record %d: expected %+v, got %+v", i, records[i], got[i])
			}
		}
	})

	t.Run("should drop a torn final write", func(t *testing.T) {
		p := path.Join(t.TempDir(), walFileName)
		w, err := OpenWAL(p, false, false)
		if err != nil {
			t.Fatalf("failed to open wal: %s", err)
		}
		w.Append(Record{Key: "a", Value: []byte("1")})
		w.Append(Record{Key: "b", Value: []byte("2")})
		w.Close()

		fi, err := os.Stat(p)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Truncate(p, fi.Size()-3); err != nil {
			t.Fatal(err)
		}

		w, err = OpenWAL(p, false, false)
		if err != nil {
			t.Fatalf("failed to reopen wal: %s", err)
		}
		defer w.Close()

		var keys []string
		if err := w.Replay(func(r Record) error {
			keys = append(keys, r.Key)
			return nil
		}); err != nil {
			t.Fatalf("failed to replay: %s", err)
		}
		if len(keys) != 1 || keys[0] != "a" {
			t.Fatalf("expected only key a, got %v", keys)
		}

		// The torn bytes are gone, so new appends land cleanly
		if err := w.Append(Record{Key: "c", Value: []byte("3")}); err != nil {
			t.Fatal(err)
		}
		keys = nil
		if err := w.Replay(func(r Record) error {
			keys = append(keys, r.Key)
			return nil
		}); err != nil {
			t.Fatalf("failed to replay: %s", err)
		}
		if len(keys) != 2 || keys[1] != "c" {
			t.Fatalf("expected keys [a c], got %v", keys)
		}
	})

	t.Run("should be empty after a reset", func(t *testing.T) {
		p := path.Join(t.TempDir(), walFileName)
		w, err := OpenWAL(p, false, true)
		if err != nil {
			t.Fatalf("failed to open wal: %s", err)
		}
		defer w.Close()
		w.Append(Record{Key: "a"})
		if err := w.Reset(); err != nil {
			t.Fatalf("failed to reset: %s", err)
		}
		n := 0
		if err := w.Replay(func(Record) error { n++; return nil }); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Fatalf("expected no records, got %d", n)
		}
	})

	t.Run("should refuse appends after close", func(t *testing.T) {
		w, err := OpenWAL(path.Join(t.TempDir(), walFileName), false, false)
		if err != nil {
			t.Fatal(err)
		}
		w.Close()
		if err := w.Append(Record{Key: "a"}); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	})
}

// shortWriter writes at most n bytes to w and then fails.
type shortWriter struct {
	w io.Writer
	n int
}

func (sw *shortWriter) Write(b []byte) (int, error) {
	if len(b) <= sw.n {
		sw.n -= len(b)
		return sw.w.Write(b)
	}
	n, _ := sw.w.Write(b[:sw.n])
	sw.n = 0
	return n, errors.New("disk full")
}

func TestWAL_FailedAppend(t *testing.T) {
	p := path.Join(t.TempDir(), walFileName)
	w, err := OpenWAL(p, false, false)
	if err != nil {
		t.Fatalf("failed to open wal: %s", err)
	}
	if err := w.Append(Record{Key: "a", Value: []byte("1")}); err != nil {
		t.Fatal(err)
	}

	// Half a header reaches the file, then the write fails
	w.w = NewBlockWriter(&shortWriter{w: w.file, n: 5}, false)
	if err := w.Append(Record{Key: "b", Value: []byte("2")}); err == nil {
		t.Fatal("expected the append to fail")
	}
	w.w = NewBlockWriter(w.file, false)

	if err := w.Append(Record{Key: "c", Value: []byte("3")}); err != nil {
		t.Fatalf("failed to append after a failed append: %s", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	w, err = OpenWAL(p, false, false)
	if err != nil {
		t.Fatalf("failed to reopen wal: %s", err)
	}
	defer w.Close()
	var keys []string
	if err := w.Replay(func(r Record) error {
		keys = append(keys, r.Key)
		return nil
	}); err != nil {
		t.Fatalf("failed to replay: %s", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Fatalf("expected keys [a c], got %v", keys)
	}
}

func TestWAL_BinaryKeys(t *testing.T) {
	p := path.Join(t.TempDir(), walFileName)
	w, err := OpenWAL(p, false, true)
	if err != nil {
		t.Fatalf("failed to open wal: %s", err)
	}
	defer w.Close()

	keys := []string{"\xff", "\xfe", "a\x00b"}
	for _, k := range keys {
		if err := w.Append(Record{Key: k, Value: []byte(k)}); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	if err := w.Replay(func(r Record) error {
		got = append(got, r.Key)
		return nil
	}); err != nil {
		t.Fatalf("failed to replay: %s", err)
	}
	if len(got) != len(keys) {
		t.Fatalf("expected %d records, got %d", len(keys), len(got))
	}
	for i := range keys {
		if got[i] != keys[i] {
			t.Fatalf("record %d: expected key %q, got %q", i, keys[i], got[i])
		}
	}
}
