package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
)

const walFileName = "_wal.log"

// WAL is the tree's write-ahead log. Every write is appended
// here before it is applied to the memtable, so the memtable
// can be rebuilt after a restart.
type WAL struct {
	sync.Mutex
	path string
	file *os.File
	w    *BlockWriter
	sync bool
	size int64 // Length of the log's complete blocks
	err  error // Set when a failed append couldn't be undone
}

// OpenWAL opens (or creates) the log file at p.
//
// If syncWrites is set, each append is fsync'd before it
// returns.
func OpenWAL(p string, syncWrites, compress bool) (*WAL, error) {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal %q: %w", p, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat wal %q: %w", p, err)
	}
	return &WAL{
		path: p,
		file: f,
		w:    NewBlockWriter(f, compress),
		sync: syncWrites,
		size: fi.Size(),
	}, nil
}

// Append writes the record to the end of the log.
//
// If the write or sync fails, the log is truncated back to where
// it was, so a partial block never sits in front of later ones.
// If that truncate fails too, every later append is refused.
func (w *WAL) Append(r Record) error {
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}

	w.Lock()
	defer w.Unlock()
	if w.file == nil {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}
	n, err := w.w.WriteBlock(b)
	if err != nil {
		return w.undo(fmt.Errorf("failed to append to wal: %w", err))
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return w.undo(fmt.Errorf("failed to sync wal: %w", err))
		}
	}
	w.size += int64(n)
	return nil
}

// undo truncates the log back to its last complete block after
// a failed append. The caller must hold the lock.
func (w *WAL) undo(err error) error {
	if terr := w.file.Truncate(w.size); terr != nil {
		w.err = fmt.Errorf("wal is unusable after a failed append: %w", terr)
		return fmt.Errorf("%w (truncate: %v)", err, terr)
	}
	return err
}

// Replay calls fn with every record in the log, in the order
// they were written.
//
// A truncated final block (a write that was cut off by a crash)
// is dropped and the file is truncated back to the last complete
// block. A checksum failure anywhere else is returned as
// ErrCorrupt.
func (w *WAL) Replay(fn func(r Record) error) error {
	w.Lock()
	defer w.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open wal for replay: %w", err)
	}
	defer f.Close()

	br := NewBlockReader(f)
	for {
		b, err := br.ReadBlock()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// Torn tail write
			if err := w.file.Truncate(br.Offset()); err != nil {
				return fmt.Errorf("failed to truncate torn wal tail: %w", err)
			}
			w.size = br.Offset()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to replay wal: %w", err)
		}

		r, err := decodeRecord(b)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
}

// Reset discards the contents of the log. It is called once
// the memtable it backs has been flushed to an SSTable.
func (w *WAL) Reset() error {
	w.Lock()
	defer w.Unlock()
	if w.file == nil {
		return ErrClosed
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to reset wal: %w", err)
	}
	w.size = 0
	w.err = nil
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal: %w", err)
	}
	return nil
}

func (w *WAL) Close() error {
	w.Lock()
	defer w.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		w.file = nil
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func fmtWALPath(d string) string {
	return path.Join(d, walFileName)
}
