package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path"
	"sync"
)

const treeMetaVersion = 1

// Options configures an LSMTree.
type Options struct {
	// MemtableSize is the number of entries the memtable holds
	// before it is flushed to a level-1 table.
	MemtableSize int

	// LevelMaxTables is the number of tables a level holds before
	// it is compacted into the next level.
	LevelMaxTables int

	// SyncWrites fsyncs the WAL after every write.
	SyncWrites bool

	// Compress snappy-compresses WAL and table blocks.
	Compress bool

	// BloomFPR is the target false-positive rate of each table's
	// bloom filter.
	BloomFPR float64
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MemtableSize:   DefaultMaxTableSize,
		LevelMaxTables: DefaultLevelMaxSize,
		SyncWrites:     true,
		Compress:       true,
		BloomFPR:       DefaultBloomFilterFPR,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MemtableSize <= 0 {
		o.MemtableSize = d.MemtableSize
	}
	if o.LevelMaxTables <= 0 {
		o.LevelMaxTables = d.LevelMaxTables
	}
	if o.LevelMaxTables > math.MaxUint16 {
		o.LevelMaxTables = math.MaxUint16
	}
	if o.BloomFPR <= 0 || o.BloomFPR >= 1 {
		o.BloomFPR = d.BloomFPR
	}
	return o
}

// LSMTree is an embedded, persistent, ordered key-value store.
//
// Every operation is atomic per key. The tree is safe for
// concurrent use: reads share a lock, writes (and the flushes
// and compactions they trigger) take it exclusively.
type LSMTree struct {
	sync.RWMutex
	path     string
	opts     Options
	meta     LSMTreeMeta
	memtable *Memtable
	wal      *WAL
	levels   []*Level
	flushErr error
	closed   bool
}

// LSMTreeMeta is stored in the tree's _meta.json file.
type LSMTreeMeta struct {
	Version int      `json:"version"`
	Levels  []uint16 `json:"levels"`
}

// Open opens the tree stored in the directory p, creating it
// if it doesn't exist.
//
// Existing levels and tables are loaded and the WAL is replayed
// into a fresh memtable.
func Open(p string, opts Options) (*LSMTree, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(path.Join(p, levelsDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create tree directory: %w", err)
	}

	t := &LSMTree{
		path:     p,
		opts:     opts,
		memtable: NewMemtable(uint64(opts.MemtableSize)),
	}

	// Load or create the metadata
	b, err := os.ReadFile(fmtTreeMetaPath(p))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		t.meta = LSMTreeMeta{Version: treeMetaVersion, Levels: []uint16{}}
		if err := t.writeMeta(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read tree meta file: %w", err)
	default:
		if err := json.Unmarshal(b, &t.meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tree meta file as json: %w", err)
		}
		if t.meta.Version != treeMetaVersion {
			return nil, fmt.Errorf("unsupported tree version %d", t.meta.Version)
		}
	}

	// Load the levels
	for _, n := range t.meta.Levels {
		l, err := LoadLevel(n, p)
		if err != nil {
			t.closeLevels()
			return nil, err
		}
		t.levels = append(t.levels, l)
	}

	// Replay the WAL
	wal, err := OpenWAL(fmtWALPath(p), opts.SyncWrites, opts.Compress)
	if err != nil {
		t.closeLevels()
		return nil, err
	}
	t.wal = wal
	if err := wal.Replay(t.memtable.Put); err != nil {
		t.wal.Close()
		t.closeLevels()
		return nil, err
	}
	if t.memtable.Full() {
		if err := t.flush(); err != nil {
			t.wal.Close()
			t.closeLevels()
			return nil, err
		}
	}

	return t, nil
}

// Path returns the tree's directory.
func (t *LSMTree) Path() string {
	return t.path
}

// Get returns the value stored for key and whether it was
// present.
func (t *LSMTree) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}

	t.RLock()
	defer t.RUnlock()
	if t.closed {
		return nil, false, ErrClosed
	}

	r, err := t.lookup(string(key))
	if err != nil {
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r.Value, true, nil
}

// Insert stores value under key, overwriting any existing
// value. It returns the previous value, if there was one.
func (t *LSMTree) Insert(key, value []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}

	t.Lock()
	defer t.Unlock()
	if t.closed {
		return nil, false, ErrClosed
	}

	prev, err := t.lookup(string(key))
	if err != nil {
		return nil, false, err
	}
	if err := t.write(Record{Key: string(key), Value: value}); err != nil {
		return nil, false, err
	}
	if prev == nil {
		return nil, false, nil
	}
	return prev.Value, true, nil
}

// InsertIfPresent overwrites the value stored under key only if
// the key is present. It reports whether the write happened.
func (t *LSMTree) InsertIfPresent(key, value []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}

	t.Lock()
	defer t.Unlock()
	if t.closed {
		return false, ErrClosed
	}

	prev, err := t.lookup(string(key))
	if err != nil {
		return false, err
	}
	if prev == nil {
		return false, nil
	}
	if err := t.write(Record{Key: string(key), Value: value}); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes key. It returns the removed value, if there
// was one. Removing an absent key writes nothing.
func (t *LSMTree) Remove(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}

	t.Lock()
	defer t.Unlock()
	if t.closed {
		return nil, false, ErrClosed
	}

	prev, err := t.lookup(string(key))
	if err != nil {
		return nil, false, err
	}
	if prev == nil {
		return nil, false, nil
	}
	if err := t.write(Tombstone(string(key))); err != nil {
		return nil, false, err
	}
	return prev.Value, true, nil
}

// Flush writes the memtable out to a level-1 table, even if it
// isn't full.
func (t *LSMTree) Flush() error {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return ErrClosed
	}
	return t.flush()
}

// Compact flushes the memtable and merges every table in every
// level into a single table in the deepest level. Since the merge
// sees every version of every key, tombstones are dropped.
func (t *LSMTree) Compact() error {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return ErrClosed
	}

	if err := t.flush(); err != nil {
		return err
	}
	if len(t.levels) == 0 {
		return nil
	}

	// Oldest tables first: deepest level up to level 1
	var tables []*SSTable
	var estimate uint
	for i := len(t.levels) - 1; i >= 0; i-- {
		for _, tbl := range t.levels[i].Tables() {
			tables = append(tables, tbl)
			estimate += uint(tbl.meta.RecordCount)
		}
	}
	if len(tables) <= 1 {
		return nil
	}

	last := t.levels[len(t.levels)-1]
	builder := &SSTBuilder{
		Path:     last.Path(),
		Level:    last.Num(),
		Estimate: estimate,
		FPR:      t.opts.BloomFPR,
		Compress: t.opts.Compress,
	}
	if err := builder.SetUp(); err != nil {
		return err
	}
	if err := mergeTables(tables, builder, true); err != nil {
		builder.Abort()
		return err
	}
	empty := builder.Count() == 0
	merged, err := builder.Finish()
	if err != nil {
		return err
	}

	if !empty {
		if err := last.AddTable(merged); err != nil {
			merged.DeleteTable()
			return err
		}
	} else if err := merged.DeleteTable(); err != nil {
		return err
	}

	for _, l := range t.levels {
		ids := make([]string, 0)
		for _, tbl := range l.Tables() {
			if tbl != merged {
				ids = append(ids, tbl.ID())
			}
		}
		if err := l.DeleteTables(ids); err != nil {
			return err
		}
	}
	return nil
}

// Stats describes the current shape of the tree.
type Stats struct {
	MemtableEntries int
	Levels          []LevelStats
}

type LevelStats struct {
	Level   uint16
	Tables  int
	Records uint64
}

func (t *LSMTree) Stats() Stats {
	t.RLock()
	defer t.RUnlock()

	s := Stats{MemtableEntries: t.memtable.Len()}
	for _, l := range t.levels {
		ls := LevelStats{Level: l.Num()}
		for _, tbl := range l.Tables() {
			ls.Tables++
			ls.Records += tbl.meta.RecordCount
		}
		s.Levels = append(s.Levels, ls)
	}
	return s
}

// Close closes the WAL and every table. The memtable isn't
// flushed; its contents are recovered from the WAL on the next
// Open. Calling Close more than once is a no-op.
func (t *LSMTree) Close() error {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	werr := t.wal.Close()
	lerr := t.closeLevels()
	t.memtable.Close()
	if werr != nil {
		return fmt.Errorf("failed to close wal: %w", werr)
	}
	return lerr
}

// lookup finds the newest record for k, returning nil if the key
// is absent or deleted. The caller must hold the tree's lock.
func (t *LSMTree) lookup(k string) (*Record, error) {
	r, err := t.memtable.Get(k)
	if err != nil {
		return nil, err
	}
	if r == nil {
		for _, l := range t.levels {
			r, err = l.Get(k)
			if err != nil {
				return nil, err
			}
			if r != nil {
				break
			}
		}
	}
	if r == nil || r.Tomb {
		return nil, nil
	}
	return r, nil
}

// write logs the record and applies it to the memtable,
// flushing when the memtable fills. The caller must hold the
// tree's write lock.
//
// Once the record is in the WAL and the memtable the write has
// happened, so a failed flush after that point doesn't fail it.
// The flush is retried before the next write is accepted, and
// that write fails, unapplied, if the retry fails too.
func (t *LSMTree) write(r Record) error {
	if t.memtable.Full() || t.memtable.Frozen() {
		if err := t.flush(); err != nil {
			return err
		}
	}
	if err := t.wal.Append(r); err != nil {
		return err
	}
	if err := t.memtable.Put(r); err != nil {
		return err
	}
	if t.memtable.Full() {
		t.flush()
	}
	return nil
}

// FlushErr returns the error from the last flush, or nil if it
// succeeded.
func (t *LSMTree) FlushErr() error {
	t.RLock()
	defer t.RUnlock()
	return t.flushErr
}

// flush writes the memtable to a new level-1 table, resets the
// WAL, and cascades compactions down through any full levels.
func (t *LSMTree) flush() error {
	t.flushErr = t.flushMemtable()
	return t.flushErr
}

func (t *LSMTree) flushMemtable() error {
	if t.memtable.Len() == 0 {
		return nil
	}

	l1, err := t.level(0)
	if err != nil {
		return err
	}
	tbl, err := t.memtable.Compact(l1.Path(), l1.Num(), t.opts.BloomFPR, t.opts.Compress)
	if err != nil {
		return fmt.Errorf("failed to flush memtable: %w", err)
	}
	if err := l1.AddTable(tbl); err != nil {
		tbl.DeleteTable()
		return err
	}
	t.memtable = NewMemtable(uint64(t.opts.MemtableSize))
	if err := t.wal.Reset(); err != nil {
		return err
	}

	for i := 0; i < len(t.levels); i++ {
		if !t.levels[i].Full() {
			break
		}
		next, err := t.level(i + 1)
		if err != nil {
			return err
		}
		merged, ids, err := t.levels[i].Compact(next.Path(), next.Num(), t.opts.BloomFPR, t.opts.Compress)
		if err != nil {
			return fmt.Errorf("failed to compact level %d: %w", t.levels[i].Num(), err)
		}
		if err := next.AddTable(merged); err != nil {
			merged.DeleteTable()
			return err
		}
		if err := t.levels[i].DeleteTables(ids); err != nil {
			return err
		}
	}
	return nil
}

// level returns the level at index i, creating it (and
// recording it in the tree's metadata) if needed.
func (t *LSMTree) level(i int) (*Level, error) {
	if i < len(t.levels) {
		return t.levels[i], nil
	}
	n := uint16(i + 1)
	l, err := CreateLevel(n, t.path, uint16(t.opts.LevelMaxTables))
	if err != nil {
		return nil, fmt.Errorf("failed to create level %d: %w", n, err)
	}
	t.levels = append(t.levels, l)
	t.meta.Levels = append(t.meta.Levels, n)
	if err := t.writeMeta(); err != nil {
		return nil, err
	}
	return l, nil
}

func (t *LSMTree) writeMeta() error {
	b, err := json.Marshal(t.meta)
	if err != nil {
		return fmt.Errorf("failed to marshal tree metadata: %w", err)
	}
	if err := writeFileAtomic(fmtTreeMetaPath(t.path), b); err != nil {
		return fmt.Errorf("failed to write tree metadata: %w", err)
	}
	return nil
}

func (t *LSMTree) closeLevels() error {
	var firstErr error
	for _, l := range t.levels {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func fmtTreeMetaPath(d string) string {
	return path.Join(d, "_meta.json")
}
