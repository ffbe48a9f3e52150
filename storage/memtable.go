package storage

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

const (
	DefaultTreeOrder    = 3
	DefaultMaxTableSize = 1 << 10
)

// Memtable holds the most recent writes in memory, in key
// order, until it is flushed to an SSTable.
type Memtable struct {
	sync.RWMutex
	tree    *btree.BTreeG[string]
	hmap    map[string]Record
	maxSize uint64
	frozen  bool
}

func NewMemtable(maxSize uint64) *Memtable {
	if maxSize == 0 {
		maxSize = DefaultMaxTableSize
	}
	tree := btree.NewOrderedG[string](DefaultTreeOrder)
	hmap := make(map[string]Record)
	return &Memtable{
		tree:    tree,
		hmap:    hmap,
		maxSize: maxSize,
		frozen:  false,
	}
}

// Get returns the record for k, or nil if the memtable has
// no entry for it.
//
// Note that the returned record may be a tombstone.
func (m *Memtable) Get(k string) (*Record, error) {
	m.RLock()
	defer m.RUnlock()

	// Get the record
	r, ok := m.hmap[k]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memtable) Put(r Record) error {
	m.Lock()
	defer m.Unlock()

	if m.frozen {
		return fmt.Errorf("memtable is frozen")
	}

	// Set the record in the hash-map
	m.hmap[r.Key] = r

	// Add the key to the tree
	m.tree.ReplaceOrInsert(r.Key)

	// Done
	return nil
}

func (m *Memtable) Del(k string) error {
	return m.Put(Tombstone(k))
}

func (m *Memtable) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.hmap)
}

func (m *Memtable) Full() bool {
	return m.Len() >= int(m.maxSize)
}

func (m *Memtable) Freeze() {
	m.Lock()
	defer m.Unlock()
	m.frozen = true
}

// Frozen reports whether the memtable has stopped taking writes.
func (m *Memtable) Frozen() bool {
	m.RLock()
	defer m.RUnlock()
	return m.frozen
}

// Ascend calls fn for each record in key order, stopping
// early if fn returns false.
func (m *Memtable) Ascend(fn func(r Record) bool) {
	m.RLock()
	defer m.RUnlock()
	m.tree.Ascend(func(k string) bool {
		return fn(m.hmap[k])
	})
}

// Compact freezes the memtable and writes its contents, in
// key order, to a new SSTable in the directory p.
func (m *Memtable) Compact(p string, level uint16, fpr float64, compress bool) (*SSTable, error) {
	m.Freeze()

	builder := &SSTBuilder{
		Path:     p,
		Level:    level,
		Estimate: uint(m.Len()),
		FPR:      fpr,
		Compress: compress,
	}
	if err := builder.SetUp(); err != nil {
		return nil, err
	}

	var addErr error
	m.Ascend(func(r Record) bool {
		addErr = builder.Add(r)
		return addErr == nil
	})
	if addErr != nil {
		builder.Abort()
		return nil, addErr
	}
	return builder.Finish()
}

// Close drops the memtable's contents.
func (m *Memtable) Close() error {
	m.Lock()
	defer m.Unlock()
	m.frozen = true
	m.tree.Clear(false)
	m.hmap = make(map[string]Record)
	return nil
}
