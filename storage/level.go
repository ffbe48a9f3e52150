package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"slices"
	"sync"
)

// DefaultLevelMaxSize is the default maximum number
// of tables that can be stored in a level.
const DefaultLevelMaxSize = 10

const levelsDirName = "levels"

type Level struct {
	sync.RWMutex
	path   string     // The path to this level's directory on disk
	meta   LevelMeta  // The level's metadata
	tables []*SSTable // Handles to the level's tables, oldest first
}

// CreateLevel creates a new level handle for the given level
// number in the given tree directory.
func CreateLevel(n uint16, d string, maxSize uint16) (*Level, error) {
	if maxSize == 0 {
		maxSize = DefaultLevelMaxSize
	}

	// Format the level path
	p := fmtLevelPath(d, n)

	// Make the directory
	if err := os.MkdirAll(p, 0755); err != nil {
		return nil, err
	}

	// Create the level
	level := &Level{
		path: p,
		meta: LevelMeta{
			Level:   n,
			MinKey:  "",
			MaxKey:  "",
			Tables:  []string{},
			MaxSize: maxSize,
		},
		tables: []*SSTable{},
	}

	// Write the metadata file
	if err := level.updateMetadata(); err != nil {
		return nil, err
	}

	// Done
	return level, nil
}

// LoadLevel loads the level with number n from the tree
// directory d, opening each of the tables listed in its
// metadata file.
func LoadLevel(n uint16, d string) (*Level, error) {
	p := fmtLevelPath(d, n)

	// Read the metadata
	b, err := os.ReadFile(fmtLevelMetaPath(p))
	if err != nil {
		return nil, fmt.Errorf("failed to read level %d meta file: %w", n, err)
	}
	var meta LevelMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal level %d meta file as json: %w", n, err)
	}

	// Open the tables
	tables := make([]*SSTable, 0, len(meta.Tables))
	for _, id := range meta.Tables {
		t, err := ReadSSTable(p, id)
		if err != nil {
			for _, t := range tables {
				t.Close()
			}
			return nil, err
		}
		tables = append(tables, t)
	}

	return &Level{
		path:   p,
		meta:   meta,
		tables: tables,
	}, nil
}

// Num returns the level number.
func (l *Level) Num() uint16 {
	return l.meta.Level
}

// Path returns the level's directory.
func (l *Level) Path() string {
	return l.path
}

// Full checks if the level has the maximum number of tables.
func (l *Level) Full() bool {
	l.RLock()
	defer l.RUnlock()
	return len(l.tables) >= int(l.meta.MaxSize)
}

// Tables returns the level's tables, oldest first.
func (l *Level) Tables() []*SSTable {
	l.RLock()
	defer l.RUnlock()
	return slices.Clone(l.tables)
}

func (l *Level) Get(key string) (*Record, error) {
	l.RLock()
	defer l.RUnlock()

	// Check if the key is in range
	if len(l.tables) == 0 || key < l.meta.MinKey || key > l.meta.MaxKey {
		return nil, nil
	}

	// Iterate over the tables, in reverse order
	for i := len(l.tables) - 1; i >= 0; i-- {
		// Get the table
		table := l.tables[i]

		// Get the record
		r, err := table.Get(key)
		if err != nil {
			return nil, err
		}

		// If the record is found, return it
		//
		// Note that this includes tombstones
		if r != nil {
			return r, nil
		}
	}

	// If the record is not found, return nil
	return nil, nil
}

// AddTable adds the table as the newest table in the level
// and persists the level's metadata.
func (l *Level) AddTable(table *SSTable) error {
	l.Lock()
	defer l.Unlock()

	l.tables = append(l.tables, table)
	if err := l.updateMetadata(); err != nil {
		l.tables = l.tables[:len(l.tables)-1]
		return err
	}
	return nil
}

// Compact merges the data in the tables in the level l, into
// a single table, and writes it to the directory at the given
// path (the next level's directory), and returns a handle to
// the new table along with the ids of the merged tables.
func (l *Level) Compact(path string, level uint16, fpr float64, compress bool) (*SSTable, []string, error) {
	l.Lock()
	defer l.Unlock()

	// Make sure there are tables to compact
	if len(l.tables) == 0 {
		return nil, nil, fmt.Errorf("no tables to compact")
	}

	// Create a table builder
	var estimate uint
	for _, t := range l.tables {
		estimate += uint(t.meta.RecordCount)
	}
	builder := &SSTBuilder{
		Path:     path,
		Level:    level,
		Estimate: estimate,
		FPR:      fpr,
		Compress: compress,
	}
	if err := builder.SetUp(); err != nil {
		return nil, nil, err
	}

	// Merge the tables, keeping tombstones since older
	// values for the same keys may live in lower levels
	if err := mergeTables(l.tables, builder, false); err != nil {
		builder.Abort()
		return nil, nil, err
	}

	// Build the new table
	t, err := builder.Finish()
	if err != nil {
		return nil, nil, err
	}

	// Get a list of the ids of the tables that
	// were compacted (for cleanup)
	ids := make([]string, len(l.tables))
	for i, t := range l.tables {
		ids[i] = t.meta.ID
	}

	// Done!
	return t, ids, nil
}

func (l *Level) DeleteTables(ids []string) error {
	l.Lock()
	defer l.Unlock()

	// Create a new table list
	tablesToKeep := make([]*SSTable, 0, len(l.tables))
	tablesToDelete := make([]*SSTable, 0, len(ids))
	for _, t := range l.tables {
		if slices.Contains(ids, t.meta.ID) {
			tablesToDelete = append(tablesToDelete, t)
			continue
		}
		tablesToKeep = append(tablesToKeep, t)
	}

	// Update the table handles and the metadata first, so a
	// crash part way through only leaves orphaned files
	l.tables = tablesToKeep
	if err := l.updateMetadata(); err != nil {
		return err
	}

	// Delete the tables
	for _, t := range tablesToDelete {
		if err := t.DeleteTable(); err != nil {
			return err
		}
	}

	// Done
	return nil
}

// Close closes all of the level's tables.
func (l *Level) Close() error {
	l.Lock()
	defer l.Unlock()

	var firstErr error
	for _, t := range l.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Level) updateMetadata() error {
	// Get the latest key range
	var minKey, maxKey string
	for _, t := range l.tables {
		if minKey == "" || t.meta.MinKey < minKey {
			minKey = t.meta.MinKey
		}
		if maxKey == "" || t.meta.MaxKey > maxKey {
			maxKey = t.meta.MaxKey
		}
	}

	// Get the latest table key ids
	tableIDs := make([]string, len(l.tables))
	for i, t := range l.tables {
		tableIDs[i] = t.meta.ID
	}

	// Store the new metadata
	l.meta.MinKey = minKey
	l.meta.MaxKey = maxKey
	l.meta.Tables = tableIDs

	// Marshal the metadata
	b, err := json.Marshal(l.meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Write the metadata to the file
	if err := writeFileAtomic(fmtLevelMetaPath(l.path), b); err != nil {
		return fmt.Errorf("failed to write metadata to file: %w", err)
	}
	return nil
}

type LevelMeta struct {
	Level   uint16   `json:"level"`   // Level number (starts with 1; 0 is memtable)
	MaxSize uint16   `json:"maxSize"` // Max num of tables in this level
	MinKey  string   `json:"minKey"`  // Minimum key in this level
	MaxKey  string   `json:"maxKey"`  // Maximum key in this level
	Tables  []string `json:"tables"`  // IDs of tables in this level
}

// MarshalJSON stores the key range as base64 bytes.
func (m LevelMeta) MarshalJSON() ([]byte, error) {
	type meta LevelMeta
	return json.Marshal(struct {
		meta
		MinKey []byte `json:"minKey"`
		MaxKey []byte `json:"maxKey"`
	}{meta(m), []byte(m.MinKey), []byte(m.MaxKey)})
}

func (m *LevelMeta) UnmarshalJSON(b []byte) error {
	type meta LevelMeta
	var v struct {
		meta
		MinKey []byte `json:"minKey"`
		MaxKey []byte `json:"maxKey"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*m = LevelMeta(v.meta)
	m.MinKey, m.MaxKey = string(v.MinKey), string(v.MaxKey)
	return nil
}

// mergeTables merges the records of tables (ordered oldest to
// newest) into the builder, in key order. When the same key is
// in more than one table, the newest table's record wins.
//
// If dropTombs is set, deleted keys are left out of the output
// entirely. That is only safe when the merge covers every table
// that could hold an older value for the key.
func mergeTables(tables []*SSTable, builder *SSTBuilder, dropTombs bool) error {
	// Create iterators for each table
	itrs := make([]*sstIterator, 0, len(tables))
	defer func() {
		for _, itr := range itrs {
			itr.close()
		}
	}()
	for _, t := range tables {
		itr, err := newSSTIterator(t)
		if err != nil {
			return err
		}
		itrs = append(itrs, itr)
	}

	for {
		// Pick the lowest key. On a tie the later (newer)
		// table's record wins.
		besti := -1
		for i, itr := range itrs {
			if itr.err != nil {
				return itr.err
			}
			if itr.done {
				continue
			}
			if besti == -1 || itr.current.Key <= itrs[besti].current.Key {
				besti = i
			}
		}
		if besti == -1 {
			return nil
		}
		best := itrs[besti].current

		// Add the record to the builder
		if !(dropTombs && best.Tomb) {
			if err := builder.Add(best); err != nil {
				return err
			}
		}

		// Advance every iterator sitting on this key
		for _, itr := range itrs {
			if !itr.done && itr.current.Key == best.Key {
				itr.next()
			}
		}
	}
}

func fmtLevelPath(d string, n uint16) string {
	return path.Join(d, levelsDirName, fmt.Sprintf("%04d", n))
}

func fmtLevelMetaPath(p string) string {
	return path.Join(p, "_meta.json")
}

// writeFileAtomic writes b to a temporary file next to p and
// renames it into place.
func writeFileAtomic(p string, b []byte) error {
	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}
