package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	DefaultBloomFilterSize = 10_000
	DefaultBloomFilterFPR  = 0.01
)

// SSTBuilder is used to build a new SSTable.
//
// Records must be added in strictly increasing key order.
type SSTBuilder struct {
	Path     string  // The path to the table's directory
	Level    uint16  // The table's level
	Estimate uint    // Expected number of records (sizes the bloom filter)
	FPR      float64 // Bloom filter false-positive rate
	Compress bool    // Snappy-compress the data blocks

	id     string
	minKey string
	maxKey string
	count  uint64
	bf     *bloom.BloomFilter
	file   *os.File
	buf    *bufio.Writer
	blocks *BlockWriter
	create time.Time
}

// SetUp sets up the SSTBuilder. It generates a unique id,
// sets the create timestamp, opens the data file, and
// initializes the bloom filter.
func (b *SSTBuilder) SetUp() error {
	// Generate an id
	id, err := NewID()
	if err != nil {
		return err
	}
	b.id = id

	// Set the create timestamp
	b.create = time.Now()

	// Open the data file
	p := fmtSSTDataPath(b.Path, b.id)
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	b.file = f
	b.buf = bufio.NewWriter(f)
	b.blocks = NewBlockWriter(b.buf, b.Compress)

	// Set up the bloom filter
	n := b.Estimate
	if n == 0 {
		n = DefaultBloomFilterSize
	}
	fpr := b.FPR
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultBloomFilterFPR
	}
	b.bf = bloom.NewWithEstimates(n, fpr)

	// Done
	return nil
}

// Add adds a record to the SSTable builder.
//
// It stores the record in the data file and updates
// the metadata (min/max keys, record count, bloom filter).
func (tb *SSTBuilder) Add(r Record) error {
	if r.Key == "" {
		return ErrEmptyKey
	}
	if tb.count > 0 && r.Key <= tb.maxKey {
		return fmt.Errorf("key %q added out of order (after %q)", r.Key, tb.maxKey)
	}

	// Encode the record
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}

	// Write the record to the file
	if _, err := tb.blocks.WriteBlock(b); err != nil {
		return err
	}

	// Add the key to the bloom filter
	tb.bf.Add([]byte(r.Key))

	// Update the min/max keys
	if tb.count == 0 {
		tb.minKey = r.Key
	}
	tb.maxKey = r.Key
	tb.count++

	// Done
	return nil
}

// Count returns the number of records added so far.
func (tb *SSTBuilder) Count() uint64 {
	return tb.count
}

// Abort closes and removes the partially written data file.
func (tb *SSTBuilder) Abort() {
	if tb.file == nil {
		return
	}
	tb.file.Close()
	os.Remove(tb.file.Name())
	tb.file = nil
}

// Finish finishes building the SSTable.
//
// It flushes and syncs the data file, resets the file handle,
// and generates and stores the metadata and bloom filter
// to disk, in the given path.
func (tb *SSTBuilder) Finish() (*SSTable, error) {
	// Flush the data to disk
	if err := tb.buf.Flush(); err != nil {
		tb.Abort()
		return nil, err
	}
	if err := tb.file.Sync(); err != nil {
		tb.Abort()
		return nil, err
	}

	// Seek back to the beginning of the file
	if _, err := tb.file.Seek(0, io.SeekStart); err != nil {
		tb.Abort()
		return nil, err
	}

	// Create the metadata
	md := SSTMeta{
		ID:          tb.id,
		Level:       tb.Level,
		MinKey:      tb.minKey,
		MaxKey:      tb.maxKey,
		RecordCount: tb.count,
		CreatedAt:   tb.create,
	}

	// Write the bloom filter to disk
	bfp := fmtSSTBloomPath(tb.Path, tb.id)
	b, err := tb.bf.MarshalBinary()
	if err != nil {
		tb.Abort()
		return nil, err
	}
	if err := os.WriteFile(bfp, b, 0644); err != nil {
		tb.Abort()
		return nil, err
	}

	// Write the metadata to disk
	mdp := fmtSSTMetaPath(tb.Path, tb.id)
	b, err = json.Marshal(md)
	if err != nil {
		tb.Abort()
		return nil, err
	}
	if err := os.WriteFile(mdp, b, 0644); err != nil {
		tb.Abort()
		return nil, err
	}

	// Create the sstable
	t := &SSTable{
		id:    tb.id,
		path:  tb.Path,
		meta:  md,
		file:  tb.file,
		bloom: tb.bf,
	}
	tb.file = nil

	// Done
	return t, nil
}

// SSTable is a sorted string table.
//
// It is a sorted list of records, with a bloom filter.
type SSTable struct {
	sync.Mutex
	id    string
	path  string
	meta  SSTMeta
	file  *os.File
	bloom *bloom.BloomFilter
}

// ReadSSTable reads in an existing SSTable, with the given id,
// at the given path, and returns it.
//
// It reads in the SSTable's metadata, opens a file handle,
// and loads the bloom filter.
func ReadSSTable(p string, id string) (*SSTable, error) {
	// Load the metadata file
	metaPath := fmtSSTMetaPath(p, id)
	b, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read sst id=%q meta file: %w", id, err)
	}
	var meta SSTMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sst id=%q meta file as json: %w", id, err)
	}

	// Read in the bloom filter
	bfPath := fmtSSTBloomPath(p, id)
	b, err = os.ReadFile(bfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read sst id=%q bloom filter: %w", id, err)
	}
	var bf bloom.BloomFilter
	if err := bf.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("failed to decode sst id=%q bloom filter: %w", id, err)
	}

	// Open the data file
	filePath := fmtSSTDataPath(p, id)
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sst id=%q data file: %w", id, err)
	}

	// Create and return the table
	return &SSTable{
		id:    id,
		path:  p,
		meta:  meta,
		file:  file,
		bloom: &bf,
	}, nil
}

// ID returns the table's id.
func (t *SSTable) ID() string {
	return t.id
}

// Meta returns a copy of the table's metadata.
func (t *SSTable) Meta() SSTMeta {
	return t.meta
}

// MightContain checks if the SSTable *might* contain the key.
//
// It checks if the key is in the table's range and if the key
// could be in the table's bloom filter.
func (t *SSTable) MightContain(key string) (bool, error) {
	// Validate the key
	if len(key) == 0 {
		return false, ErrEmptyKey
	}

	// Is it out of range of the min/max?
	if key < t.meta.MinKey || key > t.meta.MaxKey {
		return false, nil
	}

	// Is it in the bloom filter?
	if !t.bloom.Test([]byte(key)) {
		return false, nil
	}

	// Otherwise, it *probably* is in the table
	return true, nil
}

// Get returns the record stored for key, or nil if the table
// has none. The returned record may be a tombstone.
func (t *SSTable) Get(key string) (*Record, error) {
	// First check if it *might* be in the table
	maybe, err := t.MightContain(key)
	if err != nil {
		return nil, err
	}
	if !maybe {
		return nil, nil
	}

	// Scan the table
	var record *Record
	if err := t.scan(func(r Record) (bool, error) {
		// Have we passed the key?
		if r.Key > key {
			return true, nil
		}

		// Is it the key we're looking for?
		if r.Key == key {
			record = &r
			return true, nil
		}

		// Otherwise, keep going
		return false, nil
	}); err != nil {
		return nil, err
	}

	// Done
	return record, nil
}

// Close closes the SSTable's open connections.
func (t *SSTable) Close() error {
	t.Lock()
	defer t.Unlock()

	if t.file == nil {
		return nil
	}

	// Close the file
	err := t.file.Close()
	if err != nil {
		return err
	}

	// Reset the file handle
	t.file = nil

	// Done
	return nil
}

// scan will scan through the SSTable records using the given
// function. The function accepts the next record and returns
// a boolean to signify that the scanner is done.
func (t *SSTable) scan(fn func(r Record) (done bool, err error)) error {
	// Lock the table
	t.Lock()
	defer t.Unlock()

	if t.file == nil {
		return ErrClosed
	}

	// Seek back to the beginning of the file
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	// Scan the table
	br := NewBlockReader(t.file)
	for {
		b, err := br.ReadBlock()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to scan sst id=%q: %w", t.id, err)
		}

		// Decode the record
		r, err := decodeRecord(b)
		if err != nil {
			return err
		}

		// Run the callback
		done, err := fn(r)
		if err != nil {
			return err
		}

		// If we're done, stop scanning
		if done {
			return nil
		}
	}
}

// DeleteTable closes the table and removes its files.
func (t *SSTable) DeleteTable() error {
	// Lock the table
	t.Lock()
	defer t.Unlock()

	// Close the file
	if t.file != nil {
		if err := t.file.Close(); err != nil {
			return err
		}
		t.file = nil
	}

	// Delete the files
	mdp := fmtSSTMetaPath(t.path, t.id)
	if err := os.Remove(mdp); err != nil {
		return err
	}

	bfp := fmtSSTBloomPath(t.path, t.id)
	if err := os.Remove(bfp); err != nil {
		return err
	}

	dp := fmtSSTDataPath(t.path, t.id)
	if err := os.Remove(dp); err != nil {
		return err
	}

	// Done
	return nil
}

type SSTMeta struct {
	ID          string
	Level       uint16
	MinKey      string
	MaxKey      string
	RecordCount uint64
	CreatedAt   time.Time
}

// MarshalJSON stores the key range as base64 bytes, so keys that
// aren't valid UTF-8 survive the round trip.
func (m SSTMeta) MarshalJSON() ([]byte, error) {
	type meta SSTMeta
	return json.Marshal(struct {
		meta
		MinKey []byte
		MaxKey []byte
	}{meta(m), []byte(m.MinKey), []byte(m.MaxKey)})
}

func (m *SSTMeta) UnmarshalJSON(b []byte) error {
	type meta SSTMeta
	var v struct {
		meta
		MinKey []byte
		MaxKey []byte
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*m = SSTMeta(v.meta)
	m.MinKey, m.MaxKey = string(v.MinKey), string(v.MaxKey)
	return nil
}

func fmtSSTMetaPath(p, id string) string {
	return path.Join(p, id+".meta")
}

func fmtSSTBloomPath(p, id string) string {
	return path.Join(p, id+".bloom")
}

func fmtSSTDataPath(p, id string) string {
	return path.Join(p, id+".data")
}

// sstIterator walks a table's records in key order through its
// own file handle, so it doesn't contend with point reads.
type sstIterator struct {
	file    *os.File
	br      *BlockReader
	current Record
	done    bool
	err     error
}

func newSSTIterator(t *SSTable) (*sstIterator, error) {
	f, err := os.Open(fmtSSTDataPath(t.path, t.id))
	if err != nil {
		return nil, fmt.Errorf("failed to open sst id=%q for iteration: %w", t.id, err)
	}
	itr := &sstIterator{
		file: f,
		br:   NewBlockReader(f),
	}
	itr.next()
	return itr, nil
}

// next advances the iterator. It returns false once the table
// is exhausted or an error occurred.
func (itr *sstIterator) next() bool {
	if itr.done {
		return false
	}
	b, err := itr.br.ReadBlock()
	if err != nil {
		itr.done = true
		if !errors.Is(err, io.EOF) {
			itr.err = err
		}
		return false
	}
	r, err := decodeRecord(b)
	if err != nil {
		itr.done = true
		itr.err = err
		return false
	}
	itr.current = r
	return true
}

func (itr *sstIterator) close() error {
	return itr.file.Close()
}
