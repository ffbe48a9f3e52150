package storage

import (
	"encoding/json"
	"fmt"
)

// Record is a single key's entry as it is stored in the WAL,
// the memtable, and the SSTables.
//
// Key holds arbitrary bytes. Keys compare byte-wise.
//
// A record with Tomb set marks the key as deleted and shadows
// any older value for the same key in a lower level.
type Record struct {
	Key   string
	Tomb  bool
	Value []byte
}

// Tombstone returns a deletion marker for the key k.
func Tombstone(k string) Record {
	return Record{
		Key:  k,
		Tomb: true,
	}
}

// diskRecord is the encoded form of a Record. The key is stored
// as base64 bytes since JSON strings can only carry UTF-8.
type diskRecord struct {
	Key   []byte `json:"key"`
	Tomb  bool   `json:"tomb,omitempty"`
	Value []byte `json:"value,omitempty"`
}

func encodeRecord(r Record) ([]byte, error) {
	b, err := json.Marshal(diskRecord{
		Key:   []byte(r.Key),
		Tomb:  r.Tomb,
		Value: r.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode record key=%q: %w", r.Key, err)
	}
	return b, nil
}

func decodeRecord(b []byte) (Record, error) {
	var r diskRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("%w: failed to decode record: %v", ErrCorrupt, err)
	}
	return Record{
		Key:   string(r.Key),
		Tomb:  r.Tomb,
		Value: r.Value,
	}, nil
}
