// Package storage provides constructs for storing database records on disk.
//
// The main storage primative is the LSMTree, which is built on top of a
// write-ahead log, a Memtable, and Levels (which are made up of SSTables).
// It exposes point reads, writes, and deletes, each atomic per key.
//
// # LSMTree Disk Layout
//
// An LSMTree is stored with the following general structure:
//
//	path/to/tree/
//	├── _meta.json
//	├── _wal.log
//	├── levels/
//	│   ├── {{ LEVEL_NUM }}/
//	│   │   ├── _meta.json
//	│   │   ├── {{ ID_OF_SST }}.data
//	│   │   ├── {{ ID_OF_SST }}.meta
//	│   │   ├── {{ ID_OF_SST }}.bloom
//
// Where in the above, LEVEL_NUM is the level number, width-4, zero-padded.
// There are zero or more levels per tree.
//
// And ID_OF_SST is the ID of the SSTable, which is a UUID. There is (generally)
// at least one table per level. The tables for a given level are stored in the
// same directory -- where each table has a data file, a meta file, and a bloom
// filter file.
//
// # Blocks
//
// Both the WAL and the SSTable data files are a sequence of blocks, each
// holding one JSON-encoded Record, with the key stored as base64 so that any
// byte string can be a key. A block is length-prefixed and carries a
// CRC32 checksum of its (optionally snappy-compressed) payload, so a torn
// write at the end of the WAL can be told apart from corruption.
//
// # Reads and Writes
//
// Writes go to the WAL and then the memtable. When the memtable is full it is
// written out as a new table in level 1, and the WAL is reset. When a level
// holds too many tables they are merged into a single table in the next level.
//
// Reads check the memtable, then each level in order, newest table first. A
// deleted key is recorded as a tombstone, which hides older values until a
// full compaction drops it.
package storage
