package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
)

// Block layout on disk:
//
//	+----------------+----------------+-------+-----------------+
//	| length (4B LE) | crc32c (4B LE) | flags | payload (length) |
//	+----------------+----------------+-------+-----------------+
//
// The checksum covers the payload as stored (i.e. after compression).
const (
	blockHeaderSize = 9

	blockFlagSnappy byte = 1 << 0

	// MaxBlockSize caps the size of a single stored payload.
	MaxBlockSize = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BlockWriter writes length-prefixed, checksummed blocks to
// an underlying writer, optionally snappy-compressing each one.
type BlockWriter struct {
	Compress bool

	w io.Writer
	n int64
}

func NewBlockWriter(w io.Writer, compress bool) *BlockWriter {
	return &BlockWriter{
		Compress: compress,
		w:        w,
	}
}

// WriteBlock writes b as a single block and returns the number
// of bytes written to the underlying writer.
func (bw *BlockWriter) WriteBlock(b []byte) (int, error) {
	var flags byte
	payload := b
	if bw.Compress {
		payload = snappy.Encode(nil, b)
		flags |= blockFlagSnappy
	}
	if len(payload) > MaxBlockSize {
		return 0, fmt.Errorf("block of %d bytes exceeds max size %d", len(payload), MaxBlockSize)
	}

	buf := make([]byte, blockHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crcTable))
	buf[8] = flags
	copy(buf[blockHeaderSize:], payload)

	n, err := bw.w.Write(buf)
	bw.n += int64(n)
	return n, err
}

// Written returns the total number of bytes written so far.
func (bw *BlockWriter) Written() int64 {
	return bw.n
}

// BlockReader reads blocks written by a BlockWriter.
type BlockReader struct {
	r   *bufio.Reader
	off int64
}

func NewBlockReader(r io.Reader) *BlockReader {
	return &BlockReader{r: bufio.NewReader(r)}
}

// ReadBlock reads the next block and returns its decompressed
// payload.
//
// It returns io.EOF when the reader ends cleanly on a block
// boundary, io.ErrUnexpectedEOF when the final block is
// truncated, and ErrCorrupt when a block fails its checksum.
func (br *BlockReader) ReadBlock() ([]byte, error) {
	var hdr [blockHeaderSize]byte
	if _, err := io.ReadFull(br.r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	flags := hdr[8]
	if size > MaxBlockSize {
		return nil, fmt.Errorf("%w: block at offset %d claims %d bytes", ErrCorrupt, br.off, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(br.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, br.off)
	}

	if flags&blockFlagSnappy != 0 {
		b, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decompress block at offset %d: %v", ErrCorrupt, br.off, err)
		}
		payload = b
	}

	br.off += int64(blockHeaderSize) + int64(size)
	return payload, nil
}

// Offset returns the offset just past the last complete block
// that was read.
func (br *BlockReader) Offset() int64 {
	return br.off
}
