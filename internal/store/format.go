package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// File layout:
//
//	magic "GRDSTOR1"
//	block*  where block = [kind u8][len u32][crc32 u32][body len bytes]
//
// Integers are little-endian. The checksum is CRC-32 (IEEE) of the body.
// A payload block holds one zstd-compressed record. An index block commits a
// payload to a path; a tombstone block removes a path. Only blocks up to the
// last index or tombstone are committed; anything after is discarded on open.

const magic = "GRDSTOR1"

const blockHeaderSize = 9

const (
	blockPayload   byte = 1
	blockIndex     byte = 2
	blockTombstone byte = 3
)

// maxBlockSize bounds a single block body so a corrupt length cannot trigger a
// huge allocation. Writes over it are refused.
var maxBlockSize int64 = 1 << 31

var (
	// ErrNotStore is returned when a file does not start with the store magic.
	ErrNotStore = errors.New("not a grid store container")
	// ErrChecksum is returned when a committed block fails its checksum.
	ErrChecksum = errors.New("block checksum mismatch")
	// ErrBlockTooLarge is returned when an encoded record exceeds the block
	// size limit.
	ErrBlockTooLarge = errors.New("block exceeds size limit")
)

// IsContainer reports whether head begins with the store magic.
func IsContainer(head []byte) bool {
	return len(head) >= len(magic) && string(head[:len(magic)]) == magic
}

func encodeBlockHeader(kind byte, body []byte) []byte {
	h := make([]byte, blockHeaderSize)
	h[0] = kind
	binary.LittleEndian.PutUint32(h[1:5], uint32(len(body)))
	binary.LittleEndian.PutUint32(h[5:9], crc32.ChecksumIEEE(body))
	return h
}

// block describes one scanned block. Body is only populated for index and
// tombstone blocks.
type block struct {
	kind   byte
	offset int64
	length uint32
	crc    uint32
	body   []byte
}

func (b block) end() int64 { return b.offset + blockHeaderSize + int64(b.length) }

// scanBlocks walks blocks from just after the magic and calls fn for each
// block whose checksum verifies. It stops silently at the first short or
// malformed block, or at a final block with a bad checksum, and returns the
// offset where scanning stopped. A bad checksum anywhere else is ErrChecksum.
func scanBlocks(r io.ReaderAt, size int64, fn func(block) error) (int64, error) {
	head := make([]byte, len(magic))
	if _, err := r.ReadAt(head, 0); err != nil || string(head) != magic {
		return 0, ErrNotStore
	}

	off := int64(len(magic))
	hdr := make([]byte, blockHeaderSize)
	for off+blockHeaderSize <= size {
		if _, err := r.ReadAt(hdr, off); err != nil {
			return off, nil
		}
		b := block{
			kind:   hdr[0],
			offset: off,
			length: binary.LittleEndian.Uint32(hdr[1:5]),
			crc:    binary.LittleEndian.Uint32(hdr[5:9]),
		}
		if b.kind < blockPayload || b.kind > blockTombstone || int64(b.length) > maxBlockSize || b.end() > size {
			return off, nil
		}

		sec := io.NewSectionReader(r, off+blockHeaderSize, int64(b.length))
		var sum uint32
		if b.kind == blockPayload {
			h := crc32.NewIEEE()
			if _, err := io.Copy(h, sec); err != nil {
				return off, nil
			}
			sum = h.Sum32()
		} else {
			body := make([]byte, b.length)
			if _, err := io.ReadFull(sec, body); err != nil {
				return off, nil
			}
			sum = crc32.ChecksumIEEE(body)
			b.body = body
		}
		if sum != b.crc {
			// A bad final block is a torn write. A bad block followed by
			// more data is damage that truncation would make worse.
			if b.end() == size {
				return off, nil
			}
			return off, fmt.Errorf("block at %d: %w", off, ErrChecksum)
		}

		if err := fn(b); err != nil {
			return off, err
		}
		off = b.end()
	}
	return off, nil
}

// readBody reads and verifies the body of the block at offset.
func readBody(r io.ReaderAt, offset int64, length uint32) ([]byte, error) {
	hdr := make([]byte, blockHeaderSize)
	if _, err := r.ReadAt(hdr, offset); err != nil {
		return nil, fmt.Errorf("read block header at %d: %w", offset, err)
	}
	if binary.LittleEndian.Uint32(hdr[1:5]) != length {
		return nil, fmt.Errorf("block at %d: length %d, index says %d: %w",
			offset, binary.LittleEndian.Uint32(hdr[1:5]), length, ErrChecksum)
	}
	body := make([]byte, length)
	if _, err := r.ReadAt(body, offset+blockHeaderSize); err != nil {
		return nil, fmt.Errorf("read block body at %d: %w", offset, err)
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(hdr[5:9]) {
		return nil, fmt.Errorf("block at %d: %w", offset, ErrChecksum)
	}
	return body, nil
}
