package docstore

import (
	"encoding/binary"
	"fmt"
	"os"

	hberrors "github.com/hbtriekv/hbtrie/errors"
)

// recordHeaderSize is the 4-byte big-endian length prefix stored ahead of
// every appended raw key, per the design notes' endianness rule.
const recordHeaderSize = 4

// Store is the document appender: an append-only file of length-prefixed
// raw keys, each addressable by the byte offset its record starts at.
//
// Thread-safety: not safe for concurrent use, matching FileWriter.
type Store struct {
	file  *os.File
	alloc *allocator
}

// Open creates (if absent) or re-opens the document file at path, keeping
// any records already in it; the next Append lands at its current end.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.KindWriteFailed, "docstore.Open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, hberrors.Wrap(hberrors.KindReadFailed, "docstore.Open", err)
	}
	return &Store{file: f, alloc: newAllocator(uint64(info.Size()))}, nil
}

// Append writes raw as a new record and returns the offset ReadKey can
// later recover it from.
func (s *Store) Append(raw []byte) (uint64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("docstore: cannot append empty key")
	}
	size := uint64(recordHeaderSize + len(raw))
	offset, err := s.alloc.allocate(size)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf, uint32(len(raw)))
	copy(buf[recordHeaderSize:], raw)

	if _, err := s.file.WriteAt(buf, int64(offset)); err != nil {
		return 0, hberrors.Wrap(hberrors.KindWriteFailed, "docstore.Append", err)
	}
	return offset, nil
}

// ReadKey recovers the raw key appended at offset into out, returning the
// number of bytes written. Satisfies trie.ReadKeyFunc's contract; the doc
// parameter is accepted only to match that signature and is ignored since
// Store already owns its backing file.
func (s *Store) ReadKey(_ interface{}, offset uint64, out []byte) (int, error) {
	var hdr [recordHeaderSize]byte
	if _, err := s.file.ReadAt(hdr[:], int64(offset)); err != nil {
		return 0, hberrors.Wrap(hberrors.KindReadFailed, "docstore.ReadKey", err)
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 || n > len(out) {
		return 0, hberrors.New(hberrors.KindIndexCorrupted, "docstore.ReadKey: record length exceeds buffer")
	}
	if _, err := s.file.ReadAt(out[:n], int64(offset)+recordHeaderSize); err != nil {
		return 0, hberrors.Wrap(hberrors.KindReadFailed, "docstore.ReadKey", err)
	}
	return n, nil
}

// Sync flushes the document file to stable storage.
func (s *Store) Sync() error {
	if err := s.file.Sync(); err != nil {
		return hberrors.Wrap(hberrors.KindWriteFailed, "docstore.Sync", err)
	}
	return nil
}

// Close closes the backing file.
func (s *Store) Close() error {
	return s.file.Close()
}

// EndOfFile returns the current end-of-file offset, i.e. where the next
// Append will land.
func (s *Store) EndOfFile() uint64 { return s.alloc.endOfFile() }
