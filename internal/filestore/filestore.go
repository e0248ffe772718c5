// Package filestore implements the block cache/file manager collaborator
// (§6, blockstore.FileManager): a real OS file of fixed-size blocks,
// allocated strictly at end-of-file.
//
// Grounded on the teacher's FileWriter/Allocator (internal/writer):
// sequential, no-freed-space-reuse allocation carries over unchanged,
// adapted from byte offsets to block indices. Each block is stamped with
// an xxhash64 trailer (github.com/cespare/xxhash/v2, also used by the
// rest of the example pack for content hashing) so Read can detect a torn
// or corrupted block instead of handing the trie garbage.
package filestore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	mmap "github.com/edsrzf/mmap-go"

	hberrors "github.com/hbtriekv/hbtrie/errors"
	"github.com/hbtriekv/hbtrie/internal/blockstore"
)

const checksumSize = 8

// Store is a blockstore.FileManager backed by a real OS file.
//
// Simplification: every allocated block remains writable for the Store's
// whole lifetime (single-writer, no external revocation), so IsWritable
// always returns true; AddStaleBlock only records the region since the
// MVP allocator never reclaims space, matching the teacher Allocator's
// "no freed space reuse" MVP strategy.
type Store struct {
	mu        sync.Mutex
	file      *os.File
	blocksize int
	nextBid   blockstore.BidT
	stale     []StaleRegion

	// mapped is a read-only snapshot of the file, refreshed after every
	// write, that readAt serves hits from instead of a ReadAt syscall.
	mapped mmap.MMap
}

// StaleRegion is a region reported via AddStaleBlock, kept for inspection.
type StaleRegion struct {
	Pos    blockstore.BidT
	Length int
}

func stride(blocksize int) int64 { return int64(blocksize + checksumSize) }

// Open creates (if absent) or re-opens a block file at path, sized in
// blocksize-byte blocks.
func Open(path string, blocksize int) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.KindWriteFailed, "filestore.Open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, hberrors.Wrap(hberrors.KindReadFailed, "filestore.Open", err)
	}
	nextBid := blockstore.BidT(info.Size() / stride(blocksize))
	return &Store{file: f, blocksize: blocksize, nextBid: nextBid}, nil
}

// Alloc returns the next sequential bid and advances the high-water mark;
// nothing is written until the caller's first Write/WriteDirty.
func (s *Store) Alloc() (blockstore.BidT, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bid := s.nextBid
	s.nextBid++
	return bid, nil
}

// IsWritable always reports true; see the Store doc comment.
func (s *Store) IsWritable(blockstore.BidT) bool { return true }

// Read fills buf (which must be exactly blocksize bytes) from bid,
// verifying its checksum trailer.
func (s *Store) Read(bid blockstore.BidT, buf []byte) error {
	return s.readAt(bid, buf)
}

// ReadDirty behaves like Read. The reader/writer tokens gate the
// concurrent writer collaborator (out of scope here); this Store has no
// second writer to coordinate with, so they are accepted and ignored.
func (s *Store) ReadDirty(bid blockstore.BidT, buf []byte, readerTok, writerTok interface{}) error {
	return s.readAt(bid, buf)
}

func (s *Store) readAt(bid blockstore.BidT, buf []byte) error {
	if len(buf) != s.blocksize {
		return fmt.Errorf("filestore: read buffer size %d != blocksize %d", len(buf), s.blocksize)
	}
	off := stride(s.blocksize) * int64(bid)
	var frame [checksumSize]byte

	s.mu.Lock()
	if s.mapped != nil && off+int64(s.blocksize)+checksumSize <= int64(len(s.mapped)) {
		copy(buf, s.mapped[off:off+int64(s.blocksize)])
		copy(frame[:], s.mapped[off+int64(s.blocksize):off+int64(s.blocksize)+checksumSize])
		s.mu.Unlock()
	} else {
		_, err := s.file.ReadAt(buf, off)
		if err == nil {
			_, err = s.file.ReadAt(frame[:], off+int64(s.blocksize))
		}
		s.mu.Unlock()
		if err != nil {
			return hberrors.Wrap(hberrors.KindReadFailed, "filestore.Read", err)
		}
	}

	want := binary.BigEndian.Uint64(frame[:])
	if want != 0 && want != xxhash.Sum64(buf) {
		return hberrors.New(hberrors.KindIndexCorrupted, "filestore.Read: checksum mismatch")
	}
	return nil
}

// Write persists buf (exactly blocksize bytes) at bid along with a fresh
// checksum trailer.
func (s *Store) Write(bid blockstore.BidT, buf []byte) error {
	return s.writeAt(bid, buf)
}

// WriteDirty behaves like Write; see ReadDirty on the ignored token.
func (s *Store) WriteDirty(bid blockstore.BidT, buf []byte, writerTok interface{}) error {
	return s.writeAt(bid, buf)
}

func (s *Store) writeAt(bid blockstore.BidT, buf []byte) error {
	if len(buf) != s.blocksize {
		return fmt.Errorf("filestore: write buffer size %d != blocksize %d", len(buf), s.blocksize)
	}
	off := stride(s.blocksize) * int64(bid)
	var frame [checksumSize]byte
	binary.BigEndian.PutUint64(frame[:], xxhash.Sum64(buf))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteAt(buf, off); err != nil {
		return hberrors.Wrap(hberrors.KindWriteFailed, "filestore.Write", err)
	}
	if _, err := s.file.WriteAt(frame[:], off+int64(s.blocksize)); err != nil {
		return hberrors.Wrap(hberrors.KindWriteFailed, "filestore.Write", err)
	}
	s.remapLocked()
	return nil
}

// remapLocked refreshes the read-only mmap snapshot readAt serves hits
// from. Caller must hold s.mu. Best-effort: a failure here just means
// readAt falls back to ReadAt until the next successful write.
func (s *Store) remapLocked() {
	if s.mapped != nil {
		s.mapped.Unmap()
		s.mapped = nil
	}
	info, err := s.file.Stat()
	if err != nil || info.Size() == 0 {
		return
	}
	m, err := mmap.Map(s.file, mmap.RDONLY, 0)
	if err != nil {
		return
	}
	s.mapped = m
}

// WriteOffset patches [offset, offset+length) of bid's block with buf,
// read-modify-write. final is accepted to match the collaborator
// interface but doesn't change behavior here: every WriteOffset already
// recomputes and persists the whole block's checksum trailer.
func (s *Store) WriteOffset(bid blockstore.BidT, offset, length int, buf []byte, final bool) error {
	if offset < 0 || length < 0 || offset+length > s.blocksize {
		return fmt.Errorf("filestore: WriteOffset range out of bounds")
	}
	full := make([]byte, s.blocksize)
	_ = s.readAt(bid, full) // zero-filled when bid has never been written
	copy(full[offset:offset+length], buf[:length])
	return s.writeAt(bid, full)
}

// AddStaleBlock records a region superseded by a copy-on-write move. The
// MVP allocator never reclaims space, so this is bookkeeping only.
func (s *Store) AddStaleBlock(pos blockstore.BidT, length int) {
	s.mu.Lock()
	s.stale = append(s.stale, StaleRegion{Pos: pos, Length: length})
	s.mu.Unlock()
}

// StaleBlocks returns a copy of every region reported via AddStaleBlock.
func (s *Store) StaleBlocks() []StaleRegion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StaleRegion, len(s.stale))
	copy(out, s.stale)
	return out
}

// Sync flushes the block file to stable storage.
func (s *Store) Sync() error {
	if err := s.file.Sync(); err != nil {
		return hberrors.Wrap(hberrors.KindWriteFailed, "filestore.Sync", err)
	}
	return nil
}

// Close unmaps and closes the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.mapped != nil {
		s.mapped.Unmap()
		s.mapped = nil
	}
	s.mu.Unlock()
	return s.file.Close()
}
