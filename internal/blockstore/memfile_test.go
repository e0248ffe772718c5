package blockstore

import "github.com/hbtriekv/hbtrie/internal/blockid"

// memFile is a minimal in-memory FileManager used to exercise Handle
// without touching a real file, mirroring the teacher's MockReaderAt idea
// of an in-memory stand-in for an external collaborator.
type memFile struct {
	blocksize int
	blocks    map[BidT][]byte
	next      BidT
	stale     map[BidT]bool
	unwritable map[BidT]bool
}

func newMemFile(blocksize int) *memFile {
	return &memFile{
		blocksize:  blocksize,
		blocks:     make(map[BidT][]byte),
		stale:      make(map[BidT]bool),
		unwritable: make(map[BidT]bool),
	}
}

func (m *memFile) Alloc() (BidT, error) {
	bid := m.next
	m.next++
	m.blocks[bid] = make([]byte, m.blocksize)
	return bid, nil
}

func (m *memFile) IsWritable(bid BidT) bool {
	return !m.unwritable[bid]
}

func (m *memFile) Read(bid BidT, buf []byte) error {
	src, ok := m.blocks[bid]
	if !ok {
		return errNotAllocated
	}
	copy(buf, src)
	return nil
}

func (m *memFile) Write(bid BidT, buf []byte) error {
	dst, ok := m.blocks[bid]
	if !ok {
		return errNotAllocated
	}
	copy(dst, buf)
	return nil
}

func (m *memFile) WriteOffset(bid BidT, offset, length int, buf []byte, final bool) error {
	dst := m.blocks[bid]
	copy(dst[offset:offset+length], buf[:length])
	return nil
}

func (m *memFile) ReadDirty(bid BidT, buf []byte, readerTok, writerTok interface{}) error {
	return m.Read(bid, buf)
}

func (m *memFile) WriteDirty(bid BidT, buf []byte, writerTok interface{}) error {
	return m.Write(bid, buf)
}

func (m *memFile) AddStaleBlock(pos BidT, length int) {
	bid := pos
	if blockid.IsSub(pos) {
		bid, _, _ = blockid.Decode(pos)
	}
	m.stale[bid] = true
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errNotAllocated = sentinelErr("block not allocated")
