// Package docstore implements the document handle collaborator (§3, §6):
// an append-only store of raw user keys, read back by file offset.
//
// Grounded on the teacher's sequential, no-reuse space allocator
// (internal/writer/allocator.go), adapted from tracking HDF5 object
// placement to tracking one length-prefixed record per appended key.
package docstore

import "fmt"

// allocator hands out monotonically increasing byte offsets, end-of-file
// only, with no reuse of freed space — the same strategy the teacher's
// HDF5 writer used for object placement, unchanged here.
type allocator struct {
	nextOffset uint64
}

func newAllocator(initialOffset uint64) *allocator {
	return &allocator{nextOffset: initialOffset}
}

func (a *allocator) allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("docstore: cannot allocate zero bytes")
	}
	addr := a.nextOffset
	a.nextOffset += size
	return addr, nil
}

func (a *allocator) endOfFile() uint64 {
	return a.nextOffset
}
