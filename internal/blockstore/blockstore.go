// Package blockstore implements the block handle (C4): the staging layer
// between in-memory B+-tree nodes and a block-addressed file. It maintains
// an allocation list (blocks this handle has written to since the last
// flush) and a read list (blocks read back or demoted from allocation),
// packs small payloads into sub-blocks, and mediates dirty-update sessions
// with a concurrent writer.
//
// Grounded on btreeblock.cc (alloc/alloc_sub/enlarge/read/move/flush) and,
// for the per-handle aligned buffer reuse, internal/utils/bufferpool.go.
package blockstore

import (
	"github.com/google/btree"

	hberrors "github.com/hbtriekv/hbtrie/errors"
	"github.com/hbtriekv/hbtrie/internal/blockid"
	"github.com/hbtriekv/hbtrie/internal/bufpool"
)

// BidT is the block id type used throughout the handle.
type BidT = blockid.BidT

// NotFound is the sentinel "no block" id.
const NotFound = blockid.NotFound

// AgeLimit is the number of flushes a clean read-list entry survives
// before it is evicted and its buffer returned to the pool.
const AgeLimit = 4

// subBlockSizes are the five doubling sub-block class sizes.
var subBlockSizes = [5]int{128, 256, 512, 1024, 2048}

// FileManager is the external collaborator (§6): the block cache and file
// manager that actually own bytes on disk. The handle never touches a
// file descriptor directly.
type FileManager interface {
	Alloc() (BidT, error)
	IsWritable(bid BidT) bool
	Read(bid BidT, buf []byte) error
	Write(bid BidT, buf []byte) error
	WriteOffset(bid BidT, offset, length int, buf []byte, final bool) error
	ReadDirty(bid BidT, buf []byte, readerTok, writerTok interface{}) error
	WriteDirty(bid BidT, buf []byte, writerTok interface{}) error
	AddStaleBlock(pos BidT, length int)
}

// CacheEntry is one block-sized buffer under the handle's management,
// either still being filled (allocation list) or read back/demoted (read
// list).
type CacheEntry struct {
	Bid      BidT   // file-level bid (never sub-block tagged)
	Pos      int    // next free byte offset within Buf, for alc_list entries
	Dirty    bool
	Age      int
	SubClass int // index into Handle.sub, or -1 if this is a whole block
	Buf      []byte
}

// subBlockState tracks one sub-block class's current packing block.
type subBlockState struct {
	bid     BidT
	size    int
	entry   *CacheEntry
	numSlot int
	bitmap  []bool // true = slot handed out; slot 0 goes to the allocation that opens the block
}

// bidItem adapts a *CacheEntry for ordering inside the read-list index.
type bidItem struct {
	bid   BidT
	entry *CacheEntry
}

func (a bidItem) Less(than btree.Item) bool {
	return a.bid < than.(bidItem).bid
}

// Handle is the block handle (C4).
type Handle struct {
	file          FileManager
	pool          *bufpool.Pool
	nodesize      int
	blocksize     int
	nodesPerBlock int

	alcList  []*CacheEntry
	readList []*CacheEntry
	readIdx  *btree.BTree // keyed by bidItem, values are bidItem

	liveNodes  int
	deltaNodes int

	sub [5]subBlockState

	dirtyReader interface{}
	dirtyWriter interface{}
}

// New creates a block handle over file, with the given node and block
// sizes (blocksize must be a multiple of nodesize).
func New(file FileManager, nodesize, blocksize int) *Handle {
	h := &Handle{
		file:          file,
		pool:          bufpool.New(blocksize, bufpool.DefaultSectorSize),
		nodesize:      nodesize,
		blocksize:     blocksize,
		nodesPerBlock: blocksize / nodesize,
		readIdx:       btree.New(32),
	}
	for i := range h.sub {
		h.sub[i] = subBlockState{bid: NotFound, size: subBlockSizes[i]}
	}
	return h
}

// SetDirtyTokens installs the reader/writer tokens used for the duration
// of a dirty-update session; pass nil, nil to clear them.
func (h *Handle) SetDirtyTokens(reader, writer interface{}) {
	h.dirtyReader = reader
	h.dirtyWriter = writer
}

// Alloc returns a fresh nodesize-sized slice and its (untagged) bid,
// appending to the current allocation target when there is room.
func (h *Handle) Alloc() ([]byte, BidT, error) {
	if n := len(h.alcList); n > 0 {
		tail := h.alcList[n-1]
		if tail.Pos+h.nodesize <= h.blocksize && h.file.IsWritable(tail.Bid) {
			addr := tail.Buf[tail.Pos : tail.Pos+h.nodesize]
			tail.Pos += h.nodesize
			return addr, tail.Bid, nil
		}
	}

	bid, err := h.file.Alloc()
	if err != nil {
		return nil, NotFound, hberrors.Wrap(hberrors.KindWriteFailed, "blockstore.Alloc", err)
	}
	buf := h.pool.Get()
	// Stamp a sentinel byte at the block's last offset so a short read
	// never mistakes the freshly allocated tail for garbage.
	buf[len(buf)-1] = blkMarkerBNode
	entry := &CacheEntry{Bid: bid, Pos: h.nodesize, SubClass: -1, Buf: buf}
	h.alcList = append(h.alcList, entry)
	h.liveNodes++
	h.deltaNodes++
	return buf[:h.nodesize], bid, nil
}

const blkMarkerBNode = 0xbb

// AllocSub allocates a class-0 sub-block slot, packing it into the current
// class-0 block when one exists and is still writable.
func (h *Handle) AllocSub() ([]byte, BidT, error) {
	return h.allocSubClass(0)
}

func (h *Handle) allocSubClass(class int) ([]byte, BidT, error) {
	sb := &h.sub[class]
	if sb.entry != nil && h.file.IsWritable(sb.bid) {
		if slot, ok := freeSlot(sb.bitmap); ok {
			sb.bitmap[slot] = true
			off := slot * sb.size
			return sb.entry.Buf[off : off+sb.size], blockid.Encode(sb.bid, class, slot), nil
		}
	}

	// Current packing block is full or stale: mark its remaining empty
	// slots garbage, then allocate a fresh one.
	if sb.entry != nil {
		for slot, used := range sb.bitmap {
			if !used {
				h.file.AddStaleBlock(blockid.Encode(sb.bid, class, slot), sb.size)
			}
		}
	}

	buf, bid, err := h.Alloc()
	if err != nil {
		return nil, NotFound, err
	}
	for i := range buf {
		buf[i] = 0
	}
	numSlot := h.nodesize / sb.size
	bitmap := make([]bool, numSlot)
	bitmap[0] = true

	// Re-fetch the owning whole-block entry so the sub-block class can
	// address into the same backing buffer the allocation list holds.
	entry := h.alcList[len(h.alcList)-1]
	*sb = subBlockState{bid: bid, size: sb.size, entry: entry, numSlot: numSlot, bitmap: bitmap}
	return entry.Buf[:sb.size], blockid.Encode(bid, class, 0), nil
}

func freeSlot(bitmap []bool) (int, bool) {
	for i, used := range bitmap {
		if !used {
			return i, true
		}
	}
	return 0, false
}

// classForSize returns the smallest sub-block class whose size is >= req,
// or -1 if req needs a whole block.
func classForSize(req int) int {
	for i, size := range subBlockSizes {
		if size >= req {
			return i
		}
	}
	return -1
}

// Enlarge moves a sub-block payload to a class (or a whole node) whose
// size accommodates reqSize, copying the old payload to the new address.
// When the source is the sole occupant of its class's still-writable
// packing block, that block is dropped from the class without being marked
// stale; otherwise the source slot is marked stale.
func (h *Handle) Enlarge(oldTagged BidT, reqSize int) ([]byte, BidT, error) {
	src, _, err := h.Read(oldTagged)
	if err != nil {
		return nil, NotFound, err
	}
	payload := append([]byte(nil), src...)
	newClass := classForSize(reqSize)
	if newClass == -1 {
		buf, bid, err := h.Alloc()
		if err == nil {
			copy(buf, payload)
		}
		return buf, bid, err
	}

	oldBid, oldClass, _ := blockid.Decode(oldTagged)
	if oldClass == newClass {
		addr, _, err := h.Read(oldTagged)
		return addr, oldTagged, err
	}

	oldSub := &h.sub[oldClass]
	if oldSub.bid == oldBid && countUsed(oldSub.bitmap) == 1 && h.file.IsWritable(oldBid) {
		// Sole occupant: drop this packing block from its class.
		*oldSub = subBlockState{bid: NotFound, size: oldSub.size}
		addr, tagged, err := h.allocSubClass(newClass)
		if err != nil {
			return nil, NotFound, err
		}
		copy(addr, payload)
		return addr, tagged, nil
	}

	h.file.AddStaleBlock(oldTagged, oldSub.size)
	addr, tagged, err := h.allocSubClass(newClass)
	if err != nil {
		return nil, NotFound, err
	}
	copy(addr, payload)
	return addr, tagged, nil
}

func countUsed(bitmap []bool) int {
	n := 0
	for _, used := range bitmap {
		if used {
			n++
		}
	}
	return n
}

// Read resolves tagged to its backing bytes, checking the allocation list,
// then the indexed read list, then falling back to the file.
func (h *Handle) Read(tagged BidT) ([]byte, BidT, error) {
	bid, class, slot := BidT(0), -1, 0
	isSub := blockid.IsSub(tagged)
	if isSub {
		bid, class, slot = blockid.Decode(tagged)
	} else {
		bid = tagged
	}

	for _, e := range h.alcList {
		if e.Bid == bid {
			return sliceFor(e, isSub, class, slot), tagged, nil
		}
	}

	if item := h.readIdx.Get(bidItem{bid: bid}); item != nil {
		e := item.(bidItem).entry
		e.Age = 0
		return sliceFor(e, isSub, class, slot), tagged, nil
	}

	buf := h.pool.Get()
	var err error
	if h.dirtyReader != nil {
		err = h.file.ReadDirty(bid, buf, h.dirtyReader, h.dirtyWriter)
	} else {
		err = h.file.Read(bid, buf)
	}
	if err != nil {
		h.pool.Put(buf)
		return nil, NotFound, hberrors.Wrap(hberrors.KindReadFailed, "blockstore.Read", err)
	}

	entry := &CacheEntry{Bid: bid, SubClass: -1, Buf: buf}
	h.readList = append(h.readList, entry)
	h.readIdx.ReplaceOrInsert(bidItem{bid: bid, entry: entry})
	return sliceFor(entry, isSub, class, slot), tagged, nil
}

func sliceFor(e *CacheEntry, isSub bool, class, slot int) []byte {
	if !isSub {
		return e.Buf
	}
	size := subBlockSizes[class]
	off := slot * size
	return e.Buf[off : off+size]
}

// Move performs copy-on-write of the node at tagged, returning a fresh
// address and bid and marking the old region stale.
func (h *Handle) Move(tagged BidT) ([]byte, BidT, error) {
	src, _, err := h.Read(tagged)
	if err != nil {
		return nil, NotFound, err
	}

	if !blockid.IsSub(tagged) {
		newAddr, newBid, err := h.Alloc()
		if err != nil {
			return nil, NotFound, err
		}
		copy(newAddr, src)
		h.file.AddStaleBlock(tagged, h.nodesize)
		h.liveNodes--
		return newAddr, newBid, nil
	}

	_, class, _ := blockid.Decode(tagged)
	if addr, newTagged, err := h.allocSubClass(class); err == nil {
		copy(addr, src)
		h.file.AddStaleBlock(tagged, subBlockSizes[class])
		return addr, newTagged, nil
	}

	// allocSubClass re-packs into the same class (opening a fresh packing
	// block when the current one is full or unwritable); only if that
	// allocation fails does the payload fall back to a whole block (the
	// convert_to_normal path).
	newAddr, newBid, err := h.Alloc()
	if err != nil {
		return nil, NotFound, err
	}
	copy(newAddr, src)
	h.file.AddStaleBlock(tagged, subBlockSizes[class])
	return newAddr, newBid, nil
}

// SetDirty marks the read-list entry owning bid dirty so it is written
// back on the next Flush.
func (h *Handle) SetDirty(tagged BidT) {
	bid := tagged
	if blockid.IsSub(tagged) {
		bid, _, _ = blockid.Decode(tagged)
	}
	for _, e := range h.alcList {
		if e.Bid == bid {
			e.Dirty = true
			return
		}
	}
	if item := h.readIdx.Get(bidItem{bid: bid}); item != nil {
		item.(bidItem).entry.Dirty = true
	}
}

// IsWritable delegates to the file manager on the untagged bid.
func (h *Handle) IsWritable(tagged BidT) bool {
	bid := tagged
	if blockid.IsSub(tagged) {
		bid, _, _ = blockid.Decode(tagged)
	}
	return h.file.IsWritable(bid)
}

// Flush writes every dirty block in allocation and read order, demoting
// allocation-list entries that can no longer accept more writes and
// evicting aged-out read-list entries.
func (h *Handle) Flush() error {
	remaining := h.alcList[:0]
	for _, e := range h.alcList {
		if err := h.writeEntry(e); err != nil {
			return err
		}
		if e.Pos+h.nodesize > h.blocksize || !h.file.IsWritable(e.Bid) {
			e.Dirty = false
			h.readList = append(h.readList, e)
			h.readIdx.ReplaceOrInsert(bidItem{bid: e.Bid, entry: e})
		} else {
			remaining = append(remaining, e)
		}
	}
	h.alcList = remaining

	kept := h.readList[:0]
	for _, e := range h.readList {
		if e.Dirty {
			if err := h.writeEntry(e); err != nil {
				return err
			}
			e.Dirty = false
		}
		e.Age++
		if e.Age >= AgeLimit {
			h.readIdx.Delete(bidItem{bid: e.Bid})
			h.pool.Put(e.Buf)
			continue
		}
		kept = append(kept, e)
	}
	h.readList = kept
	return nil
}

func (h *Handle) writeEntry(e *CacheEntry) error {
	if !h.file.IsWritable(e.Bid) {
		return hberrors.New(hberrors.KindWriteFailed, "blockstore.Flush: block no longer writable")
	}
	var err error
	if h.dirtyWriter != nil {
		err = h.file.WriteDirty(e.Bid, e.Buf, h.dirtyWriter)
	} else {
		err = h.file.Write(e.Bid, e.Buf)
	}
	if err != nil {
		return hberrors.Wrap(hberrors.KindWriteFailed, "blockstore.Flush", err)
	}
	return nil
}

// DiscardClean drops every read-list entry and returns its buffer to the
// pool. Must be called before starting a new dirty-update session so a
// concurrent writer's changes aren't masked by stale clean cache entries.
func (h *Handle) DiscardClean() {
	for _, e := range h.readList {
		h.pool.Put(e.Buf)
	}
	h.readList = h.readList[:0]
	h.readIdx = btree.New(32)
}

// End flushes, then demotes every remaining allocation-list entry to the
// (clean) read list.
func (h *Handle) End() error {
	if err := h.Flush(); err != nil {
		return err
	}
	for _, e := range h.alcList {
		e.Dirty = false
		h.readList = append(h.readList, e)
		h.readIdx.ReplaceOrInsert(bidItem{bid: e.Bid, entry: e})
	}
	h.alcList = h.alcList[:0]
	return nil
}

// NodeSize returns the configured B+-tree node size.
func (h *Handle) NodeSize() int { return h.nodesize }
