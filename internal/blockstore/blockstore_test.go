package blockstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hbtriekv/hbtrie/internal/blockid"
)

func TestAllocPacksIntoSameBlock(t *testing.T) {
	file := newMemFile(4096)
	h := New(file, 256, 4096)

	_, bid1, err := h.Alloc()
	require.NoError(t, err)
	_, bid2, err := h.Alloc()
	require.NoError(t, err)

	require.Equal(t, bid1, bid2, "second alloc should pack into the same block as the first")
	require.Len(t, h.alcList, 1)
}

func TestAllocRollsOverWhenBlockFull(t *testing.T) {
	file := newMemFile(256)
	h := New(file, 256, 256)

	_, bid1, err := h.Alloc()
	require.NoError(t, err)
	_, bid2, err := h.Alloc()
	require.NoError(t, err)

	require.NotEqual(t, bid1, bid2)
}

func TestReadRoundTripsThroughFlush(t *testing.T) {
	file := newMemFile(256)
	h := New(file, 256, 256)

	addr, bid, err := h.Alloc()
	require.NoError(t, err)
	copy(addr, []byte("hello-node"))

	require.NoError(t, h.Flush())

	addr2, _, err := h.Read(bid)
	require.NoError(t, err)
	require.Equal(t, []byte("hello-node"), addr2[:len("hello-node")])
}

func TestAllocSubPacksFiveSlotsInOneBlock(t *testing.T) {
	file := newMemFile(4096)
	h := New(file, 4096, 4096)

	var bids []BidT
	for i := 0; i < 5; i++ {
		addr, tagged, err := h.AllocSub()
		require.NoError(t, err)
		require.Len(t, addr, 128)
		bids = append(bids, tagged)
	}

	var parent BidT
	for i, tagged := range bids {
		gotBid, gotClass, gotSlot := blockid.Decode(tagged)
		require.Equal(t, 0, gotClass)
		require.Equal(t, i, gotSlot)
		if i == 0 {
			parent = gotBid
		} else {
			require.Equal(t, parent, gotBid)
		}
	}
}

func TestSetDirtyMarksReadListEntry(t *testing.T) {
	file := newMemFile(256)
	h := New(file, 256, 256)

	_, bid, err := h.Alloc()
	require.NoError(t, err)
	require.NoError(t, h.End())

	h.SetDirty(bid)

	item := h.readIdx.Get(bidItem{bid: bid})
	require.NotNil(t, item)
	require.True(t, item.(bidItem).entry.Dirty)
}

func TestDiscardCleanEmptiesReadList(t *testing.T) {
	file := newMemFile(256)
	h := New(file, 256, 256)

	_, _, err := h.Alloc()
	require.NoError(t, err)
	require.NoError(t, h.End())
	require.NotEmpty(t, h.readList)

	h.DiscardClean()
	require.Empty(t, h.readList)
}

func TestMoveMarksOldRegionStale(t *testing.T) {
	file := newMemFile(256)
	h := New(file, 256, 256)

	addr, bid, err := h.Alloc()
	require.NoError(t, err)
	copy(addr, []byte("payload"))
	require.NoError(t, h.End())

	newAddr, newBid, err := h.Move(bid)
	require.NoError(t, err)
	require.NotEqual(t, bid, newBid)
	require.Equal(t, []byte("payload"), newAddr[:len("payload")])
	require.True(t, file.stale[bid])
}
