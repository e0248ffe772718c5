package trie

import (
	"bytes"
	"encoding/binary"
	"testing"

	hberrors "github.com/hbtriekv/hbtrie/errors"
	"github.com/hbtriekv/hbtrie/internal/btree"
	"github.com/stretchr/testify/require"
)

// memBlock is an in-memory stand-in for a blockstore.Handle, satisfying
// btree.BlockOps, good enough to exercise the trie's Find/Insert/Remove
// and iterator paths without a real file underneath.
type memBlock struct {
	nodesize int
	blocks   map[btree.BidT][]byte
	next     btree.BidT
}

func newMemBlock(nodesize int) *memBlock {
	return &memBlock{nodesize: nodesize, blocks: make(map[btree.BidT][]byte)}
}

func (m *memBlock) Alloc() ([]byte, btree.BidT, error) {
	bid := m.next
	m.next++
	buf := make([]byte, m.nodesize)
	m.blocks[bid] = buf
	return buf, bid, nil
}

func (m *memBlock) Read(bid btree.BidT) ([]byte, btree.BidT, error) { return m.blocks[bid], bid, nil }

func (m *memBlock) Move(bid btree.BidT) ([]byte, btree.BidT, error) {
	src := m.blocks[bid]
	addr, newBid, _ := m.Alloc()
	copy(addr, src)
	return addr, newBid, nil
}

func (m *memBlock) SetDirty(bid btree.BidT) {}
func (m *memBlock) NodeSize() int           { return m.nodesize }

// fakeDoc is an in-memory stand-in for the document appender collaborator.
type fakeDoc struct {
	entries map[uint64][]byte
	next    uint64
}

func newFakeDoc() *fakeDoc { return &fakeDoc{entries: make(map[uint64][]byte)} }

func (d *fakeDoc) Append(raw []byte) uint64 {
	off := d.next
	d.entries[off] = append([]byte(nil), raw...)
	d.next++
	return off
}

func readKey(doc interface{}, offset uint64, out []byte) (int, error) {
	raw := doc.(*fakeDoc).entries[offset]
	return copy(out, raw), nil
}

func newTestTrie(nodesize, chunksize int) (*Trie, *fakeDoc) {
	doc := newFakeDoc()
	cfg := Config{
		ChunkSize: chunksize,
		ValueLen:  8,
		Blk:       newMemBlock(nodesize),
		Doc:       doc,
		ReadKey:   readKey,
		MaxKeyLen: 256,
	}
	return New(cfg), doc
}

func key8(i uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, i)
	return b
}

// Scenario 1: point insert/find.
func TestPointInsertFind(t *testing.T) {
	tr, doc := newTestTrie(512, 8)

	for i := uint64(0); i < 10; i++ {
		raw := key8(i)
		off := doc.Append(raw)
		_, _, err := tr.Insert(raw, off)
		require.NoError(t, err)

		for j := uint64(0); j <= i; j++ {
			got, err := tr.Find(key8(j))
			require.NoError(t, err)
			require.Equal(t, doc.entries[got], key8(j))
		}
	}
}

// Scenario 2: common-prefix split.
func TestCommonPrefixSplit(t *testing.T) {
	tr, doc := newTestTrie(512, 8)

	k1 := []byte("aaaaaaaa1")
	k2 := []byte("aaaaaaaa2")
	off1 := doc.Append(k1)
	off2 := doc.Append(k2)

	_, _, err := tr.Insert(k1, off1)
	require.NoError(t, err)
	_, _, err = tr.Insert(k2, off2)
	require.NoError(t, err)

	got1, err := tr.Find(k1)
	require.NoError(t, err)
	require.Equal(t, off1, got1)

	got2, err := tr.Find(k2)
	require.NoError(t, err)
	require.Equal(t, off2, got2)

	_, err = tr.Find([]byte("aaaaaaaa"))
	require.Error(t, err)
	require.True(t, hberrors.Is(err, hberrors.KindNotFound))
}

// Scenario 3: prefix-is-a-key.
func TestPrefixIsAKey(t *testing.T) {
	tr, doc := newTestTrie(512, 8)

	kAbcd := []byte("abcd")
	kAbcdEF := []byte("abcdEF")
	offAbcd := doc.Append(kAbcd)
	offAbcdEF := doc.Append(kAbcdEF)

	_, _, err := tr.Insert(kAbcd, offAbcd)
	require.NoError(t, err)
	_, _, err = tr.Insert(kAbcdEF, offAbcdEF)
	require.NoError(t, err)

	got, err := tr.Find(kAbcd)
	require.NoError(t, err)
	require.Equal(t, offAbcd, got)

	got, err = tr.Find(kAbcdEF)
	require.NoError(t, err)
	require.Equal(t, offAbcdEF, got)

	require.NoError(t, tr.Remove(kAbcd))

	_, err = tr.Find(kAbcd)
	require.Error(t, err)
	require.True(t, hberrors.Is(err, hberrors.KindNotFound))

	got, err = tr.Find(kAbcdEF)
	require.NoError(t, err)
	require.Equal(t, offAbcdEF, got)
}

// Scenario 4: forward/backward iteration.
func TestForwardBackwardIteration(t *testing.T) {
	tr, doc := newTestTrie(512, 8)

	for i := uint64(10); i < 40; i++ {
		raw := key8(i * 0x10)
		off := doc.Append(raw)
		_, _, err := tr.Insert(raw, off)
		require.NoError(t, err)
	}

	cur := tr.NewCursor(nil, Forward)
	var forward [][]byte
	for {
		k, _, err := cur.Advance()
		if err != nil {
			require.True(t, hberrors.Is(err, hberrors.KindNotFound))
			break
		}
		forward = append(forward, append([]byte(nil), k...))
	}
	require.Len(t, forward, 30)
	for i := 1; i < len(forward); i++ {
		require.Less(t, binary.BigEndian.Uint64(forward[i-1]), binary.BigEndian.Uint64(forward[i]))
	}

	rcur := tr.NewCursor(key8(0x10000), Backward)
	var backward [][]byte
	for {
		k, _, err := rcur.Advance()
		if err != nil {
			require.True(t, hberrors.Is(err, hberrors.KindNotFound))
			break
		}
		backward = append(backward, append([]byte(nil), k...))
	}
	require.Len(t, backward, 30)
	for i := range backward {
		require.Equal(t, forward[len(forward)-1-i], backward[i])
	}

	// Only i in [10,23] (14 keys) satisfy i*0x10 <= 0x175; the walk runs
	// from 0x170 down to 0xa0.
	rcur2 := tr.NewCursor(key8(0x175), Backward)
	var partial [][]byte
	for i := 0; i < 14; i++ {
		k, _, err := rcur2.Advance()
		require.NoError(t, err)
		partial = append(partial, append([]byte(nil), k...))
	}
	require.Equal(t, key8(0x170), partial[0])
	require.Equal(t, key8(0xa0), partial[len(partial)-1])
}

// Scenario 6: version gate.
func TestVersionGateRejectsLegacyEncoding(t *testing.T) {
	blk := newMemBlock(512)
	chunksize, valuelen := 8, 8
	legacyKsize := (chunksize << 4) | valuelen

	legacyTree, err := btree.Create(blk, btree.ByteOrder{}, legacyKsize, valuelen)
	require.NoError(t, err)

	doc := newFakeDoc()
	cfg := Config{
		ChunkSize: chunksize,
		ValueLen:  valuelen,
		Blk:       blk,
		Doc:       doc,
		ReadKey:   readKey,
		MaxKeyLen: 256,
	}
	tr := Open(cfg, legacyTree.RootBid())

	_, err = tr.Find(key8(1))
	require.Error(t, err)
	require.True(t, hberrors.Is(err, hberrors.KindIndexVersionUnsupported))
}

// reverseOrder is a leaf-tree comparator that sorts by raw bytes in
// reverse, good enough to prove a registered Config.Map comparator is
// actually the one governing leaf-tree order (ByteOrder would give the
// opposite answer).
type reverseOrder struct{}

func (reverseOrder) Compare(a, b []byte) int { return bytes.Compare(b, a) }

// mapFirstByte builds a MapFunc that installs cmp as the leaf comparator
// for every key whose first chunk equals tag.
func mapFirstByte(tag []byte, cmp btree.KVOps) MapFunc {
	return func(firstChunk []byte) (btree.KVOps, bool) {
		if bytes.Equal(firstChunk, tag) {
			return cmp, true
		}
		return nil, false
	}
}

// Leaf-tree round trip: insert/find/remove a set of keys sharing a
// mapped first chunk, confirming the registered comparator (not
// ByteOrder) governs ordering and that Find/Remove both resolve it
// correctly from the persisted leaf tag.
func TestLeafTreeRoundTrip(t *testing.T) {
	doc := newFakeDoc()
	cfg := Config{
		ChunkSize:       4,
		ValueLen:        8,
		Blk:             newMemBlock(512),
		Doc:             doc,
		ReadKey:         readKey,
		Map:             mapFirstByte([]byte("leaf"), reverseOrder{}),
		LeafHeightLimit: 100,
		MaxKeyLen:       256,
	}
	tr := New(cfg)

	keys := [][]byte{
		[]byte("leafAAA"),
		[]byte("leafBBB"),
		[]byte("leafCCC"),
	}
	offs := make(map[string]uint64)
	for _, k := range keys {
		off := doc.Append(k)
		offs[string(k)] = off
		_, hadOld, err := tr.Insert(k, off)
		require.NoError(t, err)
		require.False(t, hadOld)
	}

	for _, k := range keys {
		got, err := tr.Find(k)
		require.NoError(t, err)
		require.Equal(t, offs[string(k)], got)
	}

	// update-in-place: re-inserting an existing key returns its old offset.
	newOff := doc.Append(keys[0])
	old, hadOld, err := tr.Insert(keys[0], newOff)
	require.NoError(t, err)
	require.True(t, hadOld)
	require.Equal(t, offs[string(keys[0])], old)
	got, err := tr.Find(keys[0])
	require.NoError(t, err)
	require.Equal(t, newOff, got)

	require.NoError(t, tr.Remove(keys[1]))
	_, err = tr.Find(keys[1])
	require.Error(t, err)
	require.True(t, hberrors.Is(err, hberrors.KindNotFound))

	got, err = tr.Find(keys[2])
	require.NoError(t, err)
	require.Equal(t, offs[string(keys[2])], got)

	// the trie's root is the one leaf tree created for the first insert;
	// a later key whose first chunk wouldn't itself earn a mapping is
	// still governed by that same already-leaf sub-tree — leaf-ness is a
	// per-sub-tree property decided once at creation, not re-evaluated
	// per key.
	plain := []byte("planeXYZ")
	planeOff := doc.Append(plain)
	_, _, err = tr.Insert(plain, planeOff)
	require.NoError(t, err)
	got, err = tr.Find(plain)
	require.NoError(t, err)
	require.Equal(t, planeOff, got)
}

// Leaf-tree promotion at exactly the LeafHeightLimit boundary (§8): with
// the limit set to 1, enough keys are inserted into the mapped leaf tree
// to force its B+-tree height past 1, and Find must still recover every
// key afterward through the now-promoted (regular chunk) sub-tree.
func TestLeafTreePromotionAtHeightLimit(t *testing.T) {
	doc := newFakeDoc()
	cfg := Config{
		ChunkSize:       4,
		ValueLen:        8,
		Blk:             newMemBlock(256),
		Doc:             doc,
		ReadKey:         readKey,
		Map:             mapFirstByte([]byte("leaf"), btree.ByteOrder{}),
		LeafHeightLimit: 1,
		MaxKeyLen:       256,
	}
	tr := New(cfg)

	var keys [][]byte
	for i := 0; i < 40; i++ {
		k := append([]byte("leaf"), key8(uint64(i))...)
		keys = append(keys, k)
	}
	offs := make(map[string]uint64)
	for _, k := range keys {
		off := doc.Append(k)
		offs[string(k)] = off
		_, _, err := tr.Insert(k, off)
		require.NoError(t, err)
	}

	for _, k := range keys {
		got, err := tr.Find(k)
		require.NoError(t, err)
		require.Equal(t, offs[string(k)], got)
	}
}

// HEADROOM-based multi-level prefix chaining (§8): two keys sharing a
// long run of identical chunks past the first differing one from their
// common ancestor force splitDocCollision's prefix to exceed
// maxPrefixChunks for a small nodesize, producing a chain of
// intermediate router sub-trees rather than one. Find must still resolve
// both keys (and everything in between the shared run and the eventual
// divergence) through the whole chain.
func TestHeadroomSplitChaining(t *testing.T) {
	doc := newFakeDoc()
	const nodesize, cs = 64, 4
	cfg := Config{
		ChunkSize: cs,
		ValueLen:  8,
		Blk:       newMemBlock(nodesize),
		Doc:       doc,
		ReadKey:   readKey,
		MaxKeyLen: 256,
	}
	tr := New(cfg)

	limit := maxPrefixChunks(nodesize, cs)
	require.Greater(t, limit, 0)

	// Build two keys that agree on chunks [0, sharedChunks) then diverge,
	// with sharedChunks comfortably past one level's worth of headroom
	// capacity so splitDocCollision must chain more than one router tree.
	sharedChunks := limit*2 + 3
	shared := bytes.Repeat([]byte("X"), sharedChunks*cs)

	k1 := append(append([]byte(nil), shared...), []byte("aaaa")...)
	k2 := append(append([]byte(nil), shared...), []byte("bbbb")...)

	off1 := doc.Append(k1)
	_, _, err := tr.Insert(k1, off1)
	require.NoError(t, err)

	off2 := doc.Append(k2)
	_, _, err = tr.Insert(k2, off2)
	require.NoError(t, err)

	got1, err := tr.Find(k1)
	require.NoError(t, err)
	require.Equal(t, off1, got1)

	got2, err := tr.Find(k2)
	require.NoError(t, err)
	require.Equal(t, off2, got2)

	_, err = tr.Find(append(append([]byte(nil), shared...), []byte("cccc")...))
	require.Error(t, err)
	require.True(t, hberrors.Is(err, hberrors.KindNotFound))
}

// Bulk load + verify (scenario 5, scaled down from 100,000 keys to keep
// the test fast; the recursion and grouping are size-independent).
func TestBulkLoadRecoversEveryPair(t *testing.T) {
	doc := newFakeDoc()
	const n = 2000

	entries := make([]LoadEntry, n)
	for i := 0; i < n; i++ {
		raw := key8(uint64(i))
		off := doc.Append(raw)
		entries[i] = LoadEntry{Raw: raw, Offset: off}
	}

	cfg := Config{
		ChunkSize: 8,
		ValueLen:  8,
		Blk:       newMemBlock(512),
		Doc:       doc,
		ReadKey:   readKey,
		MaxKeyLen: 256,
	}
	tr, err := InitAndLoad(cfg, entries)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		off, err := tr.Find(key8(uint64(i)))
		require.NoError(t, err)
		require.Equal(t, doc.entries[off], key8(uint64(i)))
	}
}
