package btree

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type memBlock struct {
	nodesize int
	blocks   map[BidT][]byte
	next     BidT
}

func newMemBlock(nodesize int) *memBlock {
	return &memBlock{nodesize: nodesize, blocks: make(map[BidT][]byte)}
}

func (m *memBlock) Alloc() ([]byte, BidT, error) {
	bid := m.next
	m.next++
	buf := make([]byte, m.nodesize)
	m.blocks[bid] = buf
	return buf, bid, nil
}

func (m *memBlock) Read(bid BidT) ([]byte, BidT, error) { return m.blocks[bid], bid, nil }

func (m *memBlock) Move(bid BidT) ([]byte, BidT, error) {
	src := m.blocks[bid]
	addr, newBid, _ := m.Alloc()
	copy(addr, src)
	return addr, newBid, nil
}

func (m *memBlock) SetDirty(bid BidT) {}
func (m *memBlock) NodeSize() int     { return m.nodesize }

func key8(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

func TestInsertFindRoundTrip(t *testing.T) {
	blk := newMemBlock(256)
	tr, err := Create(blk, ByteOrder{}, 8, 8)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := tr.Insert(key8(i), key8(i*10))
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		v, err := tr.Find(key8(i))
		require.NoError(t, err)
		require.Equal(t, key8(i*10), v)
	}
}

func TestInsertSplitsAcrossManyKeys(t *testing.T) {
	blk := newMemBlock(128)
	tr, err := Create(blk, ByteOrder{}, 8, 8)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		_, err := tr.Insert(key8(i), key8(i))
		require.NoError(t, err)
	}
	for i := 0; i < 200; i++ {
		v, err := tr.Find(key8(i))
		require.NoError(t, err)
		require.Equal(t, key8(i), v)
	}
}

func TestUpdateReturnsOldValue(t *testing.T) {
	blk := newMemBlock(256)
	tr, err := Create(blk, ByteOrder{}, 8, 8)
	require.NoError(t, err)

	_, err = tr.Insert(key8(1), key8(100))
	require.NoError(t, err)
	old, err := tr.Insert(key8(1), key8(200))
	require.NoError(t, err)
	require.Equal(t, key8(100), old)

	v, err := tr.Find(key8(1))
	require.NoError(t, err)
	require.Equal(t, key8(200), v)
}

func TestRemoveThenFindIsNotFound(t *testing.T) {
	blk := newMemBlock(256)
	tr, err := Create(blk, ByteOrder{}, 8, 8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := tr.Insert(key8(i), key8(i))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Remove(key8(2)))

	_, err = tr.Find(key8(2))
	require.Error(t, err)
	for _, i := range []int{0, 1, 3, 4} {
		v, err := tr.Find(key8(i))
		require.NoError(t, err)
		require.Equal(t, key8(i), v)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	blk := newMemBlock(256)
	tr, err := Create(blk, ByteOrder{}, 8, 8)
	require.NoError(t, err)

	require.NoError(t, tr.UpdateMeta([]byte("hbtrie-meta")))
	meta, err := tr.ReadMeta()
	require.NoError(t, err)
	require.Equal(t, []byte("hbtrie-meta"), meta)
}

func TestIteratorForwardOrdersKeys(t *testing.T) {
	blk := newMemBlock(128)
	tr, err := Create(blk, ByteOrder{}, 8, 8)
	require.NoError(t, err)

	for i := 10; i < 40; i++ {
		_, err := tr.Insert(key8(i), key8(i))
		require.NoError(t, err)
	}

	it, err := tr.NewIterator(nil)
	require.NoError(t, err)
	var got []int
	for {
		k, _, err := it.Next()
		if err != nil {
			break
		}
		got = append(got, int(binary.BigEndian.Uint64(k)))
	}
	require.Len(t, got, 30)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}

func TestInitAndLoadRecoversAllPairs(t *testing.T) {
	blk := newMemBlock(256)
	var entries []KV
	for i := 0; i < 500; i++ {
		entries = append(entries, KV{Key: key8(i), Value: key8(i)})
	}

	rootBid, err := InitAndLoad(blk, ByteOrder{}, 8, 8, entries, []byte("loaded"))
	require.NoError(t, err)

	tr := &BTree{blk: blk, kvops: ByteOrder{}, rootBid: rootBid, ksize: 8, vsize: 8}
	for i := 0; i < 500; i++ {
		v, err := tr.Find(key8(i))
		require.NoError(t, err)
		require.Equal(t, key8(i), v)
	}
	meta, err := tr.ReadMeta()
	require.NoError(t, err)
	require.Equal(t, []byte("loaded"), meta)
}
