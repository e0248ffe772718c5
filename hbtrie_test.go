package hbtrie

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hbtriekv/hbtrie/internal/blockid"
	"github.com/hbtriekv/hbtrie/internal/trie"
)

func testOptions(t *testing.T) Options {
	dir := t.TempDir()
	return Options{
		IndexPath: filepath.Join(dir, "index.blk"),
		DocPath:   filepath.Join(dir, "docs.bin"),
		ChunkSize: 8,
		NodeSize:  512,
		BlockSize: 512,
		MaxKeyLen: 256,
	}
}

func TestOpenPutGetCloseReopen(t *testing.T) {
	opts := testOptions(t)

	ix, err := Open(opts, blockid.NotFound)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, _, err := ix.Put([]byte{byte('k'), byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, ix.Flush())
	root := ix.RootBid()
	require.NoError(t, ix.Close())

	ix2, err := Open(opts, root)
	require.NoError(t, err)
	defer ix2.Close()

	for i := 0; i < 20; i++ {
		off, err := ix2.Get([]byte{byte('k'), byte(i)})
		require.NoError(t, err)
		_ = off
	}
}

func TestDeleteThenCursorIteration(t *testing.T) {
	opts := testOptions(t)
	ix, err := Open(opts, blockid.NotFound)
	require.NoError(t, err)
	defer ix.Close()

	for i := 0; i < 10; i++ {
		_, _, err := ix.Put([]byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, ix.Delete([]byte{5}))

	cur := ix.Cursor(nil, trie.Forward)
	var count int
	for {
		_, _, err := cur.Advance()
		if err != nil {
			break
		}
		count++
	}
	require.Equal(t, 9, count)
}

func TestBulkLoadThenFind(t *testing.T) {
	opts := testOptions(t)
	keys := make([][]byte, 0, 200)
	for i := 0; i < 200; i++ {
		keys = append(keys, []byte{byte(i / 256), byte(i % 256)})
	}

	ix, err := BulkLoad(opts, keys)
	require.NoError(t, err)
	defer ix.Close()

	for _, k := range keys {
		_, err := ix.Get(k)
		require.NoError(t, err)
	}
}
