package filestore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	hberrors "github.com/hbtriekv/hbtrie/errors"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.bin")
	s, err := Open(path, 256)
	require.NoError(t, err)
	defer s.Close()

	bid, err := s.Alloc()
	require.NoError(t, err)
	require.True(t, s.IsWritable(bid))

	want := bytes.Repeat([]byte{0xab}, 256)
	require.NoError(t, s.Write(bid, want))

	got := make([]byte, 256)
	require.NoError(t, s.Read(bid, got))
	require.Equal(t, want, got)
}

func TestReadDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.bin")
	s, err := Open(path, 64)
	require.NoError(t, err)
	defer s.Close()

	bid, err := s.Alloc()
	require.NoError(t, err)
	require.NoError(t, s.Write(bid, bytes.Repeat([]byte{0x11}, 64)))

	// Corrupt the block in place, bypassing the Store.
	s.mu.Lock()
	off := stride(64) * int64(bid)
	_, werr := s.file.WriteAt([]byte{0xff}, off)
	s.mapped = nil // stale mapping would otherwise mask the corruption
	s.mu.Unlock()
	require.NoError(t, werr)

	buf := make([]byte, 64)
	err = s.Read(bid, buf)
	require.Error(t, err)
	require.True(t, hberrors.Is(err, hberrors.KindIndexCorrupted))
}

func TestWriteOffsetPatchesRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.bin")
	s, err := Open(path, 32)
	require.NoError(t, err)
	defer s.Close()

	bid, err := s.Alloc()
	require.NoError(t, err)
	require.NoError(t, s.WriteOffset(bid, 4, 4, []byte{1, 2, 3, 4}, true))

	got := make([]byte, 32)
	require.NoError(t, s.Read(bid, got))
	require.Equal(t, []byte{1, 2, 3, 4}, got[4:8])
	require.Equal(t, make([]byte, 4), got[0:4])
}

func TestAddStaleBlockRecordsRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.bin")
	s, err := Open(path, 32)
	require.NoError(t, err)
	defer s.Close()

	s.AddStaleBlock(7, 32)
	regions := s.StaleBlocks()
	require.Len(t, regions, 1)
	require.EqualValues(t, 7, regions[0].Pos)
	require.Equal(t, 32, regions[0].Length)
}
