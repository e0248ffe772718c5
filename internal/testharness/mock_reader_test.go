package testharness

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockReaderAtReadsBackData(t *testing.T) {
	r := NewMockReaderAt([]byte("hello world"))

	buf := make([]byte, 5)
	n, err := r.ReadAt(buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))
}

func TestMockReaderAtRejectsNegativeOffset(t *testing.T) {
	r := NewMockReaderAt([]byte("abc"))
	_, err := r.ReadAt(make([]byte, 1), -1)
	require.Error(t, err)
}

func TestMockReaderAtRejectsOffsetPastEOF(t *testing.T) {
	r := NewMockReaderAt([]byte("abc"))
	_, err := r.ReadAt(make([]byte, 1), 10)
	require.Error(t, err)
}
