// Package chunk implements the chunk codec (C1): reforming a raw,
// variable-length key into a chunk-aligned buffer the HB+-trie can index
// one fixed-width chunk at a time, and inverting that transform.
//
// Grounded on _hbtrie_reform_key / _hbtrie_reform_key_reverse.
package chunk

import hberrors "github.com/hbtriekv/hbtrie/errors"

// NumChunks returns ceil(rawlen/chunksize) + 1, the number of chunksize-wide
// chunks a reformed key occupies (including the trailing remainder chunk).
func NumChunks(rawlen, chunksize int) int {
	return (rawlen+chunksize-1)/chunksize + 1
}

// Reform copies raw into a freshly allocated, chunk-aligned buffer of
// NumChunks(len(raw), chunksize)*chunksize bytes: the raw bytes first,
// zero-padding out to the chunk boundary, a zero-filled trailing dummy
// chunk, and a final byte recording how many of the last user-data
// chunk's bytes are meaningful (chunksize itself when raw is exactly
// chunk-aligned).
//
// Two raw keys produce identical output iff they are byte-identical, and
// lexicographic comparison of the reformed buffers agrees with "shorter
// keys sharing a prefix sort first": a key's reformed suffix after its
// own data is all zero, so any strictly longer sibling whose next
// meaningful byte is nonzero sorts after it.
func Reform(raw []byte, chunksize int) []byte {
	rawlen := len(raw)
	nchunk := NumChunks(rawlen, chunksize)
	out := make([]byte, nchunk*chunksize)
	copy(out, raw)

	remainder := rawlen % chunksize
	var lastByte byte
	if remainder == 0 {
		lastByte = byte(chunksize)
	} else {
		lastByte = byte(remainder)
	}
	out[len(out)-1] = lastByte
	return out
}

// ReformInto behaves like Reform but writes into a caller-supplied buffer
// of at least NumChunks(len(raw), chunksize)*chunksize bytes, avoiding an
// allocation on hot insert/find paths.
func ReformInto(raw []byte, chunksize int, out []byte) int {
	nchunk := NumChunks(len(raw), chunksize)
	size := nchunk * chunksize
	for i := range out[:size] {
		out[i] = 0
	}
	copy(out, raw)

	remainder := len(raw) % chunksize
	if remainder == 0 {
		out[size-1] = byte(chunksize)
	} else {
		out[size-1] = byte(remainder)
	}
	return size
}

// ReformReverse recovers the raw key length from a reformed buffer of
// reformedLen bytes. Returns MalformedKey if the trailing byte is zero,
// which can never occur in output produced by Reform.
func ReformReverse(reformedLen int, lastByte byte, chunksize int) (int, error) {
	if lastByte == 0 {
		return 0, hberrors.New(hberrors.KindMalformedKey, "chunk.ReformReverse")
	}
	if int(lastByte) == chunksize {
		return reformedLen - chunksize, nil
	}
	return reformedLen - 2*chunksize + int(lastByte), nil
}
