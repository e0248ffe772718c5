package trie

import "encoding/binary"

// msbMask is the HB+-trie's borrowed MSB tag (§3): set on a B+-tree leaf
// value to mean "pointer to a child sub-tree's root bid", clear to mean
// "document offset".
const msbMask = uint64(1) << 63

// IsChildPointer reports whether v (an 8-byte big-endian value) tags a
// child sub-tree root rather than a document offset.
func IsChildPointer(v []byte) bool {
	return binary.BigEndian.Uint64(v)&msbMask != 0
}

// EncodeChildRoot packs bid as an MSB-tagged 8-byte value.
func EncodeChildRoot(bid BidT) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bid)|msbMask)
	return buf[:]
}

// DecodeChildRoot strips the MSB tag and recovers the child bid.
func DecodeChildRoot(v []byte) BidT {
	return BidT(binary.BigEndian.Uint64(v) &^ msbMask)
}

// EncodeDocOffset packs offset (which must fit in 63 bits) as an
// untagged 8-byte value.
func EncodeDocOffset(offset uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], offset&^msbMask)
	return buf[:]
}

// DecodeDocOffset recovers the offset from an untagged value.
func DecodeDocOffset(v []byte) uint64 {
	return binary.BigEndian.Uint64(v) &^ msbMask
}
