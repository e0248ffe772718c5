// Package trie implements the HB+-trie core, iterator and bulk loader
// (C6/C7/C8): a multi-level B+-tree trie over chunk-reformed keys, built
// on the btree substrate (C5) and the block handle (C4).
//
// Grounded on hbtrie.cc: _hbtrie_find / _hbtrie_insert / _hbtrie_remove
// for the core, the forward cursor recursion (_hbtrie_next, read in a
// prior pass) for the iterator, and _hbtrie_load_recursive /
// hbtrie_init_and_load for the bulk loader.
package trie

import (
	"encoding/binary"

	hberrors "github.com/hbtriekv/hbtrie/errors"
	"github.com/hbtriekv/hbtrie/internal/blockid"
)

// BidT is the block id type.
type BidT = blockid.BidT

// NotFound is the "no block" sentinel.
const NotFound = blockid.NotFound

const leafFlagBit = uint16(1) << 15

// meta is the decoded HB+-trie per-sub-tree metadata (§3): the chunk
// index this sub-tree discriminates at, whether it is a leaf tree, the
// value for a key ending exactly at chunkno (if any), and the skipped
// prefix chunks between the parent's chunkno and this one.
//
// leafTag is the chunk of key that was passed to Config.Map at the
// moment this sub-tree was created as a leaf tree, persisted so the
// registered comparator can be re-resolved later (promotion check,
// cursor traversal, reopen) without requiring a concrete search key in
// hand. It is meaningful only when isLeaf is set.
type meta struct {
	chunkno int
	isLeaf  bool
	value   []byte // nil if absent
	leafTag []byte // nil unless isLeaf
	prefix  []byte // nil/empty if nothing was skipped
}

// encode lays meta out as
// [chunkno:u16][value_len:u16][value?][leaftag_len:u16][leaftag?][prefix?],
// matching §4.5's meta format (big-endian, leaf flag in chunkno's high
// bit) extended with the leaf-tag field leaf-tree resolution needs.
func (m meta) encode() []byte {
	out := make([]byte, 0, 6+len(m.value)+len(m.leafTag)+len(m.prefix))
	chunkno := uint16(m.chunkno)
	if m.isLeaf {
		chunkno |= leafFlagBit
	}
	out = appendU16(out, chunkno)
	out = appendU16(out, uint16(len(m.value)))
	out = append(out, m.value...)
	out = appendU16(out, uint16(len(m.leafTag)))
	out = append(out, m.leafTag...)
	out = append(out, m.prefix...)
	return out
}

func decodeMeta(buf []byte) (meta, error) {
	if len(buf) < 4 {
		return meta{}, hberrors.New(hberrors.KindIndexCorrupted, "trie.decodeMeta: truncated")
	}
	rawChunkno := binary.BigEndian.Uint16(buf[0:2])
	valuelen := int(binary.BigEndian.Uint16(buf[2:4]))
	off := 4
	if off+valuelen > len(buf) {
		return meta{}, hberrors.New(hberrors.KindIndexCorrupted, "trie.decodeMeta: truncated value")
	}
	var value []byte
	if valuelen > 0 {
		value = append([]byte(nil), buf[off:off+valuelen]...)
	}
	off += valuelen

	if off+2 > len(buf) {
		return meta{}, hberrors.New(hberrors.KindIndexCorrupted, "trie.decodeMeta: truncated leaf tag length")
	}
	tagLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+tagLen > len(buf) {
		return meta{}, hberrors.New(hberrors.KindIndexCorrupted, "trie.decodeMeta: truncated leaf tag")
	}
	var leafTag []byte
	if tagLen > 0 {
		leafTag = append([]byte(nil), buf[off:off+tagLen]...)
	}
	off += tagLen

	prefix := append([]byte(nil), buf[off:]...)

	return meta{
		chunkno: int(rawChunkno &^ leafFlagBit),
		isLeaf:  rawChunkno&leafFlagBit != 0,
		value:   value,
		leafTag: leafTag,
		prefix:  prefix,
	}, nil
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}
