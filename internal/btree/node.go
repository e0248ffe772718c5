// Package btree implements the B+-tree substrate (C5): a node-sized
// B+-tree with a pluggable key comparator, serialized into blocks handed
// out by a blockstore.Handle rather than held as a pure in-memory
// structure.
//
// The node shape (parallel key/value slices, a leaf chain for range
// scans, clone-before-mutate editing) is grounded on the copy-on-write
// node in other_examples' cowbtree/node.go, adapted here from
// unsafe.Pointer children to block-id children so every node can be
// flushed through the block handle.
package btree

import (
	"encoding/binary"

	hberrors "github.com/hbtriekv/hbtrie/errors"
	"github.com/hbtriekv/hbtrie/internal/blockid"
)

// BidT is the block id type nodes reference for children and leaf chains.
type BidT = blockid.BidT

// NotFound is the "no such block" sentinel.
const NotFound = blockid.NotFound

// node is the in-memory, decoded form of one B+-tree node. Interior node
// values are always an 8-byte big-endian encoded child BidT; leaf node
// values are opaque vsize (or, for leaf trees, variable-length) payloads.
type node struct {
	level  int // 0 = leaf
	ksize  int // 0 = variable-length keys (leaf tree)
	vsize  int
	keys   [][]byte
	values [][]byte
	meta   []byte
	next   BidT // leaf chain: in-order successor leaf's bid
	prev   BidT // leaf chain: in-order predecessor leaf's bid
}

func newLeaf(ksize, vsize int) *node  { return &node{level: 0, ksize: ksize, vsize: vsize, next: NotFound, prev: NotFound} }
func newInner(ksize, vsize int) *node { return &node{level: 1, ksize: ksize, vsize: vsize, next: NotFound, prev: NotFound} }

// clone deep-copies the parts of the node insert/remove will mutate:
// every key and value byte slice (interior child bids included, since
// they are encoded values) and the meta blob.
func (n *node) clone() *node {
	c := &node{level: n.level, ksize: n.ksize, vsize: n.vsize, next: n.next, prev: n.prev}
	c.keys = make([][]byte, len(n.keys))
	c.values = make([][]byte, len(n.values))
	for i := range n.keys {
		c.keys[i] = append([]byte(nil), n.keys[i]...)
		c.values[i] = append([]byte(nil), n.values[i]...)
	}
	c.meta = append([]byte(nil), n.meta...)
	return c
}

// byteSize estimates the serialized footprint of n, used to decide
// whether it still fits within one nodesize-byte block.
func (n *node) byteSize() int {
	size := headerFixedSize + len(n.meta)
	for i := range n.keys {
		size += 2 + len(n.keys[i]) + 2 + len(n.values[i])
	}
	return size
}

const headerFixedSize = 1 + 2 + 2 + 2 + 2 + 8 + 8 // level, nentry, ksize, vsize, metalen, next, prev

// encode serializes n into a buffer of at least n.byteSize() bytes.
func (n *node) encode(buf []byte) []byte {
	out := buf[:0]
	out = append(out, byte(n.level))
	out = appendU16(out, uint16(len(n.keys)))
	out = appendU16(out, uint16(n.ksize))
	out = appendU16(out, uint16(n.vsize))
	out = appendU16(out, uint16(len(n.meta)))
	out = append(out, n.meta...)
	out = appendU64(out, uint64(n.next))
	out = appendU64(out, uint64(n.prev))
	for i := range n.keys {
		out = appendU16(out, uint16(len(n.keys[i])))
		out = append(out, n.keys[i]...)
		out = appendU16(out, uint16(len(n.values[i])))
		out = append(out, n.values[i]...)
	}
	return out
}

// decodeNode parses a node previously written by encode out of buf.
func decodeNode(buf []byte) (*node, error) {
	if len(buf) < headerFixedSize {
		return nil, hberrors.New(hberrors.KindIndexCorrupted, "btree.decodeNode: truncated header")
	}
	n := &node{}
	off := 0
	n.level = int(buf[off])
	off++
	nentry := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	n.ksize = int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	n.vsize = int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	metalen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+metalen > len(buf) {
		return nil, hberrors.New(hberrors.KindIndexCorrupted, "btree.decodeNode: truncated meta")
	}
	n.meta = append([]byte(nil), buf[off:off+metalen]...)
	off += metalen
	if off+16 > len(buf) {
		return nil, hberrors.New(hberrors.KindIndexCorrupted, "btree.decodeNode: truncated chain pointers")
	}
	n.next = BidT(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	n.prev = BidT(binary.BigEndian.Uint64(buf[off:]))
	off += 8

	n.keys = make([][]byte, 0, nentry)
	n.values = make([][]byte, 0, nentry)
	for i := 0; i < nentry; i++ {
		if off+2 > len(buf) {
			return nil, hberrors.New(hberrors.KindIndexCorrupted, "btree.decodeNode: truncated key length")
		}
		klen := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if off+klen > len(buf) {
			return nil, hberrors.New(hberrors.KindIndexCorrupted, "btree.decodeNode: truncated key")
		}
		key := append([]byte(nil), buf[off:off+klen]...)
		off += klen

		if off+2 > len(buf) {
			return nil, hberrors.New(hberrors.KindIndexCorrupted, "btree.decodeNode: truncated value length")
		}
		vlen := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if off+vlen > len(buf) {
			return nil, hberrors.New(hberrors.KindIndexCorrupted, "btree.decodeNode: truncated value")
		}
		val := append([]byte(nil), buf[off:off+vlen]...)
		off += vlen

		n.keys = append(n.keys, key)
		n.values = append(n.values, val)
	}
	return n, nil
}

// PeekHeader reads just the {ksize, vsize} header fields out of a
// serialized node without decoding its entries, so the trie's version
// gate (§4.5 step 3) can reject a malformed or legacy-encoded root
// before touching the rest of the block.
func PeekHeader(buf []byte) (ksize, vsize int, err error) {
	if len(buf) < headerFixedSize {
		return 0, 0, hberrors.New(hberrors.KindIndexCorrupted, "btree.PeekHeader: truncated header")
	}
	ksize = int(binary.BigEndian.Uint16(buf[3:]))
	vsize = int(binary.BigEndian.Uint16(buf[5:]))
	return ksize, vsize, nil
}

// PeekMeta decodes a serialized node far enough to return its meta blob,
// used by the trie layer to inspect a sub-tree's HB+-trie meta (in
// particular, its leaf-tree flag) before it knows which KVOps to Open
// the tree with.
func PeekMeta(buf []byte) ([]byte, error) {
	n, err := decodeNode(buf)
	if err != nil {
		return nil, err
	}
	return n.meta, nil
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// EncodeChildBid big-endian-encodes a child bid as an 8-byte interior
// node value, per the design note that on-disk multibyte fields are
// always big-endian.
func EncodeChildBid(bid BidT) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bid))
	return buf[:]
}

// DecodeChildBid inverts EncodeChildBid.
func DecodeChildBid(v []byte) BidT {
	return BidT(binary.BigEndian.Uint64(v))
}
