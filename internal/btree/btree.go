package btree

import (
	"bytes"

	hberrors "github.com/hbtriekv/hbtrie/errors"
)

// BlockOps is the vtable of block operations a BTree is built over,
// satisfied by *blockstore.Handle. Kept as an interface (rather than a
// direct blockstore import) so the substrate can be tested in isolation
// and so the trie layer can see it purely as "whatever moves nodes".
type BlockOps interface {
	Alloc() ([]byte, BidT, error)
	Read(tagged BidT) ([]byte, BidT, error)
	Move(tagged BidT) ([]byte, BidT, error)
	SetDirty(tagged BidT)
	NodeSize() int
}

// KVOps is the pluggable key comparator. The default ByteOrder compares
// raw bytes; the trie's leaf-tree optimization installs a caller-supplied
// comparator instead so a sub-tree can index un-chunked key remainders.
type KVOps interface {
	Compare(a, b []byte) int
}

// ByteOrder is the default lexicographic byte comparator used by chunk
// trees (and by skipped-prefix comparisons even inside a leaf tree, per
// §4.5's tie-break rules).
type ByteOrder struct{}

func (ByteOrder) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// BTree is the B+-tree substrate (C5): one node-sized tree, addressed by
// its root bid, whose block operations are vtable-dispatched to blk.
type BTree struct {
	blk     BlockOps
	kvops   KVOps
	rootBid BidT
	ksize   int // 0 = variable-length (leaf tree)
	vsize   int
}

// Create allocates a fresh, empty tree (a single empty leaf as root).
func Create(blk BlockOps, kvops KVOps, ksize, vsize int) (*BTree, error) {
	t := &BTree{blk: blk, kvops: kvops, ksize: ksize, vsize: vsize}
	addr, bid, err := blk.Alloc()
	if err != nil {
		return nil, err
	}
	root := newLeaf(ksize, vsize)
	n := root.encode(addr[:0])
	copy(addr, n)
	blk.SetDirty(bid)
	t.rootBid = bid
	return t, nil
}

// Open wraps an existing tree rooted at rootBid, validating its header
// against the expected {ksize, vsize} per §4.5 step 3. ksize == (legacy
// encoding) yields IndexVersionUnsupported; any other mismatch yields
// IndexCorrupted.
func Open(blk BlockOps, rootBid BidT, kvops KVOps, ksize, vsize int) (*BTree, error) {
	buf, _, err := blk.Read(rootBid)
	if err != nil {
		return nil, err
	}
	gotKsize, gotVsize, err := PeekHeader(buf)
	if err != nil {
		return nil, err
	}
	legacy := (ksize << 4) | vsize
	if gotKsize == legacy {
		return nil, hberrors.New(hberrors.KindIndexVersionUnsupported, "btree.Open")
	}
	if gotKsize != ksize || gotVsize != vsize {
		return nil, hberrors.New(hberrors.KindIndexCorrupted, "btree.Open: header mismatch")
	}
	return &BTree{blk: blk, kvops: kvops, rootBid: rootBid, ksize: ksize, vsize: vsize}, nil
}

// RootBid returns the tree's current root block id.
func (t *BTree) RootBid() BidT { return t.rootBid }

func (t *BTree) readNode(bid BidT) (*node, error) {
	buf, _, err := t.blk.Read(bid)
	if err != nil {
		return nil, err
	}
	return decodeNode(buf)
}

func (t *BTree) writeNode(bid BidT, n *node) error {
	size := n.byteSize()
	if size > t.blk.NodeSize() {
		return hberrors.New(hberrors.KindFail, "btree.writeNode: node exceeds nodesize")
	}
	buf, _, err := t.blk.Read(bid)
	if err != nil {
		return err
	}
	encoded := n.encode(buf[:0])
	copy(buf, encoded)
	for i := len(encoded); i < len(buf); i++ {
		buf[i] = 0
	}
	t.blk.SetDirty(bid)
	return nil
}

func (t *BTree) cmp(a, b []byte) int { return t.kvops.Compare(a, b) }

// search returns the index of the first key >= key (lower_bound), and
// whether that key is an exact match.
func (n *node) search(cmp func(a, b []byte) int, key []byte) (int, bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.keys) && cmp(n.keys[lo], key) == 0 {
		return lo, true
	}
	return lo, false
}

// Find returns the value stored under key, or NotFound.
func (t *BTree) Find(key []byte) ([]byte, error) {
	bid := t.rootBid
	for {
		n, err := t.readNode(bid)
		if err != nil {
			return nil, err
		}
		if n.level == 0 {
			idx, ok := n.search(t.cmp, key)
			if !ok {
				return nil, hberrors.New(hberrors.KindNotFound, "btree.Find")
			}
			return n.values[idx], nil
		}
		idx, ok := n.search(t.cmp, key)
		if !ok {
			if idx > 0 {
				idx--
			}
		}
		if len(n.values) == 0 {
			return nil, hberrors.New(hberrors.KindNotFound, "btree.Find")
		}
		bid = DecodeChildBid(n.values[idx])
	}
}

// Insert stores (key, value), returning the previous value if one
// existed. The tree's root bid may change on any insert (every node
// touched is moved copy-on-write); callers read it back via RootBid.
func (t *BTree) Insert(key, value []byte) ([]byte, error) {
	old, newRootBid, splitKey, splitRight, err := t.insertInto(t.rootBid, key, value)
	if err != nil {
		return nil, err
	}
	if splitRight != NotFound {
		// A split leaves the old root node untouched, so its meta is
		// still readable and moves up to the new root.
		meta, err := t.ReadMeta()
		if err != nil {
			return nil, err
		}
		left, err := t.readNode(newRootBid)
		if err != nil {
			return nil, err
		}
		newRoot := newInner(t.ksize, t.vsize)
		newRoot.meta = meta
		newRoot.keys = append(newRoot.keys, left.keys[0], splitKey)
		newRoot.values = append(newRoot.values, EncodeChildBid(newRootBid), EncodeChildBid(splitRight))
		addr, bid, err := t.blk.Alloc()
		if err != nil {
			return nil, err
		}
		if err := t.writeNodeAt(addr, bid, newRoot); err != nil {
			return nil, err
		}
		t.rootBid = bid
	} else {
		t.rootBid = newRootBid
	}
	return old, nil
}

func (t *BTree) writeNodeAt(addr []byte, bid BidT, n *node) error {
	encoded := n.encode(addr[:0])
	copy(addr, encoded)
	for i := len(encoded); i < len(addr); i++ {
		addr[i] = 0
	}
	t.blk.SetDirty(bid)
	return nil
}

// insertInto inserts into the subtree rooted at bid, copy-on-write moving
// every touched node (Move), and returns: the previous value if any, the
// (possibly new) bid of this subtree's root, and an optional split
// (promoted key, new right sibling bid; NotFound if no split occurred).
func (t *BTree) insertInto(bid BidT, key, value []byte) (old []byte, newBid BidT, splitKey []byte, splitRight BidT, err error) {
	n, err := t.readNode(bid)
	if err != nil {
		return nil, NotFound, nil, NotFound, err
	}

	if n.level == 0 {
		idx, ok := n.search(t.cmp, key)
		edited := n.clone()
		if ok {
			old = edited.values[idx]
			edited.values[idx] = append([]byte(nil), value...)
		} else {
			edited.keys = insertAt(edited.keys, idx, append([]byte(nil), key...))
			edited.values = insertAt(edited.values, idx, append([]byte(nil), value...))
		}

		if edited.byteSize() <= t.blk.NodeSize() {
			newAddr, movedBid, err := t.blk.Move(bid)
			if err != nil {
				return nil, NotFound, nil, NotFound, err
			}
			if err := t.writeNodeAt(newAddr, movedBid, edited); err != nil {
				return nil, NotFound, nil, NotFound, err
			}
			t.rethread(bid, movedBid)
			return old, movedBid, nil, NotFound, nil
		}

		left, pKey, right, err := t.splitLeaf(bid, edited)
		if err != nil {
			return nil, NotFound, nil, NotFound, err
		}
		return old, left, pKey, right, nil
	}

	idx, ok := n.search(t.cmp, key)
	if !ok && idx > 0 {
		idx--
	}
	childBid := DecodeChildBid(n.values[idx])
	old, newChildBid, childSplitKey, childSplitRight, err := t.insertInto(childBid, key, value)
	if err != nil {
		return nil, NotFound, nil, NotFound, err
	}

	edited := n.clone()
	edited.values[idx] = EncodeChildBid(newChildBid)
	if childSplitRight != NotFound {
		edited.keys = insertAt(edited.keys, idx+1, childSplitKey)
		edited.values = insertAt(edited.values, idx+1, EncodeChildBid(childSplitRight))
	}

	if edited.byteSize() <= t.blk.NodeSize() {
		newAddr, movedBid, err := t.blk.Move(bid)
		if err != nil {
			return nil, NotFound, nil, NotFound, err
		}
		if err := t.writeNodeAt(newAddr, movedBid, edited); err != nil {
			return nil, NotFound, nil, NotFound, err
		}
		return old, movedBid, nil, NotFound, nil
	}

	left, promote, right, err := t.splitInner(bid, edited)
	if err != nil {
		return nil, NotFound, nil, NotFound, err
	}
	return old, left, promote, right, nil
}

// rethread fixes the leaf chain's neighbours when a leaf moves to a new
// bid (its former neighbours' next/prev pointers otherwise go stale).
func (t *BTree) rethread(oldBid, newBid BidT) {
	if oldBid == newBid {
		return
	}
	n, err := t.readNode(newBid)
	if err != nil || n.level != 0 {
		return
	}
	if n.prev != NotFound {
		if p, err := t.readNode(n.prev); err == nil {
			edited := p.clone()
			edited.next = newBid
			_ = t.writeNode(n.prev, edited)
		}
	}
	if n.next != NotFound {
		if nx, err := t.readNode(n.next); err == nil {
			edited := nx.clone()
			edited.prev = newBid
			_ = t.writeNode(n.next, edited)
		}
	}
}

func (t *BTree) splitLeaf(oldBid BidT, n *node) (BidT, []byte, BidT, error) {
	mid := len(n.keys) / 2
	leftAddr, leftBid, err := t.blk.Alloc()
	if err != nil {
		return NotFound, nil, NotFound, err
	}
	rightAddr, rightBid, err := t.blk.Alloc()
	if err != nil {
		return NotFound, nil, NotFound, err
	}

	left := &node{level: 0, ksize: n.ksize, vsize: n.vsize, keys: n.keys[:mid], values: n.values[:mid], prev: n.prev, next: rightBid}
	right := &node{level: 0, ksize: n.ksize, vsize: n.vsize, keys: n.keys[mid:], values: n.values[mid:], prev: leftBid, next: n.next}

	if err := t.writeNodeAt(leftAddr, leftBid, left); err != nil {
		return NotFound, nil, NotFound, err
	}
	if err := t.writeNodeAt(rightAddr, rightBid, right); err != nil {
		return NotFound, nil, NotFound, err
	}
	t.rethread(oldBid, leftBid)
	return leftBid, right.keys[0], rightBid, nil
}

func (t *BTree) splitInner(oldBid BidT, n *node) (BidT, []byte, BidT, error) {
	mid := len(n.keys) / 2
	promote := n.keys[mid]

	leftAddr, leftBid, err := t.blk.Alloc()
	if err != nil {
		return NotFound, nil, NotFound, err
	}
	rightAddr, rightBid, err := t.blk.Alloc()
	if err != nil {
		return NotFound, nil, NotFound, err
	}

	left := &node{level: n.level, ksize: n.ksize, keys: n.keys[:mid], values: n.values[:mid]}
	right := &node{level: n.level, ksize: n.ksize, keys: n.keys[mid:], values: n.values[mid:]}

	if err := t.writeNodeAt(leftAddr, leftBid, left); err != nil {
		return NotFound, nil, NotFound, err
	}
	if err := t.writeNodeAt(rightAddr, rightBid, right); err != nil {
		return NotFound, nil, NotFound, err
	}
	return leftBid, promote, rightBid, nil
}

func insertAt[T any](s []T, pos int, v T) []T {
	s = append(s, v)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func deleteAt[T any](s []T, pos int) []T {
	copy(s[pos:], s[pos+1:])
	return s[:len(s)-1]
}

// Remove deletes key. This substrate does not merge underfull leaves on
// removal (see DESIGN.md on the source's ambiguous btreeblk_remove
// bitmap-scan predicate): a leaf may go empty and stays linked under its
// parent; the root, if it becomes a childless empty leaf, simply stays
// empty rather than being freed.
func (t *BTree) Remove(key []byte) error {
	newRootBid, removed, err := t.removeFrom(t.rootBid, key)
	if err != nil {
		return err
	}
	if !removed {
		return hberrors.New(hberrors.KindFail, "btree.Remove: key not found")
	}
	t.rootBid = newRootBid
	return nil
}

// removeFrom returns the (possibly new, COW-moved) bid of the subtree
// rooted at bid, and whether key was actually found and removed.
func (t *BTree) removeFrom(bid BidT, key []byte) (BidT, bool, error) {
	n, err := t.readNode(bid)
	if err != nil {
		return NotFound, false, err
	}

	if n.level == 0 {
		idx, ok := n.search(t.cmp, key)
		if !ok {
			return bid, false, nil
		}
		edited := n.clone()
		edited.keys = deleteAt(edited.keys, idx)
		edited.values = deleteAt(edited.values, idx)
		newAddr, newBid, err := t.blk.Move(bid)
		if err != nil {
			return NotFound, false, err
		}
		if err := t.writeNodeAt(newAddr, newBid, edited); err != nil {
			return NotFound, false, err
		}
		t.rethread(bid, newBid)
		return newBid, true, nil
	}

	idx, ok := n.search(t.cmp, key)
	if !ok && idx > 0 {
		idx--
	}
	childBid := DecodeChildBid(n.values[idx])
	newChildBid, removed, err := t.removeFrom(childBid, key)
	if err != nil || !removed {
		return bid, removed, err
	}

	edited := n.clone()
	edited.values[idx] = EncodeChildBid(newChildBid)
	newAddr, newBid, err := t.blk.Move(bid)
	if err != nil {
		return NotFound, false, err
	}
	if err := t.writeNodeAt(newAddr, newBid, edited); err != nil {
		return NotFound, false, err
	}
	return newBid, true, nil
}

// Height returns the number of node levels from root to leaf inclusive
// (1 for a tree that is just a lone leaf root), used by the trie's
// leaf-tree promotion check against leaf_height_limit.
func (t *BTree) Height() (int, error) {
	bid := t.rootBid
	height := 0
	for {
		n, err := t.readNode(bid)
		if err != nil {
			return 0, err
		}
		height++
		if n.level == 0 {
			return height, nil
		}
		bid = DecodeChildBid(n.values[0])
	}
}

// All walks the leaf chain from the leftmost leaf and returns every
// (key, value) pair in ascending (comparator) order. Used to re-enumerate
// a leaf tree's entries when it is promoted to a regular chunk tree.
func (t *BTree) All() ([]KV, error) {
	it, err := t.First()
	if err != nil {
		return nil, err
	}
	var out []KV
	for {
		k, v, err := it.Next()
		if err != nil {
			if hberrors.Is(err, hberrors.KindNotFound) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, KV{Key: k, Value: v})
	}
}

// ReadMeta returns the tree's meta blob (the HB+-trie per-tree metadata,
// from the trie's point of view; this layer treats it as opaque bytes).
func (t *BTree) ReadMeta() ([]byte, error) {
	n, err := t.readNode(t.rootBid)
	if err != nil {
		return nil, err
	}
	return n.meta, nil
}

// UpdateMeta overwrites the tree's meta blob in place on the root node.
func (t *BTree) UpdateMeta(meta []byte) error {
	n, err := t.readNode(t.rootBid)
	if err != nil {
		return err
	}
	edited := n.clone()
	edited.meta = append([]byte(nil), meta...)
	if edited.byteSize() > t.blk.NodeSize() {
		return hberrors.New(hberrors.KindFail, "btree.UpdateMeta: meta too large for nodesize")
	}
	newAddr, newBid, err := t.blk.Move(t.rootBid)
	if err != nil {
		return err
	}
	if err := t.writeNodeAt(newAddr, newBid, edited); err != nil {
		return err
	}
	t.rootBid = newBid
	return nil
}
