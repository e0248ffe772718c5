package btree

import hberrors "github.com/hbtriekv/hbtrie/errors"

// Iterator walks one B+-tree's leaf chain in either direction. It holds
// no locks; dropping it releases nothing since nodes are ordinary
// block-handle reads.
type Iterator struct {
	t       *BTree
	leafBid BidT
	leaf    *node
	idx     int
}

// direction selects where seek positions an iterator: at the first key
// >= key (forward, for Next) or at the last key <= key (backward, for
// Prev).
type direction int

const (
	forward direction = iota
	backward
)

// NewIterator seeks to the first entry >= key (forward) and returns an
// iterator ready for Next.
func (t *BTree) NewIterator(key []byte) (*Iterator, error) {
	return t.seek(key, forward)
}

// NewReverseIterator seeks to the last entry <= key and returns an
// iterator ready for Prev.
func (t *BTree) NewReverseIterator(key []byte) (*Iterator, error) {
	return t.seek(key, backward)
}

// First descends the leftmost spine and returns an iterator positioned
// at the tree's very first entry, ready for Next. Unlike NewIterator, it
// needs no comparator-ordered seek key, so it works even when the tree's
// KVOps has no well-defined "smallest possible key" (an arbitrary
// leaf-tree comparator).
func (t *BTree) First() (*Iterator, error) {
	bid := t.rootBid
	for {
		n, err := t.readNode(bid)
		if err != nil {
			return nil, err
		}
		if n.level == 0 {
			return &Iterator{t: t, leafBid: bid, leaf: n, idx: 0}, nil
		}
		bid = DecodeChildBid(n.values[0])
	}
}

// Last descends the rightmost spine and returns an iterator positioned
// at the tree's very last entry, ready for Prev.
func (t *BTree) Last() (*Iterator, error) {
	bid := t.rootBid
	for {
		n, err := t.readNode(bid)
		if err != nil {
			return nil, err
		}
		if n.level == 0 {
			return &Iterator{t: t, leafBid: bid, leaf: n, idx: len(n.keys) - 1}, nil
		}
		bid = DecodeChildBid(n.values[len(n.values)-1])
	}
}

func (t *BTree) seek(key []byte, dir direction) (*Iterator, error) {
	bid := t.rootBid
	for {
		n, err := t.readNode(bid)
		if err != nil {
			return nil, err
		}
		if n.level == 0 {
			idx, ok := n.search(t.cmp, key)
			if dir == backward && !ok {
				idx--
			}
			return &Iterator{t: t, leafBid: bid, leaf: n, idx: idx}, nil
		}
		idx, ok := n.search(t.cmp, key)
		if !ok && idx > 0 {
			idx--
		}
		bid = DecodeChildBid(n.values[idx])
	}
}

// Next returns the current (key, value) and advances, or NotFound once
// the chain is exhausted.
func (it *Iterator) Next() (key, value []byte, err error) {
	for it.idx < 0 {
		if it.leaf.prev == NotFound {
			return nil, nil, hberrors.New(hberrors.KindNotFound, "btree.Iterator.Next")
		}
		prev, err := it.t.readNode(it.leaf.prev)
		if err != nil {
			return nil, nil, err
		}
		it.leafBid, it.leaf, it.idx = it.leaf.prev, prev, len(prev.keys)-1
	}
	for it.idx >= len(it.leaf.keys) {
		if it.leaf.next == NotFound {
			return nil, nil, hberrors.New(hberrors.KindNotFound, "btree.Iterator.Next")
		}
		next, err := it.t.readNode(it.leaf.next)
		if err != nil {
			return nil, nil, err
		}
		it.leafBid, it.leaf, it.idx = it.leaf.next, next, 0
	}
	key, value = it.leaf.keys[it.idx], it.leaf.values[it.idx]
	it.idx++
	return key, value, nil
}

// Prev returns the current (key, value) and retreats, or NotFound once
// the chain is exhausted.
func (it *Iterator) Prev() (key, value []byte, err error) {
	for it.idx >= len(it.leaf.keys) {
		if it.leaf.next == NotFound {
			return nil, nil, hberrors.New(hberrors.KindNotFound, "btree.Iterator.Prev")
		}
		next, err := it.t.readNode(it.leaf.next)
		if err != nil {
			return nil, nil, err
		}
		it.leafBid, it.leaf, it.idx = it.leaf.next, next, len(next.keys)-1
	}
	for it.idx < 0 {
		if it.leaf.prev == NotFound {
			return nil, nil, hberrors.New(hberrors.KindNotFound, "btree.Iterator.Prev")
		}
		prev, err := it.t.readNode(it.leaf.prev)
		if err != nil {
			return nil, nil, err
		}
		it.leafBid, it.leaf, it.idx = it.leaf.prev, prev, len(prev.keys)-1
	}
	key, value = it.leaf.keys[it.idx], it.leaf.values[it.idx]
	it.idx--
	return key, value, nil
}
