package trie

import (
	"bytes"

	hberrors "github.com/hbtriekv/hbtrie/errors"
	"github.com/hbtriekv/hbtrie/internal/btree"
	"github.com/hbtriekv/hbtrie/internal/chunk"
)

// Direction selects which way a Cursor walks.
type Direction int

const (
	// Forward walks keys in increasing order.
	Forward Direction = iota
	// Backward walks keys in decreasing order.
	Backward
)

type iterFrame struct {
	bt      *btree.BTree
	iter    *btree.Iterator
	chunkno int
}

// Cursor is the HB+-trie iterator (C7): a stack of per-level B+-tree
// sub-iterators that together walk the trie's keys in sorted order,
// descending into child sub-trees and reading document keys back from
// the external doc handle as needed.
//
// Backward iteration is implemented as an explicit mirror of forward
// iteration (seek via NewReverseIterator, step via Iterator.Prev)
// rather than as a separate port of the source's distinct
// _hbtrie_prev recursion.
type Cursor struct {
	trie     *Trie
	startRaw []byte // original un-reformed start key, nil means "unbounded"
	curKey   []byte // chunked start key, nil means "unbounded"
	dir      Direction
	stack    []iterFrame
}

// NewCursor creates a cursor. startRaw, if non-nil, positions the first
// Advance at the first key >= startRaw (Forward) or <= startRaw
// (Backward); nil means start from the very beginning or end.
func (t *Trie) NewCursor(startRaw []byte, dir Direction) *Cursor {
	var curKey []byte
	if startRaw != nil {
		curKey = chunk.Reform(startRaw, t.cfg.ChunkSize)
	}
	return &Cursor{trie: t, startRaw: startRaw, curKey: curKey, dir: dir}
}

func (c *Cursor) boundaryChunk(chunkno int) []byte {
	cs := c.trie.cfg.ChunkSize
	if c.curKey != nil && (chunkno+1)*cs <= len(c.curKey) {
		return c.curKey[chunkno*cs : (chunkno+1)*cs]
	}
	buf := make([]byte, cs)
	if c.dir == Backward {
		for i := range buf {
			buf[i] = 0xff
		}
	}
	return buf
}

func (c *Cursor) seek(bt *btree.BTree, chunkno int) (*btree.Iterator, error) {
	start := c.boundaryChunk(chunkno)
	if c.dir == Forward {
		return bt.NewIterator(start)
	}
	return bt.NewReverseIterator(start)
}

// seekLeaf positions an iterator inside a leaf sub-tree rooted at chunkno.
// A leaf tree's keys are raw-suffix bytes under a user comparator, not
// chunk-aligned, so boundaryChunk's padded sentinel chunk doesn't apply
// here: with no startRaw (or one too short to reach chunkno) the walk is
// unbounded on this side and starts from the tree's first/last entry.
func (c *Cursor) seekLeaf(bt *btree.BTree, chunkno int) (*btree.Iterator, error) {
	cs := c.trie.cfg.ChunkSize
	if c.startRaw == nil || chunkno*cs >= len(c.startRaw) {
		if c.dir == Forward {
			return bt.First()
		}
		return bt.Last()
	}
	start := c.startRaw[chunkno*cs:]
	if c.dir == Forward {
		return bt.NewIterator(start)
	}
	return bt.NewReverseIterator(start)
}

func (c *Cursor) step(iter *btree.Iterator) ([]byte, []byte, error) {
	if c.dir == Forward {
		return iter.Next()
	}
	return iter.Prev()
}

// Advance returns the next (in the cursor's direction) (rawKey,
// docOffset) pair, or a NotFound error once iteration is exhausted.
func (c *Cursor) Advance() (rawKey []byte, offset uint64, err error) {
	cs := c.trie.cfg.ChunkSize
	if len(c.stack) == 0 {
		bt, m, err := c.trie.openSubtree(c.trie.rootBid, cs)
		if err != nil {
			return nil, 0, err
		}
		var iter *btree.Iterator
		if m.isLeaf {
			iter, err = c.seekLeaf(bt, m.chunkno)
		} else {
			iter, err = c.seek(bt, m.chunkno)
		}
		if err != nil {
			return nil, 0, err
		}
		c.stack = append(c.stack, iterFrame{bt: bt, iter: iter, chunkno: m.chunkno})
	}

	for {
		if len(c.stack) == 0 {
			return nil, 0, hberrors.New(hberrors.KindNotFound, "trie.Cursor.Advance")
		}
		top := &c.stack[len(c.stack)-1]
		k, v, err := c.step(top.iter)
		if err != nil {
			if !hberrors.Is(err, hberrors.KindNotFound) {
				return nil, 0, err
			}
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}

		if IsChildPointer(v) {
			// Once the walk leaves the start key's path, every deeper
			// sub-tree is walked from its first (or last) entry.
			if c.curKey != nil && !bytes.Equal(k, c.boundaryChunk(top.chunkno)) {
				c.curKey, c.startRaw = nil, nil
			}
			childBt, childMeta, err := c.trie.openSubtree(DecodeChildRoot(v), cs)
			if err != nil {
				return nil, 0, err
			}
			var childIter *btree.Iterator
			if childMeta.isLeaf {
				childIter, err = c.seekLeaf(childBt, childMeta.chunkno)
			} else {
				childIter, err = c.seek(childBt, childMeta.chunkno)
			}
			if err != nil {
				return nil, 0, err
			}
			c.stack = append(c.stack, iterFrame{bt: childBt, iter: childIter, chunkno: childMeta.chunkno})
			continue
		}

		offset = DecodeDocOffset(v)
		raw := make([]byte, c.trie.cfg.MaxKeyLen)
		n, err := c.trie.cfg.ReadKey(c.trie.cfg.Doc, offset, raw)
		if err != nil {
			return nil, 0, err
		}
		return raw[:n], offset, nil
	}
}
