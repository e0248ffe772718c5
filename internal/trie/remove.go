package trie

import (
	"bytes"

	hberrors "github.com/hbtriekv/hbtrie/errors"
	"github.com/hbtriekv/hbtrie/internal/chunk"
)

// Remove deletes raw from the trie. A miss returns Fail without mutating
// anything, matching §4.5/§7's propagation policy.
func (t *Trie) Remove(raw []byte) error {
	if t.rootBid == NotFound {
		return hberrors.New(hberrors.KindFail, "trie.Remove: empty trie")
	}
	cs := t.cfg.ChunkSize
	key := chunk.Reform(raw, cs)

	var stack []frame
	bid := t.rootBid

	for {
		bt, m, err := t.openSubtree(bid, cs)
		if err != nil {
			return err
		}
		if !prefixMatches(key, m, cs) {
			return hberrors.New(hberrors.KindFail, "trie.Remove: key not found")
		}

		if len(raw) == m.chunkno*cs {
			if m.value == nil {
				return hberrors.New(hberrors.KindFail, "trie.Remove: key not found")
			}
			m.value = nil
			if err := bt.UpdateMeta(m.encode()); err != nil {
				return err
			}
			return t.cascade(stack, key, bt.RootBid())
		}

		if m.isLeaf {
			leafKey := raw[m.chunkno*cs:]
			if err := bt.Remove(leafKey); err != nil {
				return hberrors.New(hberrors.KindFail, "trie.Remove: key not found")
			}
			return t.cascade(stack, key, bt.RootBid())
		}

		chunkKey := t.chunkAt(key, m.chunkno)
		v, err := bt.Find(chunkKey)
		if err != nil {
			return hberrors.New(hberrors.KindFail, "trie.Remove: key not found")
		}

		if IsChildPointer(v) {
			stack = append(stack, frame{bt: bt, chunkno: m.chunkno})
			bid = DecodeChildRoot(v)
			continue
		}

		offset := DecodeDocOffset(v)
		existingRaw := make([]byte, t.cfg.MaxKeyLen)
		n, err := t.cfg.ReadKey(t.cfg.Doc, offset, existingRaw)
		if err != nil {
			return hberrors.Wrap(hberrors.KindReadFailed, "trie.Remove", err)
		}
		if !bytes.Equal(existingRaw[:n], raw) {
			return hberrors.New(hberrors.KindFail, "trie.Remove: key not found")
		}

		if err := bt.Remove(chunkKey); err != nil {
			return err
		}
		return t.cascade(stack, key, bt.RootBid())
	}
}
