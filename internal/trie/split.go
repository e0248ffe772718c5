package trie

import (
	"bytes"

	"github.com/hbtriekv/hbtrie/internal/btree"
)

// firstDiffChunkFrom returns the absolute chunk index, starting the scan
// at fromChunk, where a and b first differ. If no difference is found
// within the shorter of the two, it returns fromChunk + (number of
// chunks compared) — i.e. the index one past the common run, which
// equals min(nchunk(a), nchunk(b)) when one key is a prefix of the
// other.
func firstDiffChunkFrom(a, b []byte, fromChunk, chunksize int) int {
	na, nb := len(a)/chunksize, len(b)/chunksize
	n := na
	if nb < n {
		n = nb
	}
	for i := fromChunk; i < n; i++ {
		if !bytes.Equal(a[i*chunksize:(i+1)*chunksize], b[i*chunksize:(i+1)*chunksize]) {
			return i
		}
	}
	return n
}

// splitSkippedPrefix handles §4.5's "skipped-prefix mismatch" case: the
// descent into bt found that its stored prefix no longer agrees with
// key. It splits bt's parent position into a new intermediate tree
// carrying the common prefix head, demotes bt to carry only the tail of
// its old prefix, and inserts the incoming key alongside bt's old root.
// Returns the new top-level bid that should replace bt in its parent.
func (t *Trie) splitSkippedPrefix(bt *btree.BTree, m meta, raw, key []byte, docOffset uint64, cs int) (BidT, error) {
	parentChunkno := m.chunkno - len(m.prefix)/cs - 1
	start := (parentChunkno + 1) * cs

	diffIdx := firstDiffChunk(key[start:m.chunkno*cs], m.prefix, cs)
	diffChunkAbs := parentChunkno + 1 + diffIdx

	oldChunkVal := append([]byte(nil), m.prefix[diffIdx*cs:(diffIdx+1)*cs]...)
	newPrefix := append([]byte(nil), m.prefix[:diffIdx*cs]...)
	tailPrefix := append([]byte(nil), m.prefix[(diffIdx+1)*cs:]...)

	m.prefix = tailPrefix
	if err := bt.UpdateMeta(m.encode()); err != nil {
		return NotFound, err
	}

	bt2, err := btree.Create(t.cfg.Blk, btree.ByteOrder{}, cs, t.cfg.ValueLen)
	if err != nil {
		return NotFound, err
	}
	if _, err := bt2.Insert(oldChunkVal, EncodeChildRoot(bt.RootBid())); err != nil {
		return NotFound, err
	}

	m2 := meta{chunkno: diffChunkAbs, prefix: newPrefix}
	if len(raw) == diffChunkAbs*cs {
		m2.value = EncodeDocOffset(docOffset)
	} else {
		newChunkVal := key[diffChunkAbs*cs : (diffChunkAbs+1)*cs]
		if _, err := bt2.Insert(newChunkVal, EncodeDocOffset(docOffset)); err != nil {
			return NotFound, err
		}
	}
	if err := bt2.UpdateMeta(m2.encode()); err != nil {
		return NotFound, err
	}
	return bt2.RootBid(), nil
}

// headroom is the number of trailing bytes every sub-tree's serialized
// node must keep free of the skipped-prefix field, per §4.5: "If the
// chosen prefix would exceed nodesize − HEADROOM, split into multiple
// intermediate B+-trees". The original's HBTRIE_HEADROOM #define wasn't
// present in the retrievable source (only its use sites in hbtrie.cc);
// 64 bytes is a concrete, documented stand-in — enough to leave room for
// a node's 25-byte fixed header, the meta's 6 fixed bytes and one routing
// entry (12 bytes plus one chunk, for chunk sizes up to 16) alongside the
// capped prefix. See DESIGN.md.
const headroom = 64

// maxPrefixChunks is the largest skipped-prefix length, in chunks, a
// single sub-tree may carry before it must be split into a router chain
// (§4.5's HEADROOM rule).
func maxPrefixChunks(nodesize, cs int) int {
	n := (nodesize - headroom) / cs
	if n < 1 {
		n = 1
	}
	return n
}

// prefixLevel is one link of a HEADROOM-bounded router chain: a sub-tree
// discriminating at chunkno, whose skipped prefix spans [start, chunkno).
type prefixLevel struct {
	start, chunkno int
}

// prefixChain lays out the boundaries between fromChunk and toChunk
// (inclusive) as a sequence of levels, each carrying at most limit prefix
// chunks, the last one ending exactly at toChunk (the real content
// tree's own discriminating position). A single level means no chaining
// is needed — the existing, unsplit behaviour.
func prefixChain(fromChunk, toChunk, limit int) []prefixLevel {
	var levels []prefixLevel
	start := fromChunk
	for {
		c := start + limit
		if c >= toChunk {
			levels = append(levels, prefixLevel{start, toChunk})
			return levels
		}
		levels = append(levels, prefixLevel{start, c})
		start = c + 1
	}
}

// splitDocCollision handles §4.5's "hit pointing to a document offset,
// keys actually differ" case: builds a fresh child sub-tree (or, past
// the HEADROOM bound, a chain of router sub-trees terminating in one) at
// the first differing chunk, handling both the "one key is a prefix of
// the other" and "keys diverge mid-chunk" sub-cases, and optionally
// creating the terminal tree as a leaf tree when Config.Map approves.
func (t *Trie) splitDocCollision(raw, key, existingRaw, existingKey []byte, parentChunkno int, docOffset, existingOffset uint64, cs int) (BidT, error) {
	d := firstDiffChunkFrom(key, existingKey, parentChunkno+1, cs)
	levels := prefixChain(parentChunkno+1, d, maxPrefixChunks(t.cfg.Blk.NodeSize(), cs))

	final := levels[len(levels)-1]
	finalPrefix := append([]byte(nil), key[final.start*cs:d*cs]...)
	innerBid, err := t.buildDocCollisionLeaf(raw, key, existingRaw, existingKey, d, cs, finalPrefix, docOffset, existingOffset)
	if err != nil {
		return NotFound, err
	}

	for i := len(levels) - 2; i >= 0; i-- {
		lvl := levels[i]
		prefix := append([]byte(nil), key[lvl.start*cs:lvl.chunkno*cs]...)
		bt, err := btree.Create(t.cfg.Blk, btree.ByteOrder{}, cs, t.cfg.ValueLen)
		if err != nil {
			return NotFound, err
		}
		if _, err := bt.Insert(key[lvl.chunkno*cs:(lvl.chunkno+1)*cs], EncodeChildRoot(innerBid)); err != nil {
			return NotFound, err
		}
		m := meta{chunkno: lvl.chunkno, prefix: prefix}
		if err := bt.UpdateMeta(m.encode()); err != nil {
			return NotFound, err
		}
		innerBid = bt.RootBid()
	}
	return innerBid, nil
}

// buildDocCollisionLeaf builds the innermost, real-content tree of a
// splitDocCollision chain: discriminating at d, carrying prefix, either
// an ordinary chunk tree or (if Config.Map approves the chunk at d) a
// leaf tree holding the colliding keys' raw suffixes under the
// registered comparator.
func (t *Trie) buildDocCollisionLeaf(raw, key, existingRaw, existingKey []byte, d, cs int, prefix []byte, docOffset, existingOffset uint64) (BidT, error) {
	newEnds := len(raw) == d*cs
	existingEnds := len(existingRaw) == d*cs

	cmp, isLeaf := t.mapAt(key, d, cs)
	var bt2 *btree.BTree
	var err error
	if isLeaf {
		bt2, err = btree.Create(t.cfg.Blk, cmp, 0, t.cfg.ValueLen)
	} else {
		bt2, err = btree.Create(t.cfg.Blk, btree.ByteOrder{}, cs, t.cfg.ValueLen)
	}
	if err != nil {
		return NotFound, err
	}

	m2 := meta{chunkno: d, prefix: prefix, isLeaf: isLeaf}
	if isLeaf {
		m2.leafTag = append([]byte(nil), key[d*cs:(d+1)*cs]...)
	}

	// insertEntry adds one colliding key's entry to bt2: its raw suffix
	// from d onward under the leaf comparator, or its single chunk at d
	// under the default chunk comparator. rawFull must be the actual
	// (unreformed) raw key so a leaf entry never carries chunk.Reform's
	// padding/terminal byte as part of its stored suffix.
	insertEntry := func(rawFull, reformedKey []byte, offset uint64) error {
		if isLeaf {
			_, err := bt2.Insert(rawFull[d*cs:], EncodeDocOffset(offset))
			return err
		}
		_, err := bt2.Insert(reformedKey[d*cs:(d+1)*cs], EncodeDocOffset(offset))
		return err
	}

	switch {
	case newEnds:
		m2.value = EncodeDocOffset(docOffset)
		if err := insertEntry(existingRaw, existingKey, existingOffset); err != nil {
			return NotFound, err
		}
	case existingEnds:
		m2.value = EncodeDocOffset(existingOffset)
		if err := insertEntry(raw, key, docOffset); err != nil {
			return NotFound, err
		}
	default:
		if err := insertEntry(raw, key, docOffset); err != nil {
			return NotFound, err
		}
		if err := insertEntry(existingRaw, existingKey, existingOffset); err != nil {
			return NotFound, err
		}
	}

	if err := bt2.UpdateMeta(m2.encode()); err != nil {
		return NotFound, err
	}
	return bt2.RootBid(), nil
}
