package trie

import (
	"bytes"

	hberrors "github.com/hbtriekv/hbtrie/errors"
	"github.com/hbtriekv/hbtrie/internal/btree"
	"github.com/hbtriekv/hbtrie/internal/chunk"
)

// ReadKeyFunc reads back the full raw key previously appended at offset
// into out, returning the number of bytes written. Grounded on the
// external doc-handle collaborator's read_key contract (§6).
type ReadKeyFunc func(doc interface{}, offset uint64, out []byte) (int, error)

// MapFunc resolves an optional leaf-tree comparator for a sub-tree being
// created, given the key's chunk at that sub-tree's discriminating
// position (chunk 0 for the root). A nil MapFunc means every sub-tree is
// an ordinary chunk tree.
type MapFunc func(firstChunk []byte) (btree.KVOps, bool)

// Config parameterises one trie instance (§4.5 Configuration).
type Config struct {
	ChunkSize       int
	ValueLen        int // must be 8
	Blk             btree.BlockOps
	Doc             interface{}
	ReadKey         ReadKeyFunc
	Map             MapFunc
	LeafHeightLimit int
	MaxKeyLen       int
}

// Trie is the HB+-trie core (C6).
type Trie struct {
	cfg     Config
	rootBid BidT
}

// New creates a trie with no root (an empty index).
func New(cfg Config) *Trie {
	return &Trie{cfg: cfg, rootBid: NotFound}
}

// Open wraps an existing trie rooted at rootBid.
func Open(cfg Config, rootBid BidT) *Trie {
	return &Trie{cfg: cfg, rootBid: rootBid}
}

// RootBid returns the trie's current root block id.
func (t *Trie) RootBid() BidT { return t.rootBid }

// leafComparator resolves the registered comparator for a leaf sub-tree
// from its persisted tag — the chunk of key that was passed to
// Config.Map when the sub-tree was created (§4.5's "map callback on the
// first chunk of the key"). Resolving from the stored tag rather than
// from whatever key a later Find/Insert/Remove happens to carry means a
// sub-tree's comparator never depends on which key is currently being
// looked up, and a full cursor scan (no key in hand at all) can still
// reopen it.
func (t *Trie) leafComparator(tag []byte) (btree.KVOps, error) {
	if t.cfg.Map == nil {
		return nil, hberrors.New(hberrors.KindIndexCorrupted, "trie: leaf subtree with no Map configured")
	}
	cmp, ok := t.cfg.Map(tag)
	if !ok {
		return nil, hberrors.New(hberrors.KindIndexCorrupted, "trie: leaf subtree's tag has no registered comparator")
	}
	return cmp, nil
}

// mapAt reports whether a leaf-tree comparator is registered for the
// chunk of key at chunkno, without treating "no mapping" as an error the
// way leafComparator does — used only at sub-tree creation time, when a
// concrete key is always in hand, to decide whether the new sub-tree
// should be a leaf tree and what tag to persist for it.
func (t *Trie) mapAt(key []byte, chunkno, cs int) (btree.KVOps, bool) {
	if t.cfg.Map == nil {
		return nil, false
	}
	if (chunkno+1)*cs > len(key) {
		return nil, false
	}
	return t.cfg.Map(key[chunkno*cs : (chunkno+1)*cs])
}

// openSubtree opens the sub-tree rooted at bid and reads its meta,
// choosing the plain chunk comparator or (if meta.isLeaf) the
// Map-resolved leaf comparator.
func (t *Trie) openSubtree(bid BidT, cs int) (*btree.BTree, meta, error) {
	buf, _, err := t.cfg.Blk.Read(bid)
	if err != nil {
		return nil, meta{}, err
	}
	if ksize, _, err := btree.PeekHeader(buf); err == nil && ksize == (cs<<4)|t.cfg.ValueLen {
		return nil, meta{}, hberrors.New(hberrors.KindIndexVersionUnsupported, "trie.openSubtree")
	}
	metaBuf, err := btree.PeekMeta(buf)
	if err != nil {
		return nil, meta{}, err
	}
	m, err := decodeMeta(metaBuf)
	if err != nil {
		return nil, meta{}, err
	}

	kvops := btree.KVOps(btree.ByteOrder{})
	ksize := cs
	if m.isLeaf {
		cmp, err := t.leafComparator(m.leafTag)
		if err != nil {
			return nil, meta{}, err
		}
		kvops, ksize = cmp, 0
	}

	bt, err := btree.Open(t.cfg.Blk, bid, kvops, ksize, t.cfg.ValueLen)
	if err != nil {
		return nil, meta{}, err
	}
	return bt, m, nil
}

func (t *Trie) chunkAt(key []byte, chunkno int) []byte {
	cs := t.cfg.ChunkSize
	return key[chunkno*cs : chunkno*cs+cs]
}

// Find looks up raw and returns the document offset stored for it.
func (t *Trie) Find(raw []byte) (uint64, error) {
	if t.rootBid == NotFound {
		return 0, hberrors.New(hberrors.KindNotFound, "trie.Find")
	}
	cs := t.cfg.ChunkSize
	key := chunk.Reform(raw, cs)
	nchunk := len(key) / cs

	bid := t.rootBid
	for {
		bt, m, err := t.openSubtree(bid, cs)
		if err != nil {
			return 0, err
		}
		if !prefixMatches(key, m, cs) {
			return 0, hberrors.New(hberrors.KindNotFound, "trie.Find")
		}

		if len(raw) == m.chunkno*cs {
			if m.value != nil {
				return DecodeDocOffset(m.value), nil
			}
			return 0, hberrors.New(hberrors.KindNotFound, "trie.Find")
		}

		if m.isLeaf {
			v, err := bt.Find(raw[m.chunkno*cs:])
			if err != nil {
				return 0, hberrors.New(hberrors.KindNotFound, "trie.Find")
			}
			return DecodeDocOffset(v), nil
		}

		if m.chunkno >= nchunk {
			return 0, hberrors.New(hberrors.KindNotFound, "trie.Find")
		}

		v, err := bt.Find(t.chunkAt(key, m.chunkno))
		if err != nil {
			return 0, hberrors.New(hberrors.KindNotFound, "trie.Find")
		}
		if IsChildPointer(v) {
			bid = DecodeChildRoot(v)
			continue
		}

		offset := DecodeDocOffset(v)
		existing := make([]byte, t.cfg.MaxKeyLen)
		n, err := t.cfg.ReadKey(t.cfg.Doc, offset, existing)
		if err != nil {
			return 0, hberrors.Wrap(hberrors.KindReadFailed, "trie.Find", err)
		}
		if bytes.Equal(existing[:n], raw) {
			return offset, nil
		}
		return 0, hberrors.New(hberrors.KindNotFound, "trie.Find")
	}
}

// prefixMatches compares a sub-tree's stored skipped-prefix against the
// corresponding span of key.
func prefixMatches(key []byte, m meta, chunksize int) bool {
	start := m.chunkno*chunksize - len(m.prefix)
	if start < 0 || start+len(m.prefix) > len(key) {
		return false
	}
	return bytes.Equal(key[start:start+len(m.prefix)], m.prefix)
}

// firstDiffChunk returns the 0-based chunk index, relative to start,
// where a and b (both chunk-aligned) first differ, using chunksize-wide
// comparisons as §4.5's tie-break rules require (always the default
// byte comparator, even inside a leaf tree).
func firstDiffChunk(a, b []byte, chunksize int) int {
	n := len(a) / chunksize
	if len(b)/chunksize < n {
		n = len(b) / chunksize
	}
	for i := 0; i < n; i++ {
		if !bytes.Equal(a[i*chunksize:(i+1)*chunksize], b[i*chunksize:(i+1)*chunksize]) {
			return i
		}
	}
	return n
}

type frame struct {
	bt      *btree.BTree
	chunkno int
}

// Insert stores raw -> docOffset, returning the previous offset if the
// key already existed.
func (t *Trie) Insert(raw []byte, docOffset uint64) (old uint64, hadOld bool, err error) {
	cs := t.cfg.ChunkSize
	key := chunk.Reform(raw, cs)

	if t.rootBid == NotFound {
		if cmp, ok := t.mapAt(key, 0, cs); ok {
			bt, err := btree.Create(t.cfg.Blk, cmp, 0, t.cfg.ValueLen)
			if err != nil {
				return 0, false, err
			}
			tag := append([]byte(nil), key[0:cs]...)
			if err := bt.UpdateMeta(meta{chunkno: 0, isLeaf: true, leafTag: tag}.encode()); err != nil {
				return 0, false, err
			}
			if _, err := bt.Insert(raw, EncodeDocOffset(docOffset)); err != nil {
				return 0, false, err
			}
			t.rootBid = bt.RootBid()
			return 0, false, nil
		}
		bt, err := btree.Create(t.cfg.Blk, btree.ByteOrder{}, cs, t.cfg.ValueLen)
		if err != nil {
			return 0, false, err
		}
		if err := bt.UpdateMeta(meta{chunkno: 0}.encode()); err != nil {
			return 0, false, err
		}
		if _, err := bt.Insert(t.chunkAt(key, 0), EncodeDocOffset(docOffset)); err != nil {
			return 0, false, err
		}
		t.rootBid = bt.RootBid()
		return 0, false, nil
	}

	var stack []frame
	bid := t.rootBid

	for {
		bt, m, err := t.openSubtree(bid, cs)
		if err != nil {
			return 0, false, err
		}

		if !prefixMatches(key, m, cs) {
			newRootOfSubtree, err := t.splitSkippedPrefix(bt, m, raw, key, docOffset, cs)
			if err != nil {
				return 0, false, err
			}
			return 0, false, t.cascade(stack, key, newRootOfSubtree)
		}

		if len(raw) == m.chunkno*cs {
			var old8 []byte
			if m.value != nil {
				old8 = m.value
			}
			m.value = EncodeDocOffset(docOffset)
			if err := bt.UpdateMeta(m.encode()); err != nil {
				return 0, false, err
			}
			if err := t.cascade(stack, key, bt.RootBid()); err != nil {
				return 0, false, err
			}
			if old8 != nil {
				return DecodeDocOffset(old8), true, nil
			}
			return 0, false, nil
		}

		if m.isLeaf {
			old, hadOld, newRootBid, err := t.insertLeaf(bt, m, raw, docOffset, cs)
			if err != nil {
				return 0, false, err
			}
			return old, hadOld, t.cascade(stack, key, newRootBid)
		}

		chunkKey := t.chunkAt(key, m.chunkno)
		v, err := bt.Find(chunkKey)
		if err != nil {
			// Miss: insert a fresh document-offset entry at this level.
			if _, err := bt.Insert(chunkKey, EncodeDocOffset(docOffset)); err != nil {
				return 0, false, err
			}
			return 0, false, t.cascade(stack, key, bt.RootBid())
		}

		if IsChildPointer(v) {
			stack = append(stack, frame{bt: bt, chunkno: m.chunkno})
			bid = DecodeChildRoot(v)
			continue
		}

		// Hit pointing to a document offset: read back the existing key.
		existingOffset := DecodeDocOffset(v)
		existingRaw := make([]byte, t.cfg.MaxKeyLen)
		n, err := t.cfg.ReadKey(t.cfg.Doc, existingOffset, existingRaw)
		if err != nil {
			return 0, false, hberrors.Wrap(hberrors.KindReadFailed, "trie.Insert", err)
		}
		existingRaw = existingRaw[:n]

		if bytes.Equal(existingRaw, raw) {
			if _, err := bt.Insert(chunkKey, EncodeDocOffset(docOffset)); err != nil {
				return 0, false, err
			}
			if err := t.cascade(stack, key, bt.RootBid()); err != nil {
				return 0, false, err
			}
			return existingOffset, true, nil
		}

		existingKey := chunk.Reform(existingRaw, cs)
		childBid, err := t.splitDocCollision(raw, key, existingRaw, existingKey, m.chunkno, docOffset, existingOffset, cs)
		if err != nil {
			return 0, false, err
		}
		if _, err := bt.Insert(chunkKey, EncodeChildRoot(childBid)); err != nil {
			return 0, false, err
		}
		return 0, false, t.cascade(stack, key, bt.RootBid())
	}
}

// insertLeaf inserts raw's post-chunkno suffix into the leaf tree bt under
// its registered comparator (§4.5's leaf-tree insert: update-in-place when
// the comparator identifies two keys as equal), promoting bt to a regular
// chunk tree if doing so pushes its height past LeafHeightLimit.
func (t *Trie) insertLeaf(bt *btree.BTree, m meta, raw []byte, docOffset uint64, cs int) (uint64, bool, BidT, error) {
	leafKey := raw[m.chunkno*cs:]
	old, err := bt.Insert(leafKey, EncodeDocOffset(docOffset))
	if err != nil {
		return 0, false, NotFound, err
	}

	newRootBid := bt.RootBid()
	height, err := bt.Height()
	if err != nil {
		return 0, false, NotFound, err
	}
	if height > t.cfg.LeafHeightLimit {
		promoted, err := t.promoteLeaf(bt, m, cs)
		if err != nil {
			return 0, false, NotFound, err
		}
		newRootBid = promoted
	}

	if old != nil {
		return DecodeDocOffset(old), true, newRootBid, nil
	}
	return 0, false, newRootBid, nil
}

// cascade walks stack from innermost to outermost, updating each
// ancestor's child-pointer entry (keyed by the chunk of key at that
// ancestor's chunkno) to curBid, and finally sets the trie's root.
func (t *Trie) cascade(stack []frame, key []byte, curBid BidT) error {
	for i := len(stack) - 1; i >= 0; i-- {
		f := stack[i]
		chunkKey := t.chunkAt(key, f.chunkno)
		if _, err := f.bt.Insert(chunkKey, EncodeChildRoot(curBid)); err != nil {
			return err
		}
		curBid = f.bt.RootBid()
	}
	t.rootBid = curBid
	return nil
}
