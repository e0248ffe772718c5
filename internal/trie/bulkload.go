package trie

import (
	"bytes"
	"sort"

	hberrors "github.com/hbtriekv/hbtrie/errors"
	"github.com/hbtriekv/hbtrie/internal/btree"
	"github.com/hbtriekv/hbtrie/internal/chunk"
)

// LoadEntry is one bulk-load input pair: a raw key and the document
// offset already written for it.
type LoadEntry struct {
	Raw    []byte
	Offset uint64
}

type reformedEntry struct {
	key    []byte // chunk.Reform(Raw, cs)
	raw    []byte
	offset uint64
}

// InitAndLoad builds a whole trie bottom-up (C8) from entries, which need
// not already be sorted. Grounded on hbtrie_init_and_load /
// _hbtrie_load_recursive: entries are chunk-reformed, sorted, then
// recursively grouped by common chunk prefix, each group becoming one
// sub-tree built via the substrate's btree.InitAndLoad.
//
// A marker entry (one whose raw key ends exactly at a group's
// discriminating chunkno) is resolved the same way Insert resolves a
// terminal key: its offset is promoted into that sub-tree's meta.value,
// never occupying its own btree.KV slot. This reuses the insert path's
// terminal-key handling rather than the source's distinct lexicographic
// repositioning scan.
func InitAndLoad(cfg Config, entries []LoadEntry) (*Trie, error) {
	if len(entries) == 0 {
		return New(cfg), nil
	}
	cs := cfg.ChunkSize
	reformed := make([]reformedEntry, len(entries))
	for i, e := range entries {
		reformed[i] = reformedEntry{key: chunk.Reform(e.Raw, cs), raw: e.Raw, offset: e.Offset}
	}
	sort.Slice(reformed, func(i, j int) bool {
		return bytes.Compare(reformed[i].key, reformed[j].key) < 0
	})

	rootBid, err := loadRecursive(cfg, reformed, 0)
	if err != nil {
		return nil, err
	}
	return Open(cfg, rootBid), nil
}

// loadRecursive builds one sub-tree covering entries (all agreeing on
// every chunk before startChunk), discovering how far the shared prefix
// extends, then grouping the remainder by their chunk value at the
// resulting discriminating chunkno.
func loadRecursive(cfg Config, entries []reformedEntry, startChunk int) (BidT, error) {
	cs := cfg.ChunkSize
	chunkno := startChunk
	limit := maxPrefixChunks(cfg.Blk.NodeSize(), cs)

	for len(entries) > 1 && chunkno-startChunk < limit {
		if hasTerminalAt(entries, chunkno, cs) {
			break
		}
		first := entries[0].key[chunkno*cs : (chunkno+1)*cs]
		agree := true
		for _, e := range entries[1:] {
			if !bytes.Equal(e.key[chunkno*cs:(chunkno+1)*cs], first) {
				agree = false
				break
			}
		}
		if !agree {
			break
		}
		chunkno++
	}

	prefix := append([]byte(nil), entries[0].key[startChunk*cs:chunkno*cs]...)
	m := meta{chunkno: chunkno, prefix: prefix}

	var kvs []btree.KV
	i := 0
	for i < len(entries) {
		if len(entries[i].raw) == chunkno*cs {
			m.value = EncodeDocOffset(entries[i].offset)
			i++
			continue
		}
		chunkVal := entries[i].key[chunkno*cs : (chunkno+1)*cs]
		j := i + 1
		for j < len(entries) &&
			len(entries[j].raw) != chunkno*cs &&
			bytes.Equal(entries[j].key[chunkno*cs:(chunkno+1)*cs], chunkVal) {
			j++
		}
		group := entries[i:j]
		if len(group) == 1 {
			kvs = append(kvs, btree.KV{Key: append([]byte(nil), chunkVal...), Value: EncodeDocOffset(group[0].offset)})
		} else {
			childBid, err := loadRecursive(cfg, group, chunkno+1)
			if err != nil {
				return NotFound, err
			}
			kvs = append(kvs, btree.KV{Key: append([]byte(nil), chunkVal...), Value: EncodeChildRoot(childBid)})
		}
		i = j
	}

	return btree.InitAndLoad(cfg.Blk, btree.ByteOrder{}, cs, cfg.ValueLen, kvs, m.encode())
}

// promoteLeaf re-enumerates a leaf tree's entries (plus its meta.value
// terminal key, if any) by their full raw keys, read back through
// ReadKey since a leaf entry stores only the post-chunkno suffix, then
// rebuilds the sub-tree as an ordinary chunk-discriminated tree via the
// bulk loader — §4.5's "promoted to a regular non-leaf sub-tree" rule,
// reusing loadRecursive rather than a bespoke tree builder.
func (t *Trie) promoteLeaf(bt *btree.BTree, m meta, cs int) (BidT, error) {
	kvs, err := bt.All()
	if err != nil {
		return NotFound, err
	}

	entries := make([]reformedEntry, 0, len(kvs)+1)
	readBack := func(offset uint64) (reformedEntry, error) {
		buf := make([]byte, t.cfg.MaxKeyLen)
		n, err := t.cfg.ReadKey(t.cfg.Doc, offset, buf)
		if err != nil {
			return reformedEntry{}, hberrors.Wrap(hberrors.KindReadFailed, "trie.promoteLeaf", err)
		}
		raw := buf[:n]
		return reformedEntry{key: chunk.Reform(raw, cs), raw: raw, offset: offset}, nil
	}

	for _, kv := range kvs {
		e, err := readBack(DecodeDocOffset(kv.Value))
		if err != nil {
			return NotFound, err
		}
		entries = append(entries, e)
	}
	if m.value != nil {
		e, err := readBack(DecodeDocOffset(m.value))
		if err != nil {
			return NotFound, err
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
	return loadRecursive(t.cfg, entries, m.chunkno)
}

func hasTerminalAt(entries []reformedEntry, chunkno, cs int) bool {
	for _, e := range entries {
		if len(e.raw) == chunkno*cs {
			return true
		}
	}
	return false
}
