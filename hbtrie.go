// Package hbtrie ties the block handle (C4), B+-tree substrate (C5) and
// HB+-trie (C6/C7/C8) to a real file manager (filestore) and document
// appender (docstore), giving callers a single Open/Close handle over a
// variable-length-key index backed by two files on disk.
package hbtrie

import (
	"github.com/hbtriekv/hbtrie/internal/blockid"
	"github.com/hbtriekv/hbtrie/internal/blockstore"
	"github.com/hbtriekv/hbtrie/internal/docstore"
	"github.com/hbtriekv/hbtrie/internal/filestore"
	"github.com/hbtriekv/hbtrie/internal/trie"
)

// Options configures a fresh or reopened Index.
type Options struct {
	IndexPath string // block file holding B+-tree nodes
	DocPath   string // document file holding raw keys
	ChunkSize int     // bytes per trie chunk (e.g. 8)
	NodeSize  int     // bytes per B+-tree node
	BlockSize int     // bytes per underlying file block (multiple of NodeSize)
	MaxKeyLen int     // largest raw key this Index will ever see
}

const valueLen = 8

// Index is an open HB+-trie over two files: the block file (nodes) and the
// document file (raw keys, read back by offset).
type Index struct {
	blk   *blockstore.Handle
	tr    *trie.Trie
	files *filestore.Store
	docs  *docstore.Store
}

// Open creates or reopens an Index. rootBid is blockid.NotFound for a
// brand-new, empty index, or a previously returned Index.RootBid() to
// resume an existing one.
func Open(opts Options, rootBid blockid.BidT) (*Index, error) {
	files, err := filestore.Open(opts.IndexPath, opts.BlockSize)
	if err != nil {
		return nil, err
	}
	docs, err := docstore.Open(opts.DocPath)
	if err != nil {
		files.Close()
		return nil, err
	}

	blk := blockstore.New(files, opts.NodeSize, opts.BlockSize)
	cfg := trie.Config{
		ChunkSize: opts.ChunkSize,
		ValueLen:  valueLen,
		Blk:       blk,
		Doc:       docs,
		ReadKey:   docs.ReadKey,
		MaxKeyLen: opts.MaxKeyLen,
	}

	var tr *trie.Trie
	if rootBid == blockid.NotFound {
		tr = trie.New(cfg)
	} else {
		tr = trie.Open(cfg, rootBid)
	}

	return &Index{blk: blk, tr: tr, files: files, docs: docs}, nil
}

// BulkLoad creates a fresh Index and loads it bottom-up (C8) from keys,
// which need not be sorted. Each key is appended to the document file
// first so its offset can be recorded in the trie.
func BulkLoad(opts Options, keys [][]byte) (*Index, error) {
	files, err := filestore.Open(opts.IndexPath, opts.BlockSize)
	if err != nil {
		return nil, err
	}
	docs, err := docstore.Open(opts.DocPath)
	if err != nil {
		files.Close()
		return nil, err
	}
	blk := blockstore.New(files, opts.NodeSize, opts.BlockSize)

	entries := make([]trie.LoadEntry, len(keys))
	for i, k := range keys {
		off, err := docs.Append(k)
		if err != nil {
			return nil, err
		}
		entries[i] = trie.LoadEntry{Raw: k, Offset: off}
	}

	cfg := trie.Config{
		ChunkSize: opts.ChunkSize,
		ValueLen:  valueLen,
		Blk:       blk,
		Doc:       docs,
		ReadKey:   docs.ReadKey,
		MaxKeyLen: opts.MaxKeyLen,
	}
	tr, err := trie.InitAndLoad(cfg, entries)
	if err != nil {
		return nil, err
	}
	return &Index{blk: blk, tr: tr, files: files, docs: docs}, nil
}

// Put appends key to the document file and inserts it, returning the
// previous document offset if key already existed.
func (ix *Index) Put(key []byte) (old uint64, hadOld bool, err error) {
	off, err := ix.docs.Append(key)
	if err != nil {
		return 0, false, err
	}
	return ix.tr.Insert(key, off)
}

// Get returns the document offset stored for key.
func (ix *Index) Get(key []byte) (uint64, error) {
	return ix.tr.Find(key)
}

// Delete removes key from the index.
func (ix *Index) Delete(key []byte) error {
	return ix.tr.Remove(key)
}

// Cursor returns an HB+-trie cursor (C7) positioned for Advance calls
// starting at start (nil means unbounded) in the given direction.
func (ix *Index) Cursor(start []byte, dir trie.Direction) *trie.Cursor {
	return ix.tr.NewCursor(start, dir)
}

// RootBid returns the current trie root, to be passed to a later Open.
func (ix *Index) RootBid() blockid.BidT {
	return ix.tr.RootBid()
}

// Flush writes every dirty block to the block file, per the system
// overview's "flush barrier" at the end of each logical operation.
func (ix *Index) Flush() error {
	return ix.blk.End()
}

// Close flushes, syncs both files, and closes them.
func (ix *Index) Close() error {
	if err := ix.Flush(); err != nil {
		return err
	}
	if err := ix.docs.Sync(); err != nil {
		return err
	}
	if err := ix.docs.Close(); err != nil {
		return err
	}
	if err := ix.files.Sync(); err != nil {
		return err
	}
	return ix.files.Close()
}
