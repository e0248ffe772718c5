package btree

// KV is one bulk-load entry.
type KV struct {
	Key   []byte
	Value []byte
}

// InitAndLoad builds a complete tree bottom-up from a sorted slice of
// entries in a single pass, returning the new root bid. meta is stamped
// onto the root exactly as UpdateMeta would.
//
// The trie's bulk loader (C8) already groups and buffers one level's
// worth of entries in memory while walking its chunk-index recursion
// (mirroring the source's `chunks` list); this substrate-level loader
// therefore takes an already-materialized, sorted slice rather than a
// fully lazy streaming callback, simplifying the handshake without
// changing what gets built.
func InitAndLoad(blk BlockOps, kvops KVOps, ksize, vsize int, entries []KV, meta []byte) (BidT, error) {
	if len(entries) == 0 {
		t, err := Create(blk, kvops, ksize, vsize)
		if err != nil {
			return NotFound, err
		}
		if len(meta) > 0 {
			if err := t.UpdateMeta(meta); err != nil {
				return NotFound, err
			}
		}
		return t.RootBid(), nil
	}

	leaves, err := packLeaves(blk, ksize, vsize, entries)
	if err != nil {
		return NotFound, err
	}
	if err := threadLeaves(blk, ksize, vsize, leaves); err != nil {
		return NotFound, err
	}

	level := leaves
	for len(level) > 1 {
		level, err = packLevel(blk, ksize, level)
		if err != nil {
			return NotFound, err
		}
	}

	rootBid := level[0].bid
	if len(meta) > 0 || len(leaves) > 1 {
		n, err := decodeNodeAt(blk, rootBid)
		if err != nil {
			return NotFound, err
		}
		n.vsize = vsize
		n.meta = append([]byte(nil), meta...)
		if err := writeNodeInPlace(blk, rootBid, n); err != nil {
			return NotFound, err
		}
	}
	return rootBid, nil
}

// packedNode is a built node's bid plus the discriminator key the level
// above should use to route to it (a leaf's own first key, or the first
// key of its own leftmost descendant leaf for inner levels).
type packedNode struct {
	bid      BidT
	firstKey []byte
}

// packLeaves greedily fills nodesize-budgeted leaves from entries, in
// order, never splitting an individual entry across two leaves.
func packLeaves(blk BlockOps, ksize, vsize int, entries []KV) ([]packedNode, error) {
	var out []packedNode
	i := 0
	for i < len(entries) {
		n := newLeaf(ksize, vsize)
		for i < len(entries) {
			candKeys := append(append([][]byte{}, n.keys...), entries[i].Key)
			candVals := append(append([][]byte{}, n.values...), entries[i].Value)
			trial := &node{level: 0, ksize: ksize, vsize: vsize, keys: candKeys, values: candVals}
			if trial.byteSize() > blk.NodeSize() && len(n.keys) > 0 {
				break
			}
			n.keys, n.values = candKeys, candVals
			i++
		}
		addr, bid, err := blk.Alloc()
		if err != nil {
			return nil, err
		}
		if err := writeNodeToAddr(addr, bid, n, blk); err != nil {
			return nil, err
		}
		out = append(out, packedNode{bid: bid, firstKey: n.keys[0]})
	}
	return out, nil
}

// threadLeaves re-reads each leaf once every sibling's bid is known and
// fills in its next/prev leaf-chain pointers.
func threadLeaves(blk BlockOps, ksize, vsize int, leaves []packedNode) error {
	for i, l := range leaves {
		n, err := decodeNodeAt(blk, l.bid)
		if err != nil {
			return err
		}
		if i > 0 {
			n.prev = leaves[i-1].bid
		}
		if i < len(leaves)-1 {
			n.next = leaves[i+1].bid
		}
		if err := writeNodeInPlace(blk, l.bid, n); err != nil {
			return err
		}
	}
	return nil
}

// packLevel builds one inner level over the previous level's nodes,
// returning the new level's packed node descriptors.
func packLevel(blk BlockOps, ksize int, children []packedNode) ([]packedNode, error) {
	var out []packedNode
	i := 0
	for i < len(children) {
		start := i
		n := newInner(ksize, 0)
		n.keys = append(n.keys, children[i].firstKey)
		n.values = append(n.values, EncodeChildBid(children[i].bid))
		i++
		for i < len(children) {
			candKeys := append(append([][]byte{}, n.keys...), children[i].firstKey)
			candVals := append(append([][]byte{}, n.values...), EncodeChildBid(children[i].bid))
			trial := &node{level: 1, ksize: ksize, keys: candKeys, values: candVals}
			if trial.byteSize() > blk.NodeSize() {
				break
			}
			n.keys, n.values = candKeys, candVals
			i++
		}
		addr, bid, err := blk.Alloc()
		if err != nil {
			return nil, err
		}
		if err := writeNodeToAddr(addr, bid, n, blk); err != nil {
			return nil, err
		}
		out = append(out, packedNode{bid: bid, firstKey: children[start].firstKey})
	}
	return out, nil
}

func writeNodeToAddr(addr []byte, bid BidT, n *node, blk BlockOps) error {
	encoded := n.encode(addr[:0])
	copy(addr, encoded)
	for i := len(encoded); i < len(addr); i++ {
		addr[i] = 0
	}
	blk.SetDirty(bid)
	return nil
}

func decodeNodeAt(blk BlockOps, bid BidT) (*node, error) {
	buf, _, err := blk.Read(bid)
	if err != nil {
		return nil, err
	}
	return decodeNode(buf)
}

func writeNodeInPlace(blk BlockOps, bid BidT, n *node) error {
	buf, _, err := blk.Read(bid)
	if err != nil {
		return err
	}
	return writeNodeToAddr(buf, bid, n, blk)
}
