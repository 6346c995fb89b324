package calico

import "bytes"

// overflowPayloadSize is the number of payload bytes an overflow page
// carries after its 4-byte next_id (§3.3, §4.6.5).
func overflowPayloadSize(pageSize int) int { return pageSize - 4 }

// Tree is the on-disk B+-tree: node layout, split/merge, overflow
// chains, and cursor machinery (§4.6), operating through a Pager.
type Tree struct {
	pager *Pager
	root  pageID

	cursors []*Cursor
}

func openTree(p *Pager, root pageID) *Tree {
	return &Tree{pager: p, root: root}
}

func (t *Tree) acquireNode(id pageID) (*node, *frame, *Status) {
	f, st := t.pager.acquire(id)
	if st != nil {
		return nil, nil, st
	}
	n, st := loadNode(id, f.data)
	if st != nil {
		t.pager.release(f, releaseKeep)
		return nil, nil, st
	}
	return n, f, nil
}

// fullKey materializes a cell's complete key, following its overflow
// chain if the local portion was truncated.
func (t *Tree) fullKey(n *node, c *cell) ([]byte, *Status) {
	if len(c.Key) >= c.keySize {
		return c.Key[:c.keySize], nil
	}
	rest, st := t.readOverflow(c.OverflowID, c.keySize+c.valueSize-len(c.Key)-len(c.Value))
	if st != nil {
		return nil, st
	}
	need := c.keySize - len(c.Key)
	full := make([]byte, 0, c.keySize)
	full = append(full, c.Key...)
	full = append(full, rest[:need]...)
	return full, nil
}

func (t *Tree) fullValue(n *node, c *cell) ([]byte, *Status) {
	total := c.keySize + c.valueSize
	if len(c.Key)+len(c.Value) >= total {
		return c.Value, nil
	}
	localTotal := len(c.Key) + len(c.Value)
	restLen := total - localTotal
	rest, st := t.readOverflow(c.OverflowID, restLen)
	if st != nil {
		return nil, st
	}
	keyRemainder := 0
	if len(c.Key) < c.keySize {
		keyRemainder = c.keySize - len(c.Key)
	}
	valueFromOverflow := rest[keyRemainder:]
	full := make([]byte, 0, c.valueSize)
	full = append(full, c.Value...)
	full = append(full, valueFromOverflow...)
	return full, nil
}

// readOverflow reads n bytes starting at the head of the overflow chain
// beginning at head.
func (t *Tree) readOverflow(head pageID, n int) ([]byte, *Status) {
	out := make([]byte, 0, n)
	cur := head
	for cur != 0 && len(out) < n {
		f, st := t.pager.acquire(cur)
		if st != nil {
			return nil, st
		}
		next := pageID(be32(f.data))
		payload := f.data[4:]
		remaining := n - len(out)
		if remaining > len(payload) {
			remaining = len(payload)
		}
		out = append(out, payload[:remaining]...)
		t.pager.release(f, releaseKeep)
		cur = next
	}
	return out, nil
}

// writeOverflow allocates and writes a chain of overflow pages carrying
// payload, returning the id of the first page. owner is the page whose
// pointer-map entry should record this chain's head.
func (t *Tree) writeOverflow(payload []byte, owner pageID) (pageID, *Status) {
	if len(payload) == 0 {
		return 0, nil
	}
	chunk := overflowPayloadSize(t.pager.pageSize)
	var headID pageID
	var prevFrame *frame
	pos := 0
	for pos < len(payload) {
		f, st := t.pager.allocate()
		if st != nil {
			return 0, st
		}
		if headID == 0 {
			headID = f.id
		}
		n := len(payload) - pos
		if n > chunk {
			n = chunk
		}
		putBE32(f.data, 0)
		copy(f.data[4:], payload[pos:pos+n])
		pos += n
		typ, back := ptrOverflowHead, owner
		if prevFrame != nil {
			typ, back = ptrOverflowLink, prevFrame.id
		}
		if st := t.setChildPointer(f.id, typ, back); st != nil {
			return 0, st
		}
		if prevFrame != nil {
			putBE32(prevFrame.data, uint32(f.id))
			t.pager.release(prevFrame, releaseKeep)
		}
		prevFrame = f
	}
	if prevFrame != nil {
		t.pager.release(prevFrame, releaseKeep)
	}
	return headID, nil
}

// freeOverflowChain returns every page in the chain starting at head to
// the freelist (§4.6.4, §4.6.5).
func (t *Tree) freeOverflowChain(head pageID) *Status {
	cur := head
	for cur != 0 {
		f, st := t.pager.acquire(cur)
		if st != nil {
			return st
		}
		next := pageID(be32(f.data))
		t.pager.release(f, releaseKeep)
		if st := freelistPush(t.pager, cur); st != nil {
			return st
		}
		cur = next
	}
	return nil
}

func be32(buf []byte) uint32 {
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}
func putBE32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

// descend walks from the root to the leaf that should contain key,
// returning the path of internal nodes visited (for split/merge to
// revisit without re-searching) plus the leaf itself.
type pathEntry struct {
	id  pageID
	idx int // child index taken at this node
}

func (t *Tree) descend(key []byte) (path []pathEntry, leaf *node, leafFrame *frame, idx int, exact bool, st *Status) {
	id := t.root
	for {
		n, f, e := t.acquireNode(id)
		if e != nil {
			return nil, nil, nil, 0, false, e
		}
		if n.isLeaf() {
			i, ex, e := n.searchKey(key, func(j int) ([]byte, *Status) {
				c, s := n.readCell(j)
				if s != nil {
					return nil, s
				}
				return t.fullKey(n, c)
			})
			if e != nil {
				t.pager.release(f, releaseKeep)
				return nil, nil, nil, 0, false, e
			}
			return path, n, f, i, ex, nil
		}
		i, ex, e := n.searchKey(key, func(j int) ([]byte, *Status) {
			c, s := n.readCell(j)
			if s != nil {
				return nil, s
			}
			return t.fullKey(n, c)
		})
		if e != nil {
			t.pager.release(f, releaseKeep)
			return nil, nil, nil, 0, false, e
		}
		if ex {
			// A key equal to separator i lives in the subtree to its right.
			i++
		}
		var child pageID
		if i >= n.cellCount() {
			child = n.rightmost()
		} else {
			c, e := n.readCell(i)
			if e != nil {
				t.pager.release(f, releaseKeep)
				return nil, nil, nil, 0, false, e
			}
			child = c.LeftChild
		}
		path = append(path, pathEntry{id: id, idx: i})
		t.pager.release(f, releaseKeep)
		id = child
	}
}

// Get returns the value stored for key, or NotFound.
func (t *Tree) Get(key []byte) ([]byte, *Status) {
	t.saveCursors()
	_, leaf, f, idx, exact, st := t.descend(key)
	if st != nil {
		return nil, st
	}
	defer t.pager.release(f, releaseKeep)
	if !exact {
		return nil, NotFoundf("key not found")
	}
	c, st := leaf.readCell(idx)
	if st != nil {
		return nil, st
	}
	return t.fullValue(leaf, c)
}

// preparedCell is the encoded form of a cell about to be written: its
// logical sizes (which may exceed what's stored locally), the inline
// payload, and the overflow chain head if the payload didn't fit.
type preparedCell struct {
	keySize, valueSize int
	localKV            []byte
	overflowID         pageID
}

// prepareCell splits (key, value) into an inline portion and, if
// necessary, an overflow chain, sized against kind's local-payload
// budget (§3.3, §4.6.5). value is nil for internal separator cells.
func (t *Tree) prepareCell(kind nodeKind, key, value []byte, owner pageID) (preparedCell, *Status) {
	local := maxLocal(t.pager.pageSize, kind)
	total := len(key) + len(value)
	payload := make([]byte, 0, total)
	payload = append(payload, key...)
	payload = append(payload, value...)
	pc := preparedCell{keySize: len(key), valueSize: len(value)}
	if total <= local {
		pc.localKV = payload
		return pc, nil
	}
	overflowID, st := t.writeOverflow(payload[local:], owner)
	if st != nil {
		return preparedCell{}, st
	}
	pc.localKV = payload[:local]
	pc.overflowID = overflowID
	return pc, nil
}

// tryInsertCell attempts to write pc into n at idx, defragmenting once
// if the indirection-vector-relative free space doesn't suffice. It
// reports whether the cell was written.
func (t *Tree) tryInsertCell(n *node, f *frame, idx int, leftChild pageID, pc preparedCell) bool {
	encSize := n.cellSize(pc.keySize, pc.valueSize)
	if off, ok := n.insertSlot(idx, encSize); ok {
		n.encodeCell(off, leftChild, pc.keySize, pc.valueSize, pc.localKV, pc.overflowID)
		t.pager.markDirty(f)
		return true
	}
	if st := n.defragment(); st != nil {
		return false
	}
	if off, ok := n.insertSlot(idx, encSize); ok {
		n.encodeCell(off, leftChild, pc.keySize, pc.valueSize, pc.localKV, pc.overflowID)
		t.pager.markDirty(f)
		return true
	}
	return false
}

// Put inserts or overwrites key with value.
func (t *Tree) Put(key, value []byte) *Status {
	if len(key) == 0 {
		return InvalidArgumentf("empty key")
	}
	t.saveCursors()
	path, leaf, f, idx, exact, st := t.descend(key)
	if st != nil {
		return st
	}

	if exact {
		if old, st := leaf.readCell(idx); st == nil && old.OverflowID != 0 {
			_ = t.freeOverflowChain(old.OverflowID)
		}
		if st := leaf.removeCellAt(idx); st != nil {
			t.pager.release(f, releaseKeep)
			return st
		}
	}

	pc, st := t.prepareCell(nodeLeaf, key, value, leaf.id)
	if st != nil {
		t.pager.release(f, releaseKeep)
		return st
	}
	if t.tryInsertCell(leaf, f, idx, 0, pc) {
		t.pager.release(f, releaseKeep)
		return nil
	}
	return t.splitLeafInsert(path, leaf, f, idx, pc)
}

// Delete removes key, freeing any overflow chain, and rebalances.
func (t *Tree) Delete(key []byte) *Status {
	t.saveCursors()
	path, leaf, f, idx, exact, st := t.descend(key)
	if st != nil {
		return st
	}
	if !exact {
		t.pager.release(f, releaseKeep)
		return nil
	}
	c, st := leaf.readCell(idx)
	if st != nil {
		t.pager.release(f, releaseKeep)
		return st
	}
	if c.OverflowID != 0 {
		if st := t.freeOverflowChain(c.OverflowID); st != nil {
			t.pager.release(f, releaseKeep)
			return st
		}
	}
	if st := leaf.removeCellAt(idx); st != nil {
		t.pager.release(f, releaseKeep)
		return st
	}
	t.pager.markDirty(f)

	if leaf.id != t.root && underOccupied(leaf) {
		return t.rebalance(path, leaf, f)
	}
	t.pager.release(f, releaseKeep)
	return nil
}

// underOccupied reports whether a node has fallen below the ~1/4
// usable-space occupancy threshold that triggers rebalancing (§3.4).
func underOccupied(n *node) bool {
	used := n.cellCount() * indirectEntrySize
	for i := 0; i < n.cellCount(); i++ {
		c, st := n.readCell(i)
		if st != nil {
			return false
		}
		used += c.localSize
	}
	return used < n.usableSpace()/4
}

func (t *Tree) saveCursors() {
	for _, cur := range t.cursors {
		cur.save()
	}
}

func compareKeys(a, b []byte) int { return bytes.Compare(a, b) }
