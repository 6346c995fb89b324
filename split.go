package calico

// splitCellRec is a cell pulled out of a node mid-split: enough to
// re-encode it into whichever half it lands in without touching its
// overflow chain.
type splitCellRec struct {
	leftChild  pageID
	keySize    int
	valueSize  int
	localKV    []byte
	overflowID pageID
}

func recordOf(c *cell) splitCellRec {
	kv := make([]byte, 0, len(c.Key)+len(c.Value))
	kv = append(kv, c.Key...)
	kv = append(kv, c.Value...)
	return splitCellRec{leftChild: c.LeftChild, keySize: c.keySize, valueSize: c.valueSize, localKV: kv, overflowID: c.OverflowID}
}

func (t *Tree) recFullKey(r splitCellRec) ([]byte, *Status) {
	return t.fullKey(nil, &cell{Key: r.localKV[:min(len(r.localKV), r.keySize)], Value: valuePart(r), keySize: r.keySize, valueSize: r.valueSize, OverflowID: r.overflowID})
}

func valuePart(r splitCellRec) []byte {
	if r.keySize >= len(r.localKV) {
		return nil
	}
	return r.localKV[r.keySize:]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// shortestSeparator returns the shortest byte string s such that
// lastLeft < s <= firstRight, used as a parent separator key so internal
// nodes don't carry full keys (§3.3, §4.6.3).
func shortestSeparator(lastLeft, firstRight []byte) []byte {
	i := 0
	minLen := len(lastLeft)
	if len(firstRight) < minLen {
		minLen = len(firstRight)
	}
	for i < minLen && lastLeft[i] == firstRight[i] {
		i++
	}
	if i < len(firstRight) {
		out := make([]byte, i+1)
		copy(out, firstRight[:i+1])
		return out
	}
	out := make([]byte, len(firstRight))
	copy(out, firstRight)
	return out
}

// gatherRecords decodes every cell of n into records, in indirection
// order, for redistribution across a split.
func gatherRecords(n *node) ([]splitCellRec, *Status) {
	count := n.cellCount()
	recs := make([]splitCellRec, count)
	for i := 0; i < count; i++ {
		c, st := n.readCell(i)
		if st != nil {
			return nil, st
		}
		recs[i] = recordOf(c)
	}
	return recs, nil
}

// writeRecords repopulates a freshly reset node with recs in order,
// assuming they all fit (the caller has already sized the halves so
// that each record's encoded size sums within usable space).
func writeRecords(n *node, f *frame, recs []splitCellRec) {
	for i, r := range recs {
		encSize := n.cellSize(r.keySize, r.valueSize)
		off, ok := n.insertSlot(i, encSize)
		if !ok {
			// Should not happen: halves are sized to fit. Defragment and retry once.
			n.defragment()
			off, ok = n.insertSlot(i, encSize)
			if !ok {
				continue
			}
		}
		n.encodeCell(off, r.leftChild, r.keySize, r.valueSize, r.localKV, r.overflowID)
	}
	_ = f
}

// setChildPointer records id's parent in the pointer map, used so
// vacuum can relocate pages and fix up their parent's reference (§4.5).
func (t *Tree) setChildPointer(id pageID, typ ptrType, parent pageID) *Status {
	mapPage := pointerMapPageFor(id, t.pager.pageSize)
	f, st := t.pager.acquire(mapPage)
	if st != nil {
		return st
	}
	writePtrMapEntry(f.data, id, mapPage, t.pager.pageSize, ptrMapEntry{Type: typ, BackPtr: parent})
	t.pager.markDirty(f)
	t.pager.release(f, releaseKeep)
	return nil
}

// splitLeafInsert splits an over-full leaf to make room for pc at idx,
// then links the new sibling in and propagates a separator upward
// (§4.6.3). If leaf is the tree's root, the root page id is kept
// stable: its content is pushed into two freshly allocated pages and
// the root page itself becomes the new internal root.
func (t *Tree) splitLeafInsert(path []pathEntry, leaf *node, leafFrame *frame, idx int, pc preparedCell) *Status {
	recs, st := gatherRecords(leaf)
	if st != nil {
		t.pager.release(leafFrame, releaseKeep)
		return st
	}
	newRec := splitCellRec{keySize: pc.keySize, valueSize: pc.valueSize, localKV: pc.localKV, overflowID: pc.overflowID}
	all := make([]splitCellRec, 0, len(recs)+1)
	all = append(all, recs[:idx]...)
	all = append(all, newRec)
	all = append(all, recs[idx:]...)

	leftCount := (len(all) + 1) / 2
	leftRecs, rightRecs := all[:leftCount], all[leftCount:]

	isRoot := len(path) == 0

	if isRoot {
		leftFrame, st := t.pager.allocate()
		if st != nil {
			t.pager.release(leafFrame, releaseKeep)
			return st
		}
		rightFrame, st := t.pager.allocate()
		if st != nil {
			t.pager.release(leafFrame, releaseKeep)
			t.pager.release(leftFrame, releaseKeep)
			return st
		}
		leftNode := newNode(leftFrame.id, nodeLeaf, leftFrame.data)
		rightNode := newNode(rightFrame.id, nodeLeaf, rightFrame.data)
		writeRecords(leftNode, leftFrame, leftRecs)
		writeRecords(rightNode, rightFrame, rightRecs)
		leftNode.setNextSibling(rightNode.id)
		rightNode.setPrevSibling(leftNode.id)
		t.pager.markDirty(leftFrame)
		t.pager.markDirty(rightFrame)

		lastLeft, st := t.recFullKey(leftRecs[len(leftRecs)-1])
		if st != nil {
			return st
		}
		firstRight, st := t.recFullKey(rightRecs[0])
		if st != nil {
			return st
		}
		sep := shortestSeparator(lastLeft, firstRight)

		rootNode := newNode(leaf.id, nodeInternal, leafFrame.data)
		rootNode.setRightmost(rightNode.id)
		rootPC, st := t.prepareCell(nodeInternal, sep, nil, leaf.id)
		if st != nil {
			return st
		}
		if !t.tryInsertCell(rootNode, leafFrame, 0, leftNode.id, rootPC) {
			return Corruptionf("new root cannot hold a single separator cell")
		}
		t.pager.release(leafFrame, releaseKeep)
		t.pager.release(leftFrame, releaseKeep)
		t.pager.release(rightFrame, releaseKeep)

		if st := t.setChildPointer(leftNode.id, ptrTreeNode, leaf.id); st != nil {
			return st
		}
		if st := t.setChildPointer(rightNode.id, ptrTreeNode, leaf.id); st != nil {
			return st
		}
		return nil
	}

	oldPrev, oldNext := leaf.prevSibling(), leaf.nextSibling()
	rightFrame, st := t.pager.allocate()
	if st != nil {
		t.pager.release(leafFrame, releaseKeep)
		return st
	}
	leftNode := newNode(leaf.id, nodeLeaf, leafFrame.data)
	rightNode := newNode(rightFrame.id, nodeLeaf, rightFrame.data)
	writeRecords(leftNode, leafFrame, leftRecs)
	writeRecords(rightNode, rightFrame, rightRecs)
	leftNode.setPrevSibling(oldPrev)
	leftNode.setNextSibling(rightNode.id)
	rightNode.setPrevSibling(leftNode.id)
	rightNode.setNextSibling(oldNext)
	t.pager.markDirty(leafFrame)
	t.pager.markDirty(rightFrame)

	if oldNext != 0 {
		nf, st := t.pager.acquire(oldNext)
		if st != nil {
			return st
		}
		nn, st := loadNode(oldNext, nf.data)
		if st != nil {
			t.pager.release(nf, releaseKeep)
			return st
		}
		nn.setPrevSibling(rightNode.id)
		t.pager.markDirty(nf)
		t.pager.release(nf, releaseKeep)
	}

	lastLeft, st := t.recFullKey(leftRecs[len(leftRecs)-1])
	if st != nil {
		return st
	}
	firstRight, st := t.recFullKey(rightRecs[0])
	if st != nil {
		return st
	}
	sep := shortestSeparator(lastLeft, firstRight)
	parentID := path[len(path)-1].id
	t.pager.release(leafFrame, releaseKeep)
	t.pager.release(rightFrame, releaseKeep)

	if st := t.setChildPointer(rightNode.id, ptrTreeNode, parentID); st != nil {
		return st
	}
	return t.insertIntoParent(path, leftNode.id, rightNode.id, sep)
}

// insertIntoParent inserts (sepKey, leftID, rightID) into the parent
// named by the last entry of path, splitting the parent (recursively,
// up to and including a root split) if it doesn't fit.
func (t *Tree) insertIntoParent(path []pathEntry, leftID, rightID pageID, sepKey []byte) *Status {
	entry := path[len(path)-1]
	rest := path[:len(path)-1]

	pf, st := t.pager.acquire(entry.id)
	if st != nil {
		return st
	}
	pn, st := loadNode(entry.id, pf.data)
	if st != nil {
		t.pager.release(pf, releaseKeep)
		return st
	}

	if entry.idx >= pn.cellCount() {
		pn.setRightmost(rightID)
	} else {
		c, st := pn.readCell(entry.idx)
		if st != nil {
			t.pager.release(pf, releaseKeep)
			return st
		}
		_ = c
		off := pn.cellOffset(entry.idx)
		putBE32(pn.buf[off:], uint32(rightID))
	}
	t.pager.markDirty(pf)

	pc, st := t.prepareCell(nodeInternal, sepKey, nil, entry.id)
	if st != nil {
		t.pager.release(pf, releaseKeep)
		return st
	}
	if t.tryInsertCell(pn, pf, entry.idx, leftID, pc) {
		t.pager.release(pf, releaseKeep)
		return t.setChildPointer(leftID, ptrTreeNode, entry.id)
	}
	return t.splitInternalInsert(rest, pn, pf, entry.idx, leftID, pc)
}

// splitInternalInsert splits an over-full internal node to make room
// for a (leftChild, pc) cell at idx, mirroring splitLeafInsert but
// without sibling links (internal nodes aren't threaded) and with the
// median cell promoted rather than copied (§4.6.3).
func (t *Tree) splitInternalInsert(path []pathEntry, n *node, f *frame, idx int, leftChild pageID, pc preparedCell) *Status {
	recs, st := gatherRecords(n)
	if st != nil {
		t.pager.release(f, releaseKeep)
		return st
	}
	newRec := splitCellRec{leftChild: leftChild, keySize: pc.keySize, valueSize: pc.valueSize, localKV: pc.localKV, overflowID: pc.overflowID}
	all := make([]splitCellRec, 0, len(recs)+1)
	all = append(all, recs[:idx]...)
	all = append(all, newRec)
	all = append(all, recs[idx:]...)

	mid := len(all) / 2
	medianRec := all[mid]
	leftRecs := all[:mid]
	rightRecs := all[mid+1:]
	oldRightmost := n.rightmost()

	isRoot := len(path) == 0

	var leftID, rightID pageID
	if isRoot {
		leftFrame, st := t.pager.allocate()
		if st != nil {
			t.pager.release(f, releaseKeep)
			return st
		}
		rightFrame, st := t.pager.allocate()
		if st != nil {
			t.pager.release(f, releaseKeep)
			t.pager.release(leftFrame, releaseKeep)
			return st
		}
		leftNode := newNode(leftFrame.id, nodeInternal, leftFrame.data)
		rightNode := newNode(rightFrame.id, nodeInternal, rightFrame.data)
		leftNode.setRightmost(medianRec.leftChild)
		rightNode.setRightmost(oldRightmost)
		writeRecords(leftNode, leftFrame, leftRecs)
		writeRecords(rightNode, rightFrame, rightRecs)
		t.pager.markDirty(leftFrame)
		t.pager.markDirty(rightFrame)
		leftID, rightID = leftNode.id, rightNode.id

		medianKey, st := t.recFullKey(medianRec)
		if st != nil {
			return st
		}
		rootNode := newNode(n.id, nodeInternal, f.data)
		rootNode.setRightmost(rightID)
		rootPC, st := t.prepareCell(nodeInternal, medianKey, nil, n.id)
		if st != nil {
			return st
		}
		if !t.tryInsertCell(rootNode, f, 0, leftID, rootPC) {
			return Corruptionf("new internal root cannot hold a single separator cell")
		}
		t.pager.release(f, releaseKeep)
		t.pager.release(leftFrame, releaseKeep)
		t.pager.release(rightFrame, releaseKeep)
		if st := t.reparentChildren(leftRecs, medianRec.leftChild, leftID); st != nil {
			return st
		}
		if st := t.reparentChildren(rightRecs, oldRightmost, rightID); st != nil {
			return st
		}
		return nil
	}

	rightFrame, st := t.pager.allocate()
	if st != nil {
		t.pager.release(f, releaseKeep)
		return st
	}
	leftNode := newNode(n.id, nodeInternal, f.data)
	rightNode := newNode(rightFrame.id, nodeInternal, rightFrame.data)
	leftNode.setRightmost(medianRec.leftChild)
	rightNode.setRightmost(oldRightmost)
	writeRecords(leftNode, f, leftRecs)
	writeRecords(rightNode, rightFrame, rightRecs)
	t.pager.markDirty(f)
	t.pager.markDirty(rightFrame)
	leftID, rightID = leftNode.id, rightNode.id

	medianKey, st := t.recFullKey(medianRec)
	if st != nil {
		return st
	}
	parentID := path[len(path)-1].id
	t.pager.release(f, releaseKeep)
	t.pager.release(rightFrame, releaseKeep)

	if st := t.reparentChildren(rightRecs, oldRightmost, rightID); st != nil {
		return st
	}
	if st := t.setChildPointer(rightID, ptrTreeNode, parentID); st != nil {
		return st
	}
	return t.insertIntoParent(path, leftID, rightID, medianKey)
}

// reparentChildren fixes up the pointer-map backptr of every child
// referenced by recs plus the trailing rightmost child, after they've
// been moved to live under newParent.
func (t *Tree) reparentChildren(recs []splitCellRec, rightmost, newParent pageID) *Status {
	for _, r := range recs {
		if r.leftChild != 0 {
			if st := t.setChildPointer(r.leftChild, ptrTreeNode, newParent); st != nil {
				return st
			}
		}
	}
	if rightmost != 0 {
		if st := t.setChildPointer(rightmost, ptrTreeNode, newParent); st != nil {
			return st
		}
	}
	return nil
}
