package calico

// childAt returns the idx'th child pointer of an internal node: cell
// idx's LeftChild for idx < cellCount, else the rightmost pointer.
func childAt(n *node, idx int) (pageID, *Status) {
	if idx >= n.cellCount() {
		return n.rightmost(), nil
	}
	c, st := n.readCell(idx)
	if st != nil {
		return 0, st
	}
	return c.LeftChild, nil
}

// rebalance is invoked after a deletion leaves a non-root node under-
// occupied (§3.4, §4.6.4). It tries to merge with a sibling, falling
// back to a single-cell rotation, and propagates upward when a merge
// empties a slot in the parent. entry is path's last element, naming
// n's parent and the child index taken to reach n.
func (t *Tree) rebalance(path []pathEntry, n *node, f *frame) *Status {
	entry := path[len(path)-1]
	rest := path[:len(path)-1]

	pf, st := t.pager.acquire(entry.id)
	if st != nil {
		t.pager.release(f, releaseKeep)
		return st
	}
	pn, st := loadNode(entry.id, pf.data)
	if st != nil {
		t.pager.release(f, releaseKeep)
		t.pager.release(pf, releaseKeep)
		return st
	}
	cIdx := entry.idx

	if cIdx < pn.cellCount() {
		rightID, st := childAt(pn, cIdx+1)
		if st != nil {
			t.releaseAll(f, pf)
			return st
		}
		rf, st := t.pager.acquire(rightID)
		if st != nil {
			t.releaseAll(f, pf)
			return st
		}
		rn, st := loadNode(rightID, rf.data)
		if st != nil {
			t.pager.release(rf, releaseKeep)
			t.releaseAll(f, pf)
			return st
		}
		merged, st := t.attemptMerge(pn, pf, cIdx, n, f, rn, rf)
		if st != nil {
			return st
		}
		if merged {
			return t.afterMerge(rest, entry.id, pn, pf)
		}
		if t.rotate(pn, pf, cIdx, n, f, rn, rf, true) {
			t.releaseAll(f, pf)
			t.pager.release(rf, releaseKeep)
			return nil
		}
		t.pager.release(rf, releaseKeep)
	}

	if cIdx > 0 {
		leftID, st := childAt(pn, cIdx-1)
		if st != nil {
			t.releaseAll(f, pf)
			return st
		}
		lf, st := t.pager.acquire(leftID)
		if st != nil {
			t.releaseAll(f, pf)
			return st
		}
		ln, st := loadNode(leftID, lf.data)
		if st != nil {
			t.pager.release(lf, releaseKeep)
			t.releaseAll(f, pf)
			return st
		}
		merged, st := t.attemptMerge(pn, pf, cIdx-1, ln, lf, n, f)
		if st != nil {
			return st
		}
		if merged {
			return t.afterMerge(rest, entry.id, pn, pf)
		}
		if t.rotate(pn, pf, cIdx-1, ln, lf, n, f, false) {
			t.releaseAll(f, pf)
			t.pager.release(lf, releaseKeep)
			return nil
		}
		t.pager.release(lf, releaseKeep)
	}

	t.releaseAll(f, pf)
	return nil
}

func (t *Tree) releaseAll(frames ...*frame) {
	for _, f := range frames {
		t.pager.release(f, releaseKeep)
	}
}

// attemptMerge folds right's cells into left (left keeps its page id),
// pulling the parent's separator down for internal nodes. It reports
// false without error if the merged content wouldn't fit one page, in
// which case the caller should try a rotation instead.
func (t *Tree) attemptMerge(pn *node, pf *frame, cIdx int, left *node, lf *frame, right *node, rf *frame) (bool, *Status) {
	leftRecs, st := gatherRecords(left)
	if st != nil {
		return false, st
	}
	rightRecs, st := gatherRecords(right)
	if st != nil {
		return false, st
	}

	var all []splitCellRec
	var newRightmost pageID
	if left.isLeaf() {
		all = append(append([]splitCellRec{}, leftRecs...), rightRecs...)
	} else {
		sepCell, st := pn.readCell(cIdx)
		if st != nil {
			return false, st
		}
		pulldown := recordOf(sepCell)
		pulldown.leftChild = left.rightmost()
		all = append(append([]splitCellRec{}, leftRecs...), pulldown)
		all = append(all, rightRecs...)
		newRightmost = right.rightmost()
	}

	total := 0
	for _, r := range all {
		total += left.cellSize(r.keySize, r.valueSize) + indirectEntrySize
	}
	if total > left.usableSpace() {
		return false, nil
	}

	oldPrev, oldNext := pageID(0), pageID(0)
	if left.isLeaf() {
		oldPrev = left.prevSibling()
		oldNext = right.nextSibling()
	}
	merged := newNode(left.id, left.kind, lf.data)
	if left.isLeaf() {
		merged.setPrevSibling(oldPrev)
		merged.setNextSibling(oldNext)
	} else {
		merged.setRightmost(newRightmost)
	}
	writeRecords(merged, lf, all)
	t.pager.markDirty(lf)

	if left.isLeaf() && oldNext != 0 {
		nf, st := t.pager.acquire(oldNext)
		if st != nil {
			return false, st
		}
		nn, st := loadNode(oldNext, nf.data)
		if st != nil {
			t.pager.release(nf, releaseKeep)
			return false, st
		}
		nn.setPrevSibling(merged.id)
		t.pager.markDirty(nf)
		t.pager.release(nf, releaseKeep)
	}

	if !left.isLeaf() {
		if st := t.reparentChildren(rightRecs, newRightmost, merged.id); st != nil {
			return false, st
		}
	}

	if st := freelistPush(t.pager, right.id); st != nil {
		return false, st
	}

	if st := pn.removeCellAt(cIdx); st != nil {
		return false, st
	}
	if cIdx < pn.cellCount() {
		off := pn.cellOffset(cIdx)
		putBE32(pn.buf[off:], uint32(merged.id))
	} else {
		pn.setRightmost(merged.id)
	}
	t.pager.markDirty(pf)
	t.pager.release(lf, releaseKeep)
	t.pager.release(rf, releaseKeep)
	return true, nil
}

// rotate borrows a single cell across the separator at parent cell
// cIdx, from the deficient node's sibling, rewriting the separator to
// match. deficientIsLeft indicates which of the pair is the deficient
// node n (true: n is left, borrowing from right).
func (t *Tree) rotate(pn *node, pf *frame, cIdx int, left *node, lf *frame, right *node, rf *frame, deficientIsLeft bool) bool {
	var donor, receiver *node
	var donorFrame, receiverFrame *frame
	donorIsRight := deficientIsLeft
	if donorIsRight {
		donor, donorFrame = right, rf
		receiver, receiverFrame = left, lf
	} else {
		donor, donorFrame = left, lf
		receiver, receiverFrame = right, rf
	}
	if donor.cellCount() <= 1 {
		return false
	}

	donorRecs, st := gatherRecords(donor)
	if st != nil {
		return false
	}
	var moved splitCellRec
	if donorIsRight {
		moved = donorRecs[0]
	} else {
		moved = donorRecs[len(donorRecs)-1]
	}

	if donor.isLeaf() {
		insertIdx := receiver.cellCount()
		if !donorIsRight {
			insertIdx = 0
		}
		pc := preparedCell{keySize: moved.keySize, valueSize: moved.valueSize, localKV: moved.localKV, overflowID: moved.overflowID}
		if !t.tryInsertCell(receiver, receiverFrame, insertIdx, 0, pc) {
			return false
		}
		if donorIsRight {
			if st := donor.removeCellAt(0); st != nil {
				return false
			}
		} else {
			if st := donor.removeCellAt(donor.cellCount() - 1); st != nil {
				return false
			}
		}
		t.pager.markDirty(donorFrame)

		var newSep []byte
		if donorIsRight {
			firstRight, st := donor.readCell(0)
			if st != nil {
				return false
			}
			lastLeft, st := receiver.readCell(receiver.cellCount() - 1)
			if st != nil {
				return false
			}
			lk, st := t.fullKey(nil, lastLeft)
			if st != nil {
				return false
			}
			fk, st := t.fullKey(nil, firstRight)
			if st != nil {
				return false
			}
			newSep = shortestSeparator(lk, fk)
		} else {
			firstRight, st := right.readCell(0)
			if st != nil {
				return false
			}
			lastLeft, st := left.readCell(left.cellCount() - 1)
			if st != nil {
				return false
			}
			lk, st := t.fullKey(nil, lastLeft)
			if st != nil {
				return false
			}
			fk, st := t.fullKey(nil, firstRight)
			if st != nil {
				return false
			}
			newSep = shortestSeparator(lk, fk)
		}
		return t.replaceSeparator(pn, pf, cIdx, newSep)
	}

	// Internal rotation: pull the parent separator down to the receiver
	// as a real cell, promote the donor's edge key up as the new
	// separator, and carry the donor's edge child across.
	sepCell, st := pn.readCell(cIdx)
	if st != nil {
		return false
	}
	if donorIsRight {
		pulldown := recordOf(sepCell)
		pulldown.leftChild = receiver.rightmost()
		pc := preparedCell{keySize: pulldown.keySize, valueSize: pulldown.valueSize, localKV: pulldown.localKV, overflowID: pulldown.overflowID}
		if !t.tryInsertCell(receiver, receiverFrame, receiver.cellCount(), pulldown.leftChild, pc) {
			return false
		}
		receiver.setRightmost(moved.leftChild)
		if st := donor.removeCellAt(0); st != nil {
			return false
		}
		t.pager.markDirty(donorFrame)
		newSep, st := t.recFullKey(moved)
		if st != nil {
			return false
		}
		if st := t.setChildPointer(moved.leftChild, ptrTreeNode, receiver.id); st != nil {
			return false
		}
		return t.replaceSeparator(pn, pf, cIdx, newSep)
	}

	pulldown := recordOf(sepCell)
	pulldown.leftChild = donor.rightmost()
	pc := preparedCell{keySize: pulldown.keySize, valueSize: pulldown.valueSize, localKV: pulldown.localKV, overflowID: pulldown.overflowID}
	if !t.tryInsertCell(receiver, receiverFrame, 0, pulldown.leftChild, pc) {
		return false
	}
	if st := donor.removeCellAt(donor.cellCount() - 1); st != nil {
		return false
	}
	donor.setRightmost(moved.leftChild) // donor's old rightmost moves with pulldown; moved.leftChild becomes donor's new edge
	t.pager.markDirty(donorFrame)
	newSep, st := t.recFullKey(moved)
	if st != nil {
		return false
	}
	if st := t.setChildPointer(pulldown.leftChild, ptrTreeNode, receiver.id); st != nil {
		return false
	}
	return t.replaceSeparator(pn, pf, cIdx, newSep)
}

// replaceSeparator swaps the key of parent cell cIdx for newSep,
// keeping the same LeftChild.
func (t *Tree) replaceSeparator(pn *node, pf *frame, cIdx int, newSep []byte) bool {
	c, st := pn.readCell(cIdx)
	if st != nil {
		return false
	}
	leftChild := c.LeftChild
	if c.OverflowID != 0 {
		_ = t.freeOverflowChain(c.OverflowID)
	}
	if st := pn.removeCellAt(cIdx); st != nil {
		return false
	}
	pc, st := t.prepareCell(nodeInternal, newSep, nil, pn.id)
	if st != nil {
		return false
	}
	if !t.tryInsertCell(pn, pf, cIdx, leftChild, pc) {
		return false
	}
	return true
}

// afterMerge checks whether removing a cell from the parent during a
// merge left it (a) an under-occupied non-root node, needing its own
// rebalance, or (b) a root collapsed to a single child, needing height
// reduction. pf/pn are released by every path through this function.
func (t *Tree) afterMerge(rest []pathEntry, parentID pageID, pn *node, pf *frame) *Status {
	if parentID == t.root {
		if pn.cellCount() == 0 {
			return t.collapseRoot(pn, pf)
		}
		t.pager.release(pf, releaseKeep)
		return nil
	}
	if underOccupied(pn) {
		return t.rebalance(rest, pn, pf)
	}
	t.pager.release(pf, releaseKeep)
	return nil
}

// collapseRoot handles a root internal node that merging has reduced
// to zero cells (one remaining child, its rightmost): the child's
// content is copied into the stable root page id and the child page is
// freed, shrinking the tree by one level (§4.6.4).
func (t *Tree) collapseRoot(root *node, rf *frame) *Status {
	onlyChild := root.rightmost()
	if onlyChild == 0 {
		t.pager.release(rf, releaseKeep)
		return nil
	}
	cf, st := t.pager.acquire(onlyChild)
	if st != nil {
		t.pager.release(rf, releaseKeep)
		return st
	}
	cn, st := loadNode(onlyChild, cf.data)
	if st != nil {
		t.pager.release(cf, releaseKeep)
		t.pager.release(rf, releaseKeep)
		return st
	}
	recs, st := gatherRecords(cn)
	if st != nil {
		t.pager.release(cf, releaseKeep)
		t.pager.release(rf, releaseKeep)
		return st
	}
	newRoot := newNode(root.id, cn.kind, rf.data)
	if cn.isLeaf() {
		newRoot.setPrevSibling(0)
		newRoot.setNextSibling(0)
	} else {
		newRoot.setRightmost(cn.rightmost())
	}
	writeRecords(newRoot, rf, recs)
	t.pager.markDirty(rf)
	t.pager.release(rf, releaseKeep)
	t.pager.release(cf, releaseKeep)
	if st := freelistPush(t.pager, onlyChild); st != nil {
		return st
	}
	if !cn.isLeaf() {
		if st := t.reparentChildren(recs, cn.rightmost(), root.id); st != nil {
			return st
		}
	}
	return nil
}
