package calico

import (
	"sort"

	"go.uber.org/zap"
)

// Vacuum compacts the database file by relocating every in-use page
// above the eventual end-of-file down into a freed slot, then
// truncating the freelist tail away (§4.6.7). It uses the pointer map
// to find, for each moved page, whoever references it — a parent tree
// node, an overflow chain predecessor, or a bucket's schema entry — and
// rewrites that reference, following original_source/src/schema.h's
// vacuum_reroot/move_page split between Schema and Tree duties.
func Vacuum(p *Pager, s *Schema) *Status {
	var free []pageID
	for {
		id, ok, st := freelistPop(p)
		if st != nil {
			return st
		}
		if !ok {
			break
		}
		free = append(free, id)
	}
	sort.Slice(free, func(i, j int) bool { return free[i] < free[j] })
	freeSet := make(map[pageID]bool, len(free))
	for _, id := range free {
		freeSet[id] = true
	}

	total := pageID(p.hdr.pageCount)
	target := total - pageID(len(free))
	if target < 1 {
		target = 1
	}

	freeIdx := 0
	nextFree := func() (pageID, bool) {
		for freeIdx < len(free) {
			id := free[freeIdx]
			freeIdx++
			if id <= target {
				return id, true
			}
		}
		return 0, false
	}

	for pid := total; pid > target; pid-- {
		if freeSet[pid] || isPointerMapPage(pid, p.pageSize) || pid == schemaRoot {
			continue
		}
		dst, ok := nextFree()
		if !ok {
			if target < pid {
				target = pid
			}
			continue
		}
		if st := moveLivePage(p, s, pid, dst); st != nil {
			return st
		}
	}

	p.setPageCount(uint32(target))
	p.hdr.freelistHead = 0
	p.hdr.freelistLength = 0
	for freeIdx < len(free) {
		id := free[freeIdx]
		freeIdx++
		if id <= target {
			if st := freelistPush(p, id); st != nil {
				return st
			}
		}
	}
	p.log.Info("vacuum complete",
		zap.Uint32("pageCountBefore", uint32(total)),
		zap.Uint32("pageCountAfter", p.hdr.pageCount))
	return nil
}

// moveLivePage relocates old's content to new, rewrites the single
// incoming reference recorded in the pointer map, and fixes up the
// backptr of everything old itself pointed to.
func moveLivePage(p *Pager, s *Schema, old, new pageID) *Status {
	mapPage := pointerMapPageFor(old, p.pageSize)
	mf, st := p.acquire(mapPage)
	if st != nil {
		return st
	}
	entry := readPtrMapEntry(mf.data, old, mapPage, p.pageSize)
	p.release(mf, releaseKeep)

	of, st := p.acquire(old)
	if st != nil {
		return st
	}
	p.markDirty(of)
	if st := p.movePage(of, new); st != nil {
		p.release(of, releaseKeep)
		return st
	}

	switch entry.Type {
	case ptrTreeRoot:
		if st := s.updateRootReference(old, new); st != nil {
			p.release(of, releaseKeep)
			return st
		}
	case ptrTreeNode:
		if st := rewriteParentChild(p, entry.BackPtr, old, new); st != nil {
			p.release(of, releaseKeep)
			return st
		}
	case ptrOverflowHead:
		if st := rewriteCellOverflowRef(p, entry.BackPtr, old, new); st != nil {
			p.release(of, releaseKeep)
			return st
		}
	case ptrOverflowLink:
		if st := rewriteChainLink(p, entry.BackPtr, new); st != nil {
			p.release(of, releaseKeep)
			return st
		}
	}

	newMapPage := pointerMapPageFor(new, p.pageSize)
	nmf, st := p.acquire(newMapPage)
	if st != nil {
		p.release(of, releaseKeep)
		return st
	}
	writePtrMapEntry(nmf.data, new, newMapPage, p.pageSize, entry)
	p.markDirty(nmf)
	p.release(nmf, releaseKeep)

	if st := reparentAfterMove(p, of, new, entry.Type); st != nil {
		p.release(of, releaseKeep)
		return st
	}
	p.release(of, releaseKeep)
	return nil
}

// rewriteParentChild fixes the single child pointer in parent (a cell's
// LeftChild, or the rightmost pointer) that named old, to name new.
func rewriteParentChild(p *Pager, parent, old, new pageID) *Status {
	pf, st := p.acquire(parent)
	if st != nil {
		return st
	}
	defer p.release(pf, releaseKeep)
	n, st := loadNode(parent, pf.data)
	if st != nil {
		return st
	}
	for i := 0; i < n.cellCount(); i++ {
		c, st := n.readCell(i)
		if st != nil {
			return st
		}
		if c.LeftChild == old {
			off := n.cellOffset(i)
			putBE32(n.buf[off:], uint32(new))
			p.markDirty(pf)
			return nil
		}
	}
	if n.rightmost() == old {
		n.setRightmost(new)
		p.markDirty(pf)
		return nil
	}
	return Corruptionf("parent page %d has no child pointer to %d", parent, old)
}

// rewriteCellOverflowRef fixes the overflow-id trailer of whichever
// cell in owner pointed at oldHead.
func rewriteCellOverflowRef(p *Pager, owner, oldHead, newHead pageID) *Status {
	of, st := p.acquire(owner)
	if st != nil {
		return st
	}
	defer p.release(of, releaseKeep)
	n, st := loadNode(owner, of.data)
	if st != nil {
		return st
	}
	for i := 0; i < n.cellCount(); i++ {
		off := n.cellOffset(i)
		c, st := n.decodeCellAt(off)
		if st != nil {
			return st
		}
		if c.OverflowID == oldHead {
			putBE32(n.buf[off+c.localSize-cellOverflowIDSize:], uint32(newHead))
			p.markDirty(of)
			return nil
		}
	}
	return Corruptionf("page %d has no cell referencing overflow page %d", owner, oldHead)
}

// rewriteChainLink fixes prevPage's next-page pointer to newID.
func rewriteChainLink(p *Pager, prevPage, newID pageID) *Status {
	pf, st := p.acquire(prevPage)
	if st != nil {
		return st
	}
	putBE32(pf.data, uint32(newID))
	p.markDirty(pf)
	p.release(pf, releaseKeep)
	return nil
}

// reparentAfterMove updates the pointer-map backptr of every page that
// newFrame (content just relocated to id new) itself references, since
// those entries still say "new"'s old id.
func reparentAfterMove(p *Pager, newFrame *frame, new pageID, typ ptrType) *Status {
	switch typ {
	case ptrTreeRoot, ptrTreeNode:
		n, st := loadNode(new, newFrame.data)
		if st != nil {
			return st
		}
		for i := 0; i < n.cellCount(); i++ {
			c, st := n.readCell(i)
			if st != nil {
				return st
			}
			if !n.isLeaf() && c.LeftChild != 0 {
				if st := updateBackptr(p, c.LeftChild, new); st != nil {
					return st
				}
			}
			if c.OverflowID != 0 {
				if st := updateBackptr(p, c.OverflowID, new); st != nil {
					return st
				}
			}
		}
		if !n.isLeaf() {
			if rm := n.rightmost(); rm != 0 {
				if st := updateBackptr(p, rm, new); st != nil {
					return st
				}
			}
		}
	case ptrOverflowHead, ptrOverflowLink:
		next := pageID(be32(newFrame.data))
		if next != 0 {
			return updateBackptr(p, next, new)
		}
	}
	return nil
}

func updateBackptr(p *Pager, child, newParent pageID) *Status {
	mapPage := pointerMapPageFor(child, p.pageSize)
	mf, st := p.acquire(mapPage)
	if st != nil {
		return st
	}
	e := readPtrMapEntry(mf.data, child, mapPage, p.pageSize)
	e.BackPtr = newParent
	writePtrMapEntry(mf.data, child, mapPage, p.pageSize, e)
	p.markDirty(mf)
	p.release(mf, releaseKeep)
	return nil
}

// updateRootReference finds the bucket whose root was old and rewrites
// its schema entry (and any live Tree handle) to new.
func (s *Schema) updateRootReference(old, new pageID) *Status {
	var target string
	found := false
	if st := s.forEachBucket(func(name string, root pageID) *Status {
		if root == old {
			target, found = name, true
		}
		return nil
	}); st != nil {
		return st
	}
	if !found {
		return nil
	}
	return s.reroot(target, new)
}
