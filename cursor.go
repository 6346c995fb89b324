package calico

// Cursor iterates a Tree's leaf chain in key order. A cursor's position
// survives intervening Put/Delete calls on the same Tree via the
// save/restore protocol (§4.6.6): any tree mutation calls save(), which
// remembers the cursor's current key and defers reseeking until the
// cursor is next used, since the node holding its old (leafID, idx)
// may have split, merged, or been rewritten by then.
type Cursor struct {
	tree *Tree

	valid        bool
	leafID       pageID
	idx          int
	savedKey     []byte
	needsRestore bool
}

// NewCursor opens a cursor over t, registering it so tree mutations
// keep its saved position consistent.
func (t *Tree) NewCursor() *Cursor {
	c := &Cursor{tree: t}
	t.cursors = append(t.cursors, c)
	return c
}

// Close unregisters the cursor. It is safe to call more than once.
func (c *Cursor) Close() {
	cs := c.tree.cursors
	for i, cur := range cs {
		if cur == c {
			c.tree.cursors = append(cs[:i], cs[i+1:]...)
			return
		}
	}
}

func (c *Cursor) save() {
	if !c.valid || c.needsRestore {
		return
	}
	key, st := c.currentKey()
	if st != nil {
		c.valid = false
		return
	}
	c.savedKey = key
	c.needsRestore = true
}

// restore reseeks to the first key >= the saved key, the standard
// CalicoDB/SQLite cursor-restore semantics when the exact cell is gone
// (e.g. it was the key just deleted).
func (c *Cursor) restore() *Status {
	if !c.needsRestore {
		return nil
	}
	c.needsRestore = false
	return c.Seek(c.savedKey)
}

// landAt positions the cursor at (id, idx), walking forward through
// next-sibling links if idx runs past id's cell count (including the
// degenerate case of a transiently empty leaf).
func (c *Cursor) landAt(id pageID, idx int) *Status {
	for id != 0 {
		f, st := c.tree.pager.acquire(id)
		if st != nil {
			c.valid = false
			return st
		}
		n, st := loadNode(id, f.data)
		if st != nil {
			c.tree.pager.release(f, releaseKeep)
			c.valid = false
			return st
		}
		if idx < n.cellCount() {
			c.tree.pager.release(f, releaseKeep)
			c.leafID, c.idx, c.valid, c.needsRestore = id, idx, true, false
			return nil
		}
		next := n.nextSibling()
		c.tree.pager.release(f, releaseKeep)
		id, idx = next, 0
	}
	c.valid = false
	return nil
}

// Seek positions the cursor at the first key >= key.
func (c *Cursor) Seek(key []byte) *Status {
	_, leaf, f, idx, _, st := c.tree.descend(key)
	if st != nil {
		c.valid = false
		return st
	}
	id := leaf.id
	c.tree.pager.release(f, releaseKeep)
	return c.landAt(id, idx)
}

// First positions the cursor at the tree's smallest key.
func (c *Cursor) First() *Status {
	id, st := c.tree.firstLeafID()
	if st != nil {
		c.valid = false
		return st
	}
	return c.landAt(id, 0)
}

// Last positions the cursor at the tree's largest key.
func (c *Cursor) Last() *Status {
	id, st := c.tree.lastLeafID()
	if st != nil {
		c.valid = false
		return st
	}
	f, st := c.tree.pager.acquire(id)
	if st != nil {
		c.valid = false
		return st
	}
	n, st := loadNode(id, f.data)
	if st != nil {
		c.tree.pager.release(f, releaseKeep)
		c.valid = false
		return st
	}
	count := n.cellCount()
	c.tree.pager.release(f, releaseKeep)
	if count == 0 {
		c.valid = false
		return nil
	}
	c.leafID, c.idx, c.valid, c.needsRestore = id, count-1, true, false
	return nil
}

// Next advances to the following key.
func (c *Cursor) Next() *Status {
	if c.needsRestore {
		if st := c.restore(); st != nil {
			return st
		}
	}
	if !c.valid {
		return nil
	}
	return c.landAt(c.leafID, c.idx+1)
}

// Prev retreats to the preceding key.
func (c *Cursor) Prev() *Status {
	if c.needsRestore {
		if st := c.restore(); st != nil {
			return st
		}
	}
	if !c.valid {
		return nil
	}
	if c.idx > 0 {
		c.idx--
		return nil
	}
	f, st := c.tree.pager.acquire(c.leafID)
	if st != nil {
		c.valid = false
		return st
	}
	n, st := loadNode(c.leafID, f.data)
	if st != nil {
		c.tree.pager.release(f, releaseKeep)
		c.valid = false
		return st
	}
	prev := n.prevSibling()
	c.tree.pager.release(f, releaseKeep)

	for prev != 0 {
		pf, st := c.tree.pager.acquire(prev)
		if st != nil {
			c.valid = false
			return st
		}
		pn, st := loadNode(prev, pf.data)
		if st != nil {
			c.tree.pager.release(pf, releaseKeep)
			c.valid = false
			return st
		}
		count := pn.cellCount()
		prevSib := pn.prevSibling()
		c.tree.pager.release(pf, releaseKeep)
		if count > 0 {
			c.leafID, c.idx, c.valid = prev, count-1, true
			return nil
		}
		prev = prevSib
	}
	c.valid = false
	return nil
}

// Valid reports whether the cursor is positioned at a key, resolving
// any pending restore first.
func (c *Cursor) Valid() bool {
	if c.needsRestore {
		c.restore()
	}
	return c.valid
}

func (c *Cursor) currentKey() ([]byte, *Status) {
	f, st := c.tree.pager.acquire(c.leafID)
	if st != nil {
		return nil, st
	}
	defer c.tree.pager.release(f, releaseKeep)
	n, st := loadNode(c.leafID, f.data)
	if st != nil {
		return nil, st
	}
	cl, st := n.readCell(c.idx)
	if st != nil {
		return nil, st
	}
	return c.tree.fullKey(n, cl)
}

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() ([]byte, *Status) {
	if !c.Valid() {
		return nil, NotFoundf("cursor not positioned")
	}
	return c.currentKey()
}

// Value returns the value at the cursor's current position.
func (c *Cursor) Value() ([]byte, *Status) {
	if !c.Valid() {
		return nil, NotFoundf("cursor not positioned")
	}
	f, st := c.tree.pager.acquire(c.leafID)
	if st != nil {
		return nil, st
	}
	defer c.tree.pager.release(f, releaseKeep)
	n, st := loadNode(c.leafID, f.data)
	if st != nil {
		return nil, st
	}
	cl, st := n.readCell(c.idx)
	if st != nil {
		return nil, st
	}
	return c.tree.fullValue(n, cl)
}

func (t *Tree) firstLeafID() (pageID, *Status) {
	id := t.root
	for {
		f, st := t.pager.acquire(id)
		if st != nil {
			return 0, st
		}
		n, st := loadNode(id, f.data)
		if st != nil {
			t.pager.release(f, releaseKeep)
			return 0, st
		}
		if n.isLeaf() {
			t.pager.release(f, releaseKeep)
			return id, nil
		}
		child, st := childAt(n, 0)
		t.pager.release(f, releaseKeep)
		if st != nil {
			return 0, st
		}
		id = child
	}
}

func (t *Tree) lastLeafID() (pageID, *Status) {
	id := t.root
	for {
		f, st := t.pager.acquire(id)
		if st != nil {
			return 0, st
		}
		n, st := loadNode(id, f.data)
		if st != nil {
			t.pager.release(f, releaseKeep)
			return 0, st
		}
		if n.isLeaf() {
			t.pager.release(f, releaseKeep)
			return id, nil
		}
		child := n.rightmost()
		t.pager.release(f, releaseKeep)
		id = child
	}
}
