package calico

import "encoding/binary"

// schemaRoot is the page id of the root-of-roots tree: a Tree, keyed by
// bucket name, whose values are encoded root page ids. Every database
// has exactly one, created by initFresh.
const schemaRoot pageID = 1

// Schema tracks every open bucket Tree, so that a vacuum that reroots
// a bucket's root page can rewrite the root-of-roots entry and update
// the live Tree in place instead of invalidating it (original_source's
// src/schema.h vacuum_reroot, adapted to Go value semantics: callers
// hold the *Tree, not a handle Schema can mutate out from under them,
// so rerooting just patches tree.root directly).
type Schema struct {
	pager *Pager
	roots *Tree
	open  map[string]*Tree
}

func openSchema(p *Pager) *Schema {
	return &Schema{pager: p, roots: openTree(p, schemaRoot), open: make(map[string]*Tree)}
}

func encodeRootID(id pageID) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(id))
	return buf
}

func decodeRootID(buf []byte) (pageID, *Status) {
	if len(buf) != 4 {
		return 0, Corruptionf("schema entry has bad root id length %d", len(buf))
	}
	return pageID(binary.BigEndian.Uint32(buf)), nil
}

// OpenBucket returns the Tree rooted at name's bucket, creating it
// first if create is true and it doesn't exist.
func (s *Schema) OpenBucket(name string, create bool) (*Tree, *Status) {
	if t, ok := s.open[name]; ok {
		return t, nil
	}
	val, st := s.roots.Get([]byte(name))
	if st != nil {
		if !Is(st, NotFound) {
			return nil, st
		}
		if !create {
			return nil, st
		}
		root, st := s.allocateBucketRoot()
		if st != nil {
			return nil, st
		}
		if st := s.roots.Put([]byte(name), encodeRootID(root)); st != nil {
			return nil, st
		}
		t := openTree(s.pager, root)
		s.open[name] = t
		return t, nil
	}
	root, st := decodeRootID(val)
	if st != nil {
		return nil, st
	}
	t := openTree(s.pager, root)
	s.open[name] = t
	return t, nil
}

// allocateBucketRoot allocates a fresh page, formats it as an empty
// leaf, and records it as a tree root in the pointer map.
func (s *Schema) allocateBucketRoot() (pageID, *Status) {
	f, st := s.pager.allocate()
	if st != nil {
		return 0, st
	}
	newNode(f.id, nodeLeaf, f.data)
	s.pager.markDirty(f)
	root := f.id
	s.pager.release(f, releaseKeep)
	mapPage := pointerMapPageFor(root, s.pager.pageSize)
	mf, st := s.pager.acquire(mapPage)
	if st != nil {
		return 0, st
	}
	writePtrMapEntry(mf.data, root, mapPage, s.pager.pageSize, ptrMapEntry{Type: ptrTreeRoot})
	s.pager.markDirty(mf)
	s.pager.release(mf, releaseKeep)
	return root, nil
}

// DropBucket removes name's entry from the schema and frees every page
// reachable from its root.
func (s *Schema) DropBucket(name string) *Status {
	val, st := s.roots.Get([]byte(name))
	if st != nil {
		return st
	}
	root, st := decodeRootID(val)
	if st != nil {
		return st
	}
	if st := s.freeTree(root); st != nil {
		return st
	}
	delete(s.open, name)
	return s.roots.Delete([]byte(name))
}

// freeTree walks every page of the tree rooted at root and returns it
// to the freelist, including overflow chains.
func (s *Schema) freeTree(root pageID) *Status {
	t := openTree(s.pager, root)
	return s.freeSubtree(t, root)
}

func (s *Schema) freeSubtree(t *Tree, id pageID) *Status {
	f, st := s.pager.acquire(id)
	if st != nil {
		return st
	}
	n, st := loadNode(id, f.data)
	if st != nil {
		s.pager.release(f, releaseKeep)
		return st
	}
	recs, st := gatherRecords(n)
	if st != nil {
		s.pager.release(f, releaseKeep)
		return st
	}
	rightmost := pageID(0)
	if !n.isLeaf() {
		rightmost = n.rightmost()
	}
	s.pager.release(f, releaseKeep)

	for _, r := range recs {
		if r.overflowID != 0 {
			if st := t.freeOverflowChain(r.overflowID); st != nil {
				return st
			}
		}
		if r.leftChild != 0 {
			if st := s.freeSubtree(t, r.leftChild); st != nil {
				return st
			}
		}
	}
	if rightmost != 0 {
		if st := s.freeSubtree(t, rightmost); st != nil {
			return st
		}
	}
	return freelistPush(s.pager, id)
}

// reroot updates name's schema entry and any live Tree handle to point
// at newRoot, used by vacuum when it relocates a bucket's root page.
func (s *Schema) reroot(name string, newRoot pageID) *Status {
	if t, ok := s.open[name]; ok {
		t.root = newRoot
	}
	return s.roots.Put([]byte(name), encodeRootID(newRoot))
}

// forEachBucket calls fn with (name, root) for every entry in the
// root-of-roots tree, used by vacuum to locate every tree that might
// reference a page being relocated.
func (s *Schema) forEachBucket(fn func(name string, root pageID) *Status) *Status {
	cur := s.roots.NewCursor()
	defer cur.Close()
	if st := cur.First(); st != nil {
		return st
	}
	for cur.Valid() {
		key, st := cur.Key()
		if st != nil {
			return st
		}
		val, st := cur.Value()
		if st != nil {
			return st
		}
		root, st := decodeRootID(val)
		if st != nil {
			return st
		}
		if st := fn(string(key), root); st != nil {
			return st
		}
		if st := cur.Next(); st != nil {
			return st
		}
	}
	return nil
}
