package calico

import (
	"container/list"
	"sort"
)

// frame is an in-memory cache entry holding one page's bytes plus the
// bookkeeping the page cache and dirty list need (§3.2). A frame is
// pinned while refCount > 0 and may not be evicted.
type frame struct {
	id       pageID
	data     []byte
	refCount int
	dirty    bool

	lruElem   *list.Element // position in the LRU list
	dirtyElem *list.Element // position in the dirty list, nil if clean
}

// errOutOfFrames is returned by allocate when every frame is pinned and a
// victim cannot be produced; the caller must release pages and retry.
var errOutOfFrames = Corruptionf("page cache exhausted: all frames pinned")

// pageCache is the bufmgr (§4.1): a fixed-capacity pool of frames indexed
// by page id, with strict-LRU eviction among unpinned clean frames and a
// companion dirty list for canonical-order WAL writes.
type pageCache struct {
	capacity int
	pageSize int

	byID map[pageID]*frame
	lru  *list.List // MRU at front, LRU at back

	dirty *dirtyList
}

func newPageCache(capacity, pageSize int) *pageCache {
	return &pageCache{
		capacity: capacity,
		pageSize: pageSize,
		byID:     make(map[pageID]*frame, capacity),
		lru:      list.New(),
		dirty:    newDirtyList(),
	}
}

func (c *pageCache) len() int { return len(c.byID) }

// query looks up a page id without pinning or touching LRU order.
func (c *pageCache) query(id pageID) *frame {
	return c.byID[id]
}

// lookup looks up a page id, pinning it and moving it to the MRU position.
func (c *pageCache) lookup(id pageID) *frame {
	f, ok := c.byID[id]
	if !ok {
		return nil
	}
	c.ref(f)
	c.lru.MoveToFront(f.lruElem)
	return f
}

func (c *pageCache) ref(f *frame)   { f.refCount++ }
func (c *pageCache) unref(f *frame) {
	if f.refCount > 0 {
		f.refCount--
	}
}

// nextVictim returns the LRU unpinned, clean frame, or nil if none exists.
func (c *pageCache) nextVictim() *frame {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		f := e.Value.(*frame)
		if f.refCount == 0 && !f.dirty {
			return f
		}
	}
	return nil
}

// allocate produces a new frame for pageID id, already pinned once
// (refCount 1) for the caller, evicting a victim if the pool is at
// capacity.
func (c *pageCache) allocate(id pageID) (*frame, *Status) {
	if len(c.byID) >= c.capacity {
		victim := c.nextVictim()
		if victim == nil {
			return nil, errOutOfFrames
		}
		c.erase(victim.id)
	}
	f := &frame{id: id, data: make([]byte, c.pageSize)}
	f.lruElem = c.lru.PushFront(f)
	c.byID[id] = f
	c.ref(f)
	return f, nil
}

// erase removes id from the hash index and LRU/dirty lists, if present.
func (c *pageCache) erase(id pageID) {
	f, ok := c.byID[id]
	if !ok {
		return
	}
	if f.lruElem != nil {
		c.lru.Remove(f.lruElem)
	}
	if f.dirtyElem != nil {
		c.dirty.remove(f)
	}
	delete(c.byID, id)
}

// reallocate discards every cached frame; used when the page size changes
// (only possible immediately after creating a brand new database).
func (c *pageCache) reallocate(pageSize int) {
	c.pageSize = pageSize
	c.byID = make(map[pageID]*frame, c.capacity)
	c.lru = list.New()
	c.dirty = newDirtyList()
}

func (c *pageCache) markDirty(f *frame) {
	if !f.dirty {
		f.dirty = true
		c.dirty.add(f)
	}
}

func (c *pageCache) clearDirty(f *frame) {
	if f.dirty {
		f.dirty = false
		c.dirty.remove(f)
	}
}

// rekey changes a dirty frame's page id in the hash index, used by
// move_page during vacuum and freelist maintenance.
func (c *pageCache) rekey(f *frame, dst pageID) {
	delete(c.byID, f.id)
	f.id = dst
	c.byID[dst] = f
}

// dirtyList threads every dirty frame so commit can produce a
// canonical ascending-page-id write order without scanning the whole
// cache (§3.4, §4.1).
type dirtyList struct {
	elems map[pageID]*list.Element
	l     *list.List
}

func newDirtyList() *dirtyList {
	return &dirtyList{elems: make(map[pageID]*list.Element), l: list.New()}
}

func (d *dirtyList) add(f *frame) {
	if _, ok := d.elems[f.id]; ok {
		return
	}
	f.dirtyElem = d.l.PushBack(f)
	d.elems[f.id] = f.dirtyElem
}

func (d *dirtyList) remove(f *frame) {
	if f.dirtyElem == nil {
		return
	}
	d.l.Remove(f.dirtyElem)
	delete(d.elems, f.id)
	f.dirtyElem = nil
}

func (d *dirtyList) len() int { return d.l.Len() }

// sorted returns the dirty frames in ascending page-id order.
func (d *dirtyList) sorted() []*frame {
	out := make([]*frame, 0, d.l.Len())
	for e := d.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*frame))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
