package calico

import "encoding/binary"

// Pointer-map page types (§4.5), stored one byte per entry.
type ptrType uint8

const (
	ptrTreeRoot ptrType = iota + 1
	ptrTreeNode
	ptrOverflowHead
	ptrOverflowLink
	ptrFreelistTrunk
	ptrFreelistLeaf
)

// ptrMapEntrySize is the on-disk size of one pointer-map entry: a type tag
// plus a 4-byte back-pointer (§3.4/§4.5).
const ptrMapEntrySize = 5

// ptrMapEntriesPerPage returns K, the number of data pages a single
// pointer-map page covers (K = page_size / 5).
func ptrMapEntriesPerPage(pageSize int) int {
	return pageSize / ptrMapEntrySize
}

// isPointerMapPage reports whether pid is itself a pointer-map page: the
// first one follows page 1, and they recur every K+1 pages after that.
func isPointerMapPage(pid pageID, pageSize int) bool {
	if pid <= 1 {
		return false
	}
	k := ptrMapEntriesPerPage(pageSize)
	span := k + 1
	return (uint32(pid)-2)%uint32(span) == 0
}

// pointerMapPageFor returns the id of the pointer-map page that holds the
// back-pointer entry for pid.
func pointerMapPageFor(pid pageID, pageSize int) pageID {
	if isPointerMapPage(pid, pageSize) {
		return pid
	}
	k := ptrMapEntriesPerPage(pageSize)
	span := uint32(k + 1)
	// The most recent pointer-map page at or before pid.
	mapPage := ((uint32(pid) - 2) / span) * span + 2
	return pageID(mapPage)
}

// ptrMapEntry is one (type, back_ptr) pair within a pointer-map page.
type ptrMapEntry struct {
	Type    ptrType
	BackPtr pageID
}

func readPtrMapEntry(page []byte, pid, mapPage pageID, pageSize int) ptrMapEntry {
	firstCovered := uint32(mapPage) + 1
	idx := uint32(pid) - firstCovered
	off := int(idx) * ptrMapEntrySize
	return ptrMapEntry{
		Type:    ptrType(page[off]),
		BackPtr: pageID(binary.BigEndian.Uint32(page[off+1:])),
	}
}

func writePtrMapEntry(page []byte, pid, mapPage pageID, pageSize int, e ptrMapEntry) {
	firstCovered := uint32(mapPage) + 1
	idx := uint32(pid) - firstCovered
	off := int(idx) * ptrMapEntrySize
	page[off] = byte(e.Type)
	binary.BigEndian.PutUint32(page[off+1:], uint32(e.BackPtr))
}
