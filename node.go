package calico

import (
	"bytes"
	"encoding/binary"
)

// pageID identifies a page within the database file; 1-based, 0 means "no
// page" / null.
type pageID uint32

// nodeKind distinguishes leaf (external) nodes, which carry key-value
// cells, from internal nodes, which carry key cells plus child pointers
// (§3.3).
type nodeKind uint8

const (
	nodeLeaf nodeKind = iota + 1
	nodeInternal
)

const (
	ndOffKind           = 0
	ndOffCellCount      = 1
	ndOffCellAreaStart  = 3
	ndOffFreeBlockStart = 5
	ndOffFragmentCount  = 7
	ndOffSiblings       = 8 // leaf only: prev(4) next(4)
	ndOffRightmost      = 8 // internal only: rightmost child(4)

	leafHeaderSize     = 16
	internalHeaderSize = 12

	indirectEntrySize = 2
)

func headerSize(kind nodeKind) int {
	if kind == nodeLeaf {
		return leafHeaderSize
	}
	return internalHeaderSize
}

// cellOverflowIDSize is the size of the trailing overflow-chain head page
// id appended to a cell whose payload did not fit locally.
const cellOverflowIDSize = 4

// node is a tree page decoded into a working view: header fields plus the
// raw backing buffer. Cell bytes are read/written directly against buf;
// node does not copy the page.
type node struct {
	id   pageID
	kind nodeKind
	buf  []byte // full page, length == pageSize
	size int    // pageSize
}

func newNode(id pageID, kind nodeKind, buf []byte) *node {
	n := &node{id: id, kind: kind, buf: buf, size: len(buf)}
	n.buf[ndOffKind] = byte(kind)
	n.setCellCount(0)
	n.setCellAreaStart(uint16(len(buf)))
	n.setFreeBlockStart(0)
	n.setFragmentCount(0)
	if kind == nodeLeaf {
		n.setPrevSibling(0)
		n.setNextSibling(0)
	} else {
		n.setRightmost(0)
	}
	return n
}

func loadNode(id pageID, buf []byte) (*node, *Status) {
	if len(buf) == 0 {
		return nil, Corruptionf("empty page buffer for page %d", id)
	}
	kind := nodeKind(buf[ndOffKind])
	if kind != nodeLeaf && kind != nodeInternal {
		return nil, Corruptionf("page %d has invalid node kind %d", id, kind)
	}
	return &node{id: id, kind: kind, buf: buf, size: len(buf)}, nil
}

func (n *node) isLeaf() bool { return n.kind == nodeLeaf }

func (n *node) cellCount() int {
	return int(binary.BigEndian.Uint16(n.buf[ndOffCellCount:]))
}
func (n *node) setCellCount(c int) {
	binary.BigEndian.PutUint16(n.buf[ndOffCellCount:], uint16(c))
}

func (n *node) cellAreaStart() int {
	return int(binary.BigEndian.Uint16(n.buf[ndOffCellAreaStart:]))
}
func (n *node) setCellAreaStart(v uint16) {
	binary.BigEndian.PutUint16(n.buf[ndOffCellAreaStart:], v)
}

func (n *node) freeBlockStart() int {
	return int(binary.BigEndian.Uint16(n.buf[ndOffFreeBlockStart:]))
}
func (n *node) setFreeBlockStart(v uint16) {
	binary.BigEndian.PutUint16(n.buf[ndOffFreeBlockStart:], v)
}

func (n *node) fragmentCount() int { return int(n.buf[ndOffFragmentCount]) }
func (n *node) setFragmentCount(v int) {
	n.buf[ndOffFragmentCount] = byte(v)
}

func (n *node) prevSibling() pageID {
	return pageID(binary.BigEndian.Uint32(n.buf[ndOffSiblings:]))
}
func (n *node) setPrevSibling(id pageID) {
	binary.BigEndian.PutUint32(n.buf[ndOffSiblings:], uint32(id))
}
func (n *node) nextSibling() pageID {
	return pageID(binary.BigEndian.Uint32(n.buf[ndOffSiblings+4:]))
}
func (n *node) setNextSibling(id pageID) {
	binary.BigEndian.PutUint32(n.buf[ndOffSiblings+4:], uint32(id))
}
func (n *node) rightmost() pageID {
	return pageID(binary.BigEndian.Uint32(n.buf[ndOffRightmost:]))
}
func (n *node) setRightmost(id pageID) {
	binary.BigEndian.PutUint32(n.buf[ndOffRightmost:], uint32(id))
}

func (n *node) indirectOffset(i int) int {
	return headerSize(n.kind) + i*indirectEntrySize
}

func (n *node) cellOffset(i int) int {
	return int(binary.BigEndian.Uint16(n.buf[n.indirectOffset(i):]))
}

func (n *node) setCellOffsetAt(i, off int) {
	binary.BigEndian.PutUint16(n.buf[n.indirectOffset(i):], uint16(off))
}

// usableSpace is the area available for the indirection vector, free
// blocks, and cells: everything past the fixed header.
func (n *node) usableSpace() int { return n.size - headerSize(n.kind) }

// freeSpace returns the contiguous space between the end of the
// indirection vector and the start of the cell area. It does not include
// free blocks threaded through the cell area.
func (n *node) freeSpace() int {
	indirectEnd := n.indirectOffset(n.cellCount())
	return n.cellAreaStart() - indirectEnd
}

// cell is a decoded view of one node entry.
type cell struct {
	Key        []byte
	Value      []byte // leaf only
	LeftChild  pageID // internal only
	OverflowID pageID // 0 if the payload is fully local
	keySize    int    // full logical key length, may exceed len(Key)
	valueSize  int    // full logical value length, may exceed len(Value)
	localSize  int    // encoded size of the cell as stored, for space accounting
}

// maxLocal bounds how many key+value bytes may be stored inline so that
// every cell fits on the page and at least four cells fit on a non-root
// node (§3.3).
func maxLocal(pageSize int, kind nodeKind) int {
	usable := pageSize - headerSize(kind)
	budget := usable/4 - indirectEntrySize - cellOverflowIDSize - 2*maxVarintLen
	if budget < 32 {
		budget = 32
	}
	return budget
}

// readCell decodes the cell at indirection slot i.
func (n *node) readCell(i int) (*cell, *Status) {
	if i < 0 || i >= n.cellCount() {
		return nil, Corruptionf("cell index %d out of range (count %d)", i, n.cellCount())
	}
	off := n.cellOffset(i)
	return n.decodeCellAt(off)
}

func (n *node) decodeCellAt(off int) (*cell, *Status) {
	if off < 0 || off >= n.size {
		return nil, Corruptionf("cell offset %d out of range", off)
	}
	buf := n.buf[off:]
	c := &cell{}
	pos := 0
	if !n.isLeaf() {
		if len(buf) < 4 {
			return nil, Corruptionf("truncated internal cell at offset %d", off)
		}
		c.LeftChild = pageID(binary.BigEndian.Uint32(buf))
		pos += 4
	}
	keySize, n1, err := getUvarint(buf[pos:])
	if err != nil {
		return nil, Corruptionf("bad key-size varint at offset %d: %v", off, err)
	}
	pos += n1
	c.keySize = int(keySize)

	var valueSize uint64
	if n.isLeaf() {
		var n2 int
		valueSize, n2, err = getUvarint(buf[pos:])
		if err != nil {
			return nil, Corruptionf("bad value-size varint at offset %d: %v", off, err)
		}
		pos += n2
	}
	c.valueSize = int(valueSize)

	local := maxLocal(n.size, n.kind)
	total := c.keySize + c.valueSize
	localLen := total
	overflowed := false
	if total > local {
		localLen = local
		overflowed = true
	}
	if pos+localLen > len(buf) {
		return nil, Corruptionf("cell payload runs past page end at offset %d", off)
	}
	payload := buf[pos : pos+localLen]
	if c.keySize <= localLen {
		c.Key = payload[:c.keySize]
		c.Value = payload[c.keySize:localLen]
	} else {
		c.Key = payload
		c.Value = nil
	}
	pos += localLen
	if overflowed {
		if pos+cellOverflowIDSize > len(buf) {
			return nil, Corruptionf("missing overflow id at offset %d", off)
		}
		c.OverflowID = pageID(binary.BigEndian.Uint32(buf[pos:]))
		pos += cellOverflowIDSize
	}
	c.localSize = pos
	return c, nil
}

// encodedCellSize computes the number of bytes a cell with the given logical
// key/value lengths occupies, including any overflow id trailer.
func encodedCellSize(kind nodeKind, keySize, valueSize int) int {
	n := 0
	if kind == nodeInternal {
		n += 4
	}
	n += varintSize(uint64(keySize))
	if kind == nodeLeaf {
		n += varintSize(uint64(valueSize))
	}
	local := maxLocal(pageSizeForCellSizing, kind)
	total := keySize + valueSize
	if total > local {
		n += local + cellOverflowIDSize
	} else {
		n += total
	}
	return n
}

// pageSizeForCellSizing is set by node methods before calling
// encodedCellSize so the helper can share maxLocal's page-size-dependent
// budget without threading an extra parameter through every call site.
var pageSizeForCellSizing int

func (n *node) cellSize(keySize, valueSize int) int {
	pageSizeForCellSizing = n.size
	return encodedCellSize(n.kind, keySize, valueSize)
}

// encodeCell writes a new cell at offset off and returns the number of
// bytes written. localKV is the (possibly truncated) inline key+value
// payload; overflowID is 0 when the cell carries no overflow trailer.
func (n *node) encodeCell(off int, leftChild pageID, keySize, valueSize int, localKV []byte, overflowID pageID) int {
	pos := off
	if !n.isLeaf() {
		binary.BigEndian.PutUint32(n.buf[pos:], uint32(leftChild))
		pos += 4
	}
	pos += putUvarint(n.buf[pos:], uint64(keySize))
	if n.isLeaf() {
		pos += putUvarint(n.buf[pos:], uint64(valueSize))
	}
	copy(n.buf[pos:], localKV)
	pos += len(localKV)
	if overflowID != 0 {
		binary.BigEndian.PutUint32(n.buf[pos:], uint32(overflowID))
		pos += 4
	}
	return pos - off
}

// searchKey performs a binary search for key among the node's cells.
// Returns the index of the first cell whose key is >= key, and whether
// that cell's key equals key exactly. keyAt is used for long-key
// comparisons that must consult the overflow chain; it may be nil, in
// which case only locally-available bytes are compared (adequate unless
// two cells share an identical local prefix).
func (n *node) searchKey(key []byte, keyAt func(i int) ([]byte, *Status)) (int, bool, *Status) {
	lo, hi := 0, n.cellCount()
	for lo < hi {
		mid := (lo + hi) / 2
		var candidate []byte
		var st *Status
		if keyAt != nil {
			candidate, st = keyAt(mid)
		} else {
			c, s := n.readCell(mid)
			st = s
			if c != nil {
				candidate = c.Key
			}
		}
		if st != nil {
			return 0, false, st
		}
		cmp := bytes.Compare(key, candidate)
		switch {
		case cmp == 0:
			return mid, true, nil
		case cmp < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false, nil
}

// insertSlot reserves encSize bytes for a new cell and threads their
// offset into the indirection vector at position idx; the caller then
// encodes the cell at the returned offset. It first tries the free-block
// chain, then the cell area; ok is false if neither has room.
func (n *node) insertSlot(idx, encSize int) (int, bool) {
	if off, ok := n.allocFromFreeList(encSize); ok {
		n.shiftIndirect(idx, 1)
		n.setCellOffsetAt(idx, off)
		n.setCellCount(n.cellCount() + 1)
		return off, true
	}
	needed := encSize + indirectEntrySize
	if n.freeSpace() < needed {
		return 0, false
	}
	newTop := n.cellAreaStart() - encSize
	n.shiftIndirect(idx, 1)
	n.setCellOffsetAt(idx, newTop)
	n.setCellAreaStart(uint16(newTop))
	n.setCellCount(n.cellCount() + 1)
	return newTop, true
}

func (n *node) shiftIndirect(from, by int) {
	count := n.cellCount()
	if by > 0 {
		for i := count; i > from; i-- {
			off := n.cellOffset(i - 1)
			n.setCellOffsetAt(i, off)
		}
	} else {
		for i := from; i < count-1; i++ {
			off := n.cellOffset(i + 1)
			n.setCellOffsetAt(i, off)
		}
	}
}

func (n *node) removeCellAt(idx int) *Status {
	if idx < 0 || idx >= n.cellCount() {
		return Corruptionf("remove: cell index %d out of range", idx)
	}
	off := n.cellOffset(idx)
	c, st := n.decodeCellAt(off)
	if st != nil {
		return st
	}
	n.freeBlock(off, c.localSize)
	n.shiftIndirect(idx, -1)
	n.setCellCount(n.cellCount() - 1)
	return nil
}

// freeBlock threads [off, off+size) onto the free-block chain, or tallies
// it as fragment bytes if it is too small to hold a chain link (4 bytes).
func (n *node) freeBlock(off, size int) {
	const minFreeBlock = 4
	if size < minFreeBlock {
		n.setFragmentCount(n.fragmentCount() + size)
		return
	}
	next := n.freeBlockStart()
	binary.BigEndian.PutUint16(n.buf[off:], uint16(next))
	binary.BigEndian.PutUint16(n.buf[off+2:], uint16(size))
	n.setFreeBlockStart(off)
}

// allocFromFreeList finds the first free block big enough for need bytes,
// splitting off any remainder back onto the chain.
func (n *node) allocFromFreeList(need int) (int, bool) {
	const minFreeBlock = 4
	prevOff := -1
	cur := n.freeBlockStart()
	for cur != 0 {
		blockSize := int(binary.BigEndian.Uint16(n.buf[cur+2:]))
		nextBlock := int(binary.BigEndian.Uint16(n.buf[cur:]))
		if blockSize >= need {
			remainder := blockSize - need
			if prevOff == -1 {
				n.setFreeBlockStart(nextBlock)
			} else {
				binary.BigEndian.PutUint16(n.buf[prevOff:], uint16(nextBlock))
			}
			if remainder > 0 {
				if remainder >= minFreeBlock {
					newBlockOff := cur + need
					binary.BigEndian.PutUint16(n.buf[newBlockOff:], uint16(nextBlock))
					binary.BigEndian.PutUint16(n.buf[newBlockOff+2:], uint16(remainder))
					if prevOff == -1 {
						n.setFreeBlockStart(newBlockOff)
					} else {
						binary.BigEndian.PutUint16(n.buf[prevOff:], uint16(newBlockOff))
					}
				} else {
					n.setFragmentCount(n.fragmentCount() + remainder)
				}
			}
			return cur, true
		}
		prevOff = cur
		cur = nextBlock
	}
	return 0, false
}

// defragment compacts every live cell to the end of the page in
// indirection order, resets the free-block chain and fragment count, and
// leaves the largest possible contiguous free run at the top (§4.6.1).
func (n *node) defragment() *Status {
	count := n.cellCount()
	type liveCell struct {
		off, size int
		data      []byte
	}
	cells := make([]liveCell, count)
	for i := 0; i < count; i++ {
		off := n.cellOffset(i)
		c, st := n.decodeCellAt(off)
		if st != nil {
			return st
		}
		buf := make([]byte, c.localSize)
		copy(buf, n.buf[off:off+c.localSize])
		cells[i] = liveCell{off: off, size: c.localSize, data: buf}
	}
	top := n.size
	for i := count - 1; i >= 0; i-- {
		top -= cells[i].size
		copy(n.buf[top:], cells[i].data)
		n.setCellOffsetAt(i, top)
	}
	n.setCellAreaStart(uint16(top))
	n.setFreeBlockStart(0)
	n.setFragmentCount(0)
	return nil
}
