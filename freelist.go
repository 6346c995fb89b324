package calico

import "encoding/binary"

// Freelist trunk page layout (§4.4): next_trunk (u32), leaf_count (u32),
// then up to trunkMaxLeaves(pageSize) packed u32 leaf page ids.
const (
	trunkOffNext  = 0
	trunkOffCount = 4
	trunkOffLeafs = 8
)

func trunkMaxLeaves(pageSize int) int {
	return (pageSize - trunkOffLeafs) / 4
}

func trunkNext(buf []byte) pageID { return pageID(binary.BigEndian.Uint32(buf[trunkOffNext:])) }
func trunkSetNext(buf []byte, id pageID) {
	binary.BigEndian.PutUint32(buf[trunkOffNext:], uint32(id))
}
func trunkLeafCount(buf []byte) int {
	return int(binary.BigEndian.Uint32(buf[trunkOffCount:]))
}
func trunkSetLeafCount(buf []byte, n int) {
	binary.BigEndian.PutUint32(buf[trunkOffCount:], uint32(n))
}
func trunkLeaf(buf []byte, i int) pageID {
	return pageID(binary.BigEndian.Uint32(buf[trunkOffLeafs+i*4:]))
}
func trunkSetLeaf(buf []byte, i int, id pageID) {
	binary.BigEndian.PutUint32(buf[trunkOffLeafs+i*4:], uint32(id))
}

// freelistPop allocates a page from the freelist, preferring a trunk's
// last leaf, falling back to consuming the trunk itself (§4.4). ok is
// false if the freelist is empty.
func freelistPop(p *Pager) (pageID, bool, *Status) {
	if p.hdr.freelistHead == 0 {
		return 0, false, nil
	}
	head := pageID(p.hdr.freelistHead)
	f, st := p.acquire(head)
	if st != nil {
		return 0, false, st
	}
	defer p.release(f, releaseKeep)

	count := trunkLeafCount(f.data)
	if count > 0 {
		leaf := trunkLeaf(f.data, count-1)
		trunkSetLeafCount(f.data, count-1)
		p.markDirty(f)
		p.hdr.freelistLength--
		return leaf, true, nil
	}

	next := trunkNext(f.data)
	p.hdr.freelistHead = uint32(next)
	p.hdr.freelistLength--
	return head, true, nil
}

// freelistPush returns a freed page to the freelist, either as a new leaf
// of the current head trunk or, if the head trunk is full or there is no
// head, as a brand-new trunk (§4.4).
func freelistPush(p *Pager, id pageID) *Status {
	if p.hdr.freelistHead != 0 {
		head := pageID(p.hdr.freelistHead)
		hf, st := p.acquire(head)
		if st != nil {
			return st
		}
		count := trunkLeafCount(hf.data)
		if count < trunkMaxLeaves(p.pageSize) {
			trunkSetLeaf(hf.data, count, id)
			trunkSetLeafCount(hf.data, count+1)
			p.markDirty(hf)
			p.release(hf, releaseKeep)
			p.hdr.freelistLength++
			return nil
		}
		p.release(hf, releaseKeep)
	}

	nf, st := p.acquire(id)
	if st != nil {
		return st
	}
	trunkSetNext(nf.data, pageID(p.hdr.freelistHead))
	trunkSetLeafCount(nf.data, 0)
	p.markDirty(nf)
	p.release(nf, releaseKeep)
	p.hdr.freelistHead = uint32(id)
	p.hdr.freelistLength++
	return nil
}
