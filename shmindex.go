package calico

import (
	"encoding/binary"
	"sort"
)

// shmRegionSize is the unit of shared-memory mapping (§4.2.2): region 0
// carries the index header, reader marks, and checkpoint-info array; each
// subsequent region holds exactly one hash-index block.
const shmRegionSize = 32 * 1024

// kReaderCount bounds the number of concurrent reader snapshots the shm
// index tracks (§4.2.2, §4.2.3).
const kReaderCount = 5

// hashBlockEntries (H) is the number of frames a single hash-index block
// covers; chosen, like SQLite's wal-index, as a power of two sized so one
// block's two arrays fit inside one shm region.
const hashBlockEntries = 4096

const shmIndexHeaderSize = 48

// shmIndexHeader is one of the two redundant copies kept in region 0
// (§4.2.2, §6.3). Readers re-read and compare both copies, retrying on
// mismatch, rather than trusting a single write to be atomic.
type shmIndexHeader struct {
	changeCounter uint32
	initialized   bool
	pageSizeCode  uint16
	maxFrame      uint32
	pageCount     uint32
	cksum0        uint32
	cksum1        uint32
	salt1         uint32
	salt2         uint32
}

const (
	ihOffChangeCounter = 0
	ihOffInit          = 4
	ihOffBigEndian     = 5
	ihOffPageSizeCode  = 6
	ihOffMaxFrame      = 8
	ihOffPageCount     = 12
	ihOffCksum0        = 16
	ihOffCksum1        = 20
	ihOffSalt1         = 24
	ihOffSalt2         = 28
	ihOffReserved      = 32
	ihOffChecksum      = 36
)

func encodeIndexHeader(buf []byte, h shmIndexHeader) {
	binary.BigEndian.PutUint32(buf[ihOffChangeCounter:], h.changeCounter)
	if h.initialized {
		buf[ihOffInit] = 1
	} else {
		buf[ihOffInit] = 0
	}
	buf[ihOffBigEndian] = 1
	binary.BigEndian.PutUint16(buf[ihOffPageSizeCode:], h.pageSizeCode)
	binary.BigEndian.PutUint32(buf[ihOffMaxFrame:], h.maxFrame)
	binary.BigEndian.PutUint32(buf[ihOffPageCount:], h.pageCount)
	binary.BigEndian.PutUint32(buf[ihOffCksum0:], h.cksum0)
	binary.BigEndian.PutUint32(buf[ihOffCksum1:], h.cksum1)
	binary.BigEndian.PutUint32(buf[ihOffSalt1:], h.salt1)
	binary.BigEndian.PutUint32(buf[ihOffSalt2:], h.salt2)
	s0, s1 := walChecksum(0, 0, buf[0:32])
	binary.BigEndian.PutUint64(buf[ihOffChecksum:], uint64(s0)<<32|uint64(s1))
}

func decodeIndexHeader(buf []byte) (shmIndexHeader, bool) {
	var h shmIndexHeader
	if len(buf) < shmIndexHeaderSize {
		return h, false
	}
	s0, s1 := walChecksum(0, 0, buf[0:32])
	want := uint64(s0)<<32 | uint64(s1)
	if binary.BigEndian.Uint64(buf[ihOffChecksum:]) != want {
		return h, false
	}
	h.changeCounter = binary.BigEndian.Uint32(buf[ihOffChangeCounter:])
	h.initialized = buf[ihOffInit] != 0
	h.pageSizeCode = binary.BigEndian.Uint16(buf[ihOffPageSizeCode:])
	h.maxFrame = binary.BigEndian.Uint32(buf[ihOffMaxFrame:])
	h.pageCount = binary.BigEndian.Uint32(buf[ihOffPageCount:])
	h.cksum0 = binary.BigEndian.Uint32(buf[ihOffCksum0:])
	h.cksum1 = binary.BigEndian.Uint32(buf[ihOffCksum1:])
	h.salt1 = binary.BigEndian.Uint32(buf[ihOffSalt1:])
	h.salt2 = binary.BigEndian.Uint32(buf[ihOffSalt2:])
	return h, true
}

const (
	readerMarkArrayOffset = 2 * shmIndexHeaderSize
	readerMarkEntrySize   = 4
	ckptInfoArrayOffset   = readerMarkArrayOffset + kReaderCount*readerMarkEntrySize
	ckptInfoEntrySize     = 8
)

// shmMemory is a thin abstraction over File.ShmMap that lets shmIndex
// address the shm file as a set of independently-mapped, fixed-size
// regions without every caller re-deriving region/offset arithmetic.
type shmMemory struct {
	f File
}

func (m *shmMemory) region(idx int, extend bool) ([]byte, *Status) {
	return m.f.ShmMap(idx, extend)
}

// shmIndex wraps the shm memory with the header/reader-mark/hash-index
// operations described in §4.2.2.
type shmIndex struct {
	mem *shmMemory
}

func newShmIndex(f File) *shmIndex {
	return &shmIndex{mem: &shmMemory{f: f}}
}

// readHeader reads both redundant header copies and returns the header
// only when both validate and are identical, re-reading a bounded number
// of times on mismatch; ok is false if they never agree.
func (s *shmIndex) readHeader() (shmIndexHeader, bool, *Status) {
	region0, st := s.mem.region(0, true)
	if st != nil {
		return shmIndexHeader{}, false, st
	}
	const attempts = 100
	for i := 0; i < attempts; i++ {
		if h, ok := decodeIndexHeader(region0[0:shmIndexHeaderSize]); ok {
			if h2, ok2 := decodeIndexHeader(region0[shmIndexHeaderSize : 2*shmIndexHeaderSize]); ok2 && h2 == h {
				return h, true, nil
			}
		}
	}
	return shmIndexHeader{}, false, nil
}

func (s *shmIndex) writeHeader(h shmIndexHeader) *Status {
	region0, st := s.mem.region(0, true)
	if st != nil {
		return st
	}
	encodeIndexHeader(region0[0:shmIndexHeaderSize], h)
	encodeIndexHeader(region0[shmIndexHeaderSize:2*shmIndexHeaderSize], h)
	return nil
}

func (s *shmIndex) readerMark(slot int) (uint32, *Status) {
	region0, st := s.mem.region(0, true)
	if st != nil {
		return 0, st
	}
	off := readerMarkArrayOffset + slot*readerMarkEntrySize
	return binary.BigEndian.Uint32(region0[off:]), nil
}

func (s *shmIndex) setReaderMark(slot int, frame uint32) *Status {
	region0, st := s.mem.region(0, true)
	if st != nil {
		return st
	}
	off := readerMarkArrayOffset + slot*readerMarkEntrySize
	binary.BigEndian.PutUint32(region0[off:], frame)
	return nil
}

func (s *shmIndex) checkpointInfo(slot int) (lastMaxFrame, backfillCount uint32, _ *Status) {
	region0, st := s.mem.region(0, true)
	if st != nil {
		return 0, 0, st
	}
	off := ckptInfoArrayOffset + slot*ckptInfoEntrySize
	return binary.BigEndian.Uint32(region0[off:]), binary.BigEndian.Uint32(region0[off+4:]), nil
}

func (s *shmIndex) setCheckpointInfo(slot int, lastMaxFrame, backfillCount uint32) *Status {
	region0, st := s.mem.region(0, true)
	if st != nil {
		return st
	}
	off := ckptInfoArrayOffset + slot*ckptInfoEntrySize
	binary.BigEndian.PutUint32(region0[off:], lastMaxFrame)
	binary.BigEndian.PutUint32(region0[off+4:], backfillCount)
	return nil
}

// hashMix is the multiplicative mixing function used to place a page id
// into its home slot within a block's H-entry hash table.
func hashMix(pageID pageID) uint32 {
	return uint32(pageID) * 2654435761
}

func blockRegion(block int) int { return block + 1 }

func (s *shmIndex) block(block int, extend bool) (pgnoSlots []byte, hashSlots []byte, _ *Status) {
	region, st := s.mem.region(blockRegion(block), extend)
	if st != nil {
		return nil, nil, st
	}
	if region == nil {
		return nil, nil, nil
	}
	pgnoSlots = region[0 : hashBlockEntries*4]
	hashSlots = region[hashBlockEntries*4 : hashBlockEntries*4+hashBlockEntries*2]
	return pgnoSlots, hashSlots, nil
}

// assign installs a mapping from pageID to frame, the latest WAL frame
// known to hold that page (§4.2.2).
func (s *shmIndex) assign(page pageID, frame uint32) *Status {
	block := int(frame-1) / hashBlockEntries
	local := int(frame-1) % hashBlockEntries

	pgno, hashSlots, st := s.block(block, true)
	if st != nil {
		return st
	}
	binary.BigEndian.PutUint32(pgno[local*4:], uint32(page))

	slot := int(hashMix(page)) & (hashBlockEntries - 1)
	for {
		if binary.BigEndian.Uint16(hashSlots[slot*2:]) == 0 {
			binary.BigEndian.PutUint16(hashSlots[slot*2:], uint16(local+1))
			return nil
		}
		slot = (slot + 1) & (hashBlockEntries - 1)
	}
}

// lookup returns the highest frame >= minFrame whose slot maps page to
// that frame, scanning blocks from the newest backward.
func (s *shmIndex) lookup(page pageID, minFrame, maxFrame uint32) (uint32, bool, *Status) {
	if maxFrame == 0 {
		return 0, false, nil
	}
	topBlock := int(maxFrame-1) / hashBlockEntries
	bestFrame := uint32(0)
	for b := topBlock; b >= 0; b-- {
		pgno, hashSlots, st := s.block(b, false)
		if st != nil {
			return 0, false, st
		}
		if pgno == nil {
			continue
		}
		slot := int(hashMix(page)) & (hashBlockEntries - 1)
		for {
			local := binary.BigEndian.Uint16(hashSlots[slot*2:])
			if local == 0 {
				break
			}
			idx := int(local - 1)
			frame := uint32(b*hashBlockEntries + idx + 1)
			if frame <= maxFrame && binary.BigEndian.Uint32(pgno[idx*4:]) == uint32(page) {
				if frame > bestFrame {
					bestFrame = frame
				}
			}
			slot = (slot + 1) & (hashBlockEntries - 1)
		}
		if bestFrame != 0 {
			break
		}
	}
	if bestFrame == 0 || bestFrame < minFrame {
		return 0, false, nil
	}
	return bestFrame, true, nil
}

// cleanup truncates hash chains so no entry references a frame beyond
// maxFrame, used when rolling back an aborted write.
func (s *shmIndex) cleanup(maxFrame uint32) *Status {
	keepBlocks := 0
	if maxFrame > 0 {
		keepBlocks = int(maxFrame-1)/hashBlockEntries + 1
	}
	for b := keepBlocks; ; b++ {
		pgno, hashSlots, st := s.block(b, false)
		if st != nil {
			return st
		}
		if pgno == nil {
			break
		}
		for i := range pgno {
			pgno[i] = 0
		}
		for i := range hashSlots {
			hashSlots[i] = 0
		}
	}
	if maxFrame > 0 {
		pgno, hashSlots, st := s.block(keepBlocks-1, false)
		if st != nil {
			return st
		}
		if pgno != nil {
			localMax := int(maxFrame-1) % hashBlockEntries
			for i := localMax + 1; i < hashBlockEntries; i++ {
				binary.BigEndian.PutUint32(pgno[i*4:], 0)
			}
			// Rebuild the hash table for this block since truncation can
			// orphan chain slots pointing at now-cleared entries.
			for i := range hashSlots {
				hashSlots[i] = 0
			}
			for i := 0; i <= localMax; i++ {
				p := pageID(binary.BigEndian.Uint32(pgno[i*4:]))
				if p == 0 {
					continue
				}
				slot := int(hashMix(p)) & (hashBlockEntries - 1)
				for binary.BigEndian.Uint16(hashSlots[slot*2:]) != 0 {
					slot = (slot + 1) & (hashBlockEntries - 1)
				}
				binary.BigEndian.PutUint16(hashSlots[slot*2:], uint16(i+1))
			}
		}
	}
	return nil
}

// pageFrame pairs a page id with the frame the checkpointer should copy.
type pageFrame struct {
	Page  pageID
	Frame uint32
}

// iterate returns (page, frame) pairs for every page touched up to
// maxFrame, deduplicated to the highest frame per page, in ascending
// page-id order (used by checkpoint).
func (s *shmIndex) iterate(maxFrame uint32) ([]pageFrame, *Status) {
	latest := make(map[pageID]uint32)
	blocks := 0
	if maxFrame > 0 {
		blocks = int(maxFrame-1)/hashBlockEntries + 1
	}
	for b := 0; b < blocks; b++ {
		pgno, _, st := s.block(b, false)
		if st != nil {
			return nil, st
		}
		if pgno == nil {
			continue
		}
		limit := hashBlockEntries
		if b == blocks-1 {
			limit = int(maxFrame-1)%hashBlockEntries + 1
		}
		for i := 0; i < limit; i++ {
			p := pageID(binary.BigEndian.Uint32(pgno[i*4:]))
			if p == 0 {
				continue
			}
			frame := uint32(b*hashBlockEntries + i + 1)
			if frame > latest[p] {
				latest[p] = frame
			}
		}
	}
	out := make([]pageFrame, 0, len(latest))
	for p, f := range latest {
		out = append(out, pageFrame{Page: p, Frame: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out, nil
}
