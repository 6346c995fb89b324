package calico

import "encoding/binary"

// On-disk WAL layout (§4.2.1, §6.2): a 32-byte header followed by frames
// of a 24-byte header plus one page-size payload each.
const (
	walHeaderSize  = 32
	walFrameHeaderSize = 24
)

const walMagic = 0x43414c57 // "CALW"
const walFormatVersion = 1

type walHeader struct {
	pageSize  uint32
	ckptSeq   uint32
	salt1     uint32
	salt2     uint32
}

func decodeWALHeader(buf []byte) (*walHeader, *Status) {
	if len(buf) < walHeaderSize {
		return nil, Corruptionf("wal header truncated")
	}
	if binary.BigEndian.Uint32(buf[0:]) != walMagic {
		return nil, Corruptionf("bad wal magic")
	}
	if binary.BigEndian.Uint32(buf[4:]) != walFormatVersion {
		return nil, InvalidArgumentf("unsupported wal version")
	}
	h := &walHeader{
		pageSize: binary.BigEndian.Uint32(buf[8:]),
		ckptSeq:  binary.BigEndian.Uint32(buf[12:]),
		salt1:    binary.BigEndian.Uint32(buf[16:]),
		salt2:    binary.BigEndian.Uint32(buf[20:]),
	}
	s0, s1 := walChecksum(0, 0, buf[0:24])
	got := binary.BigEndian.Uint64(buf[24:])
	want := uint64(s0)<<32 | uint64(s1)
	if got != want {
		return nil, Corruptionf("wal header checksum mismatch")
	}
	return h, nil
}

func encodeWALHeader(buf []byte, h *walHeader) {
	binary.BigEndian.PutUint32(buf[0:], walMagic)
	binary.BigEndian.PutUint32(buf[4:], walFormatVersion)
	binary.BigEndian.PutUint32(buf[8:], h.pageSize)
	binary.BigEndian.PutUint32(buf[12:], h.ckptSeq)
	binary.BigEndian.PutUint32(buf[16:], h.salt1)
	binary.BigEndian.PutUint32(buf[20:], h.salt2)
	s0, s1 := walChecksum(0, 0, buf[0:24])
	binary.BigEndian.PutUint64(buf[24:], uint64(s0)<<32|uint64(s1))
}

// frameHeader is the 24-byte prefix preceding each frame's payload.
type frameHeader struct {
	page   pageID
	commit uint32 // 0 unless this is the last frame of a committed group
	salt1  uint32
	salt2  uint32
	cksum0 uint32
	cksum1 uint32
}

func decodeFrameHeader(buf []byte) frameHeader {
	return frameHeader{
		page:   pageID(binary.BigEndian.Uint32(buf[0:])),
		commit: binary.BigEndian.Uint32(buf[4:]),
		salt1:  binary.BigEndian.Uint32(buf[8:]),
		salt2:  binary.BigEndian.Uint32(buf[12:]),
		cksum0: binary.BigEndian.Uint32(buf[16:]),
		cksum1: binary.BigEndian.Uint32(buf[20:]),
	}
}

func encodeFrameHeader(buf []byte, fh frameHeader) {
	binary.BigEndian.PutUint32(buf[0:], uint32(fh.page))
	binary.BigEndian.PutUint32(buf[4:], fh.commit)
	binary.BigEndian.PutUint32(buf[8:], fh.salt1)
	binary.BigEndian.PutUint32(buf[12:], fh.salt2)
	binary.BigEndian.PutUint32(buf[16:], fh.cksum0)
	binary.BigEndian.PutUint32(buf[20:], fh.cksum1)
}

// walChecksum implements the rolling two-word mix (§4.2.1): each 8-byte
// group of the input is read as two big-endian u32 words and folded into
// the running (s0, s1) state. The same function checksums the WAL header,
// each frame header prefix, and each frame's payload, continuing the
// chain from the previous valid frame.
func walChecksum(s0, s1 uint32, data []byte) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		x0 := binary.BigEndian.Uint32(data[i:])
		x1 := binary.BigEndian.Uint32(data[i+4:])
		s0 += x0 + s1
		s1 += x1 + s0
	}
	return s0, s1
}

// frameChecksum continues the chain (prev0, prev1) across a frame's
// 16-byte checksummed header prefix (page id + commit + salts) and its
// payload.
func frameChecksum(prev0, prev1 uint32, fh frameHeader, payload []byte) (uint32, uint32) {
	var prefix [16]byte
	binary.BigEndian.PutUint32(prefix[0:], uint32(fh.page))
	binary.BigEndian.PutUint32(prefix[4:], fh.commit)
	binary.BigEndian.PutUint32(prefix[8:], fh.salt1)
	binary.BigEndian.PutUint32(prefix[12:], fh.salt2)
	s0, s1 := walChecksum(prev0, prev1, prefix[:])
	return walChecksum(s0, s1, payload)
}

// wal drives the append-only log file: header validation/creation,
// frame append, and the tail-validating recovery scan (§4.2.1).
type wal struct {
	file     File
	pageSize int
	salt1    uint32
	salt2    uint32
	ckptSeq  uint32

	// maxFrame is the number of frames known valid in this process; it is
	// advanced on append and reconciled against the shm index on commit.
	maxFrame uint32
	cksum0, cksum1 uint32
}

func frameOffset(frameNo uint32, pageSize int) int64 {
	return walHeaderSize + int64(frameNo-1)*int64(walFrameHeaderSize+pageSize)
}

func openWAL(f File, pageSize int, fileSize int64, fresh bool, rng Env) (*wal, *Status) {
	w := &wal{file: f, pageSize: pageSize}
	if fresh {
		w.salt1 = rng.Rand()
		w.salt2 = rng.Rand()
		buf := make([]byte, walHeaderSize)
		encodeWALHeader(buf, &walHeader{pageSize: uint32(pageSize), salt1: w.salt1, salt2: w.salt2})
		if _, err := f.WriteAt(buf, 0); err != nil {
			return nil, IOErrorWrap(err)
		}
		return w, nil
	}
	buf := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, IOErrorWrap(err)
	}
	hdr, st := decodeWALHeader(buf)
	if st != nil {
		return nil, st
	}
	if int(hdr.pageSize) != pageSize {
		return nil, Corruptionf("wal page size %d does not match database page size %d", hdr.pageSize, pageSize)
	}
	w.salt1, w.salt2, w.ckptSeq = hdr.salt1, hdr.salt2, hdr.ckptSeq
	max, c0, c1, st := w.recoverTail(fileSize)
	if st != nil {
		return nil, st
	}
	w.maxFrame, w.cksum0, w.cksum1 = max, c0, c1
	return w, nil
}

// recoverTail scans every frame from the start, validating the checksum
// chain, and returns the largest commit frame whose entire prefix chain
// validates (§4.2.1). size is the WAL file's current length, obtained by
// the caller via Env.FileSize.
func (w *wal) recoverTail(size int64) (uint32, uint32, uint32, *Status) {
	frameSpan := int64(walFrameHeaderSize + w.pageSize)
	n := uint32((size - walHeaderSize) / frameSpan)

	var s0, s1 uint32
	var lastCommit uint32
	var lastC0, lastC1 uint32
	hdrBuf := make([]byte, walFrameHeaderSize)
	payload := make([]byte, w.pageSize)
	for i := uint32(1); i <= n; i++ {
		off := frameOffset(i, w.pageSize)
		if _, err := w.file.ReadAt(hdrBuf, off); err != nil {
			break
		}
		fh := decodeFrameHeader(hdrBuf)
		if fh.salt1 != w.salt1 || fh.salt2 != w.salt2 {
			break
		}
		if _, err := w.file.ReadAt(payload, off+walFrameHeaderSize); err != nil {
			break
		}
		ns0, ns1 := frameChecksum(s0, s1, fh, payload)
		if ns0 != fh.cksum0 || ns1 != fh.cksum1 {
			break
		}
		s0, s1 = ns0, ns1
		if fh.commit != 0 {
			lastCommit = i
			lastC0, lastC1 = s0, s1
		}
	}
	return lastCommit, lastC0, lastC1, nil
}

// appendFrame writes one frame, continuing the checksum chain, and
// returns its frame number. commit is 0 for an ordinary frame or the
// post-commit page count for the last frame of a committing group.
func (w *wal) appendFrame(page pageID, commit uint32, payload []byte) (uint32, *Status) {
	frameNo := w.maxFrame + 1
	fh := frameHeader{page: page, commit: commit, salt1: w.salt1, salt2: w.salt2}
	fh.cksum0, fh.cksum1 = frameChecksum(w.cksum0, w.cksum1, fh, payload)

	buf := make([]byte, walFrameHeaderSize+len(payload))
	encodeFrameHeader(buf, fh)
	copy(buf[walFrameHeaderSize:], payload)

	off := frameOffset(frameNo, w.pageSize)
	if _, err := w.file.WriteAt(buf, off); err != nil {
		return 0, IOErrorWrap(err)
	}
	w.maxFrame = frameNo
	w.cksum0, w.cksum1 = fh.cksum0, fh.cksum1
	return frameNo, nil
}

// readFrame returns the payload stored at frameNo.
func (w *wal) readFrame(frameNo uint32) ([]byte, *Status) {
	off := frameOffset(frameNo, w.pageSize)
	payload := make([]byte, w.pageSize)
	if _, err := w.file.ReadAt(payload, off+walFrameHeaderSize); err != nil {
		return nil, IOErrorWrap(err)
	}
	return payload, nil
}

// rollback truncates the chain back to frameNo, recomputing the running
// checksum by rescanning up to that point (used after an aborted write).
// fileSize is the WAL's current length, as reported by Env.FileSize.
func (w *wal) rollback(frameNo uint32, fileSize int64) {
	if frameNo == 0 {
		w.maxFrame, w.cksum0, w.cksum1 = 0, 0, 0
		return
	}
	limit := frameOffset(frameNo+1, w.pageSize)
	if fileSize < limit {
		limit = fileSize
	}
	max, c0, c1, st := w.recoverTail(limit)
	if st != nil || max < frameNo {
		w.maxFrame = frameNo
		return
	}
	w.maxFrame, w.cksum0, w.cksum1 = frameNo, c0, c1
}

// advanceSalts is called by a restart checkpoint so that any leftover
// bytes past the new start of the WAL fail checksum validation on the
// next open, even though they were never truncated from disk.
func (w *wal) advanceSalts(rng Env) {
	w.salt1 = rng.Rand()
	w.salt2 = rng.Rand()
	w.maxFrame = 0
	w.cksum0, w.cksum1 = 0, 0
	w.ckptSeq++
	buf := make([]byte, walHeaderSize)
	encodeWALHeader(buf, &walHeader{pageSize: uint32(w.pageSize), salt1: w.salt1, salt2: w.salt2, ckptSeq: w.ckptSeq})
	_, _ = w.file.WriteAt(buf, 0)
}
