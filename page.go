package calico

import (
	"encoding/binary"
)

// Page size bounds (§3.1): a power of two in [minPageSize, maxPageSize].
const (
	minPageSize = 512
	maxPageSize = 65536
)

func validPageSize(n int) bool {
	if n < minPageSize || n > maxPageSize {
		return false
	}
	return n&(n-1) == 0
}

// fileHeaderSize is the size of the header occupying the first bytes of
// page 1 (§6.1). The remainder of page 1 holds the root node of the
// schema tree.
const fileHeaderSize = 100

const fileFormatVersion = 1

// fileHeader holds the decoded fields of the §6.1 on-disk header; the
// magic and version are checked by decodeFileHeader and written by
// encodeFileHeader rather than stored here.
type fileHeader struct {
	pageCount       uint32
	largestRoot     uint32
	freelistHead    uint32
	freelistLength  uint32
	pageSize        uint32 // decoded; 0 on disk means 65536
	changeCounter   uint64
}

const (
	fhOffMagic          = 0
	fhOffVersion         = 16
	fhOffPageCount       = 20
	fhOffLargestRoot     = 24
	fhOffFreelistHead    = 28
	fhOffFreelistLength  = 32
	fhOffPageSize        = 36
	fhOffReserved1       = 38
	fhOffChangeCounter   = 40
)

func decodeFileHeader(buf []byte) (*fileHeader, *Status) {
	if len(buf) < fileHeaderSize {
		return nil, Corruptionf("file header truncated: %d bytes", len(buf))
	}
	if !checkFileMagic(buf) {
		return nil, InvalidArgumentf("not a CalicoDB file")
	}
	version := binary.BigEndian.Uint32(buf[fhOffVersion:])
	if version != fileFormatVersion {
		return nil, InvalidArgumentf("unsupported file format version %d", version)
	}
	rawSize := binary.BigEndian.Uint16(buf[fhOffPageSize:])
	pageSize := uint32(rawSize)
	if rawSize == 0 {
		pageSize = 65536
	}
	if !validPageSize(int(pageSize)) {
		return nil, Corruptionf("invalid page size %d in file header", pageSize)
	}
	h := &fileHeader{
		pageCount:      binary.BigEndian.Uint32(buf[fhOffPageCount:]),
		largestRoot:    binary.BigEndian.Uint32(buf[fhOffLargestRoot:]),
		freelistHead:   binary.BigEndian.Uint32(buf[fhOffFreelistHead:]),
		freelistLength: binary.BigEndian.Uint32(buf[fhOffFreelistLength:]),
		pageSize:       pageSize,
		changeCounter:  binary.BigEndian.Uint64(buf[fhOffChangeCounter:]),
	}
	if h.freelistLength > h.pageCount {
		return nil, Corruptionf("freelist length %d exceeds page count %d", h.freelistLength, h.pageCount)
	}
	return h, nil
}

// writeFileMagic writes the fixed 16-byte file identification magic,
// used whenever the file header is encoded onto page 1.
func writeFileMagic(buf []byte) {
	copy(buf[0:16], []byte("CalicoDB format1"))
}

func encodeFileHeader(buf []byte, h *fileHeader) {
	writeFileMagic(buf)
	binary.BigEndian.PutUint32(buf[fhOffVersion:], fileFormatVersion)
	binary.BigEndian.PutUint32(buf[fhOffPageCount:], h.pageCount)
	binary.BigEndian.PutUint32(buf[fhOffLargestRoot:], h.largestRoot)
	binary.BigEndian.PutUint32(buf[fhOffFreelistHead:], h.freelistHead)
	binary.BigEndian.PutUint32(buf[fhOffFreelistLength:], h.freelistLength)
	size := uint16(h.pageSize)
	if h.pageSize == 65536 {
		size = 0
	}
	binary.BigEndian.PutUint16(buf[fhOffPageSize:], size)
	binary.BigEndian.PutUint64(buf[fhOffChangeCounter:], h.changeCounter)
}

// checkFileMagic reports whether buf starts with the expected magic.
func checkFileMagic(buf []byte) bool {
	if len(buf) < 16 {
		return false
	}
	return string(buf[0:16]) == "CalicoDB format1"
}
