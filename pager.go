package calico

import (
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// pagerState is the transaction state machine of §4.3.1.
type pagerState uint8

const (
	stateOpen pagerState = iota
	stateRead
	stateWrite
	stateDirty
	stateError
)

func (s pagerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateRead:
		return "read"
	case stateWrite:
		return "write"
	case stateDirty:
		return "dirty"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

// releasePolicy controls what release does with a frame's cache residency
// once its pin count drops to zero (§4.3.2).
type releasePolicy uint8

const (
	releaseKeep releasePolicy = iota
	releaseNoCache
	releaseDiscard
)

// SyncMode controls how aggressively commit and checkpoint call Sync on
// the WAL and database file, trading durability for latency.
type SyncMode uint8

const (
	SyncOff SyncMode = iota
	SyncNormal
	SyncFull
)

// Pager is the page cache, WAL coordinator, and transaction arbiter
// described in §4.3. One Pager serves exactly one transaction at a time;
// concurrent pagers across processes/connections coordinate purely
// through the Env's file and shm locks plus the shm index.
type Pager struct {
	mu sync.Mutex

	env     Env
	dbFile  File
	walFile File
	shmFile File
	dbPath  string

	log *zap.Logger
	opts Options

	pageSize int
	cache    *pageCache
	wal      *wal
	shm      *shmIndex
	locker   *shmLocker

	state  pagerState
	status *Status

	hdr            fileHeader
	readerSlot     int
	readerMaxFrame uint32
	initedCounter  uint32

	writeStartFrame uint32

	commitsSinceCheckpoint uint32
}

// openPager opens (creating if necessary) the database at path, along
// with its "-wal" and "-shm" companion files, and leaves the Pager in
// state Open.
func openPager(env Env, path string, opts Options) (*Pager, *Status) {
	opts = opts.withDefaults()
	dbFile, err := env.OpenFile(path, true)
	if err != nil {
		return nil, IOErrorWrap(err)
	}
	walFile, err := env.OpenFile(path+"-wal", true)
	if err != nil {
		return nil, IOErrorWrap(err)
	}
	shmFile, err := env.OpenFile(path+"-shm", true)
	if err != nil {
		return nil, IOErrorWrap(err)
	}

	p := &Pager{
		env:     env,
		dbFile:  dbFile,
		walFile: walFile,
		shmFile: shmFile,
		dbPath:  path,
		log:     opts.Logger,
		opts:    opts,
		state:   stateOpen,
		shm:     newShmIndex(shmFile),
		locker:  &shmLocker{f: shmFile},
	}

	size, err := env.FileSize(path)
	if err != nil {
		return nil, IOErrorWrap(err)
	}
	if size == 0 {
		if st := p.initFresh(); st != nil {
			return nil, st
		}
	} else {
		hdrBuf := make([]byte, fileHeaderSize)
		if _, err := dbFile.ReadAt(hdrBuf, 0); err != nil {
			return nil, IOErrorWrap(err)
		}
		hdr, st := decodeFileHeader(hdrBuf)
		if st != nil {
			return nil, st
		}
		p.hdr = *hdr
		p.pageSize = int(hdr.pageSize)
	}
	p.cache = newPageCache(opts.CacheFrames, p.pageSize)
	return p, nil
}

func (p *Pager) initFresh() *Status {
	p.pageSize = p.opts.PageSize
	p.hdr = fileHeader{pageCount: 1, pageSize: uint32(p.pageSize), changeCounter: 1}
	buf := make([]byte, p.pageSize)
	encodeFileHeader(buf, &p.hdr)
	root := newNode(1, nodeLeaf, buf[fileHeaderSize:])
	_ = root
	if _, err := p.dbFile.WriteAt(buf, 0); err != nil {
		return IOErrorWrap(err)
	}
	return nil
}

// latch records a sticky error; once set, every pager operation
// short-circuits until finish() clears it via a transition out of Error.
func (p *Pager) latch(st *Status) *Status {
	if st != nil && st.Code != Busy {
		p.state = stateError
		p.status = st
	}
	return st
}

func (p *Pager) checkStatus() *Status {
	if p.status != nil {
		return p.status
	}
	return nil
}

// lockReader implements start_read (§4.2.3, §4.3.2): take a consistent
// snapshot of the WAL's committed length. changed reports whether the
// snapshot's change counter differs from what the pager last cached, in
// which case unpinned clean pages must be dropped before reuse.
func (p *Pager) lockReader() (changed bool, st *Status) {
	if st := p.checkStatus(); st != nil {
		return false, st
	}
	hdr, ok, err := p.shm.readHeader()
	if err != nil {
		return false, p.latch(err)
	}
	if !ok || !hdr.initialized {
		if st := p.locker.trySharedRead(0); st != nil {
			return false, st
		}
		p.readerSlot = 0
		p.readerMaxFrame = 0
		p.state = stateRead
		return hdr.changeCounter != p.initedCounter, nil
	}

	slot := -1
	for k := 0; k < kReaderCount; k++ {
		mark, err := p.shm.readerMark(k)
		if err != nil {
			return false, p.latch(err)
		}
		if mark == hdr.maxFrame {
			if st := p.locker.trySharedRead(k); st == nil {
				slot = k
				break
			}
		}
	}
	if slot == -1 {
		if st := p.locker.tryExclusive(lockReadOffset(0)); st != nil {
			p.log.Warn("reader slot acquisition busy, retrying", zap.String("path", p.dbPath))
			return false, BusyStatus(true)
		}
		_ = p.shm.setReaderMark(0, hdr.maxFrame)
		p.locker.unlockExclusive(lockReadOffset(0))
		if st := p.locker.trySharedRead(0); st != nil {
			p.log.Warn("reader slot acquisition busy, retrying", zap.String("path", p.dbPath))
			return false, BusyStatus(true)
		}
		slot = 0
	}

	p.readerSlot = slot
	p.readerMaxFrame = hdr.maxFrame
	changed = hdr.changeCounter != p.initedCounter
	p.initedCounter = hdr.changeCounter
	p.state = stateRead
	if changed {
		p.evictClean()
	}
	return changed, nil
}

func (p *Pager) evictClean() {
	evicted := 0
	for id, f := range p.cache.byID {
		if f.refCount == 0 && !f.dirty {
			p.cache.erase(id)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debug("evicted clean pages after snapshot change", zap.Int("count", evicted))
	}
}

// beginWriter implements start_write (§4.3.2): acquire the exclusive
// WRITE lock and remember the starting frame for rollback.
func (p *Pager) beginWriter() *Status {
	if st := p.checkStatus(); st != nil {
		return st
	}
	if p.state != stateRead {
		return InvalidArgumentf("begin_writer requires state read, got %s", p.state)
	}
	if st := p.locker.lockWrite(); st != nil {
		if st.Code == Busy {
			p.log.Warn("begin_writer busy, WRITE lock held elsewhere", zap.String("path", p.dbPath))
		}
		return st
	}
	if p.wal == nil {
		fresh := true
		if size, err := p.env.FileSize(p.dbPath + "-wal"); err == nil && size > 0 {
			fresh = false
		}
		sz, _ := p.env.FileSize(p.dbPath + "-wal")
		w, st := openWAL(p.walFile, p.pageSize, sz, fresh, p.env)
		if st != nil {
			p.locker.unlockWrite()
			return p.latch(st)
		}
		p.wal = w
	}
	p.writeStartFrame = p.wal.maxFrame
	p.state = stateWrite
	return nil
}

// acquire fetches page id, reading from the WAL snapshot if a frame
// covers it, else from the database file (§4.3.2).
func (p *Pager) acquire(id pageID) (*frame, *Status) {
	if st := p.checkStatus(); st != nil {
		return nil, st
	}
	if p.state != stateRead && p.state != stateWrite && p.state != stateDirty {
		return nil, InvalidArgumentf("acquire requires an active transaction, got %s", p.state)
	}
	if f := p.cache.lookup(id); f != nil {
		return f, nil
	}
	if uint32(id) < 1 || uint32(id) > p.hdr.pageCount+1 {
		st := Corruptionf("page id %d out of range [1,%d]", id, p.hdr.pageCount+1)
		p.log.Error("corruption detected", zap.Uint32("page", uint32(id)), zap.Uint32("pageCount", p.hdr.pageCount))
		return nil, p.latch(st)
	}
	p.log.Debug("page fault", zap.Uint32("page", uint32(id)))
	f, st := p.cache.allocate(id)
	if st != nil {
		return nil, st
	}
	if p.wal != nil {
		if frameNo, ok, err := p.shm.lookup(id, 0, p.readerMaxFrame); err != nil {
			return nil, p.latch(err)
		} else if ok {
			payload, err := p.wal.readFrame(frameNo)
			if err != nil {
				return nil, p.latch(err)
			}
			copy(f.data, payload)
			return f, nil
		}
	}
	off := int64(uint32(id)-1) * int64(p.pageSize)
	if uint32(id) <= p.hdr.pageCount {
		// Pages counted in pageCount but never written (such as a
		// pointer-map page skipped by allocate) read as zeros.
		if _, err := p.dbFile.ReadAt(f.data, off); err != nil && err != io.EOF {
			return nil, p.latch(IOErrorWrap(err))
		}
	}
	return f, nil
}

// allocate produces a frame for a brand-new page, preferring a freelist
// page over extending the file (§4.3.2, §4.4).
func (p *Pager) allocate() (*frame, *Status) {
	if st := p.checkStatus(); st != nil {
		return nil, st
	}
	if id, ok, st := freelistPop(p); st != nil {
		return nil, st
	} else if ok {
		f, st := p.cache.lookup(id), (*Status)(nil)
		if f == nil {
			f, st = p.cache.allocate(id)
			if st != nil {
				return nil, st
			}
		}
		p.markDirty(f)
		return f, nil
	}

	next := pageID(p.hdr.pageCount + 1)
	for isPointerMapPage(next, p.pageSize) {
		p.hdr.pageCount++
		next = pageID(p.hdr.pageCount + 1)
	}
	f, st := p.cache.allocate(next)
	if st != nil {
		return nil, st
	}
	p.hdr.pageCount++
	p.markDirty(f)
	return f, nil
}

func (p *Pager) markDirty(f *frame) {
	p.cache.markDirty(f)
	if p.state == stateWrite {
		p.state = stateDirty
	}
}

func (p *Pager) release(f *frame, policy releasePolicy) {
	p.cache.unref(f)
	if f.refCount > 0 {
		return
	}
	switch policy {
	case releaseNoCache:
		if !f.dirty {
			p.cache.erase(f.id)
		}
	case releaseDiscard:
		p.cache.erase(f.id)
	}
}

// movePage changes a dirty page's identity, used by vacuum and freelist
// maintenance (§4.3.2, §4.6.7).
func (p *Pager) movePage(f *frame, dst pageID) *Status {
	if !f.dirty {
		return Corruptionf("move_page requires a dirty frame")
	}
	p.cache.rekey(f, dst)
	return nil
}

func (p *Pager) setPageCount(n uint32) {
	p.hdr.pageCount = n
}

// commit writes every dirty page to the WAL as one frame group, the last
// frame carrying the commit marker, then publishes the new snapshot
// (§4.3.2).
func (p *Pager) commit() *Status {
	if st := p.checkStatus(); st != nil {
		return st
	}
	if p.state == stateWrite {
		p.locker.unlockWrite()
		p.state = stateRead
		return nil
	}
	if p.state != stateDirty {
		return InvalidArgumentf("commit requires state write or dirty, got %s", p.state)
	}

	root, st := p.acquire(1)
	if st != nil {
		return p.latch(st)
	}
	p.markDirty(root)
	p.hdr.changeCounter++
	encodeFileHeader(root.data[:fileHeaderSize], &p.hdr)
	p.release(root, releaseKeep)

	dirty := p.cache.dirty.sorted()
	for i, f := range dirty {
		commit := uint32(0)
		if i == len(dirty)-1 {
			commit = p.hdr.pageCount
		}
		frameNo, st := p.wal.appendFrame(f.id, commit, f.data)
		if st != nil {
			return p.latch(st)
		}
		if st := p.shm.assign(f.id, frameNo); st != nil {
			return p.latch(st)
		}
	}
	if p.opts.SyncMode >= SyncNormal {
		if err := p.walFile.Sync(); err != nil {
			return p.latch(IOErrorWrap(err))
		}
	}

	hdr, _, st := p.shm.readHeader()
	if st != nil {
		return p.latch(st)
	}
	hdr.changeCounter++
	hdr.initialized = true
	hdr.maxFrame = p.wal.maxFrame
	hdr.pageCount = p.hdr.pageCount
	hdr.cksum0, hdr.cksum1 = p.wal.cksum0, p.wal.cksum1
	hdr.salt1, hdr.salt2 = p.wal.salt1, p.wal.salt2
	if st := p.shm.writeHeader(hdr); st != nil {
		return p.latch(st)
	}
	p.shmFile.ShmBarrier()

	for _, f := range dirty {
		p.cache.clearDirty(f)
	}
	p.locker.unlockWrite()
	p.state = stateWrite

	p.commitsSinceCheckpoint++
	if p.opts.AutoCheckpointFrames > 0 && p.commitsSinceCheckpoint >= p.opts.AutoCheckpointFrames {
		p.commitsSinceCheckpoint = 0
		if st := p.checkpoint(CheckpointPassive, nil); st != nil && !st.IsOK() {
			if st.Code != Busy {
				return p.latch(st)
			}
			p.log.Warn("auto-checkpoint busy, deferring", zap.String("path", p.dbPath))
		}
	}
	return nil
}

// finish releases WAL locks and, from Dirty/Error, rolls back in-shm
// state and clears the dirty list (§4.3.2).
func (p *Pager) finish() {
	if p.state == stateDirty || p.state == stateError {
		if p.wal != nil {
			sz, _ := p.env.FileSize(p.dbPath + "-wal")
			p.wal.rollback(p.writeStartFrame, sz)
			_ = p.shm.cleanup(p.writeStartFrame)
		}
		for _, f := range p.cache.dirty.sorted() {
			p.cache.clearDirty(f)
			p.cache.erase(f.id)
		}
		if p.state == stateWrite || p.state == stateDirty {
			p.locker.unlockWrite()
		}
	}
	if p.state == stateWrite {
		p.locker.unlockWrite()
	}
	if p.readerSlot >= 0 && p.state != stateOpen {
		p.locker.unlockSharedRead(p.readerSlot)
	}
	p.state = stateOpen
	p.status = nil
}

// close releases the underlying files; it does not run finish, callers
// must already be in state Open.
func (p *Pager) close() error {
	var err error
	err = multierr.Append(err, p.dbFile.Close())
	if p.walFile != nil {
		err = multierr.Append(err, p.walFile.Close())
	}
	if p.shmFile != nil {
		err = multierr.Append(err, p.shmFile.Close())
	}
	return err
}
