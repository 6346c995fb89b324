package calico

import "go.uber.org/zap"

// CheckpointMode selects how aggressively a checkpoint backfills the
// WAL into the database file (§4.2.3, §4.3.2).
type CheckpointMode uint8

const (
	// CheckpointPassive never blocks: it fails with Busy instead of
	// waiting for the WRITE lock. It does not consult reader marks, and
	// backfills every frame up to max_frame.
	CheckpointPassive CheckpointMode = iota
	// CheckpointFull waits for the WRITE lock and for every reader to
	// advance past the current end of the WAL before backfilling. It
	// waits by consulting the busy handler and retrying while that
	// returns true; with no handler, or once it returns false, it fails
	// with Busy.
	CheckpointFull
	// CheckpointRestart does everything Full does, then, if READ[0] can
	// be taken exclusively, resets the WAL to empty (new salts,
	// max_frame back to zero) so the next writer starts a fresh WAL file
	// region. If READ[0] cannot be taken, the WAL is left as it is.
	CheckpointRestart
)

// checkpoint implements the checkpointer protocol of §4.2.3: acquire
// CHECKPOINT then RECOVER exclusively, take (or fail to take, in
// Passive mode) the WRITE lock, then copy every page named in the shm
// index up to the current max_frame into the database file in
// page-id order.
func (p *Pager) checkpoint(mode CheckpointMode, busyHandler func() bool) *Status {
	if st := p.checkStatus(); st != nil {
		return st
	}
	if st := p.locker.lockCheckpoint(); st != nil {
		return st
	}
	defer p.locker.unlockCheckpoint()

	if st := p.locker.lockRecover(); st != nil {
		return st
	}
	defer p.locker.unlockRecover()

	if p.wal == nil {
		return nil
	}

	wait := func(st *Status) *Status {
		if mode == CheckpointPassive {
			return st
		}
		p.log.Warn("checkpoint busy, retrying", zap.String("path", p.dbPath))
		if busyHandler != nil && busyHandler() {
			return nil
		}
		if p.opts.BusyHandler != nil && p.opts.BusyHandler() {
			return nil
		}
		return st
	}

	for {
		st := p.locker.lockWrite()
		if st == nil {
			break
		}
		if st := wait(st); st != nil {
			return st
		}
	}
	writeLocked := true
	defer func() {
		if writeLocked {
			p.locker.unlockWrite()
		}
	}()

	hdr, ok, st := p.shm.readHeader()
	if st != nil {
		return st
	}
	if !ok || !hdr.initialized || hdr.maxFrame == 0 {
		return nil
	}

	if mode != CheckpointPassive {
		for {
			blocked := false
			for k := 0; k < kReaderCount; k++ {
				mark, st := p.shm.readerMark(k)
				if st != nil {
					return st
				}
				if mark != 0 && mark < hdr.maxFrame {
					blocked = true
					break
				}
			}
			if !blocked {
				break
			}
			if st := wait(BusyStatus(true)); st != nil {
				return st
			}
		}
	}

	backfilledThrough := hdr.maxFrame
	pairs, st := p.shm.iterate(hdr.maxFrame)
	if st != nil {
		return st
	}
	for _, pf := range pairs {
		payload, st := p.wal.readFrame(pf.Frame)
		if st != nil {
			return st
		}
		off := int64(uint32(pf.Page)-1) * int64(p.pageSize)
		if _, err := p.dbFile.WriteAt(payload, off); err != nil {
			return IOErrorWrap(err)
		}
	}
	if p.opts.SyncMode >= SyncNormal {
		if err := p.dbFile.Sync(); err != nil {
			return IOErrorWrap(err)
		}
	}

	if mode == CheckpointRestart {
		if st := p.locker.tryExclusive(lockReadOffset(0)); st == nil {
			p.wal.advanceSalts(p.env)
			hdr.maxFrame = 0
			hdr.cksum0, hdr.cksum1 = p.wal.cksum0, p.wal.cksum1
			hdr.salt1, hdr.salt2 = p.wal.salt1, p.wal.salt2
			werr := p.shm.writeHeader(hdr)
			for k := 0; k < kReaderCount; k++ {
				_ = p.shm.setReaderMark(k, 0)
			}
			p.locker.unlockExclusive(lockReadOffset(0))
			if werr != nil {
				return werr
			}
		}
	}

	p.locker.unlockWrite()
	writeLocked = false
	p.log.Info("checkpoint complete",
		zap.Uint8("mode", uint8(mode)),
		zap.Int("framesBackfilled", len(pairs)),
		zap.Uint32("maxFrame", backfilledThrough))
	return nil
}
