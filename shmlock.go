package calico

// Byte-range lock slots on the shm file (§4.2.3, §5). Each is acquired
// with File.ShmLock at a fixed one-byte offset; WRITE and CHECKPOINT and
// RECOVER are each a single named lock, READ has kReaderCount slots.
const (
	lockWrite = iota
	lockCheckpoint
	lockRecover
	lockReadBase
)

func lockReadOffset(slot int) int { return lockReadBase + slot }

// totalLockBytes is the span reserved for named locks.
const totalLockBytes = lockReadBase + kReaderCount

// shmLocker bundles the shm File with small helpers for acquiring and
// releasing the named locks, so the pager/checkpoint code reads like the
// protocol description in §4.2.3 rather than raw offset arithmetic.
type shmLocker struct {
	f File
}

func (l *shmLocker) tryExclusive(offset int) *Status {
	return l.f.ShmLock(offset, 1, ShmLockExclusive)
}

func (l *shmLocker) trySharedRead(slot int) *Status {
	return l.f.ShmLock(lockReadOffset(slot), 1, ShmLockShared)
}

func (l *shmLocker) unlockExclusive(offset int) *Status {
	return l.f.ShmLock(offset, 1, ShmUnlockExclusive)
}

func (l *shmLocker) unlockSharedRead(slot int) *Status {
	return l.f.ShmLock(lockReadOffset(slot), 1, ShmUnlockShared)
}

func (l *shmLocker) lockWrite() *Status      { return l.tryExclusive(lockWrite) }
func (l *shmLocker) unlockWrite() *Status    { return l.unlockExclusive(lockWrite) }
func (l *shmLocker) lockCheckpoint() *Status { return l.tryExclusive(lockCheckpoint) }
func (l *shmLocker) unlockCheckpoint() *Status {
	return l.unlockExclusive(lockCheckpoint)
}
func (l *shmLocker) lockRecover() *Status   { return l.tryExclusive(lockRecover) }
func (l *shmLocker) unlockRecover() *Status { return l.unlockExclusive(lockRecover) }
