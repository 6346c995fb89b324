package calico

import "time"

// Env is the OS-facing collaborator the core consumes but never implements
// to completion: file I/O, advisory locking, shared-memory mapping, the
// clock, and randomness. It is an external interface the core only ever
// programs against. See posixenv.go for the adapter used by tests and the
// default on-disk deployment.
type Env interface {
	OpenFile(path string, create bool) (File, error)
	FileExists(path string) bool
	FileSize(path string) (int64, error)
	ResizeFile(path string, size int64) error
	RemoveFile(path string) error

	Srand(seed int64)
	Rand() uint32
	Sleep(d time.Duration)
}

// FileLockMode is the whole-file advisory lock held on the database file
// for the life of a connection (§5, item 1).
type FileLockMode int

const (
	FileLockNone FileLockMode = iota
	FileLockShared
	FileLockExclusive
)

// ShmLockOp selects a shm-file byte-range lock operation (§4.2.3/§5).
type ShmLockOp int

const (
	ShmLockShared ShmLockOp = iota
	ShmLockExclusive
	ShmUnlockShared
	ShmUnlockExclusive
)

// File is the per-open-file capability set the core needs: ordinary
// read/write/resize/sync, the whole-file lock, and the shm-specific
// operations (region mapping, byte-range locks, and the memory barrier)
// used only on the ".shm" companion file.
type File interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error

	Lock(mode FileLockMode) *Status
	Unlock() *Status

	// ShmMap returns the mapping for shm region regionIndex (each region is
	// shmRegionSize bytes), extending the file and mapping if needed.
	ShmMap(regionIndex int, extend bool) ([]byte, *Status)
	// ShmLock acquires/releases a byte-range lock starting at offset,
	// spanning n lock bytes (§4.2.3 names WRITE/CHECKPOINT/RECOVER/READ[k]).
	ShmLock(offset, n int, op ShmLockOp) *Status
	ShmUnmap(unlink bool) *Status
	// ShmBarrier issues a full memory barrier; see §5.
	ShmBarrier()
}

