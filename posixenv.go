//go:build unix

package calico

import (
	"math/rand"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// posixEnv is the default Env, backing the database and shm files with
// ordinary files plus POSIX advisory locks and mmap. Grounded on the
// retrieved mjm918-tur/pkg/pager (mmap_unix.go, mmap_windows.go split) and
// turdb/lock_unix.go, and on the bbolt fork's Open()/mmap() sequencing.
type posixEnv struct {
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEnv returns the default posix-backed Env.
func NewEnv() Env {
	return &posixEnv{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (e *posixEnv) OpenFile(path string, create bool) (File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	return &posixFile{file: f}, nil
}

func (e *posixEnv) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (e *posixEnv) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (e *posixEnv) ResizeFile(path string, size int64) error {
	return os.Truncate(path, size)
}

func (e *posixEnv) RemoveFile(path string) error {
	return os.Remove(path)
}

func (e *posixEnv) Srand(seed int64) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	e.rng = rand.New(rand.NewSource(seed))
}

func (e *posixEnv) Rand() uint32 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Uint32()
}

func (e *posixEnv) Sleep(d time.Duration) {
	time.Sleep(d)
}

// posixFile implements File over an *os.File plus an optional mmap-ed
// shared-memory region for the ".shm" companion file.
type posixFile struct {
	file *os.File

	mu      sync.Mutex
	regions [][]byte // one slice per mapped shm region
}

func (f *posixFile) ReadAt(buf []byte, offset int64) (int, error) {
	return f.file.ReadAt(buf, offset)
}

func (f *posixFile) WriteAt(buf []byte, offset int64) (int, error) {
	return f.file.WriteAt(buf, offset)
}

func (f *posixFile) Truncate(size int64) error {
	return f.file.Truncate(size)
}

func (f *posixFile) Sync() error {
	return f.file.Sync()
}

func (f *posixFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.regions {
		if r != nil {
			_ = unix.Munmap(r)
		}
	}
	f.regions = nil
	return f.file.Close()
}

func (f *posixFile) Lock(mode FileLockMode) *Status {
	var how int
	switch mode {
	case FileLockShared:
		how = unix.LOCK_SH | unix.LOCK_NB
	case FileLockExclusive:
		how = unix.LOCK_EX | unix.LOCK_NB
	default:
		return nil
	}
	if err := unix.Flock(int(f.file.Fd()), how); err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return BusyStatus(true)
		}
		return IOErrorWrap(err)
	}
	return nil
}

func (f *posixFile) Unlock() *Status {
	if err := unix.Flock(int(f.file.Fd()), unix.LOCK_UN); err != nil {
		return IOErrorWrap(err)
	}
	return nil
}

func (f *posixFile) ShmMap(regionIndex int, extend bool) ([]byte, *Status) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.regions) <= regionIndex {
		f.regions = append(f.regions, nil)
	}
	if f.regions[regionIndex] != nil {
		return f.regions[regionIndex], nil
	}

	needed := int64(regionIndex+1) * shmRegionSize
	info, err := f.file.Stat()
	if err != nil {
		return nil, IOErrorWrap(err)
	}
	if info.Size() < needed {
		if !extend {
			return nil, nil
		}
		if err := f.file.Truncate(needed); err != nil {
			return nil, IOErrorWrap(err)
		}
	}

	data, err := unix.Mmap(int(f.file.Fd()), int64(regionIndex)*shmRegionSize, shmRegionSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, IOErrorWrap(err)
	}
	f.regions[regionIndex] = data
	return data, nil
}

// ShmLock takes or drops an fcntl record lock on n bytes at offset in the
// shm file. The kReaderCount+3 named lock slots (shmlock.go) are the
// bytes at offsets 0 through totalLockBytes-1. fcntl rather than flock,
// since distinct named locks need independent, non-whole-file ranges.
func (f *posixFile) ShmLock(offset, n int, op ShmLockOp) *Status {
	lk := unix.Flock_t{
		Start: int64(offset),
		Len:   int64(n),
	}
	switch op {
	case ShmLockShared:
		lk.Type = unix.F_RDLCK
	case ShmLockExclusive:
		lk.Type = unix.F_WRLCK
	case ShmUnlockShared, ShmUnlockExclusive:
		lk.Type = unix.F_UNLCK
	}
	if err := unix.FcntlFlock(f.file.Fd(), unix.F_SETLK, &lk); err != nil {
		if err == unix.EACCES || err == unix.EAGAIN {
			return BusyStatus(true)
		}
		return IOErrorWrap(err)
	}
	return nil
}

func (f *posixFile) ShmUnmap(unlink bool) *Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.regions {
		if r != nil {
			_ = unix.Munmap(r)
			f.regions[i] = nil
		}
	}
	if unlink {
		if name := f.file.Name(); name != "" {
			_ = os.Remove(name)
		}
	}
	return nil
}

func (f *posixFile) ShmBarrier() {
	// A full barrier on amd64/arm64 Go is satisfied by any atomic op;
	// Msync with MS_SYNC gives the additional guarantee that the shm
	// index header write is visible to other processes' mappings.
	f.mu.Lock()
	regions := f.regions
	f.mu.Unlock()
	for _, r := range regions {
		if r != nil {
			_ = unix.Msync(r, unix.MS_SYNC)
		}
	}
}
