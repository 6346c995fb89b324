package calico

import (
	"testing"
	"time"

	"github.com/calicokv/calicokv/internal/testutil"
)

// faultEnv wraps the default posix Env, routing every opened File's
// WriteAt through a shared testutil.ResourceLimiter so tests can
// simulate a full disk without needing to actually exhaust storage.
type faultEnv struct {
	Env
	limiter *testutil.ResourceLimiter
}

func (e *faultEnv) OpenFile(path string, create bool) (File, error) {
	f, err := e.Env.OpenFile(path, create)
	if err != nil {
		return nil, err
	}
	return &faultFile{File: f, limiter: e.limiter}, nil
}

type faultFile struct {
	File
	limiter *testutil.ResourceLimiter
}

func (f *faultFile) WriteAt(buf []byte, offset int64) (int, error) {
	if f.limiter != nil {
		if err := f.limiter.Reserve(int64(len(buf))); err != nil {
			return 0, err
		}
	}
	return f.File.WriteAt(buf, offset)
}

// TestCommitFailsWhenDiskBudgetExhausted confirms a WAL write failure
// during commit (e.g. ENOSPC) surfaces as an IOError status instead of
// silently losing the transaction. Put itself only mutates in-memory
// pages; the budget is actually spent when commit appends WAL frames,
// so the limiter is sized to allow the file to open but not to survive
// a large commit. Dirty pages cannot be evicted before commit, so the
// cache is sized to hold every page the Puts dirty.
func TestCommitFailsWhenDiskBudgetExhausted(t *testing.T) {
	limiter := testutil.NewResourceLimiter(1 << 20)
	env := &faultEnv{Env: NewEnv(), limiter: limiter}

	db := openTestDB(t, WithEnv(env), WithCacheFrames(1<<14))
	tx := mustBegin(t, db, true)
	b, st := tx.CreateBucket("budget")
	if st != nil {
		t.Fatalf("CreateBucket: %v", st)
	}

	big := make([]byte, 4096)
	for i := 0; i < 2000; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		if st := b.Put(k, big); st != nil {
			t.Fatalf("Put: %v", st)
		}
	}

	st = tx.Commit()
	if st == nil {
		t.Fatalf("expected commit to fail once the simulated disk budget is exhausted")
	}
	if !Is(st, IOError) {
		t.Fatalf("got %v, want IOError", st)
	}
}

func TestSleepAndRandAreUsableThroughWrappedEnv(t *testing.T) {
	env := &faultEnv{Env: NewEnv()}
	env.Srand(42)
	a := env.Rand()
	env.Srand(42)
	c := env.Rand()
	if a != c {
		t.Fatalf("Srand(42) followed by Rand() should be deterministic: got %d then %d", a, c)
	}
	env.Sleep(time.Microsecond)
}
