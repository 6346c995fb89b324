package calico

import (
	"testing"
	"time"

	"github.com/calicokv/calicokv/internal/benchutil"
)

func BenchmarkPutSequential(b *testing.B) {
	db := openBenchDB(b)
	tx, st := db.Begin(true)
	if st != nil {
		b.Fatalf("Begin: %v", st)
	}
	bucket, st := tx.CreateBucket("bench")
	if st != nil {
		b.Fatalf("CreateBucket: %v", st)
	}
	kg := benchutil.NewKeyGenerator(b.N+1, 24, benchutil.DistSequential, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := kg.GenerateSequential(i)
		if st := bucket.Put(k, k); st != nil {
			b.Fatalf("Put: %v", st)
		}
	}
	if st := tx.Commit(); st != nil {
		b.Fatalf("Commit: %v", st)
	}
}

func BenchmarkGetUniformWithLatencyHistogram(b *testing.B) {
	db := openBenchDB(b)
	const numKeys = 10000

	tx, st := db.Begin(true)
	if st != nil {
		b.Fatalf("Begin: %v", st)
	}
	bucket, st := tx.CreateBucket("bench")
	if st != nil {
		b.Fatalf("CreateBucket: %v", st)
	}
	kg := benchutil.NewKeyGenerator(numKeys, 24, benchutil.DistUniform, 1)
	for i := 0; i < numKeys; i++ {
		k := kg.GenerateSequential(i)
		if st := bucket.Put(k, k); st != nil {
			b.Fatalf("Put: %v", st)
		}
	}
	if st := tx.Commit(); st != nil {
		b.Fatalf("Commit: %v", st)
	}

	rtx, st := db.Begin(false)
	if st != nil {
		b.Fatalf("Begin: %v", st)
	}
	defer rtx.Rollback()
	rb, st := rtx.Bucket("bench")
	if st != nil {
		b.Fatalf("Bucket: %v", st)
	}

	hist := benchutil.NewLatencyHistogram()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := kg.NextKey()
		start := time.Now()
		if _, st := rb.Get(k); st != nil && !Is(st, NotFound) {
			b.Fatalf("Get: %v", st)
		}
		hist.Record(time.Since(start))
	}
	b.StopTimer()
	stats := hist.Stats()
	b.ReportMetric(float64(stats.P99.Nanoseconds()), "p99-ns/op")
}

func openBenchDB(b *testing.B) *DB {
	b.Helper()
	dir := b.TempDir()
	db, st := Open(dir + "/bench.db")
	if st != nil {
		b.Fatalf("Open: %v", st)
	}
	b.Cleanup(func() { db.Close() })
	return db
}
