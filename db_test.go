package calico

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDBPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "calico-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return fmt.Sprintf("%s/test.db", dir)
}

func openTestDB(t *testing.T, fns ...func(*Options)) *DB {
	db, st := Open(testDBPath(t), fns...)
	if st != nil {
		t.Fatalf("Open: %v", st)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustBegin(t *testing.T, db *DB, writable bool) *Tx {
	tx, st := db.Begin(writable)
	if st != nil {
		t.Fatalf("Begin(%v): %v", writable, st)
	}
	return tx
}

func TestBasicPutGetCommit(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	b, st := tx.CreateBucket("widgets")
	if st != nil {
		t.Fatalf("CreateBucket: %v", st)
	}
	if st := b.Put([]byte("a"), []byte("1")); st != nil {
		t.Fatalf("Put: %v", st)
	}
	if st := b.Put([]byte("b"), []byte("2")); st != nil {
		t.Fatalf("Put: %v", st)
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, st := rtx.Bucket("widgets")
	if st != nil {
		t.Fatalf("Bucket: %v", st)
	}
	v, st := rb.Get([]byte("a"))
	if st != nil {
		t.Fatalf("Get: %v", st)
	}
	require.Equal(t, "1", string(v))
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	db := openTestDB(t)
	tx := mustBegin(t, db, true)
	b, st := tx.CreateBucket("widgets")
	if st != nil {
		t.Fatalf("CreateBucket: %v", st)
	}
	_, st = b.Get([]byte("nope"))
	if !Is(st, NotFound) {
		t.Fatalf("Get(missing): got %v, want NotFound", st)
	}
	tx.Rollback()
}

func TestRollbackDiscardsWrites(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	b, st := tx.CreateBucket("widgets")
	if st != nil {
		t.Fatalf("CreateBucket: %v", st)
	}
	if st := b.Put([]byte("a"), []byte("1")); st != nil {
		t.Fatalf("Put: %v", st)
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	tx2 := mustBegin(t, db, true)
	b2, st := tx2.Bucket("widgets")
	if st != nil {
		t.Fatalf("Bucket: %v", st)
	}
	if st := b2.Put([]byte("a"), []byte("2")); st != nil {
		t.Fatalf("Put: %v", st)
	}
	if st := b2.Put([]byte("c"), []byte("3")); st != nil {
		t.Fatalf("Put: %v", st)
	}
	tx2.Rollback()

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, st := rtx.Bucket("widgets")
	if st != nil {
		t.Fatalf("Bucket: %v", st)
	}
	v, st := rb.Get([]byte("a"))
	if st != nil {
		t.Fatalf("Get(a): %v", st)
	}
	require.Equal(t, "1", string(v), "rollback did not discard write")
	if _, st := rb.Get([]byte("c")); !Is(st, NotFound) {
		t.Fatalf("rollback did not discard insert of c: got %v", st)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("widgets")
	_ = b.Put([]byte("a"), []byte("1"))
	_ = b.Put([]byte("b"), []byte("2"))
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	tx2 := mustBegin(t, db, true)
	b2, _ := tx2.Bucket("widgets")
	if st := b2.Delete([]byte("a")); st != nil {
		t.Fatalf("Delete: %v", st)
	}
	if st := tx2.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, _ := rtx.Bucket("widgets")
	if _, st := rb.Get([]byte("a")); !Is(st, NotFound) {
		t.Fatalf("Get(a) after delete: got %v, want NotFound", st)
	}
	v, st := rb.Get([]byte("b"))
	if st != nil {
		t.Fatalf("Get(b): %v", st)
	}
	require.Equal(t, "2", string(v))
}

func TestLargeValueOverflowRoundTrip(t *testing.T) {
	db := openTestDB(t)

	big := make([]byte, 50_000)
	for i := range big {
		big[i] = byte(i)
	}

	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("blobs")
	if st := b.Put([]byte("blob"), big); st != nil {
		t.Fatalf("Put: %v", st)
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, _ := rtx.Bucket("blobs")
	got, st := rb.Get([]byte("blob"))
	if st != nil {
		t.Fatalf("Get: %v", st)
	}
	require.Equal(t, big, got)
}

func TestBucketsAreIndependent(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	ba, _ := tx.CreateBucket("a")
	bb, _ := tx.CreateBucket("b")
	_ = ba.Put([]byte("k"), []byte("from-a"))
	_ = bb.Put([]byte("k"), []byte("from-b"))
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	ra, _ := rtx.Bucket("a")
	rb, _ := rtx.Bucket("b")
	va, _ := ra.Get([]byte("k"))
	vb, _ := rb.Get([]byte("k"))
	require.Equal(t, "from-a", string(va))
	require.Equal(t, "from-b", string(vb))
}

func TestDropBucketFreesEntries(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("temp")
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("k%04d", i))
		if st := b.Put(k, k); st != nil {
			t.Fatalf("Put: %v", st)
		}
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	tx2 := mustBegin(t, db, true)
	if st := tx2.DropBucket("temp"); st != nil {
		t.Fatalf("DropBucket: %v", st)
	}
	if st := tx2.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	if _, st := rtx.Bucket("temp"); !Is(st, NotFound) {
		t.Fatalf("Bucket(temp) after drop: got %v, want NotFound", st)
	}
}

// TestReaderSeesSnapshotNotConcurrentWriter models two independent
// connections to the same file, the way two processes would: a single
// Pager only ever runs one transaction, so isolation across a live
// reader and a concurrent writer requires two separate DB handles
// sharing the on-disk file and its shm index.
func TestReaderSeesSnapshotNotConcurrentWriter(t *testing.T) {
	path := testDBPath(t)
	db1, st := Open(path)
	if st != nil {
		t.Fatalf("Open db1: %v", st)
	}
	defer db1.Close()

	tx := mustBegin(t, db1, true)
	b, _ := tx.CreateBucket("snap")
	_ = b.Put([]byte("k"), []byte("v1"))
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	db2, st := Open(path)
	if st != nil {
		t.Fatalf("Open db2: %v", st)
	}
	defer db2.Close()

	reader := mustBegin(t, db2, false)
	defer reader.Rollback()

	writer := mustBegin(t, db1, true)
	wb, _ := writer.Bucket("snap")
	if st := wb.Put([]byte("k"), []byte("v2")); st != nil {
		t.Fatalf("Put: %v", st)
	}
	if st := writer.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rb, _ := reader.Bucket("snap")
	v, st := rb.Get([]byte("k"))
	if st != nil {
		t.Fatalf("Get: %v", st)
	}
	require.Equal(t, "v1", string(v), "reader snapshot not isolated")
}

func TestVacuumPreservesData(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("churn")
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key%05d", i))
		if st := b.Put(k, make([]byte, 200)); st != nil {
			t.Fatalf("Put: %v", st)
		}
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	tx2 := mustBegin(t, db, true)
	b2, _ := tx2.Bucket("churn")
	for i := 0; i < 500; i += 2 {
		k := []byte(fmt.Sprintf("key%05d", i))
		if st := b2.Delete(k); st != nil {
			t.Fatalf("Delete: %v", st)
		}
	}
	if st := tx2.Vacuum(); st != nil {
		t.Fatalf("Vacuum: %v", st)
	}
	if st := tx2.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, _ := rtx.Bucket("churn")
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key%05d", i))
		_, st := rb.Get(k)
		if i%2 == 0 {
			if !Is(st, NotFound) {
				t.Fatalf("key %s should have been deleted, got %v", k, st)
			}
		} else if st != nil {
			t.Fatalf("key %s should survive vacuum, got %v", k, st)
		}
	}
}

func TestCursorOrdering(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("ordered")
	keys := []string{"banana", "apple", "cherry", "date", "elderberry"}
	for _, k := range keys {
		if st := b.Put([]byte(k), []byte(k)); st != nil {
			t.Fatalf("Put: %v", st)
		}
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, _ := rtx.Bucket("ordered")
	cur := rb.NewCursor()
	defer cur.Close()

	var got []string
	if st := cur.First(); st != nil {
		t.Fatalf("First: %v", st)
	}
	for cur.Valid() {
		k, st := cur.Key()
		if st != nil {
			t.Fatalf("Key: %v", st)
		}
		got = append(got, string(k))
		if st := cur.Next(); st != nil {
			t.Fatalf("Next: %v", st)
		}
	}

	want := []string{"apple", "banana", "cherry", "date", "elderberry"}
	require.Equal(t, want, got)
}

func TestCursorReverseOrdering(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("ordered")
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("k%02d", i))
		_ = b.Put(k, k)
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, _ := rtx.Bucket("ordered")
	cur := rb.NewCursor()
	defer cur.Close()

	if st := cur.Last(); st != nil {
		t.Fatalf("Last: %v", st)
	}
	count := 0
	prev := ""
	for cur.Valid() {
		k, st := cur.Key()
		if st != nil {
			t.Fatalf("Key: %v", st)
		}
		if prev != "" && string(k) >= prev {
			t.Fatalf("cursor did not move backward: prev=%q cur=%q", prev, k)
		}
		prev = string(k)
		count++
		if st := cur.Prev(); st != nil {
			t.Fatalf("Prev: %v", st)
		}
	}
	require.Equal(t, 20, count)
}

func TestCursorSurvivesConcurrentMutation(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("stable")
	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		_ = b.Put(k, k)
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	tx2 := mustBegin(t, db, true)
	b2, _ := tx2.Bucket("stable")
	cur := b2.NewCursor()
	defer cur.Close()
	if st := cur.Seek([]byte("k050")); st != nil {
		t.Fatalf("Seek: %v", st)
	}
	k, st := cur.Key()
	if st != nil {
		t.Fatalf("Key: %v", st)
	}
	require.Equal(t, "k050", string(k))

	for i := 0; i < 100; i++ {
		nk := []byte(fmt.Sprintf("n%03d", i))
		if st := b2.Put(nk, nk); st != nil {
			t.Fatalf("Put: %v", st)
		}
	}

	require.True(t, cur.Valid(), "cursor invalidated by unrelated inserts")
	k2, st := cur.Key()
	if st != nil {
		t.Fatalf("Key after mutation: %v", st)
	}
	require.Equal(t, "k050", string(k2), "cursor drifted after mutation")
	tx2.Rollback()
}
