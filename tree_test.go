package calico

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTreeSplitsAndMergesPreserveData drives enough inserts to force
// several levels of leaf/internal splits, then enough deletes to force
// merges and rotations back down, checking that every surviving key
// still reads back correctly at each stage.
func TestTreeSplitsAndMergesPreserveData(t *testing.T) {
	db := openTestDB(t, WithPageSize(512))

	const n = 2000
	tx := mustBegin(t, db, true)
	b, st := tx.CreateBucket("big")
	if st != nil {
		t.Fatalf("CreateBucket: %v", st)
	}
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		v := []byte(fmt.Sprintf("value-%06d-filler", i))
		if st := b.Put(k, v); st != nil {
			t.Fatalf("Put(%d): %v", i, st)
		}
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	pageCountAfterInsert := db.pager.hdr.pageCount
	require.Greater(t, pageCountAfterInsert, uint32(10), "expected inserting %d keys to force many page splits", n)

	rtx := mustBegin(t, db, false)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		rb, st := rtx.Bucket("big")
		if st != nil {
			t.Fatalf("Bucket: %v", st)
		}
		v, st := rb.Get(k)
		if st != nil {
			t.Fatalf("Get(%s): %v", k, st)
		}
		require.Equal(t, fmt.Sprintf("value-%06d-filler", i), string(v))
	}
	rtx.Rollback()

	// Delete every third key, enough to trigger merges/rotations, then
	// confirm deleted keys are gone and the rest survive.
	tx2 := mustBegin(t, db, true)
	b2, _ := tx2.Bucket("big")
	for i := 0; i < n; i += 3 {
		k := []byte(fmt.Sprintf("key-%06d", i))
		if st := b2.Delete(k); st != nil {
			t.Fatalf("Delete(%s): %v", k, st)
		}
	}
	if st := tx2.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx2 := mustBegin(t, db, false)
	defer rtx2.Rollback()
	rb2, _ := rtx2.Bucket("big")
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		v, st := rb2.Get(k)
		if i%3 == 0 {
			if !Is(st, NotFound) {
				t.Fatalf("Get(%s) after delete: got %v, want NotFound", k, st)
			}
			continue
		}
		if st != nil {
			t.Fatalf("Get(%s): %v", k, st)
		}
		require.Equal(t, fmt.Sprintf("value-%06d-filler", i), string(v))
	}
}

// TestTreeCursorFullScanAfterSplits walks every key in order after
// enough inserts to force splits, checking strictly increasing order
// and completeness against what was inserted.
func TestTreeCursorFullScanAfterSplits(t *testing.T) {
	db := openTestDB(t, WithPageSize(512))

	const n = 800
	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("scan")
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("k%05d", i))
		if st := b.Put(k, k); st != nil {
			t.Fatalf("Put: %v", st)
		}
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, _ := rtx.Bucket("scan")
	cur := rb.NewCursor()
	defer cur.Close()

	count := 0
	prev := ""
	if st := cur.First(); st != nil {
		t.Fatalf("First: %v", st)
	}
	for cur.Valid() {
		k, st := cur.Key()
		if st != nil {
			t.Fatalf("Key: %v", st)
		}
		if prev != "" && string(k) <= prev {
			t.Fatalf("cursor order violated: prev=%q cur=%q", prev, k)
		}
		prev = string(k)
		count++
		if st := cur.Next(); st != nil {
			t.Fatalf("Next: %v", st)
		}
	}
	require.Equal(t, n, count)
}

func TestTreeUpdateExistingKeyDoesNotDuplicate(t *testing.T) {
	db := openTestDB(t)
	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("updates")
	if st := b.Put([]byte("k"), []byte("v1")); st != nil {
		t.Fatalf("Put: %v", st)
	}
	if st := b.Put([]byte("k"), []byte("v2-longer-value")); st != nil {
		t.Fatalf("Put update: %v", st)
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, _ := rtx.Bucket("updates")
	cur := rb.NewCursor()
	defer cur.Close()
	if st := cur.First(); st != nil {
		t.Fatalf("First: %v", st)
	}
	count := 0
	for cur.Valid() {
		count++
		if st := cur.Next(); st != nil {
			t.Fatalf("Next: %v", st)
		}
	}
	require.Equal(t, 1, count, "one key should yield one entry after update")
	v, st := rb.Get([]byte("k"))
	if st != nil {
		t.Fatalf("Get after update: %v", st)
	}
	require.Equal(t, "v2-longer-value", string(v))
}
