package calico

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestVacuumShrinksPageCount builds a bucket, deletes most of its
// entries (leaving plenty of freelist pages), then checks that Vacuum
// actually reduces the on-disk page count instead of merely leaving
// garbage on the freelist.
func TestVacuumShrinksPageCount(t *testing.T) {
	db := openTestDB(t, WithPageSize(512))

	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("shrink")
	for i := 0; i < 400; i++ {
		k := []byte(fmt.Sprintf("key%05d", i))
		if st := b.Put(k, make([]byte, 100)); st != nil {
			t.Fatalf("Put: %v", st)
		}
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}
	before := db.pager.hdr.pageCount

	tx2 := mustBegin(t, db, true)
	b2, _ := tx2.Bucket("shrink")
	for i := 0; i < 400; i++ {
		if i%10 == 0 {
			continue // keep a sparse tenth so the bucket survives
		}
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
	after := db.pager.hdr.pageCount

	require.Less(t, after, before, "vacuum did not shrink page count")

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, _ := rtx.Bucket("shrink")
	for i := 0; i < 400; i += 10 {
		k := []byte(fmt.Sprintf("key%05d", i))
		if _, st := rb.Get(k); st != nil {
			t.Fatalf("Get(%s) after vacuum: %v", k, st)
		}
	}
}

// TestVacuumNoFreePagesIsNoop confirms Vacuum is harmless on a database
// with nothing to reclaim.
func TestVacuumNoFreePagesIsNoop(t *testing.T) {
	db := openTestDB(t)

	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("tight")
	_ = b.Put([]byte("a"), []byte("1"))
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	tx2 := mustBegin(t, db, true)
	if st := tx2.Vacuum(); st != nil {
		t.Fatalf("Vacuum: %v", st)
	}
	if st := tx2.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, _ := rtx.Bucket("tight")
	v, st := rb.Get([]byte("a"))
	if st != nil {
		t.Fatalf("Get after no-op vacuum: %v", st)
	}
	require.Equal(t, "1", string(v))
}
