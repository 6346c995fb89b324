package calico

import "testing"

func TestCreateBucketIdempotent(t *testing.T) {
	db := openTestDB(t)
	tx := mustBegin(t, db, true)
	b1, st := tx.CreateBucket("dup")
	if st != nil {
		t.Fatalf("CreateBucket: %v", st)
	}
	_ = b1.Put([]byte("k"), []byte("v"))
	b2, st := tx.CreateBucket("dup")
	if st != nil {
		t.Fatalf("CreateBucket again: %v", st)
	}
	v, st := b2.Get([]byte("k"))
	if st != nil || string(v) != "v" {
		t.Fatalf("second CreateBucket handle lost data: got (%q, %v)", v, st)
	}
	tx.Rollback()
}

func TestBucketNotFoundWithoutCreate(t *testing.T) {
	db := openTestDB(t)
	tx := mustBegin(t, db, true)
	defer tx.Rollback()
	if _, st := tx.Bucket("missing"); !Is(st, NotFound) {
		t.Fatalf("Bucket(missing): got %v, want NotFound", st)
	}
}

func TestDropBucketNotFound(t *testing.T) {
	db := openTestDB(t)
	tx := mustBegin(t, db, true)
	defer tx.Rollback()
	if st := tx.DropBucket("missing"); !Is(st, NotFound) {
		t.Fatalf("DropBucket(missing): got %v, want NotFound", st)
	}
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	db := openTestDB(t)
	tx := mustBegin(t, db, true)
	b, _ := tx.CreateBucket("ro")
	_ = b.Put([]byte("k"), []byte("v"))
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	rb, st := rtx.Bucket("ro")
	if st != nil {
		t.Fatalf("Bucket: %v", st)
	}
	if st := rb.Put([]byte("k2"), []byte("v2")); !Is(st, InvalidArgument) {
		t.Fatalf("Put on read-only tx: got %v, want InvalidArgument", st)
	}
	if st := rb.Delete([]byte("k")); !Is(st, InvalidArgument) {
		t.Fatalf("Delete on read-only tx: got %v, want InvalidArgument", st)
	}
	if _, st := rtx.CreateBucket("nope"); !Is(st, InvalidArgument) {
		t.Fatalf("CreateBucket on read-only tx: got %v, want InvalidArgument", st)
	}
}

func TestForEachBucketVisitsEveryBucket(t *testing.T) {
	db := openTestDB(t)
	tx := mustBegin(t, db, true)
	names := []string{"one", "two", "three"}
	for _, n := range names {
		if _, st := tx.CreateBucket(n); st != nil {
			t.Fatalf("CreateBucket(%s): %v", n, st)
		}
	}
	if st := tx.Commit(); st != nil {
		t.Fatalf("Commit: %v", st)
	}

	rtx := mustBegin(t, db, false)
	defer rtx.Rollback()
	seen := map[string]bool{}
	if st := db.schema.forEachBucket(func(name string, root pageID) *Status {
		seen[name] = true
		if root == 0 {
			t.Fatalf("bucket %s has zero root", name)
		}
		return nil
	}); st != nil {
		t.Fatalf("forEachBucket: %v", st)
	}
	for _, n := range names {
		if !seen[n] {
			t.Fatalf("forEachBucket missed bucket %s", n)
		}
	}
}
