package calico

import "testing"

func withWritablePager(t *testing.T, fn func(p *Pager), opts ...func(*Options)) {
	t.Helper()
	db := openTestDB(t, opts...)
	if _, st := db.pager.lockReader(); st != nil {
		t.Fatalf("lockReader: %v", st)
	}
	if st := db.pager.beginWriter(); st != nil {
		t.Fatalf("beginWriter: %v", st)
	}
	fn(db.pager)
	if st := db.pager.commit(); st != nil {
		t.Fatalf("commit: %v", st)
	}
	db.pager.finish()
}

func TestFreelistPushPopRoundTrip(t *testing.T) {
	withWritablePager(t, func(p *Pager) {
		var ids []pageID
		for i := 0; i < 20; i++ {
			f, st := p.allocate()
			if st != nil {
				t.Fatalf("allocate: %v", st)
			}
			ids = append(ids, f.id)
			p.release(f, releaseKeep)
		}

		for _, id := range ids {
			if st := freelistPush(p, id); st != nil {
				t.Fatalf("freelistPush(%d): %v", id, st)
			}
		}
		if p.hdr.freelistLength != uint32(len(ids)) {
			t.Fatalf("freelistLength = %d, want %d", p.hdr.freelistLength, len(ids))
		}

		seen := map[pageID]bool{}
		for i := 0; i < len(ids); i++ {
			id, ok, st := freelistPop(p)
			if st != nil {
				t.Fatalf("freelistPop: %v", st)
			}
			if !ok {
				t.Fatalf("freelistPop ran dry after %d pops, want %d", i, len(ids))
			}
			if seen[id] {
				t.Fatalf("freelistPop returned %d twice", id)
			}
			seen[id] = true
		}
		if p.hdr.freelistLength != 0 {
			t.Fatalf("freelistLength = %d after draining, want 0", p.hdr.freelistLength)
		}
		if _, ok, st := freelistPop(p); st != nil || ok {
			t.Fatalf("freelistPop on empty list: got (ok=%v, err=%v), want (false, nil)", ok, st)
		}
		for _, id := range ids {
			if !seen[id] {
				t.Fatalf("freelistPop never returned pushed page %d", id)
			}
		}
	})
}

func TestFreelistSpansMultipleTrunks(t *testing.T) {
	withWritablePager(t, func(p *Pager) {
		max := trunkMaxLeaves(p.pageSize)
		n := max*2 + 5
		var ids []pageID
		for i := 0; i < n; i++ {
			f, st := p.allocate()
			if st != nil {
				t.Fatalf("allocate: %v", st)
			}
			ids = append(ids, f.id)
			p.release(f, releaseKeep)
		}
		for _, id := range ids {
			if st := freelistPush(p, id); st != nil {
				t.Fatalf("freelistPush: %v", st)
			}
		}
		count := 0
		for {
			_, ok, st := freelistPop(p)
			if st != nil {
				t.Fatalf("freelistPop: %v", st)
			}
			if !ok {
				break
			}
			count++
		}
		if count != n {
			t.Fatalf("drained %d pages spanning multiple trunks, want %d", count, n)
		}
	}, WithCacheFrames(4096)) // every allocated page stays dirty in the cache until commit
}

func TestAllocateReusesFreelistPageBeforeExtendingFile(t *testing.T) {
	withWritablePager(t, func(p *Pager) {
		f, st := p.allocate()
		if st != nil {
			t.Fatalf("allocate: %v", st)
		}
		freed := f.id
		p.release(f, releaseKeep)
		if st := freelistPush(p, freed); st != nil {
			t.Fatalf("freelistPush: %v", st)
		}
		before := p.hdr.pageCount

		f2, st := p.allocate()
		if st != nil {
			t.Fatalf("allocate: %v", st)
		}
		if f2.id != freed {
			t.Fatalf("allocate did not reuse freed page %d, got %d", freed, f2.id)
		}
		if p.hdr.pageCount != before {
			t.Fatalf("allocate extended the file despite a free page being available: pageCount %d -> %d", before, p.hdr.pageCount)
		}
		p.release(f2, releaseKeep)
	})
}
