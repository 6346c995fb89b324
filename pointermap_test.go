package calico

import "testing"

func TestPointerMapEntryRoundTrip(t *testing.T) {
	withWritablePager(t, func(p *Pager) {
		f, st := p.allocate()
		if st != nil {
			t.Fatalf("allocate: %v", st)
		}
		child := f.id
		p.release(f, releaseKeep)

		mapPage := pointerMapPageFor(child, p.pageSize)
		mf, st := p.acquire(mapPage)
		if st != nil {
			t.Fatalf("acquire map page: %v", st)
		}
		want := ptrMapEntry{Type: ptrTreeNode, BackPtr: pageID(7)}
		writePtrMapEntry(mf.data, child, mapPage, p.pageSize, want)
		p.markDirty(mf)
		p.release(mf, releaseKeep)

		mf2, st := p.acquire(mapPage)
		if st != nil {
			t.Fatalf("re-acquire map page: %v", st)
		}
		got := readPtrMapEntry(mf2.data, child, mapPage, p.pageSize)
		p.release(mf2, releaseKeep)

		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})
}

func TestIsPointerMapPageDistributionIsPeriodic(t *testing.T) {
	const pageSize = 4096
	perPage := ptrMapEntriesPerPage(pageSize)
	if perPage <= 0 {
		t.Fatalf("ptrMapEntriesPerPage(%d) = %d, want > 0", pageSize, perPage)
	}

	var mapPages []pageID
	for id := pageID(1); id <= pageID(perPage*3); id++ {
		if isPointerMapPage(id, pageSize) {
			mapPages = append(mapPages, id)
		}
	}
	if len(mapPages) < 2 {
		t.Fatalf("expected at least 2 pointer-map pages within the first %d pages, got %d", perPage*3, len(mapPages))
	}
	for _, mp := range mapPages {
		if pointerMapPageFor(mp+1, pageSize) != mp {
			t.Fatalf("page right after map page %d should map to that map page, got %d", mp, pointerMapPageFor(mp+1, pageSize))
		}
	}
}
