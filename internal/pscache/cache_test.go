package pscache

import "testing"

func TestHashStableForSameInput(t *testing.T) {
	oids := []uint32{23, 25}
	h1 := Hash("select $1, $2", oids)
	h2 := Hash("select $1, $2", oids)
	if h1 != h2 {
		t.Error("expected Hash to be stable across identical calls")
	}
}

func TestHashDiffersByParamOIDs(t *testing.T) {
	h1 := Hash("select $1", []uint32{23})
	h2 := Hash("select $1", []uint32{25})
	if h1 == h2 {
		t.Error("expected different parameter OIDs to produce different hashes")
	}
}

func TestServerNameIsStablePrefixed(t *testing.T) {
	name := ServerName(12345)
	if len(name) < 5 || name[:4] != "pgd_" {
		t.Errorf("ServerName = %q, want a pgd_-prefixed name", name)
	}
	if ServerName(12345) != name {
		t.Error("expected ServerName to be deterministic for the same hash")
	}
}

func TestPoolCacheGetOrInsertHitAndMiss(t *testing.T) {
	pc := NewPoolCache(2)
	built := false
	stmt, hit, evicted := pc.GetOrInsert(1, func() *Statement {
		built = true
		return &Statement{Hash: 1, Name: "pgd_1"}
	})
	if hit {
		t.Error("expected a miss on first insert")
	}
	if !built {
		t.Error("expected build() to be called on a miss")
	}
	if evicted != nil {
		t.Error("did not expect an eviction with room in the cache")
	}
	if stmt.Name != "pgd_1" {
		t.Errorf("Name = %q", stmt.Name)
	}

	built = false
	stmt2, hit2, _ := pc.GetOrInsert(1, func() *Statement {
		built = true
		return &Statement{Hash: 1, Name: "should-not-be-used"}
	})
	if !hit2 {
		t.Error("expected a hit on the second call with the same hash")
	}
	if built {
		t.Error("did not expect build() to run on a hit")
	}
	if stmt2.Name != "pgd_1" {
		t.Errorf("Name = %q, want pgd_1 (the originally cached entry)", stmt2.Name)
	}
}

func TestPoolCacheEvictsLeastRecentlyUsed(t *testing.T) {
	pc := NewPoolCache(1)
	pc.GetOrInsert(1, func() *Statement { return &Statement{Hash: 1, Name: "pgd_1"} }) //nolint:errcheck

	_, _, evicted := pc.GetOrInsert(2, func() *Statement { return &Statement{Hash: 2, Name: "pgd_2"} })
	if evicted == nil {
		t.Fatal("expected an eviction when the single-entry cache receives a second statement")
	}
	if evicted.Name != "pgd_1" {
		t.Errorf("evicted.Name = %q, want pgd_1", evicted.Name)
	}
	if pc.Len() != 1 {
		t.Errorf("Len() = %d, want 1", pc.Len())
	}
}

func TestPoolCacheClear(t *testing.T) {
	pc := NewPoolCache(4)
	pc.GetOrInsert(1, func() *Statement { return &Statement{Hash: 1, Name: "pgd_1"} }) //nolint:errcheck
	pc.Clear()
	if pc.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", pc.Len())
	}
	if _, ok := pc.Peek(1); ok {
		t.Error("expected Peek to miss after Clear")
	}
}

func TestPoolCacheZeroSizeDisablesCaching(t *testing.T) {
	pc := NewPoolCache(0)
	pc.GetOrInsert(1, func() *Statement { return &Statement{Hash: 1, Name: "pgd_1"} }) //nolint:errcheck
	pc.GetOrInsert(2, func() *Statement { return &Statement{Hash: 2, Name: "pgd_2"} }) //nolint:errcheck
	if pc.Len() > 1 {
		t.Errorf("Len() = %d, want at most 1 for a minimum-size cache", pc.Len())
	}
}

func TestServerCacheHasAndInsert(t *testing.T) {
	sc := NewServerCache(1)
	if sc.Has("pgd_1") {
		t.Error("expected Has to report false before Insert")
	}
	evicted, hadEviction := sc.Insert("pgd_1")
	if hadEviction {
		t.Errorf("did not expect an eviction on the first insert, got %q", evicted)
	}
	if !sc.Has("pgd_1") {
		t.Error("expected Has to report true after Insert")
	}
}

func TestServerCacheEvictsAndReportsName(t *testing.T) {
	sc := NewServerCache(1)
	sc.Insert("pgd_1") //nolint:errcheck

	evicted, hadEviction := sc.Insert("pgd_2")
	if !hadEviction {
		t.Fatal("expected an eviction when a single-slot server cache receives a second name")
	}
	if evicted != "pgd_1" {
		t.Errorf("evicted = %q, want pgd_1", evicted)
	}
	if sc.Has("pgd_1") {
		t.Error("expected pgd_1 to have been evicted")
	}
}

func TestServerCacheRemoveAndReset(t *testing.T) {
	sc := NewServerCache(4)
	sc.Insert("pgd_1") //nolint:errcheck
	sc.Insert("pgd_2") //nolint:errcheck

	sc.Remove("pgd_1")
	if sc.Has("pgd_1") {
		t.Error("expected pgd_1 to be gone after Remove")
	}
	if !sc.Has("pgd_2") {
		t.Error("expected pgd_2 to survive Remove of a different name")
	}

	sc.Reset()
	if sc.Has("pgd_2") {
		t.Error("expected Reset to clear all tracked names")
	}
}
