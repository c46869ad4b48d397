// Package pscache implements the prepared-statement rewriter and cache from
// spec.md §4.3: a per-pool LRU keyed by a stable hash of (SQL text,
// parameter OIDs) that renames client-supplied statement names to stable
// server-side names, plus the smaller per-server LRU tracking which
// rewritten names a given backend has actually received a Parse for.
//
// Both LRUs are backed by hashicorp/golang-lru/v2 rather than a hand-rolled
// ring, mirroring how the wider corpus reaches for a maintained LRU
// (gravitational-teleport) instead of reimplementing one.
package pscache

import (
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Hash computes the stable 64-bit key spec.md §4.3 keys the cache on.
func Hash(sql string, paramOIDs []uint32) uint64 {
	h := fnv.New64a()
	h.Write([]byte(sql))
	var oidBuf [4]byte
	for _, oid := range paramOIDs {
		binary.BigEndian.PutUint32(oidBuf[:], oid)
		h.Write(oidBuf[:])
	}
	return h.Sum64()
}

// ServerName derives the stable server-side statement name from a hash.
func ServerName(hash uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], hash)
	return "pgd_" + hex.EncodeToString(b[:])
}

// Statement is a cached, rewritten Parse message.
type Statement struct {
	Hash      uint64
	Name      string   // the stable server-side name
	SQL       string
	ParamOIDs []uint32
	Parse     []byte // the full rewritten Parse message payload (without header)
}

// PoolCache is the per-pool LRU of cached statements, consulted on every
// Parse so that identical statements from different clients share one
// server-side name (spec.md §4.3).
type PoolCache struct {
	mu      sync.Mutex
	cache   *lru.Cache[uint64, *Statement]
	evicted []*Statement // accumulates evictions from the most recent mutation
}

// NewPoolCache creates a cache bounded at size entries. size<=0 is treated
// as 1, so the cache still retains its most recent entry.
func NewPoolCache(size int) *PoolCache {
	if size <= 0 {
		size = 1
	}
	pc := &PoolCache{}
	c, _ := lru.NewWithEvict[uint64, *Statement](size, func(_ uint64, v *Statement) {
		pc.evicted = append(pc.evicted, v)
	})
	pc.cache = c
	return pc
}

// GetOrInsert returns the cached statement for hash, promoting it in LRU
// order, or inserts build() as a new entry if absent. evicted is non-nil
// when inserting pushed out the least-recently-used entry; the caller
// must append a Close message for evicted.Name to the next outbound batch.
func (pc *PoolCache) GetOrInsert(hash uint64, build func() *Statement) (stmt *Statement, hit bool, evicted *Statement) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if v, ok := pc.cache.Get(hash); ok {
		return v, true, nil
	}

	pc.evicted = pc.evicted[:0]
	v := build()
	pc.cache.Add(hash, v)
	var ev *Statement
	if len(pc.evicted) > 0 {
		ev = pc.evicted[0]
	}
	return v, false, ev
}

// Peek returns the cached statement for hash without promoting it.
func (pc *PoolCache) Peek(hash uint64) (*Statement, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.cache.Peek(hash)
}

// Len reports the current number of cached statements.
func (pc *PoolCache) Len() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.cache.Len()
}

// Clear empties the cache, used when DEALLOCATE ALL/DISCARD ALL runs.
func (pc *PoolCache) Clear() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.cache.Purge()
}

// ServerCache tracks which rewritten statement names a single backend
// connection has actually been sent a Parse for (spec.md §4.2's
// prepared_statement_cache field on the server connection entity).
type ServerCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
	evict string
	has   bool
}

// NewServerCache creates a per-server LRU bounded at size names.
func NewServerCache(size int) *ServerCache {
	if size <= 0 {
		size = 1
	}
	sc := &ServerCache{}
	c, _ := lru.NewWithEvict[string, struct{}](size, func(k string, _ struct{}) {
		sc.evict = k
		sc.has = true
	})
	sc.cache = c
	return sc
}

// Has reports whether name has already been Parsed on this backend,
// without affecting LRU order (a plain membership check, not a touch).
func (sc *ServerCache) Has(name string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.cache.Peek(name)
	return ok
}

// Insert records that name has now been Parsed on this backend. evicted
// is the name of a statement this backend must now be sent a Close for,
// if the cache was full.
func (sc *ServerCache) Insert(name string) (evicted string, hadEviction bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.has = false
	sc.cache.Add(name, struct{}{})
	return sc.evict, sc.has
}

// Remove drops name (used when the client explicitly Closes a statement).
func (sc *ServerCache) Remove(name string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cache.Remove(name)
}

// Reset clears all tracked names, used on DEALLOCATE ALL/DISCARD ALL.
func (sc *ServerCache) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cache.Purge()
}
