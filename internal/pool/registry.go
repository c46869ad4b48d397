package pool

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pgdoorman/pgdoorman-go/internal/config"
	"github.com/pgdoorman/pgdoorman-go/internal/metrics"
	"github.com/pgdoorman/pgdoorman-go/internal/server"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// Registry holds every BackendPool, keyed by (database, user), and swaps
// the whole map atomically on config reload (spec.md §4.4: a pool whose
// settings fingerprint is unchanged across a reload is reused verbatim —
// its idle connections and statement cache survive the reload — while a
// pool whose settings changed is rebuilt and the old one drained).
//
// Grounded on the teacher's internal/pool.Manager, replacing its
// map[string]*TenantPool with map[config.PoolKey]*BackendPool behind an
// atomic.Value swap instead of a single RWMutex, since reload must not
// block concurrent Acquire calls on unrelated pools.
type Registry struct {
	pools atomic.Value // map[config.PoolKey]*BackendPool

	acct    *wire.MemoryAccountant
	metrics *metrics.Collector

	cancelMu  sync.Mutex
	cancelMap map[cancelKey]cancelTarget
}

type cancelKey struct {
	pid    uint32
	secret uint32
}

// cancelTarget is what a CancelRequest needs to forward to the backend: the
// pool the client session is attached to, and that backend's own
// process-secret pair as reported by BackendKeyData.
type cancelTarget struct {
	pool        *BackendPool
	backendPID  uint32
	backendSecret uint32
	target      server.Target
}

// NewRegistry creates an empty registry sharing acct and mc with every pool
// it builds.
func NewRegistry(acct *wire.MemoryAccountant, mc *metrics.Collector) *Registry {
	r := &Registry{acct: acct, metrics: mc, cancelMap: make(map[cancelKey]cancelTarget)}
	r.pools.Store(map[config.PoolKey]*BackendPool{})
	return r
}

func (r *Registry) snapshot() map[config.PoolKey]*BackendPool {
	return r.pools.Load().(map[config.PoolKey]*BackendPool)
}

// Get returns the pool for key, if one exists.
func (r *Registry) Get(key config.PoolKey) (*BackendPool, bool) {
	p, ok := r.snapshot()[key]
	return p, ok
}

// All returns every currently registered pool.
func (r *Registry) All() map[config.PoolKey]*BackendPool {
	return r.snapshot()
}

// Reload rebuilds the registry from cfg: pools whose fingerprint matches an
// existing pool are carried over untouched; pools that are new or changed
// are constructed fresh; pools no longer present in cfg are drained and
// dropped.
func (r *Registry) Reload(cfg *config.Config) {
	old := r.snapshot()
	next := make(map[config.PoolKey]*BackendPool, len(cfg.Pools))

	for dbName, pg := range cfg.Pools {
		for user, uc := range pg.Users {
			key := config.PoolKey{Database: dbName, User: user}
			fp := pg.Hash(user, uc)

			if existing, ok := old[key]; ok && existing.Fingerprint() == fp {
				next[key] = existing
				continue
			}

			settings := settingsFromConfig(key, pg, uc, cfg.General)
			settings.Fingerprint = fp
			next[key] = New(settings, r.acct, r.metrics)
		}
	}

	r.pools.Store(next)

	for key, p := range old {
		if _, stillPresent := next[key]; !stillPresent {
			go p.Close()
			if r.metrics != nil {
				r.metrics.RemovePool(key.Database, key.User)
			}
		}
	}
}

func settingsFromConfig(key config.PoolKey, pg config.PoolGroup, uc config.UserConfig, gc config.GeneralConfig) Settings {
	maxSize := uc.MaxSize
	if maxSize <= 0 {
		maxSize = 20
	}
	poolMode := uc.PoolMode
	if poolMode == "" {
		poolMode = pg.PoolMode
	}
	cacheSize := uc.PreparedCacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}

	return Settings{
		Key: key,
		Target: server.Target{
			Host:           pg.Host,
			Port:           pg.Port,
			Database:       pg.DBName,
			Username:       key.User,
			Password:       uc.Password,
			ServerUsername: uc.ServerUsername,
			ServerPassword: uc.ServerPassword,
		},
		PoolMode:            poolMode,
		MaxSize:             maxSize,
		MaxConcurrentCreate: uc.MaxConcurrentCreate,
		IdleTimeout:         uc.IdleTimeout,
		ServerLifetime:      uc.ServerLifetime,
		ConnectTimeout:      gc.ConnectTimeout,
		CreateTimeout:       gc.CreateTimeout,
		QueryWaitTimeout:    gc.QueryWaitTimeout,
		RecycleTimeout:      gc.RecycleTimeout,
		PreparedCacheSize:      cacheSize,
		SyncServerParams:       uc.SyncServerParams,
		AuthPamService:         uc.AuthPamService,
		ServerIdleCheckTimeout: gc.ServerIdleCheckTimeout,
	}
}

// CloseAll drains and closes every pool in the registry.
func (r *Registry) CloseAll() {
	for _, p := range r.snapshot() {
		p.Close()
	}
}

// NewClientSecret generates a random per-session secret for BackendKeyData
// spoofing toward the client, per spec.md §4.6's cancellation model (the
// pooler issues its own (pid, secret) pair to the client rather than
// relaying the backend's, so it can route CancelRequest to whichever
// backend that client is currently attached to at cancel time).
func NewClientSecret() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generating client secret: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// RegisterCancel records which backend a client's (pid, secret) pair
// currently maps to, overwriting any stale prior mapping (e.g. a prior
// transaction's backend, in transaction-mode pooling).
func (r *Registry) RegisterCancel(clientPID, clientSecret uint32, p *BackendPool, target server.Target, backendPID, backendSecret uint32) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	r.cancelMap[cancelKey{clientPID, clientSecret}] = cancelTarget{
		pool: p, target: target, backendPID: backendPID, backendSecret: backendSecret,
	}
}

// UnregisterCancel removes a client's cancel mapping (called at checkin,
// since after that point there is no backend to cancel until the client's
// next transaction acquires a new one).
func (r *Registry) UnregisterCancel(clientPID, clientSecret uint32) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	delete(r.cancelMap, cancelKey{clientPID, clientSecret})
}

// LookupCancel resolves a CancelRequest's (pid, secret) pair to the
// backend target it should be forwarded to, per spec.md §4.6. The
// returned pool is the one to Poison once the cancel has been sent, so
// the targeted backend is discarded rather than handed to another
// client (spec.md §4.4 step 3).
func (r *Registry) LookupCancel(clientPID, clientSecret uint32) (target server.Target, backendPID, backendSecret uint32, p *BackendPool, ok bool) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	ct, found := r.cancelMap[cancelKey{clientPID, clientSecret}]
	if !found {
		return server.Target{}, 0, 0, nil, false
	}
	return ct.target, ct.backendPID, ct.backendSecret, ct.pool, true
}
