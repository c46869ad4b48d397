// Package pool implements the bounded backend connection pool behind one
// (database, user) pair: checkout/checkin, creation throttling, the
// idle/lifetime retain cycle, and the registry that swaps pool objects on
// config reload without dropping a pool whose settings didn't change.
//
// It is grounded on the teacher's internal/pool.TenantPool and
// internal/pool.Manager — same sync.Cond-driven idle-slice/active-map
// design, same reapLoop shape — generalized from a single dial+MySQL/PG
// auth branch into real startup handshakes via internal/server.Conn, and
// extended with the create-throttling semaphore and prepared-statement
// cache spec.md §4.4/§4.3 require, neither of which the teacher's relay
// needed.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/config"
	"github.com/pgdoorman/pgdoorman-go/internal/metrics"
	"github.com/pgdoorman/pgdoorman-go/internal/pscache"
	"github.com/pgdoorman/pgdoorman-go/internal/server"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// Stats is a point-in-time snapshot of one pool's occupancy.
type Stats struct {
	Key       config.PoolKey
	PoolMode  string
	Active    int
	Idle      int
	Total     int
	Waiting   int
	MaxSize   int
	Exhausted int64
}

// Settings is the resolved, already-defaulted configuration a BackendPool
// is built from — the product of a PoolGroup and one of its UserConfig
// entries (spec.md §3's pool identity).
type Settings struct {
	Key                 config.PoolKey
	Target              server.Target
	PoolMode            string
	MaxSize             int
	MaxConcurrentCreate int
	IdleTimeout         time.Duration
	ServerLifetime      time.Duration
	ConnectTimeout      time.Duration
	CreateTimeout       time.Duration
	QueryWaitTimeout    time.Duration
	RecycleTimeout      time.Duration
	PreparedCacheSize   int
	SyncServerParams    bool
	AuthPamService      string
	ServerIdleCheckTimeout time.Duration
	Fingerprint         string // config.PoolGroup.Hash, used by the registry's reuse rule
}

// BackendPool owns every backend connection for one (database, user) pair.
type BackendPool struct {
	settings Settings
	acct     *wire.MemoryAccountant
	metrics  *metrics.Collector

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*server.Conn
	active  map[*server.Conn]struct{}
	total   int
	waiting int

	exhausted int64
	closed    bool
	stopCh    chan struct{}

	createSlots chan struct{} // throttles concurrent backend dials

	// poisoned holds backend PIDs that received a CancelRequest but have
	// not yet been checked out and discarded (spec.md §3/§4.4's
	// cancellation set, scoped per pool since PIDs are only unique within
	// one backend server).
	poisoned map[uint32]struct{}

	// StatementCache is the pool-level prepared-statement LRU shared by
	// every client session routed through this pool (spec.md §4.3).
	StatementCache *pscache.PoolCache
}

// New creates a BackendPool from Settings and starts its retain (idle
// reaper) loop. Connections are created lazily on first Acquire.
func New(settings Settings, acct *wire.MemoryAccountant, mc *metrics.Collector) *BackendPool {
	slots := settings.MaxConcurrentCreate
	if slots <= 0 {
		slots = settings.MaxSize
	}
	if slots <= 0 {
		slots = 1
	}
	bp := &BackendPool{
		settings:       settings,
		acct:           acct,
		metrics:        mc,
		active:         make(map[*server.Conn]struct{}),
		stopCh:         make(chan struct{}),
		createSlots:    make(chan struct{}, slots),
		poisoned:       make(map[uint32]struct{}),
		StatementCache: pscache.NewPoolCache(settings.PreparedCacheSize),
	}
	bp.cond = sync.NewCond(&bp.mu)
	go bp.retainLoop()
	return bp
}

// Key identifies this pool.
func (bp *BackendPool) Key() config.PoolKey { return bp.settings.Key }

// PoolMode reports "transaction" or "session".
func (bp *BackendPool) PoolMode() string { return bp.settings.PoolMode }

// Fingerprint is the settings hash the registry compares across reloads.
func (bp *BackendPool) Fingerprint() string { return bp.settings.Fingerprint }

// Target returns the pool's backend dial target and credential record, so a
// client session can pick an authentication method and, for CancelRequest,
// a fresh connection can be dialed to the same backend host:port.
func (bp *BackendPool) Target() server.Target { return bp.settings.Target }

// AuthPamService reports the PAM service name configured for this pool's
// user, or "" if the pool authenticates clients some other way.
func (bp *BackendPool) AuthPamService() string { return bp.settings.AuthPamService }

// SyncServerParams reports whether this pool re-applies tracked client
// parameter changes (e.g. search_path) against a freshly acquired backend
// that was last used by a different session, per spec.md §4.6.
func (bp *BackendPool) SyncServerParams() bool { return bp.settings.SyncServerParams }

// Acquire checks out a backend connection, dialing and authenticating a
// new one if the pool is under its size limit and no idle connection is
// reusable, or waiting (bounded by query_wait_timeout) if the pool is
// full. Mirrors the teacher's TenantPool.Acquire: a cond-guarded retry
// loop rather than a channel-based semaphore, so a timed-out waiter can
// be woken without a spurious extra permit being consumed.
func (bp *BackendPool) Acquire(ctx context.Context) (*server.Conn, error) {
	deadline := time.Now().Add(bp.settings.QueryWaitTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	bp.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			bp.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if bp.closed {
			bp.mu.Unlock()
			return nil, fmt.Errorf("pool %s closed", bp.settings.Key)
		}

		for len(bp.idle) > 0 {
			c := bp.idle[len(bp.idle)-1]
			bp.idle = bp.idle[:len(bp.idle)-1]

			if _, poisoned := bp.poisoned[c.ProcessID]; poisoned {
				delete(bp.poisoned, c.ProcessID)
				bp.total--
				bp.mu.Unlock()
				c.Close() //nolint:errcheck
				bp.mu.Lock()
				continue
			}

			if bp.expired(c) {
				bp.total--
				bp.mu.Unlock()
				c.Close() //nolint:errcheck
				bp.mu.Lock()
				continue
			}

			if bp.settings.ServerIdleCheckTimeout > 0 && c.IdleFor() > bp.settings.ServerIdleCheckTimeout {
				bp.mu.Unlock()
				alive := pingIdle(c)
				bp.mu.Lock()
				if !alive {
					bp.total--
					bp.mu.Unlock()
					c.Close() //nolint:errcheck
					bp.mu.Lock()
					continue
				}
			}

			bp.active[c] = struct{}{}
			bp.mu.Unlock()
			return c, nil
		}

		if bp.total < bp.settings.MaxSize {
			bp.total++
			bp.mu.Unlock()

			c, err := bp.dialAndAuth(ctx)
			if err != nil {
				bp.mu.Lock()
				bp.total--
				bp.mu.Unlock()
				return nil, fmt.Errorf("creating backend connection for pool %s: %w", bp.settings.Key, err)
			}
			if bp.metrics != nil {
				bp.metrics.BackendCreated(bp.settings.Key.Database, bp.settings.Key.User)
			}

			bp.mu.Lock()
			bp.active[c] = struct{}{}
			bp.mu.Unlock()
			return c, nil
		}

		bp.waiting++
		bp.exhausted++
		bp.mu.Unlock()
		if bp.metrics != nil {
			bp.metrics.PoolExhausted(bp.settings.Key.Database, bp.settings.Key.User)
		}
		bp.mu.Lock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			bp.waiting--
			bp.mu.Unlock()
			return nil, fmt.Errorf("query_wait_timeout (%s) exceeded for pool %s", bp.settings.QueryWaitTimeout, bp.settings.Key)
		}

		timer := time.AfterFunc(remaining, func() { bp.cond.Broadcast() })
		bp.cond.Wait()
		timer.Stop()
		bp.waiting--

		if bp.closed {
			bp.mu.Unlock()
			return nil, fmt.Errorf("pool %s closing", bp.settings.Key)
		}
		if time.Now().After(deadline) {
			bp.mu.Unlock()
			return nil, fmt.Errorf("query_wait_timeout (%s) exceeded for pool %s", bp.settings.QueryWaitTimeout, bp.settings.Key)
		}
	}
}

// dialAndAuth opens a new backend connection, throttled by the pool's
// max_concurrent_creates semaphore, and runs the full startup/auth
// handshake via internal/server.
func (bp *BackendPool) dialAndAuth(ctx context.Context) (*server.Conn, error) {
	select {
	case bp.createSlots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-bp.createSlots }()

	c, err := server.Dial("tcp", fmt.Sprintf("%s:%d", bp.settings.Target.Host, bp.settings.Target.Port),
		bp.settings.Target, bp.settings.ConnectTimeout, bp.acct)
	if err != nil {
		return nil, err
	}
	if bp.settings.CreateTimeout > 0 {
		c.NetConn().SetDeadline(time.Now().Add(bp.settings.CreateTimeout)) //nolint:errcheck
	}
	if err := c.UpgradeTLS(); err != nil {
		c.Close() //nolint:errcheck
		return nil, err
	}
	if err := c.Startup(); err != nil {
		c.Close() //nolint:errcheck
		return nil, err
	}
	if bp.settings.CreateTimeout > 0 {
		c.NetConn().SetDeadline(time.Time{}) //nolint:errcheck
	}
	c.StatementCache = pscache.NewServerCache(bp.settings.PreparedCacheSize)
	return c, nil
}

// Checkin returns a connection to the idle list after running its checkin
// cleanup sequence, or discards it if checkin fails or the connection is
// no longer reusable, per spec.md §8's checkin invariant.
func (bp *BackendPool) Checkin(c *server.Conn) {
	cleanupErr := c.CheckinCleanup(bp.settings.RecycleTimeout)
	if bp.metrics != nil {
		bp.metrics.BackendReset(bp.settings.Key.Database, bp.settings.Key.User, cleanupErr == nil)
	}

	bp.mu.Lock()
	delete(bp.active, c)

	if bp.closed || cleanupErr != nil || !c.Reusable() || bp.expired(c) {
		bp.total--
		bp.mu.Unlock()
		c.Close() //nolint:errcheck
		bp.cond.Signal()
		return
	}

	bp.idle = append(bp.idle, c)
	bp.mu.Unlock()
	bp.cond.Signal()
}

// Discard drops a connection without returning it to the idle list (used
// when a backend is known bad, e.g. after a socket error mid-transaction).
func (bp *BackendPool) Discard(c *server.Conn) {
	bp.mu.Lock()
	delete(bp.active, c)
	bp.total--
	bp.mu.Unlock()
	c.Close() //nolint:errcheck
	bp.cond.Signal()
}

// Poison marks a backend PID as canceled: the next checkout that pops it
// off the idle list discards it instead of handing it to a new client
// (spec.md §4.4 step 3, §5's cancellation semantics). A PID already
// checked out is unaffected until it is returned and popped again, since
// the owning client's own query is what the cancel targets.
func (bp *BackendPool) Poison(pid uint32) {
	bp.mu.Lock()
	bp.poisoned[pid] = struct{}{}
	bp.mu.Unlock()
}

// pingIdle checks that a connection idle longer than server_idle_check_timeout
// is still alive before handing it out, per spec.md §5. A read deadline that
// expires with no data means the backend is simply quiet (healthy); any
// other outcome (EOF, reset, or unsolicited data arriving outside a query)
// means the connection is unsafe to reuse.
func pingIdle(c *server.Conn) bool {
	nc := c.NetConn()
	nc.SetReadDeadline(time.Now().Add(200 * time.Millisecond)) //nolint:errcheck
	defer nc.SetReadDeadline(time.Time{})                      //nolint:errcheck

	var buf [1]byte
	_, err := nc.Read(buf[:])
	if err == nil {
		return false
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return true
	}
	return false
}

func (bp *BackendPool) expired(c *server.Conn) bool {
	if bp.settings.ServerLifetime <= 0 {
		return false
	}
	return c.Age() > bp.settings.ServerLifetime
}

// Stats returns a snapshot of the pool's current occupancy.
func (bp *BackendPool) Stats() Stats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return Stats{
		Key:       bp.settings.Key,
		PoolMode:  bp.settings.PoolMode,
		Active:    len(bp.active),
		Idle:      len(bp.idle),
		Total:     bp.total,
		Waiting:   bp.waiting,
		MaxSize:   bp.settings.MaxSize,
		Exhausted: bp.exhausted,
	}
}

// retainLoop periodically evicts idle connections that exceeded
// idle_timeout or server_lifetime, per spec.md §4.4's retain cycle.
func (bp *BackendPool) retainLoop() {
	interval := bp.settings.RecycleTimeout
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bp.retainOnce()
		case <-bp.stopCh:
			return
		}
	}
}

func (bp *BackendPool) retainOnce() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	kept := bp.idle[:0:0]
	for _, c := range bp.idle {
		stale := (bp.settings.IdleTimeout > 0 && c.IdleFor() > bp.settings.IdleTimeout) || bp.expired(c)
		if stale {
			c.Close() //nolint:errcheck
			bp.total--
			continue
		}
		kept = append(kept, c)
	}
	bp.idle = kept
}

// Drain closes every idle connection and waits (bounded by timeout) for
// active ones to be checked in, force-closing whatever remains.
func (bp *BackendPool) Drain(timeout time.Duration) {
	bp.mu.Lock()
	for _, c := range bp.idle {
		c.Close() //nolint:errcheck
		bp.total--
	}
	bp.idle = bp.idle[:0]
	activeCount := len(bp.active)
	bp.mu.Unlock()

	if activeCount == 0 {
		return
	}
	slog.Info("draining pool", "pool", bp.settings.Key.String(), "active", activeCount)

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bp.mu.Lock()
			if len(bp.active) == 0 {
				bp.mu.Unlock()
				return
			}
			bp.mu.Unlock()
		case <-deadline:
			bp.mu.Lock()
			for c := range bp.active {
				c.Close() //nolint:errcheck
			}
			bp.active = make(map[*server.Conn]struct{})
			bp.mu.Unlock()
			slog.Warn("force-closed active backends after drain timeout", "pool", bp.settings.Key.String())
			return
		}
	}
}

// Close shuts the pool down: stops the retain loop and drains every
// connection. Safe to call once.
func (bp *BackendPool) Close() {
	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		return
	}
	bp.closed = true
	close(bp.stopCh)
	bp.cond.Broadcast()
	bp.mu.Unlock()
	bp.Drain(30 * time.Second)
}
