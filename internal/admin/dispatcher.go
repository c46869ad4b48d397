package admin

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/config"
	"github.com/pgdoorman/pgdoorman-go/internal/pgerror"
	"github.com/pgdoorman/pgdoorman-go/internal/pool"
)

// Dispatcher implements client.AdminHandler. It holds no state of its own
// beyond references to the live registry and config, so RELOAD and SHOW
// CONFIG always read whatever config.Watcher last swapped in.
type Dispatcher struct {
	Config   func() *config.Config
	Registry *pool.Registry
	StartsAt time.Time

	// ReloadFn re-reads the config file and applies it to Registry (the
	// cmd/ entrypoint wires it to a closure calling config.Load and
	// Registry.Reload, the same steps its config.Watcher callback takes).
	ReloadFn func() error
	// ShutdownFn begins a graceful shutdown of the whole process (wired to
	// the listener's drain-and-exit path by the cmd/ entrypoint).
	ShutdownFn func()
}

// Dispatch routes one admin simple-query string to its SHOW/RELOAD/SHUTDOWN
// handler, per spec.md §6's admin-surface addition.
func (d *Dispatcher) Dispatch(w io.Writer, sql string) error {
	cmd := strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";")))

	switch cmd {
	case "SHOW POOLS":
		return d.showPools(w)
	case "SHOW SERVERS":
		return d.showServers(w)
	case "SHOW STATS":
		return d.showStats(w)
	case "SHOW CONFIG":
		return d.showConfig(w)
	case "SHOW VERSION":
		return writeSimpleResult(w, "SHOW", []string{"version"}, [][]string{{"pgdoorman 0.1.0"}})
	case "RELOAD":
		return d.reload(w)
	case "SHUTDOWN":
		return d.shutdown(w)
	default:
		pgerror.Send(w, pgerror.SeverityError, pgerror.CodeSyntaxError, fmt.Sprintf("unrecognized admin command %q", sql)) //nolint:errcheck
		return nil
	}
}

func (d *Dispatcher) sortedKeys() []config.PoolKey {
	keys := make([]config.PoolKey, 0)
	for k := range d.Registry.All() {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Database != keys[j].Database {
			return keys[i].Database < keys[j].Database
		}
		return keys[i].User < keys[j].User
	})
	return keys
}

// showPools mirrors original_source/src/admin/show.rs's show_pools: one row
// per (database, user) pool, naming client/server occupancy the way
// PostgreSQL's own pgbouncer-alike SHOW POOLS does.
func (d *Dispatcher) showPools(w io.Writer) error {
	columns := []string{"database", "user", "pool_mode", "cl_waiting", "sv_active", "sv_idle", "sv_total", "sv_max", "sv_exhausted_total"}
	pools := d.Registry.All()
	rows := make([][]string, 0, len(pools))
	for _, key := range d.sortedKeys() {
		st := pools[key].Stats()
		rows = append(rows, []string{
			key.Database, key.User, st.PoolMode,
			itoa(st.Waiting), itoa(st.Active), itoa(st.Idle), itoa(st.Total), itoa(st.MaxSize),
			strconv.FormatInt(st.Exhausted, 10),
		})
	}
	return writeSimpleResult(w, "SHOW", columns, rows)
}

// showServers reports the same per-pool occupancy as SHOW POOLS but with
// column names that describe backend connections specifically, since
// BackendPool does not expose per-connection detail (age, last query) the
// way original_source's per-server stats do — a documented simplification
// (see DESIGN.md).
func (d *Dispatcher) showServers(w io.Writer) error {
	columns := []string{"database", "user", "state_active", "state_idle", "state_total"}
	pools := d.Registry.All()
	rows := make([][]string, 0, len(pools))
	for _, key := range d.sortedKeys() {
		st := pools[key].Stats()
		rows = append(rows, []string{key.Database, key.User, itoa(st.Active), itoa(st.Idle), itoa(st.Total)})
	}
	return writeSimpleResult(w, "SHOW", columns, rows)
}

func (d *Dispatcher) showStats(w io.Writer) error {
	columns := []string{"database", "user", "pool_mode", "sv_total", "sv_max"}
	pools := d.Registry.All()
	rows := make([][]string, 0, len(pools))
	for _, key := range d.sortedKeys() {
		st := pools[key].Stats()
		rows = append(rows, []string{key.Database, key.User, st.PoolMode, itoa(st.Total), itoa(st.MaxSize)})
	}
	rows = append(rows, []string{"-", "-", "uptime_seconds", strconv.FormatInt(int64(time.Since(d.StartsAt).Seconds()), 10), ""})
	return writeSimpleResult(w, "SHOW", columns, rows)
}

// showConfig reports the tunables spec.md §4.4/§5/§6 name, per
// original_source's SHOW CONFIG.
func (d *Dispatcher) showConfig(w io.Writer) error {
	cfg := d.Config()
	columns := []string{"key", "value"}
	rows := [][]string{
		{"listen_host", cfg.Listen.Host},
		{"listen_port", itoa(cfg.Listen.Port)},
		{"tls_mode", cfg.Listen.TLSMode},
		{"max_connections", itoa(cfg.Listen.MaxConnections)},
		{"connect_timeout", cfg.General.ConnectTimeout.String()},
		{"query_wait_timeout", cfg.General.QueryWaitTimeout.String()},
		{"create_timeout", cfg.General.CreateTimeout.String()},
		{"recycle_timeout", cfg.General.RecycleTimeout.String()},
		{"server_idle_check_timeout", cfg.General.ServerIdleCheckTimeout.String()},
		{"pooler_check_query", cfg.General.PoolerCheckQuery},
		{"max_memory_usage", strconv.FormatInt(cfg.General.MaxMemoryUsage, 10)},
		{"admin_database", cfg.Admin.Database},
	}
	return writeSimpleResult(w, "SHOW", columns, rows)
}

// reload re-reads the config file in place, per original_source's
// admin::commands::reload: existing pools whose fingerprint is unchanged
// are kept, others rebuilt (pool.Registry.Reload's job, invoked via
// ReloadFn).
func (d *Dispatcher) reload(w io.Writer) error {
	if d.ReloadFn != nil {
		if err := d.ReloadFn(); err != nil {
			pgerror.Send(w, pgerror.SeverityError, pgerror.CodeInternalError, fmt.Sprintf("reload failed: %v", err)) //nolint:errcheck
			return nil
		}
	}
	if err := writeCommandComplete(w, "RELOAD"); err != nil {
		return err
	}
	return writeReadyForQuery(w)
}

// shutdown begins a graceful process shutdown, per original_source's
// admin::commands::shutdown (there sent via SIGINT to self; here a direct
// function call into the listener's drain path since pgdoorman is a single
// process without a signal-handling indirection to replicate).
func (d *Dispatcher) shutdown(w io.Writer) error {
	success := "t"
	if d.ShutdownFn != nil {
		d.ShutdownFn()
	} else {
		success = "f"
	}
	if err := writeRowDescription(w, "success"); err != nil {
		return err
	}
	if err := writeDataRow(w, success); err != nil {
		return err
	}
	if err := writeCommandComplete(w, "SHUTDOWN"); err != nil {
		return err
	}
	return writeReadyForQuery(w)
}

func itoa(n int) string { return strconv.Itoa(n) }
