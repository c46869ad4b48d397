// Package metrics exposes the pooler's Prometheus surface: per-pool
// connection gauges, transaction/acquire latency histograms, and the
// prepared-statement cache and cancellation counters spec.md §7/§9
// requires. It is grounded on the teacher's internal/metrics.Collector,
// generalized from a per-tenant label set to the pooler's pool identity
// (database, user) and extended with the prepared-statement cache and
// cancellation counters the teacher's proxy never tracked.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the pooler registers on its own
// registry (never the global default, so tests and config reloads can each
// build an independent instance without colliding).
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	acquireDuration     *prometheus.HistogramVec
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	queryDuration       *prometheus.HistogramVec

	backendCreatesTotal *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec
	clientsTotal        *prometheus.GaugeVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	cancelsTotal *prometheus.CounterVec

	memoryInUseBytes prometheus.Gauge
}

// New creates and registers every pooler metric on a fresh registry. Safe
// to call more than once (e.g. on SIGHUP reload) since each call owns an
// independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	poolLabels := []string{"database", "user"}

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdoorman_connections_active",
				Help: "Number of backend connections currently checked out, per pool",
			},
			poolLabels,
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdoorman_connections_idle",
				Help: "Number of idle backend connections, per pool",
			},
			poolLabels,
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdoorman_connections_total",
				Help: "Total backend connections (active+idle), per pool",
			},
			poolLabels,
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdoorman_connections_waiting",
				Help: "Number of clients waiting for a backend connection, per pool",
			},
			poolLabels,
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdoorman_pool_exhausted_total",
				Help: "Total number of times a pool's query_wait_timeout was reached",
			},
			poolLabels,
		),

		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdoorman_acquire_duration_seconds",
				Help:    "Time a client spent waiting for backend checkout",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			poolLabels,
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdoorman_transactions_total",
				Help: "Total completed client transactions, per pool",
			},
			poolLabels,
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdoorman_transaction_duration_seconds",
				Help:    "Duration from backend checkout to checkin, per pool",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			poolLabels,
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdoorman_query_duration_seconds",
				Help:    "Duration of a simple-query round trip, per pool",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			poolLabels,
		),

		backendCreatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdoorman_backend_creates_total",
				Help: "Total new backend connections dialed, per pool",
			},
			poolLabels,
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdoorman_backend_resets_total",
				Help: "Checkin cleanup results (RESET ALL/DEALLOCATE ALL/CLOSE ALL), per pool",
			},
			[]string{"database", "user", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdoorman_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring a backend rollback",
			},
			poolLabels,
		),
		clientsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdoorman_clients_total",
				Help: "Number of client sessions currently connected, per pool",
			},
			poolLabels,
		),

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdoorman_prepared_statement_cache_hits_total",
				Help: "Prepared-statement cache hits, per pool",
			},
			poolLabels,
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdoorman_prepared_statement_cache_misses_total",
				Help: "Prepared-statement cache misses, per pool",
			},
			poolLabels,
		),
		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdoorman_prepared_statement_cache_evictions_total",
				Help: "Prepared-statement cache evictions, per pool",
			},
			poolLabels,
		),

		cancelsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdoorman_cancel_requests_total",
				Help: "CancelRequest packets received, by outcome",
			},
			[]string{"outcome"},
		),

		memoryInUseBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgdoorman_memory_in_use_bytes",
				Help: "Bytes currently accounted against max_memory_usage",
			},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.acquireDuration,
		c.transactionsTotal,
		c.transactionDuration,
		c.queryDuration,
		c.backendCreatesTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.clientsTotal,
		c.cacheHits,
		c.cacheMisses,
		c.cacheEvictions,
		c.cancelsTotal,
		c.memoryInUseBytes,
	)

	return c
}

// UpdatePoolStats is the sole authority for the four connection gauges: it
// overwrites all four with the given absolute values, and no other method
// of Collector changes them.
func (c *Collector) UpdatePoolStats(database, user string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(database, user).Set(float64(active))
	c.connectionsIdle.WithLabelValues(database, user).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(database, user).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(database, user).Set(float64(waiting))
}

// PoolExhausted records a query_wait_timeout expiry.
func (c *Collector) PoolExhausted(database, user string) {
	c.poolExhausted.WithLabelValues(database, user).Inc()
}

// AcquireDuration observes time spent waiting for backend checkout.
func (c *Collector) AcquireDuration(database, user string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database, user).Observe(d.Seconds())
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(database, user string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(database, user).Inc()
	c.transactionDuration.WithLabelValues(database, user).Observe(d.Seconds())
}

// QueryDuration observes a simple-query round trip.
func (c *Collector) QueryDuration(database, user string, d time.Duration) {
	c.queryDuration.WithLabelValues(database, user).Observe(d.Seconds())
}

// BackendCreated increments the dial counter for a pool.
func (c *Collector) BackendCreated(database, user string) {
	c.backendCreatesTotal.WithLabelValues(database, user).Inc()
}

// BackendReset records whether a checkin cleanup sequence succeeded.
func (c *Collector) BackendReset(database, user string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(database, user, status).Inc()
}

// DirtyDisconnect increments the mid-transaction-disconnect counter.
func (c *Collector) DirtyDisconnect(database, user string) {
	c.dirtyDisconnects.WithLabelValues(database, user).Inc()
}

// SetClientsTotal sets the connected-client-session gauge for a pool.
func (c *Collector) SetClientsTotal(database, user string, n int) {
	c.clientsTotal.WithLabelValues(database, user).Set(float64(n))
}

// CacheHit/CacheMiss/CacheEviction record prepared-statement cache events.
func (c *Collector) CacheHit(database, user string)      { c.cacheHits.WithLabelValues(database, user).Inc() }
func (c *Collector) CacheMiss(database, user string)      { c.cacheMisses.WithLabelValues(database, user).Inc() }
func (c *Collector) CacheEviction(database, user string)  { c.cacheEvictions.WithLabelValues(database, user).Inc() }

// CancelRequest records a CancelRequest packet's outcome: "matched",
// "unmatched", or "denied".
func (c *Collector) CancelRequest(outcome string) {
	c.cancelsTotal.WithLabelValues(outcome).Inc()
}

// SetMemoryInUse reports the shared memory accountant's current usage.
func (c *Collector) SetMemoryInUse(bytes int64) {
	c.memoryInUseBytes.Set(float64(bytes))
}

// RemovePool deletes every series for a pool that is no longer in the
// registry, called when a config reload drops a (database, user) pair.
func (c *Collector) RemovePool(database, user string) {
	labels := prometheus.Labels{"database": database, "user": user}
	c.connectionsActive.DeletePartialMatch(labels)
	c.connectionsIdle.DeletePartialMatch(labels)
	c.connectionsTotal.DeletePartialMatch(labels)
	c.connectionsWaiting.DeletePartialMatch(labels)
	c.poolExhausted.DeletePartialMatch(labels)
	c.acquireDuration.DeletePartialMatch(labels)
	c.transactionsTotal.DeletePartialMatch(labels)
	c.transactionDuration.DeletePartialMatch(labels)
	c.queryDuration.DeletePartialMatch(labels)
	c.backendCreatesTotal.DeletePartialMatch(labels)
	c.backendResetsTotal.DeletePartialMatch(labels)
	c.dirtyDisconnects.DeletePartialMatch(labels)
	c.clientsTotal.DeletePartialMatch(labels)
	c.cacheHits.DeletePartialMatch(labels)
	c.cacheMisses.DeletePartialMatch(labels)
	c.cacheEvictions.DeletePartialMatch(labels)
}
