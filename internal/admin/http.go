package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServer is the Prometheus-plus-status HTTP surface described in
// SPEC_FULL.md's addition to §6: a thin JSON view onto the same pool stats
// SHOW POOLS reads, alongside the /metrics Prometheus exporter. Grounded on
// the teacher's internal/api.Server, reduced from its full tenant CRUD
// surface to the read-only routes that make sense for a single pooler
// process (there is no tenant lifecycle here — pools come from config).
type HTTPServer struct {
	dispatcher *Dispatcher
	startedAt  time.Time
	httpServer *http.Server
}

// NewHTTPServer builds the HTTP surface around an already-constructed
// Dispatcher, so /status and /pools read the same registry SHOW POOLS does.
func NewHTTPServer(d *Dispatcher) *HTTPServer {
	return &HTTPServer{dispatcher: d, startedAt: d.StartsAt}
}

// Start begins serving on addr. Routes mirror the teacher's /status,
// /health, and /metrics, plus a /pools route that reports the same rows as
// the admin database's SHOW POOLS.
func (s *HTTPServer) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/pools", s.poolsHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go s.httpServer.ListenAndServe() //nolint:errcheck
	return nil
}

// Stop gracefully shuts the HTTP surface down.
func (s *HTTPServer) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_pools":      len(s.dispatcher.Registry.All()),
	})
}

type poolJSON struct {
	Database  string `json:"database"`
	User      string `json:"user"`
	PoolMode  string `json:"pool_mode"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxSize   int    `json:"max_size"`
	Exhausted int64  `json:"exhausted_total"`
}

func (s *HTTPServer) poolsHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.dispatcher.Registry.All()
	result := make([]poolJSON, 0, len(pools))
	for key, bp := range pools {
		st := bp.Stats()
		result = append(result, poolJSON{
			Database: key.Database, User: key.User, PoolMode: st.PoolMode,
			Active: st.Active, Idle: st.Idle, Total: st.Total, Waiting: st.Waiting,
			MaxSize: st.MaxSize, Exhausted: st.Exhausted,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

