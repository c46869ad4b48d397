package admin

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/config"
	"github.com/pgdoorman/pgdoorman-go/internal/metrics"
	"github.com/pgdoorman/pgdoorman-go/internal/pool"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := &config.Config{
		Listen: config.ListenConfig{Host: "0.0.0.0", Port: 6432, TLSMode: "disable", MaxConnections: 100},
		General: config.GeneralConfig{
			ConnectTimeout: 5 * time.Second, QueryWaitTimeout: 30 * time.Second,
			CreateTimeout: 5 * time.Second, RecycleTimeout: 2 * time.Second,
			PoolerCheckQuery: ";",
		},
		Admin: config.AdminConfig{Database: "pgdoorman"},
		Pools: map[string]config.PoolGroup{
			"mydb": {
				Host: "localhost", Port: 5432, DBName: "mydb", PoolMode: "transaction",
				Users: map[string]config.UserConfig{
					"appuser": {MaxSize: 10},
				},
			},
		},
	}

	mc := metrics.New()
	acct := wire.NewMemoryAccountant(0)
	registry := pool.NewRegistry(acct, mc)
	registry.Reload(cfg)

	return &Dispatcher{
		Config:   func() *config.Config { return cfg },
		Registry: registry,
		StartsAt: time.Now(),
	}
}

func readAllMessageTypes(t *testing.T, data []byte) []byte {
	t.Helper()
	rd := wire.NewReader(bytes.NewReader(data), nil)
	var types []byte
	for {
		msg, err := rd.ReadMessage()
		if err != nil {
			break
		}
		types = append(types, msg.Type)
	}
	return types
}

func TestDispatchShowPools(t *testing.T) {
	d := newTestDispatcher(t)
	var buf bytes.Buffer
	if err := d.Dispatch(&buf, "SHOW POOLS"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	types := readAllMessageTypes(t, buf.Bytes())
	if len(types) != 4 {
		t.Fatalf("got %d messages, want RowDescription+DataRow+CommandComplete+ReadyForQuery", len(types))
	}
	if types[0] != wire.RowDescription || types[1] != wire.DataRow || types[2] != wire.CommandComplete || types[3] != wire.ReadyForQuery {
		t.Errorf("unexpected message sequence: %v", types)
	}
}

func TestDispatchShowPoolsIsCaseAndWhitespaceInsensitive(t *testing.T) {
	d := newTestDispatcher(t)
	var buf bytes.Buffer
	if err := d.Dispatch(&buf, "  show pools ;  "); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected a non-empty response for a lowercase/whitespace-padded SHOW POOLS")
	}
}

func TestDispatchShowVersion(t *testing.T) {
	d := newTestDispatcher(t)
	var buf bytes.Buffer
	if err := d.Dispatch(&buf, "SHOW VERSION"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("pgdoorman")) {
		t.Error("expected SHOW VERSION's DataRow to mention pgdoorman")
	}
}

func TestDispatchShowConfigReflectsLiveConfig(t *testing.T) {
	d := newTestDispatcher(t)
	var buf bytes.Buffer
	if err := d.Dispatch(&buf, "SHOW CONFIG"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("pgdoorman")) {
		t.Error("expected SHOW CONFIG to include the admin_database value")
	}
}

func TestDispatchUnknownCommandSendsError(t *testing.T) {
	d := newTestDispatcher(t)
	var buf bytes.Buffer
	if err := d.Dispatch(&buf, "DROP TABLE foo"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	types := readAllMessageTypes(t, buf.Bytes())
	if len(types) != 1 || types[0] != 'E' {
		t.Errorf("expected a single ErrorResponse for an unrecognized command, got %v", types)
	}
}

func TestDispatchReloadInvokesReloadFn(t *testing.T) {
	d := newTestDispatcher(t)
	called := false
	d.ReloadFn = func() error {
		called = true
		return nil
	}
	var buf bytes.Buffer
	if err := d.Dispatch(&buf, "RELOAD"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Error("expected RELOAD to invoke ReloadFn")
	}
	if !strings.Contains(buf.String(), "RELOAD") {
		t.Error("expected a RELOAD CommandComplete tag in the response")
	}
}

func TestDispatchReloadFailureSendsError(t *testing.T) {
	d := newTestDispatcher(t)
	d.ReloadFn = func() error { return errTestReload }
	var buf bytes.Buffer
	if err := d.Dispatch(&buf, "RELOAD"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	types := readAllMessageTypes(t, buf.Bytes())
	if len(types) != 1 || types[0] != 'E' {
		t.Errorf("expected a single ErrorResponse when reload fails, got %v", types)
	}
}

func TestDispatchShutdownInvokesShutdownFn(t *testing.T) {
	d := newTestDispatcher(t)
	called := false
	d.ShutdownFn = func() { called = true }
	var buf bytes.Buffer
	if err := d.Dispatch(&buf, "SHUTDOWN"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Error("expected SHUTDOWN to invoke ShutdownFn")
	}
	if !bytes.Contains(buf.Bytes(), []byte("t")) {
		t.Error("expected the success column to report \"t\"")
	}
}

func TestDispatchShutdownWithoutFnReportsFailure(t *testing.T) {
	d := newTestDispatcher(t)
	var buf bytes.Buffer
	if err := d.Dispatch(&buf, "SHUTDOWN"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	rd := wire.NewReader(bytes.NewReader(buf.Bytes()), nil)
	rd.ReadMessage() //nolint:errcheck // RowDescription
	dataRow, err := rd.ReadMessage()
	if err != nil {
		t.Fatalf("reading DataRow: %v", err)
	}
	// Field count (2 bytes) + length prefix (4 bytes) + the single "f" byte.
	if string(dataRow.Payload[6:7]) != "f" {
		t.Errorf("expected success column \"f\" with no ShutdownFn set, got payload %v", dataRow.Payload)
	}
}

var errTestReload = &testReloadError{}

type testReloadError struct{}

func (e *testReloadError) Error() string { return "reload failed for testing" }
