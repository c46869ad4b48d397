package client

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/config"
	"github.com/pgdoorman/pgdoorman-go/internal/metrics"
	"github.com/pgdoorman/pgdoorman-go/internal/pool"
	"github.com/pgdoorman/pgdoorman-go/internal/server"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// TestHandleCancelForwardsRawCancelRequest sets up a fake backend listener
// standing in for the real PostgreSQL server, registers a cancel mapping
// the way a Session would after receiving BackendKeyData, and checks that
// HandleCancel dials that backend and forwards the exact 16-byte
// CancelRequest packet PostgreSQL expects.
func TestHandleCancelForwardsRawCancelRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err == nil {
			received <- buf
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}

	mc := metrics.New()
	acct := wire.NewMemoryAccountant(0)
	registry := pool.NewRegistry(acct, mc)
	cfg := &config.Config{
		Pools: map[string]config.PoolGroup{
			"mydb": {Host: host, Port: port, DBName: "mydb", PoolMode: "transaction",
				Users: map[string]config.UserConfig{"appuser": {MaxSize: 5}}},
		},
	}
	registry.Reload(cfg)
	bp, ok := registry.Get(config.PoolKey{Database: "mydb", User: "appuser"})
	if !ok {
		t.Fatal("expected the pool to be registered")
	}

	target := server.Target{Host: host, Port: port, Database: "mydb", Username: "appuser"}
	registry.RegisterCancel(1001, 2002, bp, target, 5555, 6666)

	deps := &Deps{Registry: registry, Metrics: mc}
	HandleCancel(deps, 1001, 2002)

	select {
	case buf := <-received:
		length := binary.BigEndian.Uint32(buf[0:4])
		code := binary.BigEndian.Uint32(buf[4:8])
		pid := binary.BigEndian.Uint32(buf[8:12])
		secret := binary.BigEndian.Uint32(buf[12:16])
		if length != 16 {
			t.Errorf("length = %d, want 16", length)
		}
		if code != wire.CancelRequestCode {
			t.Errorf("code = %d, want %d", code, wire.CancelRequestCode)
		}
		if pid != 5555 || secret != 6666 {
			t.Errorf("pid/secret = %d/%d, want 5555/6666", pid, secret)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the backend to receive a CancelRequest")
	}
}

func TestHandleCancelUnmatchedDoesNothing(t *testing.T) {
	mc := metrics.New()
	acct := wire.NewMemoryAccountant(0)
	registry := pool.NewRegistry(acct, mc)
	deps := &Deps{Registry: registry, Metrics: mc}

	// No RegisterCancel call was made for this (pid, secret); HandleCancel
	// must return without dialing anything or panicking.
	HandleCancel(deps, 999, 888)
}
