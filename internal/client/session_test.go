package client

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/pgdoorman/pgdoorman-go/internal/config"
	"github.com/pgdoorman/pgdoorman-go/internal/metrics"
	"github.com/pgdoorman/pgdoorman-go/internal/pool"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

func framedStartup(body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(buf)))
	copy(buf[4:], body)
	return buf
}

func buildStartupBody(params map[string]string) []byte {
	var body []byte
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], wire.StartupProtocolVersion)
	body = append(body, verBuf[:]...)
	for k, v := range params {
		body = append(body, cString(k)...)
		body = append(body, cString(v)...)
	}
	return append(body, 0)
}

func TestNegotiateStartupParsesStartupMessage(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	s := &Session{conn: serverConn, deps: &Deps{Accountant: wire.NewMemoryAccountant(0)}}

	packet := framedStartup(buildStartupBody(map[string]string{"user": "appuser", "database": "mydb"}))

	errCh := make(chan error, 1)
	go func() { errCh <- s.negotiateStartup() }()

	if _, err := clientConn.Write(packet); err != nil {
		t.Fatalf("writing startup packet: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("negotiateStartup: %v", err)
	}
	if s.params["user"] != "appuser" || s.params["database"] != "mydb" {
		t.Errorf("params = %v, want user=appuser database=mydb", s.params)
	}
}

func TestNegotiateStartupDeclinesSSLWhenNoTLS(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	s := &Session{conn: serverConn, deps: &Deps{Accountant: wire.NewMemoryAccountant(0)}}

	var sslBody [4]byte
	binary.BigEndian.PutUint32(sslBody[:], wire.SSLRequestCode)
	sslPacket := framedStartup(sslBody[:])
	startupPacket := framedStartup(buildStartupBody(map[string]string{"user": "appuser"}))

	errCh := make(chan error, 1)
	go func() { errCh <- s.negotiateStartup() }()

	if _, err := clientConn.Write(sslPacket); err != nil {
		t.Fatalf("writing SSLRequest: %v", err)
	}
	resp := make([]byte, 1)
	if _, err := io.ReadFull(clientConn, resp); err != nil {
		t.Fatalf("reading SSL response byte: %v", err)
	}
	if resp[0] != 'N' {
		t.Fatalf("SSL response = %q, want 'N' (TLS unavailable)", resp)
	}

	if _, err := clientConn.Write(startupPacket); err != nil {
		t.Fatalf("writing startup packet: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("negotiateStartup: %v", err)
	}
	if s.params["user"] != "appuser" {
		t.Errorf("params = %v, want user=appuser", s.params)
	}
}

func TestNegotiateStartupHandlesCancelRequest(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	mc := metrics.New()
	acct := wire.NewMemoryAccountant(0)
	registry := pool.NewRegistry(acct, mc)
	s := &Session{conn: serverConn, deps: &Deps{Accountant: acct, Registry: registry, Metrics: mc}}

	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], wire.CancelRequestCode)
	binary.BigEndian.PutUint32(body[4:8], 42)
	binary.BigEndian.PutUint32(body[8:12], 43)
	packet := framedStartup(body)

	errCh := make(chan error, 1)
	go func() { errCh <- s.negotiateStartup() }()

	if _, err := clientConn.Write(packet); err != nil {
		t.Fatalf("writing CancelRequest: %v", err)
	}

	if err := <-errCh; err != errCancelHandled {
		t.Fatalf("negotiateStartup error = %v, want errCancelHandled", err)
	}
}

func TestResolveTargetAdminDatabase(t *testing.T) {
	s := &Session{
		deps:   &Deps{Config: &config.Config{Admin: config.AdminConfig{Database: "pgdoorman"}}},
		params: map[string]string{"user": "admin", "database": "pgdoorman"},
	}
	if err := s.resolveTarget(); err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if !s.isAdmin {
		t.Error("expected isAdmin to be true for the admin database")
	}
}

func TestResolveTargetMissingUser(t *testing.T) {
	s := &Session{deps: &Deps{Config: &config.Config{}}, params: map[string]string{}}
	if err := s.resolveTarget(); err == nil {
		t.Error("expected an error when the startup message has no \"user\" parameter")
	}
}

func TestResolveTargetDatabaseDefaultsToUser(t *testing.T) {
	mc := metrics.New()
	acct := wire.NewMemoryAccountant(0)
	registry := pool.NewRegistry(acct, mc)
	cfg := &config.Config{Pools: map[string]config.PoolGroup{
		"appuser": {Host: "localhost", Port: 5432, DBName: "appuser", PoolMode: "transaction",
			Users: map[string]config.UserConfig{"appuser": {}}},
	}}
	registry.Reload(cfg)

	s := &Session{deps: &Deps{Config: cfg, Registry: registry}, params: map[string]string{"user": "appuser"}}
	if err := s.resolveTarget(); err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if s.database != "appuser" {
		t.Errorf("database = %q, want it to default to the user name", s.database)
	}
	if s.bp == nil {
		t.Error("expected a resolved backend pool")
	}
}

func TestResolveTargetNoSuchPoolSendsError(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()
	go io.Copy(io.Discard, clientConn) //nolint:errcheck

	mc := metrics.New()
	acct := wire.NewMemoryAccountant(0)
	registry := pool.NewRegistry(acct, mc)
	registry.Reload(&config.Config{})

	s := &Session{
		conn:   serverConn,
		deps:   &Deps{Config: &config.Config{}, Registry: registry},
		params: map[string]string{"user": "appuser", "database": "mydb"},
	}
	if err := s.resolveTarget(); err == nil {
		t.Error("expected an error for a (database, user) pair with no registered pool")
	}
}
