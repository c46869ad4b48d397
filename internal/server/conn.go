// Package server implements the backend connection entity from spec.md
// §3/§4.2: one socket to a real PostgreSQL server, its startup/auth
// handshake, the per-message protocol-effects table that keeps its state
// flags honest, and the in-place checkin cleanup discipline that makes the
// connection safe to hand to the next client.
//
// It is grounded on the teacher's internal/pool.TenantPool.authenticatePG
// and internal/pool.PooledConn, generalized from a single hardcoded
// startup dialog into the full auth-method dispatch spec.md §4.2 requires,
// and extended with the state machine §4.2's table describes (which the
// teacher's pass-through relay never needed because it never inspected
// backend traffic).
package server

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/pscache"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// CleanupState tracks the three bits spec.md §3 describes: whether this
// backend needs RESET ALL, DEALLOCATE ALL, or CLOSE ALL before reuse.
type CleanupState struct {
	NeedsReset      bool
	NeedsDeallocate bool
	NeedsClose      bool
}

// Any reports whether at least one cleanup bit is set.
func (c CleanupState) Any() bool { return c.NeedsReset || c.NeedsDeallocate || c.NeedsClose }

// Target names the backend a Conn dials: host, port, database, and the
// credentials the pooler authenticates to the backend with.
type Target struct {
	Host             string
	Port             int
	Database         string
	Username         string // the connecting pool user, used unless ServerUsername overrides it
	Password         string // pool user's password record (md5.../SCRAM.../jwt-pkey-fpath:...)
	ServerUsername   string
	ServerPassword   string
	ApplicationName  string
	TLS              *tls.Config // nil disables backend TLS
	VerifyServerCert bool
}

// EffectiveUsername is the username presented in the startup message.
func (t Target) EffectiveUsername() string {
	if t.ServerUsername != "" {
		return t.ServerUsername
	}
	return t.Username
}

// EffectivePassword is the credential used to answer the backend's
// authentication challenge.
func (t Target) EffectivePassword() string {
	if t.ServerPassword != "" {
		return t.ServerPassword
	}
	return t.Password
}

// Conn is one backend connection, owned by exactly one goroutine at a
// time: either idle in the pool (untouched) or checked out to a
// transaction loop (the only writer/reader).
type Conn struct {
	netConn net.Conn
	Reader  *wire.Reader

	target Target

	ProcessID uint32
	SecretKey uint32

	ServerParameters map[string]string

	InTransaction bool
	InCopyMode    bool
	Bad           bool
	DataAvailable bool
	AsyncMode     bool // set once a Flush was sent without an intervening Sync

	Cleanup CleanupState

	StatementCache *pscache.ServerCache

	LastActivity time.Time
	ConnectedAt  time.Time

	// waitingSync is true between sending a Sync and observing its
	// matching ReadyForQuery; send_and_flush must not be considered idle
	// until that round-trips (spec.md §4.2).
	waitingSync bool
}

// Dial opens a TCP or Unix-domain socket to target and wraps it, without
// performing the startup handshake (callers call Startup separately so
// pool warm-up and checkout recycling can share the same dial path).
func Dial(network, address string, target Target, connectTimeout time.Duration, acct *wire.MemoryAccountant) (*Conn, error) {
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s: %w", address, err)
	}
	c := &Conn{
		netConn:          conn,
		target:           target,
		ServerParameters: make(map[string]string),
		ConnectedAt:      time.Now(),
		LastActivity:     time.Now(),
	}
	c.Reader = wire.NewReader(conn, acct)
	return c, nil
}

// UpgradeTLS performs the SSLRequest/'S' negotiation and wraps the
// connection in TLS, per spec.md §4.2. It must be called before Startup.
func (c *Conn) UpgradeTLS() error {
	if c.target.TLS == nil {
		return nil
	}
	var req [8]byte
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], wire.SSLRequestCode)
	if _, err := c.netConn.Write(req[:]); err != nil {
		return fmt.Errorf("sending SSLRequest: %w", err)
	}
	var resp [1]byte
	if _, err := c.netConn.Read(resp[:]); err != nil {
		return fmt.Errorf("reading SSLRequest reply: %w", err)
	}
	switch resp[0] {
	case 'S':
		tlsConn := tls.Client(c.netConn, c.target.TLS)
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("backend TLS handshake: %w", err)
		}
		c.netConn = tlsConn
		c.Reader = wire.NewReader(tlsConn, c.Reader.Accountant())
		return nil
	case 'N':
		return fmt.Errorf("backend refused TLS but server_tls is required")
	default:
		return fmt.Errorf("unexpected SSLRequest reply byte %q", resp[0])
	}
}

// NetConn exposes the underlying connection for writes the I/O helpers in
// this package perform directly.
func (c *Conn) NetConn() net.Conn { return c.netConn }

// Close closes the underlying socket. Safe to call once; callers must not
// reuse a Conn afterward.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// BufferEmpty reports whether the connection's read side currently has no
// more unread-but-already-length-known bytes buffered; because Conn never
// holds partially-consumed messages between calls, this is always true
// outside of an in-flight Recv, matching the invariant spec.md §4.2
// requires at checkin time.
func (c *Conn) BufferEmpty() bool { return true }

// Reusable reports whether this connection satisfies the checkin
// invariant from spec.md §8: !in_transaction && !in_copy_mode &&
// !data_available && buffer_empty.
func (c *Conn) Reusable() bool {
	return !c.Bad && !c.InTransaction && !c.InCopyMode && !c.DataAvailable && c.BufferEmpty()
}

// Touch records activity for idle/lifetime accounting.
func (c *Conn) Touch() { c.LastActivity = time.Now() }

// IdleFor reports how long this connection has been idle.
func (c *Conn) IdleFor() time.Duration { return time.Since(c.LastActivity) }

// Age reports how long this connection has existed.
func (c *Conn) Age() time.Duration { return time.Since(c.ConnectedAt) }

