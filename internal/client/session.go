// Package client implements the client-facing side of spec.md §4.5/§4.6:
// the startup/authentication handshake and the transaction loop that
// multiplexes one client socket over a backend borrowed from a
// internal/pool.BackendPool for the span of one transaction (or the whole
// session, under session pool_mode).
//
// It is grounded on the teacher's internal/proxy/pg_relay.go — the same
// acquire/forward/relay/release shape — generalized from a single
// pass-through relay into the full extended-protocol dispatch and
// prepared-statement rewriting spec.md §4.3/§4.6 require, which the
// teacher's relay never needed because it never inspected query content.
package client

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/auth"
	"github.com/pgdoorman/pgdoorman-go/internal/config"
	"github.com/pgdoorman/pgdoorman-go/internal/metrics"
	"github.com/pgdoorman/pgdoorman-go/internal/pgerror"
	"github.com/pgdoorman/pgdoorman-go/internal/pool"
	"github.com/pgdoorman/pgdoorman-go/internal/pscache"
	"github.com/pgdoorman/pgdoorman-go/internal/server"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// AdminHandler dispatches a simple-query string sent against the admin
// virtual database straight to its RowDescription/DataRow/CommandComplete
// reply, without ever touching a BackendPool (spec.md §6's admin
// collaborator).
type AdminHandler interface {
	Dispatch(w io.Writer, sql string) error
}

// Deps bundles everything a Session needs that outlives any one
// connection: configuration, the pool registry, metrics, the shared
// memory accountant, client-facing TLS, and the admin dispatcher.
type Deps struct {
	Config     *config.Config
	Registry   *pool.Registry
	Metrics    *metrics.Collector
	Accountant *wire.MemoryAccountant
	TLSConfig  *tls.Config
	Admin      AdminHandler
}

var errCancelHandled = errors.New("cancel request serviced")

var clientPIDCounter atomic.Uint32

// nextClientPID allocates a synthetic backend-key PID for the
// AuthenticationOk/BackendKeyData the pooler hands the client, distinct
// from any real PostgreSQL PID since a single client secret maps to a
// different real backend across its transaction's lifetime (spec.md §3's
// client↔server map).
func nextClientPID() uint32 {
	return clientPIDCounter.Add(1) | 0x40000000
}

// Session is one client connection's worth of state: its socket, the pool
// it was routed to, the backend it currently holds (if any), and the
// per-client prepared-statement name mapping spec.md §4.3 describes.
type Session struct {
	deps *Deps
	conn net.Conn

	reader *wire.Reader
	params map[string]string

	clientPID    uint32
	clientSecret uint32

	isAdmin  bool
	database string
	user     string
	poolKey  config.PoolKey
	bp       *pool.BackendPool
	poolMode string

	backend *server.Conn
	pinned  bool

	// copyWait is non-nil while a COPY IN/BOTH started by the simple-query
	// path is waiting on the client's CopyData/CopyDone, parking the
	// relayUntilAny call that would otherwise block forever waiting on a
	// backend response that isn't coming until the copy stream ends.
	copyWait *copyWait

	trackedParams map[string]string

	streamThreshold int32

	// statements maps a client-supplied prepared-statement name to the
	// pool-cached statement it currently refers to (spec.md §4.3's
	// per-client mapping). The anonymous statement (name "") is never
	// entered here — it bypasses the cache entirely.
	statements map[string]*pscache.Statement

	log *slog.Logger
}

// Serve drives one client connection end to end: startup negotiation,
// authentication, the synthetic post-auth greeting, and the transaction
// loop, cleaning up whatever backend the session still holds on exit.
func Serve(ctx context.Context, conn net.Conn, deps *Deps) {
	s := &Session{
		deps:            deps,
		conn:            conn,
		statements:      make(map[string]*pscache.Statement),
		streamThreshold: deps.Config.General.MessageSizeToBeStream,
		log:             slog.Default().With("remote", conn.RemoteAddr()),
	}
	if s.streamThreshold <= 0 {
		s.streamThreshold = wire.DefaultStreamThreshold
	}
	defer s.teardown()

	if err := s.negotiateStartup(); err != nil {
		if !errors.Is(err, errCancelHandled) {
			s.log.Debug("startup negotiation failed", "err", err)
		}
		return
	}
	if err := s.resolveTarget(); err != nil {
		s.log.Debug("pool resolution failed", "err", err)
		return
	}
	if err := s.authenticate(); err != nil {
		s.log.Debug("authentication failed", "database", s.database, "user", s.user, "err", err)
		return
	}
	if err := s.sendGreeting(); err != nil {
		s.log.Debug("sending greeting failed", "err", err)
		return
	}

	if err := s.runTransactionLoop(ctx); err != nil && !errors.Is(err, io.EOF) {
		s.log.Debug("transaction loop ended", "database", s.database, "user", s.user, "err", err)
	}
}

// negotiateStartup drives the pre-authentication dance spec.md §4.5 step 1
// describes: SSLRequest/GSSRequest get a direct 'S'/'N'/'N' reply and loop;
// CancelRequest is serviced and ends the connection; a StartupMessage
// parses its key/value parameters and ends the loop.
func (s *Session) negotiateStartup() error {
	for {
		body, err := wire.ReadStartupOrCancel(s.conn, 1<<16)
		if err != nil {
			return fmt.Errorf("reading startup packet: %w", err)
		}
		if len(body) < 4 {
			return fmt.Errorf("startup packet shorter than a code word")
		}
		code := binary.BigEndian.Uint32(body[:4])

		switch code {
		case wire.SSLRequestCode:
			if s.deps.TLSConfig == nil {
				if _, err := s.conn.Write([]byte{'N'}); err != nil {
					return err
				}
				continue
			}
			if _, err := s.conn.Write([]byte{'S'}); err != nil {
				return err
			}
			tlsConn := tls.Server(s.conn, s.deps.TLSConfig)
			if err := tlsConn.Handshake(); err != nil {
				return fmt.Errorf("client TLS handshake: %w", err)
			}
			s.conn = tlsConn
			continue

		case wire.GSSRequestCode:
			if _, err := s.conn.Write([]byte{'N'}); err != nil {
				return err
			}
			continue

		case wire.CancelRequestCode:
			if len(body) < 12 {
				return fmt.Errorf("cancel request shorter than pid+secret")
			}
			pid := binary.BigEndian.Uint32(body[4:8])
			secret := binary.BigEndian.Uint32(body[8:12])
			HandleCancel(s.deps, pid, secret)
			return errCancelHandled

		default:
			params, err := parseStartupParams(body[4:])
			if err != nil {
				return err
			}
			s.params = params
			s.reader = wire.NewReader(s.conn, s.deps.Accountant)
			return nil
		}
	}
}

func parseStartupParams(body []byte) (map[string]string, error) {
	params := make(map[string]string)
	off := 0
	for off < len(body) && body[off] != 0 {
		key, next, err := readCString(body, off)
		if err != nil {
			return nil, fmt.Errorf("malformed startup parameters: %w", err)
		}
		val, next2, err := readCString(body, next)
		if err != nil {
			return nil, fmt.Errorf("malformed startup parameters: %w", err)
		}
		params[key] = val
		off = next2
	}
	return params, nil
}

// resolveTarget picks the (database, user) pool this session routes to, or
// marks it as an admin-database session, per spec.md §4.5 step 2.
func (s *Session) resolveTarget() error {
	s.user = s.params["user"]
	s.database = s.params["database"]
	if s.database == "" {
		s.database = s.user
	}
	if s.user == "" {
		return fmt.Errorf("startup message missing required \"user\" parameter")
	}

	if s.deps.Config.Admin.Database != "" && s.database == s.deps.Config.Admin.Database {
		s.isAdmin = true
		return nil
	}

	s.poolKey = config.PoolKey{Database: s.database, User: s.user}
	bp, ok := s.deps.Registry.Get(s.poolKey)
	if !ok {
		pgerror.Send(s.conn, pgerror.SeverityFatal, "3D000", fmt.Sprintf("no such pool %s", s.poolKey)) //nolint:errcheck
		return fmt.Errorf("no pool registered for %s", s.poolKey)
	}
	s.bp = bp
	s.poolMode = bp.PoolMode()
	return nil
}

// authenticate evaluates HBA and dispatches to the matching auth method,
// per spec.md §4.5 steps 3-4.
func (s *Session) authenticate() error {
	if s.isAdmin {
		return s.authenticateAdmin()
	}

	ip := hostIP(s.conn.RemoteAddr())
	_, isTLS := s.conn.(*tls.Conn)
	password := s.bp.Target().Password

	trustDecision := auth.CheckHBA(s.deps.Config.HBA, ip, isTLS, "trust", s.user, s.database)
	scramDecision := auth.CheckHBA(s.deps.Config.HBA, ip, isTLS, "scram-sha-256", s.user, s.database)
	md5Decision := auth.CheckHBA(s.deps.Config.HBA, ip, isTLS, "md5", s.user, s.database)
	decision := auth.ComposeDecision(password, trustDecision, scramDecision, md5Decision)
	if decision == config.Deny {
		pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeHBADenied, "no pg_hba.conf entry permits this connection") //nolint:errcheck
		return fmt.Errorf("HBA denied connection for %s", s.poolKey)
	}

	switch s.authMethod() {
	case "trust":
		return s.writeAuthOK()
	case "pam":
		return s.authenticatePAM()
	case "scram":
		return s.authenticateSCRAM(password)
	case "jwt":
		return s.authenticateJWT(password)
	default:
		return s.authenticateMD5(password)
	}
}

func hostIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

func (s *Session) authMethod() string {
	if s.bp.AuthPamService() != "" {
		return "pam"
	}
	password := s.bp.Target().Password
	switch {
	case password == "":
		return "trust"
	case strings.HasPrefix(password, "SCRAM-SHA-256$"):
		return "scram"
	case auth.IsJWTPasswordRecord(password):
		return "jwt"
	default:
		return "md5"
	}
}

func (s *Session) writeAuthOK() error {
	return wire.WriteMessage(s.conn, wire.Authentication, uint32Bytes(wire.AuthOK))
}

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func trimCString(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

func (s *Session) authenticateMD5(stored string) error {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return err
	}
	payload := append(uint32Bytes(wire.AuthMD5Password), salt[:]...)
	if err := wire.WriteMessage(s.conn, wire.Authentication, payload); err != nil {
		return err
	}

	msg, err := s.reader.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != wire.PasswordMsg {
		return &pgerror.ProtocolSyncError{Where: "client MD5 auth", Got: msg.Type}
	}
	if trimCString(msg.Payload) != auth.MD5HashFromStored(stored, salt[:]) {
		pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeInvalidAuth, "password authentication failed") //nolint:errcheck
		return fmt.Errorf("MD5 authentication failed for %s", s.poolKey)
	}
	return s.writeAuthOK()
}

func (s *Session) authenticateSCRAM(stored string) error {
	keys, err := auth.ParseScramPassword(stored)
	if err != nil {
		return fmt.Errorf("parsing stored SCRAM password for %s: %w", s.poolKey, err)
	}
	ex := auth.NewScramClientExchange(keys)

	if err := wire.WriteMessage(s.conn, wire.Authentication, buildSASLMechanismList(ex.Mechanisms())); err != nil {
		return err
	}

	msg, err := s.reader.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != wire.PasswordMsg {
		return &pgerror.ProtocolSyncError{Where: "client SCRAM initial response", Got: msg.Type}
	}
	clientFirst, err := parseSASLInitialResponse(msg.Payload)
	if err != nil {
		return err
	}

	serverFirst, err := ex.ServerFirstMessage(clientFirst)
	if err != nil {
		pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeInvalidAuth, "password authentication failed") //nolint:errcheck
		return err
	}
	if err := wire.WriteMessage(s.conn, wire.Authentication, append(uint32Bytes(wire.AuthSASLContinue), serverFirst...)); err != nil {
		return err
	}

	msg, err = s.reader.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != wire.PasswordMsg {
		return &pgerror.ProtocolSyncError{Where: "client SCRAM final response", Got: msg.Type}
	}
	serverFinal, err := ex.VerifyClientFinal(msg.Payload, serverFirst)
	if err != nil {
		pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeInvalidAuth, "password authentication failed") //nolint:errcheck
		return err
	}
	if err := wire.WriteMessage(s.conn, wire.Authentication, append(uint32Bytes(wire.AuthSASLFinal), serverFinal...)); err != nil {
		return err
	}
	return s.writeAuthOK()
}

func buildSASLMechanismList(mechs []string) []byte {
	payload := uint32Bytes(wire.AuthSASL)
	for _, m := range mechs {
		payload = append(payload, m...)
		payload = append(payload, 0)
	}
	return append(payload, 0)
}

func parseSASLInitialResponse(payload []byte) ([]byte, error) {
	_, off, err := readCString(payload, 0)
	if err != nil {
		return nil, fmt.Errorf("malformed SASLInitialResponse: %w", err)
	}
	if off+4 > len(payload) {
		return nil, fmt.Errorf("truncated SASLInitialResponse length")
	}
	n := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	if off+n > len(payload) {
		return nil, fmt.Errorf("truncated SASLInitialResponse data")
	}
	return payload[off : off+n], nil
}

func (s *Session) authenticateJWT(stored string) error {
	if err := wire.WriteMessage(s.conn, wire.Authentication, uint32Bytes(wire.AuthCleartextPassword)); err != nil {
		return err
	}
	msg, err := s.reader.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != wire.PasswordMsg {
		return &pgerror.ProtocolSyncError{Where: "client JWT auth", Got: msg.Type}
	}
	token := trimCString(msg.Payload)
	if err := auth.VerifyClientToken(auth.JWTKeyPath(stored), token, s.user); err != nil {
		pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeInvalidAuth, "password authentication failed") //nolint:errcheck
		return err
	}
	return s.writeAuthOK()
}

func (s *Session) authenticatePAM() error {
	if err := wire.WriteMessage(s.conn, wire.Authentication, uint32Bytes(wire.AuthCleartextPassword)); err != nil {
		return err
	}
	msg, err := s.reader.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != wire.PasswordMsg {
		return &pgerror.ProtocolSyncError{Where: "client PAM auth", Got: msg.Type}
	}
	password := trimCString(msg.Payload)
	if err := auth.VerifyPAM(s.bp.AuthPamService(), s.user, password); err != nil {
		pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeInvalidAuth, "password authentication failed") //nolint:errcheck
		return err
	}
	return s.writeAuthOK()
}

func (s *Session) authenticateAdmin() error {
	if s.user != s.deps.Config.Admin.User {
		pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeInvalidAuth, "password authentication failed") //nolint:errcheck
		return fmt.Errorf("admin auth: unexpected user %q", s.user)
	}
	if s.deps.Config.Admin.Password == "" {
		return s.writeAuthOK()
	}
	if err := wire.WriteMessage(s.conn, wire.Authentication, uint32Bytes(wire.AuthCleartextPassword)); err != nil {
		return err
	}
	msg, err := s.reader.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != wire.PasswordMsg {
		return &pgerror.ProtocolSyncError{Where: "admin auth", Got: msg.Type}
	}
	if trimCString(msg.Payload) != s.deps.Config.Admin.Password {
		pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeInvalidAuth, "password authentication failed") //nolint:errcheck
		return fmt.Errorf("admin authentication failed for %q", s.user)
	}
	return s.writeAuthOK()
}

// sendGreeting sends the synthetic ParameterStatus/BackendKeyData/
// ReadyForQuery sequence spec.md §4.5 step 5 describes: the pooler mints
// its own (pid, secret) pair rather than relaying a backend's, since which
// real backend a client owns changes across its lifetime under
// transaction pooling. Outside the admin database a backend is acquired now
// to supply the server parameters: session pool_mode keeps it for the life
// of the connection, transaction pool_mode checks it straight back in. The
// admin database acquires none.
func (s *Session) sendGreeting() error {
	s.clientPID = nextClientPID()
	secret, err := pool.NewClientSecret()
	if err != nil {
		return err
	}
	s.clientSecret = secret

	serverParams := map[string]string{"server_version": "14.0 (pgdoorman)"}

	if !s.isAdmin {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.General.ConnectTimeout+s.deps.Config.General.CreateTimeout+s.deps.Config.General.QueryWaitTimeout)
		defer cancel()

		backend, err := s.acquireBackend(ctx)
		if err != nil {
			pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeTooManyClients, "could not get a database connection") //nolint:errcheck
			return err
		}
		serverParams = backend.ServerParameters

		if s.poolMode == "session" {
			s.backend = backend
		} else {
			s.releaseBackend(backend, false)
		}
	}

	for k, v := range serverParams {
		if err := wire.WriteMessage(s.conn, wire.ParameterStatus, append(append(cString(k), []byte(v)...), 0)); err != nil {
			return err
		}
	}

	var bkd [8]byte
	binary.BigEndian.PutUint32(bkd[0:4], s.clientPID)
	binary.BigEndian.PutUint32(bkd[4:8], s.clientSecret)
	if err := wire.WriteMessage(s.conn, wire.BackendKeyData, bkd[:]); err != nil {
		return err
	}
	return wire.WriteMessage(s.conn, wire.ReadyForQuery, []byte{'I'})
}

// acquireBackend checks out a backend from this session's pool and
// registers the cancel mapping a later CancelRequest will need to find it.
func (s *Session) acquireBackend(ctx context.Context) (*server.Conn, error) {
	start := time.Now()
	c, err := s.bp.Acquire(ctx)
	if s.deps.Metrics != nil {
		s.deps.Metrics.AcquireDuration(s.database, s.user, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	s.deps.Registry.RegisterCancel(s.clientPID, s.clientSecret, s.bp, s.bp.Target(), c.ProcessID, c.SecretKey)
	return c, nil
}

// releaseBackend unregisters the cancel mapping and returns c to the pool
// (checkin) or drops it (discard), per spec.md §4.6's release step.
func (s *Session) releaseBackend(c *server.Conn, discard bool) {
	s.deps.Registry.UnregisterCancel(s.clientPID, s.clientSecret)
	if discard {
		s.bp.Discard(c)
		return
	}
	s.bp.Checkin(c)
}

// teardown runs when Serve returns for any reason: it closes the client
// socket and, if a backend is still attached, runs the same in-place
// cleanup checkin uses (rolling back an open transaction first) before
// releasing it — the dirty-disconnect path, grounded on the teacher's
// cleanupBackend.
func (s *Session) teardown() {
	s.conn.Close() //nolint:errcheck
	if s.backend == nil {
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.DirtyDisconnect(s.database, s.user)
	}
	c := s.backend
	s.backend = nil
	cleanupErr := c.CheckinCleanup(s.deps.Config.General.RecycleTimeout)
	s.releaseBackend(c, cleanupErr != nil || !c.Reusable())
}
