package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/pgerror"
	"github.com/pgdoorman/pgdoorman-go/internal/pscache"
	"github.com/pgdoorman/pgdoorman-go/internal/server"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// errEnteredCopyMode is relayUntilAny's signal that the backend answered
// with CopyInResponse/CopyBothResponse instead of one of the requested
// terminals: the backend is now waiting on CopyData from the client, which
// only runTransactionLoop's outer read loop — not a nested relay — can ever
// supply. Callers that see this error must stash a copyWait and return
// control upward rather than treating it as a failure.
var errEnteredCopyMode = errors.New("client: backend entered copy mode")

// copyWait records a relayUntilAny wait that was interrupted by
// errEnteredCopyMode, so forwardToBackend can resume it once the client's
// CopyData/CopyDone/CopyFail has been relayed through.
type copyWait struct {
	backend   *server.Conn
	terminals []byte
	onDone    func()
}

// runTransactionLoop is spec.md §4.6's per-message dispatch table: read one
// client message, route it to the simple-query short-circuit, the
// extended-protocol handlers, or the copy-data passthrough, and keep going
// until Terminate or a socket error.
func (s *Session) runTransactionLoop(ctx context.Context) error {
	for {
		typ, payload, err := s.readClientMessage()
		if err != nil {
			return err
		}

		switch typ {
		case wire.Terminate:
			return nil

		case wire.Query:
			sql := trimCString(payload)
			if s.isAdmin {
				if err := s.deps.Admin.Dispatch(s.conn, sql); err != nil {
					return fmt.Errorf("admin dispatch: %w", err)
				}
				continue
			}
			if err := s.handleSimpleQuery(ctx, sql); err != nil {
				return err
			}

		case wire.Parse, wire.Bind, wire.Describe, wire.Execute, wire.Close, wire.Sync, wire.Flush:
			if s.isAdmin {
				pgerror.Send(s.conn, pgerror.SeverityError, pgerror.CodeProtocolViolation, "extended query protocol is not supported on the admin database") //nolint:errcheck
				continue
			}
			if err := s.handleExtended(ctx, typ, payload); err != nil {
				return err
			}

		case wire.CopyData, wire.CopyDone, wire.CopyFail:
			if err := s.forwardToBackend(ctx, typ, payload); err != nil {
				return err
			}

		default:
			pgerror.Send(s.conn, pgerror.SeverityError, pgerror.CodeProtocolViolation, fmt.Sprintf("unexpected message type %q", typ)) //nolint:errcheck
		}
	}
}

func (s *Session) readClientMessage() (byte, []byte, error) {
	msg, err := s.reader.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	s.reader.Release(msg)
	return msg.Type, msg.Payload, nil
}

// handleSimpleQuery implements spec.md §4.6 step 3: pooler_check_query and
// a single-statement DEALLOCATE never touch the backend; everything else
// acquires one (transaction pool_mode's acquisition point) and relays.
func (s *Session) handleSimpleQuery(ctx context.Context, sql string) error {
	trimmed := strings.TrimSpace(sql)

	if check := s.deps.Config.General.PoolerCheckQuery; check != "" && trimmed == check {
		if err := wire.WriteMessage(s.conn, wire.CommandComplete, []byte("SELECT 1\x00")); err != nil {
			return err
		}
		return wire.WriteMessage(s.conn, wire.ReadyForQuery, []byte{'I'})
	}

	// A single-statement DEALLOCATE only drops this client's local alias:
	// the pool-wide cached statement and any other client's reference to
	// it survive, and the now-stale backend-side name is reclaimed lazily
	// by the per-server LRU rather than closed immediately. This is a
	// known, documented simplification (see DESIGN.md) rather than a full
	// reference-counted deallocation.
	if name, ok := parseSimpleDeallocate(trimmed); ok {
		delete(s.statements, name)
		if err := wire.WriteMessage(s.conn, wire.CommandComplete, []byte("DEALLOCATE\x00")); err != nil {
			return err
		}
		return wire.WriteMessage(s.conn, wire.ReadyForQuery, []byte{'I'})
	}

	backend, err := s.ensureBackend(ctx)
	if err != nil {
		return s.sendAcquireError(err)
	}

	if detectSessionPin(wire.Query, []byte(sql)) {
		s.pinned = true
	}
	if k, v, ok := parseSimpleSet(trimmed); ok {
		if s.trackedParams == nil {
			s.trackedParams = make(map[string]string)
		}
		s.trackedParams[k] = v
	}

	start := time.Now()
	timeout := s.deps.Config.General.RecycleTimeout
	if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Query, append([]byte(sql), 0)), timeout); err != nil {
		s.discardBackend()
		return err
	}
	if err := s.relayUntilAny(backend, wire.ReadyForQuery); err != nil {
		if err == errEnteredCopyMode {
			s.copyWait = &copyWait{
				backend:   backend,
				terminals: []byte{wire.ReadyForQuery},
				onDone: func() {
					if s.deps.Metrics != nil {
						s.deps.Metrics.QueryDuration(s.database, s.user, time.Since(start))
					}
					s.maybeRelease(backend)
				},
			}
			return nil
		}
		return err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryDuration(s.database, s.user, time.Since(start))
	}
	s.maybeRelease(backend)
	return nil
}

func parseSimpleDeallocate(sql string) (string, bool) {
	upper := strings.ToUpper(sql)
	if !strings.HasPrefix(upper, "DEALLOCATE") {
		return "", false
	}
	rest := strings.TrimSpace(sql[len("DEALLOCATE"):])
	if strings.HasPrefix(strings.ToUpper(rest), "PREPARE ") {
		rest = strings.TrimSpace(rest[len("PREPARE "):])
	}
	rest = strings.TrimSuffix(rest, ";")
	rest = strings.Trim(rest, `"`)
	if rest == "" || strings.EqualFold(rest, "ALL") {
		return "", false
	}
	return rest, true
}

func parseSimpleSet(sql string) (string, string, bool) {
	upper := strings.ToUpper(sql)
	if !strings.HasPrefix(upper, "SET ") {
		return "", "", false
	}
	rest := strings.TrimSpace(sql[4:])
	sep, idx := "=", strings.Index(rest, "=")
	if toIdx := strings.Index(strings.ToUpper(rest), " TO "); toIdx >= 0 && (idx < 0 || toIdx < idx) {
		sep, idx = " TO ", toIdx
	}
	if idx < 0 {
		return "", "", false
	}
	key := strings.TrimSpace(rest[:idx])
	val := strings.TrimSpace(rest[idx+len(sep):])
	val = strings.TrimSuffix(val, ";")
	if key == "" || val == "" {
		return "", "", false
	}
	return key, val, true
}

// detectSessionPin reports whether a client message makes this backend
// unsafe to return to the pool at the next release point, per spec.md
// §4.6's session-pinning rule. Unlike the teacher's relay, a named Parse
// no longer pins the session here: spec.md §4.3's rewrite-and-cache
// machinery makes named prepared statements pool-shareable instead.
func detectSessionPin(msgType byte, payload []byte) bool {
	if msgType != wire.Query {
		return false
	}
	upper := strings.ToUpper(strings.TrimSpace(string(payload)))
	return strings.HasPrefix(upper, "LISTEN") || strings.HasPrefix(upper, "NOTIFY") || strings.HasPrefix(upper, "UNLISTEN")
}

func (s *Session) ensureBackend(ctx context.Context) (*server.Conn, error) {
	if s.backend != nil {
		return s.backend, nil
	}
	backend, err := s.acquireBackend(ctx)
	if err != nil {
		return nil, err
	}
	if s.bp.SyncServerParams() && len(s.trackedParams) > 0 {
		if err := s.applyTrackedParams(backend); err != nil {
			s.releaseBackend(backend, true)
			return nil, err
		}
	}
	s.backend = backend
	return backend, nil
}

// applyTrackedParams replays SET statements this client has issued before
// against a freshly acquired backend that may have last served a different
// session, per spec.md §4.6's sync_server_parameters option.
func (s *Session) applyTrackedParams(backend *server.Conn) error {
	for k, v := range s.trackedParams {
		stmt := fmt.Sprintf("SET %s = %s", k, v)
		if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Query, append([]byte(stmt), 0)), s.deps.Config.General.RecycleTimeout); err != nil {
			return err
		}
		for {
			typ, err := backend.Recv(io.Discard, s.streamThreshold)
			if err != nil {
				return err
			}
			if typ == wire.ReadyForQuery {
				break
			}
		}
	}
	return nil
}

func (s *Session) sendAcquireError(err error) error {
	pgerror.Send(s.conn, pgerror.SeverityFatal, pgerror.CodeTooManyClients, "could not get a database connection") //nolint:errcheck
	return fmt.Errorf("acquiring backend for %s: %w", s.poolKey, err)
}

func (s *Session) discardBackend() {
	if s.backend == nil {
		return
	}
	b := s.backend
	s.backend = nil
	s.releaseBackend(b, true)
}

// maybeRelease implements spec.md §4.6's fast-release step: under
// transaction pool_mode, an unpinned backend that is idle and reusable
// goes back to the pool as soon as ReadyForQuery('I') is observed.
func (s *Session) maybeRelease(backend *server.Conn) {
	if s.poolMode == "session" || s.pinned {
		return
	}
	if backend.InTransaction {
		// An aborted-but-still-open transaction waits for the client's own
		// ROLLBACK/COMMIT rather than being released mid-transaction
		// (spec.md §4.6's wait-rollback rule).
		return
	}
	s.backend = nil
	s.releaseBackend(backend, !backend.Reusable())
}

// relayUntilAny forwards backend responses to the client until one of the
// given terminal message types (or an ErrorResponse) is observed. A
// CopyInResponse/CopyBothResponse is never one of those terminals: it means
// the backend now expects CopyData from the client, which only the outer
// transaction loop can deliver, so relayUntilAny stops forwarding and
// reports errEnteredCopyMode instead of blocking on a response that isn't
// coming until the client's copy data does.
func (s *Session) relayUntilAny(backend *server.Conn, terminals ...byte) error {
	for {
		typ, err := backend.Recv(s.conn, s.streamThreshold)
		if err != nil {
			s.discardBackend()
			return err
		}
		if typ == wire.ErrorResponse {
			return nil
		}
		if typ == wire.CopyInResponse || typ == wire.CopyBothResponse {
			return errEnteredCopyMode
		}
		for _, t := range terminals {
			if typ == t {
				return nil
			}
		}
	}
}

// handleExtended dispatches one extended-protocol message, per spec.md
// §4.6's inner-loop table. Each handler is a single backend round trip:
// pgdoorman does not pipeline multiple client messages ahead of their
// responses, trading some throughput for a dispatch loop simple enough to
// reason about alongside the prepared-statement splicing rules.
func (s *Session) handleExtended(ctx context.Context, typ byte, payload []byte) error {
	backend, err := s.ensureBackend(ctx)
	if err != nil {
		return s.sendAcquireError(err)
	}

	switch typ {
	case wire.Parse:
		return s.handleParse(backend, payload)
	case wire.Bind:
		return s.handleBind(backend, payload)
	case wire.Describe:
		return s.handleDescribe(backend, payload)
	case wire.Execute:
		return s.handleExecute(backend, payload)
	case wire.Close:
		return s.handleClose(backend, payload)
	case wire.Sync:
		return s.handleSync(backend)
	case wire.Flush:
		return s.handleFlush(backend, payload)
	}
	return nil
}

// handleParse implements spec.md §4.3's rewrite rule: the statement is
// looked up (or inserted) in the pool-level cache under a stable name; if
// this particular backend has already been sent a Parse for that name, the
// real round trip is skipped and a synthetic ParseComplete answers the
// client directly.
func (s *Session) handleParse(backend *server.Conn, payload []byte) error {
	clientName, query, paramOIDs, err := parseParseMessage(payload)
	if err != nil {
		return err
	}

	timeout := s.deps.Config.General.RecycleTimeout

	if clientName == "" {
		if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Parse, payload), timeout); err != nil {
			s.discardBackend()
			return err
		}
		return s.relayUntilAny(backend, wire.ParseComplete)
	}

	hash := pscache.Hash(query, paramOIDs)
	stmt, _, evicted := s.bp.StatementCache.GetOrInsert(hash, func() *pscache.Statement {
		name := pscache.ServerName(hash)
		return &pscache.Statement{
			Hash: hash, Name: name, SQL: query, ParamOIDs: paramOIDs,
			Parse: buildParseMessage(name, query, paramOIDs),
		}
	})
	s.statements[clientName] = stmt

	if evicted != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheEviction(s.database, s.user)
		}
		if backend.StatementCache.Has(evicted.Name) {
			if err := s.closeStaleStatement(backend, evicted.Name); err != nil {
				s.discardBackend()
				return err
			}
		}
	}

	if backend.StatementCache.Has(stmt.Name) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheHit(s.database, s.user)
		}
		return wire.WriteMessage(s.conn, wire.ParseComplete, nil)
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.CacheMiss(s.database, s.user)
	}
	if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Parse, stmt.Parse), timeout); err != nil {
		s.discardBackend()
		return err
	}
	if srvEvicted, had := backend.StatementCache.Insert(stmt.Name); had {
		if err := s.closeStaleStatement(backend, srvEvicted); err != nil {
			s.discardBackend()
			return err
		}
	}
	return s.relayUntilAny(backend, wire.ParseComplete)
}

// closeStaleStatement tells a backend to forget a statement name this
// session's caches no longer track, so the backend's own resources don't
// leak silently (spec.md §4.3's cache-eviction interaction).
func (s *Session) closeStaleStatement(backend *server.Conn, name string) error {
	closeMsg := append([]byte{'S'}, cString(name)...)
	if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Close, closeMsg), s.deps.Config.General.RecycleTimeout); err != nil {
		return err
	}
	for {
		typ, err := backend.Recv(io.Discard, s.streamThreshold)
		if err != nil {
			return err
		}
		if typ == wire.CloseComplete || typ == wire.ErrorResponse {
			return nil
		}
	}
}

func (s *Session) handleBind(backend *server.Conn, payload []byte) error {
	_, off, err := readCString(payload, 0)
	if err != nil {
		return err
	}
	clientStmtName, _, err := readCString(payload, off)
	if err != nil {
		return err
	}

	rewritten := payload
	if clientStmtName != "" {
		stmt, ok := s.statements[clientStmtName]
		if !ok {
			pgerror.Send(s.conn, pgerror.SeverityError, pgerror.CodeUndefinedStatement, fmt.Sprintf("prepared statement %q does not exist", clientStmtName)) //nolint:errcheck
			return nil
		}
		rewritten, err = rewriteBindStatementName(payload, stmt.Name)
		if err != nil {
			return err
		}
	}

	if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Bind, rewritten), s.deps.Config.General.RecycleTimeout); err != nil {
		s.discardBackend()
		return err
	}
	return s.relayUntilAny(backend, wire.BindComplete)
}

func (s *Session) handleDescribe(backend *server.Conn, payload []byte) error {
	kind, name, err := parseNamedMessageTarget(payload)
	if err != nil {
		return err
	}

	rewritten := payload
	if kind == 'S' && name != "" {
		stmt, ok := s.statements[name]
		if !ok {
			pgerror.Send(s.conn, pgerror.SeverityError, pgerror.CodeUndefinedStatement, fmt.Sprintf("prepared statement %q does not exist", name)) //nolint:errcheck
			return nil
		}
		rewritten = append([]byte{'S'}, cString(stmt.Name)...)
	}

	if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Describe, rewritten), s.deps.Config.General.RecycleTimeout); err != nil {
		s.discardBackend()
		return err
	}
	return s.relayUntilAny(backend, wire.RowDescription, wire.NoData)
}

func (s *Session) handleExecute(backend *server.Conn, payload []byte) error {
	if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Execute, payload), s.deps.Config.General.RecycleTimeout); err != nil {
		s.discardBackend()
		return err
	}
	return s.relayUntilAny(backend, wire.CommandComplete, wire.EmptyQuery, wire.PortalSuspended)
}

func (s *Session) handleClose(backend *server.Conn, payload []byte) error {
	kind, name, err := parseNamedMessageTarget(payload)
	if err != nil {
		return err
	}

	if kind != 'S' || name == "" {
		if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Close, payload), s.deps.Config.General.RecycleTimeout); err != nil {
			s.discardBackend()
			return err
		}
		return s.relayUntilAny(backend, wire.CloseComplete)
	}

	stmt, ok := s.statements[name]
	delete(s.statements, name)
	if !ok || !backend.StatementCache.Has(stmt.Name) {
		return wire.WriteMessage(s.conn, wire.CloseComplete, nil)
	}

	rewritten := append([]byte{'S'}, cString(stmt.Name)...)
	if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Close, rewritten), s.deps.Config.General.RecycleTimeout); err != nil {
		s.discardBackend()
		return err
	}
	backend.StatementCache.Remove(stmt.Name)
	return s.relayUntilAny(backend, wire.CloseComplete)
}

func (s *Session) handleSync(backend *server.Conn) error {
	backend.SetWaitingSync(true)
	if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Sync, nil), s.deps.Config.General.RecycleTimeout); err != nil {
		s.discardBackend()
		return err
	}
	if err := s.relayUntilAny(backend, wire.ReadyForQuery); err != nil {
		return err
	}
	backend.AsyncMode = false
	s.maybeRelease(backend)
	return nil
}

func (s *Session) handleFlush(backend *server.Conn, payload []byte) error {
	if err := backend.SendAndFlushTimeout(wire.BuildMessage(wire.Flush, payload), s.deps.Config.General.RecycleTimeout); err != nil {
		s.discardBackend()
		return err
	}
	backend.AsyncMode = true
	return nil
}

func (s *Session) forwardToBackend(ctx context.Context, typ byte, payload []byte) error {
	if s.copyWait != nil {
		return s.continueCopy(typ, payload)
	}

	backend, err := s.ensureBackend(ctx)
	if err != nil {
		return s.sendAcquireError(err)
	}
	if err := backend.SendAndFlushTimeout(wire.BuildMessage(typ, payload), s.deps.Config.General.RecycleTimeout); err != nil {
		s.discardBackend()
		return err
	}
	if typ == wire.CopyDone || typ == wire.CopyFail {
		return s.relayUntilAny(backend, wire.CommandComplete, wire.ReadyForQuery, wire.ErrorResponse)
	}
	return nil
}

// continueCopy forwards one CopyData/CopyDone/CopyFail message to the
// backend a prior relayUntilAny parked in s.copyWait. CopyData is pure
// passthrough — the backend sends nothing back per row — but CopyDone and
// CopyFail end the copy-in stream and resume the original wait for
// whichever terminal the interrupted relay was looking for.
func (s *Session) continueCopy(typ byte, payload []byte) error {
	cw := s.copyWait
	if err := cw.backend.SendAndFlushTimeout(wire.BuildMessage(typ, payload), s.deps.Config.General.RecycleTimeout); err != nil {
		s.copyWait = nil
		s.discardBackend()
		return err
	}
	if typ == wire.CopyData {
		return nil
	}

	s.copyWait = nil
	if err := s.relayUntilAny(cw.backend, cw.terminals...); err != nil {
		if err == errEnteredCopyMode {
			// COPY BOTH can hand control straight back to another copy-in
			// round (e.g. logical replication); keep waiting on the same
			// terminals once that round finishes too.
			s.copyWait = &copyWait{backend: cw.backend, terminals: cw.terminals, onDone: cw.onDone}
			return nil
		}
		return err
	}
	if cw.onDone != nil {
		cw.onDone()
	}
	return nil
}
