package server

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/pgerror"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// SendAndFlushTimeout writes a fully framed buffer to the backend under a
// write deadline, per spec.md §4.2's send_and_flush_timeout. A zero timeout
// disables the deadline.
func (c *Conn) SendAndFlushTimeout(payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(timeout)) //nolint:errcheck
		defer c.netConn.SetWriteDeadline(time.Time{})        //nolint:errcheck
	}
	if err := wire.WriteAllFlush(c.netConn, payload); err != nil {
		if ne, ok := asNetTimeout(err); ok && ne {
			return &pgerror.Timeout{Op: "send_and_flush"}
		}
		return err
	}
	return nil
}

// SetWaitingSync records whether a Sync has been sent without its matching
// ReadyForQuery observed yet. Callers that write a Sync message directly to
// the backend (the transaction loop, via SendAndFlushTimeout) must set this
// so checkin cannot mistake a connection for idle mid-round-trip.
func (c *Conn) SetWaitingSync(waiting bool) { c.waitingSync = waiting }

// WaitingSync reports whether a Sync is still awaiting its ReadyForQuery.
func (c *Conn) WaitingSync() bool { return c.waitingSync }

func asNetTimeout(err error) (bool, bool) {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok {
			return t.Timeout(), true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return false, false
}

// Recv reads exactly one backend message, updates the connection's state
// flags per the protocol-effects table in spec.md §4.2, and forwards the
// message verbatim to clientWriter. DataRow messages whose payload exceeds
// streamThreshold are streamed directly from the backend socket to
// clientWriter without ever being buffered in process memory, per the
// codec's oversize-row streaming mode. It returns the message type read so
// callers can decide when to stop looping (typically on ReadyForQuery).
func (c *Conn) Recv(clientWriter io.Writer, streamThreshold int32) (byte, error) {
	typ, length, err := c.Reader.ReadHeader()
	if err != nil {
		return 0, &wire.SocketError{Direction: "read", Err: err}
	}

	if typ == wire.DataRow && length-4 > streamThreshold {
		c.DataAvailable = true
		if err := wire.StreamRaw(clientWriter, c.Reader.Raw(), typ, length); err != nil {
			return typ, err
		}
		c.Touch()
		return typ, nil
	}

	msg, err := c.Reader.ReadPayload(typ, length)
	if err != nil {
		return typ, err
	}
	defer c.Reader.Release(msg)

	switch typ {
	case wire.ReadyForQuery:
		if len(msg.Payload) > 0 {
			switch msg.Payload[0] {
			case 'I':
				c.InTransaction = false
			case 'T', 'E':
				c.InTransaction = true
			}
		}
		c.waitingSync = false
		c.InCopyMode = false
		c.DataAvailable = false
		c.Touch()

	case wire.CommandComplete:
		c.applyCommandTag(msg.Payload)
		c.DataAvailable = true

	case wire.ErrorResponse:
		c.DataAvailable = true

	case wire.ParameterStatus:
		key, val := parseCString2(msg.Payload)
		if key != "" {
			c.ServerParameters[key] = val
		}
		c.DataAvailable = true

	case wire.CopyInResponse, wire.CopyOutResponse, wire.CopyBothResponse:
		c.InCopyMode = true
		c.DataAvailable = true

	case wire.CopyDone:
		c.InCopyMode = false
		c.DataAvailable = true

	default:
		c.DataAvailable = true
	}

	if err := wire.WriteMessage(clientWriter, typ, msg.Payload); err != nil {
		return typ, err
	}
	return typ, nil
}

// applyCommandTag inspects a CommandComplete tag and updates the cleanup
// bits that drive the checkin discipline, per spec.md §3/§8. A handful of
// command tags leave session-level state behind that only RESET
// ALL/DEALLOCATE ALL/CLOSE ALL can undo; DISCARD ALL and an explicit
// DEALLOCATE ALL clear what they cover.
func (c *Conn) applyCommandTag(tag []byte) {
	switch {
	case bytes.HasPrefix(tag, []byte("DISCARD ALL")):
		c.Cleanup = CleanupState{}
		c.StatementCache.Reset()
	case bytes.HasPrefix(tag, []byte("DEALLOCATE ALL")):
		c.Cleanup.NeedsDeallocate = false
		c.StatementCache.Reset()
	case bytes.HasPrefix(tag, []byte("SET")), bytes.HasPrefix(tag, []byte("LISTEN")), bytes.HasPrefix(tag, []byte("UNLISTEN")):
		c.Cleanup.NeedsReset = true
	case bytes.HasPrefix(tag, []byte("DECLARE")):
		c.Cleanup.NeedsClose = true
	case bytes.HasPrefix(tag, []byte("PREPARE")):
		c.Cleanup.NeedsDeallocate = true
	}
}

// CheckinCleanup runs whatever RESET ALL/DEALLOCATE ALL/CLOSE ALL sequence
// this connection's cleanup bits require (prefixed with ROLLBACK if a
// transaction was left open), blocking until the backend's ReadyForQuery
// confirms the session is clean. It is the in-place counterpart to closing
// and reopening the connection, and is what makes checkin cheap enough for
// transaction-mode pooling (spec.md §3/§8).
//
// Step 1 of spec.md §4.2's checkin algorithm runs first and unconditionally:
// a connection that's mid-COPY, has a response queued that nobody read yet,
// or has unread bytes sitting on the socket is not safe to address with a
// Query message at all — sending ROLLBACK/RESET ALL onto that stream would
// land on whatever the backend is still mid-sending and desync the
// connection rather than clean it. Such a connection is marked bad and
// handed back untouched; only a connection that clears this gate reaches
// the ROLLBACK/RESET ALL/DEALLOCATE ALL/CLOSE ALL sequence below.
func (c *Conn) CheckinCleanup(timeout time.Duration) error {
	if c.InCopyMode || c.DataAvailable || !c.BufferEmpty() {
		c.Bad = true
		return nil
	}

	var parts []string
	if c.InTransaction {
		parts = append(parts, "ROLLBACK")
	}
	if c.Cleanup.NeedsReset {
		parts = append(parts, "RESET ALL")
	}
	if c.Cleanup.NeedsDeallocate {
		parts = append(parts, "DEALLOCATE ALL")
	}
	if c.Cleanup.NeedsClose {
		parts = append(parts, "CLOSE ALL")
	}
	if len(parts) == 0 {
		return nil
	}

	query := strings.Join(parts, "; ")
	body := append([]byte(query), 0)
	lenField := uint32(4 + len(body))
	payload := make([]byte, 5, 5+len(body))
	payload[0] = wire.Query
	payload[1] = byte(lenField >> 24)
	payload[2] = byte(lenField >> 16)
	payload[3] = byte(lenField >> 8)
	payload[4] = byte(lenField)
	payload = append(payload, body...)

	if err := c.SendAndFlushTimeout(payload, timeout); err != nil {
		return err
	}

	for {
		msg, err := c.Reader.ReadMessage()
		if err != nil {
			return err
		}
		if msg.Type == wire.ErrorResponse {
			c.Bad = true
		}
		done := msg.Type == wire.ReadyForQuery
		if done {
			c.InTransaction = false
		}
		c.Reader.Release(msg)
		if done {
			break
		}
	}

	if c.Cleanup.NeedsDeallocate {
		c.StatementCache.Reset()
	}
	c.Cleanup = CleanupState{}
	c.DataAvailable = false
	c.Touch()
	return nil
}
