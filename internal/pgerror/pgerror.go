// Package pgerror builds PostgreSQL ErrorResponse wire messages and carries
// the small taxonomy of typed errors from spec.md §7, grounded on the
// teacher's sendPGError helper (internal/proxy/postgres.go).
package pgerror

import (
	"fmt"
	"io"

	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// Severity values PostgreSQL uses in ErrorResponse's 'S' field.
const (
	SeverityFatal = "FATAL"
	SeverityError = "ERROR"
)

// SQLSTATE codes named in spec.md §7.
const (
	CodeTooManyClients     = "53300" // also used for "could not get a database connection"
	CodeInvalidAuth        = "28P01"
	CodeHBADenied          = "28000"
	CodeAbortedTransaction = "25P02"
	CodeProtocolViolation  = "08P01"
	CodeConnectionFailure  = "08006"
	CodeQueryCanceled      = "57014"
	CodeUndefinedStatement = "58000"
	CodeSyntaxError        = "42601"
	CodeInternalError      = "XX000"
)

// Fields is a parsed PostgreSQL ErrorResponse/NoticeResponse body.
type Fields struct {
	Severity string
	Code     string
	Message  string
}

// Send writes an ErrorResponse built from severity/code/message to w.
func Send(w io.Writer, severity, code, message string) error {
	return wire.WriteMessage(w, 'E', buildFields(severity, code, message))
}

func buildFields(severity, code, message string) []byte {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0) // terminator
	return buf
}

// Parse extracts severity, SQLSTATE code, and message from an ErrorResponse
// payload, whose fields are a sequence of {byte tag, C-string} pairs.
func Parse(payload []byte) Fields {
	var f Fields
	i := 0
	for i < len(payload) {
		tag := payload[i]
		if tag == 0 {
			break
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		val := string(payload[start:i])
		i++ // skip NUL
		switch tag {
		case 'S':
			f.Severity = val
		case 'C':
			f.Code = val
		case 'M':
			f.Message = val
		}
	}
	return f
}

// StartupError is returned when the backend rejects or fails the startup
// handshake (spec.md §4.2's typed startup error).
type StartupError struct {
	Fields Fields
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("backend startup failed: [%s] %s: %s", e.Fields.Severity, e.Fields.Code, e.Fields.Message)
}

// ProtocolSyncError marks a backend connection as unsafe to reuse because an
// unexpected message arrived in a well-defined sequence (spec.md §7).
type ProtocolSyncError struct {
	Where string
	Got   byte
}

func (e *ProtocolSyncError) Error() string {
	return fmt.Sprintf("protocol sync error in %s: unexpected message %q", e.Where, e.Got)
}

// Timeout distinguishes which operation timed out, per spec.md §5.
type Timeout struct {
	Op string // "wait", "create", "recycle", "send_and_flush", "shutdown"
}

func (e *Timeout) Error() string { return fmt.Sprintf("%s timeout", e.Op) }
