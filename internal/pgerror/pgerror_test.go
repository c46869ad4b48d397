package pgerror

import (
	"bytes"
	"testing"

	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

func TestSendThenParseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Send(&buf, SeverityFatal, CodeInvalidAuth, "password authentication failed"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rd := wire.NewReader(&buf, nil)
	msg, err := rd.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != 'E' {
		t.Fatalf("type = %q, want 'E'", msg.Type)
	}

	fields := Parse(msg.Payload)
	if fields.Severity != SeverityFatal {
		t.Errorf("Severity = %q, want %q", fields.Severity, SeverityFatal)
	}
	if fields.Code != CodeInvalidAuth {
		t.Errorf("Code = %q, want %q", fields.Code, CodeInvalidAuth)
	}
	if fields.Message != "password authentication failed" {
		t.Errorf("Message = %q", fields.Message)
	}
}

func TestParseStopsAtTerminator(t *testing.T) {
	payload := buildFields(SeverityError, CodeSyntaxError, "syntax error")
	// Append garbage after the terminator; Parse must ignore it.
	payload = append(payload, 'X', 'j', 'u', 'n', 'k', 0)

	fields := Parse(payload)
	if fields.Code != CodeSyntaxError {
		t.Errorf("Code = %q, want %q", fields.Code, CodeSyntaxError)
	}
}

func TestStartupErrorMessage(t *testing.T) {
	err := &StartupError{Fields: Fields{Severity: SeverityFatal, Code: CodeConnectionFailure, Message: "connection refused"}}
	msg := err.Error()
	if msg == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestProtocolSyncErrorMessage(t *testing.T) {
	err := &ProtocolSyncError{Where: "ReadyForQuery", Got: 'X'}
	if err.Error() == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestTimeoutError(t *testing.T) {
	err := &Timeout{Op: "create"}
	if err.Error() != "create timeout" {
		t.Errorf("Error() = %q, want %q", err.Error(), "create timeout")
	}
}
