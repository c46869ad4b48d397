package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteMessageThenReadMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Query, []byte("select 1;\x00")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	rd := NewReader(&buf, nil)
	msg, err := rd.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != Query {
		t.Errorf("type = %q, want %q", msg.Type, Query)
	}
	if string(msg.Payload) != "select 1;\x00" {
		t.Errorf("payload = %q", msg.Payload)
	}
}

func TestBuildMessageFramesCorrectly(t *testing.T) {
	framed := BuildMessage(CommandComplete, []byte("SELECT 1\x00"))
	rd := NewReader(bytes.NewReader(framed), nil)
	msg, err := rd.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != CommandComplete || string(msg.Payload) != "SELECT 1\x00" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if int(msg.Len()) != len(framed)-1 {
		t.Errorf("Len() = %d, want %d", msg.Len(), len(framed)-1)
	}
}

func TestReaderRejectsOversizeLength(t *testing.T) {
	var hdr [5]byte
	hdr[0] = Query
	hdr[1], hdr[2], hdr[3], hdr[4] = 0x7f, 0xff, 0xff, 0xff // absurd length
	rd := NewReader(bytes.NewReader(hdr[:]), nil)
	if _, err := rd.ReadMessage(); err == nil {
		t.Error("expected an error for an oversize declared length")
	}
}

func TestReaderRejectsSubMinimumLength(t *testing.T) {
	var hdr [5]byte
	hdr[0] = Query
	hdr[4] = 3 // declared length below the 4-byte minimum
	rd := NewReader(bytes.NewReader(hdr[:]), nil)
	if _, err := rd.ReadMessage(); err == nil {
		t.Error("expected an error for a declared length under 4")
	}
}

func TestMemoryAccountantEnforcesCap(t *testing.T) {
	acct := NewMemoryAccountant(100)
	if err := acct.Reserve(60); err != nil {
		t.Fatalf("Reserve(60): %v", err)
	}
	if err := acct.Reserve(50); err == nil {
		t.Error("expected Reserve to fail once the cap would be exceeded")
	}
	acct.Release(60)
	if err := acct.Reserve(50); err != nil {
		t.Errorf("Reserve after Release: %v", err)
	}
	if acct.InUse() != 50 {
		t.Errorf("InUse() = %d, want 50", acct.InUse())
	}
}

func TestMemoryAccountantUnboundedWhenZero(t *testing.T) {
	acct := NewMemoryAccountant(0)
	if err := acct.Reserve(1 << 30); err != nil {
		t.Errorf("expected an unbounded accountant to accept a large reservation: %v", err)
	}
}

func TestReaderChargesAndReleasesAccountant(t *testing.T) {
	acct := NewMemoryAccountant(0)
	var buf bytes.Buffer
	WriteMessage(&buf, Query, []byte("select 1;\x00")) //nolint:errcheck

	rd := NewReader(&buf, acct)
	msg, err := rd.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if acct.InUse() != int64(len(msg.Payload)) {
		t.Errorf("InUse() = %d, want %d", acct.InUse(), len(msg.Payload))
	}
	rd.Release(msg)
	if acct.InUse() != 0 {
		t.Errorf("InUse() after Release = %d, want 0", acct.InUse())
	}
}

func TestReadStartupOrCancel(t *testing.T) {
	body := []byte{0, 3, 0, 0} // protocol version 3.0
	framed := make([]byte, 4+len(body))
	framed[3] = byte(len(framed))
	copy(framed[4:], body)

	got, err := ReadStartupOrCancel(bytes.NewReader(framed), 1<<16)
	if err != nil {
		t.Fatalf("ReadStartupOrCancel: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("got %v, want %v", got, body)
	}
}

func TestReadStartupOrCancelRejectsTooShort(t *testing.T) {
	framed := []byte{0, 0, 0, 4} // declares only the length field itself
	if _, err := ReadStartupOrCancel(bytes.NewReader(framed), 1<<16); err == nil {
		t.Error("expected an error for a startup packet declaring length < 8")
	}
}

func TestStreamRawCopiesHeaderAndBody(t *testing.T) {
	body := []byte("some large row payload")
	var dst bytes.Buffer
	if err := StreamRaw(&dst, bytes.NewReader(body), DataRow, int32(4+len(body))); err != nil {
		t.Fatalf("StreamRaw: %v", err)
	}

	rd := NewReader(&dst, nil)
	msg, err := rd.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != DataRow || !bytes.Equal(msg.Payload, body) {
		t.Errorf("unexpected streamed message: %+v", msg)
	}
}

func TestReadHeaderThenReadPayload(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, Bind, []byte("portal-data")) //nolint:errcheck

	rd := NewReader(&buf, nil)
	typ, length, err := rd.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if typ != Bind {
		t.Errorf("type = %q, want %q", typ, Bind)
	}
	msg, err := rd.ReadPayload(typ, length)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if string(msg.Payload) != "portal-data" {
		t.Errorf("payload = %q", msg.Payload)
	}
}

func TestWriteAllFlushPlainWriter(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAllFlush(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteAllFlush: %v", err)
	}
	if buf.String() != "hello" {
		t.Errorf("got %q", buf.String())
	}
}

func TestSocketErrorUnwraps(t *testing.T) {
	inner := io.ErrClosedPipe
	se := &SocketError{Direction: "write", Err: inner}
	if se.Unwrap() != inner {
		t.Error("expected Unwrap to return the wrapped error")
	}
}
