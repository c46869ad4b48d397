// Package wire implements PostgreSQL v3 frontend/backend message framing:
// reading and writing the {type byte, length, payload} envelope, process-wide
// memory accounting, and the oversize-row streaming path described by the
// wire codec component.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// MaxMessageSize bounds a single message's declared length (header included).
const MaxMessageSize = 256 << 20 // 256 MiB

// DefaultStreamThreshold is message_size_to_be_stream's default.
const DefaultStreamThreshold = 1 << 20 // 1 MiB

// Message is one PostgreSQL protocol message with its type byte and raw
// payload (the 4-byte length prefix is not included in Payload).
type Message struct {
	Type    byte // zero for startup/cancel packets, which carry no type byte
	Payload []byte
}

// Len returns the on-wire length field value: 4 + len(Payload).
func (m Message) Len() int32 { return int32(4 + len(m.Payload)) }

// MemoryLimitReached is returned by Reader.ReadMessage when accepting a
// message would push the shared byte budget past its cap.
type MemoryLimitReached struct {
	Requested int
	InUse     int64
	Cap       int64
}

func (e *MemoryLimitReached) Error() string {
	return fmt.Sprintf("memory limit reached: %d in use + %d requested > %d cap", e.InUse, e.Requested, e.Cap)
}

// MemoryAccountant tracks bytes currently buffered across every connection
// in the process. read_message consults it before allocating a message
// buffer; buffers return their share when a transaction ends.
type MemoryAccountant struct {
	inUse   atomic.Int64
	maxUsed int64
}

// NewMemoryAccountant creates an accountant capped at maxBytes. A cap of 0
// means unbounded.
func NewMemoryAccountant(maxBytes int64) *MemoryAccountant {
	return &MemoryAccountant{maxUsed: maxBytes}
}

// Reserve attempts to account for n additional bytes. It fails without
// mutating state if the cap would be exceeded.
func (a *MemoryAccountant) Reserve(n int) error {
	if a.maxUsed <= 0 {
		a.inUse.Add(int64(n))
		return nil
	}
	for {
		cur := a.inUse.Load()
		if cur+int64(n) > a.maxUsed {
			return &MemoryLimitReached{Requested: n, InUse: cur, Cap: a.maxUsed}
		}
		if a.inUse.CompareAndSwap(cur, cur+int64(n)) {
			return nil
		}
	}
}

// Release returns n bytes to the budget.
func (a *MemoryAccountant) Release(n int) {
	a.inUse.Add(-int64(n))
}

// InUse reports the current accounted byte count.
func (a *MemoryAccountant) InUse() int64 { return a.inUse.Load() }

// Reader reads framed PostgreSQL messages off an io.Reader, accounting for
// buffered bytes against a shared MemoryAccountant.
type Reader struct {
	r    io.Reader
	acct *MemoryAccountant
	hdr  [5]byte
}

// NewReader wraps r. acct may be nil to disable memory accounting (used for
// startup/cancel packet reads, which are bounded separately).
func NewReader(r io.Reader, acct *MemoryAccountant) *Reader {
	return &Reader{r: r, acct: acct}
}

// ReadMessage reads one typed message: a 1-byte type, a 4-byte length
// (including itself), and length-4 bytes of payload.
func (rd *Reader) ReadMessage() (Message, error) {
	typ, length, err := rd.ReadHeader()
	if err != nil {
		return Message{}, err
	}
	return rd.ReadPayload(typ, length)
}

// ReadHeader reads just the 1-byte type and 4-byte length fields, letting
// the caller decide whether to buffer or stream the payload before
// committing to either path (the codec's oversize-DataRow streaming mode).
func (rd *Reader) ReadHeader() (typ byte, length int32, err error) {
	if _, err := io.ReadFull(rd.r, rd.hdr[:]); err != nil {
		return 0, 0, err
	}
	typ = rd.hdr[0]
	length = int32(binary.BigEndian.Uint32(rd.hdr[1:5]))
	if length < 4 || int64(length) > MaxMessageSize {
		return 0, 0, fmt.Errorf("invalid message length %d for type %q", length, typ)
	}
	return typ, length, nil
}

// Raw exposes the underlying reader so a caller that already consumed a
// header via ReadHeader can stream the remaining payload bytes directly
// (via StreamRaw) instead of buffering them through ReadPayload.
func (rd *Reader) Raw() io.Reader { return rd.r }

// ReadPayload reads the length-4 payload bytes following a header already
// consumed by ReadHeader, accounting for them against the shared budget.
func (rd *Reader) ReadPayload(typ byte, length int32) (Message, error) {
	payloadLen := int(length) - 4
	if rd.acct != nil && payloadLen > 0 {
		if err := rd.acct.Reserve(payloadLen); err != nil {
			// Drain the payload off the wire so the stream stays in sync even
			// though we refuse to buffer it.
			io.CopyN(io.Discard, rd.r, int64(payloadLen)) //nolint:errcheck
			return Message{}, err
		}
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(rd.r, payload); err != nil {
			if rd.acct != nil {
				rd.acct.Release(payloadLen)
			}
			return Message{}, err
		}
	}
	return Message{Type: typ, Payload: payload}, nil
}

// Accountant returns the memory accountant this reader charges against, so
// callers that rewrap the underlying connection (e.g. a TLS upgrade) can
// construct a new Reader that shares the same budget.
func (rd *Reader) Accountant() *MemoryAccountant { return rd.acct }

// Release returns a previously-read message's payload to the shared budget.
// Callers must call this exactly once per successfully read message whose
// buffer they are done with, unless the message was consumed by StreamRaw
// (which never buffers in the first place).
func (rd *Reader) Release(m Message) {
	if rd.acct != nil {
		rd.acct.Release(len(m.Payload))
	}
}

// ReadStartupOrCancel reads an untyped packet: a 4-byte length (including
// itself) followed by length-4 bytes of body. Used for StartupMessage,
// SSLRequest, CancelRequest and GSSENCRequest, none of which carry a type
// byte, and none of which are subject to the shared memory cap.
func ReadStartupOrCancel(r io.Reader, maxLen int32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if length < 8 || length > maxLen {
		return nil, fmt.Errorf("invalid startup/cancel length: %d", length)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// BuildMessage frames a typed message into a single contiguous buffer,
// for callers (e.g. a synthesized simple Query) that need the framed
// bytes themselves rather than writing immediately.
func BuildMessage(typ byte, payload []byte) []byte {
	buf := make([]byte, 5, 5+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	return append(buf, payload...)
}

// WriteMessage frames and writes a typed message.
func WriteMessage(w io.Writer, typ byte, payload []byte) error {
	var hdr [5]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:5], uint32(4+len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return &SocketError{Direction: "write", Err: err}
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return &SocketError{Direction: "write", Err: err}
		}
	}
	return nil
}

// WriteAllFlush writes a fully framed buffer (or a sequence of messages
// already concatenated by the caller) and flushes it, per write_all_flush.
func WriteAllFlush(w io.Writer, buf []byte) error {
	if _, err := w.Write(buf); err != nil {
		return &SocketError{Direction: "write", Err: err}
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return &SocketError{Direction: "write", Err: err}
		}
	}
	return nil
}

type flusher interface{ Flush() error }

// SocketError wraps an I/O failure with the direction it occurred in, per §4.1.
type SocketError struct {
	Direction string // "read", "write", or "stream" (StreamRaw's body copy)
	Err       error
}

func (e *SocketError) Error() string { return fmt.Sprintf("socket %s error: %v", e.Direction, e.Err) }
func (e *SocketError) Unwrap() error { return e.Err }

// StreamRaw copies a message's header and body directly from src to dst
// without buffering the payload in memory, used for oversize DataRow
// messages per the codec's streaming mode. typ and length are the already
//-read header fields; the payload itself is read and written in chunks.
func StreamRaw(dst io.Writer, src io.Reader, typ byte, length int32) error {
	var hdr [5]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:5], uint32(length))
	if _, err := dst.Write(hdr[:]); err != nil {
		return &SocketError{Direction: "write", Err: err}
	}
	remaining := int64(length) - 4
	if _, err := io.CopyN(dst, src, remaining); err != nil {
		return &SocketError{Direction: "stream", Err: err}
	}
	return nil
}

// PeekLength reads just the length header (not the type byte) so the caller
// can decide whether to stream or buffer before committing to either path.
// It does not consume the type byte, which the caller must have already read.
func PeekLength(r io.Reader) (int32, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(lenBuf[:])), nil
}

// ReadTypeByte reads a single message type byte (used when the caller wants
// to branch on type before deciding how to read the rest of the message).
func ReadTypeByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
