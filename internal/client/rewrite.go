package client

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// cString appends a trailing NUL to s, the wire encoding every protocol
// string field uses.
func cString(s string) []byte {
	b := make([]byte, 0, len(s)+1)
	b = append(b, s...)
	return append(b, 0)
}

// readCString reads a NUL-terminated string starting at offset, returning
// the string and the offset of the byte following its terminator.
func readCString(payload []byte, offset int) (string, int, error) {
	if offset > len(payload) {
		return "", 0, fmt.Errorf("offset %d past end of %d-byte message", offset, len(payload))
	}
	idx := bytes.IndexByte(payload[offset:], 0)
	if idx < 0 {
		return "", 0, fmt.Errorf("missing NUL terminator at offset %d", offset)
	}
	return string(payload[offset : offset+idx]), offset + idx + 1, nil
}

// parseParseMessage extracts a Parse message's statement name, query text,
// and declared parameter type OIDs (spec.md §4.3's rewrite rule operates on
// exactly these three fields).
func parseParseMessage(payload []byte) (name, query string, paramOIDs []uint32, err error) {
	name, off, err := readCString(payload, 0)
	if err != nil {
		return "", "", nil, err
	}
	query, off, err = readCString(payload, off)
	if err != nil {
		return "", "", nil, err
	}
	if off+2 > len(payload) {
		return "", "", nil, fmt.Errorf("truncated Parse message")
	}
	n := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	paramOIDs = make([]uint32, n)
	for i := 0; i < n; i++ {
		if off+4 > len(payload) {
			return "", "", nil, fmt.Errorf("truncated Parse parameter OID list")
		}
		paramOIDs[i] = binary.BigEndian.Uint32(payload[off : off+4])
		off += 4
	}
	return name, query, paramOIDs, nil
}

// buildParseMessage re-encodes a Parse message body under a new statement
// name, keeping the query text and parameter OID list untouched — the
// rewritten Parse spec.md §4.3 caches and later replays against a backend.
func buildParseMessage(name, query string, paramOIDs []uint32) []byte {
	buf := append([]byte{}, cString(name)...)
	buf = append(buf, cString(query)...)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(paramOIDs)))
	buf = append(buf, n[:]...)
	var o [4]byte
	for _, oid := range paramOIDs {
		binary.BigEndian.PutUint32(o[:], oid)
		buf = append(buf, o[:]...)
	}
	return buf
}

// rewriteBindStatementName replaces a Bind message's statement-name field
// with newName, leaving the portal name and every field after the
// statement name (parameter formats/values/result formats) untouched.
func rewriteBindStatementName(payload []byte, newName string) ([]byte, error) {
	portal, off, err := readCString(payload, 0)
	if err != nil {
		return nil, err
	}
	_, off2, err := readCString(payload, off)
	if err != nil {
		return nil, err
	}
	buf := append([]byte{}, cString(portal)...)
	buf = append(buf, cString(newName)...)
	buf = append(buf, payload[off2:]...)
	return buf, nil
}

// parseNamedMessageTarget reads a Describe/Close message's kind byte ('S'
// for a prepared statement, 'P' for a portal) and the name that follows.
func parseNamedMessageTarget(payload []byte) (kind byte, name string, err error) {
	if len(payload) == 0 {
		return 0, "", fmt.Errorf("empty Describe/Close message")
	}
	kind = payload[0]
	name, _, err = readCString(payload, 1)
	return kind, name, err
}
