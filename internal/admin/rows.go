// Package admin implements the admin virtual database: a small set of
// read-only SHOW queries plus RELOAD and SHUTDOWN, dispatched as simple
// queries against the pseudo-database named by config.AdminConfig.Database
// (spec.md §6's admin-surface addition). It is grounded on the teacher's
// internal/api package's REST surface for the config/stats shapes, and on
// original_source/src/admin/show.rs and commands.rs for which commands
// exist and their row shapes, re-expressed as wire-protocol RowDescription/
// DataRow/CommandComplete sequences instead of JSON.
package admin

import (
	"encoding/binary"
	"io"

	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// writeRowDescription sends a RowDescription naming each column as text
// (OID 25), the shape every SHOW command in this package uses.
func writeRowDescription(w io.Writer, columns ...string) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(columns)))
	for _, name := range columns {
		buf = append(buf, name...)
		buf = append(buf, 0)
		buf = append(buf, 0, 0, 0, 0) // table OID
		buf = append(buf, 0, 0)       // column attnum
		var oid [4]byte
		binary.BigEndian.PutUint32(oid[:], 25) // text
		buf = append(buf, oid[:]...)
		buf = append(buf, 0xff, 0xff)           // typlen -1
		buf = append(buf, 0xff, 0xff, 0xff, 0xff) // typmod -1
		buf = append(buf, 0, 0)                 // format: text
	}
	return wire.WriteMessage(w, wire.RowDescription, buf)
}

// writeDataRow sends one row of text field values. Every value is sent as a
// non-NULL field (an empty string is a zero-length value); SQL NULL cannot
// be encoded.
func writeDataRow(w io.Writer, values ...string) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(values)))
	for _, v := range values {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(v)))
		buf = append(buf, n[:]...)
		buf = append(buf, v...)
	}
	return wire.WriteMessage(w, wire.DataRow, buf)
}

func writeCommandComplete(w io.Writer, tag string) error {
	return wire.WriteMessage(w, wire.CommandComplete, append([]byte(tag), 0))
}

func writeReadyForQuery(w io.Writer) error {
	return wire.WriteMessage(w, wire.ReadyForQuery, []byte{'I'})
}

func writeSimpleResult(w io.Writer, tag string, columns []string, rows [][]string) error {
	if err := writeRowDescription(w, columns...); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writeDataRow(w, row...); err != nil {
			return err
		}
	}
	if err := writeCommandComplete(w, tag); err != nil {
		return err
	}
	return writeReadyForQuery(w)
}
