// Package auth implements the client- and server-facing sides of the
// authentication methods spec.md §4.2 and §4.5 require: MD5, SCRAM-SHA-256,
// JWT-as-cleartext-password, and PAM. The SCRAM machinery is grounded on
// the teacher's internal/pool/scram.go (client-facing-to-backend direction);
// this package adds the mirror server-facing-to-client direction and the
// two password forms the teacher never needed.
package auth

import (
	"crypto/md5" //nolint:gosec // PostgreSQL's wire-protocol MD5 challenge is specified, not a security choice
	"encoding/hex"
)

// MD5Hash computes "md5" + md5(md5(password+user)+salt), the formula
// PostgreSQL uses on both sides of the MD5 challenge.
func MD5Hash(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// MD5HashFromStored computes the same challenge response as MD5Hash, but
// starting from an already-hashed "md5<32 hex chars>" pool password record
// rather than the plaintext, since the pooler never holds the client's
// plaintext password (spec.md §4.5's client-facing MD5 challenge).
func MD5HashFromStored(storedHash string, salt []byte) string {
	hex1 := storedHash
	if len(hex1) >= 3 && hex1[:3] == "md5" {
		hex1 = hex1[3:]
	}
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}
