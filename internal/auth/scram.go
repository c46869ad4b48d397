package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ScramServerKeys is the server-side SCRAM-SHA-256 credential, the form a
// pool's password field stores so the pooler never needs the plaintext
// password to authenticate a client (spec.md §4.5).
type ScramServerKeys struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// ParseScramPassword parses the "SCRAM-SHA-256$<iter>:<salt-b64>$<stored-b64>:<server-b64>"
// form used in pool user records.
func ParseScramPassword(s string) (ScramServerKeys, error) {
	const prefix = "SCRAM-SHA-256$"
	if !strings.HasPrefix(s, prefix) {
		return ScramServerKeys{}, fmt.Errorf("not a SCRAM-SHA-256 password record")
	}
	rest := s[len(prefix):]
	parts := strings.SplitN(rest, "$", 2)
	if len(parts) != 2 {
		return ScramServerKeys{}, fmt.Errorf("malformed SCRAM password record")
	}
	iterSalt := strings.SplitN(parts[0], ":", 2)
	if len(iterSalt) != 2 {
		return ScramServerKeys{}, fmt.Errorf("malformed SCRAM iteration/salt")
	}
	iter, err := strconv.Atoi(iterSalt[0])
	if err != nil {
		return ScramServerKeys{}, fmt.Errorf("parsing SCRAM iterations: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(iterSalt[1])
	if err != nil {
		return ScramServerKeys{}, fmt.Errorf("decoding SCRAM salt: %w", err)
	}
	keys := strings.SplitN(parts[1], ":", 2)
	if len(keys) != 2 {
		return ScramServerKeys{}, fmt.Errorf("malformed SCRAM keys")
	}
	stored, err := base64.StdEncoding.DecodeString(keys[0])
	if err != nil {
		return ScramServerKeys{}, fmt.Errorf("decoding SCRAM stored key: %w", err)
	}
	server, err := base64.StdEncoding.DecodeString(keys[1])
	if err != nil {
		return ScramServerKeys{}, fmt.Errorf("decoding SCRAM server key: %w", err)
	}
	return ScramServerKeys{Iterations: iter, Salt: salt, StoredKey: stored, ServerKey: server}, nil
}

// DeriveScramKeys computes the StoredKey/ServerKey pair from a plaintext
// password, salt and iteration count, for provisioning pool user records.
func DeriveScramKeys(password string, salt []byte, iterations int) ScramServerKeys {
	salted := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(salted, []byte("Server Key"))
	return ScramServerKeys{Iterations: iterations, Salt: salt, StoredKey: storedKey, ServerKey: serverKey}
}

// ScramBackendAuth drives the client role of SCRAM-SHA-256 against a
// PostgreSQL backend, given the mechanism list already offered in the
// AuthenticationSASL payload. send/recv abstract the backend connection's
// message I/O so this package has no dependency on net.Conn directly.
func ScramBackendAuth(user, password string, saslPayload []byte, send func(msgType byte, payload []byte) error, recvAuth func(expectType uint32) ([]byte, error)) error {
	mechanisms := parseSASLMechanisms(saslPayload)
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not support SCRAM-SHA-256, offered: %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", escapeSASLUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := send(PasswordMsgType, buildSASLInitialResponse("SCRAM-SHA-256", []byte(clientFirstMsg))); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	serverFirstMsg, err := recvAuth(AuthSASLContinue)
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := send(PasswordMsgType, []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}

	serverFinalMsg, err := recvAuth(AuthSASLFinal)
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)
	if string(serverFinalMsg) != expectedServerFinal {
		return fmt.Errorf("server signature mismatch")
	}
	return nil
}

// PasswordMsgType is the frontend PasswordMessage type byte ('p'), named
// here to avoid importing the wire package and creating a cycle.
const PasswordMsgType = 'p'

// SASL authentication subtypes, mirrored from the wire package's
// Authentication message subtype values so this package stays independent
// of message framing.
const (
	AuthSASLContinue = 11
	AuthSASLFinal    = 12
)

func buildSASLInitialResponse(mechanism string, clientFirstMsg []byte) []byte {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	lenBuf := make([]byte, 4)
	n := len(clientFirstMsg)
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)
	return payload
}

// ScramClientExchange holds the server-side state across the two round
// trips of authenticating an incoming client against stored SCRAM keys.
type ScramClientExchange struct {
	keys            ScramServerKeys
	clientNonce     string
	serverNonce     string
	clientFirstBare string
	gs2Header       string
}

// NewScramClientExchange begins a server-role SCRAM exchange against a
// client, given the pool user's stored keys.
func NewScramClientExchange(keys ScramServerKeys) *ScramClientExchange {
	return &ScramClientExchange{keys: keys}
}

// Mechanisms is the list sent in AuthenticationSASL.
func (s *ScramClientExchange) Mechanisms() []string { return []string{"SCRAM-SHA-256"} }

// ServerFirstMessage consumes the client's SASLInitialResponse and returns
// the server-first-message to send back via AuthenticationSASLContinue.
func (s *ScramClientExchange) ServerFirstMessage(clientFirstMsg []byte) ([]byte, error) {
	msg := string(clientFirstMsg)
	idx := strings.Index(msg, "n=")
	if !strings.HasPrefix(msg, "n,,") || idx < 0 {
		return nil, fmt.Errorf("malformed client-first-message")
	}
	s.gs2Header = "n,,"
	bare := msg[3:]
	s.clientFirstBare = bare
	parts := strings.Split(bare, ",")
	for _, p := range parts {
		if strings.HasPrefix(p, "r=") {
			s.clientNonce = p[2:]
		}
	}
	if s.clientNonce == "" {
		return nil, fmt.Errorf("missing client nonce")
	}
	extra := make([]byte, 18)
	if _, err := rand.Read(extra); err != nil {
		return nil, fmt.Errorf("generating server nonce extension: %w", err)
	}
	s.serverNonce = s.clientNonce + base64.StdEncoding.EncodeToString(extra)

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce,
		base64.StdEncoding.EncodeToString(s.keys.Salt), s.keys.Iterations)
	return []byte(serverFirst), nil
}

// VerifyClientFinal verifies the client's proof and returns the
// server-final-message (AuthenticationSASLFinal payload) to send, or an
// error if the proof does not match the stored key.
func (s *ScramClientExchange) VerifyClientFinal(clientFinalMsg []byte, serverFirstMessage []byte) ([]byte, error) {
	msg := string(clientFinalMsg)
	parts := strings.Split(msg, ",")
	var nonce, proofB64 string
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, "r="):
			nonce = p[2:]
		case strings.HasPrefix(p, "p="):
			proofB64 = p[2:]
		}
	}
	if nonce != s.serverNonce {
		return nil, fmt.Errorf("nonce mismatch")
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, fmt.Errorf("decoding client proof: %w", err)
	}

	cIdx := strings.Index(msg, ",p=")
	if cIdx < 0 {
		return nil, fmt.Errorf("malformed client-final-message")
	}
	clientFinalWithoutProof := msg[:cIdx]
	authMessage := s.clientFirstBare + "," + string(serverFirstMessage) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(s.keys.StoredKey, []byte(authMessage))
	recoveredClientKey := xorBytes(proof, clientSignature)
	if !hmac.Equal(sha256Sum(recoveredClientKey), s.keys.StoredKey) {
		return nil, fmt.Errorf("client proof does not match stored key")
	}

	serverSignature := hmacSHA256(s.keys.ServerKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	return []byte(serverFinal), nil
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, _ = strconv.Atoi(part[2:])
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func escapeSASLUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
