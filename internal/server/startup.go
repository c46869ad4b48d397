package server

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/pgdoorman/pgdoorman-go/internal/auth"
	"github.com/pgdoorman/pgdoorman-go/internal/pgerror"
	"github.com/pgdoorman/pgdoorman-go/internal/wire"
)

// Startup sends StartupMessage and drives the authentication sub-dialogue
// until ReadyForQuery, per spec.md §4.2.
func (c *Conn) Startup() error {
	user := c.target.EffectiveUsername()
	if err := c.sendStartupMessage(user, c.target.Database, c.target.ApplicationName); err != nil {
		return err
	}

	for {
		msg, err := c.Reader.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading startup response: %w", err)
		}

		switch msg.Type {
		case wire.Authentication:
			if len(msg.Payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(msg.Payload[:4])
			if err := c.handleAuthChallenge(authType, msg.Payload); err != nil {
				return err
			}

		case wire.ParameterStatus:
			key, val := parseCString2(msg.Payload)
			if key != "" {
				c.ServerParameters[key] = val
			}

		case wire.BackendKeyData:
			if len(msg.Payload) >= 8 {
				c.ProcessID = binary.BigEndian.Uint32(msg.Payload[:4])
				c.SecretKey = binary.BigEndian.Uint32(msg.Payload[4:8])
			}

		case wire.ReadyForQuery:
			c.InTransaction = false
			c.Touch()
			return nil

		case wire.ErrorResponse:
			return &pgerror.StartupError{Fields: pgerror.Parse(msg.Payload)}

		default:
			return &pgerror.ProtocolSyncError{Where: "backend startup", Got: msg.Type}
		}
	}
}

func (c *Conn) handleAuthChallenge(authType uint32, payload []byte) error {
	switch authType {
	case wire.AuthOK:
		return nil

	case wire.AuthMD5Password:
		if len(payload) < 8 {
			return fmt.Errorf("MD5 auth message too short")
		}
		salt := payload[4:8]
		password := c.target.EffectivePassword()
		if strings.HasPrefix(password, "SCRAM-SHA-256$") {
			return fmt.Errorf("backend requires MD5 but only a SCRAM key record is configured for %s", c.target.Username)
		}
		if auth.IsJWTPasswordRecord(password) {
			return fmt.Errorf("backend requires MD5 but only a JWT key reference is configured for %s", c.target.Username)
		}
		hashed := auth.MD5Hash(c.target.EffectiveUsername(), password, salt)
		return c.sendPassword(hashed)

	case wire.AuthCleartextPassword:
		password := c.target.EffectivePassword()
		if !auth.IsJWTPasswordRecord(password) {
			return fmt.Errorf("backend requested cleartext password but server_password is not a JWT key reference")
		}
		token, err := auth.SignShortLivedToken(auth.JWTKeyPath(password), c.target.EffectiveUsername(), 60*time.Second)
		if err != nil {
			return fmt.Errorf("signing JWT for backend auth: %w", err)
		}
		return c.sendPassword(token)

	case wire.AuthSASL:
		return auth.ScramBackendAuth(c.target.EffectiveUsername(), c.target.EffectivePassword(), payload[4:],
			func(msgType byte, p []byte) error { return wire.WriteMessage(c.netConn, msgType, p) },
			func(expect uint32) ([]byte, error) { return c.readAuthMessage(expect) })

	default:
		return fmt.Errorf("unsupported backend auth type: %d", authType)
	}
}

// readAuthMessage reads the next Authentication message and verifies its
// subtype, used by the SCRAM continuation steps which need a typed read
// rather than the generic dispatch loop in Startup.
func (c *Conn) readAuthMessage(expectType uint32) ([]byte, error) {
	msg, err := c.Reader.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msg.Type == wire.ErrorResponse {
		f := pgerror.Parse(msg.Payload)
		return nil, &pgerror.StartupError{Fields: f}
	}
	if msg.Type != wire.Authentication || len(msg.Payload) < 4 {
		return nil, &pgerror.ProtocolSyncError{Where: "backend SCRAM exchange", Got: msg.Type}
	}
	got := binary.BigEndian.Uint32(msg.Payload[:4])
	if got != expectType {
		return nil, fmt.Errorf("expected SCRAM auth subtype %d, got %d", expectType, got)
	}
	return msg.Payload[4:], nil
}

func (c *Conn) sendPassword(s string) error {
	payload := append([]byte(s), 0)
	return wire.WriteMessage(c.netConn, wire.PasswordMsg, payload)
}

func (c *Conn) sendStartupMessage(user, database, appName string) error {
	var body []byte
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], wire.StartupProtocolVersion)
	body = append(body, ver[:]...)

	body = appendParam(body, "user", user)
	body = appendParam(body, "database", database)
	if appName != "" {
		body = appendParam(body, "application_name", appName)
	}
	body = append(body, 0) // terminator

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(body)))
	msg := append(lenBuf[:], body...)
	if _, err := c.netConn.Write(msg); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}
	return nil
}

func appendParam(body []byte, key, val string) []byte {
	body = append(body, key...)
	body = append(body, 0)
	body = append(body, val...)
	body = append(body, 0)
	return body
}

func parseCString2(data []byte) (string, string) {
	i := 0
	for i < len(data) && data[i] != 0 {
		i++
	}
	if i >= len(data) {
		return "", ""
	}
	key := string(data[:i])
	rest := data[i+1:]
	j := 0
	for j < len(rest) && rest[j] != 0 {
		j++
	}
	return key, string(rest[:j])
}
