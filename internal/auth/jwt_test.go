package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsJWTPasswordRecord(t *testing.T) {
	if !IsJWTPasswordRecord("jwt-pkey-fpath:/etc/pgdoorman/jwt.pem") {
		t.Error("expected jwt-pkey-fpath: prefixed record to be recognized")
	}
	if IsJWTPasswordRecord("md5abcdef") {
		t.Error("did not expect an md5 record to be recognized as a JWT record")
	}
}

func TestJWTKeyPath(t *testing.T) {
	got := JWTKeyPath("jwt-pkey-fpath:/etc/pgdoorman/jwt.pem")
	if got != "/etc/pgdoorman/jwt.pem" {
		t.Errorf("JWTKeyPath = %q, want /etc/pgdoorman/jwt.pem", got)
	}
}

func TestSignAndVerifyJWTRoundTrip(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath := writeTestRSAKeyPair(t, dir)

	token, err := SignShortLivedToken(privPath, "appuser", time.Minute)
	if err != nil {
		t.Fatalf("SignShortLivedToken: %v", err)
	}

	if err := VerifyClientToken(pubPath, token, "appuser"); err != nil {
		t.Errorf("VerifyClientToken rejected a token it just signed: %v", err)
	}
}

func TestVerifyClientTokenRejectsWrongUser(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath := writeTestRSAKeyPair(t, dir)

	token, err := SignShortLivedToken(privPath, "appuser", time.Minute)
	if err != nil {
		t.Fatalf("SignShortLivedToken: %v", err)
	}

	if err := VerifyClientToken(pubPath, token, "someoneelse"); err == nil {
		t.Error("expected VerifyClientToken to reject a token whose preferred_username doesn't match")
	}
}

func TestVerifyClientTokenRejectsExpired(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath := writeTestRSAKeyPair(t, dir)

	token, err := SignShortLivedToken(privPath, "appuser", -time.Minute)
	if err != nil {
		t.Fatalf("SignShortLivedToken: %v", err)
	}

	if err := VerifyClientToken(pubPath, token, "appuser"); err == nil {
		t.Error("expected VerifyClientToken to reject an already-expired token")
	}
}

func writeTestRSAKeyPair(t *testing.T, dir string) (privPath, pubPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})
	privPath = filepath.Join(dir, "jwt_private.pem")
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		t.Fatalf("writing private key: %v", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshaling public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath = filepath.Join(dir, "jwt_public.pem")
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		t.Fatalf("writing public key: %v", err)
	}
	return privPath, pubPath
}
