package auth

import (
	"net"
	"testing"

	"github.com/pgdoorman/pgdoorman-go/internal/config"
)

func TestCheckHBAFirstMatchingRuleWins(t *testing.T) {
	rules := []config.HBARule{
		{Type: "hostssl", Database: "all", User: "all", Address: "all", Method: "reject"},
		{Type: "host", Database: "all", User: "all", Address: "10.0.0.0/8", Method: "trust"},
		{Type: "host", Database: "all", User: "all", Address: "all", Method: "scram-sha-256"},
	}

	// A plaintext (non-SSL) connection from inside 10.0.0.0/8 matches the
	// second rule directly with method "trust", skipping the third.
	d := CheckHBA(rules, net.ParseIP("10.1.2.3"), false, "trust", "appuser", "mydb")
	if d != config.Trust {
		t.Errorf("expected Trust, got %v", d)
	}

	// An SSL connection matches the reject rule first regardless of address.
	d = CheckHBA(rules, net.ParseIP("10.1.2.3"), true, "reject", "appuser", "mydb")
	if d != config.Deny {
		t.Errorf("expected Deny for hostssl/reject rule, got %v", d)
	}

	// Outside the trusted subnet, plaintext traffic falls through to the
	// scram-sha-256 catch-all.
	d = CheckHBA(rules, net.ParseIP("203.0.113.1"), false, "scram-sha-256", "appuser", "mydb")
	if d != config.Allow {
		t.Errorf("expected Allow for the scram-sha-256 catch-all, got %v", d)
	}
}

func TestCheckHBANoMatch(t *testing.T) {
	rules := []config.HBARule{
		{Type: "host", Database: "otherdb", User: "all", Address: "all", Method: "trust"},
	}
	d := CheckHBA(rules, net.ParseIP("127.0.0.1"), false, "trust", "appuser", "mydb")
	if d != config.NotMatched {
		t.Errorf("expected NotMatched for a database that doesn't match any rule, got %v", d)
	}
}

func TestCheckHBAAddressCIDR(t *testing.T) {
	rules := []config.HBARule{
		{Type: "host", Database: "all", User: "all", Address: "192.168.1.0/24", Method: "trust"},
	}
	if d := CheckHBA(rules, net.ParseIP("192.168.1.50"), false, "trust", "u", "d"); d != config.Trust {
		t.Errorf("expected address inside CIDR to match, got %v", d)
	}
	if d := CheckHBA(rules, net.ParseIP("192.168.2.50"), false, "trust", "u", "d"); d != config.NotMatched {
		t.Errorf("expected address outside CIDR not to match, got %v", d)
	}
}

func TestComposeDecisionTrustOnEmptyPassword(t *testing.T) {
	d := ComposeDecision("", config.Trust, config.NotMatched, config.NotMatched)
	if d != config.Trust {
		t.Errorf("expected Trust for empty password + trust decision, got %v", d)
	}
}

func TestComposeDecisionDeniesUnmatchedScram(t *testing.T) {
	d := ComposeDecision("SCRAM-SHA-256$4096:c2FsdA==$c3RvcmVk:c2VydmVy", config.NotMatched, config.NotMatched, config.NotMatched)
	if d != config.Deny {
		t.Errorf("expected Deny when neither scram nor md5 rule matched a SCRAM password user, got %v", d)
	}
}

func TestComposeDecisionDeniesUnmatchedMD5(t *testing.T) {
	d := ComposeDecision("md5abcdef0123456789abcdef0123456789", config.NotMatched, config.NotMatched, config.NotMatched)
	if d != config.Deny {
		t.Errorf("expected Deny when no md5 rule matched an md5 password user, got %v", d)
	}
}

func TestComposeDecisionAllowsMatchedMD5(t *testing.T) {
	d := ComposeDecision("md5abcdef0123456789abcdef0123456789", config.NotMatched, config.NotMatched, config.Allow)
	if d != config.Allow {
		t.Errorf("expected Allow when the md5 rule matched, got %v", d)
	}
}
