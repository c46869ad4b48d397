package auth

import (
	"net"
	"strings"

	"github.com/pgdoorman/pgdoorman-go/internal/config"
)

// CheckHBA evaluates the configured rule set against one connection
// attempt and returns the decision for the named method, per spec.md
// §4.5's check_hba(ip, ssl, method, user, db).
func CheckHBA(rules []config.HBARule, ip net.IP, ssl bool, method, user, db string) config.Decision {
	for _, r := range rules {
		if !ruleMatchesConnType(r.Type, ssl) {
			continue
		}
		if !ruleMatchesField(r.Database, db) || !ruleMatchesField(r.User, user) {
			continue
		}
		if !ruleMatchesAddress(r.Address, ip) {
			continue
		}
		if !strings.EqualFold(r.Method, method) {
			continue
		}
		switch strings.ToLower(r.Method) {
		case "reject":
			return config.Deny
		case "trust":
			return config.Trust
		default:
			return config.Allow
		}
	}
	return config.NotMatched
}

func ruleMatchesConnType(ruleType string, ssl bool) bool {
	switch ruleType {
	case "", "host":
		return true
	case "hostssl":
		return ssl
	case "hostnossl":
		return !ssl
	case "local":
		return true
	default:
		return false
	}
}

func ruleMatchesField(pattern, value string) bool {
	return pattern == "all" || pattern == "" || pattern == value
}

func ruleMatchesAddress(pattern string, ip net.IP) bool {
	if pattern == "" || pattern == "all" || ip == nil {
		return true
	}
	_, cidr, err := net.ParseCIDR(pattern)
	if err != nil {
		return pattern == ip.String()
	}
	return cidr.Contains(ip)
}

// ComposeDecision folds the pool's configured password type together with
// the per-method HBA outcomes into the final accept/deny decision, per the
// table spec.md §4.5 references:
//
//	empty password + any-trust                          -> Trust
//	SCRAM password + scram-not-matched + md5-not-matched -> Deny
//	MD5 password + md5-not-matched                       -> Deny
//	otherwise                                            -> Allow
func ComposeDecision(password string, trustDecision, scramDecision, md5Decision config.Decision) config.Decision {
	if password == "" && trustDecision == config.Trust {
		return config.Trust
	}
	isScram := strings.HasPrefix(password, "SCRAM-SHA-256$")
	isMD5 := strings.HasPrefix(password, "md5")
	if isScram && scramDecision == config.NotMatched && md5Decision == config.NotMatched {
		return config.Deny
	}
	if isMD5 && md5Decision == config.NotMatched {
		return config.Deny
	}
	return config.Allow
}
