package auth

import "fmt"

// VerifyPAM authenticates user/password against a named PAM service.
//
// No library in the reference corpus binds libpam from Go (the closest
// candidates all shell out to system auth or wrap a different mechanism
// entirely), so this is implemented as a narrow standard-library stub: it
// documents the contract spec.md §4.5 requires (cleartext password +
// PAM service lookup) without depending on cgo or an unavailable module.
// A real deployment wires this to a cgo PAM binding or a local
// authentication daemon; see DESIGN.md for the dependency search.
func VerifyPAM(service, user, password string) error {
	if service == "" {
		return fmt.Errorf("no PAM service configured")
	}
	return fmt.Errorf("PAM authentication service %q not available in this build", service)
}
