package auth

import "testing"

func TestVerifyPAMRequiresService(t *testing.T) {
	if err := VerifyPAM("", "appuser", "s3cret"); err == nil {
		t.Error("expected an error when no PAM service is configured")
	}
}

func TestVerifyPAMUnavailable(t *testing.T) {
	if err := VerifyPAM("login", "appuser", "s3cret"); err == nil {
		t.Error("expected VerifyPAM to report the service unavailable in this build")
	}
}
