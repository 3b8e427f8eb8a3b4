package slskcfg

import "testing"

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateRejectsZeroPeerLimit(t *testing.T) {
	cfg := Default()
	cfg.ConcurrentPeerMessageConnLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero peer connection limit")
	}
}

func TestInactivityTimeoutDisabledByDefault(t *testing.T) {
	if DefaultConnectionOptions().InactivityTimeout != -1 {
		t.Error("expected inactivity timeout to default to disabled (-1)")
	}
}
