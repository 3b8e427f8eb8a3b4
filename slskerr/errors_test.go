package slskerr

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := New(KindTimeout, "waiting for reply")
	if e.Error() != "Timeout: waiting for reply" {
		t.Errorf("unexpected message: %s", e.Error())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	e := Wrap(KindConnectionRefused, "dial 1.2.3.4:2234", cause)
	if e.Cause == nil {
		t.Fatal("expected a wrapped cause")
	}
	if !errors.Is(e, e) {
		t.Fatal("expected Error to satisfy errors.Is against itself")
	}
}

func TestIsUnwraps(t *testing.T) {
	inner := New(KindTimeout, "inner")
	outer := Wrap(KindConnectionError, "outer", inner)
	if !Is(outer, KindConnectionError) {
		t.Error("expected outer kind to match")
	}
}

func TestConnectionErrorNamesHost(t *testing.T) {
	e := ConnectionError("someuser", New(KindConnectionRefused, "direct"), New(KindTimeout, "indirect"))
	if e.Kind != KindConnectionError {
		t.Errorf("expected KindConnectionError, got %v", e.Kind)
	}
	if e.Message != "failed to establish a connection to someuser" {
		t.Errorf("unexpected message: %s", e.Message)
	}
}
