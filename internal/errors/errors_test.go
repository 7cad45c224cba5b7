package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestBrokerErrorUnwrapsToSentinels(t *testing.T) {
	cases := []struct {
		kind     Kind
		sentinel error
	}{
		{KindAuthExpired, ErrTokenExpired},
		{KindNotConnected, ErrNotConnected},
		{KindUnsupported, ErrUnsupported},
		{KindResolution, ErrSymbolNotFound},
	}
	for _, tc := range cases {
		err := NewBrokerError("dhan", "get_profile", tc.kind, "", "boom", nil)
		if !errors.Is(err, tc.sentinel) {
			t.Errorf("kind %v does not unwrap to %v", tc.kind, tc.sentinel)
		}
	}
}

func TestBrokerErrorPrefersWrappedCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := NewBrokerError("fyers", "quotes", KindTransient, "", "", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
}

func TestKindHelpers(t *testing.T) {
	auth := NewBrokerError("upstox", "orders", KindAuthExpired, "UDAPI100050", "invalid token", nil)
	if !IsAuthExpired(auth) {
		t.Error("IsAuthExpired missed a BrokerError")
	}
	if !IsAuthExpired(fmt.Errorf("wrapped: %w", auth)) {
		t.Error("IsAuthExpired missed a wrapped BrokerError")
	}
	if IsAuthExpired(errors.New("random")) {
		t.Error("IsAuthExpired false positive")
	}

	if !IsUnsupported(NewBrokerError("kotak", "history", KindUnsupported, "", "", nil)) {
		t.Error("IsUnsupported missed")
	}
	if !IsNotConnected(NewBrokerError("icici", "profile", KindNotConnected, "", "", nil)) {
		t.Error("IsNotConnected missed")
	}
	if !IsAuthExpired(ErrTokenExpired) {
		t.Error("IsAuthExpired missed the bare sentinel")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewBrokerError("dhan", "x", KindRejected, "", "", nil)); got != KindRejected {
		t.Errorf("KindOf = %v, want rejected", got)
	}
	if got := KindOf(errors.New("anything")); got != KindTransient {
		t.Errorf("unclassified error kind = %v, want transient", got)
	}
	if got := KindOf(fmt.Errorf("w: %w", ErrNotConnected)); got != KindNotConnected {
		t.Errorf("sentinel kind = %v, want not_connected", got)
	}
}

func TestBrokerErrorMessageShape(t *testing.T) {
	err := NewBrokerError("shoonya", "place_order", KindRejected, "RED", "margin shortfall", nil)
	msg := err.Error()
	for _, want := range []string{"shoonya", "place_order", "rejected", "RED", "margin shortfall"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}
