package broker

import (
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"multibroker-trader/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Broker: config.BrokerConfig{
			Type: "dhan",
			RateLimits: map[string]int{
				"icici": 2,
			},
		},
	}
}

func TestSupportedIsSortedAndComplete(t *testing.T) {
	names := Supported()
	if len(names) != 10 {
		t.Fatalf("Supported() returned %d brokers, want 10: %v", len(names), names)
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("Supported() not sorted: %v", names)
	}
	for _, want := range []string{"fyers", "zerodha", "dhan", "angelone", "upstox", "shoonya", "kotak", "icici", "aliceblue", "flattrade"} {
		found := false
		for _, name := range names {
			if name == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Supported() missing %q", want)
		}
	}
}

func TestNewBuildsConfiguredBroker(t *testing.T) {
	b, err := New(testConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Name() != "dhan" {
		t.Errorf("Name() = %q, want dhan", b.Name())
	}
	// Construction never dials out; without a token the adapter simply
	// starts disconnected.
	if b.IsConnected() {
		t.Error("fresh broker reports connected")
	}
}

func TestNewByNameNormalizesInput(t *testing.T) {
	for _, name := range []string{"DHAN", " dhan ", "Dhan"} {
		b, err := NewByName(name, testConfig(), nil, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewByName(%q): %v", name, err)
		}
		if b.Name() != "dhan" {
			t.Errorf("NewByName(%q).Name() = %q", name, b.Name())
		}
	}
}

func TestNewByNameEmptyUsesDefault(t *testing.T) {
	b, err := NewByName("", testConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewByName(\"\"): %v", err)
	}
	if b.Name() != DefaultBroker {
		t.Errorf("default broker = %q, want %q", b.Name(), DefaultBroker)
	}
}

func TestNewByNameUnknownBroker(t *testing.T) {
	_, err := NewByName("xyz", testConfig(), nil, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for unknown broker")
	}
	msg := err.Error()
	if !strings.Contains(msg, "xyz") {
		t.Errorf("error %q does not name the unknown broker", msg)
	}
	if !strings.Contains(msg, "fyers") || !strings.Contains(msg, "zerodha") {
		t.Errorf("error %q does not list supported brokers", msg)
	}
}

func TestEveryRegisteredBrokerConstructs(t *testing.T) {
	cfg := testConfig()
	for _, name := range Supported() {
		b, err := NewByName(name, cfg, nil, zerolog.Nop())
		if err != nil {
			t.Errorf("NewByName(%q): %v", name, err)
			continue
		}
		if b.Name() != name {
			t.Errorf("NewByName(%q).Name() = %q", name, b.Name())
		}
	}
}

func TestSupportsHistoryMetadata(t *testing.T) {
	noHistory := map[string]bool{"kotak": true, "aliceblue": true}
	for _, name := range Supported() {
		want := !noHistory[name]
		if got := SupportsHistory(name); got != want {
			t.Errorf("SupportsHistory(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestAuthMethodMetadata(t *testing.T) {
	want := map[string]string{
		"fyers":     "oauth",
		"zerodha":   "oauth",
		"upstox":    "oauth",
		"flattrade": "oauth",
		"angelone":  "totp",
		"shoonya":   "totp",
		"kotak":     "totp",
		"dhan":      "static",
		"icici":     "session",
		"aliceblue": "password",
	}
	for name, method := range want {
		if got := AuthMethod(name); got != method {
			t.Errorf("AuthMethod(%q) = %q, want %q", name, got, method)
		}
	}
	if AuthMethod("nope") != "" {
		t.Error("unknown broker should have no auth method")
	}
}

func TestDisplayNameFallsBackToInput(t *testing.T) {
	if got := DisplayName("dhan"); got != "Dhan" {
		t.Errorf("DisplayName(dhan) = %q", got)
	}
	if got := DisplayName("mystery"); got != "mystery" {
		t.Errorf("DisplayName(mystery) = %q", got)
	}
}

func TestRateLimitOverrideFlowsFromConfig(t *testing.T) {
	cfg := testConfig()
	if got := cfg.RateLimitFor("icici"); got != 2 {
		t.Errorf("RateLimitFor(icici) = %d, want 2", got)
	}
	if got := cfg.RateLimitFor("dhan"); got != 10 {
		t.Errorf("RateLimitFor(dhan) = %d, want default 10", got)
	}
}
