package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Type:            "fyers",
			CapitalReserve:  0.1,
			DefaultQuantity: 75,
			DefaultProduct:  "INTRADAY",
			DefaultExchange: "NSE",
		},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadCapitalReserve(t *testing.T) {
	for _, reserve := range []float64{-0.1, 1.0, 2.5} {
		cfg := validConfig()
		cfg.Broker.CapitalReserve = reserve
		if err := cfg.Validate(); err == nil {
			t.Errorf("capital reserve %v accepted", reserve)
		}
	}
}

func TestValidateRejectsBadProduct(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.DefaultProduct = "BRACKET"
	if err := cfg.Validate(); err == nil {
		t.Error("invalid product accepted")
	}
}

func TestValidateRejectsNonPositiveRateLimit(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.RateLimits = map[string]int{"dhan": 0}
	if err := cfg.Validate(); err == nil {
		t.Error("zero rate limit accepted")
	}
}

func TestRateLimitFor(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.RateLimits = map[string]int{"icici": 2, "kotak": 5}

	if got := cfg.RateLimitFor("icici"); got != 2 {
		t.Errorf("RateLimitFor(icici) = %d", got)
	}
	if got := cfg.RateLimitFor("ICICI"); got != 2 {
		t.Errorf("RateLimitFor is not case-insensitive: %d", got)
	}
	if got := cfg.RateLimitFor("fyers"); got != 10 {
		t.Errorf("RateLimitFor default = %d, want 10", got)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.Broker.Type != "fyers" {
		t.Errorf("default broker = %q", cfg.Broker.Type)
	}
	if cfg.Broker.DefaultProduct != "INTRADAY" {
		t.Errorf("default product = %q", cfg.Broker.DefaultProduct)
	}
	if cfg.Broker.DefaultExchange != "NSE" {
		t.Errorf("default exchange = %q", cfg.Broker.DefaultExchange)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q", cfg.Logging.Level)
	}
}

func TestDefaultConfigDir(t *testing.T) {
	dir := DefaultConfigDir()
	if !strings.Contains(dir, "multibroker-trader") {
		t.Errorf("config dir %q lacks the application name", dir)
	}
	if !strings.HasPrefix(DefaultDBPath(), dir) {
		t.Errorf("db path %q not under config dir %q", DefaultDBPath(), dir)
	}
}
