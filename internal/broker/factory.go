package broker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"multibroker-trader/internal/config"
	"multibroker-trader/internal/store"
)

// DefaultBroker is used when the config names no broker.
const DefaultBroker = "fyers"

// brokerMeta describes one registered adapter.
type brokerMeta struct {
	displayName     string
	authMethod      string // oauth, totp, static, session, password
	supportsHistory bool
	build           func(cfg *config.Config, opts AdapterOptions) Broker
}

var registry = map[string]brokerMeta{
	fyersName: {
		displayName:     "Fyers",
		authMethod:      "oauth",
		supportsHistory: true,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewFyersBroker(cfg.Credentials.Fyers, opts)
		},
	},
	zerodhaName: {
		displayName:     "Zerodha",
		authMethod:      "oauth",
		supportsHistory: true,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewZerodhaBroker(cfg.Credentials.Zerodha, opts)
		},
	},
	dhanName: {
		displayName:     "Dhan",
		authMethod:      "static",
		supportsHistory: true,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewDhanBroker(cfg.Credentials.Dhan, opts)
		},
	},
	angelName: {
		displayName:     "Angel One",
		authMethod:      "totp",
		supportsHistory: true,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewAngelOneBroker(cfg.Credentials.AngelOne, opts)
		},
	},
	upstoxName: {
		displayName:     "Upstox",
		authMethod:      "oauth",
		supportsHistory: true,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewUpstoxBroker(cfg.Credentials.Upstox, opts)
		},
	},
	shoonyaName: {
		displayName:     "Shoonya",
		authMethod:      "totp",
		supportsHistory: true,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewShoonyaBroker(cfg.Credentials.Shoonya, opts)
		},
	},
	kotakName: {
		displayName:     "Kotak Neo",
		authMethod:      "totp",
		supportsHistory: false,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewKotakBroker(cfg.Credentials.Kotak, opts)
		},
	},
	iciciName: {
		displayName:     "ICICI Breeze",
		authMethod:      "session",
		supportsHistory: true,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewICICIBroker(cfg.Credentials.ICICI, opts)
		},
	},
	aliceName: {
		displayName:     "Alice Blue",
		authMethod:      "password",
		supportsHistory: false,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewAliceBlueBroker(cfg.Credentials.AliceBlue, opts)
		},
	},
	flattradeName: {
		displayName:     "FlatTrade",
		authMethod:      "oauth",
		supportsHistory: true,
		build: func(cfg *config.Config, opts AdapterOptions) Broker {
			return NewFlatTradeBroker(cfg.Credentials.FlatTrade, opts)
		},
	},
}

// normalizeName trims, lowercases and applies the default.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultBroker
	}
	return name
}

// Supported lists the registered broker names, sorted.
func Supported() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DisplayName returns the human-readable name, or the input when
// unknown.
func DisplayName(name string) string {
	if meta, ok := registry[normalizeName(name)]; ok {
		return meta.displayName
	}
	return name
}

// AuthMethod reports how the broker logs in: oauth, totp, static,
// session or password.
func AuthMethod(name string) string {
	if meta, ok := registry[normalizeName(name)]; ok {
		return meta.authMethod
	}
	return ""
}

// SupportsHistory reports whether the broker offers historical
// candles.
func SupportsHistory(name string) bool {
	if meta, ok := registry[normalizeName(name)]; ok {
		return meta.supportsHistory
	}
	return false
}

// New builds the broker named in the config. Construction never
// touches the network; a broker without a stored session simply
// starts disconnected.
func New(cfg *config.Config, st store.TokenStore, logger zerolog.Logger) (Broker, error) {
	return NewByName(cfg.Broker.Type, cfg, st, logger)
}

// NewByName builds a specific adapter regardless of the configured
// default.
func NewByName(name string, cfg *config.Config, st store.TokenStore, logger zerolog.Logger) (Broker, error) {
	key := normalizeName(name)
	meta, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("unknown broker %q (supported: %s)", name, strings.Join(Supported(), ", "))
	}
	opts := AdapterOptions{
		Store:     st,
		Logger:    logger,
		RateLimit: cfg.RateLimitFor(key),
	}
	return meta.build(cfg, opts), nil
}
