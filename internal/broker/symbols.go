package broker

import (
	"strings"
	"sync"
)

// Canonical symbols look like "NSE:SBIN-EQ" or "NFO:NIFTY25AUG24000CE".
// Adapters translate them into vendor identifiers through a Resolution.

// ExchangeOf infers the exchange from a canonical symbol. Derivative
// markers win over everything except an explicit prefix.
func ExchangeOf(symbol string) string {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	switch {
	case strings.HasPrefix(upper, "NFO:"):
		return "NFO"
	case strings.HasPrefix(upper, "BSE:"):
		return "BSE"
	case strings.HasPrefix(upper, "NSE:"):
		// An NSE-prefixed option/future still trades on NFO.
		if hasDerivativeMarker(strings.TrimPrefix(upper, "NSE:")) {
			return "NFO"
		}
		return "NSE"
	case hasDerivativeMarker(upper):
		return "NFO"
	default:
		return "NSE"
	}
}

func hasDerivativeMarker(s string) bool {
	return strings.HasSuffix(s, "CE") || strings.HasSuffix(s, "PE") ||
		strings.Contains(s, "FUT")
}

// SplitSymbol breaks a canonical symbol into exchange and trading
// symbol, inferring the exchange when the prefix is absent.
func SplitSymbol(symbol string) (exchange, tradingSymbol string) {
	trimmed := strings.TrimSpace(symbol)
	if i := strings.IndexByte(trimmed, ':'); i >= 0 {
		return ExchangeOf(trimmed), strings.ToUpper(trimmed[i+1:])
	}
	return ExchangeOf(trimmed), strings.ToUpper(trimmed)
}

// JoinSymbol builds the canonical form.
func JoinSymbol(exchange, tradingSymbol string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(tradingSymbol)
}

// Resolution is the vendor identity of one canonical symbol. Verified
// is false when the adapter fell back to a guess (e.g. treating the
// raw input as a security id) instead of a scrip-master match.
type Resolution struct {
	Symbol        string // canonical form
	Exchange      string
	TradingSymbol string
	Token         string // vendor instrument token / security id
	LotSize       int
	Verified      bool
}

// instrumentCache is a bidirectional symbol<->token map shared by an
// adapter and its stream.
type instrumentCache struct {
	mu       sync.RWMutex
	bySymbol map[string]Resolution
	byToken  map[string]string // token -> canonical symbol
	loaded   bool
}

func newInstrumentCache() *instrumentCache {
	return &instrumentCache{
		bySymbol: make(map[string]Resolution),
		byToken:  make(map[string]string),
	}
}

func (c *instrumentCache) put(r Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySymbol[r.Symbol] = r
	if r.Token != "" {
		c.byToken[r.Token] = r.Symbol
	}
}

func (c *instrumentCache) get(symbol string) (Resolution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.bySymbol[symbol]
	return r, ok
}

func (c *instrumentCache) symbolFor(token string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byToken[token]
	return s, ok
}

func (c *instrumentCache) markLoaded() {
	c.mu.Lock()
	c.loaded = true
	c.mu.Unlock()
}

func (c *instrumentCache) isLoaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

func (c *instrumentCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySymbol)
}
