package broker

import "testing"

func TestExchangeOf(t *testing.T) {
	cases := []struct {
		symbol string
		want   string
	}{
		{"SBIN-EQ", "NSE"},
		{"NSE:SBIN-EQ", "NSE"},
		{"nse:sbin-eq", "NSE"},
		{"BSE:RELIANCE", "BSE"},
		{"NFO:NIFTY25AUG24000CE", "NFO"},
		{"NIFTY25AUG24000CE", "NFO"},
		{"BANKNIFTY25AUG52000PE", "NFO"},
		{"NIFTY25AUGFUT", "NFO"},
		// An NSE prefix does not hide a derivative.
		{"NSE:NIFTY25AUG24000CE", "NFO"},
		{"  RELIANCE  ", "NSE"},
	}
	for _, tc := range cases {
		if got := ExchangeOf(tc.symbol); got != tc.want {
			t.Errorf("ExchangeOf(%q) = %q, want %q", tc.symbol, got, tc.want)
		}
	}
}

func TestSplitSymbol(t *testing.T) {
	cases := []struct {
		symbol       string
		wantExchange string
		wantTrading  string
	}{
		{"NSE:SBIN-EQ", "NSE", "SBIN-EQ"},
		{"SBIN-EQ", "NSE", "SBIN-EQ"},
		{"nfo:nifty25aug24000ce", "NFO", "NIFTY25AUG24000CE"},
		{"BSE:500325", "BSE", "500325"},
	}
	for _, tc := range cases {
		exchange, trading := SplitSymbol(tc.symbol)
		if exchange != tc.wantExchange || trading != tc.wantTrading {
			t.Errorf("SplitSymbol(%q) = (%q, %q), want (%q, %q)",
				tc.symbol, exchange, trading, tc.wantExchange, tc.wantTrading)
		}
	}
}

func TestJoinSymbol(t *testing.T) {
	if got := JoinSymbol("nse", "sbin-eq"); got != "NSE:SBIN-EQ" {
		t.Errorf("JoinSymbol = %q, want NSE:SBIN-EQ", got)
	}
}

func TestSplitJoinRoundTrip(t *testing.T) {
	for _, symbol := range []string{"NSE:SBIN-EQ", "NFO:NIFTY25AUG24000CE", "BSE:RELIANCE"} {
		exchange, trading := SplitSymbol(symbol)
		if got := JoinSymbol(exchange, trading); got != symbol {
			t.Errorf("round trip of %q produced %q", symbol, got)
		}
	}
}

func TestInstrumentCache(t *testing.T) {
	cache := newInstrumentCache()
	if cache.isLoaded() {
		t.Error("fresh cache reports loaded")
	}
	if cache.size() != 0 {
		t.Errorf("fresh cache size = %d", cache.size())
	}

	r := Resolution{
		Symbol:        "NSE:SBIN-EQ",
		Exchange:      "NSE",
		TradingSymbol: "SBIN-EQ",
		Token:         "3045",
		LotSize:       1,
		Verified:      true,
	}
	cache.put(r)

	got, ok := cache.get("NSE:SBIN-EQ")
	if !ok || got.Token != "3045" {
		t.Errorf("get returned (%+v, %v)", got, ok)
	}

	symbol, ok := cache.symbolFor("3045")
	if !ok || symbol != "NSE:SBIN-EQ" {
		t.Errorf("symbolFor returned (%q, %v)", symbol, ok)
	}

	if _, ok := cache.symbolFor("99999"); ok {
		t.Error("unknown token resolved")
	}

	cache.markLoaded()
	if !cache.isLoaded() {
		t.Error("markLoaded did not stick")
	}
	if cache.size() != 1 {
		t.Errorf("size = %d, want 1", cache.size())
	}
}

func TestResolutionWithoutTokenDoesNotPolluteTokenMap(t *testing.T) {
	cache := newInstrumentCache()
	cache.put(Resolution{Symbol: "NSE:XYZ", Exchange: "NSE", TradingSymbol: "XYZ"})
	if _, ok := cache.symbolFor(""); ok {
		t.Error("empty token mapped to a symbol")
	}
}
