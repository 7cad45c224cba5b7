package broker

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protowire"

	"multibroker-trader/internal/config"
)

func testOpts() AdapterOptions {
	return AdapterOptions{Logger: zerolog.Nop()}
}

func allAdapters() []Broker {
	return []Broker{
		NewFyersBroker(config.FyersCredentials{}, testOpts()),
		NewZerodhaBroker(config.ZerodhaCredentials{}, testOpts()),
		NewDhanBroker(config.DhanCredentials{}, testOpts()),
		NewAngelOneBroker(config.AngelOneCredentials{}, testOpts()),
		NewUpstoxBroker(config.UpstoxCredentials{}, testOpts()),
		NewShoonyaBroker(config.ShoonyaCredentials{}, testOpts()),
		NewKotakBroker(config.KotakCredentials{}, testOpts()),
		NewICICIBroker(config.ICICICredentials{}, testOpts()),
		NewAliceBlueBroker(config.AliceBlueCredentials{}, testOpts()),
		NewFlatTradeBroker(config.FlatTradeCredentials{}, testOpts()),
	}
}

// NormalizeTick must be total: junk in, nil out, and never a panic.
func TestNormalizeTickIsTotal(t *testing.T) {
	junk := []interface{}{
		nil,
		"garbage",
		42,
		3.14,
		[]byte("not json"),
		[]byte(`{"half": `),
		map[string]interface{}{},
		map[string]interface{}{"unrelated": "payload"},
		[]interface{}{"a", "b"},
		json.RawMessage(`[1, 2, 3]`),
	}
	for _, b := range allAdapters() {
		for _, raw := range junk {
			if tick := b.NormalizeTick(raw); tick != nil {
				t.Errorf("%s: NormalizeTick(%v) = %+v, want nil", b.Name(), raw, tick)
			}
		}
	}
}

func TestNorenNormalizeTick(t *testing.T) {
	b := NewShoonyaBroker(config.ShoonyaCredentials{UserID: "FA0001"}, testOpts())
	b.symbols.put(Resolution{
		Symbol:        "NSE:SBIN-EQ",
		Exchange:      "NSE",
		TradingSymbol: "SBIN-EQ",
		Token:         "NSE|3045",
		Verified:      true,
	})

	tick := b.NormalizeTick(map[string]interface{}{
		"t":   "tf",
		"e":   "NSE",
		"tk":  "3045",
		"lp":  "822.50",
		"bp1": "822.45",
		"sp1": "822.55",
		"o":   "818.00",
		"h":   "824.10",
		"lo":  "816.30",
		"c":   "819.90",
		"v":   "1250000",
		"oi":  "0",
		"ft":  "1718950500",
	})
	if tick == nil {
		t.Fatal("valid touchline dropped")
	}
	if tick.Symbol != "NSE:SBIN-EQ" {
		t.Errorf("symbol = %q", tick.Symbol)
	}
	if tick.LTP != 822.50 || tick.BidPrice != 822.45 || tick.AskPrice != 822.55 {
		t.Errorf("prices = %v/%v/%v", tick.LTP, tick.BidPrice, tick.AskPrice)
	}
	if tick.Volume != 1250000 {
		t.Errorf("volume = %d", tick.Volume)
	}
	if tick.Timestamp.IsZero() {
		t.Error("feed time not parsed")
	}

	// Unknown token drops; order acks are not ticks.
	if got := b.NormalizeTick(map[string]interface{}{"t": "tf", "e": "NSE", "tk": "999", "lp": "10"}); got != nil {
		t.Errorf("unknown token produced %+v", got)
	}
	if got := b.NormalizeTick(map[string]interface{}{"t": "ck", "s": "OK"}); got != nil {
		t.Errorf("connect ack produced %+v", got)
	}
}

func TestAngelNormalizeTickScalesPaise(t *testing.T) {
	b := NewAngelOneBroker(config.AngelOneCredentials{}, testOpts())
	b.symbols.put(Resolution{
		Symbol:        "NSE:SBIN-EQ",
		Exchange:      "NSE",
		TradingSymbol: "SBIN-EQ",
		Token:         "3045",
		Verified:      true,
	})

	tick := b.NormalizeTick(map[string]interface{}{
		"token":                    "3045\x00\x00",
		"last_traded_price":        82250.0,
		"open_price_of_the_day":    81800.0,
		"high_price_of_the_day":    82410.0,
		"low_price_of_the_day":     81630.0,
		"closed_price":             81990.0,
		"volume_trade_for_the_day": 1250000.0,
		"open_interest":            0.0,
		"exchange_timestamp":       1718950500000.0,
		"best_5_buy_data": []interface{}{
			map[string]interface{}{"price": 82245.0, "quantity": 100.0},
		},
		"best_5_sell_data": []interface{}{
			map[string]interface{}{"price": 82255.0, "quantity": 200.0},
		},
	})
	if tick == nil {
		t.Fatal("valid feed message dropped")
	}
	if tick.LTP != 822.50 {
		t.Errorf("LTP = %v, want 822.50 (paise scaled)", tick.LTP)
	}
	if tick.BidPrice != 822.45 || tick.AskPrice != 822.55 {
		t.Errorf("depth = %v/%v", tick.BidPrice, tick.AskPrice)
	}
	if tick.Timestamp.IsZero() {
		t.Error("exchange timestamp not parsed")
	}
}

func TestICICINormalizeTickAcceptsSingleElementList(t *testing.T) {
	b := NewICICIBroker(config.ICICICredentials{}, testOpts())

	payload := map[string]interface{}{
		"stock_code":            "SBIN",
		"exchange_code":         "NSE",
		"last":                  822.5,
		"best_bid_price":        822.45,
		"best_offer_price":      822.55,
		"total_quantity_traded": 1250000.0,
		"exchange_feed_time":    "21-Jun-2024 10:25:00",
	}

	direct := b.NormalizeTick(payload)
	if direct == nil {
		t.Fatal("direct form dropped")
	}
	wrapped := b.NormalizeTick([]interface{}{payload})
	if wrapped == nil {
		t.Fatal("single-element list form dropped")
	}
	if direct.Symbol != "NSE:SBIN" {
		t.Errorf("symbol = %q, want NSE:SBIN", direct.Symbol)
	}
	if wrapped.LTP != 822.5 {
		t.Errorf("wrapped LTP = %v", wrapped.LTP)
	}
	if direct.Timestamp.IsZero() {
		t.Error("exchange feed time not parsed")
	}
}

func TestDhanNormalizeTickRequiresKnownSecurity(t *testing.T) {
	b := NewDhanBroker(config.DhanCredentials{}, testOpts())

	payload := map[string]interface{}{
		"security_id": "1333",
		"LTP":         1620.4,
		"LTT":         1718950500.0,
		"volume":      98000.0,
	}
	if got := b.NormalizeTick(payload); got != nil {
		t.Errorf("unmapped security id produced %+v", got)
	}

	b.symbols.put(Resolution{
		Symbol:        "NSE:HDFCBANK-EQ",
		Exchange:      "NSE",
		TradingSymbol: "HDFCBANK-EQ",
		Token:         "1333",
		Verified:      true,
	})
	tick := b.NormalizeTick(payload)
	if tick == nil {
		t.Fatal("mapped security dropped")
	}
	if tick.Symbol != "NSE:HDFCBANK-EQ" || tick.LTP != 1620.4 {
		t.Errorf("tick = %+v", tick)
	}
}

// The smart-stream wire format is binary, not JSON: an LTP frame is
// 51 bytes of little-endian fields behind a NUL-padded token.
func TestAngelNormalizeTickDecodesBinaryLTPFrame(t *testing.T) {
	b := NewAngelOneBroker(config.AngelOneCredentials{}, testOpts())
	b.symbols.put(Resolution{
		Symbol:        "NSE:SBIN-EQ",
		Exchange:      "NSE",
		TradingSymbol: "SBIN-EQ",
		Token:         "3045",
		Verified:      true,
	})

	frame := make([]byte, angelLTPFrameLen)
	frame[0] = angelModeLTP
	frame[1] = 1 // NSE cash
	copy(frame[2:27], "3045")
	binary.LittleEndian.PutUint64(frame[27:], 7)             // sequence
	binary.LittleEndian.PutUint64(frame[35:], 1718950500000) // epoch millis
	binary.LittleEndian.PutUint64(frame[43:], 82250)         // paise

	tick := b.NormalizeTick(frame)
	if tick == nil {
		t.Fatal("binary LTP frame dropped")
	}
	if tick.Symbol != "NSE:SBIN-EQ" {
		t.Errorf("symbol = %q", tick.Symbol)
	}
	if tick.LTP != 822.50 {
		t.Errorf("LTP = %v, want 822.50", tick.LTP)
	}
	if tick.Timestamp.Unix() != 1718950500 {
		t.Errorf("timestamp = %v", tick.Timestamp)
	}
}

func TestAngelNormalizeTickDecodesBinarySnapQuote(t *testing.T) {
	b := NewAngelOneBroker(config.AngelOneCredentials{}, testOpts())
	b.symbols.put(Resolution{
		Symbol:        "NFO:NIFTY25AUG24000CE",
		Exchange:      "NFO",
		TradingSymbol: "NIFTY25AUG24000CE",
		Token:         "43612",
		Verified:      true,
	})

	frame := make([]byte, angelSnapQuoteFrameLen)
	frame[0] = angelModeSnapQuote
	frame[1] = 2 // NSE F&O
	copy(frame[2:27], "43612")
	binary.LittleEndian.PutUint64(frame[35:], 1718950500000)
	binary.LittleEndian.PutUint64(frame[43:], 14520)   // LTP paise
	binary.LittleEndian.PutUint64(frame[67:], 1250000) // volume
	binary.LittleEndian.PutUint64(frame[91:], 14000)   // open
	binary.LittleEndian.PutUint64(frame[99:], 14800)   // high
	binary.LittleEndian.PutUint64(frame[107:], 13900)  // low
	binary.LittleEndian.PutUint64(frame[115:], 14100)  // close
	binary.LittleEndian.PutUint64(frame[131:], 500)    // OI
	// Depth: five buy rows flagged 1, five sell rows flagged 0.
	for i := 0; i < 10; i++ {
		off := 147 + i*20
		if i < 5 {
			binary.LittleEndian.PutUint16(frame[off:], 1)
			binary.LittleEndian.PutUint64(frame[off+10:], uint64(14515-i*5))
		} else {
			binary.LittleEndian.PutUint64(frame[off+10:], uint64(14525+(i-5)*5))
		}
		binary.LittleEndian.PutUint64(frame[off+2:], 100)
	}

	tick := b.NormalizeTick(frame)
	if tick == nil {
		t.Fatal("binary snap-quote frame dropped")
	}
	if tick.LTP != 145.20 {
		t.Errorf("LTP = %v, want 145.20", tick.LTP)
	}
	if tick.BidPrice != 145.15 || tick.AskPrice != 145.25 {
		t.Errorf("depth = %v/%v, want 145.15/145.25", tick.BidPrice, tick.AskPrice)
	}
	if tick.OI != 500 || tick.Volume != 1250000 {
		t.Errorf("oi/volume = %d/%d", tick.OI, tick.Volume)
	}
	if tick.Open != 140.00 || tick.PrevClose != 141.00 {
		t.Errorf("open/close = %v/%v", tick.Open, tick.PrevClose)
	}
}

// The Dhan v2 feed sends binary packets behind an 8-byte header.
func TestDhanNormalizeTickDecodesBinaryPackets(t *testing.T) {
	b := NewDhanBroker(config.DhanCredentials{}, testOpts())
	b.symbols.put(Resolution{
		Symbol:        "NSE:HDFCBANK-EQ",
		Exchange:      "NSE",
		TradingSymbol: "HDFCBANK-EQ",
		Token:         "1333",
		Verified:      true,
	})

	ticker := make([]byte, 16)
	ticker[0] = dhanPacketTicker
	binary.LittleEndian.PutUint16(ticker[1:], 16)
	ticker[3] = 1 // NSE_EQ
	binary.LittleEndian.PutUint32(ticker[4:], 1333)
	binary.LittleEndian.PutUint32(ticker[8:], math.Float32bits(1620.4))
	binary.LittleEndian.PutUint32(ticker[12:], 1718950500)

	tick := b.NormalizeTick(ticker)
	if tick == nil {
		t.Fatal("ticker packet dropped")
	}
	if tick.Symbol != "NSE:HDFCBANK-EQ" {
		t.Errorf("symbol = %q", tick.Symbol)
	}
	if math.Abs(tick.LTP-1620.4) > 0.01 {
		t.Errorf("LTP = %v, want ~1620.4", tick.LTP)
	}
	if tick.Timestamp.Unix() != 1718950500 {
		t.Errorf("timestamp = %v", tick.Timestamp)
	}

	full := make([]byte, 162)
	full[0] = dhanPacketFull
	binary.LittleEndian.PutUint16(full[1:], 162)
	full[3] = 1
	binary.LittleEndian.PutUint32(full[4:], 1333)
	binary.LittleEndian.PutUint32(full[8:], math.Float32bits(1620.4))
	binary.LittleEndian.PutUint32(full[14:], 1718950500)
	binary.LittleEndian.PutUint32(full[22:], 98000) // volume
	binary.LittleEndian.PutUint32(full[34:], 1200)  // OI
	binary.LittleEndian.PutUint32(full[46:], math.Float32bits(1605.0))
	binary.LittleEndian.PutUint32(full[50:], math.Float32bits(1598.2))
	binary.LittleEndian.PutUint32(full[54:], math.Float32bits(1628.0))
	binary.LittleEndian.PutUint32(full[58:], math.Float32bits(1601.5))
	binary.LittleEndian.PutUint32(full[74:], math.Float32bits(1620.35))
	binary.LittleEndian.PutUint32(full[78:], math.Float32bits(1620.45))

	tick = b.NormalizeTick(full)
	if tick == nil {
		t.Fatal("full packet dropped")
	}
	if tick.Volume != 98000 || tick.OI != 1200 {
		t.Errorf("volume/oi = %d/%d", tick.Volume, tick.OI)
	}
	if math.Abs(tick.BidPrice-1620.35) > 0.01 || math.Abs(tick.AskPrice-1620.45) > 0.01 {
		t.Errorf("depth = %v/%v", tick.BidPrice, tick.AskPrice)
	}

	// Control packets and partials without a trade are dropped.
	oi := make([]byte, 16)
	oi[0] = dhanPacketOI
	binary.LittleEndian.PutUint32(oi[4:], 1333)
	if got := b.NormalizeTick(oi); got != nil {
		t.Errorf("OI-only packet produced %+v", got)
	}
}

// The Upstox feed is protobuf over the websocket: FeedResponse holds
// a feeds map, each entry a full feed under ff -> marketFF.
func TestUpstoxNormalizeTickDecodesProtoFrame(t *testing.T) {
	b := NewUpstoxBroker(config.UpstoxCredentials{}, testOpts())
	b.symbols.put(Resolution{
		Symbol:        "NSE:SBIN-EQ",
		Exchange:      "NSE",
		TradingSymbol: "SBIN-EQ",
		Token:         "NSE_EQ|INE062A01020",
		Verified:      true,
	})

	var ltpc []byte
	ltpc = protowire.AppendTag(ltpc, 1, protowire.Fixed64Type)
	ltpc = protowire.AppendFixed64(ltpc, math.Float64bits(822.5))
	ltpc = protowire.AppendTag(ltpc, 2, protowire.VarintType)
	ltpc = protowire.AppendVarint(ltpc, 1718950500000)
	ltpc = protowire.AppendTag(ltpc, 4, protowire.Fixed64Type)
	ltpc = protowire.AppendFixed64(ltpc, math.Float64bits(819.9))

	var quote []byte
	quote = protowire.AppendTag(quote, 1, protowire.VarintType)
	quote = protowire.AppendVarint(quote, 100)
	quote = protowire.AppendTag(quote, 2, protowire.Fixed64Type)
	quote = protowire.AppendFixed64(quote, math.Float64bits(822.45))
	quote = protowire.AppendTag(quote, 4, protowire.Fixed64Type)
	quote = protowire.AppendFixed64(quote, math.Float64bits(822.55))

	var level []byte
	level = protowire.AppendTag(level, 1, protowire.BytesType)
	level = protowire.AppendBytes(level, quote)

	var marketFF []byte
	marketFF = protowire.AppendTag(marketFF, 1, protowire.BytesType)
	marketFF = protowire.AppendBytes(marketFF, ltpc)
	marketFF = protowire.AppendTag(marketFF, 2, protowire.BytesType)
	marketFF = protowire.AppendBytes(marketFF, level)
	marketFF = protowire.AppendTag(marketFF, 6, protowire.VarintType)
	marketFF = protowire.AppendVarint(marketFF, 1250000)

	var ff []byte
	ff = protowire.AppendTag(ff, 1, protowire.BytesType)
	ff = protowire.AppendBytes(ff, marketFF)

	var feed []byte
	feed = protowire.AppendTag(feed, 2, protowire.BytesType)
	feed = protowire.AppendBytes(feed, ff)

	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendBytes(entry, []byte("NSE_EQ|INE062A01020"))
	entry = protowire.AppendTag(entry, 2, protowire.BytesType)
	entry = protowire.AppendBytes(entry, feed)

	var frame []byte
	frame = protowire.AppendTag(frame, 2, protowire.BytesType)
	frame = protowire.AppendBytes(frame, entry)

	tick := b.NormalizeTick(frame)
	if tick == nil {
		t.Fatal("protobuf feed frame dropped")
	}
	if tick.Symbol != "NSE:SBIN-EQ" {
		t.Errorf("symbol = %q", tick.Symbol)
	}
	if tick.LTP != 822.5 || tick.PrevClose != 819.9 {
		t.Errorf("ltp/cp = %v/%v", tick.LTP, tick.PrevClose)
	}
	if tick.BidPrice != 822.45 || tick.AskPrice != 822.55 {
		t.Errorf("depth = %v/%v", tick.BidPrice, tick.AskPrice)
	}
	if tick.Volume != 1250000 {
		t.Errorf("volume = %d", tick.Volume)
	}
	if tick.Timestamp.Unix() != 1718950500 {
		t.Errorf("timestamp = %v", tick.Timestamp)
	}
}

// Fresh adapters with no persisted session report disconnected and
// every data call degrades into a classified not-connected error.
func TestFreshAdaptersStartDisconnected(t *testing.T) {
	for _, b := range allAdapters() {
		if b.IsConnected() {
			t.Errorf("%s: IsConnected() = true without a session", b.Name())
		}
	}
}
