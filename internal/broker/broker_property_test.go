package broker

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"multibroker-trader/internal/models"
)

// Property: P&L is (current - buy) * lots for any finite inputs, and
// any nil input yields nil rather than a garbage number.
func TestProperty_PnLCalculation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("P&L equals price delta times lots", prop.ForAll(
		func(current, buy float64, lots int) bool {
			pnl := CalculatePnL(&current, &buy, &lots)
			if pnl == nil {
				return false
			}
			want := (current - buy) * float64(lots)
			return math.Abs(*pnl-want) < 1e-9
		},
		gen.Float64Range(0.05, 100000),
		gen.Float64Range(0.05, 100000),
		gen.IntRange(1, 10000),
	))

	properties.Property("nil inputs yield nil P&L", prop.ForAll(
		func(current, buy float64, lots int) bool {
			if CalculatePnL(nil, &buy, &lots) != nil {
				return false
			}
			if CalculatePnL(&current, nil, &lots) != nil {
				return false
			}
			if CalculatePnL(&current, &buy, nil) != nil {
				return false
			}
			return true
		},
		gen.Float64Range(0.05, 100000),
		gen.Float64Range(0.05, 100000),
		gen.IntRange(1, 10000),
	))

	properties.TestingRun(t)
}

func TestCalculatePnLKnownValue(t *testing.T) {
	current, buy := 110.0, 100.0
	lots := 75
	pnl := CalculatePnL(&current, &buy, &lots)
	if pnl == nil || *pnl != 750 {
		t.Fatalf("CalculatePnL(110, 100, 75) = %v, want 750", pnl)
	}
}

// Property: every adapter's order-type translation round-trips for all
// three neutral kinds, so an order read back from a vendor orderbook
// carries the kind it was placed with.
func TestProperty_OrderTypeMappingRoundTrips(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	type mapping struct {
		name    string
		forward func(models.OrderKind) string
		reverse func(string) models.OrderKind
	}
	mappings := []mapping{
		{"zerodha", zerodhaOrderType, zerodhaOrderTypeReverse},
		{"dhan", dhanOrderType, dhanOrderTypeReverse},
		{"angelone", angelOrderType, angelOrderTypeReverse},
		{"upstox", upstoxOrderType, upstoxOrderTypeReverse},
		{"noren", norenOrderType, norenOrderTypeReverse},
		{"kotak", kotakOrderType, kotakOrderTypeReverse},
		{"icici", iciciOrderType, iciciOrderTypeReverse},
		{"aliceblue", aliceOrderType, aliceOrderTypeReverse},
	}

	kindGen := gen.OneConstOf(models.OrderLimit, models.OrderMarket, models.OrderStopLossMarket)

	for _, m := range mappings {
		m := m
		properties.Property(m.name+" order type round-trips", prop.ForAll(
			func(kind models.OrderKind) bool {
				wire := m.forward(kind)
				if wire == "" {
					return false
				}
				return m.reverse(wire) == kind
			},
			kindGen,
		))
	}

	properties.TestingRun(t)
}

// Property: product translation round-trips for the three neutral
// product types on every adapter that maps them symmetrically.
func TestProperty_ProductMappingRoundTrips(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	type mapping struct {
		name    string
		forward func(models.Product) string
		reverse func(string) models.Product
	}
	mappings := []mapping{
		{"fyers", fyersProduct, fyersProductReverse},
		{"zerodha", zerodhaProduct, zerodhaProductReverse},
		{"dhan", dhanProduct, dhanProductReverse},
		{"angelone", angelProduct, angelProductReverse},
		{"upstox", upstoxProduct, upstoxProductReverse},
		{"noren", norenProduct, norenProductReverse},
		{"kotak", kotakProduct, kotakProductReverse},
		{"aliceblue", aliceProduct, aliceProductReverse},
	}

	productGen := gen.OneConstOf(models.ProductIntraday, models.ProductDelivery, models.ProductMargin)

	for _, m := range mappings {
		m := m
		properties.Property(m.name+" product round-trips", prop.ForAll(
			func(p models.Product) bool {
				wire := m.forward(p)
				if wire == "" {
					return false
				}
				return m.reverse(wire) == p
			},
			productGen,
		))
	}

	properties.TestingRun(t)
}

func TestICICICashSegmentProductRoundTrips(t *testing.T) {
	for _, p := range []models.Product{models.ProductIntraday, models.ProductDelivery, models.ProductMargin} {
		wire := iciciProduct(p, "NSE")
		if got := iciciProductReverse(wire); got != p {
			t.Errorf("icici product %s -> %s -> %s", p, wire, got)
		}
	}
	// Derivatives always trade as options regardless of product.
	if got := iciciProduct(models.ProductIntraday, "NFO"); got != "options" {
		t.Errorf("icici NFO product = %q, want options", got)
	}
}

func TestSideTranslations(t *testing.T) {
	if norenSide(models.SideBuy) != "B" || norenSide(models.SideSell) != "S" {
		t.Error("noren side translation broken")
	}
	if iciciSide(models.SideBuy) != "buy" || iciciSide(models.SideSell) != "sell" {
		t.Error("icici side translation broken")
	}
	if models.SideBuy.String() != "BUY" || models.SideSell.String() != "SELL" {
		t.Error("neutral side names broken")
	}
}
