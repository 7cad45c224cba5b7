package utils

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: Indian currency formatting is reversible. Stripping the
// rupee sign and group separators recovers the original amount to two
// decimal places, and the sign survives.
func TestProperty_IndianCurrencyFormattingIsReversible(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("format strips back to the amount", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			stripped := strings.NewReplacer("₹", "", ",", "").Replace(formatted)
			parsed, err := strconv.ParseFloat(stripped, 64)
			if err != nil {
				return false
			}
			want, _ := strconv.ParseFloat(fmt.Sprintf("%.2f", amount), 64)
			return parsed == want
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("negative amounts carry a leading minus", prop.ForAll(
		func(amount float64) bool {
			return strings.HasPrefix(FormatIndianCurrency(-amount), "-")
		},
		gen.Float64Range(0.01, 1e12),
	))

	properties.TestingRun(t)
}

// Property: Indian digit grouping puts three digits in the rightmost
// group and two in every other group.
func TestProperty_IndianGrouping(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("group sizes follow the lakh/crore pattern", prop.ForAll(
		func(qty int64) bool {
			formatted := FormatQuantity(qty)
			groups := strings.Split(formatted, ",")
			if len(groups) == 1 {
				return len(groups[0]) <= 3
			}
			// Rightmost group has exactly three digits.
			if len(groups[len(groups)-1]) != 3 {
				return false
			}
			// Middle groups have exactly two; the leading group one or two.
			for i := 1; i < len(groups)-1; i++ {
				if len(groups[i]) != 2 {
					return false
				}
			}
			return len(groups[0]) >= 1 && len(groups[0]) <= 2
		},
		gen.Int64Range(0, 1e15),
	))

	properties.TestingRun(t)
}

func TestFormatIndianCurrencyKnownValues(t *testing.T) {
	cases := []struct {
		amount float64
		want   string
	}{
		{0, "₹0.00"},
		{999, "₹999.00"},
		{1000, "₹1,000.00"},
		{100000, "₹1,00,000.00"},
		{10000000, "₹1,00,00,000.00"},
		{1234567.89, "₹12,34,567.89"},
		{-1234567.89, "-₹12,34,567.89"},
	}
	for _, tc := range cases {
		if got := FormatIndianCurrency(tc.amount); got != tc.want {
			t.Errorf("FormatIndianCurrency(%v) = %q, want %q", tc.amount, got, tc.want)
		}
	}
}

func TestFormatCompact(t *testing.T) {
	cases := []struct {
		amount float64
		want   string
	}{
		{50000, "₹50,000.00"},
		{250000, "2.50 L"},
		{25000000, "2.50 Cr"},
	}
	for _, tc := range cases {
		if got := FormatCompact(tc.amount); got != tc.want {
			t.Errorf("FormatCompact(%v) = %q, want %q", tc.amount, got, tc.want)
		}
	}
}

func TestFormatPnLSign(t *testing.T) {
	if got := FormatPnL(750); !strings.HasPrefix(got, "+") {
		t.Errorf("positive P&L %q lacks + prefix", got)
	}
	if got := FormatPnL(-750); !strings.HasPrefix(got, "-") {
		t.Errorf("negative P&L %q lacks - prefix", got)
	}
}
