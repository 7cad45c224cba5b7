// Package models provides domain models for the trading application.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// Side is the direction of an order in broker-neutral form.
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = -1
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderKind is the broker-neutral order type.
type OrderKind int

const (
	OrderLimit          OrderKind = 1
	OrderMarket         OrderKind = 2
	OrderStopLossMarket OrderKind = 3
)

func (k OrderKind) String() string {
	switch k {
	case OrderLimit:
		return "LIMIT"
	case OrderMarket:
		return "MARKET"
	case OrderStopLossMarket:
		return "SL-M"
	default:
		return "UNKNOWN"
	}
}

// Product represents the product type of an order.
type Product string

const (
	ProductIntraday Product = "INTRADAY"
	ProductDelivery Product = "DELIVERY"
	ProductMargin   Product = "MARGIN"
)

// MarketStatus represents the current market status.
type MarketStatus string

const (
	MarketOpen             MarketStatus = "OPEN"
	MarketPreOpen          MarketStatus = "PRE_OPEN"
	MarketClosed           MarketStatus = "CLOSED"
	MarketMISSquareOffWarn MarketStatus = "MIS_SQUAREOFF_WARNING"
)

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Tick is a normalized real-time market data update. Every vendor
// payload is mapped onto this shape; fields the vendor does not send
// stay zero.
type Tick struct {
	Symbol    string
	LTP       float64
	BidPrice  float64
	AskPrice  float64
	Open      float64
	High      float64
	Low       float64
	PrevClose float64
	Volume    int64
	OI        int64
	Timestamp time.Time
}

// Quote represents a market quote.
type Quote struct {
	Symbol        string
	LTP           float64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	BidPrice      float64
	AskPrice      float64
	Volume        int64
	OI            int64
	Change        float64
	ChangePercent float64
	Timestamp     time.Time
}

// Profile holds the account identity returned by a broker.
type Profile struct {
	UserID   string
	Name     string
	Email    string
	Broker   string
	Exchange []string
}

// Position is a normalized open position.
type Position struct {
	Symbol       string
	Exchange     Exchange
	Product      Product
	Quantity     int
	BuyPrice     float64
	LastPrice    float64
	PnL          float64
	PositionID   string
	TradingsSide Side
}

// Instrument represents a tradeable instrument.
type Instrument struct {
	Token     string
	Symbol    string
	Name      string
	Exchange  Exchange
	Segment   string
	LotSize   int
	TickSize  float64
	Expiry    time.Time
	Strike    float64
	InstrType string
}
