// Package broker provides a unified interface to Indian brokerage APIs.
package broker

import (
	"context"
	"time"

	"multibroker-trader/internal/models"
)

// Broker-neutral constants shared by every adapter.
const (
	SideBuy  = 1
	SideSell = -1

	OrderLimit          = 1
	OrderMarket         = 2
	OrderStopLossMarket = 3

	// MaxRequestsPerSecond is the default per-broker request budget.
	MaxRequestsPerSecond = 10

	// MaxRetries bounds the attempts made for a single vendor call.
	MaxRetries = 3
)

// baseRetryDelay is the starting backoff for retryable failures.
const baseRetryDelay = 2 * time.Second

// CalculatePnL returns (current - buy) * lots. Any missing input
// yields nil so callers can distinguish "no P&L" from zero.
func CalculatePnL(currentPrice, buyAvg *float64, lots *int) *float64 {
	if currentPrice == nil || buyAvg == nil || lots == nil {
		return nil
	}
	pnl := (*currentPrice - *buyAvg) * float64(*lots)
	return &pnl
}

// StreamCallbacks carries the handlers a Stream invokes from its read
// loop. Nil handlers are ignored.
type StreamCallbacks struct {
	OnTick       func(tick models.Tick)
	OnOrderEvent func(raw map[string]interface{})
	OnConnect    func()
	OnClose      func(reason string)
	OnError      func(err error)
}

// Stream is a live market-data connection to one vendor.
type Stream interface {
	// Connect runs the socket read loop until Disconnect is called or
	// the connection fails permanently. It blocks; run it in a
	// goroutine.
	Connect(ctx context.Context) error

	// Subscribe starts live updates for the given canonical symbols.
	Subscribe(symbols []string) error

	// Unsubscribe stops updates for the given symbols. Vendors without
	// partial unsubscribe log and ignore the request.
	Unsubscribe(symbols []string) error

	// Disconnect closes the socket and stops the read loop.
	Disconnect() error
}

// Broker is the unified brokerage contract. Every adapter implements
// all of it; capabilities a vendor lacks return an unsupported error
// rather than being absent.
//
// Error discipline: methods never panic. The returned error is always
// a classified *errors.BrokerError; only an auth-expired kind demands
// caller action (re-login), everything else is safe to degrade on.
type Broker interface {
	// Name returns the canonical broker type, e.g. "fyers".
	Name() string

	// LoginURL returns the browser URL that starts an OAuth or
	// session-token login. Vendors with fully programmatic logins
	// return an unsupported error.
	LoginURL() (string, error)

	// Login performs a programmatic login (TOTP, password, static
	// token restore). OAuth vendors restore a persisted session here
	// and need CompleteLogin for a fresh one.
	Login(ctx context.Context) error

	// CompleteLogin finishes an interactive login with the token or
	// auth code captured from the redirect.
	CompleteLogin(ctx context.Context, authToken string) error

	// IsConnected reports whether a live session exists. It never
	// touches the network.
	IsConnected() bool

	// Cleanup releases sockets and background state. The session
	// token stays persisted.
	Cleanup() error

	// GetProfile returns the account identity.
	GetProfile(ctx context.Context) (*models.Profile, error)

	// GetBalance returns available funds reduced by the given reserve
	// fraction.
	GetBalance(ctx context.Context, capitalReserve float64) (float64, error)

	// GetHistory returns candles for the last lookbackDays of the
	// given resolution (vendor-neutral, e.g. "1", "5", "D").
	GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error)

	// GetHistoryForTimeframe returns candles between from and to.
	GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error)

	// GetOptionCurrentPrice returns the last traded price for symbol.
	GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error)

	// GetOptionQuote returns a full quote for symbol.
	GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error)

	// GetOptionChainQuotes returns quotes for several symbols keyed by
	// canonical symbol. Symbols that fail to resolve are omitted.
	GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)

	// PlaceOrder submits a broker-neutral order and returns the
	// vendor order id.
	PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error)

	// ModifyOrder updates price/quantity/trigger on an open order.
	ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error

	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, orderID string) error

	// ExitPosition closes the open position in symbol at market.
	ExitPosition(ctx context.Context, symbol string) error

	// AddStopLoss places a stop-loss market order against an open
	// position and returns its order id.
	AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error)

	// RemoveStopLoss cancels the pending stop-loss order for symbol.
	RemoveStopLoss(ctx context.Context, symbol string) error

	// SellAtMarket sells quantity of symbol at market.
	SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error)

	// GetPositions returns the open positions.
	GetPositions(ctx context.Context) ([]models.Position, error)

	// GetOrderbook returns today's orders.
	GetOrderbook(ctx context.Context) ([]models.Order, error)

	// GetOrderStatus returns the current state of one order.
	GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error)

	// CreateStream builds the vendor market-data socket with the given
	// callbacks. It does not connect.
	CreateStream(callbacks StreamCallbacks) (Stream, error)

	// NormalizeTick converts a raw vendor payload into the neutral
	// tick shape. Malformed or irrelevant payloads yield nil; the
	// function never panics and never errors.
	NormalizeTick(raw interface{}) *models.Tick
}
