package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"multibroker-trader/internal/config"
	apperrors "multibroker-trader/internal/errors"
	"multibroker-trader/internal/models"
	"multibroker-trader/internal/store"
)

const (
	fyersName    = "fyers"
	fyersAPIBase = "https://api-t1.fyers.in/api/v3"
	fyersDataURL = "https://api-t1.fyers.in/data"
	fyersWSURL   = "wss://api-t1.fyers.in/socket/v3/dataSock"
)

// Vendor status codes. Negative codes are Fyers' own; positive ones
// are HTTP statuses leaked through the body.
var (
	fyersRetryableCodes = map[int]bool{-429: true, 500: true, 502: true, 503: true, 504: true}
	fyersFatalCodes     = map[int]bool{-8: true, -15: true, -16: true, -17: true, -100: true, -101: true, -102: true}
	fyersTokenMessages  = []string{"token expired", "invalid access token", "could not authenticate"}
	fyersBenignMessages = []string{"market is in closed state", "no data found", "invalid symbol"}
)

// FyersBroker talks to the Fyers API v3.
type FyersBroker struct {
	clientID    string
	secretKey   string
	redirectURI string

	mu          sync.RWMutex
	accessToken string

	api    *restClient
	data   *restClient
	policy *callPolicy
	store  store.TokenStore
	log    zerolog.Logger
}

var _ Broker = (*FyersBroker)(nil)

// NewFyersBroker builds the adapter and restores any persisted
// session. It performs no network I/O.
func NewFyersBroker(creds config.FyersCredentials, opts AdapterOptions) *FyersBroker {
	b := &FyersBroker{
		clientID:    creds.ClientID,
		secretKey:   creds.SecretKey,
		redirectURI: creds.RedirectURI,
		store:       opts.Store,
		log:         opts.Logger.With().Str("broker", fyersName).Logger(),
	}
	b.policy = newCallPolicy(fyersName, opts.RateLimit, opts.Logger)
	b.api = newRESTClient(fyersAPIBase, b.authHeaders)
	b.data = newRESTClient(fyersDataURL, b.authHeaders)

	if token := restoreToken(opts.Store, fyersName, b.log); token != nil {
		b.accessToken = token.AccessToken
		b.log.Info().Msg("Session restored from store")
	}
	return b
}

func (b *FyersBroker) authHeaders() map[string]string {
	b.mu.RLock()
	token := b.accessToken
	b.mu.RUnlock()
	if token == "" {
		return map[string]string{}
	}
	// Fyers expects "appId:token".
	return map[string]string{"Authorization": b.clientID + ":" + token}
}

func (b *FyersBroker) Name() string { return fyersName }

// LoginURL returns the OAuth authorization URL.
func (b *FyersBroker) LoginURL() (string, error) {
	if b.clientID == "" || b.redirectURI == "" {
		return "", apperrors.NewBrokerError(fyersName, "login_url", apperrors.KindRejected, "", "client_id and redirect_uri required", nil)
	}
	q := url.Values{}
	q.Set("client_id", b.clientID)
	q.Set("redirect_uri", b.redirectURI)
	q.Set("response_type", "code")
	q.Set("state", "trader")
	return fyersAPIBase + "/generate-authcode?" + q.Encode(), nil
}

// Login restores the persisted session; a fresh OAuth round needs
// LoginURL + CompleteLogin.
func (b *FyersBroker) Login(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}
	return apperrors.NewBrokerError(fyersName, "login", apperrors.KindAuthExpired, "",
		"no valid session; complete the OAuth login", nil)
}

// CompleteLogin exchanges the auth code from the redirect for an
// access token.
func (b *FyersBroker) CompleteLogin(ctx context.Context, authCode string) error {
	appIDHash := sha256Hex(b.clientID + ":" + b.secretKey)
	resp, err := invoke(ctx, b.policy, "complete_login", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/validate-authcode", map[string]interface{}{
			"grant_type": "authorization_code",
			"appIdHash":  appIDHash,
			"code":       strings.TrimSpace(authCode),
		})
	}, b.classify)
	if err != nil {
		return err
	}

	token := strField(resp, "access_token")
	if token == "" {
		return malformedErr(fyersName, "complete_login", "no access_token in response")
	}

	b.mu.Lock()
	b.accessToken = token
	b.mu.Unlock()

	persistToken(b.store, &store.Token{
		Broker:      fyersName,
		AccessToken: token,
		ExpiresAt:   istNextMorning(time.Now()),
	}, b.log)
	b.log.Info().Msg("Login complete")
	return nil
}

func (b *FyersBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accessToken != ""
}

func (b *FyersBroker) Cleanup() error { return nil }

// classify maps a Fyers response onto the shared retry policy.
func (b *FyersBroker) classify(resp map[string]interface{}, err error) verdict {
	if err != nil {
		var statusErr *httpStatusError
		if apperrors.As(err, &statusErr) {
			if fyersRetryableCodes[statusErr.Status] || statusErr.Status == 429 {
				return retryVerdict(fmt.Sprint(statusErr.Status), "http error")
			}
			if statusErr.Status == 401 || statusErr.Status == 403 {
				return authExpiredVerdict(fmt.Sprint(statusErr.Status), "unauthorized")
			}
		}
		if transportRetryable(err) {
			return retryVerdict("", err.Error())
		}
		return rejectVerdict(apperrors.KindTransient, "", err.Error())
	}

	if strField(resp, "s") == "ok" {
		return okVerdict()
	}

	code := int(numField(resp, "code"))
	message := strField(resp, "message")

	if fyersFatalCodes[code] || containsAny(message, fyersTokenMessages) {
		return authExpiredVerdict(fmt.Sprint(code), message)
	}
	if fyersRetryableCodes[code] {
		return retryVerdict(fmt.Sprint(code), message)
	}
	if containsAny(message, fyersBenignMessages) {
		return rejectVerdict(apperrors.KindResolution, fmt.Sprint(code), message)
	}
	return rejectVerdict(apperrors.KindRejected, fmt.Sprint(code), message)
}

// fyersSymbol renders a canonical symbol in Fyers wire form, e.g.
// "NSE:SBIN-EQ" or "NSE:NIFTY25AUG24000CE".
func fyersSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	prefix := "NSE:"
	if ExchangeOf(symbol) == "BSE" {
		prefix = "BSE:"
	}
	if !hasDerivativeMarker(s) && !strings.Contains(s, "-") {
		s += "-EQ"
	}
	return prefix + s
}

func (b *FyersBroker) GetProfile(ctx context.Context) (*models.Profile, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(fyersName, "get_profile")
	}
	resp, err := invoke(ctx, b.policy, "get_profile", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/profile", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}
	data := mapField(resp, "data")
	return &models.Profile{
		UserID: strField(data, "fy_id"),
		Name:   strField(data, "name"),
		Email:  strField(data, "email_id"),
		Broker: fyersName,
	}, nil
}

func (b *FyersBroker) GetBalance(ctx context.Context, capitalReserve float64) (float64, error) {
	if !b.IsConnected() {
		return 0, notConnectedErr(fyersName, "get_balance")
	}
	resp, err := invoke(ctx, b.policy, "get_balance", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/funds", nil)
	}, b.classify)
	if err != nil {
		return 0, err
	}
	// Limit id 10 is "Available Balance" on the equity segment.
	for _, item := range listField(resp, "fund_limit") {
		row := asMap(item)
		if int(numField(row, "id")) == 10 {
			balance := numField(row, "equityAmount")
			return balance * (1 - capitalReserve), nil
		}
	}
	return 0, malformedErr(fyersName, "get_balance", "fund_limit id 10 missing")
}

func (b *FyersBroker) GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)
	return b.GetHistoryForTimeframe(ctx, symbol, resolution, from, to)
}

func (b *FyersBroker) GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(fyersName, "get_history")
	}
	q := url.Values{}
	q.Set("symbol", fyersSymbol(symbol))
	q.Set("resolution", fyersResolution(resolution))
	q.Set("date_format", "0")
	q.Set("range_from", fmt.Sprint(from.Unix()))
	q.Set("range_to", fmt.Sprint(to.Unix()))
	q.Set("cont_flag", "1")

	resp, err := invoke(ctx, b.policy, "get_history", func(ctx context.Context) (map[string]interface{}, error) {
		return b.data.getJSON(ctx, "/history", q)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	var candles []models.Candle
	for _, raw := range listField(resp, "candles") {
		row := asList(raw)
		if len(row) < 6 {
			continue
		}
		candles = append(candles, models.Candle{
			Timestamp: time.Unix(int64(toFloat(row[0])), 0),
			Open:      toFloat(row[1]),
			High:      toFloat(row[2]),
			Low:       toFloat(row[3]),
			Close:     toFloat(row[4]),
			Volume:    int64(toFloat(row[5])),
		})
	}
	return candles, nil
}

func fyersResolution(resolution string) string {
	switch strings.ToUpper(resolution) {
	case "D", "1D", "DAY":
		return "D"
	default:
		return resolution
	}
}

func (b *FyersBroker) GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := b.GetOptionQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.LTP, nil
}

func (b *FyersBroker) GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	quotes, err := b.GetOptionChainQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if q, ok := quotes[symbol]; ok {
		return &q, nil
	}
	return nil, resolutionErr(fyersName, "get_quote", symbol)
}

func (b *FyersBroker) GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(fyersName, "get_quotes")
	}
	wire := make([]string, 0, len(symbols))
	bySymbol := make(map[string]string, len(symbols))
	for _, s := range symbols {
		w := fyersSymbol(s)
		wire = append(wire, w)
		bySymbol[w] = s
	}

	q := url.Values{}
	q.Set("symbols", strings.Join(wire, ","))
	resp, err := invoke(ctx, b.policy, "get_quotes", func(ctx context.Context) (map[string]interface{}, error) {
		return b.data.getJSON(ctx, "/quotes", q)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.Quote)
	for _, item := range listField(resp, "d") {
		row := asMap(item)
		if strField(row, "s") != "ok" {
			continue
		}
		v := mapField(row, "v")
		name := strField(row, "n")
		symbol, ok := bySymbol[name]
		if !ok {
			symbol = name
		}
		out[symbol] = models.Quote{
			Symbol:        symbol,
			LTP:           numField(v, "lp"),
			Open:          numField(v, "open_price"),
			High:          numField(v, "high_price"),
			Low:           numField(v, "low_price"),
			Close:         numField(v, "prev_close_price"),
			BidPrice:      numField(v, "bid"),
			AskPrice:      numField(v, "ask"),
			Volume:        intField(v, "volume"),
			Change:        numField(v, "ch"),
			ChangePercent: numField(v, "chp"),
		}
	}
	return out, nil
}

func (b *FyersBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", notConnectedErr(fyersName, "place_order")
	}
	body := map[string]interface{}{
		"symbol":       fyersSymbol(req.Symbol),
		"qty":          req.Quantity,
		"type":         int(req.Kind), // Fyers order types match the neutral ints
		"side":         int(req.Side),
		"productType":  fyersProduct(req.Product),
		"limitPrice":   req.Price,
		"stopPrice":    req.TriggerPrice,
		"validity":     orDefault(req.Validity, "DAY"),
		"disclosedQty": 0,
		"offlineOrder": false,
	}
	if req.Tag != "" {
		body["orderTag"] = req.Tag
	}
	resp, err := invoke(ctx, b.policy, "place_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/orders/sync", body)
	}, b.classify)
	if err != nil {
		return "", err
	}
	return strField(resp, "id"), nil
}

func (b *FyersBroker) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error {
	if !b.IsConnected() {
		return notConnectedErr(fyersName, "modify_order")
	}
	body := map[string]interface{}{"id": orderID}
	if req.Quantity > 0 {
		body["qty"] = req.Quantity
	}
	if req.Price > 0 {
		body["limitPrice"] = req.Price
	}
	if req.TriggerPrice > 0 {
		body["stopPrice"] = req.TriggerPrice
	}
	if req.Kind != 0 {
		body["type"] = int(req.Kind)
	}
	_, err := invoke(ctx, b.policy, "modify_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.patchJSON(ctx, "/orders/sync", body)
	}, b.classify)
	return err
}

func (b *FyersBroker) CancelOrder(ctx context.Context, orderID string) error {
	if !b.IsConnected() {
		return notConnectedErr(fyersName, "cancel_order")
	}
	_, err := invoke(ctx, b.policy, "cancel_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.deleteJSON(ctx, "/orders/sync", map[string]interface{}{"id": orderID})
	}, b.classify)
	return err
}

// ExitPosition closes the net position in symbol. Fyers identifies
// positions as "SYMBOL-PRODUCT".
func (b *FyersBroker) ExitPosition(ctx context.Context, symbol string) error {
	if !b.IsConnected() {
		return notConnectedErr(fyersName, "exit_position")
	}
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return err
	}
	_, want := SplitSymbol(symbol)
	for _, p := range positions {
		_, have := SplitSymbol(p.Symbol)
		if have != want || p.Quantity == 0 {
			continue
		}
		_, err := invoke(ctx, b.policy, "exit_position", func(ctx context.Context) (map[string]interface{}, error) {
			return b.api.deleteJSON(ctx, "/positions", map[string]interface{}{"id": p.PositionID})
		}, b.classify)
		return err
	}
	return resolutionErr(fyersName, "exit_position", symbol)
}

func (b *FyersBroker) AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Kind:         models.OrderStopLossMarket,
		Product:      models.ProductIntraday,
		Quantity:     quantity,
		TriggerPrice: triggerPrice,
	})
}

// RemoveStopLoss cancels the pending SL-M order for symbol, if any.
func (b *FyersBroker) RemoveStopLoss(ctx context.Context, symbol string) error {
	orders, err := b.GetOrderbook(ctx)
	if err != nil {
		return err
	}
	_, want := SplitSymbol(symbol)
	for _, o := range orders {
		_, have := SplitSymbol(o.Symbol)
		if have == want && o.Kind == models.OrderStopLossMarket &&
			(o.Status == models.OrderStatusPending || o.Status == models.OrderStatusOpen) {
			return b.CancelOrder(ctx, o.OrderID)
		}
	}
	return resolutionErr(fyersName, "remove_stoploss", symbol)
}

func (b *FyersBroker) SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideSell,
		Kind:     models.OrderMarket,
		Product:  models.ProductIntraday,
		Quantity: quantity,
	})
}

func (b *FyersBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(fyersName, "get_positions")
	}
	resp, err := invoke(ctx, b.policy, "get_positions", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/positions", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	var out []models.Position
	for _, item := range listField(resp, "netPositions") {
		row := asMap(item)
		qty := int(numField(row, "netQty"))
		side := models.SideBuy
		if qty < 0 {
			side = models.SideSell
		}
		out = append(out, models.Position{
			Symbol:       strField(row, "symbol"),
			Exchange:     models.Exchange(ExchangeOf(strField(row, "symbol"))),
			Product:      fyersProductReverse(strField(row, "productType")),
			Quantity:     qty,
			BuyPrice:     numField(row, "buyAvg"),
			LastPrice:    numField(row, "ltp"),
			PnL:          numField(row, "pl"),
			PositionID:   strField(row, "id"),
			TradingsSide: side,
		})
	}
	return out, nil
}

func (b *FyersBroker) GetOrderbook(ctx context.Context) ([]models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(fyersName, "get_orderbook")
	}
	resp, err := invoke(ctx, b.policy, "get_orderbook", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/orders", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	var out []models.Order
	for _, item := range listField(resp, "orderBook") {
		out = append(out, fyersOrder(asMap(item)))
	}
	return out, nil
}

func (b *FyersBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := b.GetOrderbook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, resolutionErr(fyersName, "get_order_status", orderID)
}

func fyersOrder(row map[string]interface{}) models.Order {
	side := models.SideBuy
	if int(numField(row, "side")) == SideSell {
		side = models.SideSell
	}
	return models.Order{
		OrderID:       strField(row, "id"),
		Symbol:        strField(row, "symbol"),
		Exchange:      models.Exchange(ExchangeOf(strField(row, "symbol"))),
		Side:          side,
		Kind:          models.OrderKind(int(numField(row, "type"))),
		Product:       fyersProductReverse(strField(row, "productType")),
		Status:        fyersOrderStatus(int(numField(row, "status"))),
		Quantity:      int(numField(row, "qty")),
		FilledQty:     int(numField(row, "filledQty")),
		Price:         numField(row, "limitPrice"),
		TriggerPrice:  numField(row, "stopPrice"),
		AveragePrice:  numField(row, "tradedPrice"),
		StatusMessage: strField(row, "message"),
	}
}

func fyersOrderStatus(code int) models.OrderStatus {
	switch code {
	case 1:
		return models.OrderStatusCancelled
	case 2:
		return models.OrderStatusComplete
	case 5:
		return models.OrderStatusRejected
	case 6:
		return models.OrderStatusPending
	default:
		return models.OrderStatusOpen
	}
}

func fyersProduct(p models.Product) string {
	switch p {
	case models.ProductDelivery:
		return "CNC"
	case models.ProductMargin:
		return "MARGIN"
	default:
		return "INTRADAY"
	}
}

func fyersProductReverse(s string) models.Product {
	switch strings.ToUpper(s) {
	case "CNC":
		return models.ProductDelivery
	case "MARGIN":
		return models.ProductMargin
	default:
		return models.ProductIntraday
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// --- streaming ---

type fyersStream struct {
	broker *FyersBroker
	sock   *vendorSocket
	cb     StreamCallbacks
	log    zerolog.Logger

	mu         sync.Mutex
	subscribed map[string]bool
}

func (b *FyersBroker) CreateStream(callbacks StreamCallbacks) (Stream, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(fyersName, "create_stream")
	}
	s := &fyersStream{
		broker:     b,
		cb:         callbacks,
		log:        b.log,
		subscribed: make(map[string]bool),
	}
	sock := newVendorSocket(fyersName, b.log)
	sock.dialInfo = func() (string, http.Header, error) {
		b.mu.RLock()
		token := b.accessToken
		b.mu.RUnlock()
		if token == "" {
			return "", nil, apperrNotConnected
		}
		h := http.Header{}
		h.Set("Authorization", b.clientID + ":" + token)
		return fyersWSURL, h, nil
	}
	sock.onOpen = func() error {
		if callbacks.OnConnect != nil {
			callbacks.OnConnect()
		}
		return s.resubscribe()
	}
	sock.onMessage = s.handleMessage
	sock.onClose = func(reason string) {
		if callbacks.OnClose != nil {
			callbacks.OnClose(reason)
		}
	}
	sock.onError = func(err error) {
		if callbacks.OnError != nil {
			callbacks.OnError(err)
		}
	}
	s.sock = sock
	return s, nil
}

func (s *fyersStream) Connect(ctx context.Context) error {
	return s.sock.run(ctx)
}

func (s *fyersStream) Subscribe(symbols []string) error {
	s.mu.Lock()
	wire := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		w := fyersSymbol(sym)
		s.subscribed[w] = true
		wire = append(wire, w)
	}
	s.mu.Unlock()
	if !s.sock.isConnected() {
		return nil // sent on connect
	}
	return s.sock.sendJSON(map[string]interface{}{"T": "SUB_DATA", "TLIST": wire, "SUB_T": 1})
}

func (s *fyersStream) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	wire := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		w := fyersSymbol(sym)
		delete(s.subscribed, w)
		wire = append(wire, w)
	}
	s.mu.Unlock()
	if !s.sock.isConnected() {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{"T": "SUB_DATA", "TLIST": wire, "SUB_T": 0})
}

func (s *fyersStream) Disconnect() error {
	return s.sock.close()
}

func (s *fyersStream) resubscribe() error {
	s.mu.Lock()
	wire := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		wire = append(wire, sym)
	}
	s.mu.Unlock()
	if len(wire) == 0 {
		return nil
	}
	s.log.Info().Int("symbols", len(wire)).Msg("Resubscribing")
	return s.sock.sendJSON(map[string]interface{}{"T": "SUB_DATA", "TLIST": wire, "SUB_T": 1})
}

func (s *fyersStream) handleMessage(_ int, data []byte) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if _, ok := payload["orders"]; ok {
		if s.cb.OnOrderEvent != nil {
			s.cb.OnOrderEvent(payload)
		}
		return
	}
	if tick := s.broker.NormalizeTick(payload); tick != nil && s.cb.OnTick != nil {
		s.cb.OnTick(*tick)
	}
}

// NormalizeTick maps a Fyers data-socket payload onto the neutral
// tick. Payloads without a symbol and last price are dropped.
func (b *FyersBroker) NormalizeTick(raw interface{}) *models.Tick {
	m := rawToMap(raw)
	if m == nil {
		return nil
	}
	symbol := strField(m, "symbol")
	if symbol == "" || !hasNum(m, "ltp") {
		return nil
	}
	tick := &models.Tick{
		Symbol:    symbol,
		LTP:       numField(m, "ltp"),
		BidPrice:  numField(m, "bid_price"),
		AskPrice:  numField(m, "ask_price"),
		Open:      numField(m, "open_price"),
		High:      numField(m, "high_price"),
		Low:       numField(m, "low_price"),
		PrevClose: numField(m, "prev_close_price"),
		Volume:    intField(m, "volume"),
		OI:        intField(m, "oi"),
	}
	if tick.Volume == 0 {
		tick.Volume = intField(m, "vol_traded_today")
	}
	if ts := intField(m, "exch_feed_time"); ts > 0 {
		tick.Timestamp = time.Unix(ts, 0)
	} else if ts := intField(m, "last_traded_time"); ts > 0 {
		tick.Timestamp = time.Unix(ts, 0)
	}
	return tick
}

// rawToMap accepts the two shapes streams hand to NormalizeTick:
// decoded maps and raw JSON bytes.
func rawToMap(raw interface{}) map[string]interface{} {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v
	case []byte:
		var m map[string]interface{}
		if err := json.Unmarshal(v, &m); err != nil {
			return nil
		}
		return m
	case string:
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil
		}
		return m
	default:
		return nil
	}
}

// rawToMaps handles payloads that may be a single object or a list of
// objects (some feeds batch ticks).
func rawToMaps(raw interface{}) []map[string]interface{} {
	if m := rawToMap(raw); m != nil {
		return []map[string]interface{}{m}
	}
	var items []interface{}
	switch v := raw.(type) {
	case []interface{}:
		items = v
	case []byte:
		if err := json.Unmarshal(v, &items); err != nil {
			return nil
		}
	case string:
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil
		}
	default:
		return nil
	}
	var out []map[string]interface{}
	for _, item := range items {
		if m := asMap(item); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// rawToMapReader decodes a JSON object from a stream.
func rawToMapReader(r io.Reader) map[string]interface{} {
	var m map[string]interface{}
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil
	}
	return m
}
