package broker

import (
	"bytes"
	"context"
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
	iciciName     = "icici"
	iciciAPIBase  = "https://api.icicidirect.com/breezeapi/api/v1"
	iciciLoginURL = "https://api.icicidirect.com/apiuser/login?api_key="
	iciciWSURL    = "wss://livestream.icicidirect.com"
)

// ICICIBroker implements the Breeze API. Every request is signed with
// a SHA256 checksum over timestamp+payload+secret, so it does not go
// through the shared restClient; the envelope is {Status, Error,
// Success}.
type ICICIBroker struct {
	creds config.ICICICredentials

	mu         sync.RWMutex
	sessionKey string
	userID     string

	httpc   *http.Client
	symbols *instrumentCache
	policy  *callPolicy
	store   store.TokenStore
	log     zerolog.Logger
}

var _ Broker = (*ICICIBroker)(nil)

func NewICICIBroker(creds config.ICICICredentials, opts AdapterOptions) *ICICIBroker {
	b := &ICICIBroker{
		creds:   creds,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		symbols: newInstrumentCache(),
		store:   opts.Store,
		log:     opts.Logger.With().Str("broker", iciciName).Logger(),
	}
	b.policy = newCallPolicy(iciciName, opts.RateLimit, opts.Logger)

	if token := restoreToken(opts.Store, iciciName, b.log); token != nil {
		b.sessionKey = token.AccessToken
		b.log.Info().Msg("Session restored from store")
	}
	return b
}

func (b *ICICIBroker) Name() string { return iciciName }

func (b *ICICIBroker) LoginURL() (string, error) {
	return iciciLoginURL + url.QueryEscape(b.creds.APIKey), nil
}

// Login needs the browser-issued session token; either from the
// credentials file or a prior CompleteLogin.
func (b *ICICIBroker) Login(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}
	if b.creds.SessionToken != "" {
		return b.CompleteLogin(ctx, b.creds.SessionToken)
	}
	return apperrors.NewBrokerError(iciciName, "login", apperrors.KindAuthExpired, "",
		"session token required; open the login URL", nil)
}

// CompleteLogin exchanges the browser session token for the signing
// session key via customerdetails, which is the one unsigned call.
func (b *ICICIBroker) CompleteLogin(ctx context.Context, sessionToken string) error {
	payload, _ := json.Marshal(map[string]string{
		"SessionToken": sessionToken,
		"AppKey":       b.creds.APIKey,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iciciAPIBase+"/customerdetails", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpc.Do(req)
	if err != nil {
		return apperrors.NewBrokerError(iciciName, "complete_login", apperrors.KindTransient, "", "customerdetails failed", err)
	}
	defer resp.Body.Close()
	body := rawToMapReader(resp.Body)
	success := mapField(body, "Success")
	key := strField(success, "session_token")
	if key == "" {
		return apperrors.NewBrokerError(iciciName, "complete_login", apperrors.KindAuthExpired, "",
			orDefault(strField(body, "Error"), "session token rejected"), nil)
	}

	b.mu.Lock()
	b.sessionKey = key
	b.userID = strField(success, "idirect_userid")
	b.mu.Unlock()
	persistToken(b.store, &store.Token{
		Broker:      iciciName,
		AccessToken: key,
		SavedAt:     time.Now(),
		ExpiresAt:   istNextMorning(time.Now()),
	}, b.log)
	b.log.Info().Msg("Login complete")
	return nil
}

func (b *ICICIBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessionKey != ""
}

func (b *ICICIBroker) Cleanup() error {
	b.mu.Lock()
	b.sessionKey = ""
	b.mu.Unlock()
	return nil
}

// request issues one signed Breeze call. Breeze sends JSON bodies on
// every verb, GET included.
func (b *ICICIBroker) request(ctx context.Context, method, path string, payload map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05") + ".000Z"
	checksum := sha256Hex(timestamp + string(body) + b.creds.APISecret)

	req, err := http.NewRequestWithContext(ctx, method, iciciAPIBase+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	sessionKey := b.sessionKey
	b.mu.RUnlock()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Checksum", "token "+checksum)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-AppKey", b.creds.APIKey)
	req.Header.Set("X-SessionToken", sessionKey)

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, &httpStatusError{Status: resp.StatusCode, Body: truncate(string(raw), 200)}
		}
	}
	out, ok := decoded.(map[string]interface{})
	if !ok {
		out = map[string]interface{}{"Success": decoded}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &httpStatusError{Status: resp.StatusCode, Body: truncate(string(raw), 200)}
	}
	return out, nil
}

func (b *ICICIBroker) classify(resp map[string]interface{}, err error) verdict {
	if err != nil {
		var statusErr *httpStatusError
		if apperrors.As(err, &statusErr) {
			switch statusErr.Status {
			case 429, 500, 502, 503, 504:
				return retryVerdict(fmt.Sprint(statusErr.Status), "http error")
			case 401, 403:
				return authExpiredVerdict(fmt.Sprint(statusErr.Status), "unauthorized")
			}
		}
		if transportRetryable(err) {
			return retryVerdict("", err.Error())
		}
		return rejectVerdict(apperrors.KindTransient, "", err.Error())
	}

	if int(numField(resp, "Status")) == 200 {
		return okVerdict()
	}
	message := strField(resp, "Error")
	if containsAny(message, []string{"session", "token", "expired", "public key", "authenticat"}) {
		return authExpiredVerdict(fmt.Sprint(int(numField(resp, "Status"))), message)
	}
	if containsAny(message, []string{"no data", "no record"}) {
		return rejectVerdict(apperrors.KindResolution, "", message)
	}
	return rejectVerdict(apperrors.KindRejected, fmt.Sprint(int(numField(resp, "Status"))), message)
}

func (b *ICICIBroker) call(ctx context.Context, op, method, path string, payload map[string]interface{}) (map[string]interface{}, error) {
	return invoke(ctx, b.policy, op, func(ctx context.Context) (map[string]interface{}, error) {
		return b.request(ctx, method, path, payload)
	}, b.classify)
}

// iciciStockCode turns a canonical symbol into Breeze's bare stock
// code: prefix dropped, -EQ stripped, uppercased.
func iciciStockCode(symbol string) (exchange, stockCode string) {
	exchange, trading := SplitSymbol(symbol)
	return exchange, strings.ToUpper(strings.TrimSuffix(trading, "-EQ"))
}

func iciciProduct(p models.Product, exchange string) string {
	if exchange == "NFO" {
		return "options"
	}
	switch p {
	case models.ProductDelivery:
		return "cash"
	case models.ProductMargin:
		return "margin"
	default:
		return "intraday"
	}
}

func iciciProductReverse(s string) models.Product {
	switch strings.ToLower(s) {
	case "cash", "delivery":
		return models.ProductDelivery
	case "margin":
		return models.ProductMargin
	default:
		return models.ProductIntraday
	}
}

func iciciOrderType(kind models.OrderKind) string {
	switch kind {
	case models.OrderLimit:
		return "limit"
	case models.OrderStopLossMarket:
		return "stoploss"
	default:
		return "market"
	}
}

func iciciOrderTypeReverse(s string) models.OrderKind {
	switch strings.ToLower(s) {
	case "limit":
		return models.OrderLimit
	case "stoploss":
		return models.OrderStopLossMarket
	default:
		return models.OrderMarket
	}
}

func iciciSide(side models.Side) string {
	if side == models.SideSell {
		return "sell"
	}
	return "buy"
}

func iciciOrderStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "executed", "complete":
		return models.OrderStatusComplete
	case "cancelled":
		return models.OrderStatusCancelled
	case "rejected":
		return models.OrderStatusRejected
	case "ordered", "open":
		return models.OrderStatusOpen
	default:
		return models.OrderStatusPending
	}
}

// successList tolerates Success arriving as a list or a single
// object.
func successList(resp map[string]interface{}) []map[string]interface{} {
	if rows := listField(resp, "Success"); rows != nil {
		out := make([]map[string]interface{}, 0, len(rows))
		for _, r := range rows {
			if m := asMap(r); m != nil {
				out = append(out, m)
			}
		}
		return out
	}
	if m := mapField(resp, "Success"); m != nil {
		return []map[string]interface{}{m}
	}
	return nil
}

func (b *ICICIBroker) GetProfile(ctx context.Context) (*models.Profile, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(iciciName, "get_profile")
	}
	b.mu.RLock()
	userID := b.userID
	b.mu.RUnlock()
	return &models.Profile{
		UserID: userID,
		Broker: iciciName,
	}, nil
}

func (b *ICICIBroker) GetBalance(ctx context.Context, capitalReserve float64) (float64, error) {
	if !b.IsConnected() {
		return 0, notConnectedErr(iciciName, "get_balance")
	}
	resp, err := b.call(ctx, "get_balance", http.MethodGet, "/funds", nil)
	if err != nil {
		return 0, err
	}
	success := mapField(resp, "Success")
	balance := numField(success, "unallocated_balance")
	if balance == 0 {
		balance = numField(success, "total_bank_balance")
	}
	return balance * (1 - capitalReserve), nil
}

func iciciInterval(resolution string) string {
	switch strings.ToUpper(resolution) {
	case "D", "1D", "DAY":
		return "1day"
	case "30":
		return "30minute"
	case "5":
		return "5minute"
	default:
		return "1minute"
	}
}

func (b *ICICIBroker) GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)
	return b.GetHistoryForTimeframe(ctx, symbol, resolution, from, to)
}

func (b *ICICIBroker) GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(iciciName, "get_history")
	}
	exchange, stockCode := iciciStockCode(symbol)
	resp, err := b.call(ctx, "get_history", http.MethodGet, "/historicalcharts", map[string]interface{}{
		"interval":      iciciInterval(resolution),
		"from_date":     from.UTC().Format("2006-01-02T15:04:05.000Z"),
		"to_date":       to.UTC().Format("2006-01-02T15:04:05.000Z"),
		"stock_code":    stockCode,
		"exchange_code": exchange,
		"product_type":  "cash",
	})
	if err != nil {
		return nil, err
	}

	var candles []models.Candle
	for _, row := range successList(resp) {
		stamp, _ := time.ParseInLocation("2006-01-02 15:04:05", strField(row, "datetime"), indiaLocation())
		candles = append(candles, models.Candle{
			Timestamp: stamp,
			Open:      numField(row, "open"),
			High:      numField(row, "high"),
			Low:       numField(row, "low"),
			Close:     numField(row, "close"),
			Volume:    intField(row, "volume"),
		})
	}
	return candles, nil
}

func (b *ICICIBroker) GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := b.GetOptionQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.LTP, nil
}

func (b *ICICIBroker) GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(iciciName, "get_quote")
	}
	exchange, stockCode := iciciStockCode(symbol)
	resp, err := b.call(ctx, "get_quote", http.MethodGet, "/quotes", map[string]interface{}{
		"stock_code":    stockCode,
		"exchange_code": exchange,
	})
	if err != nil {
		return nil, err
	}
	rows := successList(resp)
	if len(rows) == 0 {
		return nil, resolutionErr(iciciName, "get_quote", symbol)
	}
	row := rows[0]
	return &models.Quote{
		Symbol:   symbol,
		LTP:      numField(row, "ltp"),
		Open:     numField(row, "open"),
		High:     numField(row, "high"),
		Low:      numField(row, "low"),
		Close:    numField(row, "previous_close"),
		BidPrice: numField(row, "best_bid_price"),
		AskPrice: numField(row, "best_offer_price"),
		Volume:   intField(row, "total_quantity_traded"),
		OI:       intField(row, "open_interest"),
	}, nil
}

func (b *ICICIBroker) GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		q, err := b.GetOptionQuote(ctx, s)
		if err != nil {
			if apperrors.IsAuthExpired(err) {
				return nil, err
			}
			b.log.Warn().Err(err).Str("symbol", s).Msg("Quote fetch failed")
			continue
		}
		out[s] = *q
	}
	return out, nil
}

func (b *ICICIBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", notConnectedErr(iciciName, "place_order")
	}
	exchange, stockCode := iciciStockCode(req.Symbol)
	payload := map[string]interface{}{
		"stock_code":    stockCode,
		"exchange_code": exchange,
		"product":       iciciProduct(req.Product, exchange),
		"action":        iciciSide(req.Side),
		"order_type":    iciciOrderType(req.Kind),
		"quantity":      fmt.Sprint(req.Quantity),
		"price":         fmt.Sprint(req.Price),
		"validity":      strings.ToLower(orDefault(req.Validity, "day")),
	}
	if req.TriggerPrice > 0 {
		payload["stoploss"] = fmt.Sprint(req.TriggerPrice)
	}
	if req.Tag != "" {
		payload["user_remark"] = req.Tag
	}
	resp, err := b.call(ctx, "place_order", http.MethodPost, "/order", payload)
	if err != nil {
		return "", err
	}
	return strField(mapField(resp, "Success"), "order_id"), nil
}

func (b *ICICIBroker) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error {
	if !b.IsConnected() {
		return notConnectedErr(iciciName, "modify_order")
	}
	exchange, _ := iciciStockCode(req.Symbol)
	payload := map[string]interface{}{
		"order_id":      orderID,
		"exchange_code": exchange,
		"validity":      strings.ToLower(orDefault(req.Validity, "day")),
	}
	if req.Quantity > 0 {
		payload["quantity"] = fmt.Sprint(req.Quantity)
	}
	if req.Price > 0 {
		payload["price"] = fmt.Sprint(req.Price)
	}
	if req.TriggerPrice > 0 {
		payload["stoploss"] = fmt.Sprint(req.TriggerPrice)
	}
	if req.Kind != 0 {
		payload["order_type"] = iciciOrderType(req.Kind)
	}
	_, err := b.call(ctx, "modify_order", http.MethodPut, "/order", payload)
	return err
}

func (b *ICICIBroker) CancelOrder(ctx context.Context, orderID string) error {
	if !b.IsConnected() {
		return notConnectedErr(iciciName, "cancel_order")
	}
	// Breeze cancellation needs the exchange; try the books in turn.
	var lastErr error
	for _, exchange := range []string{"NSE", "NFO", "BSE"} {
		_, err := b.call(ctx, "cancel_order", http.MethodDelete, "/order", map[string]interface{}{
			"order_id":      orderID,
			"exchange_code": exchange,
		})
		if err == nil {
			return nil
		}
		if apperrors.IsAuthExpired(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (b *ICICIBroker) ExitPosition(ctx context.Context, symbol string) error {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return err
	}
	_, want := iciciStockCode(symbol)
	for _, p := range positions {
		_, have := iciciStockCode(p.Symbol)
		if have != want || p.Quantity == 0 {
			continue
		}
		side := models.SideSell
		qty := p.Quantity
		if qty < 0 {
			side = models.SideBuy
			qty = -qty
		}
		_, err := b.PlaceOrder(ctx, models.OrderRequest{
			Symbol:   p.Symbol,
			Side:     side,
			Kind:     models.OrderMarket,
			Product:  p.Product,
			Quantity: qty,
		})
		return err
	}
	return resolutionErr(iciciName, "exit_position", symbol)
}

func (b *ICICIBroker) AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Kind:         models.OrderStopLossMarket,
		Product:      models.ProductIntraday,
		Quantity:     quantity,
		TriggerPrice: triggerPrice,
	})
}

func (b *ICICIBroker) RemoveStopLoss(ctx context.Context, symbol string) error {
	orders, err := b.GetOrderbook(ctx)
	if err != nil {
		return err
	}
	_, want := iciciStockCode(symbol)
	for _, o := range orders {
		_, have := iciciStockCode(o.Symbol)
		if have == want && o.Kind == models.OrderStopLossMarket &&
			(o.Status == models.OrderStatusPending || o.Status == models.OrderStatusOpen) {
			return b.CancelOrder(ctx, o.OrderID)
		}
	}
	return resolutionErr(iciciName, "remove_stoploss", symbol)
}

func (b *ICICIBroker) SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideSell,
		Kind:     models.OrderMarket,
		Product:  models.ProductIntraday,
		Quantity: quantity,
	})
}

func (b *ICICIBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(iciciName, "get_positions")
	}
	resp, err := b.call(ctx, "get_positions", http.MethodGet, "/portfoliopositions", nil)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindResolution {
			return nil, nil
		}
		return nil, err
	}

	var out []models.Position
	for _, row := range successList(resp) {
		qty := int(numField(row, "quantity"))
		side := models.SideBuy
		if strings.EqualFold(strField(row, "action"), "sell") || qty < 0 {
			side = models.SideSell
			if qty > 0 {
				qty = -qty
			}
		}
		exchange := strings.ToUpper(strField(row, "exchange_code"))
		out = append(out, models.Position{
			Symbol:       JoinSymbol(exchange, strField(row, "stock_code")),
			Exchange:     models.Exchange(exchange),
			Product:      iciciProductReverse(strField(row, "product_type")),
			Quantity:     qty,
			BuyPrice:     numField(row, "average_price"),
			LastPrice:    numField(row, "ltp"),
			TradingsSide: side,
		})
	}
	return out, nil
}

func (b *ICICIBroker) GetOrderbook(ctx context.Context) ([]models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(iciciName, "get_orderbook")
	}
	now := time.Now()
	var out []models.Order
	for _, exchange := range []string{"NSE", "NFO"} {
		resp, err := b.call(ctx, "get_orderbook", http.MethodGet, "/order", map[string]interface{}{
			"exchange_code": exchange,
			"from_date":     now.AddDate(0, 0, -1).UTC().Format("2006-01-02T15:04:05.000Z"),
			"to_date":       now.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindResolution {
				continue
			}
			return nil, err
		}
		for _, row := range successList(resp) {
			out = append(out, iciciOrder(row))
		}
	}
	return out, nil
}

func (b *ICICIBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := b.GetOrderbook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, resolutionErr(iciciName, "get_order_status", orderID)
}

func iciciOrder(row map[string]interface{}) models.Order {
	side := models.SideBuy
	if strings.EqualFold(strField(row, "action"), "sell") {
		side = models.SideSell
	}
	exchange := strings.ToUpper(strField(row, "exchange_code"))
	return models.Order{
		OrderID:       strField(row, "order_id"),
		Symbol:        JoinSymbol(exchange, strField(row, "stock_code")),
		Exchange:      models.Exchange(exchange),
		Side:          side,
		Kind:          iciciOrderTypeReverse(strField(row, "order_type")),
		Product:       iciciProductReverse(strField(row, "product_type")),
		Status:        iciciOrderStatus(strField(row, "status")),
		Quantity:      int(numField(row, "quantity")),
		FilledQty:     int(numField(row, "quantity")) - int(numField(row, "pending_quantity")),
		Price:         numField(row, "price"),
		TriggerPrice:  numField(row, "stoploss"),
		AveragePrice:  numField(row, "average_price"),
		StatusMessage: strField(row, "order_status_message"),
	}
}

// --- streaming ---

type iciciStream struct {
	broker *ICICIBroker
	sock   *vendorSocket
	cb     StreamCallbacks

	mu         sync.Mutex
	subscribed map[string]bool // "EXCH|STOCKCODE"
}

func (b *ICICIBroker) CreateStream(callbacks StreamCallbacks) (Stream, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(iciciName, "create_stream")
	}
	s := &iciciStream{
		broker:     b,
		cb:         callbacks,
		subscribed: make(map[string]bool),
	}
	sock := newVendorSocket(iciciName, b.log)
	sock.dialInfo = func() (string, http.Header, error) {
		b.mu.RLock()
		key, user := b.sessionKey, b.userID
		b.mu.RUnlock()
		if key == "" {
			return "", nil, apperrNotConnected
		}
		q := url.Values{}
		q.Set("user", user)
		q.Set("token", key)
		return iciciWSURL + "/?" + q.Encode(), nil, nil
	}
	sock.onOpen = func() error {
		if callbacks.OnConnect != nil {
			callbacks.OnConnect()
		}
		return s.resubscribe()
	}
	sock.onMessage = func(_ int, data []byte) {
		// Breeze sometimes wraps the tick in a single-element list.
		for _, m := range rawToMaps(data) {
			if tick := b.NormalizeTick(m); tick != nil && s.cb.OnTick != nil {
				s.cb.OnTick(*tick)
			}
		}
	}
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

func (s *iciciStream) Connect(ctx context.Context) error {
	return s.sock.run(ctx)
}

func (s *iciciStream) Subscribe(symbols []string) error {
	var keys []string
	s.mu.Lock()
	for _, sym := range symbols {
		exchange, stockCode := iciciStockCode(sym)
		key := exchange + "|" + stockCode
		s.subscribed[key] = true
		keys = append(keys, key)
	}
	s.mu.Unlock()
	if len(keys) == 0 || !s.sock.isConnected() {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{
		"event":  "subscribe",
		"stocks": keys,
	})
}

func (s *iciciStream) Unsubscribe(symbols []string) error {
	var keys []string
	s.mu.Lock()
	for _, sym := range symbols {
		exchange, stockCode := iciciStockCode(sym)
		key := exchange + "|" + stockCode
		if s.subscribed[key] {
			delete(s.subscribed, key)
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()
	if len(keys) == 0 || !s.sock.isConnected() {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{
		"event":  "unsubscribe",
		"stocks": keys,
	})
}

func (s *iciciStream) Disconnect() error {
	return s.sock.close()
}

func (s *iciciStream) resubscribe() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.subscribed))
	for k := range s.subscribed {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{
		"event":  "subscribe",
		"stocks": keys,
	})
}

// NormalizeTick accepts Breeze feed payloads, including the
// single-element-list form.
func (b *ICICIBroker) NormalizeTick(raw interface{}) *models.Tick {
	m := rawToMap(raw)
	if m == nil {
		if list := rawToMaps(raw); len(list) > 0 {
			m = list[0]
		}
	}
	if m == nil {
		return nil
	}
	stockCode := strings.ToUpper(strField(m, "stock_code"))
	if stockCode == "" || !hasNum(m, "last") {
		return nil
	}
	exchange := strings.ToUpper(strField(m, "exchange_code"))
	if exchange == "" {
		exchange = "NSE"
	}
	tick := &models.Tick{
		Symbol:    JoinSymbol(exchange, stockCode),
		LTP:       numField(m, "last"),
		BidPrice:  numField(m, "best_bid_price"),
		AskPrice:  numField(m, "best_offer_price"),
		Open:      numField(m, "open"),
		High:      numField(m, "high"),
		Low:       numField(m, "low"),
		PrevClose: numField(m, "close"),
		Volume:    intField(m, "total_quantity_traded"),
		OI:        intField(m, "open_interest"),
	}
	if ts := strField(m, "exchange_feed_time"); ts != "" {
		if stamp, err := time.ParseInLocation("02-Jan-2006 15:04:05", ts, indiaLocation()); err == nil {
			tick.Timestamp = stamp
		}
	}
	return tick
}
