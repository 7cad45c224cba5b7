package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
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
	aliceName    = "aliceblue"
	aliceAPIBase = "https://ant.aliceblueonline.com/rest/AliceBlueAPIService/api"
	aliceWSURL   = "wss://ws1.aliceblueonline.com/NorenWS/"
)

// AliceBlueBroker implements the ANT API. Login is password-based
// with year of birth as the second factor; the platform exposes no
// historical candles, so GetHistory always degrades.
type AliceBlueBroker struct {
	creds config.AliceBlueCredentials

	mu        sync.RWMutex
	sessionID string

	api     *restClient
	symbols *instrumentCache
	policy  *callPolicy
	store   store.TokenStore
	log     zerolog.Logger
}

var _ Broker = (*AliceBlueBroker)(nil)

func NewAliceBlueBroker(creds config.AliceBlueCredentials, opts AdapterOptions) *AliceBlueBroker {
	b := &AliceBlueBroker{
		creds:   creds,
		symbols: newInstrumentCache(),
		store:   opts.Store,
		log:     opts.Logger.With().Str("broker", aliceName).Logger(),
	}
	b.policy = newCallPolicy(aliceName, opts.RateLimit, opts.Logger)
	b.api = newRESTClient(aliceAPIBase, b.authHeaders)

	if token := restoreToken(opts.Store, aliceName, b.log); token != nil {
		b.sessionID = token.AccessToken
		b.log.Info().Msg("Session restored from store")
	}
	return b
}

func (b *AliceBlueBroker) authHeaders() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	headers := map[string]string{"Accept": "application/json"}
	if b.sessionID != "" {
		headers["Authorization"] = "Bearer " + b.creds.UserID + " " + b.sessionID
	}
	return headers
}

func (b *AliceBlueBroker) Name() string { return aliceName }

func (b *AliceBlueBroker) LoginURL() (string, error) {
	return "", unsupportedErr(aliceName, "login_url", "aliceblue logs in with password+year of birth, no browser step")
}

// Login fetches the account's encryption key and exchanges the signed
// secret for a session id. Password and year of birth ride along as
// the vendor's identity check.
func (b *AliceBlueBroker) Login(ctx context.Context) error {
	resp, err := b.api.postJSON(ctx, "/customer/getAPIEncpkey", map[string]interface{}{
		"userId": b.creds.UserID,
	})
	if v := b.classify(resp, err); v.outcome != outcomeOK {
		return apperrors.NewBrokerError(aliceName, "login", apperrors.KindAuthExpired, v.code, v.message, err)
	}
	encKey := strField(resp, "encKey")
	if encKey == "" {
		return malformedErr(aliceName, "login", "login response missing encKey")
	}

	resp, err = b.api.postJSON(ctx, "/customer/getUserSID", map[string]interface{}{
		"userId":   b.creds.UserID,
		"userData": sha256Hex(b.creds.UserID + b.creds.APISecret + encKey),
		"pwd":      sha256Hex(b.creds.Password),
		"yob":      b.creds.YearOfBirth,
		"appId":    b.creds.AppID,
	})
	if v := b.classify(resp, err); v.outcome != outcomeOK {
		return apperrors.NewBrokerError(aliceName, "login", apperrors.KindAuthExpired, v.code, v.message, err)
	}
	sessionID := strField(resp, "sessionID")
	if sessionID == "" {
		return malformedErr(aliceName, "login", "login response missing sessionID")
	}

	b.mu.Lock()
	b.sessionID = sessionID
	b.mu.Unlock()
	persistToken(b.store, &store.Token{
		Broker:      aliceName,
		AccessToken: sessionID,
		SavedAt:     time.Now(),
		ExpiresAt:   istNextMorning(time.Now()),
	}, b.log)
	b.log.Info().Msg("Login complete")
	return nil
}

func (b *AliceBlueBroker) CompleteLogin(ctx context.Context, _ string) error {
	return b.Login(ctx)
}

func (b *AliceBlueBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessionID != ""
}

func (b *AliceBlueBroker) Cleanup() error {
	b.mu.Lock()
	b.sessionID = ""
	b.mu.Unlock()
	return nil
}

// classify reads the ANT envelope: stat "ok"/"Ok" or bare lists.
func (b *AliceBlueBroker) classify(resp map[string]interface{}, err error) verdict {
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

	stat := strField(resp, "stat")
	if strings.EqualFold(stat, "Ok") {
		return okVerdict()
	}
	if stat == "" && (resp["data"] != nil || resp["encKey"] != nil || resp["sessionID"] != nil) {
		return okVerdict()
	}
	emsg := orDefault(strField(resp, "emsg"), strField(resp, "Emsg"))
	if containsAny(emsg, []string{"session", "token", "login", "unauthori", "invalid user"}) {
		return authExpiredVerdict("", emsg)
	}
	if containsAny(emsg, []string{"no data", "no order", "no position"}) {
		return rejectVerdict(apperrors.KindResolution, "", emsg)
	}
	return rejectVerdict(apperrors.KindRejected, "", emsg)
}

// resolve searches the scrip service and caches "EXCH|token" so the
// Noren-dialect websocket can reuse it.
func (b *AliceBlueBroker) resolve(ctx context.Context, symbol string) (Resolution, error) {
	exchange, trading := SplitSymbol(symbol)
	key := JoinSymbol(exchange, trading)
	if r, ok := b.symbols.get(key); ok {
		return r, nil
	}

	resp, err := invoke(ctx, b.policy, "search_scrip", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/ScripDetails/getScripForSearch", map[string]interface{}{
			"symbol": trading,
			"exch":   []string{exchange},
		})
	}, b.classify)
	if err != nil {
		return Resolution{}, err
	}
	for _, item := range listField(resp, "data") {
		row := asMap(item)
		tsym := strings.ToUpper(orDefault(strField(row, "formattedInsName"), strField(row, "symbol")))
		exch := strings.ToUpper(strField(row, "exch"))
		lot, _ := strconv.Atoi(strField(row, "lotSize"))
		b.symbols.put(Resolution{
			Symbol:        JoinSymbol(exch, tsym),
			Exchange:      exch,
			TradingSymbol: tsym,
			Token:         exch + "|" + strField(row, "token"),
			LotSize:       lot,
			Verified:      true,
		})
	}

	if r, ok := b.symbols.get(key); ok {
		return r, nil
	}
	if exchange == "NSE" && !strings.Contains(trading, "-") {
		if r, ok := b.symbols.get(JoinSymbol(exchange, trading+"-EQ")); ok {
			return r, nil
		}
	}
	return Resolution{}, resolutionErr(aliceName, "resolve", symbol)
}

func (b *AliceBlueBroker) GetProfile(ctx context.Context) (*models.Profile, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(aliceName, "get_profile")
	}
	resp, err := invoke(ctx, b.policy, "get_profile", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/customer/accountDetails", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}
	var exchanges []string
	for _, e := range listField(resp, "exchEnabled") {
		if s, ok := e.(string); ok {
			exchanges = append(exchanges, s)
		}
	}
	return &models.Profile{
		UserID:   orDefault(strField(resp, "accountId"), b.creds.UserID),
		Name:     strField(resp, "accountName"),
		Email:    strField(resp, "emailAddr"),
		Broker:   aliceName,
		Exchange: exchanges,
	}, nil
}

func (b *AliceBlueBroker) GetBalance(ctx context.Context, capitalReserve float64) (float64, error) {
	if !b.IsConnected() {
		return 0, notConnectedErr(aliceName, "get_balance")
	}
	resp, err := invoke(ctx, b.policy, "get_balance", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/limits/getRmsLimits", nil)
	}, b.classify)
	if err != nil {
		return 0, err
	}
	// The limits call answers a list of segment rows.
	for _, item := range listField(resp, "data") {
		row := asMap(item)
		if net := numField(row, "net"); net > 0 {
			return net * (1 - capitalReserve), nil
		}
	}
	return 0, nil
}

// GetHistory always degrades: ANT has no candle endpoint.
func (b *AliceBlueBroker) GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error) {
	b.log.Warn().Str("symbol", symbol).Msg("Historical data not available on aliceblue")
	return nil, unsupportedErr(aliceName, "get_history", "aliceblue has no historical data API")
}

func (b *AliceBlueBroker) GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error) {
	b.log.Warn().Str("symbol", symbol).Msg("Historical data not available on aliceblue")
	return nil, unsupportedErr(aliceName, "get_history", "aliceblue has no historical data API")
}

func (b *AliceBlueBroker) GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := b.GetOptionQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.LTP, nil
}

func (b *AliceBlueBroker) GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(aliceName, "get_quote")
	}
	res, err := b.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	exch, token := norenExchToken(res.Token)
	resp, err := invoke(ctx, b.policy, "get_quote", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/ScripDetails/getScripQuoteDetails", map[string]interface{}{
			"exch":  exch,
			"token": token,
		})
	}, b.classify)
	if err != nil {
		return nil, err
	}
	return &models.Quote{
		Symbol:   symbol,
		LTP:      numField(resp, "LTP"),
		Open:     numField(resp, "openPrice"),
		High:     numField(resp, "highPrice"),
		Low:      numField(resp, "lowPrice"),
		Close:    numField(resp, "previousClose"),
		BidPrice: numField(resp, "bestBuyPrice"),
		AskPrice: numField(resp, "bestSellPrice"),
		Volume:   intField(resp, "volume"),
		OI:       intField(resp, "openInterest"),
	}, nil
}

func (b *AliceBlueBroker) GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
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

func aliceProduct(p models.Product) string {
	switch p {
	case models.ProductDelivery:
		return "CNC"
	case models.ProductMargin:
		return "NRML"
	default:
		return "MIS"
	}
}

func aliceProductReverse(s string) models.Product {
	switch strings.ToUpper(s) {
	case "CNC":
		return models.ProductDelivery
	case "NRML":
		return models.ProductMargin
	default:
		return models.ProductIntraday
	}
}

func aliceOrderType(kind models.OrderKind) string {
	switch kind {
	case models.OrderLimit:
		return "L"
	case models.OrderStopLossMarket:
		return "SL-M"
	default:
		return "MKT"
	}
}

func aliceOrderTypeReverse(s string) models.OrderKind {
	switch strings.ToUpper(s) {
	case "L", "LMT", "LIMIT":
		return models.OrderLimit
	case "SL-M", "SL":
		return models.OrderStopLossMarket
	default:
		return models.OrderMarket
	}
}

// aliceOrderID digs the id out of whichever field the endpoint used.
func aliceOrderID(row map[string]interface{}) string {
	for _, key := range []string{"Nstordno", "nOrdNo", "order_id", "nestOrderNumber", "NOrdNo"} {
		if id := strField(row, key); id != "" {
			return id
		}
	}
	return ""
}

func (b *AliceBlueBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", notConnectedErr(aliceName, "place_order")
	}
	res, err := b.resolve(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	exch, token := norenExchToken(res.Token)
	order := map[string]interface{}{
		"complexty":    "regular",
		"discqty":      "0",
		"exch":         exch,
		"pCode":        aliceProduct(req.Product),
		"prctyp":       aliceOrderType(req.Kind),
		"price":        fmt.Sprint(req.Price),
		"qty":          req.Quantity,
		"ret":          orDefault(req.Validity, "DAY"),
		"symbol_id":    token,
		"trading_symbol": res.TradingSymbol,
		"transtype":    req.Side.String(),
		"triggerPrice": fmt.Sprint(req.TriggerPrice),
	}
	if req.Tag != "" {
		order["orderTag"] = req.Tag
	}
	// executePlaceOrder takes a batch; we send one.
	resp, err := invoke(ctx, b.policy, "place_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/placeOrder/executePlaceOrder", []interface{}{order})
	}, b.classify)
	if err != nil {
		return "", err
	}
	if rows := listField(resp, "data"); len(rows) > 0 {
		return aliceOrderID(asMap(rows[0])), nil
	}
	return aliceOrderID(resp), nil
}

func (b *AliceBlueBroker) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error {
	if !b.IsConnected() {
		return notConnectedErr(aliceName, "modify_order")
	}
	res, err := b.resolve(ctx, req.Symbol)
	if err != nil {
		return err
	}
	exch, token := norenExchToken(res.Token)
	_, err = invoke(ctx, b.policy, "modify_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/placeOrder/modifyOrder", map[string]interface{}{
			"transtype":      req.Side.String(),
			"discqty":        0,
			"exch":           exch,
			"trading_symbol": res.TradingSymbol,
			"symbol_id":      token,
			"nestOrderNumber": orderID,
			"prctyp":         aliceOrderType(req.Kind),
			"price":          fmt.Sprint(req.Price),
			"qty":            req.Quantity,
			"trigPrice":      fmt.Sprint(req.TriggerPrice),
			"pCode":          aliceProduct(req.Product),
		})
	}, b.classify)
	return err
}

func (b *AliceBlueBroker) CancelOrder(ctx context.Context, orderID string) error {
	if !b.IsConnected() {
		return notConnectedErr(aliceName, "cancel_order")
	}
	_, err := invoke(ctx, b.policy, "cancel_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/placeOrder/cancelOrder", map[string]interface{}{
			"nestOrderNumber": orderID,
		})
	}, b.classify)
	return err
}

func (b *AliceBlueBroker) ExitPosition(ctx context.Context, symbol string) error {
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
	return resolutionErr(aliceName, "exit_position", symbol)
}

func (b *AliceBlueBroker) AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Kind:         models.OrderStopLossMarket,
		Product:      models.ProductIntraday,
		Quantity:     quantity,
		TriggerPrice: triggerPrice,
	})
}

func (b *AliceBlueBroker) RemoveStopLoss(ctx context.Context, symbol string) error {
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
	return resolutionErr(aliceName, "remove_stoploss", symbol)
}

func (b *AliceBlueBroker) SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideSell,
		Kind:     models.OrderMarket,
		Product:  models.ProductIntraday,
		Quantity: quantity,
	})
}

func (b *AliceBlueBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(aliceName, "get_positions")
	}
	resp, err := invoke(ctx, b.policy, "get_positions", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/positionAndHoldings/positionBook", map[string]interface{}{
			"ret": "NET",
		})
	}, b.classify)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindResolution {
			return nil, nil
		}
		return nil, err
	}

	var out []models.Position
	for _, item := range listField(resp, "data") {
		row := asMap(item)
		qty := int(numField(row, "Netqty"))
		side := models.SideBuy
		if qty < 0 {
			side = models.SideSell
		}
		exchange := strings.ToUpper(strField(row, "Exchange"))
		out = append(out, models.Position{
			Symbol:       JoinSymbol(exchange, strField(row, "Tsym")),
			Exchange:     models.Exchange(exchange),
			Product:      aliceProductReverse(strField(row, "Pcode")),
			Quantity:     qty,
			BuyPrice:     numField(row, "Buyavgprc"),
			LastPrice:    numField(row, "LTP"),
			PnL:          numField(row, "MtoM"),
			PositionID:   strField(row, "Token"),
			TradingsSide: side,
		})
	}
	return out, nil
}

func (b *AliceBlueBroker) GetOrderbook(ctx context.Context) ([]models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(aliceName, "get_orderbook")
	}
	resp, err := invoke(ctx, b.policy, "get_orderbook", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/placeOrder/fetchOrderBook", nil)
	}, b.classify)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindResolution {
			return nil, nil
		}
		return nil, err
	}

	var out []models.Order
	for _, item := range listField(resp, "data") {
		out = append(out, aliceOrder(asMap(item)))
	}
	return out, nil
}

func (b *AliceBlueBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := b.GetOrderbook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, resolutionErr(aliceName, "get_order_status", orderID)
}

func aliceOrder(row map[string]interface{}) models.Order {
	side := models.SideBuy
	if strings.EqualFold(strField(row, "Trantype"), "S") ||
		strings.EqualFold(strField(row, "Trantype"), "SELL") {
		side = models.SideSell
	}
	exchange := strings.ToUpper(strField(row, "Exchange"))
	return models.Order{
		OrderID:       aliceOrderID(row),
		Symbol:        JoinSymbol(exchange, strField(row, "Trsym")),
		Exchange:      models.Exchange(exchange),
		Side:          side,
		Kind:          aliceOrderTypeReverse(strField(row, "Prctype")),
		Product:       aliceProductReverse(strField(row, "Pcode")),
		Status:        norenOrderStatus(strField(row, "Status")),
		Quantity:      int(numField(row, "Qty")),
		FilledQty:     int(numField(row, "Fillshares")),
		Price:         numField(row, "Prc"),
		TriggerPrice:  numField(row, "Trgprc"),
		AveragePrice:  numField(row, "Avgprc"),
		StatusMessage: strField(row, "RejReason"),
	}
}

// --- streaming ---

// aliceStream speaks the Noren websocket dialect; the session proof
// is a double SHA256 of the session id.
type aliceStream struct {
	broker *AliceBlueBroker
	sock   *vendorSocket
	cb     StreamCallbacks

	mu         sync.Mutex
	subscribed map[string]Resolution
}

func (b *AliceBlueBroker) CreateStream(callbacks StreamCallbacks) (Stream, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(aliceName, "create_stream")
	}
	s := &aliceStream{
		broker:     b,
		cb:         callbacks,
		subscribed: make(map[string]Resolution),
	}
	sock := newVendorSocket(aliceName, b.log)
	sock.dialInfo = func() (string, http.Header, error) {
		if !b.IsConnected() {
			return "", nil, apperrNotConnected
		}
		return aliceWSURL, nil, nil
	}
	sock.onOpen = func() error {
		b.mu.RLock()
		session := b.sessionID
		b.mu.RUnlock()
		return s.sock.sendJSON(map[string]interface{}{
			"t":          "c",
			"uid":        b.creds.UserID + "_API",
			"actid":      b.creds.UserID + "_API",
			"susertoken": sha256Hex(sha256Hex(session)),
			"source":     "API",
		})
	}
	sock.onMessage = func(_ int, data []byte) {
		m := rawToMap(data)
		if m == nil {
			return
		}
		switch strField(m, "t") {
		case "ck":
			if strings.EqualFold(strField(m, "s"), "OK") {
				if s.cb.OnConnect != nil {
					s.cb.OnConnect()
				}
				if err := s.resubscribe(); err != nil {
					b.log.Warn().Err(err).Msg("Resubscribe failed")
				}
			} else if s.cb.OnError != nil {
				s.cb.OnError(apperrors.NewBrokerError(aliceName, "stream", apperrors.KindAuthExpired, "", "feed handshake refused", nil))
			}
		default:
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

func (s *aliceStream) Connect(ctx context.Context) error {
	return s.sock.run(ctx)
}

func (s *aliceStream) Subscribe(symbols []string) error {
	var keys []string
	s.mu.Lock()
	for _, sym := range symbols {
		res, err := s.broker.resolve(context.Background(), sym)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.subscribed[res.Symbol] = res
		keys = append(keys, res.Token)
	}
	s.mu.Unlock()
	if len(keys) == 0 || !s.sock.isConnected() {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{"t": "t", "k": strings.Join(keys, "#")})
}

func (s *aliceStream) Unsubscribe(symbols []string) error {
	var keys []string
	s.mu.Lock()
	for _, sym := range symbols {
		res, err := s.broker.resolve(context.Background(), sym)
		if err != nil {
			continue
		}
		if r, ok := s.subscribed[res.Symbol]; ok {
			keys = append(keys, r.Token)
			delete(s.subscribed, res.Symbol)
		}
	}
	s.mu.Unlock()
	if len(keys) == 0 || !s.sock.isConnected() {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{"t": "u", "k": strings.Join(keys, "#")})
}

func (s *aliceStream) Disconnect() error {
	return s.sock.close()
}

func (s *aliceStream) resubscribe() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.subscribed))
	for _, r := range s.subscribed {
		keys = append(keys, r.Token)
	}
	s.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{"t": "t", "k": strings.Join(keys, "#")})
}

// NormalizeTick handles the Noren-dialect touchline frames the ANT
// feed sends.
func (b *AliceBlueBroker) NormalizeTick(raw interface{}) *models.Tick {
	m := rawToMap(raw)
	if m == nil {
		return nil
	}
	switch strField(m, "t") {
	case "sf", "tf", "if", "tk":
	default:
		return nil
	}
	exch := strings.ToUpper(strField(m, "e"))
	tk := strField(m, "tk")
	if exch == "" || tk == "" || !hasNum(m, "lp") {
		return nil
	}
	symbol, ok := b.symbols.symbolFor(exch + "|" + tk)
	if !ok {
		return nil
	}
	tick := &models.Tick{
		Symbol:    symbol,
		LTP:       numField(m, "lp"),
		BidPrice:  numField(m, "bp1"),
		AskPrice:  numField(m, "sp1"),
		Open:      numField(m, "o"),
		High:      numField(m, "h"),
		Low:       numField(m, "lo"),
		PrevClose: numField(m, "c"),
		Volume:    intField(m, "v"),
		OI:        intField(m, "oi"),
	}
	if ts := intField(m, "ft"); ts > 0 {
		tick.Timestamp = time.Unix(ts, 0)
	}
	return tick
}
