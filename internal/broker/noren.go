package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "multibroker-trader/internal/errors"
	"multibroker-trader/internal/models"
	"multibroker-trader/internal/store"
)

// norenCore is the shared half of the Noren-family adapters (Shoonya,
// FlatTrade). The wire format is identical across vendors: url-encoded
// posts of "jData={json}&jKey={session}", stat Ok/Not_Ok envelopes and
// the t:"c"/"t"/"u" websocket dialect. Vendors differ only in hosts
// and login, which the wrapping adapters supply.
type norenCore struct {
	name   string
	wsURL  string
	userID string

	mu    sync.RWMutex
	token string

	api     *restClient
	symbols *instrumentCache
	policy  *callPolicy
	store   store.TokenStore
	log     zerolog.Logger
}

func newNorenCore(name, apiBase, wsURL, userID string, opts AdapterOptions) *norenCore {
	c := &norenCore{
		name:    name,
		wsURL:   wsURL,
		userID:  userID,
		symbols: newInstrumentCache(),
		store:   opts.Store,
		log:     opts.Logger.With().Str("broker", name).Logger(),
	}
	c.policy = newCallPolicy(name, opts.RateLimit, opts.Logger)
	c.api = newRESTClient(apiBase, func() map[string]string { return nil })

	if token := restoreToken(opts.Store, name, c.log); token != nil {
		c.token = token.AccessToken
		c.log.Info().Msg("Session restored from store")
	}
	return c
}

func (c *norenCore) Name() string { return c.name }

func (c *norenCore) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

func (c *norenCore) setSession(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	persistToken(c.store, &store.Token{
		Broker:      c.name,
		AccessToken: token,
		SavedAt:     time.Now(),
		ExpiresAt:   istNextMorning(time.Now()),
	}, c.log)
}

func (c *norenCore) sessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *norenCore) Cleanup() error {
	if !c.IsConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.post(ctx, "Logout", map[string]interface{}{"uid": c.userID}); err != nil {
		c.log.Warn().Err(err).Msg("Logout call failed")
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	dropToken(c.store, c.name, c.log)
	return nil
}

// post issues one Noren request: jData is the JSON payload, jKey the
// session. Login-type calls pass withoutKey.
func (c *norenCore) post(ctx context.Context, endpoint string, payload map[string]interface{}) (map[string]interface{}, error) {
	return c.postWith(ctx, endpoint, payload, c.sessionToken())
}

func (c *norenCore) postWith(ctx context.Context, endpoint string, payload map[string]interface{}, key string) (map[string]interface{}, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	form := "jData=" + string(data)
	if key != "" {
		form += "&jKey=" + key
	}
	return c.api.postForm(ctx, "/"+endpoint, form)
}

// classify reads the stat/emsg envelope shared by all Noren backends.
func (c *norenCore) classify(resp map[string]interface{}, err error) verdict {
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
	// Bare-list responses (orderbook, positions) carry no stat.
	if stat == "" && resp["data"] != nil {
		return okVerdict()
	}
	emsg := strField(resp, "emsg")
	if containsAny(emsg, []string{"session", "token", "login", "invalid key", "invalid input : invalid session"}) {
		return authExpiredVerdict("", emsg)
	}
	if containsAny(emsg, []string{"no data", "no order", "no position"}) {
		return rejectVerdict(apperrors.KindResolution, "", emsg)
	}
	return rejectVerdict(apperrors.KindRejected, "", emsg)
}

func (c *norenCore) call(ctx context.Context, op, endpoint string, payload map[string]interface{}) (map[string]interface{}, error) {
	return invoke(ctx, c.policy, op, func(ctx context.Context) (map[string]interface{}, error) {
		return c.post(ctx, endpoint, payload)
	}, c.classify)
}

// resolve looks a symbol up through SearchScrip, caching the vendor
// token as "EXCH|token" so the websocket key is ready-made.
func (c *norenCore) resolve(ctx context.Context, symbol string) (Resolution, error) {
	exchange, trading := SplitSymbol(symbol)
	key := JoinSymbol(exchange, trading)
	if r, ok := c.symbols.get(key); ok {
		return r, nil
	}

	resp, err := c.call(ctx, "search_scrip", "SearchScrip", map[string]interface{}{
		"uid":   c.userID,
		"exch":  exchange,
		"stext": trading,
	})
	if err != nil {
		return Resolution{}, err
	}
	for _, item := range listField(resp, "values") {
		row := asMap(item)
		tsym := strings.ToUpper(strField(row, "tsym"))
		exch := strings.ToUpper(strField(row, "exch"))
		lot, _ := strconv.Atoi(strField(row, "ls"))
		r := Resolution{
			Symbol:        JoinSymbol(exch, tsym),
			Exchange:      exch,
			TradingSymbol: tsym,
			Token:         exch + "|" + strField(row, "token"),
			LotSize:       lot,
			Verified:      true,
		}
		c.symbols.put(r)
	}

	if r, ok := c.symbols.get(key); ok {
		return r, nil
	}
	// Equity listings carry an -EQ suffix.
	if exchange == "NSE" && !strings.Contains(trading, "-") {
		if r, ok := c.symbols.get(JoinSymbol(exchange, trading+"-EQ")); ok {
			return r, nil
		}
	}
	return Resolution{}, resolutionErr(c.name, "resolve", symbol)
}

// norenExchToken splits the cached "EXCH|token" form.
func norenExchToken(token string) (string, string) {
	if i := strings.IndexByte(token, '|'); i >= 0 {
		return token[:i], token[i+1:]
	}
	return "", token
}

func (c *norenCore) GetProfile(ctx context.Context) (*models.Profile, error) {
	if !c.IsConnected() {
		return nil, notConnectedErr(c.name, "get_profile")
	}
	resp, err := c.call(ctx, "get_profile", "UserDetails", map[string]interface{}{"uid": c.userID})
	if err != nil {
		return nil, err
	}
	var exchanges []string
	for _, e := range listField(resp, "exarr") {
		if s, ok := e.(string); ok {
			exchanges = append(exchanges, s)
		}
	}
	return &models.Profile{
		UserID:   strField(resp, "actid"),
		Name:     strField(resp, "uname"),
		Email:    strField(resp, "email"),
		Broker:   c.name,
		Exchange: exchanges,
	}, nil
}

func (c *norenCore) GetBalance(ctx context.Context, capitalReserve float64) (float64, error) {
	if !c.IsConnected() {
		return 0, notConnectedErr(c.name, "get_balance")
	}
	resp, err := c.call(ctx, "get_balance", "Limits", map[string]interface{}{
		"uid":   c.userID,
		"actid": c.userID,
	})
	if err != nil {
		return 0, err
	}
	available := numField(resp, "cash") + numField(resp, "payin") - numField(resp, "marginused")
	return available * (1 - capitalReserve), nil
}

func norenInterval(resolution string) string {
	switch strings.ToUpper(resolution) {
	case "1", "3", "5", "10", "15", "30", "60", "120", "240":
		return strings.ToUpper(resolution)
	default:
		return "5"
	}
}

func (c *norenCore) GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)
	return c.GetHistoryForTimeframe(ctx, symbol, resolution, from, to)
}

func (c *norenCore) GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error) {
	if !c.IsConnected() {
		return nil, notConnectedErr(c.name, "get_history")
	}
	res, err := c.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if isDailyResolution(resolution) {
		return c.dailyHistory(ctx, res, from, to)
	}

	exch, token := norenExchToken(res.Token)
	resp, err := c.call(ctx, "get_history", "TPSeries", map[string]interface{}{
		"uid":   c.userID,
		"exch":  exch,
		"token": token,
		"st":    strconv.FormatInt(from.Unix(), 10),
		"et":    strconv.FormatInt(to.Unix(), 10),
		"intrv": norenInterval(resolution),
	})
	if err != nil {
		return nil, err
	}

	var candles []models.Candle
	for _, item := range listField(resp, "data") {
		row := asMap(item)
		stamp, _ := time.ParseInLocation("02-01-2006 15:04:05", strField(row, "time"), indiaLocation())
		candles = append(candles, models.Candle{
			Timestamp: stamp,
			Open:      numField(row, "into"),
			High:      numField(row, "inth"),
			Low:       numField(row, "intl"),
			Close:     numField(row, "intc"),
			Volume:    intField(row, "intv"),
		})
	}
	// TPSeries returns newest-first.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

func (c *norenCore) dailyHistory(ctx context.Context, res Resolution, from, to time.Time) ([]models.Candle, error) {
	resp, err := c.call(ctx, "get_history", "EODChartData", map[string]interface{}{
		"sym":  res.Exchange + ":" + res.TradingSymbol,
		"from": strconv.FormatInt(from.Unix(), 10),
		"to":   strconv.FormatInt(to.Unix(), 10),
	})
	if err != nil {
		return nil, err
	}
	var candles []models.Candle
	for _, item := range listField(resp, "data") {
		// Rows may arrive as objects or as embedded JSON strings.
		row := asMap(item)
		if row == nil {
			if s, ok := item.(string); ok {
				row = rawToMap(s)
			}
		}
		if row == nil {
			continue
		}
		stamp, err := time.ParseInLocation("02-Jan-2006", strField(row, "time"), indiaLocation())
		if err != nil {
			stamp, _ = time.ParseInLocation("2-Jan-2006", strField(row, "time"), indiaLocation())
		}
		candles = append(candles, models.Candle{
			Timestamp: stamp,
			Open:      numField(row, "into"),
			High:      numField(row, "inth"),
			Low:       numField(row, "intl"),
			Close:     numField(row, "intc"),
			Volume:    intField(row, "intv"),
		})
	}
	return candles, nil
}

func (c *norenCore) GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := c.GetOptionQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.LTP, nil
}

func (c *norenCore) GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if !c.IsConnected() {
		return nil, notConnectedErr(c.name, "get_quote")
	}
	res, err := c.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	exch, token := norenExchToken(res.Token)
	resp, err := c.call(ctx, "get_quote", "GetQuotes", map[string]interface{}{
		"uid":   c.userID,
		"exch":  exch,
		"token": token,
	})
	if err != nil {
		return nil, err
	}
	return &models.Quote{
		Symbol:   symbol,
		LTP:      numField(resp, "lp"),
		Open:     numField(resp, "o"),
		High:     numField(resp, "h"),
		Low:      numField(resp, "l"),
		Close:    numField(resp, "c"),
		BidPrice: numField(resp, "bp1"),
		AskPrice: numField(resp, "sp1"),
		Volume:   intField(resp, "v"),
		OI:       intField(resp, "oi"),
	}, nil
}

func (c *norenCore) GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		q, err := c.GetOptionQuote(ctx, s)
		if err != nil {
			if apperrors.IsAuthExpired(err) {
				return nil, err
			}
			c.log.Warn().Err(err).Str("symbol", s).Msg("Quote fetch failed")
			continue
		}
		out[s] = *q
	}
	return out, nil
}

func norenProduct(p models.Product) string {
	switch p {
	case models.ProductDelivery:
		return "C"
	case models.ProductMargin:
		return "M"
	default:
		return "I"
	}
}

func norenProductReverse(s string) models.Product {
	switch strings.ToUpper(s) {
	case "C":
		return models.ProductDelivery
	case "M":
		return models.ProductMargin
	default:
		return models.ProductIntraday
	}
}

func norenOrderType(kind models.OrderKind) string {
	switch kind {
	case models.OrderLimit:
		return "LMT"
	case models.OrderStopLossMarket:
		return "SL-MKT"
	default:
		return "MKT"
	}
}

func norenOrderTypeReverse(s string) models.OrderKind {
	switch strings.ToUpper(s) {
	case "LMT":
		return models.OrderLimit
	case "SL-MKT", "SL-LMT":
		return models.OrderStopLossMarket
	default:
		return models.OrderMarket
	}
}

func norenSide(side models.Side) string {
	if side == models.SideSell {
		return "S"
	}
	return "B"
}

func norenOrderStatus(s string) models.OrderStatus {
	switch strings.ToUpper(s) {
	case "COMPLETE":
		return models.OrderStatusComplete
	case "CANCELED", "CANCELLED":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	case "OPEN", "TRIGGER_PENDING":
		return models.OrderStatusOpen
	default:
		return models.OrderStatusPending
	}
}

func (c *norenCore) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if !c.IsConnected() {
		return "", notConnectedErr(c.name, "place_order")
	}
	res, err := c.resolve(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	exch, _ := norenExchToken(res.Token)
	payload := map[string]interface{}{
		"uid":      c.userID,
		"actid":    c.userID,
		"exch":     exch,
		"tsym":     res.TradingSymbol,
		"qty":      strconv.Itoa(req.Quantity),
		"prc":      strconv.FormatFloat(req.Price, 'f', 2, 64),
		"prd":      norenProduct(req.Product),
		"trantype": norenSide(req.Side),
		"prctyp":   norenOrderType(req.Kind),
		"ret":      orDefault(req.Validity, "DAY"),
	}
	if req.TriggerPrice > 0 {
		payload["trgprc"] = strconv.FormatFloat(req.TriggerPrice, 'f', 2, 64)
	}
	if req.Tag != "" {
		payload["remarks"] = req.Tag
	}
	resp, err := c.call(ctx, "place_order", "PlaceOrder", payload)
	if err != nil {
		return "", err
	}
	return strField(resp, "norenordno"), nil
}

func (c *norenCore) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error {
	if !c.IsConnected() {
		return notConnectedErr(c.name, "modify_order")
	}
	res, err := c.resolve(ctx, req.Symbol)
	if err != nil {
		return err
	}
	exch, _ := norenExchToken(res.Token)
	payload := map[string]interface{}{
		"uid":        c.userID,
		"norenordno": orderID,
		"exch":       exch,
		"tsym":       res.TradingSymbol,
		"qty":        strconv.Itoa(req.Quantity),
		"prc":        strconv.FormatFloat(req.Price, 'f', 2, 64),
		"prctyp":     norenOrderType(req.Kind),
		"ret":        orDefault(req.Validity, "DAY"),
	}
	if req.TriggerPrice > 0 {
		payload["trgprc"] = strconv.FormatFloat(req.TriggerPrice, 'f', 2, 64)
	}
	_, err = c.call(ctx, "modify_order", "ModifyOrder", payload)
	return err
}

func (c *norenCore) CancelOrder(ctx context.Context, orderID string) error {
	if !c.IsConnected() {
		return notConnectedErr(c.name, "cancel_order")
	}
	_, err := c.call(ctx, "cancel_order", "CancelOrder", map[string]interface{}{
		"uid":        c.userID,
		"norenordno": orderID,
	})
	return err
}

func (c *norenCore) ExitPosition(ctx context.Context, symbol string) error {
	positions, err := c.GetPositions(ctx)
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
		_, err := c.PlaceOrder(ctx, models.OrderRequest{
			Symbol:   p.Symbol,
			Side:     side,
			Kind:     models.OrderMarket,
			Product:  p.Product,
			Quantity: qty,
		})
		return err
	}
	return resolutionErr(c.name, "exit_position", symbol)
}

func (c *norenCore) AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error) {
	return c.PlaceOrder(ctx, models.OrderRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Kind:         models.OrderStopLossMarket,
		Product:      models.ProductIntraday,
		Quantity:     quantity,
		TriggerPrice: triggerPrice,
	})
}

func (c *norenCore) RemoveStopLoss(ctx context.Context, symbol string) error {
	orders, err := c.GetOrderbook(ctx)
	if err != nil {
		return err
	}
	_, want := SplitSymbol(symbol)
	for _, o := range orders {
		_, have := SplitSymbol(o.Symbol)
		if have == want && o.Kind == models.OrderStopLossMarket &&
			(o.Status == models.OrderStatusPending || o.Status == models.OrderStatusOpen) {
			return c.CancelOrder(ctx, o.OrderID)
		}
	}
	return resolutionErr(c.name, "remove_stoploss", symbol)
}

func (c *norenCore) SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error) {
	return c.PlaceOrder(ctx, models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideSell,
		Kind:     models.OrderMarket,
		Product:  models.ProductIntraday,
		Quantity: quantity,
	})
}

func (c *norenCore) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !c.IsConnected() {
		return nil, notConnectedErr(c.name, "get_positions")
	}
	resp, err := c.call(ctx, "get_positions", "PositionBook", map[string]interface{}{
		"uid":   c.userID,
		"actid": c.userID,
	})
	if err != nil {
		// An empty book comes back as "no data".
		if apperrors.KindOf(err) == apperrors.KindResolution {
			return nil, nil
		}
		return nil, err
	}

	var out []models.Position
	for _, item := range listField(resp, "data") {
		row := asMap(item)
		qty := int(numField(row, "netqty"))
		side := models.SideBuy
		if qty < 0 {
			side = models.SideSell
		}
		exchange := strings.ToUpper(strField(row, "exch"))
		out = append(out, models.Position{
			Symbol:       JoinSymbol(exchange, strField(row, "tsym")),
			Exchange:     models.Exchange(exchange),
			Product:      norenProductReverse(strField(row, "prd")),
			Quantity:     qty,
			BuyPrice:     numField(row, "netavgprc"),
			LastPrice:    numField(row, "lp"),
			PnL:          numField(row, "rpnl") + numField(row, "urmtom"),
			PositionID:   strField(row, "token"),
			TradingsSide: side,
		})
	}
	return out, nil
}

func (c *norenCore) GetOrderbook(ctx context.Context) ([]models.Order, error) {
	if !c.IsConnected() {
		return nil, notConnectedErr(c.name, "get_orderbook")
	}
	resp, err := c.call(ctx, "get_orderbook", "OrderBook", map[string]interface{}{"uid": c.userID})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindResolution {
			return nil, nil
		}
		return nil, err
	}

	var out []models.Order
	for _, item := range listField(resp, "data") {
		out = append(out, norenOrder(asMap(item)))
	}
	return out, nil
}

func (c *norenCore) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := c.GetOrderbook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, resolutionErr(c.name, "get_order_status", orderID)
}

func norenOrder(row map[string]interface{}) models.Order {
	side := models.SideBuy
	if strings.EqualFold(strField(row, "trantype"), "S") {
		side = models.SideSell
	}
	exchange := strings.ToUpper(strField(row, "exch"))
	return models.Order{
		OrderID:       strField(row, "norenordno"),
		Symbol:        JoinSymbol(exchange, strField(row, "tsym")),
		Exchange:      models.Exchange(exchange),
		Side:          side,
		Kind:          norenOrderTypeReverse(strField(row, "prctyp")),
		Product:       norenProductReverse(strField(row, "prd")),
		Status:        norenOrderStatus(strField(row, "status")),
		Quantity:      int(numField(row, "qty")),
		FilledQty:     int(numField(row, "fillshares")),
		Price:         numField(row, "prc"),
		TriggerPrice:  numField(row, "trgprc"),
		AveragePrice:  numField(row, "avgprc"),
		StatusMessage: strField(row, "rejreason"),
	}
}

// --- streaming ---

type norenStream struct {
	core *norenCore
	sock *vendorSocket
	cb   StreamCallbacks

	mu         sync.Mutex
	subscribed map[string]Resolution
}

func (c *norenCore) CreateStream(callbacks StreamCallbacks) (Stream, error) {
	if !c.IsConnected() {
		return nil, notConnectedErr(c.name, "create_stream")
	}
	s := &norenStream{
		core:       c,
		cb:         callbacks,
		subscribed: make(map[string]Resolution),
	}
	sock := newVendorSocket(c.name, c.log)
	sock.dialInfo = func() (string, http.Header, error) {
		if !c.IsConnected() {
			return "", nil, apperrNotConnected
		}
		return c.wsURL, nil, nil
	}
	// The connect ack (t:"ck") triggers resubscription, so onOpen only
	// sends the handshake.
	sock.onOpen = func() error {
		return s.sock.sendJSON(map[string]interface{}{
			"t":          "c",
			"uid":        c.userID,
			"actid":      c.userID,
			"susertoken": c.sessionToken(),
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
					c.log.Warn().Err(err).Msg("Resubscribe failed")
				}
			} else if s.cb.OnError != nil {
				s.cb.OnError(apperrors.NewBrokerError(c.name, "stream", apperrors.KindAuthExpired, "", "feed handshake refused", nil))
			}
		case "om", "ok":
			if s.cb.OnOrderEvent != nil {
				s.cb.OnOrderEvent(m)
			}
		default:
			if tick := c.NormalizeTick(m); tick != nil && s.cb.OnTick != nil {
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

func (s *norenStream) Connect(ctx context.Context) error {
	return s.sock.run(ctx)
}

func (s *norenStream) Subscribe(symbols []string) error {
	var keys []string
	s.mu.Lock()
	for _, sym := range symbols {
		res, err := s.core.resolve(context.Background(), sym)
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

func (s *norenStream) Unsubscribe(symbols []string) error {
	var keys []string
	s.mu.Lock()
	for _, sym := range symbols {
		res, err := s.core.resolve(context.Background(), sym)
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

func (s *norenStream) Disconnect() error {
	return s.sock.close()
}

func (s *norenStream) resubscribe() error {
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

// NormalizeTick handles the touchline family: t is "sf"/"tf" for
// scrips and "if" for indices. Everything arrives as strings.
func (c *norenCore) NormalizeTick(raw interface{}) *models.Tick {
	m := rawToMap(raw)
	if m == nil {
		return nil
	}
	switch strField(m, "t") {
	case "sf", "tf", "if":
	default:
		return nil
	}
	exch := strings.ToUpper(strField(m, "e"))
	tk := strField(m, "tk")
	if exch == "" || tk == "" || !hasNum(m, "lp") {
		return nil
	}
	symbol, ok := c.symbols.symbolFor(exch + "|" + tk)
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
