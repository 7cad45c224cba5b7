package broker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog"

	"multibroker-trader/internal/config"
	apperrors "multibroker-trader/internal/errors"
	"multibroker-trader/internal/models"
	"multibroker-trader/internal/store"
)

const (
	dhanName      = "dhan"
	dhanAPIBase   = "https://api.dhan.co/v2"
	dhanScripURL  = "https://images.dhan.co/api-data/api-scrip-master.csv"
	dhanFeedWSURL = "wss://api-feed.dhan.co"
)

// DhanBroker talks to the DhanHQ v2 API. Dhan issues a long-lived
// static token, so there is no interactive login.
type DhanBroker struct {
	clientID string

	mu          sync.RWMutex
	accessToken string

	api     *restClient
	symbols *instrumentCache
	policy  *callPolicy
	store   store.TokenStore
	log     zerolog.Logger
}

var _ Broker = (*DhanBroker)(nil)

// NewDhanBroker builds the adapter. The static token comes from the
// credentials file or, failing that, the token store. Construction
// never touches the network, so a missing token simply leaves the
// adapter disconnected.
func NewDhanBroker(creds config.DhanCredentials, opts AdapterOptions) *DhanBroker {
	b := &DhanBroker{
		clientID:    creds.ClientID,
		accessToken: creds.AccessToken,
		symbols:     newInstrumentCache(),
		store:       opts.Store,
		log:         opts.Logger.With().Str("broker", dhanName).Logger(),
	}
	b.policy = newCallPolicy(dhanName, opts.RateLimit, opts.Logger)
	b.api = newRESTClient(dhanAPIBase, b.authHeaders)

	if b.accessToken == "" {
		if token := restoreToken(opts.Store, dhanName, b.log); token != nil {
			b.accessToken = token.AccessToken
		}
	}
	if b.accessToken == "" {
		b.log.Info().Msg("No static token configured; broker starts disconnected")
	}
	return b
}

func (b *DhanBroker) authHeaders() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]string{
		"access-token": b.accessToken,
		"client-id":    b.clientID,
	}
}

func (b *DhanBroker) Name() string { return dhanName }

func (b *DhanBroker) LoginURL() (string, error) {
	return "", unsupportedErr(dhanName, "login_url", "dhan uses a static token from the web console")
}

// Login validates that a static token is present.
func (b *DhanBroker) Login(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}
	return apperrors.NewBrokerError(dhanName, "login", apperrors.KindAuthExpired, "",
		"no static token configured", nil)
}

// CompleteLogin stores a freshly issued static token.
func (b *DhanBroker) CompleteLogin(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return malformedErr(dhanName, "complete_login", "empty token")
	}
	b.mu.Lock()
	b.accessToken = token
	b.mu.Unlock()
	persistToken(b.store, &store.Token{Broker: dhanName, AccessToken: token}, b.log)
	return nil
}

func (b *DhanBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accessToken != ""
}

func (b *DhanBroker) Cleanup() error { return nil }

// classify maps a Dhan envelope ({status, remarks, data}) onto the
// shared policy.
func (b *DhanBroker) classify(resp map[string]interface{}, err error) verdict {
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

	status := strings.ToLower(strField(resp, "status"))
	if status == "success" || status == "" && resp["data"] != nil {
		return okVerdict()
	}

	remarks := strField(resp, "remarks")
	if remarks == "" {
		remarks = strField(asMap(resp["remarks"]), "error_message")
	}
	if containsAny(remarks, []string{"unauthori", "invalid token", "token expired"}) {
		return authExpiredVerdict("", remarks)
	}
	return rejectVerdict(apperrors.KindRejected, strField(resp, "errorCode"), remarks)
}

// dhanSegment maps a canonical exchange to Dhan's segment enum.
func dhanSegment(exchange string) string {
	switch exchange {
	case "NFO":
		return "NSE_FNO"
	case "BSE":
		return "BSE_EQ"
	default:
		return "NSE_EQ"
	}
}

// dhanScrip is one row of the published scrip master.
type dhanScrip struct {
	ExchangeID    string `csv:"SEM_EXM_EXCH_ID"`
	Segment       string `csv:"SEM_SEGMENT"`
	SecurityID    string `csv:"SEM_SMST_SECURITY_ID"`
	TradingSymbol string `csv:"SEM_TRADING_SYMBOL"`
	LotUnits      int    `csv:"SEM_LOT_UNITS"`
}

func (b *DhanBroker) loadInstruments(ctx context.Context) error {
	if b.symbols.isLoaded() {
		return nil
	}
	data, err := b.api.getRaw(ctx, dhanScripURL)
	if err != nil {
		return apperrors.NewBrokerError(dhanName, "load_instruments", apperrors.KindTransient, "", "scrip master download failed", err)
	}
	var rows []dhanScrip
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return malformedErr(dhanName, "load_instruments", "scrip master parse failed")
	}
	for _, row := range rows {
		exchange := "NSE"
		switch {
		case row.ExchangeID == "BSE":
			exchange = "BSE"
		case strings.EqualFold(row.Segment, "D"): // derivatives
			exchange = "NFO"
		}
		b.symbols.put(Resolution{
			Symbol:        JoinSymbol(exchange, row.TradingSymbol),
			Exchange:      exchange,
			TradingSymbol: strings.ToUpper(row.TradingSymbol),
			Token:         row.SecurityID,
			LotSize:       row.LotUnits,
			Verified:      true,
		})
	}
	b.symbols.markLoaded()
	b.log.Info().Int("instruments", b.symbols.size()).Msg("Scrip master loaded")
	return nil
}

// resolve maps a canonical symbol to a Dhan security id. Unresolved
// symbols fall back to treating the raw input as a security id, with
// a warning.
func (b *DhanBroker) resolve(ctx context.Context, symbol string) Resolution {
	exchange, trading := SplitSymbol(symbol)
	key := JoinSymbol(exchange, trading)
	if r, ok := b.symbols.get(key); ok {
		return r
	}
	if err := b.loadInstruments(ctx); err == nil {
		if r, ok := b.symbols.get(key); ok {
			return r
		}
	}
	b.log.Warn().Str("symbol", symbol).Msg("Symbol not in scrip master; treating as raw security id")
	return Resolution{
		Symbol:        key,
		Exchange:      exchange,
		TradingSymbol: trading,
		Token:         trading,
		Verified:      false,
	}
}

func (b *DhanBroker) GetProfile(ctx context.Context) (*models.Profile, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(dhanName, "get_profile")
	}
	resp, err := invoke(ctx, b.policy, "get_profile", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/profile", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}
	data := mapField(resp, "data")
	if data == nil {
		data = resp
	}
	return &models.Profile{
		UserID: strField(data, "dhanClientId"),
		Name:   strField(data, "clientName"),
		Broker: dhanName,
	}, nil
}

func (b *DhanBroker) GetBalance(ctx context.Context, capitalReserve float64) (float64, error) {
	if !b.IsConnected() {
		return 0, notConnectedErr(dhanName, "get_balance")
	}
	resp, err := invoke(ctx, b.policy, "get_balance", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/fundlimit", nil)
	}, b.classify)
	if err != nil {
		return 0, err
	}
	data := mapField(resp, "data")
	if data == nil {
		data = resp
	}
	// The field name carries the vendor's own spelling.
	balance := numField(data, "availabelBalance")
	if balance == 0 {
		balance = numField(data, "availableBalance")
	}
	return balance * (1 - capitalReserve), nil
}

func (b *DhanBroker) GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)
	return b.GetHistoryForTimeframe(ctx, symbol, resolution, from, to)
}

func (b *DhanBroker) GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(dhanName, "get_history")
	}
	res := b.resolve(ctx, symbol)

	path := "/charts/intraday"
	body := map[string]interface{}{
		"securityId":      res.Token,
		"exchangeSegment": dhanSegment(res.Exchange),
		"instrument":      dhanInstrumentKind(res.Exchange),
		"fromDate":        from.Format("2006-01-02"),
		"toDate":          to.Format("2006-01-02"),
	}
	if isDailyResolution(resolution) {
		path = "/charts/historical"
	} else {
		body["interval"] = resolution
	}

	resp, err := invoke(ctx, b.policy, "get_history", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, path, body)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	data := mapField(resp, "data")
	if data == nil {
		data = resp
	}
	// Dhan returns parallel arrays.
	opens := listField(data, "open")
	highs := listField(data, "high")
	lows := listField(data, "low")
	closes := listField(data, "close")
	volumes := listField(data, "volume")
	stamps := listField(data, "timestamp")

	n := len(opens)
	if len(stamps) < n {
		n = len(stamps)
	}
	candles := make([]models.Candle, 0, n)
	for i := 0; i < n; i++ {
		candle := models.Candle{
			Timestamp: time.Unix(int64(toFloat(stamps[i])), 0),
			Open:      toFloat(opens[i]),
		}
		if i < len(highs) {
			candle.High = toFloat(highs[i])
		}
		if i < len(lows) {
			candle.Low = toFloat(lows[i])
		}
		if i < len(closes) {
			candle.Close = toFloat(closes[i])
		}
		if i < len(volumes) {
			candle.Volume = int64(toFloat(volumes[i]))
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func isDailyResolution(resolution string) bool {
	switch strings.ToUpper(resolution) {
	case "D", "1D", "DAY":
		return true
	default:
		return false
	}
}

func dhanInstrumentKind(exchange string) string {
	if exchange == "NFO" {
		return "OPTIDX"
	}
	return "EQUITY"
}

func (b *DhanBroker) GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := b.GetOptionQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.LTP, nil
}

func (b *DhanBroker) GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	quotes, err := b.GetOptionChainQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if q, ok := quotes[symbol]; ok {
		return &q, nil
	}
	return nil, resolutionErr(dhanName, "get_quote", symbol)
}

func (b *DhanBroker) GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(dhanName, "get_quotes")
	}

	// Group security ids by segment, remembering the reverse mapping.
	bySegment := make(map[string][]string)
	symbolFor := make(map[string]string)
	for _, s := range symbols {
		res := b.resolve(ctx, s)
		seg := dhanSegment(res.Exchange)
		bySegment[seg] = append(bySegment[seg], res.Token)
		symbolFor[seg+":"+res.Token] = s
	}

	body := make(map[string]interface{}, len(bySegment))
	for seg, ids := range bySegment {
		body[seg] = ids
	}
	resp, err := invoke(ctx, b.policy, "get_quotes", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/marketfeed/quote", body)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.Quote)
	data := mapField(resp, "data")
	for seg, inner := range data {
		segMap := asMap(inner)
		for secID, rawQuote := range segMap {
			q := asMap(rawQuote)
			symbol, ok := symbolFor[seg+":"+secID]
			if !ok {
				continue
			}
			ohlc := mapField(q, "ohlc")
			out[symbol] = models.Quote{
				Symbol:   symbol,
				LTP:      numField(q, "last_price"),
				Open:     numField(ohlc, "open"),
				High:     numField(ohlc, "high"),
				Low:      numField(ohlc, "low"),
				Close:    numField(ohlc, "close"),
				Volume:   intField(q, "volume"),
				OI:       intField(q, "oi"),
				Change:   numField(q, "net_change"),
			}
		}
	}
	return out, nil
}

func (b *DhanBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", notConnectedErr(dhanName, "place_order")
	}
	res := b.resolve(ctx, req.Symbol)
	body := map[string]interface{}{
		"dhanClientId":    b.clientID,
		"transactionType": req.Side.String(),
		"exchangeSegment": dhanSegment(res.Exchange),
		"productType":     dhanProduct(req.Product),
		"orderType":       dhanOrderType(req.Kind),
		"validity":        orDefault(req.Validity, "DAY"),
		"securityId":      res.Token,
		"quantity":        req.Quantity,
		"price":           req.Price,
		"triggerPrice":    req.TriggerPrice,
	}
	resp, err := invoke(ctx, b.policy, "place_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/orders", body)
	}, b.classify)
	if err != nil {
		return "", err
	}
	data := mapField(resp, "data")
	if data == nil {
		data = resp
	}
	return strField(data, "orderId"), nil
}

func (b *DhanBroker) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error {
	if !b.IsConnected() {
		return notConnectedErr(dhanName, "modify_order")
	}
	body := map[string]interface{}{
		"dhanClientId": b.clientID,
		"orderId":      orderID,
		"validity":     orDefault(req.Validity, "DAY"),
	}
	if req.Quantity > 0 {
		body["quantity"] = req.Quantity
	}
	if req.Price > 0 {
		body["price"] = req.Price
	}
	if req.TriggerPrice > 0 {
		body["triggerPrice"] = req.TriggerPrice
	}
	if req.Kind != 0 {
		body["orderType"] = dhanOrderType(req.Kind)
	}
	_, err := invoke(ctx, b.policy, "modify_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.putJSON(ctx, "/orders/"+orderID, body)
	}, b.classify)
	return err
}

func (b *DhanBroker) CancelOrder(ctx context.Context, orderID string) error {
	if !b.IsConnected() {
		return notConnectedErr(dhanName, "cancel_order")
	}
	_, err := invoke(ctx, b.policy, "cancel_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.deleteJSON(ctx, "/orders/"+orderID, nil)
	}, b.classify)
	return err
}

func (b *DhanBroker) ExitPosition(ctx context.Context, symbol string) error {
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
	return resolutionErr(dhanName, "exit_position", symbol)
}

func (b *DhanBroker) AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Kind:         models.OrderStopLossMarket,
		Product:      models.ProductIntraday,
		Quantity:     quantity,
		TriggerPrice: triggerPrice,
	})
}

func (b *DhanBroker) RemoveStopLoss(ctx context.Context, symbol string) error {
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
	return resolutionErr(dhanName, "remove_stoploss", symbol)
}

func (b *DhanBroker) SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideSell,
		Kind:     models.OrderMarket,
		Product:  models.ProductIntraday,
		Quantity: quantity,
	})
}

func (b *DhanBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(dhanName, "get_positions")
	}
	resp, err := invoke(ctx, b.policy, "get_positions", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/positions", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	rows := listField(resp, "data")
	var out []models.Position
	for _, item := range rows {
		row := asMap(item)
		qty := int(numField(row, "netQty"))
		side := models.SideBuy
		if qty < 0 {
			side = models.SideSell
		}
		exchange := dhanSegmentReverse(strField(row, "exchangeSegment"))
		out = append(out, models.Position{
			Symbol:       JoinSymbol(exchange, strField(row, "tradingSymbol")),
			Exchange:     models.Exchange(exchange),
			Product:      dhanProductReverse(strField(row, "productType")),
			Quantity:     qty,
			BuyPrice:     numField(row, "buyAvg"),
			LastPrice:    numField(row, "lastTradedPrice"),
			PnL:          numField(row, "unrealizedProfit"),
			PositionID:   strField(row, "securityId"),
			TradingsSide: side,
		})
	}
	return out, nil
}

func (b *DhanBroker) GetOrderbook(ctx context.Context) ([]models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(dhanName, "get_orderbook")
	}
	resp, err := invoke(ctx, b.policy, "get_orderbook", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/orders", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	var out []models.Order
	for _, item := range listField(resp, "data") {
		out = append(out, dhanOrder(asMap(item)))
	}
	return out, nil
}

func (b *DhanBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(dhanName, "get_order_status")
	}
	resp, err := invoke(ctx, b.policy, "get_order_status", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/orders/"+orderID, nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}
	data := mapField(resp, "data")
	if data == nil {
		rows := listField(resp, "data")
		if len(rows) > 0 {
			data = asMap(rows[0])
		}
	}
	if data == nil {
		return nil, resolutionErr(dhanName, "get_order_status", orderID)
	}
	order := dhanOrder(data)
	return &order, nil
}

func dhanOrder(row map[string]interface{}) models.Order {
	side := models.SideBuy
	if strings.EqualFold(strField(row, "transactionType"), "SELL") {
		side = models.SideSell
	}
	exchange := dhanSegmentReverse(strField(row, "exchangeSegment"))
	return models.Order{
		OrderID:       strField(row, "orderId"),
		Symbol:        JoinSymbol(exchange, strField(row, "tradingSymbol")),
		Exchange:      models.Exchange(exchange),
		Side:          side,
		Kind:          dhanOrderTypeReverse(strField(row, "orderType")),
		Product:       dhanProductReverse(strField(row, "productType")),
		Status:        dhanOrderStatus(strField(row, "orderStatus")),
		Quantity:      int(numField(row, "quantity")),
		FilledQty:     int(numField(row, "filledQty")),
		Price:         numField(row, "price"),
		TriggerPrice:  numField(row, "triggerPrice"),
		AveragePrice:  numField(row, "averageTradedPrice"),
		StatusMessage: strField(row, "omsErrorDescription"),
	}
}

func dhanProduct(p models.Product) string {
	switch p {
	case models.ProductDelivery:
		return "CNC"
	case models.ProductMargin:
		return "MARGIN"
	default:
		return "INTRADAY"
	}
}

func dhanProductReverse(s string) models.Product {
	switch strings.ToUpper(s) {
	case "CNC":
		return models.ProductDelivery
	case "MARGIN":
		return models.ProductMargin
	default:
		return models.ProductIntraday
	}
}

func dhanOrderType(kind models.OrderKind) string {
	switch kind {
	case models.OrderLimit:
		return "LIMIT"
	case models.OrderStopLossMarket:
		return "STOP_LOSS_MARKET"
	default:
		return "MARKET"
	}
}

func dhanOrderTypeReverse(s string) models.OrderKind {
	switch strings.ToUpper(s) {
	case "LIMIT":
		return models.OrderLimit
	case "STOP_LOSS_MARKET", "STOP_LOSS":
		return models.OrderStopLossMarket
	default:
		return models.OrderMarket
	}
}

func dhanOrderStatus(s string) models.OrderStatus {
	switch strings.ToUpper(s) {
	case "TRADED":
		return models.OrderStatusComplete
	case "CANCELLED":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	case "PENDING", "TRANSIT":
		return models.OrderStatusPending
	default:
		return models.OrderStatusOpen
	}
}

func dhanSegmentReverse(seg string) string {
	switch strings.ToUpper(seg) {
	case "NSE_FNO":
		return "NFO"
	case "BSE_EQ":
		return "BSE"
	default:
		return "NSE"
	}
}

// --- streaming ---

// dhanStream builds its feed lazily: the socket parameters are only
// assembled once the first subscription arrives, matching how the
// vendor feed behaves.
type dhanStream struct {
	broker *DhanBroker
	sock   *vendorSocket
	cb     StreamCallbacks
	log    zerolog.Logger

	mu         sync.Mutex
	subscribed map[string]Resolution // keyed by canonical symbol
}

func (b *DhanBroker) CreateStream(callbacks StreamCallbacks) (Stream, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(dhanName, "create_stream")
	}
	s := &dhanStream{
		broker:     b,
		cb:         callbacks,
		log:        b.log,
		subscribed: make(map[string]Resolution),
	}
	sock := newVendorSocket(dhanName, b.log)
	sock.dialInfo = func() (string, http.Header, error) {
		b.mu.RLock()
		token := b.accessToken
		b.mu.RUnlock()
		if token == "" {
			return "", nil, apperrNotConnected
		}
		u := fmt.Sprintf("%s?version=2&token=%s&clientId=%s&authType=2", dhanFeedWSURL, token, b.clientID)
		return u, nil, nil
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

func (s *dhanStream) Connect(ctx context.Context) error {
	return s.sock.run(ctx)
}

func (s *dhanStream) Subscribe(symbols []string) error {
	instruments := make([]map[string]interface{}, 0, len(symbols))
	s.mu.Lock()
	for _, sym := range symbols {
		res := s.broker.resolve(context.Background(), sym)
		s.subscribed[res.Symbol] = res
		instruments = append(instruments, map[string]interface{}{
			"ExchangeSegment": dhanSegment(res.Exchange),
			"SecurityId":      res.Token,
		})
	}
	s.mu.Unlock()
	if !s.sock.isConnected() {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{
		"RequestCode":     15,
		"InstrumentCount": len(instruments),
		"InstrumentList":  instruments,
	})
}

// Unsubscribe is not offered by the Dhan feed; the request is logged
// and dropped.
func (s *dhanStream) Unsubscribe(symbols []string) error {
	s.log.Warn().Int("symbols", len(symbols)).Msg("Feed has no partial unsubscribe; ignoring")
	return nil
}

func (s *dhanStream) Disconnect() error {
	return s.sock.close()
}

func (s *dhanStream) resubscribe() error {
	s.mu.Lock()
	instruments := make([]map[string]interface{}, 0, len(s.subscribed))
	for _, res := range s.subscribed {
		instruments = append(instruments, map[string]interface{}{
			"ExchangeSegment": dhanSegment(res.Exchange),
			"SecurityId":      res.Token,
		})
	}
	s.mu.Unlock()
	if len(instruments) == 0 {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{
		"RequestCode":     15,
		"InstrumentCount": len(instruments),
		"InstrumentList":  instruments,
	})
}

func (s *dhanStream) handleMessage(_ int, data []byte) {
	if tick := s.broker.NormalizeTick(data); tick != nil && s.cb.OnTick != nil {
		s.cb.OnTick(*tick)
	}
}

// The v2 feed is binary: an 8-byte little-endian header (response
// code, message length, exchange segment, security id) followed by a
// fixed layout per response code.
const (
	dhanPacketTicker     = 2
	dhanPacketQuote      = 4
	dhanPacketOI         = 5
	dhanPacketPrevClose  = 6
	dhanPacketFull       = 8
	dhanPacketDisconnect = 50
)

func decodeDhanBinaryPacket(data []byte) map[string]interface{} {
	if len(data) < 16 {
		return nil
	}
	f32 := func(off int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	}
	i32 := func(off int) float64 { return float64(int32(binary.LittleEndian.Uint32(data[off:]))) }

	m := map[string]interface{}{
		"security_id": strconv.Itoa(int(int32(binary.LittleEndian.Uint32(data[4:8])))),
	}
	switch data[0] {
	case dhanPacketTicker:
		m["LTP"] = f32(8)
		m["LTT"] = i32(12)
	case dhanPacketQuote:
		if len(data) < 50 {
			return nil
		}
		m["LTP"] = f32(8)
		m["LTT"] = i32(14)
		m["volume"] = i32(22)
		m["open"] = f32(34)
		m["prev_close"] = f32(38)
		m["high"] = f32(42)
		m["low"] = f32(46)
	case dhanPacketFull:
		if len(data) < 162 {
			return nil
		}
		m["LTP"] = f32(8)
		m["LTT"] = i32(14)
		m["volume"] = i32(22)
		m["OI"] = i32(34)
		m["open"] = f32(46)
		m["prev_close"] = f32(50)
		m["high"] = f32(54)
		m["low"] = f32(58)
		// Depth rows are 20 bytes: bid/ask quantities, order counts,
		// then bid and ask prices. Best quotes sit in the first row.
		m["best_bid_price"] = f32(62 + 12)
		m["best_ask_price"] = f32(62 + 16)
	default:
		// OI/prev-close partials and control packets carry no trade.
		return nil
	}
	return m
}

// NormalizeTick maps a Dhan feed payload, binary packet or decoded
// map, onto the neutral tick. The security id must map back through
// the scrip master or the tick is dropped.
func (b *DhanBroker) NormalizeTick(raw interface{}) *models.Tick {
	if data, ok := raw.([]byte); ok && len(data) > 0 && data[0] != '{' && data[0] != '[' {
		raw = decodeDhanBinaryPacket(data)
	}
	m := rawToMap(raw)
	if m == nil {
		return nil
	}
	secID := strField(m, "security_id")
	if secID == "" {
		secID = strField(m, "securityId")
	}
	if secID == "" || !hasNum(m, "LTP") {
		return nil
	}
	symbol, ok := b.symbols.symbolFor(secID)
	if !ok {
		return nil
	}
	tick := &models.Tick{
		Symbol:    symbol,
		LTP:       numField(m, "LTP"),
		BidPrice:  numField(m, "best_bid_price"),
		AskPrice:  numField(m, "best_ask_price"),
		Volume:    intField(m, "volume"),
		OI:        intField(m, "OI"),
		Open:      numField(m, "open"),
		High:      numField(m, "high"),
		Low:       numField(m, "low"),
		PrevClose: numField(m, "prev_close"),
	}
	if ts := intField(m, "LTT"); ts > 0 {
		tick.Timestamp = time.Unix(ts, 0)
	}
	return tick
}
