package broker

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protowire"

	"multibroker-trader/internal/config"
	apperrors "multibroker-trader/internal/errors"
	"multibroker-trader/internal/models"
	"multibroker-trader/internal/store"
)

const (
	upstoxName    = "upstox"
	upstoxAPIBase = "https://api.upstox.com/v2"
)

// Gzipped instrument masters, one file per segment.
var upstoxMasterURLs = []string{
	"https://assets.upstox.com/market-quote/instruments/exchange/NSE.csv.gz",
	"https://assets.upstox.com/market-quote/instruments/exchange/NSE_FO.csv.gz",
}

// UpstoxBroker implements the Uplink v2 API.
type UpstoxBroker struct {
	creds config.UpstoxCredentials

	mu          sync.RWMutex
	accessToken string

	api     *restClient
	symbols *instrumentCache
	policy  *callPolicy
	store   store.TokenStore
	log     zerolog.Logger
}

var _ Broker = (*UpstoxBroker)(nil)

func NewUpstoxBroker(creds config.UpstoxCredentials, opts AdapterOptions) *UpstoxBroker {
	b := &UpstoxBroker{
		creds:   creds,
		symbols: newInstrumentCache(),
		store:   opts.Store,
		log:     opts.Logger.With().Str("broker", upstoxName).Logger(),
	}
	b.policy = newCallPolicy(upstoxName, opts.RateLimit, opts.Logger)
	b.api = newRESTClient(upstoxAPIBase, b.authHeaders)

	if token := restoreToken(opts.Store, upstoxName, b.log); token != nil {
		b.accessToken = token.AccessToken
		b.log.Info().Msg("Session restored from store")
	}
	return b
}

func (b *UpstoxBroker) authHeaders() map[string]string {
	b.mu.RLock()
	token := b.accessToken
	b.mu.RUnlock()
	headers := map[string]string{"Accept": "application/json"}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}

func (b *UpstoxBroker) Name() string { return upstoxName }

func (b *UpstoxBroker) LoginURL() (string, error) {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", b.creds.APIKey)
	q.Set("redirect_uri", b.creds.RedirectURI)
	return upstoxAPIBase + "/login/authorization/dialog?" + q.Encode(), nil
}

// Login cannot complete without the redirect; callers go through
// LoginURL then CompleteLogin with the auth code.
func (b *UpstoxBroker) Login(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}
	return apperrors.NewBrokerError(upstoxName, "login", apperrors.KindAuthExpired, "",
		"authorization code required; open the login URL", nil)
}

// CompleteLogin exchanges the redirect's auth code for an access
// token.
func (b *UpstoxBroker) CompleteLogin(ctx context.Context, authCode string) error {
	form := url.Values{}
	form.Set("code", authCode)
	form.Set("client_id", b.creds.APIKey)
	form.Set("client_secret", b.creds.APISecret)
	form.Set("redirect_uri", b.creds.RedirectURI)
	form.Set("grant_type", "authorization_code")

	resp, err := b.api.postForm(ctx, "/login/authorization/token", form.Encode())
	if err != nil {
		return apperrors.NewBrokerError(upstoxName, "complete_login", apperrors.KindAuthExpired, "", "token exchange failed", err)
	}
	token := strField(resp, "access_token")
	if token == "" {
		token = strField(mapField(resp, "data"), "access_token")
	}
	if token == "" {
		return malformedErr(upstoxName, "complete_login", "token exchange response missing access_token")
	}

	b.mu.Lock()
	b.accessToken = token
	b.mu.Unlock()
	persistToken(b.store, &store.Token{
		Broker:      upstoxName,
		AccessToken: token,
		SavedAt:     time.Now(),
		ExpiresAt:   istNextMorning(time.Now()),
	}, b.log)
	b.log.Info().Msg("Login complete")
	return nil
}

func (b *UpstoxBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accessToken != ""
}

func (b *UpstoxBroker) Cleanup() error {
	b.mu.Lock()
	b.accessToken = ""
	b.mu.Unlock()
	return nil
}

// classify reads the Uplink envelope {status, data, errors:[{errorCode,
// message}]}.
func (b *UpstoxBroker) classify(resp map[string]interface{}, err error) verdict {
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

	if strings.EqualFold(strField(resp, "status"), "success") {
		return okVerdict()
	}
	code, message := "", ""
	if errs := listField(resp, "errors"); len(errs) > 0 {
		first := asMap(errs[0])
		code = strField(first, "errorCode")
		message = strField(first, "message")
	}
	if containsAny(message, []string{"token", "expired", "unauthorized", "invalid credentials"}) {
		return authExpiredVerdict(code, message)
	}
	return rejectVerdict(apperrors.KindRejected, code, message)
}

// upstoxScrip is one row of the gzipped instrument master.
type upstoxScrip struct {
	InstrumentKey string `csv:"instrument_key"`
	TradingSymbol string `csv:"tradingsymbol"`
	Exchange      string `csv:"exchange"`
	LotSize       int    `csv:"lot_size"`
	InstrType     string `csv:"instrument_type"`
}

func (b *UpstoxBroker) loadInstruments(ctx context.Context) error {
	if b.symbols.isLoaded() {
		return nil
	}
	for _, masterURL := range upstoxMasterURLs {
		data, err := b.api.getRaw(ctx, masterURL)
		if err != nil {
			return apperrors.NewBrokerError(upstoxName, "load_instruments", apperrors.KindTransient, "", "instrument master download failed", err)
		}
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return malformedErr(upstoxName, "load_instruments", "instrument master is not gzip")
		}
		raw, err := io.ReadAll(gz)
		gz.Close()
		if err != nil {
			return malformedErr(upstoxName, "load_instruments", "instrument master decompress failed")
		}
		var rows []upstoxScrip
		if err := gocsv.UnmarshalBytes(raw, &rows); err != nil {
			return malformedErr(upstoxName, "load_instruments", "instrument master parse failed")
		}
		for _, row := range rows {
			exchange := strings.ToUpper(row.Exchange)
			if exchange == "NSE" && strings.Contains(row.InstrumentKey, "NSE_FO") {
				exchange = "NFO"
			}
			b.symbols.put(Resolution{
				Symbol:        JoinSymbol(exchange, row.TradingSymbol),
				Exchange:      exchange,
				TradingSymbol: strings.ToUpper(row.TradingSymbol),
				Token:         row.InstrumentKey,
				LotSize:       row.LotSize,
				Verified:      true,
			})
		}
	}
	b.symbols.markLoaded()
	b.log.Info().Int("instruments", b.symbols.size()).Msg("Instrument masters loaded")
	return nil
}

func (b *UpstoxBroker) resolve(ctx context.Context, symbol string) (Resolution, error) {
	exchange, trading := SplitSymbol(symbol)
	key := JoinSymbol(exchange, trading)
	if r, ok := b.symbols.get(key); ok {
		return r, nil
	}
	if err := b.loadInstruments(ctx); err != nil {
		return Resolution{}, err
	}
	if r, ok := b.symbols.get(key); ok {
		return r, nil
	}
	if exchange == "NSE" && !strings.HasSuffix(trading, "-EQ") {
		if r, ok := b.symbols.get(JoinSymbol(exchange, trading+"-EQ")); ok {
			return r, nil
		}
	}
	return Resolution{}, resolutionErr(upstoxName, "resolve", symbol)
}

func (b *UpstoxBroker) GetProfile(ctx context.Context) (*models.Profile, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(upstoxName, "get_profile")
	}
	resp, err := invoke(ctx, b.policy, "get_profile", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/user/profile", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}
	data := mapField(resp, "data")
	var exchanges []string
	for _, e := range listField(data, "exchanges") {
		if s, ok := e.(string); ok {
			exchanges = append(exchanges, s)
		}
	}
	return &models.Profile{
		UserID:   strField(data, "user_id"),
		Name:     strField(data, "user_name"),
		Email:    strField(data, "email"),
		Broker:   upstoxName,
		Exchange: exchanges,
	}, nil
}

func (b *UpstoxBroker) GetBalance(ctx context.Context, capitalReserve float64) (float64, error) {
	if !b.IsConnected() {
		return 0, notConnectedErr(upstoxName, "get_balance")
	}
	resp, err := invoke(ctx, b.policy, "get_balance", func(ctx context.Context) (map[string]interface{}, error) {
		q := url.Values{}
		q.Set("segment", "SEC")
		return b.api.getJSON(ctx, "/user/get-funds-and-margin", q)
	}, b.classify)
	if err != nil {
		return 0, err
	}
	equity := mapField(mapField(resp, "data"), "equity")
	return numField(equity, "available_margin") * (1 - capitalReserve), nil
}

// upstoxInterval maps neutral resolutions onto Uplink candle
// intervals; the API only offers 1minute, 30minute, day and coarser.
func upstoxInterval(resolution string) (interval string, intraday bool) {
	switch strings.ToUpper(resolution) {
	case "D", "1D", "DAY":
		return "day", false
	case "30":
		return "30minute", true
	default:
		return "1minute", true
	}
}

func (b *UpstoxBroker) GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)
	return b.GetHistoryForTimeframe(ctx, symbol, resolution, from, to)
}

func (b *UpstoxBroker) GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(upstoxName, "get_history")
	}
	res, err := b.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	interval, _ := upstoxInterval(resolution)
	path := fmt.Sprintf("/historical-candle/%s/%s/%s/%s",
		url.PathEscape(res.Token), interval,
		to.Format("2006-01-02"), from.Format("2006-01-02"))

	resp, err := invoke(ctx, b.policy, "get_history", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, path, nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	// Candles arrive newest-first as [ts, o, h, l, c, v, oi].
	rows := listField(mapField(resp, "data"), "candles")
	candles := make([]models.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := asList(rows[i])
		if len(row) < 6 {
			continue
		}
		ts, _ := row[0].(string)
		stamp, _ := time.Parse(time.RFC3339, ts)
		candles = append(candles, models.Candle{
			Timestamp: stamp,
			Open:      toFloat(row[1]),
			High:      toFloat(row[2]),
			Low:       toFloat(row[3]),
			Close:     toFloat(row[4]),
			Volume:    int64(toFloat(row[5])),
		})
	}
	return candles, nil
}

func (b *UpstoxBroker) GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := b.GetOptionQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.LTP, nil
}

func (b *UpstoxBroker) GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	quotes, err := b.GetOptionChainQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if q, ok := quotes[symbol]; ok {
		return &q, nil
	}
	return nil, resolutionErr(upstoxName, "get_quote", symbol)
}

func (b *UpstoxBroker) GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(upstoxName, "get_quotes")
	}
	keys := make([]string, 0, len(symbols))
	symbolFor := make(map[string]string)
	for _, s := range symbols {
		res, err := b.resolve(ctx, s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, res.Token)
		symbolFor[res.Token] = s
	}

	resp, err := invoke(ctx, b.policy, "get_quotes", func(ctx context.Context) (map[string]interface{}, error) {
		q := url.Values{}
		q.Set("instrument_key", strings.Join(keys, ","))
		return b.api.getJSON(ctx, "/market-quote/quotes", q)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	// Response keys use a different delimiter than instrument keys, so
	// match on the embedded instrument_token field instead.
	out := make(map[string]models.Quote)
	for _, rawQuote := range mapField(resp, "data") {
		row := asMap(rawQuote)
		symbol, ok := symbolFor[strField(row, "instrument_token")]
		if !ok {
			continue
		}
		ohlc := mapField(row, "ohlc")
		q := models.Quote{
			Symbol: symbol,
			LTP:    numField(row, "last_price"),
			Open:   numField(ohlc, "open"),
			High:   numField(ohlc, "high"),
			Low:    numField(ohlc, "low"),
			Close:  numField(ohlc, "close"),
			Volume: intField(row, "volume"),
			OI:     intField(row, "oi"),
			Change: numField(row, "net_change"),
		}
		depth := mapField(row, "depth")
		if buys := listField(depth, "buy"); len(buys) > 0 {
			q.BidPrice = numField(asMap(buys[0]), "price")
		}
		if sells := listField(depth, "sell"); len(sells) > 0 {
			q.AskPrice = numField(asMap(sells[0]), "price")
		}
		out[symbol] = q
	}
	return out, nil
}

func upstoxProduct(p models.Product) string {
	switch p {
	case models.ProductDelivery:
		return "D"
	case models.ProductMargin:
		return "MTF"
	default:
		return "I"
	}
}

func upstoxProductReverse(s string) models.Product {
	switch strings.ToUpper(s) {
	case "D":
		return models.ProductDelivery
	case "MTF":
		return models.ProductMargin
	default:
		return models.ProductIntraday
	}
}

func upstoxOrderType(kind models.OrderKind) string {
	switch kind {
	case models.OrderLimit:
		return "LIMIT"
	case models.OrderStopLossMarket:
		return "SL-M"
	default:
		return "MARKET"
	}
}

func upstoxOrderTypeReverse(s string) models.OrderKind {
	switch strings.ToUpper(s) {
	case "LIMIT":
		return models.OrderLimit
	case "SL-M", "SL":
		return models.OrderStopLossMarket
	default:
		return models.OrderMarket
	}
}

func upstoxOrderStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "complete":
		return models.OrderStatusComplete
	case "cancelled":
		return models.OrderStatusCancelled
	case "rejected":
		return models.OrderStatusRejected
	case "open", "trigger pending":
		return models.OrderStatusOpen
	default:
		return models.OrderStatusPending
	}
}

func (b *UpstoxBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", notConnectedErr(upstoxName, "place_order")
	}
	res, err := b.resolve(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	body := map[string]interface{}{
		"quantity":           req.Quantity,
		"product":            upstoxProduct(req.Product),
		"validity":           orDefault(req.Validity, "DAY"),
		"price":              req.Price,
		"instrument_token":   res.Token,
		"order_type":         upstoxOrderType(req.Kind),
		"transaction_type":   req.Side.String(),
		"disclosed_quantity": 0,
		"trigger_price":      req.TriggerPrice,
		"is_amo":             false,
	}
	if req.Tag != "" {
		body["tag"] = req.Tag
	}
	resp, err := invoke(ctx, b.policy, "place_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/order/place", body)
	}, b.classify)
	if err != nil {
		return "", err
	}
	return strField(mapField(resp, "data"), "order_id"), nil
}

func (b *UpstoxBroker) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error {
	if !b.IsConnected() {
		return notConnectedErr(upstoxName, "modify_order")
	}
	body := map[string]interface{}{
		"order_id": orderID,
		"validity": orDefault(req.Validity, "DAY"),
	}
	if req.Quantity > 0 {
		body["quantity"] = req.Quantity
	}
	if req.Price > 0 {
		body["price"] = req.Price
	}
	if req.TriggerPrice > 0 {
		body["trigger_price"] = req.TriggerPrice
	}
	if req.Kind != 0 {
		body["order_type"] = upstoxOrderType(req.Kind)
	}
	_, err := invoke(ctx, b.policy, "modify_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.putJSON(ctx, "/order/modify", body)
	}, b.classify)
	return err
}

func (b *UpstoxBroker) CancelOrder(ctx context.Context, orderID string) error {
	if !b.IsConnected() {
		return notConnectedErr(upstoxName, "cancel_order")
	}
	_, err := invoke(ctx, b.policy, "cancel_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.deleteJSON(ctx, "/order/cancel?order_id="+url.QueryEscape(orderID), nil)
	}, b.classify)
	return err
}

func (b *UpstoxBroker) ExitPosition(ctx context.Context, symbol string) error {
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
	return resolutionErr(upstoxName, "exit_position", symbol)
}

func (b *UpstoxBroker) AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Kind:         models.OrderStopLossMarket,
		Product:      models.ProductIntraday,
		Quantity:     quantity,
		TriggerPrice: triggerPrice,
	})
}

func (b *UpstoxBroker) RemoveStopLoss(ctx context.Context, symbol string) error {
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
	return resolutionErr(upstoxName, "remove_stoploss", symbol)
}

func (b *UpstoxBroker) SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideSell,
		Kind:     models.OrderMarket,
		Product:  models.ProductIntraday,
		Quantity: quantity,
	})
}

func (b *UpstoxBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(upstoxName, "get_positions")
	}
	resp, err := invoke(ctx, b.policy, "get_positions", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/portfolio/short-term-positions", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	var out []models.Position
	for _, item := range listField(resp, "data") {
		row := asMap(item)
		qty := int(numField(row, "quantity"))
		side := models.SideBuy
		if qty < 0 {
			side = models.SideSell
		}
		exchange := strings.ToUpper(strField(row, "exchange"))
		out = append(out, models.Position{
			Symbol:       JoinSymbol(exchange, strField(row, "tradingsymbol")),
			Exchange:     models.Exchange(exchange),
			Product:      upstoxProductReverse(strField(row, "product")),
			Quantity:     qty,
			BuyPrice:     numField(row, "average_price"),
			LastPrice:    numField(row, "last_price"),
			PnL:          numField(row, "pnl"),
			PositionID:   strField(row, "instrument_token"),
			TradingsSide: side,
		})
	}
	return out, nil
}

func (b *UpstoxBroker) GetOrderbook(ctx context.Context) ([]models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(upstoxName, "get_orderbook")
	}
	resp, err := invoke(ctx, b.policy, "get_orderbook", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/order/retrieve-all", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	var out []models.Order
	for _, item := range listField(resp, "data") {
		out = append(out, upstoxOrder(asMap(item)))
	}
	return out, nil
}

func (b *UpstoxBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(upstoxName, "get_order_status")
	}
	resp, err := invoke(ctx, b.policy, "get_order_status", func(ctx context.Context) (map[string]interface{}, error) {
		q := url.Values{}
		q.Set("order_id", orderID)
		return b.api.getJSON(ctx, "/order/details", q)
	}, b.classify)
	if err != nil {
		return nil, err
	}
	data := mapField(resp, "data")
	if data == nil {
		return nil, resolutionErr(upstoxName, "get_order_status", orderID)
	}
	order := upstoxOrder(data)
	return &order, nil
}

func upstoxOrder(row map[string]interface{}) models.Order {
	side := models.SideBuy
	if strings.EqualFold(strField(row, "transaction_type"), "SELL") {
		side = models.SideSell
	}
	exchange := strings.ToUpper(strField(row, "exchange"))
	return models.Order{
		OrderID:       strField(row, "order_id"),
		Symbol:        JoinSymbol(exchange, strField(row, "tradingsymbol")),
		Exchange:      models.Exchange(exchange),
		Side:          side,
		Kind:          upstoxOrderTypeReverse(strField(row, "order_type")),
		Product:       upstoxProductReverse(strField(row, "product")),
		Status:        upstoxOrderStatus(strField(row, "status")),
		Quantity:      int(numField(row, "quantity")),
		FilledQty:     int(numField(row, "filled_quantity")),
		Price:         numField(row, "price"),
		TriggerPrice:  numField(row, "trigger_price"),
		AveragePrice:  numField(row, "average_price"),
		StatusMessage: strField(row, "status_message"),
	}
}

// --- streaming ---

type upstoxStream struct {
	broker *UpstoxBroker
	sock   *vendorSocket
	cb     StreamCallbacks

	mu         sync.Mutex
	subscribed map[string]Resolution
}

func (b *UpstoxBroker) CreateStream(callbacks StreamCallbacks) (Stream, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(upstoxName, "create_stream")
	}
	s := &upstoxStream{
		broker:     b,
		cb:         callbacks,
		subscribed: make(map[string]Resolution),
	}
	sock := newVendorSocket(upstoxName, b.log)
	// The feed endpoint hands out a one-time authorized URI per
	// connection, so the dial step fetches it fresh each time.
	sock.dialInfo = func() (string, http.Header, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := b.api.getJSON(ctx, "/feed/market-data-feed/authorize", nil)
		if err != nil {
			return "", nil, err
		}
		uri := strField(mapField(resp, "data"), "authorized_redirect_uri")
		if uri == "" {
			return "", nil, malformedErr(upstoxName, "stream_authorize", "no authorized_redirect_uri")
		}
		return uri, nil, nil
	}
	sock.onOpen = func() error {
		if callbacks.OnConnect != nil {
			callbacks.OnConnect()
		}
		return s.send("sub", s.snapshot())
	}
	sock.onMessage = func(_ int, data []byte) {
		// Acks and control messages are JSON text; market data is a
		// protobuf FeedResponse frame.
		m := rawToMap(data)
		if m == nil {
			m = decodeUpstoxFeedFrame(data)
		}
		if m == nil {
			return
		}
		// One frame can carry several instruments.
		feeds := mapField(m, "feeds")
		if feeds == nil {
			return
		}
		for key, feed := range feeds {
			entry := asMap(feed)
			if entry == nil {
				continue
			}
			entry["instrumentKey"] = key
			if tick := b.NormalizeTick(entry); tick != nil && s.cb.OnTick != nil {
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

func (s *upstoxStream) Connect(ctx context.Context) error {
	return s.sock.run(ctx)
}

func (s *upstoxStream) Subscribe(symbols []string) error {
	var added []Resolution
	s.mu.Lock()
	for _, sym := range symbols {
		res, err := s.broker.resolve(context.Background(), sym)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.subscribed[res.Symbol] = res
		added = append(added, res)
	}
	s.mu.Unlock()
	if !s.sock.isConnected() {
		return nil
	}
	return s.send("sub", added)
}

func (s *upstoxStream) Unsubscribe(symbols []string) error {
	var removed []Resolution
	s.mu.Lock()
	for _, sym := range symbols {
		res, err := s.broker.resolve(context.Background(), sym)
		if err != nil {
			continue
		}
		if r, ok := s.subscribed[res.Symbol]; ok {
			removed = append(removed, r)
			delete(s.subscribed, res.Symbol)
		}
	}
	s.mu.Unlock()
	if len(removed) == 0 || !s.sock.isConnected() {
		return nil
	}
	return s.send("unsub", removed)
}

func (s *upstoxStream) Disconnect() error {
	return s.sock.close()
}

func (s *upstoxStream) snapshot() []Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Resolution, 0, len(s.subscribed))
	for _, r := range s.subscribed {
		out = append(out, r)
	}
	return out
}

func (s *upstoxStream) send(method string, items []Resolution) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	for _, r := range items {
		keys = append(keys, r.Token)
	}
	return s.sock.sendJSON(map[string]interface{}{
		"guid":   fmt.Sprintf("req-%d", time.Now().UnixNano()),
		"method": method,
		"data": map[string]interface{}{
			"mode":           "full",
			"instrumentKeys": keys,
		},
	})
}

// The market feed is protobuf over the socket. The frames are walked
// field by field into the same nested map shape the JSON ack path
// uses, so one normalization path serves both.

type protoField struct {
	num protowire.Number
	typ protowire.Type
	raw []byte // length-delimited payload
	u64 uint64 // varint or fixed64 payload
}

func walkProtoFields(data []byte, visit func(f protoField)) bool {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return false
		}
		data = data[n:]
		f := protoField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return false
			}
			f.u64, data = v, data[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return false
			}
			f.u64, data = v, data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return false
			}
			f.raw, data = v, data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return false
			}
			data = data[n:]
			continue
		}
		visit(f)
	}
	return true
}

func (f protoField) double() float64 { return math.Float64frombits(f.u64) }

// decodeUpstoxFeedFrame parses a FeedResponse: field 2 holds the
// feeds map, each entry keyed by instrument key.
func decodeUpstoxFeedFrame(data []byte) map[string]interface{} {
	feeds := map[string]interface{}{}
	ok := walkProtoFields(data, func(f protoField) {
		if f.num != 2 || f.typ != protowire.BytesType {
			return
		}
		var key string
		var feed map[string]interface{}
		walkProtoFields(f.raw, func(e protoField) {
			switch {
			case e.num == 1 && e.typ == protowire.BytesType:
				key = string(e.raw)
			case e.num == 2 && e.typ == protowire.BytesType:
				feed = decodeUpstoxFeed(e.raw)
			}
		})
		if key != "" && feed != nil {
			feeds[key] = feed
		}
	})
	if !ok || len(feeds) == 0 {
		return nil
	}
	return map[string]interface{}{"feeds": feeds}
}

// Feed is a oneof: ltpc (1) or a full feed (2).
func decodeUpstoxFeed(data []byte) map[string]interface{} {
	m := map[string]interface{}{}
	walkProtoFields(data, func(f protoField) {
		if f.typ != protowire.BytesType {
			return
		}
		switch f.num {
		case 1:
			m["ltpc"] = decodeUpstoxLTPC(f.raw)
		case 2:
			m["ff"] = decodeUpstoxFullFeed(f.raw)
		}
	})
	if len(m) == 0 {
		return nil
	}
	return m
}

func decodeUpstoxFullFeed(data []byte) map[string]interface{} {
	m := map[string]interface{}{}
	walkProtoFields(data, func(f protoField) {
		if f.typ != protowire.BytesType {
			return
		}
		switch f.num {
		case 1:
			m["marketFF"] = decodeUpstoxMarketFF(f.raw)
		case 2:
			m["indexFF"] = decodeUpstoxIndexFF(f.raw)
		}
	})
	return m
}

func decodeUpstoxMarketFF(data []byte) map[string]interface{} {
	m := map[string]interface{}{}
	walkProtoFields(data, func(f protoField) {
		switch f.num {
		case 1:
			if f.typ == protowire.BytesType {
				m["ltpc"] = decodeUpstoxLTPC(f.raw)
			}
		case 2:
			if f.typ == protowire.BytesType {
				m["marketLevel"] = decodeUpstoxMarketLevel(f.raw)
			}
		case 4:
			if f.typ == protowire.BytesType {
				m["marketOHLC"] = decodeUpstoxMarketOHLC(f.raw)
			}
		case 5:
			if f.typ == protowire.Fixed64Type {
				m["atp"] = f.double()
			}
		case 6:
			// Traded volume arrives as a varint in some feed versions
			// and a decimal string in others.
			if f.typ == protowire.VarintType {
				m["vtt"] = float64(f.u64)
			} else if f.typ == protowire.BytesType {
				m["vtt"] = string(f.raw)
			}
		case 7:
			if f.typ == protowire.Fixed64Type {
				m["oi"] = f.double()
			}
		}
	})
	return m
}

func decodeUpstoxIndexFF(data []byte) map[string]interface{} {
	m := map[string]interface{}{}
	walkProtoFields(data, func(f protoField) {
		if f.typ != protowire.BytesType {
			return
		}
		switch f.num {
		case 1:
			m["ltpc"] = decodeUpstoxLTPC(f.raw)
		case 2:
			m["marketOHLC"] = decodeUpstoxMarketOHLC(f.raw)
		}
	})
	return m
}

func decodeUpstoxLTPC(data []byte) map[string]interface{} {
	m := map[string]interface{}{}
	walkProtoFields(data, func(f protoField) {
		switch f.num {
		case 1:
			if f.typ == protowire.Fixed64Type {
				m["ltp"] = f.double()
			}
		case 2:
			if f.typ == protowire.VarintType {
				m["ltt"] = float64(f.u64)
			}
		case 4:
			if f.typ == protowire.Fixed64Type {
				m["cp"] = f.double()
			}
		}
	})
	return m
}

func decodeUpstoxMarketLevel(data []byte) map[string]interface{} {
	var quotes []interface{}
	walkProtoFields(data, func(f protoField) {
		if f.num != 1 || f.typ != protowire.BytesType {
			return
		}
		q := map[string]interface{}{}
		walkProtoFields(f.raw, func(e protoField) {
			switch e.num {
			case 1:
				if e.typ == protowire.VarintType {
					q["bq"] = float64(e.u64)
				}
			case 2:
				if e.typ == protowire.Fixed64Type {
					q["bp"] = e.double()
				}
			case 3:
				if e.typ == protowire.VarintType {
					q["aq"] = float64(e.u64)
				}
			case 4:
				if e.typ == protowire.Fixed64Type {
					q["sp"] = e.double()
				}
			}
		})
		quotes = append(quotes, q)
	})
	return map[string]interface{}{"bidAskQuote": quotes}
}

func decodeUpstoxMarketOHLC(data []byte) map[string]interface{} {
	var rows []interface{}
	walkProtoFields(data, func(f protoField) {
		if f.num != 1 || f.typ != protowire.BytesType {
			return
		}
		row := map[string]interface{}{}
		walkProtoFields(f.raw, func(e protoField) {
			switch e.num {
			case 1:
				if e.typ == protowire.BytesType {
					row["interval"] = string(e.raw)
				}
			case 2:
				if e.typ == protowire.Fixed64Type {
					row["open"] = e.double()
				}
			case 3:
				if e.typ == protowire.Fixed64Type {
					row["high"] = e.double()
				}
			case 4:
				if e.typ == protowire.Fixed64Type {
					row["low"] = e.double()
				}
			case 5:
				if e.typ == protowire.Fixed64Type {
					row["close"] = e.double()
				}
			}
		})
		rows = append(rows, row)
	})
	return map[string]interface{}{"ohlc": rows}
}

// NormalizeTick unpacks the nested feed shape: a protobuf frame, a
// whole decoded frame ({feeds: {key: entry}}), or a single entry
// carrying its instrumentKey. The payload sits under ff -> marketFF
// or indexFF.
func (b *UpstoxBroker) NormalizeTick(raw interface{}) *models.Tick {
	if data, ok := raw.([]byte); ok && len(data) > 0 && data[0] != '{' && data[0] != '[' {
		raw = decodeUpstoxFeedFrame(data)
	}
	m := rawToMap(raw)
	if m == nil {
		return nil
	}
	if feeds := mapField(m, "feeds"); feeds != nil {
		for key, feed := range feeds {
			entry := asMap(feed)
			if entry == nil {
				continue
			}
			entry["instrumentKey"] = key
			if tick := b.NormalizeTick(entry); tick != nil {
				return tick
			}
		}
		return nil
	}

	key := strField(m, "instrumentKey")
	if key == "" {
		return nil
	}
	symbol, ok := b.symbols.symbolFor(key)
	if !ok {
		return nil
	}

	ff := mapField(m, "ff")
	payload := mapField(ff, "marketFF")
	if payload == nil {
		payload = mapField(ff, "indexFF")
	}
	if payload == nil {
		return nil
	}
	ltpc := mapField(payload, "ltpc")
	if !hasNum(ltpc, "ltp") {
		return nil
	}

	tick := &models.Tick{
		Symbol:    symbol,
		LTP:       numField(ltpc, "ltp"),
		PrevClose: numField(ltpc, "cp"),
		Volume:    intField(payload, "vtt"),
		OI:        intField(payload, "oi"),
	}
	if ts := intField(ltpc, "ltt"); ts > 0 {
		tick.Timestamp = time.Unix(ts/1000, 0)
	}
	if level := mapField(payload, "marketLevel"); level != nil {
		if quotes := listField(level, "bidAskQuote"); len(quotes) > 0 {
			top := asMap(quotes[0])
			tick.BidPrice = numField(top, "bp")
			tick.AskPrice = numField(top, "sp")
		}
	}
	// Daily OHLC rides along as one of the interval entries.
	if ohlcWrap := mapField(payload, "marketOHLC"); ohlcWrap != nil {
		for _, item := range listField(ohlcWrap, "ohlc") {
			row := asMap(item)
			if strField(row, "interval") == "1d" {
				tick.Open = numField(row, "open")
				tick.High = numField(row, "high")
				tick.Low = numField(row, "low")
				break
			}
		}
	}
	return tick
}
