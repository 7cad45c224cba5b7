package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"multibroker-trader/internal/config"
	apperrors "multibroker-trader/internal/errors"
	"multibroker-trader/internal/models"
	"multibroker-trader/internal/store"
)

const (
	angelName     = "angelone"
	angelAPIBase  = "https://apiconnect.angelbroking.com"
	angelScripURL = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"
	angelWSURL    = "wss://smartapisocket.angelone.in/smart-stream"
)

// Error codes that end the session rather than a single call.
var angelFatalCodes = map[string]bool{
	"AB1010": true,
	"AB8050": true,
	"AB8051": true,
}

// AngelOneBroker implements the SmartAPI surface. Login is fully
// automated: MPIN plus a generated TOTP.
type AngelOneBroker struct {
	creds config.AngelOneCredentials

	mu         sync.RWMutex
	jwtToken   string
	feedToken  string
	refreshTok string

	api     *restClient
	symbols *instrumentCache
	policy  *callPolicy
	store   store.TokenStore
	log     zerolog.Logger
}

var _ Broker = (*AngelOneBroker)(nil)

func NewAngelOneBroker(creds config.AngelOneCredentials, opts AdapterOptions) *AngelOneBroker {
	b := &AngelOneBroker{
		creds:   creds,
		symbols: newInstrumentCache(),
		store:   opts.Store,
		log:     opts.Logger.With().Str("broker", angelName).Logger(),
	}
	b.policy = newCallPolicy(angelName, opts.RateLimit, opts.Logger)
	b.api = newRESTClient(angelAPIBase, b.authHeaders)

	if token := restoreToken(opts.Store, angelName, b.log); token != nil {
		b.jwtToken = token.AccessToken
		b.refreshTok = token.RefreshToken
		b.feedToken = token.FeedToken
		b.log.Info().Msg("Session restored from store")
	}
	return b
}

func (b *AngelOneBroker) authHeaders() map[string]string {
	b.mu.RLock()
	jwt := b.jwtToken
	b.mu.RUnlock()

	headers := map[string]string{
		"X-UserType":       "USER",
		"X-SourceID":       "WEB",
		"X-ClientLocalIP":  "127.0.0.1",
		"X-ClientPublicIP": "127.0.0.1",
		"X-MACAddress":     "00:00:00:00:00:00",
		"X-PrivateKey":     b.creds.APIKey,
		"Accept":           "application/json",
	}
	if jwt != "" {
		headers["Authorization"] = "Bearer " + jwt
	}
	return headers
}

func (b *AngelOneBroker) Name() string { return angelName }

func (b *AngelOneBroker) LoginURL() (string, error) {
	return "", unsupportedErr(angelName, "login_url", "angelone logs in with MPIN+TOTP, no browser step")
}

// Login performs the MPIN+TOTP exchange and caches the session
// tokens.
func (b *AngelOneBroker) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(b.creds.TOTPSecret, time.Now())
	if err != nil {
		return malformedErr(angelName, "login", "TOTP generation failed: "+err.Error())
	}

	resp, err := b.api.postJSON(ctx, "/rest/auth/angelbroking/user/v1/loginByPassword", map[string]interface{}{
		"clientcode": b.creds.ClientCode,
		"password":   b.creds.MPIN,
		"totp":       code,
	})
	if v := b.classify(resp, err); v.outcome != outcomeOK {
		return apperrors.NewBrokerError(angelName, "login", apperrors.KindAuthExpired, v.code, v.message, err)
	}

	data := mapField(resp, "data")
	jwt := strField(data, "jwtToken")
	if jwt == "" {
		return malformedErr(angelName, "login", "login response missing jwtToken")
	}

	b.mu.Lock()
	b.jwtToken = jwt
	b.refreshTok = strField(data, "refreshToken")
	b.feedToken = strField(data, "feedToken")
	b.mu.Unlock()

	persistToken(b.store, &store.Token{
		Broker:       angelName,
		AccessToken:  jwt,
		RefreshToken: strField(data, "refreshToken"),
		FeedToken:    strField(data, "feedToken"),
		SavedAt:      time.Now(),
		ExpiresAt:    istNextMorning(time.Now()),
	}, b.log)
	b.log.Info().Msg("Login complete")
	return nil
}

// CompleteLogin is a no-op alias; SmartAPI has no redirect step.
func (b *AngelOneBroker) CompleteLogin(ctx context.Context, _ string) error {
	return b.Login(ctx)
}

func (b *AngelOneBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.jwtToken != ""
}

func (b *AngelOneBroker) Cleanup() error {
	if !b.IsConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := b.api.postJSON(ctx, "/rest/secure/angelbroking/user/v1/logout", map[string]interface{}{
		"clientcode": b.creds.ClientCode,
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("Logout call failed")
	}
	b.mu.Lock()
	b.jwtToken, b.feedToken, b.refreshTok = "", "", ""
	b.mu.Unlock()
	dropToken(b.store, angelName, b.log)
	return nil
}

// classify inspects the SmartAPI envelope: {status bool, message,
// errorcode, data}.
func (b *AngelOneBroker) classify(resp map[string]interface{}, err error) verdict {
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

	if ok, _ := resp["status"].(bool); ok {
		return okVerdict()
	}
	code := strField(resp, "errorcode")
	message := strField(resp, "message")
	if angelFatalCodes[code] || containsAny(message, []string{"token expired", "invalid token", "session expired"}) {
		return authExpiredVerdict(code, message)
	}
	if containsAny(message, []string{"exceeding access rate", "too many requests", "try after"}) {
		return retryVerdict(code, message)
	}
	return rejectVerdict(apperrors.KindRejected, code, message)
}

// --- scrip master ---

// angelScrip is one entry of the published instrument file. The file
// is ~100k rows, so the parsed form is cached for the process.
type angelScrip struct {
	Token      string `json:"token"`
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	LotSize    string `json:"lotsize"`
	InstrType  string `json:"instrumenttype"`
	ExchSeg    string `json:"exch_seg"`
}

var (
	angelMasterMu sync.Mutex
	angelMaster   []angelScrip
)

func (b *AngelOneBroker) loadInstruments(ctx context.Context) error {
	if b.symbols.isLoaded() {
		return nil
	}

	angelMasterMu.Lock()
	rows := angelMaster
	angelMasterMu.Unlock()

	if rows == nil {
		data, err := b.api.getRaw(ctx, angelScripURL)
		if err != nil {
			return apperrors.NewBrokerError(angelName, "load_instruments", apperrors.KindTransient, "", "scrip master download failed", err)
		}
		if err := json.Unmarshal(data, &rows); err != nil {
			return malformedErr(angelName, "load_instruments", "scrip master parse failed")
		}
		angelMasterMu.Lock()
		angelMaster = rows
		angelMasterMu.Unlock()
	}

	for _, row := range rows {
		exchange := strings.ToUpper(row.ExchSeg)
		if exchange != "NSE" && exchange != "BSE" && exchange != "NFO" {
			continue
		}
		lot := 0
		fmt.Sscanf(row.LotSize, "%d", &lot)
		b.symbols.put(Resolution{
			Symbol:        JoinSymbol(exchange, row.Symbol),
			Exchange:      exchange,
			TradingSymbol: strings.ToUpper(row.Symbol),
			Token:         row.Token,
			LotSize:       lot,
			Verified:      true,
		})
	}
	b.symbols.markLoaded()
	b.log.Info().Int("instruments", b.symbols.size()).Msg("Scrip master loaded")
	return nil
}

func (b *AngelOneBroker) resolve(ctx context.Context, symbol string) (Resolution, error) {
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
	// Bare equities are listed with an -EQ suffix.
	if exchange == "NSE" && !strings.Contains(trading, "-") {
		if r, ok := b.symbols.get(JoinSymbol(exchange, trading+"-EQ")); ok {
			return r, nil
		}
	}
	return Resolution{}, resolutionErr(angelName, "resolve", symbol)
}

func (b *AngelOneBroker) GetProfile(ctx context.Context) (*models.Profile, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(angelName, "get_profile")
	}
	resp, err := invoke(ctx, b.policy, "get_profile", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/rest/secure/angelbroking/user/v1/getProfile", nil)
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
		UserID:   strField(data, "clientcode"),
		Name:     strField(data, "name"),
		Email:    strField(data, "email"),
		Broker:   angelName,
		Exchange: exchanges,
	}, nil
}

func (b *AngelOneBroker) GetBalance(ctx context.Context, capitalReserve float64) (float64, error) {
	if !b.IsConnected() {
		return 0, notConnectedErr(angelName, "get_balance")
	}
	resp, err := invoke(ctx, b.policy, "get_balance", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/rest/secure/angelbroking/user/v1/getRMS", nil)
	}, b.classify)
	if err != nil {
		return 0, err
	}
	data := mapField(resp, "data")
	return numField(data, "net") * (1 - capitalReserve), nil
}

// angelInterval maps the neutral resolution ("1", "5", "D", ...) to
// SmartAPI's interval names.
func angelInterval(resolution string) string {
	switch strings.ToUpper(resolution) {
	case "1":
		return "ONE_MINUTE"
	case "3":
		return "THREE_MINUTE"
	case "5":
		return "FIVE_MINUTE"
	case "10":
		return "TEN_MINUTE"
	case "15":
		return "FIFTEEN_MINUTE"
	case "30":
		return "THIRTY_MINUTE"
	case "60":
		return "ONE_HOUR"
	case "D", "1D", "DAY":
		return "ONE_DAY"
	default:
		return "FIVE_MINUTE"
	}
}

func (b *AngelOneBroker) GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)
	return b.GetHistoryForTimeframe(ctx, symbol, resolution, from, to)
}

func (b *AngelOneBroker) GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(angelName, "get_history")
	}
	res, err := b.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	resp, err := invoke(ctx, b.policy, "get_history", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/rest/secure/angelbroking/historical/v1/getCandleData", map[string]interface{}{
			"exchange":    res.Exchange,
			"symboltoken": res.Token,
			"interval":    angelInterval(resolution),
			"fromdate":    from.In(indiaLocation()).Format("2006-01-02 15:04"),
			"todate":      to.In(indiaLocation()).Format("2006-01-02 15:04"),
		})
	}, b.classify)
	if err != nil {
		return nil, err
	}

	// data is a list of [timestamp, o, h, l, c, v] rows.
	var candles []models.Candle
	for _, item := range listField(resp, "data") {
		row := asList(item)
		if len(row) < 6 {
			continue
		}
		ts, _ := row[0].(string)
		stamp, _ := time.Parse("2006-01-02T15:04:05-07:00", ts)
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

func (b *AngelOneBroker) GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := b.GetOptionQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.LTP, nil
}

func (b *AngelOneBroker) GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	quotes, err := b.GetOptionChainQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if q, ok := quotes[symbol]; ok {
		return &q, nil
	}
	return nil, resolutionErr(angelName, "get_quote", symbol)
}

func (b *AngelOneBroker) GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(angelName, "get_quotes")
	}

	exchangeTokens := make(map[string][]string)
	symbolFor := make(map[string]string)
	for _, s := range symbols {
		res, err := b.resolve(ctx, s)
		if err != nil {
			return nil, err
		}
		exchangeTokens[res.Exchange] = append(exchangeTokens[res.Exchange], res.Token)
		symbolFor[res.Token] = s
	}

	resp, err := invoke(ctx, b.policy, "get_quotes", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/rest/secure/angelbroking/market/v1/quote/", map[string]interface{}{
			"mode":           "FULL",
			"exchangeTokens": exchangeTokens,
		})
	}, b.classify)
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.Quote)
	data := mapField(resp, "data")
	for _, item := range listField(data, "fetched") {
		row := asMap(item)
		symbol, ok := symbolFor[strField(row, "symbolToken")]
		if !ok {
			continue
		}
		q := models.Quote{
			Symbol:        symbol,
			LTP:           numField(row, "ltp"),
			Open:          numField(row, "open"),
			High:          numField(row, "high"),
			Low:           numField(row, "low"),
			Close:         numField(row, "close"),
			Volume:        intField(row, "tradeVolume"),
			OI:            intField(row, "opnInterest"),
			Change:        numField(row, "netChange"),
			ChangePercent: numField(row, "percentChange"),
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

func angelVariety(kind models.OrderKind) string {
	if kind == models.OrderStopLossMarket {
		return "STOPLOSS"
	}
	return "NORMAL"
}

func angelOrderType(kind models.OrderKind) string {
	switch kind {
	case models.OrderLimit:
		return "LIMIT"
	case models.OrderStopLossMarket:
		return "STOPLOSS_MARKET"
	default:
		return "MARKET"
	}
}

func angelOrderTypeReverse(s string) models.OrderKind {
	switch strings.ToUpper(s) {
	case "LIMIT":
		return models.OrderLimit
	case "STOPLOSS_MARKET", "STOPLOSS_LIMIT":
		return models.OrderStopLossMarket
	default:
		return models.OrderMarket
	}
}

func angelProduct(p models.Product) string {
	switch p {
	case models.ProductDelivery:
		return "DELIVERY"
	case models.ProductMargin:
		return "MARGIN"
	default:
		return "INTRADAY"
	}
}

func angelProductReverse(s string) models.Product {
	switch strings.ToUpper(s) {
	case "DELIVERY":
		return models.ProductDelivery
	case "MARGIN":
		return models.ProductMargin
	default:
		return models.ProductIntraday
	}
}

func angelOrderStatus(s string) models.OrderStatus {
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

func (b *AngelOneBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", notConnectedErr(angelName, "place_order")
	}
	res, err := b.resolve(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	body := map[string]interface{}{
		"variety":         angelVariety(req.Kind),
		"tradingsymbol":   res.TradingSymbol,
		"symboltoken":     res.Token,
		"transactiontype": req.Side.String(),
		"exchange":        res.Exchange,
		"ordertype":       angelOrderType(req.Kind),
		"producttype":     angelProduct(req.Product),
		"duration":        orDefault(req.Validity, "DAY"),
		"quantity":        fmt.Sprint(req.Quantity),
		"price":           fmt.Sprint(req.Price),
		"triggerprice":    fmt.Sprint(req.TriggerPrice),
	}
	if req.Tag != "" {
		body["ordertag"] = req.Tag
	}
	resp, err := invoke(ctx, b.policy, "place_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/rest/secure/angelbroking/order/v1/placeOrder", body)
	}, b.classify)
	if err != nil {
		return "", err
	}
	return strField(mapField(resp, "data"), "orderid"), nil
}

func (b *AngelOneBroker) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error {
	if !b.IsConnected() {
		return notConnectedErr(angelName, "modify_order")
	}
	res, err := b.resolve(ctx, req.Symbol)
	if err != nil {
		return err
	}
	body := map[string]interface{}{
		"variety":       angelVariety(req.Kind),
		"orderid":       orderID,
		"ordertype":     angelOrderType(req.Kind),
		"producttype":   angelProduct(req.Product),
		"duration":      orDefault(req.Validity, "DAY"),
		"price":         fmt.Sprint(req.Price),
		"triggerprice":  fmt.Sprint(req.TriggerPrice),
		"quantity":      fmt.Sprint(req.Quantity),
		"tradingsymbol": res.TradingSymbol,
		"symboltoken":   res.Token,
		"exchange":      res.Exchange,
	}
	_, err = invoke(ctx, b.policy, "modify_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postJSON(ctx, "/rest/secure/angelbroking/order/v1/modifyOrder", body)
	}, b.classify)
	return err
}

func (b *AngelOneBroker) CancelOrder(ctx context.Context, orderID string) error {
	if !b.IsConnected() {
		return notConnectedErr(angelName, "cancel_order")
	}
	// Variety is unknown here; try NORMAL first, then STOPLOSS.
	for _, variety := range []string{"NORMAL", "STOPLOSS"} {
		_, err := invoke(ctx, b.policy, "cancel_order", func(ctx context.Context) (map[string]interface{}, error) {
			return b.api.postJSON(ctx, "/rest/secure/angelbroking/order/v1/cancelOrder", map[string]interface{}{
				"variety": variety,
				"orderid": orderID,
			})
		}, b.classify)
		if err == nil {
			return nil
		}
		if apperrors.IsAuthExpired(err) {
			return err
		}
		if variety == "STOPLOSS" {
			return err
		}
	}
	return nil
}

func (b *AngelOneBroker) ExitPosition(ctx context.Context, symbol string) error {
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
	return resolutionErr(angelName, "exit_position", symbol)
}

func (b *AngelOneBroker) AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Kind:         models.OrderStopLossMarket,
		Product:      models.ProductIntraday,
		Quantity:     quantity,
		TriggerPrice: triggerPrice,
	})
}

func (b *AngelOneBroker) RemoveStopLoss(ctx context.Context, symbol string) error {
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
	return resolutionErr(angelName, "remove_stoploss", symbol)
}

func (b *AngelOneBroker) SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideSell,
		Kind:     models.OrderMarket,
		Product:  models.ProductIntraday,
		Quantity: quantity,
	})
}

func (b *AngelOneBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(angelName, "get_positions")
	}
	resp, err := invoke(ctx, b.policy, "get_positions", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/rest/secure/angelbroking/order/v1/getPosition", nil)
	}, b.classify)
	if err != nil {
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
		exchange := strings.ToUpper(strField(row, "exchange"))
		out = append(out, models.Position{
			Symbol:       JoinSymbol(exchange, strField(row, "tradingsymbol")),
			Exchange:     models.Exchange(exchange),
			Product:      angelProductReverse(strField(row, "producttype")),
			Quantity:     qty,
			BuyPrice:     numField(row, "buyavgprice"),
			LastPrice:    numField(row, "ltp"),
			PnL:          numField(row, "pnl"),
			PositionID:   strField(row, "symboltoken"),
			TradingsSide: side,
		})
	}
	return out, nil
}

func (b *AngelOneBroker) GetOrderbook(ctx context.Context) ([]models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(angelName, "get_orderbook")
	}
	resp, err := invoke(ctx, b.policy, "get_orderbook", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/rest/secure/angelbroking/order/v1/getOrderBook", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	var out []models.Order
	for _, item := range listField(resp, "data") {
		out = append(out, angelOrder(asMap(item)))
	}
	return out, nil
}

func (b *AngelOneBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := b.GetOrderbook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, resolutionErr(angelName, "get_order_status", orderID)
}

func angelOrder(row map[string]interface{}) models.Order {
	side := models.SideBuy
	if strings.EqualFold(strField(row, "transactiontype"), "SELL") {
		side = models.SideSell
	}
	exchange := strings.ToUpper(strField(row, "exchange"))
	return models.Order{
		OrderID:       strField(row, "orderid"),
		Symbol:        JoinSymbol(exchange, strField(row, "tradingsymbol")),
		Exchange:      models.Exchange(exchange),
		Side:          side,
		Kind:          angelOrderTypeReverse(strField(row, "ordertype")),
		Product:       angelProductReverse(strField(row, "producttype")),
		Status:        angelOrderStatus(strField(row, "status")),
		Quantity:      int(numField(row, "quantity")),
		FilledQty:     int(numField(row, "filledshares")),
		Price:         numField(row, "price"),
		TriggerPrice:  numField(row, "triggerprice"),
		AveragePrice:  numField(row, "averageprice"),
		StatusMessage: strField(row, "text"),
	}
}

// --- streaming ---

// angelExchangeType maps exchanges onto the websocket's numeric enum.
func angelExchangeType(exchange string) int {
	switch exchange {
	case "NFO":
		return 2
	case "BSE":
		return 3
	case "MCX":
		return 4
	default:
		return 1
	}
}

type angelStream struct {
	broker *AngelOneBroker
	sock   *vendorSocket
	cb     StreamCallbacks

	mu         sync.Mutex
	subscribed map[string]Resolution
}

func (b *AngelOneBroker) CreateStream(callbacks StreamCallbacks) (Stream, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(angelName, "create_stream")
	}
	s := &angelStream{
		broker:     b,
		cb:         callbacks,
		subscribed: make(map[string]Resolution),
	}
	sock := newVendorSocket(angelName, b.log)
	sock.dialInfo = func() (string, http.Header, error) {
		b.mu.RLock()
		jwt, feed := b.jwtToken, b.feedToken
		b.mu.RUnlock()
		if jwt == "" {
			return "", nil, apperrNotConnected
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+jwt)
		header.Set("x-api-key", b.creds.APIKey)
		header.Set("x-client-code", b.creds.ClientCode)
		header.Set("x-feed-token", feed)
		return angelWSURL, header, nil
	}
	sock.onOpen = func() error {
		if callbacks.OnConnect != nil {
			callbacks.OnConnect()
		}
		return s.send(1, s.snapshot())
	}
	sock.onMessage = func(_ int, data []byte) {
		if tick := b.NormalizeTick(data); tick != nil && s.cb.OnTick != nil {
			s.cb.OnTick(*tick)
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

func (s *angelStream) Connect(ctx context.Context) error {
	return s.sock.run(ctx)
}

func (s *angelStream) Subscribe(symbols []string) error {
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
	return s.send(1, added)
}

func (s *angelStream) Unsubscribe(symbols []string) error {
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
	return s.send(0, removed)
}

func (s *angelStream) Disconnect() error {
	return s.sock.close()
}

func (s *angelStream) snapshot() []Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Resolution, 0, len(s.subscribed))
	for _, r := range s.subscribed {
		out = append(out, r)
	}
	return out
}

// send builds the SmartAPI subscribe frame: action 1 subscribes, 0
// unsubscribes; tokens are grouped by exchangeType.
func (s *angelStream) send(action int, items []Resolution) error {
	if len(items) == 0 {
		return nil
	}
	grouped := make(map[int][]string)
	for _, r := range items {
		et := angelExchangeType(r.Exchange)
		grouped[et] = append(grouped[et], r.Token)
	}
	tokenList := make([]map[string]interface{}, 0, len(grouped))
	for et, tokens := range grouped {
		tokenList = append(tokenList, map[string]interface{}{
			"exchangeType": et,
			"tokens":       tokens,
		})
	}
	return s.sock.sendJSON(map[string]interface{}{
		"correlationID": "stream",
		"action":        action,
		"params": map[string]interface{}{
			"mode":      3,
			"tokenList": tokenList,
		},
	})
}

// The smart-stream sends packed little-endian frames, not JSON: a
// mode byte, an exchange type byte, a 25-byte NUL-padded token, then
// 8-byte fields. Frame length depends on the subscription mode.
const (
	angelModeLTP       = 1
	angelModeQuote     = 2
	angelModeSnapQuote = 3

	angelLTPFrameLen       = 51
	angelQuoteFrameLen     = 123
	angelSnapQuoteFrameLen = 379
)

func isAngelBinaryFrame(data []byte) bool {
	return len(data) >= angelLTPFrameLen && data[0] >= angelModeLTP && data[0] <= angelModeSnapQuote
}

// decodeAngelBinaryFrame unpacks a smart-stream frame into the field
// map the vendor SDKs expose, so one normalization path serves the
// wire frames and the REST-shaped payloads alike.
func decodeAngelBinaryFrame(data []byte) map[string]interface{} {
	if !isAngelBinaryFrame(data) {
		return nil
	}
	u64 := func(off int) float64 { return float64(binary.LittleEndian.Uint64(data[off:])) }
	f64 := func(off int) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(data[off:])) }

	m := map[string]interface{}{
		"subscription_mode":  float64(data[0]),
		"exchange_type":      float64(data[1]),
		"token":              string(data[2:27]),
		"sequence_number":    u64(27),
		"exchange_timestamp": u64(35),
		"last_traded_price":  u64(43),
	}
	if data[0] == angelModeLTP || len(data) < angelQuoteFrameLen {
		return m
	}
	m["last_traded_quantity"] = u64(51)
	m["average_traded_price"] = u64(59)
	m["volume_trade_for_the_day"] = u64(67)
	m["total_buy_quantity"] = f64(75)
	m["total_sell_quantity"] = f64(83)
	m["open_price_of_the_day"] = u64(91)
	m["high_price_of_the_day"] = u64(99)
	m["low_price_of_the_day"] = u64(107)
	m["closed_price"] = u64(115)
	if data[0] == angelModeQuote || len(data) < angelSnapQuoteFrameLen {
		return m
	}
	m["last_traded_timestamp"] = u64(123)
	m["open_interest"] = u64(131)
	// Ten 20-byte depth entries: flag, quantity, price, order count.
	// Flag 1 marks the buy side.
	var buys, sells []interface{}
	for i := 0; i < 10; i++ {
		off := 147 + i*20
		entry := map[string]interface{}{
			"quantity": float64(binary.LittleEndian.Uint64(data[off+2:])),
			"price":    float64(binary.LittleEndian.Uint64(data[off+10:])),
		}
		if binary.LittleEndian.Uint16(data[off:]) == 1 {
			buys = append(buys, entry)
		} else {
			sells = append(sells, entry)
		}
	}
	m["best_5_buy_data"] = buys
	m["best_5_sell_data"] = sells
	m["upper_circuit_limit"] = u64(347)
	m["lower_circuit_limit"] = u64(355)
	m["52_week_high_price"] = u64(363)
	m["52_week_low_price"] = u64(371)
	return m
}

// NormalizeTick converts a SmartAPI feed message, binary frame or
// decoded map. Prices arrive in paise and are scaled to rupees.
func (b *AngelOneBroker) NormalizeTick(raw interface{}) *models.Tick {
	if data, ok := raw.([]byte); ok && isAngelBinaryFrame(data) {
		raw = decodeAngelBinaryFrame(data)
	}
	m := rawToMap(raw)
	if m == nil {
		return nil
	}
	token := strings.TrimRight(strField(m, "token"), "\x00")
	if token == "" || !hasNum(m, "last_traded_price") {
		return nil
	}
	symbol, ok := b.symbols.symbolFor(token)
	if !ok {
		return nil
	}
	tick := &models.Tick{
		Symbol:    symbol,
		LTP:       numField(m, "last_traded_price") / 100,
		Open:      numField(m, "open_price_of_the_day") / 100,
		High:      numField(m, "high_price_of_the_day") / 100,
		Low:       numField(m, "low_price_of_the_day") / 100,
		PrevClose: numField(m, "closed_price") / 100,
		Volume:    intField(m, "volume_trade_for_the_day"),
		OI:        intField(m, "open_interest"),
	}
	if buys := listField(m, "best_5_buy_data"); len(buys) > 0 {
		tick.BidPrice = numField(asMap(buys[0]), "price") / 100
	}
	if sells := listField(m, "best_5_sell_data"); len(sells) > 0 {
		tick.AskPrice = numField(asMap(sells[0]), "price") / 100
	}
	if ts := intField(m, "exchange_timestamp"); ts > 0 {
		tick.Timestamp = time.Unix(ts/1000, 0)
	}
	return tick
}
