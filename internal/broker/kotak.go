package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"multibroker-trader/internal/config"
	apperrors "multibroker-trader/internal/errors"
	"multibroker-trader/internal/models"
	"multibroker-trader/internal/store"
)

const (
	kotakName     = "kotak"
	kotakAPIBase  = "https://gw-napi.kotaksecurities.com"
	kotakOAuthURL = "https://napi.kotaksecurities.com/oauth2/token"
	kotakWSURL    = "wss://mlhsm.kotaksecurities.com"
)

// KotakBroker implements the Neo API. Login chains three steps:
// client-credentials OAuth, TOTP validation, then MPIN validation.
// The Neo platform has no historical candle endpoint, so GetHistory
// always degrades to an unsupported error.
type KotakBroker struct {
	creds config.KotakCredentials

	mu          sync.RWMutex
	bearerToken string // oauth client token
	sessionAuth string // per-session Auth header value
	sid         string
	serverID    string

	api     *restClient
	symbols *instrumentCache
	policy  *callPolicy
	store   store.TokenStore
	log     zerolog.Logger
}

var _ Broker = (*KotakBroker)(nil)

func NewKotakBroker(creds config.KotakCredentials, opts AdapterOptions) *KotakBroker {
	b := &KotakBroker{
		creds:   creds,
		symbols: newInstrumentCache(),
		store:   opts.Store,
		log:     opts.Logger.With().Str("broker", kotakName).Logger(),
	}
	b.policy = newCallPolicy(kotakName, opts.RateLimit, opts.Logger)
	b.api = newRESTClient(kotakAPIBase, b.authHeaders)

	if token := restoreToken(opts.Store, kotakName, b.log); token != nil {
		// RefreshToken carries the sid, FeedToken the bearer.
		b.sessionAuth = token.AccessToken
		b.sid = token.RefreshToken
		b.bearerToken = token.FeedToken
		b.log.Info().Msg("Session restored from store")
	}
	return b
}

func (b *KotakBroker) authHeaders() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	headers := map[string]string{
		"Accept":      "application/json",
		"neo-fin-key": "neotradeapi",
	}
	if b.bearerToken != "" {
		headers["Authorization"] = "Bearer " + b.bearerToken
	}
	if b.sid != "" {
		headers["Sid"] = b.sid
	}
	if b.sessionAuth != "" {
		headers["Auth"] = b.sessionAuth
	}
	return headers
}

func (b *KotakBroker) Name() string { return kotakName }

func (b *KotakBroker) LoginURL() (string, error) {
	return "", unsupportedErr(kotakName, "login_url", "kotak neo logs in with TOTP+MPIN, no browser step")
}

// Login walks the three-step Neo handshake.
func (b *KotakBroker) Login(ctx context.Context) error {
	bearer, err := b.fetchBearer(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.bearerToken = bearer
	b.mu.Unlock()

	code, err := totp.GenerateCode(b.creds.TOTPSecret, time.Now())
	if err != nil {
		return malformedErr(kotakName, "login", "TOTP generation failed: "+err.Error())
	}

	// Step 2: TOTP validation yields an interim token and sid.
	resp, err := b.api.postJSON(ctx, "/login/1.0/login/v2/validate", map[string]interface{}{
		"mobileNumber": b.creds.Mobile,
		"ucc":          b.creds.UCC,
		"totp":         code,
	})
	if v := b.classify(resp, err); v.outcome != outcomeOK {
		return apperrors.NewBrokerError(kotakName, "login", apperrors.KindAuthExpired, v.code, v.message, err)
	}
	data := mapField(resp, "data")
	interim := strField(data, "token")
	sid := strField(data, "sid")
	if interim == "" || sid == "" {
		return malformedErr(kotakName, "login", "TOTP validation response missing token/sid")
	}
	b.mu.Lock()
	b.sessionAuth = interim
	b.sid = sid
	b.mu.Unlock()

	// Step 3: MPIN validation upgrades to a trading session.
	resp, err = b.api.postJSON(ctx, "/login/1.0/login/v2/validate", map[string]interface{}{
		"mobileNumber": b.creds.Mobile,
		"sid":          sid,
		"mpin":         b.creds.MPIN,
	})
	if v := b.classify(resp, err); v.outcome != outcomeOK {
		return apperrors.NewBrokerError(kotakName, "login", apperrors.KindAuthExpired, v.code, v.message, err)
	}
	data = mapField(resp, "data")
	session := strField(data, "token")
	if session == "" {
		return malformedErr(kotakName, "login", "MPIN validation response missing token")
	}

	b.mu.Lock()
	b.sessionAuth = session
	b.sid = orDefault(strField(data, "sid"), sid)
	b.serverID = strField(data, "hsServerId")
	b.mu.Unlock()

	persistToken(b.store, &store.Token{
		Broker:       kotakName,
		AccessToken:  session,
		RefreshToken: b.sid,
		FeedToken:    bearer,
		SavedAt:      time.Now(),
		ExpiresAt:    istNextMorning(time.Now()),
	}, b.log)
	b.log.Info().Msg("Login complete")
	return nil
}

// fetchBearer runs the client-credentials grant.
func (b *KotakBroker) fetchBearer(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kotakOAuthURL,
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(b.creds.ConsumerKey + ":" + b.creds.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", apperrors.NewBrokerError(kotakName, "login", apperrors.KindTransient, "", "oauth token request failed", err)
	}
	defer resp.Body.Close()
	body := rawToMapReader(resp.Body)
	token := strField(body, "access_token")
	if token == "" {
		return "", apperrors.NewBrokerError(kotakName, "login", apperrors.KindAuthExpired, fmt.Sprint(resp.StatusCode), "oauth grant refused", nil)
	}
	return token, nil
}

func (b *KotakBroker) CompleteLogin(ctx context.Context, _ string) error {
	return b.Login(ctx)
}

func (b *KotakBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessionAuth != "" && b.sid != ""
}

func (b *KotakBroker) Cleanup() error {
	b.mu.Lock()
	b.bearerToken, b.sessionAuth, b.sid, b.serverID = "", "", "", ""
	b.mu.Unlock()
	return nil
}

// classify handles the Neo envelope, which answers either stat:"Ok"
// or status:"success" depending on the endpoint.
func (b *KotakBroker) classify(resp map[string]interface{}, err error) verdict {
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

	if strings.EqualFold(strField(resp, "stat"), "Ok") ||
		strings.EqualFold(strField(resp, "status"), "success") ||
		resp["data"] != nil {
		return okVerdict()
	}
	message := orDefault(strField(resp, "errMsg"), strField(resp, "emsg"))
	if containsAny(message, []string{"session", "token", "expired", "invalid credentials", "unauthori"}) {
		return authExpiredVerdict(strField(resp, "code"), message)
	}
	return rejectVerdict(apperrors.KindRejected, strField(resp, "code"), message)
}

// kotakSegment maps exchanges onto Neo's segment names.
func kotakSegment(exchange string) string {
	switch exchange {
	case "NFO":
		return "nse_fo"
	case "BSE":
		return "bse_cm"
	default:
		return "nse_cm"
	}
}

func kotakSegmentReverse(seg string) string {
	switch strings.ToLower(seg) {
	case "nse_fo":
		return "NFO"
	case "bse_cm":
		return "BSE"
	default:
		return "NSE"
	}
}

// kotakScrip is one row of the per-segment master files.
type kotakScrip struct {
	Token         string `csv:"pSymbol"`
	TradingSymbol string `csv:"pTrdSymbol"`
	Segment       string `csv:"pExchSeg"`
	LotSize       int    `csv:"lLotSize"`
}

func (b *KotakBroker) loadInstruments(ctx context.Context) error {
	if b.symbols.isLoaded() {
		return nil
	}
	resp, err := invoke(ctx, b.policy, "load_instruments", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/Files/1.0/masterscrip/v2/file-paths", nil)
	}, b.classify)
	if err != nil {
		return err
	}
	for _, item := range listField(mapField(resp, "data"), "filesPaths") {
		fileURL, ok := item.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(fileURL)
		if !strings.Contains(lower, "nse_cm") && !strings.Contains(lower, "nse_fo") && !strings.Contains(lower, "bse_cm") {
			continue
		}
		data, err := b.api.getRaw(ctx, fileURL)
		if err != nil {
			b.log.Warn().Err(err).Str("url", fileURL).Msg("Master file download failed")
			continue
		}
		var rows []kotakScrip
		if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
			b.log.Warn().Err(err).Str("url", fileURL).Msg("Master file parse failed")
			continue
		}
		for _, row := range rows {
			exchange := kotakSegmentReverse(row.Segment)
			b.symbols.put(Resolution{
				Symbol:        JoinSymbol(exchange, row.TradingSymbol),
				Exchange:      exchange,
				TradingSymbol: strings.ToUpper(row.TradingSymbol),
				Token:         row.Token,
				LotSize:       row.LotSize,
				Verified:      true,
			})
		}
	}
	b.symbols.markLoaded()
	b.log.Info().Int("instruments", b.symbols.size()).Msg("Master files loaded")
	return nil
}

func (b *KotakBroker) resolve(ctx context.Context, symbol string) (Resolution, error) {
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
	if exchange == "NSE" && !strings.Contains(trading, "-") {
		if r, ok := b.symbols.get(JoinSymbol(exchange, trading+"-EQ")); ok {
			return r, nil
		}
	}
	return Resolution{}, resolutionErr(kotakName, "resolve", symbol)
}

func (b *KotakBroker) GetProfile(ctx context.Context) (*models.Profile, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(kotakName, "get_profile")
	}
	// Neo has no profile endpoint worth the name; identity comes from
	// the configured UCC.
	return &models.Profile{
		UserID: b.creds.UCC,
		Broker: kotakName,
	}, nil
}

func (b *KotakBroker) GetBalance(ctx context.Context, capitalReserve float64) (float64, error) {
	if !b.IsConnected() {
		return 0, notConnectedErr(kotakName, "get_balance")
	}
	resp, err := invoke(ctx, b.policy, "get_balance", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postForm(ctx, "/Orders/2.0/quick/user/limits",
			"jData="+url.QueryEscape(`{"seg":"ALL","exch":"ALL","prod":"ALL"}`))
	}, b.classify)
	if err != nil {
		return 0, err
	}
	data := mapField(resp, "data")
	if data == nil {
		data = resp
	}
	return numField(data, "Net") * (1 - capitalReserve), nil
}

// GetHistory always degrades: the Neo API exposes no candle data.
func (b *KotakBroker) GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error) {
	b.log.Warn().Str("symbol", symbol).Msg("Historical data not available on kotak neo")
	return nil, unsupportedErr(kotakName, "get_history", "kotak neo has no historical data API")
}

func (b *KotakBroker) GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error) {
	b.log.Warn().Str("symbol", symbol).Msg("Historical data not available on kotak neo")
	return nil, unsupportedErr(kotakName, "get_history", "kotak neo has no historical data API")
}

func (b *KotakBroker) GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := b.GetOptionQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.LTP, nil
}

func (b *KotakBroker) GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	quotes, err := b.GetOptionChainQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if q, ok := quotes[symbol]; ok {
		return &q, nil
	}
	return nil, resolutionErr(kotakName, "get_quote", symbol)
}

func (b *KotakBroker) GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(kotakName, "get_quotes")
	}
	ids := make([]string, 0, len(symbols))
	symbolFor := make(map[string]string)
	for _, s := range symbols {
		res, err := b.resolve(ctx, s)
		if err != nil {
			return nil, err
		}
		id := kotakSegment(res.Exchange) + "|" + res.Token
		ids = append(ids, id)
		symbolFor[res.Token] = s
	}

	resp, err := invoke(ctx, b.policy, "get_quotes", func(ctx context.Context) (map[string]interface{}, error) {
		q := url.Values{}
		q.Set("sids", strings.Join(ids, ","))
		return b.api.getJSON(ctx, "/apim/quotes/1.0/quote", q)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.Quote)
	for _, item := range listField(resp, "data") {
		row := asMap(item)
		symbol, ok := symbolFor[strField(row, "tk")]
		if !ok {
			continue
		}
		out[symbol] = models.Quote{
			Symbol:   symbol,
			LTP:      numField(row, "ltp"),
			Open:     numField(row, "op"),
			High:     numField(row, "h"),
			Low:      numField(row, "lo"),
			Close:    numField(row, "c"),
			BidPrice: numField(row, "bp"),
			AskPrice: numField(row, "sp"),
			Volume:   intField(row, "v"),
			OI:       intField(row, "oi"),
		}
	}
	return out, nil
}

func kotakOrderType(kind models.OrderKind) string {
	switch kind {
	case models.OrderLimit:
		return "L"
	case models.OrderStopLossMarket:
		return "SL-M"
	default:
		return "MKT"
	}
}

func kotakOrderTypeReverse(s string) models.OrderKind {
	switch strings.ToUpper(s) {
	case "L":
		return models.OrderLimit
	case "SL-M", "SL":
		return models.OrderStopLossMarket
	default:
		return models.OrderMarket
	}
}

func kotakProduct(p models.Product) string {
	switch p {
	case models.ProductDelivery:
		return "CNC"
	case models.ProductMargin:
		return "NRML"
	default:
		return "MIS"
	}
}

func kotakProductReverse(s string) models.Product {
	switch strings.ToUpper(s) {
	case "CNC":
		return models.ProductDelivery
	case "NRML":
		return models.ProductMargin
	default:
		return models.ProductIntraday
	}
}

func kotakOrderStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "complete", "traded":
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

// orderForm wraps a payload in the jData form Neo's order endpoints
// expect.
func kotakOrderForm(payload map[string]interface{}) string {
	data, _ := json.Marshal(payload)
	return "jData=" + url.QueryEscape(string(data))
}

func (b *KotakBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", notConnectedErr(kotakName, "place_order")
	}
	res, err := b.resolve(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	payload := map[string]interface{}{
		"am": "NO",
		"dq": "0",
		"es": kotakSegment(res.Exchange),
		"mp": "0",
		"pc": kotakProduct(req.Product),
		"pf": "N",
		"pr": fmt.Sprint(req.Price),
		"pt": kotakOrderType(req.Kind),
		"qt": fmt.Sprint(req.Quantity),
		"rt": orDefault(req.Validity, "DAY"),
		"tp": fmt.Sprint(req.TriggerPrice),
		"ts": res.TradingSymbol,
		"tt": norenSide(req.Side),
	}
	resp, err := invoke(ctx, b.policy, "place_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postForm(ctx, "/Orders/2.0/quick/order/rule/ms/place", kotakOrderForm(payload))
	}, b.classify)
	if err != nil {
		return "", err
	}
	id := strField(resp, "nOrdNo")
	if id == "" {
		id = strField(mapField(resp, "data"), "orderId")
	}
	return id, nil
}

func (b *KotakBroker) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error {
	if !b.IsConnected() {
		return notConnectedErr(kotakName, "modify_order")
	}
	payload := map[string]interface{}{
		"no": orderID,
		"pr": fmt.Sprint(req.Price),
		"qt": fmt.Sprint(req.Quantity),
		"tp": fmt.Sprint(req.TriggerPrice),
		"pt": kotakOrderType(req.Kind),
		"rt": orDefault(req.Validity, "DAY"),
	}
	_, err := invoke(ctx, b.policy, "modify_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postForm(ctx, "/Orders/2.0/quick/order/vr/modify", kotakOrderForm(payload))
	}, b.classify)
	return err
}

func (b *KotakBroker) CancelOrder(ctx context.Context, orderID string) error {
	if !b.IsConnected() {
		return notConnectedErr(kotakName, "cancel_order")
	}
	_, err := invoke(ctx, b.policy, "cancel_order", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.postForm(ctx, "/Orders/2.0/quick/order/cancel", kotakOrderForm(map[string]interface{}{"on": orderID}))
	}, b.classify)
	return err
}

func (b *KotakBroker) ExitPosition(ctx context.Context, symbol string) error {
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
	return resolutionErr(kotakName, "exit_position", symbol)
}

func (b *KotakBroker) AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Kind:         models.OrderStopLossMarket,
		Product:      models.ProductIntraday,
		Quantity:     quantity,
		TriggerPrice: triggerPrice,
	})
}

func (b *KotakBroker) RemoveStopLoss(ctx context.Context, symbol string) error {
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
	return resolutionErr(kotakName, "remove_stoploss", symbol)
}

func (b *KotakBroker) SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideSell,
		Kind:     models.OrderMarket,
		Product:  models.ProductIntraday,
		Quantity: quantity,
	})
}

func (b *KotakBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(kotakName, "get_positions")
	}
	resp, err := invoke(ctx, b.policy, "get_positions", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/Orders/2.0/quick/user/positions", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	var out []models.Position
	for _, item := range listField(resp, "data") {
		row := asMap(item)
		bought := numField(row, "flBuyQty") + numField(row, "cfBuyQty")
		sold := numField(row, "flSellQty") + numField(row, "cfSellQty")
		qty := int(bought - sold)
		side := models.SideBuy
		if qty < 0 {
			side = models.SideSell
		}
		exchange := kotakSegmentReverse(strField(row, "exSeg"))
		out = append(out, models.Position{
			Symbol:       JoinSymbol(exchange, strField(row, "trdSym")),
			Exchange:     models.Exchange(exchange),
			Product:      kotakProductReverse(strField(row, "prod")),
			Quantity:     qty,
			BuyPrice:     numField(row, "buyAmt") / maxFloat(bought, 1),
			LastPrice:    numField(row, "ltp"),
			PositionID:   strField(row, "tok"),
			TradingsSide: side,
		})
	}
	return out, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (b *KotakBroker) GetOrderbook(ctx context.Context) ([]models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(kotakName, "get_orderbook")
	}
	resp, err := invoke(ctx, b.policy, "get_orderbook", func(ctx context.Context) (map[string]interface{}, error) {
		return b.api.getJSON(ctx, "/Orders/2.0/quick/user/orders", nil)
	}, b.classify)
	if err != nil {
		return nil, err
	}

	var out []models.Order
	for _, item := range listField(resp, "data") {
		out = append(out, kotakOrder(asMap(item)))
	}
	return out, nil
}

func (b *KotakBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := b.GetOrderbook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, resolutionErr(kotakName, "get_order_status", orderID)
}

func kotakOrder(row map[string]interface{}) models.Order {
	side := models.SideBuy
	if strings.EqualFold(strField(row, "trnsTp"), "S") {
		side = models.SideSell
	}
	exchange := kotakSegmentReverse(strField(row, "exSeg"))
	id := strField(row, "nOrdNo")
	if id == "" {
		id = strField(row, "orderId")
	}
	return models.Order{
		OrderID:       id,
		Symbol:        JoinSymbol(exchange, strField(row, "trdSym")),
		Exchange:      models.Exchange(exchange),
		Side:          side,
		Kind:          kotakOrderTypeReverse(strField(row, "prcTp")),
		Product:       kotakProductReverse(strField(row, "prod")),
		Status:        kotakOrderStatus(strField(row, "ordSt")),
		Quantity:      int(numField(row, "qty")),
		FilledQty:     int(numField(row, "fldQty")),
		Price:         numField(row, "prc"),
		TriggerPrice:  numField(row, "trgPrc"),
		AveragePrice:  numField(row, "avgPrc"),
		StatusMessage: strField(row, "rejRsn"),
	}
}

// --- streaming ---

type kotakStream struct {
	broker *KotakBroker
	sock   *vendorSocket
	cb     StreamCallbacks

	mu         sync.Mutex
	subscribed map[string]Resolution
}

func (b *KotakBroker) CreateStream(callbacks StreamCallbacks) (Stream, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(kotakName, "create_stream")
	}
	s := &kotakStream{
		broker:     b,
		cb:         callbacks,
		subscribed: make(map[string]Resolution),
	}
	sock := newVendorSocket(kotakName, b.log)
	sock.dialInfo = func() (string, http.Header, error) {
		if !b.IsConnected() {
			return "", nil, apperrNotConnected
		}
		return kotakWSURL, nil, nil
	}
	sock.onOpen = func() error {
		b.mu.RLock()
		auth, sid := b.sessionAuth, b.sid
		b.mu.RUnlock()
		if err := s.sock.sendJSON(map[string]interface{}{
			"Authorization": auth,
			"Sid":           sid,
			"type":          "cn",
		}); err != nil {
			return err
		}
		if callbacks.OnConnect != nil {
			callbacks.OnConnect()
		}
		return s.resubscribe()
	}
	sock.onMessage = func(_ int, data []byte) {
		// Ticks can arrive as a single object or a list.
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

func (s *kotakStream) Connect(ctx context.Context) error {
	return s.sock.run(ctx)
}

func (s *kotakStream) Subscribe(symbols []string) error {
	s.mu.Lock()
	for _, sym := range symbols {
		res, err := s.broker.resolve(context.Background(), sym)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.subscribed[res.Symbol] = res
	}
	s.mu.Unlock()
	if !s.sock.isConnected() {
		return nil
	}
	return s.resubscribe()
}

func (s *kotakStream) Unsubscribe(symbols []string) error {
	var removed []string
	s.mu.Lock()
	for _, sym := range symbols {
		res, err := s.broker.resolve(context.Background(), sym)
		if err != nil {
			continue
		}
		if r, ok := s.subscribed[res.Symbol]; ok {
			removed = append(removed, kotakSegment(r.Exchange)+"|"+r.Token)
			delete(s.subscribed, res.Symbol)
		}
	}
	s.mu.Unlock()
	if len(removed) == 0 || !s.sock.isConnected() {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{
		"type":       "mwu",
		"scrips":     strings.Join(removed, "&"),
		"channelnum": "1",
	})
}

func (s *kotakStream) Disconnect() error {
	return s.sock.close()
}

func (s *kotakStream) resubscribe() error {
	s.mu.Lock()
	scrips := make([]string, 0, len(s.subscribed))
	for _, r := range s.subscribed {
		scrips = append(scrips, kotakSegment(r.Exchange)+"|"+r.Token)
	}
	s.mu.Unlock()
	if len(scrips) == 0 {
		return nil
	}
	return s.sock.sendJSON(map[string]interface{}{
		"type":       "mws",
		"scrips":     strings.Join(scrips, "&"),
		"channelnum": "1",
	})
}

// NormalizeTick handles HSM feed entries; fields mirror the quote
// shape (ltp/bp/sp/op/h/lo/c).
func (b *KotakBroker) NormalizeTick(raw interface{}) *models.Tick {
	m := rawToMap(raw)
	if m == nil {
		if list := rawToMaps(raw); len(list) > 0 {
			m = list[0]
		}
	}
	if m == nil {
		return nil
	}
	tk := strField(m, "tk")
	if tk == "" || !hasNum(m, "ltp") {
		return nil
	}
	symbol, ok := b.symbols.symbolFor(tk)
	if !ok {
		return nil
	}
	tick := &models.Tick{
		Symbol:    symbol,
		LTP:       numField(m, "ltp"),
		BidPrice:  numField(m, "bp"),
		AskPrice:  numField(m, "sp"),
		Open:      numField(m, "op"),
		High:      numField(m, "h"),
		Low:       numField(m, "lo"),
		PrevClose: numField(m, "c"),
		Volume:    intField(m, "v"),
		OI:        intField(m, "oi"),
	}
	if ts := intField(m, "ltt"); ts > 0 {
		tick.Timestamp = time.Unix(ts, 0)
	}
	return tick
}
