package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"multibroker-trader/internal/config"
	apperrors "multibroker-trader/internal/errors"
	"multibroker-trader/internal/models"
	"multibroker-trader/internal/store"
)

const zerodhaName = "zerodha"

var zerodhaTokenMessages = []string{
	"tokenexception", "token expired", "invalid token",
	"api_key or access_token", "invalid session",
}

// ZerodhaBroker implements the Broker interface over Kite Connect.
type ZerodhaBroker struct {
	client    *kiteconnect.Client
	apiKey    string
	apiSecret string
	userID    string

	mu          sync.RWMutex
	accessToken string

	symbols *instrumentCache
	policy  *callPolicy
	store   store.TokenStore
	log     zerolog.Logger
}

var _ Broker = (*ZerodhaBroker)(nil)

// NewZerodhaBroker builds the adapter and restores any persisted
// session. It performs no network I/O.
func NewZerodhaBroker(creds config.ZerodhaCredentials, opts AdapterOptions) *ZerodhaBroker {
	b := &ZerodhaBroker{
		client:    kiteconnect.New(creds.APIKey),
		apiKey:    creds.APIKey,
		apiSecret: creds.APISecret,
		userID:    creds.UserID,
		symbols:   newInstrumentCache(),
		store:     opts.Store,
		log:       opts.Logger.With().Str("broker", zerodhaName).Logger(),
	}
	b.policy = newCallPolicy(zerodhaName, opts.RateLimit, opts.Logger)

	if token := restoreToken(opts.Store, zerodhaName, b.log); token != nil {
		b.accessToken = token.AccessToken
		b.client.SetAccessToken(token.AccessToken)
		b.log.Info().Msg("Session restored from store")
	}
	return b
}

func (b *ZerodhaBroker) Name() string { return zerodhaName }

func (b *ZerodhaBroker) LoginURL() (string, error) {
	return b.client.GetLoginURL(), nil
}

func (b *ZerodhaBroker) Login(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}
	return apperrors.NewBrokerError(zerodhaName, "login", apperrors.KindAuthExpired, "",
		"no valid session; complete the OAuth login", nil)
}

// CompleteLogin exchanges the request token from the Kite redirect.
func (b *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	session, err := invoke(ctx, b.policy, "complete_login", func(ctx context.Context) (kiteconnect.UserSession, error) {
		return b.client.GenerateSession(strings.TrimSpace(requestToken), b.apiSecret)
	}, func(_ kiteconnect.UserSession, err error) verdict { return b.classify(err) })
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.accessToken = session.AccessToken
	b.client.SetAccessToken(session.AccessToken)
	b.mu.Unlock()

	persistToken(b.store, &store.Token{
		Broker:      zerodhaName,
		AccessToken: session.AccessToken,
		ExpiresAt:   istNextMorning(time.Now()),
	}, b.log)
	b.log.Info().Msg("Login complete")
	return nil
}

func (b *ZerodhaBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accessToken != ""
}

func (b *ZerodhaBroker) Cleanup() error { return nil }

// classify maps gokiteconnect errors onto the shared policy. The SDK
// surfaces vendor failures as error strings, so signatures are
// matched on text.
func (b *ZerodhaBroker) classify(err error) verdict {
	if err == nil {
		return okVerdict()
	}
	msg := err.Error()
	if containsAny(msg, zerodhaTokenMessages) {
		return authExpiredVerdict("", msg)
	}
	if transportRetryable(err) || containsAny(msg, []string{"too many requests", "gateway", "service unavailable"}) {
		return retryVerdict("", msg)
	}
	return rejectVerdict(apperrors.KindRejected, "", msg)
}

func (b *ZerodhaBroker) GetProfile(ctx context.Context) (*models.Profile, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(zerodhaName, "get_profile")
	}
	profile, err := invoke(ctx, b.policy, "get_profile", func(ctx context.Context) (kiteconnect.UserProfile, error) {
		return b.client.GetUserProfile()
	}, func(_ kiteconnect.UserProfile, err error) verdict { return b.classify(err) })
	if err != nil {
		return nil, err
	}
	return &models.Profile{
		UserID:   profile.UserID,
		Name:     profile.UserName,
		Email:    profile.Email,
		Broker:   zerodhaName,
		Exchange: profile.Exchanges,
	}, nil
}

func (b *ZerodhaBroker) GetBalance(ctx context.Context, capitalReserve float64) (float64, error) {
	if !b.IsConnected() {
		return 0, notConnectedErr(zerodhaName, "get_balance")
	}
	margins, err := invoke(ctx, b.policy, "get_balance", func(ctx context.Context) (kiteconnect.AllMargins, error) {
		return b.client.GetUserMargins()
	}, func(_ kiteconnect.AllMargins, err error) verdict { return b.classify(err) })
	if err != nil {
		return 0, err
	}
	return margins.Equity.Available.Cash * (1 - capitalReserve), nil
}

func (b *ZerodhaBroker) GetHistory(ctx context.Context, symbol, resolution string, lookbackDays int) ([]models.Candle, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)
	return b.GetHistoryForTimeframe(ctx, symbol, resolution, from, to)
}

func (b *ZerodhaBroker) GetHistoryForTimeframe(ctx context.Context, symbol, resolution string, from, to time.Time) ([]models.Candle, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(zerodhaName, "get_history")
	}
	res, err := b.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	token, _ := strconv.Atoi(res.Token)

	data, err := invoke(ctx, b.policy, "get_history", func(ctx context.Context) ([]kiteconnect.HistoricalData, error) {
		return b.client.GetHistoricalData(token, zerodhaInterval(resolution), from, to, false, true)
	}, func(_ []kiteconnect.HistoricalData, err error) verdict { return b.classify(err) })
	if err != nil {
		return nil, err
	}

	candles := make([]models.Candle, len(data))
	for i, d := range data {
		candles[i] = models.Candle{
			Timestamp: d.Date.Time,
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    int64(d.Volume),
		}
	}
	return candles, nil
}

func zerodhaInterval(resolution string) string {
	switch strings.ToUpper(resolution) {
	case "1":
		return "minute"
	case "3":
		return "3minute"
	case "5":
		return "5minute"
	case "15":
		return "15minute"
	case "30":
		return "30minute"
	case "60":
		return "60minute"
	case "D", "1D", "DAY":
		return "day"
	default:
		return "day"
	}
}

func (b *ZerodhaBroker) GetOptionCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := b.GetOptionQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.LTP, nil
}

func (b *ZerodhaBroker) GetOptionQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	quotes, err := b.GetOptionChainQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if q, ok := quotes[symbol]; ok {
		return &q, nil
	}
	return nil, resolutionErr(zerodhaName, "get_quote", symbol)
}

func (b *ZerodhaBroker) GetOptionChainQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(zerodhaName, "get_quotes")
	}
	wire := make([]string, 0, len(symbols))
	bySymbol := make(map[string]string, len(symbols))
	for _, s := range symbols {
		exchange, trading := SplitSymbol(s)
		w := exchange + ":" + trading
		wire = append(wire, w)
		bySymbol[w] = s
	}

	quotes, err := invoke(ctx, b.policy, "get_quotes", func(ctx context.Context) (kiteconnect.Quote, error) {
		return b.client.GetQuote(wire...)
	}, func(_ kiteconnect.Quote, err error) verdict { return b.classify(err) })
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.Quote)
	for w, q := range quotes {
		symbol, ok := bySymbol[w]
		if !ok {
			symbol = w
		}
		changePercent := 0.0
		if q.OHLC.Close > 0 {
			changePercent = (q.NetChange / q.OHLC.Close) * 100
		}
		out[symbol] = models.Quote{
			Symbol:        symbol,
			LTP:           q.LastPrice,
			Open:          q.OHLC.Open,
			High:          q.OHLC.High,
			Low:           q.OHLC.Low,
			Close:         q.OHLC.Close,
			Volume:        int64(q.Volume),
			Change:        q.NetChange,
			ChangePercent: changePercent,
			Timestamp:     q.LastTradeTime.Time,
		}
	}
	return out, nil
}

func (b *ZerodhaBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	if !b.IsConnected() {
		return "", notConnectedErr(zerodhaName, "place_order")
	}
	exchange, trading := SplitSymbol(req.Symbol)
	params := kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   trading,
		TransactionType: req.Side.String(),
		OrderType:       zerodhaOrderType(req.Kind),
		Product:         zerodhaProduct(req.Product),
		Quantity:        req.Quantity,
		Price:           req.Price,
		TriggerPrice:    req.TriggerPrice,
		Validity:        orDefault(req.Validity, "DAY"),
		Tag:             req.Tag,
	}
	resp, err := invoke(ctx, b.policy, "place_order", func(ctx context.Context) (kiteconnect.OrderResponse, error) {
		return b.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	}, func(_ kiteconnect.OrderResponse, err error) verdict { return b.classify(err) })
	if err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

func (b *ZerodhaBroker) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) error {
	if !b.IsConnected() {
		return notConnectedErr(zerodhaName, "modify_order")
	}
	params := kiteconnect.OrderParams{
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
	}
	if req.Kind != 0 {
		params.OrderType = zerodhaOrderType(req.Kind)
	}
	_, err := invoke(ctx, b.policy, "modify_order", func(ctx context.Context) (kiteconnect.OrderResponse, error) {
		return b.client.ModifyOrder(kiteconnect.VarietyRegular, orderID, params)
	}, func(_ kiteconnect.OrderResponse, err error) verdict { return b.classify(err) })
	return err
}

func (b *ZerodhaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if !b.IsConnected() {
		return notConnectedErr(zerodhaName, "cancel_order")
	}
	_, err := invoke(ctx, b.policy, "cancel_order", func(ctx context.Context) (kiteconnect.OrderResponse, error) {
		return b.client.CancelOrder(kiteconnect.VarietyRegular, orderID, nil)
	}, func(_ kiteconnect.OrderResponse, err error) verdict { return b.classify(err) })
	return err
}

// ExitPosition squares off the net position with an opposite market
// order.
func (b *ZerodhaBroker) ExitPosition(ctx context.Context, symbol string) error {
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
	return resolutionErr(zerodhaName, "exit_position", symbol)
}

func (b *ZerodhaBroker) AddStopLoss(ctx context.Context, symbol string, quantity int, triggerPrice float64) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:       symbol,
		Side:         models.SideSell,
		Kind:         models.OrderStopLossMarket,
		Product:      models.ProductIntraday,
		Quantity:     quantity,
		TriggerPrice: triggerPrice,
	})
}

func (b *ZerodhaBroker) RemoveStopLoss(ctx context.Context, symbol string) error {
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
	return resolutionErr(zerodhaName, "remove_stoploss", symbol)
}

func (b *ZerodhaBroker) SellAtMarket(ctx context.Context, symbol string, quantity int) (string, error) {
	return b.PlaceOrder(ctx, models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideSell,
		Kind:     models.OrderMarket,
		Product:  models.ProductIntraday,
		Quantity: quantity,
	})
}

func (b *ZerodhaBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(zerodhaName, "get_positions")
	}
	positions, err := invoke(ctx, b.policy, "get_positions", func(ctx context.Context) (kiteconnect.Positions, error) {
		return b.client.GetPositions()
	}, func(_ kiteconnect.Positions, err error) verdict { return b.classify(err) })
	if err != nil {
		return nil, err
	}

	var out []models.Position
	for _, p := range positions.Net {
		if p.Quantity == 0 {
			continue
		}
		side := models.SideBuy
		if p.Quantity < 0 {
			side = models.SideSell
		}
		out = append(out, models.Position{
			Symbol:       JoinSymbol(p.Exchange, p.Tradingsymbol),
			Exchange:     models.Exchange(p.Exchange),
			Product:      zerodhaProductReverse(p.Product),
			Quantity:     int(p.Quantity),
			BuyPrice:     p.AveragePrice,
			LastPrice:    p.LastPrice,
			PnL:          (p.LastPrice - p.AveragePrice) * float64(p.Quantity) * float64(p.Multiplier),
			PositionID:   fmt.Sprintf("%s:%s:%s", p.Exchange, p.Tradingsymbol, p.Product),
			TradingsSide: side,
		})
	}
	return out, nil
}

func (b *ZerodhaBroker) GetOrderbook(ctx context.Context) ([]models.Order, error) {
	if !b.IsConnected() {
		return nil, notConnectedErr(zerodhaName, "get_orderbook")
	}
	orders, err := invoke(ctx, b.policy, "get_orderbook", func(ctx context.Context) (kiteconnect.Orders, error) {
		return b.client.GetOrders()
	}, func(_ kiteconnect.Orders, err error) verdict { return b.classify(err) })
	if err != nil {
		return nil, err
	}

	out := make([]models.Order, len(orders))
	for i, o := range orders {
		side := models.SideBuy
		if o.TransactionType == "SELL" {
			side = models.SideSell
		}
		out[i] = models.Order{
			OrderID:       o.OrderID,
			Symbol:        JoinSymbol(o.Exchange, o.TradingSymbol),
			Exchange:      models.Exchange(o.Exchange),
			Side:          side,
			Kind:          zerodhaOrderTypeReverse(o.OrderType),
			Product:       zerodhaProductReverse(o.Product),
			Status:        zerodhaOrderStatus(o.Status),
			Quantity:      int(o.Quantity),
			FilledQty:     int(o.FilledQuantity),
			Price:         o.Price,
			TriggerPrice:  o.TriggerPrice,
			AveragePrice:  o.AveragePrice,
			StatusMessage: o.StatusMessage,
			PlacedAt:      o.OrderTimestamp.Time,
		}
	}
	return out, nil
}

func (b *ZerodhaBroker) GetOrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := b.GetOrderbook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, resolutionErr(zerodhaName, "get_order_status", orderID)
}

func zerodhaOrderType(kind models.OrderKind) string {
	switch kind {
	case models.OrderLimit:
		return "LIMIT"
	case models.OrderStopLossMarket:
		return "SL-M"
	default:
		return "MARKET"
	}
}

func zerodhaOrderTypeReverse(s string) models.OrderKind {
	switch strings.ToUpper(s) {
	case "LIMIT":
		return models.OrderLimit
	case "SL-M", "SL":
		return models.OrderStopLossMarket
	default:
		return models.OrderMarket
	}
}

func zerodhaProduct(p models.Product) string {
	switch p {
	case models.ProductDelivery:
		return "CNC"
	case models.ProductMargin:
		return "NRML"
	default:
		return "MIS"
	}
}

func zerodhaProductReverse(s string) models.Product {
	switch strings.ToUpper(s) {
	case "CNC":
		return models.ProductDelivery
	case "NRML":
		return models.ProductMargin
	default:
		return models.ProductIntraday
	}
}

func zerodhaOrderStatus(s string) models.OrderStatus {
	switch strings.ToUpper(s) {
	case "COMPLETE":
		return models.OrderStatusComplete
	case "CANCELLED":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	case "OPEN":
		return models.OrderStatusOpen
	default:
		return models.OrderStatusPending
	}
}

// resolve looks a canonical symbol up in the instrument dump, loading
// the dump once on demand.
func (b *ZerodhaBroker) resolve(ctx context.Context, symbol string) (Resolution, error) {
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
	return Resolution{}, resolutionErr(zerodhaName, "resolve", symbol)
}

func (b *ZerodhaBroker) loadInstruments(ctx context.Context) error {
	if b.symbols.isLoaded() {
		return nil
	}
	instruments, err := invoke(ctx, b.policy, "load_instruments", func(ctx context.Context) (kiteconnect.Instruments, error) {
		return b.client.GetInstruments()
	}, func(_ kiteconnect.Instruments, err error) verdict { return b.classify(err) })
	if err != nil {
		return err
	}
	for _, inst := range instruments {
		b.symbols.put(Resolution{
			Symbol:        JoinSymbol(inst.Exchange, inst.Tradingsymbol),
			Exchange:      inst.Exchange,
			TradingSymbol: inst.Tradingsymbol,
			Token:         strconv.Itoa(inst.InstrumentToken),
			LotSize:       int(inst.LotSize),
			Verified:      true,
		})
	}
	b.symbols.markLoaded()
	b.log.Info().Int("instruments", b.symbols.size()).Msg("Instrument dump loaded")
	return nil
}

// --- streaming ---

type zerodhaStream struct {
	broker *ZerodhaBroker
	ticker *kiteticker.Ticker
	cb     StreamCallbacks
	log    zerolog.Logger

	mu         sync.Mutex
	writeMu    sync.Mutex
	connected  bool
	subscribed map[uint32]bool
}

func (b *ZerodhaBroker) CreateStream(callbacks StreamCallbacks) (Stream, error) {
	b.mu.RLock()
	token := b.accessToken
	b.mu.RUnlock()
	if token == "" {
		return nil, notConnectedErr(zerodhaName, "create_stream")
	}

	s := &zerodhaStream{
		broker:     b,
		ticker:     kiteticker.New(b.apiKey, token),
		cb:         callbacks,
		log:        b.log,
		subscribed: make(map[uint32]bool),
	}

	s.ticker.OnConnect(func() {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.resubscribe()
		if callbacks.OnConnect != nil {
			callbacks.OnConnect()
		}
	})
	s.ticker.OnClose(func(code int, reason string) {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		if callbacks.OnClose != nil {
			callbacks.OnClose(reason)
		}
	})
	s.ticker.OnError(func(err error) {
		if callbacks.OnError != nil {
			callbacks.OnError(err)
		}
	})
	s.ticker.OnTick(func(tick kitemodels.Tick) {
		if t := b.NormalizeTick(tick); t != nil && callbacks.OnTick != nil {
			callbacks.OnTick(*t)
		}
	})
	return s, nil
}

// Connect runs the kite ticker loop; the SDK handles its own
// reconnects.
func (s *zerodhaStream) Connect(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.ticker.Close()
		case <-done:
		}
	}()
	s.ticker.Serve()
	return nil
}

func (s *zerodhaStream) Subscribe(symbols []string) error {
	tokens := make([]uint32, 0, len(symbols))
	for _, sym := range symbols {
		res, err := s.broker.resolve(context.Background(), sym)
		if err != nil {
			s.log.Warn().Str("symbol", sym).Msg("Skipping unresolvable symbol")
			continue
		}
		t, _ := strconv.ParseUint(res.Token, 10, 32)
		tokens = append(tokens, uint32(t))
	}
	s.mu.Lock()
	for _, t := range tokens {
		s.subscribed[t] = true
	}
	connected := s.connected
	s.mu.Unlock()

	if !connected || len(tokens) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ticker.Subscribe(tokens); err != nil {
		return err
	}
	return s.ticker.SetMode(kiteticker.ModeFull, tokens)
}

func (s *zerodhaStream) Unsubscribe(symbols []string) error {
	tokens := make([]uint32, 0, len(symbols))
	s.mu.Lock()
	for _, sym := range symbols {
		exchange, trading := SplitSymbol(sym)
		if r, ok := s.broker.symbols.get(JoinSymbol(exchange, trading)); ok {
			t, _ := strconv.ParseUint(r.Token, 10, 32)
			tokens = append(tokens, uint32(t))
			delete(s.subscribed, uint32(t))
		}
	}
	connected := s.connected
	s.mu.Unlock()

	if !connected || len(tokens) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ticker.Unsubscribe(tokens)
}

func (s *zerodhaStream) Disconnect() error {
	s.ticker.Close()
	return nil
}

func (s *zerodhaStream) resubscribe() {
	s.mu.Lock()
	tokens := make([]uint32, 0, len(s.subscribed))
	for t := range s.subscribed {
		tokens = append(tokens, t)
	}
	s.mu.Unlock()
	if len(tokens) == 0 {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ticker.Subscribe(tokens); err != nil {
		s.log.Warn().Err(err).Msg("Resubscribe failed")
		return
	}
	if err := s.ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
		s.log.Warn().Err(err).Msg("Set mode failed")
	}
}

// NormalizeTick maps a kite ticker tick onto the neutral shape. Ticks
// for tokens outside the instrument dump are dropped.
func (b *ZerodhaBroker) NormalizeTick(raw interface{}) *models.Tick {
	var kt kitemodels.Tick
	switch v := raw.(type) {
	case kitemodels.Tick:
		kt = v
	case *kitemodels.Tick:
		if v == nil {
			return nil
		}
		kt = *v
	default:
		return nil
	}

	symbol, ok := b.symbols.symbolFor(strconv.FormatUint(uint64(kt.InstrumentToken), 10))
	if !ok {
		return nil
	}

	tick := &models.Tick{
		Symbol:    symbol,
		LTP:       kt.LastPrice,
		Open:      kt.OHLC.Open,
		High:      kt.OHLC.High,
		Low:       kt.OHLC.Low,
		PrevClose: kt.OHLC.Close,
		Volume:    int64(kt.VolumeTraded),
		OI:        int64(kt.OI),
		Timestamp: kt.Timestamp.Time,
	}
	if len(kt.Depth.Buy) > 0 {
		tick.BidPrice = kt.Depth.Buy[0].Price
	}
	if len(kt.Depth.Sell) > 0 {
		tick.AskPrice = kt.Depth.Sell[0].Price
	}
	return tick
}
