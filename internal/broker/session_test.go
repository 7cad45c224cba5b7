package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"multibroker-trader/internal/config"
	apperrors "multibroker-trader/internal/errors"
	"multibroker-trader/internal/models"
	"multibroker-trader/internal/store"
)

// Every adapter must degrade a call without a session into a
// classified not-connected error, never a panic and never a network
// round-trip.
func TestDisconnectedCallsReturnNotConnected(t *testing.T) {
	ctx := context.Background()
	for _, b := range allAdapters() {
		if _, err := b.GetProfile(ctx); !apperrors.IsNotConnected(err) {
			t.Errorf("%s: GetProfile kind = %v, want not_connected", b.Name(), apperrors.KindOf(err))
		}
		if _, err := b.GetPositions(ctx); !apperrors.IsNotConnected(err) {
			t.Errorf("%s: GetPositions kind = %v, want not_connected", b.Name(), apperrors.KindOf(err))
		}
		if _, err := b.PlaceOrder(ctx, models.OrderRequest{
			Symbol:   "NSE:SBIN-EQ",
			Side:     models.SideBuy,
			Kind:     models.OrderMarket,
			Product:  models.ProductIntraday,
			Quantity: 1,
		}); !apperrors.IsNotConnected(err) {
			t.Errorf("%s: PlaceOrder kind = %v, want not_connected", b.Name(), apperrors.KindOf(err))
		}
	}
}

// Kotak Neo and Alice Blue have no candle endpoints; history calls
// degrade to unsupported regardless of session state.
func TestHistoryUnsupportedVendors(t *testing.T) {
	ctx := context.Background()
	vendors := []Broker{
		NewKotakBroker(config.KotakCredentials{}, testOpts()),
		NewAliceBlueBroker(config.AliceBlueCredentials{}, testOpts()),
	}
	for _, b := range vendors {
		if _, err := b.GetHistory(ctx, "NSE:SBIN-EQ", "5", 5); !apperrors.IsUnsupported(err) {
			t.Errorf("%s: GetHistory kind = %v, want unsupported", b.Name(), apperrors.KindOf(err))
		}
		from := time.Now().Add(-24 * time.Hour)
		if _, err := b.GetHistoryForTimeframe(ctx, "NSE:SBIN-EQ", "5", from, time.Now()); !apperrors.IsUnsupported(err) {
			t.Errorf("%s: GetHistoryForTimeframe kind = %v, want unsupported", b.Name(), apperrors.KindOf(err))
		}
	}
}

type memStore struct {
	tokens map[string]*store.Token
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[string]*store.Token)}
}

func (s *memStore) GetToken(broker string) (*store.Token, error) {
	return s.tokens[broker], nil
}

func (s *memStore) SaveToken(token *store.Token) error {
	s.tokens[token.Broker] = token
	return nil
}

func (s *memStore) ClearToken(broker string) error {
	delete(s.tokens, broker)
	return nil
}

func (s *memStore) GetSetting(key string) (string, error) { return "", nil }

func (s *memStore) SetSetting(key, value string) error { return nil }

func (s *memStore) Close() error { return nil }

func TestRestoreTokenSkipsExpired(t *testing.T) {
	st := newMemStore()
	st.SaveToken(&store.Token{
		Broker:      "dhan",
		AccessToken: "stale",
		SavedAt:     time.Now().Add(-48 * time.Hour),
		ExpiresAt:   time.Now().Add(-24 * time.Hour),
	})
	if token := restoreToken(st, "dhan", zerolog.Nop()); token != nil {
		t.Errorf("expired token restored: %+v", token)
	}
}

func TestRestoreTokenReturnsLiveSession(t *testing.T) {
	st := newMemStore()
	st.SaveToken(&store.Token{
		Broker:      "dhan",
		AccessToken: "live",
		SavedAt:     time.Now(),
		ExpiresAt:   time.Now().Add(12 * time.Hour),
	})
	token := restoreToken(st, "dhan", zerolog.Nop())
	if token == nil || token.AccessToken != "live" {
		t.Fatalf("live token not restored: %+v", token)
	}
}

func TestRestoreTokenToleratesNilStore(t *testing.T) {
	if token := restoreToken(nil, "dhan", zerolog.Nop()); token != nil {
		t.Errorf("nil store produced token %+v", token)
	}
}

// A persisted token makes a freshly constructed adapter start
// connected, without any network traffic.
func TestAdapterRestoresPersistedSession(t *testing.T) {
	st := newMemStore()
	st.SaveToken(&store.Token{
		Broker:      "dhan",
		AccessToken: "token-123",
		SavedAt:     time.Now(),
		ExpiresAt:   time.Now().Add(12 * time.Hour),
	})

	b := NewDhanBroker(config.DhanCredentials{ClientID: "C123"}, AdapterOptions{
		Store:  st,
		Logger: zerolog.Nop(),
	})
	if !b.IsConnected() {
		t.Error("adapter did not restore the persisted session")
	}
}
