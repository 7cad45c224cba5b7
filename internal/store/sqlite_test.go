package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trader.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)

	saved := &Token{
		Broker:       "dhan",
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		FeedToken:    "feed-789",
		SavedAt:      time.Now().Truncate(time.Second),
		ExpiresAt:    time.Now().Add(12 * time.Hour).Truncate(time.Second),
	}
	if err := s.SaveToken(saved); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	got, err := s.GetToken("dhan")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got == nil {
		t.Fatal("GetToken returned nil for a saved token")
	}
	if got.AccessToken != saved.AccessToken ||
		got.RefreshToken != saved.RefreshToken ||
		got.FeedToken != saved.FeedToken {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestSaveTokenOverwrites(t *testing.T) {
	s := newTestStore(t)

	s.SaveToken(&Token{Broker: "fyers", AccessToken: "old"})
	s.SaveToken(&Token{Broker: "fyers", AccessToken: "new"})

	got, err := s.GetToken("fyers")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got == nil || got.AccessToken != "new" {
		t.Errorf("got %+v, want the replacement token", got)
	}
}

func TestTokensAreIsolatedPerBroker(t *testing.T) {
	s := newTestStore(t)

	s.SaveToken(&Token{Broker: "fyers", AccessToken: "fa"})
	s.SaveToken(&Token{Broker: "zerodha", AccessToken: "za"})

	if err := s.ClearToken("fyers"); err != nil {
		t.Fatalf("ClearToken: %v", err)
	}

	if got, _ := s.GetToken("fyers"); got != nil {
		t.Errorf("cleared token still present: %+v", got)
	}
	if got, _ := s.GetToken("zerodha"); got == nil || got.AccessToken != "za" {
		t.Errorf("unrelated token disturbed: %+v", got)
	}
}

func TestGetTokenMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetToken("nobody")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got != nil {
		t.Errorf("missing token returned %+v", got)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetSetting("active_broker", "upstox"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := s.GetSetting("active_broker")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "upstox" {
		t.Errorf("GetSetting = %q, want upstox", got)
	}

	// Overwrite
	s.SetSetting("active_broker", "dhan")
	if got, _ := s.GetSetting("active_broker"); got != "dhan" {
		t.Errorf("GetSetting after overwrite = %q", got)
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	cases := []struct {
		token Token
		want  bool
	}{
		{Token{ExpiresAt: now.Add(time.Hour)}, false},
		{Token{ExpiresAt: now.Add(-time.Hour)}, true},
		{Token{}, false}, // no known expiry never expires
	}
	for _, tc := range cases {
		if got := tc.token.Expired(now); got != tc.want {
			t.Errorf("Expired(%v) = %v, want %v", tc.token.ExpiresAt, got, tc.want)
		}
	}
}
