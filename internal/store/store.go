// Package store provides data persistence interfaces and implementations.
package store

import "time"

// Token holds the persisted session material for one broker.
type Token struct {
	Broker       string
	AccessToken  string
	RefreshToken string
	FeedToken    string
	SavedAt      time.Time
	ExpiresAt    time.Time // zero means no known expiry
}

// Expired reports whether the token has a known expiry in the past.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// TokenStore persists broker session tokens and small key/value
// settings between runs.
type TokenStore interface {
	GetToken(broker string) (*Token, error)
	SaveToken(token *Token) error
	ClearToken(broker string) error

	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	Close() error
}
