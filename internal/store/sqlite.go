package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements TokenStore backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	broker        TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	feed_token    TEXT NOT NULL DEFAULT '',
	saved_at      TIMESTAMP NOT NULL,
	expires_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetToken returns the stored token for broker, or (nil, nil) when no
// token has been saved.
func (s *SQLiteStore) GetToken(broker string) (*Token, error) {
	row := s.db.QueryRow(
		`SELECT broker, access_token, refresh_token, feed_token, saved_at, expires_at
		 FROM tokens WHERE broker = ?`, broker)

	var t Token
	var expiresAt sql.NullTime
	err := row.Scan(&t.Broker, &t.AccessToken, &t.RefreshToken, &t.FeedToken, &t.SavedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading token for %s: %w", broker, err)
	}
	if expiresAt.Valid {
		t.ExpiresAt = expiresAt.Time
	}
	return &t, nil
}

// SaveToken inserts or replaces the token for its broker.
func (s *SQLiteStore) SaveToken(token *Token) error {
	if token.Broker == "" {
		return fmt.Errorf("saving token: broker name is empty")
	}
	savedAt := token.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	var expiresAt interface{}
	if !token.ExpiresAt.IsZero() {
		expiresAt = token.ExpiresAt
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO tokens (broker, access_token, refresh_token, feed_token, saved_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		token.Broker, token.AccessToken, token.RefreshToken, token.FeedToken, savedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("saving token for %s: %w", token.Broker, err)
	}
	return nil
}

// ClearToken removes the stored token for broker. Clearing a broker
// with no token is not an error.
func (s *SQLiteStore) ClearToken(broker string) error {
	if _, err := s.db.Exec(`DELETE FROM tokens WHERE broker = ?`, broker); err != nil {
		return fmt.Errorf("clearing token for %s: %w", broker, err)
	}
	return nil
}

// GetSetting returns the value for key, or "" when unset.
func (s *SQLiteStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting inserts or replaces a key/value setting.
func (s *SQLiteStore) SetSetting(key, value string) error {
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("saving setting %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ TokenStore = (*SQLiteStore)(nil)
