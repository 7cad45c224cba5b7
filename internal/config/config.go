// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Broker      BrokerConfig `mapstructure:"broker"`
	UI          UIConfig     `mapstructure:"ui"`
	Logging     LogConfig    `mapstructure:"logging"`
	Credentials Credentials  `mapstructure:"-"` // Loaded separately
}

// BrokerConfig selects the active broker and tunes the shared request
// machinery.
type BrokerConfig struct {
	Type             string         `mapstructure:"type"`               // fyers, zerodha, dhan, ...
	CapitalReserve   float64        `mapstructure:"capital_reserve"`    // fraction of balance kept aside
	RateLimits       map[string]int `mapstructure:"rate_limits"`        // per-broker requests/second override
	DefaultQuantity  int            `mapstructure:"default_quantity"`   // order quantity when unset
	DefaultProduct   string         `mapstructure:"default_product"`    // INTRADAY, DELIVERY, MARGIN
	DefaultExchange  string         `mapstructure:"default_exchange"`   // NSE, BSE
	InstrumentMaxAge int            `mapstructure:"instrument_max_age"` // hours before scrip masters reload
}

// UIConfig holds UI-related configuration.
type UIConfig struct {
	ColorEnabled bool   `mapstructure:"color_enabled"`
	DateFormat   string `mapstructure:"date_format"`
	TimeFormat   string `mapstructure:"time_format"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
}

// Credentials holds API credentials for every supported broker. Only
// the section for the active broker needs to be filled in.
type Credentials struct {
	Fyers     FyersCredentials     `mapstructure:"fyers"`
	Zerodha   ZerodhaCredentials   `mapstructure:"zerodha"`
	Dhan      DhanCredentials      `mapstructure:"dhan"`
	AngelOne  AngelOneCredentials  `mapstructure:"angelone"`
	Upstox    UpstoxCredentials    `mapstructure:"upstox"`
	Shoonya   ShoonyaCredentials   `mapstructure:"shoonya"`
	Kotak     KotakCredentials     `mapstructure:"kotak"`
	ICICI     ICICICredentials     `mapstructure:"icici"`
	AliceBlue AliceBlueCredentials `mapstructure:"aliceblue"`
	FlatTrade FlatTradeCredentials `mapstructure:"flattrade"`
}

// FyersCredentials holds Fyers API v3 credentials.
type FyersCredentials struct {
	ClientID    string `mapstructure:"client_id"`
	SecretKey   string `mapstructure:"secret_key"`
	RedirectURI string `mapstructure:"redirect_uri"`
}

// ZerodhaCredentials holds Zerodha Kite Connect credentials.
type ZerodhaCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`    // For auto-login
	TOTPSecret string `mapstructure:"totp_secret"` // For auto-login with 2FA
}

// DhanCredentials holds Dhan v2 credentials. Dhan issues a long-lived
// static token from its web console.
type DhanCredentials struct {
	ClientID    string `mapstructure:"client_id"`
	AccessToken string `mapstructure:"access_token"`
}

// AngelOneCredentials holds Angel One SmartAPI credentials.
type AngelOneCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	ClientCode string `mapstructure:"client_code"`
	MPIN       string `mapstructure:"mpin"`
	TOTPSecret string `mapstructure:"totp_secret"`
}

// UpstoxCredentials holds Upstox v2 credentials.
type UpstoxCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	RedirectURI string `mapstructure:"redirect_uri"`
}

// ShoonyaCredentials holds Finvasia Shoonya (Noren) credentials.
type ShoonyaCredentials struct {
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`
	VendorCode string `mapstructure:"vendor_code"`
	APISecret  string `mapstructure:"api_secret"`
	TOTPSecret string `mapstructure:"totp_secret"`
	IMEI       string `mapstructure:"imei"`
}

// KotakCredentials holds Kotak Neo credentials.
type KotakCredentials struct {
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	Mobile         string `mapstructure:"mobile"`
	UCC            string `mapstructure:"ucc"`
	MPIN           string `mapstructure:"mpin"`
	TOTPSecret     string `mapstructure:"totp_secret"`
	Environment    string `mapstructure:"environment"`
}

// ICICICredentials holds ICICI Direct Breeze credentials. The session
// token comes from the browser login and is pasted back in.
type ICICICredentials struct {
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	SessionToken string `mapstructure:"session_token"`
}

// AliceBlueCredentials holds Alice Blue credentials. The year of birth
// doubles as the 2FA answer.
type AliceBlueCredentials struct {
	UserID      string `mapstructure:"user_id"`
	Password    string `mapstructure:"password"`
	YearOfBirth string `mapstructure:"year_of_birth"`
	APISecret   string `mapstructure:"api_secret"`
	AppID       string `mapstructure:"app_id"`
}

// FlatTradeCredentials holds FlatTrade (Noren dialect) credentials.
type FlatTradeCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/multibroker-trader"
	}
	return filepath.Join(home, ".config", "multibroker-trader")
}

// DefaultDBPath returns the default token store location.
func DefaultDBPath() string {
	return filepath.Join(DefaultConfigDir(), "trader.db")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	// Load main config
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADER_BROKER"); v != "" {
		cfg.Broker.Type = v
	}
	if v := os.Getenv("FYERS_CLIENT_ID"); v != "" {
		cfg.Credentials.Fyers.ClientID = v
	}
	if v := os.Getenv("FYERS_SECRET_KEY"); v != "" {
		cfg.Credentials.Fyers.SecretKey = v
	}
	if v := os.Getenv("ZERODHA_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("ZERODHA_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("DHAN_CLIENT_ID"); v != "" {
		cfg.Credentials.Dhan.ClientID = v
	}
	if v := os.Getenv("DHAN_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Dhan.AccessToken = v
	}
	if v := os.Getenv("UPSTOX_API_KEY"); v != "" {
		cfg.Credentials.Upstox.APIKey = v
	}
	if v := os.Getenv("UPSTOX_API_SECRET"); v != "" {
		cfg.Credentials.Upstox.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.Type == "" {
		cfg.Broker.Type = "fyers"
	}
	if cfg.Broker.DefaultQuantity == 0 {
		cfg.Broker.DefaultQuantity = 75
	}
	if cfg.Broker.DefaultProduct == "" {
		cfg.Broker.DefaultProduct = "INTRADAY"
	}
	if cfg.Broker.DefaultExchange == "" {
		cfg.Broker.DefaultExchange = "NSE"
	}
	if cfg.Broker.InstrumentMaxAge == 0 {
		cfg.Broker.InstrumentMaxAge = 24
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Broker.CapitalReserve < 0 || c.Broker.CapitalReserve >= 1 {
		return fmt.Errorf("capital_reserve must be in [0, 1)")
	}
	if c.Broker.DefaultQuantity < 0 {
		return fmt.Errorf("default_quantity must be non-negative")
	}
	for broker, limit := range c.Broker.RateLimits {
		if limit <= 0 {
			return fmt.Errorf("rate limit for %s must be positive", broker)
		}
	}
	switch strings.ToUpper(c.Broker.DefaultProduct) {
	case "INTRADAY", "DELIVERY", "MARGIN":
	default:
		return fmt.Errorf("invalid default_product: %s", c.Broker.DefaultProduct)
	}
	return nil
}

// RateLimitFor returns the requests-per-second budget for the given
// broker, falling back to the shared default of 10.
func (c *Config) RateLimitFor(broker string) int {
	if limit, ok := c.Broker.RateLimits[strings.ToLower(broker)]; ok && limit > 0 {
		return limit
	}
	return 10
}
