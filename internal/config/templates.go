package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Multi-Broker Trader Configuration

[broker]
# Active broker: fyers, zerodha, dhan, angelone, upstox, shoonya,
# kotak, icici, aliceblue, flattrade
type = "fyers"
# Fraction of account balance kept aside (0.0 - 1.0)
capital_reserve = 0.0
# Default order quantity when a command does not specify one
default_quantity = 75
# Default product type: INTRADAY, DELIVERY, MARGIN
default_product = "INTRADAY"
# Default exchange: NSE, BSE
default_exchange = "NSE"
# Hours before instrument masters are re-downloaded
instrument_max_age = 24

# Per-broker requests-per-second overrides. Default is 10.
[broker.rate_limits]
# icici = 10
# dhan = 10

[ui]
# Enable colored output
color_enabled = true
# Date format
date_format = "02-Jan-2006"
# Time format
time_format = "15:04:05"

[logging]
# Log level: debug, info, warn, error
level = "info"
console = true
file = true
`

const credentialsTemplate = `# Multi-Broker Trader Credentials
# WARNING: Keep this file secure! Do not commit to version control.
# Fill in only the section for the broker you use.

[fyers]
client_id = ""
secret_key = ""
redirect_uri = ""

[zerodha]
api_key = ""
api_secret = ""
user_id = ""
password = ""
totp_secret = ""

[dhan]
client_id = ""
access_token = ""

[angelone]
api_key = ""
client_code = ""
mpin = ""
totp_secret = ""

[upstox]
api_key = ""
api_secret = ""
redirect_uri = ""

[shoonya]
user_id = ""
password = ""
vendor_code = ""
api_secret = ""
totp_secret = ""
imei = "algo-trader"

[kotak]
consumer_key = ""
consumer_secret = ""
mobile = ""
ucc = ""
mpin = ""
totp_secret = ""
environment = "prod"

[icici]
api_key = ""
api_secret = ""
session_token = ""

[aliceblue]
user_id = ""
password = ""
year_of_birth = ""
api_secret = ""
app_id = ""

[flattrade]
api_key = ""
api_secret = ""
user_id = ""
password = ""
totp_secret = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
