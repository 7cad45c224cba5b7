package broker

import (
	"context"
	"time"

	"github.com/pquerna/otp/totp"

	"multibroker-trader/internal/config"
	apperrors "multibroker-trader/internal/errors"
)

const (
	shoonyaName    = "shoonya"
	shoonyaAPIBase = "https://api.shoonya.com/NorenWClientTP"
	shoonyaWSURL   = "wss://api.shoonya.com/NorenWSTP/"
)

// ShoonyaBroker is the Finvasia adapter: a Noren backend with
// TOTP-automated login.
type ShoonyaBroker struct {
	*norenCore
	creds config.ShoonyaCredentials
}

var _ Broker = (*ShoonyaBroker)(nil)

func NewShoonyaBroker(creds config.ShoonyaCredentials, opts AdapterOptions) *ShoonyaBroker {
	return &ShoonyaBroker{
		norenCore: newNorenCore(shoonyaName, shoonyaAPIBase, shoonyaWSURL, creds.UserID, opts),
		creds:     creds,
	}
}

func (b *ShoonyaBroker) LoginURL() (string, error) {
	return "", unsupportedErr(shoonyaName, "login_url", "shoonya logs in with password+TOTP, no browser step")
}

// Login runs the QuickAuth exchange: hashed password, a fresh TOTP as
// the second factor and the app key derived from uid and api secret.
func (b *ShoonyaBroker) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(b.creds.TOTPSecret, time.Now())
	if err != nil {
		return malformedErr(shoonyaName, "login", "TOTP generation failed: "+err.Error())
	}

	resp, err := b.postWith(ctx, "QuickAuth", map[string]interface{}{
		"uid":        b.creds.UserID,
		"pwd":        sha256Hex(b.creds.Password),
		"factor2":    code,
		"vc":         b.creds.VendorCode,
		"appkey":     sha256Hex(b.creds.UserID + "|" + b.creds.APISecret),
		"imei":       orDefault(b.creds.IMEI, "multibroker-trader"),
		"source":     "API",
		"apkversion": "1.0.0",
	}, "")
	if v := b.classify(resp, err); v.outcome != outcomeOK {
		return apperrors.NewBrokerError(shoonyaName, "login", apperrors.KindAuthExpired, v.code, v.message, err)
	}

	token := strField(resp, "susertoken")
	if token == "" {
		return malformedErr(shoonyaName, "login", "login response missing susertoken")
	}
	b.setSession(token)
	b.log.Info().Msg("Login complete")
	return nil
}

// CompleteLogin is an alias; there is no redirect step.
func (b *ShoonyaBroker) CompleteLogin(ctx context.Context, _ string) error {
	return b.Login(ctx)
}
