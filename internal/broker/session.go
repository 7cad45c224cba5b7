package broker

import (
	"time"

	"github.com/rs/zerolog"

	apperrors "multibroker-trader/internal/errors"
	"multibroker-trader/internal/store"
)

var apperrNotConnected = apperrors.ErrNotConnected

// AdapterOptions carries the plumbing every adapter shares.
type AdapterOptions struct {
	Store     store.TokenStore
	Logger    zerolog.Logger
	RateLimit int // requests/second, 0 means the shared default
}

func notConnectedErr(broker, op string) error {
	return apperrors.NewBrokerError(broker, op, apperrors.KindNotConnected, "", "no active session", nil)
}

func unsupportedErr(broker, op, message string) error {
	return apperrors.NewBrokerError(broker, op, apperrors.KindUnsupported, "", message, nil)
}

func resolutionErr(broker, op, symbol string) error {
	return apperrors.NewBrokerError(broker, op, apperrors.KindResolution, "", "cannot resolve "+symbol, nil)
}

func malformedErr(broker, op, message string) error {
	return apperrors.NewBrokerError(broker, op, apperrors.KindMalformed, "", message, nil)
}

// restoreToken loads the persisted session for broker. Expired or
// missing tokens yield nil. Never touches the network.
func restoreToken(st store.TokenStore, broker string, log zerolog.Logger) *store.Token {
	if st == nil {
		return nil
	}
	token, err := st.GetToken(broker)
	if err != nil {
		log.Warn().Err(err).Str("broker", broker).Msg("Token restore failed")
		return nil
	}
	if token == nil || token.AccessToken == "" {
		return nil
	}
	if token.Expired(time.Now()) {
		log.Info().Str("broker", broker).Msg("Persisted token expired")
		return nil
	}
	return token
}

// persistToken saves the session; failures are logged, not fatal.
func persistToken(st store.TokenStore, token *store.Token, log zerolog.Logger) {
	if st == nil {
		return
	}
	if err := st.SaveToken(token); err != nil {
		log.Warn().Err(err).Str("broker", token.Broker).Msg("Token persist failed")
	}
}

// dropToken removes the persisted session; failures are logged.
func dropToken(st store.TokenStore, broker string, log zerolog.Logger) {
	if st == nil {
		return
	}
	if err := st.ClearToken(broker); err != nil {
		log.Warn().Err(err).Str("broker", broker).Msg("Token clear failed")
	}
}

// istNextMorning returns the next 6 AM IST after now, the shared
// expiry convention for overnight broker sessions.
func istNextMorning(now time.Time) time.Time {
	ist := now.In(indiaLocation())
	expiry := time.Date(ist.Year(), ist.Month(), ist.Day(), 6, 0, 0, 0, indiaLocation())
	if !ist.Before(expiry) {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry
}

func indiaLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}
