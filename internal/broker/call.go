package broker

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "multibroker-trader/internal/errors"
)

// outcome is the classification of one vendor call attempt.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetry
	outcomeAuthExpired
	outcomeReject
)

// verdict is what an adapter's classifier says about a response.
type verdict struct {
	outcome outcome
	kind    apperrors.Kind // used when outcome is outcomeReject
	code    string
	message string
}

func okVerdict() verdict {
	return verdict{outcome: outcomeOK}
}

func retryVerdict(code, message string) verdict {
	return verdict{outcome: outcomeRetry, code: code, message: message}
}

func authExpiredVerdict(code, message string) verdict {
	return verdict{outcome: outcomeAuthExpired, code: code, message: message}
}

func rejectVerdict(kind apperrors.Kind, code, message string) verdict {
	return verdict{outcome: outcomeReject, kind: kind, code: code, message: message}
}

// callPolicy bundles the retry/rate-limit machinery one adapter shares
// across all of its vendor calls.
type callPolicy struct {
	broker      string
	limiter     *rateLimiter
	maxAttempts int
	baseDelay   time.Duration
	log         zerolog.Logger

	// injectable for tests
	sleep  func(time.Duration)
	jitter func() time.Duration
}

func newCallPolicy(broker string, rateLimit int, log zerolog.Logger) *callPolicy {
	return &callPolicy{
		broker:      broker,
		limiter:     newRateLimiter(rateLimit),
		maxAttempts: MaxRetries,
		baseDelay:   baseRetryDelay,
		log:         log.With().Str("broker", broker).Logger(),
		sleep:       time.Sleep,
		jitter: func() time.Duration {
			return 500*time.Millisecond + time.Duration(rand.Int63n(int64(time.Second)))
		},
	}
}

// invoke runs one vendor call under the shared policy: rate limit each
// attempt, classify the result, back off exponentially on retryable
// failures, surface token expiry immediately, and degrade everything
// else into a classified error.
func invoke[T any](ctx context.Context, p *callPolicy, op string, fn func(ctx context.Context) (T, error), classify func(T, error) verdict) (T, error) {
	var zero T
	var last verdict

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, apperrors.NewBrokerError(p.broker, op, apperrors.KindTransient, "", "context cancelled", err)
		}

		p.limiter.wait()

		resp, err := fn(ctx)
		v := classify(resp, err)

		switch v.outcome {
		case outcomeOK:
			return resp, nil

		case outcomeAuthExpired:
			p.log.Error().
				Str("op", op).
				Str("code", v.code).
				Str("message", v.message).
				Msg("Session token rejected")
			return zero, apperrors.NewBrokerError(p.broker, op, apperrors.KindAuthExpired, v.code, v.message, err)

		case outcomeReject:
			kind := v.kind
			p.log.Warn().
				Str("op", op).
				Str("code", v.code).
				Str("message", v.message).
				Msg("Request rejected")
			return zero, apperrors.NewBrokerError(p.broker, op, kind, v.code, v.message, err)

		case outcomeRetry:
			last = v
			if attempt < p.maxAttempts-1 {
				delay := p.baseDelay*(1<<uint(attempt)) + p.jitter()
				p.log.Warn().
					Str("op", op).
					Str("code", v.code).
					Str("message", v.message).
					Int("attempt", attempt+1).
					Dur("backoff", delay).
					Msg("Transient failure, retrying")
				p.sleep(delay)
			}
		}
	}

	p.log.Error().
		Str("op", op).
		Str("code", last.code).
		Str("message", last.message).
		Int("attempts", p.maxAttempts).
		Msg("Retries exhausted")
	return zero, apperrors.NewBrokerError(p.broker, op, apperrors.KindTransient, last.code,
		"retries exhausted: "+last.message, nil)
}

// transportRetryable reports whether err is a network-level failure
// worth retrying: timeouts and connection errors.
func transportRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if apperrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "eof", "no such host", "timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// containsAny reports whether s contains any of the given substrings,
// case-insensitively.
func containsAny(s string, subs []string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
