package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "multibroker-trader/internal/errors"
)

// testPolicy builds a callPolicy with sleeps and jitter stubbed out so
// tests run instantly.
func testPolicy() *callPolicy {
	p := newCallPolicy("test", 1000, zerolog.Nop())
	p.sleep = func(time.Duration) {}
	p.jitter = func() time.Duration { return 0 }
	p.limiter.sleep = func(time.Duration) {}
	return p
}

func TestInvokeSuccess(t *testing.T) {
	p := testPolicy()
	calls := 0

	got, err := invoke(context.Background(), p, "op",
		func(ctx context.Context) (string, error) {
			calls++
			return "ok", nil
		},
		func(resp string, err error) verdict { return okVerdict() },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestInvokeRetriesExhausted(t *testing.T) {
	p := testPolicy()
	calls := 0

	_, err := invoke(context.Background(), p, "op",
		func(ctx context.Context) (string, error) {
			calls++
			return "", errors.New("boom")
		},
		func(resp string, err error) verdict { return retryVerdict("", "boom") },
	)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != MaxRetries {
		t.Errorf("fn called %d times, want exactly %d", calls, MaxRetries)
	}
	if apperrors.KindOf(err) != apperrors.KindTransient {
		t.Errorf("kind = %v, want transient", apperrors.KindOf(err))
	}
}

func TestInvokeSucceedsAfterTransientFailure(t *testing.T) {
	p := testPolicy()
	calls := 0

	got, err := invoke(context.Background(), p, "op",
		func(ctx context.Context) (int, error) {
			calls++
			if calls < 2 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		},
		func(resp int, err error) verdict {
			if err != nil {
				return retryVerdict("", err.Error())
			}
			return okVerdict()
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestInvokeAuthExpiredFailsImmediately(t *testing.T) {
	p := testPolicy()
	calls := 0

	_, err := invoke(context.Background(), p, "op",
		func(ctx context.Context) (string, error) {
			calls++
			return "", nil
		},
		func(resp string, err error) verdict {
			return authExpiredVerdict("-16", "session expired")
		},
	)
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (no retries on auth expiry)", calls)
	}
	if !apperrors.IsAuthExpired(err) {
		t.Errorf("expected auth-expired error, got %v", err)
	}
}

func TestInvokeRejectFailsImmediately(t *testing.T) {
	p := testPolicy()
	calls := 0

	_, err := invoke(context.Background(), p, "op",
		func(ctx context.Context) (string, error) {
			calls++
			return "", nil
		},
		func(resp string, err error) verdict {
			return rejectVerdict(apperrors.KindRejected, "RMS", "margin shortfall")
		},
	)
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (no retries on rejection)", calls)
	}
	if apperrors.KindOf(err) != apperrors.KindRejected {
		t.Errorf("kind = %v, want rejected", apperrors.KindOf(err))
	}
}

func TestInvokeRespectsCancelledContext(t *testing.T) {
	p := testPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := invoke(ctx, p, "op",
		func(ctx context.Context) (string, error) {
			calls++
			return "", nil
		},
		func(resp string, err error) verdict { return okVerdict() },
	)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if calls != 0 {
		t.Errorf("fn called %d times, want 0", calls)
	}
}

func TestInvokeBackoffGrows(t *testing.T) {
	p := testPolicy()
	var delays []time.Duration
	p.sleep = func(d time.Duration) { delays = append(delays, d) }

	invoke(context.Background(), p, "op",
		func(ctx context.Context) (string, error) { return "", errors.New("x") },
		func(resp string, err error) verdict { return retryVerdict("", "x") },
	)

	if len(delays) != MaxRetries-1 {
		t.Fatalf("slept %d times, want %d", len(delays), MaxRetries-1)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("backoff did not grow: %v then %v", delays[i-1], delays[i])
		}
	}
	if delays[0] != baseRetryDelay {
		t.Errorf("first backoff = %v, want %v", delays[0], baseRetryDelay)
	}
}

func TestTransportRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection refused"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("dial tcp: lookup api.example.in: no such host"), true},
		{errors.New("client timeout exceeded"), true},
		{errors.New("invalid request payload"), false},
	}
	for _, tc := range cases {
		if got := transportRetryable(tc.err); got != tc.want {
			t.Errorf("transportRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestContainsAny(t *testing.T) {
	if !containsAny("Session Expired, please login again", []string{"session expired"}) {
		t.Error("expected case-insensitive match")
	}
	if containsAny("all good", []string{"expired", "invalid"}) {
		t.Error("unexpected match")
	}
}
