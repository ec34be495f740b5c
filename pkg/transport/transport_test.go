package transport

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func deterministicRand() *rand.Rand { return rand.New(rand.NewSource(1)) }

func TestSendSuccessOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "default", r.Header.Get("X-BattleHealer-Region"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res := Send(context.Background(), srv.URL, Request{Method: http.MethodGet}, Config{
		Sleep: noSleep,
		Rand:  deterministicRand(),
	})

	require.Nil(t, res.Error)
	m, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, 0, res.Meta.Retries)
}

func TestSendRetriesRetryableStatusThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"recovered":true}`))
	}))
	defer srv.Close()

	res := Send(context.Background(), srv.URL, Request{Method: http.MethodGet}, Config{
		Sleep: noSleep,
		Rand:  deterministicRand(),
	})

	require.Nil(t, res.Error)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, res.Meta.Retries)
	assert.Contains(t, res.Meta.FixActions, RetryStatus(503))
}

func TestSendMaxRetriesZeroStopsAfterOneAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	zero := 0
	res := Send(context.Background(), srv.URL, Request{Method: http.MethodGet}, Config{
		MaxRetries: &zero,
		Sleep:      noSleep,
		Rand:       deterministicRand(),
	})

	require.NotNil(t, res.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "max_retries=0 must mean a single attempt, not the package default of 2")
	assert.Equal(t, 503, res.Error.Status)
}

func TestSendNonRetryableStatusIsTerminalImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res := Send(context.Background(), srv.URL, Request{Method: http.MethodGet}, Config{
		Sleep: noSleep,
		Rand:  deterministicRand(),
	})

	require.NotNil(t, res.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 404, res.Error.Status)
}

func TestSendTokenRecoveryOnUnauthorized(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			assert.Empty(t, r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer new-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res := Send(context.Background(), srv.URL, Request{Method: http.MethodGet}, Config{
		Sleep: noSleep,
		Rand:  deterministicRand(),
		TokenRefresher: func(ctx context.Context, status, attempt int, region, previousToken string) (string, error) {
			assert.Equal(t, 401, status)
			return "new-token", nil
		},
	})

	require.Nil(t, res.Error)
	assert.Contains(t, res.Meta.FixActions, FixRefreshToken)
}

func TestSendTokenRecoveryOnlyAttemptedOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var refreshCalls int32
	res := Send(context.Background(), srv.URL, Request{Method: http.MethodGet}, Config{
		Sleep: noSleep,
		Rand:  deterministicRand(),
		TokenRefresher: func(ctx context.Context, status, attempt int, region, previousToken string) (string, error) {
			atomic.AddInt32(&refreshCalls, 1)
			return "tok", nil
		},
	})

	require.NotNil(t, res.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls), "token recovery must be attempted at most once per Transport call")
}

func TestSendNetworkErrorIsRetried(t *testing.T) {
	res := Send(context.Background(), "http://127.0.0.1:1", Request{Method: http.MethodGet}, Config{
		Sleep: noSleep,
		Rand:  deterministicRand(),
	})

	require.NotNil(t, res.Error)
	assert.Contains(t, res.Meta.FixActions, FixNetworkError)
	assert.Equal(t, 2, res.Meta.Retries, "default max_retries is 2")
}

func TestSendRegionRotationOnFallback(t *testing.T) {
	var regionsSeen []string
	var mu sync.Mutex
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		regionsSeen = append(regionsSeen, r.Header.Get("X-BattleHealer-Region"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer secondary.Close()

	res := Send(context.Background(), "/path", Request{Method: http.MethodGet}, Config{
		Regions: []string{primary.URL, secondary.URL},
		Sleep:   noSleep,
		Rand:    deterministicRand(),
	})

	require.Nil(t, res.Error)
	assert.Contains(t, res.Meta.RegionsTried, primary.URL)
	assert.Contains(t, res.Meta.RegionsTried, secondary.URL)
}

func TestDecisionBudgetExhaustionIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := Send(context.Background(), srv.URL, Request{Method: http.MethodGet}, Config{
		Sleep:               noSleep,
		Rand:                deterministicRand(),
		RetryBudgetKey:      "k",
		RetryBudgetLimit:    0,
		RetryBudgetWindowMs: 1000,
		BudgetStore:         &denyAllStore{},
	})

	require.NotNil(t, res.Error)
	assert.Contains(t, res.Meta.FixActions, FixRetryBudgetExhausted)
}

type denyAllStore struct{}

func (denyAllStore) Consume(ctx context.Context, key string, limit int, windowMs int64) (bool, error) {
	return false, nil
}
func (denyAllStore) Remaining(ctx context.Context, key string, limit int, windowMs int64) (int, error) {
	return 0, nil
}

func TestSendDecodesNonJSONBodyAsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain body"))
	}))
	defer srv.Close()

	res := Send(context.Background(), srv.URL, Request{Method: http.MethodGet}, Config{
		Sleep: noSleep,
		Rand:  deterministicRand(),
	})

	require.Nil(t, res.Error)
	assert.Equal(t, "plain body", res.Data)
}

func TestSendHonorsRegionLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	limiter := NewRegionLimiter(0.001, 1)
	require.NoError(t, limiter.Wait(context.Background(), srv.URL), "consume the only burst token up front")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	res := Send(ctx, srv.URL, Request{Method: http.MethodGet}, Config{
		Sleep:         noSleep,
		Rand:          deterministicRand(),
		RegionLimiter: limiter,
	})

	require.NotNil(t, res.Error)
	assert.Equal(t, 0, res.Error.Status)
}

func TestRegionLimiterBlocksBeyondBurst(t *testing.T) {
	rl := NewRegionLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background(), "us"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx, "us")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegionLimiterTracksRegionsIndependently(t *testing.T) {
	rl := NewRegionLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background(), "us"))
	require.NoError(t, rl.Wait(context.Background(), "eu"), "a different region must have its own independent bucket")
}
