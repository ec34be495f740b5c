// Package transport implements the single-request attempt loop: region
// rotation, exponential backoff with jitter, one-shot token recovery, and
// retry budgeting, with structured per-attempt telemetry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khryptorgraphics/battlehealer/pkg/budget"
)

var absoluteURLPattern = regexp.MustCompile(`^https?://`)

// FixAction tags a healing-relevant adjustment Transport made mid-attempt.
type FixAction string

const (
	FixRetryStatus          FixAction = "retry_status_"
	FixFallbackRegion       FixAction = "fallback_region_"
	FixNetworkError         FixAction = "network_error"
	FixRefreshToken         FixAction = "refresh_token"
	FixRotateToken          FixAction = "rotate_token"
	FixRetryBudgetExhausted FixAction = "retry_budget_exhausted"
)

// RetryStatus formats the parameterized retry_status_<N> fix action.
func RetryStatus(status int) FixAction { return FixAction(fmt.Sprintf("retry_status_%d", status)) }

// FallbackRegion formats the parameterized fallback_region_<id> fix action.
func FallbackRegion(id string) FixAction { return FixAction("fallback_region_" + id) }

// Request is the logical request Transport attempts, repeatedly mutated in
// place across attempts (e.g. an Authorization rewrite from token recovery).
type Request struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// AttemptLog records one Transport attempt.
type AttemptLog struct {
	AttemptNumber int
	RegionID      string
	URL           string
	Status        int // 0 when no response was received (network error)
	ErrorMessage  string
	FixActions    []FixAction
	CorrelationID string
}

// Meta summarizes every attempt made during one Transport call.
type Meta struct {
	Attempts      []AttemptLog
	Retries       int
	Region        string
	RegionsTried  []string
	FixActions    []FixAction
	CorrelationID string
}

// Error is Transport's structured terminal failure — it never panics or
// returns a bare Go error past its own boundary for HTTP-shaped failures.
type Error struct {
	Status  int
	Message string
	Body    any
}

func (e *Error) Error() string { return e.Message }

// Result is what a Transport call returns, success or failure.
type Result struct {
	Data  any
	Meta  Meta
	Error *Error
}

// TokenRefresher is invoked on 401/403/429 at most once per Transport call.
// An empty string with a nil error means "no new token, but not a failure";
// the caller should treat that like an error for recovery purposes.
type TokenRefresher func(ctx context.Context, status int, attempt int, region string, previousToken string) (string, error)

// Config configures one Transport call. Zero values are replaced by the
// documented defaults in withDefaults, which Send applies on entry.
type Config struct {
	// MaxRetries defaults to 2 when nil. A non-nil pointer to 0 is
	// honored as-is — the Supervisor relies on this to own retries at
	// cycle granularity while disabling Transport's own retry loop.
	MaxRetries *int
	Regions    []string
	RetryStatusCodes map[int]bool // nil means "429 or 5xx"
	BackoffBaseMs    int64
	BackoffMaxMs     int64
	JitterRatio      float64

	RetryBudgetKey      string
	RetryBudgetLimit    int
	RetryBudgetWindowMs int64

	TokenRefresher TokenRefresher
	CorrelationID  string

	BudgetStore budget.Store
	Logger      *slog.Logger
	Client      *http.Client

	// RegionLimiter paces outbound attempts per region; nil disables
	// rate limiting (the package default).
	RegionLimiter *RegionLimiter

	// Sleep defaults to time.Sleep honoring ctx; overridable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand defaults to a package-level source; overridable for deterministic tests.
	Rand *rand.Rand
}

// resolvedConfig is Config with every default filled in, plus the resolved
// maxRetries value (the only field where the zero value is meaningful).
type resolvedConfig struct {
	Config
	maxRetries int
}

func (c *Config) withDefaults() *resolvedConfig {
	cfg := resolvedConfig{Config: *c}
	if c.MaxRetries != nil {
		cfg.maxRetries = *c.MaxRetries
	} else {
		cfg.maxRetries = 2
	}
	if len(cfg.Regions) == 0 {
		cfg.Regions = []string{""}
	}
	if cfg.BackoffBaseMs == 0 {
		cfg.BackoffBaseMs = 300
	}
	if cfg.BackoffMaxMs == 0 {
		cfg.BackoffMaxMs = 3000
	}
	if cfg.JitterRatio == 0 {
		cfg.JitterRatio = 0.25
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.CorrelationID == "" {
		cfg.CorrelationID = uuid.NewString()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &cfg
}

func (c *resolvedConfig) retryable(status int) bool {
	if c.RetryStatusCodes != nil {
		if c.RetryStatusCodes[status] {
			return true
		}
	}
	return status == 429 || status >= 500
}

// Send runs the full attempt loop against url with req, per §4.4 of the
// healing core's design: region rotation, token recovery, retryable-failure
// handling with budget and backoff, and terminal-failure assembly.
func Send(ctx context.Context, url string, req Request, cfg Config) Result {
	c := cfg.withDefaults()

	meta := Meta{CorrelationID: c.CorrelationID}
	headers := cloneHeaders(req.Headers)
	recoveryUsed := false

	fixSeen := make(map[FixAction]bool)
	pushFix := func(attemptFixes *[]FixAction, fa FixAction) {
		*attemptFixes = append(*attemptFixes, fa)
		if !fixSeen[fa] {
			fixSeen[fa] = true
			meta.FixActions = append(meta.FixActions, fa)
		}
	}

	for attempt := 0; ; attempt++ {
		region := c.Regions[attempt%len(c.Regions)]
		target := targetURL(region, url)
		headers["X-BattleHealer-Region"] = regionHeaderValue(region)
		headers["X-Correlation-Id"] = c.CorrelationID

		meta.Region = region
		if !contains(meta.RegionsTried, region) {
			meta.RegionsTried = append(meta.RegionsTried, region)
		}

		var attemptFixes []FixAction
		log := AttemptLog{AttemptNumber: attempt, RegionID: region, URL: target, CorrelationID: c.CorrelationID}

		if c.RegionLimiter != nil {
			if err := c.RegionLimiter.Wait(ctx, region); err != nil {
				log.ErrorMessage = "rate limit wait: " + err.Error()
				meta.Attempts = append(meta.Attempts, log)
				meta.Retries = retriesFrom(meta.Attempts)
				return terminal(meta, 0, "rate limit wait canceled: "+err.Error(), nil)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
		if err != nil {
			log.ErrorMessage = err.Error()
			meta.Attempts = append(meta.Attempts, log)
			return terminal(meta, 0, "invalid request: "+err.Error(), nil)
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, sendErr := c.Client.Do(httpReq)
		if sendErr != nil {
			log.ErrorMessage = sendErr.Error()
			pushFix(&attemptFixes, FixNetworkError)
			log.FixActions = attemptFixes
			meta.Attempts = append(meta.Attempts, log)

			if attempt >= c.maxRetries {
				meta.Retries = retriesFrom(meta.Attempts)
				return terminal(meta, 0, sendErr.Error(), nil)
			}
			if denied, denyErr := consumeBudget(ctx, c); denyErr != nil || denied {
				meta.Attempts[len(meta.Attempts)-1].FixActions = append(meta.Attempts[len(meta.Attempts)-1].FixActions, FixRetryBudgetExhausted)
				meta.FixActions = append(meta.FixActions, FixRetryBudgetExhausted)
				meta.Retries = retriesFrom(meta.Attempts)
				return terminal(meta, 0, "retry budget exhausted", nil)
			}
			if err := sleepBackoff(ctx, c, attempt, ""); err != nil {
				meta.Retries = retriesFrom(meta.Attempts)
				return terminal(meta, 0, sendErr.Error(), nil)
			}
			continue
		}

		status := resp.StatusCode
		log.Status = status
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if status >= 200 && status < 300 {
			data, perr := decodeBody(resp.Header.Get("Content-Type"), status, bodyBytes)
			if perr != nil {
				log.ErrorMessage = perr.Error()
			}
			log.FixActions = attemptFixes
			meta.Attempts = append(meta.Attempts, log)
			meta.Retries = retriesFrom(meta.Attempts)
			return Result{Data: data, Meta: meta}
		}

		if !recoveryUsed && c.TokenRefresher != nil && (status == 401 || status == 403 || status == 429) {
			recoveryUsed = true
			prevAuth := headers["Authorization"]
			newToken, rerr := c.TokenRefresher(ctx, status, attempt, region, strings.TrimPrefix(prevAuth, "Bearer "))
			if rerr == nil && newToken != "" {
				if !strings.HasPrefix(newToken, "Bearer ") {
					newToken = "Bearer " + newToken
				}
				headers["Authorization"] = newToken
				fa := FixRefreshToken
				if status == 403 {
					fa = FixRotateToken
				}
				pushFix(&attemptFixes, fa)
				log.FixActions = attemptFixes
				meta.Attempts = append(meta.Attempts, log)
				c.Logger.InfoContext(ctx, "token recovery succeeded", "status", status, "region", region)
				continue
			}
			log.ErrorMessage = "token recovery failed"
			log.FixActions = attemptFixes
			meta.Attempts = append(meta.Attempts, log)
			meta.Retries = retriesFrom(meta.Attempts)
			return terminal(meta, status, "token recovery failed", safeDecode(bodyBytes))
		}

		if c.retryable(status) {
			pushFix(&attemptFixes, RetryStatus(status))
			if (status == 503 || status == 410) && len(c.Regions) > 1 {
				next := c.Regions[(attempt+1)%len(c.Regions)]
				pushFix(&attemptFixes, FallbackRegion(next))
			}
			log.FixActions = attemptFixes
			meta.Attempts = append(meta.Attempts, log)

			if attempt >= c.maxRetries {
				meta.Retries = retriesFrom(meta.Attempts)
				return terminal(meta, status, fmt.Sprintf("Request failed with status %d", status), safeDecode(bodyBytes))
			}

			if denied, denyErr := consumeBudget(ctx, c); denyErr != nil || denied {
				meta.Attempts[len(meta.Attempts)-1].FixActions = append(meta.Attempts[len(meta.Attempts)-1].FixActions, FixRetryBudgetExhausted)
				meta.FixActions = append(meta.FixActions, FixRetryBudgetExhausted)
				meta.Retries = retriesFrom(meta.Attempts)
				return terminal(meta, status, "retry budget exhausted", safeDecode(bodyBytes))
			}

			if err := sleepBackoff(ctx, c, attempt, resp.Header.Get("Retry-After")); err != nil {
				meta.Retries = retriesFrom(meta.Attempts)
				return terminal(meta, status, fmt.Sprintf("Request failed with status %d", status), safeDecode(bodyBytes))
			}
			continue
		}

		log.FixActions = attemptFixes
		meta.Attempts = append(meta.Attempts, log)
		meta.Retries = retriesFrom(meta.Attempts)
		return terminal(meta, status, fmt.Sprintf("Request failed with status %d", status), safeDecode(bodyBytes))
	}
}

func terminal(meta Meta, status int, message string, body any) Result {
	return Result{Meta: meta, Error: &Error{Status: status, Message: message, Body: body}}
}

func consumeBudget(ctx context.Context, c *resolvedConfig) (denied bool, err error) {
	if c.RetryBudgetKey == "" || c.BudgetStore == nil {
		return false, nil
	}
	window := c.RetryBudgetWindowMs
	if window <= 0 {
		window = budget.DefaultWindowMs
	}
	ok, err := c.BudgetStore.Consume(ctx, c.RetryBudgetKey, c.RetryBudgetLimit, window)
	if err != nil {
		return true, err
	}
	return !ok, nil
}

func sleepBackoff(ctx context.Context, c *resolvedConfig, attempt int, retryAfter string) error {
	delay := backoffDelay(c, attempt)
	if retryAfter != "" {
		if d, ok := parseRetryAfter(retryAfter, c.BackoffMaxMs); ok {
			delay = d
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Sleep(ctx, time.Duration(delay)*time.Millisecond)
}

func backoffDelay(c *resolvedConfig, attempt int) int64 {
	exp := float64(c.BackoffBaseMs) * math.Pow(2, float64(attempt))
	base := int64(math.Min(float64(c.BackoffMaxMs), exp))
	jitter := c.Rand.Float64() * c.JitterRatio * exp
	d := base + int64(jitter)
	if d > c.BackoffMaxMs {
		d = c.BackoffMaxMs
	}
	if d < 0 {
		d = 0
	}
	return d
}

func parseRetryAfter(v string, maxMs int64) (int64, bool) {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return clamp(int64(secs)*1000, maxMs), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t).Milliseconds()
		return clamp(d, maxMs), true
	}
	return 0, false
}

func clamp(ms, max int64) int64 {
	if ms < 0 {
		ms = 0
	}
	if ms > max {
		ms = max
	}
	return ms
}

func targetURL(region, path string) string {
	if absoluteURLPattern.MatchString(path) {
		return path
	}
	region = strings.TrimRight(region, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return region + path
}

func regionHeaderValue(region string) string {
	if region == "" {
		return "default"
	}
	return region
}

func decodeBody(contentType string, status int, body []byte) (any, error) {
	if status == 204 || len(body) == 0 {
		return nil, nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return string(body), nil
}

func safeDecode(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}

func retriesFrom(attempts []AttemptLog) int {
	n := len(attempts) - 1
	if n < 0 {
		return 0
	}
	return n
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// ErrCanceled is returned (wrapped) by Sleep implementations honoring
// context cancellation; exposed for callers that want errors.Is checks.
var ErrCanceled = context.Canceled
