package toolkit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/khryptorgraphics/battlehealer/pkg/state"
)

// MockRequest is the payload sent to the mock collaborator's
// /mock-response endpoint.
type MockRequest struct {
	SchemaHint     map[string]any `json:"schema_hint,omitempty"`
	ExampleResponse any           `json:"example_response,omitempty"`
	CachedPayload  any            `json:"cached_payload,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type mockResponse struct {
	Mock          any    `json:"mock"`
	Payload       any    `json:"payload"`
	Degradation   string `json:"degradation"`
	Reason        string `json:"reason"`
	Source        string `json:"source"`
	OriginalError any    `json:"original_error"`
}

// QueueEnvelope is the sanitized payload POSTed to /queue-failed.
type QueueEnvelope struct {
	RequestID     string            `json:"request_id"`
	CorrelationID string            `json:"correlation_id"`
	Endpoint      string            `json:"endpoint"`
	Provider      string            `json:"provider,omitempty"`
	Region        string            `json:"region"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"body"`
	ErrorType     string            `json:"error_type,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ErrorStatus   int               `json:"error_status,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	RetryCount    int               `json:"retry_count"`
}

// Collaborators is the HTTP client for the mock-backend's five out-of-scope
// collaborator endpoints (credential issuance, mock degradation, recovery
// queueing, best-effort logging), built on resty for declarative JSON
// request/response handling.
type Collaborators struct {
	client *resty.Client
	logger *slog.Logger
}

// NewCollaborators builds a Collaborators client against baseURL.
func NewCollaborators(baseURL string, logger *slog.Logger) Collaborators {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	return Collaborators{client: client, logger: logger}
}

// GenerateAPIKey calls POST {backend}/generate-api-key.
func (c Collaborators) GenerateAPIKey(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token     string `json:"token"`
		CreatedAt string `json:"created_at"`
		UserID    string `json:"user_id"`
	}
	r, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"userId": userID}).
		SetResult(&resp).
		Post("/generate-api-key")
	if err != nil {
		return "", fmt.Errorf("toolkit: generate-api-key: %w", err)
	}
	if r.IsError() {
		return "", fmt.Errorf("toolkit: generate-api-key: %s", r.String())
	}
	return resp.Token, nil
}

// RefreshToken calls POST {backend}/refresh-token.
func (c Collaborators) RefreshToken(ctx context.Context, previousToken string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	r, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"previous_token": previousToken}).
		SetResult(&resp).
		Post("/refresh-token")
	if err != nil {
		return "", fmt.Errorf("toolkit: refresh-token: %w", err)
	}
	if r.IsError() {
		return "", fmt.Errorf("toolkit: refresh-token: %s", r.String())
	}
	return resp.Token, nil
}

// Mock calls POST {backend}/mock-response, translating the response into a
// DegradedResponse.
func (c Collaborators) Mock(ctx context.Context, req MockRequest) (state.DegradedResponse, error) {
	if c.client == nil {
		return state.DegradedResponse{}, fmt.Errorf("toolkit: mock-response: no backend configured")
	}
	var resp mockResponse
	r, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post("/mock-response")
	if err != nil {
		return state.DegradedResponse{}, fmt.Errorf("toolkit: mock-response: %w", err)
	}
	if r.IsError() {
		return state.DegradedResponse{}, fmt.Errorf("toolkit: mock-response: %s", r.String())
	}

	data := resp.Mock
	if data == nil {
		data = resp.Payload
	}
	degradation := state.Degradation(resp.Degradation)
	if degradation == "" {
		degradation = state.DegradationMocked
	}
	source := state.Source(resp.Source)
	if source == "" {
		source = state.SourceLLMMock
	}
	return state.DegradedResponse{
		Data:        data,
		Degradation: degradation,
		Reason:      resp.Reason,
		Source:      source,
	}, nil
}

// QueueFailed calls POST {backend}/queue-failed. Authorization,
// proxy-authorization, and cookie headers must already be stripped from
// env.Headers by the caller (see sanitizeHeaders in toolkit.go).
func (c Collaborators) QueueFailed(ctx context.Context, env QueueEnvelope) error {
	r, err := c.client.R().
		SetContext(ctx).
		SetBody(env).
		Post("/queue-failed")
	if err != nil {
		return fmt.Errorf("toolkit: queue-failed: %w", err)
	}
	if r.IsError() {
		return fmt.Errorf("toolkit: queue-failed: %s", r.String())
	}
	return nil
}

// Log calls POST {backend}/log, best-effort: failures are logged as
// warnings and never returned, per the collaborator error policy. A
// zero-value Collaborators (no backend configured) is a silent no-op rather
// than a nil-client panic, since callers may log decisions unconditionally.
func (c Collaborators) Log(ctx context.Context, event string, metadata map[string]any) {
	if c.client == nil {
		return
	}
	_, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"event": event, "metadata": metadata}).
		Post("/log")
	if err != nil {
		c.logger.WarnContext(ctx, "log collaborator call failed", "event", event, "error", err)
	}
}
