package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// QueueEnvelope mirrors the sanitized payload the Toolkit posts to
// /queue-failed, matching toolkit.QueueEnvelope field-for-field.
type QueueEnvelope struct {
	RequestID     string            `json:"request_id"`
	CorrelationID string            `json:"correlation_id"`
	Endpoint      string            `json:"endpoint"`
	Provider      string            `json:"provider"`
	Region        string            `json:"region"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          any               `json:"body,omitempty"`
	ErrorType     string            `json:"error_type,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ErrorStatus   int               `json:"error_status,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	RetryCount    int               `json:"retry_count"`
}

// Handlers implements the five collaborator endpoints the Toolkit calls,
// per the collaborator contract in spec §6.
type Handlers struct {
	store  *Store
	tokens *TokenIssuer
	logger *slog.Logger
}

func NewHandlers(store *Store, tokens *TokenIssuer, logger *slog.Logger) *Handlers {
	return &Handlers{store: store, tokens: tokens, logger: logger}
}

func (h *Handlers) Register(r *gin.Engine) {
	r.POST("/generate-api-key", h.generateAPIKey)
	r.POST("/refresh-token", h.refreshToken)
	r.POST("/mock-response", h.mockResponse)
	r.POST("/queue-failed", h.queueFailed)
	r.POST("/log", h.log)
}

type generateAPIKeyRequest struct {
	UserID string `json:"userId" binding:"required"`
}

func (h *Handlers) generateAPIKey(c *gin.Context) {
	var req generateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.EnsureUser(c.Request.Context(), req.UserID); err != nil {
		h.logger.Warn("ensure user failed", "error", err)
	}
	token, err := h.tokens.Issue(req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	if err := h.store.RememberToken(c.Request.Context(), token, req.UserID); err != nil {
		h.logger.Warn("remember token failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "token_type": "Bearer"})
}

type refreshTokenRequest struct {
	PreviousToken string `json:"previous_token"`
}

func (h *Handlers) refreshToken(c *gin.Context) {
	var req refreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := "anonymous"
	if req.PreviousToken != "" {
		if claims, err := h.tokens.Parse(req.PreviousToken); err == nil {
			userID = claims.UserID
		} else if uid, ok := h.store.LookupToken(c.Request.Context(), req.PreviousToken); ok {
			userID = uid
		}
	}
	token, err := h.tokens.Issue(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	if err := h.store.RememberToken(c.Request.Context(), token, userID); err != nil {
		h.logger.Warn("remember token failed", "error", err)
	}
	if err := h.store.RecordRotation(c.Request.Context(), userID, req.PreviousToken, token); err != nil {
		h.logger.Warn("record rotation failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "token_type": "Bearer"})
}

type mockResponseRequest struct {
	SchemaHint      map[string]any `json:"schema_hint,omitempty"`
	ExampleResponse any            `json:"example_response,omitempty"`
	CachedPayload   any            `json:"cached_payload,omitempty"`
	Provider        string         `json:"provider,omitempty"`
	Endpoint        string         `json:"endpoint,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Error           any            `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// mockResponse synthesizes a stand-in payload when the real upstream is
// unavailable or the Toolkit has given up repairing the request. It
// prefers, in order: a cached response the caller already had on hand, a
// canned payload seeded under the endpoint in Redis, the caller-supplied
// example_response, and finally an empty object.
func (h *Handlers) mockResponse(c *gin.Context) {
	var req mockResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.CachedPayload != nil {
		c.JSON(http.StatusOK, gin.H{
			"payload": req.CachedPayload,
			"degradation": "stale-cache", "reason": req.Reason, "source": "cache",
		})
		return
	}

	if req.Endpoint != "" {
		if raw, ok := h.store.MockLookup(c.Request.Context(), req.Endpoint); ok {
			c.JSON(http.StatusOK, gin.H{
				"payload": raw,
				"degradation": "mocked", "reason": req.Reason, "source": "llm-mock",
			})
			return
		}
	}

	payload := req.ExampleResponse
	if payload == nil {
		payload = map[string]any{}
	}
	c.JSON(http.StatusOK, gin.H{
		"payload": payload,
		"degradation": "mocked", "reason": req.Reason, "source": "llm-mock",
	})
}

func (h *Handlers) queueFailed(c *gin.Context) {
	var env QueueEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if err := h.store.InsertQueuedRecovery(c.Request.Context(), env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue persistence failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

type logRequest struct {
	Event    string         `json:"event" binding:"required"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// log appends a structured event row. Failures here are fire-and-forget
// from the Toolkit's perspective, but the endpoint itself still reports
// whether the write succeeded for observability.
func (h *Handlers) log(c *gin.Context) {
	var req logRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.InsertEvent(c.Request.Context(), req.Event, req.Metadata); err != nil {
		h.logger.Warn("log event persistence failed", "error", err)
		c.JSON(http.StatusOK, gin.H{"logged": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged": true})
}
