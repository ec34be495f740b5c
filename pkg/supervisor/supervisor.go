// Package supervisor implements the outer cycle loop binding Transport,
// Planner, and Toolkit, and the degradation pipeline that runs once the
// loop ends without success.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/khryptorgraphics/battlehealer/pkg/cache"
	"github.com/khryptorgraphics/battlehealer/pkg/decision"
	"github.com/khryptorgraphics/battlehealer/pkg/planner"
	"github.com/khryptorgraphics/battlehealer/pkg/region"
	"github.com/khryptorgraphics/battlehealer/pkg/schema"
	"github.com/khryptorgraphics/battlehealer/pkg/state"
	"github.com/khryptorgraphics/battlehealer/pkg/telemetry"
	"github.com/khryptorgraphics/battlehealer/pkg/toolkit"
	"github.com/khryptorgraphics/battlehealer/pkg/transport"
)

// DefaultMaxCycles is run's outer deadline when params.MaxCycles is unset.
const DefaultMaxCycles = 6

// DefaultStaleTTLMs is DEFAULT_DEGRADATION.staleTtlMs, kept as a named
// overridable constant rather than reinterpreted.
const DefaultStaleTTLMs int64 = 300_000

// TokenProvider fetches the initial token for a run.
type TokenProvider func(ctx context.Context) (string, error)

// Degradation configures the post-loop degradation pipeline.
type Degradation struct {
	CacheKey        string
	EnableStaleCache *bool // default true
	StaleTTLMs      int64  // default DefaultStaleTTLMs
	EnableMock      *bool  // default true
	MockSchemaHint  map[string]any
	MockExample     any
}

func (d Degradation) staleCacheEnabled() bool {
	if d.EnableStaleCache == nil {
		return true
	}
	return *d.EnableStaleCache
}

func (d Degradation) mockEnabled() bool {
	if d.EnableMock == nil {
		return true
	}
	return *d.EnableMock
}

// Params is the Supervisor's public entry point input.
type Params struct {
	URL           string
	Request       state.Request
	Regions       []string
	RequestID     string
	CorrelationID string
	MaxCycles     int

	TokenProvider        TokenProvider
	BackendBaseURL       string
	Degradation          Degradation
	TokenRecoveryHandler transport.TokenRefresher
}

// Result is what run returns.
type Result struct {
	Success     bool
	Data        any
	Degraded    state.DegradedResponse
	FinalError  *state.Error
	State       *state.State
}

// Supervisor binds Transport, Planner, and Toolkit into the bounded cycle
// loop described in the healing core's design.
type Supervisor struct {
	Regions RegionLookup
	Cache   cache.Store
	Planner planner.Planner
	Toolkit *toolkit.Toolkit
	Logger  *slog.Logger

	// RateLimiter paces Transport attempts per region. Nil (the default
	// from New) disables rate limiting.
	RateLimiter *transport.RegionLimiter

	// Hub broadcasts AttemptLog/Observation/Intervention/decision events
	// to connected dashboard clients. Nil (the default from New) disables
	// broadcasting entirely.
	Hub *telemetry.Hub
}

// RegionLookup is the subset of pkg/region.Registry the Supervisor needs to
// resolve a region string to its id and default root children.
type RegionLookup interface {
	FindByEndpoint(endpoint string) *region.Node
	Roots() []*region.Node
}

func New(regions RegionLookup, cacheStore cache.Store, p planner.Planner, tk *toolkit.Toolkit, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{Regions: regions, Cache: cacheStore, Planner: p, Toolkit: tk, Logger: logger}
}

// Run executes the bounded cycle loop for one logical request.
func (s *Supervisor) Run(ctx context.Context, params Params) (Result, error) {
	st := s.initState(params)
	logger := s.Logger.With("request_id", st.RequestID, "correlation_id", st.CorrelationID)

	if params.TokenProvider != nil {
		tok, err := params.TokenProvider(ctx)
		if err != nil {
			logger.WarnContext(ctx, "initial token fetch failed", "error", err)
		} else {
			st.Token = tok
		}
	}

	for st.CyclesUsed < st.MaxCycles {
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, st, nil, lastError(st), params)
		}

		region := st.CurrentRegion()
		headers := cloneHeaders(st.Request.Headers)
		if st.Token != "" {
			headers["Authorization"] = "Bearer " + st.Token
		}

		zero := 0
		res := transport.Send(ctx, st.URL, transport.Request{
			Method:  st.Request.Method,
			Headers: headers,
			Body:    st.Request.Body,
		}, transport.Config{
			MaxRetries:     &zero,
			Regions:        []string{region},
			TokenRefresher: params.TokenRecoveryHandler,
			CorrelationID:  st.CorrelationID,
			Logger:         logger,
			RegionLimiter:  s.RateLimiter,
		})

		for _, attempt := range res.Meta.Attempts {
			s.publish(telemetry.EventAttempt, st.RequestID, attempt)
		}

		if res.Error == nil {
			return s.onSuccess(ctx, st, res, region, params)
		}

		s.onFailure(ctx, st, res, region, logger)
		s.publish(telemetry.EventObservation, st.RequestID, st.Attempts[len(st.Attempts)-1])

		lastObs := st.Attempts[len(st.Attempts)-1]
		d, err := s.Planner.Plan(ctx, st, lastObs)
		if err != nil {
			logger.WarnContext(ctx, "planner error, treating as retry", "error", err)
			d = decision.Retry("planner error: " + err.Error())
		}
		d = decision.Coerce(d)
		entry := state.DecisionLogEntry{Cycle: st.CyclesUsed, Action: string(d.Action), Reason: d.Reason}
		st.DecisionLog = append(st.DecisionLog, entry)
		s.publish(telemetry.EventDecision, st.RequestID, entry)
		s.logDecision(ctx, st, entry)

		iv := s.Toolkit.Execute(ctx, d, st)
		st.Interventions = append(st.Interventions, iv)
		s.publish(telemetry.EventIntervention, st.RequestID, iv)

		if d.Action == decision.ActionUseMock {
			result := Result{Success: false, Data: st.CachedResponse, Degraded: st.Degraded, FinalError: lastError(st), State: st}
			s.publish(telemetry.EventResult, st.RequestID, result)
			return result, nil
		}
		if d.Action == decision.ActionQueueRecovery || d.Action == decision.ActionAbort {
			break
		}
	}

	return s.finish(ctx, st, nil, lastError(st), params)
}

func (s *Supervisor) initState(params Params) *state.State {
	regions := params.Regions
	if len(regions) == 0 {
		regions = rootEndpoints(s.Regions)
	}
	if len(regions) == 0 {
		regions = []string{""}
	}

	requestID := params.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	correlationID := params.CorrelationID
	if correlationID == "" {
		correlationID = requestID
	}
	maxCycles := params.MaxCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}

	return &state.State{
		RequestID:     requestID,
		CorrelationID: correlationID,
		URL:           params.URL,
		Request:       params.Request,
		Regions:       regions,
		RegionHealth:  make(map[string]state.Health),
		MaxCycles:     maxCycles,
		Degraded:      state.DegradedResponse{Degradation: state.DegradationNone},
	}
}

func (s *Supervisor) onSuccess(ctx context.Context, st *state.State, res transport.Result, region string, params Params) (Result, error) {
	data := res.Data
	if st.SchemaHints != nil {
		data = schema.Apply(*st.SchemaHints, data)
	}

	cacheKey := params.Degradation.CacheKey
	if cacheKey == "" {
		cacheKey = fmt.Sprintf("%s::%s", st.URL, region)
	}
	if s.Cache != nil {
		if err := s.Cache.Remember(ctx, cacheKey, data); err != nil {
			s.Logger.WarnContext(ctx, "cache remember failed", "error", err)
		}
	}
	st.MarkRegionHealth(s.regionID(region), state.HealthHealthy)

	result := Result{Success: true, Data: data, Degraded: state.DegradedResponse{Degradation: state.DegradationNone}, State: st}
	s.publish(telemetry.EventResult, st.RequestID, result)
	return result, nil
}

func (s *Supervisor) onFailure(ctx context.Context, st *state.State, res transport.Result, region string, logger *slog.Logger) {
	obsErr := &state.Error{Status: res.Error.Status, Message: res.Error.Message, Body: res.Error.Body}
	obs := state.Observation{
		Cycle:     st.CyclesUsed,
		Meta:      res.Meta,
		Error:     obsErr,
		Timestamp: time.Now(),
	}
	if detail, ok := asObject(res.Error.Body)["detail"]; ok {
		obs.TriggerHints = asObject(detail)
	}
	st.Attempts = append(st.Attempts, obs)
	st.CyclesUsed++
	regionID := s.regionID(region)
	st.RegionHistory = append(st.RegionHistory, regionID)

	switch res.Error.Status {
	case 410:
		st.MarkRegionHealth(regionID, state.HealthDeprecated)
	case 503, 429:
		st.MarkRegionHealth(regionID, state.HealthUnhealthy)
	}

	logger.InfoContext(ctx, "transport attempt failed", "status", res.Error.Status, "region", region, "cycle", st.CyclesUsed)
}

func (s *Supervisor) finish(ctx context.Context, st *state.State, data any, finalErr *state.Error, params Params) (Result, error) {
	degraded, ok := s.degrade(ctx, st, finalErr, params)
	var result Result
	if ok {
		result = Result{Success: false, Data: degraded.Data, Degraded: degraded, FinalError: finalErr, State: st}
	} else {
		result = Result{Success: false, Degraded: state.DegradedResponse{Degradation: state.DegradationNone}, FinalError: finalErr, State: st}
	}
	s.publish(telemetry.EventResult, st.RequestID, result)
	return result, nil
}

func (s *Supervisor) degrade(ctx context.Context, st *state.State, finalErr *state.Error, params Params) (state.DegradedResponse, bool) {
	cacheKey := params.Degradation.CacheKey
	if cacheKey == "" {
		cacheKey = fmt.Sprintf("%s::%s", st.URL, st.CurrentRegion())
	}
	ttl := params.Degradation.StaleTTLMs
	if ttl <= 0 {
		ttl = DefaultStaleTTLMs
	}

	if params.Degradation.staleCacheEnabled() && s.Cache != nil {
		entry, found, err := s.Cache.Recall(ctx, cacheKey, ttl)
		if err != nil {
			s.Logger.WarnContext(ctx, "stale cache recall failed", "error", err)
		}
		if found {
			return state.DegradedResponse{
				Data:          entry.Data,
				Degradation:   state.DegradationStaleCache,
				Source:        state.SourceCache,
				OriginalError: finalErr,
			}, true
		}
	}

	if params.Degradation.mockEnabled() {
		degraded, err := s.Toolkit.Collaborators.Mock(ctx, toolkit.MockRequest{
			SchemaHint:      params.Degradation.MockSchemaHint,
			ExampleResponse: params.Degradation.MockExample,
			CachedPayload:   st.CachedResponse,
			Reason:          "degradation pipeline exhausted",
		})
		if err != nil {
			s.Logger.WarnContext(ctx, "mock degradation failed", "error", err)
			return state.DegradedResponse{}, false
		}
		degraded.OriginalError = finalErr
		return degraded, true
	}

	return state.DegradedResponse{}, false
}

// regionID resolves a region endpoint to its RegionRegistry node id, since
// state.RegionHealth (and the health map handed to RegionResolver) is keyed
// by node id, not by endpoint — st.Regions/st.CurrentRegion() deal in
// endpoints throughout. Falls back to the endpoint itself when it isn't a
// known node (e.g. a caller-supplied region with no matching tree entry).
func (s *Supervisor) regionID(endpoint string) string {
	if s.Regions != nil {
		if n := s.Regions.FindByEndpoint(endpoint); n != nil {
			return n.ID
		}
	}
	return endpoint
}

// publish forwards eventType to s.Hub if one is attached; a nil Hub is a
// no-op, matching the package default from New.
func (s *Supervisor) publish(eventType, requestID string, data any) {
	if s.Hub == nil {
		return
	}
	s.Hub.Publish(eventType, requestID, data)
}

// logDecision sends the decision log entry to the /log collaborator,
// best-effort per spec: failures are warned by Collaborators.Log itself and
// never interrupt the cycle loop.
func (s *Supervisor) logDecision(ctx context.Context, st *state.State, entry state.DecisionLogEntry) {
	s.Toolkit.Collaborators.Log(ctx, "decision", map[string]any{
		"request_id":     st.RequestID,
		"correlation_id": st.CorrelationID,
		"cycle":          entry.Cycle,
		"action":         entry.Action,
		"reason":         entry.Reason,
	})
}

func lastError(st *state.State) *state.Error {
	if len(st.Attempts) == 0 {
		return nil
	}
	return st.Attempts[len(st.Attempts)-1].Error
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func rootEndpoints(lookup RegionLookup) []string {
	if lookup == nil {
		return nil
	}
	var out []string
	for _, n := range lookup.Roots() {
		out = append(out, n.Endpoint)
	}
	return out
}
