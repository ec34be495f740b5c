// Package toolkit executes a decision.Decision against *state.State,
// calling out to the credential/mock/queue/log collaborators over HTTP and
// mutating HealingState in place.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/khryptorgraphics/battlehealer/pkg/budget"
	"github.com/khryptorgraphics/battlehealer/pkg/decision"
	"github.com/khryptorgraphics/battlehealer/pkg/schema"
	"github.com/khryptorgraphics/battlehealer/pkg/state"
)

const (
	MaxRepairAttempts = 2
	RepairWindowMs    = 60_000
	RepairWindowLimit = 4
)

// RepairStrategy supplies the default shape a repaired payload must have
// when repair_payload cannot reconcile the existing body. The shipped
// default follows the literal {transactionId, amount} shape; deployments
// with a different collaborator contract can swap this in.
type RepairStrategy interface {
	Repair(existing map[string]any) map[string]any
	Fallback(now time.Time) map[string]any
}

// DefaultRepairStrategy is the strategy described in the healing core's
// design: ensure transactionId and a non-null amount, falling back to a
// minimal synthetic payload when the body isn't a JSON object at all.
type DefaultRepairStrategy struct{}

func (DefaultRepairStrategy) Repair(existing map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+2)
	for k, v := range existing {
		out[k] = v
	}
	if _, ok := out["transactionId"]; !ok {
		out["transactionId"] = fmt.Sprintf("auto-%d", time.Now().UnixMilli())
	}
	if v, ok := out["amount"]; !ok || v == nil {
		out["amount"] = 0
	}
	return out
}

func (DefaultRepairStrategy) Fallback(now time.Time) map[string]any {
	return map[string]any{
		"transactionId": fmt.Sprintf("fallback-%d", now.UnixMilli()),
		"amount":        0,
	}
}

// Toolkit executes HealingDecisions. It is safe for concurrent use across
// different State instances; RepairWindow is shared process-wide, per the
// endpoint-repair-window contract.
type Toolkit struct {
	Collaborators  Collaborators
	RegionResolver RegionResolver
	Repair         RepairStrategy
	RepairWindow   budget.Store
	Logger         *slog.Logger
}

// RegionResolver is the subset of pkg/region.Registry the Toolkit needs for
// switch_region, kept as an interface so toolkit doesn't import region
// directly and callers can supply a test double.
type RegionResolver interface {
	ResolveNextEndpoint(currentEndpoint string, health map[string]string, forceInclude []string) (id string, endpoint string, found bool)
}

func New(collab Collaborators, resolver RegionResolver, repair RepairStrategy, repairWindow budget.Store, logger *slog.Logger) *Toolkit {
	if repair == nil {
		repair = DefaultRepairStrategy{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{Collaborators: collab, RegionResolver: resolver, Repair: repair, RepairWindow: repairWindow, Logger: logger}
}

// Execute runs d against st, returning the Intervention to append to
// st.Interventions. st is mutated in place; Execute never returns an error
// for a well-formed Decision — collaborator failures are captured as
// intervention details instead, matching Transport's "never throw past the
// boundary" policy.
func (t *Toolkit) Execute(ctx context.Context, d decision.Decision, st *state.State) state.Intervention {
	iv := state.Intervention{Cycle: st.CyclesUsed, Action: string(d.Action), Reason: d.Reason}

	switch d.Action {
	case decision.ActionRetry:
		// no state change

	case decision.ActionRefreshToken:
		t.refreshToken(ctx, st, &iv)

	case decision.ActionSwitchRegion:
		t.switchRegion(st, &iv)

	case decision.ActionRepairPayload:
		if t.ensureRepairAllowance(ctx, st, &iv) {
			t.repairPayload(st, &iv)
		}

	case decision.ActionRewriteRequest:
		if t.ensureRepairAllowance(ctx, st, &iv) {
			t.rewriteRequest(d.Rewrite, st, &iv)
		}

	case decision.ActionAdaptSchema, decision.ActionInferSchema:
		t.adaptSchema(d.Schema, st, &iv)

	case decision.ActionUseMock:
		t.useMock(ctx, d.Mock, st, &iv)

	case decision.ActionQueueRecovery:
		t.queueRecovery(ctx, d.Queue, st, &iv)

	case decision.ActionAbort:
		fallthrough
	default:
		st.CyclesUsed = st.MaxCycles
	}

	return iv
}

func (t *Toolkit) refreshToken(ctx context.Context, st *state.State, iv *state.Intervention) {
	tok, err := t.Collaborators.RefreshToken(ctx, st.Token)
	if err != nil {
		iv.Details = map[string]any{"error": err.Error()}
		return
	}
	st.Token = tok
}

func (t *Toolkit) switchRegion(st *state.State, iv *state.Intervention) {
	health := make(map[string]string, len(st.RegionHealth))
	for k, v := range st.RegionHealth {
		health[k] = string(v)
	}
	id, endpoint, found := t.RegionResolver.ResolveNextEndpoint(st.CurrentRegion(), health, nil)
	if !found {
		iv.Details = map[string]any{"message": "No alternate region available"}
		return
	}
	idx := indexOf(st.Regions, endpoint)
	if idx < 0 {
		st.Regions = append(st.Regions, endpoint)
		idx = len(st.Regions) - 1
	}
	st.RegionIndex = idx
	iv.Details = map[string]any{"region_id": id, "endpoint": endpoint}
}

func (t *Toolkit) ensureRepairAllowance(ctx context.Context, st *state.State, iv *state.Intervention) bool {
	if st.RepairAttempts >= MaxRepairAttempts {
		iv.Details = map[string]any{"message": "repair attempts exhausted"}
		st.CyclesUsed = st.MaxCycles
		return false
	}
	if t.RepairWindow != nil {
		key := "repair:" + originPath(st.URL)
		ok, err := t.RepairWindow.Consume(ctx, key, RepairWindowLimit, RepairWindowMs)
		if err != nil || !ok {
			iv.Details = map[string]any{"message": "repair window exceeded"}
			st.CyclesUsed = st.MaxCycles
			return false
		}
	}
	return true
}

func (t *Toolkit) repairPayload(st *state.State, iv *state.Intervention) {
	var existing map[string]any
	repaired := json.Unmarshal(st.Request.Body, &existing) == nil && existing != nil

	var body map[string]any
	if repaired {
		body = t.Repair.Repair(existing)
	} else {
		body = t.Repair.Fallback(time.Now())
	}

	raw, _ := json.Marshal(body)
	st.Request.Body = raw
	setRepairHeader(st)
	st.RepairAttempts++
	iv.Details = map[string]any{"repaired_from_existing": repaired}
}

func (t *Toolkit) rewriteRequest(rw *decision.RewriteRequest, st *state.State, iv *state.Intervention) {
	if rw == nil || rw.Body == "" {
		iv.Details = map[string]any{"message": "no body supplied for rewrite"}
		return
	}
	st.Request.Body = []byte(rw.Body)
	if st.Request.Headers == nil {
		st.Request.Headers = make(map[string]string)
	}
	for k, v := range rw.Headers {
		st.Request.Headers[k] = v
	}
	setRepairHeader(st)
	st.RepairAttempts++
	iv.Details = map[string]any{"notes": rw.Notes}
}

func setRepairHeader(st *state.State) {
	if st.Request.Headers == nil {
		st.Request.Headers = make(map[string]string)
	}
	st.Request.Headers["X-Healer-Repair-Attempt"] = fmt.Sprintf("%d", st.RepairAttempts+1)
}

func (t *Toolkit) adaptSchema(as *decision.AdaptSchema, st *state.State, iv *state.Intervention) {
	hints := schema.Hints{}
	if st.SchemaHints != nil {
		hints = *st.SchemaHints
	}
	if as != nil {
		if as.FieldMap != nil {
			hints.FieldMap = mergeStringMaps(hints.FieldMap, as.FieldMap)
		}
		if as.Defaults != nil {
			hints.Defaults = mergeAnyMaps(hints.Defaults, as.Defaults)
		}
	}
	st.SchemaHints = &hints

	if st.CachedResponse != nil {
		st.CachedResponse = schema.Apply(hints, st.CachedResponse)
	}
	iv.Details = map[string]any{"field_map": hints.FieldMap, "defaults": hints.Defaults}
}

func (t *Toolkit) useMock(ctx context.Context, hint *decision.UseMock, st *state.State, iv *state.Intervention) {
	req := MockRequest{CachedPayload: st.CachedResponse}
	if hint != nil {
		req.Reason = hint.Reason
		req.Endpoint = hint.Endpoint
		req.Provider = hint.Provider
	}
	degraded, err := t.Collaborators.Mock(ctx, req)
	if err != nil {
		iv.Details = map[string]any{"error": err.Error()}
		return
	}
	st.CachedResponse = degraded.Data
	st.Degraded = degraded
	iv.Details = map[string]any{"source": string(degraded.Source)}
}

func (t *Toolkit) queueRecovery(ctx context.Context, q *decision.QueueRecovery, st *state.State, iv *state.Intervention) {
	delay := 0
	endpoint := st.CurrentRegion()
	if q != nil {
		delay = q.DelaySeconds
		if q.Endpoint != "" {
			endpoint = q.Endpoint
		}
	}
	envelope := QueueEnvelope{
		RequestID:     st.RequestID,
		CorrelationID: st.CorrelationID,
		Endpoint:      endpoint,
		Region:        st.CurrentRegion(),
		Method:        st.Request.Method,
		URL:           st.URL,
		Headers:       sanitizeHeaders(st.Request.Headers),
		Body:          st.Request.Body,
		Timestamp:     time.Now(),
		RetryCount:    st.CyclesUsed,
	}
	if err := t.Collaborators.QueueFailed(ctx, envelope); err != nil {
		iv.Details = map[string]any{"error": err.Error(), "delay_seconds": delay}
		return
	}
	st.Queued = true
	iv.Details = map[string]any{"delay_seconds": delay}
}

func sanitizeHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		lower := strings.ToLower(k)
		if lower == "authorization" || lower == "proxy-authorization" || lower == "cookie" {
			continue
		}
		out[k] = v
	}
	return out
}

func originPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host + u.Path
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

func mergeStringMaps(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func mergeAnyMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
