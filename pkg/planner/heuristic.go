package planner

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/khryptorgraphics/battlehealer/pkg/decision"
	"github.com/khryptorgraphics/battlehealer/pkg/state"
)

// Heuristic is the mandatory baseline Planner: a pure dispatch table over
// the last Observation's error status and schema-drift hints, with no
// network calls of its own.
type Heuristic struct {
	// DisableRewrite routes 422 to repair_payload instead of rewrite_request,
	// for deployments whose collaborator cannot accept a full body rewrite.
	DisableRewrite bool
}

func (h Heuristic) Plan(_ context.Context, _ *state.State, last state.Observation) (decision.Decision, error) {
	if hints, ok := schemaDriftHints(last); ok {
		return decision.Decision{
			Action: decision.ActionAdaptSchema,
			Reason: "schema drift detected",
			Schema: hints,
		}, nil
	}

	if last.Error == nil {
		return decision.Retry("no error on observation"), nil
	}

	switch last.Error.Status {
	case 401:
		return decision.Decision{Action: decision.ActionRefreshToken, Reason: "401 unauthorized"}, nil

	case 503:
		remaining, hasRemaining := detailInt(last.Error.Body, "retry_budget_remaining")
		switch {
		case hasRemaining && remaining <= 0:
			return decision.Decision{
				Action: decision.ActionQueueRecovery,
				Reason: "503 with retry budget exhausted",
				Queue:  &decision.QueueRecovery{DelaySeconds: 30},
			}, nil
		case hasRemaining && remaining <= 1:
			return decision.Decision{Action: decision.ActionUseMock, Reason: "503 with retry budget nearly exhausted"}, nil
		default:
			return decision.Decision{Action: decision.ActionSwitchRegion, Reason: "503 service unavailable"}, nil
		}

	case 422:
		if h.DisableRewrite {
			return decision.Decision{Action: decision.ActionRepairPayload, Reason: "422 payload error, rewrite disabled"}, nil
		}
		return decision.Decision{
			Action:  decision.ActionRewriteRequest,
			Reason:  "422 payload error",
			Rewrite: rewriteFromHints(last.TriggerHints),
		}, nil

	case 429:
		if bodyMentionsQuota(last.Error.Body) {
			return decision.Decision{Action: decision.ActionUseMock, Reason: "429 quota/rate/limit"}, nil
		}
		return decision.Decision{
			Action: decision.ActionQueueRecovery,
			Reason: "429 rate limited",
			Queue:  &decision.QueueRecovery{DelaySeconds: 15},
		}, nil

	case 402:
		return decision.Decision{Action: decision.ActionUseMock, Reason: "402 payment required"}, nil

	default:
		return decision.Retry("no specific handling for status"), nil
	}
}

// schemaDriftHints looks for error.body.detail.schema_hint or
// observation.trigger_hints.schema_hint carrying a field_map, mapping,
// fields, fallbacks, or defaults key.
func schemaDriftHints(last state.Observation) (*decision.AdaptSchema, bool) {
	if last.Error != nil {
		if detail, ok := asObject(last.Error.Body)["detail"]; ok {
			if hint, ok := asObject(detail)["schema_hint"]; ok {
				if as, ok := normalizeSchemaHint(hint); ok {
					return as, true
				}
			}
		}
	}
	if hint, ok := last.TriggerHints["schema_hint"]; ok {
		if as, ok := normalizeSchemaHint(hint); ok {
			return as, true
		}
	}
	return nil, false
}

func normalizeSchemaHint(hint any) (*decision.AdaptSchema, bool) {
	obj := asObject(hint)
	if len(obj) == 0 {
		return nil, false
	}

	as := &decision.AdaptSchema{}
	for _, key := range []string{"field_map", "mapping", "fields", "fallbacks"} {
		if fm, ok := obj[key]; ok {
			as.FieldMap = toStringMap(fm)
			break
		}
	}
	if defaults, ok := obj["defaults"]; ok {
		if d, ok := defaults.(map[string]any); ok {
			as.Defaults = d
		}
	}
	if as.FieldMap == nil && as.Defaults == nil {
		return nil, false
	}
	return as, true
}

// rewriteFromHints looks for a replacement body under the first of
// body|newBody|payload|rewrittenBody present in hints, stringifying it if
// it isn't already a string, and carries along any headers hint found
// alongside it. Returns nil when hints carry none of those keys, leaving
// the Toolkit's "no body supplied for rewrite" guard to fire.
func rewriteFromHints(hints map[string]any) *decision.RewriteRequest {
	for _, key := range []string{"body", "newBody", "payload", "rewrittenBody"} {
		v, ok := hints[key]
		if !ok || v == nil {
			continue
		}
		body, ok := stringifyRewriteBody(v)
		if !ok {
			continue
		}
		return &decision.RewriteRequest{
			Body:    body,
			Headers: toStringMap(hints["headers"]),
			Notes:   "rewrite seeded from trigger_hints",
		}
	}
	return nil
}

func stringifyRewriteBody(v any) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func bodyMentionsQuota(body any) bool {
	msg := bodyMessage(body)
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "rate") || strings.Contains(lower, "limit")
}

func bodyMessage(body any) string {
	obj := asObject(body)
	for _, key := range []string{"message", "error", "detail"} {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	if s, ok := body.(string); ok {
		return s
	}
	return ""
}

func detailInt(body any, key string) (int, bool) {
	detail, ok := asObject(body)["detail"]
	if !ok {
		return 0, false
	}
	v, ok := asObject(detail)[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func toStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
