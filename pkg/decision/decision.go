// Package decision models the HealingDecision the Planner hands to the Toolkit.
//
// The source system models decisions as an action tag plus an untyped params
// bag. Here the payload is a tagged variant instead: each Action carries at
// most one of the typed structs below, chosen by Action at construction time.
package decision

// Action names a categorical healing action chosen by a Planner.
type Action string

const (
	ActionRetry         Action = "retry"
	ActionRefreshToken  Action = "refresh_token"
	ActionSwitchRegion  Action = "switch_region"
	ActionRepairPayload Action = "repair_payload"
	ActionRewriteRequest Action = "rewrite_request"
	ActionAdaptSchema    Action = "adapt_schema"
	ActionInferSchema    Action = "infer_schema"
	ActionUseMock        Action = "use_mock"
	ActionQueueRecovery  Action = "queue_recovery"
	ActionAbort          Action = "abort"
)

// valid reports whether a is a recognized Action.
func (a Action) valid() bool {
	switch a {
	case ActionRetry, ActionRefreshToken, ActionSwitchRegion, ActionRepairPayload,
		ActionRewriteRequest, ActionAdaptSchema, ActionInferSchema, ActionUseMock,
		ActionQueueRecovery, ActionAbort:
		return true
	}
	return false
}

// RewriteRequest carries the new request body/headers for rewrite_request.
type RewriteRequest struct {
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Notes   string            `json:"notes,omitempty"`
}

// AdaptSchema carries field-map/defaults hints for adapt_schema and infer_schema.
type AdaptSchema struct {
	FieldMap map[string]string `json:"field_map,omitempty"`
	Defaults map[string]any    `json:"defaults,omitempty"`
}

// UseMock carries optional routing hints for use_mock.
type UseMock struct {
	Reason   string `json:"reason,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// QueueRecovery carries optional routing hints for queue_recovery.
type QueueRecovery struct {
	Endpoint      string `json:"endpoint,omitempty"`
	Provider      string `json:"provider,omitempty"`
	DelaySeconds  int    `json:"delay_seconds,omitempty"`
}

// Decision is the tagged variant the Planner returns and the Toolkit consumes.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`

	// At most one of the following is populated, selected by Action.
	Rewrite *RewriteRequest `json:"rewrite,omitempty"`
	Schema  *AdaptSchema    `json:"schema,omitempty"`
	Mock    *UseMock        `json:"mock,omitempty"`
	Queue   *QueueRecovery  `json:"queue,omitempty"`
}

// Retry is the zero-payload default decision: keep retrying at Transport scope.
func Retry(reason string) Decision { return Decision{Action: ActionRetry, Reason: reason} }

// Abort terminates the Supervisor's cycle loop immediately.
func Abort(reason string) Decision { return Decision{Action: ActionAbort, Reason: reason} }

// Coerce validates d against the known Action set, falling back to Retry for
// anything unrecognized — the rule the LLM planner uses for invalid output.
func Coerce(d Decision) Decision {
	if !d.Action.valid() {
		return Retry("coerced: unknown action " + string(d.Action))
	}
	return d
}
