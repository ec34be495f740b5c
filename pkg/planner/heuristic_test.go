package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/battlehealer/pkg/decision"
	"github.com/khryptorgraphics/battlehealer/pkg/state"
)

func TestHeuristicPlanDispatch(t *testing.T) {
	tests := []struct {
		name       string
		heuristic  Heuristic
		observation state.Observation
		wantAction decision.Action
	}{
		{
			name:       "401 refreshes token",
			observation: state.Observation{Error: &state.Error{Status: 401}},
			wantAction: decision.ActionRefreshToken,
		},
		{
			name: "503 with budget remaining switches region",
			observation: state.Observation{Error: &state.Error{Status: 503, Body: map[string]any{
				"detail": map[string]any{"retry_budget_remaining": float64(5)},
			}}},
			wantAction: decision.ActionSwitchRegion,
		},
		{
			name: "503 with budget nearly exhausted uses mock",
			observation: state.Observation{Error: &state.Error{Status: 503, Body: map[string]any{
				"detail": map[string]any{"retry_budget_remaining": float64(1)},
			}}},
			wantAction: decision.ActionUseMock,
		},
		{
			name: "503 with budget exhausted queues recovery",
			observation: state.Observation{Error: &state.Error{Status: 503, Body: map[string]any{
				"detail": map[string]any{"retry_budget_remaining": float64(0)},
			}}},
			wantAction: decision.ActionQueueRecovery,
		},
		{
			name:       "422 rewrites request by default",
			observation: state.Observation{Error: &state.Error{Status: 422}},
			wantAction: decision.ActionRewriteRequest,
		},
		{
			name:       "422 repairs payload when rewrite disabled",
			heuristic:  Heuristic{DisableRewrite: true},
			observation: state.Observation{Error: &state.Error{Status: 422}},
			wantAction: decision.ActionRepairPayload,
		},
		{
			name: "429 mentioning quota uses mock",
			observation: state.Observation{Error: &state.Error{Status: 429, Body: map[string]any{"message": "quota exceeded"}}},
			wantAction: decision.ActionUseMock,
		},
		{
			name:       "429 without quota marker queues recovery",
			observation: state.Observation{Error: &state.Error{Status: 429, Body: map[string]any{"message": "try again"}}},
			wantAction: decision.ActionQueueRecovery,
		},
		{
			name:       "402 uses mock",
			observation: state.Observation{Error: &state.Error{Status: 402}},
			wantAction: decision.ActionUseMock,
		},
		{
			name:       "unhandled status retries",
			observation: state.Observation{Error: &state.Error{Status: 418}},
			wantAction: decision.ActionRetry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.heuristic.Plan(context.Background(), &state.State{}, tt.observation)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, d.Action)
		})
	}
}

func TestHeuristicPlanSchemaDriftTakesPriority(t *testing.T) {
	obs := state.Observation{
		Error: &state.Error{
			Status: 422,
			Body: map[string]any{
				"detail": map[string]any{
					"schema_hint": map[string]any{
						"field_map": map[string]any{"amount": "amt"},
					},
				},
			},
		},
	}

	d, err := Heuristic{}.Plan(context.Background(), &state.State{}, obs)
	require.NoError(t, err)
	require.Equal(t, decision.ActionAdaptSchema, d.Action)
	require.NotNil(t, d.Schema)
	assert.Equal(t, "amt", d.Schema.FieldMap["amount"])
}

func TestHeuristicPlanNoErrorRetries(t *testing.T) {
	d, err := Heuristic{}.Plan(context.Background(), &state.State{}, state.Observation{})
	require.NoError(t, err)
	assert.Equal(t, decision.ActionRetry, d.Action)
}

func TestHeuristicPlan422RewriteExtractsBodyFromTriggerHints(t *testing.T) {
	obs := state.Observation{
		Error:        &state.Error{Status: 422},
		TriggerHints: map[string]any{"newBody": map[string]any{"transactionId": "tx-1", "amount": 10}},
	}

	d, err := Heuristic{}.Plan(context.Background(), &state.State{}, obs)
	require.NoError(t, err)
	require.Equal(t, decision.ActionRewriteRequest, d.Action)
	require.NotNil(t, d.Rewrite)
	assert.Contains(t, d.Rewrite.Body, `"transactionId":"tx-1"`)
}

func TestHeuristicPlan422RewritePassesThroughStringBody(t *testing.T) {
	obs := state.Observation{
		Error:        &state.Error{Status: 422},
		TriggerHints: map[string]any{"body": `{"raw":"already json"}`},
	}

	d, err := Heuristic{}.Plan(context.Background(), &state.State{}, obs)
	require.NoError(t, err)
	require.NotNil(t, d.Rewrite)
	assert.Equal(t, `{"raw":"already json"}`, d.Rewrite.Body)
}

func TestHeuristicPlan422RewriteWithoutRecognizedKeyReturnsNil(t *testing.T) {
	obs := state.Observation{
		Error:        &state.Error{Status: 422},
		TriggerHints: map[string]any{"unrelated": "value"},
	}

	d, err := Heuristic{}.Plan(context.Background(), &state.State{}, obs)
	require.NoError(t, err)
	assert.Nil(t, d.Rewrite)
}
