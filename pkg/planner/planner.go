// Package planner implements the Planner contract: a pure function from
// (state, last observation) to a HealingDecision. Two implementations are
// provided — Heuristic (the mandatory baseline) and LLM (optional, falling
// back to Heuristic on any failure).
package planner

import (
	"context"

	"github.com/khryptorgraphics/battlehealer/pkg/decision"
	"github.com/khryptorgraphics/battlehealer/pkg/state"
)

// Planner decides the next HealingDecision given the loop's current state
// and the observation that just occurred.
type Planner interface {
	Plan(ctx context.Context, st *state.State, last state.Observation) (decision.Decision, error)
}
