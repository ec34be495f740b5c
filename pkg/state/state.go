// Package state holds HealingState and its satellite record types — the
// mutable loop record the Supervisor creates on entry and the Toolkit
// mutates in place, shared by pkg/planner and pkg/toolkit without either
// depending on pkg/supervisor itself.
package state

import (
	"time"

	"github.com/khryptorgraphics/battlehealer/pkg/schema"
	"github.com/khryptorgraphics/battlehealer/pkg/transport"
)

// Health is the per-region health tag the Supervisor maintains from
// observed statuses.
type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthUnhealthy  Health = "unhealthy"
	HealthDeprecated Health = "deprecated"
)

// Degradation names how far DegradedResponse strayed from the real answer.
type Degradation string

const (
	DegradationNone        Degradation = "none"
	DegradationStaleCache  Degradation = "stale-cache"
	DegradationMocked      Degradation = "mocked"
	DegradationPartial     Degradation = "partial"
)

// Source names where a DegradedResponse's data came from.
type Source string

const (
	SourceCache           Source = "cache"
	SourceLLMMock         Source = "llm-mock"
	SourceFallbackEndpoint Source = "fallback-endpoint"
)

// Error mirrors transport.Error's shape as a separate type, since a final
// Supervisor error can originate from more than a Transport attempt.
type Error struct {
	Status  int
	Message string
	Body    any
}

// DegradedResponse is the tagged outcome wrapper the degradation pipeline
// and use_mock both produce.
type DegradedResponse struct {
	Data          any
	Degradation   Degradation
	Reason        string
	Source        Source
	OriginalError *Error
}

// Observation is appended once per failed Transport call.
type Observation struct {
	Cycle        int
	Meta         transport.Meta
	Error        *Error
	Timestamp    time.Time
	TriggerHints map[string]any
}

// Intervention is appended once per Toolkit execution.
type Intervention struct {
	Cycle   int
	Action  string
	Reason  string
	Details map[string]any
}

// DecisionLogEntry records one Planner output in the order it was made.
type DecisionLogEntry struct {
	Cycle  int
	Action string
	Reason string
	Params map[string]any
}

// Request is the logical HTTP request the Supervisor drives across cycles.
type Request struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// State is HealingState: created at Supervisor entry, mutated only by the
// Supervisor and the Toolkit, and returned embedded in the Supervisor's
// result for inspection.
type State struct {
	RequestID     string
	CorrelationID string
	URL           string
	Request       Request

	Regions       []string
	RegionIndex   int
	RegionHistory []string
	RegionHealth  map[string]Health

	Token          string
	RepairAttempts int
	CachedResponse any
	SchemaHints    *schema.Hints

	Attempts     []Observation
	Interventions []Intervention
	DecisionLog  []DecisionLogEntry

	CyclesUsed int
	MaxCycles  int
	Queued     bool
	Degraded   DegradedResponse
}

// CurrentRegion returns the region string at RegionIndex, or "" if Regions
// is empty or the index is out of range.
func (s *State) CurrentRegion() string {
	if s.RegionIndex < 0 || s.RegionIndex >= len(s.Regions) {
		return ""
	}
	return s.Regions[s.RegionIndex]
}

// MarkRegionHealth tags a region's health, initializing the map on first use.
func (s *State) MarkRegionHealth(regionID string, h Health) {
	if s.RegionHealth == nil {
		s.RegionHealth = make(map[string]Health)
	}
	s.RegionHealth[regionID] = h
}
