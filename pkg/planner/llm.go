package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/khryptorgraphics/battlehealer/pkg/decision"
	"github.com/khryptorgraphics/battlehealer/pkg/state"
)

// maxBodyPreview bounds the request body preview embedded in an LLM prompt.
const maxBodyPreview = 400

// LLM is the optional Planner that asks a model to choose the next
// HealingDecision. It never returns an error from Plan: any transport or
// parse failure is logged and silently handed to Heuristic instead, per the
// contract that a Planner error always degrades to the baseline.
type LLM struct {
	Client    anthropic.Client
	Model     anthropic.Model
	Toolkit   string // one-line description of available Toolkit actions, for the prompt
	Logger    *slog.Logger
	Heuristic Heuristic
}

func (p LLM) Plan(ctx context.Context, st *state.State, last state.Observation) (decision.Decision, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prompt := p.buildPrompt(st, last)
	msg, err := p.Client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.Model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		logger.WarnContext(ctx, "llm planner call failed, falling back to heuristic", "error", err)
		return p.Heuristic.Plan(ctx, st, last)
	}

	text := extractText(msg)
	var d decision.Decision
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		logger.WarnContext(ctx, "llm planner returned unparseable output, falling back to heuristic", "error", err)
		return p.Heuristic.Plan(ctx, st, last)
	}

	return decision.Coerce(d), nil
}

func (p LLM) buildPrompt(st *state.State, last state.Observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the Planner for a self-healing HTTP client. Available toolkit actions: %s\n", p.Toolkit)
	fmt.Fprintf(&b, "Current cycle: %d of %d max cycles.\n", st.CyclesUsed, st.MaxCycles)
	fmt.Fprintf(&b, "Region: %s (history: %v)\n", st.CurrentRegion(), st.RegionHistory)
	fmt.Fprintf(&b, "Token present: %t\n", st.Token != "")
	fmt.Fprintf(&b, "Repair attempts so far: %d\n", st.RepairAttempts)
	if last.Error != nil {
		fmt.Fprintf(&b, "Last error: status=%d message=%q\n", last.Error.Status, last.Error.Message)
	}
	fmt.Fprintf(&b, "Request preview: %s %s body=%s\n", st.Request.Method, st.URL, previewBody(st.Request.Body))
	b.WriteString("Respond with strict JSON matching {\"action\":string,\"reason\":string,\"rewrite\"?:object,\"schema\"?:object,\"mock\"?:object,\"queue\"?:object}.\n")
	b.WriteString("action must be one of: retry, refresh_token, switch_region, repair_payload, rewrite_request, adapt_schema, infer_schema, use_mock, queue_recovery, abort.\n")
	return b.String()
}

func previewBody(body []byte) string {
	s := string(body)
	if len(s) > maxBodyPreview {
		return s[:maxBodyPreview] + "...(truncated)"
	}
	return s
}

func extractText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
