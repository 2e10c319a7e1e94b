// Package planning orchestrates the plan-approval loop: the planner
// persona drafts a plan, the plan-evaluator persona judges it, and
// revision feedback drives further attempts until the plan is approved or
// the iteration bound is hit.
package planning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/engine"
)

// ReasonIterationLimit marks a plan that ran out of revision attempts.
const ReasonIterationLimit = "iteration_limit_exceeded"

// Default persona names for the two roles.
const (
	defaultPlannerPersona   = "planner"
	defaultEvaluatorPersona = "plan-evaluator"
)

// CitationPolicy is forwarded to both personas; enforcement is the
// evaluator's responsibility.
type CitationPolicy struct {
	RequireCitations      bool
	CitationFields        []string
	UncitedBudget         int
	TreatUncitedAsInvalid bool
}

func (p CitationPolicy) payload() map[string]any {
	return map[string]any{
		"require_citations":        p.RequireCitations,
		"citation_fields":          p.CitationFields,
		"uncited_budget":           p.UncitedBudget,
		"treat_uncited_as_invalid": p.TreatUncitedAsInvalid,
	}
}

// Request describes one approval run.
type Request struct {
	WorkflowID string
	Step       string
	Repo       string
	Branch     string
	ProjectID  string
	TaskID     string
	// Task is the normalized task map handed to the planner.
	Task map[string]any
	// QAFeedback seeds the first planner attempt (retry loops pass prior
	// QA results here).
	QAFeedback string
	Policy     CitationPolicy
	// Planner and Evaluator override the default persona names.
	Planner   string
	Evaluator string
}

// Attempt records one planner/evaluator round.
type Attempt struct {
	PlanText        string
	Plan            []map[string]any
	EvaluatorStatus string
	EvaluatorReason string
	Feedback        string
}

// Outcome is the terminal result of an approval run. When Approved is
// false the last plan is still carried, marked
// meta.plan_approved=false with the exhaustion reason: the caller
// decides whether that is fatal.
type Outcome struct {
	Approved    bool
	PlanText    string
	PlanPayload map[string]any
	PlanSteps   []map[string]any
	History     []Attempt
}

// Approver runs the plan-approval state machine.
type Approver struct {
	personas      engine.PersonaRunner
	maxIterations int
	logger        *slog.Logger
}

// New creates an approver. maxIterations <= 0 selects the default of 5.
func New(personas engine.PersonaRunner, maxIterations int, logger *slog.Logger) *Approver {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Approver{personas: personas, maxIterations: maxIterations, logger: logger}
}

// Run drives planner and evaluator rounds until approval or exhaustion.
// Persona transport failures (exhausted retries, information limits)
// surface as errors; evaluator rejection drives revision instead.
func (a *Approver) Run(ctx context.Context, req Request) (*Outcome, error) {
	planner := req.Planner
	if planner == "" {
		planner = defaultPlannerPersona
	}
	evaluator := req.Evaluator
	if evaluator == "" {
		evaluator = defaultEvaluatorPersona
	}

	feedback := req.QAFeedback
	history := make([]Attempt, 0, a.maxIterations)

	var lastText string
	var lastPlan []map[string]any

	for attempt := 1; attempt <= a.maxIterations; attempt++ {
		a.logger.Info("requesting plan",
			"workflow", req.WorkflowID, "attempt", attempt, "max", a.maxIterations)

		planOutcome, err := a.personas.Run(ctx, engine.PersonaCall{
			Persona:    planner,
			WorkflowID: req.WorkflowID,
			Step:       req.Step,
			Intent:     "produce an implementation plan",
			Repo:       req.Repo,
			Branch:     req.Branch,
			ProjectID:  req.ProjectID,
			TaskID:     req.TaskID,
			Payload: mergePayload(req.Policy.payload(), map[string]any{
				"task":          req.Task,
				"qa_feedback":   req.QAFeedback,
				"plan_feedback": feedback,
				"attempt":       attempt,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("planner attempt %d: %w", attempt, err)
		}

		planSteps := ExtractPlan(planOutcome.Payload)
		lastText = planOutcome.Output
		lastPlan = planSteps

		record := Attempt{PlanText: planOutcome.Output, Plan: planSteps}

		if len(planSteps) == 0 {
			record.EvaluatorStatus = "fail"
			record.EvaluatorReason = "plan array is empty"
			feedback = reviseNote("", "the plan array was empty; every plan needs at least one step with key_files")
			record.Feedback = feedback
			history = append(history, record)
			a.logger.Warn("planner returned no plan steps", "workflow", req.WorkflowID, "attempt", attempt)
			continue
		}

		evalOutcome, err := a.personas.Run(ctx, engine.PersonaCall{
			Persona:    evaluator,
			WorkflowID: req.WorkflowID,
			Step:       req.Step,
			Intent:     "evaluate the implementation plan",
			Repo:       req.Repo,
			Branch:     req.Branch,
			ProjectID:  req.ProjectID,
			TaskID:     req.TaskID,
			Payload: mergePayload(req.Policy.payload(), map[string]any{
				"qa_feedback": req.QAFeedback,
				"plan":        anySlice(planSteps),
				"plan_text":   planOutcome.Output,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("evaluator attempt %d: %w", attempt, err)
		}

		record.EvaluatorStatus = evalOutcome.Status
		record.EvaluatorReason = evaluatorReason(evalOutcome)

		if evalOutcome.Status == "pass" {
			history = append(history, record)
			return &Outcome{
				Approved: true,
				PlanText: planOutcome.Output,
				PlanPayload: map[string]any{
					"plan": anySlice(planSteps),
					"meta": map[string]any{"plan_approved": true},
				},
				PlanSteps: planSteps,
				History:   history,
			}, nil
		}

		feedback = reviseNote(req.QAFeedback, record.EvaluatorReason)
		record.Feedback = feedback
		history = append(history, record)

		a.logger.Warn("plan rejected, revising",
			"workflow", req.WorkflowID,
			"attempt", attempt,
			"evaluator_status", evalOutcome.Status,
			"reason", record.EvaluatorReason)
	}

	a.logger.Error("plan approval iterations exhausted",
		"workflow", req.WorkflowID, "attempts", a.maxIterations)

	return &Outcome{
		Approved: false,
		PlanText: lastText,
		PlanPayload: map[string]any{
			"plan": anySlice(lastPlan),
			"meta": map[string]any{
				"plan_approved": false,
				"reason":        ReasonIterationLimit,
			},
		},
		PlanSteps: lastPlan,
		History:   history,
	}, nil
}

// ExtractPlan pulls the plan array out of a persona payload, accepting
// the field names plan, steps, and items.
func ExtractPlan(payload map[string]any) []map[string]any {
	for _, key := range []string{"plan", "steps", "items"} {
		items, ok := payload[key].([]any)
		if !ok {
			continue
		}
		var steps []map[string]any
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				steps = append(steps, m)
			}
		}
		if len(steps) > 0 {
			return steps
		}
	}
	return nil
}

// KeyFiles returns the union of key_files declared across plan steps,
// preserving first-seen order.
func KeyFiles(steps []map[string]any) []string {
	seen := make(map[string]bool)
	var out []string
	for _, step := range steps {
		items, ok := step["key_files"].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			path, ok := item.(string)
			if !ok || path == "" || seen[path] {
				continue
			}
			seen[path] = true
			out = append(out, path)
		}
	}
	return out
}

// reviseNote combines QA feedback and the evaluator's reason with the
// guidance the next plan must follow.
func reviseNote(qaFeedback, reason string) string {
	var parts []string
	if strings.TrimSpace(qaFeedback) != "" {
		parts = append(parts, "QA feedback:\n"+qaFeedback)
	}
	if strings.TrimSpace(reason) != "" {
		parts = append(parts, "Evaluator feedback:\n"+reason)
	}
	parts = append(parts, "Your next plan must include an acknowledged_feedback field echoing the feedback above verbatim, "+
		"and a plan_changes_mapping array mapping each feedback item to the plan change that addresses it.")
	return strings.Join(parts, "\n\n")
}

func evaluatorReason(outcome *engine.PersonaOutcome) string {
	if reason, ok := outcome.Payload["reason"].(string); ok && reason != "" {
		return reason
	}
	return outcome.Output
}

func mergePayload(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func anySlice(steps []map[string]any) []any {
	out := make([]any, len(steps))
	for i, s := range steps {
		out[i] = s
	}
	return out
}
