package steps

import (
	"context"
	"fmt"
	"os"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/engine"
	"github.com/goblinsan/multi-agent-machine-client/planning"
)

// PlanApprovalStep runs the planner/evaluator approval loop and publishes
// the approved (or exhausted) plan into the workflow context.
type PlanApprovalStep struct {
	name          string
	qaFeedback    string
	planner       string
	evaluator     string
	maxIterations int
	policy        planning.CitationPolicy
}

// NewPlanApprovalStep builds a plan approval step. Config values override
// the plan section of the client config.
func NewPlanApprovalStep(name string, c map[string]any, cfg *config.Config) (engine.Step, error) {
	maxIterations := 0
	requireCitations := false
	if cfg != nil {
		maxIterations = cfg.Plan.MaxIterationsPerStage
		requireCitations = cfg.Plan.RequireCitations
	}
	return &PlanApprovalStep{
		name:          name,
		qaFeedback:    configString(c, "qa_feedback"),
		planner:       configString(c, "planner"),
		evaluator:     configString(c, "evaluator"),
		maxIterations: configInt(c, "max_iterations", maxIterations),
		policy: planning.CitationPolicy{
			RequireCitations:      configBool(c, "require_citations", requireCitations),
			CitationFields:        configStringSlice(c, "citation_fields"),
			UncitedBudget:         configInt(c, "uncited_budget", 0),
			TreatUncitedAsInvalid: configBool(c, "treat_uncited_as_invalid", false),
		},
	}, nil
}

func (s *PlanApprovalStep) Name() string { return s.name }

func (s *PlanApprovalStep) Execute(ctx context.Context, wc *engine.Context) *engine.StepResult {
	if os.Getenv(skipEnv) != "" {
		wc.Logger.Info("plan approval skipped", "step", s.name)
		return engine.Success(map[string]any{
			"plan_approved": true,
			"plan_text":     "",
			"plan_steps":    []any{},
			"plan_files":    []string{},
			"attempts":      0,
		})
	}

	approver := planning.New(wc.Deps.Personas, s.maxIterations, wc.Logger)
	outcome, err := approver.Run(ctx, planning.Request{
		WorkflowID: wc.WorkflowID,
		Step:       s.name,
		Repo:       wc.RepoRoot,
		Branch:     wc.Branch,
		ProjectID:  wc.ProjectID,
		TaskID:     taskID(wc.Task()),
		Task:       wc.Task(),
		QAFeedback: engine.ResolveString(s.qaFeedback, wc.Variables),
		Policy:     s.policy,
		Planner:    s.planner,
		Evaluator:  s.evaluator,
	})
	if err != nil {
		return engine.Failure(fmt.Errorf("plan approval: %w", err))
	}

	return engine.Success(map[string]any{
		"plan_approved": outcome.Approved,
		"plan_text":     outcome.PlanText,
		"plan_payload":  outcome.PlanPayload,
		"plan_steps":    engine.Normalize(outcome.PlanSteps),
		"plan_files":    planning.KeyFiles(outcome.PlanSteps),
		"attempts":      len(outcome.History),
	})
}
