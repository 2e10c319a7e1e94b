package steps

import (
	"context"
	"fmt"
	"os"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/engine"
)

// skipEnv bypasses persona dispatch in tests and dry runs: the step
// synthesizes a deterministic pass without touching the transport.
const skipEnv = "SKIP_PERSONA_OPERATIONS"

// PersonaRequestStep dispatches one persona request and exposes the
// interpreted outcome as step outputs.
type PersonaRequestStep struct {
	name    string
	persona string
	intent  string
	payload map[string]any
	abort   bool
}

// NewPersonaRequestStep builds a persona request step from its config.
func NewPersonaRequestStep(name string, c map[string]any, _ *config.Config) (engine.Step, error) {
	persona := configString(c, "persona")
	if persona == "" {
		return nil, fmt.Errorf("persona_request step %q: persona is required", name)
	}
	return &PersonaRequestStep{
		name:    name,
		persona: persona,
		intent:  configString(c, "intent"),
		payload: configMap(c, "payload"),
		abort:   configBool(c, "abort_on_failure", true),
	}, nil
}

func (s *PersonaRequestStep) Name() string { return s.name }

func (s *PersonaRequestStep) Execute(ctx context.Context, wc *engine.Context) *engine.StepResult {
	if os.Getenv(skipEnv) != "" {
		wc.Logger.Info("persona operations skipped", "step", s.name, "persona", s.persona)
		return engine.Success(map[string]any{
			"status":  "pass",
			"output":  fmt.Sprintf("skipped persona %s (%s set)", s.persona, skipEnv),
			"payload": map[string]any{},
			"skipped": true,
		})
	}

	// Late resolution: templates referencing outputs of earlier steps in a
	// fused loop are not resolvable at instantiation time.
	payload, _ := engine.ResolveValue(s.payload, wc.Variables).(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["task"]; !ok {
		if task := wc.Task(); task != nil {
			payload["task"] = task
		}
	}

	call := engine.PersonaCall{
		Persona:        s.persona,
		WorkflowID:     wc.WorkflowID,
		Step:           s.name,
		Intent:         s.intent,
		Payload:        payload,
		Repo:           wc.RepoRoot,
		Branch:         wc.Branch,
		ProjectID:      wc.ProjectID,
		AbortOnFailure: s.abort,
	}
	call.TaskID = taskID(wc.Task())

	outcome, err := wc.Deps.Personas.Run(ctx, call)
	if err != nil {
		return engine.Failure(fmt.Errorf("persona %s: %w", s.persona, err))
	}

	return engine.Success(map[string]any{
		"status":      outcome.Status,
		"output":      outcome.Output,
		"payload":     outcome.Payload,
		"corr_id":     outcome.CorrID,
		"duration_ms": outcome.DurationMs,
	})
}
