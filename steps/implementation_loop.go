package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/goblinsan/multi-agent-machine-client/engine"
)

const defaultImplementationAttempts = 3

// ImplementationLoopStep drives the implementer persona until the plan's
// key files exist and parse, or attempts run out. Each attempt requests a
// diff, applies it, commits, and re-checks the guards.
type ImplementationLoopStep struct {
	name          string
	persona       string
	taskName      string
	planStep      string
	filesVariable string
	maxAttempts   int
	commit        bool
}

// NewImplementationLoopStep builds an implementation loop step from its
// config.
func NewImplementationLoopStep(name string, c map[string]any) (engine.Step, error) {
	persona := configString(c, "persona")
	if persona == "" {
		persona = "lead-engineer"
	}
	return &ImplementationLoopStep{
		name:          name,
		persona:       persona,
		taskName:      configString(c, "task_name"),
		planStep:      configString(c, "plan_step"),
		filesVariable: configString(c, "plan_files_variable"),
		maxAttempts:   configInt(c, "max_attempts", defaultImplementationAttempts),
		commit:        configBool(c, "commit", true),
	}, nil
}

func (s *ImplementationLoopStep) Name() string { return s.name }

func (s *ImplementationLoopStep) Execute(ctx context.Context, wc *engine.Context) *engine.StepResult {
	if os.Getenv(skipEnv) != "" {
		wc.Logger.Info("implementation loop skipped", "step", s.name)
		return engine.Success(map[string]any{
			"attempts":      0,
			"applied_files": []string{},
			"satisfied":     true,
		})
	}

	taskName := engine.ResolveString(s.taskName, wc.Variables)
	if taskName == "" {
		if task := wc.Task(); task != nil {
			if title, ok := task["title"].(string); ok {
				taskName = title
			}
		}
	}

	planFiles := PlanFiles(wc, s.planStep, s.filesVariable)
	planText, _ := wc.Variables["plan_text"].(string)

	var appliedFiles []string
	seenApplied := make(map[string]bool)
	var missing []string
	var configErrs []string
	feedback := ""

	maxAttempts := s.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultImplementationAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		wc.Logger.Info("implementation attempt",
			"step", s.name, "attempt", attempt, "max", maxAttempts)

		payload := map[string]any{
			"task":       wc.Task(),
			"plan":       wc.Variables["plan_steps"],
			"plan_text":  planText,
			"plan_files": planFiles,
			"attempt":    attempt,
		}
		if feedback != "" {
			payload["feedback"] = feedback
		}

		outcome, err := wc.Deps.Personas.Run(ctx, engine.PersonaCall{
			Persona:        s.persona,
			WorkflowID:     wc.WorkflowID,
			Step:           s.name,
			Intent:         "implement the approved plan as a unified diff",
			Payload:        payload,
			Repo:           wc.RepoRoot,
			Branch:         wc.Branch,
			ProjectID:      wc.ProjectID,
			AbortOnFailure: false,
		})
		if err != nil {
			return engine.Failure(fmt.Errorf("implementer attempt %d: %w", attempt, err))
		}

		applyResult, applyErr := ApplyDiffText(wc, outcome.Output)
		if applyErr != nil {
			feedback = fmt.Sprintf("your previous diff did not apply: %s. Produce a fresh unified diff against the current file contents.", applyResult.Reason)
			wc.Logger.Warn("implementation diff rejected",
				"step", s.name, "attempt", attempt, "reason", applyResult.Reason)
			continue
		}
		for _, path := range applyResult.Paths {
			if !seenApplied[path] {
				seenApplied[path] = true
				appliedFiles = append(appliedFiles, path)
			}
		}

		if s.commit && len(applyResult.Paths) > 0 {
			message := commitMessage(taskName, attempt)
			if _, _, err := CommitAndPush(ctx, wc, message, applyResult.Paths); err != nil {
				return engine.Failure(fmt.Errorf("implementation attempt %d: %w", attempt, err))
			}
		}

		missing, _, err = GuardPlanFiles(wc, planFiles, false)
		if err != nil {
			return engine.Failure(err)
		}
		configErrs = validateConfigFiles(wc.RepoRoot, intersectConfigFiles(planFiles, applyResult.Paths))

		if len(missing) == 0 && len(configErrs) == 0 {
			return engine.Success(map[string]any{
				"attempts":      attempt,
				"applied_files": appliedFiles,
				"satisfied":     true,
			})
		}

		feedback = guardFeedback(missing, configErrs)
		wc.Logger.Warn("implementation guards unsatisfied",
			"step", s.name,
			"attempt", attempt,
			"missing", len(missing),
			"config_errors", len(configErrs))
	}

	return &engine.StepResult{
		Status: engine.StatusFailure,
		Outputs: map[string]any{
			"attempts":      maxAttempts,
			"applied_files": appliedFiles,
			"satisfied":     false,
			"missing_files": missing,
			"config_errors": configErrs,
		},
		Err: fmt.Errorf("implementation unresolved after %d attempts: %s",
			maxAttempts, guardFeedback(missing, configErrs)),
	}
}

// commitMessage renders the implementation commit subject, suffixing the
// attempt number after the first try.
func commitMessage(taskName string, attempt int) string {
	if taskName == "" {
		taskName = "task"
	}
	message := "feat: implement " + taskName
	if attempt > 1 {
		message += fmt.Sprintf(" (attempt %d)", attempt)
	}
	return message
}

// guardFeedback enumerates the unsatisfied guards for the next attempt.
func guardFeedback(missing, configErrs []string) string {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "these plan files are still missing: "+strings.Join(missing, ", "))
	}
	if len(configErrs) > 0 {
		parts = append(parts, "these config files do not parse: "+strings.Join(configErrs, "; "))
	}
	return strings.Join(parts, ". ")
}

// intersectConfigFiles returns the applied paths that are plan files with
// a config extension.
func intersectConfigFiles(planFiles, applied []string) []string {
	inPlan := make(map[string]bool, len(planFiles))
	for _, f := range planFiles {
		inPlan[filepath.Clean(f)] = true
	}
	var out []string
	for _, path := range applied {
		if !inPlan[filepath.Clean(path)] {
			continue
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".yaml", ".yml":
			out = append(out, path)
		}
	}
	return out
}

// validateConfigFiles parses JSON and YAML plan files that were touched
// and reports per-file errors.
func validateConfigFiles(repoRoot string, paths []string) []string {
	var errs []string
	for _, path := range paths {
		data, err := os.ReadFile(filepath.Join(repoRoot, filepath.Clean(path)))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if !json.Valid(data) {
				errs = append(errs, fmt.Sprintf("%s: invalid JSON", path))
			}
		case ".yaml", ".yml":
			var v any
			if err := yaml.Unmarshal(data, &v); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			}
		}
	}
	return errs
}
