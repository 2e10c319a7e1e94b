package steps

import (
	"context"
	"fmt"

	"github.com/goblinsan/multi-agent-machine-client/engine"
)

// RegisterBlockedDependenciesStep records dependency task ids on the
// parent task via the task service. An empty dependency list clears the
// field only when allow_clear is set.
type RegisterBlockedDependenciesStep struct {
	name         string
	taskID       string
	dependencies []string
	allowClear   bool
}

// NewRegisterBlockedDependenciesStep builds the step from its config.
func NewRegisterBlockedDependenciesStep(name string, c map[string]any) (engine.Step, error) {
	return &RegisterBlockedDependenciesStep{
		name:         name,
		taskID:       configString(c, "task_id"),
		dependencies: configStringSlice(c, "dependencies"),
		allowClear:   configBool(c, "allow_clear", false),
	}, nil
}

func (s *RegisterBlockedDependenciesStep) Name() string { return s.name }

func (s *RegisterBlockedDependenciesStep) Execute(ctx context.Context, wc *engine.Context) *engine.StepResult {
	if wc.Deps.Tasks == nil {
		return engine.Failure(fmt.Errorf("no task service client in workflow context"))
	}

	id := engine.ResolveString(s.taskID, wc.Variables)
	if id == "" {
		id = taskID(wc.Task())
	}
	if id == "" {
		return engine.Failure(fmt.Errorf("register_blocked_dependencies: no task id"))
	}

	deps := make([]string, 0, len(s.dependencies))
	for _, d := range s.dependencies {
		if resolved := engine.ResolveString(d, wc.Variables); resolved != "" {
			deps = append(deps, resolved)
		}
	}

	res := wc.Deps.Tasks.MergeBlockedDependencies(ctx, id, wc.ProjectID, deps, s.allowClear)
	if err := res.Error(); err != nil {
		return engine.Failure(fmt.Errorf("register blocked dependencies on %s: %w", id, err))
	}

	wc.Logger.Info("registered blocked dependencies",
		"task", id, "count", len(deps), "allow_clear", s.allowClear)
	return engine.Success(map[string]any{
		"task_id":      id,
		"dependencies": deps,
	})
}
