package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/goblinsan/multi-agent-machine-client/artifact"
	"github.com/goblinsan/multi-agent-machine-client/gitops"
	"github.com/goblinsan/multi-agent-machine-client/taskservice"
	"github.com/goblinsan/multi-agent-machine-client/transport"
)

// PersonaCall is a persona request issued by a step.
type PersonaCall struct {
	Persona    string
	WorkflowID string
	Step       string
	Intent     string
	Payload    map[string]any
	Repo       string
	Branch     string
	ProjectID  string
	TaskID     string
	// AbortOnFailure makes a terminal fail/unknown surface as a step
	// failure. Defaults to true at call sites.
	AbortOnFailure bool
}

// PersonaOutcome is the interpreted persona response a step consumes.
type PersonaOutcome struct {
	Status     string // pass, fail, unknown
	Output     string
	Payload    map[string]any
	CorrID     string
	DurationMs int64
}

// PersonaRunner dispatches persona requests. Implemented by the persona
// request executor; narrow here so steps can be tested with fakes.
type PersonaRunner interface {
	Run(ctx context.Context, call PersonaCall) (*PersonaOutcome, error)
}

// Dependencies are the external collaborators steps reach through the
// workflow context.
type Dependencies struct {
	Transport transport.Transport
	Git       *gitops.Runner
	Tasks     *taskservice.Client
	Personas  PersonaRunner
	Artifacts *artifact.Store
}

// Context is the mutable per-invocation workflow state. It exclusively owns
// Variables and StepOutputs for the lifetime of one engine invocation.
type Context struct {
	WorkflowID  string
	ProjectID   string
	RepoRoot    string
	Branch      string
	Variables   map[string]any
	StepOutputs map[string]map[string]any
	Deps        Dependencies
	Logger      *slog.Logger

	// Aborted is set by the abort path; the engine stops scheduling steps
	// once it is true.
	Aborted bool
}

// NewContext creates a workflow context with initialized maps.
func NewContext(workflowID, projectID, repoRoot, branch string, deps Dependencies, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		WorkflowID:  workflowID,
		ProjectID:   projectID,
		RepoRoot:    repoRoot,
		Branch:      branch,
		Variables:   make(map[string]any),
		StepOutputs: make(map[string]map[string]any),
		Deps:        deps,
		Logger:      logger,
	}
}

// SetVariable stores a context variable.
func (c *Context) SetVariable(key string, value any) {
	c.Variables[key] = value
}

// Variable returns a context variable, or Undefined if unset.
func (c *Context) Variable(key string) any {
	if v, ok := c.Variables[key]; ok {
		return v
	}
	return Undefined
}

// SetTask normalizes the task into the variables map as plain JSON maps so
// expression paths like task.id resolve.
func (c *Context) SetTask(task *taskservice.Task) {
	if task == nil {
		return
	}
	c.Variables["task"] = Normalize(task)
}

// Task returns the normalized task map, or nil when no task is set.
func (c *Context) Task() map[string]any {
	if m, ok := c.Variables["task"].(map[string]any); ok {
		return m
	}
	return nil
}

// Normalize converts a typed value into the plain map/slice/float64 shape
// the expression evaluator and resolver operate on.
func Normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
