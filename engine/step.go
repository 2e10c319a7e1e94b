package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Step statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// StepResult is the outcome of executing one step.
type StepResult struct {
	Status  string
	Data    map[string]any
	Outputs map[string]any
	Err     error
}

// Success creates a successful result with outputs.
func Success(outputs map[string]any) *StepResult {
	return &StepResult{Status: StatusSuccess, Outputs: outputs}
}

// Failure creates a failed result.
func Failure(err error) *StepResult {
	return &StepResult{Status: StatusFailure, Err: err}
}

// Skipped creates a skipped result.
func Skipped() *StepResult {
	return &StepResult{Status: StatusSkipped}
}

// Step is one executable unit in a workflow. Implementations receive their
// resolved config at construction and the shared workflow context at run
// time.
type Step interface {
	Name() string
	Execute(ctx context.Context, wc *Context) *StepResult
}

// Validator is an optional step capability checked before execution.
type Validator interface {
	Validate(wc *Context) error
}

// StepFactory builds a step from its definition name and resolved config.
type StepFactory func(name string, config map[string]any) (Step, error)

// Registry maps step type names to factories. Step kinds are selected by
// the definition's `type` string; registration is data-driven.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]StepFactory
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StepFactory)}
}

// Register adds a step factory under a type name.
func (r *Registry) Register(stepType string, factory StepFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stepType] = factory
}

// Create instantiates a step by type.
func (r *Registry) Create(stepType, name string, config map[string]any) (Step, error) {
	r.mu.RLock()
	factory, ok := r.factories[stepType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown step type %q", stepType)
	}
	return factory(name, config)
}

// Types returns the registered step type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
