// Package engine executes declarative YAML workflow definitions. Steps run
// one at a time in dependency order against a shared workflow context;
// variable templates in step configs are resolved just before execution.
package engine

import (
	"context"
	"fmt"

	"github.com/goblinsan/multi-agent-machine-client/metrics"
)

// Engine walks a workflow definition.
type Engine struct {
	registry *Registry
}

// New creates an engine over a step registry.
func New(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

// RunResult summarizes an engine invocation.
type RunResult struct {
	StepsRun     int
	StepsSkipped int
	Failed       string // name of the failing step, if any
}

// Run executes the definition against the workflow context. Execution stops
// at the first failing step unless that step sets continue_on_failure, and
// stops immediately when the context is aborted.
func (e *Engine) Run(ctx context.Context, def *Definition, wc *Context) (*RunResult, error) {
	order, err := def.topoOrder()
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	for _, stepDef := range order {
		if wc.Aborted {
			wc.Logger.Warn("workflow aborted, skipping remaining steps",
				"workflow", def.Name,
				"next_step", stepDef.Name)
			break
		}
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("workflow cancelled: %w", err)
		}

		ok, err := EvaluateBool(stepDef.Condition, wc.Variables)
		if err != nil {
			return result, fmt.Errorf("step %q condition: %w", stepDef.Name, err)
		}
		if !ok {
			wc.Logger.Debug("step condition false, skipping",
				"workflow", def.Name,
				"step", stepDef.Name,
				"condition", stepDef.Condition)
			result.StepsSkipped++
			continue
		}

		config, _ := ResolveValue(stepDef.Config, wc.Variables).(map[string]any)
		if config == nil {
			config = map[string]any{}
		}

		step, err := e.registry.Create(stepDef.Type, stepDef.Name, config)
		if err != nil {
			return result, fmt.Errorf("instantiate step %q: %w", stepDef.Name, err)
		}

		if v, isValidator := step.(Validator); isValidator {
			if err := v.Validate(wc); err != nil {
				return result, fmt.Errorf("step %q validation: %w", stepDef.Name, err)
			}
		}

		wc.Logger.Info("executing step",
			"workflow", def.Name,
			"step", stepDef.Name,
			"type", stepDef.Type)

		stepResult := step.Execute(ctx, wc)
		if stepResult == nil {
			stepResult = Failure(fmt.Errorf("step %q returned no result", stepDef.Name))
		}
		result.StepsRun++
		metrics.EngineStepsTotal.WithLabelValues(stepDef.Type, stepResult.Status).Inc()

		switch stepResult.Status {
		case StatusSkipped:
			result.StepsSkipped++

		case StatusSuccess:
			e.mergeOutputs(wc, stepDef, stepResult)

		case StatusFailure:
			result.Failed = stepDef.Name
			wc.Logger.Error("step failed",
				"workflow", def.Name,
				"step", stepDef.Name,
				"error", stepResult.Err)
			if stepDef.ContinueOnFailure {
				result.Failed = ""
				continue
			}
			if stepResult.Err != nil {
				return result, fmt.Errorf("step %q: %w", stepDef.Name, stepResult.Err)
			}
			return result, fmt.Errorf("step %q failed", stepDef.Name)
		}
	}
	return result, nil
}

// mergeOutputs folds a successful step's outputs into the context: under
// step_outputs[name], as plain variables, and as {step}_{key} mirrors.
// Output names declared on the definition mirror the whole output map into
// same-named variables.
func (e *Engine) mergeOutputs(wc *Context, stepDef *StepDefinition, res *StepResult) {
	if len(res.Outputs) > 0 {
		existing, ok := wc.StepOutputs[stepDef.Name]
		if !ok {
			existing = make(map[string]any, len(res.Outputs))
			wc.StepOutputs[stepDef.Name] = existing
		}
		for k, v := range res.Outputs {
			existing[k] = v
			wc.Variables[k] = v
			wc.Variables[stepDef.Name+"_"+k] = v
		}
	}

	for _, outName := range stepDef.Outputs {
		if v, ok := res.Outputs[outName]; ok {
			wc.Variables[outName] = v
			continue
		}
		// Declared output without a matching key mirrors the whole map.
		wc.Variables[outName] = Normalize(res.Outputs)
	}
}
