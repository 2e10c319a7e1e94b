package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is a declarative workflow: a named DAG of typed steps.
// Immutable once loaded.
type Definition struct {
	Name    string           `yaml:"name"`
	Version string           `yaml:"version"`
	Steps   []StepDefinition `yaml:"steps"`
}

// StepDefinition declares one step of a workflow.
type StepDefinition struct {
	Name              string         `yaml:"name"`
	Type              string         `yaml:"type"`
	DependsOn         []string       `yaml:"depends_on"`
	Condition         string         `yaml:"condition"`
	Outputs           []string       `yaml:"outputs"`
	ContinueOnFailure bool           `yaml:"continue_on_failure"`
	Config            map[string]any `yaml:"config"`
}

// ParseDefinition parses a YAML workflow definition and validates its graph.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads and parses a workflow definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	return ParseDefinition(data)
}

// Validate checks names, types, dependency references, and acyclicity.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.Name)
	}

	byName := make(map[string]*StepDefinition, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("workflow %q: step %d has no name", d.Name, i)
		}
		if step.Type == "" {
			return fmt.Errorf("workflow %q: step %q has no type", d.Name, step.Name)
		}
		if _, dup := byName[step.Name]; dup {
			return fmt.Errorf("workflow %q: duplicate step name %q", d.Name, step.Name)
		}
		byName[step.Name] = step
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("workflow %q: step %q depends on unknown step %q", d.Name, step.Name, dep)
			}
		}
	}

	if _, err := d.topoOrder(); err != nil {
		return err
	}
	return nil
}

// topoOrder returns the steps in dependency order, preserving declaration
// order among ready steps.
func (d *Definition) topoOrder() ([]*StepDefinition, error) {
	remaining := make(map[string]*StepDefinition, len(d.Steps))
	indegree := make(map[string]int, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		remaining[step.Name] = step
		indegree[step.Name] = len(step.DependsOn)
	}

	var order []*StepDefinition
	for len(remaining) > 0 {
		progressed := false
		for i := range d.Steps {
			step := &d.Steps[i]
			if _, pending := remaining[step.Name]; !pending {
				continue
			}
			if indegree[step.Name] > 0 {
				continue
			}
			order = append(order, step)
			delete(remaining, step.Name)
			progressed = true
			for j := range d.Steps {
				other := &d.Steps[j]
				for _, dep := range other.DependsOn {
					if dep == step.Name {
						indegree[other.Name]--
					}
				}
			}
		}
		if !progressed {
			return nil, fmt.Errorf("workflow %q: dependency cycle detected", d.Name)
		}
	}
	return order, nil
}
