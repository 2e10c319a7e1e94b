// Package workflows embeds the built-in workflow definitions and selects
// the right one for a task.
package workflows

import (
	"embed"
	"fmt"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/engine"
)

//go:embed *.yaml
var definitions embed.FS

// Built-in workflow names.
const (
	TaskFlow        = "task-flow"
	InReviewFlow    = "in-review-flow"
	BlockedTaskFlow = "blocked-task-flow"
)

// byTypeScope maps (task_type, scope) pairs to workflow names. Pairs not
// listed here fall back to the default task flow.
var byTypeScope = map[[2]string]string{
	{"feature", "small"}:  TaskFlow,
	{"feature", "medium"}: TaskFlow,
	{"feature", "large"}:  TaskFlow,
	{"bug", ""}:           TaskFlow,
	{"review", ""}:        InReviewFlow,
}

// Load parses an embedded workflow definition by name.
func Load(name string) (*engine.Definition, error) {
	data, err := definitions.ReadFile(name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	return engine.ParseDefinition(data)
}

// Names lists the embedded workflow names.
func Names() []string {
	return []string{TaskFlow, InReviewFlow, BlockedTaskFlow}
}

// Select picks a workflow name for a task. Blocked or stuck tasks get the
// blocked-task flow, review-phase tasks the in-review flow; otherwise the
// (task_type, scope) table is consulted, defaulting to the task flow.
func Select(status, taskType, scope string) string {
	status = strings.ToLower(strings.TrimSpace(status))
	switch {
	case status == "blocked" || status == "stuck":
		return BlockedTaskFlow
	case strings.Contains(status, "review"):
		return InReviewFlow
	}

	taskType = strings.ToLower(strings.TrimSpace(taskType))
	scope = strings.ToLower(strings.TrimSpace(scope))
	if name, ok := byTypeScope[[2]string{taskType, scope}]; ok {
		return name
	}
	if name, ok := byTypeScope[[2]string{taskType, ""}]; ok {
		return name
	}
	return TaskFlow
}
