// Package taskservice is the HTTP client for the remote task-tracking
// service. Every operation returns a Result rather than failing hard: the
// coordinator decides how to degrade when the dashboard is unavailable.
package taskservice

import (
	"encoding/json"
	"fmt"
)

// Task statuses used across the system.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusArchived   = "archived"
)

// Task is a unit of work tracked by the task service.
type Task struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	MilestoneID   string   `json:"milestone_id,omitempty"`
	ParentTaskID  string   `json:"parent_task_id,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Status        string   `json:"status"`
	PriorityScore float64  `json:"priority_score,omitempty"`
	ExternalID    string   `json:"external_id,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	LockVersion   int      `json:"lock_version"`
	// BlockedDependencies are task ids this task is waiting on.
	BlockedDependencies []string `json:"blocked_dependencies,omitempty"`
}

// Project groups milestones and repositories.
type Project struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Slug         string       `json:"slug,omitempty"`
	Milestones   []Milestone  `json:"milestones,omitempty"`
	Repositories []Repository `json:"repositories,omitempty"`
}

// Repository points at a source repo attached to a project.
type Repository struct {
	ID        string `json:"id,omitempty"`
	URL       string `json:"url,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Milestone groups tasks under a project.
type Milestone struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Branch string `json:"branch,omitempty"`
	Tasks  []Task `json:"tasks,omitempty"`
}

// Attachment is an inline file on a created task.
type Attachment struct {
	Name          string `json:"name"`
	ContentBase64 string `json:"content_base64"`
}

// CreateOptions tunes task creation server-side.
type CreateOptions struct {
	CreateMilestoneIfMissing bool   `json:"create_milestone_if_missing,omitempty"`
	InitialStatus            string `json:"initial_status,omitempty"`
}

// CreateTaskInput is the body for task creation/upsert.
type CreateTaskInput struct {
	ProjectID            string         `json:"project_id,omitempty"`
	ProjectSlug          string         `json:"project_slug,omitempty"`
	MilestoneID          string         `json:"milestone_id,omitempty"`
	MilestoneSlug        string         `json:"milestone_slug,omitempty"`
	ParentTaskID         string         `json:"parent_task_id,omitempty"`
	ParentTaskExternalID string         `json:"parent_task_external_id,omitempty"`
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	EffortEstimate       float64        `json:"effort_estimate,omitempty"`
	PriorityScore        float64        `json:"priority_score,omitempty"`
	AssigneePersona      string         `json:"assignee_persona,omitempty"`
	ExternalID           string         `json:"external_id,omitempty"`
	Attachments          []Attachment   `json:"attachments,omitempty"`
	Options              *CreateOptions `json:"options,omitempty"`
}

// Result is the uniform outcome of a task-service call. Body holds the raw
// response for callers that need fields this client does not model.
type Result struct {
	OK     bool
	Status int
	Body   json.RawMessage
	Err    error
}

// Error surfaces the call failure, if any.
func (r Result) Error() error {
	if r.Err != nil {
		return r.Err
	}
	if !r.OK {
		return fmt.Errorf("task service returned status %d", r.Status)
	}
	return nil
}

// Decode unmarshals the result body into v.
func (r Result) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// extractTaskID pulls the created task id from the varied response shapes
// the service returns: {id}, {task_id}, or {task:{id}}.
func extractTaskID(body json.RawMessage) string {
	var envelope struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
		Task   *struct {
			ID string `json:"id"`
		} `json:"task"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.ID != "" {
		return envelope.ID
	}
	if envelope.TaskID != "" {
		return envelope.TaskID
	}
	if envelope.Task != nil {
		return envelope.Task.ID
	}
	return ""
}
