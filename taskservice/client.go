package taskservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// maxTitleLen and maxDescriptionLen bound sanitized task inputs.
	maxTitleLen       = 180
	maxDescriptionLen = 10000
	truncationMarker  = "\n…[truncated]"

	// maxResponseSize caps response bodies read from the service.
	maxResponseSize = 4 * 1024 * 1024

	defaultTimeout = 5 * time.Second
)

// futureEnhancementSlugs is the allow-list for milestone auto-creation.
var futureEnhancementSlugs = map[string]bool{
	"future-enhancements": true,
	"future-enhancement":  true,
	"future_enhancements": true,
	"future":              true,
}

// Client talks to the task service with bearer-token auth.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) { client.logger = logger }
}

// NewClient creates a task-service client for the given base URL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do issues a request and wraps the outcome in a Result. Transport errors
// produce a degraded Result rather than a panic or hard failure.
func (c *Client) do(ctx context.Context, method, path string, payload any) Result {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Result{Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Result{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Result{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	res := Result{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   raw,
	}
	if !res.OK {
		c.logger.Warn("task service call failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode)
	}
	return res
}

// FetchProjectStatus returns the project status summary.
func (c *Client) FetchProjectStatus(ctx context.Context, projectID string) Result {
	return c.do(ctx, http.MethodGet, "/projects/"+projectID+"/status", nil)
}

// FetchProjectStatusDetails returns the detailed project status.
func (c *Client) FetchProjectStatusDetails(ctx context.Context, projectID string) Result {
	return c.do(ctx, http.MethodGet, "/projects/"+projectID+"/status?details=true", nil)
}

// FetchProjectTasks lists tasks for a project.
func (c *Client) FetchProjectTasks(ctx context.Context, projectID string) Result {
	return c.do(ctx, http.MethodGet, "/projects/"+projectID+"/tasks", nil)
}

// FetchProjectMilestones lists milestones for a project.
func (c *Client) FetchProjectMilestones(ctx context.Context, projectID string) Result {
	return c.do(ctx, http.MethodGet, "/projects/"+projectID+"/milestones", nil)
}

// FetchTask fetches a task, scoped to a project when projectID is non-empty.
func (c *Client) FetchTask(ctx context.Context, taskID, projectID string) Result {
	if projectID != "" {
		return c.do(ctx, http.MethodGet, "/projects/"+projectID+"/tasks/"+taskID, nil)
	}
	return c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID, nil)
}

// CreateTask creates a task. When an external id is present the idempotent
// upsert endpoint is used; 404/405/5xx from upsert falls back once to the
// legacy create endpoint. Title and description are sanitized.
func (c *Client) CreateTask(ctx context.Context, input CreateTaskInput) Result {
	input.Title = clip(input.Title, maxTitleLen, "")
	input.Description = clip(input.Description, maxDescriptionLen, truncationMarker)

	if input.ExternalID != "" {
		res := c.do(ctx, http.MethodPost, "/v1/tasks:upsert", input)
		if res.OK || res.Err != nil {
			return res
		}
		if res.Status == http.StatusNotFound || res.Status == http.StatusMethodNotAllowed || res.Status >= 500 {
			c.logger.Warn("upsert unavailable, falling back to legacy create",
				"status", res.Status,
				"external_id", input.ExternalID)
			return c.do(ctx, http.MethodPost, "/v1/tasks", input)
		}
		return res
	}
	return c.do(ctx, http.MethodPost, "/v1/tasks", input)
}

// UpdateTaskStatus transitions a task. With a project id it PATCHes with
// optional optimistic lock; on 409/422 the task is re-fetched and the PATCH
// retried once with the fresh lock version. Without a project id the legacy
// by-external path is used, with id resolution as fallback.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, projectID string, lockVersion *int) Result {
	if projectID == "" {
		return c.updateStatusLegacy(ctx, taskID, status)
	}

	body := map[string]any{"status": status}
	if lockVersion != nil {
		body["lock_version"] = *lockVersion
	}

	path := "/projects/" + projectID + "/tasks/" + taskID
	res := c.do(ctx, http.MethodPatch, path, body)
	if res.OK || res.Err != nil {
		return res
	}
	if res.Status != http.StatusConflict && res.Status != http.StatusUnprocessableEntity {
		return res
	}

	// Lock conflict: re-read and retry once with the fresh version.
	fresh := c.FetchTask(ctx, taskID, projectID)
	if err := fresh.Error(); err != nil {
		c.logger.Warn("lock conflict re-fetch failed", "task_id", taskID, "error", err)
		return res
	}
	var task Task
	if err := fresh.Decode(&task); err != nil {
		c.logger.Warn("lock conflict re-fetch decode failed", "task_id", taskID, "error", err)
		return res
	}

	c.logger.Debug("retrying status update with fresh lock version",
		"task_id", taskID,
		"lock_version", task.LockVersion)
	body["lock_version"] = task.LockVersion
	return c.do(ctx, http.MethodPatch, path, body)
}

// updateStatusLegacy posts to the by-external status endpoint, resolving the
// external id to a canonical one on failure.
func (c *Client) updateStatusLegacy(ctx context.Context, externalID, status string) Result {
	body := map[string]any{"status": status}

	res := c.do(ctx, http.MethodPost, "/v1/tasks/by-external/"+externalID+"/status", body)
	if res.OK || res.Err != nil {
		return res
	}

	resolved := c.do(ctx, http.MethodPost, "/v1/tasks/resolve", map[string]any{"external_id": externalID})
	if err := resolved.Error(); err != nil {
		c.logger.Warn("external id resolution failed", "external_id", externalID, "error", err)
		return res
	}
	canonical := extractTaskID(resolved.Body)
	if canonical == "" {
		return res
	}
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+canonical+"/status", body)
}

// MergeBlockedDependencies folds dependency ids into a task's
// blocked_dependencies, preserving existing entries. An empty deps list is a
// no-op unless allowClear is set, in which case the field is cleared.
func (c *Client) MergeBlockedDependencies(ctx context.Context, taskID, projectID string, deps []string, allowClear bool) Result {
	if len(deps) == 0 && !allowClear {
		return Result{OK: true, Status: http.StatusOK}
	}

	merged := deps
	if len(deps) > 0 {
		fresh := c.FetchTask(ctx, taskID, projectID)
		if err := fresh.Error(); err != nil {
			return fresh
		}
		var task Task
		if err := fresh.Decode(&task); err != nil {
			return Result{Status: fresh.Status, Err: fmt.Errorf("decode task: %w", err)}
		}

		seen := make(map[string]bool, len(task.BlockedDependencies))
		merged = append([]string(nil), task.BlockedDependencies...)
		for _, id := range task.BlockedDependencies {
			seen[id] = true
		}
		added := false
		for _, id := range deps {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, id)
			added = true
		}
		if !added {
			return Result{OK: true, Status: http.StatusOK, Body: fresh.Body}
		}
	}

	path := "/projects/" + projectID + "/tasks/" + taskID
	if merged == nil {
		merged = []string{}
	}
	return c.do(ctx, http.MethodPatch, path, map[string]any{"blocked_dependencies": merged})
}

// ResolveMilestoneSlug maps a milestone slug to its id by fetching project
// milestones and matching on normalized slug or raw name. Returns "" on miss.
func (c *Client) ResolveMilestoneSlug(ctx context.Context, projectID, slug string) (string, error) {
	res := c.FetchProjectMilestones(ctx, projectID)
	if err := res.Error(); err != nil {
		return "", fmt.Errorf("fetch milestones: %w", err)
	}

	var payload struct {
		Milestones []Milestone `json:"milestones"`
	}
	if err := res.Decode(&payload); err != nil {
		// Some deployments return a bare array.
		var list []Milestone
		if err2 := res.Decode(&list); err2 != nil {
			return "", fmt.Errorf("decode milestones: %w", err)
		}
		payload.Milestones = list
	}

	want := NormalizeSlug(slug)
	for _, m := range payload.Milestones {
		if NormalizeSlug(m.Slug) == want || m.Name == slug {
			return m.ID, nil
		}
	}
	return "", nil
}

// ApplyMilestonePolicy decides whether create_milestone_if_missing should be
// forwarded for a slug that did not resolve. Non-allow-listed slugs produce
// a policy warning but the option is still forwarded when the caller set it.
func (c *Client) ApplyMilestonePolicy(slug string, createIfMissing bool) bool {
	if !createIfMissing {
		return false
	}
	if !futureEnhancementSlugs[NormalizeSlug(slug)] {
		c.logger.Warn("milestone slug not on auto-create allow-list, forwarding option anyway",
			"slug", slug)
	}
	return true
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeSlug lowercases and collapses non-alphanumerics to hyphens.
func NormalizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// clip truncates s to max bytes on a rune boundary, appending marker when
// truncation happened.
func clip(s string, max int, marker string) string {
	if len(s) <= max {
		return s
	}
	cut := max - len(marker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
