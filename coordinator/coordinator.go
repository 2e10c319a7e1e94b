// Package coordinator is the top-level loop: it consumes bootstrap
// requests, resolves the repository, selects tasks and workflows, invokes
// the engine, and keeps task status in sync. Fatal repository failures run
// the abort path so no stale persona request survives the workflow.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goblinsan/multi-agent-machine-client/artifact"
	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/diffapply"
	"github.com/goblinsan/multi-agent-machine-client/engine"
	"github.com/goblinsan/multi-agent-machine-client/gitops"
	"github.com/goblinsan/multi-agent-machine-client/persona"
	"github.com/goblinsan/multi-agent-machine-client/steps"
	"github.com/goblinsan/multi-agent-machine-client/taskservice"
	"github.com/goblinsan/multi-agent-machine-client/transport"
	"github.com/goblinsan/multi-agent-machine-client/workflows"
)

// maxTasksPerBootstrap bounds one bootstrap request's task loop.
const maxTasksPerBootstrap = 25

// Coordinator drives workflows for one or more projects.
type Coordinator struct {
	cfg       *config.Config
	transport transport.Transport
	tasks     *taskservice.Client
	registry  *engine.Registry
	personas  engine.PersonaRunner
	resolver  *RepoResolver
	consumer  string
	logger    *slog.Logger
}

// New creates a coordinator with the full step registry wired in.
func New(cfg *config.Config, tr transport.Transport, tasks *taskservice.Client, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordinator")

	registry := engine.NewRegistry()
	steps.RegisterAll(registry, cfg)

	host, _ := os.Hostname()
	return &Coordinator{
		cfg:       cfg,
		transport: tr,
		tasks:     tasks,
		registry:  registry,
		personas:  persona.NewExecutor(tr, cfg, logger),
		resolver: &RepoResolver{
			Base:              cfg.ProjectBase,
			AllowWorkspaceGit: cfg.Git.AllowWorkspaceGit,
			Logger:            logger,
		},
		consumer: fmt.Sprintf("coordinator-%s-%s", host, uuid.NewString()[:8]),
		logger:   logger,
	}
}

// Group is the coordination consumer group on the request stream.
func (c *Coordinator) Group() string {
	return c.cfg.Transport.GroupPrefix + ":coordination"
}

// bootstrapPayload is the JSON payload of a coordinator request entry.
type bootstrapPayload struct {
	Repo        string `json:"repo,omitempty"`
	RepoRoot    string `json:"repo_root,omitempty"`
	BaseBranch  string `json:"branch,omitempty"`
	ProjectHint string `json:"project_hint,omitempty"`
	ForceRescan bool   `json:"force_rescan,omitempty"`
}

// Run consumes bootstrap requests until the context is cancelled. Entries
// addressed to personas are acked and left to their dispatchers.
func (c *Coordinator) Run(ctx context.Context) error {
	stream := c.cfg.Transport.RequestStream
	err := c.transport.GroupCreate(ctx, stream, c.Group(), "0", transport.GroupCreateOptions{MakeStream: true})
	if err != nil && !errors.Is(err, transport.ErrGroupExists) {
		return fmt.Errorf("create coordination group: %w", err)
	}

	c.logger.Info("coordinator started", "group", c.Group(), "consumer", c.consumer)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := c.transport.ReadGroup(ctx, transport.ReadGroupArgs{
			Stream:   stream,
			Group:    c.Group(),
			Consumer: c.consumer,
			Count:    int64(c.cfg.Transport.BatchSize),
			Block:    time.Duration(c.cfg.Transport.BlockMs) * time.Millisecond,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("coordination read failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			c.handleEntry(ctx, entry)
		}
	}
}

func (c *Coordinator) handleEntry(ctx context.Context, entry transport.Entry) {
	defer func() {
		if err := c.transport.Ack(ctx, c.cfg.Transport.RequestStream, c.Group(), entry.ID); err != nil {
			c.logger.Warn("coordination ack failed", "id", entry.ID, "error", err)
		}
	}()

	if to := entry.Fields["to_persona"]; to != "" && to != "coordinator" {
		return
	}

	projectID := entry.Fields["project_id"]
	var payload bootstrapPayload
	if raw := entry.Fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			c.logger.Warn("malformed bootstrap payload", "id", entry.ID, "error", err)
		}
	}
	if payload.Repo == "" {
		payload.Repo = entry.Fields["repo"]
	}

	if err := c.RunProject(ctx, projectID, payload); err != nil {
		c.logger.Error("project run failed", "project", projectID, "error", err)
	}
}

// RunProject resolves the repository and works through the project's
// selectable tasks, one workflow invocation per task. Tasks that fail are
// skipped on subsequent passes of the same bootstrap.
func (c *Coordinator) RunProject(ctx context.Context, projectID string, boot bootstrapPayload) error {
	repoRoot, err := c.resolver.Resolve(ctx, boot.Repo, boot.RepoRoot, boot.ProjectHint)
	if err != nil {
		return fmt.Errorf("resolve repository: %w", err)
	}

	milestones := c.fetchMilestones(ctx, projectID)

	attempted := make(map[string]bool)
	for i := 0; i < maxTasksPerBootstrap; i++ {
		res := c.tasks.FetchProjectTasks(ctx, projectID)
		if err := res.Error(); err != nil {
			return fmt.Errorf("fetch tasks: %w", err)
		}

		var eligible []map[string]any
		for _, cand := range FlattenTasks(res.Body) {
			if id := engine.Stringify(cand["id"]); id != "" && attempted[id] {
				continue
			}
			eligible = append(eligible, cand)
		}
		task := SelectNextTask(eligible)
		if task == nil {
			c.logger.Info("no selectable tasks remain", "project", projectID)
			return nil
		}

		taskID := engine.Stringify(task["id"])
		attempted[taskID] = true

		if err := c.runTask(ctx, projectID, repoRoot, boot, task, milestones); err != nil {
			c.logger.Error("task workflow failed, continuing",
				"project", projectID, "task", taskID, "error", err)
		}
	}
	return nil
}

// runTask executes one workflow invocation for a task.
func (c *Coordinator) runTask(ctx context.Context, projectID, repoRoot string, boot bootstrapPayload, task map[string]any, milestones []taskservice.Milestone) error {
	taskID := engine.Stringify(task["id"])
	status, _ := task["status"].(string)
	title, _ := task["title"].(string)

	workflowName := workflows.Select(status, stringField(task, "task_type", "type"), stringField(task, "scope"))
	def, err := workflows.Load(workflowName)
	if err != nil {
		return err
	}

	milestone := findMilestone(milestones, engine.Stringify(task["milestone_id"]))
	branch := FeatureBranch(BranchInputs{
		MilestoneBranch: milestone.Branch,
		TaskBranch:      stringField(task, "branch"),
		MilestoneSlug:   milestone.Slug,
		TaskSlug:        title,
		RepoSlug:        repoSlug(repoRoot),
	})

	base := boot.BaseBranch
	if base == "" {
		base = "main"
	}

	git := gitops.NewRunner(repoRoot, c.logger)
	if err := git.CheckoutFromBase(ctx, branch, base); err != nil {
		return fmt.Errorf("checkout %s from %s: %w", branch, base, err)
	}

	// Only fresh and blocked tasks start: an in_review task selected for
	// the review flow keeps its place on the board.
	if startEligible(status) && workflowName != workflows.BlockedTaskFlow {
		c.updateStatus(ctx, task, projectID, taskservice.StatusInProgress)
	}

	workflowID := uuid.NewString()
	c.logger.Info("starting workflow",
		"workflow", workflowName,
		"workflow_id", workflowID,
		"task", taskID,
		"branch", branch)

	wc := engine.NewContext(workflowID, projectID, repoRoot, branch, engine.Dependencies{
		Transport: c.transport,
		Git:       git,
		Tasks:     c.tasks,
		Personas:  c.personas,
		Artifacts: artifact.NewStore(repoRoot),
	}, c.logger.With("workflow_id", workflowID))
	wc.Variables["task"] = task
	wc.SetVariable("force_rescan", boot.ForceRescan)

	result, err := engine.New(c.registry).Run(ctx, def, wc)
	if err != nil {
		if abortWorthy(err) {
			wc.Aborted = true
			if _, abortErr := c.AbortWorkflow(ctx, workflowID, err.Error()); abortErr != nil {
				c.logger.Error("abort path failed", "workflow_id", workflowID, "error", abortErr)
			}
		}
		return fmt.Errorf("workflow %s: %w", workflowName, err)
	}

	c.logger.Info("workflow complete",
		"workflow_id", workflowID,
		"steps_run", result.StepsRun,
		"steps_skipped", result.StepsSkipped)

	// Make sure artifact-only commits reach origin before the task closes.
	if pushed, err := git.EnsurePublished(ctx, branch); err != nil {
		c.logger.Warn("publish after workflow failed", "branch", branch, "error", err)
	} else if pushed {
		c.logger.Info("published branch", "branch", branch)
	}

	if terminal := terminalStatus(workflowName); terminal != "" {
		c.updateStatus(ctx, task, projectID, terminal)
	}
	return nil
}

// startEligible reports whether a task may transition to in_progress:
// fresh tasks advance and blocked tasks retreat when picked back up;
// anything at or past in_progress keeps its status.
func startEligible(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "open", "planned", "backlog", "todo", "new":
		return true
	case "blocked", "stuck":
		return true
	}
	return false
}

// terminalStatus maps a completed workflow to the task's next status. A
// blocked-task run only records dependencies, so the task keeps its
// status until the blockers resolve.
func terminalStatus(workflowName string) string {
	if workflowName == workflows.BlockedTaskFlow {
		return ""
	}
	return taskservice.StatusDone
}

// abortWorthy reports whether a workflow failure may have left commits or
// in-flight persona requests behind: diff application, commit, and push
// failures all run the abort path so no stale entry survives.
func abortWorthy(err error) bool {
	return errors.Is(err, gitops.ErrPushFailed) ||
		errors.Is(err, gitops.ErrCommitFailed) ||
		errors.Is(err, diffapply.ErrApplyFailed)
}

// updateStatus transitions the task, logging failures rather than halting:
// a stale status reconciles on the next pass.
func (c *Coordinator) updateStatus(ctx context.Context, task map[string]any, projectID, status string) {
	taskID := engine.Stringify(task["id"])
	if taskID == "" {
		return
	}
	var lock *int
	if v, ok := numberField(task, "lock_version"); ok {
		n := int(v)
		lock = &n
	}
	res := c.tasks.UpdateTaskStatus(ctx, taskID, status, projectID, lock)
	if err := res.Error(); err != nil {
		c.logger.Warn("task status update failed",
			"task", taskID, "status", status, "error", err)
		return
	}
	task["status"] = status
}

func (c *Coordinator) fetchMilestones(ctx context.Context, projectID string) []taskservice.Milestone {
	res := c.tasks.FetchProjectMilestones(ctx, projectID)
	if err := res.Error(); err != nil {
		c.logger.Warn("milestone fetch failed", "project", projectID, "error", err)
		return nil
	}
	var payload struct {
		Milestones []taskservice.Milestone `json:"milestones"`
	}
	if err := res.Decode(&payload); err != nil {
		var list []taskservice.Milestone
		if err2 := res.Decode(&list); err2 != nil {
			return nil
		}
		return list
	}
	return payload.Milestones
}

func findMilestone(milestones []taskservice.Milestone, id string) taskservice.Milestone {
	if id == "" {
		return taskservice.Milestone{}
	}
	for _, m := range milestones {
		if m.ID == id {
			return m
		}
	}
	return taskservice.Milestone{}
}

// stringField returns the first non-empty string among the named keys.
func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
