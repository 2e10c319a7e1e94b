package steps

import (
	"context"
	"fmt"

	"github.com/goblinsan/multi-agent-machine-client/diffapply"
	"github.com/goblinsan/multi-agent-machine-client/engine"
	"github.com/goblinsan/multi-agent-machine-client/gitops"
)

// DiffApplyStep extracts a unified diff from persona output, applies it to
// the working tree under the path policy, and optionally commits the
// touched files.
type DiffApplyStep struct {
	name    string
	diff    string
	commit  bool
	message string
}

// NewDiffApplyStep builds a diff application step from its config.
func NewDiffApplyStep(name string, c map[string]any) (engine.Step, error) {
	return &DiffApplyStep{
		name:    name,
		diff:    configString(c, "diff"),
		commit:  configBool(c, "commit", false),
		message: configString(c, "message"),
	}, nil
}

func (s *DiffApplyStep) Name() string { return s.name }

func (s *DiffApplyStep) Execute(ctx context.Context, wc *engine.Context) *engine.StepResult {
	text := engine.ResolveString(s.diff, wc.Variables)
	result, err := ApplyDiffText(wc, text)
	outputs := map[string]any{
		"applied_files": result.Paths,
		"applyResult":   applyResultMap(result),
	}
	if err != nil {
		return &engine.StepResult{
			Status:  engine.StatusFailure,
			Outputs: outputs,
			Err:     fmt.Errorf("apply diff: %w", err),
		}
	}

	if s.commit && len(result.Paths) > 0 {
		message := engine.ResolveString(s.message, wc.Variables)
		if message == "" {
			message = "chore: apply generated changes"
		}
		sha, pushed, err := CommitAndPush(ctx, wc, message, result.Paths)
		if err != nil {
			return engine.Failure(err)
		}
		outputs["commit_sha"] = sha
		outputs["pushed"] = pushed
	}

	return engine.Success(outputs)
}

// ApplyDiffText extracts, parses, and applies a diff embedded in free-form
// text. The returned result is populated even on failure so callers can
// report what was attempted.
func ApplyDiffText(wc *engine.Context, text string) (*diffapply.Result, error) {
	diff := diffapply.ExtractUnifiedDiff(text)
	if diff == "" {
		return &diffapply.Result{Reason: "no unified diff found in output"},
			fmt.Errorf("%w: no unified diff found in output", diffapply.ErrApplyFailed)
	}

	edits, err := diffapply.Parse(diff)
	if err != nil {
		return &diffapply.Result{Reason: err.Error()},
			fmt.Errorf("%w: %v", diffapply.ErrApplyFailed, err)
	}

	applier := diffapply.NewApplier(wc.RepoRoot, diffapply.DefaultPolicy(), wc.Logger)
	result, err := applier.Apply(edits)
	if err != nil {
		return result, fmt.Errorf("%w: %v", diffapply.ErrApplyFailed, err)
	}
	return result, nil
}

// CommitAndPush commits paths on the current branch and pushes when a
// remote exists. Non-conventional commit messages are logged, not
// rejected. Commit and push failures are wrapped in gitops.ErrCommitFailed
// and gitops.ErrPushFailed so the coordinator can recognize them.
func CommitAndPush(ctx context.Context, wc *engine.Context, message string, paths []string) (sha string, pushed bool, err error) {
	git := wc.Deps.Git
	if git == nil {
		return "", false, fmt.Errorf("no git runner in workflow context")
	}
	if !gitops.ValidateConventionalCommit(message) {
		wc.Logger.Warn("commit message is not conventional", "message", message)
	}

	sha, err = git.CommitPaths(ctx, message, paths)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", gitops.ErrCommitFailed, err)
	}

	if git.HasRemote(ctx) {
		branch := wc.Branch
		if branch == "" {
			branch, _ = git.CurrentBranch(ctx)
		}
		if err := git.Push(ctx, branch); err != nil {
			return sha, false, fmt.Errorf("%w: %v", gitops.ErrPushFailed, err)
		}
		pushed = true
	}
	return sha, pushed, nil
}

func applyResultMap(r *diffapply.Result) map[string]any {
	if r == nil {
		return map[string]any{"attempted": false, "applied": false}
	}
	return map[string]any{
		"attempted": r.Attempted,
		"applied":   r.Applied,
		"reason":    r.Reason,
		"paths":     r.Paths,
		"stats": map[string]any{
			"files_changed": r.Stats.FilesChanged,
			"additions":     r.Stats.Additions,
			"deletions":     r.Stats.Deletions,
		},
	}
}
