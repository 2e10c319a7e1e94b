package steps

import (
	"context"
	"fmt"

	"github.com/goblinsan/multi-agent-machine-client/artifact"
	"github.com/goblinsan/multi-agent-machine-client/engine"
)

// GitArtifactStep writes an artifact under .ma/ and commits it on the
// workflow's feature branch. A branch mismatch at commit time fails the
// step; a push failure only logs a warning.
type GitArtifactStep struct {
	name    string
	path    string
	content string
	json    any
	message string
	branch  string
}

// NewGitArtifactStep builds an artifact commit step from its config. The
// expected branch is taken from the first of branch, currentBranch, and
// featureBranchName; the workflow branch is the fallback.
func NewGitArtifactStep(name string, c map[string]any) (engine.Step, error) {
	path := configString(c, "path")
	if path == "" {
		return nil, fmt.Errorf("git_artifact step %q: path is required", name)
	}

	branch := ""
	for _, key := range []string{"branch", "currentBranch", "featureBranchName"} {
		if v := configString(c, key); v != "" {
			branch = v
			break
		}
	}

	return &GitArtifactStep{
		name:    name,
		path:    path,
		content: configString(c, "content"),
		json:    c["json"],
		message: configString(c, "message"),
		branch:  branch,
	}, nil
}

func (s *GitArtifactStep) Name() string { return s.name }

func (s *GitArtifactStep) Execute(ctx context.Context, wc *engine.Context) *engine.StepResult {
	path := engine.ResolveString(s.path, wc.Variables)
	rel, err := artifact.ValidatePath(path)
	if err != nil {
		return engine.Failure(fmt.Errorf("artifact path: %w", err))
	}

	expected := s.branch
	if expected == "" {
		expected = wc.Branch
	}
	git := wc.Deps.Git
	if git == nil {
		return engine.Failure(fmt.Errorf("no git runner in workflow context"))
	}
	if expected != "" {
		current, err := git.CurrentBranch(ctx)
		if err != nil {
			return engine.Failure(fmt.Errorf("resolve current branch: %w", err))
		}
		if current != expected {
			return engine.Failure(fmt.Errorf("branch guard: on %q, expected %q", current, expected))
		}
	}

	store := wc.Deps.Artifacts
	if store == nil {
		store = artifact.NewStore(wc.RepoRoot)
	}

	if s.json != nil {
		_, err = store.WriteJSON(rel, engine.ResolveValue(s.json, wc.Variables))
	} else {
		_, err = store.WriteString(rel, engine.ResolveString(s.content, wc.Variables))
	}
	if err != nil {
		return engine.Failure(fmt.Errorf("write artifact %s: %w", rel, err))
	}

	message := engine.ResolveString(s.message, wc.Variables)
	if message == "" {
		message = fmt.Sprintf("chore: record %s", rel)
	}
	sha, err := git.CommitPaths(ctx, message, []string{rel})
	if err != nil {
		return engine.Failure(fmt.Errorf("commit artifact %s: %w", rel, err))
	}

	pushed := false
	if git.HasRemote(ctx) {
		if err := git.Push(ctx, expected); err != nil {
			wc.Logger.Warn("artifact push failed", "path", rel, "branch", expected, "error", err)
		} else {
			pushed = true
		}
	}

	return engine.Success(map[string]any{
		"artifact_path": rel,
		"sha":           sha,
		"committed":     true,
		"pushed":        pushed,
	})
}
