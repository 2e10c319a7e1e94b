package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/gitops"
	"github.com/goblinsan/multi-agent-machine-client/taskservice"
)

// RepoResolver locates or materializes the working tree for a project.
type RepoResolver struct {
	// Base is the directory clones land under (PROJECT_BASE).
	Base string
	// AllowWorkspaceGit permits operating on the process working directory.
	AllowWorkspaceGit bool
	Logger            *slog.Logger
}

// Resolve finds the repository working tree. Priority: repoURL as an
// existing local git directory, then repoRoot (with an optional hint
// subdirectory), then a clone of repoURL under Base. The process working
// directory is refused unless AllowWorkspaceGit is set.
func (r *RepoResolver) Resolve(ctx context.Context, repoURL, repoRoot, hint string) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if repoURL != "" && isLocalPath(repoURL) {
		if isGitRepo(ctx, repoURL, logger) {
			return r.guard(repoURL)
		}
	}

	if repoRoot != "" {
		candidates := []string{repoRoot}
		if hint != "" {
			candidates = []string{filepath.Join(repoRoot, hint), repoRoot}
		}
		for _, candidate := range candidates {
			if isGitRepo(ctx, candidate, logger) {
				return r.guard(candidate)
			}
		}
	}

	if repoURL != "" && !isLocalPath(repoURL) {
		return r.clone(ctx, repoURL, hint, logger)
	}

	return "", fmt.Errorf("no repository resolvable from url=%q root=%q hint=%q", repoURL, repoRoot, hint)
}

// clone materializes repoURL under Base, reusing an existing clone.
func (r *RepoResolver) clone(ctx context.Context, repoURL, hint string, logger *slog.Logger) (string, error) {
	if r.Base == "" {
		return "", fmt.Errorf("PROJECT_BASE is not configured, cannot clone %s", repoURL)
	}

	slug := taskservice.NormalizeSlug(hint)
	if slug == "" {
		slug = repoSlug(repoURL)
	}
	if slug == "" {
		return "", fmt.Errorf("cannot derive a directory name from %s", repoURL)
	}

	dest := filepath.Join(r.Base, slug)
	if isGitRepo(ctx, dest, logger) {
		logger.Debug("reusing existing clone", "path", dest)
		return r.guard(dest)
	}

	if err := os.MkdirAll(r.Base, 0o755); err != nil {
		return "", fmt.Errorf("create project base: %w", err)
	}
	logger.Info("cloning repository", "url", repoURL, "dest", dest)
	if err := gitops.NewRunner(r.Base, logger).Clone(ctx, repoURL, dest); err != nil {
		return "", err
	}
	return r.guard(dest)
}

// guard refuses the process working directory unless explicitly allowed.
func (r *RepoResolver) guard(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if !r.AllowWorkspaceGit {
		if cwd, err := os.Getwd(); err == nil && sameDir(cwd, abs) {
			return "", fmt.Errorf("refusing to operate on the process working directory %s (set allow_workspace_git to override)", abs)
		}
	}
	return abs, nil
}

func sameDir(a, b string) bool {
	ca, err1 := filepath.Abs(a)
	cb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && filepath.Clean(ca) == filepath.Clean(cb)
}

// isLocalPath reports whether a repo reference names a filesystem path
// rather than a remote.
func isLocalPath(ref string) bool {
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "git@") {
		return false
	}
	info, err := os.Stat(ref)
	return err == nil && info.IsDir()
}

func isGitRepo(ctx context.Context, path string, logger *slog.Logger) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	return gitops.NewRunner(path, logger).IsRepo(ctx)
}

// repoSlug derives a directory name from a remote URL: the final path
// segment without the .git suffix.
func repoSlug(rawURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(rawURL, "/"), ".git")
	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return taskservice.NormalizeSlug(trimmed)
}
