// Package gitops drives the local git binary. All invocations against a
// repository root serialize on the Runner's mutex; the working tree is a
// single exclusive resource for the duration of a workflow invocation.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CommandError reports a git invocation that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Result captures the output of a git invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options configures a single git invocation.
type Options struct {
	// Dir overrides the runner's repo root for this invocation.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
	// Stdin is piped to the process when non-empty.
	Stdin string
	// Timeout bounds the invocation beyond the caller's context.
	Timeout time.Duration
}

// Runner executes git commands against a repository root. Safe for
// concurrent use; invocations are mutually exclusive per Runner.
type Runner struct {
	repoRoot string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewRunner creates a runner for the given repository root.
func NewRunner(repoRoot string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{repoRoot: repoRoot, logger: logger}
}

// RepoRoot returns the repository root the runner operates on.
func (r *Runner) RepoRoot() string { return r.repoRoot }

// Run executes git with the given arguments, serialized on the runner.
func (r *Runner) Run(ctx context.Context, args []string, opts Options) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runLocked(ctx, args, opts)
}

func (r *Runner) runLocked(ctx context.Context, args []string, opts Options) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoRoot
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return res, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return res, nil
}

// output runs git and returns trimmed stdout.
func (r *Runner) output(ctx context.Context, args ...string) (string, error) {
	res, err := r.Run(ctx, args, Options{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsRepo reports whether the repo root is inside a git work tree.
func (r *Runner) IsRepo(ctx context.Context) bool {
	_, err := r.output(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Runner) CurrentBranch(ctx context.Context) (string, error) {
	return r.output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (r *Runner) BranchExists(ctx context.Context, name string) bool {
	_, err := r.output(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// RemoteBranchExists reports whether origin has the branch.
func (r *Runner) RemoteBranchExists(ctx context.Context, name string) bool {
	out, err := r.output(ctx, "ls-remote", "--heads", "origin", name)
	return err == nil && out != ""
}

// HasRemote reports whether origin is configured.
func (r *Runner) HasRemote(ctx context.Context) bool {
	out, err := r.output(ctx, "remote")
	return err == nil && out != ""
}

// CheckoutFromBase checks out branch, creating it from base when absent.
// Existing local branches are simply switched to.
func (r *Runner) CheckoutFromBase(ctx context.Context, branch, base string) error {
	if r.BranchExists(ctx, branch) {
		_, err := r.output(ctx, "checkout", branch)
		return err
	}
	if r.RemoteBranchExists(ctx, branch) {
		_, err := r.output(ctx, "checkout", "-b", branch, "origin/"+branch)
		return err
	}

	args := []string{"checkout", "-b", branch}
	if base != "" {
		if !r.BranchExists(ctx, base) && r.RemoteBranchExists(ctx, base) {
			base = "origin/" + base
		}
		args = append(args, base)
	}
	_, err := r.output(ctx, args...)
	return err
}

// CommitPaths stages the given paths and commits them with --no-verify.
// If the initial add fails it is retried once with --force. Returns the
// commit SHA.
func (r *Runner) CommitPaths(ctx context.Context, message string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("no paths to commit")
	}

	addArgs := append([]string{"add", "--"}, paths...)
	if _, err := r.Run(ctx, addArgs, Options{}); err != nil {
		r.logger.Warn("git add failed, retrying with --force", "error", err)
		forceArgs := append([]string{"add", "--force", "--"}, paths...)
		if _, err := r.Run(ctx, forceArgs, Options{}); err != nil {
			return "", fmt.Errorf("stage paths: %w", err)
		}
	}

	commitArgs := append([]string{"commit", "--no-verify", "-m", message, "--"}, paths...)
	if _, err := r.Run(ctx, commitArgs, Options{}); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	return r.HeadSHA(ctx, "HEAD", false)
}

// Push pushes the branch to origin, setting upstream.
func (r *Runner) Push(ctx context.Context, branch string) error {
	_, err := r.output(ctx, "push", "--set-upstream", "origin", branch)
	return err
}

// EnsurePublished pushes the branch when origin does not have it yet or its
// remote tip differs from the local one. Returns whether a push happened.
// A repository without a remote is left alone.
func (r *Runner) EnsurePublished(ctx context.Context, branch string) (bool, error) {
	if !r.HasRemote(ctx) {
		return false, nil
	}
	local, err := r.HeadSHA(ctx, branch, false)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", branch, err)
	}
	if remote, err := r.HeadSHA(ctx, "refs/heads/"+branch, true); err == nil && remote == local {
		return false, nil
	}
	if err := r.Push(ctx, branch); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	return true, nil
}

// HeadSHA resolves a ref to a SHA. When remote is true the ref is resolved
// against origin via ls-remote.
func (r *Runner) HeadSHA(ctx context.Context, ref string, remote bool) (string, error) {
	if remote {
		out, err := r.output(ctx, "ls-remote", "origin", ref)
		if err != nil {
			return "", err
		}
		fields := strings.Fields(out)
		if len(fields) == 0 {
			return "", fmt.Errorf("ref %q not found on origin", ref)
		}
		return fields[0], nil
	}
	return r.output(ctx, "rev-parse", ref)
}

// Clone clones url into dest. Runs outside the repo root.
func (r *Runner) Clone(ctx context.Context, rawURL, dest string) error {
	if err := ValidateRemoteURL(rawURL); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "clone", rawURL, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("clone %s: %w: %s", rawURL, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// DiffVerification is the outcome of VerifyRemoteBranchHasDiff.
type DiffVerification struct {
	AheadCount int
	DiffStat   string
}

// ErrBranchNotFound is wrapped into verification failures when origin does
// not know the branch.
var ErrBranchNotFound = fmt.Errorf("branch_not_found")

// ErrPushFailed wraps push failures so the coordinator can recognize them
// and run the abort path.
var ErrPushFailed = fmt.Errorf("push_failed")

// ErrCommitFailed marks commit failures the same way.
var ErrCommitFailed = fmt.Errorf("commit_failed")

// VerifyRemoteBranchHasDiff checks that the pushed branch actually differs
// from base. With a base: succeed iff rev-list count base..branch > 0 or the
// diff stat is meaningful. Without a base: inspect the last commit on the
// branch and require a meaningful stat.
func (r *Runner) VerifyRemoteBranchHasDiff(ctx context.Context, branch, base string) (*DiffVerification, error) {
	fetchArgs := []string{"fetch", "origin", branch}
	if base != "" {
		fetchArgs = append(fetchArgs, base)
	}
	if _, err := r.Run(ctx, fetchArgs, Options{}); err != nil {
		return nil, fmt.Errorf("fetch for verification: %w", err)
	}

	if _, err := r.output(ctx, "rev-parse", "--verify", "origin/"+branch); err != nil {
		return nil, fmt.Errorf("%w: origin/%s", ErrBranchNotFound, branch)
	}

	if base != "" {
		baseRef := "origin/" + base
		if _, err := r.output(ctx, "rev-parse", "--verify", baseRef); err != nil {
			baseRef = base
			if _, err := r.output(ctx, "rev-parse", "--verify", baseRef); err != nil {
				baseRef = ""
			}
		}
		if baseRef != "" {
			countOut, err := r.output(ctx, "rev-list", "--count", baseRef+"..origin/"+branch)
			if err != nil {
				return nil, fmt.Errorf("rev-list: %w", err)
			}
			count, _ := strconv.Atoi(countOut)

			stat, err := r.output(ctx, "diff", "--stat", baseRef+"..origin/"+branch)
			if err != nil {
				return nil, fmt.Errorf("diff stat: %w", err)
			}

			v := &DiffVerification{AheadCount: count, DiffStat: stat}
			if count > 0 || meaningfulStat(stat) {
				return v, nil
			}
			return v, fmt.Errorf("branch %s has no diff against %s", branch, base)
		}
	}

	stat, err := r.output(ctx, "show", "--stat", "--format=", "origin/"+branch)
	if err != nil {
		return nil, fmt.Errorf("show stat: %w", err)
	}
	v := &DiffVerification{DiffStat: stat}
	if !meaningfulStat(stat) {
		return v, fmt.Errorf("last commit on %s has no meaningful diff", branch)
	}
	return v, nil
}

// meaningfulStat reports whether a diff --stat output describes real changes.
func meaningfulStat(stat string) bool {
	trimmed := strings.TrimSpace(stat)
	if trimmed == "" {
		return false
	}
	return !strings.Contains(trimmed, "0 files changed")
}

// conventionalCommitPattern matches conventional commit messages.
var conventionalCommitPattern = regexp.MustCompile(`^(feat|fix|docs|style|refactor|test|chore|perf|ci|build|revert)(\([a-zA-Z0-9_-]+\))?: .+`)

// ValidateConventionalCommit checks if a message follows conventional commit format.
func ValidateConventionalCommit(message string) bool {
	return conventionalCommitPattern.MatchString(message)
}

// allowedProtocols defines the git URL protocols permitted for cloning.
var allowedProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

// ValidateRemoteURL validates that a git URL uses an allowed protocol.
func ValidateRemoteURL(rawURL string) error {
	if strings.HasPrefix(rawURL, "git@") {
		return nil // SSH shorthand
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}
	return nil
}
