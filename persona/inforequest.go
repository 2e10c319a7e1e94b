package persona

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/webfetch"
)

const (
	defaultFileMaxBytes = 64 * 1024
	defaultCharCap      = 20_000
)

// lineAnchorPattern matches trailing `#L<start>[-L<end>]` path anchors.
var lineAnchorPattern = regexp.MustCompile(`#L(\d+)(?:-L?(\d+))?$`)

// Fulfiller serves persona information requests: repo file slices and
// allow-listed HTTP fetches.
type Fulfiller struct {
	fetcher       *webfetch.Fetcher
	maxIterations int
	maxSources    int
	charCap       int
	logger        *slog.Logger
}

// NewFulfiller creates an information-request fulfiller. fetcher may be
// nil, in which case http_get requests fail individually.
func NewFulfiller(fetcher *webfetch.Fetcher, maxIterations, maxSources int, logger *slog.Logger) *Fulfiller {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	if maxSources <= 0 {
		maxSources = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fulfiller{
		fetcher:       fetcher,
		maxIterations: maxIterations,
		maxSources:    maxSources,
		charCap:       defaultCharCap,
		logger:        logger,
	}
}

// Session tracks one persona request's information-loop state: iteration
// count and the signatures already served.
type Session struct {
	f          *Fulfiller
	repoRoot   string
	remoteURL  string
	iterations int
	seen       map[string]bool
}

// NewSession starts a loop session scoped to one persona request.
func (f *Fulfiller) NewSession(repoRoot, remoteURL string) *Session {
	return &Session{
		f:         f,
		repoRoot:  repoRoot,
		remoteURL: remoteURL,
		seen:      make(map[string]bool),
	}
}

// Fulfill serves one iteration's worth of requests and returns the system
// block to append to the next prompt. Duplicate requests within the
// session are collapsed. Exceeding the iteration bound returns a Failure
// with KindInformationLimit; exceeding the unique-source cap returns
// KindSourceCapExceeded.
func (s *Session) Fulfill(ctx context.Context, requests []InformationRequest) (string, error) {
	s.iterations++
	if s.iterations > s.f.maxIterations {
		return "", &Failure{
			Kind:    KindInformationLimit,
			Details: fmt.Sprintf("information request limit reached after %d iterations", s.f.maxIterations),
		}
	}

	var blocks []string
	for _, req := range requests {
		req = s.rewriteSameRepo(req)

		sig := req.Signature()
		if s.seen[sig] {
			continue
		}
		s.seen[sig] = true

		if len(s.seen) > s.f.maxSources {
			return "", &Failure{
				Kind:    KindSourceCapExceeded,
				Details: fmt.Sprintf("unique information sources exceed cap of %d", s.f.maxSources),
			}
		}

		var content string
		var err error
		switch req.Type {
		case "http_get":
			content, err = s.fulfillHTTP(ctx, req)
		default:
			content, err = s.fulfillRepoFile(req)
		}
		if err != nil {
			s.f.logger.Warn("information request failed",
				"type", req.Type, "path", req.Path, "url", req.URL, "error", err)
			content = fmt.Sprintf("(request failed: %v)", err)
		}
		blocks = append(blocks, s.formatBlock(req, content))
	}

	if len(blocks) == 0 {
		return fmt.Sprintf("Information Request #%d\n(no new sources: all requests duplicated earlier ones)", s.iterations), nil
	}
	return fmt.Sprintf("Information Request #%d\n%s", s.iterations, strings.Join(blocks, "\n\n")), nil
}

// Iterations returns how many fulfill rounds have run.
func (s *Session) Iterations() int { return s.iterations }

func (s *Session) formatBlock(req InformationRequest, content string) string {
	source := req.Path
	if req.Type == "http_get" {
		source = req.URL
	}
	header := fmt.Sprintf("--- %s: %s", req.Type, source)
	if req.Reason != "" {
		header += " (" + req.Reason + ")"
	}
	return header + " ---\n" + content
}

// fulfillRepoFile reads a slice of a repo file. The path may carry a
// `#L<start>[-L<end>]` anchor; it must resolve inside the repo working
// tree.
func (s *Session) fulfillRepoFile(req InformationRequest) (string, error) {
	path, start, end := parseLineAnchor(req.Path)
	if req.StartLine > 0 {
		start = req.StartLine
	}
	if req.EndLine > 0 {
		end = req.EndLine
	}

	abs, err := confinePath(s.repoRoot, path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFileMaxBytes
	}

	content := string(data)
	if start > 0 {
		lines := strings.Split(content, "\n")
		if start > len(lines) {
			return "", fmt.Errorf("start line %d beyond end of %s (%d lines)", start, path, len(lines))
		}
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		content = strings.Join(lines[start-1:end], "\n")
	}

	truncated := false
	if len(content) > maxBytes {
		content = content[:maxBytes]
		truncated = true
	}
	if len(content) > s.f.charCap {
		content = content[:s.f.charCap]
		truncated = true
	}
	if truncated {
		content += "\n(truncated)"
	}
	return content, nil
}

func (s *Session) fulfillHTTP(ctx context.Context, req InformationRequest) (string, error) {
	if s.f.fetcher == nil {
		return "", fmt.Errorf("http_get is not enabled")
	}
	result, err := s.f.fetcher.Fetch(ctx, req.URL, req.Headers)
	if err != nil {
		return "", err
	}
	content := result.Text
	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFileMaxBytes
	}
	truncated := result.Truncated
	if len(content) > maxBytes {
		content = content[:maxBytes]
		truncated = true
	}
	if len(content) > s.f.charCap {
		content = content[:s.f.charCap]
		truncated = true
	}
	if truncated {
		content += "\n(truncated)"
	}
	return content, nil
}

// rewriteSameRepo turns github.com / raw.githubusercontent.com URLs that
// point at the current repository into local repo_file requests, avoiding
// a network round trip.
func (s *Session) rewriteSameRepo(req InformationRequest) InformationRequest {
	if req.Type != "http_get" || s.remoteURL == "" {
		return req
	}
	owner, repo := parseGitHubRemote(s.remoteURL)
	if owner == "" {
		return req
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return req
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")

	var filePath string
	switch strings.ToLower(parsed.Hostname()) {
	case "github.com":
		// /owner/repo/blob/<ref>/<path>
		if len(parts) >= 5 && parts[0] == owner && strings.TrimSuffix(parts[1], ".git") == repo && parts[2] == "blob" {
			filePath = strings.Join(parts[4:], "/")
		}
	case "raw.githubusercontent.com":
		// /owner/repo/<ref>/<path>
		if len(parts) >= 4 && parts[0] == owner && parts[1] == repo {
			filePath = strings.Join(parts[3:], "/")
		}
	}
	if filePath == "" {
		return req
	}

	if parsed.Fragment != "" {
		filePath += "#" + parsed.Fragment
	}
	return InformationRequest{
		Type:     "repo_file",
		Path:     filePath,
		MaxBytes: req.MaxBytes,
		Reason:   req.Reason,
	}
}

// parseGitHubRemote extracts owner/repo from https and ssh remote URLs.
func parseGitHubRemote(remote string) (owner, repo string) {
	remote = strings.TrimSuffix(strings.TrimSpace(remote), ".git")

	if strings.HasPrefix(remote, "git@github.com:") {
		rest := strings.TrimPrefix(remote, "git@github.com:")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 2 {
			return parts[0], parts[1]
		}
		return "", ""
	}

	parsed, err := url.Parse(remote)
	if err != nil || !strings.EqualFold(parsed.Hostname(), "github.com") {
		return "", ""
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) >= 2 {
		return parts[0], parts[1]
	}
	return "", ""
}

// parseLineAnchor strips a trailing `#L<start>[-L<end>]` anchor.
func parseLineAnchor(path string) (clean string, start, end int) {
	m := lineAnchorPattern.FindStringSubmatch(path)
	if m == nil {
		return path, 0, 0
	}
	clean = strings.TrimSuffix(path, m[0])
	start, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		end, _ = strconv.Atoi(m[2])
	} else {
		end = start
	}
	return clean, start, end
}

// confinePath resolves a relative path inside root, rejecting traversal
// and absolute paths.
func confinePath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the repository: %s", path)
	}
	return filepath.Join(root, clean), nil
}
