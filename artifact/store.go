// Package artifact reads and writes workflow artifacts under the .ma/
// directory of the repository working tree. Commits of these files are the
// durable record of persona outputs; the store itself only touches disk.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Root is the artifact directory prefix inside the working tree.
const Root = ".ma/"

// Store manages artifact files under a repository root.
type Store struct {
	repoRoot string
}

// NewStore creates a store for the given repository root.
func NewStore(repoRoot string) *Store {
	return &Store{repoRoot: repoRoot}
}

// ValidatePath checks that a relative artifact path lives under .ma/ and
// does not escape the working tree. Returns the cleaned relative path.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("artifact path is required")
	}
	cleaned := filepath.ToSlash(filepath.Clean(path))
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("artifact path %q escapes the working tree", path)
	}
	if !strings.HasPrefix(cleaned, Root) {
		return "", fmt.Errorf("artifact path %q must begin with %s", path, Root)
	}
	return cleaned, nil
}

// WriteString writes a text artifact, creating parent directories.
// Returns the cleaned relative path.
func (s *Store) WriteString(path, content string) (string, error) {
	return s.write(path, []byte(content))
}

// WriteJSON writes v as indented JSON.
func (s *Store) WriteJSON(path string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	return s.write(path, append(data, '\n'))
}

func (s *Store) write(path string, data []byte) (string, error) {
	rel, err := ValidatePath(path)
	if err != nil {
		return "", err
	}

	abs := filepath.Join(s.repoRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return rel, nil
}

// Read returns the contents of an artifact.
func (s *Store) Read(path string) ([]byte, error) {
	rel, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(s.repoRoot, filepath.FromSlash(rel)))
}

// Exists reports whether the artifact file is present.
func (s *Store) Exists(path string) bool {
	rel, err := ValidatePath(path)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(filepath.Join(s.repoRoot, filepath.FromSlash(rel)))
	return statErr == nil
}

// ContextDir holds the repository scan snapshot and summary.
func ContextDir() string { return Root + "context" }

// SnapshotPath is the context scan snapshot file.
func SnapshotPath() string { return Root + "context/snapshot.json" }

// SummaryPath is the context scan summary file.
func SummaryPath() string { return Root + "context/summary.md" }

// FilesIndexPath is the per-file scan index.
func FilesIndexPath() string { return Root + "context/files.ndjson" }

// TaskDir returns the artifact directory for a task.
func TaskDir(taskID string) string {
	return Root + "tasks/" + taskID
}

// TaskStepPath returns the numbered artifact path for a task step, e.g.
// .ma/tasks/42/01-plan.md.
func TaskStepPath(taskID string, seq int, name string) string {
	return fmt.Sprintf("%stasks/%s/%02d-%s.md", Root, taskID, seq, name)
}

// MilestoneDir returns the artifact directory for a milestone slug.
func MilestoneDir(slug string) string {
	return Root + "milestones/" + slug
}
