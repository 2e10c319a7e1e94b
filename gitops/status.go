package gitops

import (
	"context"
	"fmt"
	"strings"
)

// StatusEntry is one line of porcelain status output.
type StatusEntry struct {
	Staged    string `json:"staged"`
	Unstaged  string `json:"unstaged"`
	Path      string `json:"path"`
	Untracked bool   `json:"untracked"`
}

// StatusSummary counts working-tree changes by kind.
type StatusSummary struct {
	Staged    int `json:"staged"`
	Unstaged  int `json:"unstaged"`
	Untracked int `json:"untracked"`
	Total     int `json:"total"`
}

// WorkingTree describes the repository working tree state.
type WorkingTree struct {
	Dirty   bool          `json:"dirty"`
	Branch  string        `json:"branch"`
	Entries []StatusEntry `json:"entries"`
	Summary StatusSummary `json:"summary"`
}

// DescribeWorkingTree parses `git status --porcelain` into a structured
// description of the working tree.
func (r *Runner) DescribeWorkingTree(ctx context.Context) (*WorkingTree, error) {
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve branch: %w", err)
	}

	out, err := r.output(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	wt := &WorkingTree{Branch: branch}
	if out == "" {
		return wt, nil
	}

	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		entry := StatusEntry{
			Staged:   strings.TrimSpace(line[0:1]),
			Unstaged: strings.TrimSpace(line[1:2]),
			Path:     strings.TrimSpace(line[3:]),
		}
		switch {
		case line[0] == '?' && line[1] == '?':
			entry.Untracked = true
			entry.Staged, entry.Unstaged = "", ""
			wt.Summary.Untracked++
		default:
			if entry.Staged != "" {
				wt.Summary.Staged++
			}
			if entry.Unstaged != "" {
				wt.Summary.Unstaged++
			}
		}
		wt.Entries = append(wt.Entries, entry)
	}

	wt.Summary.Total = len(wt.Entries)
	wt.Dirty = wt.Summary.Total > 0
	return wt, nil
}
