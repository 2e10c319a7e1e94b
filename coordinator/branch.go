package coordinator

import (
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/taskservice"
)

// genericSlugs never name a milestone branch on their own.
var genericSlugs = map[string]bool{
	"":          true,
	"milestone": true,
	"default":   true,
	"general":   true,
	"misc":      true,
	"backlog":   true,
	"tbd":       true,
	"none":      true,
}

// BranchInputs are the naming sources for a feature branch, in priority
// order.
type BranchInputs struct {
	MilestoneBranch string
	TaskBranch      string
	MilestoneSlug   string
	TaskSlug        string
	RepoSlug        string
}

// FeatureBranch picks the branch a task's work lands on: an explicit
// milestone or task branch wins, then a non-generic milestone slug, then
// the task slug, then the repository slug.
func FeatureBranch(in BranchInputs) string {
	if b := strings.TrimSpace(in.MilestoneBranch); b != "" {
		return b
	}
	if b := strings.TrimSpace(in.TaskBranch); b != "" {
		return b
	}
	if slug := taskservice.NormalizeSlug(in.MilestoneSlug); !genericSlugs[slug] {
		return "milestone/" + slug
	}
	if slug := taskservice.NormalizeSlug(in.TaskSlug); slug != "" {
		return "feat/" + slug
	}
	return "milestone/" + taskservice.NormalizeSlug(in.RepoSlug)
}
