package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeatureBranchPriority(t *testing.T) {
	tests := []struct {
		name string
		in   BranchInputs
		want string
	}{
		{
			name: "explicit milestone branch wins",
			in: BranchInputs{
				MilestoneBranch: "release/2.0",
				TaskBranch:      "feat/task",
				MilestoneSlug:   "v2",
			},
			want: "release/2.0",
		},
		{
			name: "task branch next",
			in:   BranchInputs{TaskBranch: "feat/custom", MilestoneSlug: "v2"},
			want: "feat/custom",
		},
		{
			name: "non-generic milestone slug",
			in:   BranchInputs{MilestoneSlug: "Q3 Hardening", TaskSlug: "add widget"},
			want: "milestone/q3-hardening",
		},
		{
			name: "generic slug falls through to the task",
			in:   BranchInputs{MilestoneSlug: "backlog", TaskSlug: "Add Widget"},
			want: "feat/add-widget",
		},
		{
			name: "repo slug is the last resort",
			in:   BranchInputs{RepoSlug: "widget-service"},
			want: "milestone/widget-service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FeatureBranch(tt.in))
		})
	}
}
