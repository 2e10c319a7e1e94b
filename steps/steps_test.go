package steps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goblinsan/multi-agent-machine-client/artifact"
	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/diffapply"
	"github.com/goblinsan/multi-agent-machine-client/engine"
	"github.com/goblinsan/multi-agent-machine-client/gitops"
	"github.com/goblinsan/multi-agent-machine-client/taskservice"
)

// fakeRunner returns canned outcomes per persona in order and records the
// calls it received.
type fakeRunner struct {
	outcomes map[string][]*engine.PersonaOutcome
	calls    []engine.PersonaCall
}

func (r *fakeRunner) Run(_ context.Context, call engine.PersonaCall) (*engine.PersonaOutcome, error) {
	r.calls = append(r.calls, call)
	queue := r.outcomes[call.Persona]
	if len(queue) == 0 {
		return &engine.PersonaOutcome{Status: "pass", Output: "ok"}, nil
	}
	out := queue[0]
	r.outcomes[call.Persona] = queue[1:]
	return out, nil
}

// setupRepo creates a git repository with one commit on main.
func setupRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("initial\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "feat: initial commit")
	return dir
}

func lastCommitMessage(t *testing.T, repo string) string {
	t.Helper()
	cmd := exec.Command("git", "log", "-1", "--pretty=%s")
	cmd.Dir = repo
	out, err := cmd.CombinedOutput()
	require.NoError(t, err)
	return string(out)
}

func newTestContext(t *testing.T, repo string, personas engine.PersonaRunner) *engine.Context {
	t.Helper()
	deps := engine.Dependencies{
		Personas:  personas,
		Artifacts: artifact.NewStore(repo),
	}
	if repo != "" {
		deps.Git = gitops.NewRunner(repo, nil)
	}
	return engine.NewContext("wf-1", "proj-1", repo, "main", deps, nil)
}

func TestPersonaRequestStepDispatches(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string][]*engine.PersonaOutcome{
		"planner": {{Status: "pass", Output: "the plan", Payload: map[string]any{"plan": []any{}}, CorrID: "c-1"}},
	}}
	wc := newTestContext(t, "", runner)
	wc.SetTask(&taskservice.Task{ID: "t-9", Title: "Add widget"})

	step, err := NewPersonaRequestStep("plan", map[string]any{
		"persona": "planner",
		"intent":  "produce a plan",
		"payload": map[string]any{"scope": "widget"},
	}, config.DefaultConfig())
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Equal(t, "pass", res.Outputs["status"])
	assert.Equal(t, "the plan", res.Outputs["output"])
	assert.Equal(t, "c-1", res.Outputs["corr_id"])

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "t-9", call.TaskID)
	assert.Equal(t, "widget", call.Payload["scope"])
	assert.NotNil(t, call.Payload["task"], "task is injected into the payload")
}

func TestPersonaRequestStepNumericTaskID(t *testing.T) {
	runner := &fakeRunner{}
	wc := newTestContext(t, "", runner)

	// Task maps arrive JSON-decoded, so numeric ids are float64.
	var task map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"id": 42, "title": "add endpoint"}`), &task))
	wc.Variables["task"] = task

	step, err := NewPersonaRequestStep("plan", map[string]any{"persona": "planner"}, nil)
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "42", runner.calls[0].TaskID)
}

func TestTaskIDExtraction(t *testing.T) {
	assert.Equal(t, "", taskID(nil))
	assert.Equal(t, "", taskID(map[string]any{"title": "x"}))
	assert.Equal(t, "", taskID(map[string]any{"id": nil}))
	assert.Equal(t, "42", taskID(map[string]any{"id": float64(42)}))
	assert.Equal(t, "t-1", taskID(map[string]any{"id": "t-1"}))
}

func TestPersonaRequestStepRequiresPersona(t *testing.T) {
	_, err := NewPersonaRequestStep("plan", map[string]any{}, nil)
	assert.Error(t, err)
}

func TestPersonaRequestStepSkipEnv(t *testing.T) {
	t.Setenv(skipEnv, "1")

	runner := &fakeRunner{}
	wc := newTestContext(t, "", runner)

	step, err := NewPersonaRequestStep("plan", map[string]any{"persona": "planner"}, nil)
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Equal(t, "pass", res.Outputs["status"])
	assert.Equal(t, true, res.Outputs["skipped"])
	assert.Empty(t, runner.calls, "no dispatch when the bypass is set")
}

func TestDiffApplyStepAppliesAndCommits(t *testing.T) {
	repo := setupRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "src", "greet.ts"),
		[]byte("export function greet(name: string): string {\n  return \"hi \" + name;\n}\n"), 0o644))

	wc := newTestContext(t, repo, &fakeRunner{})
	wc.SetVariable("implementer_output", "Here you go:\n```diff\n--- a/src/greet.ts\n+++ b/src/greet.ts\n@@ -1,3 +1,3 @@\n export function greet(name: string): string {\n-  return \"hi \" + name;\n+  return \"hello \" + name;\n }\n```\n")

	step, err := NewDiffApplyStep("apply", map[string]any{
		"diff":    "${implementer_output}",
		"commit":  true,
		"message": "feat: friendlier greeting",
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status, "%v", res.Err)
	assert.Equal(t, []string{"src/greet.ts"}, res.Outputs["applied_files"])
	assert.NotEmpty(t, res.Outputs["commit_sha"])

	data, err := os.ReadFile(filepath.Join(repo, "src", "greet.ts"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello "`)
	assert.Contains(t, lastCommitMessage(t, repo), "feat: friendlier greeting")
}

func TestDiffApplyStepFailsWithoutDiff(t *testing.T) {
	repo := setupRepo(t)
	wc := newTestContext(t, repo, &fakeRunner{})

	step, err := NewDiffApplyStep("apply", map[string]any{"diff": "no changes required"})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusFailure, res.Status)
	applyResult := res.Outputs["applyResult"].(map[string]any)
	assert.Equal(t, false, applyResult["applied"])
	assert.ErrorIs(t, res.Err, diffapply.ErrApplyFailed)
}

func TestGitArtifactStepWritesAndCommits(t *testing.T) {
	repo := setupRepo(t)
	wc := newTestContext(t, repo, &fakeRunner{})

	step, err := NewGitArtifactStep("record", map[string]any{
		"path":    ".ma/tasks/t-9/01-plan.md",
		"content": "# Plan\n",
		"message": "chore: record plan artifact",
		"branch":  "main",
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status, "%v", res.Err)
	assert.Equal(t, ".ma/tasks/t-9/01-plan.md", res.Outputs["artifact_path"])
	assert.NotEmpty(t, res.Outputs["sha"])
	assert.Equal(t, false, res.Outputs["pushed"], "no remote configured")

	data, err := os.ReadFile(filepath.Join(repo, ".ma", "tasks", "t-9", "01-plan.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Plan\n", string(data))
}

func TestGitArtifactStepBranchGuard(t *testing.T) {
	repo := setupRepo(t)
	wc := newTestContext(t, repo, &fakeRunner{})

	step, err := NewGitArtifactStep("record", map[string]any{
		"path":    ".ma/notes.md",
		"content": "notes",
		"branch":  "feat/elsewhere",
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusFailure, res.Status)
	assert.Contains(t, res.Err.Error(), "branch guard")
}

func TestGitArtifactStepRejectsPathOutsideArtifactRoot(t *testing.T) {
	repo := setupRepo(t)
	wc := newTestContext(t, repo, &fakeRunner{})

	step, err := NewGitArtifactStep("record", map[string]any{
		"path":    "src/sneaky.md",
		"content": "x",
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusFailure, res.Status)
}

func TestPlanKeyFileGuardStep(t *testing.T) {
	repo := setupRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "src", "exists.ts"), []byte("export {};\n"), 0o644))

	wc := newTestContext(t, repo, &fakeRunner{})
	wc.StepOutputs["plan"] = map[string]any{
		"payload": map[string]any{
			"plan": []any{
				map[string]any{"goal": "a", "key_files": []any{"src/exists.ts", "src/missing.ts"}},
			},
		},
	}

	step, err := NewPlanKeyFileGuardStep("guard", map[string]any{"plan_step": "plan"})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Equal(t, []string{"src/missing.ts"}, res.Outputs["missing_files"])
	assert.Equal(t, false, res.Outputs["all_present"])
	assert.Equal(t, []string{"src/missing.ts"}, wc.Variables[defaultMissingVariable])
}

func TestPlanKeyFileGuardStepAutoCreate(t *testing.T) {
	repo := setupRepo(t)
	wc := newTestContext(t, repo, &fakeRunner{})
	wc.SetVariable("planFiles", []string{"src/widget.ts", "src/widget.test.ts"})

	step, err := NewPlanKeyFileGuardStep("guard", map[string]any{
		"plan_files_variable": "planFiles",
		"auto_create_missing": true,
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Empty(t, res.Outputs["missing_files"])
	assert.Equal(t, []string{"src/widget.ts", "src/widget.test.ts"}, res.Outputs["created_files"])

	data, err := os.ReadFile(filepath.Join(repo, "src", "widget.test.ts"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "describe('src/widget.test.ts'")

	data, err = os.ReadFile(filepath.Join(repo, "src", "widget.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export {};\n", string(data))
}

func TestPlanKeyFileGuardStepFailOnMissing(t *testing.T) {
	repo := setupRepo(t)
	wc := newTestContext(t, repo, &fakeRunner{})
	wc.SetVariable("planFiles", []string{"src/nope.ts"})

	step, err := NewPlanKeyFileGuardStep("guard", map[string]any{
		"plan_files_variable": "planFiles",
		"fail_on_missing":     true,
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusFailure, res.Status)
	assert.Contains(t, res.Err.Error(), "src/nope.ts")
}

func TestPlanKeyFileGuardStepRejectsEscape(t *testing.T) {
	repo := setupRepo(t)
	wc := newTestContext(t, repo, &fakeRunner{})
	wc.SetVariable("planFiles", []string{"../outside.ts"})

	step, err := NewPlanKeyFileGuardStep("guard", map[string]any{
		"plan_files_variable": "planFiles",
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusFailure, res.Status)
}

func TestVariableResolutionStep(t *testing.T) {
	wc := newTestContext(t, "", &fakeRunner{})
	wc.SetVariable("task", map[string]any{"id": "t-1", "title": "Add widget"})

	step, err := NewVariableResolutionStep("resolve", map[string]any{
		"variables": map[string]any{
			"taskId":   "task.id",
			"hasTitle": "task.title != ''",
		},
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status, "%v", res.Err)
	assert.Equal(t, "t-1", wc.Variables["taskId"])
	assert.Equal(t, true, wc.Variables["hasTitle"])
}

func TestVariableResolutionStepReportsUnresolved(t *testing.T) {
	wc := newTestContext(t, "", &fakeRunner{})

	step, err := NewVariableResolutionStep("resolve", map[string]any{
		"variables": map[string]any{
			"missing": "no.such.path",
		},
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusFailure, res.Status)
	assert.Contains(t, res.Err.Error(), "missing")
}

func TestRegisterBlockedDependenciesStepMerges(t *testing.T) {
	var patched map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"id":                   "t-1",
				"blocked_dependencies": []string{"t-0"},
				"lock_version":         1,
			})
		case http.MethodPatch:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	wc := newTestContext(t, "", &fakeRunner{})
	wc.Deps.Tasks = taskservice.NewClient(server.URL, "key")
	wc.SetTask(&taskservice.Task{ID: "t-1"})

	step, err := NewRegisterBlockedDependenciesStep("block", map[string]any{
		"dependencies": []any{"t-0", "t-2"},
	})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status, "%v", res.Err)

	require.NotNil(t, patched)
	assert.Equal(t, []any{"t-0", "t-2"}, patched["blocked_dependencies"],
		"existing dependency preserved, new one merged")
}

func TestRegisterBlockedDependenciesStepEmptyIsNoop(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	wc := newTestContext(t, "", &fakeRunner{})
	wc.Deps.Tasks = taskservice.NewClient(server.URL, "key")
	wc.SetTask(&taskservice.Task{ID: "t-1"})

	step, err := NewRegisterBlockedDependenciesStep("block", map[string]any{})
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Zero(t, calls, "empty list without allow_clear never hits the service")
}

func TestPlanApprovalStepPublishesPlan(t *testing.T) {
	runner := &fakeRunner{outcomes: map[string][]*engine.PersonaOutcome{
		"planner": {{
			Status: "pass",
			Output: "plan text",
			Payload: map[string]any{"plan": []any{
				map[string]any{"goal": "widget", "key_files": []any{"src/widget.ts"}},
			}},
		}},
		"plan-evaluator": {{Status: "pass", Output: "approved"}},
	}}
	wc := newTestContext(t, "", runner)
	wc.SetTask(&taskservice.Task{ID: "t-1", Title: "Add widget"})

	step, err := NewPlanApprovalStep("plan", map[string]any{}, config.DefaultConfig())
	require.NoError(t, err)

	res := step.Execute(context.Background(), wc)
	require.Equal(t, engine.StatusSuccess, res.Status, "%v", res.Err)
	assert.Equal(t, true, res.Outputs["plan_approved"])
	assert.Equal(t, "plan text", res.Outputs["plan_text"])
	assert.Equal(t, []string{"src/widget.ts"}, res.Outputs["plan_files"])
	assert.Equal(t, 1, res.Outputs["attempts"])
}

func TestRegisterAllTypes(t *testing.T) {
	reg := engine.NewRegistry()
	RegisterAll(reg, config.DefaultConfig())

	assert.ElementsMatch(t, []string{
		"persona_request",
		"plan_approval",
		"diff_apply",
		"git_artifact",
		"plan_key_file_guard",
		"implementation_loop",
		"context",
		"variable_resolution",
		"register_blocked_dependencies",
	}, reg.Types())
}
