package taskservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateTaskStatusLockConflictRetry(t *testing.T) {
	var patches []map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/projects/proj/tasks/42":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			patches = append(patches, body)
			if len(patches) == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"id":"42","status":"in_progress","lock_version":6}`))
		case r.Method == http.MethodGet && r.URL.Path == "/projects/proj/tasks/42":
			_, _ = w.Write([]byte(`{"id":"42","status":"open","lock_version":5}`))
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token")
	lock := 3
	res := c.UpdateTaskStatus(context.Background(), "42", "in_progress", "proj", &lock)

	require.NoError(t, res.Error())
	require.Len(t, patches, 2, "exactly two PATCH calls expected")
	assert.Equal(t, float64(3), patches[0]["lock_version"])
	assert.Equal(t, float64(5), patches[1]["lock_version"])
}

func TestUpdateTaskStatusLegacyResolvesExternalID(t *testing.T) {
	var calls []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/v1/tasks/by-external/ext-9/status":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/tasks/resolve":
			_, _ = w.Write([]byte(`{"task_id":"canonical-1"}`))
		case "/v1/tasks/canonical-1/status":
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token")
	res := c.UpdateTaskStatus(context.Background(), "ext-9", "done", "", nil)

	require.NoError(t, res.Error())
	assert.Equal(t, []string{
		"POST /v1/tasks/by-external/ext-9/status",
		"POST /v1/tasks/resolve",
		"POST /v1/tasks/canonical-1/status",
	}, calls)
}

func TestCreateTaskUpsertFallsBackToLegacy(t *testing.T) {
	var paths []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/tasks:upsert" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"t-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token")
	res := c.CreateTask(context.Background(), CreateTaskInput{
		ProjectID:  "proj",
		Title:      "widget",
		ExternalID: "ext-1",
	})

	require.NoError(t, res.Error())
	assert.Equal(t, []string{"/v1/tasks:upsert", "/v1/tasks"}, paths)
	assert.Equal(t, "t-1", extractTaskID(res.Body))
}

func TestCreateTaskIdempotentUpsert(t *testing.T) {
	created := map[string]bool{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tasks:upsert", r.URL.Path)
		var input CreateTaskInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		created[input.ExternalID] = true
		_, _ = w.Write([]byte(`{"task":{"id":"t-1"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token")
	for i := 0; i < 3; i++ {
		res := c.CreateTask(context.Background(), CreateTaskInput{Title: "x", ExternalID: "ext-7"})
		require.NoError(t, res.Error())
	}
	assert.Len(t, created, 1, "repeated upserts with one external id hit one logical task")
}

func TestCreateTaskSanitizesInputs(t *testing.T) {
	var got CreateTaskInput

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"t-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token")
	res := c.CreateTask(context.Background(), CreateTaskInput{
		Title:       strings.Repeat("t", 500),
		Description: strings.Repeat("d", 20000),
	})

	require.NoError(t, res.Error())
	assert.Len(t, got.Title, 180)
	assert.LessOrEqual(t, len(got.Description), 10000)
	assert.True(t, strings.HasSuffix(got.Description, truncationMarker))
}

func TestClipKeepsRuneBoundaries(t *testing.T) {
	// Multi-byte runes straddling the cut are dropped whole, never split.
	s := clip(strings.Repeat("é", 200), 180, "")
	assert.True(t, utf8.ValidString(s))
	assert.LessOrEqual(t, len(s), 180)

	s = clip(strings.Repeat("界", 100), 50, "…")
	assert.True(t, utf8.ValidString(s))
	assert.LessOrEqual(t, len(s), 50)
	assert.True(t, strings.HasSuffix(s, "…"))

	// ASCII under the limit is untouched.
	assert.Equal(t, "short", clip("short", 180, ""))
}

func TestBearerTokenSentOnAllCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	_ = c.FetchProjectStatus(context.Background(), "proj")
	_ = c.FetchProjectTasks(context.Background(), "proj")
}

func TestResolveMilestoneSlug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"milestones":[
			{"id":"m-1","slug":"Future Enhancements","name":"Future Enhancements"},
			{"id":"m-2","slug":"v2-launch","name":"V2 Launch"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token")
	ctx := context.Background()

	id, err := c.ResolveMilestoneSlug(ctx, "proj", "future-enhancements")
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	id, err = c.ResolveMilestoneSlug(ctx, "proj", "V2 Launch")
	require.NoError(t, err)
	assert.Equal(t, "m-2", id)

	id, err = c.ResolveMilestoneSlug(ctx, "proj", "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestApplyMilestonePolicy(t *testing.T) {
	c := NewClient("http://unused", "")

	assert.False(t, c.ApplyMilestonePolicy("future-enhancements", false))
	assert.True(t, c.ApplyMilestonePolicy("future-enhancements", true))
	assert.True(t, c.ApplyMilestonePolicy("future_enhancements", true))
	// Non-allow-listed slug still forwards the option, with a warning.
	assert.True(t, c.ApplyMilestonePolicy("random-milestone", true))
}

func TestNormalizeSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Future Enhancements", "future-enhancements"},
		{"future_enhancements", "future-enhancements"},
		{"  V2 Launch!! ", "v2-launch"},
		{"already-normal", "already-normal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSlug(tt.in))
	}
}

func TestDegradedResultOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"boom"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token")
	res := c.FetchProjectTasks(context.Background(), "proj")

	assert.False(t, res.OK)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Error(t, res.Error())
	assert.Contains(t, string(res.Body), "boom")
}
