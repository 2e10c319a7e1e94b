package persona

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/llm"
	"github.com/goblinsan/multi-agent-machine-client/transport"
)

// fakeLLM serves completion requests with a fixed content string.
func fakeLLM(t *testing.T, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"content": content})
	}))
	t.Cleanup(server.Close)
	return server
}

func startDispatcher(t *testing.T, tr transport.Transport, cfg *config.Config, personaName, llmContent string) {
	t.Helper()
	server := fakeLLM(t, llmContent)
	client := llm.NewClient(server.URL)
	handler := NewHandler(client, cfg, NewFulfiller(nil, 5, 10, nil), nil)
	d := NewDispatcher(tr, handler, cfg, personaName, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()
}

func dispatcherConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Transport.BlockMs = 50
	return cfg
}

func awaitEvent(t *testing.T, tr transport.Transport, cfg *config.Config, corrID string) Response {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := tr.Range(context.Background(), cfg.Transport.EventStream, "-", "+", 0)
		require.NoError(t, err)
		for _, entry := range entries {
			resp := ResponseFromFields(entry.Fields)
			if resp.CorrID == corrID {
				return resp
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no event for corr_id %s", corrID)
	return Response{}
}

func TestDispatcherProcessesRequest(t *testing.T) {
	tr := transport.NewMemory()
	cfg := dispatcherConfig()
	startDispatcher(t, tr, cfg, "planner", `{"output":"the plan","status":"pass"}`)

	req := Request{
		WorkflowID: "wf-1",
		Step:       "plan",
		From:       "coordinator",
		ToPersona:  "planner",
		Intent:     "plan it",
		CorrID:     "corr-abc",
		DeadlineS:  30,
	}
	_, err := tr.Append(context.Background(), cfg.Transport.RequestStream, req.Fields())
	require.NoError(t, err)

	resp := awaitEvent(t, tr, cfg, "corr-abc")
	assert.Equal(t, ResponseDone, resp.Status)
	assert.Equal(t, "planner", resp.FromPersona)
	assert.Equal(t, "wf-1", resp.WorkflowID)

	body := ParseResultBody(resp.Result)
	assert.Equal(t, "the plan", body.Output)
	assert.Equal(t, StatusPass, body.Status)

	// Acked: nothing stays pending in the persona's group.
	assert.Eventually(t, func() bool {
		return len(tr.Pending(cfg.Transport.RequestStream, "ma:planner")) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatcherFiltersOtherPersonas(t *testing.T) {
	tr := transport.NewMemory()
	cfg := dispatcherConfig()
	startDispatcher(t, tr, cfg, "planner", `{"output":"x"}`)

	req := Request{
		WorkflowID: "wf-1",
		Step:       "qa",
		ToPersona:  "tester-qa",
		CorrID:     "corr-qa",
	}
	_, err := tr.Append(context.Background(), cfg.Transport.RequestStream, req.Fields())
	require.NoError(t, err)

	// The mismatched entry is acked without a response.
	assert.Eventually(t, func() bool {
		return len(tr.Pending(cfg.Transport.RequestStream, "ma:planner")) == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Give the loop time to misbehave before asserting silence.
	time.Sleep(200 * time.Millisecond)

	entries, err := tr.Range(context.Background(), cfg.Transport.EventStream, "-", "+", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDispatcherRespondsOnMalformedLLMOutput(t *testing.T) {
	tr := transport.NewMemory()
	cfg := dispatcherConfig()
	startDispatcher(t, tr, cfg, "tester-qa", "just some prose, no JSON")

	req := Request{
		WorkflowID: "wf-1",
		Step:       "qa",
		ToPersona:  "tester-qa",
		CorrID:     "corr-prose",
	}
	_, err := tr.Append(context.Background(), cfg.Transport.RequestStream, req.Fields())
	require.NoError(t, err)

	resp := awaitEvent(t, tr, cfg, "corr-prose")
	assert.Equal(t, ResponseDone, resp.Status, "prose answers still produce a done envelope")

	body := ParseResultBody(resp.Result)
	assert.Equal(t, "just some prose, no JSON", body.Output)
}

func TestHandlerUserTextPriority(t *testing.T) {
	cfg := dispatcherConfig()
	h := NewHandler(nil, cfg, NewFulfiller(nil, 5, 10, nil), nil)

	t.Run("explicit user_text wins", func(t *testing.T) {
		text := h.assembleUserText(Request{
			Intent: "fallback",
			Payload: map[string]any{
				"user_text": "do exactly this",
				"task":      map[string]any{"title": "T", "description": "D"},
			},
		})
		assert.Equal(t, "do exactly this", text)
	})

	t.Run("task description beats title and intent", func(t *testing.T) {
		text := h.assembleUserText(Request{
			Intent: "fallback",
			Payload: map[string]any{
				"task": map[string]any{"title": "Add widget", "description": "Build the widget module."},
			},
		})
		assert.Equal(t, "Task: Add widget\n\nBuild the widget module.", text)
	})

	t.Run("title when no description", func(t *testing.T) {
		text := h.assembleUserText(Request{
			Intent:  "fallback",
			Payload: map[string]any{"task": map[string]any{"title": "Add widget"}},
		})
		assert.Equal(t, "Add widget", text)
	})

	t.Run("intent as last resort", func(t *testing.T) {
		text := h.assembleUserText(Request{Intent: "scan the repo"})
		assert.Equal(t, "scan the repo", text)
	})
}
