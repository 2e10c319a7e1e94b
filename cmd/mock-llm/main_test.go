package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestServer(t *testing.T, dir string) *httptest.Server {
	t.Helper()
	lib, err := loadLibrary(dir)
	require.NoError(t, err)

	ts := httptest.NewServer(routes(lib, slog.New(slog.NewTextHandler(os.Stderr, nil))))
	t.Cleanup(ts.Close)
	return ts
}

func chatOnce(t *testing.T, ts *httptest.Server, model string) string {
	t.Helper()
	body, err := json.Marshal(completionRequest{
		Model:    model,
		Messages: []message{{Role: "user", Content: "go"}},
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded completionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Len(t, decoded.Choices, 1)
	return decoded.Choices[0].Message.Content
}

func TestSequentialFixturesThenFallback(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "planner.1.json", `{"verdict": "revise"}`)
	writeFixture(t, dir, "planner.2.json", `{"verdict": "revise again"}`)
	writeFixture(t, dir, "planner.json", `{"verdict": "approved"}`)

	ts := newTestServer(t, dir)

	assert.JSONEq(t, `{"verdict": "revise"}`, chatOnce(t, ts, "planner"))
	assert.JSONEq(t, `{"verdict": "revise again"}`, chatOnce(t, ts, "planner"))
	assert.JSONEq(t, `{"verdict": "approved"}`, chatOnce(t, ts, "planner"))
	assert.JSONEq(t, `{"verdict": "approved"}`, chatOnce(t, ts, "planner"), "base fixture repeats")
}

func TestMockPrefixStripped(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "reviewer.json", `{"ok": true}`)

	ts := newTestServer(t, dir)
	assert.JSONEq(t, `{"ok": true}`, chatOnce(t, ts, "mock-reviewer"))
}

func TestUnknownModelIs404(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "planner.json", `{}`)

	ts := newTestServer(t, dir)
	body, _ := json.Marshal(completionRequest{Model: "nope"})
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsCountsCalls(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "planner.json", `{}`)

	ts := newTestServer(t, dir)
	chatOnce(t, ts, "planner")
	chatOnce(t, ts, "planner")

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats struct {
		TotalCalls   int            `json:"total_calls"`
		CallsByModel map[string]int `json:"calls_by_model"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.TotalCalls)
	assert.Equal(t, 2, stats.CallsByModel["planner"])
}

func TestLoadLibraryRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "planner.json", `not json`)

	_, err := loadLibrary(dir)
	assert.Error(t, err)
}
