// Package main implements a mock LM endpoint for offline workflow runs.
// Responses come from JSON fixture files keyed by the requested model.
// Numbered files (planner.1.json, planner.2.json) are served in call
// order with the base planner.json repeating once the sequence runs out,
// which is enough to drive a rejection-revision-approval planning loop
// without a real model behind the endpoint.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type completionChoice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

// library holds the fixture sequences and per-model call counters.
type library struct {
	sequences map[string][]string

	mu    sync.Mutex
	calls map[string]int
}

// respond picks the fixture for the model's next call. The second return
// is the 1-based call number; ok is false for unknown models.
func (l *library) respond(model string) (content string, call int, ok bool) {
	seq, found := l.sequences[model]
	if !found {
		seq, found = l.sequences[strings.TrimPrefix(model, "mock-")]
	}
	if !found {
		return "", 0, false
	}

	l.mu.Lock()
	call = l.calls[model] + 1
	l.calls[model] = call
	l.mu.Unlock()

	index := call - 1
	if index >= len(seq) {
		index = len(seq) - 1
	}
	return seq[index], call, true
}

func (l *library) stats() (total int, byModel map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byModel = make(map[string]int, len(l.calls))
	for model, n := range l.calls {
		byModel[model] = n
		total += n
	}
	return total, byModel
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory of fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dir := *fixtureDir
	if dir == "" {
		dir = os.Getenv("MOCK_LLM_FIXTURES")
	}
	if dir == "" {
		dir = "fixtures"
	}

	lib, err := loadLibrary(dir)
	if err != nil {
		logger.Error("load fixtures", "dir", dir, "error", err)
		os.Exit(1)
	}
	for model, seq := range lib.sequences {
		logger.Info("fixture loaded", "model", model, "responses", len(seq))
	}

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("mock LM listening", "addr", addr, "models", len(lib.sequences))
	if err := http.ListenAndServe(addr, routes(lib, logger)); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func routes(lib *library, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v1/chat/completions", completionsHandler(lib, logger))
	mux.HandleFunc("/v1/models", modelsHandler(lib))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		total, byModel := lib.stats()
		writeJSON(w, map[string]any{"total_calls": total, "calls_by_model": byModel})
	})
	return mux
}

func completionsHandler(lib *library, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		content, call, ok := lib.respond(req.Model)
		if !ok {
			logger.Warn("no fixture for model", "model", req.Model)
			http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
			return
		}
		logger.Info("serving fixture", "model", req.Model, "call", call)

		writeJSON(w, completionResponse{
			ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []completionChoice{
				{Message: message{Role: "assistant", Content: content}, FinishReason: "stop"},
			},
		})
	}
}

func modelsHandler(lib *library) http.HandlerFunc {
	type entry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		entries := make([]entry, 0, len(lib.sequences))
		for name := range lib.sequences {
			entries = append(entries, entry{ID: name, Object: "model", OwnedBy: "mock-llm"})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		writeJSON(w, map[string]any{"object": "list", "data": entries})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var numberedFixture = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadLibrary maps each model to its ordered response sequence: numbered
// files in numeric order, then the base file as the repeating tail.
func loadLibrary(dir string) (*library, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		if m := numberedFixture.FindStringSubmatch(d.Name()); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][index] = string(data)
			return nil
		}
		base[strings.TrimSuffix(d.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sequences := make(map[string][]string)
	for model, byIndex := range numbered {
		indices := make([]int, 0, len(byIndex))
		for idx := range byIndex {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			sequences[model] = append(sequences[model], byIndex[idx])
		}
	}
	for model, content := range base {
		sequences[model] = append(sequences[model], content)
	}
	if len(sequences) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return &library{sequences: sequences, calls: make(map[string]int)}, nil
}
