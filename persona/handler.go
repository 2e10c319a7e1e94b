package persona

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/engine"
	"github.com/goblinsan/multi-agent-machine-client/llm"
)

// Handler executes one persona request end to end: prompt assembly, the
// LM call, and the information-request loop. It is invoked by the
// dispatcher and never returns an error; failures become a fail-status
// result body so the dispatcher can always respond and ack.
type Handler struct {
	llm    *llm.Client
	cfg    *config.Config
	info   *Fulfiller
	logger *slog.Logger
}

// NewHandler creates a persona request handler.
func NewHandler(llmClient *llm.Client, cfg *config.Config, fulfiller *Fulfiller, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{llm: llmClient, cfg: cfg, info: fulfiller, logger: logger}
}

// Handle runs the persona request and returns its result body.
func (h *Handler) Handle(ctx context.Context, req Request) *ResultBody {
	started := time.Now()

	systemPrompt := SystemPrompt(req.ToPersona)
	userText := h.assembleUserText(req) + informationContract

	timeout := h.cfg.PersonaTimeout(req.ToPersona)
	if req.DeadlineS > 0 {
		timeout = time.Duration(req.DeadlineS) * time.Second
	}
	model := h.cfg.PersonaModel(req.ToPersona)

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userText},
	}

	remoteURL, _ := req.Payload["remote_url"].(string)
	session := h.info.NewSession(req.Repo, remoteURL)

	for {
		resp, err := h.llm.Call(ctx, model, messages, h.cfg.LLM.Temperature, timeout)
		if err != nil {
			return &ResultBody{
				Status:     StatusFail,
				Error:      KindTransportError,
				Details:    err.Error(),
				DurationMs: time.Since(started).Milliseconds(),
			}
		}

		body := ParseResultBody(resp.Content)
		if len(body.InformationRequests) == 0 {
			body.DurationMs = time.Since(started).Milliseconds()
			return body
		}

		block, err := session.Fulfill(ctx, body.InformationRequests)
		if err != nil {
			kind := FailureKind(err)
			if kind == "" {
				kind = KindTransportError
			}
			return &ResultBody{
				Status:     StatusFail,
				Error:      kind,
				Details:    err.Error(),
				DurationMs: time.Since(started).Milliseconds(),
			}
		}

		h.logger.Debug("fulfilled information request",
			"persona", req.ToPersona,
			"workflow", req.WorkflowID,
			"iteration", session.Iterations(),
			"sources", len(body.InformationRequests))

		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "system", Content: block},
		)
	}
}

// assembleUserText builds the user prompt by priority: explicit user text,
// then artifact file contents, then task fields, then the raw intent.
// Artifact paths may contain ${var} placeholders resolved against the
// payload; unresolved placeholders are left literal.
func (h *Handler) assembleUserText(req Request) string {
	if text, ok := req.Payload["user_text"].(string); ok && strings.TrimSpace(text) != "" {
		return text
	}

	for _, key := range []string{"plan_artifact", "qa_result_artifact", "context_artifact"} {
		raw, ok := req.Payload[key].(string)
		if !ok || raw == "" {
			continue
		}
		path := engine.ResolveString(raw, req.Payload)
		content, err := h.readRepoFile(req.Repo, path)
		if err != nil {
			h.logger.Warn("artifact unreadable, trying next source",
				"persona", req.ToPersona, "artifact", key, "path", path, "error", err)
			continue
		}
		return content
	}

	task, _ := req.Payload["task"].(map[string]any)
	if task != nil {
		title, _ := task["title"].(string)
		if desc, ok := task["description"].(string); ok && strings.TrimSpace(desc) != "" {
			if title != "" {
				return fmt.Sprintf("Task: %s\n\n%s", title, desc)
			}
			return desc
		}
		if desc, ok := req.Payload["description"].(string); ok && strings.TrimSpace(desc) != "" {
			return desc
		}
		if title != "" {
			return title
		}
	}
	if desc, ok := req.Payload["description"].(string); ok && strings.TrimSpace(desc) != "" {
		return desc
	}

	return req.Intent
}

func (h *Handler) readRepoFile(repoRoot, path string) (string, error) {
	abs, err := confinePath(repoRoot, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
