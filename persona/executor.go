package persona

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/engine"
	"github.com/goblinsan/multi-agent-machine-client/metrics"
	"github.com/goblinsan/multi-agent-machine-client/transport"
)

const defaultPollInterval = 200 * time.Millisecond

// Executor drives persona requests from the workflow side: it appends
// request envelopes, waits for the matching response on the event stream,
// and retries with the same corr-id and a growing deadline. It implements
// engine.PersonaRunner.
type Executor struct {
	transport transport.Transport
	cfg       *config.Config
	from      string
	poll      time.Duration
	logger    *slog.Logger
}

// NewExecutor creates a persona request executor.
func NewExecutor(tr transport.Transport, cfg *config.Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		transport: tr,
		cfg:       cfg,
		from:      "coordinator",
		poll:      defaultPollInterval,
		logger:    logger,
	}
}

// Run dispatches one persona request and interprets the terminal result.
// The same corr-id is reused across attempts; each attempt appends a fresh
// request entry and waits with a deadline of base timeout plus
// attempt x backoff increment.
func (e *Executor) Run(ctx context.Context, call engine.PersonaCall) (*engine.PersonaOutcome, error) {
	if offending := languageViolations(call.Persona, call.Payload); len(offending) > 0 {
		outcome := &engine.PersonaOutcome{
			Status: StatusFail,
			Output: fmt.Sprintf("language policy violation: files outside allowed_languages: %s", strings.Join(offending, ", ")),
		}
		if call.AbortOnFailure {
			return outcome, &Failure{Kind: KindLanguagePolicy, Details: outcome.Output}
		}
		return outcome, nil
	}

	corrID := uuid.NewString()
	baseTimeout := e.cfg.PersonaTimeout(call.Persona)
	backoff := time.Duration(e.cfg.Personas.BackoffIncrementMs) * time.Millisecond
	maxRetries := e.cfg.PersonaMaxRetries(call.Persona)

	var lastTimeout time.Duration
	attempt := 0
	for {
		lastTimeout = baseTimeout + time.Duration(attempt)*backoff

		req := Request{
			WorkflowID: call.WorkflowID,
			Step:       call.Step,
			From:       e.from,
			ToPersona:  call.Persona,
			Intent:     call.Intent,
			CorrID:     corrID,
			Payload:    call.Payload,
			Repo:       call.Repo,
			Branch:     call.Branch,
			ProjectID:  call.ProjectID,
			TaskID:     call.TaskID,
			DeadlineS:  int(math.Ceil(lastTimeout.Seconds())),
		}

		appendErr := e.append(ctx, req)
		var resp *Response
		if appendErr == nil {
			resp = e.waitForResponse(ctx, call.WorkflowID, corrID, lastTimeout)
		} else {
			e.logger.Warn("request append failed",
				"persona", call.Persona, "corr_id", corrID, "error", appendErr)
		}

		if resp != nil {
			return e.interpret(call, resp, corrID)
		}
		if err := ctx.Err(); err != nil {
			return nil, &Failure{Kind: KindTransportError, Details: err.Error(), CorrID: corrID, Attempts: attempt + 1}
		}

		attempt++
		// Negative maxRetries means unlimited.
		if maxRetries >= 0 && attempt > maxRetries {
			e.logger.Error("persona retries exhausted",
				"persona", call.Persona,
				"workflow", call.WorkflowID,
				"corr_id", corrID,
				"attempts", attempt,
				"final_timeout_ms", lastTimeout.Milliseconds())
			return nil, &Failure{
				Kind:      KindExhaustedRetries,
				Details:   fmt.Sprintf("no response from %s after %d attempts", call.Persona, attempt),
				Attempts:  attempt,
				CorrID:    corrID,
				TimeoutMs: lastTimeout.Milliseconds(),
			}
		}

		metrics.PersonaRetriesTotal.WithLabelValues(call.Persona).Inc()
		e.logger.Warn("persona attempt timed out, retrying",
			"persona", call.Persona,
			"corr_id", corrID,
			"attempt", attempt,
			"timeout_ms", lastTimeout.Milliseconds())
	}
}

func (e *Executor) append(ctx context.Context, req Request) error {
	_, err := e.transport.Append(ctx, e.cfg.Transport.RequestStream, req.Fields())
	return err
}

// waitForResponse scans the event stream forward for the matching
// (workflow_id, corr_id) entry, tolerating interleaved entries for other
// correlations. Returns nil on deadline.
func (e *Executor) waitForResponse(ctx context.Context, workflowID, corrID string, timeout time.Duration) *Response {
	deadline := time.Now().Add(timeout)
	after := ""

	for {
		entries, err := e.transport.Range(ctx, e.cfg.Transport.EventStream, rangeStart(after), "+", 128)
		if err != nil {
			e.logger.Warn("event range failed", "error", err)
		}
		for _, entry := range entries {
			if after != "" && !transport.IDLess(after, entry.ID) {
				continue
			}
			after = entry.ID
			resp := ResponseFromFields(entry.Fields)
			if resp.WorkflowID == workflowID && resp.CorrID == corrID {
				return &resp
			}
		}

		if !time.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.poll):
		}
	}
}

func rangeStart(after string) string {
	if after == "" {
		return "-"
	}
	return after
}

// interpret maps a response envelope to a persona outcome per the status
// rules: status-required personas with no status are unknown; other
// personas with no status pass; fail/unknown surface as an error when the
// call aborts on failure.
func (e *Executor) interpret(call engine.PersonaCall, resp *Response, corrID string) (*engine.PersonaOutcome, error) {
	body := ParseResultBody(resp.Result)

	switch body.Error {
	case KindInformationLimit, KindSourceCapExceeded:
		return nil, &Failure{Kind: body.Error, Details: body.Details, CorrID: corrID}
	}
	if resp.Status == ResponseError {
		return nil, &Failure{Kind: KindTransportError, Details: resp.Error, CorrID: corrID}
	}

	status := NormalizeStatus(body.Status)
	if body.Status == "" && !StatusRequired(call.Persona) {
		status = StatusPass
	}

	durationMs := resp.DurationMs
	if durationMs == 0 {
		durationMs = body.DurationMs
	}

	// Fold unrecognized top-level result fields (plan, reason, ...) into
	// the payload so callers see them; declared payload keys win.
	payload := body.Payload
	if len(body.Extra) > 0 {
		merged := make(map[string]any, len(body.Extra)+len(payload))
		for k, v := range body.Extra {
			merged[k] = v
		}
		for k, v := range payload {
			merged[k] = v
		}
		payload = merged
	}

	outcome := &engine.PersonaOutcome{
		Status:     status,
		Output:     body.Output,
		Payload:    payload,
		CorrID:     corrID,
		DurationMs: durationMs,
	}

	if call.AbortOnFailure && status != StatusPass {
		kind := KindPersonaFail
		if status == StatusUnknown {
			kind = KindPersonaUnknown
		}
		details := body.Details
		if details == "" {
			details = body.Output
		}
		return outcome, &Failure{Kind: kind, Details: details, CorrID: corrID}
	}
	return outcome, nil
}

// languageExtensions maps allowed_languages entries to file extensions.
var languageExtensions = map[string][]string{
	"go":         {".go"},
	"typescript": {".ts", ".tsx"},
	"ts":         {".ts", ".tsx"},
	"javascript": {".js", ".jsx", ".mjs", ".cjs"},
	"js":         {".js", ".jsx", ".mjs", ".cjs"},
	"python":     {".py"},
	"py":         {".py"},
	"java":       {".java"},
	"rust":       {".rs"},
	"ruby":       {".rb"},
	"csharp":     {".cs"},
	"c":          {".c", ".h"},
	"cpp":        {".cpp", ".cc", ".hpp", ".hh"},
	"shell":      {".sh"},
	"bash":       {".sh"},
	"yaml":       {".yaml", ".yml"},
	"json":       {".json"},
	"markdown":   {".md"},
	"html":       {".html"},
	"css":        {".css"},
}

// languageViolations returns file paths in the payload whose extensions
// fall outside the declared allowed_languages. Only the code reviewer is
// subject to the policy; an absent or empty list allows everything.
func languageViolations(personaName string, payload map[string]any) []string {
	if personaName != "code-reviewer" {
		return nil
	}
	langs := stringSlice(payload["allowed_languages"])
	if len(langs) == 0 {
		return nil
	}

	allowed := make(map[string]bool)
	for _, lang := range langs {
		lang = strings.ToLower(strings.TrimSpace(lang))
		if strings.HasPrefix(lang, ".") {
			allowed[lang] = true
			continue
		}
		for _, ext := range languageExtensions[lang] {
			allowed[ext] = true
		}
	}

	var files []string
	for _, key := range []string{"files", "paths", "key_files"} {
		files = append(files, stringSlice(payload[key])...)
	}

	var offending []string
	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file))
		if ext == "" {
			continue
		}
		if !allowed[ext] {
			offending = append(offending, file)
		}
	}
	return offending
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
