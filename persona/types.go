// Package persona implements the request/response coordination between
// workflow steps and role-specialized LM personas: the stream envelopes,
// the per-persona dispatcher loops, the retrying request executor, and the
// information-request sub-protocol.
package persona

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// Response statuses on the event stream.
const (
	ResponseDone  = "done"
	ResponseError = "error"
)

// Terminal result statuses.
const (
	StatusPass    = "pass"
	StatusFail    = "fail"
	StatusUnknown = "unknown"
)

// Failure kinds surfaced by the executor and handler.
const (
	KindExhaustedRetries    = "exhausted_retries"
	KindInformationLimit    = "information_limit_reached"
	KindSourceCapExceeded   = "information_source_cap_exceeded"
	KindPersonaFail         = "persona_fail"
	KindPersonaUnknown      = "persona_unknown"
	KindTransportError      = "transport_error"
	KindLanguagePolicy      = "language_policy_violation"
)

// Request is the request-stream envelope. All stream fields are strings;
// Payload is carried as a JSON object encoded into the payload field.
type Request struct {
	WorkflowID string
	Step       string
	From       string
	ToPersona  string
	Intent     string
	CorrID     string
	Payload    map[string]any
	Repo       string
	Branch     string
	ProjectID  string
	TaskID     string
	DeadlineS  int
}

// Fields encodes the request for stream append.
func (r Request) Fields() map[string]string {
	payload := "{}"
	if len(r.Payload) > 0 {
		if data, err := json.Marshal(r.Payload); err == nil {
			payload = string(data)
		}
	}
	fields := map[string]string{
		"workflow_id": r.WorkflowID,
		"step":        r.Step,
		"from":        r.From,
		"to_persona":  r.ToPersona,
		"intent":      r.Intent,
		"corr_id":     r.CorrID,
		"payload":     payload,
		"deadline_s":  strconv.Itoa(r.DeadlineS),
	}
	if r.Repo != "" {
		fields["repo"] = r.Repo
	}
	if r.Branch != "" {
		fields["branch"] = r.Branch
	}
	if r.ProjectID != "" {
		fields["project_id"] = r.ProjectID
	}
	if r.TaskID != "" {
		fields["task_id"] = r.TaskID
	}
	return fields
}

// RequestFromFields decodes a request-stream entry. A malformed payload
// field is tolerated and left empty.
func RequestFromFields(fields map[string]string) Request {
	req := Request{
		WorkflowID: fields["workflow_id"],
		Step:       fields["step"],
		From:       fields["from"],
		ToPersona:  fields["to_persona"],
		Intent:     fields["intent"],
		CorrID:     fields["corr_id"],
		Repo:       fields["repo"],
		Branch:     fields["branch"],
		ProjectID:  fields["project_id"],
		TaskID:     fields["task_id"],
	}
	if v := fields["deadline_s"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.DeadlineS = n
		}
	}
	if raw := fields["payload"]; raw != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			req.Payload = payload
		}
	}
	return req
}

// Response is the event-stream envelope.
type Response struct {
	WorkflowID  string
	FromPersona string
	Status      string // done | error
	CorrID      string
	Step        string
	Result      string // JSON-encoded ResultBody
	DurationMs  int64
	TS          string
	Error       string
}

// Fields encodes the response for stream append.
func (r Response) Fields() map[string]string {
	ts := r.TS
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	fields := map[string]string{
		"workflow_id":  r.WorkflowID,
		"from_persona": r.FromPersona,
		"status":       r.Status,
		"corr_id":      r.CorrID,
		"step":         r.Step,
		"result":       r.Result,
		"duration_ms":  strconv.FormatInt(r.DurationMs, 10),
		"ts":           ts,
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	return fields
}

// ResponseFromFields decodes an event-stream entry.
func ResponseFromFields(fields map[string]string) Response {
	resp := Response{
		WorkflowID:  fields["workflow_id"],
		FromPersona: fields["from_persona"],
		Status:      fields["status"],
		CorrID:      fields["corr_id"],
		Step:        fields["step"],
		Result:      fields["result"],
		TS:          fields["ts"],
		Error:       fields["error"],
	}
	if v := fields["duration_ms"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			resp.DurationMs = n
		}
	}
	return resp
}

// InformationRequest is one item a persona may emit instead of a terminal
// answer: a repo file slice or an allow-listed HTTP fetch.
type InformationRequest struct {
	Type      string            `json:"type"`
	Path      string            `json:"path,omitempty"`
	URL       string            `json:"url,omitempty"`
	StartLine int               `json:"start_line,omitempty"`
	EndLine   int               `json:"end_line,omitempty"`
	MaxBytes  int               `json:"max_bytes,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Signature identifies a request for dedupe purposes.
func (ir InformationRequest) Signature() string {
	switch ir.Type {
	case "http_get":
		return "http_get|" + ir.URL
	default:
		return fmt.Sprintf("repo_file|%s|%d|%d", ir.Path, ir.StartLine, ir.EndLine)
	}
}

// ResultBody is the persona result carried inside a response's result
// field. When InformationRequests is non-empty, Output is advisory and no
// terminal decision is taken. Unknown fields are preserved in Extra.
type ResultBody struct {
	Output              string
	Status              string
	Payload             map[string]any
	InformationRequests []InformationRequest
	DurationMs          int64
	Error               string
	Details             string
	Extra               map[string]any
}

// Encode renders the body as the result field's JSON.
func (b *ResultBody) Encode() string {
	m := map[string]any{}
	for k, v := range b.Extra {
		m[k] = v
	}
	m["output"] = b.Output
	if b.Status != "" {
		m["status"] = b.Status
	}
	if len(b.Payload) > 0 {
		m["payload"] = b.Payload
	}
	if len(b.InformationRequests) > 0 {
		m["information_request"] = b.InformationRequests
	}
	if b.DurationMs > 0 {
		m["duration_ms"] = b.DurationMs
	}
	if b.Error != "" {
		m["error"] = b.Error
	}
	if b.Details != "" {
		m["details"] = b.Details
	}
	data, err := json.Marshal(m)
	if err != nil {
		return `{"output":"","status":"unknown"}`
	}
	return string(data)
}

// ParseResultBody interprets free-form persona output. Malformed JSON is
// repaired before parsing; content that is not JSON at all becomes a
// terminal body with the raw text as output and no status.
func ParseResultBody(raw string) *ResultBody {
	trimmed := strings.TrimSpace(raw)
	trimmed = stripCodeFence(trimmed)

	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(trimmed)
		if rerr != nil || json.Unmarshal([]byte(repaired), &m) != nil {
			return &ResultBody{Output: raw}
		}
	}

	body := &ResultBody{Extra: map[string]any{}}
	for k, v := range m {
		switch k {
		case "output":
			body.Output, _ = v.(string)
		case "status":
			if s, ok := v.(string); ok {
				body.Status = s
			}
		case "payload":
			if p, ok := v.(map[string]any); ok {
				body.Payload = p
			}
		case "information_request":
			body.InformationRequests = parseInformationRequests(v)
		case "duration_ms":
			if n, ok := v.(float64); ok {
				body.DurationMs = int64(n)
			}
		case "error":
			body.Error, _ = v.(string)
		case "details":
			body.Details, _ = v.(string)
		default:
			body.Extra[k] = v
		}
	}
	return body
}

// parseInformationRequests accepts both a single object and an array.
func parseInformationRequests(v any) []InformationRequest {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
	default:
		return nil
	}

	var out []InformationRequest
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		var ir InformationRequest
		if err := json.Unmarshal(data, &ir); err != nil {
			continue
		}
		if ir.Type == "" {
			if ir.URL != "" {
				ir.Type = "http_get"
			} else {
				ir.Type = "repo_file"
			}
		}
		out = append(out, ir)
	}
	return out
}

// NormalizeStatus folds free-form status strings to pass/fail/unknown.
func NormalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "passed", "ok", "success", "approved":
		return StatusPass
	case "fail", "failed", "error", "rejected":
		return StatusFail
	default:
		return StatusUnknown
	}
}

// statusRequired lists personas that must supply an explicit status.
var statusRequired = map[string]bool{
	"plan-evaluator":  true,
	"tester-qa":       true,
	"code-reviewer":   true,
	"security-review": true,
}

// StatusRequired reports whether a persona must return an explicit status.
func StatusRequired(persona string) bool {
	return statusRequired[persona]
}

// stripCodeFence unwraps a ```json fenced block if the whole content is one.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := strings.TrimPrefix(s, "```")
	if idx := strings.Index(rest, "\n"); idx >= 0 {
		rest = rest[idx+1:]
	}
	if idx := strings.LastIndex(rest, "```"); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest)
}
