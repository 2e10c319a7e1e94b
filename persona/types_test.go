package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFieldsRoundTrip(t *testing.T) {
	req := Request{
		WorkflowID: "wf-1",
		Step:       "plan",
		From:       "coordinator",
		ToPersona:  "planner",
		Intent:     "produce a plan",
		CorrID:     "corr-1",
		Payload:    map[string]any{"task": map[string]any{"id": float64(42)}},
		Repo:       "/repos/widget",
		Branch:     "feat/widget",
		ProjectID:  "proj-1",
		TaskID:     "42",
		DeadlineS:  120,
	}

	fields := req.Fields()
	assert.Equal(t, "planner", fields["to_persona"])
	assert.Equal(t, "120", fields["deadline_s"])
	assert.Contains(t, fields["payload"], `"id":42`)

	decoded := RequestFromFields(fields)
	assert.Equal(t, req.WorkflowID, decoded.WorkflowID)
	assert.Equal(t, req.CorrID, decoded.CorrID)
	assert.Equal(t, req.DeadlineS, decoded.DeadlineS)
	assert.Equal(t, req.Payload, decoded.Payload)
}

func TestResponseFieldsRoundTrip(t *testing.T) {
	resp := Response{
		WorkflowID:  "wf-1",
		FromPersona: "planner",
		Status:      ResponseDone,
		CorrID:      "corr-1",
		Step:        "plan",
		Result:      `{"output":"done","status":"pass"}`,
		DurationMs:  1500,
	}

	fields := resp.Fields()
	assert.NotEmpty(t, fields["ts"], "ts defaults to now")

	decoded := ResponseFromFields(fields)
	assert.Equal(t, resp.CorrID, decoded.CorrID)
	assert.Equal(t, int64(1500), decoded.DurationMs)
	assert.Equal(t, resp.Result, decoded.Result)
}

func TestParseResultBody(t *testing.T) {
	t.Run("clean JSON", func(t *testing.T) {
		body := ParseResultBody(`{"output":"looks good","status":"pass","payload":{"score":9},"custom":"x"}`)
		assert.Equal(t, "looks good", body.Output)
		assert.Equal(t, "pass", body.Status)
		assert.Equal(t, float64(9), body.Payload["score"])
		assert.Equal(t, "x", body.Extra["custom"], "unknown fields preserved")
	})

	t.Run("malformed JSON is repaired", func(t *testing.T) {
		body := ParseResultBody(`{output: 'needs work', status: 'fail',}`)
		assert.Equal(t, "needs work", body.Output)
		assert.Equal(t, "fail", body.Status)
	})

	t.Run("fenced JSON", func(t *testing.T) {
		body := ParseResultBody("```json\n{\"output\":\"fenced\",\"status\":\"pass\"}\n```")
		assert.Equal(t, "fenced", body.Output)
	})

	t.Run("plain text becomes output", func(t *testing.T) {
		body := ParseResultBody("The change looks fine to me.")
		assert.Equal(t, "The change looks fine to me.", body.Output)
		assert.Empty(t, body.Status)
	})

	t.Run("information_request array", func(t *testing.T) {
		body := ParseResultBody(`{"information_request":[{"type":"repo_file","path":"README.md#L1-L5"}]}`)
		require.Len(t, body.InformationRequests, 1)
		assert.Equal(t, "repo_file", body.InformationRequests[0].Type)
		assert.Equal(t, "README.md#L1-L5", body.InformationRequests[0].Path)
	})

	t.Run("information_request single object", func(t *testing.T) {
		body := ParseResultBody(`{"information_request":{"url":"https://pkg.go.dev/context"}}`)
		require.Len(t, body.InformationRequests, 1)
		assert.Equal(t, "http_get", body.InformationRequests[0].Type, "type inferred from url")
	})
}

func TestResultBodyEncodeRoundTrip(t *testing.T) {
	body := &ResultBody{
		Output:  "done",
		Status:  StatusPass,
		Payload: map[string]any{"plan": []any{}},
		Error:   "",
	}
	decoded := ParseResultBody(body.Encode())
	assert.Equal(t, body.Output, decoded.Output)
	assert.Equal(t, body.Status, decoded.Status)
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pass", StatusPass},
		{"PASS", StatusPass},
		{"success", StatusPass},
		{"approved", StatusPass},
		{"fail", StatusFail},
		{"error", StatusFail},
		{"rejected", StatusFail},
		{"", StatusUnknown},
		{"maybe", StatusUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeStatus(tt.in), "input %q", tt.in)
	}
}

func TestStatusRequired(t *testing.T) {
	assert.True(t, StatusRequired("plan-evaluator"))
	assert.True(t, StatusRequired("security-review"))
	assert.False(t, StatusRequired("planner"))
}
