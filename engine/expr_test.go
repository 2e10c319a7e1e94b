package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exprVars() map[string]any {
	return map[string]any{
		"task": map[string]any{
			"id":     float64(42),
			"status": "open",
			"labels": []any{"bug"},
		},
		"count":   float64(2),
		"empty":   "",
		"enabled": true,
		"nothing": nil,
	}
}

func TestEvaluateLiterals(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{`'hello'`, "hello"},
		{`"world"`, "world"},
		{`42`, float64(42)},
		{`3.5`, float64(3.5)},
		{`true`, true},
		{`false`, false},
		{`null`, nil},
		{`undefined`, Undefined},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluatePaths(t *testing.T) {
	vars := exprVars()

	got, err := Evaluate("task.status", vars)
	require.NoError(t, err)
	assert.Equal(t, "open", got)

	got, err = Evaluate("task.missing.deep", vars)
	require.NoError(t, err)
	assert.Equal(t, Undefined, got)
}

func TestEvaluateOrReturnsFirstTruthy(t *testing.T) {
	got, err := Evaluate(`"a" || "b"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	got, err = Evaluate(`false || 2 || 3`, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), got)

	got, err = Evaluate(`empty || 'fallback'`, exprVars())
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestEvaluateAnd(t *testing.T) {
	got, err := Evaluate(`true && 'yes'`, nil)
	require.NoError(t, err)
	assert.Equal(t, "yes", got)

	got, err = Evaluate(`'' && 'yes'`, nil)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestEvaluateEquality(t *testing.T) {
	vars := exprVars()
	tests := []struct {
		expr string
		want any
	}{
		{`task.status == 'open'`, true},
		{`task.status != 'open'`, false},
		{`task.id == 42`, true},
		{`task.id == '42'`, true},   // loose numeric coercion
		{`task.id === '42'`, false}, // strict requires same type
		{`task.id === 42`, true},
		{`null == undefined`, true},
		{`null === undefined`, false},
		{`nothing == undefined`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateAddition(t *testing.T) {
	got, err := Evaluate(`count + 3`, exprVars())
	require.NoError(t, err)
	assert.Equal(t, float64(5), got)

	// Non-numeric operands coerce to 0.
	got, err = Evaluate(`'abc' + 4`, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(4), got)
}

func TestEvaluatePrecedence(t *testing.T) {
	// () > || > && binding: (a || b) && c short-circuits on c.
	vars := map[string]any{"a": "", "b": "x", "c": false}

	got, err := Evaluate(`(a || b) && c`, vars)
	require.NoError(t, err)
	assert.Equal(t, false, got)

	// Equality binds tighter than &&.
	got, err = Evaluate(`count == 2 && task.status == 'open'`, exprVars())
	require.NoError(t, err)
	assert.Equal(t, true, got)

	// Addition binds tighter than equality.
	got, err = Evaluate(`count + 2 == 4`, exprVars())
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestEvaluateDateNow(t *testing.T) {
	before := float64(time.Now().UnixMilli())
	got, err := Evaluate(`Date.now()`, nil)
	require.NoError(t, err)
	after := float64(time.Now().UnixMilli())

	n, ok := got.(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, n, before)
	assert.LessOrEqual(t, n, after)
}

func TestEvaluateBoolEmptyConditionIsTrue(t *testing.T) {
	ok, err := EvaluateBool("", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateBool("  ", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateErrors(t *testing.T) {
	_, err := Evaluate(`(a || b`, nil)
	assert.Error(t, err)

	_, err = Evaluate(`a ||`, nil)
	assert.Error(t, err)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(float64(0)))
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(Undefined))
	assert.False(t, Truthy(false))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(float64(1)))
	assert.True(t, Truthy(map[string]any{}))
}
