package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolverVars() map[string]any {
	return map[string]any{
		"task": map[string]any{
			"id":    float64(42),
			"title": "Add widget",
		},
		"branch":  "feat/widget",
		"files":   []any{"src/a.ts", "src/b.ts"},
		"count":   float64(3),
		"enabled": true,
		"empty":   "",
	}
}

func TestExactMatchPreservesType(t *testing.T) {
	vars := resolverVars()

	got := ResolveValue("${task}", vars)
	assert.Equal(t, vars["task"], got, "objects resolve by deep equality")

	got = ResolveValue("${files}", vars)
	assert.Equal(t, vars["files"], got)

	got = ResolveValue("${count}", vars)
	assert.Equal(t, float64(3), got)

	got = ResolveValue("${enabled}", vars)
	assert.Equal(t, true, got)
}

func TestInlineTemplateStringifies(t *testing.T) {
	vars := resolverVars()

	got := ResolveValue("task ${task.id} on ${branch}", vars)
	assert.Equal(t, "task 42 on feat/widget", got)
}

func TestUnresolvedTemplateLeftLiteral(t *testing.T) {
	vars := resolverVars()

	got := ResolveValue("${missing.var}", vars)
	assert.Equal(t, "${missing.var}", got)

	got = ResolveValue("path/${missing}/file", vars)
	assert.Equal(t, "path/${missing}/file", got)
}

func TestTransforms(t *testing.T) {
	vars := resolverVars()

	got := ResolveValue("${branch.toUpperCase()}", vars)
	assert.Equal(t, "FEAT/WIDGET", got)

	got = ResolveValue("${task.title.toLowerCase()}", vars)
	assert.Equal(t, "add widget", got)
}

func TestFallbackChains(t *testing.T) {
	vars := resolverVars()

	got := ResolveValue("${missing || branch}", vars)
	assert.Equal(t, "feat/widget", got)

	got = ResolveValue("${missing || 'default-branch'}", vars)
	assert.Equal(t, "default-branch", got)

	got = ResolveValue("${empty || 'fallback'}", vars)
	assert.Equal(t, "fallback", got, "falsy values fall through JS-style")

	got = ResolveValue("${missing || []}", vars)
	assert.Equal(t, []any{}, got)

	got = ResolveValue("${missing || {}}", vars)
	assert.Equal(t, map[string]any{}, got)

	got = ResolveValue("${missing || 7}", vars)
	assert.Equal(t, float64(7), got)

	got = ResolveValue("${missing || false}", vars)
	assert.Equal(t, false, got)
}

func TestFallbackChainsFalsyLiteralsFallThrough(t *testing.T) {
	vars := resolverVars()

	got := ResolveValue("${missing || '' || 'next'}", vars)
	assert.Equal(t, "next", got, "empty-string literal mid-chain yields")

	got = ResolveValue("${missing || 0 || 7}", vars)
	assert.Equal(t, float64(7), got)

	got = ResolveValue("${missing || false || branch}", vars)
	assert.Equal(t, "feat/widget", got)

	// A falsy literal in last position is still the result.
	got = ResolveValue("${missing || ''}", vars)
	assert.Equal(t, "", got)
	got = ResolveValue("${missing || 0}", vars)
	assert.Equal(t, float64(0), got)
}

func TestResolveRecursesThroughConfig(t *testing.T) {
	vars := resolverVars()

	config := map[string]any{
		"message": "feat: implement ${task.title}",
		"nested": map[string]any{
			"branch": "${branch}",
			"items":  []any{"${task.id}", "literal"},
		},
	}

	resolved, ok := ResolveValue(config, vars).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "feat: implement Add widget", resolved["message"])

	nested := resolved["nested"].(map[string]any)
	assert.Equal(t, "feat/widget", nested["branch"])
	assert.Equal(t, []any{float64(42), "literal"}, nested["items"])
}

func TestResolveString(t *testing.T) {
	vars := resolverVars()

	assert.Equal(t, "42", ResolveString("${task.id}", vars))
	assert.Equal(t, "feat/widget", ResolveString("${branch}", vars))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "42", Stringify(float64(42)))
	assert.Equal(t, "3.5", Stringify(float64(3.5)))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "null", Stringify(nil))
	assert.Equal(t, `["a"]`, Stringify([]any{"a"}))
}
