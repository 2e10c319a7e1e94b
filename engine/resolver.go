package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// templatePattern matches ${...} placeholders inside strings.
var templatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveValue resolves ${var} templates in a config value against the
// variables map, recursing through maps and slices.
//
// A string that is exactly one template preserves the resolved value's type
// (object, array, number, bool). Templates inside larger strings are
// stringified. Unresolved templates are left literal. Template bodies
// support dotted paths, chained .toUpperCase()/.toLowerCase() transforms,
// and `a || b || 'literal'` fallback chains where literals may be quoted
// strings, [], {}, numbers, or booleans.
func ResolveValue(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ResolveValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ResolveValue(item, vars)
		}
		return out
	default:
		return value
	}
}

// ResolveString resolves templates in a string, always returning a string.
// Used for paths and messages where type preservation is not wanted.
func ResolveString(s string, vars map[string]any) string {
	resolved := resolveString(s, vars)
	if str, ok := resolved.(string); ok {
		return str
	}
	return Stringify(resolved)
}

func resolveString(s string, vars map[string]any) any {
	trimmed := strings.TrimSpace(s)

	// Exact single-template match preserves the resolved type.
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		inner := trimmed[2 : len(trimmed)-1]
		if !strings.Contains(inner, "${") {
			val, ok := resolveTemplateBody(inner, vars)
			if !ok {
				return s // leave the literal template in place
			}
			return val
		}
	}

	// Inline templates stringify.
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[2 : len(match)-1]
		val, ok := resolveTemplateBody(inner, vars)
		if !ok {
			return match
		}
		return Stringify(val)
	})
}

// resolveTemplateBody evaluates a template body: a fallback chain of path
// expressions and literals. Returns ok=false when nothing resolves.
func resolveTemplateBody(body string, vars map[string]any) (any, bool) {
	alts := splitFallbacks(body)
	for i, alt := range alts {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		last := i == len(alts)-1

		// JS ||: a falsy alternative keeps falling through unless it is
		// the only/last one. That applies to literals too: '' or 0 in
		// the middle of a chain yields to the next alternative.
		if val, ok := parseLiteral(alt); ok {
			if !Truthy(val) && !last {
				continue
			}
			return val, true
		}

		path, transforms := splitTransforms(alt)
		val := ResolvePath(path, vars)
		if _, isUndef := val.(undefinedType); isUndef {
			continue
		}
		if !Truthy(val) && !last {
			continue
		}
		return applyTransforms(val, transforms), true
	}
	return nil, false
}

// splitFallbacks splits on top-level || while respecting quotes.
func splitFallbacks(body string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if c == '|' && i+1 < len(body) && body[i+1] == '|' {
			parts = append(parts, body[start:i])
			i++
			start = i + 1
		}
	}
	parts = append(parts, body[start:])
	return parts
}

// parseLiteral recognizes quoted strings, [], {}, numbers, and booleans.
func parseLiteral(s string) (any, bool) {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], true
		}
	}
	switch s {
	case "[]":
		return []any{}, true
	case "{}":
		return map[string]any{}, true
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, true
	}
	return nil, false
}

// splitTransforms strips chained transform calls from a path expression.
func splitTransforms(expr string) (string, []string) {
	var transforms []string
	for {
		switch {
		case strings.HasSuffix(expr, ".toUpperCase()"):
			transforms = append([]string{"upper"}, transforms...)
			expr = strings.TrimSuffix(expr, ".toUpperCase()")
		case strings.HasSuffix(expr, ".toLowerCase()"):
			transforms = append([]string{"lower"}, transforms...)
			expr = strings.TrimSuffix(expr, ".toLowerCase()")
		default:
			return expr, transforms
		}
	}
}

func applyTransforms(val any, transforms []string) any {
	if len(transforms) == 0 {
		return val
	}
	s, ok := val.(string)
	if !ok {
		s = Stringify(val)
	}
	for _, t := range transforms {
		switch t {
		case "upper":
			s = strings.ToUpper(s)
		case "lower":
			s = strings.ToLower(s)
		}
	}
	return s
}

// Stringify renders a resolved value for inline template substitution.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case undefinedType:
		return "undefined"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
