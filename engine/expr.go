package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Undefined is the value of a variable path that does not resolve. It is
// distinct from nil (null) for strict equality purposes.
type undefinedType struct{}

// Undefined is the singleton undefined value.
var Undefined = undefinedType{}

func (undefinedType) String() string { return "undefined" }

// Evaluate evaluates a condition/expression over the given variables.
//
// Grammar, highest to lowest precedence: parentheses, ||, &&, equality
// (===, !==, ==, !=), addition (+ on numerics, non-numeric coerces to 0),
// single value. Values are quoted strings, numbers, true/false/null/
// undefined, Date.now(), or dotted identifier paths resolved against the
// variables map. Truthiness follows JS rules.
func Evaluate(expr string, vars map[string]any) (any, error) {
	p := &exprParser{input: expr, vars: vars}
	p.next()
	val, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q in expression %q", p.tok.text, expr)
	}
	return val, nil
}

// EvaluateBool evaluates an expression and reduces it to truthiness.
// An empty expression is true (no condition).
func EvaluateBool(expr string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	val, err := Evaluate(expr, vars)
	if err != nil {
		return false, err
	}
	return Truthy(val), nil
}

// Truthy implements JS-style truthiness: "", 0, null, undefined, and false
// are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case undefinedType:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

// ---------------------------------------------------------------------------
// Tokenizer
// ---------------------------------------------------------------------------

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp     // || && === !== == != +
	tokLParen // (
	tokRParen // )
)

type token struct {
	kind tokenKind
	text string
}

type exprParser struct {
	input string
	pos   int
	tok   token
	vars  map[string]any
}

func (p *exprParser) next() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")"}
	case c == '\'' || c == '"':
		quote := c
		start := p.pos + 1
		end := start
		for end < len(p.input) && p.input[end] != quote {
			end++
		}
		p.tok = token{kind: tokString, text: p.input[start:end]}
		p.pos = end
		if p.pos < len(p.input) {
			p.pos++ // closing quote
		}
	case strings.HasPrefix(p.input[p.pos:], "||"), strings.HasPrefix(p.input[p.pos:], "&&"):
		p.tok = token{kind: tokOp, text: p.input[p.pos : p.pos+2]}
		p.pos += 2
	case strings.HasPrefix(p.input[p.pos:], "==="), strings.HasPrefix(p.input[p.pos:], "!=="):
		p.tok = token{kind: tokOp, text: p.input[p.pos : p.pos+3]}
		p.pos += 3
	case strings.HasPrefix(p.input[p.pos:], "=="), strings.HasPrefix(p.input[p.pos:], "!="):
		p.tok = token{kind: tokOp, text: p.input[p.pos : p.pos+2]}
		p.pos += 2
	case c == '+':
		p.pos++
		p.tok = token{kind: tokOp, text: "+"}
	case c == '-' || (c >= '0' && c <= '9'):
		start := p.pos
		p.pos++
		for p.pos < len(p.input) && (p.input[p.pos] == '.' || (p.input[p.pos] >= '0' && p.input[p.pos] <= '9')) {
			p.pos++
		}
		p.tok = token{kind: tokNumber, text: p.input[start:p.pos]}
	case isIdentStart(c):
		start := p.pos
		for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.input[start:p.pos]}
	default:
		p.tok = token{kind: tokOp, text: string(c)}
		p.pos++
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c == '.' || (c >= '0' && c <= '9')
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		// JS semantics: first truthy operand wins.
		if !Truthy(left) {
			left = right
		}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		// JS semantics: first falsy operand wins, else last value.
		if Truthy(left) {
			left = right
		}
	}
	return left, nil
}

func (p *exprParser) parseEquality() (any, error) {
	left, err := p.parseAddition()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "===" || p.tok.text == "!==" || p.tok.text == "==" || p.tok.text == "!=") {
		op := p.tok.text
		p.next()
		right, err := p.parseAddition()
		if err != nil {
			return nil, err
		}
		switch op {
		case "===":
			left = strictEquals(left, right)
		case "!==":
			left = !strictEquals(left, right)
		case "==":
			left = looseEquals(left, right)
		case "!=":
			left = !looseEquals(left, right)
		}
	}
	return left, nil
}

func (p *exprParser) parseAddition() (any, error) {
	left, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "+" {
		p.next()
		right, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		left = asNumber(left) + asNumber(right)
	}
	return left, nil
}

func (p *exprParser) parseValue() (any, error) {
	switch p.tok.kind {
	case tokLParen:
		p.next()
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("expected ) in expression %q", p.input)
		}
		p.next()
		return val, nil

	case tokString:
		s := p.tok.text
		p.next()
		return s, nil

	case tokNumber:
		n, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p.tok.text)
		}
		p.next()
		return n, nil

	case tokIdent:
		ident := p.tok.text
		p.next()

		switch ident {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		case "undefined":
			return Undefined, nil
		case "Date.now":
			if p.tok.kind == tokLParen {
				p.next()
				if p.tok.kind != tokRParen {
					return nil, fmt.Errorf("expected ) after Date.now(")
				}
				p.next()
				return float64(time.Now().UnixMilli()), nil
			}
		}
		return ResolvePath(ident, p.vars), nil
	}
	return nil, fmt.Errorf("unexpected token %q in expression %q", p.tok.text, p.input)
}

// ---------------------------------------------------------------------------
// Semantics helpers
// ---------------------------------------------------------------------------

// ResolvePath walks a dotted identifier path against the variables map.
// A missing segment yields Undefined.
func ResolvePath(path string, vars map[string]any) any {
	segments := strings.Split(path, ".")
	var current any = vars
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return Undefined
		}
		current, ok = m[seg]
		if !ok {
			return Undefined
		}
	}
	return current
}

func strictEquals(a, b any) bool {
	if _, aU := a.(undefinedType); aU {
		_, bU := b.(undefinedType)
		return bU
	}
	if _, bU := b.(undefinedType); bU {
		return false
	}
	return looseSameType(a, b)
}

func looseEquals(a, b any) bool {
	_, aU := a.(undefinedType)
	_, bU := b.(undefinedType)
	// null == undefined in loose mode.
	if (aU || a == nil) && (bU || b == nil) {
		return true
	}
	if aU || bU {
		return false
	}
	if looseSameType(a, b) {
		return true
	}
	// Numeric coercion of numeric strings.
	an, aIsNum := toNumber(a)
	bn, bIsNum := toNumber(b)
	if aIsNum && bIsNum {
		return an == bn
	}
	return false
}

func looseSameType(a, b any) bool {
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case float64:
		bn, ok := toStrictNumber(b)
		return ok && at == bn
	case int:
		bn, ok := toStrictNumber(b)
		return ok && float64(at) == bn
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case nil:
		return b == nil
	default:
		return false
	}
}

func toStrictNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	if n, ok := toStrictNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// asNumber coerces for addition: non-numeric operands count as 0.
func asNumber(v any) float64 {
	n, ok := toStrictNumber(v)
	if !ok {
		return 0
	}
	return n
}
