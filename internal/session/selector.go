package session

import (
	"fmt"
	"go/parser"
	"regexp"
	"strings"
)

// trivialIvar matches a bare Ruby instance-variable read: @name with no
// further expression syntax.
var trivialIvar = regexp.MustCompile(`^@[A-Za-z_][A-Za-z0-9_]*$`)

// ParsedSelector is a selector string split into the method pattern the
// target should install and the argument expressions, if any, that follow
// it as a subsequent addexpr per tracer.
type ParsedSelector struct {
	Core  string
	Exprs []string
}

// ParseSelector splits a selector of the form "Class#method(expr, expr)"
// into its method-pattern core and its parenthesized argument expression
// list. A selector with no parenthesized list returns a ParsedSelector with
// no Exprs. The list is split on every comma — it does not track nested
// parentheses, so a comma inside a nested call also splits the argument.
func ParseSelector(sel string) (ParsedSelector, error) {
	open := strings.IndexByte(sel, '(')
	if open < 0 {
		return ParsedSelector{Core: sel}, nil
	}
	if !strings.HasSuffix(sel, ")") {
		return ParsedSelector{}, fmt.Errorf("session: selector %q has an unterminated argument list", sel)
	}

	core := sel[:open]
	inner := sel[open+1 : len(sel)-1]

	var exprs []string
	if strings.TrimSpace(inner) != "" {
		for _, part := range strings.Split(inner, ",") {
			exprs = append(exprs, normalizeExpr(strings.TrimSpace(part)))
		}
	}
	return ParsedSelector{Core: core, Exprs: exprs}, nil
}

// normalizeExpr prefixes a leading space onto any expression whose first
// non-space character is the instance-variable sigil but which is not a
// trivial "@name" read, so the target evaluates it as an expression rather
// than treating it as a bare instance-variable access.
func normalizeExpr(expr string) string {
	trimmed := strings.TrimLeft(expr, " ")
	if strings.HasPrefix(trimmed, "@") && !trivialIvar.MatchString(trimmed) {
		return " " + expr
	}
	return expr
}

// ValidateExpression performs a best-effort local syntactic check of src
// before it is sent to the target as an eval or addexpr argument. It uses
// Go's own expression grammar as a smoke test for the properties shared by
// virtually every C-family/Ruby-like expression — balanced delimiters,
// terminated string literals, no stray control characters — without
// attempting to fully validate target-language semantics. A genuine
// language-level parse error is still possible and is reported by the
// target through the normal error event channel; see DESIGN.md for the
// rationale.
func ValidateExpression(src string) error {
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	for _, r := range src {
		if r < 0x20 && r != '\t' {
			return fmt.Errorf("%w: %q: contains a control character", ErrInvalidExpression, src)
		}
	}
	if _, err := parser.ParseExpr(src); err != nil {
		if !balancedEnough(src) {
			return fmt.Errorf("%w: %q: %v", ErrInvalidExpression, src, err)
		}
	}
	return nil
}

// balancedEnough is the fallback acceptance test for expressions that are
// syntactically valid in the target language but not in Go's expression
// grammar (e.g. Ruby's "a..b" range or "x ? y : z" forms Go doesn't share).
// It only rejects the failure modes ValidateExpression is actually meant to
// catch: unbalanced brackets/parens/braces or an unterminated quote.
func balancedEnough(src string) bool {
	var stack []byte
	inString := byte(0)
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inString != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inString = c
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 {
				return false
			}
			top := stack[len(stack)-1]
			if (c == ')' && top != '(') || (c == ']' && top != '[') || (c == '}' && top != '{') {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0 && inString == 0
}
