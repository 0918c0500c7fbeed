package render

import (
	"regexp"
	"strconv"
	"strings"
)

// Context is the value bag exposed to argv templates: prompt, model,
// session_id, resume, workdir, options.<name>, capabilities.filesystem,
// include_directories, prompt_transport. Unknown keys evaluate to empty.
type Context map[string]any

// lookup resolves a dotted path ("options.reasoning_effort",
// "capabilities.filesystem") against the context. Returns (nil, false) for
// any unknown segment, which callers treat as empty/falsy.
func (c Context) lookup(path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = map[string]any(c)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return ""
	}
}

var interpolationRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)
var ifBlockRe = regexp.MustCompile(`(?s)\{%\s*if\s+(.+?)\s*%\}(.*?)\{%\s*endif\s*%\}`)

// evalCondition evaluates the condition grammar the catalog templates use:
// a dotted path (truthy test), optionally negated with a leading "not", an
// equality/inequality comparison against a quoted literal, and "and"
// conjunctions of those terms.
func evalCondition(cond string, ctx Context) bool {
	for _, term := range strings.Split(cond, " and ") {
		if !evalTerm(strings.TrimSpace(term), ctx) {
			return false
		}
	}
	return true
}

func evalTerm(term string, ctx Context) bool {
	if rest, ok := strings.CutPrefix(term, "not "); ok {
		return !evalTerm(strings.TrimSpace(rest), ctx)
	}
	if idx := strings.Index(term, "!="); idx >= 0 {
		return !compareEqual(term[:idx], term[idx+2:], ctx)
	}
	if idx := strings.Index(term, "=="); idx >= 0 {
		return compareEqual(term[:idx], term[idx+2:], ctx)
	}
	v, ok := ctx.lookup(term)
	if !ok {
		return false
	}
	return truthy(v)
}

func compareEqual(lhs, rhs string, ctx Context) bool {
	lhs = strings.TrimSpace(lhs)
	rhs = strings.Trim(strings.TrimSpace(rhs), `"'`)
	v, _ := ctx.lookup(lhs)
	return stringify(v) == rhs
}

// interpolate replaces every {{ expr }} occurrence in s with its resolved
// string value.
func interpolate(s string, ctx Context) string {
	return interpolationRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := interpolationRe.FindStringSubmatch(m)
		v, _ := ctx.lookup(strings.TrimSpace(sub[1]))
		return stringify(v)
	})
}

// expandToken expands a single argv template token against ctx. A token
// may interleave literal/interpolated text with one or more (non-nested)
// {% if cond %}...{% endif %} blocks; each block's body is itself expanded
// (so it may contain {{ expr }} interpolations) only when its condition is
// true, and the surrounding text is expanded via plain interpolation.
func expandToken(token string, ctx Context) string {
	matches := ifBlockRe.FindAllStringSubmatchIndex(token, -1)
	if matches == nil {
		return interpolate(token, ctx)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		condStart, condEnd := m[2], m[3]
		bodyStart, bodyEnd := m[4], m[5]

		b.WriteString(interpolate(token[last:start], ctx))
		cond := token[condStart:condEnd]
		if evalCondition(cond, ctx) {
			b.WriteString(expandToken(token[bodyStart:bodyEnd], ctx))
		}
		last = end
	}
	b.WriteString(interpolate(token[last:], ctx))
	return b.String()
}
