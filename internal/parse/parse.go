// Package parse interprets a backend child's stdout: the four
// discriminated output-shape variants (json_stream, json_object, regex,
// text) plus the error-pattern detection that signals a model_not_found
// condition to the dispatcher's fallback loop. The variants share a
// single pure entry point; a kind it does not handle is reported as a
// parser error.
package parse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kade-ridge/three/internal/catalog"
)

// Result is a successfully parsed child output.
type Result struct {
	SessionID string
	Message   string
}

// Error reports a parser that could not satisfy its contract: missing
// session id, unparsable JSON without a configured fallback, or a regex
// miss.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "parser failure: " + e.Reason }

// Parse dispatches to the variant named by cfg.Kind.
func Parse(cfg catalog.OutputParserConfig, stdout string) (Result, error) {
	switch cfg.Kind {
	case catalog.ParserJSONStream:
		return parseJSONStream(cfg, stdout)
	case catalog.ParserJSONObject:
		return parseJSONObject(cfg, stdout)
	case catalog.ParserRegex:
		return parseRegex(cfg, stdout)
	case catalog.ParserText:
		return parseText(stdout), nil
	default:
		return Result{}, &Error{Reason: fmt.Sprintf("unknown parser kind %q", cfg.Kind)}
	}
}

func parseText(stdout string) Result {
	return Result{SessionID: "stateless", Message: strings.TrimSpace(stdout)}
}

func parseRegex(cfg catalog.OutputParserConfig, stdout string) (Result, error) {
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return Result{}, &Error{Reason: fmt.Sprintf("invalid regex pattern %q: %v", cfg.Pattern, err)}
	}
	m := re.FindStringSubmatch(stdout)
	if m == nil || len(m) < 2 {
		return Result{}, &Error{Reason: "regex did not capture a session id"}
	}
	result := Result{SessionID: m[1]}
	if g := cfg.MessageCaptureGroup; g > 0 && g < len(m) {
		result.Message = m[g]
	}
	return result, nil
}

func parseJSONObject(cfg catalog.OutputParserConfig, stdout string) (Result, error) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &v); err != nil {
		return Result{}, &Error{Reason: fmt.Sprintf("invalid JSON object: %v", err)}
	}
	result := Result{SessionID: "stateless"}
	if cfg.MessagePath != "" {
		if s, ok := jsonPathGetString(v, cfg.MessagePath); ok {
			result.Message = s
		}
	}
	if cfg.SessionIDPath != "" {
		if s, ok := jsonPathGetString(v, cfg.SessionIDPath); ok && strings.TrimSpace(s) != "" {
			result.SessionID = s
		}
	}
	return result, nil
}

func parseJSONStream(cfg catalog.OutputParserConfig, stdout string) (Result, error) {
	var sessionID, message string
	var haveSessionID, haveMessage bool
	var lines []map[string]any

	for _, line := range splitNonBlankLines(stdout) {
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			if cfg.Fallback == catalog.FallbackNone {
				return Result{}, &Error{Reason: fmt.Sprintf("invalid JSON line: %v", err)}
			}
			continue
		}
		obj, _ := v.(map[string]any)
		lines = append(lines, obj)

		if s, ok := jsonPathGetString(v, cfg.SessionIDPath); ok && s != "" {
			if cfg.Pick == catalog.PickFirst && haveSessionID {
				// keep first
			} else {
				sessionID = s
				haveSessionID = true
			}
		}
		if s, ok := jsonPathGetString(v, cfg.MessagePath); ok {
			if cfg.Pick == catalog.PickFirst && haveMessage {
				// keep first
			} else {
				message = s
				haveMessage = true
			}
		}
	}

	if !haveSessionID || strings.TrimSpace(sessionID) == "" {
		return Result{}, &Error{Reason: "json stream output did not contain a session id at " + cfg.SessionIDPath}
	}

	if strings.TrimSpace(message) == "" && cfg.Fallback == catalog.FallbackCodex {
		message = reconstructCodexMessage(lines)
	}

	return Result{SessionID: sessionID, Message: message}, nil
}

// reconstructCodexMessage rebuilds the assistant message from codex's
// jsonl event stream when the configured message_path comes up blank.
// Scans for item.completed/agent_message, message/content (string or
// [{type:"text", text}]), and output_text/text event shapes, joining
// their texts with newlines.
func reconstructCodexMessage(lines []map[string]any) string {
	var parts []string
	for _, obj := range lines {
		if obj == nil {
			continue
		}
		switch strAt(obj, "type") {
		case "item.completed":
			item, _ := obj["item"].(map[string]any)
			if item != nil && strAt(item, "type") == "agent_message" {
				if s := strAt(item, "text"); s != "" {
					parts = append(parts, s)
				}
			}
		case "message":
			switch content := obj["content"].(type) {
			case string:
				if content != "" {
					parts = append(parts, content)
				}
			case []any:
				for _, c := range content {
					cm, ok := c.(map[string]any)
					if !ok {
						continue
					}
					if strAt(cm, "type") == "text" {
						if s := strAt(cm, "text"); s != "" {
							parts = append(parts, s)
						}
					}
				}
			}
		case "output_text":
			if s := strAt(obj, "text"); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func strAt(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func splitNonBlankLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// jsonPathGetString performs dotted-path traversal over a decoded JSON
// value, returning the leaf as a string if it is a string.
func jsonPathGetString(v any, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[seg]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}

// DetectModelError runs error-pattern detection before success parsing:
// stdout lines parsed as JSON error/turn.failed events are always
// inspected, and every stderr then stdout line is scanned when the child
// exited non-zero. Patterns are matched case-insensitively as
// substrings.
func DetectModelError(patterns []string, stdout, stderr string, exitedNonZero bool) (matched bool, message string) {
	normalized := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	if len(normalized) == 0 {
		return false, ""
	}

	for _, line := range splitNonBlankLines(stdout) {
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		t := strAt(obj, "type")
		if t != "error" && t != "turn.failed" {
			continue
		}
		candidates := []string{strAt(obj, "message")}
		if errObj, ok := obj["error"].(map[string]any); ok {
			candidates = append(candidates, strAt(errObj, "message"))
		}
		candidates = append(candidates, line)
		for _, c := range candidates {
			if matchesAny(strings.ToLower(c), normalized) {
				return true, c
			}
		}
	}

	if exitedNonZero {
		for _, line := range splitNonBlankLines(stderr) {
			if matchesAny(strings.ToLower(line), normalized) {
				return true, line
			}
		}
		for _, line := range splitNonBlankLines(stdout) {
			if matchesAny(strings.ToLower(line), normalized) {
				return true, line
			}
		}
	}

	return false, ""
}

func matchesAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
