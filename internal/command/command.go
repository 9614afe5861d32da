// Package command extracts the structured directives the model embeds in its
// replies, e.g. {"action":"set_quantity","quantity":5}.
package command

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Kind names a command.
type Kind string

const (
	SelectService   Kind = "select_service"
	SetMeasures     Kind = "set_measures"
	SetQuantity     Kind = "set_quantity"
	SetFinishes     Kind = "set_finishes"
	SetObservations Kind = "set_observations"
	ValidateFile    Kind = "validate_file"
	ListServices    Kind = "list_services"
	ConfirmOrder    Kind = "confirm_order"
	RequestHuman    Kind = "request_human"
	FlagAbuse       Kind = "flag_abuse"
	CancelOrder     Kind = "cancel_order"
)

// Command is one parsed directive. Payload holds every field except the
// action itself.
type Command struct {
	Kind    Kind
	Payload map[string]any
	Raw     string
}

func (c Command) String() string {
	return fmt.Sprintf("%s%v", c.Kind, c.Payload)
}

// Str returns a string field, trimmed.
func (c Command) Str(key string) string {
	switch v := c.Payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// Float returns a finite numeric field. Strings are accepted and a comma is
// read as the decimal separator; NaN and infinities are not numbers here.
func (c Command) Float(key string) (float64, bool) {
	var f float64
	switch v := c.Payload[key].(type) {
	case float64:
		f = v
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(v, ",", "."))
		s = strings.TrimSuffix(s, "m")
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Has reports whether the payload carries key at all.
func (c Command) Has(key string) bool {
	_, ok := c.Payload[key]
	return ok
}

// Int returns an integral numeric field within the int32 range.
func (c Command) Int(key string) (int, bool) {
	f, ok := c.Float(key)
	if !ok || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// Bool returns a boolean field. "true"/"si"/"sí" strings count as true.
func (c Command) Bool(key string) (bool, bool) {
	switch v := c.Payload[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "si", "sí", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	}
	return false, false
}

// BoolMap returns an object field whose values are booleans. Non-boolean
// entries are dropped.
func (c Command) BoolMap(key string) map[string]bool {
	raw, ok := c.Payload[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		if b, ok := (Command{Payload: map[string]any{"v": v}}).Bool("v"); ok {
			out[k] = b
		}
	}
	return out
}

// fragment is one brace-delimited span of the text.
type fragment struct {
	start, end int
	text       string
}

// scan returns the top-level {...} spans, honoring nesting and quoted strings.
// An unbalanced trailing span is ignored.
func scan(text string) []fragment {
	var out []fragment
	depth, start := 0, -1
	var quote byte
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				quote = ch
			}
		case '\'':
			// Apostrophes in prose inside an object ("it's") would swallow the
			// rest; only treat them as quotes after ':' ',' '{' or '['.
			if depth > 0 && opensValue(text[:i]) {
				quote = ch
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, fragment{start: start, end: i + 1, text: text[start : i+1]})
			}
		}
	}
	return out
}

func opensValue(before string) bool {
	s := strings.TrimRight(before, " \t\r\n")
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case ':', ',', '{', '[':
		return true
	}
	return false
}

// sanitize repairs the drift models commonly produce: unquoted keys,
// single-quoted strings and trailing commas. String contents are copied
// through untouched.
func sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 16)
	expectKey := false

	for i := 0; i < len(s); {
		ch := s[i]
		switch {
		case ch == '"':
			j, _ := stringEnd(s, i)
			sb.WriteString(s[i:j])
			i, expectKey = j, false
		case ch == '\'' && opensValue(s[:i]):
			j, closed := stringEnd(s, i)
			if !closed {
				sb.WriteString(s[i:])
				return sb.String()
			}
			inner := strings.ReplaceAll(s[i+1:j-1], `\'`, `'`)
			b, _ := json.Marshal(inner)
			sb.Write(b)
			i, expectKey = j, false
		case ch == ',':
			if k := skipSpace(s, i+1); k < len(s) && (s[k] == '}' || s[k] == ']') {
				i++
				continue
			}
			sb.WriteByte(ch)
			i, expectKey = i+1, true
		case ch == '{':
			sb.WriteByte(ch)
			i, expectKey = i+1, true
		case expectKey && isIdentStart(ch):
			j := i + 1
			for j < len(s) && (isIdentStart(s[j]) || (s[j] >= '0' && s[j] <= '9')) {
				j++
			}
			if k := skipSpace(s, j); k < len(s) && s[k] == ':' {
				sb.WriteString(`"` + s[i:j] + `"`)
			} else {
				sb.WriteString(s[i:j])
			}
			i, expectKey = j, false
		default:
			if ch != ' ' && ch != '\t' && ch != '\n' && ch != '\r' {
				expectKey = false
			}
			sb.WriteByte(ch)
			i++
		}
	}
	return sb.String()
}

// stringEnd returns the index just past the string literal opening at i.
// An unterminated literal runs to the end of s and reports false.
func stringEnd(s string, i int) (int, bool) {
	quote := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case quote:
			return j + 1, true
		}
	}
	return len(s), false
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func parse(raw string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj, nil
	}
	if err := json.Unmarshal([]byte(sanitize(raw)), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

var actionKeys = []string{"action", "command", "accion"}

func toCommand(obj map[string]any, raw string) (Command, bool) {
	var kind string
	payload := make(map[string]any, len(obj))
	for k, v := range obj {
		payload[k] = v
	}
	for _, key := range actionKeys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			kind = s
			delete(payload, key)
			break
		}
	}
	if kind == "" {
		return Command{}, false
	}

	// {"action":"x","data":{...}} is flattened into the payload.
	for _, key := range []string{"data", "params", "payload"} {
		if nested, ok := payload[key].(map[string]any); ok {
			delete(payload, key)
			for k, v := range nested {
				if _, exists := payload[k]; !exists {
					payload[k] = v
				}
			}
		}
	}

	return Command{Kind: normalizeKind(kind), Payload: payload, Raw: raw}, true
}

func normalizeKind(s string) Kind {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return Kind(s)
}

// Extract returns the commands embedded in text in order of appearance.
// Fragments that fail to parse or carry no action are logged and dropped.
func Extract(text string) []Command {
	var cmds []Command
	for _, f := range scan(text) {
		obj, err := parse(f.text)
		if err != nil {
			slog.Warn("discarding malformed command", "fragment", truncate(f.text, 200), "error", err)
			continue
		}
		cmd, ok := toCommand(obj, f.text)
		if !ok {
			slog.Debug("ignoring object without action", "fragment", truncate(f.text, 200))
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// Strip removes every protocol fragment from text and tidies the
// whitespace left behind. A fragment is protocol when it parses as an
// object, with or without an action, or mentions an action key. Braces in
// prose that are neither, such as "{ancho}x{alto}", are kept.
func Strip(text string) string {
	frags := scan(text)
	if len(frags) == 0 {
		return strings.TrimSpace(text)
	}

	var sb strings.Builder
	last := 0
	for _, f := range frags {
		if !isProtocol(f.text) {
			continue
		}
		sb.WriteString(text[last:f.start])
		last = f.end
	}
	sb.WriteString(text[last:])
	return tidy(sb.String())
}

func isProtocol(fragment string) bool {
	if _, err := parse(fragment); err == nil {
		return true
	}
	lower := strings.ToLower(fragment)
	for _, key := range actionKeys {
		if strings.Contains(lower, key) {
			return true
		}
	}
	return false
}

var (
	blankRuns  = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t]{2,}`)
	emptyFence = regexp.MustCompile("(?m)^```(?:json)?\\s*\n?```\\s*$")
)

func tidy(s string) string {
	s = emptyFence.ReplaceAllString(s, "")
	s = spaceRuns.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
