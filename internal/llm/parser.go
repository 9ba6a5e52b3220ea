package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	reasoningCloseTags = []string{"</think>", "</thinking>", "</reasoning>", "</scratchpad>"}

	fenceRe         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	barePropRe      = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

var quoteGlyphs = strings.NewReplacer(
	"“", `"`, "”", `"`, // curly double quotes
	"‘", "'", "’", "'", // curly single quotes
	"«", `"`, "»", `"`, // guillemets
)

// ParseJSONResponse extracts the JSON document from a free-form model reply:
// leading reasoning blocks and code fences are stripped, the outermost JSON
// value is isolated, and common syntax damage is repaired. It never invents
// missing fields; when no JSON can be recovered, a parse error is returned.
func ParseJSONResponse(content string) (json.RawMessage, error) {
	s := StripReasoning(content)
	s = StripFences(s)
	s, ok := ExtractJSON(s)
	if !ok {
		return nil, &Error{Kind: KindParse, Message: "no JSON object or array in response"}
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}
	s = Sanitize(s)
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil || !json.Valid([]byte(repaired)) {
		return nil, &Error{Kind: KindParse, Message: fmt.Sprintf("unparseable response: %.120s", s), Err: err}
	}
	return json.RawMessage(repaired), nil
}

// DecodeInto parses the reply's JSON document into out.
func DecodeInto(content string, out any) error {
	raw, err := ParseJSONResponse(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindParse, Message: err.Error(), Err: err}
	}
	return nil
}

// StripReasoning drops everything up to and including the first closing
// reasoning tag, if one is present.
func StripReasoning(s string) string {
	for _, tag := range reasoningCloseTags {
		if idx := strings.Index(s, tag); idx >= 0 {
			return s[idx+len(tag):]
		}
	}
	return s
}

// StripFences unwraps the first triple-backtick fence, optionally tagged
// "json". Without a fence the input passes through unchanged.
func StripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// ExtractJSON isolates the substring from the first '{' or '[' to its
// matching closing bracket, respecting strings and escapes.
func ExtractJSON(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	// Unbalanced document: hand back the tail and let the repair pass try.
	return s[start:], true
}

// Sanitize normalizes glyph- and whitespace-level damage: zero-width
// characters, curly quotes, trailing commas, and bare property names.
// Control characters inside strings are escaped.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u2060':
			return -1
		}
		return r
	}, s)
	s = quoteGlyphs.Replace(s)
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = barePropRe.ReplaceAllString(s, `$1"$2":`)
	s = escapeControlChars(s)
	return s
}

// escapeControlChars escapes raw control characters occurring inside JSON
// string literals.
func escapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		switch {
		case r == '\\' && inString:
			b.WriteRune(r)
			escaped = true
		case r == '"':
			inString = !inString
			b.WriteRune(r)
		case inString && r < 0x20:
			switch r {
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				fmt.Fprintf(&b, `\u%04x`, r)
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
