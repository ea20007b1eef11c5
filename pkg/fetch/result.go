package fetch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Result is the transient outcome of one HTTP call. Text and Body are
// mutually exclusive: Body is set for binary payloads, Text for JSON and
// other textual content types.
type Result struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	FinalURL    string `json:"final_url"`
	Text        string `json:"text,omitempty"`
	Body        []byte `json:"-"`
	Err         string `json:"error,omitempty"`
}

// OK reports whether the network step succeeded
func (r *Result) OK() bool { return r.Err == "" }

// IsBinary reports whether the result carries a binary payload
func (r *Result) IsBinary() bool { return r.Body != nil }

// IsText reports whether the result carries a textual payload
func (r *Result) IsText() bool { return r.Err == "" && r.Body == nil }

// ParseNested extracts a nested value from a JSON body by the entry's parse
// rule and replaces Text with its rendering. Non-JSON bodies and missing
// paths degrade gracefully, never error.
func (r *Result) ParseNested(rule string) *Result {
	if r.Text == "" || rule == "" {
		return r
	}
	var data any
	if err := json.Unmarshal([]byte(r.Text), &data); err != nil {
		return r
	}
	r.Text = renderValue(ExtractPath(data, rule))
	return r
}

// ExtractHTMLText reduces a full HTML document to its visible text. Only
// bodies starting with a doctype declaration are treated as documents,
// fragments pass through untouched.
func (r *Result) ExtractHTMLText() *Result {
	const doctype = "<!doctype html>"
	trimmed := strings.TrimSpace(r.Text)
	if len(trimmed) < len(doctype) || !strings.EqualFold(trimmed[:len(doctype)], doctype) {
		return r
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(r.Text))
	if err != nil {
		return r
	}
	r.Text = strings.Join(strings.Fields(doc.Text()), " ")
	return r
}

var urlPattern = regexp.MustCompile(`(?i)https?://[^\s<>"{}|\\^` + "`" + `\[\]')(),;]+\b`)

// ExtractURLs returns the unique absolute HTTP(S) URLs embedded in the text
func (r *Result) ExtractURLs() []string {
	if r.Text == "" {
		return nil
	}

	var valid []string
	seen := map[string]struct{}{}
	for _, raw := range urlPattern.FindAllString(r.Text, -1) {
		raw = strings.Trim(raw, `"'`)
		if unescaped, err := url.QueryUnescape(raw); err == nil {
			raw = unescaped
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		scheme := strings.ToLower(parsed.Scheme)
		if (scheme != "http" && scheme != "https") || parsed.Host == "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		valid = append(valid, raw)
	}
	return valid
}

var errorFieldKeywords = []string{"error", "invalid", "fail", "denied", "unauthorized", "forbidden"}

var htmlErrorPhrases = []string{
	"access denied", "forbidden", "unauthorized", "not found", "bad request",
	"service unavailable", "too many requests", "error 403", "error 404", "error 500",
}

// Valid classifies business validity: network and HTTP status first, then
// shape-specific rules for binary, JSON, HTML and plain text payloads.
// A JSON content type whose body fails to parse is treated as valid plain
// text, many endpoints mislabel their responses.
func (r *Result) Valid() bool {
	if !r.OK() {
		return false
	}
	if r.Status < 200 || r.Status >= 300 {
		return false
	}

	if r.IsBinary() {
		return len(r.Body) > 0
	}

	text := strings.TrimSpace(r.Text)
	if text == "" {
		return false
	}

	ct := strings.ToLower(r.ContentType)
	looksJSON := strings.Contains(ct, "application/json") ||
		(strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")) ||
		(strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]"))

	if looksJSON {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return true
		}
		obj, isObj := parsed.(map[string]any)
		if !isObj {
			return true
		}
		if code, isNum := obj["code"].(float64); isNum && code != 0 && code != 200 {
			return false
		}
		for _, key := range []string{"error", "err", "message", "msg"} {
			val, isStr := obj[key].(string)
			if !isStr {
				continue
			}
			lowered := strings.ToLower(val)
			for _, kw := range errorFieldKeywords {
				if strings.Contains(lowered, kw) {
					return false
				}
			}
		}
		return true
	}

	if strings.Contains(ct, "text/html") || strings.Contains(strings.ToLower(text), "<html") {
		lowered := strings.ToLower(text)
		for _, phrase := range htmlErrorPhrases {
			if strings.Contains(lowered, phrase) {
				return false
			}
		}
	}
	return true
}

// TestReason returns a short human-readable verdict for batch test reports
func (r *Result) TestReason() string {
	switch {
	case r.Err != "":
		return r.Err
	case r.Status == 0:
		return "no HTTP status"
	case r.Status < 200 || r.Status >= 300:
		return fmt.Sprintf("HTTP %d", r.Status)
	case r.IsBinary() && len(r.Body) == 0:
		return "empty binary response"
	case r.IsText() && strings.TrimSpace(r.Text) == "":
		return "empty text response"
	case !r.Valid():
		return "business validation failed"
	}
	return "ok"
}

var previewReplacer = strings.NewReplacer("\r", " ", "\n", " ")

// Preview renders a truncated single-line body preview for progress events
func (r *Result) Preview(limit int) string {
	if r.Text != "" {
		text := previewReplacer.Replace(strings.TrimSpace(r.Text))
		// limit counts characters, not bytes, payloads are often CJK
		if runes := []rune(text); len(runes) > limit {
			return string(runes[:limit]) + "..."
		}
		return text
	}
	if len(r.Body) > 0 {
		return fmt.Sprintf("<binary %d bytes>", len(r.Body))
	}
	return ""
}

// renderValue turns an extracted JSON value into display text: maps become
// indented key-value blocks, lists render their items separated by blank
// lines, scalars stringify.
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case map[string]any:
		return strings.TrimSpace(renderMap(t, 0))
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, renderValue(item))
		}
		return strings.Join(parts, "\n\n")
	default:
		return formatScalar(t)
	}
}

// renderMap renders keys in sorted order so the same payload always
// produces the same text. The returned block is untrimmed, callers trim
// once at the top so nested indentation survives.
func renderMap(m map[string]any, level int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	indent := strings.Repeat("  ", level)
	var b strings.Builder
	for _, k := range keys {
		switch val := m[k].(type) {
		case map[string]any:
			b.WriteString(indent + k + ":\n")
			b.WriteString(renderMap(val, level+1))
		case []any:
			for _, item := range val {
				b.WriteString("\n\n")
				if nested, isMap := item.(map[string]any); isMap {
					b.WriteString(renderMap(nested, level))
				} else {
					b.WriteString(indent + formatScalar(item) + "\n")
				}
			}
		default:
			b.WriteString(fmt.Sprintf("%s%s: %s\n", indent, k, formatScalar(val)))
		}
	}
	return b.String()
}

func formatScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
