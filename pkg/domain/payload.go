package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseEntry builds a validated APIEntry from a loosely typed payload,
// coercing booleans and string lists the way imported pool files and
// dashboard requests supply them. Missing name or url is an error.
func ParseEntry(raw map[string]any) (*APIEntry, error) {
	name := strings.TrimSpace(asString(raw["name"]))
	if name == "" {
		return nil, fmt.Errorf("api name is required")
	}
	u := strings.TrimSpace(asString(raw["url"]))
	if u == "" {
		return nil, fmt.Errorf("api url is required")
	}

	dt, err := ParseDataType(strings.TrimSpace(strings.ToLower(asString(raw["type"]))))
	if err != nil {
		return nil, fmt.Errorf("api %s: %w", name, err)
	}

	e := &APIEntry{
		Name:     name,
		URL:      u,
		Type:     dt,
		Params:   asStringMap(raw["params"]),
		Parse:    asString(raw["parse"]),
		Enabled:  asBool(raw["enabled"], true),
		Scope:    asStringList(raw["scope"]),
		Keywords: asStringList(raw["keywords"]),
		Cron:     strings.TrimSpace(asString(raw["cron"])),
		Valid:    asBool(raw["valid"], true),
		Site:     asString(raw["site"]),
	}
	e.normalize()
	return e, nil
}

// MergeEntry applies a partial payload over an existing entry and
// re-normalizes, returning a fresh entry. Used by update operations.
func MergeEntry(base *APIEntry, patch map[string]any) (*APIEntry, error) {
	merged := base.ToPayload()
	for k, v := range patch {
		merged[k] = v
	}
	return ParseEntry(merged)
}

// ParseSite builds a validated SiteEntry from a loosely typed payload
func ParseSite(raw map[string]any) (*SiteEntry, error) {
	name := strings.TrimSpace(asString(raw["name"]))
	if name == "" {
		return nil, fmt.Errorf("site name is required")
	}
	u := strings.TrimSpace(asString(raw["url"]))
	if u == "" {
		return nil, fmt.Errorf("site url is required")
	}

	s := &SiteEntry{
		Name:    name,
		URL:     u,
		Enabled: asBool(raw["enabled"], true),
		Headers: asStringMap(raw["headers"]),
		Keys:    asStringMap(raw["keys"]),
		Timeout: asInt(raw["timeout"], 60),
	}
	s.normalize()
	return s, nil
}

// MergeSite applies a partial payload over an existing site and re-normalizes
func MergeSite(base *SiteEntry, patch map[string]any) (*SiteEntry, error) {
	merged := base.ToPayload()
	for k, v := range patch {
		merged[k] = v
	}
	return ParseSite(merged)
}

// ParseDisplayText parses the Display() rendering back into a payload map,
// returns nil for empty input. Lines it doesn't recognize are skipped.
func ParseDisplayText(text string) map[string]any {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	fieldMap := map[string]string{
		"api name":       "name",
		"api url":        "url",
		"api type":       "type",
		"params":         "params",
		"parse path":     "parse",
		"enabled":        "enabled",
		"scope":          "scope",
		"regex triggers": "keywords",
		"cron trigger":   "cron",
		"valid":          "valid",
	}
	data := map[string]any{}
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field, known := fieldMap[strings.TrimSpace(key)]
		if !known {
			continue
		}
		value = strings.TrimSpace(value)
		switch field {
		case "params", "scope", "keywords":
			var parsed any
			if value != "" && json.Unmarshal([]byte(value), &parsed) == nil {
				data[field] = parsed
			} else if field == "params" {
				data[field] = map[string]any{}
			} else {
				data[field] = []any{}
			}
		case "enabled", "valid":
			data[field] = strings.EqualFold(value, "true")
		default:
			data[field] = value
		}
	}
	return data
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case float64:
		return trimFloat(s)
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}

func asBool(v any, def bool) bool {
	switch b := v.(type) {
	case nil:
		return def
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off", "":
			return false
		}
		return def
	case float64:
		return b != 0
	case int:
		return b != 0
	default:
		return def
	}
}

func asInt(v any, def int) int {
	switch n := v.(type) {
	case nil:
		return def
	case float64:
		return int(n)
	case int:
		return n
	case string:
		var parsed int
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%d", &parsed); err == nil {
			return parsed
		}
		return def
	default:
		return def
	}
}

func asStringMap(v any) map[string]string {
	res := map[string]string{}
	m, ok := v.(map[string]any)
	if !ok {
		if mm, sok := v.(map[string]string); sok {
			for k, val := range mm {
				res[k] = val
			}
		}
		return res
	}
	for k, val := range m {
		res[k] = asString(val)
	}
	return res
}

func asStringList(v any) []string {
	switch list := v.(type) {
	case nil:
		return nil
	case []string:
		return cleanStrings(list)
	case []any:
		res := make([]string, 0, len(list))
		for _, item := range list {
			res = append(res, asString(item))
		}
		return cleanStrings(res)
	case string:
		if s := strings.TrimSpace(list); s != "" {
			return []string{s}
		}
		return nil
	default:
		return nil
	}
}

func cleanStrings(ss []string) []string {
	res := make([]string, 0, len(ss))
	for _, s := range ss {
		if t := strings.TrimSpace(s); t != "" {
			res = append(res, t)
		}
	}
	return res
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

func formatMap(m map[string]string) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func formatList(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}
