package domain

import (
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
)

// Caller identifies who is asking for an entry match; the zero value is an
// anonymous non-admin caller.
type Caller struct {
	UserID    string
	GroupID   string
	SessionID string
	IsAdmin   bool
}

// APIEntry is a single registered remote endpoint plus its activation rules.
// Entries are built through ParseEntry/MergeEntry so every instance carries
// normalized fields and compiled keyword patterns.
type APIEntry struct {
	Name     string
	URL      string
	Type     DataType
	Params   map[string]string
	Parse    string
	Enabled  bool
	Scope    []string
	Keywords []string
	Cron     string
	Valid    bool
	Site     string

	// Overrides carries request-scoped parameter values attached by callers
	// to a matched copy; never set on registry-owned entries.
	Overrides map[string]string

	patterns []*regexp.Regexp
}

// normalize trims fields, defaults keywords to the entry name and compiles
// keyword patterns. Invalid regexps are logged and skipped, not fatal.
func (e *APIEntry) normalize() {
	e.Name = strings.TrimSpace(e.Name)
	e.URL = strings.TrimSpace(e.URL)
	if e.Params == nil {
		e.Params = map[string]string{}
	}
	e.Scope = cleanStrings(e.Scope)
	e.Keywords = cleanStrings(e.Keywords)
	if len(e.Keywords) == 0 && e.Name != "" {
		e.Keywords = []string{e.Name}
	}
	e.Site = strings.TrimSpace(e.Site)

	e.patterns = e.patterns[:0]
	for _, kw := range e.Keywords {
		p, err := regexp.Compile(kw)
		if err != nil {
			log.Printf("[WARN] entry %s: keyword regex %q ignored: %v", e.Name, kw, err)
			continue
		}
		e.patterns = append(e.patterns, p)
	}
}

// Clone returns a deep copy safe for request-scoped mutation
func (e *APIEntry) Clone() *APIEntry {
	c := *e
	c.Params = copyMap(e.Params)
	c.Scope = append([]string(nil), e.Scope...)
	c.Keywords = append([]string(nil), e.Keywords...)
	c.Overrides = copyMap(e.Overrides)
	c.patterns = append([]*regexp.Regexp(nil), e.patterns...)
	return &c
}

// BaseURL returns scheme://host of the entry URL, or the raw URL when it
// doesn't parse as an absolute URL
func (e *APIEntry) BaseURL() string {
	u, err := url.Parse(e.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return e.URL
	}
	return u.Scheme + "://" + u.Host
}

// CronEnabled reports whether the entry carries a 5-field cron expression
// and is enabled
func (e *APIEntry) CronEnabled() bool {
	return e.Enabled && len(strings.Fields(e.Cron)) == 5
}

// MatchKeywords reports whether any compiled keyword pattern matches text
func (e *APIEntry) MatchKeywords(text string) bool {
	for _, p := range e.patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// AllowScope applies the scope gate: an empty scope list allows anyone, the
// literal "admin" token allows any admin caller, other tokens compare against
// the caller's user, group and session ids.
func (e *APIEntry) AllowScope(c Caller) bool {
	if len(e.Scope) == 0 {
		return true
	}
	for _, s := range e.Scope {
		if s == "admin" && c.IsAdmin {
			return true
		}
		if s != "" && (s == c.UserID || s == c.GroupID || s == c.SessionID) {
			return true
		}
	}
	return false
}

// Activates runs all activation gates: enabled, valid, scope and keywords
func (e *APIEntry) Activates(text string, c Caller) bool {
	if !e.Enabled || !e.Valid {
		return false
	}
	if !e.AllowScope(c) {
		return false
	}
	return e.MatchKeywords(text)
}

// Display renders the entry as human-readable text, parseable back by
// ParseDisplayText
func (e *APIEntry) Display() string {
	return fmt.Sprintf("api name: %s\napi url: %s\napi type: %s\nparams: %s\nparse path: %s\n"+
		"enabled: %t\nscope: %s\nregex triggers: %s\ncron trigger: %s\nvalid: %t",
		e.Name, e.URL, e.Type, formatMap(e.Params), e.Parse,
		e.Enabled, formatList(e.Scope), formatList(e.Keywords), e.Cron, e.Valid)
}

// ToPayload converts the entry back to a loose payload map, used for merge
// updates and pool export
func (e *APIEntry) ToPayload() map[string]any {
	params := map[string]any{}
	for k, v := range e.Params {
		params[k] = v
	}
	return map[string]any{
		"name":     e.Name,
		"url":      e.URL,
		"type":     string(e.Type),
		"params":   params,
		"parse":    e.Parse,
		"enabled":  e.Enabled,
		"scope":    toAnyList(e.Scope),
		"keywords": toAnyList(e.Keywords),
		"cron":     e.Cron,
		"valid":    e.Valid,
		"site":     e.Site,
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func toAnyList(ss []string) []any {
	res := make([]any, 0, len(ss))
	for _, s := range ss {
		res = append(res, s)
	}
	return res
}
