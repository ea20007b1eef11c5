package domain

import "strings"

// SiteEntry groups entries under a base URL prefix and supplies shared
// headers, auth keys and request timeout to every entry it vests.
type SiteEntry struct {
	Name    string
	URL     string
	Enabled bool
	Headers map[string]string
	Keys    map[string]string
	Timeout int // seconds
}

func (s *SiteEntry) normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.URL = strings.TrimSpace(s.URL)
	if s.Headers == nil {
		s.Headers = map[string]string{}
	}
	if s.Keys == nil {
		s.Keys = map[string]string{}
	}
}

// Vests reports whether the full URL falls under this site's URL prefix
func (s *SiteEntry) Vests(fullURL string) bool {
	return s.URL != "" && strings.HasPrefix(fullURL, s.URL)
}

// Clone returns a deep copy of the site entry
func (s *SiteEntry) Clone() *SiteEntry {
	c := *s
	c.Headers = copyMap(s.Headers)
	c.Keys = copyMap(s.Keys)
	return &c
}

// ToPayload converts the site back to a loose payload map
func (s *SiteEntry) ToPayload() map[string]any {
	headers := map[string]any{}
	for k, v := range s.Headers {
		headers[k] = v
	}
	keys := map[string]any{}
	for k, v := range s.Keys {
		keys[k] = v
	}
	return map[string]any{
		"name":    s.Name,
		"url":     s.URL,
		"enabled": s.Enabled,
		"headers": headers,
		"keys":    keys,
		"timeout": s.Timeout,
	}
}
