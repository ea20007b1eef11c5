package verifier

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
	"github.com/Zhalslar/api-aggregator/pkg/fetch"
)

// Registry is the entry lookup and validity side used by the service
type Registry interface {
	Entries() []*domain.APIEntry
	Entry(name string) *domain.APIEntry
	SetValid(ctx context.Context, names []string, valid bool) (updated, unknown []string, err error)
}

// ContentStore persists previewed content the same way acquisition does
type ContentStore interface {
	Save(res *domain.DataResource) error
	BaseDir() string
}

// Selection narrows a batch test run. All criteria empty selects every entry.
// Names are resolved first, then the site and query filters apply.
type Selection struct {
	Names []string
	Sites []string
	Query string
}

// Detail is the outcome of a single-entry preview test
type Detail struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Valid       bool   `json:"valid"`
	Duplicate   bool   `json:"is_duplicate"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	FinalURL    string `json:"final_url"`
	Reason      string `json:"reason"`
	Preview     string `json:"preview"`
	SavedType   string `json:"saved_type,omitempty"`
	SavedText   string `json:"saved_text,omitempty"`
	SavedPath   string `json:"saved_path,omitempty"`
	FileURL     string `json:"saved_file_url,omitempty"`
}

// Service selects entries, fills runtime test parameters and runs either a
// streamed batch test or a single-entry preview.
type Service struct {
	verifier *Verifier
	client   *fetch.Client
	store    ContentStore
	registry Registry
}

// NewService wires the batch verifier with the shared fetch client
func NewService(verifier *Verifier, client *fetch.Client, store ContentStore, registry Registry) *Service {
	return &Service{verifier: verifier, client: client, store: store, registry: registry}
}

// StreamTests resolves the selection, fills test defaults for blank
// parameters and streams the batch run
func (s *Service) StreamTests(ctx context.Context, sel Selection) <-chan Event {
	entries := s.selectEntries(sel)
	for _, e := range entries {
		applyTestDefaults(e)
	}
	log.Printf("[INFO] batch test started, %d entries", len(entries))
	return s.verifier.Stream(ctx, entries)
}

// selectEntries returns clones, safe for override mutation
func (s *Service) selectEntries(sel Selection) []*domain.APIEntry {
	var entries []*domain.APIEntry
	if len(sel.Names) > 0 {
		seen := map[string]bool{}
		for _, name := range sel.Names {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			if e := s.registry.Entry(name); e != nil {
				entries = append(entries, e)
			}
		}
	} else {
		entries = s.registry.Entries()
	}

	if len(sel.Sites) > 0 {
		sites := map[string]bool{}
		for _, site := range sel.Sites {
			sites[strings.TrimSpace(site)] = true
		}
		kept := entries[:0]
		for _, e := range entries {
			if sites[e.Site] {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	if q := strings.ToLower(strings.TrimSpace(sel.Query)); q != "" {
		kept := entries[:0]
		for _, e := range entries {
			if entryMatchesQuery(e, q) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	return entries
}

func entryMatchesQuery(e *domain.APIEntry, q string) bool {
	if strings.Contains(strings.ToLower(e.Name), q) || strings.Contains(strings.ToLower(e.URL), q) {
		return true
	}
	for _, kw := range e.Keywords {
		if strings.Contains(strings.ToLower(kw), q) {
			return true
		}
	}
	return false
}

// applyTestDefaults fills request overrides for parameters left blank in the
// entry definition, so test calls carry plausible values
func applyTestDefaults(e *domain.APIEntry) {
	for key, value := range e.Params {
		if strings.TrimSpace(value) != "" {
			continue
		}
		if e.Overrides == nil {
			e.Overrides = map[string]string{}
		}
		e.Overrides[key] = defaultTestParam(key)
	}
}

func defaultTestParam(key string) string {
	name := strings.ToLower(strings.TrimSpace(key))
	switch {
	case name == "":
		return "test"
	case strings.Contains(name, "page"), strings.Contains(name, "size"), strings.HasSuffix(name, "id"):
		return "1"
	case strings.Contains(name, "time"), strings.Contains(name, "ts"):
		return strconv.FormatInt(time.Now().UnixMilli(), 10)
	default:
		return "test"
	}
}

// Preview tests one entry definition end to end: full fetch pipeline, save
// on success, and validity recorded when the name is registered. The payload
// does not have to belong to a registered entry, so unsaved edits can be
// previewed.
func (s *Service) Preview(ctx context.Context, payload map[string]any) (*Detail, error) {
	entry, err := domain.ParseEntry(payload)
	if err != nil {
		return nil, fmt.Errorf("parse entry: %w", err)
	}
	applyTestDefaults(entry)

	result := s.client.Fetch(ctx, entry)
	detail := &Detail{
		Name:        entry.Name,
		URL:         entry.URL,
		Valid:       result.Valid(),
		Status:      result.Status,
		ContentType: result.ContentType,
		FinalURL:    result.FinalURL,
		Reason:      result.TestReason(),
		Preview:     result.Preview(previewLimit),
	}

	if detail.Valid {
		s.saveDetail(entry, result, detail)
	}

	if s.registry.Entry(entry.Name) != nil {
		if _, _, err := s.registry.SetValid(ctx, []string{entry.Name}, detail.Valid); err != nil {
			log.Printf("[WARN] preview: recording valid=%t for %s failed: %v", detail.Valid, entry.Name, err)
		}
	}
	return detail, nil
}

func (s *Service) saveDetail(entry *domain.APIEntry, result *fetch.Result, detail *Detail) {
	res := &domain.DataResource{
		Type:   entry.Type,
		Name:   entry.Name,
		Text:   result.Text,
		Binary: result.Body,
	}
	if err := s.store.Save(res); err != nil {
		detail.Valid = false
		detail.Reason = "save failed: " + err.Error()
		return
	}

	detail.Duplicate = res.Duplicate
	if res.Duplicate {
		detail.Reason += " | duplicate data detected: skipped saving and reused local data"
	}
	if res.SavedText != "" {
		detail.SavedType = "text"
		detail.SavedText = res.SavedText
		detail.SavedPath = s.storeRel(res.SavedPath)
		return
	}
	if res.SavedPath != "" {
		detail.SavedType = "file"
		detail.SavedPath = s.storeRel(res.SavedPath)
		detail.FileURL = "/api/local-file?path=" + url.QueryEscape(detail.SavedPath)
	}
}

func (s *Service) storeRel(path string) string {
	rel, err := filepath.Rel(s.store.BaseDir(), path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
