// Package poolio imports and exports pool files: JSON arrays of api or site
// definitions kept in a dedicated directory. Exports are sanitized so a
// shared pool file never leaks runtime state, imports skip names that are
// already registered.
package poolio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

// PoolType selects which pool a file operation targets
type PoolType string

// supported pool types
const (
	PoolAPIs  PoolType = "api"
	PoolSites PoolType = "site"
)

// ParsePoolType accepts the common spellings of both pool names
func ParsePoolType(s string) (PoolType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "api", "apis", "api_pool":
		return PoolAPIs, nil
	case "site", "sites", "site_pool":
		return PoolSites, nil
	}
	return "", fmt.Errorf("unsupported pool type: %q", s)
}

// Registry is the pool side used by import and export
type Registry interface {
	Entries() []*domain.APIEntry
	Sites() []*domain.SiteEntry
	Entry(name string) *domain.APIEntry
	Site(name string) *domain.SiteEntry
	AddEntries(ctx context.Context, payloads []map[string]any) ([]*domain.APIEntry, error)
	AddSites(ctx context.Context, payloads []map[string]any) ([]*domain.SiteEntry, error)
}

// FileInfo describes one stored pool file
type FileInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
}

// DeleteResult partitions a batch file delete by outcome
type DeleteResult struct {
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

// ImportResult summarizes one pool import
type ImportResult struct {
	PoolType PoolType `json:"pool_type"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	FileName string   `json:"file_name,omitempty"`
}

// Service owns the pool files directory
type Service struct {
	registry Registry
	dir      string
}

// New creates the pool IO service rooted at dir
func New(registry Registry, dir string) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pool files dir: %w", err)
	}
	return &Service{registry: registry, dir: dir}, nil
}

// resolveFile validates a user-supplied pool file name: plain .json names
// inside the pool directory only
func (s *Service) resolveFile(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("file name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name: %q", name)
	}
	if strings.ToLower(filepath.Ext(name)) != ".json" {
		return "", fmt.Errorf("only .json files are supported")
	}
	path := filepath.Join(s.dir, name)
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return "", fmt.Errorf("file not found: %s", name)
	}
	return path, nil
}

// ListFiles returns the stored pool files sorted by name
func (s *Service) ListFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read pool files dir: %w", err)
	}
	files := []FileInfo{}
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".json" {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Name: e.Name(), Size: fi.Size(), ModifiedAt: fi.ModTime().Unix()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// DeleteFiles removes the named pool files, blank names are ignored
func (s *Service) DeleteFiles(names []string) DeleteResult {
	res := DeleteResult{Deleted: []string{}, Failed: []string{}}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		path, err := s.resolveFile(name)
		if err != nil {
			res.Failed = append(res.Failed, name)
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Printf("[WARN] delete pool file %s: %v", name, err)
			res.Failed = append(res.Failed, name)
			continue
		}
		res.Deleted = append(res.Deleted, name)
	}
	return res
}

// sanitized export rows drop runtime state: apis lose enabled, valid and the
// derived site name, sites lose enabled
func exportRow(pt PoolType, payload map[string]any) map[string]any {
	delete(payload, "enabled")
	if pt == PoolAPIs {
		delete(payload, "valid")
		delete(payload, "site")
	}
	return payload
}

func (s *Service) exportRows(pt PoolType) []map[string]any {
	var rows []map[string]any
	if pt == PoolSites {
		for _, site := range s.registry.Sites() {
			rows = append(rows, exportRow(pt, site.ToPayload()))
		}
		return rows
	}
	for _, entry := range s.registry.Entries() {
		rows = append(rows, exportRow(pt, entry.ToPayload()))
	}
	return rows
}

// Export writes a timestamped pool file into the pool directory and returns
// its path
func (s *Service) Export(pt PoolType) (string, error) {
	rows := s.exportRows(pt)
	if rows == nil {
		rows = []map[string]any{}
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s pool: %w", pt, err)
	}

	name := fmt.Sprintf("%s_pool_%s.json", pt, time.Now().Format("20060102_150405"))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write pool file: %w", err)
	}
	log.Printf("[INFO] exported %d %s pool rows to %s", len(rows), pt, name)
	return path, nil
}

// ImportBytes parses a JSON array of definitions and registers the rows
// whose names are not taken yet. Rows failing validation are counted, not
// fatal. The result reports imported, skipped and failed counts.
func (s *Service) ImportBytes(ctx context.Context, pt PoolType, raw []byte) (*ImportResult, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	var parsed []json.RawMessage
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("import file must be a JSON array: %w", err)
	}

	res := &ImportResult{PoolType: pt}
	var accepted []map[string]any
	pending := map[string]bool{}
	for _, item := range parsed {
		var row map[string]any
		if err := json.Unmarshal(item, &row); err != nil {
			res.Failed++
			continue
		}
		name, ok := s.acceptRow(pt, row)
		if !ok {
			res.Failed++
			continue
		}
		if s.taken(pt, name) || pending[name] {
			res.Skipped++
			continue
		}
		pending[name] = true
		accepted = append(accepted, row)
	}

	if len(accepted) > 0 {
		if err := s.register(ctx, pt, accepted); err != nil {
			return nil, err
		}
		res.Imported = len(accepted)
	}
	log.Printf("[INFO] %s pool import: %d imported, %d skipped, %d failed",
		pt, res.Imported, res.Skipped, res.Failed)
	return res, nil
}

// acceptRow validates a row through the domain parser without registering it
func (s *Service) acceptRow(pt PoolType, row map[string]any) (string, bool) {
	if pt == PoolSites {
		site, err := domain.ParseSite(row)
		if err != nil {
			return "", false
		}
		return site.Name, true
	}
	entry, err := domain.ParseEntry(row)
	if err != nil {
		return "", false
	}
	return entry.Name, true
}

func (s *Service) taken(pt PoolType, name string) bool {
	if pt == PoolSites {
		return s.registry.Site(name) != nil
	}
	return s.registry.Entry(name) != nil
}

func (s *Service) register(ctx context.Context, pt PoolType, rows []map[string]any) error {
	if pt == PoolSites {
		if _, err := s.registry.AddSites(ctx, rows); err != nil {
			return fmt.Errorf("register imported sites: %w", err)
		}
		return nil
	}
	if _, err := s.registry.AddEntries(ctx, rows); err != nil {
		return fmt.Errorf("register imported apis: %w", err)
	}
	return nil
}

// ImportFile imports a previously stored pool file by name
func (s *Service) ImportFile(ctx context.Context, pt PoolType, fileName string) (*ImportResult, error) {
	path, err := s.resolveFile(fileName)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool file: %w", err)
	}
	res, err := s.ImportBytes(ctx, pt, raw)
	if err != nil {
		return nil, err
	}
	res.FileName = filepath.Base(path)
	return res, nil
}
