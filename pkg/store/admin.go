package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

// CollectionInfo summarizes one dataset for listings
type CollectionInfo struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Count     int    `json:"count"`
	SizeBytes int64  `json:"size_bytes"`
	UpdatedAt int64  `json:"updated_at"`
	Path      string `json:"path"` // relative to the store root
}

// TextItem is one line of a text dataset with its index
type TextItem struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// FileItem is one stored binary file
type FileItem struct {
	Name      string `json:"name"`
	Path      string `json:"path"` // relative to the store root
	SizeBytes int64  `json:"size_bytes"`
	UpdatedAt int64  `json:"updated_at"`
}

// CollectionDetail is a collection summary plus its items
type CollectionDetail struct {
	CollectionInfo
	TextItems []TextItem `json:"text_items,omitempty"`
	FileItems []FileItem `json:"file_items,omitempty"`
}

// ListRequest filters, sorts and paginates collection listings.
// PageSize <= 0 returns everything on a single page.
type ListRequest struct {
	Page     int
	PageSize int
	Query    string
	Sort     string
	Types    []string
}

// Page is one page of collection summaries
type Page struct {
	Items      []CollectionInfo `json:"items"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	Total      int              `json:"total"`
	TotalPages int              `json:"total_pages"`
	Start      int              `json:"start"`
	End        int              `json:"end"`
}

// ItemSelector picks items to delete: Indexes for text datasets, Paths
// (store-relative) for binary datasets
type ItemSelector struct {
	Indexes []int    `json:"indexes,omitempty"`
	Paths   []string `json:"paths,omitempty"`
}

// DeleteResult reports an item deletion outcome
type DeleteResult struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
	Remain  int `json:"remain"`
}

func (s *Store) relPath(path string) string {
	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func isTextDataFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, textIndexSuffix)
}

func (s *Store) textSummary(path string) CollectionInfo {
	items := loadTextItems(path)
	var size, updated int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
		updated = fi.ModTime().Unix()
	}
	return CollectionInfo{
		Type:      string(domain.TypeText),
		Name:      strings.TrimSuffix(filepath.Base(path), ".json"),
		Count:     len(items),
		SizeBytes: size,
		UpdatedAt: updated,
		Path:      s.relPath(path),
	}
}

func (s *Store) binarySummary(t domain.DataType, dir string) CollectionInfo {
	var size, updated int64
	files := listBinaryFiles(dir)
	for _, f := range files {
		if fi, err := os.Stat(f); err == nil {
			size += fi.Size()
			if ts := fi.ModTime().Unix(); ts > updated {
				updated = ts
			}
		}
	}
	return CollectionInfo{
		Type:      string(t),
		Name:      filepath.Base(dir),
		Count:     len(files),
		SizeBytes: size,
		UpdatedAt: updated,
		Path:      s.relPath(dir),
	}
}

// ListCollections returns summaries of all datasets, sorted by type then name
func (s *Store) ListCollections() []CollectionInfo {
	var collections []CollectionInfo

	textDir := s.typeDir(domain.TypeText)
	if entries, err := os.ReadDir(textDir); err == nil {
		for _, e := range entries {
			if e.Type().IsRegular() && isTextDataFile(e.Name()) {
				collections = append(collections, s.textSummary(filepath.Join(textDir, e.Name())))
			}
		}
	}

	for _, t := range []domain.DataType{domain.TypeImage, domain.TypeVideo, domain.TypeAudio} {
		typeDir := s.typeDir(t)
		entries, err := os.ReadDir(typeDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				collections = append(collections, s.binarySummary(t, filepath.Join(typeDir, e.Name())))
			}
		}
	}

	sort.Slice(collections, func(i, j int) bool {
		if collections[i].Type != collections[j].Type {
			return collections[i].Type < collections[j].Type
		}
		return strings.ToLower(collections[i].Name) < strings.ToLower(collections[j].Name)
	})
	return collections
}

// ListPage filters, sorts and paginates collection summaries
func (s *Store) ListPage(req ListRequest) Page {
	items := filterCollections(s.ListCollections(), req.Query, req.Types)
	sortCollections(items, req.Sort)
	return paginate(items, req.Page, req.PageSize)
}

func filterCollections(items []CollectionInfo, query string, types []string) []CollectionInfo {
	typeSet := map[string]struct{}{}
	for _, t := range types {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			typeSet[t] = struct{}{}
		}
	}
	q := strings.ToLower(strings.TrimSpace(query))

	result := make([]CollectionInfo, 0, len(items))
	for _, item := range items {
		if len(typeSet) > 0 {
			if _, ok := typeSet[item.Type]; !ok {
				continue
			}
		}
		if q != "" && !strings.Contains(strings.ToLower(item.Name), q) &&
			!strings.Contains(item.Type, q) {
			continue
		}
		result = append(result, item)
	}
	return result
}

func sortCollections(items []CollectionInfo, rule string) {
	byName := func(i, j int) bool {
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	}
	less := byName
	desc := strings.HasSuffix(rule, "_desc")

	switch strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(rule), "_desc"), "_asc") {
	case "type":
		less = func(i, j int) bool {
			if items[i].Type != items[j].Type {
				return items[i].Type < items[j].Type
			}
			return byName(i, j)
		}
	case "count":
		less = func(i, j int) bool {
			if items[i].Count != items[j].Count {
				return items[i].Count < items[j].Count
			}
			return byName(i, j)
		}
	case "size":
		less = func(i, j int) bool {
			if items[i].SizeBytes != items[j].SizeBytes {
				return items[i].SizeBytes < items[j].SizeBytes
			}
			return byName(i, j)
		}
	case "updated":
		less = func(i, j int) bool {
			if items[i].UpdatedAt != items[j].UpdatedAt {
				return items[i].UpdatedAt < items[j].UpdatedAt
			}
			return byName(i, j)
		}
	}

	if desc {
		orig := less
		less = func(i, j int) bool { return orig(j, i) }
	}
	sort.SliceStable(items, less)
}

func paginate(items []CollectionInfo, page, pageSize int) Page {
	total := len(items)
	if pageSize <= 0 {
		start := 0
		if total > 0 {
			start = 1
		}
		return Page{Items: items, Page: 1, PageSize: total, Total: total, TotalPages: 1, Start: start, End: total}
	}
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}
	startIdx := (page - 1) * pageSize
	endIdx := startIdx + pageSize
	if endIdx > total {
		endIdx = total
	}
	start := 0
	if total > 0 {
		start = startIdx + 1
	}
	return Page{
		Items: items[startIdx:endIdx], Page: page, PageSize: pageSize,
		Total: total, TotalPages: totalPages, Start: start, End: endIdx,
	}
}

// CollectionItems returns the dataset summary together with its items
func (s *Store) CollectionItems(t domain.DataType, name string) (*CollectionDetail, error) {
	if t.Binary() {
		dir := s.binaryDir(t, name)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("binary dataset %s/%s: %w", t, name, ErrNotFound)
		}
		files := listBinaryFiles(dir)
		sort.Slice(files, func(i, j int) bool {
			return strings.ToLower(filepath.Base(files[i])) < strings.ToLower(filepath.Base(files[j]))
		})
		detail := &CollectionDetail{CollectionInfo: s.binarySummary(t, dir)}
		for _, f := range files {
			item := FileItem{Name: filepath.Base(f), Path: s.relPath(f)}
			if fi, err := os.Stat(f); err == nil {
				item.SizeBytes = fi.Size()
				item.UpdatedAt = fi.ModTime().Unix()
			}
			detail.FileItems = append(detail.FileItems, item)
		}
		return detail, nil
	}

	dataFile := s.textDataFile(t, name)
	if !fileExists(dataFile) {
		return nil, fmt.Errorf("text dataset %s/%s: %w", t, name, ErrNotFound)
	}
	detail := &CollectionDetail{CollectionInfo: s.textSummary(dataFile)}
	for idx, text := range loadTextItems(dataFile) {
		detail.TextItems = append(detail.TextItems, TextItem{Index: idx, Text: text})
	}
	return detail, nil
}

// DeleteCollection removes a whole dataset including its index, returning
// the number of items removed
func (s *Store) DeleteCollection(t domain.DataType, name string) (int, error) {
	lock := s.datasetLock(t, name)
	lock.Lock()
	defer lock.Unlock()

	if t.Binary() {
		dir := s.binaryDir(t, name)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return 0, fmt.Errorf("binary dataset %s/%s: %w", t, name, ErrNotFound)
		}
		deleted := len(listBinaryFiles(dir))
		if err := os.RemoveAll(dir); err != nil {
			return 0, fmt.Errorf("remove dataset dir: %w", err)
		}
		return deleted, nil
	}

	dataFile := s.textDataFile(t, name)
	if !fileExists(dataFile) {
		return 0, fmt.Errorf("text dataset %s/%s: %w", t, name, ErrNotFound)
	}
	if err := os.Remove(dataFile); err != nil {
		return 0, fmt.Errorf("remove dataset: %w", err)
	}
	_ = os.Remove(s.textIndexFile(t, name))
	return 1, nil
}

// DeleteItems removes selected items from a dataset and rewrites the hash
// index so future dedup stays correct. Deleting the last binary item
// removes the directory and its index.
func (s *Store) DeleteItems(t domain.DataType, name string, sel ItemSelector) (DeleteResult, error) {
	lock := s.datasetLock(t, name)
	lock.Lock()
	defer lock.Unlock()

	if t.Binary() {
		return s.deleteBinaryItems(t, name, sel.Paths)
	}
	return s.deleteTextItems(t, name, sel.Indexes)
}

func (s *Store) deleteTextItems(t domain.DataType, name string, indexes []int) (DeleteResult, error) {
	dataFile := s.textDataFile(t, name)
	if !fileExists(dataFile) {
		return DeleteResult{}, fmt.Errorf("text dataset %s/%s: %w", t, name, ErrNotFound)
	}

	unique := map[int]struct{}{}
	for _, idx := range indexes {
		if idx >= 0 {
			unique[idx] = struct{}{}
		}
	}
	if len(unique) == 0 {
		return DeleteResult{}, fmt.Errorf("text deletion requires at least one valid index")
	}

	items := loadTextItems(dataFile)
	sorted := make([]int, 0, len(unique))
	for idx := range unique {
		sorted = append(sorted, idx)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	result := DeleteResult{}
	for _, idx := range sorted {
		if idx >= len(items) {
			result.Failed++
			continue
		}
		items = append(items[:idx], items[idx+1:]...)
		result.Deleted++
	}
	if result.Deleted == 0 {
		return DeleteResult{}, fmt.Errorf("no valid items to delete")
	}

	if err := writeJSONFile(dataFile, items); err != nil {
		return DeleteResult{}, fmt.Errorf("rewrite dataset: %w", err)
	}
	rebuilt := make(map[string]struct{}, len(items))
	for _, item := range items {
		rebuilt[hashText(item)] = struct{}{}
	}
	if err := s.saveTextHashes(dataFile, s.textIndexFile(t, name), rebuilt); err != nil {
		return DeleteResult{}, fmt.Errorf("rewrite index: %w", err)
	}
	result.Remain = len(items)
	return result, nil
}

func (s *Store) deleteBinaryItems(t domain.DataType, name string, paths []string) (DeleteResult, error) {
	dir := s.binaryDir(t, name)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return DeleteResult{}, fmt.Errorf("binary dataset %s/%s: %w", t, name, ErrNotFound)
	}

	result := DeleteResult{}
	targets := map[string]string{} // file name -> absolute path
	for _, rel := range paths {
		rel = strings.TrimSpace(strings.ReplaceAll(rel, "\\", "/"))
		if rel == "" {
			result.Failed++
			continue
		}
		abs := filepath.Join(s.baseDir, filepath.FromSlash(rel))
		// items must live directly inside the dataset dir
		if filepath.Dir(abs) != dir || !fileExists(abs) {
			result.Failed++
			continue
		}
		targets[filepath.Base(abs)] = abs
	}
	if len(targets) == 0 {
		return DeleteResult{}, fmt.Errorf("binary deletion requires at least one valid path")
	}

	for _, abs := range targets {
		if err := os.Remove(abs); err != nil {
			return result, fmt.Errorf("remove item: %w", err)
		}
		result.Deleted++
	}

	indexFile := filepath.Join(dir, binaryIndexFile)
	index := loadBinaryIndex(indexFile)
	changed := false
	for hash, file := range index {
		if _, gone := targets[file]; gone {
			delete(index, hash)
			changed = true
		}
	}
	if changed {
		if len(index) > 0 {
			if err := saveBinaryIndex(indexFile, index); err != nil {
				return result, fmt.Errorf("rewrite index: %w", err)
			}
		} else {
			_ = os.Remove(indexFile)
		}
	}

	if remaining := listBinaryFiles(dir); len(remaining) == 0 {
		_ = os.Remove(indexFile)
		_ = os.Remove(dir)
	} else {
		result.Remain = len(remaining)
	}
	return result, nil
}
