package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

// sentinel errors for fallback reads
var (
	ErrNotFound = errors.New("dataset not found")
	ErrEmpty    = errors.New("dataset is empty")
)

// Store is the content-addressed local cache. Text datasets are JSON arrays
// of strings with a side hash index, binary datasets are directories of
// hash-named files with a hash-to-file index. Saves are deduplicated by
// SHA-256 of the content.
type Store struct {
	baseDir string

	locksGuard sync.Mutex
	locks      map[lockKey]*sync.Mutex
}

type lockKey struct {
	dataType domain.DataType
	name     string
}

// New creates a store rooted at baseDir, creating per-type directories
func New(baseDir string) (*Store, error) {
	s := &Store{baseDir: baseDir, locks: map[lockKey]*sync.Mutex{}}
	for _, t := range domain.DataTypes() {
		if err := os.MkdirAll(s.typeDir(t), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", t, err)
		}
	}
	return s, nil
}

// BaseDir returns the store root directory
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) typeDir(t domain.DataType) string {
	return filepath.Join(s.baseDir, string(t))
}

func (s *Store) textDataFile(t domain.DataType, name string) string {
	return filepath.Join(s.typeDir(t), name+t.Ext())
}

func (s *Store) textIndexFile(t domain.DataType, name string) string {
	return filepath.Join(s.typeDir(t), name+textIndexSuffix)
}

func (s *Store) binaryDir(t domain.DataType, name string) string {
	return filepath.Join(s.typeDir(t), name)
}

// datasetLock returns the per-dataset mutex, creating it under the guard
// lock on first use
func (s *Store) datasetLock(t domain.DataType, name string) *sync.Mutex {
	key := lockKey{dataType: t, name: name}
	s.locksGuard.Lock()
	defer s.locksGuard.Unlock()
	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

// Save persists the resource, deduplicating by content hash. On a duplicate
// it fills the previously saved location and sets Duplicate without writing.
// Saves to the same dataset are serialized, distinct datasets proceed in
// parallel.
func (s *Store) Save(res *domain.DataResource) error {
	if err := res.ValidateForSave(); err != nil {
		return err
	}

	lock := s.datasetLock(res.Type, res.Name)
	lock.Lock()
	defer lock.Unlock()

	if res.Type.Binary() {
		return s.saveBinary(res)
	}
	return s.saveText(res)
}

// normalizeText converts CRLF to LF, then any remaining CR to LF, so the
// same logical line always hashes identically
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (s *Store) saveText(res *domain.DataResource) error {
	dataFile := s.textDataFile(res.Type, res.Name)
	indexFile := s.textIndexFile(res.Type, res.Name)

	if _, err := os.Stat(dataFile); os.IsNotExist(err) {
		if err := writeJSONFile(dataFile, []string{}); err != nil {
			return fmt.Errorf("create text dataset: %w", err)
		}
	}

	items := loadTextItems(dataFile)
	hashes, indexFresh := s.loadTextHashes(dataFile, indexFile, items)

	text := normalizeText(res.Text)
	sum := hashText(text)

	if _, dup := hashes[sum]; dup {
		res.SavedText = text
		res.SavedPath = dataFile
		res.Duplicate = true
		// hit against a rebuilt index still persists the rebuild
		if !indexFresh {
			if err := s.saveTextHashes(dataFile, indexFile, hashes); err != nil {
				return fmt.Errorf("persist rebuilt index: %w", err)
			}
		}
		log.Printf("[DEBUG] text save dedup hit type=%s name=%s", res.Type, res.Name)
		return nil
	}

	items = append(items, text)
	if err := writeJSONFile(dataFile, items); err != nil {
		return fmt.Errorf("append text item: %w", err)
	}
	hashes[sum] = struct{}{}
	if err := s.saveTextHashes(dataFile, indexFile, hashes); err != nil {
		return fmt.Errorf("update text index: %w", err)
	}

	res.SavedText = text
	res.SavedPath = dataFile
	res.Duplicate = false
	log.Printf("[DEBUG] text saved type=%s name=%s items=%d", res.Type, res.Name, len(items))
	return nil
}

func (s *Store) saveBinary(res *domain.DataResource) error {
	dir := s.binaryDir(res.Type, res.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}

	indexFile := filepath.Join(dir, binaryIndexFile)
	index := loadBinaryIndex(indexFile)
	sum := hashBytes(res.Binary)

	if existing, ok := index[sum]; ok {
		path := filepath.Join(dir, existing)
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			res.SavedPath = path
			res.Duplicate = true
			log.Printf("[DEBUG] binary save dedup hit type=%s name=%s file=%s", res.Type, res.Name, existing)
			return nil
		}
		// index points at a deleted file, repair and fall through to a write
		delete(index, sum)
	}

	seq := nextBinarySequence(dir, res.Name)
	fileName := fmt.Sprintf("%s_%d_%s%s", res.Name, seq, sum[:8], res.Type.Ext())
	path := filepath.Join(dir, fileName)
	for fileExists(path) {
		seq++
		fileName = fmt.Sprintf("%s_%d_%s%s", res.Name, seq, sum[:8], res.Type.Ext())
		path = filepath.Join(dir, fileName)
	}

	if err := os.WriteFile(path, res.Binary, 0o644); err != nil {
		return fmt.Errorf("write binary item: %w", err)
	}
	index[sum] = fileName
	if err := saveBinaryIndex(indexFile, index); err != nil {
		return fmt.Errorf("update binary index: %w", err)
	}

	res.SavedPath = path
	res.Duplicate = false
	log.Printf("[DEBUG] binary saved type=%s path=%s size=%d", res.Type, path, len(res.Binary))
	return nil
}

// Sample returns one uniformly random stored item. ErrNotFound when the
// dataset is absent, ErrEmpty when present with no items.
func (s *Store) Sample(t domain.DataType, name string) (*domain.DataResource, error) {
	if t.Binary() {
		files, err := s.binaryFiles(t, name)
		if err != nil {
			return nil, err
		}
		path := files[rand.Intn(len(files))] //nolint:gosec // sampling, not crypto
		return &domain.DataResource{Type: t, Name: name, SavedPath: path}, nil
	}

	dataFile := s.textDataFile(t, name)
	if !fileExists(dataFile) {
		return nil, fmt.Errorf("text dataset %s/%s: %w", t, name, ErrNotFound)
	}
	items := loadTextItems(dataFile)
	if len(items) == 0 {
		return nil, fmt.Errorf("text dataset %s/%s: %w", t, name, ErrEmpty)
	}
	return &domain.DataResource{
		Type:      t,
		Name:      name,
		SavedText: items[rand.Intn(len(items))], //nolint:gosec // sampling, not crypto
	}, nil
}

func (s *Store) binaryFiles(t domain.DataType, name string) ([]string, error) {
	dir := s.binaryDir(t, name)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("binary dataset %s/%s: %w", t, name, ErrNotFound)
	}
	files := listBinaryFiles(dir)
	if len(files) == 0 {
		return nil, fmt.Errorf("binary dataset %s/%s: %w", t, name, ErrEmpty)
	}
	return files, nil
}

// nextBinarySequence scans existing {name}_{seq}_{hash8} files and returns
// the next free sequence number
func nextBinarySequence(dir, name string) int {
	prefix := name + "_"
	maxSeq := -1
	for _, path := range listBinaryFiles(dir) {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if !strings.HasPrefix(stem, prefix) {
			continue
		}
		rest := stem[len(prefix):]
		seqPart, _, _ := strings.Cut(rest, "_")
		seq, err := strconv.Atoi(seqPart)
		if err != nil {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq + 1
}

func listBinaryFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if name == binaryIndexFile || strings.HasPrefix(name, ".") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	return files
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// loadTextItems reads the dataset array, tolerating a missing or corrupt
// file as an empty dataset
func loadTextItems(path string) []string {
	raw, err := os.ReadFile(path) //nolint:gosec // path built from store layout
	if err != nil {
		return []string{}
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{}
	}
	return items
}

func writeJSONFile(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644) //nolint:gosec // dataset files are not sensitive
}
