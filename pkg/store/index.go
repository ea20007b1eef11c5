package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	textIndexSuffix = ".index.json"
	binaryIndexFile = ".index.json"
	indexVersion    = 1
)

// textIndex is the side index of a text dataset: the set of content hashes
// plus a signature of the data file at the time the index was written. A
// signature mismatch means the file changed underneath the index and the
// hash set must be rebuilt.
type textIndex struct {
	Version       int      `json:"version"`
	SourceMtimeNS int64    `json:"source_mtime_ns"`
	SourceSize    int64    `json:"source_size"`
	Hashes        []string `json:"hashes"`
}

// binaryIndex maps full content hash to the stored file name
type binaryIndex struct {
	Version    int               `json:"version"`
	HashToFile map[string]string `json:"hash_to_file"`
}

func textFileSignature(path string) (mtimeNS, size int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return fi.ModTime().UnixNano(), fi.Size(), nil
}

// loadTextHashes returns the hash set for the dataset. When the stored
// signature matches the current data file the persisted set is trusted;
// otherwise the set is rebuilt from items and re-persisted. The second
// return reports whether the on-disk index was fresh.
func (s *Store) loadTextHashes(dataFile, indexFile string, items []string) (map[string]struct{}, bool) {
	mtime, size, err := textFileSignature(dataFile)
	if err == nil {
		if raw, readErr := os.ReadFile(indexFile); readErr == nil { //nolint:gosec // store layout path
			var idx textIndex
			if json.Unmarshal(raw, &idx) == nil && idx.SourceMtimeNS == mtime && idx.SourceSize == size {
				hashes := make(map[string]struct{}, len(idx.Hashes))
				for _, h := range idx.Hashes {
					if h = strings.TrimSpace(h); h != "" {
						hashes[h] = struct{}{}
					}
				}
				return hashes, true
			}
		}
	}

	rebuilt := make(map[string]struct{}, len(items))
	for _, item := range items {
		rebuilt[hashText(item)] = struct{}{}
	}
	if err := s.saveTextHashes(dataFile, indexFile, rebuilt); err != nil {
		// keep going with the in-memory set, next save retries the write
		return rebuilt, false
	}
	return rebuilt, false
}

// saveTextHashes persists the hash set with the current data file signature
func (s *Store) saveTextHashes(dataFile, indexFile string, hashes map[string]struct{}) error {
	mtime, size, err := textFileSignature(dataFile)
	if err != nil {
		return err
	}
	sorted := make([]string, 0, len(hashes))
	for h := range hashes {
		sorted = append(sorted, h)
	}
	sort.Strings(sorted)
	return writeJSONFile(indexFile, textIndex{
		Version:       indexVersion,
		SourceMtimeNS: mtime,
		SourceSize:    size,
		Hashes:        sorted,
	})
}

// loadBinaryIndex reads the hash-to-file map, tolerating a missing or
// corrupt index as empty (it is rebuilt incrementally by saves)
func loadBinaryIndex(path string) map[string]string {
	raw, err := os.ReadFile(path) //nolint:gosec // store layout path
	if err != nil {
		return map[string]string{}
	}
	var idx binaryIndex
	if err := json.Unmarshal(raw, &idx); err != nil || idx.HashToFile == nil {
		return map[string]string{}
	}
	result := make(map[string]string, len(idx.HashToFile))
	for hash, file := range idx.HashToFile {
		hash, file = strings.TrimSpace(hash), strings.TrimSpace(file)
		if hash != "" && file != "" {
			result[hash] = file
		}
	}
	return result
}

func saveBinaryIndex(path string, hashToFile map[string]string) error {
	return writeJSONFile(path, binaryIndex{Version: indexVersion, HashToFile: hashToFile})
}
