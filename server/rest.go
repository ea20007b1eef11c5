package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
	"github.com/Zhalslar/api-aggregator/pkg/poolio"
	"github.com/Zhalslar/api-aggregator/pkg/registry"
	"github.com/Zhalslar/api-aggregator/pkg/store"
)

// decodePayloads accepts either a JSON array of objects or a single object
func decodePayloads(r *http.Request) ([]map[string]any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	var many []map[string]any
	if err := json.Unmarshal(body, &many); err == nil {
		return many, nil
	}
	var one map[string]any
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("invalid request body")
	}
	return []map[string]any{one}, nil
}

func entryPayloads(entries []*domain.APIEntry) []map[string]any {
	res := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.ToPayload())
	}
	return res
}

func sitePayloads(sites []*domain.SiteEntry) []map[string]any {
	res := make([]map[string]any, 0, len(sites))
	for _, s := range sites {
		res = append(res, s.ToPayload())
	}
	return res
}

// matchHandler resolves entries activated by a message text and caller
func (s *Server) matchHandler(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		renderError(w, r, fmt.Errorf("text is required"), http.StatusBadRequest)
		return
	}
	caller := domain.Caller{
		UserID:    r.URL.Query().Get("user_id"),
		GroupID:   r.URL.Query().Get("group_id"),
		SessionID: r.URL.Query().Get("session_id"),
		IsAdmin:   r.URL.Query().Get("admin") == "true",
	}
	matched := s.registry.Match(text, caller)
	renderJSON(w, r, http.StatusOK, map[string]any{"matched": entryPayloads(matched)})
}

func (s *Server) listEntriesHandler(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Entries()
	if site := r.URL.Query().Get("site"); site != "" {
		kept := entries[:0]
		for _, e := range entries {
			if e.Site == site {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	renderJSON(w, r, http.StatusOK, map[string]any{"apis": entryPayloads(entries)})
}

func (s *Server) addEntriesHandler(w http.ResponseWriter, r *http.Request) {
	payloads, err := decodePayloads(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	created, err := s.registry.AddEntries(r.Context(), payloads)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	renderJSON(w, r, http.StatusCreated, map[string]any{"created": entryPayloads(created)})
}

func (s *Server) updateEntriesHandler(w http.ResponseWriter, r *http.Request) {
	var updates []registry.Update
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	changed, err := s.registry.UpdateEntries(r.Context(), updates)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]any{"updated": entryPayloads(changed)})
}

type namesRequest struct {
	Names []string `json:"names"`
}

func (s *Server) removeEntriesHandler(w http.ResponseWriter, r *http.Request) {
	var req namesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	removed, missing, err := s.registry.RemoveEntries(r.Context(), req.Names)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]any{"removed": removed, "missing": missing})
}

func (s *Server) setValidHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Names []string `json:"names"`
		Valid bool     `json:"valid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	updated, unknown, err := s.registry.SetValid(r.Context(), req.Names, req.Valid)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]any{"updated": updated, "unknown": unknown})
}

// acquireHandler fetches fresh content for a registered entry, falling back
// to the local store when the API misbehaves
func (s *Server) acquireHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entry := s.registry.Entry(name)
	if entry == nil {
		renderError(w, r, fmt.Errorf("api not found: %s", name), http.StatusNotFound)
		return
	}

	res, err := s.acquirer.Acquire(r.Context(), entry)
	if err != nil {
		renderError(w, r, err, http.StatusBadGateway)
		return
	}

	resp := map[string]any{
		"name":      res.Name,
		"type":      string(res.Type),
		"duplicate": res.Duplicate,
	}
	if res.Type.Binary() {
		resp["size"] = len(res.Binary)
		resp["saved_path"] = res.SavedPath
	} else {
		resp["text"] = res.Text
	}
	renderJSON(w, r, http.StatusOK, resp)
}

func (s *Server) listSitesHandler(w http.ResponseWriter, r *http.Request) {
	counts := s.registry.EntryCountBySite()
	payloads := sitePayloads(s.registry.Sites())
	for _, p := range payloads {
		if name, ok := p["name"].(string); ok {
			p["api_count"] = counts[name]
		}
	}
	renderJSON(w, r, http.StatusOK, map[string]any{"sites": payloads})
}

func (s *Server) addSitesHandler(w http.ResponseWriter, r *http.Request) {
	payloads, err := decodePayloads(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	created, err := s.registry.AddSites(r.Context(), payloads)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	renderJSON(w, r, http.StatusCreated, map[string]any{"created": sitePayloads(created)})
}

func (s *Server) updateSitesHandler(w http.ResponseWriter, r *http.Request) {
	var updates []registry.Update
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	changed, err := s.registry.UpdateSites(r.Context(), updates)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]any{"updated": sitePayloads(changed)})
}

func (s *Server) removeSitesHandler(w http.ResponseWriter, r *http.Request) {
	var req namesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	removed, missing, err := s.registry.RemoveSites(r.Context(), req.Names)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]any{"removed": removed, "missing": missing})
}

func (s *Server) listCollectionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := store.ListRequest{
		Query: q.Get("q"),
		Sort:  q.Get("sort"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		req.Page = page
	}
	if size, err := strconv.Atoi(q.Get("page_size")); err == nil {
		req.PageSize = size
	}
	if types := q.Get("types"); types != "" {
		req.Types = strings.Split(types, ",")
	}
	renderJSON(w, r, http.StatusOK, s.store.ListPage(req))
}

// collectionPath extracts and validates the {type}/{name} route values
func collectionPath(r *http.Request) (domain.DataType, string, error) {
	t, err := domain.ParseDataType(r.PathValue("type"))
	if err != nil {
		return "", "", err
	}
	name := r.PathValue("name")
	if name == "" {
		return "", "", fmt.Errorf("collection name is required")
	}
	return t, name, nil
}

func (s *Server) collectionItemsHandler(w http.ResponseWriter, r *http.Request) {
	t, name, err := collectionPath(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	detail, err := s.store.CollectionItems(t, name)
	if err != nil {
		renderError(w, r, err, http.StatusNotFound)
		return
	}
	renderJSON(w, r, http.StatusOK, detail)
}

func (s *Server) deleteCollectionHandler(w http.ResponseWriter, r *http.Request) {
	t, name, err := collectionPath(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	deleted, err := s.store.DeleteCollection(t, name)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	log.Printf("[INFO] deleted collection %s/%s, %d items", t, name, deleted)
	renderJSON(w, r, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) deleteItemsHandler(w http.ResponseWriter, r *http.Request) {
	t, name, err := collectionPath(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	var sel store.ItemSelector
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	res, err := s.store.DeleteItems(t, name, sel)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, res)
}

func (s *Server) listPoolFilesHandler(w http.ResponseWriter, r *http.Request) {
	files, err := s.pool.ListFiles()
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) deletePoolFilesHandler(w http.ResponseWriter, r *http.Request) {
	var req namesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	renderJSON(w, r, http.StatusOK, s.pool.DeleteFiles(req.Names))
}

func poolTypeParam(r *http.Request) (poolio.PoolType, error) {
	raw := r.URL.Query().Get("pool_type")
	if raw == "" {
		raw = r.URL.Query().Get("type")
	}
	return poolio.ParsePoolType(raw)
}

func (s *Server) exportPoolHandler(w http.ResponseWriter, r *http.Request) {
	pt, err := poolTypeParam(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	path, err := s.pool.Export(pt)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]any{"file_name": filepath.Base(path)})
}

func (s *Server) importPoolHandler(w http.ResponseWriter, r *http.Request) {
	pt, err := poolTypeParam(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		renderError(w, r, fmt.Errorf("read request body: %w", err), http.StatusBadRequest)
		return
	}
	res, err := s.pool.ImportBytes(r.Context(), pt, raw)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	renderJSON(w, r, http.StatusOK, res)
}

func (s *Server) importPoolFileHandler(w http.ResponseWriter, r *http.Request) {
	pt, err := poolTypeParam(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	var req struct {
		FileName string `json:"file_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	res, err := s.pool.ImportFile(r.Context(), pt, req.FileName)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	renderJSON(w, r, http.StatusOK, res)
}

func (s *Server) previewHandler(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	detail, err := s.tester.Preview(r.Context(), payload)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	renderJSON(w, r, http.StatusOK, detail)
}

// localFileHandler serves a stored file by its store-relative path, refusing
// anything resolving outside the store root
func (s *Server) localFileHandler(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		renderError(w, r, fmt.Errorf("path is required"), http.StatusBadRequest)
		return
	}

	root, err := filepath.Abs(s.store.BaseDir())
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		renderError(w, r, fmt.Errorf("invalid path"), http.StatusBadRequest)
		return
	}

	fi, err := os.Stat(full)
	if err != nil || !fi.Mode().IsRegular() {
		renderError(w, r, fmt.Errorf("file not found"), http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, full)
}
