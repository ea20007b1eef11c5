package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
	"github.com/Zhalslar/api-aggregator/pkg/fetch"
	"github.com/Zhalslar/api-aggregator/pkg/poolio"
	"github.com/Zhalslar/api-aggregator/pkg/registry"
	"github.com/Zhalslar/api-aggregator/pkg/store"
	"github.com/Zhalslar/api-aggregator/pkg/verifier"
)

// memPersister is an in-memory registry.Persister
type memPersister struct {
	entries map[string]*domain.APIEntry
	sites   map[string]*domain.SiteEntry
}

func newMemPersister() *memPersister {
	return &memPersister{entries: map[string]*domain.APIEntry{}, sites: map[string]*domain.SiteEntry{}}
}

func (m *memPersister) ListEntries(context.Context) ([]*domain.APIEntry, error) {
	var res []*domain.APIEntry
	for _, e := range m.entries {
		res = append(res, e.Clone())
	}
	return res, nil
}

func (m *memPersister) UpsertEntries(_ context.Context, entries []*domain.APIEntry) error {
	for _, e := range entries {
		m.entries[e.Name] = e.Clone()
	}
	return nil
}

func (m *memPersister) DeleteEntries(_ context.Context, names []string) error {
	for _, n := range names {
		delete(m.entries, n)
	}
	return nil
}

func (m *memPersister) SetEntriesValid(_ context.Context, names []string, valid bool) error {
	for _, n := range names {
		if e, ok := m.entries[n]; ok {
			e.Valid = valid
		}
	}
	return nil
}

func (m *memPersister) ListSites(context.Context) ([]*domain.SiteEntry, error) {
	var res []*domain.SiteEntry
	for _, s := range m.sites {
		res = append(res, s.Clone())
	}
	return res, nil
}

func (m *memPersister) UpsertSites(_ context.Context, sites []*domain.SiteEntry) error {
	for _, s := range sites {
		m.sites[s.Name] = s.Clone()
	}
	return nil
}

func (m *memPersister) DeleteSites(_ context.Context, names []string) error {
	for _, n := range names {
		delete(m.sites, n)
	}
	return nil
}

type testConfig struct{}

func (testConfig) GetServerConfig() (string, time.Duration) { return ":0", 5 * time.Second }

type fakeScheduler struct{ jobs int }

func (f fakeScheduler) JobCount() int { return f.jobs }

// testEnv wires a full stack over in-memory persistence and a temp store
type testEnv struct {
	srv   *Server
	reg   *registry.Registry
	store *store.Store
	pool  *poolio.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := registry.New(newMemPersister())
	require.NoError(t, reg.Load(context.Background()))

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	pool, err := poolio.New(reg, t.TempDir())
	require.NoError(t, err)

	client := fetch.NewClient(reg, map[string]string{"User-Agent": "test"}, 5*time.Second)
	acq := fetch.NewService(client, st)
	tester := verifier.NewService(verifier.New(client, reg, time.Millisecond), client, st, reg)

	srv := New(testConfig{}, reg, st, pool, tester, acq, fakeScheduler{jobs: 2}, "test", false)
	return &testEnv{srv: srv, reg: reg, store: st, pool: pool}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var res map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res), "body: %s", rr.Body.String())
	return res
}

func TestServer_Status(t *testing.T) {
	env := newTestEnv(t)
	rr := env.request(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.InDelta(t, 2, body["cron_jobs"], 0.01)
}

func TestServer_Ping(t *testing.T) {
	env := newTestEnv(t)
	rr := env.request(t, http.MethodGet, "/ping", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pong", rr.Body.String())
}

func TestServer_EntriesCRUD(t *testing.T) {
	env := newTestEnv(t)

	// create, single object body
	rr := env.request(t, http.MethodPost, "/api/v1/apis",
		map[string]any{"name": "joke", "url": "https://a.example.com/joke"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// create batch with a name collision, auto-suffixed
	rr = env.request(t, http.MethodPost, "/api/v1/apis",
		[]map[string]any{{"name": "joke", "url": "https://a.example.com/joke2"}})
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decodeBody(t, rr)["created"].([]any)
	require.Len(t, created, 1)
	assert.Equal(t, "joke_2", created[0].(map[string]any)["name"])

	// list
	rr = env.request(t, http.MethodGet, "/api/v1/apis", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody(t, rr)["apis"], 2)

	// update
	rr = env.request(t, http.MethodPut, "/api/v1/apis",
		[]map[string]any{{"name": "joke", "payload": map[string]any{"cron": "0 9 * * *"}}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decodeBody(t, rr)["updated"].([]any)
	assert.Equal(t, "0 9 * * *", updated[0].(map[string]any)["cron"])

	// update of unknown entry fails the batch
	rr = env.request(t, http.MethodPut, "/api/v1/apis",
		[]map[string]any{{"name": "ghost", "payload": map[string]any{"cron": ""}}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// validity flip
	rr = env.request(t, http.MethodPost, "/api/v1/apis/valid",
		map[string]any{"names": []string{"joke", "ghost"}, "valid": false})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, []any{"joke"}, body["updated"])
	assert.Equal(t, []any{"ghost"}, body["unknown"])

	// delete
	rr = env.request(t, http.MethodDelete, "/api/v1/apis",
		map[string]any{"names": []string{"joke_2", "ghost"}})
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	assert.Equal(t, []any{"joke_2"}, body["removed"])
	assert.Equal(t, []any{"ghost"}, body["missing"])
}

func TestServer_Match(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.AddEntries(context.Background(), []map[string]any{
		{"name": "joke", "url": "https://a.example.com/joke", "keywords": []any{"joke"}},
		{"name": "admin_only", "url": "https://a.example.com/sec", "keywords": []any{"joke"}, "scope": []any{"admin"}},
	})
	require.NoError(t, err)

	rr := env.request(t, http.MethodGet, "/api/v1/match?text=tell+me+a+joke", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	matched := decodeBody(t, rr)["matched"].([]any)
	require.Len(t, matched, 1)
	assert.Equal(t, "joke", matched[0].(map[string]any)["name"])

	rr = env.request(t, http.MethodGet, "/api/v1/match?text=tell+me+a+joke&admin=true", nil)
	matched = decodeBody(t, rr)["matched"].([]any)
	assert.Len(t, matched, 2)

	rr = env.request(t, http.MethodGet, "/api/v1/match", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Sites(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/sites",
		map[string]any{"name": "example", "url": "https://a.example.com", "keys": map[string]any{"apikey": "k"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// entry under the site picks up the derived site name
	rr = env.request(t, http.MethodPost, "/api/v1/apis",
		map[string]any{"name": "joke", "url": "https://a.example.com/joke"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = env.request(t, http.MethodGet, "/api/v1/sites", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sites := decodeBody(t, rr)["sites"].([]any)
	require.Len(t, sites, 1)
	site := sites[0].(map[string]any)
	assert.Equal(t, "example", site["name"])
	assert.InDelta(t, 1, site["api_count"], 0.01)

	rr = env.request(t, http.MethodDelete, "/api/v1/sites", map[string]any{"names": []string{"example"}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{"example"}, decodeBody(t, rr)["removed"])
}

func TestServer_Collections(t *testing.T) {
	env := newTestEnv(t)
	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, env.store.Save(&domain.DataResource{Type: domain.TypeText, Name: "quotes", Text: text}))
	}

	rr := env.request(t, http.MethodGet, "/api/v1/collections?types=text", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decodeBody(t, rr)
	items := page["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "quotes", items[0].(map[string]any)["name"])
	assert.InDelta(t, 3, items[0].(map[string]any)["count"], 0.01)

	rr = env.request(t, http.MethodGet, "/api/v1/collections/text/quotes", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decodeBody(t, rr)
	assert.Len(t, detail["text_items"], 3)

	rr = env.request(t, http.MethodPost, "/api/v1/collections/text/quotes/delete-items",
		map[string]any{"indexes": []int{0}})
	require.Equal(t, http.StatusOK, rr.Code)
	res := decodeBody(t, rr)
	assert.InDelta(t, 1, res["deleted"], 0.01)
	assert.InDelta(t, 2, res["remain"], 0.01)

	rr = env.request(t, http.MethodDelete, "/api/v1/collections/text/quotes", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.request(t, http.MethodGet, "/api/v1/collections/text/quotes", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.request(t, http.MethodGet, "/api/v1/collections/bogus/quotes", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_PoolFiles(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.AddEntries(context.Background(), []map[string]any{
		{"name": "joke", "url": "https://a.example.com/joke"},
	})
	require.NoError(t, err)

	rr := env.request(t, http.MethodPost, "/api/v1/pool/export?pool_type=api", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	fileName := decodeBody(t, rr)["file_name"].(string)
	assert.Contains(t, fileName, "api_pool_")

	rr = env.request(t, http.MethodGet, "/api/v1/pool/files", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeBody(t, rr)["files"], 1)

	// re-import skips the already registered name
	rr = env.request(t, http.MethodPost, "/api/v1/pool/import-file?pool_type=api",
		map[string]any{"file_name": fileName})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody(t, rr)
	assert.InDelta(t, 0, res["imported"], 0.01)
	assert.InDelta(t, 1, res["skipped"], 0.01)

	// direct body import of a new entry
	rr = env.request(t, http.MethodPost, "/api/v1/pool/import?pool_type=api",
		[]map[string]any{{"name": "cat", "url": "https://b.example.com/cat"}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.InDelta(t, 1, decodeBody(t, rr)["imported"], 0.01)
	assert.NotNil(t, env.reg.Entry("cat"))

	rr = env.request(t, http.MethodDelete, "/api/v1/pool/files", map[string]any{"names": []string{fileName}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{fileName}, decodeBody(t, rr)["deleted"])

	rr = env.request(t, http.MethodPost, "/api/v1/pool/export?pool_type=feeds", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Preview(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"text": "hello"}}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	rr := env.request(t, http.MethodPost, "/api/v1/test/preview",
		map[string]any{"name": "hello", "url": upstream.URL, "parse": "data.text"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "hello", body["preview"])
	assert.Equal(t, "text", body["saved_type"])

	rr = env.request(t, http.MethodPost, "/api/v1/test/preview", map[string]any{"url": upstream.URL})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Acquire(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text": "fresh"}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	_, err := env.reg.AddEntries(context.Background(), []map[string]any{
		{"name": "quote", "url": upstream.URL},
	})
	require.NoError(t, err)

	rr := env.request(t, http.MethodPost, "/api/v1/apis/quote/acquire", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Equal(t, "quote", body["name"])
	assert.Contains(t, body["text"], "fresh")

	rr = env.request(t, http.MethodPost, "/api/v1/apis/ghost/acquire", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_TestStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "bad") {
			fmt.Fprint(w, `{"code": 500}`)
			return
		}
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	_, err := env.reg.AddEntries(context.Background(), []map[string]any{
		{"name": "good", "url": upstream.URL + "/good"},
		{"name": "bad", "url": upstream.URL + "/bad"},
	})
	require.NoError(t, err)

	rr := env.request(t, http.MethodGet, "/api/v1/test/stream?names=good,bad", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Equal(t, 1, strings.Count(body, "event: start"))
	assert.Equal(t, 2, strings.Count(body, "event: progress"))
	assert.Equal(t, 1, strings.Count(body, "event: done"))
	assert.Contains(t, body, `"invalid":["bad"]`)

	// batch outcome lands in the registry
	assert.False(t, env.reg.Entry("bad").Valid)
	assert.True(t, env.reg.Entry("good").Valid)
}

func TestServer_LocalFile(t *testing.T) {
	env := newTestEnv(t)
	res := &domain.DataResource{Type: domain.TypeImage, Name: "pic", Binary: []byte{1, 2, 3}}
	require.NoError(t, env.store.Save(res))

	rel := strings.TrimPrefix(res.SavedPath, env.store.BaseDir()+"/")
	rr := env.request(t, http.MethodGet, "/api/local-file?path="+strings.ReplaceAll(rel, "/", "%2F"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []byte{1, 2, 3}, rr.Body.Bytes())

	rr = env.request(t, http.MethodGet, "/api/local-file?path=..%2F..%2Fetc%2Fpasswd", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.request(t, http.MethodGet, "/api/local-file?path=image%2Fpic%2Fmissing.jpg", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.request(t, http.MethodGet, "/api/local-file", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
