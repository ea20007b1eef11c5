package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
	"github.com/Zhalslar/api-aggregator/pkg/store"
)

type fakeRegistry struct {
	fakeValidity
	entries []*domain.APIEntry
}

func (f *fakeRegistry) Entries() []*domain.APIEntry {
	res := make([]*domain.APIEntry, 0, len(f.entries))
	for _, e := range f.entries {
		res = append(res, e.Clone())
	}
	return res
}

func (f *fakeRegistry) Entry(name string) *domain.APIEntry {
	for _, e := range f.entries {
		if e.Name == name {
			return e.Clone()
		}
	}
	return nil
}

func newTestRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	return &fakeRegistry{entries: []*domain.APIEntry{
		mustEntry(t, map[string]any{"name": "joke", "url": "https://a.example.com/joke", "site": "a", "keywords": []any{"tell me a joke"}}),
		mustEntry(t, map[string]any{"name": "cat", "url": "https://b.example.com/cat", "site": "b"}),
		mustEntry(t, map[string]any{"name": "quote", "url": "https://a.example.com/quote", "site": "a"}),
	}}
}

func entryNames(entries []*domain.APIEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func TestService_SelectEntries(t *testing.T) {
	reg := newTestRegistry(t)
	svc := NewService(New(newTestClient(), reg, time.Millisecond), newTestClient(), nil, reg)

	t.Run("empty selection takes all", func(t *testing.T) {
		got := svc.selectEntries(Selection{})
		assert.Equal(t, []string{"joke", "cat", "quote"}, entryNames(got))
	})

	t.Run("names dedup and keep order", func(t *testing.T) {
		got := svc.selectEntries(Selection{Names: []string{"quote", "joke", "quote", " ", "ghost"}})
		assert.Equal(t, []string{"quote", "joke"}, entryNames(got))
	})

	t.Run("site filter", func(t *testing.T) {
		got := svc.selectEntries(Selection{Sites: []string{"a"}})
		assert.Equal(t, []string{"joke", "quote"}, entryNames(got))
	})

	t.Run("query matches name url and keywords", func(t *testing.T) {
		assert.Equal(t, []string{"cat"}, entryNames(svc.selectEntries(Selection{Query: "CAT"})))
		assert.Equal(t, []string{"joke", "quote"}, entryNames(svc.selectEntries(Selection{Query: "a.example"})))
		assert.Equal(t, []string{"joke"}, entryNames(svc.selectEntries(Selection{Query: "tell me"})))
	})

	t.Run("filters stack", func(t *testing.T) {
		got := svc.selectEntries(Selection{Names: []string{"joke", "cat"}, Sites: []string{"a"}})
		assert.Equal(t, []string{"joke"}, entryNames(got))
	})
}

func TestService_ApplyTestDefaults(t *testing.T) {
	e := mustEntry(t, map[string]any{
		"name": "search", "url": "https://x.example.com/q",
		"params": map[string]any{
			"page": "", "pageSize": "", "uid": "", "start_time": "", "word": "", "q": "fixed",
		},
	})
	applyTestDefaults(e)

	require.NotNil(t, e.Overrides)
	assert.Equal(t, "1", e.Overrides["page"])
	assert.Equal(t, "1", e.Overrides["pageSize"])
	assert.Equal(t, "1", e.Overrides["uid"])
	assert.Regexp(t, `^\d{13}$`, e.Overrides["start_time"])
	assert.Equal(t, "test", e.Overrides["word"])
	_, fixed := e.Overrides["q"]
	assert.False(t, fixed, "filled params keep their value")
}

func TestService_PreviewText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"text": "stay hungry"}}`)
	}))
	defer srv.Close()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	reg := newTestRegistry(t)
	svc := NewService(New(newTestClient(), reg, time.Millisecond), newTestClient(), st, reg)

	payload := map[string]any{
		"name": "quote", "url": srv.URL, "parse": "data.text",
		"params": map[string]any{"page": ""},
	}
	detail, err := svc.Preview(context.Background(), payload)
	require.NoError(t, err)

	assert.True(t, detail.Valid)
	assert.False(t, detail.Duplicate)
	assert.Equal(t, http.StatusOK, detail.Status)
	assert.Equal(t, "ok", detail.Reason)
	assert.Equal(t, "stay hungry", detail.Preview)
	assert.Equal(t, "text", detail.SavedType)
	assert.Equal(t, "stay hungry", detail.SavedText)
	assert.Equal(t, "text/quote.json", detail.SavedPath)
	assert.Empty(t, detail.FileURL)

	// second run of the same payload dedups and says so
	detail, err = svc.Preview(context.Background(), payload)
	require.NoError(t, err)
	assert.True(t, detail.Valid)
	assert.True(t, detail.Duplicate)
	assert.Equal(t, "ok | duplicate data detected: skipped saving and reused local data", detail.Reason)

	// the entry is registered, so validity lands in the registry
	require.NotEmpty(t, reg.calls)
	assert.Equal(t, []string{"quote"}, reg.calls[0].names)
	assert.True(t, reg.calls[0].valid)
}

func TestService_PreviewBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff, 0x01})
	}))
	defer srv.Close()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	reg := &fakeRegistry{}
	svc := NewService(New(newTestClient(), reg, time.Millisecond), newTestClient(), st, reg)

	detail, err := svc.Preview(context.Background(), map[string]any{"name": "pic", "url": srv.URL, "type": "image"})
	require.NoError(t, err)

	assert.True(t, detail.Valid)
	assert.Equal(t, "file", detail.SavedType)
	assert.True(t, strings.HasPrefix(detail.SavedPath, "image/pic/pic_0_"), "got %s", detail.SavedPath)
	assert.True(t, strings.HasPrefix(detail.FileURL, "/api/local-file?path=image%2Fpic%2Fpic_0_"), "got %s", detail.FileURL)
	assert.Contains(t, detail.Preview, "binary 4 bytes")
	assert.Empty(t, reg.calls, "unregistered entry records nothing")
}

func TestService_PreviewInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	svc := NewService(New(newTestClient(), reg, time.Millisecond), newTestClient(), nil, reg)

	detail, err := svc.Preview(context.Background(), map[string]any{"name": "joke", "url": srv.URL})
	require.NoError(t, err)

	assert.False(t, detail.Valid)
	assert.Equal(t, http.StatusForbidden, detail.Status)
	assert.Contains(t, detail.Reason, "HTTP 403")
	assert.Empty(t, detail.SavedType)

	require.NotEmpty(t, reg.calls)
	assert.False(t, reg.calls[0].valid)
}

type failingStore struct{}

func (failingStore) Save(*domain.DataResource) error { return errors.New("disk full") }
func (failingStore) BaseDir() string                 { return "/tmp" }

func TestService_PreviewSaveFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text": "hello"}`)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	svc := NewService(New(newTestClient(), reg, time.Millisecond), newTestClient(), failingStore{}, reg)

	detail, err := svc.Preview(context.Background(), map[string]any{"name": "hello", "url": srv.URL})
	require.NoError(t, err)
	assert.False(t, detail.Valid)
	assert.Equal(t, "save failed: disk full", detail.Reason)
}

func TestService_PreviewBadPayload(t *testing.T) {
	reg := &fakeRegistry{}
	svc := NewService(New(newTestClient(), reg, time.Millisecond), newTestClient(), nil, reg)

	_, err := svc.Preview(context.Background(), map[string]any{"url": "https://x.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
}

func TestService_StreamTests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	reg := &fakeRegistry{entries: []*domain.APIEntry{
		mustEntry(t, map[string]any{"name": "one", "url": srv.URL + "/one", "site": "s"}),
		mustEntry(t, map[string]any{"name": "two", "url": srv.URL + "/two", "site": "s"}),
	}}
	client := newTestClient()
	svc := NewService(New(client, reg, time.Millisecond), client, nil, reg)

	events := collect(t, svc.StreamTests(context.Background(), Selection{Sites: []string{"s"}}))
	require.Len(t, events, 4)
	done, ok := events[3].(Done)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"one", "two"}, done.Valid)
}
