package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

type siteResolverFunc func(fullURL string) *domain.SiteEntry

func (f siteResolverFunc) ResolveSite(fullURL string) *domain.SiteEntry { return f(fullURL) }

func noSites() SiteResolver {
	return siteResolverFunc(func(string) *domain.SiteEntry { return nil })
}

func TestClient_FetchText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"joke":"why did the gopher cross the road"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient(noSites(), nil, time.Second)
	entry := &domain.APIEntry{Name: "joke", URL: srv.URL, Type: domain.TypeText,
		Params: map[string]string{"page": "1"}, Parse: "data.joke"}

	result := client.Fetch(context.Background(), entry)
	require.True(t, result.OK())
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "why did the gopher cross the road", result.Text)
	assert.True(t, result.Valid())
}

func TestClient_FetchBinaryFollow(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xe0}
	mux := http.NewServeMux()
	mux.HandleFunc("/img.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(payload) //nolint:errcheck
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/api", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"` + srv.URL + `/img.jpg"}`)) //nolint:errcheck
	})

	client := NewClient(noSites(), nil, time.Second)
	entry := &domain.APIEntry{Name: "wallpaper", URL: srv.URL + "/api", Type: domain.TypeImage, Parse: "url"}

	result := client.Fetch(context.Background(), entry)
	require.True(t, result.OK())
	assert.True(t, result.IsBinary())
	assert.Equal(t, payload, result.Body)
}

func TestClient_FetchNetworkError(t *testing.T) {
	client := NewClient(noSites(), nil, time.Second)
	entry := &domain.APIEntry{Name: "down", URL: "http://127.0.0.1:1", Type: domain.TypeText}

	result := client.Fetch(context.Background(), entry)
	assert.False(t, result.OK())
	assert.NotEmpty(t, result.Err)
}

func TestClient_FetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(noSites(), nil, time.Second)
	result := client.Fetch(context.Background(), &domain.APIEntry{Name: "x", URL: srv.URL, Type: domain.TypeText})
	assert.False(t, result.OK())
	assert.Equal(t, http.StatusForbidden, result.Status)
	assert.False(t, result.Valid())
}

func TestClient_FetchInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":403,"msg":"forbidden"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient(noSites(), nil, time.Second)
	result := client.Fetch(context.Background(), &domain.APIEntry{Name: "x", URL: srv.URL, Type: domain.TypeText})
	assert.Equal(t, "invalid response", result.Err)
}

func TestClient_SiteHeadersAndKeys(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.URL.Query().Get("apikey")
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	site := &domain.SiteEntry{
		Name: "example", URL: srv.URL, Enabled: true,
		Headers: map[string]string{"Authorization": "Bearer token"},
		Keys:    map[string]string{"apikey": "secret"},
		Timeout: 5,
	}
	resolver := siteResolverFunc(func(fullURL string) *domain.SiteEntry {
		if site.Vests(fullURL) {
			return site
		}
		return nil
	})

	client := NewClient(resolver, map[string]string{"User-Agent": "default"}, time.Second)
	result := client.Fetch(context.Background(), &domain.APIEntry{Name: "x", URL: srv.URL + "/v1", Type: domain.TypeText})

	require.True(t, result.OK())
	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "secret", gotKey)
}

func TestClient_OverridesTakePrecedence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "panda", r.URL.Query().Get("kind"))
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient(noSites(), nil, time.Second)
	entry := &domain.APIEntry{
		Name: "x", URL: srv.URL, Type: domain.TypeText,
		Params:    map[string]string{"kind": "cat"},
		Overrides: map[string]string{"kind": "panda"},
	}
	result := client.Fetch(context.Background(), entry)
	require.True(t, result.OK())
}

func TestClient_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"x":1}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient(noSites(), nil, time.Second)
	// probe skips parse rules and transformations
	result := client.Probe(context.Background(), &domain.APIEntry{Name: "x", URL: srv.URL, Type: domain.TypeText, Parse: "data.x"})
	require.True(t, result.OK())
	assert.JSONEq(t, `{"data":{"x":1}}`, result.Text)
}
