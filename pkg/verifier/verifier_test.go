package verifier

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
	"github.com/Zhalslar/api-aggregator/pkg/fetch"
)

type fakeValidity struct {
	mu    sync.Mutex
	calls []validityCall
}

type validityCall struct {
	names []string
	valid bool
}

func (f *fakeValidity) SetValid(_ context.Context, names []string, valid bool) ([]string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, validityCall{names: append([]string(nil), names...), valid: valid})
	return names, nil, nil
}

func mustEntry(t *testing.T, payload map[string]any) *domain.APIEntry {
	t.Helper()
	e, err := domain.ParseEntry(payload)
	require.NoError(t, err)
	return e
}

func newTestClient() *fetch.Client {
	return fetch.NewClient(nil, map[string]string{"User-Agent": "test"}, 5*time.Second)
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var res []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return res
			}
			res = append(res, ev)
		case <-timeout:
			t.Fatal("event stream did not finish")
		}
	}
}

func TestVerifier_Stream(t *testing.T) {
	siteA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/bad" {
			fmt.Fprint(w, `{"code": 500, "msg": "internal error"}`)
			return
		}
		fmt.Fprint(w, `{"text": "hello"}`)
	}))
	defer siteA.Close()

	siteB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `["ok"]`)
	}))
	defer siteB.Close()

	entries := []*domain.APIEntry{
		mustEntry(t, map[string]any{"name": "good_a", "url": siteA.URL + "/ok"}),
		mustEntry(t, map[string]any{"name": "bad_a", "url": siteA.URL + "/bad"}),
		mustEntry(t, map[string]any{"name": "good_b", "url": siteB.URL + "/list"}),
	}

	validity := &fakeValidity{}
	v := New(newTestClient(), validity, time.Millisecond)
	events := collect(t, v.Stream(context.Background(), entries))

	require.Len(t, events, 5)
	start, ok := events[0].(Start)
	require.True(t, ok, "first event must be start")
	assert.Equal(t, 3, start.Total)

	seen := map[string]Progress{}
	for _, ev := range events[1:4] {
		p, ok := ev.(Progress)
		require.True(t, ok, "middle events must be progress")
		assert.Equal(t, 3, p.Total)
		seen[p.Name] = p
	}
	require.Len(t, seen, 3)
	assert.True(t, seen["good_a"].Valid)
	assert.False(t, seen["bad_a"].Valid)
	assert.Equal(t, "business validation failed", seen["bad_a"].Reason)
	assert.True(t, seen["good_b"].Valid)
	assert.Equal(t, http.StatusOK, seen["good_a"].Status)
	assert.NotEmpty(t, seen["good_a"].Preview)

	done, ok := events[4].(Done)
	require.True(t, ok, "last event must be done")
	assert.Equal(t, 3, done.Total)
	assert.Equal(t, 3, done.Completed)
	assert.ElementsMatch(t, []string{"good_a", "good_b"}, done.Valid)
	assert.Equal(t, []string{"bad_a"}, done.Invalid)
	assert.Equal(t, 2, done.SuccessCount)
	assert.Equal(t, 1, done.FailCount)

	// validity recorded in two passes, successes then failures
	require.Len(t, validity.calls, 2)
	assert.True(t, validity.calls[0].valid)
	assert.ElementsMatch(t, []string{"good_a", "good_b"}, validity.calls[0].names)
	assert.False(t, validity.calls[1].valid)
	assert.Equal(t, []string{"bad_a"}, validity.calls[1].names)
}

func TestVerifier_StreamEmpty(t *testing.T) {
	validity := &fakeValidity{}
	v := New(newTestClient(), validity, time.Millisecond)
	events := collect(t, v.Stream(context.Background(), nil))

	require.Len(t, events, 2)
	_, ok := events[0].(Start)
	require.True(t, ok)
	done, ok := events[1].(Done)
	require.True(t, ok)
	assert.Zero(t, done.Total)
	assert.Empty(t, done.Valid)
	assert.Empty(t, done.Invalid)
	assert.Empty(t, validity.calls)
}

func TestVerifier_StreamPacesSameSite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	entries := []*domain.APIEntry{
		mustEntry(t, map[string]any{"name": "e1", "url": srv.URL + "/a"}),
		mustEntry(t, map[string]any{"name": "e2", "url": srv.URL + "/b"}),
		mustEntry(t, map[string]any{"name": "e3", "url": srv.URL + "/c"}),
	}

	v := New(newTestClient(), &fakeValidity{}, 30*time.Millisecond)
	started := time.Now()
	events := collect(t, v.Stream(context.Background(), entries))
	elapsed := time.Since(started)

	require.Len(t, events, 5)
	// two pacing gaps between three sequential requests to one host
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestVerifier_StreamConsumerDisconnect(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	entries := []*domain.APIEntry{
		mustEntry(t, map[string]any{"name": "e1", "url": srv.URL + "/a"}),
		mustEntry(t, map[string]any{"name": "e2", "url": srv.URL + "/b"}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	validity := &fakeValidity{}
	v := New(newTestClient(), validity, 20*time.Millisecond)
	events := v.Stream(ctx, entries)

	// read up to the first progress, then walk away mid-batch
	for ev := range events {
		if _, ok := ev.(Progress); ok {
			cancel()
			break
		}
	}

	// the batch keeps running without a reader, every entry gets probed
	// and only genuine outcomes are persisted
	require.Eventually(t, func() bool {
		validity.mu.Lock()
		defer validity.mu.Unlock()
		return len(validity.calls) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, hits.Load(), "every entry must be probed")
	validity.mu.Lock()
	defer validity.mu.Unlock()
	assert.True(t, validity.calls[0].valid)
	assert.ElementsMatch(t, []string{"e1", "e2"}, validity.calls[0].names)
}
