package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
)

func noSleep(recorded *[]time.Duration) func(context.Context, time.Duration) {
	return func(_ context.Context, d time.Duration) {
		*recorded = append(*recorded, d)
	}
}

func dockerPayload(ids ...string) string {
	registry := make(map[string]map[string]string, len(ids))
	for _, id := range ids {
		registry[id] = map[string]string{
			"description": "the " + id + " server",
			"image":       "example/" + id + ":latest",
			"category":    "tools",
		}
	}
	out, _ := json.Marshal(map[string]any{"registry": registry})
	return string(out)
}

func officialPayload(nextCursor string, names ...string) string {
	servers := make([]map[string]any, len(names))
	for i, name := range names {
		servers[i] = map[string]any{"name": name, "description": "remote " + name}
	}
	payload := map[string]any{"servers": servers, "metadata": map[string]any{}}
	if nextCursor != "" {
		payload["metadata"] = map[string]any{"nextCursor": nextCursor}
	}
	out, _ := json.Marshal(payload)
	return string(out)
}

func TestFetchUnknownSource(t *testing.T) {
	g := NewIngester(Options{DockerURL: "http://127.0.0.1:1/catalog"})

	_, err := g.Fetch(context.Background(), "npm", false)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrInvalidSource))
}

func TestFetchDockerAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, dockerPayload("bravo", "alpha"))
	}))
	defer srv.Close()

	g := NewIngester(Options{DockerURL: srv.URL, CacheTTL: time.Hour})
	ctx := context.Background()

	resp, err := g.Fetch(ctx, SourceDocker, false)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	require.Len(t, resp.Items, 2)
	// Sorted by id.
	assert.Equal(t, "alpha", resp.Items[0].ID)
	assert.Equal(t, "example/alpha:latest", resp.Items[0].Image)
	assert.Equal(t, SourceDocker, resp.Items[0].Source)
	assert.Equal(t, int32(1), hits.Load())

	// A live cache serves immediately and refreshes in the background.
	resp, err = g.Fetch(ctx, SourceDocker, false)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	g.Close()
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchOfficialPagination(t *testing.T) {
	var hits atomic.Int32
	pages := map[string]string{
		"":   officialPayload("cursor-2", pageNames(1, 30)...),
		"c2": officialPayload("cursor-3", pageNames(31, 60)...),
		"c3": officialPayload("", pageNames(61, 90)...),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, pages[""])
		case "cursor-2":
			fmt.Fprint(w, pages["c2"])
		case "cursor-3":
			fmt.Fprint(w, pages["c3"])
		default:
			http.Error(w, "bad cursor", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	g := NewIngester(Options{OfficialURL: srv.URL, MaxPages: 20, PageDelay: 250 * time.Millisecond})
	var sleeps []time.Duration
	g.fetcher.sleep = noSleep(&sleeps)

	resp, err := g.Fetch(context.Background(), SourceOfficial, false)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Empty(t, resp.Warning)
	assert.Len(t, resp.Items, 90)
	assert.Equal(t, int32(3), hits.Load())
	// Sleeps happen between pages, not after the last.
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, sleeps)
}

func pageNames(from, to int) []string {
	var names []string
	for i := from; i <= to; i++ {
		names = append(names, fmt.Sprintf("server-%03d", i))
	}
	return names
}

func TestFetchOfficialMaxPages(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, officialPayload("again", "a", "b"))
	}))
	defer srv.Close()

	g := NewIngester(Options{OfficialURL: srv.URL, MaxPages: 2})
	var sleeps []time.Duration
	g.fetcher.sleep = noSleep(&sleeps)

	resp, err := g.Fetch(context.Background(), SourceOfficial, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Len(t, resp.Items, 4)
}

func TestFetchOfficialPartialSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, officialPayload("cursor-2", "a", "b"))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewIngester(Options{OfficialURL: srv.URL})
	var sleeps []time.Duration
	g.fetcher.sleep = noSleep(&sleeps)

	resp, err := g.Fetch(context.Background(), SourceOfficial, false)
	require.NoError(t, err)
	assert.Len(t, resp.Items, 2)
	assert.Contains(t, resp.Warning, "partial result")
}

func TestFetchOfficialDedup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, officialPayload("cursor-2", "fetch", "search"))
			return
		}
		fmt.Fprint(w, officialPayload("", "fetch", "fetch"))
	}))
	defer srv.Close()

	g := NewIngester(Options{OfficialURL: srv.URL})
	var sleeps []time.Duration
	g.fetcher.sleep = noSleep(&sleeps)

	resp, err := g.Fetch(context.Background(), SourceOfficial, false)
	require.NoError(t, err)

	var ids []string
	for _, item := range resp.Items {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"fetch", "search", "fetch-2", "fetch-3"}, ids)
}

func TestFetchRateLimited(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter func(now time.Time) string
		expected   int
	}{
		{"integer seconds", func(time.Time) string { return "30" }, 30},
		{"http date", func(now time.Time) string {
			return now.Add(90 * time.Second).UTC().Format(http.TimeFormat)
		}, 90},
		{"past http date floors at zero", func(now time.Time) string {
			return now.Add(-time.Minute).UTC().Format(http.TimeFormat)
		}, 0},
		{"garbage", func(time.Time) string { return "soon" }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now().Truncate(time.Second)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", tt.retryAfter(now))
				w.WriteHeader(http.StatusTooManyRequests)
			}))
			defer srv.Close()

			g := NewIngester(Options{DockerURL: srv.URL})
			g.fetcher.now = func() time.Time { return now }

			_, err := g.Fetch(context.Background(), SourceDocker, false)
			require.Error(t, err)
			appErr, ok := errors.As(err)
			require.True(t, ok)
			assert.Equal(t, errors.ErrRateLimited, appErr.Type)
			assert.Equal(t, tt.expected, appErr.Detail["retry_after_seconds"])
		})
	}
}

func TestFetchUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewIngester(Options{DockerURL: srv.URL})
	_, err := g.Fetch(context.Background(), SourceDocker, false)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrUpstreamUnavailable))

	g = NewIngester(Options{DockerURL: "http://127.0.0.1:1/catalog", Timeout: time.Second})
	_, err = g.Fetch(context.Background(), SourceDocker, false)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrUpstreamUnavailable))
}

func TestStaleCacheServesWhenUpstreamDown(t *testing.T) {
	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if broken.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, dockerPayload("alpha"))
	}))
	defer srv.Close()

	g := NewIngester(Options{DockerURL: srv.URL, CacheTTL: time.Minute})
	ctx := context.Background()

	_, err := g.Fetch(ctx, SourceDocker, false)
	require.NoError(t, err)

	// Expire the cache and break the upstream.
	g.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	broken.Store(true)

	resp, err := g.Fetch(ctx, SourceDocker, false)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "alpha", resp.Items[0].ID)

	// A forced refresh never falls back to the cache.
	_, err = g.Fetch(ctx, SourceDocker, true)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrUpstreamUnavailable))
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"registry": {
			"github": {"description": "GitHub code hosting", "category": "dev"},
			"postgres": {"description": "PostgreSQL database", "category": "data"},
			"mysql": {"description": "MySQL database", "category": "data"}
		}}`)
	}))
	defer srv.Close()

	g := NewIngester(Options{DockerURL: srv.URL})
	defer g.Close()
	ctx := context.Background()

	resp, err := g.Search(ctx, SourceDocker, "database", "")
	require.NoError(t, err)
	assert.Len(t, resp.Items, 2)

	resp, err = g.Search(ctx, SourceDocker, "database", "data")
	require.NoError(t, err)
	assert.Len(t, resp.Items, 2)

	resp, err = g.Search(ctx, SourceDocker, "", "dev")
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "github", resp.Items[0].ID)

	resp, err = g.Search(ctx, SourceDocker, "database", "dev")
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
}
