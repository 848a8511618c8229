package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	maxCatalogBodyBytes  = 8 << 20
	retryAfterDetailName = "retry_after_seconds"
)

type fetcher struct {
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration)
	now    func() time.Time
}

func newFetcher(timeout time.Duration) *fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &fetcher{
		client: &http.Client{Timeout: timeout},
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// dockerRegistry is the docker catalog payload: a registry map keyed by
// item id.
type dockerRegistry struct {
	Registry map[string]struct {
		Description string   `json:"description,omitempty"`
		Image       string   `json:"image,omitempty"`
		Category    string   `json:"category,omitempty"`
		Tags        []string `json:"tags,omitempty"`
	} `json:"registry"`
}

func (f *fetcher) fetchDocker(ctx context.Context, rawURL string) ([]Item, error) {
	body, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var payload dockerRegistry
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.New(errors.ErrCatalog, "docker catalog payload is malformed", err)
	}

	items := make([]Item, 0, len(payload.Registry))
	for id, entry := range payload.Registry {
		items = append(items, Item{
			ID:          id,
			Name:        id,
			Description: entry.Description,
			Image:       entry.Image,
			Category:    entry.Category,
			Tags:        entry.Tags,
			Source:      SourceDocker,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// officialPage is one page of the official registry listing.
type officialPage struct {
	Servers []struct {
		ID          string `json:"id,omitempty"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Category    string `json:"category,omitempty"`
		Remotes     []struct {
			URL string `json:"url"`
		} `json:"remotes,omitempty"`
	} `json:"servers"`
	Metadata struct {
		NextCursor string `json:"nextCursor,omitempty"`
	} `json:"metadata"`
}

// fetchOfficial walks the cursor pagination chain. A failed later page
// keeps the items collected so far and reports a warning.
func (f *fetcher) fetchOfficial(ctx context.Context, baseURL string, maxPages int, pageDelay time.Duration) ([]Item, string, error) {
	var (
		items   []Item
		seen    = make(map[string]bool)
		cursor  string
		warning string
	)

	for page := 0; page < maxPages; page++ {
		if page > 0 {
			f.sleep(ctx, pageDelay)
		}

		pageURL := baseURL
		if cursor != "" {
			pageURL = baseURL + pageSeparator(baseURL) + "cursor=" + url.QueryEscape(cursor)
		}

		body, err := f.get(ctx, pageURL)
		if err != nil {
			if page == 0 {
				return nil, "", err
			}
			logger.Warnw("official catalog page failed, returning partial result",
				"page", page+1, "error", err)
			warning = fmt.Sprintf("partial result: page %d failed: %v", page+1, err)
			break
		}

		var payload officialPage
		if err := json.Unmarshal(body, &payload); err != nil {
			if page == 0 {
				return nil, "", errors.New(errors.ErrCatalog, "official catalog payload is malformed", err)
			}
			warning = fmt.Sprintf("partial result: page %d was malformed", page+1)
			break
		}

		for _, srv := range payload.Servers {
			item := Item{
				ID:          srv.ID,
				Name:        srv.Name,
				Description: srv.Description,
				Category:    srv.Category,
				Source:      SourceOfficial,
			}
			if item.ID == "" {
				item.ID = srv.Name
			}
			if len(srv.Remotes) > 0 {
				item.Endpoint = srv.Remotes[0].URL
			}
			item.ID = dedupID(seen, item.ID)
			seen[item.ID] = true
			items = append(items, item)
		}

		cursor = payload.Metadata.NextCursor
		if cursor == "" {
			break
		}
	}
	return items, warning, nil
}

// dedupID returns the id, or the first free "-2"/"-3" suffixed variant on
// collision.
func dedupID(seen map[string]bool, id string) string {
	if !seen[id] {
		return id
	}
	for n := 2; ; n++ {
		candidate := id + "-" + strconv.Itoa(n)
		if !seen[candidate] {
			return candidate
		}
	}
}

// get fetches a URL, mapping upstream failure modes onto the catalog error
// kinds.
func (f *fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.New(errors.ErrCatalog, "building catalog request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.ErrUpstreamUnavailable, "catalog upstream unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBodyBytes))
	if err != nil {
		return nil, errors.New(errors.ErrUpstreamUnavailable, "reading catalog response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.New(errors.ErrRateLimited, "catalog upstream rate limited the request", nil).
			WithDetail(retryAfterDetailName, f.retryAfterSeconds(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return nil, errors.Newf(errors.ErrUpstreamUnavailable,
			"catalog upstream returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, errors.Newf(errors.ErrCatalog,
			"catalog upstream rejected the request with %d", resp.StatusCode)
	}
	return body, nil
}

// retryAfterSeconds parses a Retry-After header: integer seconds or an
// HTTP-date relative to now, floored at zero.
func (f *fetcher) retryAfterSeconds(header string) int {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return secs
	}
	if at, err := http.ParseTime(header); err == nil {
		secs := int(at.Sub(f.now()).Seconds())
		if secs < 0 {
			return 0
		}
		return secs
	}
	return 0
}

func pageSeparator(baseURL string) string {
	if strings.Contains(baseURL, "?") {
		return "&"
	}
	return "?"
}

func itemMatchesQuery(item Item, query string) bool {
	query = strings.ToLower(query)
	if strings.Contains(strings.ToLower(item.Name), query) ||
		strings.Contains(strings.ToLower(item.Description), query) ||
		strings.Contains(strings.ToLower(item.ID), query) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
