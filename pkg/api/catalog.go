package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpfleet/mcpfleet/pkg/catalog"
)

// CatalogIngester is the catalog surface the routes drive.
type CatalogIngester interface {
	Fetch(ctx context.Context, source string, forceRefresh bool) (catalog.Response, error)
	Search(ctx context.Context, source, query, category string) (catalog.Response, error)
	PurgeCache()
}

// CatalogRoutes handles catalog reads and cache maintenance.
type CatalogRoutes struct {
	ingester CatalogIngester
}

// CatalogRouter mounts the catalog endpoints.
func CatalogRouter(ingester CatalogIngester) http.Handler {
	routes := CatalogRoutes{ingester: ingester}

	r := chi.NewRouter()
	r.Get("/", routes.fetch)
	r.Get("/search", routes.search)
	r.Delete("/cache", routes.purgeCache)
	return r
}

func (s *CatalogRoutes) fetch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resp, err := s.ingester.Fetch(r.Context(), query.Get("source"),
		query.Get("refresh") == "true")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *CatalogRoutes) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resp, err := s.ingester.Search(r.Context(), query.Get("source"),
		query.Get("q"), query.Get("category"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *CatalogRoutes) purgeCache(w http.ResponseWriter, r *http.Request) {
	s.ingester.PurgeCache()
	writeJSON(w, http.StatusOK, map[string]bool{"purged": true})
}
