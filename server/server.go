// Package server exposes the admin REST API: pool management, the content
// store browser, pool file import/export, entry testing and local file
// serving.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
	"github.com/Zhalslar/api-aggregator/pkg/poolio"
	"github.com/Zhalslar/api-aggregator/pkg/registry"
	"github.com/Zhalslar/api-aggregator/pkg/store"
	"github.com/Zhalslar/api-aggregator/pkg/verifier"
)

// Server represents HTTP server instance
type Server struct {
	config    ConfigProvider
	registry  Registry
	store     Collections
	pool      Pool
	tester    Tester
	acquirer  Acquirer
	scheduler Scheduler
	version   string
	debug     bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// Registry covers api and site pool operations
type Registry interface {
	Entries() []*domain.APIEntry
	Entry(name string) *domain.APIEntry
	Match(text string, caller domain.Caller) []*domain.APIEntry
	AddEntries(ctx context.Context, payloads []map[string]any) ([]*domain.APIEntry, error)
	UpdateEntries(ctx context.Context, updates []registry.Update) ([]*domain.APIEntry, error)
	RemoveEntries(ctx context.Context, names []string) (removed, missing []string, err error)
	SetValid(ctx context.Context, names []string, valid bool) (updated, unknown []string, err error)
	Sites() []*domain.SiteEntry
	AddSites(ctx context.Context, payloads []map[string]any) ([]*domain.SiteEntry, error)
	UpdateSites(ctx context.Context, updates []registry.Update) ([]*domain.SiteEntry, error)
	RemoveSites(ctx context.Context, names []string) (removed, missing []string, err error)
	EntryCountBySite() map[string]int
}

// Collections covers the content store browser operations
type Collections interface {
	BaseDir() string
	ListPage(req store.ListRequest) store.Page
	CollectionItems(t domain.DataType, name string) (*store.CollectionDetail, error)
	DeleteCollection(t domain.DataType, name string) (int, error)
	DeleteItems(t domain.DataType, name string, sel store.ItemSelector) (store.DeleteResult, error)
}

// Pool covers pool file import and export
type Pool interface {
	ListFiles() ([]poolio.FileInfo, error)
	DeleteFiles(names []string) poolio.DeleteResult
	Export(pt poolio.PoolType) (string, error)
	ImportBytes(ctx context.Context, pt poolio.PoolType, raw []byte) (*poolio.ImportResult, error)
	ImportFile(ctx context.Context, pt poolio.PoolType, fileName string) (*poolio.ImportResult, error)
}

// Tester runs entry tests, streamed and single-shot
type Tester interface {
	StreamTests(ctx context.Context, sel verifier.Selection) <-chan verifier.Event
	Preview(ctx context.Context, payload map[string]any) (*verifier.Detail, error)
}

// Acquirer fetches content for a registered entry with local fallback
type Acquirer interface {
	Acquire(ctx context.Context, entry *domain.APIEntry) (*domain.DataResource, error)
}

// Scheduler reports cron job state
type Scheduler interface {
	JobCount() int
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// New initializes a new server instance
func New(cfg ConfigProvider, reg Registry, st Collections, pool Pool, tester Tester,
	acquirer Acquirer, sched Scheduler, version string, debug bool) *Server {
	s := &Server{
		config:    cfg,
		registry:  reg,
		store:     st,
		pool:      pool,
		tester:    tester,
		acquirer:  acquirer,
		scheduler: sched,
		version:   version,
		debug:     debug,
		router:    routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	log.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:        listen,
		Handler:     s.router,
		ReadTimeout: timeout,
		// no write timeout, the test stream endpoint holds its
		// connection for the whole batch run
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// Handler exposes the assembled router, used by tests
func (s *Server) Handler() http.Handler { return s.router }

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("api-aggregator", "Zhalslar", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(5 * 1024 * 1024)) // pool imports can be large
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)
		r.HandleFunc("GET /match", s.matchHandler)

		r.HandleFunc("GET /apis", s.listEntriesHandler)
		r.HandleFunc("POST /apis", s.addEntriesHandler)
		r.HandleFunc("PUT /apis", s.updateEntriesHandler)
		r.HandleFunc("DELETE /apis", s.removeEntriesHandler)
		r.HandleFunc("POST /apis/valid", s.setValidHandler)
		r.HandleFunc("POST /apis/{name}/acquire", s.acquireHandler)

		r.HandleFunc("GET /sites", s.listSitesHandler)
		r.HandleFunc("POST /sites", s.addSitesHandler)
		r.HandleFunc("PUT /sites", s.updateSitesHandler)
		r.HandleFunc("DELETE /sites", s.removeSitesHandler)

		r.HandleFunc("GET /collections", s.listCollectionsHandler)
		r.HandleFunc("GET /collections/{type}/{name}", s.collectionItemsHandler)
		r.HandleFunc("DELETE /collections/{type}/{name}", s.deleteCollectionHandler)
		r.HandleFunc("POST /collections/{type}/{name}/delete-items", s.deleteItemsHandler)

		r.HandleFunc("GET /pool/files", s.listPoolFilesHandler)
		r.HandleFunc("DELETE /pool/files", s.deletePoolFilesHandler)
		r.HandleFunc("POST /pool/export", s.exportPoolHandler)
		r.HandleFunc("POST /pool/import", s.importPoolHandler)
		r.HandleFunc("POST /pool/import-file", s.importPoolFileHandler)

		r.HandleFunc("POST /test/preview", s.previewHandler)
		r.HandleFunc("GET /test/stream", s.testStreamHandler)
	})

	s.router.HandleFunc("GET /api/local-file", s.localFileHandler)
}

// statusHandler returns server status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"time":      time.Now().UTC(),
		"apis":      len(s.registry.Entries()),
		"sites":     len(s.registry.Sites()),
		"cron_jobs": s.scheduler.JobCount(),
	}
	renderJSON(w, r, http.StatusOK, status)
}

// renderJSON sends JSON response
func renderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// renderError sends error response as JSON
func renderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	renderJSON(w, r, code, map[string]string{"error": errMsg})
}
