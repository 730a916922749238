package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andydixon/metricsdeck/internal/catalog"
	"github.com/andydixon/metricsdeck/internal/dashboard"
	"github.com/andydixon/metricsdeck/internal/discovery"
	"github.com/andydixon/metricsdeck/internal/governor"
	"github.com/andydixon/metricsdeck/internal/models"
	"github.com/andydixon/metricsdeck/internal/promclient"
	"github.com/andydixon/metricsdeck/internal/querylog"
	"github.com/andydixon/metricsdeck/internal/store"
)

// Options tune the HTTP surface.
type Options struct {
	CORSOrigins []string
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int
	// ActivityEvery is how often export progress also logs an activity line.
	ActivityEvery int
	// KeepAlive is the SSE ping interval.
	KeepAlive time.Duration
}

// Deps are the long-lived objects owned by main.
type Deps struct {
	Store     store.Store
	Registry  *promclient.Registry
	Global    *promclient.DatasourceClient
	Semaphore *governor.Semaphore
	Sequencer *governor.Sequencer
	QueryLog  *querylog.Log
	Engine    *discovery.Engine
	Catalog   *catalog.Manager
}

// Server holds the datasource store, the shared clients and the governor.
type Server struct {
	store     store.Store
	registry  *promclient.Registry
	global    *promclient.DatasourceClient
	sem       *governor.Semaphore
	qlog      *querylog.Log
	engine    *discovery.Engine
	catalog   *catalog.Manager
	dashboard *dashboard.Loader
	opts      Options
}

func NewServer(d Deps, opts Options) *Server {
	s := &Server{
		store:    d.Store,
		registry: d.Registry,
		global:   d.Global,
		sem:      d.Semaphore,
		qlog:     d.QueryLog,
		engine:   d.Engine,
		catalog:  d.Catalog,
		opts:     opts,
	}
	s.dashboard = dashboard.NewLoader(d.Semaphore, d.Sequencer, d.QueryLog, s.resolvePanel)
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(instrument)
	r.Use(corsHandler(s.opts.CORSOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimit(s.opts.RateLimit))

		// Static upstream from prometheus.url.
		r.Route("/prom", func(r chi.Router) {
			r.Get("/query", s.handleGlobalQuery)
			r.Post("/query", s.handleGlobalQuery)
			r.Get("/query_range", s.handleGlobalQueryRange)
			r.Post("/query_range", s.handleGlobalQueryRange)
			r.Get("/label/{label}/values", s.handleGlobalLabelValues)
		})

		r.Route("/datasources", func(r chi.Router) {
			r.Get("/", s.handleListDatasources)
			r.Post("/", s.handleCreateDatasource)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDatasource)
				r.Patch("/", s.handleUpdateDatasource)
				r.Delete("/", s.handleDeleteDatasource)
				r.Post("/test", s.handleTestDatasource)

				r.Get("/prom/query", s.handleQuery)
				r.Post("/prom/query", s.handleQuery)
				r.Get("/prom/query_range", s.handleQueryRange)
				r.Post("/prom/query_range", s.handleQueryRange)
				r.Get("/prom/label/{label}/values", s.handleLabelValues)

				r.Get("/metrics", s.handleMetrics)
				r.Get("/metrics/export", s.handleExport)
				r.Get("/metrics/export/stream", s.handleExportStream)
			})
		})

		r.Route("/queries", func(r chi.Router) {
			r.Get("/", s.handleListQueries)
			r.Post("/", s.handleCreateQuery)
			r.Get("/{id}", s.handleGetQuery)
			r.Patch("/{id}", s.handleUpdateQuery)
			r.Delete("/{id}", s.handleDeleteQuery)
		})

		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.handleListTargets)
			r.Post("/", s.handleCreateTarget)
			r.Get("/{id}", s.handleGetTarget)
			r.Patch("/{id}", s.handleUpdateTarget)
			r.Delete("/{id}", s.handleDeleteTarget)
		})

		r.Get("/query-log", s.handleQueryLog)
		r.Delete("/query-log", s.handleClearQueryLog)
		r.Get("/catalog", s.handleCatalog)
		r.Get("/catalog/{id}/promql", s.handleCatalogPromQL)
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/governor", s.handleGovernor)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// datasource loads the {id} datasource. Unknown ids fail here, before any
// upstream call is made.
func (s *Server) datasource(r *http.Request) (*models.Datasource, error) {
	id, err := idParam(r)
	if err != nil {
		return nil, err
	}
	ds, err := s.store.GetDatasource(r.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("datasource %d %w", id, err)
	}
	return ds, nil
}

// datasourceClient resolves {id} to its cached upstream client.
func (s *Server) datasourceClient(r *http.Request) (*models.Datasource, *promclient.DatasourceClient, error) {
	ds, err := s.datasource(r)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.registry.For(ds)
	if err != nil {
		return nil, nil, err
	}
	return ds, c, nil
}

func (s *Server) resolvePanel(ctx context.Context, id *int64) (dashboard.Querier, error) {
	if id == nil {
		return s.global, nil
	}
	ds, err := s.store.GetDatasource(ctx, *id)
	if err != nil {
		return nil, fmt.Errorf("datasource %d %w", *id, err)
	}
	c, err := s.registry.For(ds)
	if err != nil {
		return nil, err
	}
	return c, nil
}
