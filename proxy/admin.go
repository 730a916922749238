package proxy

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andydixon/metricsdeck/internal/dashboard"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGovernor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"running":  s.sem.Running(),
		"queued":   s.sem.Queued(),
		"capacity": s.sem.Capacity(),
	})
}

// handleQueryLog returns recent proxied queries, newest first.
func (s *Server) handleQueryLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeProxyError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.qlog.Entries(limit))
}

func (s *Server) handleClearQueryLog(w http.ResponseWriter, r *http.Request) {
	s.qlog.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.List())
}

// handleCatalogPromQL renders one catalog entry with ?filters= substituted.
func (s *Server) handleCatalogPromQL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	promql, err := s.catalog.Render(id, r.URL.Query().Get("filters"))
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "promql": promql})
}

// handleDashboard evaluates every saved target over ?start=&end=&step=,
// defaulting to the last hour at one minute resolution.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now().Unix()
	rng := dashboard.Range{Start: q.Get("start"), End: q.Get("end"), Step: q.Get("step")}
	if rng.End == "" {
		rng.End = strconv.FormatInt(now, 10)
	}
	if rng.Start == "" {
		rng.Start = strconv.FormatInt(now-3600, 10)
	}
	if rng.Step == "" {
		rng.Step = "60"
	}

	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	panels, err := s.dashboard.Load(r.Context(), targets, rng)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"range": rng, "panels": panels})
}
