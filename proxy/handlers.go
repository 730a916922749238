package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/models"
	"github.com/andydixon/metricsdeck/internal/querylog"
	"github.com/andydixon/metricsdeck/internal/validation"
)

// upstreamCall is one governed request to a datasource.
type upstreamCall func(ctx context.Context) ([]byte, error)

// forward runs call under the semaphore, records it in the query log and
// passes the upstream answer through unchanged.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, kind querylog.Kind, promql string, dsID *int64, call upstreamCall) {
	id := s.qlog.Start(kind, promql, r.URL.Path, dsID)

	var body []byte
	err := s.sem.Do(r.Context(), func(ctx context.Context) error {
		var err error
		body, err = call(ctx)
		return err
	})
	if err != nil {
		status, _ := classify(err)
		if errors.Is(err, context.Canceled) {
			status = statusClientClosedRequest
		}
		s.qlog.Finish(id, status, 0, err)
		writeProxyError(w, r, err)
		return
	}

	s.qlog.Finish(id, http.StatusOK, querylog.ResultCount(body), nil)
	writeJSONRaw(w, body)
}

// ─── DATASOURCE SCOPED ───────────────────────────────────────────────────────

// handleQuery implements /api/datasources/{id}/prom/query (instant).
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	// 1) Resolve the datasource before touching the network
	ds, client, err := s.datasourceClient(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}

	// 2) Merge and validate params
	params, err := parseClientParams(r)
	if err == nil {
		err = requireParams(params, "query")
	}
	if err != nil {
		writeProxyError(w, r, err)
		return
	}

	logging.Ctx(r.Context()).Debug().Int64("datasource_id", ds.ID).Str("query", params.Get("query")).Msg("instant query")

	// 3) Forward
	s.forward(w, r, querylog.KindInstant, params.Get("query"), &ds.ID, func(ctx context.Context) ([]byte, error) {
		return client.Query(ctx, params.Get("query"), params.Get("time"))
	})
}

// handleQueryRange implements /api/datasources/{id}/prom/query_range (matrix).
func (s *Server) handleQueryRange(w http.ResponseWriter, r *http.Request) {
	ds, client, err := s.datasourceClient(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}

	params, err := parseClientParams(r)
	if err == nil {
		err = requireParams(params, "query", "start", "end", "step")
	}
	if err != nil {
		writeProxyError(w, r, err)
		return
	}

	logging.Ctx(r.Context()).Debug().
		Int64("datasource_id", ds.ID).
		Str("query", params.Get("query")).
		Str("start", params.Get("start")).
		Str("end", params.Get("end")).
		Str("step", params.Get("step")).
		Msg("range query")

	s.forward(w, r, querylog.KindRange, params.Get("query"), &ds.ID, func(ctx context.Context) ([]byte, error) {
		return client.QueryRange(ctx, params.Get("query"), params.Get("start"), params.Get("end"), params.Get("step"))
	})
}

// handleLabelValues implements /api/datasources/{id}/prom/label/{label}/values.
func (s *Server) handleLabelValues(w http.ResponseWriter, r *http.Request) {
	ds, client, err := s.datasourceClient(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	label := chi.URLParam(r, "label")
	if err := validation.LabelName(label); err != nil {
		writeProxyError(w, r, err)
		return
	}

	s.forward(w, r, querylog.KindLabels, label, &ds.ID, func(ctx context.Context) ([]byte, error) {
		return client.LabelValues(ctx, label)
	})
}

// ─── GLOBAL ──────────────────────────────────────────────────────────────────

func (s *Server) handleGlobalQuery(w http.ResponseWriter, r *http.Request) {
	params, err := parseClientParams(r)
	if err == nil {
		err = requireParams(params, "query")
	}
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	s.forward(w, r, querylog.KindInstant, params.Get("query"), nil, func(ctx context.Context) ([]byte, error) {
		return s.global.Query(ctx, params.Get("query"), params.Get("time"))
	})
}

func (s *Server) handleGlobalQueryRange(w http.ResponseWriter, r *http.Request) {
	params, err := parseClientParams(r)
	if err == nil {
		err = requireParams(params, "query", "start", "end", "step")
	}
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	s.forward(w, r, querylog.KindRange, params.Get("query"), nil, func(ctx context.Context) ([]byte, error) {
		return s.global.QueryRange(ctx, params.Get("query"), params.Get("start"), params.Get("end"), params.Get("step"))
	})
}

func (s *Server) handleGlobalLabelValues(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	if err := validation.LabelName(label); err != nil {
		writeProxyError(w, r, err)
		return
	}
	s.forward(w, r, querylog.KindLabels, label, nil, func(ctx context.Context) ([]byte, error) {
		return s.global.LabelValues(ctx, label)
	})
}

// ─── CONNECTION TEST ─────────────────────────────────────────────────────────

// handleTestDatasource checks the datasource answers and stores the outcome
// as its status.
func (s *Server) handleTestDatasource(w http.ResponseWriter, r *http.Request) {
	ds, client, err := s.datasourceClient(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}

	result := client.TestConnection(r.Context())
	status := models.StatusConnected
	if !result.Success {
		status = models.StatusError
	}
	if err := s.store.SetDatasourceStatus(r.Context(), ds.ID, status); err != nil && !errors.Is(err, context.Canceled) {
		logging.Ctx(r.Context()).Warn().Err(err).Int64("datasource_id", ds.ID).Msg("failed to store datasource status")
	}
	writeJSON(w, http.StatusOK, result)
}
