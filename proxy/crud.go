package proxy

import (
	"fmt"
	"net/http"

	"github.com/andydixon/metricsdeck/internal/models"
	"github.com/andydixon/metricsdeck/internal/promclient"
	"github.com/andydixon/metricsdeck/internal/validation"
)

// datasourceRequest is the writable part of a datasource. Secrets are
// accepted here but never echoed back. Absent fields are left unchanged.
type datasourceRequest struct {
	Name              *string `json:"name"`
	URL               *string `json:"url"`
	Type              *string `json:"type"`
	AuthType          *string `json:"authType"`
	BasicAuthUser     *string `json:"basicAuthUser"`
	BasicAuthPassword *string `json:"basicAuthPassword"`
	BearerToken       *string `json:"bearerToken"`
	TLSClientCert     *string `json:"tlsClientCert"`
	TLSClientKey      *string `json:"tlsClientKey"`
	TLSCACert         *string `json:"tlsCaCert"`
	SkipVerify        *bool   `json:"skipVerify"`
}

func (req *datasourceRequest) apply(ds *models.Datasource) {
	set := func(dst, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&ds.Name, req.Name)
	set(&ds.URL, req.URL)
	set(&ds.Type, req.Type)
	set(&ds.AuthType, req.AuthType)
	set(&ds.BasicAuthUser, req.BasicAuthUser)
	set(&ds.BasicAuthPassword, req.BasicAuthPassword)
	set(&ds.BearerToken, req.BearerToken)
	set(&ds.TLSClientCert, req.TLSClientCert)
	set(&ds.TLSClientKey, req.TLSClientKey)
	set(&ds.TLSCACert, req.TLSCACert)
	if req.SkipVerify != nil {
		ds.SkipVerify = *req.SkipVerify
	}
}

// datasourceView is what clients see of a datasource.
type datasourceView struct {
	models.Datasource
	HasCredentials bool `json:"hasCredentials"`
}

func viewOf(ds *models.Datasource) datasourceView {
	return datasourceView{Datasource: *ds, HasCredentials: ds.HasCredentials()}
}

func validDatasource(ds *models.Datasource) error {
	ds.ApplyDefaults()
	if err := validation.Struct(ds); err != nil {
		return err
	}
	if err := promclient.ValidateDatasource(ds); err != nil {
		return badRequest(err.Error())
	}
	return nil
}

// ─── DATASOURCES ─────────────────────────────────────────────────────────────

func (s *Server) handleListDatasources(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListDatasources(r.Context())
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	out := make([]datasourceView, len(list))
	for i := range list {
		out[i] = viewOf(&list[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDatasource(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasource(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ds))
}

func (s *Server) handleCreateDatasource(w http.ResponseWriter, r *http.Request) {
	var req datasourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProxyError(w, r, err)
		return
	}
	ds := &models.Datasource{}
	req.apply(ds)
	if err := validDatasource(ds); err != nil {
		writeProxyError(w, r, err)
		return
	}
	if err := s.store.CreateDatasource(r.Context(), ds); err != nil {
		writeProxyError(w, r, fmt.Errorf("datasource %q %w", ds.Name, err))
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(ds))
}

func (s *Server) handleUpdateDatasource(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasource(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	var req datasourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProxyError(w, r, err)
		return
	}
	req.apply(ds)
	if err := validDatasource(ds); err != nil {
		writeProxyError(w, r, err)
		return
	}
	if err := s.store.UpdateDatasource(r.Context(), ds); err != nil {
		writeProxyError(w, r, fmt.Errorf("datasource %d %w", ds.ID, err))
		return
	}
	s.registry.Invalidate(ds.ID)
	writeJSON(w, http.StatusOK, viewOf(ds))
}

func (s *Server) handleDeleteDatasource(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	if err := s.store.DeleteDatasource(r.Context(), id); err != nil {
		writeProxyError(w, r, fmt.Errorf("datasource %d %w", id, err))
		return
	}
	s.registry.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

// ─── SAVED QUERIES ───────────────────────────────────────────────────────────

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListQueries(r.Context())
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	q, err := s.store.GetQuery(r.Context(), id)
	if err != nil {
		writeProxyError(w, r, fmt.Errorf("query %d %w", id, err))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleCreateQuery(w http.ResponseWriter, r *http.Request) {
	var q models.MetricQuery
	if err := decodeJSON(r, &q); err != nil {
		writeProxyError(w, r, err)
		return
	}
	q.ID = 0
	if err := validation.Struct(&q); err != nil {
		writeProxyError(w, r, err)
		return
	}
	if err := s.store.CreateQuery(r.Context(), &q); err != nil {
		writeProxyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleUpdateQuery(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	q, err := s.store.GetQuery(r.Context(), id)
	if err != nil {
		writeProxyError(w, r, fmt.Errorf("query %d %w", id, err))
		return
	}
	// Decoding over the stored record leaves absent fields unchanged.
	if err := decodeJSON(r, q); err != nil {
		writeProxyError(w, r, err)
		return
	}
	q.ID = id
	if err := validation.Struct(q); err != nil {
		writeProxyError(w, r, err)
		return
	}
	if err := s.store.UpdateQuery(r.Context(), q); err != nil {
		writeProxyError(w, r, fmt.Errorf("query %d %w", id, err))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	if err := s.store.DeleteQuery(r.Context(), id); err != nil {
		writeProxyError(w, r, fmt.Errorf("query %d %w", id, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── DASHBOARD TARGETS ───────────────────────────────────────────────────────

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListTargets(r.Context())
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	t, err := s.store.GetTarget(r.Context(), id)
	if err != nil {
		writeProxyError(w, r, fmt.Errorf("target %d %w", id, err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var t models.MetricTarget
	if err := decodeJSON(r, &t); err != nil {
		writeProxyError(w, r, err)
		return
	}
	t.ID = 0
	if err := validation.Struct(&t); err != nil {
		writeProxyError(w, r, err)
		return
	}
	if err := s.store.CreateTarget(r.Context(), &t); err != nil {
		writeProxyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	t, err := s.store.GetTarget(r.Context(), id)
	if err != nil {
		writeProxyError(w, r, fmt.Errorf("target %d %w", id, err))
		return
	}
	if err := decodeJSON(r, t); err != nil {
		writeProxyError(w, r, err)
		return
	}
	t.ID = id
	if err := validation.Struct(t); err != nil {
		writeProxyError(w, r, err)
		return
	}
	if err := s.store.UpdateTarget(r.Context(), t); err != nil {
		writeProxyError(w, r, fmt.Errorf("target %d %w", id, err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	if err := s.store.DeleteTarget(r.Context(), id); err != nil {
		writeProxyError(w, r, fmt.Errorf("target %d %w", id, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
