package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/andydixon/metricsdeck/internal/catalog"
	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/promclient"
	"github.com/andydixon/metricsdeck/internal/store"
	"github.com/andydixon/metricsdeck/internal/validation"
)

// maxBodyBytes caps JSON and form request bodies.
const maxBodyBytes = 1 << 20

// statusClientClosedRequest is recorded for queries the client abandoned.
const statusClientClosedRequest = 499

// ─── PARAM PARSING ────────────────────────────────────────────────────────────

// parseClientParams merges GET + JSON-POST + form-POST into url.Values
func parseClientParams(r *http.Request) (url.Values, error) {
	vals := url.Values{}
	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
			var m map[string]any
			if len(body) > 0 {
				// Numbers keep their literal form, timestamps included.
				dec := json.NewDecoder(bytes.NewReader(body))
				dec.UseNumber()
				if err := dec.Decode(&m); err != nil {
					return nil, badRequest("invalid JSON body")
				}
			}
			for k, v := range m {
				switch arr := v.(type) {
				case []any:
					for _, x := range arr {
						vals.Add(k, fmt.Sprintf("%v", x))
					}
				default:
					vals.Set(k, fmt.Sprintf("%v", v))
				}
			}
		} else {
			r.Body = io.NopCloser(bytes.NewReader(body))
			if err := r.ParseForm(); err != nil {
				return nil, badRequest("invalid form body")
			}
			for k, vs := range r.PostForm {
				for _, x := range vs {
					vals.Add(k, x)
				}
			}
		}
	}
	for k, vs := range r.URL.Query() {
		for _, x := range vs {
			vals.Add(k, x)
		}
	}
	return vals, nil
}

// requireParams returns a 400 naming the first missing parameter.
func requireParams(vals url.Values, names ...string) error {
	for _, n := range names {
		if vals.Get(n) == "" {
			return badRequest(fmt.Sprintf("missing required parameter %q", n))
		}
	}
	return nil
}

// idParam reads the {id} path segment.
func idParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, badRequest(fmt.Sprintf("invalid id %q", raw))
	}
	return id, nil
}

// decodeJSON reads a JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

// ─── RESPONSES ────────────────────────────────────────────────────────────────

// writeJSON emits any JSON-able object with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("failed to write response")
	}
}

// writeJSONRaw emits an already encoded upstream answer unchanged.
func writeJSONRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeError emits the Prometheus error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}

// ─── ERROR MAPPING ───────────────────────────────────────────────────────────

// requestError is a client mistake reported as 400 with its message.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// classify maps an error to the status and message the client sees.
// Anything unrecognised is a 500 with a generic message.
func classify(err error) (int, string) {
	var reqErr *requestError
	var valErr *validation.Error
	var upErr promclient.Error
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, reqErr.msg
	case errors.As(err, &valErr):
		return http.StatusBadRequest, valErr.Error()
	case errors.Is(err, store.ErrNotFound), errors.Is(err, catalog.ErrUnknownEntry):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrInvalidReference):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &upErr):
		return upErr.StatusCode(), upErr.Error()
	}
	return http.StatusInternalServerError, "internal server error"
}

// writeProxyError is the only place handlers turn errors into responses.
func writeProxyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		logging.Ctx(r.Context()).Debug().Str("path", r.URL.Path).Msg("client went away")
		return
	}
	status, msg := classify(err)
	if status == http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		logging.Ctx(r.Context()).Debug().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request rejected")
	}
	writeError(w, status, msg)
}
