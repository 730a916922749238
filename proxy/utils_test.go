package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydixon/metricsdeck/internal/catalog"
	"github.com/andydixon/metricsdeck/internal/promclient"
	"github.com/andydixon/metricsdeck/internal/store"
	"github.com/andydixon/metricsdeck/internal/validation"
)

func TestParseClientParams(t *testing.T) {
	t.Run("query string", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/x?query=up&time=5", nil)
		vals, err := parseClientParams(r)
		require.NoError(t, err)
		assert.Equal(t, "up", vals.Get("query"))
		assert.Equal(t, "5", vals.Get("time"))
	})

	t.Run("form body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/x?step=15", strings.NewReader("query=rate(x%5B5m%5D)&start=1"))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		vals, err := parseClientParams(r)
		require.NoError(t, err)
		assert.Equal(t, "rate(x[5m])", vals.Get("query"))
		assert.Equal(t, "1", vals.Get("start"))
		assert.Equal(t, "15", vals.Get("step"))
	})

	t.Run("json body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"query":"up","start":1700000000,"match[]":["a","b"]}`))
		r.Header.Set("Content-Type", "application/json")
		vals, err := parseClientParams(r)
		require.NoError(t, err)
		assert.Equal(t, "up", vals.Get("query"))
		assert.Equal(t, "1700000000", vals.Get("start"))
		assert.Equal(t, []string{"a", "b"}, vals["match[]"])
	})

	t.Run("bad json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{`))
		r.Header.Set("Content-Type", "application/json")
		_, err := parseClientParams(r)
		status, msg := classify(err)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid JSON body", msg)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"request", badRequest("nope"), http.StatusBadRequest, "nope"},
		{"validation", validation.LabelName("0x"), http.StatusBadRequest, "label must be a valid label name"},
		{"not found", fmt.Errorf("datasource 7 %w", store.ErrNotFound), http.StatusNotFound, "datasource 7 not found"},
		{"catalog", fmt.Errorf("%w: disk", catalog.ErrUnknownEntry), http.StatusNotFound, catalog.ErrUnknownEntry.Error() + ": disk"},
		{"conflict", fmt.Errorf("datasource %q %w", "a", store.ErrConflict), http.StatusConflict, `datasource "a" already exists`},
		{"reference", store.ErrInvalidReference, http.StatusBadRequest, store.ErrInvalidReference.Error()},
		{"upstream 5xx", &promclient.UpstreamError{Status: 503, Message: "x"}, http.StatusBadGateway, "x"},
		{"upstream 4xx", &promclient.UpstreamError{Status: 422, Message: "bad"}, http.StatusUnprocessableEntity, "bad"},
		{"timeout", fmt.Errorf("fetching metadata: %w", &promclient.TimeoutError{URL: "http://p/api/v1/metadata", Err: context.DeadlineExceeded}),
			http.StatusGatewayTimeout, "request timed out: http://p/api/v1/metadata"},
		{"circuit", &promclient.CircuitOpenError{Datasource: "prod", Err: errors.New("circuit breaker is open")},
			http.StatusServiceUnavailable, "datasource prod is unavailable: circuit breaker is open"},
		{"internal", errors.New("pq: connection reset"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestWriteProxyErrorSilentWhenClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/x", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	writeProxyError(w, r, context.Canceled)
	assert.Zero(t, w.Body.Len())
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}
