package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydixon/metricsdeck/internal/discovery"
	"github.com/andydixon/metricsdeck/internal/models"
	"github.com/andydixon/metricsdeck/internal/querylog"
)

func TestParameterValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{"missing query", http.MethodGet, "/api/datasources/1/prom/query", `missing required parameter "query"`},
		{"missing step", http.MethodGet, "/api/datasources/1/prom/query_range?query=up&start=1&end=2", `missing required parameter "step"`},
		{"global missing query", http.MethodGet, "/api/prom/query", `missing required parameter "query"`},
		{"bad label", http.MethodGet, "/api/datasources/1/prom/label/1bad-label/values", "label must be a valid label name"},
		{"bad id", http.MethodGet, "/api/datasources/abc/prom/query?query=up", `invalid id "abc"`},
		{"zero id", http.MethodGet, "/api/datasources/0", `invalid id "0"`},
		{"bad format", http.MethodGet, "/api/datasources/1/metrics/export?format=xml", "format must be json or csv"},
		{"bad limit", http.MethodGet, "/api/query-log?limit=-1", "limit must be a non-negative integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body map[string]string
			decode(t, w, &body)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, tt.want, body["error"])
		})
	}
	assert.Zero(t, env.prom.hits.Load())
}

func TestUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode int
		wantMsg  string
	}{
		{"server error", http.StatusInternalServerError, `{"status":"error","error":"x"}`, http.StatusBadGateway, "x"},
		{"bad query", http.StatusBadRequest, `{"status":"error","errorType":"bad_data","error":"parse error"}`, http.StatusBadRequest, "parse error"},
		{"unprocessable", http.StatusUnprocessableEntity, `{"status":"error","error":"query too large"}`, http.StatusUnprocessableEntity, "query too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer upstream.Close()
			require.NoError(t, env.store.CreateDatasource(context.Background(), &models.Datasource{Name: "failing", URL: upstream.URL}))

			w := env.do(t, http.MethodGet, "/api/datasources/2/prom/query?query=up", "")
			assert.Equal(t, tt.wantCode, w.Code)
			var body map[string]string
			decode(t, w, &body)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, tt.wantMsg, body["error"])

			entries := env.server.qlog.Entries(0)
			require.Len(t, entries, 1)
			assert.Equal(t, querylog.StatusError, entries[0].Status)
			assert.Equal(t, tt.wantCode, entries[0].HTTPStatus)
		})
	}
}

func TestRangeAndLabelPassThrough(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/datasources/1/prom/query_range?query=up&start=1700000000&end=1700000060&step=60", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"resultType":"matrix"`)

	w = env.do(t, http.MethodGet, "/api/datasources/1/prom/label/job/values", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","data":["node","prom"]}`, w.Body.String())

	// POST bodies are merged with the query string.
	w = env.do(t, http.MethodPost, "/api/prom/query", `{"query":"up"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, vectorPayload, w.Body.String())
}

func TestQueryLogRecordsProxiedCalls(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodGet, "/api/datasources/1/prom/query?query=up", "")
	env.do(t, http.MethodGet, "/api/prom/label/job/values", "")

	w := env.do(t, http.MethodGet, "/api/query-log", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []querylog.Entry
	decode(t, w, &entries)
	require.Len(t, entries, 2)

	assert.Equal(t, querylog.KindLabels, entries[0].Kind)
	assert.Nil(t, entries[0].DatasourceID)
	assert.Equal(t, 2, entries[0].ResultCount)

	assert.Equal(t, querylog.KindInstant, entries[1].Kind)
	assert.Equal(t, "up", entries[1].PromQL)
	assert.Equal(t, querylog.StatusSuccess, entries[1].Status)
	assert.Equal(t, 1, entries[1].ResultCount)
	require.NotNil(t, entries[1].DatasourceID)
	assert.Equal(t, int64(1), *entries[1].DatasourceID)

	w = env.do(t, http.MethodGet, "/api/query-log?limit=1", "")
	decode(t, w, &entries)
	assert.Len(t, entries, 1)

	w = env.do(t, http.MethodDelete, "/api/query-log", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, env.server.qlog.Len())
}

func TestDatasourceCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/datasources",
		`{"name":"staging","url":"http://prom.staging:9090","authType":"bearer","bearerToken":"s3cret"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "s3cret")
	var created map[string]any
	decode(t, w, &created)
	assert.Equal(t, float64(2), created["id"])
	assert.Equal(t, true, created["hasCredentials"])
	assert.Equal(t, models.StatusUnknown, created["status"])
	assert.Equal(t, models.DatasourceTypePrometheus, created["type"])

	w = env.do(t, http.MethodPost, "/api/datasources", `{"name":"staging","url":"http://other:9090"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"status":"error","error":"datasource \"staging\" already exists"}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/datasources", `{"url":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "name is required")
	assert.Contains(t, w.Body.String(), "url must be a valid URL")

	w = env.do(t, http.MethodPost, "/api/datasources", `{"name":"x","url":"http://x","password":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPatch, "/api/datasources/2", `{"name":"staging-eu"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var updated map[string]any
	decode(t, w, &updated)
	assert.Equal(t, "staging-eu", updated["name"])
	assert.Equal(t, "http://prom.staging:9090", updated["url"])
	assert.Equal(t, true, updated["hasCredentials"])

	w = env.do(t, http.MethodGet, "/api/datasources", "")
	var list []map[string]any
	decode(t, w, &list)
	assert.Len(t, list, 2)

	w = env.do(t, http.MethodDelete, "/api/datasources/2", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, "/api/datasources/2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodDelete, "/api/datasources/2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTestDatasourceStoresStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/datasources/1/test", "")
	require.Equal(t, http.StatusOK, w.Code)
	var result models.ConnectionResult
	decode(t, w, &result)
	assert.True(t, result.Success)

	ds, err := env.store.GetDatasource(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, ds.Status)
}

func TestQueryAndTargetCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/queries", `{"name":"cpu","promql":"rate(cpu[5m])","color":"#ff0000","datasourceId":1}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var q models.MetricQuery
	decode(t, w, &q)
	assert.Equal(t, int64(1), q.ID)

	w = env.do(t, http.MethodPost, "/api/queries", `{"name":"bad","promql":"up","datasourceId":42}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/queries", `{"name":"bad","promql":"up","color":"red"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPatch, "/api/queries/1", `{"favorite":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &q)
	assert.True(t, q.Favorite)
	assert.Equal(t, "rate(cpu[5m])", q.PromQL)

	w = env.do(t, http.MethodPost, "/api/targets", `{"name":"second","promql":"up","position":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/api/targets", `{"name":"first","promql":"up","position":1}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodGet, "/api/targets", "")
	var targets []models.MetricTarget
	decode(t, w, &targets)
	require.Len(t, targets, 2)
	assert.Equal(t, "first", targets[0].Name)

	w = env.do(t, http.MethodDelete, "/api/queries/1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, "/api/queries/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/targets/9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardEvaluatesTargets(t *testing.T) {
	env := newTestEnv(t)
	ds := int64(1)
	require.NoError(t, env.store.CreateTarget(context.Background(), &models.MetricTarget{Name: "up", PromQL: "up", Position: 0, DatasourceID: &ds}))
	require.NoError(t, env.store.CreateTarget(context.Background(), &models.MetricTarget{Name: "global", PromQL: "up", Position: 1}))

	w := env.do(t, http.MethodGet, "/api/dashboard?start=1700000000&end=1700000060&step=60", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Range  map[string]string `json:"range"`
		Panels []map[string]any  `json:"panels"`
	}
	decode(t, w, &out)
	assert.Equal(t, "60", out.Range["step"])
	require.Len(t, out.Panels, 2)
	assert.Equal(t, "up", out.Panels[0]["name"])
	assert.Equal(t, string(querylog.StatusSuccess), out.Panels[0]["status"])
	assert.Equal(t, "global", out.Panels[1]["name"])
	assert.NotNil(t, out.Panels[1]["data"])
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/catalog", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"up"`)

	w = env.do(t, http.MethodGet, `/api/catalog/up/promql?filters=job%3D%22node%22`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"up","promql":"up{job=\"node\"}"}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/catalog/nope/promql", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportDownload(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/datasources/1/metrics/export?format=csv", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	disp := w.Header().Get("Content-Disposition")
	assert.True(t, strings.HasPrefix(disp, `attachment; filename="metrics-prod-prometheus-`), disp)
	assert.True(t, strings.HasSuffix(disp, `.csv"`), disp)

	rows, err := discovery.ParseCSV(strings.NewReader(w.Body.String()))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "http_requests_total", rows[1].Name)
	assert.Equal(t, models.MetricTypeCounter, rows[1].Type)
	assert.Equal(t, []string{"code"}, rows[1].Labels)
	assert.Equal(t, 2, rows[1].SampleCount)

	w = env.do(t, http.MethodGet, "/api/datasources/1/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var basic []models.MetricInfo
	decode(t, w, &basic)
	assert.Equal(t, []models.MetricInfo{
		{Name: "http_requests_total", Type: models.MetricTypeCounter},
		{Name: "up", Type: models.MetricTypeGauge},
	}, basic)
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/governor", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"running":0,"queued":0,"capacity":10}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/nowhere", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"error"`)

	w = env.do(t, http.MethodPut, "/api/governor", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
