package promclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydixon/metricsdeck/internal/metrics"
	"github.com/andydixon/metricsdeck/internal/models"
)

func TestClientGetPassThrough(t *testing.T) {
	const payload = `{"status":"success","data":{"resultType":"vector","result":[]}}`
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "test", nil, time.Second)
	body, err := c.Get(context.Background(), "/api/v1/query", url.Values{
		"query": {`rate(http_requests_total{job="api"}[5m])`},
		"time":  {"1700000000.5"},
	})
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
	assert.Equal(t, `rate(http_requests_total{job="api"}[5m])`, gotQuery.Get("query"))
	assert.Equal(t, "1700000000.5", gotQuery.Get("time"))
}

func TestClientErrorClassification(t *testing.T) {
	t.Run("upstream json error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "t", nil, time.Second).Get(context.Background(), "/api/v1/query", nil)
		var uerr *UpstreamError
		require.True(t, errors.As(err, &uerr))
		assert.Equal(t, "x", uerr.Error())
		assert.Equal(t, http.StatusInternalServerError, uerr.Status)
		assert.Equal(t, http.StatusBadGateway, uerr.StatusCode())
	})

	t.Run("upstream bad request keeps its code", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "t", nil, time.Second).Get(context.Background(), "/api/v1/query", nil)
		var perr Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, http.StatusBadRequest, perr.StatusCode())
		assert.Equal(t, "parse error", perr.Error())
	})

	t.Run("upstream without json body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("down for maintenance"))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "t", nil, time.Second).Get(context.Background(), "/api/v1/query", nil)
		var perr Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "returned status 503", perr.Error())
		assert.Equal(t, http.StatusBadGateway, perr.StatusCode())
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		_, err := NewClient(srv.URL, "t", nil, 50*time.Millisecond).Get(context.Background(), "/api/v1/query", nil)
		var perr Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, http.StatusGatewayTimeout, perr.StatusCode())
		assert.Contains(t, perr.Error(), "timed out")
		assert.Equal(t, "timeout", perr.Kind())
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		_, err := NewClient(addr, "t", nil, time.Second).Get(context.Background(), "/api/v1/query", nil)
		var perr Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, http.StatusBadGateway, perr.StatusCode())
		assert.Contains(t, perr.Error(), "connect")
		assert.Equal(t, "transport", perr.Kind())
	})
}

func TestDatasourceClientAuth(t *testing.T) {
	tests := []struct {
		name  string
		ds    models.Datasource
		check func(t *testing.T, r *http.Request)
	}{
		{
			name: "basic",
			ds:   models.Datasource{Name: "b", AuthType: models.AuthBasic, BasicAuthUser: "alice", BasicAuthPassword: "s3cret"},
			check: func(t *testing.T, r *http.Request) {
				u, p, ok := r.BasicAuth()
				assert.True(t, ok)
				assert.Equal(t, "alice", u)
				assert.Equal(t, "s3cret", p)
			},
		},
		{
			name: "bearer",
			ds:   models.Datasource{Name: "t", AuthType: models.AuthBearer, BearerToken: "tok"},
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			},
		},
		{
			name: "none",
			ds:   models.Datasource{Name: "n", AuthType: models.AuthNone},
			check: func(t *testing.T, r *http.Request) {
				assert.Empty(t, r.Header.Get("Authorization"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.check(t, r)
				_, _ = w.Write([]byte(`{"status":"success","data":["b","a"]}`))
			}))
			defer srv.Close()

			ds := tt.ds
			ds.URL = srv.URL
			c, err := ForDatasource(&ds, Options{Timeout: time.Second})
			require.NoError(t, err)
			vals, err := c.LabelValueList(context.Background(), "job")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, vals)
		})
	}
}

func TestDatasourceClientOperations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/query_range":
			q := r.URL.Query()
			assert.Equal(t, "up", q.Get("query"))
			assert.Equal(t, "100", q.Get("start"))
			assert.Equal(t, "200", q.Get("end"))
			assert.Equal(t, "15s", q.Get("step"))
			_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[]}}`))
		case "/api/v1/series":
			assert.Equal(t, []string{"up", "go_goroutines"}, r.URL.Query()["match[]"])
			_, _ = w.Write([]byte(`{"status":"success","data":[{"__name__":"up","job":"api"}]}`))
		case "/api/v1/metadata":
			_, _ = w.Write([]byte(`{"status":"success","data":{"up":[{"type":"gauge","help":"Up.","unit":""}]}}`))
		case "/api/v1/label/__name__/values":
			_, _ = w.Write([]byte(`{"status":"success","data":["up","go_goroutines"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := ForDatasource(&models.Datasource{ID: 7, Name: "p", URL: srv.URL}, Options{Timeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	body, err := c.QueryRange(ctx, "up", "100", "200", "15s")
	require.NoError(t, err)
	assert.Contains(t, string(body), "matrix")

	series, err := c.Series(ctx, []string{"up", "go_goroutines"})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "api", series[0]["job"])

	md, err := c.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Up.", md["up"][0].Help)
	assert.EqualValues(t, "gauge", md["up"][0].Type)

	res := c.TestConnection(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.MetricCount)
}

func TestTestConnectionNeverFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := ForDatasource(&models.Datasource{Name: "gone", URL: addr}, Options{Timeout: time.Second})
	require.NoError(t, err)
	res := c.TestConnection(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connect")
}

func TestBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := ForDatasource(&models.Datasource{ID: 99, Name: "flaky", URL: srv.URL}, Options{
		Timeout: time.Second,
		Breaker: BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Query(context.Background(), "up", "")
		var uerr *UpstreamError
		require.True(t, errors.As(err, &uerr))
	}
	_, err = c.Query(context.Background(), "up", "")
	var cerr *CircuitOpenError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, http.StatusServiceUnavailable, cerr.StatusCode())
	assert.EqualValues(t, 2, calls.Load())
}

func TestBreakerIgnoresBadQueries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	c, err := ForDatasource(&models.Datasource{ID: 98, Name: "strict", URL: srv.URL}, Options{
		Timeout: time.Second,
		Breaker: BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5},
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := c.Query(context.Background(), "up{", "")
		var uerr *UpstreamError
		require.True(t, errors.As(err, &uerr), "call %d", i)
	}
}

func TestBreakerIgnoresCancelledCalls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	}))
	defer srv.Close()

	c, err := ForDatasource(&models.Datasource{ID: 97, Name: "healthy", URL: srv.URL}, Options{
		Timeout: time.Second,
		Breaker: BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5},
	})
	require.NoError(t, err)

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		_, err := c.Query(gone, "up", "")
		require.ErrorIs(t, err, context.Canceled, "call %d", i)
		var perr Error
		assert.False(t, errors.As(err, &perr), "call %d classified as %v", i, err)
	}

	_, err = c.Query(context.Background(), "up", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRegistryInvalidateDropsBreakerGauge(t *testing.T) {
	r := NewRegistry(Options{Timeout: time.Second})
	before := testutil.CollectAndCount(metrics.CircuitBreakerState)

	_, err := r.For(&models.Datasource{ID: 4242, Name: "gauged", URL: "http://up:9090"})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.CollectAndCount(metrics.CircuitBreakerState))

	r.Invalidate(4242)
	assert.Equal(t, before, testutil.CollectAndCount(metrics.CircuitBreakerState))
}

func TestRegistryCachesByUpdatedAt(t *testing.T) {
	r := NewRegistry(Options{Timeout: time.Second})
	ds := &models.Datasource{ID: 1, Name: "a", URL: "http://up:9090", UpdatedAt: time.Unix(100, 0)}

	c1, err := r.For(ds)
	require.NoError(t, err)
	c2, err := r.For(ds)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	ds.UpdatedAt = time.Unix(200, 0)
	c3, err := r.For(ds)
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)

	r.Invalidate(1)
	assert.Equal(t, 0, r.Len())
}

func TestValidateDatasourceRejectsCertWithoutKey(t *testing.T) {
	err := ValidateDatasource(&models.Datasource{
		Name:          "tls",
		URL:           "https://up:9090",
		TLSClientCert: "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
	})
	assert.Error(t, err)
}
