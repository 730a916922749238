package promclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/sony/gobreaker"

	"github.com/andydixon/metricsdeck/internal/models"
)

// Options configure every datasource client built by ForDatasource.
type Options struct {
	Timeout time.Duration
	Breaker BreakerSettings
}

// DatasourceClient binds the upstream client to one datasource record.
type DatasourceClient struct {
	ds      models.Datasource
	client  *Client
	breaker *gobreaker.CircuitBreaker
}

// ForDatasource builds a client using ds's URL, auth and TLS material.
func ForDatasource(ds *models.Datasource, opts Options) (*DatasourceClient, error) {
	httpClient, err := newHTTPClient(ds)
	if err != nil {
		return nil, err
	}
	if opts.Breaker.FailureRatio == 0 {
		opts.Breaker = DefaultBreakerSettings()
	}
	name := ds.Name
	if ds.ID != 0 {
		name = strconv.FormatInt(ds.ID, 10)
	}
	return &DatasourceClient{
		ds:      *ds,
		client:  NewClient(ds.URL, name, httpClient, opts.Timeout),
		breaker: newBreaker(name, opts.Breaker),
	}, nil
}

// Datasource returns the record the client was built from.
func (c *DatasourceClient) Datasource() models.Datasource { return c.ds }

func (c *DatasourceClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Get(ctx, path, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &CircuitOpenError{Datasource: c.ds.Name, Err: err}
		}
		return nil, err
	}
	return out.([]byte), nil
}

// Query runs an instant query. ts may be empty to let upstream use "now".
func (c *DatasourceClient) Query(ctx context.Context, promql, ts string) ([]byte, error) {
	params := url.Values{"query": {promql}}
	if ts != "" {
		params.Set("time", ts)
	}
	return c.get(ctx, "/api/v1/query", params)
}

// QueryRange runs a range query. All arguments are passed through verbatim.
func (c *DatasourceClient) QueryRange(ctx context.Context, promql, start, end, step string) ([]byte, error) {
	return c.get(ctx, "/api/v1/query_range", url.Values{
		"query": {promql},
		"start": {start},
		"end":   {end},
		"step":  {step},
	})
}

// LabelValues returns the raw label values answer for label.
func (c *DatasourceClient) LabelValues(ctx context.Context, label string) ([]byte, error) {
	return c.get(ctx, "/api/v1/label/"+url.PathEscape(label)+"/values", nil)
}

// LabelValueList decodes the values of label, sorted.
func (c *DatasourceClient) LabelValueList(ctx context.Context, label string) ([]string, error) {
	body, err := c.LabelValues(ctx, label)
	if err != nil {
		return nil, err
	}
	var env struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed(body, err)
	}
	sort.Strings(env.Data)
	return env.Data, nil
}

// Series returns the label sets matching any of matchers.
func (c *DatasourceClient) Series(ctx context.Context, matchers []string) ([]map[string]string, error) {
	body, err := c.get(ctx, "/api/v1/series", url.Values{"match[]": matchers})
	if err != nil {
		return nil, err
	}
	var env struct {
		Data []map[string]string `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed(body, err)
	}
	return env.Data, nil
}

// Metadata returns per-metric type/help/unit as reported by the targets.
func (c *DatasourceClient) Metadata(ctx context.Context) (map[string][]v1.Metadata, error) {
	body, err := c.get(ctx, "/api/v1/metadata", nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Data map[string][]v1.Metadata `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed(body, err)
	}
	if env.Data == nil {
		env.Data = map[string][]v1.Metadata{}
	}
	return env.Data, nil
}

// TestConnection lists metric names and reports the outcome. It never fails.
func (c *DatasourceClient) TestConnection(ctx context.Context) models.ConnectionResult {
	names, err := c.LabelValueList(ctx, "__name__")
	if err != nil {
		return models.ConnectionResult{Success: false, Error: err.Error()}
	}
	return models.ConnectionResult{Success: true, MetricCount: len(names)}
}

func malformed(body []byte, err error) error {
	return &UpstreamError{
		Status:  0,
		Message: fmt.Sprintf("malformed response from datasource: %v", err),
		Body:    body,
	}
}
