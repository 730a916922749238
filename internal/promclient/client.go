// Package promclient talks to Prometheus-compatible HTTP APIs on behalf of a
// datasource and classifies every failure into a small closed set of errors.
package promclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/metrics"
)

// DefaultTimeout bounds a single upstream call.
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps what we are willing to buffer from one upstream answer.
const maxBodyBytes = 256 << 20

var tracer = otel.Tracer("github.com/andydixon/metricsdeck/internal/promclient")

// Client issues single GETs against one base URL. It never retries.
type Client struct {
	baseURL string
	name    string
	http    *http.Client
	timeout time.Duration
}

// NewClient builds a client for baseURL. name labels metrics and spans.
// A nil httpClient uses http.DefaultClient.
func NewClient(baseURL, name string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    name,
		http:    httpClient,
		timeout: timeout,
	}
}

// BaseURL returns the upstream root this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Get fetches path with params and returns the body untouched on 2xx.
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	ctx, span := tracer.Start(ctx, "promclient.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("datasource", c.name),
			attribute.String("http.path", path),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	body, err := c.do(ctx, u)
	kind := ""
	if err != nil {
		var perr Error
		if errors.As(err, &perr) {
			kind = perr.Kind()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Ctx(ctx).Debug().Err(err).Str("url", u).Str("kind", kind).Msg("upstream call failed")
	}
	metrics.RecordUpstream(c.name, path, kind, time.Since(start))
	return body, err
}

func (c *Client) do(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransportError{Host: c.host(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(ctx, u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.classify(ctx, u, err)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			Status:  resp.StatusCode,
			Message: upstreamMessage(resp.StatusCode, body),
			Body:    body,
		}
	}
	return body, nil
}

// classify maps a transport failure onto the error taxonomy. A caller that
// gave up gets context.Canceled back so it is not blamed on the datasource.
func (c *Client) classify(ctx context.Context, u string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	var nerr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &nerr) && nerr.Timeout()) {
		return &TimeoutError{URL: u, Err: err}
	}
	return &TransportError{Host: c.host(), Err: err}
}

func (c *Client) host() string {
	if pu, err := url.Parse(c.baseURL); err == nil && pu.Host != "" {
		return pu.Host
	}
	return c.baseURL
}

// upstreamMessage prefers the "error" field of a Prometheus error envelope.
func upstreamMessage(status int, body []byte) string {
	var env struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		return env.Error
	}
	return fmt.Sprintf("returned status %d", status)
}
