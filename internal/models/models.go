// Package models holds the records shared by the store, the proxy and the
// discovery engine.
package models

import "time"

// Datasource auth types.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// Datasource connection states, refreshed by a connection test.
const (
	StatusUnknown   = "unknown"
	StatusConnected = "connected"
	StatusError     = "error"
)

// DatasourceTypePrometheus is the only datasource type the proxy speaks.
const DatasourceTypePrometheus = "prometheus"

// Datasource is a configured upstream Prometheus-compatible endpoint.
type Datasource struct {
	ID       int64  `json:"id"`
	Name     string `json:"name" validate:"required,max=200"`
	URL      string `json:"url" validate:"required,url"`
	Type     string `json:"type" validate:"omitempty,oneof=prometheus"`
	AuthType string `json:"authType" validate:"omitempty,oneof=none basic bearer"`

	BasicAuthUser     string `json:"basicAuthUser,omitempty"`
	BasicAuthPassword string `json:"-"`
	BearerToken       string `json:"-"`

	// PEM encoded TLS material.
	TLSClientCert string `json:"tlsClientCert,omitempty"`
	TLSClientKey  string `json:"-"`
	TLSCACert     string `json:"tlsCaCert,omitempty"`
	SkipVerify    bool   `json:"skipVerify"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ApplyDefaults fills in the type, auth type and status when unset.
func (ds *Datasource) ApplyDefaults() {
	if ds.Type == "" {
		ds.Type = DatasourceTypePrometheus
	}
	if ds.AuthType == "" {
		ds.AuthType = AuthNone
	}
	if ds.Status == "" {
		ds.Status = StatusUnknown
	}
}

// HasCredentials reports whether any secret material is stored for ds.
func (ds *Datasource) HasCredentials() bool {
	return ds.BasicAuthPassword != "" || ds.BearerToken != "" || ds.TLSClientKey != ""
}

// MetricQuery is a saved PromQL expression with its display settings.
type MetricQuery struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name" validate:"required,max=200"`
	PromQL       string    `json:"promql" validate:"required"`
	Description  string    `json:"description,omitempty"`
	Color        string    `json:"color,omitempty" validate:"omitempty,hexcolor"`
	Unit         string    `json:"unit,omitempty"`
	AxisFormat   string    `json:"axisFormat,omitempty"`
	Favorite     bool      `json:"favorite"`
	DatasourceID *int64    `json:"datasourceId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MetricTarget is a dashboard panel. Position orders panels on the dashboard.
type MetricTarget struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name" validate:"required,max=200"`
	PromQL       string    `json:"promql" validate:"required"`
	Color        string    `json:"color,omitempty" validate:"omitempty,hexcolor"`
	Unit         string    `json:"unit,omitempty"`
	AxisFormat   string    `json:"axisFormat,omitempty"`
	Favorite     bool      `json:"favorite"`
	Position     int       `json:"position" validate:"min=0"`
	DatasourceID *int64    `json:"datasourceId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Metric types as reported by the Prometheus metadata API.
const (
	MetricTypeCounter   = "counter"
	MetricTypeGauge     = "gauge"
	MetricTypeHistogram = "histogram"
	MetricTypeSummary   = "summary"
	MetricTypeUnknown   = "unknown"
)

// MetricInfo is the cheap discovery result: a name and its type.
type MetricInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExtendedMetricInfo is recomputed on every export and never stored.
type ExtendedMetricInfo struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Help        string   `json:"help"`
	Labels      []string `json:"labels"`
	SampleCount int      `json:"sampleCount"`
}

// MetricsProgress is a snapshot of a running export. Elapsed and ETA are seconds.
type MetricsProgress struct {
	Processed     int     `json:"processed"`
	Total         int     `json:"total"`
	Percentage    int     `json:"percentage"`
	CurrentMetric string  `json:"currentMetric"`
	Rate          float64 `json:"rate"`
	Elapsed       float64 `json:"elapsed"`
	ETA           float64 `json:"eta"`
	BatchSize     int     `json:"batchSize"`
}

// ConnectionResult is the outcome of a datasource connection test.
type ConnectionResult struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	MetricCount int    `json:"metricCount,omitempty"`
}
