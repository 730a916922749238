package promclient

import (
	"fmt"
	"net/http"
	"strings"

	promconfig "github.com/prometheus/common/config"

	"github.com/andydixon/metricsdeck/internal/models"
)

// HTTPClientConfig maps a datasource's auth and TLS settings onto the
// Prometheus ecosystem's client configuration.
func HTTPClientConfig(ds *models.Datasource) promconfig.HTTPClientConfig {
	cfg := promconfig.DefaultHTTPClientConfig

	switch strings.ToLower(ds.AuthType) {
	case models.AuthBasic:
		cfg.BasicAuth = &promconfig.BasicAuth{
			Username: ds.BasicAuthUser,
			Password: promconfig.Secret(ds.BasicAuthPassword),
		}
	case models.AuthBearer:
		cfg.Authorization = &promconfig.Authorization{
			Type:        "Bearer",
			Credentials: promconfig.Secret(ds.BearerToken),
		}
	}

	cfg.TLSConfig = promconfig.TLSConfig{
		CA:                 ds.TLSCACert,
		Cert:               ds.TLSClientCert,
		Key:                promconfig.Secret(ds.TLSClientKey),
		InsecureSkipVerify: ds.SkipVerify,
	}
	return cfg
}

// ValidateDatasource checks that ds can be turned into an HTTP client.
func ValidateDatasource(ds *models.Datasource) error {
	_, err := newHTTPClient(ds)
	return err
}

func newHTTPClient(ds *models.Datasource) (*http.Client, error) {
	cfg := HTTPClientConfig(ds)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth/TLS settings: %w", err)
	}
	client, err := promconfig.NewClientFromConfig(cfg, "metricsdeck_"+ds.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}
	return client, nil
}
