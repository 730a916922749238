package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydixon/metricsdeck/internal/models"
)

func TestStructUsesJSONNames(t *testing.T) {
	err := Struct(&models.Datasource{URL: "not a url", AuthType: "kerberos"})
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	fields := map[string]string{}
	for _, f := range verr.Fields {
		fields[f.Field] = f.Message
	}
	assert.Equal(t, "name is required", fields["name"])
	assert.Equal(t, "url must be a valid URL", fields["url"])
	assert.Equal(t, "authType must be one of: none basic bearer", fields["authType"])
}

func TestStructAcceptsValid(t *testing.T) {
	assert.NoError(t, Struct(&models.Datasource{Name: "prod", URL: "http://prom:9090"}))
	assert.NoError(t, Struct(&models.MetricQuery{Name: "CPU", PromQL: "up", Color: "#1f77b4"}))
}

func TestLabelName(t *testing.T) {
	tests := []struct {
		label string
		ok    bool
	}{
		{"job", true},
		{"__name__", true},
		{"_x1", true},
		{"", false},
		{"1job", false},
		{"job-name", false},
		{"job\"}", false},
	}
	for _, tt := range tests {
		err := LabelName(tt.label)
		if tt.ok {
			assert.NoError(t, err, tt.label)
			continue
		}
		require.Error(t, err, tt.label)
		assert.Contains(t, err.Error(), "label", tt.label)
	}
}
