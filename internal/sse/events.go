package sse

import (
	"time"

	"github.com/andydixon/metricsdeck/internal/models"
)

const (
	TypeConnected = "connected"
	TypeProgress  = "progress"
	TypeActivity  = "activity"
	TypeComplete  = "complete"
	TypeError     = "error"
)

type ConnectedEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ProgressEvent struct {
	Type string `json:"type"`
	models.MetricsProgress
}

// ActivityEvent is a human readable log line for the export console.
type ActivityEvent struct {
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type CompleteEvent struct {
	Type           string                      `json:"type"`
	Metrics        []models.ExtendedMetricInfo `json:"metrics"`
	TotalProcessed int                         `json:"totalProcessed"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
