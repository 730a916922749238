package sse

import (
	"fmt"
	"time"

	"github.com/andydixon/metricsdeck/internal/models"
)

// DefaultActivityEvery bounds how often progress also produces an activity line.
const DefaultActivityEvery = 50

// Reporter turns an export's lifecycle into the event sequence
// connected, progress..., then complete or error, each terminal event
// followed by one activity summary.
type Reporter struct {
	w        *Writer
	every    int
	clock    func() time.Time
	finished bool
}

func NewReporter(w *Writer, activityEvery int) *Reporter {
	if activityEvery < 1 {
		activityEvery = DefaultActivityEvery
	}
	return &Reporter{w: w, every: activityEvery, clock: time.Now}
}

// Connected opens the stream.
func (r *Reporter) Connected(datasource string) error {
	return r.w.Send(ConnectedEvent{
		Type:    TypeConnected,
		Message: fmt.Sprintf("Connected to export stream for %s", datasource),
	})
}

// Progress sends p, plus an activity line every Nth item and on the last one.
func (r *Reporter) Progress(p models.MetricsProgress) error {
	if err := r.w.Send(ProgressEvent{Type: TypeProgress, MetricsProgress: p}); err != nil {
		return err
	}
	if p.Processed%r.every == 0 || p.Processed == p.Total {
		return r.activity("info", fmt.Sprintf("Processed %d/%d metrics (%d%%)", p.Processed, p.Total, p.Percentage))
	}
	return nil
}

// Complete is terminal. Later terminal calls are ignored.
func (r *Reporter) Complete(metrics []models.ExtendedMetricInfo) error {
	if r.finished {
		return nil
	}
	r.finished = true
	if metrics == nil {
		metrics = []models.ExtendedMetricInfo{}
	}
	if err := r.w.Send(CompleteEvent{Type: TypeComplete, Metrics: metrics, TotalProcessed: len(metrics)}); err != nil {
		return err
	}
	return r.activity("success", fmt.Sprintf("Export complete: %d metrics", len(metrics)))
}

// Fail is terminal. Later terminal calls are ignored.
func (r *Reporter) Fail(err error) error {
	if r.finished {
		return nil
	}
	r.finished = true
	if serr := r.w.Send(ErrorEvent{Type: TypeError, Message: err.Error()}); serr != nil {
		return serr
	}
	return r.activity("error", "Export failed: "+err.Error())
}

func (r *Reporter) activity(level, msg string) error {
	return r.w.Send(ActivityEvent{Type: TypeActivity, Level: level, Message: msg, Timestamp: r.clock()})
}
