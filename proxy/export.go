package proxy

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"

	"github.com/andydixon/metricsdeck/internal/discovery"
	"github.com/andydixon/metricsdeck/internal/governor"
	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/metrics"
	"github.com/andydixon/metricsdeck/internal/models"
	"github.com/andydixon/metricsdeck/internal/sse"
)

// governedSource runs every discovery call under the shared semaphore.
type governedSource struct {
	src discovery.Source
	sem *governor.Semaphore
}

func (g governedSource) Metadata(ctx context.Context) (md map[string][]v1.Metadata, err error) {
	err = g.sem.Do(ctx, func(ctx context.Context) error {
		md, err = g.src.Metadata(ctx)
		return err
	})
	return md, err
}

func (g governedSource) LabelValueList(ctx context.Context, label string) (vals []string, err error) {
	err = g.sem.Do(ctx, func(ctx context.Context) error {
		vals, err = g.src.LabelValueList(ctx, label)
		return err
	})
	return vals, err
}

func (g governedSource) Series(ctx context.Context, matchers []string) (series []map[string]string, err error) {
	err = g.sem.Do(ctx, func(ctx context.Context) error {
		series, err = g.src.Series(ctx, matchers)
		return err
	})
	return series, err
}

// handleMetrics lists metric names and types, or full descriptions with
// ?extended=true.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	_, client, err := s.datasourceClient(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	extended, _ := strconv.ParseBool(r.URL.Query().Get("extended"))
	src := governedSource{src: client, sem: s.sem}

	if extended {
		out, err := s.engine.ExtendedMetrics(r.Context(), src)
		if err != nil {
			writeProxyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	out, err := s.engine.BasicMetrics(r.Context(), src)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleExport renders the extended metric list as a JSON or CSV download.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ds, client, err := s.datasourceClient(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = discovery.FormatJSON
	}
	if format != discovery.FormatJSON && format != discovery.FormatCSV {
		writeProxyError(w, r, badRequest("format must be json or csv"))
		return
	}

	metrics.ExportsInFlight.Inc()
	defer metrics.ExportsInFlight.Dec()

	out, err := s.engine.ExtendedMetrics(r.Context(), governedSource{src: client, sem: s.sem})
	if err != nil {
		writeProxyError(w, r, err)
		return
	}

	// Render fully before committing headers so a failure can still be a 500.
	var buf bytes.Buffer
	if format == discovery.FormatCSV {
		err = discovery.WriteCSV(&buf, out)
	} else {
		err = discovery.WriteJSON(&buf, out)
	}
	if err != nil {
		writeProxyError(w, r, err)
		return
	}

	name := discovery.Filename(ds.Name, format, time.Now())
	w.Header().Set("Content-Type", discovery.ContentType(format))
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleExportStream runs an extended export and reports it as server-sent
// events. If the client disconnects the export is abandoned.
func (s *Server) handleExportStream(w http.ResponseWriter, r *http.Request) {
	// 1) Resolve before committing the stream so unknown ids are plain 404s
	ds, client, err := s.datasourceClient(r)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}

	metrics.ExportsInFlight.Inc()
	defer metrics.ExportsInFlight.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := sw.KeepAlive(ctx, s.opts.KeepAlive)
	defer stop()

	log := logging.Ctx(ctx)
	rep := sse.NewReporter(sw, s.opts.ActivityEvery)
	if err := rep.Connected(ds.Name); err != nil {
		return
	}

	// 2) Export, cancelling as soon as a write fails
	out, err := s.engine.ExtendedMetricsWithProgress(ctx, governedSource{src: client, sem: s.sem}, func(p models.MetricsProgress) {
		if err := rep.Progress(p); err != nil {
			cancel()
		}
	})

	// 3) Exactly one terminal event
	if err != nil {
		if ctx.Err() != nil && (sw.Closed() || r.Context().Err() != nil) {
			log.Info().Int64("datasource_id", ds.ID).Msg("export stream abandoned by client")
			return
		}
		status, msg := classify(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Int64("datasource_id", ds.ID).Msg("export stream failed")
		}
		_ = rep.Fail(errorMessage(msg))
		return
	}
	_ = rep.Complete(out)
	log.Info().Int64("datasource_id", ds.ID).Int("metrics", len(out)).Msg("export stream complete")
}

// errorMessage is an error carrying only a client-safe message.
type errorMessage string

func (e errorMessage) Error() string { return string(e) }
