// Package discovery enumerates the metrics a datasource exposes, either
// cheaply (names and types) or fully (help, label keys and series counts),
// with optional progress reporting.
package discovery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/metrics"
	"github.com/andydixon/metricsdeck/internal/models"
)

// DefaultBatchSize is how many metrics share one series round trip.
const DefaultBatchSize = 25

// Source is the part of a datasource client discovery needs.
type Source interface {
	Metadata(ctx context.Context) (map[string][]v1.Metadata, error)
	LabelValueList(ctx context.Context, label string) ([]string, error)
	Series(ctx context.Context, matchers []string) ([]map[string]string, error)
}

// ProgressFunc receives a snapshot after every processed metric.
type ProgressFunc func(models.MetricsProgress)

type Options struct {
	BatchSize int
	// RequestsPerSecond paces upstream calls; 0 means unlimited.
	RequestsPerSecond float64
	// ParallelBatches is how many batches may be fetched at once. Results
	// are still folded in name order.
	ParallelBatches int
}

type Engine struct {
	opts  Options
	clock func() time.Time
}

func NewEngine(opts Options) *Engine {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ParallelBatches < 1 {
		opts.ParallelBatches = 1
	}
	return &Engine{opts: opts, clock: time.Now}
}

// BatchSize returns the configured batch size.
func (e *Engine) BatchSize() int { return e.opts.BatchSize }

func (e *Engine) limiter() *rate.Limiter {
	if e.opts.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(math.Ceil(e.opts.RequestsPerSecond))
	return rate.NewLimiter(rate.Limit(e.opts.RequestsPerSecond), burst)
}

// BasicMetrics lists every metric with its type using one metadata call.
// Without metadata it falls back to metric names typed "unknown".
func (e *Engine) BasicMetrics(ctx context.Context, src Source) ([]models.MetricInfo, error) {
	md, err := src.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.MetricInfo, 0, len(md))
	if len(md) > 0 {
		for name, entries := range md {
			out = append(out, models.MetricInfo{Name: name, Type: metricType(entries)})
		}
	} else {
		names, err := src.LabelValueList(ctx, "__name__")
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			out = append(out, models.MetricInfo{Name: name, Type: models.MetricTypeUnknown})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ExtendedMetrics describes every metric in full.
func (e *Engine) ExtendedMetrics(ctx context.Context, src Source) ([]models.ExtendedMetricInfo, error) {
	return e.ExtendedMetricsWithProgress(ctx, src, nil)
}

// ExtendedMetricsWithProgress is ExtendedMetrics with a callback after every
// metric. Metrics are processed in lexicographic order, processed grows by
// exactly one per callback and the last callback has processed == total.
func (e *Engine) ExtendedMetricsWithProgress(ctx context.Context, src Source, onProgress ProgressFunc) ([]models.ExtendedMetricInfo, error) {
	lim := e.limiter()

	if err := lim.Wait(ctx); err != nil {
		return nil, err
	}
	md, err := src.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}
	if err := lim.Wait(ctx); err != nil {
		return nil, err
	}
	names, err := src.LabelValueList(ctx, "__name__")
	if err != nil {
		return nil, fmt.Errorf("listing metric names: %w", err)
	}
	names = mergeNames(names, md)

	total := len(names)
	start := e.clock()
	out := make([]models.ExtendedMetricInfo, 0, total)
	logging.Debug().Int("total", total).Int("batch_size", e.opts.BatchSize).Msg("extended discovery started")

	if total == 0 {
		if onProgress != nil {
			onProgress(e.progress(0, 0, "", start))
		}
		return out, nil
	}

	batches := chunk(names, e.opts.BatchSize)
	processed := 0
	for w := 0; w < len(batches); w += e.opts.ParallelBatches {
		end := min(w+e.opts.ParallelBatches, len(batches))
		window := batches[w:end]
		series := make([][]map[string]string, len(window))

		g, gctx := errgroup.WithContext(ctx)
		for i, batch := range window {
			g.Go(func() error {
				if err := lim.Wait(gctx); err != nil {
					return err
				}
				s, err := src.Series(gctx, matchers(batch))
				if err != nil {
					return fmt.Errorf("fetching series for %s..%s: %w", batch[0], batch[len(batch)-1], err)
				}
				series[i] = s
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, batch := range window {
			byName := groupSeries(series[i])
			for _, name := range batch {
				out = append(out, describe(name, md[name], byName[name]))
				processed++
				if onProgress != nil {
					onProgress(e.progress(processed, total, name, start))
				}
			}
		}
	}

	metrics.ExportedMetrics.Add(float64(len(out)))
	return out, nil
}

func (e *Engine) progress(processed, total int, current string, start time.Time) models.MetricsProgress {
	return ComputeProgress(processed, total, current, e.clock().Sub(start), e.opts.BatchSize)
}

// ComputeProgress derives percentage, rate and ETA from counts and elapsed time.
func ComputeProgress(processed, total int, current string, elapsed time.Duration, batchSize int) models.MetricsProgress {
	secs := elapsed.Seconds()
	p := models.MetricsProgress{
		Processed:     processed,
		Total:         total,
		Percentage:    100,
		CurrentMetric: current,
		Elapsed:       secs,
		BatchSize:     batchSize,
	}
	if total > 0 {
		p.Percentage = int(math.Round(100 * float64(processed) / float64(total)))
	}
	if secs > 0 {
		p.Rate = float64(processed) / secs
	}
	p.ETA = secs * float64(total-processed) / float64(max(processed, 1))
	return p
}

func mergeNames(names []string, md map[string][]v1.Metadata) []string {
	seen := make(map[string]struct{}, len(names)+len(md))
	out := make([]string, 0, len(names)+len(md))
	for _, n := range names {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	for n := range md {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func chunk(names []string, size int) [][]string {
	var out [][]string
	for len(names) > 0 {
		n := min(size, len(names))
		out = append(out, names[:n])
		names = names[n:]
	}
	return out
}

func matchers(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "{__name__=" + strconv.Quote(n) + "}"
	}
	return out
}

func groupSeries(series []map[string]string) map[string][]map[string]string {
	out := make(map[string][]map[string]string)
	for _, s := range series {
		name := s["__name__"]
		out[name] = append(out[name], s)
	}
	return out
}

func describe(name string, md []v1.Metadata, series []map[string]string) models.ExtendedMetricInfo {
	keys := map[string]struct{}{}
	for _, s := range series {
		for k := range s {
			if k != "__name__" {
				keys[k] = struct{}{}
			}
		}
	}
	labels := make([]string, 0, len(keys))
	for k := range keys {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	help := ""
	for _, m := range md {
		if m.Help != "" {
			help = m.Help
			break
		}
	}
	return models.ExtendedMetricInfo{
		Name:        name,
		Type:        metricType(md),
		Help:        help,
		Labels:      labels,
		SampleCount: len(series),
	}
}

func metricType(md []v1.Metadata) string {
	for _, m := range md {
		switch m.Type {
		case v1.MetricTypeCounter:
			return models.MetricTypeCounter
		case v1.MetricTypeGauge:
			return models.MetricTypeGauge
		case v1.MetricTypeHistogram:
			return models.MetricTypeHistogram
		case v1.MetricTypeSummary:
			return models.MetricTypeSummary
		}
	}
	return models.MetricTypeUnknown
}
