// Package dashboard evaluates saved targets as dashboard panels. Panels are
// admitted strictly in position order and every query runs under the shared
// request semaphore.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/andydixon/metricsdeck/internal/governor"
	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/models"
	"github.com/andydixon/metricsdeck/internal/promclient"
	"github.com/andydixon/metricsdeck/internal/querylog"
)

// Endpoint is recorded in the query log for panel queries.
const Endpoint = "/api/dashboard"

// Querier runs a range query and returns the raw Prometheus response.
type Querier interface {
	QueryRange(ctx context.Context, promql, start, end, step string) ([]byte, error)
}

// Resolver picks the client for a target. A nil id means the default datasource.
type Resolver func(ctx context.Context, datasourceID *int64) (Querier, error)

// Range is passed through to query_range unchanged.
type Range struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Step  string `json:"step"`
}

// Panel is one evaluated target.
type Panel struct {
	TargetID     int64           `json:"targetId"`
	Name         string          `json:"name"`
	PromQL       string          `json:"promql"`
	Color        string          `json:"color,omitempty"`
	Unit         string          `json:"unit,omitempty"`
	Position     int             `json:"position"`
	DatasourceID *int64          `json:"datasourceId,omitempty"`
	Status       querylog.Status `json:"status"`
	Error        string          `json:"error,omitempty"`
	DurationMs   int64           `json:"durationMs"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type Loader struct {
	// mu serialises loads; the sequencer tracks a single view at a time.
	mu      sync.Mutex
	sem     *governor.Semaphore
	seq     *governor.Sequencer
	log     *querylog.Log
	resolve Resolver
}

func NewLoader(sem *governor.Semaphore, seq *governor.Sequencer, log *querylog.Log, resolve Resolver) *Loader {
	return &Loader{sem: sem, seq: seq, log: log, resolve: resolve}
}

// Load evaluates targets in the order given. Panel failures are reported on
// the panel; only cancellation of ctx fails the whole load.
func (l *Loader) Load(ctx context.Context, targets []models.MetricTarget, r Range) ([]Panel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq.Reset()

	panels := make([]Panel, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		panels[i] = Panel{
			TargetID:     t.ID,
			Name:         t.Name,
			PromQL:       t.PromQL,
			Color:        t.Color,
			Unit:         t.Unit,
			Position:     t.Position,
			DatasourceID: t.DatasourceID,
		}
		g.Go(func() error {
			if err := l.seq.Wait(gctx, i); err != nil {
				return err
			}
			defer l.seq.Advance()
			return l.evaluate(gctx, &panels[i], r)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return panels, nil
}

func (l *Loader) evaluate(ctx context.Context, p *Panel, r Range) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	id := l.log.Start(querylog.KindRange, p.PromQL, Endpoint, p.DatasourceID)

	var body []byte
	err := l.sem.Do(ctx, func(ctx context.Context) error {
		q, err := l.resolve(ctx, p.DatasourceID)
		if err != nil {
			return err
		}
		body, err = q.QueryRange(ctx, p.PromQL, r.Start, r.End, r.Step)
		return err
	})
	p.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() != nil {
			l.log.Finish(id, 499, 0, ctx.Err())
			return ctx.Err()
		}
		status := http.StatusInternalServerError
		var perr promclient.Error
		if errors.As(err, &perr) {
			status = perr.StatusCode()
			p.Error = perr.Error()
		} else {
			p.Error = "internal server error"
			logging.Ctx(ctx).Error().Err(err).Int64("target", p.TargetID).Msg("panel query failed")
		}
		p.Status = querylog.StatusError
		l.log.Finish(id, status, 0, err)
		return nil
	}

	count := querylog.ResultCount(body)
	l.log.Finish(id, http.StatusOK, count, nil)
	p.Status = querylog.StatusSuccess
	if count == 0 {
		p.Status = querylog.StatusNoData
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		p.Data = env.Data
	}
	return nil
}
