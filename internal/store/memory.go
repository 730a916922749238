package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/andydixon/metricsdeck/internal/models"
)

// Memory is a Store that lives and dies with the process.
type Memory struct {
	mu          sync.RWMutex
	datasources map[int64]models.Datasource
	queries     map[int64]models.MetricQuery
	targets     map[int64]models.MetricTarget
	clock       func() time.Time

	// Ids are per table, like the Postgres serial columns.
	lastDatasource int64
	lastQuery      int64
	lastTarget     int64
}

func NewMemory() *Memory {
	return &Memory{
		datasources: make(map[int64]models.Datasource),
		queries:     make(map[int64]models.MetricQuery),
		targets:     make(map[int64]models.MetricTarget),
		clock:       time.Now,
	}
}

func (m *Memory) now() time.Time {
	return m.clock().UTC().Truncate(time.Microsecond)
}

func (m *Memory) ListDatasources(context.Context) ([]models.Datasource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Datasource, 0, len(m.datasources))
	for _, ds := range m.datasources {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetDatasource(_ context.Context, id int64) (*models.Datasource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.datasources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ds, nil
}

func (m *Memory) CreateDatasource(_ context.Context, ds *models.Datasource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.datasources {
		if other.Name == ds.Name {
			return ErrConflict
		}
	}
	m.lastDatasource++
	ds.ID = m.lastDatasource
	ds.CreatedAt = m.now()
	ds.UpdatedAt = ds.CreatedAt
	if ds.Status == "" {
		ds.Status = models.StatusUnknown
	}
	m.datasources[ds.ID] = *ds
	return nil
}

func (m *Memory) UpdateDatasource(_ context.Context, ds *models.Datasource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.datasources[ds.ID]
	if !ok {
		return ErrNotFound
	}
	for _, other := range m.datasources {
		if other.ID != ds.ID && other.Name == ds.Name {
			return ErrConflict
		}
	}
	ds.CreatedAt = old.CreatedAt
	ds.UpdatedAt = m.now()
	m.datasources[ds.ID] = *ds
	return nil
}

func (m *Memory) SetDatasourceStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.datasources[id]
	if !ok {
		return ErrNotFound
	}
	ds.Status = status
	m.datasources[id] = ds
	return nil
}

func (m *Memory) DeleteDatasource(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasources[id]; !ok {
		return ErrNotFound
	}
	delete(m.datasources, id)
	for qid, q := range m.queries {
		if q.DatasourceID != nil && *q.DatasourceID == id {
			q.DatasourceID = nil
			m.queries[qid] = q
		}
	}
	for tid, t := range m.targets {
		if t.DatasourceID != nil && *t.DatasourceID == id {
			t.DatasourceID = nil
			m.targets[tid] = t
		}
	}
	return nil
}

func (m *Memory) ListQueries(context.Context) ([]models.MetricQuery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MetricQuery, 0, len(m.queries))
	for _, q := range m.queries {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetQuery(_ context.Context, id int64) (*models.MetricQuery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

func (m *Memory) CreateQuery(_ context.Context, q *models.MetricQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDatasourceLocked(q.DatasourceID); err != nil {
		return err
	}
	m.lastQuery++
	q.ID = m.lastQuery
	q.CreatedAt = m.now()
	q.UpdatedAt = q.CreatedAt
	m.queries[q.ID] = *q
	return nil
}

func (m *Memory) UpdateQuery(_ context.Context, q *models.MetricQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.queries[q.ID]
	if !ok {
		return ErrNotFound
	}
	if err := m.checkDatasourceLocked(q.DatasourceID); err != nil {
		return err
	}
	q.CreatedAt = old.CreatedAt
	q.UpdatedAt = m.now()
	m.queries[q.ID] = *q
	return nil
}

func (m *Memory) DeleteQuery(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queries[id]; !ok {
		return ErrNotFound
	}
	delete(m.queries, id)
	return nil
}

func (m *Memory) ListTargets(context.Context) ([]models.MetricTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MetricTarget, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetTarget(_ context.Context, id int64) (*models.MetricTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) CreateTarget(_ context.Context, t *models.MetricTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDatasourceLocked(t.DatasourceID); err != nil {
		return err
	}
	m.lastTarget++
	t.ID = m.lastTarget
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt
	m.targets[t.ID] = *t
	return nil
}

func (m *Memory) UpdateTarget(_ context.Context, t *models.MetricTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.targets[t.ID]
	if !ok {
		return ErrNotFound
	}
	if err := m.checkDatasourceLocked(t.DatasourceID); err != nil {
		return err
	}
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = m.now()
	m.targets[t.ID] = *t
	return nil
}

func (m *Memory) DeleteTarget(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[id]; !ok {
		return ErrNotFound
	}
	delete(m.targets, id)
	return nil
}

func (m *Memory) Close() {}

// checkDatasourceLocked mirrors the foreign key of the SQL schema.
func (m *Memory) checkDatasourceLocked(id *int64) error {
	if id == nil {
		return nil
	}
	if _, ok := m.datasources[*id]; !ok {
		return ErrInvalidReference
	}
	return nil
}
