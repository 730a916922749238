package promclient

import (
	"strconv"
	"sync"
	"time"

	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/metrics"
	"github.com/andydixon/metricsdeck/internal/models"
)

type registryEntry struct {
	client    *DatasourceClient
	updatedAt time.Time
}

// Registry caches one DatasourceClient per datasource so that breakers and
// connection pools survive across requests. A client is rebuilt when the
// record's UpdatedAt changes.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]registryEntry
	opts    Options
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		clients: make(map[int64]registryEntry),
		opts:    opts,
	}
}

// For returns the cached client for ds or builds a new one.
func (r *Registry) For(ds *models.Datasource) (*DatasourceClient, error) {
	r.mu.RLock()
	e, ok := r.clients[ds.ID]
	r.mu.RUnlock()
	if ok && e.updatedAt.Equal(ds.UpdatedAt) {
		return e.client, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[ds.ID]; ok && e.updatedAt.Equal(ds.UpdatedAt) {
		return e.client, nil
	}
	c, err := ForDatasource(ds, r.opts)
	if err != nil {
		return nil, err
	}
	r.clients[ds.ID] = registryEntry{client: c, updatedAt: ds.UpdatedAt}
	logging.Debug().Int64("datasource_id", ds.ID).Str("url", ds.URL).Msg("datasource client built")
	return c, nil
}

// Invalidate drops the cached client for id.
func (r *Registry) Invalidate(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	metrics.CircuitBreakerState.DeleteLabelValues(strconv.FormatInt(id, 10))
}

// Len reports how many clients are cached.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
