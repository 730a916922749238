// Package querylog keeps the most recent proxied queries in memory for
// diagnostics. Nothing is persisted.
package querylog

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// DefaultCapacity is the number of entries kept before the oldest is dropped.
const DefaultCapacity = 300

type Kind string

const (
	KindInstant Kind = "instant"
	KindRange   Kind = "range"
	KindLabels  Kind = "labels"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusNoData  Status = "no-data"
)

// Entry is created when a request is dispatched and settled exactly once.
type Entry struct {
	ID           uint64    `json:"id"`
	Kind         Kind      `json:"kind"`
	PromQL       string    `json:"promql"`
	Endpoint     string    `json:"endpoint"`
	DatasourceID *int64    `json:"datasourceId,omitempty"`
	Status       Status    `json:"status"`
	HTTPStatus   int       `json:"httpStatus,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	ResultCount  int       `json:"resultCount"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
}

// Log is a fixed-size ring of entries.
type Log struct {
	mu    sync.Mutex
	ring  []Entry
	next  int
	size  int
	seq   uint64
	clock func() time.Time
}

func New(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Log{ring: make([]Entry, capacity), clock: time.Now}
}

// Start records a pending entry and returns its id.
func (l *Log) Start(kind Kind, promql, endpoint string, datasourceID *int64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.ring[l.next] = Entry{
		ID:           l.seq,
		Kind:         kind,
		PromQL:       promql,
		Endpoint:     endpoint,
		DatasourceID: datasourceID,
		Status:       StatusPending,
		StartedAt:    l.clock(),
	}
	l.next = (l.next + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}
	return l.seq
}

// Finish settles entry id. Entries already evicted or already settled are
// left alone.
func (l *Log) Finish(id uint64, httpStatus, resultCount int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.lookup(id)
	if e == nil || e.Status != StatusPending {
		return
	}
	e.HTTPStatus = httpStatus
	e.ResultCount = resultCount
	e.DurationMs = l.clock().Sub(e.StartedAt).Milliseconds()
	switch {
	case err != nil:
		e.Status = StatusError
		e.Error = err.Error()
	case httpStatus >= 400:
		e.Status = StatusError
	case resultCount == 0:
		e.Status = StatusNoData
	default:
		e.Status = StatusSuccess
	}
}

func (l *Log) lookup(id uint64) *Entry {
	if id == 0 || id > l.seq || l.seq-id >= uint64(l.size) {
		return nil
	}
	back := int(l.seq - id)
	idx := (l.next - 1 - back + len(l.ring)) % len(l.ring)
	return &l.ring[idx]
}

// Entries returns up to limit entries, newest first. limit <= 0 means all.
func (l *Log) Entries(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Clear drops every entry. Ids keep increasing.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.ring {
		l.ring[i] = Entry{}
	}
	l.next = 0
	l.size = 0
}

// Len reports how many entries are held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// ResultCount counts the series or values in a Prometheus API answer:
// data.result for queries, data itself for label values.
func ResultCount(body []byte) int {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Data) == 0 {
		return 0
	}
	var list []json.RawMessage
	if err := json.Unmarshal(env.Data, &list); err == nil {
		return len(list)
	}
	var q struct {
		Result []json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(env.Data, &q); err == nil {
		return len(q.Result)
	}
	return 0
}
