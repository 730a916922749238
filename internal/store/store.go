// Package store persists datasources, saved queries and dashboard targets.
package store

import (
	"context"
	"errors"

	"github.com/andydixon/metricsdeck/internal/models"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique field is already taken.
	ErrConflict = errors.New("already exists")
	// ErrInvalidReference is returned when a record points at a missing datasource.
	ErrInvalidReference = errors.New("referenced datasource does not exist")
)

// Store is the storage contract used by the HTTP layer. Create fills in the
// id and timestamps; Update refreshes UpdatedAt.
type Store interface {
	ListDatasources(ctx context.Context) ([]models.Datasource, error)
	GetDatasource(ctx context.Context, id int64) (*models.Datasource, error)
	CreateDatasource(ctx context.Context, ds *models.Datasource) error
	UpdateDatasource(ctx context.Context, ds *models.Datasource) error
	SetDatasourceStatus(ctx context.Context, id int64, status string) error
	// DeleteDatasource detaches queries and targets that referenced it.
	DeleteDatasource(ctx context.Context, id int64) error

	ListQueries(ctx context.Context) ([]models.MetricQuery, error)
	GetQuery(ctx context.Context, id int64) (*models.MetricQuery, error)
	CreateQuery(ctx context.Context, q *models.MetricQuery) error
	UpdateQuery(ctx context.Context, q *models.MetricQuery) error
	DeleteQuery(ctx context.Context, id int64) error

	// ListTargets returns targets ordered by position, then id.
	ListTargets(ctx context.Context) ([]models.MetricTarget, error)
	GetTarget(ctx context.Context, id int64) (*models.MetricTarget, error)
	CreateTarget(ctx context.Context, t *models.MetricTarget) error
	UpdateTarget(ctx context.Context, t *models.MetricTarget) error
	DeleteTarget(ctx context.Context, id int64) error

	Close()
}
