package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/andydixon/metricsdeck/internal/models"
)

// PostgresConfig holds database connection configuration.
type PostgresConfig struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and migrates the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime == 0 {
		poolConfig.MaxConnLifetime = time.Hour
	}
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime == 0 {
		poolConfig.MaxConnIdleTime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = RunMigrations(db)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Ping checks the pool can reach the database.
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func translate(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrInvalidReference
		}
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

const datasourceColumns = `id, name, url, type, auth_type, basic_auth_user, basic_auth_password, bearer_token,
	tls_client_cert, tls_client_key, tls_ca_cert, skip_verify, status, created_at, updated_at`

func scanDatasource(row pgx.Row) (*models.Datasource, error) {
	var ds models.Datasource
	err := row.Scan(
		&ds.ID,
		&ds.Name,
		&ds.URL,
		&ds.Type,
		&ds.AuthType,
		&ds.BasicAuthUser,
		&ds.BasicAuthPassword,
		&ds.BearerToken,
		&ds.TLSClientCert,
		&ds.TLSClientKey,
		&ds.TLSCACert,
		&ds.SkipVerify,
		&ds.Status,
		&ds.CreatedAt,
		&ds.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (p *Postgres) ListDatasources(ctx context.Context) ([]models.Datasource, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+datasourceColumns+` FROM datasources ORDER BY id`)
	if err != nil {
		return nil, translate(err, "list datasources")
	}
	defer rows.Close()

	out := []models.Datasource{}
	for rows.Next() {
		ds, err := scanDatasource(rows)
		if err != nil {
			return nil, translate(err, "scan datasource")
		}
		out = append(out, *ds)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list datasources")
	}
	return out, nil
}

func (p *Postgres) GetDatasource(ctx context.Context, id int64) (*models.Datasource, error) {
	ds, err := scanDatasource(p.pool.QueryRow(ctx, `SELECT `+datasourceColumns+` FROM datasources WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "get datasource")
	}
	return ds, nil
}

func (p *Postgres) CreateDatasource(ctx context.Context, ds *models.Datasource) error {
	if ds.Status == "" {
		ds.Status = models.StatusUnknown
	}
	query := `
		INSERT INTO datasources (name, url, type, auth_type, basic_auth_user, basic_auth_password, bearer_token,
			tls_client_cert, tls_client_key, tls_ca_cert, skip_verify, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`

	err := p.pool.QueryRow(ctx, query,
		ds.Name,
		ds.URL,
		ds.Type,
		ds.AuthType,
		ds.BasicAuthUser,
		ds.BasicAuthPassword,
		ds.BearerToken,
		ds.TLSClientCert,
		ds.TLSClientKey,
		ds.TLSCACert,
		ds.SkipVerify,
		ds.Status,
	).Scan(&ds.ID, &ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		return translate(err, "create datasource")
	}
	return nil
}

func (p *Postgres) UpdateDatasource(ctx context.Context, ds *models.Datasource) error {
	query := `
		UPDATE datasources SET name = $2, url = $3, type = $4, auth_type = $5, basic_auth_user = $6,
			basic_auth_password = $7, bearer_token = $8, tls_client_cert = $9, tls_client_key = $10,
			tls_ca_cert = $11, skip_verify = $12, status = $13, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at`

	err := p.pool.QueryRow(ctx, query,
		ds.ID,
		ds.Name,
		ds.URL,
		ds.Type,
		ds.AuthType,
		ds.BasicAuthUser,
		ds.BasicAuthPassword,
		ds.BearerToken,
		ds.TLSClientCert,
		ds.TLSClientKey,
		ds.TLSCACert,
		ds.SkipVerify,
		ds.Status,
	).Scan(&ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		return translate(err, "update datasource")
	}
	return nil
}

func (p *Postgres) SetDatasourceStatus(ctx context.Context, id int64, status string) error {
	return p.exec(ctx, "update datasource status", `UPDATE datasources SET status = $2 WHERE id = $1`, id, status)
}

func (p *Postgres) DeleteDatasource(ctx context.Context, id int64) error {
	return p.exec(ctx, "delete datasource", `DELETE FROM datasources WHERE id = $1`, id)
}

// exec runs a statement that must touch exactly one row.
func (p *Postgres) exec(ctx context.Context, what, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return translate(err, what)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const queryColumns = `id, name, promql, description, color, unit, axis_format, favorite, datasource_id, created_at, updated_at`

func scanQuery(row pgx.Row) (*models.MetricQuery, error) {
	var q models.MetricQuery
	err := row.Scan(
		&q.ID,
		&q.Name,
		&q.PromQL,
		&q.Description,
		&q.Color,
		&q.Unit,
		&q.AxisFormat,
		&q.Favorite,
		&q.DatasourceID,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (p *Postgres) ListQueries(ctx context.Context) ([]models.MetricQuery, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+queryColumns+` FROM metric_queries ORDER BY id`)
	if err != nil {
		return nil, translate(err, "list queries")
	}
	defer rows.Close()

	out := []models.MetricQuery{}
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, translate(err, "scan query")
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list queries")
	}
	return out, nil
}

func (p *Postgres) GetQuery(ctx context.Context, id int64) (*models.MetricQuery, error) {
	q, err := scanQuery(p.pool.QueryRow(ctx, `SELECT `+queryColumns+` FROM metric_queries WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "get query")
	}
	return q, nil
}

func (p *Postgres) CreateQuery(ctx context.Context, q *models.MetricQuery) error {
	query := `
		INSERT INTO metric_queries (name, promql, description, color, unit, axis_format, favorite, datasource_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := p.pool.QueryRow(ctx, query,
		q.Name, q.PromQL, q.Description, q.Color, q.Unit, q.AxisFormat, q.Favorite, q.DatasourceID,
	).Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return translate(err, "create query")
	}
	return nil
}

func (p *Postgres) UpdateQuery(ctx context.Context, q *models.MetricQuery) error {
	query := `
		UPDATE metric_queries SET name = $2, promql = $3, description = $4, color = $5, unit = $6,
			axis_format = $7, favorite = $8, datasource_id = $9, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at`

	err := p.pool.QueryRow(ctx, query,
		q.ID, q.Name, q.PromQL, q.Description, q.Color, q.Unit, q.AxisFormat, q.Favorite, q.DatasourceID,
	).Scan(&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return translate(err, "update query")
	}
	return nil
}

func (p *Postgres) DeleteQuery(ctx context.Context, id int64) error {
	return p.exec(ctx, "delete query", `DELETE FROM metric_queries WHERE id = $1`, id)
}

const targetColumns = `id, name, promql, color, unit, axis_format, favorite, position, datasource_id, created_at, updated_at`

func scanTarget(row pgx.Row) (*models.MetricTarget, error) {
	var t models.MetricTarget
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.PromQL,
		&t.Color,
		&t.Unit,
		&t.AxisFormat,
		&t.Favorite,
		&t.Position,
		&t.DatasourceID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) ListTargets(ctx context.Context) ([]models.MetricTarget, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+targetColumns+` FROM metric_targets ORDER BY position, id`)
	if err != nil {
		return nil, translate(err, "list targets")
	}
	defer rows.Close()

	out := []models.MetricTarget{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, translate(err, "scan target")
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list targets")
	}
	return out, nil
}

func (p *Postgres) GetTarget(ctx context.Context, id int64) (*models.MetricTarget, error) {
	t, err := scanTarget(p.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM metric_targets WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "get target")
	}
	return t, nil
}

func (p *Postgres) CreateTarget(ctx context.Context, t *models.MetricTarget) error {
	query := `
		INSERT INTO metric_targets (name, promql, color, unit, axis_format, favorite, position, datasource_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := p.pool.QueryRow(ctx, query,
		t.Name, t.PromQL, t.Color, t.Unit, t.AxisFormat, t.Favorite, t.Position, t.DatasourceID,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return translate(err, "create target")
	}
	return nil
}

func (p *Postgres) UpdateTarget(ctx context.Context, t *models.MetricTarget) error {
	query := `
		UPDATE metric_targets SET name = $2, promql = $3, color = $4, unit = $5, axis_format = $6,
			favorite = $7, position = $8, datasource_id = $9, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at`

	err := p.pool.QueryRow(ctx, query,
		t.ID, t.Name, t.PromQL, t.Color, t.Unit, t.AxisFormat, t.Favorite, t.Position, t.DatasourceID,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return translate(err, "update target")
	}
	return nil
}

func (p *Postgres) DeleteTarget(ctx context.Context, id int64) error {
	return p.exec(ctx, "delete target", `DELETE FROM metric_targets WHERE id = $1`, id)
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
