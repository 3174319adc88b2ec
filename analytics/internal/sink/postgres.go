package sink

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/telemetrygw/pkg/telemetry"
)

// PostgresStore is the production Store: a single table of raw telemetry
// records, indexed on timestamp, path, client, and status, with a unique
// constraint on requestId.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolationCode = "23505"

// InsertBatch performs one batched insert via pgx's batch protocol.
// A whole-batch uniqueness conflict surfaces as ErrDuplicate so the caller
// can fall back to per-record inserts.
func (p *PostgresStore) InsertBatch(ctx context.Context, records []telemetry.Record) error {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertSQL,
			r.RequestID, r.Path, r.Method, r.StatusCode, r.LatencyMs,
			r.ClientID, r.UpstreamService, r.RouteID, r.Timestamp, r.ErrorType,
		)
	}
	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
	}
	return nil
}

// InsertOne inserts a single record, translating a uniqueness violation into
// ErrDuplicate.
func (p *PostgresStore) InsertOne(ctx context.Context, r telemetry.Record) error {
	_, err := p.pool.Exec(ctx, insertSQL,
		r.RequestID, r.Path, r.Method, r.StatusCode, r.LatencyMs,
		r.ClientID, r.UpstreamService, r.RouteID, r.Timestamp, r.ErrorType,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// CountSince returns the number of records with timestamp >= since, used by
// C9's /metrics/rps.
func (p *PostgresStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM telemetry_events WHERE ts >= $1`, since).Scan(&count)
	return count, err
}

// TopEndpoints returns the top limit paths by request count since `since`.
func (p *PostgresStore) TopEndpoints(ctx context.Context, since time.Time, limit int) ([]EndpointCount, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT path, count(*) AS c
		FROM telemetry_events
		WHERE ts >= $1
		GROUP BY path
		ORDER BY c DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EndpointCount
	for rows.Next() {
		var ec EndpointCount
		if err := rows.Scan(&ec.Endpoint, &ec.Count); err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// EndpointCount is one row of the top-endpoints query result.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}

const insertSQL = `
	INSERT INTO telemetry_events
		(request_id, path, method, status_code, latency_ms, client_id, upstream_service, route_id, ts, error_type)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
