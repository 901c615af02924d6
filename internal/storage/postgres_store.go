package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// Schema is applied by Migrate. The full ride is kept as a JSON document;
// the indexed columns only serve lookups.
const Schema = `
CREATE TABLE IF NOT EXISTS rides (
	id              TEXT PRIMARY KEY,
	rider_id        TEXT NOT NULL,
	idempotency_key TEXT UNIQUE,
	state           TEXT NOT NULL,
	doc             JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rides_rider_state_idx ON rides (rider_id, state);
`

var terminalStates = []any{
	string(models.StateCompleted),
	string(models.StateCancelled),
	string(models.StateNoDrivers),
	string(models.StateTimedOut),
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride, key string) (*models.Ride, bool, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return nil, false, err
	}
	var nullKey sql.NullString
	if key != "" {
		nullKey = sql.NullString{String: key, Valid: true}
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO rides(id, rider_id, idempotency_key, state, doc, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (idempotency_key) DO NOTHING`,
		r.ID, r.RiderID, nullKey, string(r.State), doc, r.CreatedAt, time.Now())
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return r.Clone(), true, nil
	}
	existing, err := p.RideByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return p.scanOne(ctx, `SELECT doc FROM rides WHERE id=$1`, id)
}

func (p *PostgresStore) RideByKey(ctx context.Context, key string) (*models.Ride, error) {
	return p.scanOne(ctx, `SELECT doc FROM rides WHERE idempotency_key=$1`, key)
}

func (p *PostgresStore) CurrentRide(ctx context.Context, riderID string) (*models.Ride, error) {
	args := append([]any{riderID}, terminalStates...)
	r, err := p.scanOne(ctx,
		`SELECT doc FROM rides WHERE rider_id=$1 AND state NOT IN ($2,$3,$4,$5) ORDER BY created_at DESC LIMIT 1`,
		args...)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, id string, fn func(r *models.Ride) error) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var doc []byte
	if err := tx.QueryRowContext(ctx, `SELECT doc FROM rides WHERE id=$1 FOR UPDATE`, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r models.Ride
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode ride %s: %w", id, err)
	}
	if err := fn(&r); err != nil {
		return nil, err
	}
	next, err := json.Marshal(&r)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rides SET state=$1, doc=$2, updated_at=$3 WHERE id=$4`,
		string(r.State), next, time.Now(), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) scanOne(ctx context.Context, query string, args ...any) (*models.Ride, error) {
	var doc []byte
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r models.Ride
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
