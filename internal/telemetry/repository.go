package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository implements Persister using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed telemetry repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert persists one telemetry record. The full enriched payload is stored as jsonb alongside the extracted
// columns.
func (r *PGRepository) Insert(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec.Raw)
	if err != nil {
		return fmt.Errorf("marshal telemetry raw data: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO telemetry (instance_id, balance, equity, status, raw_data, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.InstanceID, rec.Balance, rec.Equity, nullableString(rec.Status), raw, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
