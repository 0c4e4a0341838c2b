package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink writes ledger entries to PostgreSQL for offline reporting. Writes
// are best-effort: the in-memory ledger is the source of truth for routing.
type PGSink struct {
	db *pgxpool.Pool
}

func NewPGSink(db *pgxpool.Pool) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Write(ctx context.Context, e Entry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ledger_entries (tenant, endpoint, recorded_at, latency_ms, cost_usd, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.Tenant, e.Endpoint, e.At, e.Latency.Milliseconds(), e.Cost, e.Outcome.String())
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
