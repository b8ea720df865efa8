package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

func loadStats(ctx context.Context, tx pgx.Tx, scope incentive.Scope, writable bool) (incentive.GlobalStats, error) {
	s := incentive.GlobalStats{Scope: scope}
	q := forUpdate(`SELECT total_created, total_distributed, pending, total_slashed FROM global_stats WHERE scope = $1`, writable)
	err := tx.QueryRow(ctx, q, string(scope)).Scan(&s.TotalCreated, &s.TotalDistributed, &s.Pending, &s.TotalSlashed)
	if errors.Is(err, pgx.ErrNoRows) {
		return incentive.NewGlobalStats(scope), nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to load %s stats: %w", scope, err)
	}
	return s, nil
}

func saveStats(ctx context.Context, tx pgx.Tx, s incentive.GlobalStats) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO global_stats (scope, total_created, total_distributed, pending, total_slashed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope) DO UPDATE SET
			total_created = EXCLUDED.total_created,
			total_distributed = EXCLUDED.total_distributed,
			pending = EXCLUDED.pending,
			total_slashed = EXCLUDED.total_slashed`,
		string(s.Scope), s.TotalCreated, s.TotalDistributed, s.Pending, s.TotalSlashed)
	if err != nil {
		return fmt.Errorf("failed to save %s stats: %w", s.Scope, err)
	}
	return nil
}
