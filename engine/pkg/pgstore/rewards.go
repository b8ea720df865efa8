package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/rewards"
)

// RewardsStore persists the rewards ledger in PostgreSQL.
type RewardsStore struct {
	db *DB
}

var _ rewards.Store = (*RewardsStore)(nil)

func NewRewardsStore(db *DB) *RewardsStore {
	return &RewardsStore{db: db}
}

func (s *RewardsStore) Update(ctx context.Context, fn func(tx rewards.Tx) error) error {
	return s.db.update(ctx, func(tx pgx.Tx) error {
		return fn(&rewardsTx{tx: tx, writable: true})
	})
}

func (s *RewardsStore) View(ctx context.Context, fn func(tx rewards.Tx) error) error {
	return s.db.view(ctx, func(tx pgx.Tx) error {
		return fn(&rewardsTx{tx: tx})
	})
}

type rewardsTx struct {
	tx       pgx.Tx
	writable bool
}

const rewardColumns = `id, operator_id, node_id, reward_type, base_amount, uptime_score, performance_score,
	quality_score, multiplier, amount, period, created_at, distributed, distributed_at`

func scanReward(row pgx.Row) (rewards.Record, error) {
	var r rewards.Record
	err := row.Scan(&r.ID, &r.OperatorID, &r.NodeID, &r.Type, &r.BaseAmount, &r.UptimeScore, &r.PerformanceScore,
		&r.QualityScore, &r.Multiplier, &r.Amount, &r.Period, &r.CreatedAt, &r.Distributed, &r.DistributedAt)
	return r, err
}

func (t *rewardsTx) Stats(ctx context.Context) (incentive.GlobalStats, error) {
	return loadStats(ctx, t.tx, incentive.ScopeRewards, t.writable)
}

func (t *rewardsTx) PutStats(ctx context.Context, stats incentive.GlobalStats) error {
	stats.Scope = incentive.ScopeRewards
	return saveStats(ctx, t.tx, stats)
}

func (t *rewardsTx) Reward(ctx context.Context, id uuid.UUID) (rewards.Record, error) {
	q := forUpdate(`SELECT `+rewardColumns+` FROM reward_records WHERE id = $1`, t.writable)
	r, err := scanReward(t.tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", incentive.ErrRewardNotFound, id)
	}
	if err != nil {
		return r, fmt.Errorf("failed to load reward: %w", err)
	}
	return r, nil
}

func (t *rewardsTx) RewardByPeriod(ctx context.Context, operatorID, period string) (rewards.Record, bool, error) {
	q := `SELECT ` + rewardColumns + ` FROM reward_records WHERE operator_id = $1 AND period = $2`
	r, err := scanReward(t.tx.QueryRow(ctx, q, operatorID, period))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("failed to load reward by period: %w", err)
	}
	return r, true, nil
}

func (t *rewardsTx) InsertReward(ctx context.Context, r rewards.Record) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO reward_records (`+rewardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.OperatorID, r.NodeID, string(r.Type), r.BaseAmount, r.UptimeScore, r.PerformanceScore,
		r.QualityScore, r.Multiplier, r.Amount, r.Period, r.CreatedAt, r.Distributed, r.DistributedAt)
	if _, ok := uniqueViolation(err); ok {
		return fmt.Errorf("%w: operator %s period %s", incentive.ErrRewardAlreadyExists, r.OperatorID, r.Period)
	}
	if err != nil {
		return fmt.Errorf("failed to insert reward: %w", err)
	}
	return nil
}

func (t *rewardsTx) PutReward(ctx context.Context, r rewards.Record) error {
	tag, err := t.tx.Exec(ctx, `UPDATE reward_records SET distributed = $2, distributed_at = $3 WHERE id = $1`,
		r.ID, r.Distributed, r.DistributedAt)
	if err != nil {
		return fmt.Errorf("failed to update reward: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", incentive.ErrRewardNotFound, r.ID)
	}
	return nil
}

func (t *rewardsTx) RewardHistory(ctx context.Context, operatorID string, offset, limit int) ([]rewards.Record, int, error) {
	var total int
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM reward_records WHERE operator_id = $1`, operatorID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rewards: %w", err)
	}
	rows, err := t.tx.Query(ctx, `SELECT `+rewardColumns+` FROM reward_records
		WHERE operator_id = $1 ORDER BY created_at DESC, id DESC OFFSET $2 LIMIT $3`, operatorID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	out := []rewards.Record{}
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan reward: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read rewards: %w", err)
	}
	return out, total, nil
}

func (t *rewardsTx) Operator(ctx context.Context, id string) (rewards.OperatorAccount, bool, error) {
	var a rewards.OperatorAccount
	q := forUpdate(`SELECT id, total_rewards, last_reward_at, total_jobs, successful_jobs, failed_jobs,
		avg_response_time_ms, uptime_percentage, last_slash_at, total_slashed, created_at, updated_at
		FROM operator_accounts WHERE id = $1`, t.writable)
	err := t.tx.QueryRow(ctx, q, id).Scan(&a.ID, &a.TotalRewards, &a.LastRewardAt,
		&a.Performance.TotalJobs, &a.Performance.SuccessfulJobs, &a.Performance.FailedJobs,
		&a.Performance.AvgResponseTimeMs, &a.Performance.UptimePercentage,
		&a.LastSlashAt, &a.TotalSlashed, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, false, nil
	}
	if err != nil {
		return a, false, fmt.Errorf("failed to load operator account: %w", err)
	}
	return a, true, nil
}

func (t *rewardsTx) PutOperator(ctx context.Context, a rewards.OperatorAccount) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO operator_accounts (id, total_rewards, last_reward_at, total_jobs, successful_jobs, failed_jobs,
			avg_response_time_ms, uptime_percentage, last_slash_at, total_slashed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			total_rewards = EXCLUDED.total_rewards,
			last_reward_at = EXCLUDED.last_reward_at,
			total_jobs = EXCLUDED.total_jobs,
			successful_jobs = EXCLUDED.successful_jobs,
			failed_jobs = EXCLUDED.failed_jobs,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			uptime_percentage = EXCLUDED.uptime_percentage,
			last_slash_at = EXCLUDED.last_slash_at,
			total_slashed = EXCLUDED.total_slashed,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.TotalRewards, a.LastRewardAt, int64(a.Performance.TotalJobs), int64(a.Performance.SuccessfulJobs),
		int64(a.Performance.FailedJobs), int64(a.Performance.AvgResponseTimeMs), a.Performance.UptimePercentage,
		a.LastSlashAt, a.TotalSlashed, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save operator account: %w", err)
	}
	return nil
}

func (t *rewardsTx) InsertSlash(ctx context.Context, e rewards.SlashEvent) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO slash_events (id, operator_id, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`, e.ID, e.OperatorID, e.Amount, e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert slash event: %w", err)
	}
	return nil
}

func (t *rewardsTx) SlashHistory(ctx context.Context, operatorID string, offset, limit int) ([]rewards.SlashEvent, int, error) {
	var total int
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM slash_events WHERE operator_id = $1`, operatorID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count slash events: %w", err)
	}
	rows, err := t.tx.Query(ctx, `SELECT id, operator_id, amount, reason, created_at FROM slash_events
		WHERE operator_id = $1 ORDER BY created_at DESC, id DESC OFFSET $2 LIMIT $3`, operatorID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query slash events: %w", err)
	}
	defer rows.Close()

	out := []rewards.SlashEvent{}
	for rows.Next() {
		var e rewards.SlashEvent
		if err := rows.Scan(&e.ID, &e.OperatorID, &e.Amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan slash event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read slash events: %w", err)
	}
	return out, total, nil
}
