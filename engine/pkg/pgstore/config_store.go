package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

// ConfigStore persists the incentive configuration in the singleton
// incentive_config row.
type ConfigStore struct {
	db *DB
}

var _ incentive.ConfigStore = (*ConfigStore)(nil)

func NewConfigStore(db *DB) *ConfigStore {
	return &ConfigStore{db: db}
}

func (s *ConfigStore) LoadConfig(ctx context.Context) (incentive.Config, error) {
	var cfg incentive.Config
	err := s.db.view(ctx, func(tx pgx.Tx) error {
		var err error
		cfg, err = loadConfig(ctx, tx, false)
		return err
	})
	return cfg, err
}

func (s *ConfigStore) UpdateConfig(ctx context.Context, fn func(*incentive.Config) error) (incentive.Config, error) {
	var cfg incentive.Config
	err := s.db.update(ctx, func(tx pgx.Tx) error {
		current, err := loadConfig(ctx, tx, true)
		if err != nil {
			return err
		}
		next := current
		if err := fn(&next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE incentive_config SET
			code_expiry_ms = $1, min_verification_delay_ms = $2, auto_reward_enabled = $3,
			min_reward_interval_ms = $4, paused = $5, reward_token = $6, updated_at = $7
			WHERE id`,
			next.CodeExpiry.Milliseconds(), next.MinVerificationDelay.Milliseconds(), next.AutoRewardEnabled,
			next.MinRewardInterval.Milliseconds(), next.Paused, next.RewardToken, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save incentive config: %w", err)
		}
		cfg = next
		return nil
	})
	if err != nil {
		return incentive.Config{}, err
	}
	return cfg, nil
}

func loadConfig(ctx context.Context, tx pgx.Tx, writable bool) (incentive.Config, error) {
	var cfg incentive.Config
	var expiryMs, delayMs, intervalMs int64
	q := forUpdate(`SELECT code_expiry_ms, min_verification_delay_ms, auto_reward_enabled, min_reward_interval_ms,
		paused, reward_token, updated_at FROM incentive_config WHERE id`, writable)
	err := tx.QueryRow(ctx, q).Scan(&expiryMs, &delayMs, &cfg.AutoRewardEnabled, &intervalMs,
		&cfg.Paused, &cfg.RewardToken, &cfg.UpdatedAt)
	if err != nil {
		return cfg, fmt.Errorf("failed to load incentive config: %w", err)
	}
	cfg.CodeExpiry = time.Duration(expiryMs) * time.Millisecond
	cfg.MinVerificationDelay = time.Duration(delayMs) * time.Millisecond
	cfg.MinRewardInterval = time.Duration(intervalMs) * time.Millisecond
	return cfg, nil
}
