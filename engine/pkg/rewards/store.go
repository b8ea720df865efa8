package rewards

import (
	"context"

	"github.com/google/uuid"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

// Store persists the rewards ledger. Update runs fn in a read-write
// transaction that is rolled back when fn returns an error; View runs fn
// against a consistent read-only snapshot.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	Stats(ctx context.Context) (incentive.GlobalStats, error)
	PutStats(ctx context.Context, stats incentive.GlobalStats) error

	// Reward returns incentive.ErrRewardNotFound if id is unknown.
	Reward(ctx context.Context, id uuid.UUID) (Record, error)
	RewardByPeriod(ctx context.Context, operatorID, period string) (Record, bool, error)
	// InsertReward returns incentive.ErrRewardAlreadyExists if the operator
	// already has a reward for the period.
	InsertReward(ctx context.Context, r Record) error
	PutReward(ctx context.Context, r Record) error
	// RewardHistory lists an operator's rewards newest first.
	RewardHistory(ctx context.Context, operatorID string, offset, limit int) ([]Record, int, error)

	Operator(ctx context.Context, id string) (OperatorAccount, bool, error)
	PutOperator(ctx context.Context, a OperatorAccount) error

	InsertSlash(ctx context.Context, e SlashEvent) error
	SlashHistory(ctx context.Context, operatorID string, offset, limit int) ([]SlashEvent, int, error)
}
