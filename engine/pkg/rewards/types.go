package rewards

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/shopspring/decimal"
)

// Type classifies what a reward pays for.
type Type string

const (
	TypePerformance     Type = "PERFORMANCE"
	TypeUptime          Type = "UPTIME"
	TypeQuality         Type = "QUALITY"
	TypeSlashAdjustment Type = "SLASH_ADJUSTMENT"
)

func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypePerformance, TypeUptime, TypeQuality, TypeSlashAdjustment:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", incentive.ErrInvalidRewardType, s)
}

// Record is a performance-adjusted reward for one operator and period.
type Record struct {
	ID               uuid.UUID       `json:"id"`
	OperatorID       string          `json:"operator_id"`
	NodeID           string          `json:"node_id"`
	Type             Type            `json:"type"`
	BaseAmount       decimal.Decimal `json:"base_amount"`
	UptimeScore      int             `json:"uptime_score"`
	PerformanceScore int             `json:"performance_score"`
	QualityScore     int             `json:"quality_score"`
	Multiplier       int64           `json:"multiplier"`
	Amount           decimal.Decimal `json:"amount"`
	Period           string          `json:"period"`
	CreatedAt        time.Time       `json:"created_at"`
	Distributed      bool            `json:"distributed"`
	DistributedAt    *time.Time      `json:"distributed_at,omitempty"`
}

// PerformanceMetrics are the job counters reported for an operator.
type PerformanceMetrics struct {
	TotalJobs         uint64 `json:"total_jobs"`
	SuccessfulJobs    uint64 `json:"successful_jobs"`
	FailedJobs        uint64 `json:"failed_jobs"`
	AvgResponseTimeMs uint64 `json:"avg_response_time_ms"`
	UptimePercentage  int    `json:"uptime_percentage"`
}

func (m PerformanceMetrics) Validate() error {
	if m.SuccessfulJobs+m.FailedJobs > m.TotalJobs {
		return fmt.Errorf("%w: successful and failed jobs exceed total jobs", incentive.ErrInvalidScore)
	}
	if m.UptimePercentage < 0 || m.UptimePercentage > 100 {
		return fmt.Errorf("%w: uptime percentage %d out of range", incentive.ErrInvalidScore, m.UptimePercentage)
	}
	return nil
}

// OperatorAccount aggregates the rewards and slashes of one operator.
type OperatorAccount struct {
	ID           string             `json:"id"`
	TotalRewards decimal.Decimal    `json:"total_rewards"`
	LastRewardAt *time.Time         `json:"last_reward_at,omitempty"`
	Performance  PerformanceMetrics `json:"performance"`
	LastSlashAt  *time.Time         `json:"last_slash_at,omitempty"`
	TotalSlashed decimal.Decimal    `json:"total_slashed"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func NewOperatorAccount(id string, now time.Time) OperatorAccount {
	return OperatorAccount{
		ID:           id,
		TotalRewards: decimal.Zero,
		TotalSlashed: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NetRewards is total rewards minus total slashed, clamped at zero.
func (a OperatorAccount) NetRewards() decimal.Decimal {
	net := a.TotalRewards.Sub(a.TotalSlashed)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// SlashEvent records a single punitive deduction.
type SlashEvent struct {
	ID         uuid.UUID       `json:"id"`
	OperatorID string          `json:"operator_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CalculateRequest holds the inputs of CalculateReward.
type CalculateRequest struct {
	OperatorID       string          `json:"operator_id"`
	NodeID           string          `json:"node_id"`
	BaseAmount       decimal.Decimal `json:"base_amount"`
	Type             Type            `json:"type"`
	UptimeScore      int             `json:"uptime_score"`
	PerformanceScore int             `json:"performance_score"`
	QualityScore     int             `json:"quality_score"`
	Period           string          `json:"period"`
}

func (r CalculateRequest) Validate() error {
	if err := incentive.ValidateAmount(r.BaseAmount); err != nil {
		return err
	}
	scores := []struct {
		name  string
		value int
	}{
		{"uptime", r.UptimeScore},
		{"performance", r.PerformanceScore},
		{"quality", r.QualityScore},
	}
	for _, s := range scores {
		if s.value < 0 || s.value > 100 {
			return fmt.Errorf("%w: %s score %d out of range 0-100", incentive.ErrInvalidScore, s.name, s.value)
		}
	}
	if r.Period == "" {
		return fmt.Errorf("%w: period is required", incentive.ErrInvalidPeriod)
	}
	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}
	if r.OperatorID == "" {
		return fmt.Errorf("%w: operator id is required", incentive.ErrInvalidOperator)
	}
	return nil
}

// SlashRequest is one element of BatchSlash.
type SlashRequest struct {
	OperatorID string          `json:"operator_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
}
