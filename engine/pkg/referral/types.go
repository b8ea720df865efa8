package referral

import (
	"fmt"
	"slices"
	"time"

	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/shopspring/decimal"
)

// Code is a shareable referral code owned by one referrer.
type Code struct {
	Code      string    `json:"code"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

// ValidAt reports whether the code accepts new referrals at now.
func (c Code) ValidAt(now time.Time) bool {
	return c.Active && now.Before(c.ExpiresAt)
}

// Status is the lifecycle state of a referral relationship.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusVerified Status = "VERIFIED"
	StatusRewarded Status = "REWARDED"
)

// Relationship links a referee to the referrer whose code they applied.
type Relationship struct {
	Referee      string          `json:"referee"`
	Referrer     string          `json:"referrer"`
	Code         string          `json:"code"`
	ReferredAt   time.Time       `json:"referred_at"`
	Status       Status          `json:"status"`
	VerifiedAt   *time.Time      `json:"verified_at,omitempty"`
	Tier         int             `json:"tier,omitempty"`
	RewardAmount decimal.Decimal `json:"reward_amount"`
	RewardedAt   *time.Time      `json:"rewarded_at,omitempty"`
}

// ReferrerStats are the running counters of one referrer.
type ReferrerStats struct {
	Referrer            string          `json:"referrer"`
	TotalReferrals      int64           `json:"total_referrals"`
	PendingReferrals    int64           `json:"pending_referrals"`
	SuccessfulReferrals int64           `json:"successful_referrals"`
	TotalRewardEarned   decimal.Decimal `json:"total_reward_earned"`
	ClaimableRewards    decimal.Decimal `json:"claimable_rewards"`
}

func NewReferrerStats(referrer string) ReferrerStats {
	return ReferrerStats{
		Referrer:          referrer,
		TotalRewardEarned: decimal.Zero,
		ClaimableRewards:  decimal.Zero,
	}
}

// Claim is a verified reward queued for the referrer to collect.
type Claim struct {
	Index     int64           `json:"index"`
	Owner     string          `json:"owner"`
	Referee   string          `json:"referee"`
	Tier      int             `json:"tier"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
	Claimed   bool            `json:"claimed"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
}

// Tier is one rung of the reward ladder. It applies once a referrer has at
// least MinReferrals successful referrals.
type Tier struct {
	Number       int             `json:"number"`
	FixedReward  decimal.Decimal `json:"fixed_reward"`
	BonusBps     int64           `json:"bonus_bps"`
	MinReferrals int64           `json:"min_referrals"`
	Active       bool            `json:"active"`
}

var bpsDenominator = decimal.NewFromInt(10_000)

// Reward is the fixed reward plus the truncated basis-point bonus.
func (t Tier) Reward() decimal.Decimal {
	bonus := t.FixedReward.Mul(decimal.NewFromInt(t.BonusBps)).Div(bpsDenominator).Floor()
	return t.FixedReward.Add(bonus)
}

func (t Tier) Validate() error {
	if t.Number < 1 {
		return fmt.Errorf("%w: tier number must be at least 1", incentive.ErrInvalidTier)
	}
	if err := incentive.ValidateAmount(t.FixedReward); err != nil {
		return fmt.Errorf("%w: fixed reward: %w", incentive.ErrInvalidTier, err)
	}
	if t.BonusBps < 0 || t.BonusBps > 10_000 {
		return fmt.Errorf("%w: bonus %d bps out of range 0-10000", incentive.ErrInvalidTier, t.BonusBps)
	}
	if t.MinReferrals < 1 {
		return fmt.Errorf("%w: min referrals must be at least 1", incentive.ErrInvalidTier)
	}
	return nil
}

// DefaultTiers pays 10, 15, 20 and 30 tokens from 1, 5, 10 and 20
// successful referrals.
func DefaultTiers() []Tier {
	return []Tier{
		{Number: 1, FixedReward: incentive.Tokens(10), MinReferrals: 1, Active: true},
		{Number: 2, FixedReward: incentive.Tokens(15), MinReferrals: 5, Active: true},
		{Number: 3, FixedReward: incentive.Tokens(20), MinReferrals: 10, Active: true},
		{Number: 4, FixedReward: incentive.Tokens(30), MinReferrals: 20, Active: true},
	}
}

// TierFor returns the active tier with the highest threshold reached by
// count.
func TierFor(tiers []Tier, count int64) (Tier, bool) {
	var (
		best  Tier
		found bool
	)
	for _, t := range tiers {
		if !t.Active || t.MinReferrals > count {
			continue
		}
		if !found || t.MinReferrals > best.MinReferrals ||
			(t.MinReferrals == best.MinReferrals && t.Number > best.Number) {
			best, found = t, true
		}
	}
	return best, found
}

func sortTiers(tiers []Tier) {
	slices.SortFunc(tiers, func(a, b Tier) int { return a.Number - b.Number })
}

// VerifyResult describes the outcome of one verification.
type VerifyResult struct {
	Referee  string          `json:"referee"`
	Referrer string          `json:"referrer"`
	Tier     int             `json:"tier"`
	Amount   decimal.Decimal `json:"amount"`
	Status   Status          `json:"status"`
	// ClaimIndex is set when the reward was queued instead of paid.
	ClaimIndex *int64 `json:"claim_index,omitempty"`
}

// ConfigUpdate carries the referral parameters admins may change.
type ConfigUpdate struct {
	CodeExpiry           time.Duration `json:"code_expiry"`
	MinVerificationDelay time.Duration `json:"min_verification_delay"`
	AutoRewardEnabled    bool          `json:"auto_reward_enabled"`
}
