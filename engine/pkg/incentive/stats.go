package incentive

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scope keys the global accounting row owned by each ledger.
type Scope string

const (
	ScopeRewards  Scope = "rewards"
	ScopeReferral Scope = "referral"
)

// GlobalStats are the global counters of one ledger.
// Pending always equals TotalCreated - TotalDistributed.
type GlobalStats struct {
	Scope            Scope           `json:"scope"`
	TotalCreated     decimal.Decimal `json:"total_created"`
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	Pending          decimal.Decimal `json:"pending"`
	TotalSlashed     decimal.Decimal `json:"total_slashed"`
}

func NewGlobalStats(scope Scope) GlobalStats {
	return GlobalStats{
		Scope:            scope,
		TotalCreated:     decimal.Zero,
		TotalDistributed: decimal.Zero,
		Pending:          decimal.Zero,
		TotalSlashed:     decimal.Zero,
	}
}

// RecordCreated accounts for a new, not yet paid reward.
func (s *GlobalStats) RecordCreated(amount decimal.Decimal) {
	s.TotalCreated = s.TotalCreated.Add(amount)
	s.Pending = s.Pending.Add(amount)
}

// RecordDistributed moves amount from pending to distributed.
func (s *GlobalStats) RecordDistributed(amount decimal.Decimal) error {
	if s.Pending.LessThan(amount) {
		return fmt.Errorf("distribution of %s exceeds pending %s", amount, s.Pending)
	}
	s.Pending = s.Pending.Sub(amount)
	s.TotalDistributed = s.TotalDistributed.Add(amount)
	return nil
}

// RecordPaidOnCreate accounts for a reward that is created and paid at once.
func (s *GlobalStats) RecordPaidOnCreate(amount decimal.Decimal) {
	s.TotalCreated = s.TotalCreated.Add(amount)
	s.TotalDistributed = s.TotalDistributed.Add(amount)
}

// RecordSlashed is independent of the reward pipeline.
func (s *GlobalStats) RecordSlashed(amount decimal.Decimal) {
	s.TotalSlashed = s.TotalSlashed.Add(amount)
}

// CheckInvariant verifies distributed + pending == created.
func (s GlobalStats) CheckInvariant() error {
	if !s.TotalDistributed.Add(s.Pending).Equal(s.TotalCreated) {
		return fmt.Errorf("%s stats out of balance: distributed %s + pending %s != created %s",
			s.Scope, s.TotalDistributed, s.Pending, s.TotalCreated)
	}
	if s.Pending.IsNegative() {
		return fmt.Errorf("%s stats pending is negative: %s", s.Scope, s.Pending)
	}
	return nil
}
