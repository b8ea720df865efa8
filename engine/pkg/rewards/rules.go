package rewards

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Rules turns scores into a payout. Swapping the Rules changes the reward
// formula without touching stored state.
type Rules interface {
	Multiplier(uptime, performance, quality int) int64
	Amount(base decimal.Decimal, multiplier int64) decimal.Decimal
}

// WeightedRules blends the three scores with integer weights summing to 100.
// Both the multiplier and the amount are truncated.
type WeightedRules struct {
	UptimeWeight      int64
	PerformanceWeight int64
	QualityWeight     int64
}

// DefaultRules weights uptime 40, performance 35 and quality 25.
var DefaultRules = WeightedRules{UptimeWeight: 40, PerformanceWeight: 35, QualityWeight: 25}

var hundred = decimal.NewFromInt(100)

func (r WeightedRules) Validate() error {
	if r.UptimeWeight < 0 || r.PerformanceWeight < 0 || r.QualityWeight < 0 {
		return fmt.Errorf("weights must not be negative")
	}
	if sum := r.UptimeWeight + r.PerformanceWeight + r.QualityWeight; sum != 100 {
		return fmt.Errorf("weights must sum to 100, got %d", sum)
	}
	return nil
}

func (r WeightedRules) Multiplier(uptime, performance, quality int) int64 {
	blended := int64(uptime)*r.UptimeWeight +
		int64(performance)*r.PerformanceWeight +
		int64(quality)*r.QualityWeight
	return blended / 100
}

func (r WeightedRules) Amount(base decimal.Decimal, multiplier int64) decimal.Decimal {
	return base.Mul(decimal.NewFromInt(multiplier)).Div(hundred).Floor()
}
