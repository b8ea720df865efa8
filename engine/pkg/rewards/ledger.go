package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/metrics"
	"github.com/shopspring/decimal"
)

const ledgerName = "rewards"

// Payer pays out of the reward pool. EnsureAvailable must fail with
// incentive.ErrInsufficientBalance when the pool cannot cover amount. Pay and
// PayAll must apply a reference at most once, and PayAll sends all of its
// payments or none.
type Payer interface {
	EnsureAvailable(ctx context.Context, amount decimal.Decimal) error
	Pay(ctx context.Context, to string, amount decimal.Decimal, reference string) error
	PayAll(ctx context.Context, payments []incentive.Payment) error
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      Store
	Configs    incentive.ConfigStore
	Registry   incentive.IdentityRegistry
	Authorizer incentive.Authorizer
	Payer      Payer

	// Rules computes multipliers and amounts. Defaults to DefaultRules.
	Rules Rules
	// Locks serializes work per operator. A private one is created if nil.
	Locks *incentive.KeyedMutex
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Configs == nil {
		return errors.New("config store is required")
	}
	if cfg.Registry == nil {
		return errors.New("identity registry is required")
	}
	if cfg.Authorizer == nil {
		return errors.New("authorizer is required")
	}
	if cfg.Payer == nil {
		return errors.New("payer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules
	}
	if r, ok := cfg.Rules.(WeightedRules); ok {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid rules: %w", err)
		}
	}
	if cfg.Locks == nil {
		cfg.Locks = incentive.NewKeyedMutex()
	}
	return nil
}

// Ledger computes, distributes and slashes operator rewards.
type Ledger struct {
	log *slog.Logger
	cfg Config
}

func NewLedger(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, cfg: cfg}, nil
}

func (l *Ledger) observe(op string, start time.Time, err error) {
	code := "ok"
	if err != nil {
		code = incentive.Code(err)
	}
	metrics.RecordOperation(ledgerName, op, code, time.Since(start).Seconds())
}

// CalculateReward records a new undistributed reward for the operator and
// period. It does not move funds.
func (l *Ledger) CalculateReward(ctx context.Context, req CalculateRequest) (id uuid.UUID, err error) {
	defer func(start time.Time) { l.observe("calculate", start, err) }(time.Now())

	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleRewardCalculator); err != nil {
		return uuid.Nil, err
	}
	cfg, err := incentive.CheckNotPaused(ctx, l.cfg.Configs)
	if err != nil {
		return uuid.Nil, err
	}
	if err := req.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := l.requireOperator(ctx, req.OperatorID); err != nil {
		return uuid.Nil, err
	}

	unlock := l.cfg.Locks.Lock(req.OperatorID)
	defer unlock()

	var rec Record
	err = l.cfg.Store.Update(ctx, func(tx Tx) error {
		now := l.cfg.Clock.Now().UTC()
		r, err := l.calculate(ctx, tx, cfg, req, now)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	metrics.RecordTokens(ledgerName, "created", rec.Amount)
	l.log.Info("rewards/ledger: reward calculated",
		"id", rec.ID, "operator", rec.OperatorID, "period", rec.Period,
		"multiplier", rec.Multiplier, "amount", rec.Amount)
	return rec.ID, nil
}

func (l *Ledger) calculate(ctx context.Context, tx Tx, cfg incentive.Config, req CalculateRequest, now time.Time) (Record, error) {
	acct, found, err := tx.Operator(ctx, req.OperatorID)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load operator: %w", err)
	}
	if !found {
		acct = NewOperatorAccount(req.OperatorID, now)
	}
	if acct.LastRewardAt != nil {
		if elapsed := now.Sub(*acct.LastRewardAt); elapsed < cfg.MinRewardInterval {
			return Record{}, fmt.Errorf("%w: %s since last reward, need %s",
				incentive.ErrIntervalTooShort, elapsed, cfg.MinRewardInterval)
		}
	}
	if _, exists, err := tx.RewardByPeriod(ctx, req.OperatorID, req.Period); err != nil {
		return Record{}, fmt.Errorf("failed to look up reward: %w", err)
	} else if exists {
		return Record{}, fmt.Errorf("%w: operator %s period %s",
			incentive.ErrRewardAlreadyExists, req.OperatorID, req.Period)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("failed to generate reward id: %w", err)
	}
	multiplier := l.cfg.Rules.Multiplier(req.UptimeScore, req.PerformanceScore, req.QualityScore)
	rec := Record{
		ID:               id,
		OperatorID:       req.OperatorID,
		NodeID:           req.NodeID,
		Type:             req.Type,
		BaseAmount:       req.BaseAmount,
		UptimeScore:      req.UptimeScore,
		PerformanceScore: req.PerformanceScore,
		QualityScore:     req.QualityScore,
		Multiplier:       multiplier,
		Amount:           l.cfg.Rules.Amount(req.BaseAmount, multiplier),
		Period:           req.Period,
		CreatedAt:        now,
	}
	if err := tx.InsertReward(ctx, rec); err != nil {
		return Record{}, err
	}

	stats, err := tx.Stats(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load stats: %w", err)
	}
	stats.RecordCreated(rec.Amount)
	if err := tx.PutStats(ctx, stats); err != nil {
		return Record{}, fmt.Errorf("failed to save stats: %w", err)
	}
	if !found {
		if err := tx.PutOperator(ctx, acct); err != nil {
			return Record{}, fmt.Errorf("failed to save operator: %w", err)
		}
	}
	return rec, nil
}

// DistributeReward pays a calculated reward to its operator exactly once.
func (l *Ledger) DistributeReward(ctx context.Context, id uuid.UUID) (err error) {
	defer func(start time.Time) { l.observe("distribute", start, err) }(time.Now())

	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleDistributor); err != nil {
		return err
	}
	if _, err := incentive.CheckNotPaused(ctx, l.cfg.Configs); err != nil {
		return err
	}
	rec, err := l.Reward(ctx, id)
	if err != nil {
		return err
	}

	unlock := l.cfg.Locks.Lock(rec.OperatorID)
	defer unlock()

	err = l.cfg.Store.Update(ctx, func(tx Tx) error {
		r, err := l.markDistributed(ctx, tx, id, l.cfg.Clock.Now().UTC())
		if err != nil {
			return err
		}
		if err := l.cfg.Payer.EnsureAvailable(ctx, r.Amount); err != nil {
			return err
		}
		rec = r
		return l.pay(ctx, r)
	})
	if err != nil {
		return err
	}

	metrics.RecordTokens(ledgerName, "distributed", rec.Amount)
	l.log.Info("rewards/ledger: reward distributed", "id", rec.ID, "operator", rec.OperatorID, "amount", rec.Amount)
	return nil
}

// markDistributed applies every state change of a distribution except the
// payout itself.
func (l *Ledger) markDistributed(ctx context.Context, tx Tx, id uuid.UUID, now time.Time) (Record, error) {
	rec, err := tx.Reward(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Distributed {
		return Record{}, fmt.Errorf("%w: %s", incentive.ErrAlreadyDistributed, id)
	}
	rec.Distributed = true
	rec.DistributedAt = &now
	if err := tx.PutReward(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to save reward: %w", err)
	}

	acct, found, err := tx.Operator(ctx, rec.OperatorID)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load operator: %w", err)
	}
	if !found {
		acct = NewOperatorAccount(rec.OperatorID, now)
	}
	acct.TotalRewards = acct.TotalRewards.Add(rec.Amount)
	acct.LastRewardAt = &now
	acct.UpdatedAt = now
	if err := tx.PutOperator(ctx, acct); err != nil {
		return Record{}, fmt.Errorf("failed to save operator: %w", err)
	}

	stats, err := tx.Stats(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load stats: %w", err)
	}
	if err := stats.RecordDistributed(rec.Amount); err != nil {
		return Record{}, err
	}
	if err := tx.PutStats(ctx, stats); err != nil {
		return Record{}, fmt.Errorf("failed to save stats: %w", err)
	}
	return rec, nil
}

func (l *Ledger) pay(ctx context.Context, rec Record) error {
	if rec.Amount.IsZero() {
		return nil
	}
	p := payment(rec)
	return l.cfg.Payer.Pay(ctx, p.To, p.Amount, p.Reference)
}

// payment is the transfer owed for rec. The reference is derived from the
// reward id, so a retried distribution can never pay twice.
func payment(rec Record) incentive.Payment {
	return incentive.Payment{To: rec.OperatorID, Amount: rec.Amount, Reference: "reward:" + rec.ID.String()}
}

// Slash records a punitive deduction against an operator. It does not touch
// the created or pending counters.
func (l *Ledger) Slash(ctx context.Context, operatorID string, amount decimal.Decimal, reason string) (err error) {
	defer func(start time.Time) { l.observe("slash", start, err) }(time.Now())

	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return err
	}
	if _, err := incentive.CheckNotPaused(ctx, l.cfg.Configs); err != nil {
		return err
	}
	req := SlashRequest{OperatorID: operatorID, Amount: amount, Reason: reason}
	if err := l.validateSlash(ctx, req); err != nil {
		return err
	}

	unlock := l.cfg.Locks.Lock(operatorID)
	defer unlock()

	var ev SlashEvent
	err = l.cfg.Store.Update(ctx, func(tx Tx) error {
		e, err := l.slash(ctx, tx, req, l.cfg.Clock.Now().UTC())
		ev = e
		return err
	})
	if err != nil {
		return err
	}

	metrics.RecordTokens(ledgerName, "slashed", amount)
	l.log.Warn("rewards/ledger: operator slashed", "id", ev.ID, "operator", operatorID, "amount", amount, "reason", reason)
	return nil
}

func (l *Ledger) validateSlash(ctx context.Context, req SlashRequest) error {
	if err := incentive.ValidateAmount(req.Amount); err != nil {
		return err
	}
	return l.requireOperator(ctx, req.OperatorID)
}

func (l *Ledger) slash(ctx context.Context, tx Tx, req SlashRequest, now time.Time) (SlashEvent, error) {
	acct, found, err := tx.Operator(ctx, req.OperatorID)
	if err != nil {
		return SlashEvent{}, fmt.Errorf("failed to load operator: %w", err)
	}
	if !found {
		acct = NewOperatorAccount(req.OperatorID, now)
	}
	acct.TotalSlashed = acct.TotalSlashed.Add(req.Amount)
	acct.LastSlashAt = &now
	acct.UpdatedAt = now
	if err := tx.PutOperator(ctx, acct); err != nil {
		return SlashEvent{}, fmt.Errorf("failed to save operator: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return SlashEvent{}, fmt.Errorf("failed to generate slash id: %w", err)
	}
	ev := SlashEvent{ID: id, OperatorID: req.OperatorID, Amount: req.Amount, Reason: req.Reason, CreatedAt: now}
	if err := tx.InsertSlash(ctx, ev); err != nil {
		return SlashEvent{}, fmt.Errorf("failed to save slash event: %w", err)
	}

	stats, err := tx.Stats(ctx)
	if err != nil {
		return SlashEvent{}, fmt.Errorf("failed to load stats: %w", err)
	}
	stats.RecordSlashed(req.Amount)
	if err := tx.PutStats(ctx, stats); err != nil {
		return SlashEvent{}, fmt.Errorf("failed to save stats: %w", err)
	}
	return ev, nil
}

// UpdatePerformance replaces the performance counters of an operator.
func (l *Ledger) UpdatePerformance(ctx context.Context, operatorID string, perf PerformanceMetrics) (err error) {
	defer func(start time.Time) { l.observe("update_performance", start, err) }(time.Now())

	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleRewardCalculator); err != nil {
		return err
	}
	if _, err := incentive.CheckNotPaused(ctx, l.cfg.Configs); err != nil {
		return err
	}
	if err := perf.Validate(); err != nil {
		return err
	}
	if err := l.requireOperator(ctx, operatorID); err != nil {
		return err
	}

	unlock := l.cfg.Locks.Lock(operatorID)
	defer unlock()

	return l.cfg.Store.Update(ctx, func(tx Tx) error {
		now := l.cfg.Clock.Now().UTC()
		acct, found, err := tx.Operator(ctx, operatorID)
		if err != nil {
			return fmt.Errorf("failed to load operator: %w", err)
		}
		if !found {
			acct = NewOperatorAccount(operatorID, now)
		}
		acct.Performance = perf
		acct.UpdatedAt = now
		return tx.PutOperator(ctx, acct)
	})
}

// SetMinRewardInterval changes the throttle between rewards of one operator.
func (l *Ledger) SetMinRewardInterval(ctx context.Context, d time.Duration) error {
	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return err
	}
	now := l.cfg.Clock.Now().UTC()
	if _, err := l.cfg.Configs.UpdateConfig(ctx, func(c *incentive.Config) error {
		c.MinRewardInterval = d
		c.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}
	l.log.Info("rewards/ledger: min reward interval set", "interval", d)
	return nil
}

func (l *Ledger) requireOperator(ctx context.Context, operatorID string) error {
	ok, err := incentive.IsOperator(ctx, l.cfg.Registry, operatorID)
	if err != nil {
		return fmt.Errorf("failed to look up operator: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %q is not a registered operator", incentive.ErrInvalidOperator, operatorID)
	}
	return nil
}

func (l *Ledger) Reward(ctx context.Context, id uuid.UUID) (Record, error) {
	var rec Record
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		r, err := tx.Reward(ctx, id)
		rec = r
		return err
	})
	return rec, err
}

// RewardHistory lists an operator's rewards newest first.
func (l *Ledger) RewardHistory(ctx context.Context, operatorID string, offset, limit int) (incentive.Page[Record], error) {
	offset, limit = incentive.NormalizePage(offset, limit)
	page := incentive.Page[Record]{Limit: limit, Offset: offset}
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		items, total, err := tx.RewardHistory(ctx, operatorID, offset, limit)
		if err != nil {
			return fmt.Errorf("failed to list rewards: %w", err)
		}
		page.Items, page.Total = items, total
		return nil
	})
	return page, err
}

// SlashHistory lists an operator's slash events newest first.
func (l *Ledger) SlashHistory(ctx context.Context, operatorID string, offset, limit int) (incentive.Page[SlashEvent], error) {
	offset, limit = incentive.NormalizePage(offset, limit)
	page := incentive.Page[SlashEvent]{Limit: limit, Offset: offset}
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		items, total, err := tx.SlashHistory(ctx, operatorID, offset, limit)
		if err != nil {
			return fmt.Errorf("failed to list slash events: %w", err)
		}
		page.Items, page.Total = items, total
		return nil
	})
	return page, err
}

// Operator returns the account of an operator and whether it exists.
func (l *Ledger) Operator(ctx context.Context, operatorID string) (OperatorAccount, bool, error) {
	var (
		acct  OperatorAccount
		found bool
	)
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		var err error
		acct, found, err = tx.Operator(ctx, operatorID)
		return err
	})
	return acct, found, err
}

// OperatorTotalRewards returns the lifetime distributed rewards of an
// operator, zero if it has none.
func (l *Ledger) OperatorTotalRewards(ctx context.Context, operatorID string) (decimal.Decimal, error) {
	acct, found, err := l.Operator(ctx, operatorID)
	if err != nil || !found {
		return decimal.Zero, err
	}
	return acct.TotalRewards, nil
}

func (l *Ledger) GlobalStats(ctx context.Context) (incentive.GlobalStats, error) {
	var stats incentive.GlobalStats
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		var err error
		stats, err = tx.Stats(ctx)
		return err
	})
	return stats, err
}
