package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/metrics"
	"github.com/shopspring/decimal"
)

const ledgerName = "referral"

// Payer pays out of the reward pool. Both methods must fail with
// incentive.ErrInsufficientBalance when the pool cannot cover the payout and
// must apply a reference at most once. PayAll sends all of its payments or
// none.
type Payer interface {
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

	// Locks serializes work per referrer. A private one is created if nil.
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
	if cfg.Locks == nil {
		cfg.Locks = incentive.NewKeyedMutex()
	}
	return nil
}

// Ledger issues referral codes and pays referrers along the tier ladder.
type Ledger struct {
	log   *slog.Logger
	cfg   Config
	codes codeGenerator
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

// GenerateReferralCode issues a new code for userID. The user may call it for
// themselves; anyone else needs the distributor role.
func (l *Ledger) GenerateReferralCode(ctx context.Context, userID string) (code string, err error) {
	defer func(start time.Time) { l.observe("generate_code", start, err) }(time.Now())

	if caller := incentive.CallerFromContext(ctx); caller == "" || caller != userID {
		if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleDistributor); err != nil {
			return "", err
		}
	}
	cfg, err := incentive.CheckNotPaused(ctx, l.cfg.Configs)
	if err != nil {
		return "", err
	}
	if err := l.requireRegistered(ctx, userID); err != nil {
		return "", err
	}

	unlock := l.cfg.Locks.Lock(userID)
	defer unlock()

	var issued Code
	err = l.cfg.Store.Update(ctx, func(tx Tx) error {
		now := l.cfg.Clock.Now().UTC()
		current, found, err := tx.ActiveCode(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load active code: %w", err)
		}
		if found {
			if current.ValidAt(now) {
				return fmt.Errorf("%w: %s holds %s until %s", incentive.ErrDuplicateCode, userID, current.Code, current.ExpiresAt)
			}
			// Retire the expired code so the owner keeps a single active one.
			current.Active = false
			if err := tx.PutCode(ctx, current); err != nil {
				return fmt.Errorf("failed to retire expired code: %w", err)
			}
		}

		for range maxCodeAttempts {
			candidate := l.codes.next(userID, now)
			if _, taken, err := tx.Code(ctx, candidate); err != nil {
				return fmt.Errorf("failed to look up code: %w", err)
			} else if taken {
				continue
			}
			issued = Code{
				Code:      candidate,
				Owner:     userID,
				CreatedAt: now,
				ExpiresAt: now.Add(cfg.CodeExpiry),
				Active:    true,
			}
			return tx.InsertCode(ctx, issued)
		}
		return fmt.Errorf("failed to generate a unique referral code after %d attempts", maxCodeAttempts)
	})
	if err != nil {
		return "", err
	}

	l.log.Info("referral/ledger: code generated", "owner", userID, "code", issued.Code, "expires_at", issued.ExpiresAt)
	return issued.Code, nil
}

// ApplyReferralCode records that refereeID joined through code.
func (l *Ledger) ApplyReferralCode(ctx context.Context, refereeID, code string) (err error) {
	defer func(start time.Time) { l.observe("apply_code", start, err) }(time.Now())

	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleDistributor); err != nil {
		return err
	}
	if _, err := incentive.CheckNotPaused(ctx, l.cfg.Configs); err != nil {
		return err
	}
	if err := l.requireRegistered(ctx, refereeID); err != nil {
		return err
	}
	c, err := l.Code(ctx, code)
	if err != nil {
		return err
	}

	unlock := l.cfg.Locks.LockMany([]string{c.Owner, refereeID})
	defer unlock()

	err = l.cfg.Store.Update(ctx, func(tx Tx) error {
		now := l.cfg.Clock.Now().UTC()
		c, found, err := tx.Code(ctx, code)
		if err != nil {
			return fmt.Errorf("failed to load code: %w", err)
		}
		if !found || !c.Active {
			return fmt.Errorf("%w: %q", incentive.ErrCodeNotActive, code)
		}
		if !now.Before(c.ExpiresAt) {
			return fmt.Errorf("%w: %q expired at %s", incentive.ErrCodeExpired, code, c.ExpiresAt)
		}
		if refereeID == c.Owner {
			return fmt.Errorf("%w: %s", incentive.ErrCannotReferSelf, refereeID)
		}
		if _, exists, err := tx.Relationship(ctx, refereeID); err != nil {
			return fmt.Errorf("failed to load relationship: %w", err)
		} else if exists {
			return fmt.Errorf("%w: %s", incentive.ErrAlreadyReferred, refereeID)
		}

		if err := tx.InsertRelationship(ctx, Relationship{
			Referee:      refereeID,
			Referrer:     c.Owner,
			Code:         c.Code,
			ReferredAt:   now,
			Status:       StatusPending,
			RewardAmount: decimal.Zero,
		}); err != nil {
			return err
		}
		st, err := tx.ReferrerStats(ctx, c.Owner)
		if err != nil {
			return fmt.Errorf("failed to load referrer stats: %w", err)
		}
		st.TotalReferrals++
		st.PendingReferrals++
		return tx.PutReferrerStats(ctx, st)
	})
	if err != nil {
		return err
	}

	l.log.Info("referral/ledger: code applied", "referee", refereeID, "referrer", c.Owner, "code", code)
	return nil
}

// payoutReference keys the referrer's reward for referee. Auto rewards and
// claims share it, so a referee is paid for at most once whichever path
// pays.
func payoutReference(referee string) string {
	return "referral:" + referee
}

// VerifyReferral moves a pending referral forward once the verification delay
// has elapsed and pays or queues the referrer's reward for the reached tier.
func (l *Ledger) VerifyReferral(ctx context.Context, refereeID string) (res VerifyResult, err error) {
	defer func(start time.Time) { l.observe("verify", start, err) }(time.Now())

	results, err := l.verifyAll(ctx, []string{refereeID})
	if err != nil {
		return VerifyResult{}, err
	}
	return results[0], nil
}

// BatchVerifyReferrals verifies referees in order inside one transaction. Each
// verification sees the counters left by the previous one, so tiers follow
// list order. A failing element aborts the whole batch.
func (l *Ledger) BatchVerifyReferrals(ctx context.Context, refereeIDs []string) (res []VerifyResult, err error) {
	defer func(start time.Time) { l.observe("batch_verify", start, err) }(time.Now())
	return l.verifyAll(ctx, refereeIDs)
}

func (l *Ledger) verifyAll(ctx context.Context, refereeIDs []string) ([]VerifyResult, error) {
	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleDistributor); err != nil {
		return nil, err
	}
	cfg, err := incentive.CheckNotPaused(ctx, l.cfg.Configs)
	if err != nil {
		return nil, err
	}
	if len(refereeIDs) == 0 {
		return []VerifyResult{}, nil
	}
	batch := len(refereeIDs) > 1
	itemErr := func(i int, err error) error {
		if batch {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
		return err
	}

	referrers := make([]string, 0, len(refereeIDs))
	err = l.cfg.Store.View(ctx, func(tx Tx) error {
		for i, referee := range refereeIDs {
			rel, found, err := tx.Relationship(ctx, referee)
			if err != nil {
				return fmt.Errorf("failed to load relationship: %w", err)
			}
			if !found {
				return itemErr(i, fmt.Errorf("%w: %s", incentive.ErrRelationshipNotFound, referee))
			}
			referrers = append(referrers, rel.Referrer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	unlock := l.cfg.Locks.LockMany(referrers)
	defer unlock()

	var results []VerifyResult
	err = l.cfg.Store.Update(ctx, func(tx Tx) error {
		results = make([]VerifyResult, 0, len(refereeIDs))
		var (
			payments []incentive.Payment
			items    []int
		)
		now := l.cfg.Clock.Now().UTC()
		for i, referee := range refereeIDs {
			res, p, err := l.verify(ctx, tx, cfg, referee, now)
			if err != nil {
				return itemErr(i, err)
			}
			results = append(results, res)
			if p != nil {
				payments = append(payments, *p)
				items = append(items, i)
			}
		}
		if err := l.cfg.Payer.PayAll(ctx, payments); err != nil {
			var terr *incentive.TransferError
			if errors.As(err, &terr) && terr.Index < len(items) {
				return itemErr(items[terr.Index], err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, res := range results {
		mode := "claim"
		if res.Status == StatusRewarded {
			mode = "auto"
			metrics.RecordTokens(ledgerName, "distributed", res.Amount)
		}
		metrics.RecordTokens(ledgerName, "created", res.Amount)
		metrics.ReferralVerificationsTotal.WithLabelValues(strconv.Itoa(res.Tier), mode).Inc()
		l.log.Info("referral/ledger: referral verified",
			"referee", res.Referee, "referrer", res.Referrer, "tier", res.Tier, "amount", res.Amount, "status", res.Status)
	}
	return results, nil
}

// verify applies one verification to tx. The payment, if any, is returned
// rather than sent so that a batch pays in one ledger call.
func (l *Ledger) verify(ctx context.Context, tx Tx, cfg incentive.Config, refereeID string, now time.Time) (VerifyResult, *incentive.Payment, error) {
	rel, found, err := tx.Relationship(ctx, refereeID)
	if err != nil {
		return VerifyResult{}, nil, fmt.Errorf("failed to load relationship: %w", err)
	}
	if !found {
		return VerifyResult{}, nil, fmt.Errorf("%w: %s", incentive.ErrRelationshipNotFound, refereeID)
	}
	if rel.Status != StatusPending {
		return VerifyResult{}, nil, fmt.Errorf("%w: %s is %s", incentive.ErrNotPending, refereeID, rel.Status)
	}
	if elapsed := now.Sub(rel.ReferredAt); elapsed < cfg.MinVerificationDelay {
		return VerifyResult{}, nil, fmt.Errorf("%w: %s since referral, need %s",
			incentive.ErrVerificationDelayNotMet, elapsed, cfg.MinVerificationDelay)
	}

	st, err := tx.ReferrerStats(ctx, rel.Referrer)
	if err != nil {
		return VerifyResult{}, nil, fmt.Errorf("failed to load referrer stats: %w", err)
	}
	st.SuccessfulReferrals++
	st.PendingReferrals--

	tiers, err := tx.Tiers(ctx)
	if err != nil {
		return VerifyResult{}, nil, fmt.Errorf("failed to load reward tiers: %w", err)
	}
	tier, ok := TierFor(tiers, st.SuccessfulReferrals)
	if !ok {
		return VerifyResult{}, nil, fmt.Errorf("%w: %d successful referrals", incentive.ErrNoActiveTier, st.SuccessfulReferrals)
	}
	amount := tier.Reward()

	stats, err := tx.Stats(ctx)
	if err != nil {
		return VerifyResult{}, nil, fmt.Errorf("failed to load stats: %w", err)
	}

	rel.VerifiedAt = &now
	rel.Tier = tier.Number
	rel.RewardAmount = amount
	res := VerifyResult{Referee: refereeID, Referrer: rel.Referrer, Tier: tier.Number, Amount: amount}

	var p *incentive.Payment
	if cfg.AutoRewardEnabled {
		rel.Status = StatusRewarded
		rel.RewardedAt = &now
		st.TotalRewardEarned = st.TotalRewardEarned.Add(amount)
		stats.RecordPaidOnCreate(amount)
		p = &incentive.Payment{To: rel.Referrer, Amount: amount, Reference: payoutReference(refereeID)}
	} else {
		rel.Status = StatusVerified
		idx, err := tx.InsertClaim(ctx, Claim{
			Owner:     rel.Referrer,
			Referee:   refereeID,
			Tier:      tier.Number,
			Amount:    amount,
			CreatedAt: now,
		})
		if err != nil {
			return VerifyResult{}, nil, fmt.Errorf("failed to queue claim: %w", err)
		}
		res.ClaimIndex = &idx
		st.ClaimableRewards = st.ClaimableRewards.Add(amount)
		stats.RecordCreated(amount)
	}
	res.Status = rel.Status

	if err := tx.PutRelationship(ctx, rel); err != nil {
		return VerifyResult{}, nil, fmt.Errorf("failed to save relationship: %w", err)
	}
	if err := tx.PutReferrerStats(ctx, st); err != nil {
		return VerifyResult{}, nil, fmt.Errorf("failed to save referrer stats: %w", err)
	}
	if err := tx.PutStats(ctx, stats); err != nil {
		return VerifyResult{}, nil, fmt.Errorf("failed to save stats: %w", err)
	}
	return res, p, nil
}

// ClaimReferralReward pays a queued reward to its owner, who must be the
// caller.
func (l *Ledger) ClaimReferralReward(ctx context.Context, index int64) (claim Claim, err error) {
	defer func(start time.Time) { l.observe("claim", start, err) }(time.Now())

	if _, err := incentive.CheckNotPaused(ctx, l.cfg.Configs); err != nil {
		return Claim{}, err
	}
	c, err := l.Claim(ctx, index)
	if err != nil {
		return Claim{}, err
	}
	caller := incentive.CallerFromContext(ctx)
	if caller == "" || caller != c.Owner {
		return Claim{}, fmt.Errorf("%w: claim %d belongs to another referrer", incentive.ErrNotAuthorized, index)
	}

	unlock := l.cfg.Locks.Lock(c.Owner)
	defer unlock()

	err = l.cfg.Store.Update(ctx, func(tx Tx) error {
		now := l.cfg.Clock.Now().UTC()
		c, err := tx.Claim(ctx, index)
		if err != nil {
			return err
		}
		if c.Claimed {
			return fmt.Errorf("%w: claim %d", incentive.ErrAlreadyClaimed, index)
		}
		c.Claimed = true
		c.ClaimedAt = &now
		if err := tx.PutClaim(ctx, c); err != nil {
			return fmt.Errorf("failed to save claim: %w", err)
		}

		rel, found, err := tx.Relationship(ctx, c.Referee)
		if err != nil {
			return fmt.Errorf("failed to load relationship: %w", err)
		}
		if found && rel.Status == StatusVerified {
			rel.Status = StatusRewarded
			rel.RewardedAt = &now
			if err := tx.PutRelationship(ctx, rel); err != nil {
				return fmt.Errorf("failed to save relationship: %w", err)
			}
		}

		st, err := tx.ReferrerStats(ctx, c.Owner)
		if err != nil {
			return fmt.Errorf("failed to load referrer stats: %w", err)
		}
		st.TotalRewardEarned = st.TotalRewardEarned.Add(c.Amount)
		st.ClaimableRewards = st.ClaimableRewards.Sub(c.Amount)
		if err := tx.PutReferrerStats(ctx, st); err != nil {
			return fmt.Errorf("failed to save referrer stats: %w", err)
		}

		stats, err := tx.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to load stats: %w", err)
		}
		if err := stats.RecordDistributed(c.Amount); err != nil {
			return err
		}
		if err := tx.PutStats(ctx, stats); err != nil {
			return fmt.Errorf("failed to save stats: %w", err)
		}

		claim = c
		return l.cfg.Payer.Pay(ctx, c.Owner, c.Amount, payoutReference(c.Referee))
	})
	if err != nil {
		return Claim{}, err
	}

	metrics.RecordTokens(ledgerName, "distributed", claim.Amount)
	l.log.Info("referral/ledger: reward claimed", "index", index, "owner", claim.Owner, "amount", claim.Amount)
	return claim, nil
}

// UpdateRewardTier inserts or replaces a tier of the ladder.
func (l *Ledger) UpdateRewardTier(ctx context.Context, tier Tier) error {
	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return err
	}
	if err := tier.Validate(); err != nil {
		return err
	}
	if err := l.cfg.Store.Update(ctx, func(tx Tx) error {
		return tx.PutTier(ctx, tier)
	}); err != nil {
		return err
	}
	l.log.Info("referral/ledger: reward tier updated",
		"tier", tier.Number, "fixed_reward", tier.FixedReward, "bonus_bps", tier.BonusBps,
		"min_referrals", tier.MinReferrals, "active", tier.Active)
	return nil
}

// DeactivateReferralCode stops code from accepting new referrals. Existing
// relationships are unaffected.
func (l *Ledger) DeactivateReferralCode(ctx context.Context, code string) error {
	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return err
	}
	err := l.cfg.Store.Update(ctx, func(tx Tx) error {
		c, found, err := tx.Code(ctx, code)
		if err != nil {
			return fmt.Errorf("failed to load code: %w", err)
		}
		if !found {
			return fmt.Errorf("%w: %q", incentive.ErrCodeNotActive, code)
		}
		if !c.Active {
			return nil
		}
		c.Active = false
		return tx.PutCode(ctx, c)
	})
	if err != nil {
		return err
	}
	l.log.Info("referral/ledger: code deactivated", "code", code)
	return nil
}

// UpdateConfig changes the referral parameters of the shared config.
func (l *Ledger) UpdateConfig(ctx context.Context, upd ConfigUpdate) (incentive.Config, error) {
	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return incentive.Config{}, err
	}
	now := l.cfg.Clock.Now().UTC()
	cfg, err := l.cfg.Configs.UpdateConfig(ctx, func(c *incentive.Config) error {
		c.CodeExpiry = upd.CodeExpiry
		c.MinVerificationDelay = upd.MinVerificationDelay
		c.AutoRewardEnabled = upd.AutoRewardEnabled
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return incentive.Config{}, err
	}
	l.log.Info("referral/ledger: config updated",
		"code_expiry", cfg.CodeExpiry, "verification_delay", cfg.MinVerificationDelay, "auto_reward", cfg.AutoRewardEnabled)
	return cfg, nil
}

func (l *Ledger) requireRegistered(ctx context.Context, id string) error {
	ok, err := incentive.IsRegistered(ctx, l.cfg.Registry, id)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", incentive.ErrUserNotRegistered, id)
	}
	return nil
}

// Code returns a code by value. Unknown codes are reported as not active.
func (l *Ledger) Code(ctx context.Context, code string) (Code, error) {
	var c Code
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		var (
			found bool
			err   error
		)
		c, found, err = tx.Code(ctx, code)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %q", incentive.ErrCodeNotActive, code)
		}
		return nil
	})
	return c, err
}

// ReferralCodeOf returns the active code of owner, if any.
func (l *Ledger) ReferralCodeOf(ctx context.Context, owner string) (Code, bool, error) {
	var (
		c     Code
		found bool
	)
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		var err error
		c, found, err = tx.ActiveCode(ctx, owner)
		return err
	})
	return c, found, err
}

func (l *Ledger) Relationship(ctx context.Context, refereeID string) (Relationship, error) {
	var rel Relationship
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		r, found, err := tx.Relationship(ctx, refereeID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", incentive.ErrRelationshipNotFound, refereeID)
		}
		rel = r
		return nil
	})
	return rel, err
}

func (l *Ledger) ReferrerStats(ctx context.Context, referrer string) (ReferrerStats, error) {
	var st ReferrerStats
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		var err error
		st, err = tx.ReferrerStats(ctx, referrer)
		return err
	})
	return st, err
}

func (l *Ledger) Claim(ctx context.Context, index int64) (Claim, error) {
	var c Claim
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		var err error
		c, err = tx.Claim(ctx, index)
		return err
	})
	return c, err
}

// Claims lists the claims of owner in the order they were queued.
func (l *Ledger) Claims(ctx context.Context, owner string, offset, limit int) (incentive.Page[Claim], error) {
	offset, limit = incentive.NormalizePage(offset, limit)
	page := incentive.Page[Claim]{Limit: limit, Offset: offset}
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		items, total, err := tx.Claims(ctx, owner, offset, limit)
		if err != nil {
			return fmt.Errorf("failed to list claims: %w", err)
		}
		page.Items, page.Total = items, total
		return nil
	})
	return page, err
}

func (l *Ledger) RewardTiers(ctx context.Context) ([]Tier, error) {
	var tiers []Tier
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		var err error
		tiers, err = tx.Tiers(ctx)
		return err
	})
	return tiers, err
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

func (l *Ledger) TotalReferralCodes(ctx context.Context) (int64, error) {
	var n int64
	err := l.cfg.Store.View(ctx, func(tx Tx) error {
		var err error
		n, err = tx.TotalCodes(ctx)
		return err
	})
	return n, err
}
