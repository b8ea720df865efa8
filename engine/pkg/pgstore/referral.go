package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/referral"
)

// ReferralStore persists the referral ledger in PostgreSQL.
type ReferralStore struct {
	db *DB
}

var _ referral.Store = (*ReferralStore)(nil)

func NewReferralStore(db *DB) *ReferralStore {
	return &ReferralStore{db: db}
}

func (s *ReferralStore) Update(ctx context.Context, fn func(tx referral.Tx) error) error {
	return s.db.update(ctx, func(tx pgx.Tx) error {
		return fn(&referralTx{tx: tx, writable: true})
	})
}

func (s *ReferralStore) View(ctx context.Context, fn func(tx referral.Tx) error) error {
	return s.db.view(ctx, func(tx pgx.Tx) error {
		return fn(&referralTx{tx: tx})
	})
}

type referralTx struct {
	tx       pgx.Tx
	writable bool
}

const (
	codeColumns         = `code, owner, created_at, expires_at, active`
	relationshipColumns = `referee, referrer, code, referred_at, status, verified_at, tier, reward_amount, rewarded_at`
	claimColumns        = `claim_index, owner, referee, tier, amount, created_at, claimed, claimed_at`
)

func scanCode(row pgx.Row) (referral.Code, error) {
	var c referral.Code
	err := row.Scan(&c.Code, &c.Owner, &c.CreatedAt, &c.ExpiresAt, &c.Active)
	return c, err
}

func scanClaim(row pgx.Row) (referral.Claim, error) {
	var c referral.Claim
	err := row.Scan(&c.Index, &c.Owner, &c.Referee, &c.Tier, &c.Amount, &c.CreatedAt, &c.Claimed, &c.ClaimedAt)
	return c, err
}

func (t *referralTx) Stats(ctx context.Context) (incentive.GlobalStats, error) {
	return loadStats(ctx, t.tx, incentive.ScopeReferral, t.writable)
}

func (t *referralTx) PutStats(ctx context.Context, stats incentive.GlobalStats) error {
	stats.Scope = incentive.ScopeReferral
	return saveStats(ctx, t.tx, stats)
}

func (t *referralTx) Code(ctx context.Context, code string) (referral.Code, bool, error) {
	q := forUpdate(`SELECT `+codeColumns+` FROM referral_codes WHERE code = $1`, t.writable)
	c, err := scanCode(t.tx.QueryRow(ctx, q, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("failed to load referral code: %w", err)
	}
	return c, true, nil
}

func (t *referralTx) ActiveCode(ctx context.Context, owner string) (referral.Code, bool, error) {
	q := forUpdate(`SELECT `+codeColumns+` FROM referral_codes WHERE owner = $1 AND active
		ORDER BY created_at DESC LIMIT 1`, t.writable)
	c, err := scanCode(t.tx.QueryRow(ctx, q, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("failed to load active referral code: %w", err)
	}
	return c, true, nil
}

func (t *referralTx) InsertCode(ctx context.Context, c referral.Code) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO referral_codes (`+codeColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		c.Code, c.Owner, c.CreatedAt, c.ExpiresAt, c.Active)
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == "referral_codes_owner_active_idx" {
			return fmt.Errorf("%w: %s", incentive.ErrDuplicateCode, c.Owner)
		}
		return fmt.Errorf("%w: %s", referral.ErrCodeTaken, c.Code)
	}
	if err != nil {
		return fmt.Errorf("failed to insert referral code: %w", err)
	}
	return nil
}

func (t *referralTx) PutCode(ctx context.Context, c referral.Code) error {
	tag, err := t.tx.Exec(ctx, `UPDATE referral_codes SET expires_at = $2, active = $3 WHERE code = $1`,
		c.Code, c.ExpiresAt, c.Active)
	if err != nil {
		return fmt.Errorf("failed to update referral code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: unknown code %s", incentive.ErrCodeNotActive, c.Code)
	}
	return nil
}

func (t *referralTx) TotalCodes(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM referral_codes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count referral codes: %w", err)
	}
	return n, nil
}

func (t *referralTx) Relationship(ctx context.Context, referee string) (referral.Relationship, bool, error) {
	var r referral.Relationship
	q := forUpdate(`SELECT `+relationshipColumns+` FROM referral_relationships WHERE referee = $1`, t.writable)
	err := t.tx.QueryRow(ctx, q, referee).Scan(&r.Referee, &r.Referrer, &r.Code, &r.ReferredAt, &r.Status,
		&r.VerifiedAt, &r.Tier, &r.RewardAmount, &r.RewardedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("failed to load referral relationship: %w", err)
	}
	return r, true, nil
}

func (t *referralTx) InsertRelationship(ctx context.Context, r referral.Relationship) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO referral_relationships (`+relationshipColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.Referee, r.Referrer, r.Code, r.ReferredAt, string(r.Status), r.VerifiedAt, r.Tier, r.RewardAmount, r.RewardedAt)
	if _, ok := uniqueViolation(err); ok {
		return fmt.Errorf("%w: %s", incentive.ErrAlreadyReferred, r.Referee)
	}
	if err != nil {
		return fmt.Errorf("failed to insert referral relationship: %w", err)
	}
	return nil
}

func (t *referralTx) PutRelationship(ctx context.Context, r referral.Relationship) error {
	tag, err := t.tx.Exec(ctx, `UPDATE referral_relationships
		SET status = $2, verified_at = $3, tier = $4, reward_amount = $5, rewarded_at = $6
		WHERE referee = $1`,
		r.Referee, string(r.Status), r.VerifiedAt, r.Tier, r.RewardAmount, r.RewardedAt)
	if err != nil {
		return fmt.Errorf("failed to update referral relationship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", incentive.ErrRelationshipNotFound, r.Referee)
	}
	return nil
}

func (t *referralTx) ReferrerStats(ctx context.Context, referrer string) (referral.ReferrerStats, error) {
	st := referral.NewReferrerStats(referrer)
	q := forUpdate(`SELECT total_referrals, pending_referrals, successful_referrals, total_reward_earned, claimable_rewards
		FROM referrer_stats WHERE referrer = $1`, t.writable)
	err := t.tx.QueryRow(ctx, q, referrer).Scan(&st.TotalReferrals, &st.PendingReferrals, &st.SuccessfulReferrals,
		&st.TotalRewardEarned, &st.ClaimableRewards)
	if errors.Is(err, pgx.ErrNoRows) {
		return referral.NewReferrerStats(referrer), nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to load referrer stats: %w", err)
	}
	return st, nil
}

func (t *referralTx) PutReferrerStats(ctx context.Context, st referral.ReferrerStats) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO referrer_stats (referrer, total_referrals, pending_referrals, successful_referrals,
			total_reward_earned, claimable_rewards)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (referrer) DO UPDATE SET
			total_referrals = EXCLUDED.total_referrals,
			pending_referrals = EXCLUDED.pending_referrals,
			successful_referrals = EXCLUDED.successful_referrals,
			total_reward_earned = EXCLUDED.total_reward_earned,
			claimable_rewards = EXCLUDED.claimable_rewards`,
		st.Referrer, st.TotalReferrals, st.PendingReferrals, st.SuccessfulReferrals, st.TotalRewardEarned, st.ClaimableRewards)
	if err != nil {
		return fmt.Errorf("failed to save referrer stats: %w", err)
	}
	return nil
}

func (t *referralTx) InsertClaim(ctx context.Context, c referral.Claim) (int64, error) {
	var index int64
	err := t.tx.QueryRow(ctx, `INSERT INTO referral_claims (owner, referee, tier, amount, created_at, claimed, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING claim_index`,
		c.Owner, c.Referee, c.Tier, c.Amount, c.CreatedAt, c.Claimed, c.ClaimedAt).Scan(&index)
	if err != nil {
		return 0, fmt.Errorf("failed to insert referral claim: %w", err)
	}
	return index, nil
}

func (t *referralTx) Claim(ctx context.Context, index int64) (referral.Claim, error) {
	q := forUpdate(`SELECT `+claimColumns+` FROM referral_claims WHERE claim_index = $1`, t.writable)
	c, err := scanClaim(t.tx.QueryRow(ctx, q, index))
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("%w: %d", incentive.ErrClaimNotFound, index)
	}
	if err != nil {
		return c, fmt.Errorf("failed to load referral claim: %w", err)
	}
	return c, nil
}

func (t *referralTx) PutClaim(ctx context.Context, c referral.Claim) error {
	tag, err := t.tx.Exec(ctx, `UPDATE referral_claims SET claimed = $2, claimed_at = $3 WHERE claim_index = $1`,
		c.Index, c.Claimed, c.ClaimedAt)
	if err != nil {
		return fmt.Errorf("failed to update referral claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", incentive.ErrClaimNotFound, c.Index)
	}
	return nil
}

func (t *referralTx) Claims(ctx context.Context, owner string, offset, limit int) ([]referral.Claim, int, error) {
	var total int
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM referral_claims WHERE owner = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count referral claims: %w", err)
	}
	rows, err := t.tx.Query(ctx, `SELECT `+claimColumns+` FROM referral_claims
		WHERE owner = $1 ORDER BY claim_index OFFSET $2 LIMIT $3`, owner, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query referral claims: %w", err)
	}
	defer rows.Close()

	out := []referral.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan referral claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read referral claims: %w", err)
	}
	return out, total, nil
}

func (t *referralTx) Tiers(ctx context.Context) ([]referral.Tier, error) {
	rows, err := t.tx.Query(ctx, `SELECT tier, fixed_reward, bonus_bps, min_referrals, active FROM reward_tiers ORDER BY tier`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward tiers: %w", err)
	}
	defer rows.Close()

	var tiers []referral.Tier
	for rows.Next() {
		var tier referral.Tier
		if err := rows.Scan(&tier.Number, &tier.FixedReward, &tier.BonusBps, &tier.MinReferrals, &tier.Active); err != nil {
			return nil, fmt.Errorf("failed to scan reward tier: %w", err)
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reward tiers: %w", err)
	}
	return tiers, nil
}

func (t *referralTx) PutTier(ctx context.Context, tier referral.Tier) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reward_tiers (tier, fixed_reward, bonus_bps, min_referrals, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tier) DO UPDATE SET
			fixed_reward = EXCLUDED.fixed_reward,
			bonus_bps = EXCLUDED.bonus_bps,
			min_referrals = EXCLUDED.min_referrals,
			active = EXCLUDED.active`,
		tier.Number, tier.FixedReward, tier.BonusBps, tier.MinReferrals, tier.Active)
	if err != nil {
		return fmt.Errorf("failed to save reward tier: %w", err)
	}
	return nil
}
