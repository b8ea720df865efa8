package pgstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/pgstore"
	"github.com/malbeclabs/incentives/engine/pkg/referral"
	"github.com/malbeclabs/incentives/engine/pkg/rewards"
	"github.com/malbeclabs/incentives/engine/pkg/tokenledger"
	"github.com/malbeclabs/incentives/engine/pkg/treasury"
	incentivestesting "github.com/malbeclabs/incentives/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const (
	calculator  = "calc"
	distributor = "dist"
	admin       = "admin"
	pool        = "pool"
)

type fixture struct {
	clock    *clockwork.FakeClock
	tokens   *tokenledger.Memory
	configs  *pgstore.ConfigStore
	registry *pgstore.Registry
	rewards  *rewards.Ledger
	referral *referral.Ledger
}

func newFixture(t *testing.T, poolTokens int64) *fixture {
	t.Helper()
	db := newTestDB(t)
	log := incentivestesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	tokens := tokenledger.NewMemory()
	tokens.Credit(incentive.DefaultRewardToken, pool, incentive.Tokens(poolTokens))

	configs := pgstore.NewConfigStore(db)
	reg := pgstore.NewRegistry(db)
	for _, p := range []incentive.Participant{
		{ID: "op-1", Role: incentive.ParticipantOperator},
		{ID: "op-2", Role: incentive.ParticipantOperator},
		{ID: "alice", Role: incentive.ParticipantUser},
		{ID: "bob", Role: incentive.ParticipantUser},
		{ID: "carol", Role: incentive.ParticipantUser},
	} {
		require.NoError(t, reg.Register(t.Context(), p))
	}

	auth := incentive.NewRoleAuthorizer(map[string][]incentive.Role{
		calculator:  {incentive.RoleRewardCalculator},
		distributor: {incentive.RoleDistributor},
		admin:       {incentive.RoleAdmin},
	})
	tr, err := treasury.New(treasury.Config{
		Logger:      log,
		Clock:       clock,
		Ledger:      tokens,
		Configs:     configs,
		Authorizer:  auth,
		PoolAccount: pool,
	})
	require.NoError(t, err)

	rl, err := rewards.NewLedger(rewards.Config{
		Logger:     log,
		Clock:      clock,
		Store:      pgstore.NewRewardsStore(db),
		Configs:    configs,
		Registry:   reg,
		Authorizer: auth,
		Payer:      tr,
	})
	require.NoError(t, err)

	fl, err := referral.NewLedger(referral.Config{
		Logger:     log,
		Clock:      clock,
		Store:      pgstore.NewReferralStore(db),
		Configs:    configs,
		Registry:   reg,
		Authorizer: auth,
		Payer:      tr,
	})
	require.NoError(t, err)

	return &fixture{clock: clock, tokens: tokens, configs: configs, registry: reg, rewards: rl, referral: fl}
}

func as(caller string) context.Context {
	return incentive.WithCaller(context.Background(), caller)
}

func rewardRequest(operator, period string) rewards.CalculateRequest {
	return rewards.CalculateRequest{
		OperatorID:       operator,
		NodeID:           "node-" + operator,
		BaseAmount:       incentive.Tokens(25),
		Type:             rewards.TypePerformance,
		UptimeScore:      95,
		PerformanceScore: 90,
		QualityScore:     92,
		Period:           period,
	}
}

func TestIncentives_PgStore_Rewards(t *testing.T) {
	t.Parallel()

	t.Run("calculate and distribute", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 1000)
		ctx := context.Background()

		id, err := f.rewards.CalculateReward(as(calculator), rewardRequest("op-1", "2026-01"))
		require.NoError(t, err)

		rec, err := f.rewards.Reward(ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(92), rec.Multiplier)
		require.True(t, rec.Amount.Equal(incentive.Tokens(23)), "amount %s", rec.Amount)
		require.Equal(t, rewards.TypePerformance, rec.Type)
		require.Nil(t, rec.DistributedAt)

		stats, err := f.rewards.GlobalStats(ctx)
		require.NoError(t, err)
		require.True(t, stats.Pending.Equal(incentive.Tokens(23)))
		require.NoError(t, stats.CheckInvariant())

		require.NoError(t, f.rewards.DistributeReward(as(distributor), id))
		err = f.rewards.DistributeReward(as(distributor), id)
		require.ErrorIs(t, err, incentive.ErrAlreadyDistributed)

		bal, err := f.tokens.BalanceOf(ctx, incentive.DefaultRewardToken, "op-1")
		require.NoError(t, err)
		require.True(t, bal.Equal(incentive.Tokens(23)))

		rec, err = f.rewards.Reward(ctx, id)
		require.NoError(t, err)
		require.True(t, rec.Distributed)
		require.NotNil(t, rec.DistributedAt)
		require.True(t, rec.DistributedAt.Equal(f.clock.Now()))

		total, err := f.rewards.OperatorTotalRewards(ctx, "op-1")
		require.NoError(t, err)
		require.True(t, total.Equal(incentive.Tokens(23)))

		stats, err = f.rewards.GlobalStats(ctx)
		require.NoError(t, err)
		require.True(t, stats.Pending.IsZero())
		require.True(t, stats.TotalDistributed.Equal(incentive.Tokens(23)))
	})

	t.Run("duplicate period is rejected by the unique index", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)

		_, err := f.rewards.CalculateReward(as(calculator), rewardRequest("op-1", "2026-01"))
		require.NoError(t, err)
		f.clock.Advance(48 * time.Hour)
		_, err = f.rewards.CalculateReward(as(calculator), rewardRequest("op-1", "2026-01"))
		require.ErrorIs(t, err, incentive.ErrRewardAlreadyExists)
	})

	t.Run("insufficient pool leaves no trace", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 10)
		ctx := context.Background()

		id, err := f.rewards.CalculateReward(as(calculator), rewardRequest("op-1", "2026-01"))
		require.NoError(t, err)

		err = f.rewards.DistributeReward(as(distributor), id)
		require.ErrorIs(t, err, incentive.ErrInsufficientBalance)

		rec, err := f.rewards.Reward(ctx, id)
		require.NoError(t, err)
		require.False(t, rec.Distributed)

		acct, found, err := f.rewards.Operator(ctx, "op-1")
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, acct.TotalRewards.IsZero())
	})

	t.Run("history newest first and slashes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()

		var ids []string
		for _, period := range []string{"2026-01", "2026-02", "2026-03"} {
			id, err := f.rewards.CalculateReward(as(calculator), rewardRequest("op-2", period))
			require.NoError(t, err)
			ids = append(ids, id.String())
			f.clock.Advance(25 * time.Hour)
		}

		page, err := f.rewards.RewardHistory(ctx, "op-2", 0, 2)
		require.NoError(t, err)
		require.Equal(t, 3, page.Total)
		require.Len(t, page.Items, 2)
		require.Equal(t, ids[2], page.Items[0].ID.String())
		require.Equal(t, ids[1], page.Items[1].ID.String())

		require.NoError(t, f.rewards.Slash(as(admin), "op-2", incentive.Tokens(5), "missed sla"))
		require.NoError(t, f.rewards.BatchSlash(as(admin), []rewards.SlashRequest{
			{OperatorID: "op-2", Amount: incentive.Tokens(1), Reason: "late"},
			{OperatorID: "op-1", Amount: incentive.Tokens(2), Reason: "late"},
		}))

		slashes, err := f.rewards.SlashHistory(ctx, "op-2", 0, 10)
		require.NoError(t, err)
		require.Equal(t, 2, slashes.Total)

		acct, found, err := f.rewards.Operator(ctx, "op-2")
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, acct.TotalSlashed.Equal(incentive.Tokens(6)))
		require.NotNil(t, acct.LastSlashAt)

		stats, err := f.rewards.GlobalStats(ctx)
		require.NoError(t, err)
		require.True(t, stats.TotalSlashed.Equal(incentive.Tokens(8)))
	})

	t.Run("performance counters round trip", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()

		perf := rewards.PerformanceMetrics{TotalJobs: 10, SuccessfulJobs: 8, FailedJobs: 2, AvgResponseTimeMs: 120, UptimePercentage: 99}
		require.NoError(t, f.rewards.UpdatePerformance(as(calculator), "op-1", perf))

		acct, found, err := f.rewards.Operator(ctx, "op-1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, perf, acct.Performance)
	})
}

func TestIncentives_PgStore_Referral(t *testing.T) {
	t.Parallel()

	t.Run("seeded tiers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)

		tiers, err := f.referral.RewardTiers(context.Background())
		require.NoError(t, err)
		defaults := referral.DefaultTiers()
		require.Len(t, tiers, len(defaults))
		for i, tier := range tiers {
			require.Equal(t, defaults[i].Number, tier.Number)
			require.Equal(t, defaults[i].MinReferrals, tier.MinReferrals)
			require.True(t, defaults[i].FixedReward.Equal(tier.FixedReward))
			require.True(t, tier.Active)
		}
	})

	t.Run("auto reward pays on verification", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 100)
		ctx := context.Background()

		code, err := f.referral.GenerateReferralCode(as("alice"), "alice")
		require.NoError(t, err)
		require.Len(t, code, referral.CodeLength)

		_, err = f.referral.GenerateReferralCode(as("alice"), "alice")
		require.ErrorIs(t, err, incentive.ErrDuplicateCode)

		require.NoError(t, f.referral.ApplyReferralCode(as(distributor), "bob", code))
		err = f.referral.ApplyReferralCode(as(distributor), "bob", code)
		require.ErrorIs(t, err, incentive.ErrAlreadyReferred)

		f.clock.Advance(incentive.DefaultMinVerificationDelay)
		res, err := f.referral.VerifyReferral(as(distributor), "bob")
		require.NoError(t, err)
		require.Equal(t, referral.StatusRewarded, res.Status)
		require.Equal(t, 1, res.Tier)
		require.Nil(t, res.ClaimIndex)

		bal, err := f.tokens.BalanceOf(ctx, incentive.DefaultRewardToken, "alice")
		require.NoError(t, err)
		require.True(t, bal.Equal(incentive.Tokens(10)))

		st, err := f.referral.ReferrerStats(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, int64(1), st.TotalReferrals)
		require.Equal(t, int64(0), st.PendingReferrals)
		require.Equal(t, int64(1), st.SuccessfulReferrals)
		require.True(t, st.TotalRewardEarned.Equal(incentive.Tokens(10)))

		stats, err := f.referral.GlobalStats(ctx)
		require.NoError(t, err)
		require.NoError(t, stats.CheckInvariant())
		require.True(t, stats.TotalDistributed.Equal(incentive.Tokens(10)))
	})

	t.Run("claim mode queues and pays claims", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 100)
		ctx := context.Background()

		_, err := f.referral.UpdateConfig(as(admin), referral.ConfigUpdate{
			CodeExpiry:           incentive.DefaultCodeExpiry,
			MinVerificationDelay: incentive.DefaultMinVerificationDelay,
		})
		require.NoError(t, err)

		code, err := f.referral.GenerateReferralCode(as("alice"), "alice")
		require.NoError(t, err)
		require.NoError(t, f.referral.ApplyReferralCode(as(distributor), "bob", code))
		require.NoError(t, f.referral.ApplyReferralCode(as(distributor), "carol", code))

		f.clock.Advance(incentive.DefaultMinVerificationDelay)
		results, err := f.referral.BatchVerifyReferrals(as(distributor), []string{"bob", "carol"})
		require.NoError(t, err)
		require.Len(t, results, 2)
		require.Equal(t, referral.StatusVerified, results[0].Status)
		require.NotNil(t, results[0].ClaimIndex)
		require.NotNil(t, results[1].ClaimIndex)

		claims, err := f.referral.Claims(ctx, "alice", 0, 10)
		require.NoError(t, err)
		require.Equal(t, 2, claims.Total)
		require.Less(t, claims.Items[0].Index, claims.Items[1].Index)

		_, err = f.referral.ClaimReferralReward(as("bob"), *results[0].ClaimIndex)
		require.ErrorIs(t, err, incentive.ErrNotAuthorized)

		claim, err := f.referral.ClaimReferralReward(as("alice"), *results[0].ClaimIndex)
		require.NoError(t, err)
		require.True(t, claim.Claimed)

		_, err = f.referral.ClaimReferralReward(as("alice"), *results[0].ClaimIndex)
		require.ErrorIs(t, err, incentive.ErrAlreadyClaimed)

		rel, err := f.referral.Relationship(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, referral.StatusRewarded, rel.Status)

		bal, err := f.tokens.BalanceOf(ctx, incentive.DefaultRewardToken, "alice")
		require.NoError(t, err)
		require.True(t, bal.Equal(incentive.Tokens(10)))

		stats, err := f.referral.GlobalStats(ctx)
		require.NoError(t, err)
		require.NoError(t, stats.CheckInvariant())
		require.True(t, stats.Pending.Equal(incentive.Tokens(10)))
	})

	t.Run("expired code is retired on regeneration", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		ctx := context.Background()

		first, err := f.referral.GenerateReferralCode(as("alice"), "alice")
		require.NoError(t, err)
		f.clock.Advance(incentive.DefaultCodeExpiry)

		second, err := f.referral.GenerateReferralCode(as("alice"), "alice")
		require.NoError(t, err)
		require.NotEqual(t, first, second)

		old, err := f.referral.Code(ctx, first)
		require.NoError(t, err)
		require.False(t, old.Active)

		n, err := f.referral.TotalReferralCodes(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)

		require.NoError(t, f.referral.DeactivateReferralCode(as(admin), second))
		_, found, err := f.referral.ReferralCodeOf(ctx, "alice")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("tier updates persist", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)

		require.NoError(t, f.referral.UpdateRewardTier(as(admin), referral.Tier{
			Number: 5, FixedReward: incentive.Tokens(50), BonusBps: 250, MinReferrals: 50, Active: true,
		}))
		tiers, err := f.referral.RewardTiers(context.Background())
		require.NoError(t, err)
		require.Len(t, tiers, 5)
		require.Equal(t, int64(250), tiers[4].BonusBps)
	})
}

func TestIncentives_PgStore_Config(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	cfg, err := f.configs.LoadConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, incentive.DefaultCodeExpiry, cfg.CodeExpiry)
	require.Equal(t, incentive.DefaultMinVerificationDelay, cfg.MinVerificationDelay)
	require.Equal(t, incentive.DefaultMinRewardInterval, cfg.MinRewardInterval)
	require.Equal(t, incentive.DefaultRewardToken, cfg.RewardToken)
	require.True(t, cfg.AutoRewardEnabled)
	require.False(t, cfg.Paused)

	_, err = f.configs.UpdateConfig(ctx, func(c *incentive.Config) error {
		c.CodeExpiry = 0
		return nil
	})
	require.ErrorIs(t, err, incentive.ErrInvalidConfig)

	sentinel := errors.New("abort")
	_, err = f.configs.UpdateConfig(ctx, func(c *incentive.Config) error {
		c.Paused = true
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	updated, err := f.configs.UpdateConfig(ctx, func(c *incentive.Config) error {
		c.Paused = true
		c.MinRewardInterval = time.Hour
		return nil
	})
	require.NoError(t, err)
	require.True(t, updated.Paused)

	cfg, err = f.configs.LoadConfig(ctx)
	require.NoError(t, err)
	require.True(t, cfg.Paused)
	require.Equal(t, time.Hour, cfg.MinRewardInterval)
	require.Equal(t, incentive.DefaultCodeExpiry, cfg.CodeExpiry)

	_, err = f.rewards.CalculateReward(as(calculator), rewardRequest("op-1", "2026-01"))
	require.ErrorIs(t, err, incentive.ErrPaused)
}

func TestIncentives_PgStore_Registry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	p, found, err := f.registry.Lookup(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, incentive.ParticipantOperator, p.Role)

	_, found, err = f.registry.Lookup(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, found)

	require.Error(t, f.registry.Register(ctx, incentive.Participant{ID: "x", Role: "root"}))
	require.NoError(t, f.registry.Register(ctx, incentive.Participant{ID: "alice", Role: incentive.ParticipantOperator}))
	p, _, err = f.registry.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, incentive.ParticipantOperator, p.Role)
}
