package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/referral"
	"github.com/malbeclabs/incentives/engine/pkg/registry"
	"github.com/malbeclabs/incentives/engine/pkg/rewards"
	"github.com/malbeclabs/incentives/engine/pkg/tokenledger"
	"github.com/malbeclabs/incentives/engine/pkg/treasury"
	incentivestesting "github.com/malbeclabs/incentives/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const pool = "pool"

var tokens = map[string]string{
	"calc":  "calc-token",
	"dist":  "dist-token",
	"admin": "admin-token",
	"alice": "alice-token",
}

type fixture struct {
	clock  *clockwork.FakeClock
	ledger *tokenledger.Memory
	srv    *Server
}

func newFixture(t *testing.T, poolTokens int64, opts ...func(*Config)) *fixture {
	t.Helper()
	log := incentivestesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ledger := tokenledger.NewMemory()
	ledger.Credit(incentive.DefaultRewardToken, pool, incentive.Tokens(poolTokens))
	ledger.Credit(incentive.DefaultRewardToken, "admin", incentive.Tokens(1000))

	configs := incentive.NewMemoryConfigStore(incentive.DefaultConfig())
	auth := incentive.NewRoleAuthorizer(map[string][]incentive.Role{
		"calc":  {incentive.RoleRewardCalculator},
		"dist":  {incentive.RoleDistributor},
		"admin": {incentive.RoleAdmin},
	})
	reg := registry.NewMemory(append(registry.Operators("op-1"), registry.Users("alice", "bob")...)...)

	tr, err := treasury.New(treasury.Config{
		Logger: log, Clock: clock, Ledger: ledger, Configs: configs, Authorizer: auth, PoolAccount: pool,
	})
	require.NoError(t, err)
	rl, err := rewards.NewLedger(rewards.Config{
		Logger: log, Clock: clock, Store: rewards.NewMemoryStore(), Configs: configs,
		Registry: reg, Authorizer: auth, Payer: tr,
	})
	require.NoError(t, err)
	fl, err := referral.NewLedger(referral.Config{
		Logger: log, Clock: clock, Store: referral.NewMemoryStore(), Configs: configs,
		Registry: reg, Authorizer: auth, Payer: tr,
	})
	require.NoError(t, err)
	admin, err := incentive.NewAdmin(incentive.AdminConfig{Logger: log, Clock: clock, Configs: configs, Authorizer: auth})
	require.NoError(t, err)

	hashes := make(map[string]string)
	for caller, token := range tokens {
		hashes[HashToken(token)] = caller
	}
	cfg := Config{
		Logger:     log,
		Rewards:    rl,
		Referral:   fl,
		Treasury:   tr,
		Admin:      admin,
		Registrar:  reg,
		Authorizer: auth,
		Auth:       NewTokenAuth(hashes),
		Version:    "1.2.3",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	return &fixture{clock: clock, ledger: ledger, srv: srv}
}

// do sends a request as caller ("" for anonymous) and decodes the JSON
// response into out when out is non-nil.
func (f *fixture) do(t *testing.T, caller, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+tokens[caller])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func calculateBody(period string) map[string]any {
	return map[string]any{
		"operator_id":       "op-1",
		"node_id":           "node-1",
		"base_amount":       incentive.Tokens(25).String(),
		"type":              "PERFORMANCE",
		"uptime_score":      95,
		"performance_score": 90,
		"quality_score":     92,
		"period":            period,
	}
}

func TestIncentives_Server_Health(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	var body map[string]string
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/healthz", nil, &body))
	require.Equal(t, "ok", body["status"])

	var version VersionResponse
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/version", nil, &version))
	require.Equal(t, "1.2.3", version.Version)

	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/readyz", nil, nil))

	down := newFixture(t, 0, func(c *Config) {
		c.Ready = func(context.Context) error { return errors.New("db down") }
	})
	require.Equal(t, http.StatusServiceUnavailable, down.do(t, "", http.MethodGet, "/readyz", nil, nil))
}

func TestIncentives_Server_Auth(t *testing.T) {
	t.Parallel()

	t.Run("unknown token is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		req := httptest.NewRequest(http.MethodGet, "/v1/rewards/stats", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("anonymous reads succeed and writes are forbidden", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/rewards/stats", nil, nil))

		var resp ErrorResponse
		require.Equal(t, http.StatusForbidden, f.do(t, "", http.MethodPost, "/v1/rewards", calculateBody("2026-01"), &resp))
		require.Equal(t, "not_authorized", resp.Code)
		require.Equal(t, "authorization", resp.Category)
	})

	t.Run("wrong role is forbidden", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)
		require.Equal(t, http.StatusForbidden, f.do(t, "dist", http.MethodPost, "/v1/rewards", calculateBody("2026-01"), nil))
	})

	t.Run("parses token hashes", func(t *testing.T) {
		t.Parallel()
		hash := HashToken("secret")
		hashes, err := ParseTokenHashes(fmt.Sprintf(" admin=%s , ", hash))
		require.NoError(t, err)
		require.Equal(t, map[string]string{hash: "admin"}, hashes)

		_, err = ParseTokenHashes("admin")
		require.Error(t, err)
		_, err = ParseTokenHashes("admin=abc")
		require.Error(t, err)
	})
}

func TestIncentives_Server_Rewards(t *testing.T) {
	t.Parallel()

	t.Run("calculate distribute and query", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 100)

		var created calculateResponse
		require.Equal(t, http.StatusCreated, f.do(t, "calc", http.MethodPost, "/v1/rewards", calculateBody("2026-01"), &created))
		require.True(t, created.Reward.Amount.Equal(incentive.Tokens(23)))
		require.Equal(t, int64(92), created.Reward.Multiplier)

		var rec rewards.Record
		path := "/v1/rewards/" + created.ID.String()
		require.Equal(t, http.StatusOK, f.do(t, "dist", http.MethodPost, path+"/distribute", nil, &rec))
		require.True(t, rec.Distributed)

		var conflict ErrorResponse
		require.Equal(t, http.StatusConflict, f.do(t, "dist", http.MethodPost, path+"/distribute", nil, &conflict))
		require.Equal(t, "already_distributed", conflict.Code)
		require.False(t, conflict.Retryable)

		var op operatorResponse
		require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/operators/op-1", nil, &op))
		require.True(t, op.TotalRewards.Equal(incentive.Tokens(23)))
		require.True(t, op.NetRewards.Equal(incentive.Tokens(23)))

		var page incentive.Page[rewards.Record]
		require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/operators/op-1/rewards?limit=5000", nil, &page))
		require.Equal(t, 1, page.Total)
		require.Equal(t, incentive.MaxLimit, page.Limit)

		var stats incentive.GlobalStats
		require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/rewards/stats", nil, &stats))
		require.True(t, stats.TotalDistributed.Equal(incentive.Tokens(23)))
		require.NoError(t, stats.CheckInvariant())
	})

	t.Run("error categories map to statuses", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 30)

		var created calculateResponse
		require.Equal(t, http.StatusCreated, f.do(t, "calc", http.MethodPost, "/v1/rewards", calculateBody("2026-01"), &created))
		require.Equal(t, http.StatusOK, f.do(t, "dist", http.MethodPost, "/v1/rewards/"+created.ID.String()+"/distribute", nil, nil))

		var resp ErrorResponse
		require.Equal(t, http.StatusTooEarly, f.do(t, "calc", http.MethodPost, "/v1/rewards", calculateBody("2026-02"), &resp))
		require.Equal(t, "interval_too_short", resp.Code)
		require.True(t, resp.Retryable)

		f.clock.Advance(incentive.DefaultMinRewardInterval)
		require.Equal(t, http.StatusCreated, f.do(t, "calc", http.MethodPost, "/v1/rewards", calculateBody("2026-02"), &created))
		require.Equal(t, http.StatusPaymentRequired,
			f.do(t, "dist", http.MethodPost, "/v1/rewards/"+created.ID.String()+"/distribute", nil, &resp))
		require.Equal(t, "insufficient_balance", resp.Code)

		body := calculateBody("2026-03")
		body["uptime_score"] = 101
		require.Equal(t, http.StatusBadRequest, f.do(t, "calc", http.MethodPost, "/v1/rewards", body, &resp))
		require.Equal(t, "invalid_score", resp.Code)

		require.Equal(t, http.StatusBadRequest, f.do(t, "", http.MethodGet, "/v1/rewards/not-a-uuid", nil, &resp))
		require.Equal(t, "bad_request", resp.Code)

		require.Equal(t, http.StatusNotFound, f.do(t, "", http.MethodGet, "/v1/rewards/00000000-0000-0000-0000-000000000001", nil, &resp))
		require.Equal(t, "reward_not_found", resp.Code)

		require.Equal(t, http.StatusNotFound, f.do(t, "", http.MethodGet, "/v1/operators/op-9", nil, &resp))
		require.Equal(t, "not_found", resp.Code)

		require.Equal(t, http.StatusBadRequest, f.do(t, "calc", http.MethodPost, "/v1/rewards", map[string]any{"bogus": 1}, &resp))
	})

	t.Run("slash and performance", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0)

		require.Equal(t, http.StatusNoContent, f.do(t, "calc", http.MethodPut, "/v1/operators/op-1/performance",
			rewards.PerformanceMetrics{TotalJobs: 4, SuccessfulJobs: 3, FailedJobs: 1, UptimePercentage: 97}, nil))
		require.Equal(t, http.StatusNoContent, f.do(t, "admin", http.MethodPost, "/v1/operators/op-1/slash",
			map[string]string{"amount": incentive.Tokens(2).String(), "reason": "downtime"}, nil))
		require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodPost, "/v1/slashes/batch",
			map[string]any{"items": []map[string]string{{"operator_id": "op-1", "amount": incentive.Tokens(1).String(), "reason": "late"}}}, nil))

		var page incentive.Page[rewards.SlashEvent]
		require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/operators/op-1/slashes", nil, &page))
		require.Equal(t, 2, page.Total)

		var op operatorResponse
		require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/operators/op-1", nil, &op))
		require.Equal(t, uint64(4), op.Performance.TotalJobs)
		require.True(t, op.TotalSlashed.Equal(incentive.Tokens(3)))
		require.True(t, op.NetRewards.IsZero())
	})
}

func TestIncentives_Server_Referral(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)

	var code referral.Code
	require.Equal(t, http.StatusCreated, f.do(t, "alice", http.MethodPost, "/v1/referral/codes", nil, &code))
	require.Equal(t, "alice", code.Owner)
	require.Len(t, code.Code, referral.CodeLength)

	var resp ErrorResponse
	require.Equal(t, http.StatusConflict, f.do(t, "alice", http.MethodPost, "/v1/referral/codes", nil, &resp))
	require.Equal(t, "duplicate_code", resp.Code)

	var rel referral.Relationship
	require.Equal(t, http.StatusCreated, f.do(t, "dist", http.MethodPost, "/v1/referral/apply",
		applyCodeRequest{Referee: "bob", Code: code.Code}, &rel))
	require.Equal(t, referral.StatusPending, rel.Status)

	require.Equal(t, http.StatusBadRequest, f.do(t, "dist", http.MethodPost, "/v1/referral/apply",
		applyCodeRequest{Referee: "alice", Code: code.Code}, &resp))
	require.Equal(t, "cannot_refer_self", resp.Code)

	require.Equal(t, http.StatusTooEarly, f.do(t, "dist", http.MethodPost, "/v1/referral/verify",
		verifyRequest{Referees: []string{"bob"}}, &resp))
	require.Equal(t, "verification_delay_not_met", resp.Code)

	f.clock.Advance(incentive.DefaultMinVerificationDelay)
	var verified verifyResponse
	require.Equal(t, http.StatusOK, f.do(t, "dist", http.MethodPost, "/v1/referral/verify",
		verifyRequest{Referees: []string{"bob"}}, &verified))
	require.Len(t, verified.Results, 1)
	require.Equal(t, referral.StatusRewarded, verified.Results[0].Status)
	require.True(t, verified.Results[0].Amount.Equal(incentive.Tokens(10)))

	var st referral.ReferrerStats
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/referral/referrers/alice", nil, &st))
	require.Equal(t, int64(1), st.SuccessfulReferrals)

	var current referral.Code
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/referral/referrers/alice/code", nil, &current))
	require.Equal(t, code.Code, current.Code)

	var stats referralStatsResponse
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/referral/stats", nil, &stats))
	require.Equal(t, int64(1), stats.TotalReferralCodes)
	require.True(t, stats.TotalDistributed.Equal(incentive.Tokens(10)))

	var tiers map[string][]referral.Tier
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/referral/tiers", nil, &tiers))
	require.Len(t, tiers["tiers"], 4)

	require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodPut, "/v1/referral/tiers/5",
		map[string]any{"fixed_reward": incentive.Tokens(50).String(), "bonus_bps": 100, "min_referrals": 50, "active": true}, nil))
	require.Equal(t, http.StatusBadRequest, f.do(t, "admin", http.MethodPut, "/v1/referral/tiers/6",
		map[string]any{"number": 7, "fixed_reward": "1", "min_referrals": 1}, nil))

	require.Equal(t, http.StatusNoContent, f.do(t, "admin", http.MethodDelete, "/v1/referral/codes/"+code.Code, nil, nil))
	require.Equal(t, http.StatusNotFound, f.do(t, "", http.MethodGet, "/v1/referral/referrers/alice/code", nil, nil))
}

func TestIncentives_Server_Claims(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodPut, "/v1/admin/config/referral", map[string]any{
		"code_expiry":            "8760h",
		"min_verification_delay": "1h",
		"auto_reward_enabled":    false,
	}, nil))

	var code referral.Code
	require.Equal(t, http.StatusCreated, f.do(t, "dist", http.MethodPost, "/v1/referral/codes", generateCodeRequest{UserID: "alice"}, &code))
	require.Equal(t, http.StatusCreated, f.do(t, "dist", http.MethodPost, "/v1/referral/apply",
		applyCodeRequest{Referee: "bob", Code: code.Code}, nil))
	f.clock.Advance(time.Hour)

	var verified verifyResponse
	require.Equal(t, http.StatusOK, f.do(t, "dist", http.MethodPost, "/v1/referral/verify",
		verifyRequest{Referees: []string{"bob"}}, &verified))
	require.NotNil(t, verified.Results[0].ClaimIndex)
	claimPath := fmt.Sprintf("/v1/referral/claims/%d", *verified.Results[0].ClaimIndex)

	var page incentive.Page[referral.Claim]
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/v1/referral/referrers/alice/claims", nil, &page))
	require.Equal(t, 1, page.Total)

	require.Equal(t, http.StatusForbidden, f.do(t, "admin", http.MethodPost, claimPath, nil, nil))

	var claim referral.Claim
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodPost, claimPath, nil, &claim))
	require.True(t, claim.Claimed)
	require.Equal(t, http.StatusConflict, f.do(t, "alice", http.MethodPost, claimPath, nil, nil))

	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, claimPath, nil, &claim))
	require.True(t, claim.Claimed)
	require.Equal(t, http.StatusNotFound, f.do(t, "", http.MethodGet, "/v1/referral/claims/99", nil, nil))
	require.Equal(t, http.StatusBadRequest, f.do(t, "", http.MethodGet, "/v1/referral/claims/x", nil, nil))

	bal, err := f.ledger.BalanceOf(context.Background(), incentive.DefaultRewardToken, "alice")
	require.NoError(t, err)
	require.True(t, bal.Equal(incentive.Tokens(10)))
}

func TestIncentives_Server_Admin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)

	var cfg configResponse
	require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodPut, "/v1/admin/config/reward-interval",
		map[string]string{"min_reward_interval": "2h"}, &cfg))
	require.Equal(t, Duration(2*time.Hour), cfg.MinRewardInterval)

	require.Equal(t, http.StatusBadRequest, f.do(t, "admin", http.MethodPut, "/v1/admin/config/reward-interval",
		map[string]string{"min_reward_interval": "soon"}, nil))

	require.Equal(t, http.StatusForbidden, f.do(t, "dist", http.MethodPost, "/v1/admin/pause", nil, nil))
	require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodPost, "/v1/admin/pause", nil, &cfg))
	require.True(t, cfg.Paused)

	var resp ErrorResponse
	require.Equal(t, http.StatusTooEarly, f.do(t, "calc", http.MethodPost, "/v1/rewards", calculateBody("2026-01"), &resp))
	require.Equal(t, "paused", resp.Code)

	require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodPost, "/v1/admin/unpause", nil, &cfg))
	require.False(t, cfg.Paused)

	require.Equal(t, http.StatusForbidden, f.do(t, "dist", http.MethodPost, "/v1/admin/participants",
		incentive.Participant{ID: "op-2", Role: incentive.ParticipantOperator}, nil))
	require.Equal(t, http.StatusCreated, f.do(t, "admin", http.MethodPost, "/v1/admin/participants",
		incentive.Participant{ID: "op-2", Role: incentive.ParticipantOperator}, nil))
	require.Equal(t, http.StatusBadRequest, f.do(t, "admin", http.MethodPost, "/v1/admin/participants",
		incentive.Participant{ID: "x", Role: "root"}, nil))

	body := calculateBody("2026-01")
	body["operator_id"] = "op-2"
	require.Equal(t, http.StatusCreated, f.do(t, "calc", http.MethodPost, "/v1/rewards", body, nil))
}

func TestIncentives_Server_Treasury(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)

	var tr treasuryResponse
	require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodPost, "/v1/treasury/fund",
		amountRequest{Amount: incentive.Tokens(40)}, &tr))
	require.Equal(t, pool, tr.PoolAccount)
	require.True(t, tr.Balance.Equal(incentive.Tokens(40)))

	require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodPost, "/v1/treasury/withdraw",
		amountRequest{Amount: incentive.Tokens(15)}, &tr))
	require.True(t, tr.Balance.Equal(incentive.Tokens(25)))

	require.Equal(t, http.StatusPaymentRequired, f.do(t, "admin", http.MethodPost, "/v1/treasury/withdraw",
		amountRequest{Amount: incentive.Tokens(26)}, nil))

	require.Equal(t, http.StatusBadRequest, f.do(t, "admin", http.MethodPost, "/v1/treasury/emergency-withdraw",
		amountRequest{Token: incentive.DefaultRewardToken, Amount: incentive.Tokens(1)}, nil))

	require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodPut, "/v1/treasury/token",
		rewardTokenRequest{Token: "USDC"}, &tr))
	require.Equal(t, "USDC", tr.RewardToken)
	require.True(t, tr.Balance.IsZero())

	require.Equal(t, http.StatusForbidden, f.do(t, "alice", http.MethodPost, "/v1/treasury/fund",
		amountRequest{Amount: incentive.Tokens(1)}, nil))
}

func TestIncentives_Server_RateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, func(c *Config) {
		c.RateLimit = rate.Every(time.Hour)
		c.RateBurst = 2
	})
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/rewards/stats", nil, nil))
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/v1/rewards/stats", nil, nil))

	var limited RateLimitError
	require.Equal(t, http.StatusTooManyRequests, f.do(t, "alice", http.MethodGet, "/v1/rewards/stats", nil, &limited))
	require.Equal(t, "rate_limit_exceeded", limited.Error)
	require.GreaterOrEqual(t, limited.RetryAfter, 1)

	// Buckets are per caller.
	require.Equal(t, http.StatusOK, f.do(t, "admin", http.MethodGet, "/v1/rewards/stats", nil, nil))
	// Health checks are not limited.
	require.Equal(t, http.StatusOK, f.do(t, "alice", http.MethodGet, "/healthz", nil, nil))
}

func TestIncentives_Server_StatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{incentive.ErrInvalidAmount, http.StatusBadRequest},
		{incentive.ErrClaimNotFound, http.StatusNotFound},
		{incentive.ErrAlreadyReferred, http.StatusConflict},
		{incentive.ErrCodeExpired, http.StatusTooEarly},
		{incentive.ErrInsufficientBalance, http.StatusPaymentRequired},
		{incentive.ErrNotAuthorized, http.StatusForbidden},
		{badRequest("x"), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", errNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
