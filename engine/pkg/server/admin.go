package server

import (
	"context"
	"net/http"
	"time"

	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/referral"
	"github.com/shopspring/decimal"
)

type configResponse struct {
	CodeExpiry           Duration  `json:"code_expiry"`
	MinVerificationDelay Duration  `json:"min_verification_delay"`
	AutoRewardEnabled    bool      `json:"auto_reward_enabled"`
	MinRewardInterval    Duration  `json:"min_reward_interval"`
	Paused               bool      `json:"paused"`
	RewardToken          string    `json:"reward_token"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func newConfigResponse(c incentive.Config) configResponse {
	return configResponse{
		CodeExpiry:           Duration(c.CodeExpiry),
		MinVerificationDelay: Duration(c.MinVerificationDelay),
		AutoRewardEnabled:    c.AutoRewardEnabled,
		MinRewardInterval:    Duration(c.MinRewardInterval),
		Paused:               c.Paused,
		RewardToken:          c.RewardToken,
		UpdatedAt:            c.UpdatedAt,
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Admin.Config(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newConfigResponse(cfg))
}

type referralConfigRequest struct {
	CodeExpiry           Duration `json:"code_expiry"`
	MinVerificationDelay Duration `json:"min_verification_delay"`
	AutoRewardEnabled    bool     `json:"auto_reward_enabled"`
}

func (s *Server) handleUpdateReferralConfig(w http.ResponseWriter, r *http.Request) {
	var req referralConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.cfg.Referral.UpdateConfig(r.Context(), referral.ConfigUpdate{
		CodeExpiry:           time.Duration(req.CodeExpiry),
		MinVerificationDelay: time.Duration(req.MinVerificationDelay),
		AutoRewardEnabled:    req.AutoRewardEnabled,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newConfigResponse(cfg))
}

type rewardIntervalRequest struct {
	MinRewardInterval Duration `json:"min_reward_interval"`
}

func (s *Server) handleSetRewardInterval(w http.ResponseWriter, r *http.Request) {
	var req rewardIntervalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Rewards.SetMinRewardInterval(r.Context(), time.Duration(req.MinRewardInterval)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetConfig(w, r)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, s.cfg.Admin.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, s.cfg.Admin.Unpause)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetConfig(w, r)
}

func (s *Server) handleRegisterParticipant(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registrar == nil {
		s.writeError(w, r, errNotFound)
		return
	}
	if err := incentive.Require(r.Context(), s.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	var p incentive.Participant
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Registrar.Register(r.Context(), p); err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

type treasuryResponse struct {
	PoolAccount string          `json:"pool_account"`
	RewardToken string          `json:"reward_token"`
	Balance     decimal.Decimal `json:"balance"`
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	token, err := s.cfg.Treasury.RewardToken(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.cfg.Treasury.Balance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, treasuryResponse{
		PoolAccount: s.cfg.Treasury.PoolAccount(),
		RewardToken: token,
		Balance:     balance,
	})
}

type amountRequest struct {
	Token  string          `json:"token,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.treasuryTransfer(w, r, func(ctx context.Context, req amountRequest) error {
		return s.cfg.Treasury.FundRewards(ctx, req.Amount)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.treasuryTransfer(w, r, func(ctx context.Context, req amountRequest) error {
		return s.cfg.Treasury.WithdrawTokens(ctx, req.Amount)
	})
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	s.treasuryTransfer(w, r, func(ctx context.Context, req amountRequest) error {
		return s.cfg.Treasury.EmergencyWithdrawToken(ctx, req.Token, req.Amount)
	})
}

func (s *Server) treasuryTransfer(w http.ResponseWriter, r *http.Request, fn func(context.Context, amountRequest) error) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := fn(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleTreasury(w, r)
}

type rewardTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleSetRewardToken(w http.ResponseWriter, r *http.Request) {
	var req rewardTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Treasury.SetRewardToken(r.Context(), req.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleTreasury(w, r)
}
