package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/malbeclabs/incentives/engine/pkg/rewards"
	"github.com/shopspring/decimal"
)

type calculateResponse struct {
	ID     uuid.UUID      `json:"id"`
	Reward rewards.Record `json:"reward"`
}

func (s *Server) handleCalculateReward(w http.ResponseWriter, r *http.Request) {
	var req rewards.CalculateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.cfg.Rewards.CalculateReward(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.cfg.Rewards.Reward(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, calculateResponse{ID: id, Reward: rec})
}

func (s *Server) handleGetReward(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.cfg.Rewards.Reward(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDistributeReward(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Rewards.DistributeReward(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.cfg.Rewards.Reward(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type batchDistributeRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (s *Server) handleBatchDistribute(w http.ResponseWriter, r *http.Request) {
	var req batchDistributeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Rewards.BatchDistribute(r.Context(), req.IDs); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"distributed": len(req.IDs)})
}

func (s *Server) handleRewardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Rewards.GlobalStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type operatorResponse struct {
	rewards.OperatorAccount
	NetRewards decimal.Decimal `json:"net_rewards"`
}

func (s *Server) handleGetOperator(w http.ResponseWriter, r *http.Request) {
	operator := chi.URLParam(r, "operator")
	acct, found, err := s.cfg.Rewards.Operator(r.Context(), operator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, fmt.Errorf("%w: operator %s has no account", errNotFound, operator))
		return
	}
	s.writeJSON(w, http.StatusOK, operatorResponse{OperatorAccount: acct, NetRewards: acct.NetRewards()})
}

func (s *Server) handleRewardHistory(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	page, err := s.cfg.Rewards.RewardHistory(r.Context(), chi.URLParam(r, "operator"), offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSlashHistory(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	page, err := s.cfg.Rewards.SlashHistory(r.Context(), chi.URLParam(r, "operator"), offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleUpdatePerformance(w http.ResponseWriter, r *http.Request) {
	var perf rewards.PerformanceMetrics
	if err := decodeJSON(w, r, &perf); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Rewards.UpdatePerformance(r.Context(), chi.URLParam(r, "operator"), perf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type slashRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (s *Server) handleSlash(w http.ResponseWriter, r *http.Request) {
	var req slashRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Rewards.Slash(r.Context(), chi.URLParam(r, "operator"), req.Amount, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchSlashRequest struct {
	Items []rewards.SlashRequest `json:"items"`
}

func (s *Server) handleBatchSlash(w http.ResponseWriter, r *http.Request) {
	var req batchSlashRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Rewards.BatchSlash(r.Context(), req.Items); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"slashed": len(req.Items)})
}
