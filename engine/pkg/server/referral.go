package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/referral"
)

type generateCodeRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleGenerateCode(w http.ResponseWriter, r *http.Request) {
	var req generateCodeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.UserID == "" {
		req.UserID = incentive.CallerFromContext(r.Context())
	}
	code, err := s.cfg.Referral.GenerateReferralCode(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.cfg.Referral.Code(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCode(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Referral.Code(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeactivateCode(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Referral.DeactivateReferralCode(r.Context(), chi.URLParam(r, "code")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReferralCodeOf(w http.ResponseWriter, r *http.Request) {
	referrer := chi.URLParam(r, "referrer")
	c, found, err := s.cfg.Referral.ReferralCodeOf(r.Context(), referrer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, fmt.Errorf("%w: %s has no active code", errNotFound, referrer))
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

type applyCodeRequest struct {
	Referee string `json:"referee"`
	Code    string `json:"code"`
}

func (s *Server) handleApplyCode(w http.ResponseWriter, r *http.Request) {
	var req applyCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Referral.ApplyReferralCode(r.Context(), req.Referee, req.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	rel, err := s.cfg.Referral.Relationship(r.Context(), req.Referee)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rel)
}

type verifyRequest struct {
	Referees []string `json:"referees"`
}

type verifyResponse struct {
	Results []referral.VerifyResult `json:"results"`
}

func (s *Server) handleVerifyReferrals(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Referees) == 0 {
		s.writeError(w, r, badRequest("referees is required"))
		return
	}
	if len(req.Referees) == 1 {
		res, err := s.cfg.Referral.VerifyReferral(r.Context(), req.Referees[0])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, verifyResponse{Results: []referral.VerifyResult{res}})
		return
	}
	results, err := s.cfg.Referral.BatchVerifyReferrals(r.Context(), req.Referees)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, verifyResponse{Results: results})
}

func (s *Server) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	rel, err := s.cfg.Referral.Relationship(r.Context(), chi.URLParam(r, "referee"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReferrerStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Referral.ReferrerStats(r.Context(), chi.URLParam(r, "referrer"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	page, err := s.cfg.Referral.Claims(r.Context(), chi.URLParam(r, "referrer"), offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	index, err := int64Param(r, "index")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.cfg.Referral.Claim(r.Context(), index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleClaimReward(w http.ResponseWriter, r *http.Request) {
	index, err := int64Param(r, "index")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.cfg.Referral.ClaimReferralReward(r.Context(), index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRewardTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := s.cfg.Referral.RewardTiers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]referral.Tier{"tiers": tiers})
}

func (s *Server) handleUpdateRewardTier(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "tier"))
	if err != nil {
		s.writeError(w, r, badRequest("invalid tier: %v", err))
		return
	}
	var tier referral.Tier
	if err := decodeJSON(w, r, &tier); err != nil {
		s.writeError(w, r, err)
		return
	}
	if tier.Number != 0 && tier.Number != number {
		s.writeError(w, r, badRequest("tier number %d does not match path %d", tier.Number, number))
		return
	}
	tier.Number = number
	if err := s.cfg.Referral.UpdateRewardTier(r.Context(), tier); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tier)
}

type referralStatsResponse struct {
	incentive.GlobalStats
	TotalReferralCodes int64 `json:"total_referral_codes"`
}

func (s *Server) handleReferralStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Referral.GlobalStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	codes, err := s.cfg.Referral.TotalReferralCodes(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, referralStatsResponse{GlobalStats: stats, TotalReferralCodes: codes})
}
