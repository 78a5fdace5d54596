package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/teampool/teampool-server/internal/allocator"
	"github.com/teampool/teampool-server/internal/events"
	"github.com/teampool/teampool-server/internal/storage"
	"github.com/teampool/teampool-server/internal/tokenparse"
	"github.com/teampool/teampool-server/internal/warranty"
)

// ========== Redemption handlers ==========

// rejectStatus maps a refusal reason to an HTTP status
func rejectStatus(reason allocator.RejectReason) int {
	switch reason {
	case allocator.ReasonCodeNotFound:
		return http.StatusNotFound
	case allocator.ReasonCodeExpired:
		return http.StatusGone
	case allocator.ReasonCodeAlreadyUsed, allocator.ReasonTeamUnavailable:
		return http.StatusConflict
	case allocator.ReasonNoAvailableTeam:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// HandleRedeemVerify reports a code's standing without consuming it
func (s *RESTServer) HandleRedeemVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		s.respondError(w, http.StatusBadRequest, "code is required")
		return
	}

	code, err := s.store.GetCode(r.Context(), req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "unknown redemption code")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	teams, err := s.store.ListAvailableTeams(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":             true,
		"code":                code.Code,
		"status":              code.Status,
		"expired":             code.IsExpired(now),
		"expires_at":          code.ExpiresAt,
		"is_warranty":         code.IsWarranty,
		"warranty_valid":      code.IsWarranty && code.WarrantyValid(now),
		"warranty_expires_at": code.WarrantyExpiresAt,
		"available_teams":     len(teams),
	})
}

// HandleRedeemConfirm exchanges a code for a team slot
func (s *RESTServer) HandleRedeemConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code   string `json:"code"`
		Email  string `json:"email"`
		TeamID *int64 `json:"team_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		s.respondError(w, http.StatusBadRequest, "code is required")
		return
	}
	if !tokenparse.ValidEmail(req.Email) {
		s.respondError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	result, err := s.allocator.Redeem(r.Context(), req.Code, req.Email, req.TeamID)
	if err != nil {
		if re := allocator.AsReject(err); re != nil {
			s.events.Publish(events.SubjectRedemptionFailed, map[string]interface{}{
				"code":   req.Code,
				"email":  req.Email,
				"reason": re.Reason,
			})
			s.respondError(w, rejectStatus(re.Reason), re.Message)
			return
		}
		s.respondError(w, http.StatusInternalServerError, "redemption failed")
		return
	}

	s.events.Publish(events.SubjectRedemptionCommitted, map[string]interface{}{
		"code":     result.Code.Code,
		"email":    req.Email,
		"teamId":   result.Team.ID,
		"warranty": result.Warranty,
	})

	message := "code redeemed, invitation sent"
	if result.Warranty {
		message = "warranty replacement team assigned, invitation sent"
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": message,
		"team_info": map[string]interface{}{
			"team_id":         result.Team.ID,
			"team_name":       result.Team.Name,
			"plan":            result.Team.Plan,
			"expires_at":      result.Team.ExpiresAt,
			"max_members":     result.Team.MaxMembers,
			"current_members": result.Team.CurrentMembers,
		},
		"code":                result.Code.Code,
		"is_warranty":         result.Code.IsWarranty,
		"warranty_expires_at": result.Code.WarrantyExpiresAt,
		"warranty_reuse":      result.Warranty,
	})
}

// ========== Warranty handlers ==========

// HandleWarrantyCheck reports warranty eligibility for a code or an email
func (s *RESTServer) HandleWarrantyCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.Code != "":
		report, err := s.warranty.CheckCode(r.Context(), req.Code)
		if err != nil {
			s.respondWarrantyError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, report)

	case req.Email != "":
		reports, err := s.warranty.CheckEmail(r.Context(), req.Email)
		if err != nil {
			s.respondWarrantyError(w, err)
			return
		}
		if reports == nil {
			reports = []*warranty.Report{}
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"email":   req.Email,
			"reports": reports,
		})

	default:
		s.respondError(w, http.StatusBadRequest, "code or email is required")
	}
}

func (s *RESTServer) respondWarrantyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, warranty.ErrThrottled):
		s.respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "unknown redemption code")
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
