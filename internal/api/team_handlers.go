package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/teampool/teampool-server/internal/models"
	"github.com/teampool/teampool-server/internal/storage"
	"github.com/teampool/teampool-server/internal/syncer"
	"github.com/teampool/teampool-server/internal/tokenparse"
)

// ========== Team handlers ==========

// HandleListTeams lists teams
func (s *RESTServer) HandleListTeams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	teams, total, err := s.store.ListTeams(ctx, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"teams": teams,
		"total": total,
	})
}

// HandleGetTeam gets a team
func (s *RESTServer) HandleGetTeam(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid team id")
		return
	}

	team, err := s.store.GetTeam(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "team not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, team)
}

// HandleDeactivateTeam takes a team out of rotation. Teams are never
// deleted: their usage history backs warranty claims.
func (s *RESTServer) HandleDeactivateTeam(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid team id")
		return
	}

	if err := s.store.DeactivateTeam(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "team not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.audit(r, "team_deactivated", "team", strconv.FormatInt(id, 10), "")
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// HandleTeamUsage lists the redemption history of a team
func (s *RESTServer) HandleTeamUsage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid team id")
		return
	}

	codes, err := s.store.ListCodesByTeam(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	marks, err := s.store.ListBannedTeamMarks(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"codes":       codes,
		"bannedMarks": marks,
	})
}

// HandleSyncTeam refreshes one team from the provider immediately
func (s *RESTServer) HandleSyncTeam(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid team id")
		return
	}

	team, err := s.store.GetTeam(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "team not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.syncer.SyncTeam(r.Context(), team); err != nil {
		s.respondError(w, http.StatusBadGateway, fmt.Sprintf("sync failed: %v", err))
		return
	}

	refreshed, err := s.store.GetTeam(r.Context(), id)
	if err != nil {
		refreshed = team
	}
	s.audit(r, "team_synced", "team", strconv.FormatInt(id, 10), "")
	s.respondJSON(w, http.StatusOK, refreshed)
}

// HandleRunSync runs a full sync cycle
func (s *RESTServer) HandleRunSync(w http.ResponseWriter, r *http.Request) {
	if err := s.syncer.RunOnce(r.Context()); err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			s.respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.audit(r, "sync_cycle", "sync", "", "")
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// ========== Team import ==========

// importedTeam is one line of import input that became a team
type importedTeam struct {
	Line   int    `json:"line"`
	TeamID int64  `json:"teamId"`
	Email  string `json:"email,omitempty"`
}

// HandleImportTeams ingests pasted credential text: one team per line, the
// access token possibly accompanied by email and account id. Tokens are
// sealed before they touch the database.
func (s *RESTServer) HandleImportTeams(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text       string `json:"text"`
		MaxMembers int    `json:"max_members"`
		Plan       string `json:"plan"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		s.respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.MaxMembers <= 0 {
		req.MaxMembers = 5
	}
	if req.Plan == "" {
		req.Plan = "team"
	}

	extractions, lineErrors := s.parser.Parse(req.Text)

	var imported []importedTeam
	for _, ex := range extractions {
		team, err := s.teamFromExtraction(r, ex, req.MaxMembers, req.Plan)
		if err != nil {
			lineErrors = append(lineErrors, tokenparse.LineError{Line: ex.Line, Reason: err.Error()})
			continue
		}
		imported = append(imported, importedTeam{Line: ex.Line, TeamID: team.ID, Email: team.Email})
	}

	s.audit(r, "teams_imported", "team", "",
		fmt.Sprintf("imported=%d failed=%d", len(imported), len(lineErrors)))

	status := http.StatusOK
	if len(imported) == 0 {
		status = http.StatusUnprocessableEntity
	}
	s.respondJSON(w, status, map[string]interface{}{
		"imported": imported,
		"failed":   lineErrors,
	})
}

// teamFromExtraction builds and stores one team from a parsed credential line
func (s *RESTServer) teamFromExtraction(r *http.Request, ex tokenparse.Extraction, maxMembers int, plan string) (*models.Team, error) {
	email := ex.Email
	accountID := ex.AccountID

	decoded, err := s.claims.Decode(ex.Token)
	if err == nil {
		if email == "" {
			email = decoded.Email
		}
		if accountID == "" {
			accountID = decoded.AccountID
		}
	} else if s.config.Claims.StrictVerify {
		return nil, fmt.Errorf("token rejected: %w", err)
	}

	if accountID == "" {
		return nil, fmt.Errorf("no account id on line or in token claims")
	}

	if existing, err := s.store.GetTeamByAccountID(r.Context(), accountID); err == nil {
		return nil, fmt.Errorf("account already imported as team %d", existing.ID)
	}

	sealed, err := s.vault.Seal(ex.Token)
	if err != nil {
		return nil, fmt.Errorf("seal token: %w", err)
	}

	team := &models.Team{
		AccessTokenSealed: sealed,
		Email:             email,
		AccountID:         accountID,
		Name:              email,
		Plan:              plan,
		MaxMembers:        maxMembers,
		Status:            models.TeamStatusAvailable,
	}
	if decoded != nil && decoded.ExpiresAt != nil {
		team.ExpiresAt = decoded.ExpiresAt
	}

	if err := s.store.CreateTeam(r.Context(), team); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("account already imported")
		}
		return nil, err
	}
	return team, nil
}
