package api

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teampool/teampool-server/internal/models"
	"github.com/teampool/teampool-server/internal/storage"
)

// ========== Redemption code handlers ==========

// HandleListCodes lists redemption codes
func (s *RESTServer) HandleListCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	codes, total, err := s.store.ListCodes(ctx, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"codes": codes,
		"total": total,
	})
}

// HandleGetCode gets one code with its usage history
func (s *RESTServer) HandleGetCode(w http.ResponseWriter, r *http.Request) {
	codeStr := chi.URLParam(r, "code")

	code, err := s.store.GetCode(r.Context(), codeStr)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "code not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	records, err := s.store.ListUsageByCode(r.Context(), codeStr)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"code":  code,
		"usage": records,
	})
}

// HandleGenerateCodes creates a batch of redemption codes
func (s *RESTServer) HandleGenerateCodes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count         int    `json:"count"`
		Prefix        string `json:"prefix"`
		IsWarranty    bool   `json:"is_warranty"`
		ExpiresInDays int    `json:"expires_in_days"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Count <= 0 || req.Count > 1000 {
		s.respondError(w, http.StatusBadRequest, "count must be between 1 and 1000")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInDays > 0 {
		t := time.Now().AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &t
	}

	codes := make([]*models.RedemptionCode, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		value, err := generateCode(req.Prefix)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "code generation failed")
			return
		}

		code := &models.RedemptionCode{
			Code:       value,
			IsWarranty: req.IsWarranty,
			ExpiresAt:  expiresAt,
			Status:     models.CodeStatusUnused,
		}
		if err := s.store.CreateCode(r.Context(), code); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				// collision on a random code, take another draw
				i--
				continue
			}
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		codes = append(codes, code)
	}

	s.audit(r, "codes_generated", "code", "",
		fmt.Sprintf("count=%d warranty=%t", len(codes), req.IsWarranty))
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"codes": codes,
		"count": len(codes),
	})
}

// codeAlphabet avoids ambiguous characters (0/O, 1/I/L)
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// generateCode draws a random code like PREFIX-XXXX-XXXX-XXXX
func generateCode(prefix string) (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	chars := make([]byte, 12)
	for i, b := range raw {
		chars[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	parts := []string{string(chars[0:4]), string(chars[4:8]), string(chars[8:12])}
	if prefix != "" {
		parts = append([]string{strings.ToUpper(prefix)}, parts...)
	}
	return strings.Join(parts, "-"), nil
}
