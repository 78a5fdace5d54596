package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageOutcome classifies a redemption attempt that reached allocation
type UsageOutcome string

const (
	UsageOutcomeSuccess UsageOutcome = "success"
	UsageOutcomeFailure UsageOutcome = "failure"
)

// UsageRecord is an append-only record of one redemption attempt that reached
// the allocation stage. Records are never mutated or deleted.
type UsageRecord struct {
	ID     uuid.UUID `json:"id" db:"id"`
	Code   string    `json:"code" db:"code"`
	Email  string    `json:"email" db:"email"`
	TeamID int64     `json:"teamId" db:"team_id"`
	UsedAt time.Time `json:"usedAt" db:"used_at"`

	Outcome UsageOutcome `json:"outcome" db:"outcome"`
	Reason  string       `json:"reason,omitempty" db:"reason"`

	IsWarrantyRedemption bool `json:"isWarrantyRedemption" db:"is_warranty_redemption"`
}

// BannedTeamMark is evidence that a (team, email) pair was cut off by the
// provider after assignment. Written by the synchronizer or an external
// report, read by the warranty ledger.
type BannedTeamMark struct {
	ID       int64     `json:"id" db:"id"`
	TeamID   int64     `json:"teamId" db:"team_id"`
	Email    string    `json:"email" db:"email"`
	MarkedAt time.Time `json:"markedAt" db:"marked_at"`
}

// AuditLog is an append-only admin/redemption action trail
type AuditLog struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Actor      string    `json:"actor" db:"actor"`
	Action     string    `json:"action" db:"action"`
	TargetType string    `json:"targetType,omitempty" db:"target_type"`
	TargetID   string    `json:"targetId,omitempty" db:"target_id"`
	Message    string    `json:"message,omitempty" db:"message"`
	IP         string    `json:"ip,omitempty" db:"ip"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// Setting is a key/value row for process configuration persisted in the
// database, such as the bootstrapped admin password hash
type Setting struct {
	Key         string    `json:"key" db:"key"`
	Value       string    `json:"value" db:"value"`
	Description string    `json:"description,omitempty" db:"description"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}
