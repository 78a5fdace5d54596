package models

import (
	"time"
)

// CodeStatus represents the lifecycle state of a redemption code
type CodeStatus string

const (
	CodeStatusUnused  CodeStatus = "unused"
	CodeStatusUsed    CodeStatus = "used"
	CodeStatusExpired CodeStatus = "expired"
)

// RedemptionCode is a single-use token exchanged for a team slot. A warranty
// code keeps status "used" after redemption but may be logically reused while
// warranty_expires_at is in the future and its assigned team became unusable.
type RedemptionCode struct {
	ID        int64     `json:"id" db:"id"`
	Code      string    `json:"code" db:"code"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty" db:"expires_at"`

	// Warranty
	IsWarranty        bool       `json:"isWarranty" db:"is_warranty"`
	WarrantyExpiresAt *time.Time `json:"warrantyExpiresAt,omitempty" db:"warranty_expires_at"`

	Status         CodeStatus `json:"status" db:"status"`
	AssignedTeamID *int64     `json:"assignedTeamId,omitempty" db:"assigned_team_id"`
	UsedByEmail    *string    `json:"usedByEmail,omitempty" db:"used_by_email"`
	UsedAt         *time.Time `json:"usedAt,omitempty" db:"used_at"`
}

// IsExpired reports whether the code itself has passed its expiry
func (c *RedemptionCode) IsExpired(now time.Time) bool {
	if c.Status == CodeStatusExpired {
		return true
	}
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// WarrantyValid reports whether the warranty window is still open
func (c *RedemptionCode) WarrantyValid(now time.Time) bool {
	if !c.IsWarranty {
		return false
	}
	if c.WarrantyExpiresAt == nil {
		// warranty window starts at first use
		return true
	}
	return c.WarrantyExpiresAt.After(now)
}
