package models

import (
	"time"
)

// TeamStatus represents the lifecycle state of a team
type TeamStatus string

const (
	TeamStatusAvailable TeamStatus = "available"
	TeamStatusFull      TeamStatus = "full"
	TeamStatusExpired   TeamStatus = "expired"
	TeamStatusError     TeamStatus = "error"
	TeamStatusBanned    TeamStatus = "banned"
)

// Team represents an externally hosted group account with finite member capacity.
// The access token is stored sealed (see internal/vault) and only decrypted for
// provider calls. current_members <= max_members must hold at all times; the
// counter is only changed through the store's compare-and-set operations.
type Team struct {
	ID        int64     `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	AccessTokenSealed string `json:"-" db:"access_token_sealed"`
	Email             string `json:"email" db:"email"`
	AccountID         string `json:"accountId" db:"account_id"`
	Name              string `json:"name" db:"name"`
	Plan              string `json:"plan" db:"plan"`

	// Capacity
	MaxMembers     int `json:"maxMembers" db:"max_members"`
	CurrentMembers int `json:"currentMembers" db:"current_members"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty" db:"expires_at"`

	// Status
	Status            TeamStatus `json:"status" db:"status"`
	ConsecutiveErrors int        `json:"consecutiveErrors" db:"consecutive_errors"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty" db:"last_synced_at"`

	// Teams with usage history are deactivated, never deleted
	IsActive bool `json:"isActive" db:"is_active"`
}

// HasCapacity reports whether the team can take one more member
func (t *Team) HasCapacity() bool {
	return t.CurrentMembers < t.MaxMembers
}

// IsExpired reports whether the team subscription has passed its expiry
func (t *Team) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// Unusable reports whether the team counts as lost for warranty purposes
func (t *Team) Unusable() bool {
	return t.Status == TeamStatusError || t.Status == TeamStatusBanned
}
