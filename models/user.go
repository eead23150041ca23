package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole represents the role of a user within the tenant hierarchy
type UserRole string

const (
	RoleOwner  UserRole = "owner"
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
	RoleViewer UserRole = "viewer"
)

// IsValid reports whether r is one of the known roles
func (r UserRole) IsValid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// User represents an authenticated tenant. Identity is established upstream.
type User struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Role      UserRole  `json:"role" db:"role"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the User model
func (User) TableName() string {
	return "users"
}

// NewUser creates a new enabled User instance
func NewUser(email string, role UserRole) *User {
	now := time.Now().UTC()
	return &User{
		ID:        uuid.New(),
		Email:     email,
		Role:      role,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsAdmin returns true if the user is an owner or admin
func (u *User) IsAdmin() bool {
	return u.Role == RoleOwner || u.Role == RoleAdmin
}

// CanUseTools returns true if the user may trigger tool calls
func (u *User) CanUseTools() bool {
	return u.Role == RoleOwner || u.Role == RoleAdmin || u.Role == RoleMember
}

// CanSignWallet returns true if the user may request wallet signatures
func (u *User) CanSignWallet() bool {
	return u.Role == RoleOwner || u.Role == RoleAdmin
}

// CanTrade returns true if the user may place or read financial positions
func (u *User) CanTrade() bool {
	return u.Role == RoleOwner || u.Role == RoleAdmin || u.Role == RoleMember
}

// CanManageSettings reports whether u may change target's settings.
// Admins cannot manage owners.
func (u *User) CanManageSettings(target *User) bool {
	switch u.Role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return target == nil || target.Role != RoleOwner
	}
	return false
}
