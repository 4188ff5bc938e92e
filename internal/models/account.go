package models

import "time"

// Role of an account
type Role string

const (
	RoleTourist Role = "tourist"
	RoleCompany Role = "company"
	RoleAdmin   Role = "admin"
)

// SuspensionReason tags why an account is suspended
type SuspensionReason string

const (
	SuspensionNone                SuspensionReason = ""
	SuspensionFailedLogin         SuspensionReason = "failed_login"
	SuspensionSubscriptionExpired SuspensionReason = "subscription_expired"
	SuspensionAdminAction         SuspensionReason = "admin_action"
)

// Rank orders reasons so that a stronger one is never replaced by a weaker one
func (r SuspensionReason) Rank() int {
	switch r {
	case SuspensionFailedLogin:
		return 1
	case SuspensionSubscriptionExpired:
		return 2
	case SuspensionAdminAction:
		return 3
	default:
		return 0
	}
}

// LockoutState is the per-account lockout record
type LockoutState struct {
	FailedLoginAttempts int              `json:"failedLoginAttempts"`
	Suspended           bool             `json:"suspended"`
	SuspendedAt         *time.Time       `json:"suspendedAt,omitempty"`
	Reason              SuspensionReason `json:"suspensionReason,omitempty"`
}

// Account is a tourist, company or admin login
type Account struct {
	ID                    int64        `json:"id"`
	Name                  string       `json:"name"`
	Email                 string       `json:"email"`
	PasswordHash          string       `json:"-"`
	Role                  Role         `json:"role"`
	Lockout               LockoutState `json:"lockout"`
	SubscriptionExpiresAt *time.Time   `json:"subscriptionExpiresAt,omitempty"`
	StripeAccountID       string       `json:"-"`
}

// SubscriptionExpired reports whether a company subscription has lapsed at now
func (a Account) SubscriptionExpired(now time.Time) bool {
	return a.Role == RoleCompany && a.SubscriptionExpiresAt != nil && now.After(*a.SubscriptionExpiresAt)
}
