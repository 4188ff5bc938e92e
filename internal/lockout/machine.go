package lockout

import (
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
)

const (
	DefaultThreshold = 3
	DefaultCooldown  = 2 * time.Minute
)

// Policy configures when an account locks and for how long
type Policy struct {
	// Threshold is the number of failures tolerated; the next one suspends
	Threshold int
	Cooldown  time.Duration
}

// DefaultPolicy suspends on the fourth consecutive failure for two minutes
func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Cooldown: DefaultCooldown}
}

// Machine applies lockout transitions to a LockoutState. It holds no state of
// its own; callers persist the state under the account row lock.
type Machine struct {
	policy Policy
	now    func() time.Time
}

// NewMachine creates a Machine. A nil clock uses time.Now.
func NewMachine(policy Policy, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{policy: policy, now: now}
}

// Policy returns the configured policy
func (m *Machine) Policy() Policy {
	return m.policy
}

// CheckAccess rejects suspended accounts. A failed-login suspension whose
// cooldown has elapsed is cleared on the spot and changed is true.
func (m *Machine) CheckAccess(st *models.LockoutState) (changed bool, err error) {
	if !st.Suspended {
		return false, nil
	}
	if !m.expires(st.Reason) || st.SuspendedAt == nil {
		return false, &models.SuspendedError{Reason: st.Reason}
	}

	elapsed := m.now().Sub(*st.SuspendedAt)
	if elapsed < m.policy.Cooldown {
		return false, &models.SuspendedError{Reason: st.Reason, RetryAfter: m.policy.Cooldown - elapsed}
	}

	reset(st, true)
	return true, nil
}

// RecordFailedAttempt counts a wrong password. It returns true when this
// attempt pushed the account over the threshold and suspended it.
func (m *Machine) RecordFailedAttempt(st *models.LockoutState) bool {
	st.FailedLoginAttempts++
	if st.FailedLoginAttempts > m.policy.Threshold && !st.Suspended {
		m.Suspend(st, models.SuspensionFailedLogin)
		return true
	}
	return false
}

// RecordSuccess resets the failure counter of an active account
func (m *Machine) RecordSuccess(st *models.LockoutState) error {
	if st.Suspended {
		return &models.SuspendedError{Reason: st.Reason}
	}
	st.FailedLoginAttempts = 0
	return nil
}

// Suspend applies a suspension reason. A weaker reason never replaces a
// stronger one, and an existing suspension keeps its original timestamp.
func (m *Machine) Suspend(st *models.LockoutState, reason models.SuspensionReason) bool {
	if st.Suspended && st.Reason.Rank() >= reason.Rank() {
		return false
	}
	if !st.Suspended || st.SuspendedAt == nil {
		now := m.now()
		st.SuspendedAt = &now
	}
	st.Suspended = true
	st.Reason = reason
	return true
}

// Lift removes a suspension only when it was applied for the given reason.
// If a failed-login lockout is still within its cooldown the account falls
// back to it instead of becoming active.
func (m *Machine) Lift(st *models.LockoutState, reason models.SuspensionReason) bool {
	if !st.Suspended || st.Reason != reason {
		return false
	}

	if reason != models.SuspensionFailedLogin && m.lockoutLive(st) {
		st.Reason = models.SuspensionFailedLogin
		return true
	}

	reset(st, st.FailedLoginAttempts > m.policy.Threshold)
	return true
}

// Reactivate clears every suspension and the failure counter
func (m *Machine) Reactivate(st *models.LockoutState) bool {
	changed := st.Suspended || st.FailedLoginAttempts != 0
	reset(st, true)
	return changed
}

func (m *Machine) lockoutLive(st *models.LockoutState) bool {
	return st.FailedLoginAttempts > m.policy.Threshold &&
		st.SuspendedAt != nil &&
		m.now().Sub(*st.SuspendedAt) < m.policy.Cooldown
}

// expires reports whether a reason is lifted by the passage of time. Rows
// suspended before reasons were recorded behave like failed-login lockouts.
func (m *Machine) expires(reason models.SuspensionReason) bool {
	return reason == models.SuspensionFailedLogin || reason == models.SuspensionNone
}

func reset(st *models.LockoutState, resetAttempts bool) {
	st.Suspended = false
	st.SuspendedAt = nil
	st.Reason = models.SuspensionNone
	if resetAttempts {
		st.FailedLoginAttempts = 0
	}
}
