package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/ledger"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/metrics"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// SubscriptionTerm is how long a company renewal extends the subscription
const SubscriptionTerm = 365 * 24 * time.Hour

// Service runs lockout transitions against stored accounts. Every operation
// holds the account row lock for the read-modify-write of the lockout state.
type Service struct {
	store   ledger.Store
	machine *Machine
	now     func() time.Time
	logger  logrus.FieldLogger
}

// NewService creates an account service sharing the machine's clock
func NewService(store ledger.Store, machine *Machine, logger logrus.FieldLogger) *Service {
	return &Service{
		store:   store,
		machine: machine,
		now:     machine.now,
		logger:  logger.WithField("component", "lockout"),
	}
}

// Login verifies credentials and applies the lockout policy. The updated
// lockout state is persisted even when the login is rejected.
func (s *Service) Login(ctx context.Context, email, password string) (models.Account, error) {
	var (
		account  models.Account
		loginErr error
		result   = "success"
	)

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		acct, err := tx.LockAccountByEmail(ctx, email)
		if err != nil {
			return err
		}

		st := acct.Lockout
		dirty := false

		if acct.SubscriptionExpired(s.now()) && s.machine.Suspend(&st, models.SuspensionSubscriptionExpired) {
			dirty = true
			metrics.AccountSuspended(string(models.SuspensionSubscriptionExpired))
			s.logger.WithField("account_id", acct.ID).Warn("company subscription expired, account suspended")
		}

		changed, accessErr := s.machine.CheckAccess(&st)
		dirty = dirty || changed

		switch {
		case accessErr != nil:
			loginErr = accessErr
			result = "suspended"

		case bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil:
			dirty = true
			if s.machine.RecordFailedAttempt(&st) {
				loginErr = &models.SuspendedError{Reason: models.SuspensionFailedLogin, RetryAfter: s.machine.policy.Cooldown}
				result = "locked"
				metrics.AccountSuspended(string(models.SuspensionFailedLogin))
				s.logger.WithFields(logrus.Fields{
					"account_id": acct.ID,
					"attempts":   st.FailedLoginAttempts,
				}).Warn("too many failed logins, account suspended")
			} else {
				loginErr = &models.CredentialsError{RemainingAttempts: s.machine.policy.Threshold + 1 - st.FailedLoginAttempts}
				result = "invalid_credentials"
			}

		default:
			dirty = dirty || st.FailedLoginAttempts != 0
			if err := s.machine.RecordSuccess(&st); err != nil {
				return err
			}
		}

		if dirty {
			if err := tx.SaveLockout(ctx, acct.ID, st); err != nil {
				return err
			}
		}

		acct.Lockout = st
		account = acct
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}

	metrics.LoginAttempt(result)
	return account, loginErr
}

// Suspend applies an administrative suspension
func (s *Service) Suspend(ctx context.Context, accountID int64) (models.Account, error) {
	return s.update(ctx, accountID, "suspend", func(ctx context.Context, tx ledger.Tx, acct *models.Account) (bool, error) {
		changed := s.machine.Suspend(&acct.Lockout, models.SuspensionAdminAction)
		if changed {
			metrics.AccountSuspended(string(models.SuspensionAdminAction))
		}
		return changed, nil
	})
}

// Reactivate clears every suspension of an account
func (s *Service) Reactivate(ctx context.Context, accountID int64) (models.Account, error) {
	return s.update(ctx, accountID, "reactivate", func(ctx context.Context, tx ledger.Tx, acct *models.Account) (bool, error) {
		return s.machine.Reactivate(&acct.Lockout), nil
	})
}

// RenewSubscription extends a company subscription and lifts a suspension
// caused by its expiry. A zero until extends by one SubscriptionTerm from the
// later of now and the current expiry.
func (s *Service) RenewSubscription(ctx context.Context, companyID int64, until time.Time) (models.Account, error) {
	return s.update(ctx, companyID, "renew_subscription", func(ctx context.Context, tx ledger.Tx, acct *models.Account) (bool, error) {
		if acct.Role != models.RoleCompany {
			return false, fmt.Errorf("account %d is not a company: %w", acct.ID, models.ErrInvalidArgument)
		}

		now := s.now()
		if until.IsZero() {
			base := now
			if acct.SubscriptionExpiresAt != nil && acct.SubscriptionExpiresAt.After(now) {
				base = *acct.SubscriptionExpiresAt
			}
			until = base.Add(SubscriptionTerm)
		}
		if !until.After(now) {
			return false, fmt.Errorf("subscription must end in the future: %w", models.ErrInvalidArgument)
		}

		if err := tx.SetSubscriptionExpiry(ctx, acct.ID, until); err != nil {
			return false, err
		}
		acct.SubscriptionExpiresAt = &until

		return s.machine.Lift(&acct.Lockout, models.SuspensionSubscriptionExpired), nil
	})
}

func (s *Service) update(ctx context.Context, accountID int64, action string,
	fn func(ctx context.Context, tx ledger.Tx, acct *models.Account) (bool, error)) (models.Account, error) {
	var account models.Account

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}

		changed, err := fn(ctx, tx, &acct)
		if err != nil {
			return err
		}
		if changed {
			if err := tx.SaveLockout(ctx, acct.ID, acct.Lockout); err != nil {
				return err
			}
		}

		account = acct
		return nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) && !errors.Is(err, models.ErrInvalidArgument) {
			s.logger.WithError(err).WithFields(logrus.Fields{"account_id": accountID, "action": action}).
				Error("account update failed")
		}
		return models.Account{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"action":     action,
		"suspended":  account.Lockout.Suspended,
		"reason":     account.Lockout.Reason,
	}).Info("account updated")
	return account, nil
}
