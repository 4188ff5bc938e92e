package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInactive           = errors.New("trip is not active")
	ErrInsufficientSeats  = errors.New("not enough available seats")
	ErrSeatOverflow       = errors.New("available seats would exceed trip capacity")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrGateway            = errors.New("payment gateway error")
	ErrInvalidEvent       = errors.New("invalid payment event")
	ErrPaymentIncomplete  = errors.New("payment not completed")
	ErrLateSettlement     = errors.New("payment completed for a released reservation")
	ErrAccountSuspended   = errors.New("account is suspended")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// NotFoundError names the missing resource
type NotFoundError struct {
	Resource string
	ID       any
}

func (e *NotFoundError) Error() string {
	if e.ID == nil {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %v not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// GatewayError is a failure talking to the payment provider
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// InvalidEventError is a provider notification that cannot be reconciled
type InvalidEventError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *InvalidEventError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("invalid payment event: %s", e.Reason)
	}
	return fmt.Sprintf("invalid payment event for session %s: %s", e.SessionID, e.Reason)
}

func (e *InvalidEventError) Unwrap() error { return e.Err }

func (e *InvalidEventError) Is(target error) bool { return target == ErrInvalidEvent }

// SuspendedError rejects a login on a suspended account
type SuspendedError struct {
	Reason     SuspensionReason
	RetryAfter time.Duration
}

func (e *SuspendedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("account is suspended (%s), retry in %s", e.Reason, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("account is suspended (%s)", e.Reason)
}

func (e *SuspendedError) Is(target error) bool { return target == ErrAccountSuspended }

// CredentialsError rejects a wrong password
type CredentialsError struct {
	RemainingAttempts int
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("invalid credentials, %d attempts remaining", e.RemainingAttempts)
}

func (e *CredentialsError) Is(target error) bool { return target == ErrInvalidCredentials }
