package ledger

import "errors"

var (
	// ErrSessionConflict is returned when a reservation is already bound to a different session
	ErrSessionConflict = errors.New("reservation is bound to another session")
	// ErrAlreadyResolved is returned when resolving a reservation that left PENDING
	ErrAlreadyResolved = errors.New("reservation already resolved")
)
