package forge

import (
	"errors"
	"fmt"
)

var (
	ErrConflict            = errors.New("a protected secret is already live")
	ErrAlreadyArmed        = errors.New("expiry timer is already armed")
	ErrTimeout             = errors.New("operation timed out")
	ErrAuthentication      = errors.New("authentication failed")
	ErrNoSecret            = errors.New("no secret available")
	ErrInvalidTransition   = errors.New("invalid secret state transition")
	ErrSignerGuarded       = errors.New("remote signer is disabled while a key is being forged")
	ErrOwnershipUnverified = errors.New("ownership of the imported key is not verified")
	ErrPasswordLocked      = errors.New("password attempts are temporarily locked")
	ErrUnsupported         = errors.New("signing method does not support this operation")
	ErrRemoteUnavailable   = errors.New("remote signer is not available")
	ErrConsumptionPending  = errors.New("secret consumption already in progress")
	ErrKeyMismatch         = errors.New("live secret does not belong to the signing identity")
)

// WipeFailure reports that key bytes could not be wiped the way they were
// meant to be. It is logged and counted, never returned to callers as fatal.
type WipeFailure struct {
	Stage string
	Err   error
}

func (e *WipeFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("secret wipe failed during %s", e.Stage)
	}
	return fmt.Sprintf("secret wipe failed during %s: %v", e.Stage, e.Err)
}

func (e *WipeFailure) Unwrap() error { return e.Err }
