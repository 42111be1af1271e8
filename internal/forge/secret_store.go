package forge

import (
	"fmt"
	"time"
)

type Phase string

const (
	PhaseAbsent    Phase = "absent"
	PhaseGenerated Phase = "generated"
	PhaseDisplayed Phase = "displayed"
	PhaseSecured   Phase = "secured"
	PhaseConsumed  Phase = "consumed"
)

func (p Phase) holdsBytes() bool {
	return p == PhaseGenerated || p == PhaseDisplayed
}

func (p Phase) terminal() bool {
	return p == PhaseSecured || p == PhaseConsumed
}

// SecretStore holds at most one live secret. It is not safe for concurrent
// use on its own; Lifecycle serialises every call.
type SecretStore struct {
	phase    Phase
	secret   *Secret
	protect  bool
	deadline time.Time

	onWipeFailure func(*WipeFailure)
}

func NewSecretStore(onWipeFailure func(*WipeFailure)) *SecretStore {
	return &SecretStore{phase: PhaseAbsent, onWipeFailure: onWipeFailure}
}

func (s *SecretStore) Phase() Phase { return s.phase }

func (s *SecretStore) Protected() bool { return s.protect }

// Deadline is the expiry deadline recorded on first display.
func (s *SecretStore) Deadline() (time.Time, bool) {
	if s.phase != PhaseDisplayed {
		return time.Time{}, false
	}
	return s.deadline, true
}

// Set installs secret. The store takes ownership of secret only when Set
// succeeds.
func (s *SecretStore) Set(secret *Secret, protect, force bool) error {
	if secret == nil || secret.Len() == 0 {
		return fmt.Errorf("%w: empty secret", ErrInvalidTransition)
	}
	if s.phase.terminal() {
		return fmt.Errorf("%w: %s lifecycle cannot take a new secret", ErrInvalidTransition, s.phase)
	}
	if s.secret != nil && s.protect && !force {
		return ErrConflict
	}
	s.wipe("replace")
	s.secret = secret
	s.protect = protect
	s.phase = PhaseGenerated
	s.deadline = time.Time{}
	return nil
}

// Get borrows the live secret, if any.
func (s *SecretStore) Get() (*Secret, bool) {
	if !s.phase.holdsBytes() || s.secret == nil {
		return nil, false
	}
	return s.secret, true
}

// Clear wipes the live secret. It reports false when the secret is protected
// and force is not set.
func (s *SecretStore) Clear(force bool) bool {
	if !s.phase.holdsBytes() {
		return true
	}
	if s.protect && !force {
		return false
	}
	s.wipe("clear")
	s.phase = PhaseAbsent
	return true
}

// MarkDisplayed moves a generated secret to Displayed. Calling it again while
// displayed keeps the original deadline.
func (s *SecretStore) MarkDisplayed(deadline time.Time) (time.Time, error) {
	switch s.phase {
	case PhaseGenerated:
		s.phase = PhaseDisplayed
		s.deadline = deadline
		return deadline, nil
	case PhaseDisplayed:
		return s.deadline, nil
	case PhaseAbsent:
		return time.Time{}, ErrNoSecret
	default:
		return time.Time{}, fmt.Errorf("%w: display from %s", ErrInvalidTransition, s.phase)
	}
}

func (s *SecretStore) MarkSecured() error {
	if s.phase != PhaseDisplayed {
		return fmt.Errorf("%w: secure from %s", ErrInvalidTransition, s.phase)
	}
	s.wipe("secure")
	s.phase = PhaseSecured
	return nil
}

func (s *SecretStore) MarkConsumed() error {
	if !s.phase.holdsBytes() {
		return fmt.Errorf("%w: consume from %s", ErrInvalidTransition, s.phase)
	}
	s.wipe("consume")
	s.phase = PhaseConsumed
	return nil
}

func (s *SecretStore) wipe(stage string) {
	if s.secret == nil {
		return
	}
	failure := s.secret.Destroy()
	s.secret = nil
	s.protect = false
	s.deadline = time.Time{}
	if failure != nil {
		failure.Stage = stage
		if s.onWipeFailure != nil {
			s.onWipeFailure(failure)
		}
	}
}
