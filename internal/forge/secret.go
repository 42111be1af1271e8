package forge

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Operation names what a secret may be consumed for.
type Operation string

const (
	OpEncryptForStorage Operation = "encrypt_for_storage"
	OpPublishProfile    Operation = "publish_profile"
	OpSignInvitation    Operation = "sign_invitation"
)

func (op Operation) Valid() bool {
	switch op {
	case OpEncryptForStorage, OpPublishProfile, OpSignInvitation:
		return true
	default:
		return false
	}
}

// Secret owns raw key bytes. The bytes live in a locked, read-only memguard
// buffer when the platform allows it and in an ordinary slice otherwise.
type Secret struct {
	buf    *memguard.LockedBuffer
	plain  []byte
	ops    map[Operation]struct{}
	locked bool
}

// NewSecret moves raw into a new Secret and zeroes raw. With no ops the
// secret may be consumed for any operation.
func NewSecret(raw []byte, ops ...Operation) (*Secret, *WipeFailure) {
	s := &Secret{}
	if len(ops) > 0 {
		s.ops = make(map[Operation]struct{}, len(ops))
		for _, op := range ops {
			s.ops[op] = struct{}{}
		}
	}
	buf, err := lockedCopy(raw)
	if err == nil {
		s.buf = buf
		s.locked = true
		return s, nil
	}
	s.plain = append([]byte(nil), raw...)
	memguard.WipeBytes(raw)
	return s, &WipeFailure{Stage: "allocate", Err: err}
}

func lockedCopy(raw []byte) (buf *memguard.LockedBuffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("locked memory unavailable: %v", r)
		}
	}()
	buf = memguard.NewBufferFromBytes(raw)
	if !buf.IsAlive() {
		return nil, fmt.Errorf("empty secret")
	}
	buf.Freeze()
	return buf, nil
}

// Bytes returns a view of the key bytes. Callers must not keep it past the
// call that borrowed the secret.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	if s.buf != nil {
		return s.buf.Bytes()
	}
	return s.plain
}

func (s *Secret) Len() int { return len(s.Bytes()) }

func (s *Secret) Locked() bool { return s != nil && s.locked }

func (s *Secret) Allows(op Operation) bool {
	if s == nil {
		return false
	}
	if len(s.ops) == 0 {
		return true
	}
	_, ok := s.ops[op]
	return ok
}

// Destroy zeroes the key bytes. A non-nil result means the bytes were zeroed
// on a best-effort basis only.
func (s *Secret) Destroy() (failure *WipeFailure) {
	if s == nil {
		return nil
	}
	if s.plain != nil {
		memguard.WipeBytes(s.plain)
		s.plain = nil
	}
	if s.buf == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			failure = &WipeFailure{Stage: "destroy", Err: fmt.Errorf("%v", r)}
		}
		s.buf = nil
	}()
	s.buf.Destroy()
	return nil
}
