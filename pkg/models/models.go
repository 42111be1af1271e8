package models

import (
	"strings"
	"time"
)

const (
	EventKindProfile    = "profile"
	EventKindInvitation = "invitation"
)

type Identity struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
}

type ProfileMetadata struct {
	Name        string    `json:"name,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	About       string    `json:"about,omitempty"`
	Picture     string    `json:"picture,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

func (p ProfileMetadata) IsEmpty() bool {
	return strings.TrimSpace(p.Name) == "" &&
		strings.TrimSpace(p.DisplayName) == "" &&
		strings.TrimSpace(p.About) == "" &&
		strings.TrimSpace(p.Picture) == ""
}

// Event is a signed payload published on behalf of an identity.
type Event struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	PublicKey string     `json:"public_key"`
	CreatedAt time.Time  `json:"created_at"`
	Tags      [][]string `json:"tags,omitempty"`
	Content   string     `json:"content"`
	Signature []byte     `json:"signature,omitempty"`
}

func (e Event) Tag(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

type PublishReceipt struct {
	EventID     string    `json:"event_id"`
	Topic       string    `json:"topic"`
	PublishedAt time.Time `json:"published_at"`
}

type OwnershipSessionInfo struct {
	SessionID        string    `json:"session_id"`
	ClaimedPublicKey string    `json:"claimed_public_key"`
	CodeDigits       int       `json:"code_digits"`
	CodePeriodSec    int       `json:"code_period_sec"`
	ExpiresAt        time.Time `json:"expires_at"`
	Sent             bool      `json:"sent"`
}

type ForgeStatus struct {
	ForgeID           string    `json:"forge_id"`
	Phase             string    `json:"phase"`
	Protected         bool      `json:"protected"`
	Displayed         bool      `json:"displayed"`
	CountdownActive   bool      `json:"countdown_active"`
	RemainingSeconds  int       `json:"remaining_seconds"`
	Deadline          time.Time `json:"deadline,omitempty"`
	Submitting        bool      `json:"submitting"`
	Imported          bool      `json:"imported"`
	ViewOnly          bool      `json:"view_only"`
	OwnershipVerified bool      `json:"ownership_verified"`
	Identity          Identity  `json:"identity"`
	EndedBy           string    `json:"ended_by,omitempty"`
}
