package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"keyforge/go-backend/internal/onboarding"
	"keyforge/go-backend/pkg/models"
)

var errInvalidParams = errors.New("invalid params")

type forgeIDParams struct {
	ForgeID string `json:"forge_id"`
}

type generateParams struct {
	ForgeID string `json:"forge_id"`
	Protect bool   `json:"protect"`
	Force   bool   `json:"force"`
}

type importParams struct {
	ForgeID string `json:"forge_id"`
	Text    string `json:"text"`
	Protect bool   `json:"protect"`
	Force   bool   `json:"force"`
}

type displayedParams struct {
	ForgeID   string `json:"forge_id"`
	Displayed bool   `json:"displayed"`
}

type persistParams struct {
	ForgeID    string                    `json:"forge_id"`
	Passphrase string                    `json:"passphrase"`
	Signing    onboarding.SigningRequest `json:"signing"`
}

type publishParams struct {
	ForgeID string                    `json:"forge_id"`
	Profile models.ProfileMetadata    `json:"profile"`
	Signing onboarding.SigningRequest `json:"signing"`
}

type invitationParams struct {
	ForgeID string                    `json:"forge_id"`
	Invitee string                    `json:"invitee"`
	Note    string                    `json:"note"`
	Signing onboarding.SigningRequest `json:"signing"`
}

type issueParams struct {
	ForgeID string `json:"forge_id"`
	Contact string `json:"contact"`
}

type verifyParams struct {
	ForgeID string `json:"forge_id"`
	Code    string `json:"code"`
}

type pendingParams struct {
	Recipient string `json:"recipient"`
}

// decodeObjectParams decodes a single named-parameter object, also accepted
// wrapped in a one-element array.
func decodeObjectParams(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return errInvalidParams
	}
	if raw[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 1 {
			return errInvalidParams
		}
		raw = arr[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errInvalidParams
	}
	return nil
}

// decodeForgeIDParam accepts ["<id>"] or {"forge_id": "<id>"}.
func decodeForgeIDParam(raw json.RawMessage) (string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 1 && strings.TrimSpace(arr[0]) != "" {
			return arr[0], nil
		}
		return "", errInvalidParams
	}
	var p forgeIDParams
	if err := decodeObjectParams(raw, &p); err != nil || strings.TrimSpace(p.ForgeID) == "" {
		return "", errInvalidParams
	}
	return p.ForgeID, nil
}
