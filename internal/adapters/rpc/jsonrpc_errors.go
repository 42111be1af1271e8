package rpc

import (
	"errors"

	"keyforge/go-backend/internal/forge"
	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/onboarding"
	"keyforge/go-backend/internal/ownership"
)

const (
	codeServiceError      = -32000
	codeFlowNotFound      = -32010
	codeConflict          = -32011
	codeNoSecret          = -32012
	codeInvalidTransition = -32013
	codeOwnershipRequired = -32014
	codeInvalidKey        = -32015
	codeAuthentication    = -32020
	codePasswordLocked    = -32021
	codeSignerGuarded     = -32022
	codeRemoteUnavailable = -32023
	codeUnsupported       = -32024
	codeRateLimited       = -32029
	codeTimeout           = -32030
	codeVerifyFailed      = -32040
	codeChallengeExpired  = -32041
	codeDeliveryFailed    = -32042
	codeInvalidClaim      = -32043
	codeNoChallenge       = -32044
)

var errorCodes = []struct {
	err  error
	code int
}{
	{onboarding.ErrFlowNotFound, codeFlowNotFound},
	{forge.ErrConflict, codeConflict},
	{forge.ErrKeyMismatch, codeConflict},
	{forge.ErrNoSecret, codeNoSecret},
	{onboarding.ErrNoIdentity, codeNoSecret},
	{forge.ErrInvalidTransition, codeInvalidTransition},
	{forge.ErrConsumptionPending, codeInvalidTransition},
	{onboarding.ErrNoSubmission, codeInvalidTransition},
	{forge.ErrOwnershipUnverified, codeOwnershipRequired},
	{identity.ErrInvalidKeyText, codeInvalidKey},
	{identity.ErrInvalidSecret, codeInvalidKey},
	{identity.ErrInvalidPublicKey, codeInvalidKey},
	{identity.ErrKeyTextRequired, codeInvalidKey},
	{forge.ErrAuthentication, codeAuthentication},
	{forge.ErrPasswordLocked, codePasswordLocked},
	{forge.ErrSignerGuarded, codeSignerGuarded},
	{forge.ErrRemoteUnavailable, codeRemoteUnavailable},
	{forge.ErrUnsupported, codeUnsupported},
	{forge.ErrTimeout, codeTimeout},
	{ownership.ErrVerificationFailed, codeVerifyFailed},
	{ownership.ErrChallengeExpired, codeChallengeExpired},
	{ownership.ErrDeliveryFailed, codeDeliveryFailed},
	{ownership.ErrInvalidClaim, codeInvalidClaim},
	{onboarding.ErrNotImported, codeInvalidClaim},
	{onboarding.ErrNoOwnershipSession, codeNoChallenge},
}

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params"}
}

func rpcServiceError(code int, err error) *rpcError {
	return &rpcError{Code: code, Message: err.Error()}
}

// mapServiceError picks the most specific code for err. Timeouts are checked
// first so a wrapped deadline is never reported as a plain failure.
func mapServiceError(err error) *rpcError {
	if err == nil {
		return nil
	}
	if errors.Is(forge.AsTimeout(err), forge.ErrTimeout) {
		return rpcServiceError(codeTimeout, forge.ErrTimeout)
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return rpcServiceError(entry.code, err)
		}
	}
	return rpcServiceError(codeServiceError, err)
}
