package rpc

import (
	"encoding/json"
)

func (s *Server) dispatchForgeRPC(c call, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "forge.start":
		result, rpcErr := callWithoutParams(func() (any, error) {
			id := s.service.Start()
			return s.service.Status(id)
		})
		return result, rpcErr, true
	case "forge.generate":
		result, rpcErr := callWithObject(rawParams, func(p generateParams) bool { return nonEmpty(p.ForgeID) },
			func(p generateParams) (any, error) {
				ident, err := s.service.Generate(p.ForgeID, p.Protect, p.Force)
				if err != nil {
					return nil, err
				}
				return map[string]any{"identity": ident}, nil
			})
		return result, rpcErr, true
	case "forge.import":
		result, rpcErr := callWithObject(rawParams, func(p importParams) bool { return nonEmpty(p.ForgeID, p.Text) },
			func(p importParams) (any, error) {
				return s.service.Import(c.ctx, p.ForgeID, p.Text, p.Protect, p.Force)
			})
		return result, rpcErr, true
	case "forge.reveal":
		result, rpcErr := callWithForgeID(rawParams, func(forgeID string) (any, error) {
			return s.service.Reveal(forgeID)
		})
		return result, rpcErr, true
	case "forge.set_displayed":
		result, rpcErr := callWithObject(rawParams, func(p displayedParams) bool { return nonEmpty(p.ForgeID) },
			func(p displayedParams) (any, error) {
				if err := s.service.SetDisplayed(p.ForgeID, p.Displayed); err != nil {
					return nil, err
				}
				return s.service.Status(p.ForgeID)
			})
		return result, rpcErr, true
	case "forge.secure":
		result, rpcErr := callWithForgeID(rawParams, func(forgeID string) (any, error) {
			if err := s.service.Secure(forgeID); err != nil {
				return nil, err
			}
			return s.service.Status(forgeID)
		})
		return result, rpcErr, true
	case "forge.begin_submission":
		result, rpcErr := callWithForgeID(rawParams, func(forgeID string) (any, error) {
			if err := s.service.BeginSubmission(forgeID); err != nil {
				return nil, err
			}
			return okResult(), nil
		})
		return result, rpcErr, true
	case "forge.end_submission":
		result, rpcErr := callWithForgeID(rawParams, func(forgeID string) (any, error) {
			if err := s.service.EndSubmission(forgeID); err != nil {
				return nil, err
			}
			return okResult(), nil
		})
		return result, rpcErr, true
	case "forge.status":
		result, rpcErr := callWithForgeID(rawParams, func(forgeID string) (any, error) {
			return s.service.Status(forgeID)
		})
		return result, rpcErr, true
	case "forge.teardown":
		result, rpcErr := callWithForgeID(rawParams, func(forgeID string) (any, error) {
			if err := s.service.Teardown(forgeID); err != nil {
				return nil, err
			}
			return okResult(), nil
		})
		return result, rpcErr, true
	default:
		return nil, nil, false
	}
}

func (s *Server) dispatchSigningRPC(c call, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "forge.persist_recovery":
		result, rpcErr := callWithObject(rawParams, func(p persistParams) bool { return nonEmpty(p.ForgeID, p.Passphrase) },
			func(p persistParams) (any, error) {
				accountID, err := s.service.PersistRecovery(c.ctx, p.ForgeID, p.Passphrase, p.Signing)
				if err != nil {
					return nil, err
				}
				return map[string]string{"account_id": accountID}, nil
			})
		return result, rpcErr, true
	case "forge.publish_profile":
		result, rpcErr := callWithObject(rawParams, func(p publishParams) bool { return !p.Profile.IsEmpty() },
			func(p publishParams) (any, error) {
				return s.service.PublishProfile(c.ctx, p.ForgeID, p.Profile, p.Signing)
			})
		return result, rpcErr, true
	case "forge.sign_invitation":
		result, rpcErr := callWithObject(rawParams, func(p invitationParams) bool { return nonEmpty(p.Invitee) },
			func(p invitationParams) (any, error) {
				ev, err := s.service.SignInvitation(c.ctx, p.ForgeID, p.Invitee, p.Note, p.Signing)
				if err != nil {
					return nil, err
				}
				return map[string]any{"event": ev}, nil
			})
		return result, rpcErr, true
	default:
		return nil, nil, false
	}
}
