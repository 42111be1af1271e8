package rpc

import (
	"encoding/json"
	"errors"
	"time"
)

var errVerifyRateLimited = errors.New("too many ownership verification attempts")

func (s *Server) dispatchOwnershipRPC(c call, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "ownership.issue":
		result, rpcErr := callWithObject(rawParams, func(p issueParams) bool { return nonEmpty(p.ForgeID) },
			func(p issueParams) (any, error) {
				return s.service.IssueOwnership(c.ctx, p.ForgeID, p.Contact)
			})
		return result, rpcErr, true
	case "ownership.verify":
		if !s.verifyLimiter.Allow(c.clientKey, time.Now()) {
			return nil, rpcServiceError(codeRateLimited, errVerifyRateLimited), true
		}
		result, rpcErr := callWithObject(rawParams, func(p verifyParams) bool { return nonEmpty(p.ForgeID, p.Code) },
			func(p verifyParams) (any, error) {
				if err := s.service.VerifyOwnership(p.ForgeID, p.Code); err != nil {
					return nil, err
				}
				return s.service.Status(p.ForgeID)
			})
		return result, rpcErr, true
	case "ownership.pending":
		result, rpcErr := callWithObject(rawParams, func(p pendingParams) bool { return nonEmpty(p.Recipient) },
			func(p pendingParams) (any, error) {
				notices := [][]byte{}
				if s.inbox != nil {
					if pending := s.inbox.PendingNotices(p.Recipient); pending != nil {
						notices = pending
					}
				}
				return map[string]any{"notices": notices}, nil
			})
		return result, rpcErr, true
	default:
		return nil, nil, false
	}
}
