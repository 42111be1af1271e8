package rpc

import (
	"encoding/json"
	"strings"
)

func callWithoutParams(call func() (any, error)) (any, *rpcError) {
	result, err := call()
	if err != nil {
		return nil, mapServiceError(err)
	}
	return result, nil
}

func callWithForgeID(rawParams json.RawMessage, call func(forgeID string) (any, error)) (any, *rpcError) {
	forgeID, err := decodeForgeIDParam(rawParams)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	result, err := call(forgeID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return result, nil
}

// callWithObject decodes rawParams into T, rejects it when valid reports
// false and maps service errors through the shared table.
func callWithObject[T any](rawParams json.RawMessage, valid func(T) bool, call func(T) (any, error)) (any, *rpcError) {
	var params T
	if err := decodeObjectParams(rawParams, &params); err != nil {
		return nil, rpcInvalidParams()
	}
	if valid != nil && !valid(params) {
		return nil, rpcInvalidParams()
	}
	result, err := call(params)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return result, nil
}

func nonEmpty(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

func okResult() map[string]bool {
	return map[string]bool{"ok": true}
}
