package waku

import (
	"encoding/json"
	"errors"
	"sort"
)

const (
	envelopeVersion = 1
	// MaxPayloadSize bounds one message payload. Sealed notices and signed
	// events are far below it.
	MaxPayloadSize = 64 << 10
)

var ErrPayloadTooLarge = errors.New("message payload too large")

// wireMessage is the body carried inside a waku message payload.
type wireMessage struct {
	Version int `json:"v"`
	Message
}

func encodeEnvelope(msg Message) ([]byte, error) {
	if len(msg.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return json.Marshal(wireMessage{Version: envelopeVersion, Message: msg})
}

// decodeEnvelope accepts payload only when it is a current-version envelope
// on topic and, for a non-empty recipient, addressed to it.
func decodeEnvelope(payload []byte, topic, recipient string) (Message, bool) {
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Message{}, false
	}
	if wire.Version != envelopeVersion || wire.ID == "" || wire.Topic != topic {
		return Message{}, false
	}
	if recipient != "" && wire.Recipient != recipient {
		return Message{}, false
	}
	if len(wire.Payload) > MaxPayloadSize {
		return Message{}, false
	}
	return wire.Message, true
}

// collectMessages drops repeated ids and orders the rest oldest first,
// keeping at most limit of the newest.
func collectMessages(msgs []Message, limit int) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
