package waku

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/pkg/models"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultInboxRecipients = 1024
	noticesPerRecipient    = 8
)

var ErrUnsignedEvent = errors.New("event is not validly signed")

// Publisher carries signed events and sealed challenge notices over a Node.
type Publisher struct {
	node   *Node
	logger *slog.Logger

	mu    sync.Mutex
	inbox *lru.Cache[string, []Message]
}

func NewPublisher(node *Node, logger *slog.Logger) (*Publisher, error) {
	inbox, err := lru.New[string, []Message](defaultInboxRecipients)
	if err != nil {
		return nil, err
	}
	return &Publisher{node: node, logger: privacylog.Ensure(logger), inbox: inbox}, nil
}

// PublishSignedEvent broadcasts an event that already carries a valid
// signature. Unsigned payloads are refused.
func (p *Publisher) PublishSignedEvent(ctx context.Context, ev models.Event) (models.PublishReceipt, error) {
	if err := identity.VerifyEvent(ev); err != nil {
		return models.PublishReceipt{}, fmt.Errorf("%w: %v", ErrUnsignedEvent, err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return models.PublishReceipt{}, err
	}
	now := time.Now().UTC()
	msg := Message{
		ID:        ev.ID,
		Topic:     TopicEvents,
		SenderID:  ev.PublicKey,
		Payload:   payload,
		Timestamp: now,
	}
	if err := p.node.Publish(ctx, msg); err != nil {
		return models.PublishReceipt{}, err
	}
	p.logger.Info("event published", "event_id", ev.ID, "kind", ev.Kind)
	return models.PublishReceipt{EventID: ev.ID, Topic: TopicEvents, PublishedAt: now}, nil
}

// DeliverChallengeCode addresses sealed to contact, or to the identity id of
// claimed when no contact is given.
func (p *Publisher) DeliverChallengeCode(ctx context.Context, claimed ed25519.PublicKey, contact string, sealed []byte) error {
	recipient := strings.TrimSpace(contact)
	if recipient == "" {
		id, err := identity.BuildIdentityID(claimed)
		if err != nil {
			return err
		}
		recipient = id
	}
	return p.node.Publish(ctx, Message{
		Topic:     TopicChallenge,
		Recipient: recipient,
		Payload:   append([]byte(nil), sealed...),
	})
}

// WatchChallenges keeps sealed notices seen on the network so a key holder
// can collect them through PendingNotices.
func (p *Publisher) WatchChallenges() error {
	return p.node.Subscribe(TopicChallenge, "", p.keepNotice)
}

func (p *Publisher) PendingNotices(recipient string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs, ok := p.inbox.Get(strings.TrimSpace(recipient))
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, append([]byte(nil), msgs[i].Payload...))
	}
	return out
}

func (p *Publisher) keepNotice(msg Message) {
	if msg.Recipient == "" || len(msg.Payload) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs, _ := p.inbox.Get(msg.Recipient)
	for _, existing := range msgs {
		if existing.ID == msg.ID {
			return
		}
	}
	msgs = append(msgs, msg)
	if len(msgs) > noticesPerRecipient {
		msgs = msgs[len(msgs)-noticesPerRecipient:]
	}
	p.inbox.Add(msg.Recipient, msgs)
}
