package waku

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/pkg/models"
)

func TestPublisherRefusesUnsignedEvents(t *testing.T) {
	p, err := NewPublisher(startMockNode(t, newMessageBus()), privacylog.New(io.Discard, "info", "json"))
	if err != nil {
		t.Fatalf("new publisher failed: %v", err)
	}
	_, err = p.PublishSignedEvent(context.Background(), models.Event{Kind: models.EventKindProfile, Content: "{}"})
	if !errors.Is(err, ErrUnsignedEvent) {
		t.Fatalf("expected ErrUnsignedEvent, got %v", err)
	}
}

func TestPublisherBroadcastsSignedEvent(t *testing.T) {
	bus := newMessageBus()
	node := startMockNode(t, bus)
	p, err := NewPublisher(node, privacylog.New(io.Discard, "info", "json"))
	if err != nil {
		t.Fatalf("new publisher failed: %v", err)
	}
	got := make(chan Message, 1)
	if err := node.Subscribe(TopicEvents, "", func(msg Message) { got <- msg }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	_, seed, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	ev, err := identity.SignEvent(seed, models.Event{Kind: models.EventKindProfile, Content: `{"name":"ada"}`, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	receipt, err := p.PublishSignedEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if receipt.EventID != ev.ID || receipt.Topic != TopicEvents {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	select {
	case msg := <-got:
		if msg.ID != ev.ID {
			t.Fatalf("unexpected message id %q", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("event not broadcast")
	}
}

func TestPublisherChallengeInbox(t *testing.T) {
	bus := newMessageBus()
	p, err := NewPublisher(startMockNode(t, bus), privacylog.New(io.Discard, "info", "json"))
	if err != nil {
		t.Fatalf("new publisher failed: %v", err)
	}
	if err := p.WatchChallenges(); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	pub, _, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	recipient, _ := identity.BuildIdentityID(pub)

	if err := p.DeliverChallengeCode(context.Background(), pub, "", []byte("sealed-notice")); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(p.PendingNotices(recipient)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notice not kept in inbox")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.PendingNotices(recipient); string(got[0]) != "sealed-notice" {
		t.Fatalf("unexpected notice: %q", got[0])
	}
}
