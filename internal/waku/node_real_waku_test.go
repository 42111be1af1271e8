//go:build real_waku

package waku

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGoWakuChallengeExchangeAndStoreRetrieval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	nodeA := startRealWakuNode(t, ctx, nil, true)
	bootstrap := firstLoopbackAddr(nodeA.ListenAddresses())
	if bootstrap == "" {
		t.Skip("no loopback listen address for node A")
	}

	nodeB1 := startRealWakuNode(t, ctx, []string{bootstrap}, false)
	msgCh := make(chan Message, 4)
	if err := nodeB1.Subscribe(TopicChallenge, "kf1holder", func(msg Message) {
		msgCh <- msg
	}); err != nil {
		t.Fatalf("node B subscribe failed: %v", err)
	}

	online := Message{ID: "realwaku_online_1", Topic: TopicChallenge, Recipient: "kf1holder", Payload: []byte("sealed-1")}
	if err := nodeA.Publish(ctx, online); err != nil {
		t.Fatalf("publish online message failed: %v", err)
	}
	select {
	case got := <-msgCh:
		if got.ID != online.ID {
			t.Fatalf("unexpected online msg id: %s", got.ID)
		}
	case <-time.After(12 * time.Second):
		t.Fatal("timed out waiting for online message via relay")
	}

	if err := nodeB1.Stop(context.Background()); err != nil {
		t.Fatalf("stop node B failed: %v", err)
	}

	since := time.Now().Add(-2 * time.Second)
	offline := Message{ID: "realwaku_offline_1", Topic: TopicChallenge, Recipient: "kf1holder", Payload: []byte("sealed-2")}
	if err := nodeA.Publish(ctx, offline); err != nil {
		t.Fatalf("publish offline message failed: %v", err)
	}

	nodeB2 := startRealWakuNode(t, ctx, []string{bootstrap}, false)
	missed, err := nodeB2.FetchSince(ctx, TopicChallenge, "kf1holder", since, 200)
	if err != nil {
		t.Fatalf("fetch missed messages failed: %v", err)
	}
	found := false
	for _, got := range missed {
		if got.ID == offline.ID {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("offline message %q was not recovered via store path", offline.ID)
	}
}

func startRealWakuNode(t *testing.T, ctx context.Context, bootstrapNodes []string, subscribe bool) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0
	cfg.BootstrapNodes = append([]string(nil), bootstrapNodes...)
	node := NewNode(cfg, NodeOptions{})
	if err := node.Start(ctx); err != nil {
		t.Fatalf("start node failed: %v", err)
	}
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	if subscribe {
		if err := node.Subscribe(TopicChallenge, "", func(Message) {}); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}
	return node
}

func firstLoopbackAddr(addrs []string) string {
	for _, addr := range addrs {
		if strings.Contains(addr, "/p2p/") && strings.Contains(addr, "/tcp/") && strings.Contains(addr, "/127.0.0.1/") {
			return addr
		}
	}
	for _, addr := range addrs {
		if strings.Contains(addr, "/p2p/") && strings.Contains(addr, "/tcp/") {
			return addr
		}
	}
	return ""
}
