package waku

import (
	"sync"
	"time"
)

const (
	TopicChallenge = "/keyforge/1/ownership-challenge/proto"
	TopicEvents    = "/keyforge/1/events/proto"
)

// Message is one payload on a content topic. An empty Recipient broadcasts to
// every subscriber of the topic.
type Message struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	SenderID  string    `json:"sender_id,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type subscription struct {
	topic     string
	recipient string
}

type messageBus struct {
	mu          sync.Mutex
	subscribers map[subscription]map[int]func(Message)
	mailbox     map[subscription][]Message
	nextID      int
}

var globalBus = newMessageBus()

func newMessageBus() *messageBus {
	return &messageBus{
		subscribers: make(map[subscription]map[int]func(Message)),
		mailbox:     make(map[subscription][]Message),
	}
}

func (b *messageBus) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	direct := subscription{topic: msg.Topic, recipient: msg.Recipient}
	handlers := b.subscribers[direct]
	for _, handler := range handlers {
		go handler(msg)
	}
	if msg.Recipient != "" {
		for _, handler := range b.subscribers[subscription{topic: msg.Topic}] {
			go handler(msg)
		}
		if len(handlers) == 0 {
			b.mailbox[direct] = append(b.mailbox[direct], msg)
		}
	}
}

// subscribe registers handler and replays mail held for an addressed
// subscription. The returned id is passed to unsubscribe.
func (b *messageBus) subscribe(topic, recipient string, handler func(Message)) int {
	key := subscription{topic: topic, recipient: recipient}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subscribers[key] == nil {
		b.subscribers[key] = make(map[int]func(Message))
	}
	b.subscribers[key][id] = handler
	var pending []Message
	if recipient != "" {
		pending = append(pending, b.mailbox[key]...)
		delete(b.mailbox, key)
	}
	b.mu.Unlock()

	for _, msg := range pending {
		handler(msg)
	}
	return id
}

func (b *messageBus) unsubscribe(topic, recipient string, id int) {
	key := subscription{topic: topic, recipient: recipient}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers[key], id)
	if len(b.subscribers[key]) == 0 {
		delete(b.subscribers, key)
	}
}
