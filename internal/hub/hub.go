// Package hub fans frames out to WebSocket clients. Topics key the
// delivery: one per chat session stream, one per group timeline. Delivery
// is best-effort; a slow or dead subscriber loses frames rather than
// stalling the publisher.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber frame backlog before drops start.
const subscriberBuffer = 64

// Hub routes published frames to topic subscribers.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[*Subscriber]struct{}
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "hub"),
		topics: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscriber receives frames for one topic until closed.
type Subscriber struct {
	hub   *Hub
	topic string
	send  chan []byte
	once  sync.Once
}

// C yields published frames in publish order.
func (s *Subscriber) C() <-chan []byte { return s.send }

// Close detaches the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if subs, ok := s.hub.topics[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.hub.topics, s.topic)
			}
		}
		s.hub.mu.Unlock()
		close(s.send)
	})
}

// Subscribe attaches a new subscriber to a topic.
func (h *Hub) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{hub: h, topic: topic, send: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers a frame to every subscriber of the topic. Subscribers
// with a full backlog are skipped and the drop is logged.
func (h *Hub) Publish(topic string, frame []byte) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.topics[topic]))
	for sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.send <- frame:
		default:
			h.logger.Warn("dropping frame for slow subscriber", "topic", topic)
		}
	}
}

// PublishJSON marshals v and publishes it.
func (h *Hub) PublishJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode frame", "topic", topic, "error", err)
		return
	}
	h.Publish(topic, data)
}

// Subscribers reports the current subscriber count for a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// SessionTopic names the stream topic for a chat session.
func SessionTopic(sessionID string) string { return "session:" + sessionID }

// GroupTopic names the broadcast topic for a group.
func GroupTopic(groupID string) string { return "group:" + groupID }
