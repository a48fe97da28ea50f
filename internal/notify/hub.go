package notify

import (
	"context"
	"sync"

	"github.com/miradorstack/stressloop/internal/metrics"
	"github.com/miradorstack/stressloop/internal/models"
)

// Hub is an in-process sink keyed by participant. Each subscriber owns a
// buffered channel; a subscriber that falls behind loses updates rather than
// stalling the others.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscription receives updates for one participant.
type Subscription struct {
	hub         *Hub
	participant string
	topics      map[string]struct{}
	ch          chan models.Update
	once        sync.Once
}

// Updates is closed when the subscription is closed.
func (s *Subscription) Updates() <-chan models.Update { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if set, ok := s.hub.subs[s.participant]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.participant)
			}
		}
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Subscribe registers a subscriber for participantID. An empty topic list
// subscribes to every topic.
func (h *Hub) Subscribe(participantID string, topics ...string) *Subscription {
	sub := &Subscription{
		hub:         h,
		participant: participantID,
		ch:          make(chan models.Update, h.buffer),
	}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	h.mu.Lock()
	set, ok := h.subs[participantID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[participantID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Subscribers returns the number of live subscriptions for participantID.
func (h *Hub) Subscribers(participantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[participantID])
}

// Name implements Sink.
func (h *Hub) Name() string { return "hub" }

// Deliver implements Sink.
func (h *Hub) Deliver(_ context.Context, update models.Update) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[update.ParticipantID] {
		if !sub.wants(update.Topic) {
			continue
		}
		select {
		case sub.ch <- update:
		default:
			metrics.NotificationDropped("subscriber")
		}
	}
	return nil
}
