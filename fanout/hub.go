// Package fanout provides the topic-scoped publish/subscribe hub used to
// push accepted state changes to connected observers. The hub has no
// knowledge of domain semantics: topics and event names are opaque strings
// chosen by the publishing services.
//
// Delivery is best-effort and at-most-once. There is no replay buffer; an
// observer that disconnects misses events raised while it was away and must
// re-derive state through a read path on reconnect.
package fanout

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"brigade/metrics"
)

// defaultBufferSize is the per-subscriber delivery queue length.
const defaultBufferSize = 256

// Event is one published domain event as seen by observers.
type Event struct {
	Name      string      `json:"event"`
	Topic     string      `json:"topic,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Subscriber is one connected observer handle. Events arrive on a buffered
// channel; when the buffer is full further events for this subscriber are
// dropped so a slow observer can never stall a publish.
type Subscriber struct {
	id string
	ch chan Event

	mu     sync.Mutex
	closed bool
}

// ID returns the connection identifier the subscriber was registered with.
func (s *Subscriber) ID() string {
	return s.id
}

// Events returns the delivery channel. The channel is closed when the
// subscriber is unregistered.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// deliver enqueues without blocking. Returns false when the event was
// dropped (full buffer or closed subscriber).
func (s *Subscriber) deliver(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Mirror receives a copy of every published event, after local delivery.
// Implementations must not block; anything slow belongs behind the mirror's
// own queue (see the notify package).
type Mirror interface {
	MirrorEvent(evt Event)
}

// Hub maintains topic membership for connected observers and fans published
// events out to them. Thread-safe for concurrent use by many publishers and
// the transport layer.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Subscriber
	topics  map[string]map[string]*Subscriber
	mirrors []Mirror

	bufSize int
	logger  *zap.SugaredLogger
}

// NewHub creates a hub. bufSize <= 0 falls back to the default per-subscriber
// queue length.
func NewHub(bufSize int, logger *zap.SugaredLogger) *Hub {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Hub{
		conns:   make(map[string]*Subscriber),
		topics:  make(map[string]map[string]*Subscriber),
		bufSize: bufSize,
		logger:  logger,
	}
}

// AddMirror registers a mirror for cross-node bridging. Mirrors added after
// startup see only events published after registration.
func (h *Hub) AddMirror(m Mirror) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirrors = append(h.mirrors, m)
}

// Register creates a subscriber handle for a new connection. A connection
// receives global publishes immediately; topic-scoped events only after
// Subscribe. Registering an ID twice replaces the previous handle.
func (h *Hub) Register(connID string) *Subscriber {
	sub := &Subscriber{id: connID, ch: make(chan Event, h.bufSize)}

	h.mu.Lock()
	if old, ok := h.conns[connID]; ok {
		h.removeLocked(old)
	}
	h.conns[connID] = sub
	total := len(h.conns)
	h.mu.Unlock()

	metrics.ObserverConnections.Set(float64(total))
	h.logger.Debugw("observer registered", "conn_id", connID, "total", total)
	return sub
}

// Unregister drops the connection from every topic and closes its channel.
// Safe to call for unknown IDs.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	sub, ok := h.conns[connID]
	if ok {
		h.removeLocked(sub)
	}
	total := len(h.conns)
	h.mu.Unlock()

	if ok {
		metrics.ObserverConnections.Set(float64(total))
		h.logger.Debugw("observer unregistered", "conn_id", connID, "total", total)
	}
}

// removeLocked removes the subscriber from the connection table and every
// topic set. Caller holds h.mu.
func (h *Hub) removeLocked(sub *Subscriber) {
	delete(h.conns, sub.id)
	for topic, members := range h.topics {
		delete(members, sub.id)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	sub.close()
}

// Subscribe adds the connection to a topic. The connection must have been
// registered first.
func (h *Hub) Subscribe(connID, topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("unknown connection %q", connID)
	}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]*Subscriber)
		h.topics[topic] = members
	}
	members[connID] = sub
	return nil
}

// Unsubscribe removes the connection from a topic. Unknown pairs are a no-op.
func (h *Hub) Unsubscribe(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

// Publish delivers the event to every connection currently subscribed to the
// topic. Callers publish strictly after their mutation has committed and
// never while holding a domain lock.
func (h *Hub) Publish(topic, eventName string, payload interface{}) {
	evt := Event{
		Name:      eventName,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	members := h.topics[topic]
	targets := make([]*Subscriber, 0, len(members))
	for _, sub := range members {
		targets = append(targets, sub)
	}
	mirrors := append([]Mirror(nil), h.mirrors...)
	h.mu.RUnlock()

	h.dispatch(evt, targets, mirrors)
}

// PublishGlobal delivers the event to every registered connection,
// bypassing topic filtering.
func (h *Hub) PublishGlobal(eventName string, payload interface{}) {
	evt := Event{
		Name:      eventName,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.conns))
	for _, sub := range h.conns {
		targets = append(targets, sub)
	}
	mirrors := append([]Mirror(nil), h.mirrors...)
	h.mu.RUnlock()

	h.dispatch(evt, targets, mirrors)
}

func (h *Hub) dispatch(evt Event, targets []*Subscriber, mirrors []Mirror) {
	dropped := 0
	for _, sub := range targets {
		if !sub.deliver(evt) {
			dropped++
		}
	}
	metrics.EventsPublished.WithLabelValues(evt.Name).Inc()
	if dropped > 0 {
		metrics.EventsDropped.Add(float64(dropped))
		h.logger.Warnw("dropped events for slow observers",
			"event", evt.Name,
			"topic", evt.Topic,
			"dropped", dropped)
	}
	for _, m := range mirrors {
		m.MirrorEvent(evt)
	}
}

// TopicCount returns how many topics currently have at least one subscriber.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// TopicSubscribers returns how many connections are subscribed to a topic.
func (h *Hub) TopicSubscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close unregisters every connection and closes their channels. Publishes
// after Close reach only mirrors.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.conns {
		sub.close()
	}
	h.conns = make(map[string]*Subscriber)
	h.topics = make(map[string]map[string]*Subscriber)
	metrics.ObserverConnections.Set(0)
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
