// Package topicmux routes sensor messages by topic to handlers on a single
// dispatch goroutine. Transports publish into it without blocking; each topic
// has a bounded queue, and debug subscribers can tail what was dispatched.
package topicmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/lidarcam/internal/monitoring"
)

// DefaultQueueDepth is the per-topic queue bound.
const DefaultQueueDepth = 10

var (
	// ErrQueueFull is returned by Publish when the topic's queue was at
	// depth. The oldest queued message for that topic was dropped to make
	// room; the new one is queued.
	ErrQueueFull = errors.New("topic queue full")
	// ErrNoHandler is returned by Publish for topics nothing handles.
	ErrNoHandler = errors.New("no handler for topic")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("topic mux closed")
)

var logf = monitoring.Component("topicmux")

// HandlerFunc processes one message payload.
type HandlerFunc func(payload []byte) error

// TopicStats counts messages for one topic.
type TopicStats struct {
	Published  uint64 `json:"published"`
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
	Unrouted   uint64 `json:"unrouted"`
	Errors     uint64 `json:"errors"`
	Pending    int    `json:"pending"`
}

// TailEvent describes one dispatched message for debug subscribers.
type TailEvent struct {
	Time  time.Time `json:"time"`
	Topic string    `json:"topic"`
	Bytes int       `json:"bytes"`
	Error string    `json:"error,omitempty"`
}

type message struct {
	topic   string
	payload []byte
}

// TopicMux is a topic router with one shared FIFO.
type TopicMux struct {
	depth int

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	queue    []message
	stats    map[string]*TopicStats
	closed   bool
	notify   chan struct{}

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
}

// New creates a TopicMux with the given per-topic queue depth.
func New(depth int) *TopicMux {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &TopicMux{
		depth:       depth,
		handlers:    make(map[string]HandlerFunc),
		stats:       make(map[string]*TopicStats),
		notify:      make(chan struct{}, 1),
		subscribers: make(map[string]chan string),
	}
}

// Handle registers h for topic, replacing any earlier handler.
func (m *TopicMux) Handle(topic string, h func(payload []byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = h
	m.statsFor(topic)
}

// Depth returns the per-topic queue bound.
func (m *TopicMux) Depth() int { return m.depth }

// Pending returns how many messages for topic are queued.
func (m *TopicMux) Pending(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stats[topic]; ok {
		return st.Pending
	}
	return 0
}

// Topics returns the handled topics in sorted order.
func (m *TopicMux) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Publish queues payload for topic. It never blocks: a full queue keeps the
// last depth messages, dropping the oldest one for topic and returning
// ErrQueueFull.
func (m *TopicMux) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	st := m.statsFor(topic)
	st.Published++
	if _, ok := m.handlers[topic]; !ok {
		st.Unrouted++
		return ErrNoHandler
	}
	var err error
	if st.Pending >= m.depth {
		m.evictOldest(topic)
		st.Pending--
		st.Dropped++
		err = ErrQueueFull
	}
	st.Pending++
	m.queue = append(m.queue, message{topic: topic, payload: payload})

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return err
}

// evictOldest removes the first queued message for topic. Callers hold m.mu.
func (m *TopicMux) evictOldest(topic string) {
	for i, msg := range m.queue {
		if msg.topic == topic {
			copy(m.queue[i:], m.queue[i+1:])
			m.queue[len(m.queue)-1] = message{}
			m.queue = m.queue[:len(m.queue)-1]
			return
		}
	}
}

// Run dispatches queued messages until ctx is cancelled. Messages already
// queued when ctx is cancelled are still dispatched before Run returns.
// Only one Run may be active.
func (m *TopicMux) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.Drain()
			return ctx.Err()
		case <-m.notify:
			m.Drain()
		}
	}
}

// Drain dispatches every queued message on the calling goroutine and returns
// how many were dispatched. It must not run concurrently with Run.
func (m *TopicMux) Drain() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return n
		}
		msg := m.queue[0]
		m.queue[0] = message{}
		m.queue = m.queue[1:]
		m.statsFor(msg.topic).Pending--
		h := m.handlers[msg.topic]
		m.mu.Unlock()

		m.dispatch(h, msg)
		n++
	}
}

func (m *TopicMux) dispatch(h HandlerFunc, msg message) {
	err := h(msg.payload)

	m.mu.Lock()
	st := m.statsFor(msg.topic)
	st.Dispatched++
	if err != nil {
		st.Errors++
	}
	m.mu.Unlock()

	ev := TailEvent{Time: time.Now(), Topic: msg.topic, Bytes: len(msg.payload)}
	if err != nil {
		ev.Error = err.Error()
		logf("handler for %s failed: %v", msg.topic, err)
	}
	m.broadcast(ev)
}

// statsFor returns the stats entry for topic. Callers hold m.mu.
func (m *TopicMux) statsFor(topic string) *TopicStats {
	st, ok := m.stats[topic]
	if !ok {
		st = &TopicStats{}
		m.stats[topic] = st
	}
	return st
}

// Stats returns a copy of the per-topic counters.
func (m *TopicMux) Stats() map[string]TopicStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TopicStats, len(m.stats))
	for topic, st := range m.stats {
		out[topic] = *st
	}
	return out
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving a JSON TailEvent per dispatched
// message. Slow subscribers miss events rather than stall dispatch.
func (m *TopicMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *TopicMux) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

func (m *TopicMux) broadcast(ev TailEvent) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if len(m.subscribers) == 0 {
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- string(line):
		default:
		}
	}
}

// Close rejects further publishes and closes all subscriber channels.
// Messages still queued are discarded and counted as dropped; callers that
// want them dispatched Drain first.
func (m *TopicMux) Close() error {
	m.mu.Lock()
	m.closed = true
	for _, msg := range m.queue {
		st := m.statsFor(msg.topic)
		st.Pending--
		st.Dropped++
	}
	if n := len(m.queue); n > 0 {
		logf("discarded %d queued messages on close", n)
	}
	m.queue = nil
	m.mu.Unlock()

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	return nil
}
