// Package natsbridge carries sensor topics over NATS. Each ROS topic maps to
// one NATS subject; incoming messages are published into the topic mux, and
// appended capture records can be re-published on a record subject.
package natsbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/lidarcam/internal/capture"
	"github.com/banshee-data/lidarcam/internal/monitoring"
	"github.com/banshee-data/lidarcam/internal/topicmux"
)

// DefaultRecordSubject is where appended capture records are published.
const DefaultRecordSubject = "lidarcam.records"

var logf = monitoring.Component("nats")

// SubjectForTopic maps a ROS topic name to a NATS subject by trimming the
// leading slash: "/camera/image_raw" becomes "camera.image_raw".
func SubjectForTopic(topic string) string {
	return strings.ReplaceAll(strings.TrimPrefix(topic, "/"), "/", ".")
}

// Bridge subscribes to NATS subjects on behalf of a topic mux.
type Bridge struct {
	conn *nats.Conn
	pub  topicmux.Publisher

	mu       sync.Mutex
	subs     []*nats.Subscription
	received map[string]uint64
}

// Connect dials url with reconnect handling and returns a Bridge publishing
// into pub.
func Connect(url string, pub topicmux.Publisher) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name("lidarcam"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logf("disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logf("reconnected: %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logf("connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logf("connected to %s", url)
	return newBridge(conn, pub), nil
}

func newBridge(conn *nats.Conn, pub topicmux.Publisher) *Bridge {
	return &Bridge{conn: conn, pub: pub, received: make(map[string]uint64)}
}

// Subscribe subscribes to the subject of each topic.
func (b *Bridge) Subscribe(topics ...string) error {
	for _, topic := range topics {
		subject := SubjectForTopic(topic)
		sub, err := b.conn.Subscribe(subject, b.handler(topic))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
		logf("subscribed %s -> %s", subject, topic)
	}
	return nil
}

// handler forwards message payloads for topic into the mux.
func (b *Bridge) handler(topic string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		b.mu.Lock()
		b.received[topic]++
		b.mu.Unlock()

		if err := b.pub.Publish(topic, msg.Data); err != nil && !errors.Is(err, topicmux.ErrQueueFull) {
			logf("publish %s from %s: %v", topic, msg.Subject, err)
		}
	}
}

// Received returns how many messages arrived per topic.
func (b *Bridge) Received() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.received))
	for k, v := range b.received {
		out[k] = v
	}
	return out
}

// RecordPublisher returns a record listener publishing each record as JSON
// on subject.
func (b *Bridge) RecordPublisher(subject string) capture.RecordListener {
	if subject == "" {
		subject = DefaultRecordSubject
	}
	return capture.RecordListenerFunc(func(rec capture.Record) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.conn.Publish(subject, data)
	})
}

// Close unsubscribes and drains the connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
