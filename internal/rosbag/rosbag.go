// Package rosbag replays the camera and scan topics of a ROS 1 bag file into
// the topic mux, in timestamp order.
package rosbag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	gobag "github.com/edaniels/gobag/rosbag"

	"github.com/banshee-data/lidarcam/internal/monitoring"
	"github.com/banshee-data/lidarcam/internal/sensormsg"
	"github.com/banshee-data/lidarcam/internal/timeutil"
	"github.com/banshee-data/lidarcam/internal/topicmux"
)

var logf = monitoring.Component("rosbag")

// retryInterval is how long Play backs off while a topic queue is full.
const retryInterval = 5 * time.Millisecond

// Message is one bag message as JSON.
type Message struct {
	Topic string
	Stamp time.Time
	Data  json.RawMessage
}

// line is the shape gobag writes per message.
type line struct {
	Meta struct {
		Secs  int64 `json:"secs"`
		Nsecs int64 `json:"nsecs"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// topicKey is the key gobag files a topic's messages under.
func topicKey(topic string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(topic, "/"), "/", "_"))
}

// Load reads the bag at path and returns the messages of the given topics
// sorted by record time.
func Load(path string, topics ...string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open bag: %w", err)
	}
	defer f.Close()

	rb := gobag.NewRosBag()
	if err := rb.Read(f); err != nil {
		return nil, fmt.Errorf("unable to read bag %s: %w", path, err)
	}

	wanted := make(map[string]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}
	if err := rb.ParseTopicsToJSON(
		"",
		func(int64) bool { return true },
		func(t string) bool { return wanted[t] },
		false,
	); err != nil {
		return nil, fmt.Errorf("error while parsing bag to JSON: %w", err)
	}

	var msgs []Message
	for _, topic := range topics {
		buf := rb.TopicsAsJSON[topicKey(topic)]
		if buf == nil {
			logf("no messages for %s in %s", topic, path)
			continue
		}
		decoded, err := DecodeLines(topic, buf)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, decoded...)
	}
	SortByStamp(msgs)
	return msgs, nil
}

// DecodeLines decodes gobag's newline-delimited {"meta":..,"data":..} output.
// Scan messages get their no-return samples restored; see restoreNoReturns.
func DecodeLines(topic string, r io.Reader) ([]Message, error) {
	reader := bufio.NewReader(r)
	var msgs []Message
	for n := 1; ; n++ {
		raw, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			var l line
			if jerr := json.Unmarshal(raw, &l); jerr != nil {
				return nil, fmt.Errorf("%s message %d: %w", topic, n, jerr)
			}
			data, rerr := restoreNoReturns(l.Data)
			if rerr != nil {
				return nil, fmt.Errorf("%s message %d: %w", topic, n, rerr)
			}
			msgs = append(msgs, Message{
				Topic: topic,
				Stamp: time.Unix(l.Meta.Secs, l.Meta.Nsecs),
				Data:  data,
			})
		}
		if errors.Is(err, io.EOF) {
			return msgs, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// restoreNoReturns rewrites LaserScan samples that are not positive or fall
// below range_min to +Inf. gobag writes every non-finite float32 as 0, and
// ROS treats a sample under range_min as no return. Anything that is not a
// parseable scan is returned unchanged for the node to judge.
func restoreNoReturns(data json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data, nil
	}
	if _, ok := fields["ranges"]; !ok {
		return data, nil
	}
	scan, err := sensormsg.ParseLaserScan(data)
	if err != nil {
		return data, nil
	}

	changed := false
	for i, r := range scan.Ranges {
		if r <= 0 || r < scan.RangeMin {
			scan.Ranges[i] = float32(math.Inf(1))
			changed = true
		}
	}
	if !changed {
		return data, nil
	}
	return json.Marshal(scan)
}

// SortByStamp orders msgs by record time, keeping topic order for ties.
func SortByStamp(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Stamp.Before(msgs[j].Stamp)
	})
}

// Player publishes bag messages into a topic mux.
type Player struct {
	pub   topicmux.Publisher
	clock timeutil.Clock
	// Rate scales the gaps between messages: 1 replays in real time, 2 at
	// double speed. Zero or less replays without waiting.
	Rate float64
}

// NewPlayer returns a Player publishing into pub.
func NewPlayer(pub topicmux.Publisher, clock timeutil.Clock, rate float64) *Player {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Player{pub: pub, clock: clock, Rate: rate}
}

// backlog is implemented by publishers that report their queue fill, such
// as *topicmux.TopicMux.
type backlog interface {
	Pending(topic string) int
	Depth() int
}

// Play publishes msgs in order. When the publisher reports its backlog, Play
// waits for room in the topic queue instead of letting it overflow, since a
// recording can always wait for the dispatcher.
func (p *Player) Play(ctx context.Context, msgs []Message) error {
	b, paced := p.pub.(backlog)
	dropped := 0
	for i, msg := range msgs {
		if i > 0 && p.Rate > 0 {
			if gap := msg.Stamp.Sub(msgs[i-1].Stamp); gap > 0 {
				p.clock.Sleep(time.Duration(float64(gap) / p.Rate))
			}
		}
		for paced && b.Pending(msg.Topic) >= b.Depth() {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.clock.Sleep(retryInterval)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pub.Publish(msg.Topic, msg.Data); err != nil {
			if !errors.Is(err, topicmux.ErrQueueFull) {
				return fmt.Errorf("publish %s: %w", msg.Topic, err)
			}
			dropped++
		}
	}
	if dropped > 0 {
		logf("replay overflowed %d times; oldest queued messages dropped", dropped)
	}
	logf("replayed %d messages", len(msgs))
	return nil
}
