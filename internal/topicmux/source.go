package topicmux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/lidarcam/internal/timeutil"
)

// MaxLineBytes bounds a single envelope line. Raw camera frames are large.
const MaxLineBytes = 64 << 20

// Publisher is the part of TopicMux a transport needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// LineSource reads newline-delimited envelopes from a port and publishes them.
type LineSource[T io.ReadCloser] struct {
	port T
	pub  Publisher

	clock    timeutil.Clock
	interval time.Duration

	mu      sync.Mutex
	lines   uint64
	invalid uint64

	closeOnce sync.Once
	closeErr  error
}

// NewLineSource creates a LineSource reading from port.
func NewLineSource[T io.ReadCloser](port T, pub Publisher) *LineSource[T] {
	return &LineSource[T]{port: port, pub: pub}
}

// Pace makes Monitor wait d between lines. Fixture replays use it so a
// recorded burst does not overrun the topic queues.
func (s *LineSource[T]) Pace(clock timeutil.Clock, d time.Duration) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s.clock = clock
	s.interval = d
}

// Counts returns the number of lines read and how many were not envelopes.
func (s *LineSource[T]) Counts() (lines, invalid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines, s.invalid
}

// Monitor reads lines until the port is exhausted or ctx is cancelled.
func (s *LineSource[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs on its own goroutine so the loop below can
	// still observe cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			s.handleLine(line)
			if s.interval > 0 {
				s.clock.Sleep(s.interval)
			}
		}
	}
}

func (s *LineSource[T]) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	s.mu.Lock()
	s.lines++
	s.mu.Unlock()

	env, err := ParseEnvelope(line)
	if err != nil {
		s.mu.Lock()
		s.invalid++
		s.mu.Unlock()
		logf("skipping line: %v", err)
		return
	}
	if err := s.pub.Publish(env.Topic, env.Data); err != nil && !errors.Is(err, ErrQueueFull) {
		logf("publish %s: %v", env.Topic, err)
	}
}

// Close closes the underlying port. Only the first call has any effect.
func (s *LineSource[T]) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}
