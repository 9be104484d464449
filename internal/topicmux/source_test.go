package topicmux

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/lidarcam/internal/timeutil"
)

type readCloser struct {
	io.Reader
	closed bool
}

func (r *readCloser) Close() error {
	r.closed = true
	return nil
}

type publishLog struct {
	topics []string
	err    error
}

func (p *publishLog) Publish(topic string, payload []byte) error {
	p.topics = append(p.topics, topic+" "+string(payload))
	return p.err
}

func TestLineSource_PublishesEnvelopes(t *testing.T) {
	muteLogs(t)
	input := strings.Join([]string{
		`{"topic": "/scan", "data": {"a": 1}}`,
		``,
		`garbage`,
		`{"topic": "/camera/image_raw", "data": {"b": 2}}`,
	}, "\n") + "\n"

	pub := &publishLog{}
	src := NewLineSource(&readCloser{Reader: strings.NewReader(input)}, pub)
	if err := src.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor returned %v", err)
	}

	want := []string{`/scan {"a": 1}`, `/camera/image_raw {"b": 2}`}
	if len(pub.topics) != len(want) {
		t.Fatalf("published %v, want %v", pub.topics, want)
	}
	for i := range want {
		if pub.topics[i] != want[i] {
			t.Errorf("published[%d] = %q, want %q", i, pub.topics[i], want[i])
		}
	}
	lines, invalid := src.Counts()
	if lines != 3 || invalid != 1 {
		t.Errorf("Counts() = %d, %d; want 3, 1", lines, invalid)
	}
}

func TestLineSource_IntoMux(t *testing.T) {
	m := New(10)
	rec := &recorder{}
	m.Handle("/scan", rec.handler("/scan"))

	port := NewTestableSerialPort()
	port.AddReadData([]byte(`{"topic":"/scan","data":{"x":1}}` + "\n"))
	src := NewLineSource(port, m)
	if err := src.Monitor(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Drain()
	if got := rec.seen(); len(got) != 1 || got[0] != `/scan:{"x":1}` {
		t.Errorf("unexpected dispatches: %v", got)
	}
}

func TestLineSource_CancelWhileBlocked(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	src := NewLineSource(port, &publishLog{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Monitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}

	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	if !port.IsClosed() {
		t.Error("port should be closed")
	}
	// Second close is a no-op.
	port.CloseError = errors.New("already closed")
	if err := src.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestLineSource_ReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("device unplugged")
	src := NewLineSource(port, &publishLog{})

	if err := src.Monitor(context.Background()); err == nil || !strings.Contains(err.Error(), "unplugged") {
		t.Errorf("Monitor = %v, want read error", err)
	}
}

func TestLineSource_Pace(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	input := `{"topic":"/a","data":1}` + "\n" + `{"topic":"/a","data":2}` + "\n"
	src := NewLineSource(&readCloser{Reader: strings.NewReader(input)}, &publishLog{})
	src.Pace(clock, 50*time.Millisecond)

	if err := src.Monitor(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 2 || sleeps[0] != 50*time.Millisecond {
		t.Errorf("unexpected sleeps: %v", sleeps)
	}
}

func TestOpenFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	if err := os.WriteFile(path, []byte(`{"topic":"/scan","data":{"x":1}}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	pub := &publishLog{}
	src, err := OpenFixture(path, pub)
	if err != nil {
		t.Fatalf("OpenFixture failed: %v", err)
	}
	defer src.Close()
	if err := src.Monitor(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pub.topics) != 1 {
		t.Errorf("expected one publish, got %v", pub.topics)
	}

	if _, err := OpenFixture(filepath.Join(t.TempDir(), "missing.jsonl"), pub); err == nil {
		t.Error("expected error for missing fixture")
	}
}
