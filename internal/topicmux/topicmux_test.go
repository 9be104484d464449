package topicmux

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/lidarcam/internal/monitoring"
)

func muteLogs(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) handler(topic string) HandlerFunc {
	return func(payload []byte) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, topic+":"+string(payload))
		return nil
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestPublish_PreservesOrderAcrossTopics(t *testing.T) {
	m := New(10)
	rec := &recorder{}
	m.Handle("/scan", rec.handler("/scan"))
	m.Handle("/camera/image_raw", rec.handler("/camera/image_raw"))

	steps := []struct{ topic, payload string }{
		{"/scan", "1"},
		{"/camera/image_raw", "2"},
		{"/scan", "3"},
		{"/camera/image_raw", "4"},
	}
	for _, s := range steps {
		if err := m.Publish(s.topic, []byte(s.payload)); err != nil {
			t.Fatalf("Publish(%s) failed: %v", s.topic, err)
		}
	}

	if n := m.Drain(); n != 4 {
		t.Fatalf("Drain dispatched %d, want 4", n)
	}
	want := []string{"/scan:1", "/camera/image_raw:2", "/scan:3", "/camera/image_raw:4"}
	got := rec.seen()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestPublish_DropsOldestWhenFull(t *testing.T) {
	m := New(2)
	rec := &recorder{}
	m.Handle("/scan", rec.handler("/scan"))
	m.Handle("/camera/image_raw", rec.handler("/camera/image_raw"))

	if err := m.Publish("/scan", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := m.Publish("/camera/image_raw", []byte("x")); err != nil {
		t.Fatal(err)
	}
	for i, payload := range []string{"b", "c"} {
		err := m.Publish("/scan", []byte(payload))
		if i == 0 && err != nil {
			t.Fatalf("Publish %q failed: %v", payload, err)
		}
		if i == 1 && !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	}

	m.Drain()
	want := []string{"/camera/image_raw:x", "/scan:b", "/scan:c"}
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}

	st := m.Stats()["/scan"]
	if st.Published != 3 || st.Dropped != 1 || st.Dispatched != 2 || st.Pending != 0 {
		t.Errorf("unexpected /scan stats: %+v", st)
	}
	if st := m.Stats()["/camera/image_raw"]; st.Dropped != 0 || st.Dispatched != 1 {
		t.Errorf("other topic should be untouched: %+v", st)
	}
}

func TestPublish_BurstKeepsMostRecent(t *testing.T) {
	m := New(10)
	rec := &recorder{}
	m.Handle("/scan", rec.handler("/scan"))

	for i := 1; i <= 11; i++ {
		err := m.Publish("/scan", []byte(strconv.Itoa(i)))
		if i <= 10 && err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
		if i == 11 && !errors.Is(err, ErrQueueFull) {
			t.Fatalf("Publish 11: expected ErrQueueFull, got %v", err)
		}
	}
	if n := m.Drain(); n != 10 {
		t.Fatalf("Drain dispatched %d, want 10", n)
	}
	got := rec.seen()
	if got[0] != "/scan:2" || got[len(got)-1] != "/scan:11" {
		t.Errorf("dispatched %v, want 2 through 11", got)
	}
}

func TestPublish_Unrouted(t *testing.T) {
	m := New(0)
	if err := m.Publish("/imu", []byte("{}")); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	if st := m.Stats()["/imu"]; st.Unrouted != 1 {
		t.Errorf("Unrouted = %d, want 1", st.Unrouted)
	}
}

func TestHandlerErrorsAreCounted(t *testing.T) {
	muteLogs(t)
	m := New(10)
	m.Handle("/scan", func([]byte) error { return errors.New("bad scan") })

	_, ch := m.Subscribe()
	_ = m.Publish("/scan", []byte("{}"))
	m.Drain()

	if st := m.Stats()["/scan"]; st.Errors != 1 || st.Dispatched != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}

	select {
	case line := <-ch:
		var ev TailEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("tail line is not JSON: %v", err)
		}
		if ev.Topic != "/scan" || ev.Error != "bad scan" || ev.Bytes != 2 {
			t.Errorf("unexpected tail event: %+v", ev)
		}
	default:
		t.Fatal("expected a tail event")
	}
}

func TestRun_DispatchesAndDrainsOnCancel(t *testing.T) {
	m := New(10)
	rec := &recorder{}
	m.Handle("/scan", rec.handler("/scan"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	if err := m.Publish("/scan", []byte("1")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.seen()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("message was not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClose(t *testing.T) {
	m := New(10)
	m.Handle("/scan", func([]byte) error { return nil })
	id, ch := m.Subscribe()

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	m.Unsubscribe(id)

	if err := m.Publish("/scan", []byte("{}")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestClose_CountsUndispatchedAsDropped(t *testing.T) {
	muteLogs(t)
	m := New(10)
	rec := &recorder{}
	m.Handle("/scan", rec.handler("/scan"))
	for _, p := range []string{"1", "2"} {
		if err := m.Publish("/scan", []byte(p)); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if n := m.Drain(); n != 0 {
		t.Errorf("Drain after Close dispatched %d", n)
	}
	st := m.Stats()["/scan"]
	if st.Dropped != 2 || st.Pending != 0 || st.Dispatched != 0 {
		t.Errorf("unexpected stats after close: %+v", st)
	}
	if len(rec.seen()) != 0 {
		t.Errorf("handler ran after close: %v", rec.seen())
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	m := New(10)
	id1, _ := m.Subscribe()
	id2, ch2 := m.Subscribe()
	if id1 == id2 {
		t.Fatal("subscription IDs should be unique")
	}
	m.Unsubscribe(id2)
	if _, ok := <-ch2; ok {
		t.Error("unsubscribed channel should be closed")
	}
	m.Unsubscribe("missing")
}

func TestTopics(t *testing.T) {
	m := New(1)
	m.Handle("/scan", func([]byte) error { return nil })
	m.Handle("/camera/image_raw", func([]byte) error { return nil })
	got := m.Topics()
	if len(got) != 2 || got[0] != "/camera/image_raw" || got[1] != "/scan" {
		t.Errorf("Topics() = %v", got)
	}
}
