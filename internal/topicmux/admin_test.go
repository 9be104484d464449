package topicmux

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAdminRoutes_Topics(t *testing.T) {
	m := New(10)
	m.Handle("/scan", func([]byte) error { return nil })
	_ = m.Publish("/scan", []byte("{}"))

	httpMux := http.NewServeMux()
	m.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodGet, "/debug/topics", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var stats map[string]TopicStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if stats["/scan"].Pending != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestAdminRoutes_Tail(t *testing.T) {
	m := New(10)
	m.Handle("/scan", func([]byte) error { return nil })

	httpMux := http.NewServeMux()
	m.AttachAdminRoutes(httpMux)
	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/tail")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// Initial ping means the subscription is registered.
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": ping") {
		t.Fatalf("expected ping, got %q (%v)", line, err)
	}

	_ = m.Publish("/scan", []byte(`{"a":1}`))
	m.Drain()

	got := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				got <- line
				return
			}
		}
	}()

	select {
	case line := <-got:
		if !strings.Contains(line, `"topic":"/scan"`) {
			t.Errorf("unexpected event: %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tail event received")
	}
}
