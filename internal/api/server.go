// Package api serves the capture node's HTTP surface: status, recent
// captures, stored frames, scan plots and the live record feed.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/lidarcam/internal/capture"
	"github.com/banshee-data/lidarcam/internal/db"
	"github.com/banshee-data/lidarcam/internal/framestore"
	"github.com/banshee-data/lidarcam/internal/timeutil"
	"github.com/banshee-data/lidarcam/internal/topicmux"
	"github.com/banshee-data/lidarcam/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxRecordLimit caps /api/records?limit=N.
const maxRecordLimit = 1000

// Config wires a Server to the running node. Only Node is required.
type Config struct {
	Node      *capture.Node
	Frames    *framestore.Store
	DB        *db.DB
	Mux       *topicmux.TopicMux
	Hub       *Hub
	SessionID string
	Clock     timeutil.Clock
}

type Server struct {
	node      *capture.Node
	frames    *framestore.Store
	db        *db.DB
	mux       *topicmux.TopicMux
	hub       *Hub
	sessionID string
	clock     timeutil.Clock
	started   time.Time
}

func NewServer(cfg Config) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		node:      cfg.Node,
		frames:    cfg.Frames,
		db:        cfg.DB,
		mux:       cfg.Mux,
		hub:       cfg.Hub,
		sessionID: cfg.SessionID,
		clock:     clock,
		started:   clock.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs for Hijack.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
// Websocket upgrades bypass it because they need the raw connection.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with the /api routes and the /debug chart routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/records", s.listRecords)
	mux.HandleFunc("/api/images/{name}", s.serveImage)
	mux.HandleFunc("/api/scan.png", s.plotScan)
	if s.hub != nil {
		mux.Handle("/api/live", s.hub)
	}
	s.AttachAdminRoutes(mux)
	return mux
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		log.Printf("failed to encode json error response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	SessionID   string                         `json:"session_id"`
	Version     version.Info                   `json:"version"`
	Started     time.Time                      `json:"started"`
	UptimeSecs  float64                        `json:"uptime_secs"`
	ImagePath   string                         `json:"image_path"`
	Scan        capture.ScanSummary            `json:"scan"`
	LastRecord  *capture.Record                `json:"last_record,omitempty"`
	Counters    capture.Counters               `json:"counters"`
	Topics      map[string]topicmux.TopicStats `json:"topics,omitempty"`
	Captures    *int                           `json:"captures,omitempty"`
	LiveClients int                            `json:"live_clients"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.node.Snapshot()
	resp := StatusResponse{
		SessionID:  s.sessionID,
		Version:    version.Current(),
		Started:    s.started,
		UptimeSecs: s.clock.Since(s.started).Seconds(),
		ImagePath:  snap.ImagePath,
		Scan:       snap.Filtered.Summary(),
		LastRecord: snap.LastRecord,
		Counters:   snap.Counters,
	}
	if s.mux != nil {
		resp.Topics = s.mux.Stats()
	}
	if s.db != nil {
		n, err := s.db.CountCaptures()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to count captures: %v", err))
			return
		}
		resp.Captures = &n
	}
	if s.hub != nil {
		resp.LiveClients = s.hub.ClientCount()
	}
	writeJSON(w, resp)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "capture index disabled")
		return
	}

	limit := db.DefaultRecordLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxRecordLimit {
			writeJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("Invalid 'limit' parameter (1-%d)", maxRecordLimit))
			return
		}
		limit = parsed
	}

	captures, err := s.db.RecentCaptures(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve captures: %v", err))
		return
	}
	if captures == nil {
		captures = []db.Capture{}
	}
	writeJSON(w, captures)
}

func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.frames == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "frame store unavailable")
		return
	}

	name := r.PathValue("name")
	if filepath.Ext(name) != ".png" {
		writeJSONError(w, http.StatusBadRequest, "only .png frames are served")
		return
	}
	data, err := s.frames.Open(name)
	switch {
	case errors.Is(err, os.ErrInvalid):
		writeJSONError(w, http.StatusBadRequest, "invalid frame name")
		return
	case errors.Is(err, fs.ErrNotExist):
		writeJSONError(w, http.StatusNotFound, "frame not found")
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read frame: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}
