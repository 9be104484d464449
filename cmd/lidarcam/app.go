package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/banshee-data/lidarcam/internal/api"
	"github.com/banshee-data/lidarcam/internal/capture"
	"github.com/banshee-data/lidarcam/internal/config"
	"github.com/banshee-data/lidarcam/internal/csvlog"
	"github.com/banshee-data/lidarcam/internal/db"
	"github.com/banshee-data/lidarcam/internal/framestore"
	"github.com/banshee-data/lidarcam/internal/timeutil"
	"github.com/banshee-data/lidarcam/internal/topicmux"
	"github.com/banshee-data/lidarcam/internal/version"
)

// app holds everything one node run owns.
type app struct {
	cfg       *config.NodeConfig
	sessionID string
	clock     timeutil.Clock

	db     *db.DB
	frames *framestore.Store
	csv    *csvlog.Log
	node   *capture.Node
	mux    *topicmux.TopicMux
	hub    *api.Hub
}

// newApp opens the capture index, frame store and CSV log, then wires the
// node into a topic mux. Nothing is running yet.
func newApp(cfg *config.NodeConfig, clock timeutil.Clock) (_ *app, err error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	a := &app{cfg: cfg, sessionID: uuid.NewString(), clock: clock}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if path := cfg.GetDBPath(); path != "" {
		a.db, err = db.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open capture index: %w", err)
		}
		if err := a.db.RecordSession(a.sessionID, clock.Now(), version.String(), cfg); err != nil {
			return nil, fmt.Errorf("failed to record session: %w", err)
		}
	}

	loc := cfg.GetLocation()
	a.frames, err = framestore.New(framestore.Config{
		Dir:      cfg.GetImageDir(),
		Clock:    clock,
		Location: loc,
		Unique:   cfg.GetUniqueFilenames(),
	})
	if err != nil {
		return nil, err
	}

	a.csv, err = csvlog.Open(cfg.GetCSVPath(), csvlog.Options{Truncate: cfg.GetTruncateCSV()})
	if err != nil {
		return nil, err
	}

	a.node = capture.NewNode(a.frames, a.csv, capture.Options{
		WindowDeg: cfg.GetAngleWindowDeg(),
		Clock:     clock,
		Location:  loc,
	})
	if a.db != nil {
		a.node.AddListener(a.db.CaptureListener(a.sessionID))
	}
	a.hub = api.NewHub()
	a.node.AddListener(a.hub)

	a.mux = topicmux.New(cfg.GetQueueDepth())
	a.node.Attach(a.mux, cfg.GetImageTopic(), cfg.GetScanTopic())

	log.Printf("session %s: images in %s, log %s, window ±%g°, topics %s %s",
		a.sessionID, a.frames.Dir(), a.csv.Path(), cfg.GetAngleWindowDeg(),
		cfg.GetImageTopic(), cfg.GetScanTopic())
	return a, nil
}

// server returns the HTTP API bound to this run.
func (a *app) server() *api.Server {
	return api.NewServer(api.Config{
		Node:      a.node,
		Frames:    a.frames,
		DB:        a.db,
		Mux:       a.mux,
		Hub:       a.hub,
		SessionID: a.sessionID,
		Clock:     a.clock,
	})
}

// Close releases what newApp opened. The CSV log goes first.
func (a *app) Close() error {
	var errs []error
	if a.csv != nil {
		if err := a.csv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture log: %w", err))
		}
	}
	if a.mux != nil {
		if err := a.mux.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close topic mux: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture index: %w", err))
		}
	}
	return errors.Join(errs...)
}
