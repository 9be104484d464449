package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/lidarcam/internal/api"
	"github.com/banshee-data/lidarcam/internal/config"
	"github.com/banshee-data/lidarcam/internal/natsbridge"
	"github.com/banshee-data/lidarcam/internal/rosbag"
	"github.com/banshee-data/lidarcam/internal/topicmux"
	"github.com/banshee-data/lidarcam/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON node configuration file")
	source      = flag.String("source", "serial", "Message source: serial, fixture, nats, rosbag or none")
	listen      = flag.String("listen", ":8080", "HTTP listen address (empty disables the API)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC health listen address (empty disables)")
	port        = flag.String("port", "", "Serial port (overrides serial_port)")
	fixture     = flag.String("fixture", "fixtures.jsonl", "File of JSON envelopes for -source fixture")
	bagPath     = flag.String("bag", "", "ROS bag to replay for -source rosbag")
	rate        = flag.Float64("rate", -1, "Replay rate for -source rosbag; 0 replays as fast as possible (overrides bag_rate)")
	dbPath      = flag.String("db-path", "", "SQLite capture index path (overrides db_path)")
	natsURL     = flag.String("nats-url", "", "NATS server URL for -source nats (overrides nats_url)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var validSources = map[string]bool{"serial": true, "fixture": true, "nats": true, "rosbag": true, "none": true}

// loadConfig reads -config when set and applies flag overrides.
func loadConfig() (*config.NodeConfig, error) {
	cfg := &config.NodeConfig{}
	if *configPath != "" {
		var err error
		cfg, err = config.LoadNodeConfig(*configPath)
		if err != nil {
			return nil, err
		}
	}
	if *port != "" {
		cfg.SerialPort = port
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *natsURL != "" {
		cfg.NATSURL = natsURL
	}
	if *rate >= 0 {
		cfg.BagRate = rate
	}
	return cfg, cfg.Validate()
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if !validSources[*source] {
		log.Fatalf("unknown -source %q", *source)
	}
	if *source == "rosbag" && *bagPath == "" {
		log.Fatal("-bag is required with -source rosbag")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	log.Printf("starting %s", version.String())

	a, err := newApp(cfg, nil)
	if err != nil {
		log.Fatalf("failed to start node: %v", err)
	}
	runErr := run(a)
	if err := a.Close(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if runErr != nil {
		log.Fatalf("%v", runErr)
	}
	log.Printf("Graceful shutdown complete")
}

// run starts the source, dispatcher, live feed and servers for a, and blocks
// until a signal arrives or one of them fails. The caller closes a.
func run(a *app) error {
	cfg := a.cfg

	var bridge *natsbridge.Bridge
	if *source == "nats" {
		var err error
		bridge, err = natsbridge.Connect(cfg.GetNATSURL(), a.mux)
		if err != nil {
			return err
		}
		defer bridge.Close()
		if subject := cfg.GetRecordSubject(); subject != "" {
			a.node.AddListener(bridge.RecordPublisher(subject))
		}
	}

	var health *api.HealthServer
	if *grpcListen != "" {
		health = api.NewHealthServer()
		if err := health.Start(*grpcListen); err != nil {
			return fmt.Errorf("failed to start gRPC health: %w", err)
		}
		defer health.Stop()
	}

	// Create a wait group for the dispatcher, live feed, source and HTTP server routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// dispatch drains queued messages after cancellation, before the log closes
	wg.Add(1)
	go func() {
		defer wg.Done()
		if health != nil {
			health.SetServing(true)
			defer health.SetServing(false)
		}
		if err := a.mux.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("dispatch stopped: %v", err)
		}
		log.Print("dispatch routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runSource(ctx, a, bridge); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("source %s stopped: %v", *source, err)
		}
	}()

	var httpErr error
	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveHTTP(ctx, a); err != nil {
				httpErr = err
				stop()
			}
		}()
	}

	// Wait for all goroutines to finish
	wg.Wait()
	return httpErr
}

// runSource feeds the topic mux from the selected transport until the
// transport ends or ctx is cancelled.
func runSource(ctx context.Context, a *app, bridge *natsbridge.Bridge) error {
	cfg := a.cfg
	switch *source {
	case "serial":
		src, err := topicmux.OpenSerial(cfg.GetSerialPort(), cfg.GetSerialOptions(), a.mux)
		if err != nil {
			return err
		}
		defer src.Close()
		log.Printf("reading envelopes from %s", cfg.GetSerialPort())
		return src.Monitor(ctx)

	case "fixture":
		src, err := topicmux.OpenFixture(*fixture, a.mux)
		if err != nil {
			return err
		}
		defer src.Close()
		src.Pace(a.clock, cfg.GetFixtureDelay())
		if err := src.Monitor(ctx); err != nil {
			return err
		}
		lines, invalid := src.Counts()
		log.Printf("fixture %s exhausted: %d lines, %d invalid", *fixture, lines, invalid)

	case "nats":
		if err := bridge.Subscribe(cfg.GetImageTopic(), cfg.GetScanTopic()); err != nil {
			return err
		}

	case "rosbag":
		msgs, err := rosbag.Load(*bagPath, cfg.GetImageTopic(), cfg.GetScanTopic())
		if err != nil {
			return err
		}
		player := rosbag.NewPlayer(a.mux, a.clock, cfg.GetBagRate())
		if err := player.Play(ctx, msgs); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

// serveHTTP serves the API until ctx is cancelled. A listener failure is
// returned straight away.
func serveHTTP(ctx context.Context, a *app) error {
	// mount the API handlers, then the index and mux debug pages
	mux := a.server().ServeMux()
	a.mux.AttachAdminRoutes(mux)
	if a.db != nil {
		a.db.AttachAdminRoutes(mux)
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	// Start server in a goroutine so it doesn't block
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP API listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("failed to start server: %w", err)
		}
		close(serveErr)
	}()

	// Wait for context cancellation to shut down server
	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}
