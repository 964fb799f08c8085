// Package main implements the DroidDeck operator console entry point.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/droid-deck/console/internal/audit"
	"github.com/droid-deck/console/internal/auth"
	"github.com/droid-deck/console/internal/bridge"
	"github.com/droid-deck/console/internal/calibration"
	"github.com/droid-deck/console/internal/command"
	"github.com/droid-deck/console/internal/config"
	"github.com/droid-deck/console/internal/input"
	"github.com/droid-deck/console/internal/logging"
	"github.com/droid-deck/console/internal/mapping"
	"github.com/droid-deck/console/internal/netmon"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/servo"
	"github.com/droid-deck/console/internal/session"
	"github.com/droid-deck/console/internal/telemetry"
	"github.com/droid-deck/console/internal/transport"
)

const Version = "1.0.0"

func main() {
	configPath := flag.String("config", os.Getenv("DECK_CONFIG"), "path to config file")
	auditDir := flag.String("audit-dir", "logs", "directory for the audit log")
	bandwidthURL := flag.String("bandwidth-url", "", "HTTP endpoint for bandwidth probes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closeLogs := logging.Setup(cfg.Log)
	defer closeLogs()
	logger.Printf("Starting DroidDeck console v%s", Version)

	hub := telemetry.NewHub(cfg.Timing.SubscriberBufferSize, cfg.Timing.EventHistorySize)

	registry, err := servo.NewRegistry(channelsFromConfig(cfg.Channels))
	if err != nil {
		logger.Fatalf("Failed to build servo registry: %v", err)
	}

	table, err := loadTable(cfg.MappingsFile)
	if err != nil {
		logger.Fatalf("Failed to load control mappings: %v", err)
	}
	engine := mapping.NewEngine(table, registry)

	auditLogger, err := audit.NewLogger(*auditDir)
	if err != nil {
		logger.Fatalf("Failed to initialize audit logger: %v", err)
	}

	var header func() (http.Header, error)
	if cfg.Auth.Secret != "" {
		tokens, err := auth.NewTokenSource(cfg.Auth.Secret, cfg.Auth.Subject, cfg.Auth.Role, cfg.Auth.TTL)
		if err != nil {
			logger.Fatalf("Failed to configure auth: %v", err)
		}
		header = tokens.Header
	}

	link, err := session.New(session.Options{
		Endpoint:   cfg.Endpoint,
		Dialer:     &transport.WebsocketDialer{HandshakeTimeout: cfg.Timing.DialTimeout},
		Hub:        hub,
		Limits:     registry,
		Timing:     cfg.Timing,
		Logger:     logger,
		AuthHeader: header,
	})
	if err != nil {
		logger.Fatalf("Failed to build link session: %v", err)
	}

	dispatcher := command.NewDispatcher(link, registry, auditLogger, hub, logger)
	coordinator := calibration.NewCoordinator(link, hub, engine.ApplyCalibration)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := link.Start(ctx); err != nil {
		logger.Fatalf("Failed to start link session: %v", err)
	}

	// Raw controller samples feed the calibration coordinator while a
	// session is active, the mapping engine otherwise.
	source := input.NewSource(cfg.Input, hub, func(control string, raw float64) {
		if coordinator.Active() {
			coordinator.Observe(control, raw)
			return
		}
		for _, cmd := range engine.Resolve(control, raw) {
			if err := link.Send(cmd); err != nil {
				logger.Printf("input: drop %s command: %v", cmd.CommandType(), err)
			}
		}
	}, logger)
	go source.Run(ctx)

	target, err := netmon.HostFromEndpoint(cfg.Endpoint)
	if err != nil {
		logger.Fatalf("Failed to derive probe target: %v", err)
	}
	monitor := netmon.NewMonitor(target, *bandwidthURL, cfg.Timing, hub, logger)
	go monitor.Run(ctx)

	// Track servo and controller state off the event stream.
	go observe(ctx, hub, registry)

	var mirror *bridge.Mirror
	if cfg.MQTT.Broker != "" {
		mirror, err = bridge.NewMirror(cfg.MQTT, hub, logger)
		if err != nil {
			logger.Fatalf("Failed to connect telemetry mirror: %v", err)
		}
		go mirror.Run(ctx)
	}

	// Prime state once the operator surface is up.
	dispatcher.RequestScenes()
	for _, maestro := range registry.Maestros() {
		dispatcher.RequestServoPositions(maestro)
	}

	logger.Printf("DroidDeck console started, linked to %s", cfg.Endpoint)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Printf("Received signal %v, shutting down", sig)

	cancel()
	if err := link.Stop(); err != nil {
		logger.Printf("Error stopping link session: %v", err)
	}
	if mirror != nil {
		mirror.Close()
	}
	hub.Stop()
	if err := auditLogger.Close(); err != nil {
		logger.Printf("Error closing audit logger: %v", err)
	}
	logger.Println("DroidDeck console shutdown complete")
}

// observe folds backend reports into the servo registry.
func observe(ctx context.Context, hub *telemetry.Hub, registry *servo.Registry) {
	sub := hub.Subscribe(func(ev protocol.Event) bool {
		switch ev.(type) {
		case *protocol.TelemetryUpdate, *protocol.ServoPosition, *protocol.AllServoPositions:
			return true
		}
		return false
	})
	defer hub.Unsubscribe(sub.ID)

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *protocol.TelemetryUpdate:
				registry.ObserveTelemetry(e, time.Now())
			case *protocol.ServoPosition:
				registry.ObservePosition(e)
			case *protocol.AllServoPositions:
				registry.ObserveAllPositions(e)
			}
		case <-ctx.Done():
			return
		}
	}
}

func channelsFromConfig(channels []config.ChannelConfig) []servo.Channel {
	out := make([]servo.Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, servo.Channel{
			Name:    ch.Name,
			Maestro: ch.Maestro,
			Index:   ch.Index,
			Min:     ch.Min,
			Max:     ch.Max,
			Home:    ch.Home,
		})
	}
	return out
}

func loadTable(path string) (*mapping.Table, error) {
	if path == "" {
		return mapping.NewTable(nil)
	}
	return config.LoadMappings(path)
}
