package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exo-hmi/hmi/internal/api"
	"github.com/exo-hmi/hmi/internal/audit"
	"github.com/exo-hmi/hmi/internal/auth"
	"github.com/exo-hmi/hmi/internal/command"
	"github.com/exo-hmi/hmi/internal/config"
	"github.com/exo-hmi/hmi/internal/device"
	"github.com/exo-hmi/hmi/internal/ingest"
	"github.com/exo-hmi/hmi/internal/metrics"
	"github.com/exo-hmi/hmi/internal/plan"
	"github.com/exo-hmi/hmi/internal/session"
	"github.com/exo-hmi/hmi/internal/telemetry"
)

// newHub is replaced in tests to observe the hub's lifecycle.
var newHub = telemetry.NewHub

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log.Printf("Starting exoskeleton HMI v%s", Version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Println("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	link := device.NewStreamLink(cfg.Device.Name, newDialer(cfg), device.Backoff{
		Initial: cfg.Timing.ReconnectInitial,
		Factor:  cfg.Timing.ReconnectBackoff,
		Max:     cfg.Timing.ReconnectMax,
	})

	telemetryHub := newHub(&cfg.Timing)
	defer telemetryHub.Stop()
	collector := metrics.NewCollector()

	sess := ingest.NewSession(link, ingest.Options{
		Device:    cfg.Device.Name,
		MaxPoints: cfg.Graph.MaxDataPoints,
		Publisher: telemetryHub,
		Metrics:   collector,
	})
	telemetryHub.SetSnapshot(sess.Snapshot)
	link.Start(ctx)
	log.Printf("Device link %s started (%s)", cfg.Device.Name, cfg.Device.Transport)

	auditLogger, err := audit.NewLogger(cfg.Audit.Path, audit.Options{
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAgeDays: cfg.Audit.MaxAgeDays,
	})
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	log.Printf("Audit log at %s", auditLogger.GetFilePath())

	dispatcher := command.NewDispatcher(cfg.Device.Name, link, sess, telemetryHub, &cfg.Timing)
	dispatcher.SetAuditLogger(auditLogger)
	dispatcher.SetMetrics(collector)

	var plans plan.Store = plan.NewMemoryStore()
	if cfg.Plans.URL != "" {
		plans = plan.NewRPCStore(cfg.Plans.URL, cfg.Plans.APIKey, cfg.Timing.PlanRequestTimeout)
		log.Printf("Plan service at %s", cfg.Plans.URL)
	} else {
		log.Println("Plan service not configured; plans are kept in memory")
	}

	sessions := session.NewStore()
	if cfg.Session.Path != "" {
		if sessions, err = session.Restore(cfg.Session.Path); err != nil {
			log.Printf("Session state unreadable, starting empty: %v", err)
			sessions = session.NewStore()
		}
	}

	authMiddleware, err := newAuthMiddleware(cfg.Auth)
	if err != nil {
		_ = sess.Close()
		_ = auditLogger.Close()
		return err
	}

	server := api.NewServerWithAuth(telemetryHub, sess, dispatcher, authMiddleware,
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout)
	server.SetPlanStore(plans)
	server.SetSessionStore(sessions)
	server.SetMetrics(collector)
	server.SetGraphConfig(cfg.Graph)
	server.SetAllowedOrigins(cfg.Server.AllowedOrigins)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.Addr)
	}()
	log.Printf("HMI API listening on %s", cfg.Server.Addr)
	log.Printf("Health endpoint: http://localhost%s/api/v1/health", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		log.Println("Shutdown requested")
	case err = <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	telemetryHub.Stop()
	if stopErr := server.Stop(shutdownCtx); stopErr != nil {
		log.Printf("Error stopping HTTP server: %v", stopErr)
	}
	if closeErr := sess.Close(); closeErr != nil && !errors.Is(closeErr, device.ErrClosed) {
		log.Printf("Error closing device link: %v", closeErr)
	}
	if closeErr := auditLogger.Close(); closeErr != nil {
		log.Printf("Error closing audit logger: %v", closeErr)
	}
	log.Println("HMI shutdown complete")
	return err
}

func newDialer(cfg *config.Config) device.Dialer {
	if cfg.Device.Transport == config.TransportTCP {
		return device.TCPDialer(cfg.Device.TCPAddr, cfg.Timing.DialTimeout)
	}
	return device.SerialDialer(device.SerialConfig{
		Port: cfg.Device.SerialPort,
		Baud: cfg.Device.Baud,
	})
}

func newAuthMiddleware(cfg config.AuthConfig) (*auth.Middleware, error) {
	if cfg.Disabled {
		log.Println("Authentication disabled; requests act as the local operator")
		return auth.NewDisabledMiddleware(), nil
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Algorithm:    cfg.Algorithm,
		SecretKey:    cfg.Secret,
		PublicKeyPEM: cfg.PublicKeyPEM,
		JWKSURL:      cfg.JWKSURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}
	return auth.NewMiddleware(verifier), nil
}
