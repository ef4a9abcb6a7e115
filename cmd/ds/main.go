// Command ds runs the Delivery Service: the untrusted-but-live relay that terminates
// client WebSocket connections (internal/dsgateway), holds the DS's in-memory state
// (internal/dsstate), and serves the five operations internal/dsdispatch implements.
// Booted the same way uncord's cmd/uncord wires its gateway.Hub — config load, Valkey
// connect, background subscriber with exponential backoff, graceful shutdown — minus
// everything that depended on Postgres, since the DS has no durable store beyond its own
// periodic gob snapshot.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mlsgov/platform/internal/apierr"
	"github.com/mlsgov/platform/internal/auth"
	"github.com/mlsgov/platform/internal/config"
	"github.com/mlsgov/platform/internal/dsdispatch"
	"github.com/mlsgov/platform/internal/dsgateway"
	"github.com/mlsgov/platform/internal/dsstate"
	"github.com/mlsgov/platform/internal/httputil"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("DS stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Delivery Service")

	ctx := context.Background()

	var rdb *redis.Client
	if cfg.ValkeyURL != "" {
		opts, err := redis.ParseURL(cfg.ValkeyURL)
		if err != nil {
			return fmt.Errorf("parse valkey url: %w", err)
		}
		rdb = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ValkeyDialTimeout)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("valkey unreachable, running single-process (no cross-process fan-out)")
			_ = rdb.Close()
			rdb = nil
		} else {
			log.Info().Msg("Valkey connected")
		}
	}

	state := dsstate.New()
	snapshots := dsdispatch.NewSnapshotStore(cfg.SnapshotPath)
	if err := snapshots.Load(state); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	dispatcher := dsdispatch.New(state, rdb, log.Logger,
		cfg.MaxGroupMembers, cfg.MaxKeyPackagesPerUpload, cfg.MaxUnorderedQueueDepth, cfg.MaxInviteQueueDepth)

	hub := dsgateway.NewHub(dispatcher, cfg.GatewayMaxConnections, cfg.RateLimitWSCount, cfg.RateLimitWSWindowSeconds, log.Logger)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go runWithBackoff(subCtx, "ds-gateway-hub", hub.Run)

	stopSnapshots := startSnapshotTicker(subCtx, snapshots, state, cfg.SnapshotInterval)
	defer stopSnapshots()

	app := fiber.New(fiber.Config{
		AppName: "mlsgov-ds",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "an internal error occurred"
			code := apierr.InternalError
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
				message = e.Message
				if status == fiber.StatusNotFound {
					code = apierr.NotFound
				}
			} else {
				log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: message},
			})
		},
	})
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	app.Get("/healthz", func(c fiber.Ctx) error {
		return httputil.Success(c, fiber.Map{"status": "ok", "clients": hub.ClientCount()})
	})

	// No pre-upgrade authentication step beyond reading the ticket: the connection
	// ticket rides as a bearer token on the upgrade request itself (clientsession.Dial
	// presents it this way), validated before the handshake completes; everything past
	// that point is ordinary application traffic over the open socket.
	app.Get("/gateway", func(c fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		ticket := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
		userID, err := auth.ValidateConnectionTicket(ticket, cfg.TicketSecret, cfg.JWTIssuer)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorised, "invalid or expired connection ticket")
		}
		return websocket.New(func(conn *websocket.Conn) {
			hub.ServeWebSocket(conn.Conn, userID)
		})(c)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down DS")
		hub.Shutdown()
		subCancel()
		if err := snapshots.Save(state); err != nil {
			log.Error().Err(err).Msg("final snapshot save failed")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("DS shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("DS listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// startSnapshotTicker periodically persists state to disk so a crash between graceful
// shutdowns loses at most one interval's worth of delivery state. The ticker stops when ctx
// is cancelled. Returns a function that blocks until the ticker goroutine has exited; it
// takes no snapshot itself (run's shutdown handler saves the final one).
func startSnapshotTicker(ctx context.Context, store *dsdispatch.SnapshotStore, state *dsstate.State, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				if err := store.Save(state); err != nil {
					log.Error().Err(err).Msg("periodic snapshot save failed")
				}
			}
		}
	}()
	return func() { <-done }
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a
// non-nil, non-cancelled error, mirroring uncord's cmd/uncord/main.go helper of the same
// name.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
