// Command as runs the Authentication Service: the AS half of the platform, serving
// internal/credential's register/lookup/sync operations over HTTP and issuing the DS
// connection tickets internal/auth builds. Structured the same way uncord's cmd/uncord
// boots a Fiber app (config load, logger setup, middleware stack, signal-driven graceful
// shutdown), minus everything that depended on Postgres, Valkey, or the gateway, since the
// AS has no state beyond its in-memory credential map.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mlsgov/platform/internal/apierr"
	"github.com/mlsgov/platform/internal/as"
	"github.com/mlsgov/platform/internal/config"
	"github.com/mlsgov/platform/internal/credential"
	"github.com/mlsgov/platform/internal/httputil"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("AS stopped")
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

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Authentication Service")

	store := credential.NewStore()
	handler := as.NewHandler(store, cfg.TicketSecret, cfg.TicketTTL, cfg.JWTIssuer, log.Logger)

	app := fiber.New(fiber.Config{
		AppName: "mlsgov-as",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "an internal error occurred"
			code := apierr.InternalError
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToAPICode(status)
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: message},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
	}))

	app.Post("/api/v1/register", limiter.New(limiter.Config{
		Max:        10,
		Expiration: time.Minute,
	}), handler.Register)
	app.Get("/api/v1/users/:user/credential", handler.LookupCredential)
	app.Get("/api/v1/credentials/sync", handler.SyncCredentials)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down AS")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("AS shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("AS listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// fiberStatusToAPICode maps an HTTP status from Fiber's built-in errors to the closest
// stable error code, mirroring uncord's cmd/uncord/main.go helper of the same name.
func fiberStatusToAPICode(status int) apierr.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierr.NotFound
	case fiber.StatusTooManyRequests:
		return apierr.RateLimited
	default:
		if status >= 400 && status < 500 {
			return apierr.ValidationError
		}
		return apierr.InternalError
	}
}
