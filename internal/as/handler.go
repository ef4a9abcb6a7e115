// Package as implements the Authentication Service's HTTP surface: the network-reachable
// front for internal/credential's register/lookup/sync operations, plus the connection
// ticket the DS accepts for per-user routing. Handlers follow uncord's internal/api
// handler-per-resource shape (a struct embedding its dependencies, context-first calls
// into the package it fronts, httputil.Success/Fail for responses).
package as

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/mlsgov/platform/internal/apierr"
	"github.com/mlsgov/platform/internal/auth"
	"github.com/mlsgov/platform/internal/credential"
	"github.com/mlsgov/platform/internal/httputil"
)

// Handler serves the AS's three HTTP endpoints over internal/credential.Store.
type Handler struct {
	store *credential.Store
	log   zerolog.Logger

	ticketSecret string
	ticketTTL    time.Duration
	ticketIssuer string
}

// NewHandler creates a Handler issuing connection tickets signed with ticketSecret.
func NewHandler(store *credential.Store, ticketSecret string, ticketTTL time.Duration, ticketIssuer string, logger zerolog.Logger) *Handler {
	return &Handler{
		store:        store,
		log:          logger.With().Str("component", "as").Logger(),
		ticketSecret: ticketSecret,
		ticketTTL:    ticketTTL,
		ticketIssuer: ticketIssuer,
	}
}

// registerRequest is the JSON body for POST /api/v1/register. VerificationKey and
// Signature are base64 standard-encoded, matching how the wire codec carries raw bytes
// inside JSON payloads elsewhere.
type registerRequest struct {
	UserID          string `json:"user_id"`
	VerificationKey string `json:"verification_key"`
	Signature       string `json:"signature"`
}

type credentialResponse struct {
	UserID          string `json:"user_id"`
	VerificationKey string `json:"verification_key"`
	Ticket          string `json:"ticket,omitempty"`
}

// Register handles POST /api/v1/register: the AS-side half of UserRegister. On success it
// hands back both the stored Credential and a fresh connection ticket so a just-registered
// client can dial the DS immediately without a second round trip.
func (h *Handler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.InvalidBody, "invalid request body")
	}

	key, err := base64.StdEncoding.DecodeString(body.VerificationKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "verification_key must be a base64-encoded ed25519 public key")
	}
	sig, err := base64.StdEncoding.DecodeString(body.Signature)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "signature must be base64-encoded")
	}

	cred, err := h.store.Register(c.Context(), body.UserID, key, sig)
	if err != nil {
		return h.mapError(c, err)
	}

	ticket, err := auth.NewConnectionTicket(cred.UserID, h.ticketSecret, h.ticketTTL, h.ticketIssuer)
	if err != nil {
		h.log.Error().Err(err).Msg("issue connection ticket")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "failed to issue connection ticket")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, credentialResponse{
		UserID:          cred.UserID,
		VerificationKey: base64.StdEncoding.EncodeToString(cred.VerificationKey),
		Ticket:          ticket,
	})
}

// LookupCredential handles GET /api/v1/users/:user/credential: the AS-side half of
// UserCredentialLookup, plus a fresh connection ticket for the caller to reconnect with.
func (h *Handler) LookupCredential(c fiber.Ctx) error {
	userID := c.Params("user")
	cred, err := h.store.Lookup(c.Context(), userID)
	if err != nil {
		return h.mapError(c, err)
	}

	ticket, err := auth.NewConnectionTicket(cred.UserID, h.ticketSecret, h.ticketTTL, h.ticketIssuer)
	if err != nil {
		h.log.Error().Err(err).Msg("issue connection ticket")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "failed to issue connection ticket")
	}

	return httputil.Success(c, credentialResponse{
		UserID:          cred.UserID,
		VerificationKey: base64.StdEncoding.EncodeToString(cred.VerificationKey),
		Ticket:          ticket,
	})
}

type syncResponse struct {
	Credentials []credentialResponse `json:"credentials"`
	Cursor      int64                `json:"cursor"`
}

// SyncCredentials handles GET /api/v1/credentials/sync?since=...: a catch-up path for a
// client that wants every Credential registered since its last sync without enumerating
// UserIds itself, the AS side of a bulk UserSyncCredentials refresh.
func (h *Handler) SyncCredentials(c fiber.Ctx) error {
	var since int64
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, "since must be an integer cursor")
		}
		since = parsed
	}

	creds, cursor := h.store.SyncSince(c.Context(), since)
	out := make([]credentialResponse, len(creds))
	for i, cred := range creds {
		out[i] = credentialResponse{
			UserID:          cred.UserID,
			VerificationKey: base64.StdEncoding.EncodeToString(cred.VerificationKey),
		}
	}

	return httputil.Success(c, syncResponse{Credentials: out, Cursor: cursor})
}

func (h *Handler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, credential.ErrUserIDRequired), errors.Is(err, credential.ErrKeyLength):
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.ValidationError, err.Error())
	case errors.Is(err, credential.ErrSignatureInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierr.Unauthorised, err.Error())
	case errors.Is(err, credential.ErrAlreadyRegistered):
		return httputil.Fail(c, fiber.StatusConflict, apierr.Conflict, err.Error())
	case errors.Is(err, credential.ErrDeplatformed):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, err.Error())
	case errors.Is(err, credential.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.NotFound, err.Error())
	default:
		h.log.Error().Err(err).Msg("unhandled credential store error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "an internal error occurred")
	}
}
