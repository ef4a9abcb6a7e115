// Command client is a thin wiring point for internal/clientsession: it builds a Session
// against one or more groups, drives a single verb (sync, send, or invite), and translates
// whatever happened into one of the documented process exit codes. A full command-line
// surface — interactive REPL, multi-group join, etc. — is out of scope; dispatch here goes
// no further than os.Args[1] naming which verb ran. Every verb runs its group in baseline
// mode (no signing key, no RBAC/policy) since this binary has no credential distribution or
// role-bootstrap wiring of its own — a real deployment's client embeds the same
// internal/clientsession plumbing behind a UI that supplies those instead.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mlsgov/platform/internal/action"
	"github.com/mlsgov/platform/internal/clientsession"
	"github.com/mlsgov/platform/internal/mlsadapter"
	"github.com/mlsgov/platform/internal/pipeline"
	"github.com/mlsgov/platform/internal/policy"
	"github.com/mlsgov/platform/internal/wire"
)

// Exit codes, per the CLI surface documented alongside spec.md's client operations.
const (
	exitOK             = 0
	exitUserError      = 1
	exitNetworkError   = 2
	exitPolicyRejected = 3
	exitRBACRejected   = 4
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: client <sync|send|invite>")
		return exitUserError
	}

	switch os.Args[1] {
	case "sync":
		return runSync()
	case "send":
		return runSend()
	case "invite":
		return runInvite()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		return exitUserError
	}
}

// connEnv holds the env vars every verb needs to dial and identify.
type connEnv struct {
	dsURL   string
	userID  string
	ticket  string
	groupID string
}

func readConnEnv(needGroup bool) (connEnv, error) {
	e := connEnv{
		dsURL:   os.Getenv("DS_URL"),
		userID:  os.Getenv("USER_ID"),
		ticket:  os.Getenv("CONNECTION_TICKET"),
		groupID: os.Getenv("GROUP_ID"),
	}
	if e.dsURL == "" || e.userID == "" || e.ticket == "" {
		return e, errors.New("DS_URL, USER_ID, and CONNECTION_TICKET must all be set")
	}
	if needGroup && e.groupID == "" {
		return e, errors.New("GROUP_ID must be set")
	}
	return e, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// nopCredentials backs every verb's baseline-mode groups: baseline mode never calls
// VerificationKey (signing and RBAC are both skipped), so this exists only to satisfy
// pipeline.CredentialResolver's interface.
type nopCredentials struct{}

func (nopCredentials) VerificationKey(userID string) (ed25519.PublicKey, error) {
	return nil, fmt.Errorf("nopCredentials: no verification key for %q (baseline mode)", userID)
}

// runSync dials the DS, identifies, and blocks until the connection ends, surfacing every
// applied or dropped message, and joining any group a Welcome arrives for, along the way.
// It takes the place of a real interactive client: enough wiring to prove
// internal/clientsession end to end, nothing more.
func runSync() int {
	e, err := readConnEnv(false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}

	router := clientsession.NewStaticRouter(nil)
	handler := newLoggingHandler(log.Logger, router, e.userID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := clientsession.Dial(ctx, e.dsURL, e.ticket, router, handler, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("dial ds failed")
		return exitNetworkError
	}
	defer session.Close()
	handler.attach(session)

	if err := session.Identify(e.userID); err != nil {
		log.Error().Err(err).Msg("identify failed")
		return exitNetworkError
	}

	if err := session.Wait(); err != nil {
		return classifyExit(err)
	}
	return exitOK
}

// runSend dials the DS as the sole local member of a fresh baseline-mode group and sends a
// single unordered text message, exercising clientsession.Session.Send's full
// BuildAndSend-to-wire path.
// MESSAGE is the text to send; RECIPIENTS is a comma-separated list of the group's other
// members (already holding this same GroupID locally, e.g. from a prior invite).
func runSend() int {
	e, err := readConnEnv(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}
	content := os.Getenv("MESSAGE")
	if content == "" {
		fmt.Fprintln(os.Stderr, "MESSAGE must be set")
		return exitUserError
	}
	recipients := splitCSV(os.Getenv("RECIPIENTS"))

	mls, err := mlsadapter.NewGroup(e.userID)
	if err != nil {
		log.Error().Err(err).Msg("create mls group failed")
		return exitNetworkError
	}
	group := pipeline.NewGroup(e.groupID, e.groupID, e.userID, e.userID, nil, nopCredentials{}, mls, policy.NewEngine(nil, time.Minute), true)
	router := clientsession.NewStaticRouter(map[string]*pipeline.Group{e.groupID: group})
	handler := newLoggingHandler(log.Logger, router, e.userID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := clientsession.Dial(ctx, e.dsURL, e.ticket, router, handler, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("dial ds failed")
		return exitNetworkError
	}
	defer session.Close()
	handler.attach(session)

	if err := session.Identify(e.userID); err != nil {
		log.Error().Err(err).Msg("identify failed")
		return exitNetworkError
	}

	msg := action.ActionMsg{Kind: action.KindTextMsg, TextMsg: &action.TextMsg{Content: content}}
	if err := session.Send(e.groupID, msg, recipients); err != nil {
		log.Error().Err(err).Msg("send failed")
		return classifyExit(err)
	}

	if err := session.Wait(); err != nil {
		return classifyExit(err)
	}
	return exitOK
}

// runInvite drives the inviter's half of spec.md §4.4's Add/Welcome flow end to end: it
// submits the ordered Invite action that pre-approves INVITE_TARGET, and once that action
// round-trips back as Applied (proof every member's local Community ledger, including this
// one, now holds the pre-approval) it performs the MLS Add and hands the resulting Welcome
// to the DS via SubmitInvite, completing the flow finding #4 required a real path for.
// INVITE_KEY_PACKAGE is the target's base64-encoded KeyPackage, assumed already retrieved
// out of band (this binary has no RetrieveKeyPackage verb of its own); RECIPIENTS is the
// group's other existing members besides the caller.
func runInvite() int {
	e, err := readConnEnv(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}
	target := os.Getenv("INVITE_TARGET")
	kpB64 := os.Getenv("INVITE_KEY_PACKAGE")
	if target == "" || kpB64 == "" {
		fmt.Fprintln(os.Stderr, "INVITE_TARGET and INVITE_KEY_PACKAGE must both be set")
		return exitUserError
	}
	keyPackage, err := base64.StdEncoding.DecodeString(kpB64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "INVITE_KEY_PACKAGE is not valid base64")
		return exitUserError
	}
	recipients := splitCSV(os.Getenv("RECIPIENTS"))

	mls, err := mlsadapter.NewGroup(e.userID)
	if err != nil {
		log.Error().Err(err).Msg("create mls group failed")
		return exitNetworkError
	}
	group := pipeline.NewGroup(e.groupID, e.groupID, e.userID, e.userID, nil, nopCredentials{}, mls, policy.NewEngine(nil, time.Minute), true)
	router := clientsession.NewStaticRouter(map[string]*pipeline.Group{e.groupID: group})
	handler := newLoggingHandler(log.Logger, router, e.userID)
	handler.completeInvite(target, recipients)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := clientsession.Dial(ctx, e.dsURL, e.ticket, router, handler, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("dial ds failed")
		return exitNetworkError
	}
	defer session.Close()
	handler.attach(session)

	if err := session.Identify(e.userID); err != nil {
		log.Error().Err(err).Msg("identify failed")
		return exitNetworkError
	}

	invite := action.ActionMsg{Kind: action.KindInvite, Invite: &action.Invite{UserID: target, KeyPackage: keyPackage}}
	if err := session.Send(e.groupID, invite, recipients); err != nil {
		log.Error().Err(err).Msg("invite failed")
		return classifyExit(err)
	}

	if err := session.Wait(); err != nil {
		return classifyExit(err)
	}
	return exitOK
}

// classifyExit maps a terminal Session.Wait()/pipeline error to the documented exit code
// it corresponds to.
func classifyExit(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrRBACRejected):
		return exitRBACRejected
	case errors.Is(err, pipeline.ErrPolicyDropped):
		return exitPolicyRejected
	default:
		log.Error().Err(err).Msg("session ended with error")
		return exitNetworkError
	}
}

// loggingHandler is clientsession.EventHandler: it logs everything through zerolog rather
// than feeding a UI, matching this binary's role as a wiring proof rather than a finished
// client. It additionally drives the two multi-step flows neither verb can finish with a
// single Send: joining a group a Welcome just arrived for, and (when completeInvite was
// called) finishing an Invite this same process issued once it is Applied.
type loggingHandler struct {
	log    zerolog.Logger
	router clientsession.GroupRouter
	userID string

	session *clientsession.Session

	inviteTarget     string
	inviteRecipients []string
}

func newLoggingHandler(log zerolog.Logger, router clientsession.GroupRouter, userID string) *loggingHandler {
	return &loggingHandler{log: log, router: router, userID: userID}
}

// attach gives the handler a back-reference to the Session driving it, needed for
// OnApplied/OnWelcome to transmit follow-up frames of their own. Dial requires a handler
// before a Session exists, so this is set just after Dial returns rather than at
// construction.
func (h *loggingHandler) attach(s *clientsession.Session) {
	h.session = s
}

// completeInvite arms the handler to finish an Invite this process is about to submit:
// once that exact Invite is observed Applied, it performs the MLS Add and submits the
// resulting Welcome, without waiting for a separate command invocation.
func (h *loggingHandler) completeInvite(target string, recipients []string) {
	h.inviteTarget = target
	h.inviteRecipients = recipients
}

func (h *loggingHandler) OnApplied(groupID string, applied []pipeline.Applied) {
	for _, a := range applied {
		h.log.Info().Str("group_id", groupID).Str("sender", a.Sender).Str("kind", a.Action.Kind.String()).Msg("action applied")

		if h.inviteTarget == "" || a.Action.Kind != action.KindInvite || a.Action.Invite == nil {
			continue
		}
		if a.Action.Invite.UserID != h.inviteTarget {
			continue
		}
		h.finishInvite(groupID)
	}
}

// finishInvite performs the MLS Add half of an already-applied Invite and ships its
// Welcome and UpdateGroupState broadcast to the DS, the second half of spec.md §4.4's
// Add/Welcome flow.
func (h *loggingHandler) finishInvite(groupID string) {
	group, err := h.router.Group(groupID)
	if err != nil {
		h.log.Error().Err(err).Str("group_id", groupID).Msg("complete add: no local group")
		return
	}
	out, sub, err := group.CompleteAdd(h.inviteTarget, h.inviteRecipients)
	if err != nil {
		h.log.Error().Err(err).Str("target", h.inviteTarget).Msg("complete add failed")
		return
	}
	if err := h.session.Transmit(out); err != nil {
		h.log.Error().Err(err).Msg("transmit update_group_state broadcast failed")
	}
	if err := h.session.SubmitInvite(sub); err != nil {
		h.log.Error().Err(err).Msg("submit invite failed")
		return
	}
	h.log.Info().Str("group_id", groupID).Str("target", h.inviteTarget).Uint64("epoch", sub.Epoch).Msg("welcome submitted")
}

func (h *loggingHandler) OnDropped(groupID string, dropped []pipeline.Dropped) {
	for _, d := range dropped {
		h.log.Warn().Str("group_id", groupID).Str("sender", d.Sender).Err(d.Reason).Msg("action dropped")
	}
}

// OnWelcome joins the group a Welcome just arrived for: it derives the local MLS state
// from the Welcome, registers the resulting pipeline.Group with the router so subsequent
// traffic for it dispatches correctly, and announces the join with an unordered Accept so
// existing members observe the same transition in their own Community ledgers. The group's
// display name isn't carried on wire.Welcome itself — it arrives moments later via the
// paired UpdateGroupState broadcast at the same epoch (spec.md §4.4) and is applied over
// this placeholder once ProcessIncoming processes it.
func (h *loggingHandler) OnWelcome(w wire.Welcome) {
	h.log.Info().Str("group_id", w.GroupID).Uint64("epoch", w.Epoch).Msg("received welcome")

	welcome, err := mlsadapter.UnmarshalWelcome(w.Data)
	if err != nil {
		h.log.Error().Err(err).Str("group_id", w.GroupID).Msg("unmarshal welcome failed")
		return
	}

	group := pipeline.JoinFromWelcome(w.GroupID, w.GroupID, h.userID, welcome, nil, nopCredentials{}, policy.NewEngine(nil, time.Minute), true)
	if err := clientsession.AddGroup(h.router, w.GroupID, group); err != nil {
		h.log.Error().Err(err).Str("group_id", w.GroupID).Msg("register joined group failed")
		return
	}

	var recipients []string
	for _, id := range welcome.Members {
		if id != h.userID {
			recipients = append(recipients, id)
		}
	}
	if err := h.session.Send(w.GroupID, action.ActionMsg{Kind: action.KindAccept}, recipients); err != nil {
		h.log.Error().Err(err).Str("group_id", w.GroupID).Msg("send accept failed")
	}
}

func (h *loggingHandler) OnError(msg wire.ErrorMessage) {
	h.log.Warn().Str("code", msg.Code).Str("message", msg.Message).Msg("ds error")
}
