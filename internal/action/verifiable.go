package action

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSignatureInvalid is returned when a VerifiableAction's signature does not match its
// canonical bytes under the claimed sender's verification key.
var ErrSignatureInvalid = errors.New("action signature is invalid")

// VerifiableAction pairs an ActionMsg with its sender and, under governance mode, a
// signature over its canonical encoding. Sender is the sender's clear UserId for ordered
// and unordered actions alike; a sealed-sender token, where one is used, travels outside
// the VerifiableAction (see pipeline.Outgoing.SealedSender).
type VerifiableAction struct {
	Action    ActionMsg
	Sender    string // UserId of the sender
	Signature []byte // nil under baseline mode
}

// canonical is the deterministic wire shape used for signing. encoding/json produces a
// stable byte sequence here because canonical's field order is fixed in source and its
// leaf values contain no maps, matching the "canonicalize to bytes" step spec.md
// requires without needing a bespoke canonical encoder.
type canonical struct {
	Kind             Kind
	TextMsg          *TextMsg          `json:",omitempty"`
	RenameGroup      *RenameGroup      `json:",omitempty"`
	Invite           *Invite           `json:",omitempty"`
	Kick             *Kick             `json:",omitempty"`
	Remove           *Remove           `json:",omitempty"`
	DefRole          *DefRole          `json:",omitempty"`
	SetUserRole      *SetUserRole      `json:",omitempty"`
	UpdateGroupState *UpdateGroupState `json:",omitempty"`
	Report           *Report           `json:",omitempty"`
	CustomAction     *CustomAction     `json:",omitempty"`
}

// Canonicalize serializes an ActionMsg to the deterministic byte sequence signatures are
// computed over.
func Canonicalize(a ActionMsg) ([]byte, error) {
	c := canonical{
		Kind:             a.Kind,
		TextMsg:          a.TextMsg,
		RenameGroup:      a.RenameGroup,
		Invite:           a.Invite,
		Kick:             a.Kick,
		Remove:           a.Remove,
		DefRole:          a.DefRole,
		SetUserRole:      a.SetUserRole,
		UpdateGroupState: a.UpdateGroupState,
		Report:           a.Report,
		CustomAction:     a.CustomAction,
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("canonicalize action: %w", err)
	}
	return b, nil
}

// Sign canonicalizes action and signs it with priv, producing a governance-mode
// VerifiableAction. sender is the UserId recorded as the action's sender.
func Sign(a ActionMsg, sender string, priv ed25519.PrivateKey) (VerifiableAction, error) {
	canon, err := Canonicalize(a)
	if err != nil {
		return VerifiableAction{}, err
	}
	return VerifiableAction{
		Action:    a,
		Sender:    sender,
		Signature: ed25519.Sign(priv, canon),
	}, nil
}

// Unsigned wraps action for baseline mode, where no signature is computed.
func Unsigned(a ActionMsg, sender string) VerifiableAction {
	return VerifiableAction{Action: a, Sender: sender}
}

// Verify checks va's signature against the canonical bytes of its action using pub. It
// is a no-op success when va carries no signature (baseline mode) — callers operating in
// governance mode must reject unsigned actions themselves before calling Verify.
func Verify(va VerifiableAction, pub ed25519.PublicKey) error {
	if va.Signature == nil {
		return nil
	}
	canon, err := Canonicalize(va.Action)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canon, va.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// wireVerifiable is VerifiableAction's JSON transport shape — distinct from canonical,
// which exists purely to give Sign/Verify a deterministic byte sequence. This one simply
// round-trips the whole VerifiableAction (including its Signature) through the MLS
// application message payload.
type wireVerifiable struct {
	Action    canonical
	Sender    string
	Signature []byte `json:",omitempty"`
}

// MarshalVerifiable serializes va for transport inside an MLS application message.
func MarshalVerifiable(va VerifiableAction) ([]byte, error) {
	w := wireVerifiable{
		Action: canonical{
			Kind:             va.Action.Kind,
			TextMsg:          va.Action.TextMsg,
			RenameGroup:      va.Action.RenameGroup,
			Invite:           va.Action.Invite,
			Kick:             va.Action.Kick,
			Remove:           va.Action.Remove,
			DefRole:          va.Action.DefRole,
			SetUserRole:      va.Action.SetUserRole,
			UpdateGroupState: va.Action.UpdateGroupState,
			Report:           va.Action.Report,
			CustomAction:     va.Action.CustomAction,
		},
		Sender:    va.Sender,
		Signature: va.Signature,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal verifiable action: %w", err)
	}
	return b, nil
}

// UnmarshalVerifiable decodes a payload produced by MarshalVerifiable.
func UnmarshalVerifiable(data []byte) (VerifiableAction, error) {
	var w wireVerifiable
	if err := json.Unmarshal(data, &w); err != nil {
		return VerifiableAction{}, fmt.Errorf("unmarshal verifiable action: %w", err)
	}
	return VerifiableAction{
		Action: ActionMsg{
			Kind:             w.Action.Kind,
			TextMsg:          w.Action.TextMsg,
			RenameGroup:      w.Action.RenameGroup,
			Invite:           w.Action.Invite,
			Kick:             w.Action.Kick,
			Remove:           w.Action.Remove,
			DefRole:          w.Action.DefRole,
			SetUserRole:      w.Action.SetUserRole,
			UpdateGroupState: w.Action.UpdateGroupState,
			Report:           w.Action.Report,
			CustomAction:     w.Action.CustomAction,
		},
		Sender:    w.Sender,
		Signature: w.Signature,
	}, nil
}
