// Package action defines ActionMsg, the tagged union of application intents that flow
// through the governance pipeline before becoming an MLS application message or
// handshake. Validation here generalizes the trim-and-length-check shape uncord's
// message package uses for free-text fields, plus HTML sanitization for anything that
// ends up rendered back as group metadata.
package action

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Kind identifies which variant of the ActionMsg tagged union is populated.
type Kind uint8

const (
	KindTextMsg Kind = iota
	KindRenameGroup
	KindInvite
	KindAccept
	KindDecline
	KindKick
	KindRemove
	KindDefRole
	KindSetUserRole
	KindUpdateGroupState
	KindReport
	KindCustomAction
)

func (k Kind) String() string {
	switch k {
	case KindTextMsg:
		return "text_msg"
	case KindRenameGroup:
		return "rename_group"
	case KindInvite:
		return "invite"
	case KindAccept:
		return "accept"
	case KindDecline:
		return "decline"
	case KindKick:
		return "kick"
	case KindRemove:
		return "remove"
	case KindDefRole:
		return "def_role"
	case KindSetUserRole:
		return "set_user_role"
	case KindUpdateGroupState:
		return "update_group_state"
	case KindReport:
		return "report"
	case KindCustomAction:
		return "custom_action"
	default:
		return "unknown"
	}
}

// Sentinel errors for the action package.
var (
	ErrEmptyContent    = errors.New("content must not be empty")
	ErrContentTooLong  = errors.New("content exceeds the maximum length")
	ErrEmptyUserID     = errors.New("user id must not be empty")
	ErrEmptyKeyPackage = errors.New("key package must not be empty")
	ErrEmptyRole       = errors.New("role must not be empty")
	ErrEmptyTag        = errors.New("custom action tag must not be empty")
	ErrMissingPayload  = errors.New("action is missing its payload for this kind")
)

// Content length limits, generalized from uncord's message length cap to the variants
// that carry free text.
const (
	MaxTextMsgLength  = 4000
	MaxGroupNameLength = 100
	MaxReasonLength   = 1000
	MaxCustomBytes    = 16384
)

// TextMsg is a plain chat message.
type TextMsg struct {
	Content string
}

// RenameGroup proposes a new display name for the group.
type RenameGroup struct {
	NewName string
}

// Invite pre-approves a candidate for membership, stashing their KeyPackage for the
// eventual MLS Add.
type Invite struct {
	KeyPackage []byte
	UserID     string
}

// Kick authorizes removal of a target member, issued by a privileged member.
type Kick struct {
	Target string
}

// Remove signals that a member has been (or is about to be) removed via an MLS Remove
// proposal, distinct from the low-level MLS handshake itself.
type Remove struct {
	Target string
}

// DefRole defines or redefines a role's capability set.
type DefRole struct {
	Role         string
	Capabilities []string
}

// SetUserRole assigns a role to a member.
type SetUserRole struct {
	UserID string
	Role   string
}

// UpdateGroupState carries a SharedGroupState snapshot, broadcast unordered immediately
// after a successful Add at the epoch matching that Add's Welcome.
type UpdateGroupState struct {
	Epoch uint64
	State []byte // canonical encoding of SharedGroupState, decoded by internal/pipeline
}

// Report forwards a previously signed action to moderators along with a reason.
type Report struct {
	SerializedAction []byte
	Reason           string
	Signature        []byte
}

// CustomAction carries an opaque, policy-defined payload. Ordered defaults to false per
// spec's "custom-unless-marked-ordered" classification rule.
type CustomAction struct {
	Tag     string
	Bytes   []byte
	Ordered bool
}

// ActionMsg is the tagged union of all application intents. Exactly one of the pointer
// fields matching Kind is populated; Accept and Decline carry no payload.
type ActionMsg struct {
	Kind Kind

	TextMsg          *TextMsg
	RenameGroup      *RenameGroup
	Invite           *Invite
	Kick             *Kick
	Remove           *Remove
	DefRole          *DefRole
	SetUserRole      *SetUserRole
	UpdateGroupState *UpdateGroupState
	Report           *Report
	CustomAction     *CustomAction
}

// IsOrdered reports whether this action must be sent as an ordered (reliable) message,
// per spec's classification: membership/role/commit-bearing actions are ordered;
// text, reports, state broadcasts, and accept are unordered; custom actions are
// unordered unless explicitly marked otherwise.
func (a ActionMsg) IsOrdered() bool {
	switch a.Kind {
	case KindRenameGroup, KindInvite, KindDecline, KindKick, KindRemove, KindDefRole, KindSetUserRole:
		return true
	case KindCustomAction:
		return a.CustomAction != nil && a.CustomAction.Ordered
	default:
		return false
	}
}

var sanitizer = bluemonday.StrictPolicy()

// Validate checks the populated variant's fields and sanitizes any free text that will
// end up stored in SharedGroupState or re-rendered to other clients. It returns the
// sanitized ActionMsg (variants with no free text are returned unchanged).
func Validate(a ActionMsg) (ActionMsg, error) {
	switch a.Kind {
	case KindTextMsg:
		if a.TextMsg == nil {
			return a, ErrMissingPayload
		}
		content, err := validateContent(a.TextMsg.Content, MaxTextMsgLength)
		if err != nil {
			return a, err
		}
		a.TextMsg = &TextMsg{Content: content}
		return a, nil

	case KindRenameGroup:
		if a.RenameGroup == nil {
			return a, ErrMissingPayload
		}
		name, err := validateContent(a.RenameGroup.NewName, MaxGroupNameLength)
		if err != nil {
			return a, err
		}
		a.RenameGroup = &RenameGroup{NewName: sanitizer.Sanitize(name)}
		return a, nil

	case KindInvite:
		if a.Invite == nil {
			return a, ErrMissingPayload
		}
		if len(a.Invite.KeyPackage) == 0 {
			return a, ErrEmptyKeyPackage
		}
		if strings.TrimSpace(a.Invite.UserID) == "" {
			return a, ErrEmptyUserID
		}
		return a, nil

	case KindKick:
		if a.Kick == nil || strings.TrimSpace(a.Kick.Target) == "" {
			return a, ErrEmptyUserID
		}
		return a, nil

	case KindRemove:
		if a.Remove == nil || strings.TrimSpace(a.Remove.Target) == "" {
			return a, ErrEmptyUserID
		}
		return a, nil

	case KindDefRole:
		if a.DefRole == nil || strings.TrimSpace(a.DefRole.Role) == "" {
			return a, ErrEmptyRole
		}
		return a, nil

	case KindSetUserRole:
		if a.SetUserRole == nil {
			return a, ErrMissingPayload
		}
		if strings.TrimSpace(a.SetUserRole.UserID) == "" {
			return a, ErrEmptyUserID
		}
		if strings.TrimSpace(a.SetUserRole.Role) == "" {
			return a, ErrEmptyRole
		}
		return a, nil

	case KindUpdateGroupState:
		if a.UpdateGroupState == nil {
			return a, ErrMissingPayload
		}
		return a, nil

	case KindReport:
		if a.Report == nil {
			return a, ErrMissingPayload
		}
		reason, err := validateContent(a.Report.Reason, MaxReasonLength)
		if err != nil {
			return a, err
		}
		a.Report = &Report{
			SerializedAction: a.Report.SerializedAction,
			Reason:           sanitizer.Sanitize(reason),
			Signature:        a.Report.Signature,
		}
		return a, nil

	case KindCustomAction:
		if a.CustomAction == nil || strings.TrimSpace(a.CustomAction.Tag) == "" {
			return a, ErrEmptyTag
		}
		if len(a.CustomAction.Bytes) > MaxCustomBytes {
			return a, ErrContentTooLong
		}
		return a, nil

	case KindAccept, KindDecline:
		return a, nil

	default:
		return a, ErrMissingPayload
	}
}

// validateContent trims content and checks it against maxLength, generalizing
// message.ValidateContent to every free-text ActionMsg field.
func validateContent(content string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}
