// Package governance implements the per-group role table and RBAC gate from spec.md
// §4.2 step 3: each role carries a capability bitfield over ActionMsg kinds, and a
// sender's action passes immediately if their role's capabilities include it. It is
// generalized from uncord's channel/category permission resolver, dropping the
// channel/category override layers that have no analogue in a single governed group.
package governance

import "github.com/mlsgov/platform/internal/action"

// Permission is a bitfield over the action kinds a role may be granted. It mirrors
// uncord's Permission type (Add/Remove/Has over a bitfield), generalized from
// per-channel bits to per-ActionMsg-kind bits.
type Permission uint32

const (
	PermTextMsg Permission = 1 << iota
	PermRenameGroup
	PermInvite
	PermAccept
	PermDecline
	PermKick
	PermRemove
	PermDefRole
	PermSetUserRole
	PermUpdateGroupState
	PermReport
	PermCustomAction

	// PermManageRoles gates DefRole/SetUserRole at a level distinct from exercising them
	// as an ordinary ActionMsg, mirroring uncord's ManageServer "administrator" shortcut.
	PermManageRoles

	// PermAll grants every capability, used for the implicit owner role and any role
	// explicitly configured as fully trusted.
	PermAll Permission = ^Permission(0)
)

// Add returns p with other's bits set.
func (p Permission) Add(other Permission) Permission {
	return p | other
}

// Remove returns p with other's bits cleared.
func (p Permission) Remove(other Permission) Permission {
	return p &^ other
}

// Has reports whether p contains every bit set in other.
func (p Permission) Has(other Permission) bool {
	return p&other == other
}

// ForActionKind maps an ActionMsg kind to the single capability bit that gates it.
// DefRole and SetUserRole are additionally gated by PermManageRoles in Table.Authorize.
func ForActionKind(k action.Kind) Permission {
	switch k {
	case action.KindTextMsg:
		return PermTextMsg
	case action.KindRenameGroup:
		return PermRenameGroup
	case action.KindInvite:
		return PermInvite
	case action.KindAccept:
		return PermAccept
	case action.KindDecline:
		return PermDecline
	case action.KindKick:
		return PermKick
	case action.KindRemove:
		return PermRemove
	case action.KindDefRole:
		return PermDefRole
	case action.KindSetUserRole:
		return PermSetUserRole
	case action.KindUpdateGroupState:
		return PermUpdateGroupState
	case action.KindReport:
		return PermReport
	case action.KindCustomAction:
		return PermCustomAction
	default:
		return 0
	}
}
