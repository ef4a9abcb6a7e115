package governance

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/mlsgov/platform/internal/action"
)

// Sentinel errors for the governance package.
var (
	ErrRoleNameLength    = errors.New("role name must be between 1 and 100 characters")
	ErrRoleNotFound      = errors.New("role not found")
	ErrRoleAlreadyExists = errors.New("role already exists")
	ErrRoleImmutable     = errors.New("the built-in member role cannot be redefined or deleted")
	ErrMaxRolesReached   = errors.New("maximum number of roles reached")
	ErrUserNotInGroup    = errors.New("user is not a member of the group")
	ErrNotAuthorized     = errors.New("sender's role does not grant this capability")
)

// EveryoneRole is the implicit role every group member holds absent an explicit
// SetUserRole assignment, analogous to uncord's immutable @everyone role.
const EveryoneRole = "member"

// OwnerRole is the implicit fully-trusted role held by a group's creator; it bypasses
// the role table the same way uncord's server owner bypasses permission overrides.
const OwnerRole = "owner"

// Role is a named, capability-bearing entry in a group's role table.
type Role struct {
	Name         string
	Capabilities Permission
}

// ValidateRoleName trims and checks a role name, mirroring role.ValidateNameRequired.
func ValidateRoleName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return "", ErrRoleNameLength
	}
	return trimmed, nil
}

// Table is the per-group role table from SharedGroupState: role definitions plus each
// member's assigned role. It has no built-in concurrency control; callers already hold
// the group's single logical critical section.
type Table struct {
	roles   map[string]Role
	members map[string]string // UserId -> role name
	owner   string            // UserId of the group creator
}

// NewTable creates a role table for a freshly created group, seeded with the immutable
// "member" role (no capabilities beyond TextMsg/Accept/Decline/Report, mirroring
// @everyone's conservative default) and the creator installed as owner.
func NewTable(creator string) *Table {
	t := &Table{
		roles: map[string]Role{
			EveryoneRole: {
				Name:         EveryoneRole,
				Capabilities: PermTextMsg | PermAccept | PermDecline | PermReport,
			},
		},
		members: map[string]string{creator: OwnerRole},
		owner:   creator,
	}
	return t
}

// DefRole creates or redefines a role's capability set. The built-in "member" and
// "owner" role names cannot be redefined.
func (t *Table) DefRole(name string, capabilities Permission, maxRoles int) error {
	name, err := ValidateRoleName(name)
	if err != nil {
		return err
	}
	if name == OwnerRole || name == EveryoneRole {
		return ErrRoleImmutable
	}
	if _, exists := t.roles[name]; !exists && len(t.roles) >= maxRoles {
		return ErrMaxRolesReached
	}
	t.roles[name] = Role{Name: name, Capabilities: capabilities}
	return nil
}

// SetUserRole assigns an existing role to a member. The owner's role cannot be reassigned
// through this path; ownership does not transfer via SetUserRole.
func (t *Table) SetUserRole(userID, roleName string) error {
	if userID == t.owner {
		return ErrRoleImmutable
	}
	if _, ok := t.roles[roleName]; !ok {
		return ErrRoleNotFound
	}
	t.members[userID] = roleName
	return nil
}

// RoleOf returns the role name assigned to userID, defaulting to EveryoneRole for any
// member without an explicit assignment.
func (t *Table) RoleOf(userID string) string {
	if userID == t.owner {
		return OwnerRole
	}
	if name, ok := t.members[userID]; ok {
		return name
	}
	return EveryoneRole
}

// Capabilities returns the effective capability bitfield for userID: PermAll for the
// owner, otherwise the assigned role's capabilities (falling back to EveryoneRole's if
// the assigned role was since deleted).
func (t *Table) Capabilities(userID string) Permission {
	if userID == t.owner {
		return PermAll
	}
	roleName := t.RoleOf(userID)
	if role, ok := t.roles[roleName]; ok {
		return role.Capabilities
	}
	return t.roles[EveryoneRole].Capabilities
}

// Authorize implements the RBAC "immediate pass" gate from spec.md §4.2 step 3: it
// reports whether userID's role grants the capability for the given action kind.
// DefRole and SetUserRole additionally require PermManageRoles.
func (t *Table) Authorize(userID string, kind action.Kind) bool {
	caps := t.Capabilities(userID)
	bit := ForActionKind(kind)
	if bit == 0 {
		return false
	}
	if !caps.Has(bit) {
		return false
	}
	if kind == action.KindDefRole || kind == action.KindSetUserRole {
		return caps.Has(PermManageRoles)
	}
	return true
}
