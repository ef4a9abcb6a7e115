// Package pipeline implements the Action Pipeline (C6) from spec.md §4.2: the outgoing
// build_and_send path and the incoming process_incoming path, wiring together
// internal/action, internal/governance, internal/policy, internal/mlsadapter,
// internal/community, and internal/wire. It is grounded on gateway/client.go's and
// gateway/hub.go's identify/dispatch control flow, generalized from "route a WS opcode to
// a handler" to "classify an action, gate it through RBAC and policy, then wrap/unwrap it
// in MLS."
package pipeline

import (
	"github.com/mlsgov/platform/internal/community"
	"github.com/mlsgov/platform/internal/governance"
)

// SharedGroupState is the governance-relevant state every honest client in a group
// converges on: the display name, the role table, and the community (invite/membership)
// state machine. It excludes MLS's own cryptographic state, which lives in
// mlsadapter.Group instead.
type SharedGroupState struct {
	GroupName string
	Roles     *governance.Table
	Community *community.Community
}

// NewSharedGroupState creates the state for a freshly created group.
func NewSharedGroupState(groupName, creator string) *SharedGroupState {
	return &SharedGroupState{
		GroupName: groupName,
		Roles:     governance.NewTable(creator),
		Community: community.New(),
	}
}
