// Package dsstate holds the Delivery Service's core state (spec.md §4.1): the group
// registry, the per-user registry, and the block list, plus the locking discipline that
// keeps a reliable send inside one group from blocking an unrelated group's traffic. It is
// grounded on gateway/hub.go's `clients map[uuid.UUID]*Client` + `sync.RWMutex` registry
// shard pattern, split into two such registries (groups, users) instead of one, and
// gateway/session.go's replay-buffer shape for each user's queued messages.
package dsstate

import (
	"errors"
	"sync"

	"github.com/mlsgov/platform/internal/keypackage"
)

// Sentinel errors for the dsstate package.
var (
	ErrGroupNotFound = errors.New("group not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrNotAMember    = errors.New("user is not a member of this group")
	ErrAlreadyMember = errors.New("user is already a member of this group")
	ErrQueueFull     = errors.New("queue is at capacity")
	ErrUserBlocked   = errors.New("user has been deplatformed")
)

// OrderedMessage is one entry in a group's ordered_log: a reliable send the DS has
// assigned a sequence position to under the group's mutex.
type OrderedMessage struct {
	Sequence   uint64
	Sender     string
	Ciphertext []byte
}

// UnorderedMessage is a message queued for a single recipient's unordered queue. This
// queue carries two distinct things: genuine standard sends (Ordered false, Sequence 0),
// and the fan-out copy of an already-committed reliable send (Ordered true, Sequence set
// to its OrderedLog position) — UserReliableSend deliberately delivers non-sender
// recipients through this same queue rather than a second one, so a slow reader can never
// block on it. Sender is the sending connection's UserId for every message, standard
// sends included; SealedSender, when present, is stored beside it and never opened here.
type UnorderedMessage struct {
	GroupID      string
	Sender       string
	SealedSender []byte
	Ciphertext   []byte
	Ordered      bool
	Sequence     uint64
}

// InviteEnvelope is a pending Invite (plus its paired Welcome) queued for a user who has
// not yet synced since being added to a group.
type InviteEnvelope struct {
	GroupID string
	Epoch   uint64
	Welcome []byte
}

// GroupSlot is one group's critical section: its own mutex (never a global lock), its
// ordered log, and its current member set. Reliable sends and membership-changing actions
// serialize on Mutex; standard sends never touch it.
type GroupSlot struct {
	Mutex      sync.Mutex
	OrderedLog []OrderedMessage
	Members    map[string]struct{}
}

// UserSlot is one user's mailbox: their unordered queue, invite queue, and a per-group
// watermark of how far into each group's ordered log they've been delivered. Their
// KeyPackage pool lives in State.KeyPackages, not here.
type UserSlot struct {
	mu             sync.Mutex
	UnorderedQueue []UnorderedMessage
	InviteQueue    []InviteEnvelope
	deliveredUpTo  map[string]uint64 // GroupId -> highest OrderedMessage.Sequence delivered
	SessionID      string            // empty when the user has no live connection
}

// State is the DS's full in-memory state: the group registry, the user registry, each
// user's KeyPackage pool, and the deplatform block list. The top-level maps are guarded by
// their own RWMutex exactly like Hub.clients; the fine-grained locks inside GroupSlot and
// UserSlot are what keep unrelated groups and users from serializing on each other.
type State struct {
	groupsMu sync.RWMutex
	groups   map[string]*GroupSlot

	usersMu sync.RWMutex
	users   map[string]*UserSlot

	KeyPackages *keypackage.Pool

	blockMu sync.RWMutex
	blocked map[string]struct{}
}

// New creates an empty DS state.
func New() *State {
	return &State{
		groups:      make(map[string]*GroupSlot),
		users:       make(map[string]*UserSlot),
		KeyPackages: keypackage.NewPool(),
		blocked:     make(map[string]struct{}),
	}
}

// CreateGroup registers a brand-new group with its initial member set.
func (s *State) CreateGroup(groupID string, creator string) *GroupSlot {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	slot := &GroupSlot{Members: map[string]struct{}{creator: {}}}
	s.groups[groupID] = slot
	return slot
}

// Group returns the slot for groupID, or ErrGroupNotFound.
func (s *State) Group(groupID string) (*GroupSlot, error) {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	slot, ok := s.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return slot, nil
}

// userSlot returns (creating if absent) the UserSlot for userID.
func (s *State) userSlot(userID string) *UserSlot {
	s.usersMu.RLock()
	slot, ok := s.users[userID]
	s.usersMu.RUnlock()
	if ok {
		return slot
	}

	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if slot, ok = s.users[userID]; ok {
		return slot
	}
	slot = &UserSlot{deliveredUpTo: make(map[string]uint64)}
	s.users[userID] = slot
	return slot
}

// IsMember reports whether userID is a current member of the group behind slot.
func (g *GroupSlot) IsMember(userID string) bool {
	_, ok := g.Members[userID]
	return ok
}

// MemberCount reports how many members slot currently has, used to enforce
// spec.md's max-group-members cap before a new member is added.
func (g *GroupSlot) MemberCount() int {
	return len(g.Members)
}

// AddMember registers userID as a current member of the group behind slot. The DS's
// membership view exists only to gate who may reliable-send into a group; it therefore
// only ever grows (via a delivered invite), never shrinks — enforcing a removal is left
// to the governed pipeline above it, matching spec.md's "untrusted-but-live" DS.
func (g *GroupSlot) AddMember(userID string) {
	g.Mutex.Lock()
	defer g.Mutex.Unlock()
	if g.Members == nil {
		g.Members = make(map[string]struct{})
	}
	g.Members[userID] = struct{}{}
}

// AppendOrdered assigns the next sequence number in slot's ordered log to msg. Callers
// must already hold slot.Mutex.
func (g *GroupSlot) AppendOrdered(sender string, ciphertext []byte) OrderedMessage {
	msg := OrderedMessage{
		Sequence:   uint64(len(g.OrderedLog)) + 1,
		Sender:     sender,
		Ciphertext: ciphertext,
	}
	g.OrderedLog = append(g.OrderedLog, msg)
	return msg
}

// Since returns every OrderedMessage in slot with Sequence strictly greater than after.
// Callers must already hold slot.Mutex, matching spec.md's "preceding unseen suffix"
// computation performed while the group lock is held.
func (g *GroupSlot) Since(after uint64) []OrderedMessage {
	if after >= uint64(len(g.OrderedLog)) {
		return nil
	}
	return g.OrderedLog[after:]
}

// EnqueueUnordered appends an unordered message to recipientID's queue, subject to
// maxDepth. Returns ErrQueueFull if the recipient's queue is already saturated, which the
// dispatcher maps to a backpressure signal rather than dropping silently.
func (s *State) EnqueueUnordered(recipientID string, msg UnorderedMessage, maxDepth int) error {
	slot := s.userSlot(recipientID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if maxDepth > 0 && len(slot.UnorderedQueue) >= maxDepth {
		return ErrQueueFull
	}
	slot.UnorderedQueue = append(slot.UnorderedQueue, msg)
	return nil
}

// EnqueueInvite appends an invite envelope to recipientID's invite queue.
func (s *State) EnqueueInvite(recipientID string, env InviteEnvelope, maxDepth int) error {
	slot := s.userSlot(recipientID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if maxDepth > 0 && len(slot.InviteQueue) >= maxDepth {
		return ErrQueueFull
	}
	slot.InviteQueue = append(slot.InviteQueue, env)
	return nil
}

// DrainUnordered removes and returns every queued unordered message for userID.
func (s *State) DrainUnordered(userID string) []UnorderedMessage {
	slot := s.userSlot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	out := slot.UnorderedQueue
	slot.UnorderedQueue = nil
	return out
}

// DrainInvites removes and returns every queued invite envelope for userID.
func (s *State) DrainInvites(userID string) []InviteEnvelope {
	slot := s.userSlot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	out := slot.InviteQueue
	slot.InviteQueue = nil
	return out
}

// DeliveredUpTo returns userID's last-delivered sequence number for groupID.
func (s *State) DeliveredUpTo(userID, groupID string) uint64 {
	slot := s.userSlot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.deliveredUpTo[groupID]
}

// MarkDelivered records that userID has now seen groupID's ordered log up to seq.
func (s *State) MarkDelivered(userID, groupID string, seq uint64) {
	slot := s.userSlot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if seq > slot.deliveredUpTo[groupID] {
		slot.deliveredUpTo[groupID] = seq
	}
}

// SetSession records the session identifier backing userID's live connection, or clears it
// with an empty string on disconnect.
func (s *State) SetSession(userID, sessionID string) {
	slot := s.userSlot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.SessionID = sessionID
}

// Session returns userID's current session identifier, empty if they have none.
func (s *State) Session(userID string) string {
	slot := s.userSlot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.SessionID
}

// Block adds userID to the block list, the DS-side half of deplatforming: it also removes
// their KeyPackage pool so no further Add can target them.
func (s *State) Block(userID string) {
	s.blockMu.Lock()
	s.blocked[userID] = struct{}{}
	s.blockMu.Unlock()
	s.KeyPackages.Remove(userID)
}

// IsBlocked reports whether userID has been deplatformed at the DS.
func (s *State) IsBlocked(userID string) bool {
	s.blockMu.RLock()
	defer s.blockMu.RUnlock()
	_, ok := s.blocked[userID]
	return ok
}

// GroupSnapshot is the gob-encodable shape of one GroupSlot, for persistence by
// internal/dsdispatch.SnapshotStore.
type GroupSnapshot struct {
	OrderedLog []OrderedMessage
	Members    []string
}

// UserSnapshot is the gob-encodable shape of one UserSlot.
type UserSnapshot struct {
	UnorderedQueue []UnorderedMessage
	InviteQueue    []InviteEnvelope
	DeliveredUpTo  map[string]uint64
	SessionID      string
}

// Snapshot is the gob-encodable shape of the DS's entire in-memory state, written to
// disk on graceful shutdown and restored on boot (spec.md §6 Persistence).
type Snapshot struct {
	Groups      map[string]GroupSnapshot
	Users       map[string]UserSnapshot
	KeyPackages map[string][][]byte
	Blocked     []string
}

// Snapshot captures s's entire in-memory state for persistence. SessionID is
// deliberately excluded from the restored read path's semantics (a restored UserSlot's
// live connection is gone regardless of what was recorded), but is still captured here so
// a restart without a prior clean disconnect doesn't silently widen its meaning.
func (s *State) Snapshot() Snapshot {
	out := Snapshot{
		Groups:      make(map[string]GroupSnapshot),
		Users:       make(map[string]UserSnapshot),
		KeyPackages: s.KeyPackages.Snapshot(),
	}

	s.groupsMu.RLock()
	for groupID, slot := range s.groups {
		slot.Mutex.Lock()
		members := make([]string, 0, len(slot.Members))
		for m := range slot.Members {
			members = append(members, m)
		}
		out.Groups[groupID] = GroupSnapshot{
			OrderedLog: append([]OrderedMessage(nil), slot.OrderedLog...),
			Members:    members,
		}
		slot.Mutex.Unlock()
	}
	s.groupsMu.RUnlock()

	s.usersMu.RLock()
	for userID, slot := range s.users {
		slot.mu.Lock()
		delivered := make(map[string]uint64, len(slot.deliveredUpTo))
		for g, seq := range slot.deliveredUpTo {
			delivered[g] = seq
		}
		out.Users[userID] = UserSnapshot{
			UnorderedQueue: append([]UnorderedMessage(nil), slot.UnorderedQueue...),
			InviteQueue:    append([]InviteEnvelope(nil), slot.InviteQueue...),
			DeliveredUpTo:  delivered,
			SessionID:      slot.SessionID,
		}
		slot.mu.Unlock()
	}
	s.usersMu.RUnlock()

	s.blockMu.RLock()
	for userID := range s.blocked {
		out.Blocked = append(out.Blocked, userID)
	}
	s.blockMu.RUnlock()

	return out
}

// Restore replaces s's in-memory state with a previously captured Snapshot. Every
// restored UserSlot's SessionID is cleared regardless of what was captured, since a
// restart always invalidates live connections.
func (s *State) Restore(snap Snapshot) {
	s.groupsMu.Lock()
	s.groups = make(map[string]*GroupSlot, len(snap.Groups))
	for groupID, gs := range snap.Groups {
		members := make(map[string]struct{}, len(gs.Members))
		for _, m := range gs.Members {
			members[m] = struct{}{}
		}
		s.groups[groupID] = &GroupSlot{
			OrderedLog: append([]OrderedMessage(nil), gs.OrderedLog...),
			Members:    members,
		}
	}
	s.groupsMu.Unlock()

	s.usersMu.Lock()
	s.users = make(map[string]*UserSlot, len(snap.Users))
	for userID, us := range snap.Users {
		delivered := make(map[string]uint64, len(us.DeliveredUpTo))
		for g, seq := range us.DeliveredUpTo {
			delivered[g] = seq
		}
		s.users[userID] = &UserSlot{
			UnorderedQueue: append([]UnorderedMessage(nil), us.UnorderedQueue...),
			InviteQueue:    append([]InviteEnvelope(nil), us.InviteQueue...),
			deliveredUpTo:  delivered,
		}
	}
	s.usersMu.Unlock()

	s.KeyPackages.Restore(snap.KeyPackages)

	s.blockMu.Lock()
	s.blocked = make(map[string]struct{}, len(snap.Blocked))
	for _, userID := range snap.Blocked {
		s.blocked[userID] = struct{}{}
	}
	s.blockMu.Unlock()
}
