// Package dsdispatch implements the Delivery Service's operations (C4): the five entry
// points spec.md §4.1 names — upload_keypackages, retrieve_keypackage, user_standard_send,
// user_reliable_send, user_sync — plus deplatform. It is grounded on gateway/hub.go's
// subscriber loop (Hub.Run/handlePubSubEvent) and gateway/publisher.go: a reliable send
// commits to dsstate under the group's own mutex and then publishes a lightweight
// "wake up" notification over Valkey pub/sub so any gateway process holding that
// recipient's live connection can pull the new backlog via user_sync, the same
// decoupling uncord's Hub uses between "event happened" and "client fetched it".
package dsdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mlsgov/platform/internal/dsstate"
)

// notifyChannel is the Valkey pub/sub channel the Dispatcher publishes wake-ups on.
const notifyChannel = "mlsgov.ds.notify"

// Sentinel errors for the dsdispatch package.
var (
	ErrTooManyKeyPackages = errors.New("upload exceeds the maximum key packages per request")
	ErrGroupFull          = errors.New("group has reached its maximum membership")
	ErrSenderBlocked      = errors.New("sender has been deplatformed")
)

// notification is the payload published to notifyChannel, telling any subscribed gateway
// that userID has new material waiting and should pull it with UserSync.
type notification struct {
	UserID string `json:"user_id"`
}

// Dispatcher wraps dsstate.State with the operations clients and the MLS-aware pipeline
// call into, plus the pub/sub fan-out that lets a message "arrive" at a recipient
// connected to a different process than the one that handled the send.
type Dispatcher struct {
	state *dsstate.State
	rdb   *redis.Client
	log   zerolog.Logger

	maxGroupMembers         int
	maxKeyPackagesPerUpload int
	maxUnorderedQueueDepth  int
	maxInviteQueueDepth     int
}

// New creates a Dispatcher over state, publishing notifications through rdb.
func New(state *dsstate.State, rdb *redis.Client, logger zerolog.Logger, maxGroupMembers, maxKeyPackagesPerUpload, maxUnorderedQueueDepth, maxInviteQueueDepth int) *Dispatcher {
	return &Dispatcher{
		state:                   state,
		rdb:                     rdb,
		log:                     logger.With().Str("component", "dsdispatch").Logger(),
		maxGroupMembers:         maxGroupMembers,
		maxKeyPackagesPerUpload: maxKeyPackagesPerUpload,
		maxUnorderedQueueDepth:  maxUnorderedQueueDepth,
		maxInviteQueueDepth:     maxInviteQueueDepth,
	}
}

// UploadKeyPackages adds userID's freshly generated KeyPackages to their pool.
func (d *Dispatcher) UploadKeyPackages(ctx context.Context, userID string, packages [][]byte) error {
	if d.maxKeyPackagesPerUpload > 0 && len(packages) > d.maxKeyPackagesPerUpload {
		return ErrTooManyKeyPackages
	}
	d.state.KeyPackages.Upload(userID, packages)
	return nil
}

// RetrieveKeyPackage pops one unused KeyPackage for targetUserID, for a sender about to
// build an Add/Invite commit against them.
func (d *Dispatcher) RetrieveKeyPackage(ctx context.Context, targetUserID string) ([]byte, error) {
	if d.state.IsBlocked(targetUserID) {
		return nil, ErrSenderBlocked
	}
	return d.state.KeyPackages.Retrieve(targetUserID)
}

// UserStandardSend delivers an unordered message to each recipient's queue. It never
// touches a group's mutex, matching spec.md's requirement that standard sends cannot be
// blocked by a concurrent reliable send in the same group.
func (d *Dispatcher) UserStandardSend(ctx context.Context, groupID, sender string, sealedSender []byte, recipients []string, ciphertext []byte) error {
	if sender != "" && d.state.IsBlocked(sender) {
		return ErrSenderBlocked
	}
	msg := dsstate.UnorderedMessage{
		GroupID:      groupID,
		Sender:       sender,
		SealedSender: sealedSender,
		Ciphertext:   ciphertext,
	}
	for _, recipient := range recipients {
		if err := d.state.EnqueueUnordered(recipient, msg, d.maxUnorderedQueueDepth); err != nil {
			d.log.Warn().Err(err).Str("recipient", recipient).Msg("standard send queue rejected")
			continue
		}
		d.notify(ctx, recipient)
	}
	return nil
}

// ReliableSendResult is the outcome of a UserReliableSend: whether the DS accepted it, and
// the suffix of the group's ordered log the sender needs to catch up on first if it
// didn't — spec.md's "preceding and sent ordered msgs" contract.
type ReliableSendResult struct {
	Accepted  bool
	Preceding []dsstate.OrderedMessage
	Committed dsstate.OrderedMessage
}

// UserReliableSend appends an ordered message to groupID's log under its mutex, then fans
// the new entry out to the queue of every listed recipient other than the sender and wakes
// each of them. The sender supplies the number of ordered entries it has already seen (its
// own last-seen watermark), which must equal the log's current length; if the
// group has since advanced past that point the send is rejected and the caller gets back
// everything it missed so it can rebase the action and retry, the same optimistic-
// concurrency shape as a compare-and-swap.
func (d *Dispatcher) UserReliableSend(ctx context.Context, groupID, sender string, expectedSequence uint64, recipients []string, ciphertext []byte) (ReliableSendResult, error) {
	if d.state.IsBlocked(sender) {
		return ReliableSendResult{}, ErrSenderBlocked
	}
	group, err := d.state.Group(groupID)
	if err != nil {
		return ReliableSendResult{}, err
	}

	group.Mutex.Lock()
	defer group.Mutex.Unlock()

	if !group.IsMember(sender) {
		return ReliableSendResult{}, dsstate.ErrNotAMember
	}

	current := uint64(len(group.OrderedLog))
	if expectedSequence != current {
		return ReliableSendResult{Accepted: false, Preceding: group.Since(expectedSequence)}, nil
	}

	committed := group.AppendOrdered(sender, ciphertext)
	msg := dsstate.UnorderedMessage{
		GroupID:    groupID,
		Sender:     sender,
		Ciphertext: ciphertext,
		Ordered:    true,
		Sequence:   committed.Sequence,
	}
	for _, recipient := range recipients {
		if recipient == sender {
			continue
		}
		if err := d.state.EnqueueUnordered(recipient, msg, d.maxUnorderedQueueDepth); err != nil {
			d.log.Warn().Err(err).Str("recipient", recipient).Msg("reliable send fan-out queue rejected")
			continue
		}
		d.notify(ctx, recipient)
	}

	return ReliableSendResult{Accepted: true, Committed: committed}, nil
}

// SyncResult is everything UserSync hands back to a reconnecting or polling client.
type SyncResult struct {
	Unordered []dsstate.UnorderedMessage
	Invites   []dsstate.InviteEnvelope
}

// UserSync drains userID's unordered and invite queues in one call.
func (d *Dispatcher) UserSync(ctx context.Context, userID string) SyncResult {
	return SyncResult{
		Unordered: d.state.DrainUnordered(userID),
		Invites:   d.state.DrainInvites(userID),
	}
}

// EnqueueInvite stashes an invite/Welcome pair for a newly added member who hasn't yet
// synced, consumed the next time that member calls UserSync. This is also the DS's only
// path for learning about a group at all: senderID's group is created lazily on its first
// invite, and recipientID is immediately recorded as a member so a subsequent reliable
// send naming them as sender passes the group's membership check.
func (d *Dispatcher) EnqueueInvite(ctx context.Context, senderID, recipientID string, env dsstate.InviteEnvelope) error {
	group, err := d.state.Group(env.GroupID)
	if errors.Is(err, dsstate.ErrGroupNotFound) {
		group = d.state.CreateGroup(env.GroupID, senderID)
	} else if err != nil {
		return err
	}

	if d.maxGroupMembers > 0 && group.MemberCount() >= d.maxGroupMembers {
		return ErrGroupFull
	}

	if err := d.state.EnqueueInvite(recipientID, env, d.maxInviteQueueDepth); err != nil {
		return err
	}
	group.AddMember(recipientID)
	d.notify(ctx, recipientID)
	return nil
}

// Deplatform removes userID's standing at the DS: their KeyPackage pool is discarded and
// any future send or KeyPackage retrieval naming that UserId is rejected.
func (d *Dispatcher) Deplatform(ctx context.Context, userID string) {
	d.state.Block(userID)
}

// notify publishes a wake-up for userID if a Valkey client is configured; nil rdb is valid
// for single-process deployments and tests, where delivery is purely in-memory.
func (d *Dispatcher) notify(ctx context.Context, userID string) {
	if d.rdb == nil {
		return
	}
	payload, err := json.Marshal(notification{UserID: userID})
	if err != nil {
		d.log.Error().Err(err).Msg("marshal notification")
		return
	}
	if err := d.rdb.Publish(ctx, notifyChannel, payload).Err(); err != nil {
		d.log.Error().Err(err).Msg("publish notification")
	}
}

// Subscribe returns a channel of UserIds woken by reliable or standard sends, for a
// gateway process to bridge into its own client registry. Mirrors Hub.Run's pattern of
// reading a *redis.PubSub's Channel() in a loop and dispatching each payload.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan string, error) {
	if d.rdb == nil {
		return nil, fmt.Errorf("dsdispatch: no Valkey client configured")
	}
	sub := d.rdb.Subscribe(ctx, notifyChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to notify channel: %w", err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					d.log.Error().Err(err).Msg("unmarshal notification")
					continue
				}
				select {
				case out <- n.UserID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
