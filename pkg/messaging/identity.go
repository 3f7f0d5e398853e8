package messaging

import (
	"context"
	"fmt"
	"time"
)

// idIndex is the slice of the store the identity resolver needs.
type idIndex interface {
	ResolveRemoteID(ctx context.Context, account AccountID, room RoomID, id MessageRemoteID) (MessageID, bool, error)
	ResolveServerID(ctx context.Context, account AccountID, room RoomID, id MessageServerID) (MessageID, bool, error)
}

// IdentityResolver maps incoming wire messages to local message ids,
// reusing the id of an already-stored copy when one exists and minting a
// fresh one otherwise.
//
// The two lookup paths are deliberately asymmetric. Only the sender's own
// client can guarantee that its stanza id stays stable across
// retransmissions, so archive replays of our own messages resolve by remote
// id. For third-party messages the only trustworthy handle is the archive
// id the server assigned.
type IdentityResolver struct {
	index idIndex
	ids   IDProvider
}

func NewIdentityResolver(index idIndex, ids IDProvider) *IdentityResolver {
	return &IdentityResolver{index: index, ids: ids}
}

// NewMessageID mints a fresh local id.
func (r *IdentityResolver) NewMessageID() MessageID {
	return r.ids.NewMessageID()
}

// ResolveSent returns the local id for a message this account sent,
// reporting whether an existing row was found. Used by the live sent/carbon
// path to attach server ids to already-stored copies without duplicating.
func (r *IdentityResolver) ResolveSent(ctx context.Context, account AccountID, room RoomID, remoteID MessageRemoteID) (MessageID, bool, error) {
	if remoteID == "" {
		return r.ids.NewMessageID(), false, nil
	}
	id, found, err := r.index.ResolveRemoteID(ctx, account, room, remoteID)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve remote id: %w", err)
	}
	if !found {
		return r.ids.NewMessageID(), false, nil
	}
	return id, true, nil
}

// ResolveArchived returns the local id to persist an archive-replayed item
// under: the id of the live-stored copy when the item is recognizably one
// we already have, a fresh id otherwise.
func (r *IdentityResolver) ResolveArchived(ctx context.Context, account AccountID, room RoomID, msg *ArchivedMessage) (MessageID, error) {
	stanza := msg.Forwarded.Stanza
	if stanza == nil {
		return r.ids.NewMessageID(), nil
	}

	if bareJID(stanza.From) == string(account) {
		if stanza.ID == "" {
			return r.ids.NewMessageID(), nil
		}
		id, found, err := r.index.ResolveRemoteID(ctx, account, room, MessageRemoteID(stanza.ID))
		if err != nil {
			return "", fmt.Errorf("failed to resolve remote id: %w", err)
		}
		if found {
			return id, nil
		}
		return r.ids.NewMessageID(), nil
	}

	id, found, err := r.index.ResolveServerID(ctx, account, room, msg.ID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve server id: %w", err)
	}
	if found {
		return id, nil
	}
	return r.ids.NewMessageID(), nil
}

// Clock abstracts wall time and the moment the current connection was
// established, so catchup window computation is testable.
type Clock interface {
	Now() time.Time
	ConnectionEstablishedAt() time.Time
}

// SystemClock is a Clock pinned to the process start as the connection
// time. Real clients construct one per connection.
type SystemClock struct {
	ConnectedAt time.Time
}

func (c SystemClock) Now() time.Time { return time.Now() }

func (c SystemClock) ConnectionEstablishedAt() time.Time { return c.ConnectedAt }
