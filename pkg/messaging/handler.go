package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

type RoomEventType string

const (
	RoomEventMessagesAppended RoomEventType = "messages-appended"
	RoomEventMessagesUpdated  RoomEventType = "messages-updated"
	RoomEventMessagesDeleted  RoomEventType = "messages-deleted"
)

// RoomEvent tells the UI layer which messages of a room changed and how.
type RoomEvent struct {
	Account    AccountID
	RoomID     RoomID
	Type       RoomEventType
	MessageIDs []MessageID
}

// EventSink receives change notifications for display. Implementations
// must not block; the handler calls them while holding the room lock.
type EventSink interface {
	DispatchRoomEvent(evt *RoomEvent)
}

type liveStore interface {
	Append(ctx context.Context, room RoomID, events []*MessageEvent) (int, error)
	ResolveRemoteID(ctx context.Context, account AccountID, room RoomID, id MessageRemoteID) (MessageID, bool, error)
	ResolveServerID(ctx context.Context, account AccountID, room RoomID, id MessageServerID) (MessageID, bool, error)
}

// Handler persists live (non-archive) messages and notifies the sink.
type Handler struct {
	account    AccountID
	store      liveStore
	resolver   *IdentityResolver
	normalizer Normalizer
	clock      Clock
	locks      *roomLocks
	sink       EventSink
	log        zerolog.Logger
}

func NewHandler(account AccountID, store liveStore, ids IDProvider, clock Clock, sink EventSink, log zerolog.Logger) *Handler {
	return &Handler{
		account:  account,
		store:    store,
		resolver: NewIdentityResolver(store, ids),
		clock:    clock,
		locks:    newRoomLocks(),
		sink:     sink,
		log:      log.With().Str("component", "live_handler").Logger(),
	}
}

// HandleReceivedMessage stores one incoming stanza and dispatches the
// matching room event. Stanzas without any usable payload are dropped
// silently; modifiers whose target is unknown are stored but produce no
// event.
func (h *Handler) HandleReceivedMessage(ctx context.Context, room RoomID, s *Stanza) error {
	evt, err := h.normalizer.NormalizeMessage(h.resolver.NewMessageID(), s, h.clock.Now())
	if err != nil {
		if errors.Is(err, ErrNoPayload) {
			return nil
		}
		return err
	}
	return h.appendAndDispatch(ctx, room, evt, true)
}

// HandleSentMessage stores the account's own outgoing message. When the
// stanza id matches a message already stored (the client stored it
// optimistically on send), the existing local id is reused and no event is
// dispatched.
func (h *Handler) HandleSentMessage(ctx context.Context, room RoomID, s *Stanza) error {
	var remoteID MessageRemoteID
	if s != nil {
		remoteID = MessageRemoteID(s.ID)
	}
	id, known, err := h.resolver.ResolveSent(ctx, h.account, room, remoteID)
	if err != nil {
		return err
	}
	evt, err := h.normalizer.NormalizeMessage(id, s, h.clock.Now())
	if err != nil {
		if errors.Is(err, ErrNoPayload) {
			return nil
		}
		return err
	}
	evt.From = string(h.account)
	return h.appendAndDispatch(ctx, room, evt, !known)
}

// HandleCarbon stores a carbon-copied message from another of the
// account's connected devices.
func (h *Handler) HandleCarbon(ctx context.Context, room RoomID, c *Carbon) error {
	if c.Sent {
		var remoteID MessageRemoteID
		if c.Forwarded.Stanza != nil {
			remoteID = MessageRemoteID(c.Forwarded.Stanza.ID)
		}
		id, known, err := h.resolver.ResolveSent(ctx, h.account, room, remoteID)
		if err != nil {
			return err
		}
		evt, err := h.normalizer.NormalizeForwarded(id, &c.Forwarded, h.clock.Now())
		if err != nil {
			if errors.Is(err, ErrNoPayload) {
				return nil
			}
			return err
		}
		evt.From = string(h.account)
		return h.appendAndDispatch(ctx, room, evt, !known)
	}
	evt, err := h.normalizer.NormalizeForwarded(h.resolver.NewMessageID(), &c.Forwarded, h.clock.Now())
	if err != nil {
		if errors.Is(err, ErrNoPayload) {
			return nil
		}
		return err
	}
	return h.appendAndDispatch(ctx, room, evt, true)
}

func (h *Handler) appendAndDispatch(ctx context.Context, room RoomID, evt *MessageEvent, dispatch bool) error {
	lock := h.locks.get(h.account, room)
	lock.Lock()
	defer lock.Unlock()

	if _, err := h.store.Append(ctx, room, []*MessageEvent{evt}); err != nil {
		return fmt.Errorf("failed to store live message: %w", err)
	}
	if !dispatch || h.sink == nil {
		return nil
	}

	if evt.IsBody() {
		h.sink.DispatchRoomEvent(&RoomEvent{
			Account:    h.account,
			RoomID:     room,
			Type:       RoomEventMessagesAppended,
			MessageIDs: []MessageID{evt.ID},
		})
		return nil
	}

	targetID, found, err := h.resolveTarget(ctx, room, evt.Target)
	if err != nil {
		return err
	}
	if !found {
		h.log.Debug().
			Str("room_id", room.String()).
			Str("target", evt.Target.String()).
			Msg("Dropping notification for modifier with unknown target")
		return nil
	}
	eventType := RoomEventMessagesUpdated
	if _, isRetraction := evt.Payload.(*RetractionPayload); isRetraction {
		eventType = RoomEventMessagesDeleted
	}
	h.sink.DispatchRoomEvent(&RoomEvent{
		Account:    h.account,
		RoomID:     room,
		Type:       eventType,
		MessageIDs: []MessageID{targetID},
	})
	return nil
}

func (h *Handler) resolveTarget(ctx context.Context, room RoomID, target *MessageTargetID) (MessageID, bool, error) {
	if target == nil {
		return "", false, nil
	}
	if target.RemoteID != "" {
		return h.store.ResolveRemoteID(ctx, h.account, room, target.RemoteID)
	}
	if target.ServerID != "" {
		return h.store.ResolveServerID(ctx, h.account, room, target.ServerID)
	}
	return "", false, nil
}
