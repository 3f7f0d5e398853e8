package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []*RoomEvent
}

func (s *recordingSink) DispatchRoomEvent(evt *RoomEvent) {
	s.events = append(s.events, evt)
}

func newTestHandler(t *testing.T, store *Store, clock Clock) (*Handler, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	return NewHandler(testAccount, store, &seqIDProvider{}, clock, sink, zerolog.Nop()), sink
}

func TestHandlerReceivedBody(t *testing.T) {
	store := newTestStore(t)
	clock := &fakeClock{now: baseTime}
	handler, sink := newTestHandler(t, store, clock)
	ctx := context.Background()

	err := handler.HandleReceivedMessage(ctx, testRoom, &Stanza{
		ID:   "r1",
		From: "bob@prose.org/phone",
		Body: "hi",
	})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, RoomEventMessagesAppended, sink.events[0].Type)
	assert.Equal(t, testRoom, sink.events[0].RoomID)
	require.Len(t, sink.events[0].MessageIDs, 1)

	evt, found, err := store.Get(ctx, testRoom, sink.events[0].MessageIDs[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hi", evt.Payload.(*BodyPayload).Body)
	assert.Equal(t, baseTime, evt.Timestamp)
}

func TestHandlerReceivedModifierDispatchesTargetID(t *testing.T) {
	store := newTestStore(t)
	clock := &fakeClock{now: baseTime}
	handler, sink := newTestHandler(t, store, clock)
	ctx := context.Background()

	require.NoError(t, handler.HandleReceivedMessage(ctx, testRoom, &Stanza{
		ID:   "r1",
		From: "bob@prose.org/phone",
		Body: "hi",
	}))
	bodyID := sink.events[0].MessageIDs[0]

	require.NoError(t, handler.HandleReceivedMessage(ctx, testRoom, &Stanza{
		ID:        "r2",
		From:      "bob@prose.org/phone",
		Reactions: &Reactions{TargetID: "r1", Emojis: []string{"👍"}},
	}))

	require.Len(t, sink.events, 2)
	assert.Equal(t, RoomEventMessagesUpdated, sink.events[1].Type)
	// The sink gets the local id of the reacted-to message, not the
	// reaction's own id.
	assert.Equal(t, []MessageID{bodyID}, sink.events[1].MessageIDs)
}

func TestHandlerRetractionDispatchesDeleted(t *testing.T) {
	store := newTestStore(t)
	clock := &fakeClock{now: baseTime}
	handler, sink := newTestHandler(t, store, clock)
	ctx := context.Background()

	require.NoError(t, handler.HandleReceivedMessage(ctx, testRoom, &Stanza{
		ID:   "r1",
		From: "bob@prose.org/phone",
		Body: "hi",
	}))
	require.NoError(t, handler.HandleReceivedMessage(ctx, testRoom, &Stanza{
		ID:        "r2",
		From:      "bob@prose.org/phone",
		Fastening: &Fastening{TargetID: "r1", Retract: true},
	}))

	require.Len(t, sink.events, 2)
	assert.Equal(t, RoomEventMessagesDeleted, sink.events[1].Type)
}

func TestHandlerUnresolvableModifierStoredWithoutDispatch(t *testing.T) {
	store := newTestStore(t)
	clock := &fakeClock{now: baseTime}
	handler, sink := newTestHandler(t, store, clock)
	ctx := context.Background()

	require.NoError(t, handler.HandleReceivedMessage(ctx, testRoom, &Stanza{
		ID:        "r9",
		From:      "bob@prose.org/phone",
		Reactions: &Reactions{TargetID: "never-seen", Emojis: []string{"👍"}},
	}))

	assert.Empty(t, sink.events)
	events, err := store.RoomEvents(ctx, testRoom)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHandlerIgnoresEmptyStanzas(t *testing.T) {
	store := newTestStore(t)
	clock := &fakeClock{now: baseTime}
	handler, sink := newTestHandler(t, store, clock)

	require.NoError(t, handler.HandleReceivedMessage(context.Background(), testRoom, &Stanza{
		From: "bob@prose.org/phone",
	}))
	assert.Empty(t, sink.events)
}

func TestHandlerSentMessageDeduplicates(t *testing.T) {
	store := newTestStore(t)
	clock := &fakeClock{now: baseTime}
	handler, sink := newTestHandler(t, store, clock)
	ctx := context.Background()

	stanza := &Stanza{
		ID:   "r1",
		From: string(testAccount) + "/laptop",
		To:   string(testRoom),
		Body: "my message",
	}
	require.NoError(t, handler.HandleSentMessage(ctx, testRoom, stanza))
	require.Len(t, sink.events, 1)
	assert.Equal(t, RoomEventMessagesAppended, sink.events[0].Type)

	// The server echoes the same stanza id back; the copy must be folded
	// into the existing row without another notification.
	require.NoError(t, handler.HandleSentMessage(ctx, testRoom, stanza))
	assert.Len(t, sink.events, 1)

	events, err := store.RoomEvents(ctx, testRoom)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(testAccount), events[0].From)
}

func TestHandlerCarbons(t *testing.T) {
	store := newTestStore(t)
	clock := &fakeClock{now: baseTime}
	handler, sink := newTestHandler(t, store, clock)
	ctx := context.Background()

	sentAt := baseTime.Add(-time.Minute)
	require.NoError(t, handler.HandleCarbon(ctx, testRoom, &Carbon{
		Sent: true,
		Forwarded: Forwarded{
			Delay: &sentAt,
			Stanza: &Stanza{
				ID:   "r1",
				From: string(testAccount) + "/phone",
				To:   string(testRoom),
				Body: "sent elsewhere",
			},
		},
	}))
	require.Len(t, sink.events, 1)
	assert.Equal(t, RoomEventMessagesAppended, sink.events[0].Type)

	require.NoError(t, handler.HandleCarbon(ctx, testRoom, &Carbon{
		Forwarded: Forwarded{
			Stanza: &Stanza{
				ID:   "r2",
				From: string(testRoom) + "/phone",
				To:   string(testAccount),
				Body: "received elsewhere",
			},
		},
	}))
	require.Len(t, sink.events, 2)

	events, err := store.RoomEvents(ctx, testRoom)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, sentAt, events[0].Timestamp)
	assert.Equal(t, string(testAccount), events[0].From)
}
