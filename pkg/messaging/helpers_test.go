package messaging

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = AccountID("alice@prose.org")
	testRoom    = RoomID("bob@prose.org")
)

var baseTime = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

// seqIDProvider mints predictable ids so tests can assert on them.
type seqIDProvider struct {
	n int
}

func (p *seqIDProvider) NewMessageID() MessageID {
	p.n++
	return MessageID(fmt.Sprintf("local-%d", p.n))
}

type fakeClock struct {
	now         time.Time
	connectedAt time.Time
}

func (c *fakeClock) Now() time.Time                     { return c.now }
func (c *fakeClock) ConnectionEstablishedAt() time.Time { return c.connectedAt }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "sync.db"), testAccount, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func bodyEvent(id MessageID, remoteID MessageRemoteID, from, body string, at time.Time) *MessageEvent {
	evt := &MessageEvent{
		ID:        id,
		From:      from,
		Timestamp: at,
		Payload:   &BodyPayload{Body: body},
	}
	if remoteID != "" {
		evt.RemoteID = &remoteID
	}
	return evt
}

func reactionEvent(id MessageID, from string, target *MessageTargetID, at time.Time, emojis ...string) *MessageEvent {
	return &MessageEvent{
		ID:        id,
		From:      from,
		Timestamp: at,
		Target:    target,
		Payload:   &ReactionPayload{Emojis: emojis},
	}
}
