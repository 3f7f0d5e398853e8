package messaging

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Core wires the store, catchup engine and live handler together for one
// account. The engine and handler share per-room locks, so a live message
// and a concurrent catchup for the same room serialize against each other.
type Core struct {
	Account AccountID
	Store   *Store
	Catchup *CatchupEngine
	Handler *Handler

	log zerolog.Logger
}

func NewCore(ctx context.Context, cfg *Config, archive Archive, clock Clock, sink EventSink, log zerolog.Logger) (*Core, error) {
	account := AccountID(bareJID(cfg.Account))
	store, err := OpenStore(ctx, cfg.DatabaseURI, account, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	ids := UUIDProvider{}
	core := &Core{
		Account: account,
		Store:   store,
		Catchup: NewCatchupEngine(account, store, archive, ids, clock, &cfg.Sync, log),
		Handler: NewHandler(account, store, ids, clock, sink, log),
		log:     log.With().Str("component", "core").Logger(),
	}
	locks := newRoomLocks()
	core.Catchup.locks = locks
	core.Handler.locks = locks
	return core, nil
}

// RoomMessages loads and folds a room's full history into display
// messages.
func (c *Core) RoomMessages(ctx context.Context, room RoomID) ([]*Message, error) {
	events, err := c.Store.RoomEvents(ctx, room)
	if err != nil {
		return nil, err
	}
	return Fold(events), nil
}

func (c *Core) Close() error {
	return c.Store.Close()
}
