package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrCatchupAborted wraps transport failures that interrupted a catchup.
// The room's watermark is left untouched so the next attempt replays the
// same window.
var ErrCatchupAborted = errors.New("catchup aborted")

// maxCatchupPages caps the pagination loop so a misbehaving server that
// keeps handing out continuation cursors cannot spin us forever.
const maxCatchupPages = 256

// EventStore is the slice of the local archive the catchup engine writes
// through.
type EventStore interface {
	Append(ctx context.Context, room RoomID, events []*MessageEvent) (int, error)
	LastReceivedMessageTime(ctx context.Context, room RoomID, before time.Time) (time.Time, error)
	LastCatchupTime(ctx context.Context, room RoomID) (time.Time, error)
	SetLastCatchupTime(ctx context.Context, room RoomID, ts time.Time) error
	SetLastCatchupError(ctx context.Context, room RoomID, message string) error
	ResolveRemoteID(ctx context.Context, account AccountID, room RoomID, id MessageRemoteID) (MessageID, bool, error)
	ResolveServerID(ctx context.Context, account AccountID, room RoomID, id MessageServerID) (MessageID, bool, error)
}

// Archive fetches pages from the server-side message archive.
type Archive interface {
	// LoadMessagesSince returns the oldest page of messages with
	// timestamps at or after the given instant.
	LoadMessagesSince(ctx context.Context, room RoomID, since time.Time, pageSize int) (*ArchivePage, error)
	// LoadMessagesAfter returns the page following the given archive id.
	LoadMessagesAfter(ctx context.Context, room RoomID, after MessageServerID, pageSize int) (*ArchivePage, error)
}

// Room identifies one conversation to catch up.
type Room struct {
	ID              RoomID
	SupportsArchive bool
}

type catchupCounters struct {
	pages    int
	fetched  int
	dropped  int
	appended int
}

// CatchupEngine replays the server archive of a conversation into the
// local store, picking up where the previous connection left off.
type CatchupEngine struct {
	account    AccountID
	store      EventStore
	archive    Archive
	resolver   *IdentityResolver
	normalizer *Normalizer
	clock      Clock
	locks      *roomLocks
	log        zerolog.Logger

	pageSize       int
	maxLookback    time.Duration
	maxConcurrency int
}

func NewCatchupEngine(account AccountID, store EventStore, archive Archive, ids IDProvider, clock Clock, cfg *SyncConfig, log zerolog.Logger) *CatchupEngine {
	engine := &CatchupEngine{
		account:        account,
		store:          store,
		archive:        archive,
		resolver:       NewIdentityResolver(store, ids),
		normalizer:     &Normalizer{},
		clock:          clock,
		locks:          newRoomLocks(),
		log:            log.With().Str("component", "catchup").Logger(),
		pageSize:       cfg.PageSize,
		maxLookback:    cfg.MaxLookback,
		maxConcurrency: cfg.MaxConcurrency,
	}
	return engine
}

// catchupWindow computes the instant to replay the archive from: the later
// of the last successful catchup and the newest message received before
// this connection, clamped to the configured lookback.
func (e *CatchupEngine) catchupWindow(ctx context.Context, room RoomID, now time.Time) (time.Time, error) {
	lastCatchup, err := e.store.LastCatchupTime(ctx, room)
	if err != nil {
		return time.Time{}, err
	}
	lastReceived, err := e.store.LastReceivedMessageTime(ctx, room, e.clock.ConnectionEstablishedAt())
	if err != nil {
		return time.Time{}, err
	}
	since := lastCatchup
	if lastReceived.After(since) {
		since = lastReceived
	}
	earliest := now.Add(-e.maxLookback)
	if since.Before(earliest) {
		since = earliest
	}
	return since, nil
}

// CatchupRoom synchronizes one conversation and reports whether any
// previously unseen message was stored. Rooms without archive support are
// skipped. A transport failure aborts without advancing the watermark.
func (e *CatchupEngine) CatchupRoom(ctx context.Context, room Room) (bool, error) {
	if !room.SupportsArchive {
		e.log.Debug().Str("room_id", room.ID.String()).Msg("Room has no archive, skipping catchup")
		return false, nil
	}
	lock := e.locks.get(e.account, room.ID)
	lock.Lock()
	defer lock.Unlock()

	log := e.log.With().Str("room_id", room.ID.String()).Logger()
	now := e.clock.Now()
	since, err := e.catchupWindow(ctx, room.ID, now)
	if err != nil {
		return false, fmt.Errorf("failed to compute catchup window: %w", err)
	}
	log.Debug().Time("since", since).Msg("Starting catchup")

	var counters catchupCounters
	var batch []*MessageEvent
	var cursor MessageServerID
	for counters.pages < maxCatchupPages {
		var page *ArchivePage
		if cursor == "" {
			page, err = e.archive.LoadMessagesSince(ctx, room.ID, since, e.pageSize)
		} else {
			page, err = e.archive.LoadMessagesAfter(ctx, room.ID, cursor, e.pageSize)
		}
		if err != nil {
			// Keep whatever was already fetched; appends are idempotent,
			// so the retry from the unadvanced window re-covers the gap.
			if _, persistErr := e.store.Append(ctx, room.ID, batch); persistErr != nil {
				log.Warn().Err(persistErr).Msg("Failed to persist partial catchup batch")
			}
			if stateErr := e.store.SetLastCatchupError(ctx, room.ID, err.Error()); stateErr != nil {
				log.Warn().Err(stateErr).Msg("Failed to record catchup error")
			}
			log.Err(err).Int("pages", counters.pages).Msg("Catchup aborted")
			return false, fmt.Errorf("%w: %w", ErrCatchupAborted, err)
		}
		counters.pages++
		counters.fetched += len(page.Messages)

		for i := range page.Messages {
			msg := &page.Messages[i]
			id, err := e.resolver.ResolveArchived(ctx, e.account, room.ID, msg)
			if err != nil {
				return false, fmt.Errorf("failed to resolve archived message: %w", err)
			}
			evt, err := e.normalizer.NormalizeArchived(id, msg, now)
			if err != nil {
				counters.dropped++
				continue
			}
			if evt.IsTransportError() {
				counters.dropped++
				continue
			}
			batch = append(batch, evt)
		}

		if page.IsLast {
			break
		}
		next := page.Cursor()
		if next == "" {
			break
		}
		cursor = next
	}

	newCount, err := e.store.Append(ctx, room.ID, batch)
	if err != nil {
		return false, fmt.Errorf("failed to persist catchup batch: %w", err)
	}
	counters.appended = newCount
	if err = e.store.SetLastCatchupTime(ctx, room.ID, now); err != nil {
		return false, fmt.Errorf("failed to advance catchup watermark: %w", err)
	}
	log.Info().
		Int("pages", counters.pages).
		Int("fetched", counters.fetched).
		Int("dropped", counters.dropped).
		Int("appended", counters.appended).
		Msg("Catchup complete")
	return newCount > 0, nil
}

// CatchupAll runs CatchupRoom over every room concurrently and reports
// whether any of them stored something new. A room's failure is logged and
// does not stop the others.
func (e *CatchupEngine) CatchupAll(ctx context.Context, rooms []Room) bool {
	var found atomic.Bool
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.maxConcurrency)
	for _, room := range rooms {
		room := room
		group.Go(func() error {
			roomFound, err := e.CatchupRoom(gctx, room)
			if err != nil {
				e.log.Err(err).Str("room_id", room.ID.String()).Msg("Failed to catch up room")
				return nil
			}
			if roomFound {
				found.Store(true)
			}
			return nil
		})
	}
	_ = group.Wait()
	return found.Load()
}
