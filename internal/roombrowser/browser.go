// Package roombrowser maintains the listing of scheduled rooms a user
// can browse and join. The listing itself is a cached snapshot refreshed
// on demand; the display label next to each room is derived from
// wall-clock time on every read and never stored.
package roombrowser

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/certbattle-match/internal/matchapi"
	"github.com/park285/certbattle-match/internal/obslog"
	"github.com/park285/certbattle-match/internal/timewindow"
	"github.com/park285/certbattle-match/pkg/matchdto"
)

// Lister is the backend surface the browser reads rooms from.
type Lister interface {
	ListRooms(ctx context.Context, mode matchdto.GameMode, filter string) ([]matchdto.Room, error)
	CreateScheduledRoom(ctx context.Context, spec matchapi.CreateRoomSpec) (matchdto.Room, []matchdto.Participant, error)
}

// Joiner enters a browsed room. Satisfied by the orchestrator.
type Joiner interface {
	JoinExisting(ctx context.Context, room matchdto.Room) error
}

// Entry pairs a snapshot room with its display label at read time.
type Entry struct {
	Room    matchdto.Room
	Display timewindow.Display
}

type Option func(*Browser)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Browser) { b.now = now }
}

type Browser struct {
	lister Lister
	joiner Joiner
	now    func() time.Time

	mu    sync.RWMutex
	rooms []matchdto.Room
	stale bool
}

func New(lister Lister, joiner Joiner, opts ...Option) *Browser {
	b := &Browser{lister: lister, joiner: joiner, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Refresh replaces the snapshot with the backend's current listing,
// soonest schedule first. An empty listing is a valid result, not an
// error.
func (b *Browser) Refresh(ctx context.Context, mode matchdto.GameMode, filter string) error {
	rooms, err := b.lister.ListRooms(ctx, mode, filter)
	if err != nil {
		obslog.L().Warn("room_list_error", zap.String("mode", string(mode)), zap.Error(err))
		return err
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		a, c := rooms[i].ScheduledAt, rooms[j].ScheduledAt
		switch {
		case a == nil:
			return c != nil
		case c == nil:
			return false
		default:
			return a.Before(*c)
		}
	})

	b.mu.Lock()
	b.rooms = rooms
	b.stale = false
	b.mu.Unlock()

	obslog.L().Debug("room_list_refreshed", zap.Int("count", len(rooms)))
	return nil
}

// Entries returns the snapshot with display labels computed at this
// call. Two reads of the same snapshot can legitimately disagree as a
// room's join window opens.
func (b *Browser) Entries() []Entry {
	now := b.now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.rooms))
	for _, r := range b.rooms {
		out = append(out, Entry{Room: r, Display: timewindow.DisplayStatus(r, now)})
	}
	return out
}

// Stale reports whether a push hint or a failed join invalidated the
// snapshot since the last Refresh.
func (b *Browser) Stale() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stale
}

// Join delegates to the orchestrator's join path for the listed room.
// The room must come from the current snapshot so the join window check
// runs against the same schedule the user saw.
func (b *Browser) Join(ctx context.Context, roomID int64) error {
	b.mu.RLock()
	var room *matchdto.Room
	for i := range b.rooms {
		if b.rooms[i].RoomID == roomID {
			r := b.rooms[i]
			room = &r
			break
		}
	}
	b.mu.RUnlock()
	if room == nil {
		return &matchdto.APIError{Class: matchdto.ClassNotFound, Message: "room is not in the current listing"}
	}
	return b.joiner.JoinExisting(ctx, *room)
}

// CreateScheduled creates a room and folds it into the snapshot so it
// shows up without waiting for the next refresh.
func (b *Browser) CreateScheduled(ctx context.Context, spec matchapi.CreateRoomSpec) (matchdto.Room, error) {
	room, _, err := b.lister.CreateScheduledRoom(ctx, spec)
	if err != nil {
		obslog.L().Warn("room_create_error", zap.String("mode", string(spec.Mode)), zap.Error(err))
		return matchdto.Room{}, err
	}

	b.mu.Lock()
	b.rooms = append(b.rooms, room)
	b.mu.Unlock()

	obslog.L().Info("room_created", zap.Int64("room_id", room.RoomID), zap.String("mode", string(room.Mode)))
	return room, nil
}

// DropRoom removes a room that turned out to be gone (join hit a 404)
// and marks the snapshot stale. Wire it to the orchestrator's
// stale-room signal.
func (b *Browser) DropRoom(roomID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.rooms {
		if b.rooms[i].RoomID == roomID {
			b.rooms = append(b.rooms[:i], b.rooms[i+1:]...)
			break
		}
	}
	b.stale = true
}

// HintSource delivers server push hints about lobby changes. Satisfied
// by matchapi.Notifier.
type HintSource interface {
	OnRoomsChanged(matchapi.HintHandler)
}

// BindHints marks the snapshot stale whenever the lobby changes
// server-side, so the screen knows to refresh.
func (b *Browser) BindHints(src HintSource) {
	src.OnRoomsChanged(func(matchapi.Hint) {
		b.mu.Lock()
		b.stale = true
		b.mu.Unlock()
	})
}
