package roombrowser

import (
	"context"
	"testing"
	"time"

	"github.com/park285/certbattle-match/internal/matchapi"
	"github.com/park285/certbattle-match/internal/timewindow"
	"github.com/park285/certbattle-match/pkg/matchdto"
)

type fakeLister struct {
	rooms   []matchdto.Room
	listErr error
	created matchdto.Room
}

func (f *fakeLister) ListRooms(context.Context, matchdto.GameMode, string) ([]matchdto.Room, error) {
	return f.rooms, f.listErr
}

func (f *fakeLister) CreateScheduledRoom(context.Context, matchapi.CreateRoomSpec) (matchdto.Room, []matchdto.Participant, error) {
	return f.created, nil, nil
}

type fakeJoiner struct {
	joined []int64
	err    error
}

func (f *fakeJoiner) JoinExisting(_ context.Context, room matchdto.Room) error {
	f.joined = append(f.joined, room.RoomID)
	return f.err
}

func scheduledRoom(id int64, at time.Time) matchdto.Room {
	return matchdto.Room{RoomID: id, Mode: matchdto.ModeTournament, ExamMode: matchdto.ExamWritten, Status: matchdto.RoomWait, ScheduledAt: &at}
}

func TestRefreshSortsBySchedule(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeLister{rooms: []matchdto.Room{
		scheduledRoom(2, base.Add(2*time.Hour)),
		scheduledRoom(1, base.Add(time.Hour)),
		{RoomID: 3, Mode: matchdto.ModeDuel, Status: matchdto.RoomWait}, // no schedule, sorts first
	}}
	b := New(lister, &fakeJoiner{}, WithNow(func() time.Time { return base }))

	if err := b.Refresh(context.Background(), matchdto.ModeTournament, ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	entries := b.Entries()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].Room.RoomID != 3 || entries[1].Room.RoomID != 1 || entries[2].Room.RoomID != 2 {
		t.Fatalf("order wrong: %d, %d, %d", entries[0].Room.RoomID, entries[1].Room.RoomID, entries[2].Room.RoomID)
	}
}

func TestEntriesRecomputeDisplayPerCall(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	lister := &fakeLister{rooms: []matchdto.Room{scheduledRoom(1, base.Add(30*time.Minute))}}
	b := New(lister, &fakeJoiner{}, WithNow(func() time.Time { return now }))
	if err := b.Refresh(context.Background(), matchdto.ModeTournament, ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if got := b.Entries()[0].Display; got != timewindow.DisplayWaiting {
		t.Fatalf("display = %s, want WAITING", got)
	}

	// same snapshot, later clock: the window has opened
	now = base.Add(25 * time.Minute)
	if got := b.Entries()[0].Display; got != timewindow.DisplayJoinable {
		t.Fatalf("display = %s, want JOINABLE", got)
	}
}

func TestEmptyListingIsNotAnError(t *testing.T) {
	b := New(&fakeLister{}, &fakeJoiner{})
	if err := b.Refresh(context.Background(), matchdto.ModeTournament, ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := b.Entries(); len(got) != 0 {
		t.Fatalf("expected empty entries, got %d", len(got))
	}
}

func TestJoinDelegatesListedRoom(t *testing.T) {
	base := time.Now()
	lister := &fakeLister{rooms: []matchdto.Room{scheduledRoom(7, base.Add(5*time.Minute))}}
	joiner := &fakeJoiner{}
	b := New(lister, joiner)
	if err := b.Refresh(context.Background(), matchdto.ModeTournament, ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := b.Join(context.Background(), 7); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(joiner.joined) != 1 || joiner.joined[0] != 7 {
		t.Fatalf("join not delegated: %v", joiner.joined)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	b := New(&fakeLister{}, &fakeJoiner{})
	err := b.Join(context.Background(), 99)
	if matchdto.ClassOf(err) != matchdto.ClassNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestDropRoomMarksStale(t *testing.T) {
	base := time.Now()
	lister := &fakeLister{rooms: []matchdto.Room{
		scheduledRoom(1, base.Add(time.Hour)),
		scheduledRoom(2, base.Add(2*time.Hour)),
	}}
	b := New(lister, &fakeJoiner{})
	if err := b.Refresh(context.Background(), matchdto.ModeTournament, ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	b.DropRoom(1)
	if !b.Stale() {
		t.Fatalf("drop must mark the snapshot stale")
	}
	entries := b.Entries()
	if len(entries) != 1 || entries[0].Room.RoomID != 2 {
		t.Fatalf("room not dropped: %+v", entries)
	}

	if err := b.Refresh(context.Background(), matchdto.ModeTournament, ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if b.Stale() {
		t.Fatalf("refresh must clear staleness")
	}
}

type fakeHints struct {
	handlers []matchapi.HintHandler
}

func (f *fakeHints) OnRoomsChanged(fn matchapi.HintHandler) {
	f.handlers = append(f.handlers, fn)
}

func (f *fakeHints) push(h matchapi.Hint) {
	for _, fn := range f.handlers {
		fn(h)
	}
}

func TestRoomsChangedHintMarksSnapshotStale(t *testing.T) {
	lister := &fakeLister{rooms: []matchdto.Room{scheduledRoom(1, time.Now().Add(time.Hour))}}
	b := New(lister, &fakeJoiner{})
	hints := &fakeHints{}
	b.BindHints(hints)

	if err := b.Refresh(context.Background(), matchdto.ModeTournament, ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if b.Stale() {
		t.Fatalf("fresh snapshot must not be stale")
	}

	hints.push(matchapi.Hint{Event: matchapi.EventRoomsChanged, Mode: "tournament"})
	if !b.Stale() {
		t.Fatalf("rooms_changed hint must mark the snapshot stale")
	}

	if err := b.Refresh(context.Background(), matchdto.ModeTournament, ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if b.Stale() {
		t.Fatalf("refresh must clear hint staleness")
	}
}

func TestCreateScheduledFoldsIntoSnapshot(t *testing.T) {
	at := time.Now().Add(time.Hour)
	lister := &fakeLister{created: scheduledRoom(41, at)}
	b := New(lister, &fakeJoiner{})

	room, err := b.CreateScheduled(context.Background(), matchapi.CreateRoomSpec{
		Mode: matchdto.ModeTournament, ExamMode: matchdto.ExamWritten, ScheduledAt: &at,
	})
	if err != nil {
		t.Fatalf("CreateScheduled: %v", err)
	}
	if room.RoomID != 41 {
		t.Fatalf("room id = %d, want 41", room.RoomID)
	}
	entries := b.Entries()
	if len(entries) != 1 || entries[0].Room.RoomID != 41 {
		t.Fatalf("created room not listed: %+v", entries)
	}
}
