package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/park285/certbattle-match/pkg/matchdto"
)

type fakeAPI struct {
	mu          sync.Mutex
	requestFn   func(intent matchdto.MatchIntent) (matchdto.MatchHandle, error)
	statusFn    func(call int) (matchdto.MatchStatusSnapshot, error)
	statusCalls int

	roomParts []matchdto.Participant
	roomErr   error
	profile   matchdto.Profile
	joinRoom  matchdto.Room
	joinParts []matchdto.Participant
	joinErr   error
}

func (f *fakeAPI) RequestMatch(_ context.Context, intent matchdto.MatchIntent) (matchdto.MatchHandle, error) {
	if f.requestFn != nil {
		return f.requestFn(intent)
	}
	return matchdto.MatchHandle{MatchID: "m-1", Intent: intent}, nil
}

func (f *fakeAPI) MatchStatus(context.Context) (matchdto.MatchStatusSnapshot, error) {
	f.mu.Lock()
	f.statusCalls++
	n := f.statusCalls
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return matchdto.MatchStatusSnapshot{Matching: true}, nil
	}
	return fn(n)
}

func (f *fakeAPI) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeAPI) RoomState(context.Context, int64) ([]matchdto.Participant, error) {
	return f.roomParts, f.roomErr
}

func (f *fakeAPI) JoinRoom(context.Context, int64) (matchdto.Room, []matchdto.Participant, error) {
	return f.joinRoom, f.joinParts, f.joinErr
}

func (f *fakeAPI) MyProfile(context.Context) (matchdto.Profile, error) {
	return f.profile, nil
}

func duelIntent() matchdto.MatchIntent {
	return matchdto.MatchIntent{Mode: matchdto.ModeDuel, ExamMode: matchdto.ExamWritten, CertID: 10, TopicID: 3}
}

func fastOpts() Options {
	return Options{PollInterval: 10 * time.Millisecond, MatchedDwell: 5 * time.Millisecond}
}

type harness struct {
	orc    *Orchestrator
	events chan Event
	hos    chan matchdto.HandoffContext
}

func newHarness(t *testing.T, api API, opts Options) *harness {
	t.Helper()
	h := &harness{
		events: make(chan Event, 64),
		hos:    make(chan matchdto.HandoffContext, 8),
	}
	h.orc = New(api, func(hctx matchdto.HandoffContext) { h.hos <- hctx }, opts)
	h.orc.OnEvent(func(ev Event) { h.events <- ev })
	return h
}

func (h *harness) waitState(t *testing.T, want State) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (current %s)", want, h.orc.State())
		}
	}
}

func (h *harness) waitHandoff(t *testing.T) matchdto.HandoffContext {
	t.Helper()
	select {
	case hctx := <-h.hos:
		return hctx
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handoff")
		return matchdto.HandoffContext{}
	}
}

func (h *harness) expectNoHandoff(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case hctx := <-h.hos:
		t.Fatalf("unexpected handoff: %+v", hctx)
	case <-time.After(d):
	}
}

func TestPollUntilResolvedHandsOffOnce(t *testing.T) {
	api := &fakeAPI{
		statusFn: func(call int) (matchdto.MatchStatusSnapshot, error) {
			if call < 3 {
				return matchdto.MatchStatusSnapshot{Matching: true, WaitingCount: 4}, nil
			}
			return matchdto.MatchStatusSnapshot{Matching: false, RoomID: 7}, nil
		},
		roomParts: []matchdto.Participant{{UserID: 1, Nickname: "me"}, {UserID: 2, Nickname: "rival"}},
		profile:   matchdto.Profile{UserID: 1, Nickname: "me"},
	}
	h := newHarness(t, api, fastOpts())

	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hctx := h.waitHandoff(t)
	if hctx.RoomID != 7 {
		t.Fatalf("handoff room = %d, want 7", hctx.RoomID)
	}
	if hctx.Me == nil || hctx.Me.UserID != 1 {
		t.Fatalf("me not labeled: %+v", hctx.Me)
	}
	if len(hctx.Opponents) != 1 || hctx.Opponents[0].UserID != 2 {
		t.Fatalf("opponents mislabeled: %+v", hctx.Opponents)
	}
	if got := h.orc.State(); got != StateHandedOff {
		t.Fatalf("state = %s, want HANDED_OFF", got)
	}
	h.expectNoHandoff(t, 50*time.Millisecond)
}

func TestResolvedEmptySnapshotExpires(t *testing.T) {
	api := &fakeAPI{
		statusFn: func(call int) (matchdto.MatchStatusSnapshot, error) {
			if call == 1 {
				return matchdto.MatchStatusSnapshot{Matching: true}, nil
			}
			return matchdto.MatchStatusSnapshot{Matching: false, RoomID: 0}, nil
		},
	}
	h := newHarness(t, api, fastOpts())
	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ev := h.waitState(t, StateExpired)
	if matchdto.ClassOf(ev.Err) != matchdto.ClassExpired {
		t.Fatalf("expected expired class, got %v", ev.Err)
	}
	h.expectNoHandoff(t, 50*time.Millisecond)
}

func TestDefinitivePollErrorExpires(t *testing.T) {
	api := &fakeAPI{
		statusFn: func(int) (matchdto.MatchStatusSnapshot, error) {
			return matchdto.MatchStatusSnapshot{}, &matchdto.APIError{Class: matchdto.ClassExpired, Status: 404, Message: "match gone"}
		},
	}
	h := newHarness(t, api, fastOpts())
	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, StateExpired)
	h.expectNoHandoff(t, 50*time.Millisecond)
}

func TestTransientPollErrorsTolerated(t *testing.T) {
	api := &fakeAPI{
		statusFn: func(call int) (matchdto.MatchStatusSnapshot, error) {
			if call <= 3 {
				return matchdto.MatchStatusSnapshot{}, &matchdto.APIError{Class: matchdto.ClassTransient, Status: 503}
			}
			return matchdto.MatchStatusSnapshot{Matching: false, RoomID: 11}, nil
		},
		profile: matchdto.Profile{UserID: 1},
	}
	h := newHarness(t, api, fastOpts())
	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hctx := h.waitHandoff(t)
	if hctx.RoomID != 11 {
		t.Fatalf("handoff room = %d, want 11", hctx.RoomID)
	}
	if api.statusCount() < 4 {
		t.Fatalf("polling stopped early after transient errors: %d calls", api.statusCount())
	}
}

func TestRequestFailureIsTerminalError(t *testing.T) {
	api := &fakeAPI{
		requestFn: func(matchdto.MatchIntent) (matchdto.MatchHandle, error) {
			return matchdto.MatchHandle{}, &matchdto.APIError{Class: matchdto.ClassTransient, Status: 500, Message: "queue down"}
		},
	}
	h := newHarness(t, api, fastOpts())
	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ev := h.waitState(t, StateError)
	if matchdto.MessageOf(ev.Err) != "queue down" {
		t.Fatalf("backend message not surfaced: %v", ev.Err)
	}
	if api.statusCount() != 0 {
		t.Fatalf("must not poll after a failed request")
	}
}

func TestCancelIsIdempotentAndStopsTransitions(t *testing.T) {
	api := &fakeAPI{} // forever matching
	h := newHarness(t, api, fastOpts())
	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, StatePolling)

	h.orc.Cancel()
	h.orc.Cancel()
	if got := h.orc.State(); got != StateIdle {
		t.Fatalf("state after cancel = %s, want IDLE", got)
	}

	// drain, then ensure no transition arrives after cancellation even if
	// a stale poll resolves later
	for {
		select {
		case <-h.events:
			continue
		case <-time.After(60 * time.Millisecond):
		}
		break
	}
	select {
	case ev := <-h.events:
		t.Fatalf("transition after cancel: %+v", ev)
	case <-time.After(60 * time.Millisecond):
	}
	if got := h.orc.State(); got != StateIdle {
		t.Fatalf("state drifted after cancel: %s", got)
	}
}

func TestSupersessionDiscardsStalePoll(t *testing.T) {
	api := &fakeAPI{
		statusFn: func(call int) (matchdto.MatchStatusSnapshot, error) {
			if call == 1 {
				// slow, soon-to-be-stale response for the first attempt
				time.Sleep(80 * time.Millisecond)
				return matchdto.MatchStatusSnapshot{Matching: false, RoomID: 111}, nil
			}
			return matchdto.MatchStatusSnapshot{Matching: false, RoomID: 222}, nil
		},
		profile: matchdto.Profile{UserID: 1},
	}
	h := newHarness(t, api, fastOpts())

	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start A: %v", err)
	}
	time.Sleep(15 * time.Millisecond) // let attempt A issue its poll
	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start B: %v", err)
	}

	hctx := h.waitHandoff(t)
	if hctx.RoomID != 222 {
		t.Fatalf("handoff room = %d, want 222 (stale 111 must be discarded)", hctx.RoomID)
	}
	// attempt A's slow poll resolves around 95ms; nothing further may land
	h.expectNoHandoff(t, 150*time.Millisecond)
	if got := h.orc.State(); got != StateHandedOff {
		t.Fatalf("state = %s, want HANDED_OFF", got)
	}
}

func TestBotMatchSkipsPollingAndDwell(t *testing.T) {
	api := &fakeAPI{
		requestFn: func(intent matchdto.MatchIntent) (matchdto.MatchHandle, error) {
			return matchdto.MatchHandle{MatchID: "m-bot", Intent: intent, RoomID: 55}, nil
		},
	}
	opts := fastOpts()
	opts.MatchedDwell = time.Hour // would hang if the dwell ran
	h := newHarness(t, api, opts)

	intent := duelIntent()
	intent.Mode = matchdto.ModeBot
	if err := h.orc.Start(intent); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hctx := h.waitHandoff(t)
	if hctx.RoomID != 55 {
		t.Fatalf("handoff room = %d, want 55", hctx.RoomID)
	}
	if api.statusCount() != 0 {
		t.Fatalf("bot match must never poll, got %d polls", api.statusCount())
	}
}

func TestDegradedResolutionStillHandsOff(t *testing.T) {
	api := &fakeAPI{
		statusFn: func(int) (matchdto.MatchStatusSnapshot, error) {
			return matchdto.MatchStatusSnapshot{Matching: false, RoomID: 13}, nil
		},
		roomErr: &matchdto.APIError{Class: matchdto.ClassTransient, Status: 500},
	}
	h := newHarness(t, api, fastOpts())
	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hctx := h.waitHandoff(t)
	if !hctx.Degraded {
		t.Fatalf("expected degraded context")
	}
	if hctx.RoomID != 13 || hctx.Me != nil || len(hctx.Opponents) != 0 {
		t.Fatalf("degraded context must carry room id and mode only: %+v", hctx)
	}
}

func TestPollBudgetSynthesizesExpired(t *testing.T) {
	api := &fakeAPI{} // forever matching
	opts := fastOpts()
	opts.PollBudget = 40 * time.Millisecond
	h := newHarness(t, api, opts)
	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, StateExpired)
	h.expectNoHandoff(t, 50*time.Millisecond)
}

func TestNudgeWakesPollingEarly(t *testing.T) {
	api := &fakeAPI{
		statusFn: func(int) (matchdto.MatchStatusSnapshot, error) {
			return matchdto.MatchStatusSnapshot{Matching: false, RoomID: 5}, nil
		},
		profile: matchdto.Profile{UserID: 1},
	}
	opts := fastOpts()
	opts.PollInterval = time.Hour // only a push hint can trigger the poll
	h := newHarness(t, api, opts)

	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, StatePolling)
	h.orc.Nudge()

	hctx := h.waitHandoff(t)
	if hctx.RoomID != 5 {
		t.Fatalf("handoff room = %d, want 5", hctx.RoomID)
	}
}

func TestJoinExistingSuccess(t *testing.T) {
	now := time.Now()
	sched := now.Add(5 * time.Minute)
	room := matchdto.Room{RoomID: 30, Mode: matchdto.ModeTournament, Status: matchdto.RoomWait, ScheduledAt: &sched, ParticipantCount: 3, Capacity: 8}
	api := &fakeAPI{
		joinRoom:  room,
		joinParts: []matchdto.Participant{{UserID: 1}, {UserID: 2}, {UserID: 3}},
		profile:   matchdto.Profile{UserID: 1},
	}
	h := newHarness(t, api, fastOpts())

	if err := h.orc.JoinExisting(context.Background(), room); err != nil {
		t.Fatalf("JoinExisting: %v", err)
	}
	hctx := h.waitHandoff(t)
	if hctx.RoomID != 30 || len(hctx.Opponents) != 2 {
		t.Fatalf("unexpected handoff: %+v", hctx)
	}
	if api.statusCount() != 0 {
		t.Fatalf("join path must not poll")
	}
}

func TestJoinExistingOutsideWindowRejected(t *testing.T) {
	sched := time.Now().Add(time.Hour)
	room := matchdto.Room{RoomID: 31, Mode: matchdto.ModeDuel, Status: matchdto.RoomWait, ScheduledAt: &sched}
	api := &fakeAPI{}
	h := newHarness(t, api, fastOpts())

	err := h.orc.JoinExisting(context.Background(), room)
	if matchdto.ClassOf(err) != matchdto.ClassEligibility {
		t.Fatalf("expected eligibility error, got %v", err)
	}
	if h.orc.State() != StateIdle {
		t.Fatalf("failed gate must not corrupt state: %s", h.orc.State())
	}
}

func TestJoinExistingGoneRoomSignalsRefresh(t *testing.T) {
	sched := time.Now().Add(-time.Minute)
	room := matchdto.Room{RoomID: 32, Mode: matchdto.ModeDuel, Status: matchdto.RoomWait, ScheduledAt: &sched}
	api := &fakeAPI{joinErr: &matchdto.APIError{Class: matchdto.ClassNotFound, Status: 404, Message: "room gone"}}
	h := newHarness(t, api, fastOpts())

	var staleID int64
	h.orc.OnStaleRoom(func(roomID int64) { staleID = roomID })

	err := h.orc.JoinExisting(context.Background(), room)
	if matchdto.ClassOf(err) != matchdto.ClassNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if staleID != 32 {
		t.Fatalf("stale-room signal not fired, got %d", staleID)
	}
}

func TestRestartAfterTerminalState(t *testing.T) {
	api := &fakeAPI{
		statusFn: func(call int) (matchdto.MatchStatusSnapshot, error) {
			if call == 1 {
				return matchdto.MatchStatusSnapshot{Matching: false, RoomID: 0}, nil
			}
			return matchdto.MatchStatusSnapshot{Matching: false, RoomID: 77}, nil
		},
		profile: matchdto.Profile{UserID: 1},
	}
	h := newHarness(t, api, fastOpts())

	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, StateExpired)

	// explicit restart resets local state and runs a fresh attempt
	if err := h.orc.Start(duelIntent()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	hctx := h.waitHandoff(t)
	if hctx.RoomID != 77 {
		t.Fatalf("handoff room = %d, want 77", hctx.RoomID)
	}
}
