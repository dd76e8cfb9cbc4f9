// Package orchestrator owns the lifecycle from "user requests a match"
// to "hand off into gameplay": request, poll, room resolution, dwell,
// and the join-by-browsing path. One orchestrator serves one user; a new
// Start supersedes whatever attempt was in flight.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/certbattle-match/internal/matchlog"
	"github.com/park285/certbattle-match/internal/obslog"
	"github.com/park285/certbattle-match/internal/timewindow"
	"github.com/park285/certbattle-match/pkg/matchdto"
)

// State is the client-local orchestration state.
type State string

const (
	StateIdle          State = "IDLE"
	StateRequesting    State = "REQUESTING"
	StatePolling       State = "POLLING"
	StateResolvingRoom State = "RESOLVING_ROOM"
	StateMatched       State = "MATCHED"
	StateHandedOff     State = "HANDED_OFF"
	StateError         State = "ERROR"
	StateExpired       State = "EXPIRED"
)

// API is the backend surface the orchestrator consumes.
type API interface {
	RequestMatch(ctx context.Context, intent matchdto.MatchIntent) (matchdto.MatchHandle, error)
	MatchStatus(ctx context.Context) (matchdto.MatchStatusSnapshot, error)
	RoomState(ctx context.Context, roomID int64) ([]matchdto.Participant, error)
	JoinRoom(ctx context.Context, roomID int64) (matchdto.Room, []matchdto.Participant, error)
	MyProfile(ctx context.Context) (matchdto.Profile, error)
}

// Handoff receives the single navigation event into gameplay.
type Handoff func(matchdto.HandoffContext)

// Event reports a state transition to the owning screen.
type Event struct {
	State        State
	Err          error
	WaitingCount int
	Context      *matchdto.HandoffContext
}

type EventCallback func(Event)

var (
	ErrInvalidIntent   = errors.New("invalid match intent")
	ErrNothingToResume = errors.New("no persisted match handle")
)

// Options tune the polling cadence and the matched dwell. A zero
// PollBudget means poll until the backend answers definitively.
type Options struct {
	PollInterval time.Duration
	MatchedDwell time.Duration
	PollBudget   time.Duration
	Now          func() time.Time
}

func (o *Options) fill() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MatchedDwell < 0 {
		o.MatchedDwell = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Orchestrator struct {
	api     API
	handoff Handoff
	opts    Options

	store      *Store
	sessionKey string
	rec        *matchlog.Repository

	onEvent     EventCallback
	onStaleRoom func(roomID int64)

	nudge chan struct{}

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	handle matchdto.MatchHandle
}

func New(api API, handoff Handoff, opts Options) *Orchestrator {
	opts.fill()
	return &Orchestrator{
		api:     api,
		handoff: handoff,
		opts:    opts,
		state:   StateIdle,
		nudge:   make(chan struct{}, 1),
	}
}

// AttachStore wires handle persistence for Resume, keyed by the session.
func (o *Orchestrator) AttachStore(s *Store, sessionKey string) {
	o.store = s
	o.sessionKey = sessionKey
}

// AttachRecorder wires the outcome repository. Persistence is best
// effort and never blocks a transition.
func (o *Orchestrator) AttachRecorder(r *matchlog.Repository) { o.rec = r }

// OnEvent registers the transition callback. Must be set before Start.
func (o *Orchestrator) OnEvent(cb EventCallback) { o.onEvent = cb }

// OnStaleRoom registers the signal fired when a join hits a room that no
// longer exists, so the room browser can drop the entry.
func (o *Orchestrator) OnStaleRoom(cb func(roomID int64)) { o.onStaleRoom = cb }

// State returns the current orchestration state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start begins a fresh orchestration attempt. An attempt already in
// flight is superseded: its continuations are invalidated before the new
// request is issued, so at most one polling loop ever runs.
func (o *Orchestrator) Start(intent matchdto.MatchIntent) error {
	if !intent.Valid() {
		return ErrInvalidIntent
	}

	o.mu.Lock()
	o.supersedeLocked()
	gen := o.gen
	o.state = StateRequesting
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mu.Unlock()

	o.emit(Event{State: StateRequesting})
	obslog.L().Info("match_request",
		zap.String("mode", string(intent.Mode)),
		zap.Int64("cert_id", intent.CertID),
	)

	go o.run(ctx, gen, intent)
	return nil
}

// Resume picks up a persisted in-flight handle after a client restart
// and re-enters POLLING.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if o.store == nil {
		return ErrNothingToResume
	}
	h, err := o.store.LoadHandle(ctx, o.sessionKey)
	if err != nil {
		return err
	}
	if h == nil {
		return ErrNothingToResume
	}

	o.mu.Lock()
	o.supersedeLocked()
	gen := o.gen
	o.state = StatePolling
	o.handle = *h
	actx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mu.Unlock()

	o.emit(Event{State: StatePolling, WaitingCount: h.WaitingCount})
	obslog.L().Info("match_resume", zap.String("match_id", h.MatchID))

	go o.pollLoop(actx, gen, *h)
	return nil
}

// JoinExisting enters a browsed room, bypassing request/poll. The join
// window policy is checked client-side first; the backend remains the
// authority (403 still comes back as an eligibility error).
func (o *Orchestrator) JoinExisting(ctx context.Context, room matchdto.Room) error {
	if room.ScheduledAt != nil && !timewindow.CanJoin(room, o.opts.Now()) {
		return &matchdto.APIError{Class: matchdto.ClassEligibility, Message: "room is not open yet or full"}
	}

	joined, parts, err := o.api.JoinRoom(ctx, room.RoomID)
	if err != nil {
		if matchdto.ClassOf(err) == matchdto.ClassNotFound && o.onStaleRoom != nil {
			o.onStaleRoom(room.RoomID)
		}
		obslog.L().Warn("join_denied", zap.Int64("room_id", room.RoomID), zap.Error(err))
		return err
	}

	o.mu.Lock()
	o.supersedeLocked()
	gen := o.gen
	o.state = StateResolvingRoom
	actx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mu.Unlock()

	o.emit(Event{State: StateResolvingRoom})
	obslog.L().Info("join_room", zap.Int64("room_id", joined.RoomID), zap.String("mode", string(joined.Mode)))

	go o.resolve(actx, gen, joined.RoomID, joined.Mode, joined.ExamMode, nil, parts)
	return nil
}

// Nudge wakes the polling loop ahead of its next tick, typically off a
// push hint that the match resolved. Coalesces to one pending wake; the
// poll it triggers stays authoritative.
func (o *Orchestrator) Nudge() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

// Cancel tears the current attempt down: the timer goes away and any
// in-flight poll result is discarded when it lands. Safe to call twice.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.supersedeLocked()
	o.state = StateIdle
	o.mu.Unlock()
	o.clearStoredHandle()
}

// supersedeLocked invalidates the current attempt: the generation bump
// is the liveness guard every continuation checks before touching state.
func (o *Orchestrator) supersedeLocked() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.gen++
	o.handle = matchdto.MatchHandle{}
}

// alive reports whether the attempt that captured gen is still current.
func (o *Orchestrator) alive(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, intent matchdto.MatchIntent) {
	handle, err := o.api.RequestMatch(ctx, intent)
	if err != nil {
		o.terminal(gen, StateError, err)
		return
	}

	// synchronous resolution: bot matches never poll and never dwell
	if handle.RoomID != 0 {
		if intent.Mode == matchdto.ModeBot {
			o.handOff(gen, matchdto.HandoffContext{RoomID: handle.RoomID, Mode: intent.Mode, ExamMode: intent.ExamMode})
			return
		}
		if !o.setState(gen, StateResolvingRoom, Event{State: StateResolvingRoom}) {
			return
		}
		o.resolve(ctx, gen, handle.RoomID, intent.Mode, intent.ExamMode, nil, nil)
		return
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.state = StatePolling
	o.handle = handle
	o.mu.Unlock()
	o.emit(Event{State: StatePolling, WaitingCount: handle.WaitingCount})

	if o.store != nil {
		if err := o.store.SaveHandle(ctx, o.sessionKey, handle, o.opts.PollBudget); err != nil {
			obslog.L().Warn("handle_persist_error", zap.String("match_id", handle.MatchID), zap.Error(err))
		}
	}

	o.pollLoop(ctx, gen, handle)
}

func (o *Orchestrator) pollLoop(ctx context.Context, gen uint64, handle matchdto.MatchHandle) {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	// drop any wake left over from a previous attempt
	select {
	case <-o.nudge:
	default:
	}

	var budgetCh <-chan time.Time
	if o.opts.PollBudget > 0 {
		budget := time.NewTimer(o.opts.PollBudget)
		defer budget.Stop()
		budgetCh = budget.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-budgetCh:
			obslog.L().Info("match_poll_budget_exhausted", zap.String("match_id", handle.MatchID))
			o.terminal(gen, StateExpired, &matchdto.APIError{Class: matchdto.ClassExpired, Message: "no opponent found within the polling budget"})
			return
		case <-ticker.C:
		case <-o.nudge:
		}
		if o.pollOnce(ctx, gen, handle) {
			return
		}
	}
}

// pollOnce issues one status poll. Returns true when the loop is done.
func (o *Orchestrator) pollOnce(ctx context.Context, gen uint64, handle matchdto.MatchHandle) bool {
	snap, err := o.api.MatchStatus(ctx)
	if !o.alive(gen) {
		// a slow response from a superseded attempt must not corrupt
		// the newer state
		return true
	}
	if err != nil {
		if matchdto.ClassOf(err) == matchdto.ClassExpired {
			o.terminal(gen, StateExpired, err)
			return true
		}
		// transient: log and keep polling
		obslog.L().Warn("match_poll_error", zap.String("match_id", handle.MatchID), zap.Error(err))
		return false
	}
	if snap.Matching {
		// roomId is not authoritative while matching is true
		o.emit(Event{State: StatePolling, WaitingCount: snap.WaitingCount})
		return false
	}
	if snap.RoomID == 0 {
		o.terminal(gen, StateExpired, &matchdto.APIError{Class: matchdto.ClassExpired, Message: "matching was cancelled or expired"})
		return true
	}
	if !o.setState(gen, StateResolvingRoom, Event{State: StateResolvingRoom}) {
		return true
	}
	obslog.L().Info("match_resolved", zap.String("match_id", handle.MatchID), zap.Int64("room_id", snap.RoomID))
	o.resolve(ctx, gen, snap.RoomID, handle.Intent.Mode, handle.Intent.ExamMode, snap.StartedAt, nil)
	return true
}

// resolve labels "me" vs opponents. A failed detail or profile fetch
// degrades to a minimal context instead of failing the flow: the user
// already won the race for the room.
func (o *Orchestrator) resolve(ctx context.Context, gen uint64, roomID int64, mode matchdto.GameMode, examMode matchdto.ExamMode, startedAt *time.Time, parts []matchdto.Participant) {
	hctx := matchdto.HandoffContext{RoomID: roomID, Mode: mode, ExamMode: examMode, StartedAt: startedAt}

	var err error
	if parts == nil {
		parts, err = o.api.RoomState(ctx, roomID)
	}
	if err == nil {
		var prof matchdto.Profile
		prof, err = o.api.MyProfile(ctx)
		if err == nil {
			for i := range parts {
				if parts[i].UserID == prof.UserID {
					me := parts[i]
					hctx.Me = &me
					continue
				}
				hctx.Opponents = append(hctx.Opponents, parts[i])
			}
		}
	}
	if err != nil {
		hctx.Degraded = true
		hctx.Me = nil
		hctx.Opponents = nil
		obslog.L().Warn("room_resolve_degraded", zap.Int64("room_id", roomID), zap.Error(err))
	}

	if !o.alive(gen) {
		return
	}
	o.matched(ctx, gen, hctx)
}

// matched shows "opponent found" for the dwell, then hands off. The
// dwell is a cancellable wait, never a blocking sleep past teardown.
func (o *Orchestrator) matched(ctx context.Context, gen uint64, hctx matchdto.HandoffContext) {
	if !o.setState(gen, StateMatched, Event{State: StateMatched, Context: &hctx}) {
		return
	}
	if o.opts.MatchedDwell > 0 {
		t := time.NewTimer(o.opts.MatchedDwell)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	o.handOff(gen, hctx)
}

// handOff is the single terminal success transition; the guard on state
// makes the gameplay callback fire at most once per attempt.
func (o *Orchestrator) handOff(gen uint64, hctx matchdto.HandoffContext) {
	o.mu.Lock()
	if o.gen != gen || o.state == StateHandedOff {
		o.mu.Unlock()
		return
	}
	o.state = StateHandedOff
	o.cancel = nil
	matchID := o.handle.MatchID
	o.mu.Unlock()

	o.clearStoredHandle()
	o.emit(Event{State: StateHandedOff, Context: &hctx})
	obslog.L().Info("match_handoff",
		zap.Int64("room_id", hctx.RoomID),
		zap.String("mode", string(hctx.Mode)),
		zap.Bool("degraded", hctx.Degraded),
	)
	if o.handoff != nil {
		o.handoff(hctx)
	}
	o.record(matchID, hctx.RoomID, string(hctx.Mode), "handed_off", "")
}

// terminal applies ERROR or EXPIRED. Nothing is retried automatically
// past this point; the user must restart explicitly.
func (o *Orchestrator) terminal(gen uint64, state State, err error) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.state = state
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	matchID := o.handle.MatchID
	mode := string(o.handle.Intent.Mode)
	o.mu.Unlock()

	o.clearStoredHandle()
	o.emit(Event{State: state, Err: err})
	obslog.L().Info("match_terminal",
		zap.String("state", string(state)),
		zap.String("match_id", matchID),
		zap.Error(err),
	)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.record(matchID, 0, mode, string(state), msg)
}

// setState transitions if the attempt is still current.
func (o *Orchestrator) setState(gen uint64, state State, ev Event) bool {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false
	}
	o.state = state
	o.mu.Unlock()
	o.emit(ev)
	return true
}

func (o *Orchestrator) emit(ev Event) {
	if o.onEvent != nil {
		o.onEvent(ev)
	}
}

func (o *Orchestrator) clearStoredHandle() {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.store.ClearHandle(ctx, o.sessionKey); err != nil {
		obslog.L().Warn("handle_clear_error", zap.Error(err))
	}
}

func (o *Orchestrator) record(matchID string, roomID int64, mode, result, message string) {
	if o.rec == nil {
		return
	}
	out := matchlog.Outcome{
		MatchID:    matchID,
		RoomID:     roomID,
		Mode:       mode,
		Result:     result,
		Message:    message,
		FinishedAt: o.opts.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.rec.Record(ctx, &out); err != nil {
			obslog.L().Error("outcome_persist_error", zap.String("match_id", matchID), zap.Error(err))
		}
	}()
}
