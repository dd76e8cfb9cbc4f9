package matchdto

import (
	"strings"
	"time"
)

// GameMode selects the contest format for a match.
type GameMode string

const (
	ModeDuel       GameMode = "duel"
	ModeTournament GameMode = "tournament"
	ModeGoldenBell GameMode = "golden_bell"
	ModeBot        GameMode = "bot"
)

func ParseGameMode(s string) GameMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "duel", "1v1":
		return ModeDuel
	case "tournament", "tour":
		return ModeTournament
	case "golden_bell", "goldenbell", "bell":
		return ModeGoldenBell
	case "bot":
		return ModeBot
	default:
		return ""
	}
}

// ExamMode distinguishes written from practical question pools.
type ExamMode string

const (
	ExamWritten   ExamMode = "written"
	ExamPractical ExamMode = "practical"
)

// RoomStatus is the server-owned lifecycle of a contest room.
type RoomStatus string

const (
	RoomWait       RoomStatus = "WAIT"
	RoomInProgress RoomStatus = "IN_PROGRESS"
	RoomCompleted  RoomStatus = "COMPLETED"
	RoomCancelled  RoomStatus = "CANCELLED"
)

// MatchIntent is the user's confirmed desire to be matched. It is built
// once when the user confirms a selection and consumed once by the
// orchestrator; mode-specific scope lives in the optional fields.
type MatchIntent struct {
	Mode     GameMode
	ExamMode ExamMode
	CertID   int64

	// scope: either a category/topic pair or a difficulty level
	Category   string
	TopicID    int64
	Difficulty int
}

func (in MatchIntent) Valid() bool {
	return in.Mode != "" && in.ExamMode != "" && in.CertID > 0
}

// MatchHandle identifies an in-flight match request. A non-zero RoomID
// means the backend resolved the match synchronously (bot matches).
type MatchHandle struct {
	MatchID      string      `json:"match_id"`
	Intent       MatchIntent `json:"intent"`
	RoomID       int64       `json:"room_id,omitempty"`
	WaitingCount int         `json:"waiting_count,omitempty"`
	RequestedAt  time.Time   `json:"requested_at"`
}

// MatchStatusSnapshot is one polled status observation. Snapshots are
// never merged; only the latest one is acted on.
type MatchStatusSnapshot struct {
	Matching     bool
	RoomID       int64
	StartedAt    *time.Time
	WaitingCount int
}

// Room mirrors the server-side contest room. ScheduledAt is nil for
// immediate and bot modes.
type Room struct {
	RoomID           int64
	Mode             GameMode
	ExamMode         ExamMode
	Status           RoomStatus
	ScheduledAt      *time.Time
	ParticipantCount int
	Capacity         int
}

// Participant appears inside room detail responses.
type Participant struct {
	UserID     int64
	Nickname   string
	SkinID     int64
	FinalScore int
	Rank       int
}

// Profile is the authenticated user's identity, fetched separately so the
// orchestrator can tell "me" from the opponents.
type Profile struct {
	UserID   int64
	Nickname string
}

// HandoffContext is the single payload delivered to gameplay when a room
// is ready. Me/Opponents may be empty when room resolution degraded.
type HandoffContext struct {
	RoomID    int64
	Mode      GameMode
	ExamMode  ExamMode
	StartedAt *time.Time
	Me        *Participant
	Opponents []Participant
	Degraded  bool
}
