// Package timewindow decides whether a scheduled room may be entered and
// what status it should display, purely from timestamps. No side effects,
// no network; callers supply "now" so results stay deterministic.
package timewindow

import (
	"time"

	"github.com/park285/certbattle-match/pkg/matchdto"
)

// JoinWindow is how long before the scheduled start a WAIT room opens.
const JoinWindow = 10 * time.Minute

// Display is the derived label shown next to a listed room. It depends on
// wall-clock time and must be recomputed on every use, never cached.
type Display string

const (
	DisplayWaiting    Display = "WAITING"
	DisplayJoinable   Display = "JOINABLE"
	DisplayInProgress Display = "IN_PROGRESS"
	DisplayDone       Display = "DONE"
	DisplayCancelled  Display = "CANCELLED"
)

// CanJoin reports whether the room accepts entrants at now. True iff the
// room is in WAIT, now is at or past scheduledAt-JoinWindow (inclusive
// bound), and a capacity-gated room still has a seat. Rooms without a
// schedule (immediate/bot modes) are not joinable through this policy;
// callers must branch on mode first.
func CanJoin(room matchdto.Room, now time.Time) bool {
	if room.Status != matchdto.RoomWait {
		return false
	}
	if room.ScheduledAt == nil {
		return false
	}
	if now.Before(room.ScheduledAt.Add(-JoinWindow)) {
		return false
	}
	if room.Capacity > 0 && room.ParticipantCount >= room.Capacity {
		return false
	}
	return true
}

// DisplayStatus derives the listed label for a room at now.
func DisplayStatus(room matchdto.Room, now time.Time) Display {
	switch room.Status {
	case matchdto.RoomCancelled:
		return DisplayCancelled
	case matchdto.RoomCompleted:
		return DisplayDone
	case matchdto.RoomInProgress:
		return DisplayInProgress
	case matchdto.RoomWait:
		if room.ScheduledAt == nil {
			return DisplayJoinable
		}
		if now.Before(room.ScheduledAt.Add(-JoinWindow)) {
			return DisplayWaiting
		}
		return DisplayJoinable
	default:
		return DisplayWaiting
	}
}
