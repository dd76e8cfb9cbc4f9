package matchapi

import (
	"fmt"
	"time"

	"github.com/park285/certbattle-match/pkg/matchdto"
)

// Wire payloads. The backend is loosely typed (optional fields, nullable
// ids), so everything is validated here into the strict matchdto types
// before it crosses into the orchestrator.

type matchRequestBody struct {
	Mode       string `json:"mode"`
	CertID     int64  `json:"certId"`
	ExamMode   string `json:"examMode"`
	Category   string `json:"category,omitempty"`
	TopicID    *int64 `json:"topicId,omitempty"`
	Difficulty *int   `json:"difficulty,omitempty"`
}

type matchRequestResp struct {
	MatchID      string `json:"matchId"`
	RoomID       *int64 `json:"roomId"`
	WaitingCount *int   `json:"waitingCount"`
}

type matchStatusResp struct {
	Matching     *bool   `json:"matching"`
	RoomID       *int64  `json:"roomId"`
	StartedAt    *string `json:"startedAt"`
	WaitingCount *int    `json:"waitingCount"`
}

type roomResp struct {
	RoomID           *int64  `json:"roomId"`
	Mode             string  `json:"mode"`
	ExamMode         string  `json:"examMode"`
	Status           string  `json:"status"`
	ScheduledAt      *string `json:"scheduledAt"`
	ParticipantCount int     `json:"participantCount"`
	Capacity         int     `json:"capacity"`
}

type participantResp struct {
	UserID     *int64 `json:"userId"`
	Nickname   string `json:"nickname"`
	SkinID     int64  `json:"skinId"`
	FinalScore int    `json:"finalScore"`
	Rank       int    `json:"rank"`
}

type roomDetailResp struct {
	Detail struct {
		Participants []participantResp `json:"participants"`
	} `json:"detail"`
}

type joinRoomResp struct {
	Room         *roomResp         `json:"room"`
	Participants []participantResp `json:"participants"`
}

type createRoomBody struct {
	Mode         string  `json:"mode"`
	ExamMode     string  `json:"examMode"`
	Difficulty   *int    `json:"difficulty,omitempty"`
	ScheduledAt  *string `json:"scheduledAt,omitempty"`
	Participants []int64 `json:"participants,omitempty"`
}

type profileResp struct {
	UserID   *int64 `json:"userId"`
	Nickname string `json:"nickname"`
}

// CreateRoomSpec describes a scheduled room to create. ScheduledAt is
// serialized as ISO-8601 UTC on the wire.
type CreateRoomSpec struct {
	Mode         matchdto.GameMode
	ExamMode     matchdto.ExamMode
	Difficulty   int
	ScheduledAt  *time.Time
	Participants []int64
}

func malformed(format string, args ...any) error {
	return &matchdto.APIError{Class: matchdto.ClassMalformed, Message: fmt.Sprintf(format, args...)}
}

func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, malformed("bad timestamp %q: %v", s, err)
	}
	return t.UTC(), nil
}

func (r *matchStatusResp) toSnapshot() (matchdto.MatchStatusSnapshot, error) {
	var snap matchdto.MatchStatusSnapshot
	if r.Matching == nil {
		return snap, malformed("status poll missing 'matching'")
	}
	snap.Matching = *r.Matching
	if r.RoomID != nil {
		snap.RoomID = *r.RoomID
	}
	if r.StartedAt != nil && *r.StartedAt != "" {
		ts, err := parseInstant(*r.StartedAt)
		if err != nil {
			return snap, err
		}
		snap.StartedAt = &ts
	}
	if r.WaitingCount != nil {
		snap.WaitingCount = *r.WaitingCount
	}
	return snap, nil
}

func (r *roomResp) toRoom() (matchdto.Room, error) {
	var room matchdto.Room
	if r.RoomID == nil || *r.RoomID <= 0 {
		return room, malformed("room without id")
	}
	mode := matchdto.ParseGameMode(r.Mode)
	if mode == "" {
		return room, malformed("room %d: unknown mode %q", *r.RoomID, r.Mode)
	}
	switch matchdto.RoomStatus(r.Status) {
	case matchdto.RoomWait, matchdto.RoomInProgress, matchdto.RoomCompleted, matchdto.RoomCancelled:
	default:
		return room, malformed("room %d: unknown status %q", *r.RoomID, r.Status)
	}
	room.RoomID = *r.RoomID
	room.Mode = mode
	room.ExamMode = matchdto.ExamMode(r.ExamMode)
	room.Status = matchdto.RoomStatus(r.Status)
	room.ParticipantCount = r.ParticipantCount
	room.Capacity = r.Capacity
	if r.ScheduledAt != nil && *r.ScheduledAt != "" {
		ts, err := parseInstant(*r.ScheduledAt)
		if err != nil {
			return room, err
		}
		room.ScheduledAt = &ts
	}
	return room, nil
}

func (p *participantResp) toParticipant() (matchdto.Participant, error) {
	if p.UserID == nil || *p.UserID <= 0 {
		return matchdto.Participant{}, malformed("participant without user id")
	}
	return matchdto.Participant{
		UserID:     *p.UserID,
		Nickname:   p.Nickname,
		SkinID:     p.SkinID,
		FinalScore: p.FinalScore,
		Rank:       p.Rank,
	}, nil
}

func toParticipants(raw []participantResp) ([]matchdto.Participant, error) {
	out := make([]matchdto.Participant, 0, len(raw))
	for i := range raw {
		p, err := raw[i].toParticipant()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
