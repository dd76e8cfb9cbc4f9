// Package matchapi is the thin client for the match/room backend. It
// validates the backend's loosely-typed JSON at the boundary and returns
// classified errors instead of raw transport failures.
package matchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/park285/certbattle-match/pkg/matchdto"
)

// HeaderProvider allows injecting per-request headers (session identity).
type HeaderProvider func() map[string]string

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestMatch submits a match intent. A handle with a non-zero RoomID
// means the backend resolved synchronously (bot matches skip polling).
func (c *Client) RequestMatch(ctx context.Context, intent matchdto.MatchIntent) (matchdto.MatchHandle, error) {
	var handle matchdto.MatchHandle
	if !intent.Valid() {
		return handle, malformed("incomplete match intent")
	}
	body := matchRequestBody{
		Mode:     string(intent.Mode),
		CertID:   intent.CertID,
		ExamMode: string(intent.ExamMode),
		Category: intent.Category,
	}
	if intent.TopicID > 0 {
		body.TopicID = &intent.TopicID
	}
	if intent.Difficulty > 0 {
		body.Difficulty = &intent.Difficulty
	}
	var resp matchRequestResp
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/match/request", body, &resp, false); err != nil {
		return handle, err
	}
	if strings.TrimSpace(resp.MatchID) == "" && resp.RoomID == nil {
		return handle, malformed("match request returned neither matchId nor roomId")
	}
	handle.MatchID = resp.MatchID
	handle.Intent = intent
	handle.RequestedAt = time.Now().UTC()
	if resp.RoomID != nil {
		handle.RoomID = *resp.RoomID
	}
	if resp.WaitingCount != nil {
		handle.WaitingCount = *resp.WaitingCount
	}
	return handle, nil
}

// MatchStatus polls the caller's current match. The backend keys it by
// session, so no handle crosses the wire. Definitive 400/404 answers come
// back classified as expired.
func (c *Client) MatchStatus(ctx context.Context) (matchdto.MatchStatusSnapshot, error) {
	var raw matchStatusResp
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/match/status", nil, &raw, true); err != nil {
		return matchdto.MatchStatusSnapshot{}, asExpired(err)
	}
	return raw.toSnapshot()
}

// RoomState fetches the participant list of a room.
func (c *Client) RoomState(ctx context.Context, roomID int64) ([]matchdto.Participant, error) {
	var raw roomDetailResp
	path := "/rooms/" + strconv.FormatInt(roomID, 10)
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &raw, true); err != nil {
		return nil, err
	}
	return toParticipants(raw.Detail.Participants)
}

// JoinRoom attempts entry into an existing room.
func (c *Client) JoinRoom(ctx context.Context, roomID int64) (matchdto.Room, []matchdto.Participant, error) {
	var raw joinRoomResp
	path := "/rooms/" + strconv.FormatInt(roomID, 10) + "/join"
	if err := c.doJSON(ctx, fasthttp.MethodPost, path, nil, &raw, false); err != nil {
		return matchdto.Room{}, nil, err
	}
	if raw.Room == nil {
		return matchdto.Room{}, nil, malformed("join response without room")
	}
	room, err := raw.Room.toRoom()
	if err != nil {
		return matchdto.Room{}, nil, err
	}
	parts, err := toParticipants(raw.Participants)
	if err != nil {
		return matchdto.Room{}, nil, err
	}
	return room, parts, nil
}

// CreateScheduledRoom creates a scheduled room.
func (c *Client) CreateScheduledRoom(ctx context.Context, spec CreateRoomSpec) (matchdto.Room, []matchdto.Participant, error) {
	body := createRoomBody{
		Mode:         string(spec.Mode),
		ExamMode:     string(spec.ExamMode),
		Participants: spec.Participants,
	}
	if spec.Difficulty > 0 {
		body.Difficulty = &spec.Difficulty
	}
	if spec.ScheduledAt != nil {
		s := spec.ScheduledAt.UTC().Format(time.RFC3339)
		body.ScheduledAt = &s
	}
	var raw joinRoomResp
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/rooms", body, &raw, false); err != nil {
		return matchdto.Room{}, nil, err
	}
	if raw.Room == nil {
		return matchdto.Room{}, nil, malformed("create response without room")
	}
	room, err := raw.Room.toRoom()
	if err != nil {
		return matchdto.Room{}, nil, err
	}
	parts, err := toParticipants(raw.Participants)
	if err != nil {
		return matchdto.Room{}, nil, err
	}
	return room, parts, nil
}

// ListRooms lists rooms by mode and filter ("scheduled" or "waiting").
// Malformed entries are skipped rather than failing the whole list.
func (c *Client) ListRooms(ctx context.Context, mode matchdto.GameMode, filter string) ([]matchdto.Room, error) {
	var raw []roomResp
	path := fmt.Sprintf("/rooms?mode=%s&filter=%s", string(mode), strings.TrimSpace(filter))
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &raw, true); err != nil {
		return nil, err
	}
	rooms := make([]matchdto.Room, 0, len(raw))
	for i := range raw {
		room, err := raw[i].toRoom()
		if err != nil {
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// MyProfile fetches the authenticated user's identity.
func (c *Client) MyProfile(ctx context.Context) (matchdto.Profile, error) {
	var raw profileResp
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/profile/me", nil, &raw, true); err != nil {
		return matchdto.Profile{}, err
	}
	if raw.UserID == nil || *raw.UserID <= 0 {
		return matchdto.Profile{}, malformed("profile without user id")
	}
	return matchdto.Profile{UserID: *raw.UserID, Nickname: raw.Nickname}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			lastErr = &matchdto.APIError{Class: matchdto.ClassTransient, Message: err.Error()}
			if attempt == attempts || !retry {
				return lastErr
			}
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			serr := statusError(status, resp.Body())
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return serr
			}
			lastErr = serr
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return malformed("decode response: %v", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
