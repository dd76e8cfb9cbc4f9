package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/certbattle-match/pkg/matchdto"
)

// Store persists the in-flight match handle so a restarted client can
// resume polling instead of stranding a server-side match. Entries are
// TTL-bound; a handle that outlives the poll budget self-expires.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyHandle(sessionKey string) string {
	return "match:handle:" + strings.TrimSpace(sessionKey)
}

func (s *Store) SaveHandle(ctx context.Context, sessionKey string, h matchdto.MatchHandle, ttl time.Duration) error {
	if s == nil || s.rdb == nil || strings.TrimSpace(sessionKey) == "" {
		return nil
	}
	raw, err := json.Marshal(&h)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.rdb.Set(ctx, s.keyHandle(sessionKey), raw, ttl).Err()
}

func (s *Store) LoadHandle(ctx context.Context, sessionKey string) (*matchdto.MatchHandle, error) {
	if s == nil || s.rdb == nil || strings.TrimSpace(sessionKey) == "" {
		return nil, nil
	}
	raw, err := s.rdb.Get(ctx, s.keyHandle(sessionKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h matchdto.MatchHandle
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Store) ClearHandle(ctx context.Context, sessionKey string) error {
	if s == nil || s.rdb == nil || strings.TrimSpace(sessionKey) == "" {
		return nil
	}
	return s.rdb.Del(ctx, s.keyHandle(sessionKey)).Err()
}
