// Package matchlog records terminal orchestration outcomes for the
// platform's history and ranking surfaces. Writes are best effort; the
// orchestrator never blocks on them.
package matchlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Outcome is one finished orchestration attempt.
type Outcome struct {
	MatchID    string
	RoomID     int64
	Mode       string
	Result     string // handed_off | EXPIRED | ERROR
	Message    string
	FinishedAt time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Record upserts an outcome. Join-path outcomes have no backend match id,
// so a surrogate id keeps the conflict key unique.
func (r *Repository) Record(ctx context.Context, o *Outcome) error {
	if r == nil || r.db == nil || o == nil {
		return nil
	}
	if strings.TrimSpace(o.MatchID) == "" {
		o.MatchID = "local-" + uuid.NewString()
	}
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now().UTC()
	}

	q := `INSERT INTO match_outcomes (
	    match_id, room_id, mode, result, message, finished_at
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6
	  ) ON CONFLICT (match_id) DO UPDATE SET
	    room_id=EXCLUDED.room_id,
	    mode=EXCLUDED.mode,
	    result=EXCLUDED.result,
	    message=EXCLUDED.message,
	    finished_at=EXCLUDED.finished_at`
	_, err := r.db.ExecContext(ctx, q,
		o.MatchID, o.RoomID, o.Mode, o.Result, o.Message, o.FinishedAt)
	return err
}

// Recent lists the latest outcomes for display.
func (r *Repository) Recent(ctx context.Context, limit int) ([]Outcome, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT match_id, room_id, mode, result, message, finished_at
		   FROM match_outcomes ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.MatchID, &o.RoomID, &o.Mode, &o.Result, &o.Message, &o.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
