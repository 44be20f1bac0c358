// Package history persists a one-row summary of each finished dial group.
//
// The coordinator itself is ephemeral (groups age out of the store by TTL);
// this recorder is the adapter for the external call-history collaborator.
// Recording is best-effort and must never affect coordination.
package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"parallel-dialer/internal/dialgroup"
)

// Schema (managed externally):
//
//	CREATE TABLE IF NOT EXISTS dial_group_history (
//	    group_id        TEXT PRIMARY KEY,
//	    queue_id        TEXT NOT NULL,
//	    user_id         TEXT NOT NULL,
//	    status          TEXT NOT NULL,
//	    winner_leg_id   TEXT,
//	    leg_count       INT NOT NULL,
//	    answered_by_human BOOLEAN NOT NULL,
//	    started_at      TIMESTAMPTZ NOT NULL,
//	    recorded_at     TIMESTAMPTZ NOT NULL
//	);

type Recorder struct {
	db *sql.DB

	Now func() time.Time
}

func NewRecorder(db *sql.DB) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("history: db is nil")
	}
	return &Recorder{db: db, Now: time.Now}, nil
}

// RecordOutcome inserts the group summary. Duplicate recordings (terminate
// racing the final status callback) are absorbed by the primary key.
func (r *Recorder) RecordOutcome(ctx context.Context, g *dialgroup.DialGroup) error {
	if g == nil || g.GroupID == "" {
		return errors.New("history: group required")
	}

	var winner any
	if g.WinnerLegID != "" {
		winner = g.WinnerLegID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dial_group_history
			(group_id, queue_id, user_id, status, winner_leg_id, leg_count, answered_by_human, started_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (group_id) DO NOTHING`,
		g.GroupID,
		g.QueueID,
		g.UserID,
		string(g.Status),
		winner,
		len(g.Legs),
		g.WinnerLegID != "",
		g.CreatedAt,
		r.Now(),
	)
	return err
}
