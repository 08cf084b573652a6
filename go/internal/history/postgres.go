package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/sqlutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS ride_sessions (
    id            UUID PRIMARY KEY,
    host_rider_id UUID NOT NULL,
    host_name     TEXT NOT NULL,
    world_id      TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ride_participants (
    session_id   UUID NOT NULL REFERENCES ride_sessions(id) ON DELETE CASCADE,
    rider_id     UUID NOT NULL,
    display_name TEXT NOT NULL,
    joined_at    TIMESTAMPTZ NOT NULL,
    left_at      TIMESTAMPTZ,
    PRIMARY KEY (session_id, rider_id, joined_at)
);

CREATE TABLE IF NOT EXISTS ride_chat_messages (
    id         UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES ride_sessions(id) ON DELETE CASCADE,
    sender_id  UUID NOT NULL,
    seq        BIGINT NOT NULL,
    text       TEXT NOT NULL,
    sent_at    TIMESTAMPTZ NOT NULL,
    status     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ride_races (
    id              UUID PRIMARY KEY,
    session_id      UUID NOT NULL REFERENCES ride_sessions(id) ON DELETE CASCADE,
    organizer_id    UUID NOT NULL,
    scheduled_start TIMESTAMPTZ NOT NULL,
    course_length   DOUBLE PRECISION NOT NULL,
    status          TEXT NOT NULL,
    results         JSONB NOT NULL
);
`

// PostgresStore writes session histories to Postgres through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and makes sure the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Name() string { return "postgres" }

// Store writes the whole history in one transaction. Storing the same session twice is a no-op.
func (p *PostgresStore) Store(ctx context.Context, h models.SessionHistory) error {
	return sqlutil.Run(ctx, p.pool, func(tx pgx.Tx) error {
		return insertHistory(ctx, tx, h)
	})
}

func insertHistory(ctx context.Context, tx pgx.Tx, h models.SessionHistory) error {
	s := h.Session
	if _, err := tx.Exec(ctx, `
        INSERT INTO ride_sessions (id, host_rider_id, host_name, world_id, created_at, ended_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (id) DO NOTHING
    `, s.ID, s.HostRiderID, s.HostName, s.WorldID, s.CreatedAt, s.EndedAt); err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}

	batch := &pgx.Batch{}
	for _, pt := range h.Participants {
		batch.Queue(`
            INSERT INTO ride_participants (session_id, rider_id, display_name, joined_at, left_at)
            VALUES ($1,$2,$3,$4,$5)
            ON CONFLICT DO NOTHING
        `, s.ID, pt.RiderID, pt.DisplayName, pt.JoinedAt, pt.LeftAt)
	}
	for _, m := range h.Chat {
		batch.Queue(`
            INSERT INTO ride_chat_messages (id, session_id, sender_id, seq, text, sent_at, status)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT (id) DO NOTHING
        `, m.ID, s.ID, m.SenderID, int64(m.Seq), m.Text, m.SentAt, string(m.Status))
	}
	for _, r := range h.Races {
		results, err := raceResults(r)
		if err != nil {
			return err
		}
		batch.Queue(`
            INSERT INTO ride_races (id, session_id, organizer_id, scheduled_start, course_length, status, results)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT (id) DO NOTHING
        `, r.ID, s.ID, r.OrganizerID, r.ScheduledStart, r.CourseLength, string(r.Status), results)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert session %s details: %w", s.ID, err)
	}
	return nil
}

// raceResults flattens the participants of a race into a JSON array ordered like the standings.
func raceResults(r models.RaceEvent) ([]byte, error) {
	type result struct {
		RiderID     string             `json:"rider_id"`
		DisplayName string             `json:"display_name"`
		Status      models.RacerStatus `json:"status"`
		Distance    float64            `json:"distance"`
		ElapsedMS   int64              `json:"elapsed_ms"`
		Rank        *int               `json:"rank,omitempty"`
	}
	out := make([]result, 0, len(r.Participants))
	for _, p := range r.Participants {
		out = append(out, result{
			RiderID:     p.RiderID.String(),
			DisplayName: p.DisplayName,
			Status:      p.Status,
			Distance:    p.Distance,
			ElapsedMS:   p.Elapsed.Milliseconds(),
			Rank:        p.FinishRank,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.Rank != nil && b.Rank != nil:
			return *a.Rank < *b.Rank
		case a.Rank != nil || b.Rank != nil:
			return a.Rank != nil
		case a.Distance != b.Distance:
			return a.Distance > b.Distance
		}
		return a.RiderID < b.RiderID
	})
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal race %s results: %w", r.ID, err)
	}
	return b, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}
