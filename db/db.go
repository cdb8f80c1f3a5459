// Package db provides the optional Postgres history store: connection
// helpers, versioned schema migrations and an asynchronous writer for session
// transitions, bonus claims and restarts.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/points-tender/session"
)

// ErrNoDSN is returned by Connect when no DSN is configured.
var ErrNoDSN = errors.New("no database DSN configured")

// Connect opens a Postgres connection and checks it is reachable.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(4)
	database.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

// Migrate applies the schema. Kept as the single startup entry point.
func Migrate(ctx context.Context, database *sql.DB) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return RunMigrations(database)
}

// record is one queued write.
type record struct {
	event *session.Event
	bonus *bonusRow
}

type bonusRow struct {
	channel    string
	generation uint64
	at         time.Time
}

// EventStore writes session history. Events arrive from the session table
// observer, which runs under the table lock, so Record only enqueues; a single
// goroutine started by Run drains the queue into Postgres.
type EventStore struct {
	DB *sql.DB

	queue   chan record
	dropped int
	mu      sync.Mutex
}

// NewEventStore returns a store with a bounded queue of size n.
func NewEventStore(database *sql.DB, n int) *EventStore {
	if n <= 0 {
		n = 256
	}
	return &EventStore{DB: database, queue: make(chan record, n)}
}

func (s *EventStore) enqueue(r record) {
	select {
	case s.queue <- r:
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		slog.Warn("event queue full; dropping record", slog.Int("dropped_total", dropped), slog.String("component", "db_events"))
	}
}

// Record queues a session transition. It never blocks.
func (s *EventStore) Record(e session.Event) { s.enqueue(record{event: &e}) }

// RecordBonus queues a bonus claim. It never blocks.
func (s *EventStore) RecordBonus(channel string, generation uint64, at time.Time) {
	s.enqueue(record{bonus: &bonusRow{channel: channel, generation: generation, at: at}})
}

// Dropped returns how many records were lost to a full queue.
func (s *EventStore) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (s *EventStore) Run(ctx context.Context) {
	for {
		select {
		case r := <-s.queue:
			s.write(ctx, r)
		case <-ctx.Done():
			for {
				select {
				case r := <-s.queue:
					s.write(ctx, r)
				default:
					return
				}
			}
		}
	}
}

// write stores one record. Each write gets its own deadline and outlives
// cancellation of ctx so the final flush still lands.
func (s *EventStore) write(ctx context.Context, r record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case r.event != nil:
		e := r.event
		_, err = s.DB.ExecContext(ctx,
			`INSERT INTO session_events(channel, generation, from_state, to_state, reason, raid_target, created_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7)`,
			e.Channel, int64(e.Generation), e.From.String(), e.To.String(), e.Reason, e.RaidTarget, timestamp(e.At))
	case r.bonus != nil:
		b := r.bonus
		_, err = s.DB.ExecContext(ctx,
			`INSERT INTO bonus_claims(channel, generation, created_at) VALUES($1,$2,$3)`,
			b.channel, int64(b.generation), timestamp(b.at))
	}
	if err != nil {
		slog.Warn("history write failed", slog.Any("err", err), slog.String("component", "db_events"))
	}
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// RecordRestart stores a restart row synchronously; restarts are rare and
// happen outside the table lock.
func (s *EventStore) RecordRestart(ctx context.Context, runID, reason string, sessionsClosed int) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO restarts(run_id, reason, sessions_closed) VALUES($1,$2,$3)`,
		runID, reason, sessionsClosed)
	if err != nil {
		return fmt.Errorf("insert restart: %w", err)
	}
	return nil
}

// EventRow is a stored session transition.
type EventRow struct {
	ID         int64     `json:"id"`
	Channel    string    `json:"channel"`
	Generation int64     `json:"generation"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	RaidTarget string    `json:"raid_target,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecentEvents returns the newest transitions, optionally for one channel.
func (s *EventStore) RecentEvents(ctx context.Context, channel string, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, channel, generation, from_state, to_state, COALESCE(reason,''), COALESCE(raid_target,''), created_at
		  FROM session_events`
	args := []any{}
	if channel != "" {
		q += ` WHERE channel = $1`
		args = append(args, channel)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.ID, &r.Channel, &r.Generation, &r.From, &r.To, &r.Reason, &r.RaidTarget, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BonusCounts returns the number of stored bonus claims per channel.
func (s *EventStore) BonusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT channel, COUNT(*) FROM bonus_claims GROUP BY channel`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int)
	for rows.Next() {
		var ch string
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, err
		}
		out[ch] = n
	}
	return out, rows.Err()
}
