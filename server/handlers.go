package server

import (
	"context"

	"github.com/onnwee/points-tender/db"
	"github.com/onnwee/points-tender/monitor"
)

// Monitor is the view of the watcher the handlers need.
type Monitor interface {
	Status() monitor.Status
	Healthy() bool
	RequestRestart(reason string) bool
}

// EventSource serves stored session history. Optional.
type EventSource interface {
	RecentEvents(ctx context.Context, channel string, limit int) ([]db.EventRow, error)
	BonusCounts(ctx context.Context) (map[string]int, error)
}

// Pinger checks a dependency for readiness. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	mon    Monitor
	events EventSource
	db     Pinger
}

// NewHandlers creates handlers for mon. events and database may be nil when
// history is not configured.
func NewHandlers(mon Monitor, events EventSource, database Pinger) *Handlers {
	return &Handlers{mon: mon, events: events, db: database}
}
