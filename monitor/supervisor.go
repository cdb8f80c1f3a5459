package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/points-tender/browser"
	"github.com/onnwee/points-tender/session"
	"github.com/onnwee/points-tender/telemetry"
)

// Restart reasons.
const (
	RestartInterval    = "interval"
	RestartFatal       = "fatal"
	RestartErrorBudget = "error_budget"
	RestartRequested   = "requested"
)

// ErrNoBrowser is returned while the supervisor has no live browser context.
var ErrNoBrowser = errors.New("browser not running")

// RestartRecorder persists restart records. Optional.
type RestartRecorder interface {
	RecordRestart(ctx context.Context, runID, reason string, sessionsClosed int) error
}

// Supervisor owns the browser context. A restart closes every session, tears
// the driver down, launches a fresh one and reconciles from nothing.
type Supervisor struct {
	Launcher   browser.Launcher
	Table      *session.Table
	Cooldown   *session.Cooldown
	Reconciler *Reconciler
	// NewMachine builds the per-context state machine around a fresh driver.
	NewMachine func(browser.Driver) *session.Machine
	Recorder   RestartRecorder
	Now        func() time.Time

	generation atomic.Uint64

	mu          sync.RWMutex
	driver      browser.Driver
	machine     *session.Machine
	runID       string
	lastRestart time.Time
	lastReason  string
	restarts    int

	reqMu     sync.Mutex
	pending   string
	interrupt context.CancelFunc
	wake      chan struct{}
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start launches the first browser context and opens the initial sessions.
// Any error here is fatal to the process.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.Reconciler != nil && s.Reconciler.Releaser == nil {
		s.Reconciler.Releaser = s
	}
	return s.rebuild(ctx, "start")
}

// Restart tears down the current context and builds a new one. Sessions of
// the old generation are closed first; results they still produce are
// discarded by Table.Commit. When the relaunch fails the supervisor is left
// without a browser and the error is returned for the caller to retry.
func (s *Supervisor) Restart(ctx context.Context, reason string) error {
	start := time.Now()
	gen := s.generation.Add(1)
	closed := s.Table.Reset(gen, session.ReasonRestart, s.now())

	s.mu.Lock()
	old, oldMachine := s.driver, s.machine
	s.driver, s.machine = nil, nil
	s.mu.Unlock()

	if oldMachine != nil {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		for _, sess := range closed {
			// Pages die with the browser anyway; presence still needs a depart.
			_ = oldMachine.Release(relCtx, sess)
		}
		cancel()
	}
	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("browser close failed", slog.Any("err", err))
		}
	}
	s.Cooldown.Clear()

	err := s.rebuild(ctx, reason)
	telemetry.RecordRestart(reason, time.Since(start))

	s.mu.RLock()
	runID := s.runID
	s.mu.RUnlock()
	if s.Recorder != nil {
		if rerr := s.Recorder.RecordRestart(ctx, runID, reason, len(closed)); rerr != nil {
			slog.Warn("restart record failed", slog.Any("err", rerr))
		}
	}
	if err != nil {
		return err
	}
	slog.Info("browser restarted", slog.String("reason", reason), slog.String("run_id", runID), slog.Int("sessions_closed", len(closed)), slog.Duration("took", time.Since(start)))
	return nil
}

// rebuild launches a driver, installs a machine and reconciles.
func (s *Supervisor) rebuild(ctx context.Context, reason string) (err error) {
	runID := uuid.New().String()
	ctx = telemetry.WithCorrelation(ctx, runID)

	gen := s.generation.Load()
	if gen == 0 {
		gen = s.generation.Add(1)
	}
	ctx, span := telemetry.StartSpan(ctx, "supervisor", "rebuild", telemetry.GenerationAttr(gen), attribute.String("reason", reason))
	defer func() { telemetry.EndSpan(span, err) }()
	s.Table.Advance(gen)
	telemetry.SetGeneration(gen)

	d, err := s.Launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	m := s.NewMachine(d)

	s.mu.Lock()
	s.driver = d
	s.machine = m
	s.runID = runID
	s.lastRestart = s.now()
	s.lastReason = reason
	if reason != "start" {
		s.restarts++
	}
	s.mu.Unlock()

	if s.Reconciler != nil {
		res, err := s.Reconciler.Reconcile(ctx, s.now())
		if err != nil {
			return fmt.Errorf("initial reconcile: %w", err)
		}
		telemetry.LoggerWithCorr(ctx).Info("browser context ready", slog.Uint64("generation", gen), slog.Int("opened", len(res.Opened)), slog.Int("skipped", len(res.Skipped)))
	}
	return nil
}

// Release frees a session through the current machine. Sessions from a torn
// down context have nothing left to free.
func (s *Supervisor) Release(ctx context.Context, sess session.Session) error {
	m := s.Machine()
	if m == nil {
		return nil
	}
	return m.Release(ctx, sess)
}

// Machine returns the state machine for the live context, or nil.
func (s *Supervisor) Machine() *session.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine
}

// Generation returns the current restart generation.
func (s *Supervisor) Generation() uint64 { return s.generation.Load() }

// Healthy reports whether a browser context is up.
func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.driver != nil
}

// RequestRestart asks the loop for a restart out of band. Work in flight is
// abandoned: its context is cancelled and its results belong to a generation
// that no longer matches. Returns false if a request is already pending.
func (s *Supervisor) RequestRestart(reason string) bool {
	s.reqMu.Lock()
	if s.pending != "" {
		s.reqMu.Unlock()
		return false
	}
	s.pending = reason
	cancel := s.interrupt
	wake := s.wakeLocked()
	s.reqMu.Unlock()

	s.Table.Advance(s.generation.Add(1))
	if cancel != nil {
		cancel()
	}
	select {
	case wake <- struct{}{}:
	default:
	}
	return true
}

// Wake is signalled when a restart is requested.
func (s *Supervisor) Wake() <-chan struct{} {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return s.wakeLocked()
}

func (s *Supervisor) wakeLocked() chan struct{} {
	if s.wake == nil {
		s.wake = make(chan struct{}, 1)
	}
	return s.wake
}

// takePending returns and clears the pending restart reason.
func (s *Supervisor) takePending() string {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	r := s.pending
	s.pending = ""
	return r
}

// setInterrupt registers the cancel func of the work currently in flight.
func (s *Supervisor) setInterrupt(cancel context.CancelFunc) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.interrupt = cancel
}

// Shutdown closes every session and the browser.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	gen := s.generation.Add(1)
	closed := s.Table.Reset(gen, session.ReasonShutdown, s.now())

	s.mu.Lock()
	d, m := s.driver, s.machine
	s.driver, s.machine = nil, nil
	s.mu.Unlock()

	if m != nil {
		for _, sess := range closed {
			_ = m.Release(ctx, sess)
		}
	}
	if d == nil {
		return nil
	}
	if err := d.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	slog.Info("browser closed", slog.Int("sessions_closed", len(closed)))
	return nil
}

// Status is a point-in-time view of the watcher.
type Status struct {
	Healthy           bool              `json:"healthy"`
	Generation        uint64            `json:"generation"`
	RunID             string            `json:"run_id"`
	Restarts          int               `json:"restarts"`
	LastRestart       time.Time         `json:"last_restart"`
	LastRestartReason string            `json:"last_restart_reason"`
	NextRestart       time.Time         `json:"next_restart,omitempty"`
	Channels          []string          `json:"channels"`
	Sessions          []session.Session `json:"sessions"`
	Cooldowns         []session.Entry   `json:"cooldowns"`
	RaidHints         map[string]string `json:"raid_hints,omitempty"`
}

// Status reports the supervisor's view; NextRestart is filled by the scheduler.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		Healthy:           s.driver != nil,
		RunID:             s.runID,
		Restarts:          s.restarts,
		LastRestart:       s.lastRestart,
		LastRestartReason: s.lastReason,
	}
	s.mu.RUnlock()
	st.Generation = s.generation.Load()
	st.Sessions = s.Table.Snapshot()
	st.Cooldowns = s.Cooldown.Snapshot(s.now())
	if s.Reconciler != nil {
		st.Channels = s.Reconciler.LastDesired()
		st.RaidHints = s.Reconciler.RaidHints()
	}
	return st
}
