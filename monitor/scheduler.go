package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/points-tender/browser"
	"github.com/onnwee/points-tender/session"
	"github.com/onnwee/points-tender/telemetry"
)

// ErrTickErrorBudget is returned by a probe tick whose transient failures
// exceeded the configured budget.
var ErrTickErrorBudget = errors.New("tick error budget exhausted")

// Timers are the three independent periods the loop drives.
type Timers struct {
	Probe   time.Duration
	Refresh time.Duration
	Restart time.Duration
}

// Fired reports which timers one RunOnce call acted on.
type Fired struct {
	Restart       bool
	RestartReason string
	Refresh       bool
	Probe         bool
}

// Scheduler is the main loop. Each iteration handles at most one restart,
// one refresh and one probe tick, in that priority order.
type Scheduler struct {
	Supervisor *Supervisor
	Timers     Timers
	// Concurrency bounds how many sessions are probed at once; 1 or less
	// probes sequentially.
	Concurrency int
	// ErrorBudget is how many transient failures one tick may absorb; a tick
	// with more escalates to a restart. 0 disables escalation.
	ErrorBudget int
	// RetryDelay is how long to wait before retrying a failed relaunch.
	RetryDelay time.Duration
	// OnBonus, when set, is told about every committed bonus claim.
	OnBonus func(channel string, generation uint64, at time.Time)
	Now     func() time.Time

	mu          sync.Mutex
	nextProbe   time.Time
	nextRefresh time.Time
	nextRestart time.Time
	escalate    string
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) retryDelay() time.Duration {
	if s.RetryDelay > 0 {
		return s.RetryDelay
	}
	return 30 * time.Second
}

// RunOnce performs whatever work is due at now.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (Fired, error) {
	var fired Fired
	s.mu.Lock()
	if s.nextRestart.IsZero() {
		s.nextProbe = now
		s.nextRefresh = now.Add(s.Timers.Refresh)
		s.nextRestart = now.Add(s.Timers.Restart)
	}
	reason := s.escalate
	s.escalate = ""
	restartDue := !now.Before(s.nextRestart)
	s.mu.Unlock()

	if r := s.Supervisor.takePending(); r != "" {
		reason = r
	}
	if reason == "" && restartDue {
		reason = RestartInterval
	}
	if reason == "" && !s.Supervisor.Healthy() {
		return fired, ErrNoBrowser
	}

	if reason != "" {
		fired.Restart, fired.RestartReason = true, reason
		err := s.Supervisor.Restart(ctx, reason)
		s.mu.Lock()
		if err != nil {
			s.nextRestart = now.Add(s.retryDelay())
			s.mu.Unlock()
			slog.Error("restart failed; will retry", slog.String("reason", reason), slog.Any("err", err), slog.Duration("retry_in", s.retryDelay()))
			return fired, err
		}
		s.nextRestart = now.Add(s.Timers.Restart)
		// The restart reconciled from scratch; probe the new sessions now.
		s.nextRefresh = now.Add(s.Timers.Refresh)
		s.nextProbe = now
		s.mu.Unlock()
	}

	s.mu.Lock()
	refreshDue := !now.Before(s.nextRefresh)
	if refreshDue {
		s.nextRefresh = now.Add(s.Timers.Refresh)
	}
	probeDue := !now.Before(s.nextProbe)
	s.mu.Unlock()

	if refreshDue {
		fired.Refresh = true
		if _, err := s.Supervisor.Reconciler.Reconcile(ctx, now); err != nil {
			slog.Warn("channel refresh failed", slog.Any("err", err))
		}
	}

	if probeDue {
		fired.Probe = true
		err := s.Tick(ctx)
		s.mu.Lock()
		s.nextProbe = s.now().Add(s.Timers.Probe)
		switch {
		case err == nil:
		case errors.Is(err, ErrTickErrorBudget):
			s.escalate = RestartErrorBudget
		case browser.IsFatal(err):
			s.escalate = RestartFatal
		}
		s.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fired, err
		}
	}
	return fired, nil
}

// Tick evaluates every session once and commits the results. A fatal driver
// error cancels the remaining evaluations and is returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	sup := s.Supervisor
	m := sup.Machine()
	if m == nil {
		return ErrNoBrowser
	}
	tickCtx, cancel := context.WithCancel(ctx)
	sup.setInterrupt(cancel)
	defer func() {
		sup.setInterrupt(nil)
		cancel()
	}()

	tickCtx, span := telemetry.StartSpan(tickCtx, "scheduler", "tick", telemetry.GenerationAttr(sup.Generation()))
	sessions := sup.Table.Snapshot()
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(tickCtx)
	g.SetLimit(limit)

	var failures atomic.Int32
	for _, sess := range sessions {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			tr, err := m.Evaluate(gctx, sess, s.now())
			if err != nil && browser.IsFatal(err) {
				telemetry.RecordProbe("fatal")
				slog.Error("browser failure during probe", slog.String("channel", sess.Name), slog.Any("err", err))
				return err
			}
			if session.IsTransient(err) {
				failures.Add(1)
				telemetry.RecordProbe("transient")
				slog.Warn("probe failed", slog.String("channel", sess.Name), slog.Int("retry", tr.Next.RetryCount), slog.Any("err", err))
			} else if err == nil {
				telemetry.RecordProbe("ok")
			}
			s.commit(gctx, m, tr)
			return nil
		})
	}
	var err error
	telemetry.TimeFunc(telemetry.TickDuration, func() { err = g.Wait() })
	s.publishGauges()

	if n := int(failures.Load()); err == nil && s.ErrorBudget > 0 && n > s.ErrorBudget {
		err = fmt.Errorf("%w: %d failures", ErrTickErrorBudget, n)
	}
	telemetry.EndSpan(span, err)
	return err
}

// commit applies one evaluation to the table and frees whatever the table
// handed back.
func (s *Scheduler) commit(ctx context.Context, m *session.Machine, tr session.Transition) {
	sup := s.Supervisor
	next, res := sup.Table.Commit(tr)
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch res {
	case session.Discarded:
		// A page opened by this evaluation has no owner now. A page the
		// session already held still belongs to the table entry and is
		// released by Reset or Close.
		if h := tr.OpenedPage(); h != "" {
			if err := m.Driver.ClosePage(relCtx, h); err != nil {
				slog.Warn("release failed", slog.String("channel", next.Name), slog.Any("err", err))
			}
		}
		slog.Debug("stale result discarded", slog.String("channel", next.Name), slog.Uint64("generation", next.Generation))
	case session.Applied:
		s.bonus(next, tr)
	case session.Removed:
		s.bonus(next, tr)
		if err := m.Release(relCtx, next); err != nil {
			slog.Warn("release failed", slog.String("channel", next.Name), slog.Any("err", err))
		}
		switch {
		case next.Reason == session.ReasonOfflineExhausted:
			until := sup.Cooldown.Add(next.Name, s.now())
			telemetry.RecordCooled()
			slog.Info("channel offline too long; cooling down", slog.String("channel", next.Name), slog.Time("until", until))
		case next.RaidTarget != "":
			sup.Reconciler.NoteRaid(next.Name, next.RaidTarget)
			telemetry.RecordRaidNotFollowed()
			slog.Info("channel raided; target not followed", slog.String("channel", next.Name), slog.String("target", next.RaidTarget))
		default:
			slog.Info("session closed", slog.String("channel", next.Name), slog.String("reason", next.Reason))
		}
	}
}

func (s *Scheduler) bonus(next session.Session, tr session.Transition) {
	if !tr.BonusClaimed {
		return
	}
	telemetry.RecordBonus(next.Name)
	if s.OnBonus != nil {
		s.OnBonus(next.Name, next.Generation, s.now())
	}
}

func (s *Scheduler) publishGauges() {
	counts := make(map[string]int)
	for _, sess := range s.Supervisor.Table.Snapshot() {
		counts[sess.State.String()]++
	}
	telemetry.SetSessionCounts(counts, []string{
		session.Opening.String(), session.Watching.String(), session.Offline.String(),
	})
	telemetry.SetCooldowns(len(s.Supervisor.Cooldown.Snapshot(s.now())))
	telemetry.SetGeneration(s.Supervisor.Generation())
}

// nextDue returns the earliest pending deadline.
func (s *Scheduler) nextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escalate != "" {
		return time.Time{}
	}
	if !s.Supervisor.Healthy() {
		return s.nextRestart
	}
	next := s.nextProbe
	for _, t := range []time.Time{s.nextRefresh, s.nextRestart} {
		if t.Before(next) {
			next = t
		}
	}
	return next
}

// Run drives RunOnce until ctx is cancelled, then shuts the supervisor down.
func (s *Scheduler) Run(ctx context.Context) error {
	wake := s.Supervisor.Wake()
	for {
		if _, err := s.RunOnce(ctx, s.now()); err != nil && ctx.Err() == nil {
			slog.Debug("loop iteration error", slog.Any("err", err))
		}
		wait := time.Until(s.nextDue())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			err := s.Supervisor.Shutdown(shutCtx)
			cancel()
			return err
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// NextRestart returns when the next scheduled restart is due.
func (s *Scheduler) NextRestart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRestart
}

// Status extends the supervisor view with scheduling state.
func (s *Scheduler) Status() Status {
	st := s.Supervisor.Status()
	st.NextRestart = s.NextRestart()
	return st
}

// Healthy reports whether a browser context is up.
func (s *Scheduler) Healthy() bool { return s.Supervisor.Healthy() }

// RequestRestart forwards an operator restart request.
func (s *Scheduler) RequestRestart(reason string) bool { return s.Supervisor.RequestRestart(reason) }
