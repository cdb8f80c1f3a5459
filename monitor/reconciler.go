// Package monitor runs the watcher: the reconciler keeps the session table in
// line with the desired channel set, the scheduler drives probe, refresh and
// restart timers from a single loop, and the supervisor owns the browser
// context and rebuilds everything from scratch on restart.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/points-tender/config"
	"github.com/onnwee/points-tender/session"
	"github.com/onnwee/points-tender/telemetry"
)

// LiveGate is an optional out-of-band liveness source. Channels it reports
// offline are not opened on this pass, so with a gate configured a desired
// channel that is offline has no session at all: it never enters Offline and
// never exhausts the offline budget or cools down. It is opened on the first
// refresh after the gate reports it live. A gate error opens every candidate.
type LiveGate interface {
	LiveChannels(ctx context.Context, channels []string) (map[string]bool, error)
}

// Releaser frees the resources of a session that left the table.
type Releaser interface {
	Release(ctx context.Context, s session.Session) error
}

// ReconcileResult summarises one reconcile pass.
type ReconcileResult struct {
	Desired []string
	Opened  []string
	Closed  []string
	// Skipped lists desired channels left closed because they are cooling
	// down or the live gate reported them offline.
	Skipped []string
}

// Reconciler compares the desired channel set with the session table.
type Reconciler struct {
	Table    *session.Table
	Cooldown *session.Cooldown
	Source   config.ChannelSource
	Gate     LiveGate
	Releaser Releaser

	mu      sync.Mutex
	desired []string
	raids   map[string]string
}

// Desired reads the channel source. When the source fails the last good set
// is returned together with the error; with no last good set the error alone.
func (r *Reconciler) Desired(ctx context.Context) ([]string, error) {
	chans, err := r.Source.Channels(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		return append([]string(nil), r.desired...), err
	}
	r.desired = append([]string(nil), chans...)
	return chans, nil
}

// Reconcile opens sessions for desired channels that have none and closes
// sessions for channels no longer desired.
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time) (ReconcileResult, error) {
	desired, err := r.Desired(ctx)
	if err != nil {
		if len(desired) == 0 {
			return ReconcileResult{}, err
		}
		slog.Warn("channel list refresh failed; keeping previous list", slog.Any("err", err), slog.Int("channels", len(desired)))
	}
	telemetry.RecordReconcile()

	res := ReconcileResult{Desired: desired}
	want := make(map[string]bool, len(desired))
	var candidates []string
	for _, name := range desired {
		want[name] = true
		if r.Table.Has(name) {
			continue
		}
		if r.Cooldown.Active(name, now) {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		candidates = append(candidates, name)
	}

	live := r.gate(ctx, candidates)
	for _, name := range candidates {
		if live != nil && !live[name] {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		if _, created := r.Table.Open(name, now); created {
			res.Opened = append(res.Opened, name)
			slog.Info("channel session opened", slog.String("channel", name))
		}
	}

	for _, name := range r.Table.Names() {
		if want[name] {
			continue
		}
		s, ok := r.Table.Close(name, session.ReasonRemoved, now)
		if !ok {
			continue
		}
		res.Closed = append(res.Closed, name)
		slog.Info("channel removed from list; session closed", slog.String("channel", name))
		if r.Releaser != nil {
			if err := r.Releaser.Release(ctx, s); err != nil {
				slog.Warn("release failed", slog.String("channel", name), slog.Any("err", err))
			}
		}
	}
	return res, nil
}

// gate returns the live set for candidates, or nil when no gate is
// configured or it failed.
func (r *Reconciler) gate(ctx context.Context, candidates []string) map[string]bool {
	if r.Gate == nil || len(candidates) == 0 {
		return nil
	}
	live, err := r.Gate.LiveChannels(ctx, candidates)
	if err != nil {
		slog.Warn("live gate failed; opening all candidates", slog.Any("err", err))
		return nil
	}
	return live
}

// NoteRaid records that channel raided target. The target is a hint for
// operators only and is never opened automatically.
func (r *Reconciler) NoteRaid(channel, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.raids == nil {
		r.raids = make(map[string]string)
	}
	r.raids[channel] = target
}

// RaidHints returns the last raid target seen per channel.
func (r *Reconciler) RaidHints() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.raids))
	for k, v := range r.raids {
		out[k] = v
	}
	return out
}

// LastDesired returns the most recent successfully read channel set, sorted.
func (r *Reconciler) LastDesired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.desired...)
	sort.Strings(out)
	return out
}
