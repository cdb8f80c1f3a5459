package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/points-tender/browser"
	"github.com/onnwee/points-tender/probe"
)

// Policy bounds the state machine.
type Policy struct {
	// OfflineBudget is how long an Offline session may wait for the stream
	// to come back before it is closed.
	OfflineBudget   time.Duration
	MaxOpenAttempts int
	// MaxProbeRetries is how many consecutive transient probe failures a
	// session survives.
	MaxProbeRetries int
	// TabDwell is how long each tick stays on a live tab.
	TabDwell          time.Duration
	ChatCheckInterval time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		OfflineBudget:     10 * time.Minute,
		MaxOpenAttempts:   3,
		MaxProbeRetries:   5,
		TabDwell:          30 * time.Second,
		ChatCheckInterval: 10 * time.Minute,
	}
}

// Presence is a secondary chat-presence signal, independent of the page.
type Presence interface {
	Join(channel string)
	Depart(channel string)
	IsPresent(channel, username string) (bool, error)
}

// Machine evaluates sessions against one browser context.
type Machine struct {
	Driver   browser.Driver
	Probe    probe.Probe
	BaseURL  string
	Username string
	Policy   Policy
	Presence Presence
}

// Evaluate runs one tick of browser work for s and returns the resulting
// transition. s is a copy; nothing is written back until Table.Commit.
//
// Transient probe failures leave the state unchanged and bump RetryCount; the
// error is still returned so the caller can count failures per tick. Fatal
// driver errors are returned as-is.
func (m *Machine) Evaluate(ctx context.Context, s Session, now time.Time) (Transition, error) {
	tr := Transition{From: s.State, PrevPage: s.Page, Next: s}
	next := &tr.Next
	next.LastProbe = now

	var err error
	switch s.State {
	case Opening:
		err = m.evalOpening(ctx, next, now)
	case Watching:
		err = m.evalWatching(ctx, &tr, now)
	case Offline:
		err = m.evalOffline(ctx, next, now)
	case Raided:
		next.State = Closed
		next.Reason = ReasonRaided
	case Closed:
	}
	if err == nil {
		return tr, nil
	}
	if browser.IsFatal(err) {
		return tr, err
	}

	next.State = s.State
	next.RetryCount++
	if m.Policy.MaxProbeRetries > 0 && next.RetryCount > m.Policy.MaxProbeRetries {
		next.State = Closed
		next.Reason = ReasonUnresponsive
	}
	return tr, err
}

func (m *Machine) evalOpening(ctx context.Context, next *Session, now time.Time) error {
	if next.Page == "" {
		url := probe.ChannelURL(m.BaseURL, next.Name)
		h, err := m.Driver.OpenPage(ctx, url)
		if err != nil {
			if browser.IsFatal(err) {
				return err
			}
			next.OpenAttempts++
			next.Reason = err.Error()
			slog.Warn("channel open failed", slog.String("channel", next.Name), slog.Int("attempt", next.OpenAttempts), slog.Any("err", err))
			if m.Policy.MaxOpenAttempts > 0 && next.OpenAttempts >= m.Policy.MaxOpenAttempts {
				next.State = Closed
				next.Reason = fmt.Sprintf("%s: %v", ReasonNavigationFailed, err)
			}
			return nil
		}
		next.Page = h
		next.OpenedAt = now
		next.Reason = ""
	}

	live, err := m.Probe.IsLive(ctx, next.Page)
	if err != nil {
		return err
	}
	if live {
		m.enterWatching(next)
		return nil
	}
	next.State = Offline
	next.OfflineSince = now
	return nil
}

func (m *Machine) enterWatching(next *Session) {
	next.State = Watching
	next.OfflineSince = time.Time{}
	next.RetryCount = 0
	next.Reason = ""
	if m.Presence != nil {
		m.Presence.Join(next.Name)
	}
}

func (m *Machine) evalWatching(ctx context.Context, tr *Transition, now time.Time) error {
	next := &tr.Next
	// Raid first: a raiding channel can still look live for a moment.
	target, raided, err := m.Probe.RaidTarget(ctx, next.Page, next.Name)
	if err != nil {
		return err
	}
	if raided {
		next.State = Raided
		next.RaidTarget = target
		next.Reason = ReasonRaided
		return nil
	}

	live, err := m.Probe.IsLive(ctx, next.Page)
	if err != nil {
		return err
	}
	if !live {
		next.State = Offline
		next.OfflineSince = now
		return nil
	}
	next.RetryCount = 0

	if err := m.Probe.KeepAlive(ctx, next.Page); err != nil {
		if browser.IsFatal(err) {
			return err
		}
		slog.Debug("keep-alive failed", slog.String("channel", next.Name), slog.Any("err", err))
	}

	claimed, err := m.Probe.ClaimBonus(ctx, next.Page)
	if err != nil {
		if browser.IsFatal(err) {
			return err
		}
		slog.Warn("bonus claim failed", slog.String("channel", next.Name), slog.Any("err", err))
	}
	if claimed {
		next.BonusesClaimed++
		tr.BonusClaimed = true
		slog.Info("bonus claimed", slog.String("channel", next.Name), slog.Int("total", next.BonusesClaimed))
	}

	if err := dwell(ctx, m.Policy.TabDwell); err != nil {
		// Shutdown or restart while parked on the tab; nothing to undo.
		return nil
	}

	if m.chatCheckDue(*next, now) {
		return m.checkChat(ctx, next, now)
	}
	return nil
}

func (m *Machine) chatCheckDue(s Session, now time.Time) bool {
	if m.Username == "" {
		return false
	}
	return s.ChatCheckedAt.IsZero() || now.Sub(s.ChatCheckedAt) >= m.Policy.ChatCheckInterval
}

// checkChat records the chat-list diagnostic. It never changes state.
func (m *Machine) checkChat(ctx context.Context, next *Session, now time.Time) error {
	next.ChatCheckedAt = now
	in, err := m.Probe.IsUserInChatList(ctx, next.Page, m.Username)
	if err != nil {
		if browser.IsFatal(err) {
			return err
		}
		slog.Warn("chat list check failed", slog.String("channel", next.Name), slog.Any("err", err))
		return nil
	}
	next.InChat = &in
	attrs := []any{slog.String("channel", next.Name), slog.String("user", m.Username), slog.Bool("in_chat", in)}
	if m.Presence != nil {
		if present, perr := m.Presence.IsPresent(next.Name, m.Username); perr == nil {
			attrs = append(attrs, slog.Bool("irc_present", present))
		}
	}
	slog.Info("chat presence", attrs...)
	return nil
}

func (m *Machine) evalOffline(ctx context.Context, next *Session, now time.Time) error {
	live, err := m.Probe.IsLive(ctx, next.Page)
	if err != nil {
		return err
	}
	if live {
		m.enterWatching(next)
		return nil
	}
	if next.OfflineSince.IsZero() {
		next.OfflineSince = now
	}
	if now.Sub(next.OfflineSince) > m.Policy.OfflineBudget {
		next.State = Closed
		next.Reason = ReasonOfflineExhausted
	}
	return nil
}

// Release frees everything a closed session still holds.
func (m *Machine) Release(ctx context.Context, s Session) error {
	if m.Presence != nil {
		m.Presence.Depart(s.Name)
	}
	if s.Page == "" {
		return nil
	}
	if err := m.Driver.ClosePage(ctx, s.Page); err != nil {
		return fmt.Errorf("close page for %s: %w", s.Name, err)
	}
	return nil
}

func dwell(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTransient reports whether err from Evaluate only counts against the
// tick's error budget.
func IsTransient(err error) bool {
	return err != nil && !browser.IsFatal(err) && !errors.Is(err, context.Canceled)
}
