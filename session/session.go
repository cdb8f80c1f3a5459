// Package session holds the per-channel watching state machine.
//
// A Session is one open tab for one channel. Machine.Evaluate drives the
// browser for a single tick and returns a Transition; Table.Commit applies
// that transition under the table lock, discarding results that belong to an
// older restart generation. Evaluate never holds the table lock, so
// independent sessions may be evaluated concurrently.
package session

import (
	"fmt"
	"time"

	"github.com/onnwee/points-tender/browser"
)

// State is the lifecycle position of a session.
type State int

const (
	Opening State = iota
	Watching
	Offline
	Raided
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "OPENING"
	case Watching:
		return "WATCHING"
	case Offline:
		return "OFFLINE"
	case Raided:
		return "RAIDED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Close reasons recorded on a session when it reaches Closed.
const (
	ReasonNavigationFailed = "navigation_failed"
	ReasonOfflineExhausted = "offline_exhausted"
	ReasonRaided           = "raided"
	ReasonRemoved          = "removed"
	ReasonUnresponsive     = "unresponsive"
	ReasonRestart          = "restart"
	ReasonShutdown         = "shutdown"
)

// Session is the tracking record for one channel tab.
type Session struct {
	ID         uint64             `json:"id"`
	Name       string             `json:"channel"`
	Page       browser.PageHandle `json:"page,omitempty"`
	State      State              `json:"state"`
	Generation uint64             `json:"generation"`

	OpenedAt      time.Time `json:"opened_at,omitempty"`
	LastProbe     time.Time `json:"last_probe,omitempty"`
	OfflineSince  time.Time `json:"offline_since,omitempty"`
	ChatCheckedAt time.Time `json:"chat_checked_at,omitempty"`

	RetryCount     int `json:"retry_count"`
	OpenAttempts   int `json:"open_attempts"`
	BonusesClaimed int `json:"bonuses_claimed"`

	RaidTarget string `json:"raid_target,omitempty"`
	Reason     string `json:"reason,omitempty"`
	InChat     *bool  `json:"in_chat,omitempty"`
}

// Transition is the outcome of evaluating one session for one tick.
type Transition struct {
	From State
	// PrevPage is the handle the session held when evaluation began.
	PrevPage     browser.PageHandle
	Next         Session
	BonusClaimed bool
}

// Changed reports whether the tick moved the session to another state.
func (t Transition) Changed() bool { return t.From != t.Next.State }

// OpenedPage returns the handle this evaluation opened, if any. Only that
// handle belongs to the transition; PrevPage stays with the table entry.
func (t Transition) OpenedPage() browser.PageHandle {
	if t.Next.Page != "" && t.Next.Page != t.PrevPage {
		return t.Next.Page
	}
	return ""
}

// Event describes one state change, for logging, metrics and the event store.
type Event struct {
	Channel    string
	Generation uint64
	From       State
	To         State
	Reason     string
	RaidTarget string
	At         time.Time
}
