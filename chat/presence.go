// Package chat keeps an anonymous Twitch IRC connection joined to every
// watched channel. It is a second, page-independent signal for whether the
// account shows up in a channel's chat, reported next to the viewer-list check.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// ircClient is the subset of *twitch.Client used here.
type ircClient interface {
	Join(channels ...string)
	Depart(channel string)
	Userlist(channel string) ([]string, error)
	Connect() error
	Disconnect() error
}

// chatterTTL is how long a PRIVMSG counts as presence.
const chatterTTL = 15 * time.Minute

// Presence tracks channel membership over IRC. Join and Depart are safe to
// call before Run.
type Presence struct {
	client ircClient
	now    func() time.Time

	mu       sync.Mutex
	joined   map[string]bool
	chatters map[string]map[string]time.Time
}

// NewPresence returns a Presence backed by an anonymous (read-only) client.
func NewPresence() *Presence {
	c := twitch.NewAnonymousClient()
	p := newPresence(c)
	c.OnConnect(p.onConnect)
	c.OnPrivateMessage(func(m twitch.PrivateMessage) {
		p.seen(m.Channel, m.User.Name)
	})
	return p
}

func newPresence(c ircClient) *Presence {
	return &Presence{
		client:   c,
		now:      time.Now,
		joined:   make(map[string]bool),
		chatters: make(map[string]map[string]time.Time),
	}
}

// Run connects and blocks until ctx is cancelled. Reconnects are handled by
// the IRC client itself.
func (p *Presence) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- p.client.Connect() }()

	select {
	case <-ctx.Done():
		if err := p.client.Disconnect(); err != nil {
			slog.Debug("irc disconnect", slog.Any("err", err), slog.String("component", "chat_presence"))
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, twitch.ErrClientDisconnected) {
			return nil
		}
		return err
	}
}

// onConnect only logs; the IRC client rejoins its channels on reconnect.
func (p *Presence) onConnect() {
	slog.Info("irc presence connected", slog.Int("channels", p.Joined()), slog.String("component", "chat_presence"))
}

// Join starts tracking channel.
func (p *Presence) Join(channel string) {
	channel = strings.ToLower(channel)
	p.mu.Lock()
	if p.joined[channel] {
		p.mu.Unlock()
		return
	}
	p.joined[channel] = true
	p.mu.Unlock()
	p.client.Join(channel)
}

// Depart stops tracking channel and forgets its chatters.
func (p *Presence) Depart(channel string) {
	channel = strings.ToLower(channel)
	p.mu.Lock()
	if !p.joined[channel] {
		p.mu.Unlock()
		return
	}
	delete(p.joined, channel)
	delete(p.chatters, channel)
	p.mu.Unlock()
	p.client.Depart(channel)
}

// Joined returns the number of tracked channels.
func (p *Presence) Joined() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.joined)
}

func (p *Presence) seen(channel, user string) {
	channel = strings.ToLower(channel)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.joined[channel] {
		return
	}
	m := p.chatters[channel]
	if m == nil {
		m = make(map[string]time.Time)
		p.chatters[channel] = m
	}
	m[strings.ToLower(user)] = p.now()
}

// IsPresent reports whether username is in channel's IRC user list or has
// chatted there recently.
func (p *Presence) IsPresent(channel, username string) (bool, error) {
	channel = strings.ToLower(channel)
	username = strings.ToLower(username)

	p.mu.Lock()
	joined := p.joined[channel]
	at, chatted := p.chatters[channel][username]
	p.mu.Unlock()
	if !joined {
		return false, nil
	}
	if chatted && p.now().Sub(at) < chatterTTL {
		return true, nil
	}

	users, err := p.client.Userlist(channel)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if strings.EqualFold(u, username) {
			return true, nil
		}
	}
	return false, nil
}
