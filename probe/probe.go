// Package probe answers questions about one open channel page: is the stream
// live, has the channel raided elsewhere, is a bonus waiting, is the
// configured user in the chat list. Probes read the page through
// browser.Driver and never touch session state.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/points-tender/browser"
)

// DefaultBaseURL is the platform root that channel pages live under.
const DefaultBaseURL = "https://www.twitch.tv"

// Probe is the read side of a channel page.
type Probe interface {
	IsLive(ctx context.Context, page browser.PageHandle) (bool, error)
	RaidTarget(ctx context.Context, page browser.PageHandle, channel string) (string, bool, error)
	BonusAvailable(ctx context.Context, page browser.PageHandle) (bool, error)
	ClaimBonus(ctx context.Context, page browser.PageHandle) (bool, error)
	IsUserInChatList(ctx context.Context, page browser.PageHandle, username string) (bool, error)
	KeepAlive(ctx context.Context, page browser.PageHandle) error
}

// Selectors locate the page elements the probes look at.
type Selectors struct {
	Video           string
	OfflineChatTab  string
	RaidBanner      string
	BonusButton     string
	CommunityButton string
	ChatFilterInput string
	ChatViewerList  string
	BackToChat      string
	CloseButton     string
}

// DefaultSelectors returns the selectors for the current Twitch channel page.
func DefaultSelectors() Selectors {
	return Selectors{
		Video:           "video",
		OfflineChatTab:  "[role='tablist'] [role='tab'][data-a-target='channel-home-tab-Chat']",
		RaidBanner:      "[data-test-selector='raid-banner'] a[href]",
		BonusButton:     "button[aria-label='Claim Bonus']",
		CommunityButton: "button[aria-label='Community']",
		ChatFilterInput: "input[placeholder*='Filter']",
		ChatViewerList:  "[data-test-selector='chat-viewers-list']",
		BackToChat:      "button[aria-label='Go back to Chat']",
		CloseButton:     "button[aria-label='Close']",
	}
}

// volumeScript keeps the player audible but quiet; a muted player does not
// count as watching.
const volumeScript = `() => {
	const video = document.querySelector('video');
	if (video && (video.volume !== 0.01 || video.muted)) {
		video.volume = 0.01;
		video.muted = false;
	}
}`

// DOMProbe implements Probe by reading the DOM through a browser.Driver.
type DOMProbe struct {
	Driver    browser.Driver
	Selectors Selectors
	BaseURL   string
	// Settle is how long to wait for the community panel to react to a
	// click or a filter keystroke.
	Settle time.Duration
}

// NewDOMProbe returns a DOMProbe with default selectors.
func NewDOMProbe(d browser.Driver, baseURL string) *DOMProbe {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &DOMProbe{
		Driver:    d,
		Selectors: DefaultSelectors(),
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Settle:    time.Second,
	}
}

// ChannelURL returns the page address for a channel.
func ChannelURL(baseURL, channel string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/") + "/" + channel
}

// IsLive reports whether the stream is playing. The offline channel home shows
// a "Chat" tab; a live page always carries a video element.
func (p *DOMProbe) IsLive(ctx context.Context, page browser.PageHandle) (bool, error) {
	if !p.Driver.IsResponsive(ctx, page) {
		return false, &browser.ProbeError{Op: "is_live", Err: browser.ErrUnresponsive}
	}
	_, offline, err := p.Driver.QueryText(ctx, page, p.Selectors.OfflineChatTab)
	if err != nil {
		return false, err
	}
	if offline {
		return false, nil
	}
	_, hasVideo, err := p.Driver.QueryText(ctx, page, p.Selectors.Video)
	if err != nil {
		return false, err
	}
	return hasVideo, nil
}

// RaidTarget returns the channel this page was redirected to. A raid shows a
// banner linking to the target and, once it completes, moves the tab to the
// target's URL; either signal counts.
func (p *DOMProbe) RaidTarget(ctx context.Context, page browser.PageHandle, channel string) (string, bool, error) {
	href, ok, err := p.Driver.QueryAttribute(ctx, page, p.Selectors.RaidBanner, "href")
	if err != nil {
		return "", false, err
	}
	if ok {
		if target := channelFromPath(href); target != "" && !strings.EqualFold(target, channel) {
			return target, true, nil
		}
	}

	current, err := p.Driver.URL(ctx, page)
	if err != nil {
		return "", false, err
	}
	if target, moved := p.movedAway(current, channel); moved {
		return target, true, nil
	}
	return "", false, nil
}

// movedAway reports whether current no longer points at channel's page.
// Sub-pages and query strings of the channel itself do not count.
func (p *DOMProbe) movedAway(current, channel string) (string, bool) {
	u, err := url.Parse(current)
	if err != nil || u.Host == "" {
		return "", false
	}
	base, err := url.Parse(p.BaseURL)
	if err == nil && base.Host != "" && !strings.EqualFold(u.Host, base.Host) {
		return current, true
	}
	first := channelFromPath(u.Path)
	if first == "" || strings.EqualFold(first, channel) {
		return "", false
	}
	return first, true
}

// channelFromPath extracts the first path segment of an absolute or relative
// link, lower-cased.
func channelFromPath(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			return strings.ToLower(seg)
		}
	}
	return ""
}

// BonusAvailable reports whether the claim button is on the page.
func (p *DOMProbe) BonusAvailable(ctx context.Context, page browser.PageHandle) (bool, error) {
	_, ok, err := p.Driver.QueryText(ctx, page, p.Selectors.BonusButton)
	return ok, err
}

// ClaimBonus clicks the bonus button if there is one. It is a no-op when no
// bonus is showing. A click target that vanished between lookup and click is
// left for the next tick.
func (p *DOMProbe) ClaimBonus(ctx context.Context, page browser.PageHandle) (bool, error) {
	ok, err := p.BonusAvailable(ctx, page)
	if err != nil || !ok {
		return false, err
	}
	clicked, err := p.Driver.Click(ctx, page, p.Selectors.BonusButton)
	if err != nil {
		if errors.Is(err, browser.ErrStaleElement) {
			slog.Debug("bonus button went stale before click", slog.String("page", string(page)))
			return false, nil
		}
		return false, err
	}
	return clicked, nil
}

// IsUserInChatList opens the community panel, filters it for username and
// reports whether the user shows up. The panel is closed again before
// returning, whatever the outcome.
func (p *DOMProbe) IsUserInChatList(ctx context.Context, page browser.PageHandle, username string) (found bool, err error) {
	if username == "" {
		return false, nil
	}
	opened, err := p.Driver.Click(ctx, page, p.Selectors.CommunityButton)
	if err != nil {
		return false, err
	}
	if !opened {
		return false, &browser.ProbeError{Op: "chat_list", Selector: p.Selectors.CommunityButton, Err: errors.New("community button not found")}
	}
	defer func() {
		if cerr := p.closeCommunity(ctx, page); cerr != nil && err == nil {
			slog.Warn("could not close community panel", slog.String("page", string(page)), slog.Any("err", cerr))
		}
	}()

	if err := sleepCtx(ctx, p.Settle); err != nil {
		return false, err
	}
	typed, err := p.Driver.Type(ctx, page, p.Selectors.ChatFilterInput, username)
	if err != nil {
		return false, err
	}
	if typed {
		if err := sleepCtx(ctx, p.Settle); err != nil {
			return false, err
		}
	} else {
		slog.Debug("chat filter input missing; checking visible list only", slog.String("page", string(page)))
	}

	text, ok, err := p.Driver.QueryText(ctx, page, p.Selectors.ChatViewerList)
	if err != nil || !ok {
		return false, err
	}
	return containsUser(text, username), nil
}

func (p *DOMProbe) closeCommunity(ctx context.Context, page browser.PageHandle) error {
	for _, sel := range []string{p.Selectors.BackToChat, p.Selectors.CloseButton, p.Selectors.CommunityButton} {
		clicked, err := p.Driver.Click(ctx, page, sel)
		if err != nil {
			return err
		}
		if clicked {
			return nil
		}
	}
	return fmt.Errorf("no control closes the community panel")
}

// containsUser matches username against whitespace separated entries of a
// rendered viewer list, ignoring case.
func containsUser(list, username string) bool {
	for _, name := range strings.Fields(list) {
		if strings.EqualFold(name, username) {
			return true
		}
	}
	return false
}

// KeepAlive brings the tab to the front and enforces the player volume.
func (p *DOMProbe) KeepAlive(ctx context.Context, page browser.PageHandle) error {
	if err := p.Driver.Activate(ctx, page); err != nil {
		return err
	}
	return p.Driver.Eval(ctx, page, volumeScript)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
