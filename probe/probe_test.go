package probe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/onnwee/points-tender/browser"
	"github.com/onnwee/points-tender/testutil"
)

const base = "https://www.twitch.tv"

func openPage(t *testing.T, channel string, setup func(*testutil.FakePage)) (*testutil.FakeDriver, *DOMProbe, browser.PageHandle) {
	t.Helper()
	d := testutil.NewFakeDriver()
	if setup != nil {
		d.Stage(ChannelURL(base, channel), setup)
	}
	h, err := d.OpenPage(context.Background(), ChannelURL(base, channel))
	if err != nil {
		t.Fatalf("OpenPage() error: %v", err)
	}
	p := NewDOMProbe(d, base)
	p.Settle = 0
	return d, p, h
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base, channel, want string
	}{
		{"", "alice", "https://www.twitch.tv/alice"},
		{"https://www.twitch.tv/", "bob", "https://www.twitch.tv/bob"},
		{"http://localhost:9000", "carol", "http://localhost:9000/carol"},
	}
	for _, tt := range tests {
		if got := ChannelURL(tt.base, tt.channel); got != tt.want {
			t.Errorf("ChannelURL(%q, %q) = %q, want %q", tt.base, tt.channel, got, tt.want)
		}
	}
}

func TestIsLive(t *testing.T) {
	sel := DefaultSelectors()
	tests := []struct {
		name    string
		setup   func(*testutil.FakePage)
		want    bool
		wantErr error
	}{
		{"video present", func(p *testutil.FakePage) { p.Set(sel.Video, "") }, true, nil},
		{"offline chat tab", func(p *testutil.FakePage) { p.Set(sel.OfflineChatTab, "Chat") }, false, nil},
		{"offline tab wins over stale video", func(p *testutil.FakePage) {
			p.Set(sel.Video, "")
			p.Set(sel.OfflineChatTab, "Chat")
		}, false, nil},
		{"blank page", nil, false, nil},
		{"unresponsive", func(p *testutil.FakePage) { p.SetUnresponsive(true) }, false, browser.ErrUnresponsive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p, h := openPage(t, "alice", tt.setup)
			got, err := p.IsLive(context.Background(), h)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("IsLive() error = %v, want %v", err, tt.wantErr)
				}
				if browser.IsFatal(err) {
					t.Error("unresponsive page classified as fatal")
				}
				return
			}
			if err != nil {
				t.Fatalf("IsLive() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsLive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRaidTarget(t *testing.T) {
	sel := DefaultSelectors()
	tests := []struct {
		name       string
		setup      func(*testutil.FakePage)
		wantTarget string
		wantRaided bool
	}{
		{"no raid", nil, "", false},
		{"banner link", func(p *testutil.FakePage) { p.SetAttr(sel.RaidBanner, "href", "/Carol") }, "carol", true},
		{"banner to self ignored", func(p *testutil.FakePage) { p.SetAttr(sel.RaidBanner, "href", "/alice") }, "", false},
		{"url moved", func(p *testutil.FakePage) { p.SetURL(base + "/dave?referrer=raid") }, "dave", true},
		{"sub page of self", func(p *testutil.FakePage) { p.SetURL(base + "/alice/videos") }, "", false},
		{"query on self", func(p *testutil.FakePage) { p.SetURL(base + "/alice?x=1") }, "", false},
		{"different host", func(p *testutil.FakePage) { p.SetURL("https://example.com/promo") }, "https://example.com/promo", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p, h := openPage(t, "alice", tt.setup)
			target, raided, err := p.RaidTarget(context.Background(), h, "alice")
			if err != nil {
				t.Fatalf("RaidTarget() error: %v", err)
			}
			if raided != tt.wantRaided || target != tt.wantTarget {
				t.Errorf("RaidTarget() = (%q, %v), want (%q, %v)", target, raided, tt.wantTarget, tt.wantRaided)
			}
		})
	}
}

func TestClaimBonusIdempotent(t *testing.T) {
	sel := DefaultSelectors()
	d, p, h := openPage(t, "alice", func(fp *testutil.FakePage) {
		fp.Set(sel.BonusButton, "")
		fp.OnClick(sel.BonusButton, func(fp *testutil.FakePage) { fp.Remove(sel.BonusButton) })
	})

	claimed, err := p.ClaimBonus(context.Background(), h)
	if err != nil || !claimed {
		t.Fatalf("first ClaimBonus() = (%v, %v), want (true, nil)", claimed, err)
	}
	claimed, err = p.ClaimBonus(context.Background(), h)
	if err != nil || claimed {
		t.Fatalf("second ClaimBonus() = (%v, %v), want (false, nil)", claimed, err)
	}
	if n := d.Clicks(sel.BonusButton); n != 1 {
		t.Errorf("bonus clicks = %d, want 1", n)
	}
}

func TestClaimBonusStaleElement(t *testing.T) {
	sel := DefaultSelectors()
	d, p, h := openPage(t, "alice", func(fp *testutil.FakePage) {
		fp.Set(sel.BonusButton, "")
		fp.MarkStale(sel.BonusButton)
	})

	claimed, err := p.ClaimBonus(context.Background(), h)
	if err != nil || claimed {
		t.Fatalf("stale ClaimBonus() = (%v, %v), want (false, nil)", claimed, err)
	}
	claimed, err = p.ClaimBonus(context.Background(), h)
	if err != nil || !claimed {
		t.Fatalf("retry ClaimBonus() = (%v, %v), want (true, nil)", claimed, err)
	}
	if n := d.Clicks(sel.BonusButton); n != 1 {
		t.Errorf("bonus clicks = %d, want 1", n)
	}
}

func TestIsUserInChatList(t *testing.T) {
	sel := DefaultSelectors()
	withPanel := func(list string, filter bool) func(*testutil.FakePage) {
		return func(fp *testutil.FakePage) {
			fp.Set(sel.CommunityButton, "")
			fp.OnClick(sel.CommunityButton, func(fp *testutil.FakePage) {
				fp.Set(sel.ChatViewerList, list)
				fp.Set(sel.BackToChat, "")
				if filter {
					fp.Set(sel.ChatFilterInput, "")
				}
			})
			fp.OnClick(sel.BackToChat, func(fp *testutil.FakePage) {
				fp.Remove(sel.ChatViewerList)
				fp.Remove(sel.BackToChat)
				fp.Remove(sel.ChatFilterInput)
			})
			fp.OnType(sel.ChatFilterInput, func(fp *testutil.FakePage, text string) {
				var kept []string
				for _, name := range strings.Fields(list) {
					if strings.Contains(strings.ToLower(name), strings.ToLower(text)) {
						kept = append(kept, name)
					}
				}
				fp.Set(sel.ChatViewerList, strings.Join(kept, " "))
			})
		}
	}

	tests := []struct {
		name  string
		setup func(*testutil.FakePage)
		user  string
		want  bool
	}{
		{"present after filter", withPanel("Viewer someone_else", true), "viewer", true},
		{"absent", withPanel("someone_else other", true), "viewer", false},
		{"prefix does not match", withPanel("viewer123", true), "viewer", false},
		{"no filter input", withPanel("mod Viewer", false), "viewer", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, p, h := openPage(t, "alice", tt.setup)
			got, err := p.IsUserInChatList(context.Background(), h, tt.user)
			if err != nil {
				t.Fatalf("IsUserInChatList() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsUserInChatList() = %v, want %v", got, tt.want)
			}
			if n := d.Clicks(sel.BackToChat); n != 1 {
				t.Errorf("panel closed %d times, want 1", n)
			}
		})
	}
}

func TestIsUserInChatListWithoutCommunityButton(t *testing.T) {
	_, p, h := openPage(t, "alice", nil)
	_, err := p.IsUserInChatList(context.Background(), h, "viewer")
	var perr *browser.ProbeError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProbeError, got %v", err)
	}
}

func TestKeepAlive(t *testing.T) {
	d, p, h := openPage(t, "alice", nil)
	if err := p.KeepAlive(context.Background(), h); err != nil {
		t.Fatalf("KeepAlive() error: %v", err)
	}
	page := d.Page(ChannelURL(base, "alice"))
	if page.Activations() != 1 {
		t.Errorf("activations = %d, want 1", page.Activations())
	}
	evals := page.Evals()
	if len(evals) != 1 || !strings.Contains(evals[0], "video.volume = 0.01") {
		t.Errorf("volume script not evaluated: %v", evals)
	}
}

func TestClosedDriverIsFatal(t *testing.T) {
	d, p, h := openPage(t, "alice", nil)
	_ = d.Close()
	_, _, err := p.RaidTarget(context.Background(), h, "alice")
	if !browser.IsFatal(err) {
		t.Errorf("RaidTarget() on closed browser = %v, want fatal", err)
	}
}
