package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// RodLauncher starts a local Chrome/Chromium through go-rod's launcher using a
// persistent profile directory, so a manual login survives restarts.
type RodLauncher struct {
	Bin               string
	UserDataDir       string
	Headless          bool
	NavigationTimeout time.Duration
}

// Launch starts the browser process and connects to it over CDP.
func (l *RodLauncher) Launch(ctx context.Context) (Driver, error) {
	ln := launcher.New().
		Context(ctx).
		Headless(l.Headless).
		Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	if l.Bin != "" {
		ln = ln.Bin(l.Bin)
	}
	if l.UserDataDir != "" {
		ln = ln.UserDataDir(l.UserDataDir)
	}
	controlURL, err := ln.Launch()
	if err != nil {
		return nil, &FatalError{Op: "launch", Err: err}
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		ln.Kill()
		return nil, &FatalError{Op: "connect", Err: err}
	}

	navTimeout := l.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	slog.Info("browser launched", slog.String("control_url", controlURL), slog.Bool("headless", l.Headless))
	return &rodDriver{
		browser:    b,
		launcher:   ln,
		pages:      make(map[PageHandle]*rod.Page),
		navTimeout: navTimeout,
	}, nil
}

type rodDriver struct {
	browser    *rod.Browser
	launcher   *launcher.Launcher
	navTimeout time.Duration

	mu    sync.Mutex
	pages map[PageHandle]*rod.Page
	seq   atomic.Uint64
}

func (d *rodDriver) page(h PageHandle) (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[h]
	if !ok {
		return nil, &ProbeError{Op: "lookup", Err: fmt.Errorf("%w: %s", ErrUnknownPage, h)}
	}
	return p, nil
}

// wrap turns a raw rod error into the package taxonomy.
func wrap(op, selector string, err error) error {
	if err == nil {
		return nil
	}
	if ClassifyError(err) == ErrorClassFatal {
		return &FatalError{Op: op, Err: err}
	}
	var notFound *rod.ObjectNotFoundError
	var covered *rod.CoveredError
	if errors.As(err, &notFound) || errors.As(err, &covered) {
		return &ProbeError{Op: op, Selector: selector, Err: fmt.Errorf("%w: %v", ErrStaleElement, err)}
	}
	return &ProbeError{Op: op, Selector: selector, Err: err}
}

func (d *rodDriver) OpenPage(ctx context.Context, url string) (PageHandle, error) {
	p, err := d.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		if ClassifyError(err) == ErrorClassFatal {
			return "", &FatalError{Op: "new page", Err: err}
		}
		return "", &NavigationError{URL: url, Err: err}
	}
	nav := p.Context(ctx).Timeout(d.navTimeout)
	defer nav.CancelTimeout()
	if err := nav.Navigate(url); err != nil {
		_ = p.Close()
		return "", &NavigationError{URL: url, Err: err}
	}
	if err := nav.WaitLoad(); err != nil {
		slog.Debug("page load wait failed", slog.String("url", url), slog.Any("err", err))
	}

	h := PageHandle("page-" + strconv.FormatUint(d.seq.Add(1), 10))
	d.mu.Lock()
	d.pages[h] = p
	d.mu.Unlock()
	return h, nil
}

func (d *rodDriver) ClosePage(ctx context.Context, h PageHandle) error {
	d.mu.Lock()
	p, ok := d.pages[h]
	delete(d.pages, h)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return wrap("close page", "", p.Context(ctx).Close())
}

func (d *rodDriver) element(ctx context.Context, h PageHandle, selector string) (*rod.Element, bool, error) {
	p, err := d.page(h)
	if err != nil {
		return nil, false, err
	}
	has, el, err := p.Context(ctx).Has(selector)
	if err != nil {
		return nil, false, wrap("query", selector, err)
	}
	return el, has, nil
}

func (d *rodDriver) QueryText(ctx context.Context, h PageHandle, selector string) (string, bool, error) {
	el, ok, err := d.element(ctx, h, selector)
	if err != nil || !ok {
		return "", false, err
	}
	text, err := el.Text()
	if err != nil {
		return "", false, wrap("text", selector, err)
	}
	return text, true, nil
}

func (d *rodDriver) QueryAttribute(ctx context.Context, h PageHandle, selector, attr string) (string, bool, error) {
	el, ok, err := d.element(ctx, h, selector)
	if err != nil || !ok {
		return "", false, err
	}
	v, err := el.Attribute(attr)
	if err != nil {
		return "", false, wrap("attribute", selector, err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (d *rodDriver) Click(ctx context.Context, h PageHandle, selector string) (bool, error) {
	el, ok, err := d.element(ctx, h, selector)
	if err != nil || !ok {
		return false, err
	}
	visible, err := el.Visible()
	if err != nil {
		return false, wrap("visible", selector, err)
	}
	if !visible {
		return false, nil
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, wrap("click", selector, err)
	}
	return true, nil
}

func (d *rodDriver) Type(ctx context.Context, h PageHandle, selector, text string) (bool, error) {
	el, ok, err := d.element(ctx, h, selector)
	if err != nil || !ok {
		return false, err
	}
	if err := el.Input(text); err != nil {
		return false, wrap("input", selector, err)
	}
	return true, nil
}

func (d *rodDriver) URL(ctx context.Context, h PageHandle) (string, error) {
	p, err := d.page(h)
	if err != nil {
		return "", err
	}
	info, err := p.Context(ctx).Info()
	if err != nil {
		return "", wrap("info", "", err)
	}
	return info.URL, nil
}

func (d *rodDriver) IsResponsive(ctx context.Context, h PageHandle) bool {
	p, err := d.page(h)
	if err != nil {
		return false
	}
	tp := p.Context(ctx).Timeout(3 * time.Second)
	defer tp.CancelTimeout()
	_, err = tp.Eval(`() => document.readyState`)
	return err == nil
}

func (d *rodDriver) Activate(ctx context.Context, h PageHandle) error {
	p, err := d.page(h)
	if err != nil {
		return err
	}
	_, err = p.Context(ctx).Activate()
	return wrap("activate", "", err)
}

func (d *rodDriver) Eval(ctx context.Context, h PageHandle, js string) error {
	p, err := d.page(h)
	if err != nil {
		return err
	}
	_, err = p.Context(ctx).Eval(js)
	return wrap("eval", "", err)
}

func (d *rodDriver) Close() error {
	d.mu.Lock()
	d.pages = make(map[PageHandle]*rod.Page)
	d.mu.Unlock()
	err := d.browser.Close()
	d.launcher.Kill()
	return err
}
