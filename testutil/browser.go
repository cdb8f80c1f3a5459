package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/onnwee/points-tender/browser"
)

// FakePage is an in-memory tab: a flat map of selector -> element.
type FakePage struct {
	mu           sync.Mutex
	url          string
	elements     map[string]*fakeElement
	onClick      map[string]func(*FakePage)
	onType       map[string]func(*FakePage, string)
	unresponsive bool
	closed       bool
	evals        []string
	activations  int
}

type fakeElement struct {
	text    string
	attrs   map[string]string
	visible bool
	stale   bool
}

func newFakePage(url string) *FakePage {
	return &FakePage{
		url:      url,
		elements: make(map[string]*fakeElement),
		onClick:  make(map[string]func(*FakePage)),
		onType:   make(map[string]func(*FakePage, string)),
	}
}

// Set adds or replaces a visible element with the given text.
func (p *FakePage) Set(selector, text string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = &fakeElement{text: text, attrs: map[string]string{}, visible: true}
	return p
}

// SetHidden adds an element that exists but is not visible.
func (p *FakePage) SetHidden(selector string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = &fakeElement{attrs: map[string]string{}}
	return p
}

// SetAttr sets an attribute on an element, creating it if needed.
func (p *FakePage) SetAttr(selector, attr, value string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	if !ok {
		el = &fakeElement{attrs: map[string]string{}, visible: true}
		p.elements[selector] = el
	}
	el.attrs[attr] = value
	return p
}

// MarkStale makes the next click on selector fail as a detached node.
func (p *FakePage) MarkStale(selector string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.elements[selector]; ok {
		el.stale = true
	}
	return p
}

// Remove deletes an element.
func (p *FakePage) Remove(selector string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, selector)
	return p
}

// Has reports whether selector is present.
func (p *FakePage) Has(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.elements[selector]
	return ok
}

// SetURL simulates a client-side redirect.
func (p *FakePage) SetURL(url string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return p
}

// SetUnresponsive toggles IsResponsive.
func (p *FakePage) SetUnresponsive(v bool) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unresponsive = v
	return p
}

// OnClick registers a side effect for clicks on selector.
func (p *FakePage) OnClick(selector string, fn func(*FakePage)) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick[selector] = fn
	return p
}

// OnType registers a side effect for typing into selector.
func (p *FakePage) OnType(selector string, fn func(*FakePage, string)) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onType[selector] = fn
	return p
}

// Closed reports whether the page was closed.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Evals returns scripts evaluated on the page.
func (p *FakePage) Evals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evals...)
}

// Activations returns how often the tab was brought to front.
func (p *FakePage) Activations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activations
}

// FakeDriver implements browser.Driver in memory. Pages are prepared per URL
// with Stage; unstaged URLs open as blank pages.
type FakeDriver struct {
	mu        sync.Mutex
	seq       int
	pages     map[browser.PageHandle]*FakePage
	byURL     map[string]*FakePage
	stages    map[string]func(*FakePage)
	openFails map[string]int
	clicks    map[string]int
	opened    []string
	fatal     error
	closed    bool
}

// NewFakeDriver returns an empty fake browser context.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		pages:     make(map[browser.PageHandle]*FakePage),
		byURL:     make(map[string]*FakePage),
		stages:    make(map[string]func(*FakePage)),
		openFails: make(map[string]int),
		clicks:    make(map[string]int),
	}
}

// Stage prepares the DOM of pages opened at url.
func (d *FakeDriver) Stage(url string, fn func(*FakePage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stages[url] = fn
}

// FailOpen makes the next n opens of url fail with a NavigationError.
func (d *FakeDriver) FailOpen(url string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openFails[url] = n
}

// SetFatal makes every subsequent call fail with a FatalError.
func (d *FakeDriver) SetFatal(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fatal = err
}

// Page returns the most recently opened page for url.
func (d *FakeDriver) Page(url string) *FakePage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byURL[url]
}

// OpenPages counts pages that are open right now.
func (d *FakeDriver) OpenPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pages)
}

// Opened lists every URL passed to OpenPage, in order.
func (d *FakeDriver) Opened() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.opened...)
}

// Clicks counts successful clicks on selector across all pages.
func (d *FakeDriver) Clicks(selector string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clicks[selector]
}

// IsClosed reports whether Close was called.
func (d *FakeDriver) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *FakeDriver) check(op string) error {
	if d.fatal != nil {
		return &browser.FatalError{Op: op, Err: d.fatal}
	}
	if d.closed {
		return &browser.FatalError{Op: op, Err: fmt.Errorf("browser has disconnected")}
	}
	return nil
}

func (d *FakeDriver) lookup(op string, h browser.PageHandle) (*FakePage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(op); err != nil {
		return nil, err
	}
	p, ok := d.pages[h]
	if !ok {
		return nil, &browser.ProbeError{Op: op, Err: browser.ErrUnknownPage}
	}
	return p, nil
}

func (d *FakeDriver) OpenPage(ctx context.Context, url string) (browser.PageHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("open"); err != nil {
		return "", err
	}
	d.opened = append(d.opened, url)
	if n := d.openFails[url]; n > 0 {
		d.openFails[url] = n - 1
		return "", &browser.NavigationError{URL: url, Err: fmt.Errorf("net::ERR_CONNECTION_TIMED_OUT")}
	}
	d.seq++
	h := browser.PageHandle(fmt.Sprintf("fake-%d", d.seq))
	p := newFakePage(url)
	if fn, ok := d.stages[url]; ok {
		fn(p)
	}
	d.pages[h] = p
	d.byURL[url] = p
	return h, nil
}

func (d *FakeDriver) ClosePage(ctx context.Context, h browser.PageHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[h]
	if !ok {
		return nil
	}
	delete(d.pages, h)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (d *FakeDriver) QueryText(ctx context.Context, h browser.PageHandle, selector string) (string, bool, error) {
	p, err := d.lookup("query", h)
	if err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	if !ok {
		return "", false, nil
	}
	return el.text, true, nil
}

func (d *FakeDriver) QueryAttribute(ctx context.Context, h browser.PageHandle, selector, attr string) (string, bool, error) {
	p, err := d.lookup("attribute", h)
	if err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	if !ok {
		return "", false, nil
	}
	v, ok := el.attrs[attr]
	return v, ok, nil
}

func (d *FakeDriver) Click(ctx context.Context, h browser.PageHandle, selector string) (bool, error) {
	p, err := d.lookup("click", h)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	el, ok := p.elements[selector]
	if !ok || !el.visible {
		p.mu.Unlock()
		return false, nil
	}
	if el.stale {
		el.stale = false
		p.mu.Unlock()
		return false, &browser.ProbeError{Op: "click", Selector: selector, Err: browser.ErrStaleElement}
	}
	fn := p.onClick[selector]
	p.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	d.mu.Lock()
	d.clicks[selector]++
	d.mu.Unlock()
	return true, nil
}

func (d *FakeDriver) Type(ctx context.Context, h browser.PageHandle, selector, text string) (bool, error) {
	p, err := d.lookup("input", h)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	_, ok := p.elements[selector]
	fn := p.onType[selector]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}
	if fn != nil {
		fn(p, text)
	}
	return true, nil
}

func (d *FakeDriver) URL(ctx context.Context, h browser.PageHandle) (string, error) {
	p, err := d.lookup("info", h)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (d *FakeDriver) IsResponsive(ctx context.Context, h browser.PageHandle) bool {
	p, err := d.lookup("eval", h)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unresponsive
}

func (d *FakeDriver) Activate(ctx context.Context, h browser.PageHandle) error {
	p, err := d.lookup("activate", h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.activations++
	p.mu.Unlock()
	return nil
}

func (d *FakeDriver) Eval(ctx context.Context, h browser.PageHandle, js string) error {
	p, err := d.lookup("eval", h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.evals = append(p.evals, strings.TrimSpace(js))
	p.mu.Unlock()
	return nil
}

func (d *FakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, p := range d.pages {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		delete(d.pages, h)
	}
	d.closed = true
	return nil
}

// FakeLauncher hands out FakeDrivers built by Setup.
type FakeLauncher struct {
	mu       sync.Mutex
	Setup    func(*FakeDriver)
	Err      error
	launched []*FakeDriver
}

func (l *FakeLauncher) Launch(ctx context.Context) (browser.Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, &browser.FatalError{Op: "launch", Err: l.Err}
	}
	d := NewFakeDriver()
	if l.Setup != nil {
		l.Setup(d)
	}
	l.launched = append(l.launched, d)
	return d, nil
}

// Launched returns every driver created so far.
func (l *FakeLauncher) Launched() []*FakeDriver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeDriver(nil), l.launched...)
}

// Current returns the most recent driver, or nil.
func (l *FakeLauncher) Current() *FakeDriver {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.launched) == 0 {
		return nil
	}
	return l.launched[len(l.launched)-1]
}
