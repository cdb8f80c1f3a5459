// Package browser defines the narrow browser capability the watcher depends on
// (open a page, read DOM text and attributes, click, close) together with the
// error taxonomy shared by every caller, and a go-rod backed implementation.
//
// Page handles are opaque strings. The driver keeps only a lookup from handle
// to the underlying tab; ownership of a handle belongs to whoever opened it
// (in practice the session table).
package browser

import "context"

// PageHandle identifies one open tab inside a Driver.
type PageHandle string

// Driver is the browser context. Every method may block on the browser
// process and must honour ctx cancellation.
type Driver interface {
	// OpenPage creates a tab and navigates it to url. Navigation failures
	// are reported as *NavigationError; a dead browser as *FatalError.
	OpenPage(ctx context.Context, url string) (PageHandle, error)
	ClosePage(ctx context.Context, h PageHandle) error

	// QueryText returns the text of the first element matching selector and
	// whether such an element exists.
	QueryText(ctx context.Context, h PageHandle, selector string) (string, bool, error)
	QueryAttribute(ctx context.Context, h PageHandle, selector, attr string) (string, bool, error)

	// Click clicks the first visible element matching selector. It reports
	// false without error when nothing clickable matched.
	Click(ctx context.Context, h PageHandle, selector string) (bool, error)
	Type(ctx context.Context, h PageHandle, selector, text string) (bool, error)

	URL(ctx context.Context, h PageHandle) (string, error)
	IsResponsive(ctx context.Context, h PageHandle) bool
	Activate(ctx context.Context, h PageHandle) error
	Eval(ctx context.Context, h PageHandle, js string) error

	// Close tears down the whole browser context, invalidating every handle.
	Close() error
}

// Launcher creates fresh browser contexts. The restart supervisor calls it
// once at startup and again after each teardown.
type Launcher interface {
	Launch(ctx context.Context) (Driver, error)
}
