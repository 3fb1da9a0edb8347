package browser

import (
	"context"
	"errors"
	"time"
)

// ErrNavigationTimeout is returned by Navigate and Reload when the page did
// not reach the requested load state within the timeout.
var ErrNavigationTimeout = errors.New("navigation timeout")

// Response carries the HTTP status observed for the last document request.
type Response struct {
	Status int
}

type NavigateOptions struct {
	WaitUntil string // "domcontentloaded" (default), "load", "networkidle"
	Timeout   time.Duration
}

// Element is a handle to a single DOM node.
type Element interface {
	Attribute(name string) (string, error)
	Text() (string, error)
	HTML() (string, error)
	Visible() (bool, error)
}

// Page is the capability surface the crawl engine needs from a browser tab.
// The production implementation wraps a Playwright page; tests substitute
// fakes.
type Page interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) (*Response, error)
	Reload(ctx context.Context) (*Response, error)
	URL() string
	Content() (string, error)
	QueryAll(selector string) ([]Element, error)
	Click(selector string) error
	// DragBy simulates a pointer drag of the element matched by selector,
	// deltaX pixels to the right.
	DragBy(selector string, deltaX float64) error
	// FetchBytes downloads a URL through the page's browser context, so it
	// inherits the context's proxy and cookies. The returned status is the
	// HTTP status code; an error means the request itself failed.
	FetchBytes(ctx context.Context, url string, timeout time.Duration) ([]byte, int, error)
	ScrollToBottom() error
	Screenshot(path string) error
}
