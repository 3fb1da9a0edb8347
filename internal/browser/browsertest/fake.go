// Package browsertest provides an in-memory Page implementation for tests.
package browsertest

import (
	"context"
	"sync"
	"time"

	"github.com/Stepan2222000/avito-library/internal/browser"
)

type Drag struct {
	Selector string
	DeltaX   float64
}

// FakeElement is a scriptable DOM node.
type FakeElement struct {
	Attrs    map[string]string
	TextVal  string
	HTMLVal  string
	Visible_ bool
}

func (e *FakeElement) Attribute(name string) (string, error) { return e.Attrs[name], nil }
func (e *FakeElement) Text() (string, error)                 { return e.TextVal, nil }
func (e *FakeElement) HTML() (string, error)                 { return e.HTMLVal, nil }
func (e *FakeElement) Visible() (bool, error)                { return e.Visible_, nil }

// FakePage implements browser.Page against in-memory state. All fields may
// be mutated between calls; methods are safe for concurrent use.
type FakePage struct {
	mu sync.Mutex

	URLVal    string
	HTML      string
	Selectors map[string][]browser.Element
	Images    map[string][]byte

	// Optional hooks. When set they take precedence over the static state.
	NavigateFunc func(url string, opts browser.NavigateOptions) (*browser.Response, error)
	ReloadFunc   func() (*browser.Response, error)
	FetchFunc    func(url string) ([]byte, int, error)
	QueryAllFunc func(selector string) ([]browser.Element, error)
	ClickFunc    func(selector string) error
	DragFunc     func(selector string, deltaX float64) error

	NavigateLog []string
	QueryLog    []string
	Clicks      []string
	Drags       []Drag
	Reloads     int
	Screenshots []string
}

func NewFakePage() *FakePage {
	return &FakePage{
		URLVal:    "https://www.avito.ru/moskva/avtomobili",
		Selectors: map[string][]browser.Element{},
		Images:    map[string][]byte{},
	}
}

// SetSelector makes selector match a single visible element.
func (p *FakePage) SetSelector(selector string, elements ...browser.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(elements) == 0 {
		elements = []browser.Element{&FakeElement{Visible_: true}}
	}
	p.Selectors[selector] = elements
}

// ClearSelector makes selector stop matching.
func (p *FakePage) ClearSelector(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Selectors, selector)
}

func (p *FakePage) Navigate(ctx context.Context, url string, opts browser.NavigateOptions) (*browser.Response, error) {
	p.mu.Lock()
	p.NavigateLog = append(p.NavigateLog, url)
	fn := p.NavigateFunc
	p.mu.Unlock()

	if fn != nil {
		resp, err := fn(url, opts)
		if err == nil {
			p.mu.Lock()
			p.URLVal = url
			p.mu.Unlock()
		}
		return resp, err
	}

	p.mu.Lock()
	p.URLVal = url
	p.mu.Unlock()
	return &browser.Response{Status: 200}, nil
}

func (p *FakePage) Reload(ctx context.Context) (*browser.Response, error) {
	p.mu.Lock()
	p.Reloads++
	fn := p.ReloadFunc
	p.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return &browser.Response{Status: 200}, nil
}

func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URLVal
}

func (p *FakePage) Content() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HTML, nil
}

func (p *FakePage) QueryAll(selector string) ([]browser.Element, error) {
	p.mu.Lock()
	p.QueryLog = append(p.QueryLog, selector)
	fn := p.QueryAllFunc
	elements := p.Selectors[selector]
	p.mu.Unlock()

	if fn != nil {
		return fn(selector)
	}
	return elements, nil
}

func (p *FakePage) Click(selector string) error {
	p.mu.Lock()
	p.Clicks = append(p.Clicks, selector)
	fn := p.ClickFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(selector)
	}
	return nil
}

func (p *FakePage) DragBy(selector string, deltaX float64) error {
	p.mu.Lock()
	p.Drags = append(p.Drags, Drag{Selector: selector, DeltaX: deltaX})
	fn := p.DragFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(selector, deltaX)
	}
	return nil
}

func (p *FakePage) FetchBytes(ctx context.Context, url string, timeout time.Duration) ([]byte, int, error) {
	p.mu.Lock()
	fn := p.FetchFunc
	data, ok := p.Images[url]
	p.mu.Unlock()

	if fn != nil {
		return fn(url)
	}
	if !ok {
		return nil, 404, nil
	}
	return data, 200, nil
}

func (p *FakePage) ScrollToBottom() error { return nil }

func (p *FakePage) Screenshot(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Screenshots = append(p.Screenshots, path)
	return nil
}
