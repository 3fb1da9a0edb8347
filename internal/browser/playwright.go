package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// playwrightPage adapts a playwright.Page to the Page interface.
type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Navigate(ctx context.Context, url string, opts NavigateOptions) (*Response, error) {
	gotoOpts := playwright.PageGotoOptions{
		WaitUntil: waitUntilState(opts.WaitUntil),
	}
	if opts.Timeout > 0 {
		gotoOpts.Timeout = playwright.Float(float64(opts.Timeout.Milliseconds()))
	}

	resp, err := p.page.Goto(url, gotoOpts)
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
		}
		return nil, fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if resp == nil {
		return nil, nil
	}
	return &Response{Status: resp.Status()}, nil
}

func (p *playwrightPage) Reload(ctx context.Context) (*Response, error) {
	resp, err := p.page.Reload()
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("%w: reload %s", ErrNavigationTimeout, p.page.URL())
		}
		return nil, fmt.Errorf("failed to reload: %w", err)
	}
	if resp == nil {
		return nil, nil
	}
	return &Response{Status: resp.Status()}, nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Content() (string, error) {
	return p.page.Content()
}

func (p *playwrightPage) QueryAll(selector string) ([]Element, error) {
	locators, err := p.page.Locator(selector).All()
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", selector, err)
	}

	elements := make([]Element, 0, len(locators))
	for _, loc := range locators {
		elements = append(elements, &playwrightElement{locator: loc})
	}
	return elements, nil
}

func (p *playwrightPage) Click(selector string) error {
	return p.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Force: playwright.Bool(true),
	})
}

func (p *playwrightPage) DragBy(selector string, deltaX float64) error {
	handle := p.page.Locator(selector).Last()

	if err := handle.Hover(); err != nil {
		return fmt.Errorf("failed to hover drag handle: %w", err)
	}
	if err := p.page.Mouse().Down(); err != nil {
		return fmt.Errorf("failed to press mouse: %w", err)
	}

	box, err := handle.BoundingBox()
	if err != nil || box == nil {
		p.page.Mouse().Up()
		return fmt.Errorf("failed to get drag handle bounding box: %w", err)
	}

	if err := p.page.Mouse().Move(box.X+deltaX, box.Y); err != nil {
		p.page.Mouse().Up()
		return fmt.Errorf("failed to move mouse: %w", err)
	}
	if err := p.page.Mouse().Up(); err != nil {
		return fmt.Errorf("failed to release mouse: %w", err)
	}
	return nil
}

func (p *playwrightPage) FetchBytes(ctx context.Context, url string, timeout time.Duration) ([]byte, int, error) {
	opts := playwright.APIRequestContextGetOptions{}
	if timeout > 0 {
		opts.Timeout = playwright.Float(float64(timeout.Milliseconds()))
	}

	resp, err := p.page.Request().Get(url, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Dispose()

	if resp.Status() != 200 {
		return nil, resp.Status(), nil
	}

	body, err := resp.Body()
	if err != nil {
		return nil, resp.Status(), fmt.Errorf("failed to read body of %s: %w", url, err)
	}
	return body, resp.Status(), nil
}

func (p *playwrightPage) ScrollToBottom() error {
	_, err := p.page.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`)
	return err
}

func (p *playwrightPage) Screenshot(path string) error {
	_, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	})
	return err
}

type playwrightElement struct {
	locator playwright.Locator
}

func (e *playwrightElement) Attribute(name string) (string, error) {
	value, err := e.locator.GetAttribute(name)
	if err != nil {
		return "", err
	}
	return value, nil
}

func (e *playwrightElement) Text() (string, error) {
	return e.locator.InnerText()
}

func (e *playwrightElement) HTML() (string, error) {
	return e.locator.InnerHTML()
}

func (e *playwrightElement) Visible() (bool, error) {
	return e.locator.IsVisible()
}

func waitUntilState(state string) *playwright.WaitUntilState {
	switch state {
	case "load":
		return playwright.WaitUntilStateLoad
	case "networkidle":
		return playwright.WaitUntilStateNetworkidle
	default:
		return playwright.WaitUntilStateDomcontentloaded
	}
}
