// Package catalog drives the catalog crawl: navigation, page-state
// handling, captcha resolution and pagination, with checkpoints that let
// an interrupted crawl continue on a fresh browser identity.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Stepan2222000/avito-library/internal/browser"
	"github.com/Stepan2222000/avito-library/internal/pagestate"
	"github.com/Stepan2222000/avito-library/internal/parser"
	"github.com/Stepan2222000/avito-library/internal/ratelimit"
)

// Status is the terminal classification of a crawl or of a single page.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusEmpty             Status = "empty"
	StatusCaptchaFailed     Status = "captcha_failed"
	StatusProxyBlocked      Status = "proxy_blocked"
	StatusProxyAuthRequired Status = "proxy_auth_required"
	StatusPageNotDetected   Status = "page_not_detected"
	StatusServerUnavailable Status = "server_unavailable"
	StatusLoadTimeout       Status = "load_timeout"
	StatusWrongPage         Status = "wrong_page"
)

const (
	DefaultCaptchaAttempts = 30
	DefaultLoadTimeout     = 180 * time.Second
	DefaultLoadRetries     = 5
)

// Synthetic error states for failures that happen below page-state
// detection, at the navigation layer.
const (
	stateTimeout     = pagestate.State("timeout")
	stateServerError = pagestate.State("server_error")
)

// captchaStates are handled inline by the solver loop.
var captchaStates = map[pagestate.State]bool{
	pagestate.StateCaptcha:        true,
	pagestate.StateRateLimited429: true,
	pagestate.StateContinueButton: true,
}

// criticalStates hand control back to the caller, typically to rotate the
// proxy before resuming.
var criticalStates = map[pagestate.State]Status{
	pagestate.StateProxyBlocked403:      StatusProxyBlocked,
	pagestate.StateProxyAuthRequired407: StatusProxyAuthRequired,
	pagestate.StateNotDetected:          StatusPageNotDetected,
}

// wrongPageStates mean the caller pointed the crawl at something that is
// not a catalog. Resuming would only reproduce the mistake.
var wrongPageStates = map[pagestate.State]bool{
	pagestate.StateCardFound:     true,
	pagestate.StateSellerProfile: true,
	pagestate.StateRemoved:       true,
	pagestate.StateUnknownPage:   true,
}

// StateDetector classifies the current page.
type StateDetector interface {
	Detect(ctx context.Context, page browser.Page, lastResponse *browser.Response, opts *pagestate.DetectOptions) (pagestate.State, error)
}

// CaptchaSolver clears slider challenges and interstitials.
type CaptchaSolver interface {
	Resolve(ctx context.Context, page browser.Page, maxAttempts int) (string, bool)
}

type Crawler struct {
	detector StateDetector
	solver   CaptchaSolver
	logger   *slog.Logger

	limiter           ratelimit.Limiter
	serverRetryDelays []time.Duration
}

type Option func(*Crawler)

// WithRateLimiter paces navigation between catalog pages.
func WithRateLimiter(limiter ratelimit.Limiter) Option {
	return func(c *Crawler) { c.limiter = limiter }
}

// WithServerRetryDelays overrides the backoff schedule used when the site
// answers with a 5xx.
func WithServerRetryDelays(delays []time.Duration) Option {
	return func(c *Crawler) { c.serverRetryDelays = delays }
}

func New(detector StateDetector, solver CaptchaSolver, opts ...Option) *Crawler {
	c := &Crawler{
		detector:          detector,
		solver:            solver,
		logger:            slog.Default().With("component", "catalog"),
		serverRetryDelays: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Options configures one crawl.
type Options struct {
	// URL of the catalog to open. Query parameters already present win
	// over Sort and StartPage.
	URL string

	Fields         parser.FieldSet
	IncludeRawHTML bool
	Sort           Sort

	// StartPage opens the crawl at a page other than the first.
	StartPage int

	// MaxPages caps the number of pages processed. Zero means no cap.
	MaxPages int

	// SinglePage parses the current page only and produces a result that
	// cannot be resumed. Incompatible with MaxPages and StartPage.
	SinglePage bool

	CaptchaAttempts int
	LoadTimeout     time.Duration
	LoadRetries     int
}

func (o Options) withDefaults() Options {
	if o.Fields == nil {
		o.Fields = parser.DefaultFields()
	}
	if o.StartPage < 1 {
		o.StartPage = 1
	}
	if o.CaptchaAttempts <= 0 {
		o.CaptchaAttempts = DefaultCaptchaAttempts
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = DefaultLoadTimeout
	}
	if o.LoadRetries <= 0 {
		o.LoadRetries = DefaultLoadRetries
	}
	return o
}

// PageResult is the outcome of parsing one catalog page.
type PageResult struct {
	Status   Status
	Listings []parser.Listing
	HasNext  bool
	NextURL  string

	ErrorState pagestate.State
	ErrorURL   string
}

// PageOptions configures ParseSinglePage.
type PageOptions struct {
	Fields          parser.FieldSet
	IncludeRawHTML  bool
	CaptchaAttempts int

	// LastResponse feeds status-gated detection for a page the caller
	// just navigated to.
	LastResponse *browser.Response
}

// ParseSinglePage parses the catalog page currently open in the browser.
// Captchas are resolved inline within the attempt budget; every other
// non-catalog state maps to a status and returns immediately.
func (c *Crawler) ParseSinglePage(ctx context.Context, page browser.Page, opts PageOptions) (*PageResult, error) {
	fields := opts.Fields
	if fields == nil {
		fields = parser.DefaultFields()
	}
	attempts := opts.CaptchaAttempts
	if attempts <= 0 {
		attempts = DefaultCaptchaAttempts
	}
	return c.parsePage(ctx, page, fields, opts.IncludeRawHTML, attempts, opts.LastResponse)
}

func (c *Crawler) parsePage(ctx context.Context, page browser.Page, fields parser.FieldSet, includeRawHTML bool, captchaBudget int, lastResponse *browser.Response) (*PageResult, error) {
	currentURL := page.URL()

	state, err := c.detector.Detect(ctx, page, lastResponse, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to detect page state: %w", err)
	}

	attempts := 0
	for captchaStates[state] && attempts < captchaBudget {
		attempts++
		_, solved := c.solver.Resolve(ctx, page, 1)
		if !solved {
			continue
		}
		state, err = c.detector.Detect(ctx, page, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to detect page state: %w", err)
		}
		if state == pagestate.StateCatalog {
			break
		}
		if status, ok := criticalStates[state]; ok {
			return &PageResult{Status: status, ErrorState: state, ErrorURL: currentURL}, nil
		}
	}

	if captchaStates[state] {
		c.logger.Warn("captcha attempts exhausted", "url", currentURL, "attempts", attempts)
		return &PageResult{Status: StatusCaptchaFailed, ErrorState: state, ErrorURL: currentURL}, nil
	}
	if status, ok := criticalStates[state]; ok {
		return &PageResult{Status: status, ErrorState: state, ErrorURL: currentURL}, nil
	}
	if wrongPageStates[state] {
		return &PageResult{Status: StatusWrongPage, ErrorState: state, ErrorURL: currentURL}, nil
	}
	if state != pagestate.StateCatalog {
		return &PageResult{Status: StatusPageNotDetected, ErrorState: state, ErrorURL: currentURL}, nil
	}

	// Lazy-loaded cards render on scroll.
	if err := page.ScrollToBottom(); err != nil {
		c.logger.Debug("failed to scroll catalog page", "error", err)
	}

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog html: %w", err)
	}

	extracted, err := parser.ExtractListings(html, fields, includeRawHTML)
	if err != nil {
		return nil, err
	}
	listings := make([]parser.Listing, 0, len(extracted))
	for _, listing := range extracted {
		if listing.ItemID != "" {
			listings = append(listings, listing)
		}
	}

	nextURL, hasNext := parser.NextPageURL(html, currentURL)

	status := StatusSuccess
	if len(extracted) == 0 {
		status = StatusEmpty
	}
	return &PageResult{
		Status:   status,
		Listings: listings,
		HasNext:  hasNext,
		NextURL:  nextURL,
	}, nil
}

// ParseCatalog crawls a catalog from opts.URL through pagination until the
// pages run out, the page cap is hit, or a blocking state interrupts the
// crawl. Interruptions come back as a status on the Result, not as an
// error; the Result carries the checkpoint needed to continue.
func (c *Crawler) ParseCatalog(ctx context.Context, page browser.Page, opts Options) (*Result, error) {
	if opts.SinglePage {
		if opts.MaxPages > 0 {
			return nil, errors.New("single page mode does not take a page cap")
		}
		if opts.StartPage > 1 {
			return nil, errors.New("single page mode does not take a start page")
		}
	}
	if opts.URL == "" {
		return nil, errors.New("catalog url is required")
	}

	opts = opts.withDefaults()
	if opts.SinglePage {
		opts.MaxPages = 1
	}
	return c.run(ctx, page, opts, false)
}

func (c *Crawler) run(ctx context.Context, page browser.Page, opts Options, skipNavigation bool) (*Result, error) {
	var lastResponse *browser.Response
	if !skipNavigation {
		resp, err := navigateToCatalog(ctx, page, opts.URL, opts.Sort, opts.StartPage, opts.LoadTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog %s: %w", opts.URL, err)
		}
		lastResponse = resp

		if resp != nil && resp.Status >= 500 {
			resp, ok := c.retryServerError(ctx, page)
			if !ok {
				return c.newResult(opts, StatusServerUnavailable, nil, 0, stateServerError, page.URL(), page.URL()), nil
			}
			lastResponse = resp
		}
	}

	var listings []parser.Listing
	processed := 0

	for {
		if opts.MaxPages > 0 && processed >= opts.MaxPages {
			break
		}

		pageResult, err := c.parsePage(ctx, page, opts.Fields, opts.IncludeRawHTML, opts.CaptchaAttempts, lastResponse)
		if err != nil {
			return nil, err
		}
		lastResponse = nil

		if pageResult.Status != StatusSuccess && pageResult.Status != StatusEmpty {
			return c.newResult(opts, pageResult.Status, listings, processed, pageResult.ErrorState, pageResult.ErrorURL, page.URL()), nil
		}

		listings = append(listings, pageResult.Listings...)
		processed++
		c.logger.Info("catalog page parsed",
			"page", opts.StartPage+processed-1,
			"cards", len(pageResult.Listings),
			"total", len(listings))

		if pageResult.Status == StatusEmpty || !pageResult.HasNext {
			break
		}
		if opts.MaxPages > 0 && processed >= opts.MaxPages {
			break
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, failStatus, err := c.loadNextPage(ctx, page, pageResult.NextURL, opts)
		if err != nil {
			return nil, err
		}
		if failStatus != "" {
			errState := stateTimeout
			if failStatus == StatusServerUnavailable {
				errState = stateServerError
			}
			return c.newResult(opts, failStatus, listings, processed, errState, pageResult.NextURL, pageResult.NextURL), nil
		}
		lastResponse = resp
	}

	status := StatusSuccess
	if processed > 0 && len(listings) == 0 {
		status = StatusEmpty
	}
	return c.newResult(opts, status, listings, processed, "", "", ""), nil
}

// loadNextPage navigates to the next catalog page, retrying timeouts up to
// the load budget and 5xx answers on the backoff schedule.
func (c *Crawler) loadNextPage(ctx context.Context, page browser.Page, nextURL string, opts Options) (*browser.Response, Status, error) {
	for attempt := 1; attempt <= opts.LoadRetries; attempt++ {
		resp, err := navigateToCatalog(ctx, page, nextURL, SortDefault, 1, opts.LoadTimeout)
		if err != nil {
			if errors.Is(err, browser.ErrNavigationTimeout) {
				c.logger.Warn("catalog page load timed out", "url", nextURL, "attempt", attempt)
				continue
			}
			return nil, "", err
		}

		if resp != nil && resp.Status >= 500 {
			retried, ok := c.retryServerError(ctx, page)
			if !ok {
				return nil, StatusServerUnavailable, nil
			}
			resp = retried
		}
		return resp, "", nil
	}
	return nil, StatusLoadTimeout, nil
}

// retryServerError reloads the page on the backoff schedule until the
// server answers with something other than a 5xx.
func (c *Crawler) retryServerError(ctx context.Context, page browser.Page) (*browser.Response, bool) {
	for _, delay := range c.serverRetryDelays {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, false
		}
		resp, err := page.Reload(ctx)
		if err != nil {
			c.logger.Warn("reload after server error failed", "error", err)
			continue
		}
		if resp == nil || resp.Status < 500 {
			return resp, true
		}
	}
	return nil, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
