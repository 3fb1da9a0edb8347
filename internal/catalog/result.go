package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/Stepan2222000/avito-library/internal/browser"
	"github.com/Stepan2222000/avito-library/internal/pagestate"
	"github.com/Stepan2222000/avito-library/internal/parser"
)

// ErrNotResumable is returned by ContinueFrom when the result completed,
// came from single-page mode, or failed in a way resuming cannot fix.
var ErrNotResumable = errors.New("crawl result is not resumable")

// resumableStatuses are interruptions caused by the environment, not by
// the request itself. A wrong-page result stays non-resumable: reloading
// the same non-catalog URL reproduces the mistake.
var resumableStatuses = map[Status]bool{
	StatusCaptchaFailed:     true,
	StatusProxyBlocked:      true,
	StatusProxyAuthRequired: true,
	StatusPageNotDetected:   true,
	StatusServerUnavailable: true,
	StatusLoadTimeout:       true,
}

// Result is the outcome of ParseCatalog. On an interrupted crawl it doubles
// as a checkpoint: ContinueFrom picks up where the crawl stopped, usually
// on a new page with a rotated proxy.
type Result struct {
	Status         Status
	Listings       []parser.Listing
	ProcessedPages int

	ErrorState pagestate.State
	ErrorURL   string

	// ResumeURL and ResumePage locate the first unprocessed page. Set only
	// on resumable results.
	ResumeURL  string
	ResumePage int

	crawler *Crawler
	opts    Options
}

func (c *Crawler) newResult(opts Options, status Status, listings []parser.Listing, processed int, errState pagestate.State, errURL, resumeURL string) *Result {
	r := &Result{
		Status:         status,
		Listings:       listings,
		ProcessedPages: processed,
		ErrorState:     errState,
		ErrorURL:       errURL,
		crawler:        c,
		opts:           opts,
	}
	if r.Resumable() {
		r.ResumeURL = resumeURL
		r.ResumePage = opts.StartPage + processed
	}
	return r
}

// Resumable reports whether ContinueFrom can pick this result up.
func (r *Result) Resumable() bool {
	return r.crawler != nil && !r.opts.SinglePage && resumableStatuses[r.Status]
}

// ContinueFrom resumes an interrupted crawl on page, which may be a brand
// new browser page with a different network identity. The remaining page
// budget is the original cap minus what this result already processed, and
// the returned result carries the concatenated listings of both runs.
//
// skipNavigation controls whether the resume URL gets opened first: true
// trusts that page already shows the right catalog, false always
// navigates, nil probes the page and navigates only when it is not a
// catalog.
func (r *Result) ContinueFrom(ctx context.Context, page browser.Page, skipNavigation *bool) (*Result, error) {
	if !r.Resumable() {
		return nil, fmt.Errorf("%w: status %s", ErrNotResumable, r.Status)
	}

	needNavigate := false
	switch {
	case skipNavigation != nil && *skipNavigation:
	case skipNavigation != nil:
		needNavigate = true
	default:
		state, err := r.crawler.detector.Detect(ctx, page, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to probe page before resume: %w", err)
		}
		needNavigate = state != pagestate.StateCatalog
	}

	if needNavigate && r.ResumeURL != "" {
		if _, err := navigateToCatalog(ctx, page, r.ResumeURL, SortDefault, 1, r.opts.LoadTimeout); err != nil {
			return nil, fmt.Errorf("failed to reopen catalog %s: %w", r.ResumeURL, err)
		}
	}

	opts := r.opts
	if opts.MaxPages > 0 {
		remaining := opts.MaxPages - r.ProcessedPages
		if remaining <= 0 {
			return r, nil
		}
		opts.MaxPages = remaining
	}
	opts.StartPage = r.ResumePage
	if opts.StartPage < 1 {
		opts.StartPage = 1
	}

	continuation, err := r.crawler.run(ctx, page, opts, true)
	if err != nil {
		return nil, err
	}

	merged := &Result{
		Status:         continuation.Status,
		Listings:       append(append([]parser.Listing{}, r.Listings...), continuation.Listings...),
		ProcessedPages: r.ProcessedPages + continuation.ProcessedPages,
		ErrorState:     continuation.ErrorState,
		ErrorURL:       continuation.ErrorURL,
		ResumeURL:      continuation.ResumeURL,
		ResumePage:     continuation.ResumePage,
		crawler:        r.crawler,
		opts:           r.opts,
	}
	return merged, nil
}
