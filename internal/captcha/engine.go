// Package captcha solves the Geetest slider challenge. Offsets for
// previously seen challenges come from a content-addressed cache; novel
// challenges fall back to template matching, which is strictly more
// expensive and exists only as the miss path.
package captcha

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Stepan2222000/avito-library/internal/browser"
	"github.com/Stepan2222000/avito-library/internal/offsetcache"
	"github.com/Stepan2222000/avito-library/internal/pagestate"
)

// sliderPadding is the fixed inset of the track button relative to the
// puzzle origin; every drag adds it on top of the matched offset.
const sliderPadding = 37

// Detector abstracts the page-state router.
type Detector interface {
	Detect(ctx context.Context, page browser.Page, lastResponse *browser.Response, opts *pagestate.DetectOptions) (pagestate.State, error)
}

// blockingStates keep the solve loop going; anything else means the
// challenge is no longer in the way.
var blockingStates = map[pagestate.State]bool{
	pagestate.StateCaptcha:        true,
	pagestate.StateContinueButton: true,
	pagestate.StateRateLimited429: true,
}

// criticalStates abort the loop immediately: retrying a solve against a
// blocked proxy only wastes the attempt budget.
var criticalStates = map[pagestate.State]bool{
	pagestate.StateProxyBlocked403:      true,
	pagestate.StateProxyAuthRequired407: true,
	pagestate.StateNotDetected:          true,
}

type Engine struct {
	router Detector
	store  offsetcache.Store
	logger *slog.Logger

	fetchTimeout    time.Duration
	verifyTimeout   time.Duration
	verifyInterval  time.Duration
	continueDelay   time.Duration
	continuePresses int
	continueRetries int
	debugDir        string
}

type EngineOption func(*Engine)

func WithFetchTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.fetchTimeout = d }
}

func WithVerifyTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.verifyTimeout = d }
}

func WithVerifyInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.verifyInterval = d }
}

func WithContinueDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.continueDelay = d }
}

// WithDebugDir makes the engine screenshot the page when the attempt
// budget runs out, for offline inspection of unsolved challenges.
func WithDebugDir(dir string) EngineOption {
	return func(e *Engine) { e.debugDir = dir }
}

func NewEngine(router Detector, store offsetcache.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		router:          router,
		store:           store,
		logger:          slog.Default().With("component", "captcha"),
		fetchTimeout:    15 * time.Second,
		verifyTimeout:   5 * time.Second,
		verifyInterval:  200 * time.Millisecond,
		continueDelay:   2 * time.Second,
		continuePresses: 5,
		continueRetries: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve attempts to clear the slider challenge on page, up to maxAttempts
// times. It returns the final page HTML and whether the page ended up free
// of the challenge. An unsolved captcha is an expected outcome, not an
// error: the caller handles it by rotating network identity.
func (e *Engine) Resolve(ctx context.Context, page browser.Page, maxAttempts int) (string, bool) {
	state := e.observe(ctx, page)
	if state == pagestate.StateContinueButton {
		state = e.pressContinue(ctx, page)
	}

	if !blockingStates[state] {
		if criticalStates[state] {
			e.logger.Warn("aborting captcha flow on critical state", "state", state, "url", page.URL())
			return e.snapshot(page), false
		}
		return e.snapshot(page), true
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		solved, err := e.solveOnce(ctx, page)
		if err != nil {
			e.logger.Debug("slider attempt failed", "attempt", attempt, "error", err)
			continue
		}
		if !solved {
			continue
		}

		// The slider cleared; confirm the page behind it is usable.
		state = e.observe(ctx, page)
		if criticalStates[state] {
			return e.snapshot(page), false
		}
		if !blockingStates[state] {
			return e.snapshot(page), true
		}
		// A fresh challenge replaced the solved one; keep going.
	}

	if e.debugDir != "" {
		path := filepath.Join(e.debugDir, fmt.Sprintf("captcha_unsolved_%d.png", time.Now().UnixMilli()))
		if err := page.Screenshot(path); err != nil {
			e.logger.Debug("failed to capture debug screenshot", "path", path, "error", err)
		}
	}
	return e.snapshot(page), false
}

// solveOnce performs one extract-lookup-drag-verify cycle and updates the
// offset cache with the outcome.
func (e *Engine) solveOnce(ctx context.Context, page browser.Page) (bool, error) {
	challenge, err := extractChallenge(ctx, page, e.fetchTimeout)
	if err != nil {
		return false, err
	}

	entry, err := e.store.Get(ctx, challenge.ContentHash)
	if err != nil {
		e.logger.Warn("offset cache lookup failed", "error", err)
		entry = nil
	}

	var offset int
	if entry != nil {
		offset = entry.Offset
		e.logger.Debug("offset cache hit", "hash", challenge.ContentHash[:12], "offset", offset)
	} else {
		offset, err = MatchOffset(challenge.Background, challenge.Puzzle, challenge.PuzzleTop)
		if err != nil {
			return false, err
		}
		e.logger.Debug("offset computed by template matching", "hash", challenge.ContentHash[:12], "offset", offset)
	}

	if err := page.DragBy(trackButtonSelector, float64(offset+sliderPadding)); err != nil {
		return false, err
	}

	if e.challengeCleared(ctx, page) {
		if err := e.store.RecordSuccess(ctx, challenge.ContentHash, offset); err != nil {
			e.logger.Warn("failed to record offset success", "error", err)
		}
		return true, nil
	}

	if err := e.store.RecordFailure(ctx, challenge.ContentHash, offset); err != nil {
		e.logger.Warn("failed to record offset failure", "error", err)
	}
	return false, nil
}

// challengeCleared polls for the geetest DOM to disappear after a drag.
func (e *Engine) challengeCleared(ctx context.Context, page browser.Page) bool {
	deadline := time.Now().Add(e.verifyTimeout)
	for {
		present := false
		for _, selector := range []string{"div.geetest_box", puzzleSelector, sliceSelector} {
			if elements, err := page.QueryAll(selector); err == nil && len(elements) > 0 {
				present = true
				break
			}
		}
		if !present {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.verifyInterval):
		}
	}
}

// pressContinue clicks through the intermediate "continue" interstitial and
// reports the state behind it.
func (e *Engine) pressContinue(ctx context.Context, page browser.Page) pagestate.State {
	for retry := 0; retry <= e.continueRetries; retry++ {
		for i := 0; i < e.continuePresses; i++ {
			if err := page.Click(pagestate.ContinueButtonSelector); err != nil {
				e.logger.Debug("continue button click failed", "error", err)
				break
			}
		}

		select {
		case <-ctx.Done():
			return pagestate.StateNotDetected
		case <-time.After(e.continueDelay):
		}

		state := e.observe(ctx, page)
		if state != pagestate.StateContinueButton {
			return state
		}
	}
	return e.observe(ctx, page)
}

func (e *Engine) observe(ctx context.Context, page browser.Page) pagestate.State {
	state, err := e.router.Detect(ctx, page, nil, nil)
	if err != nil {
		e.logger.Warn("page state detection failed", "error", err)
		return pagestate.StateNotDetected
	}
	return state
}

func (e *Engine) snapshot(page browser.Page) string {
	html, err := page.Content()
	if err != nil {
		e.logger.Debug("failed to capture page html", "error", err)
		return ""
	}
	return html
}
