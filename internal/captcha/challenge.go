package captcha

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/Stepan2222000/avito-library/internal/browser"
)

// Geetest DOM nodes the solver interacts with.
const (
	puzzleSelector      = "div.geetest_slice_bg"
	backgroundSelector  = "div.geetest_bg"
	sliceSelector       = "div.geetest_slice"
	trackButtonSelector = ".geetest_track > .geetest_btn"
)

var (
	styleURLPattern = regexp.MustCompile(`url\("(.*?)"\)`)
	styleTopPattern = regexp.MustCompile(`top:\s*(-?[\d.]+)px`)

	errChallengeGone = errors.New("challenge elements missing")
)

// Challenge holds one slider puzzle instance. It lives only for the solve
// attempt that consumed it; only its hash and offset ever get persisted.
type Challenge struct {
	Background  []byte
	Puzzle      []byte
	PuzzleTop   float64
	ContentHash string
}

// extractChallenge reads the challenge images out of the live page. The
// image bytes are fetched through the page's own context so the site sees
// the same proxy and cookies that loaded the challenge.
func extractChallenge(ctx context.Context, page browser.Page, fetchTimeout time.Duration) (*Challenge, error) {
	puzzleStyle, err := styleAttribute(page, puzzleSelector)
	if err != nil {
		return nil, err
	}
	backgroundStyle, err := styleAttribute(page, backgroundSelector)
	if err != nil {
		return nil, err
	}
	sliceStyle, err := styleAttribute(page, sliceSelector)
	if err != nil {
		return nil, err
	}

	puzzleURL, err := firstSubmatch(styleURLPattern, puzzleStyle)
	if err != nil {
		return nil, fmt.Errorf("failed to parse puzzle image url: %w", err)
	}
	backgroundURL, err := firstSubmatch(styleURLPattern, backgroundStyle)
	if err != nil {
		return nil, fmt.Errorf("failed to parse background image url: %w", err)
	}
	topRaw, err := firstSubmatch(styleTopPattern, sliceStyle)
	if err != nil {
		return nil, fmt.Errorf("failed to parse puzzle top offset: %w", err)
	}
	top, err := strconv.ParseFloat(topRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse puzzle top offset %q: %w", topRaw, err)
	}

	background, status, err := page.FetchBytes(ctx, backgroundURL, fetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch background image: %w", err)
	}
	if status != 200 {
		return nil, fmt.Errorf("failed to fetch background image: HTTP %d", status)
	}
	puzzle, status, err := page.FetchBytes(ctx, puzzleURL, fetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch puzzle image: %w", err)
	}
	if status != 200 {
		return nil, fmt.Errorf("failed to fetch puzzle image: HTTP %d", status)
	}

	return &Challenge{
		Background:  background,
		Puzzle:      puzzle,
		PuzzleTop:   top,
		ContentHash: ContentHash(background, puzzle),
	}, nil
}

func styleAttribute(page browser.Page, selector string) (string, error) {
	elements, err := page.QueryAll(selector)
	if err != nil {
		return "", fmt.Errorf("failed to query %q: %w", selector, err)
	}
	if len(elements) == 0 {
		return "", fmt.Errorf("%w: %s", errChallengeGone, selector)
	}
	style, err := elements[0].Attribute("style")
	if err != nil {
		return "", fmt.Errorf("failed to read style of %q: %w", selector, err)
	}
	if style == "" {
		return "", fmt.Errorf("%w: empty style on %s", errChallengeGone, selector)
	}
	return style, nil
}

func firstSubmatch(pattern *regexp.Regexp, s string) (string, error) {
	match := pattern.FindStringSubmatch(s)
	if len(match) < 2 {
		return "", fmt.Errorf("no match for %s in %q", pattern, s)
	}
	return match[1], nil
}
