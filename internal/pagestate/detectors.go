package pagestate

import (
	"context"
	"strings"
	"time"

	"github.com/Stepan2222000/avito-library/internal/browser"
)

// Selectors shared across detectors.
const (
	CardSelector             = `span[data-marker="item-view/item-id"]`
	CatalogContainerSelector = `div[data-marker="catalog-serp"]`
	CatalogItemSelector      = `div[data-marker="item"]`
	ContinueButtonSelector   = `button[name="submit"]`
	SellerTabsSelector       = `div[data-marker="extended_profile_tabs"]`
	SellerNameSelector       = `h1[data-marker^="name "]`
)

// CaptchaSelectors must all be present simultaneously for the slider
// challenge to count as posed.
var CaptchaSelectors = []string{
	"div.geetest_box",
	"div.geetest_slice_bg",
	"div.geetest_bg",
	"div.geetest_slice",
	".geetest_track",
}

var removedSelectors = []string{
	`div[data-marker="item-view/closed-warning"]`,
	`div[data-marker="item-view/not-found"]`,
}

var blockPhrases = []string{
	"доступ ограничен",
	"проблема с ip",
	"подождите немного и обновите страницу",
}

var removedPhrases = []string{
	"такой страницы не существует",
	"объявление снято с публикации",
	"объявление снято",
	"объявление находится на модерации",
	"объявление удалено",
	"карточка недоступна",
	"объявление скрыто владельцем",
}

var unknownPagePhrases = []string{
	"журнал",
}

// ProbeOptions tune a single detector's probe for one Detect call.
type ProbeOptions struct {
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// Input carries per-call context into a probe.
type Input struct {
	LastResponse *browser.Response
	Options      ProbeOptions
}

// Probe inspects the page and reports whether its detector matches. Probes
// are read-only with respect to page state.
type Probe func(ctx context.Context, page browser.Page, in Input) (bool, error)

// Detector pairs a stable id with its probe. The registered set is static
// process-wide configuration.
type Detector struct {
	ID    State
	Probe Probe
}

func defaultDetectors() []Detector {
	return []Detector{
		{ID: StateProxyBlocked403, Probe: probeProxyBlocked403},
		{ID: StateRateLimited429, Probe: probeRateLimited429},
		{ID: StateProxyAuthRequired407, Probe: probeProxyAuthRequired407},
		{ID: StateCaptcha, Probe: probeCaptcha},
		{ID: StateRemoved, Probe: probeRemoved},
		{ID: StateSellerProfile, Probe: probeSellerProfile},
		{ID: StateCatalog, Probe: probeCatalog},
		{ID: StateCardFound, Probe: probeCardFound},
		{ID: StateContinueButton, Probe: probeContinueButton},
		{ID: StateUnknownPage, Probe: probeUnknownPage},
	}
}

func probeProxyBlocked403(ctx context.Context, page browser.Page, in Input) (bool, error) {
	if in.LastResponse != nil && in.LastResponse.Status == 403 {
		return true, nil
	}

	if hasSelector(page, CardSelector) {
		return false, nil
	}

	html, err := page.Content()
	if err != nil {
		return false, nil
	}
	lowered := strings.ToLower(html)
	// All phrases have to match: the unblock instructions are served with
	// 200/206 as well, so text is the only reliable signal.
	for _, phrase := range blockPhrases {
		if !strings.Contains(lowered, phrase) {
			return false, nil
		}
	}
	return true, nil
}

func probeRateLimited429(ctx context.Context, page browser.Page, in Input) (bool, error) {
	if in.LastResponse == nil || in.LastResponse.Status != 429 {
		return false, nil
	}
	if hasSelector(page, CardSelector) {
		return false, nil
	}
	return true, nil
}

func probeProxyAuthRequired407(ctx context.Context, page browser.Page, in Input) (bool, error) {
	return in.LastResponse != nil && in.LastResponse.Status == 407, nil
}

func probeCaptcha(ctx context.Context, page browser.Page, in Input) (bool, error) {
	timeout := in.Options.WaitTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	interval := in.Options.PollInterval
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for {
		if allSelectorsPresent(page, CaptchaSelectors) {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if remaining < interval {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func probeRemoved(ctx context.Context, page browser.Page, in Input) (bool, error) {
	if in.LastResponse != nil {
		if in.LastResponse.Status == 404 || in.LastResponse.Status == 410 {
			return true, nil
		}
	}

	for _, selector := range removedSelectors {
		if hasSelector(page, selector) {
			return true, nil
		}
	}

	html, err := page.Content()
	if err != nil {
		return false, nil
	}
	lowered := strings.ToLower(html)
	for _, phrase := range removedPhrases {
		if strings.Contains(lowered, phrase) {
			return true, nil
		}
	}
	return false, nil
}

func probeSellerProfile(ctx context.Context, page browser.Page, in Input) (bool, error) {
	if !hasSelector(page, SellerTabsSelector) {
		return false, nil
	}

	names, err := page.QueryAll(SellerNameSelector)
	if err != nil || len(names) == 0 {
		return false, nil
	}
	text, err := names[0].Text()
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(text) != "", nil
}

func probeCatalog(ctx context.Context, page browser.Page, in Input) (bool, error) {
	if hasSelector(page, CardSelector) {
		return false, nil
	}
	return hasSelector(page, CatalogContainerSelector), nil
}

func probeCardFound(ctx context.Context, page browser.Page, in Input) (bool, error) {
	cards, err := page.QueryAll(CardSelector)
	if err != nil || len(cards) == 0 {
		return false, nil
	}
	visible, err := cards[0].Visible()
	if err != nil {
		return false, nil
	}
	return visible, nil
}

func probeContinueButton(ctx context.Context, page browser.Page, in Input) (bool, error) {
	buttons, err := page.QueryAll(ContinueButtonSelector)
	if err != nil || len(buttons) == 0 {
		return false, nil
	}
	visible, err := buttons[0].Visible()
	if err != nil {
		return false, nil
	}
	return visible, nil
}

func probeUnknownPage(ctx context.Context, page browser.Page, in Input) (bool, error) {
	if hasSelector(page, CatalogContainerSelector) || hasSelector(page, CardSelector) {
		return false, nil
	}

	html, err := page.Content()
	if err != nil || html == "" {
		return false, nil
	}
	lowered := strings.ToLower(html)
	for _, phrase := range unknownPagePhrases {
		if strings.Contains(lowered, phrase) {
			return true, nil
		}
	}
	return false, nil
}

func hasSelector(page browser.Page, selector string) bool {
	elements, err := page.QueryAll(selector)
	return err == nil && len(elements) > 0
}

func allSelectorsPresent(page browser.Page, selectors []string) bool {
	for _, selector := range selectors {
		if !hasSelector(page, selector) {
			return false
		}
	}
	return true
}
