package pagestate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stepan2222000/avito-library/internal/browser"
	"github.com/Stepan2222000/avito-library/internal/browser/browsertest"
)

func fastCaptcha() map[State]ProbeOptions {
	return map[State]ProbeOptions{
		StateCaptcha: {WaitTimeout: time.Millisecond, PollInterval: time.Millisecond},
	}
}

func TestDetectPriorityOrder(t *testing.T) {
	router := NewRouter(WithRetryInterval(time.Millisecond))
	page := browsertest.NewFakePage()

	// A page that matches both the catalog and the continue-button
	// detectors must classify as catalog, which outranks the button.
	page.SetSelector(CatalogContainerSelector)
	page.SetSelector(ContinueButtonSelector)

	state, err := router.Detect(context.Background(), page, nil, &DetectOptions{Detector: fastCaptcha()})
	require.NoError(t, err)
	assert.Equal(t, StateCatalog, state)
}

func TestDetectSkipAndOverride(t *testing.T) {
	router := NewRouter(WithRetryInterval(time.Millisecond))
	page := browsertest.NewFakePage()
	page.SetSelector(CatalogContainerSelector)
	page.SetSelector(ContinueButtonSelector)

	t.Run("skip removes a detector from the pass", func(t *testing.T) {
		state, err := router.Detect(context.Background(), page, nil, &DetectOptions{
			Skip:     []State{StateCatalog},
			Detector: fastCaptcha(),
		})
		require.NoError(t, err)
		assert.Equal(t, StateContinueButton, state)
	})

	t.Run("priority override wins over default order", func(t *testing.T) {
		state, err := router.Detect(context.Background(), page, nil, &DetectOptions{
			Priority: []State{StateContinueButton},
			Detector: fastCaptcha(),
		})
		require.NoError(t, err)
		assert.Equal(t, StateContinueButton, state)
	})

	t.Run("unknown ids are rejected", func(t *testing.T) {
		_, err := router.Detect(context.Background(), page, nil, &DetectOptions{
			Skip: []State{"no_such_detector"},
		})
		assert.ErrorIs(t, err, ErrUnknownDetector)

		_, err = router.Detect(context.Background(), page, nil, &DetectOptions{
			Priority: []State{"no_such_detector"},
		})
		assert.ErrorIs(t, err, ErrUnknownDetector)
	})
}

func TestDetectRetriesExactlyThreePasses(t *testing.T) {
	passes := 0
	neverMatches := Detector{
		ID: StateCatalog,
		Probe: func(ctx context.Context, page browser.Page, in Input) (bool, error) {
			passes++
			return false, nil
		},
	}

	router := NewRouter(
		WithDetectors([]Detector{neverMatches}),
		WithRetryInterval(time.Millisecond),
	)

	state, err := router.Detect(context.Background(), browsertest.NewFakePage(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateNotDetected, state)
	assert.Equal(t, 3, passes)
}

func TestDetectSecondPassMatch(t *testing.T) {
	calls := 0
	flaky := Detector{
		ID: StateCatalog,
		Probe: func(ctx context.Context, page browser.Page, in Input) (bool, error) {
			calls++
			return calls >= 2, nil
		},
	}

	router := NewRouter(
		WithDetectors([]Detector{flaky}),
		WithRetryInterval(time.Millisecond),
	)

	state, err := router.Detect(context.Background(), browsertest.NewFakePage(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCatalog, state)
	assert.Equal(t, 2, calls)
}

func TestResponseGatedDetectors(t *testing.T) {
	router := NewRouter(WithRetryInterval(time.Millisecond))

	tests := []struct {
		name     string
		status   int
		expected State
	}{
		{"403 classifies as proxy blocked", 403, StateProxyBlocked403},
		{"429 classifies as rate limited", 429, StateRateLimited429},
		{"407 classifies as proxy auth required", 407, StateProxyAuthRequired407},
		{"404 classifies as removed", 404, StateRemoved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := browsertest.NewFakePage()
			state, err := router.Detect(context.Background(), page, &browser.Response{Status: tt.status}, &DetectOptions{Detector: fastCaptcha()})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, state)
		})
	}

	t.Run("no response means no HTTP-derived match", func(t *testing.T) {
		page := browsertest.NewFakePage()
		state, err := router.Detect(context.Background(), page, nil, &DetectOptions{Detector: fastCaptcha()})
		require.NoError(t, err)
		assert.Equal(t, StateNotDetected, state)
	})
}

func TestContentDetectors(t *testing.T) {
	router := NewRouter(WithRetryInterval(time.Millisecond))
	ctx := context.Background()

	t.Run("captcha detected when all geetest nodes present", func(t *testing.T) {
		page := browsertest.NewFakePage()
		for _, selector := range CaptchaSelectors {
			page.SetSelector(selector)
		}
		state, err := router.Detect(ctx, page, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, StateCaptcha, state)
	})

	t.Run("partial geetest DOM is not a captcha", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.SetSelector("div.geetest_box")
		page.SetSelector(CatalogContainerSelector)
		state, err := router.Detect(ctx, page, nil, &DetectOptions{Detector: fastCaptcha()})
		require.NoError(t, err)
		assert.Equal(t, StateCatalog, state)
	})

	t.Run("card outranks nothing but blocks catalog", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.SetSelector(CardSelector)
		page.SetSelector(CatalogContainerSelector)
		state, err := router.Detect(ctx, page, nil, &DetectOptions{Detector: fastCaptcha()})
		require.NoError(t, err)
		assert.Equal(t, StateCardFound, state)
	})

	t.Run("blocked page recognized by phrases without status", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.HTML = "<html>Доступ ограничен: проблема с IP. Подождите немного и обновите страницу.</html>"
		state, err := router.Detect(ctx, page, nil, &DetectOptions{Detector: fastCaptcha()})
		require.NoError(t, err)
		assert.Equal(t, StateProxyBlocked403, state)
	})

	t.Run("removed listing recognized by phrase", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.HTML = "<html>Объявление снято с публикации</html>"
		state, err := router.Detect(ctx, page, nil, &DetectOptions{Detector: fastCaptcha()})
		require.NoError(t, err)
		assert.Equal(t, StateRemoved, state)
	})

	t.Run("seller profile needs tabs and a name", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.SetSelector(SellerTabsSelector)
		page.SetSelector(SellerNameSelector, &browsertest.FakeElement{TextVal: "Автосалон"})
		state, err := router.Detect(ctx, page, nil, &DetectOptions{Detector: fastCaptcha()})
		require.NoError(t, err)
		assert.Equal(t, StateSellerProfile, state)
	})

	t.Run("editorial page classifies as unknown", func(t *testing.T) {
		page := browsertest.NewFakePage()
		page.HTML = "<html><h1>Журнал Авто</h1></html>"
		state, err := router.Detect(ctx, page, nil, &DetectOptions{Detector: fastCaptcha()})
		require.NoError(t, err)
		assert.Equal(t, StateUnknownPage, state)
	})
}

func TestDebugScreenshotOnNotDetected(t *testing.T) {
	dir := t.TempDir()
	router := NewRouter(WithRetryInterval(time.Millisecond), WithDebugDir(dir))
	page := browsertest.NewFakePage()

	state, err := router.Detect(context.Background(), page, nil, &DetectOptions{Detector: fastCaptcha()})
	require.NoError(t, err)
	assert.Equal(t, StateNotDetected, state)

	require.Len(t, page.Screenshots, 1)
	assert.Contains(t, page.Screenshots[0], dir)
	assert.Contains(t, page.Screenshots[0], "not_detected_")
}
