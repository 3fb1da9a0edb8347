package pagestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Stepan2222000/avito-library/internal/browser"
)

// ErrUnknownDetector is returned when DetectOptions reference a detector id
// that is not registered.
var ErrUnknownDetector = errors.New("unknown detector")

const (
	// DefaultRetryInterval is how long the router waits between full
	// detection passes. Page state usually lags DOM readiness by a short,
	// roughly constant amount.
	DefaultRetryInterval = 20 * time.Second
	// DefaultMaxPasses bounds the number of full detection passes before
	// the router gives up with StateNotDetected.
	DefaultMaxPasses = 3
)

// DetectOptions customize a single Detect call.
type DetectOptions struct {
	// Skip lists detector ids excluded from this pass.
	Skip []State
	// Priority overrides the default order for the listed ids; detectors
	// not listed keep their default relative order after them.
	Priority []State
	// Detector carries per-detector probe options keyed by detector id.
	Detector map[State]ProbeOptions
}

// Router runs the registered detectors in priority order and returns the
// first match.
type Router struct {
	detectors     map[State]Detector
	order         []State
	retryInterval time.Duration
	maxPasses     int
	debugDir      string
	logger        *slog.Logger
}

type RouterOption func(*Router)

func WithRetryInterval(d time.Duration) RouterOption {
	return func(r *Router) { r.retryInterval = d }
}

func WithMaxPasses(n int) RouterOption {
	return func(r *Router) { r.maxPasses = n }
}

// WithDebugDir makes the router screenshot pages it could not classify
// into dir for offline inspection.
func WithDebugDir(dir string) RouterOption {
	return func(r *Router) { r.debugDir = dir }
}

// WithDetectors replaces the registered detector set. The order of the slice
// becomes the default priority order.
func WithDetectors(detectors []Detector) RouterOption {
	return func(r *Router) {
		r.detectors = make(map[State]Detector, len(detectors))
		r.order = r.order[:0]
		for _, d := range detectors {
			r.detectors[d.ID] = d
			r.order = append(r.order, d.ID)
		}
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		detectors:     make(map[State]Detector),
		retryInterval: DefaultRetryInterval,
		maxPasses:     DefaultMaxPasses,
		logger:        slog.Default().With("component", "pagestate"),
	}
	for _, d := range defaultDetectors() {
		r.detectors[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Detect classifies the current page. lastResponse may be nil; detectors
// that depend on the HTTP status then report no match. When no detector
// matches, the router sleeps and retries the whole pass, returning
// StateNotDetected after the pass budget is spent. The error return is
// reserved for invalid options and context cancellation; an unclassifiable
// page is a state, not an error.
func (r *Router) Detect(ctx context.Context, page browser.Page, lastResponse *browser.Response, opts *DetectOptions) (State, error) {
	if opts == nil {
		opts = &DetectOptions{}
	}

	order, err := r.effectiveOrder(opts)
	if err != nil {
		return StateNotDetected, err
	}

	for pass := 1; pass <= r.maxPasses; pass++ {
		for _, id := range order {
			detector := r.detectors[id]
			in := Input{
				LastResponse: lastResponse,
				Options:      opts.Detector[id],
			}

			matched, err := detector.Probe(ctx, page, in)
			if err != nil {
				if ctx.Err() != nil {
					return StateNotDetected, ctx.Err()
				}
				r.logger.Debug("detector probe failed", "detector", id, "error", err)
				continue
			}
			if matched {
				return id, nil
			}
		}

		if pass == r.maxPasses {
			break
		}
		select {
		case <-ctx.Done():
			return StateNotDetected, ctx.Err()
		case <-time.After(r.retryInterval):
		}
	}

	r.logger.Warn("no detector matched page state", "url", page.URL(), "passes", r.maxPasses)
	if r.debugDir != "" {
		path := filepath.Join(r.debugDir, fmt.Sprintf("not_detected_%d.png", time.Now().UnixMilli()))
		if err := page.Screenshot(path); err != nil {
			r.logger.Debug("failed to capture debug screenshot", "path", path, "error", err)
		}
	}
	return StateNotDetected, nil
}

func (r *Router) effectiveOrder(opts *DetectOptions) ([]State, error) {
	skip := make(map[State]bool, len(opts.Skip))
	for _, id := range opts.Skip {
		if _, ok := r.detectors[id]; !ok {
			return nil, fmt.Errorf("%w in skip: %s", ErrUnknownDetector, id)
		}
		skip[id] = true
	}
	for id := range opts.Detector {
		if _, ok := r.detectors[id]; !ok {
			return nil, fmt.Errorf("%w in detector options: %s", ErrUnknownDetector, id)
		}
	}

	seen := make(map[State]bool, len(r.order))
	order := make([]State, 0, len(r.order))
	for _, id := range opts.Priority {
		if _, ok := r.detectors[id]; !ok {
			return nil, fmt.Errorf("%w in priority: %s", ErrUnknownDetector, id)
		}
		if skip[id] || seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}
	for _, id := range r.order {
		if skip[id] || seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}
	return order, nil
}
