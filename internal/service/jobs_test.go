package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stepan2222000/avito-library/internal/browser"
	"github.com/Stepan2222000/avito-library/internal/browser/browsertest"
	"github.com/Stepan2222000/avito-library/internal/catalog"
	"github.com/Stepan2222000/avito-library/internal/pagestate"
	"github.com/Stepan2222000/avito-library/internal/parser"
	"github.com/Stepan2222000/avito-library/internal/proxypool"
	"github.com/Stepan2222000/avito-library/internal/taskqueue"
)

const jobTestURL = "https://www.avito.ru/moskva/avtomobili?s=104"

var jobCatalogHTML = `<html><body>
<div data-marker="catalog-serp">
  <div data-marker="item" data-item-id="4242">
    <a data-marker="item-title" href="/moskva/avtomobili/lada_4242">Lada Granta</a>
    <span data-marker="item-price">550 000 ₽</span>
  </div>
</div>
</body></html>`

// seqDetector replays a scripted sequence of page states, repeating the
// final one once the script runs out.
type seqDetector struct {
	mu     sync.Mutex
	states []pagestate.State
	calls  int
}

func (d *seqDetector) Detect(ctx context.Context, page browser.Page, lastResponse *browser.Response, opts *pagestate.DetectOptions) (pagestate.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i >= len(d.states) {
		i = len(d.states) - 1
	}
	return d.states[i], nil
}

type noopSolver struct{}

func (noopSolver) Resolve(ctx context.Context, page browser.Page, maxAttempts int) (string, bool) {
	return "", false
}

type recordingSink struct {
	mu      sync.Mutex
	batches map[string][]parser.Listing
}

func newRecordingSink() *recordingSink {
	return &recordingSink{batches: map[string][]parser.Listing{}}
}

func (s *recordingSink) UpsertBatch(ctx context.Context, sourceURL string, listings []parser.Listing) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[sourceURL] = append(s.batches[sourceURL], listings...)
	return len(listings), nil
}

func testPool(t *testing.T, proxies ...string) *proxypool.Pool {
	t.Helper()
	dir := t.TempDir()
	proxiesFile := filepath.Join(dir, "proxies.txt")
	var data string
	for _, p := range proxies {
		data += p + "\n"
	}
	require.NoError(t, os.WriteFile(proxiesFile, []byte(data), 0o644))

	pool, err := proxypool.New(proxiesFile, filepath.Join(dir, "blocked.txt"))
	require.NoError(t, err)
	return pool
}

func catalogPageFactory() (PageFactory, *sync.Map) {
	var pagesByProxy sync.Map
	factory := func(ctx context.Context, proxy proxypool.Endpoint) (browser.Page, func(), error) {
		page := browsertest.NewFakePage()
		page.HTML = jobCatalogHTML
		page.SetSelector(pagestate.CatalogContainerSelector)
		page.SetSelector(pagestate.CatalogItemSelector)
		pagesByProxy.Store(proxy.Address, page)
		return page, func() {}, nil
	}
	return factory, &pagesByProxy
}

func TestManagerCompletesJob(t *testing.T) {
	detector := &seqDetector{states: []pagestate.State{pagestate.StateCatalog}}
	crawler := catalog.New(detector, noopSolver{})
	pool := testPool(t, "10.0.0.1:8080")
	queue, err := taskqueue.New(3)
	require.NoError(t, err)
	sink := newRecordingSink()

	factory, _ := catalogPageFactory()
	mgr := NewManager(crawler, pool, queue, factory, WithSink(sink))

	job, err := mgr.Submit(jobTestURL, catalog.Options{MaxPages: 1})
	require.NoError(t, err)
	require.NoError(t, mgr.Drain(context.Background()))

	got, ok := mgr.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, got.Status)
	assert.Equal(t, catalog.StatusSuccess, got.CrawlStatus)
	assert.Equal(t, 1, got.Pages)
	assert.Equal(t, 1, got.Cards)
	assert.Equal(t, "10.0.0.1:8080", got.Proxy)

	require.Len(t, sink.batches[jobTestURL], 1)
	assert.Equal(t, "4242", sink.batches[jobTestURL][0].ItemID)

	// The proxy went back to the pool.
	_, ok = pool.Acquire()
	assert.True(t, ok)
}

func TestManagerRotatesProxyOnBlock(t *testing.T) {
	// First attempt lands on a 403 page, the retry sees a catalog. The
	// resume probe and the page parse each run detection once.
	detector := &seqDetector{states: []pagestate.State{
		pagestate.StateProxyBlocked403,
		pagestate.StateCatalog,
	}}
	crawler := catalog.New(detector, noopSolver{})
	pool := testPool(t, "10.0.0.1:8080", "10.0.0.2:8080")
	queue, err := taskqueue.New(3)
	require.NoError(t, err)
	sink := newRecordingSink()

	factory, pages := catalogPageFactory()
	mgr := NewManager(crawler, pool, queue, factory, WithSink(sink))

	job, err := mgr.Submit(jobTestURL, catalog.Options{MaxPages: 1})
	require.NoError(t, err)
	require.NoError(t, mgr.Drain(context.Background()))

	got, ok := mgr.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "10.0.0.2:8080", got.Proxy)
	assert.Len(t, sink.batches[jobTestURL], 1)

	// Both proxies saw traffic and the blocked one stays out of rotation.
	_, attempted := pages.Load("10.0.0.1:8080")
	assert.True(t, attempted)
	for _, ep := range pool.Endpoints() {
		if ep.Address == "10.0.0.1:8080" {
			assert.True(t, ep.Blocked)
		}
	}
}

func TestManagerFailsOnWrongPage(t *testing.T) {
	detector := &seqDetector{states: []pagestate.State{pagestate.StateCardFound}}
	crawler := catalog.New(detector, noopSolver{})
	pool := testPool(t, "10.0.0.1:8080")
	queue, err := taskqueue.New(3)
	require.NoError(t, err)

	factory, _ := catalogPageFactory()
	mgr := NewManager(crawler, pool, queue, factory)

	job, err := mgr.Submit(jobTestURL, catalog.Options{MaxPages: 1})
	require.NoError(t, err)
	require.NoError(t, mgr.Drain(context.Background()))

	got, ok := mgr.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, string(catalog.StatusWrongPage), got.Error)
	assert.Equal(t, 0, queue.PendingCount())
}

func TestManagerExhaustsAttemptBudget(t *testing.T) {
	detector := &seqDetector{states: []pagestate.State{pagestate.StateProxyBlocked403}}
	crawler := catalog.New(detector, noopSolver{})
	pool := testPool(t, "10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")
	queue, err := taskqueue.New(2)
	require.NoError(t, err)

	factory, _ := catalogPageFactory()
	mgr := NewManager(crawler, pool, queue, factory)

	job, err := mgr.Submit(jobTestURL, catalog.Options{MaxPages: 1})
	require.NoError(t, err)
	require.NoError(t, mgr.Drain(context.Background()))

	got, ok := mgr.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, string(catalog.StatusProxyBlocked), got.Error)
	assert.Equal(t, 2, got.Attempts)

	blocked := 0
	for _, ep := range pool.Endpoints() {
		if ep.Blocked {
			blocked++
		}
	}
	assert.Equal(t, 2, blocked)
}

func TestSubmitRequiresURL(t *testing.T) {
	queue, err := taskqueue.New(1)
	require.NoError(t, err)
	mgr := NewManager(nil, testPool(t), queue, nil)

	_, err = mgr.Submit("", catalog.Options{})
	assert.Error(t, err)
}
