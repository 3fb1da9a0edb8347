// Package service coordinates crawl jobs: it owns the task queue, rotates
// proxies when the site blocks one, resumes interrupted crawls from their
// checkpoints, and persists whatever a crawl produced.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Stepan2222000/avito-library/internal/browser"
	"github.com/Stepan2222000/avito-library/internal/catalog"
	"github.com/Stepan2222000/avito-library/internal/parser"
	"github.com/Stepan2222000/avito-library/internal/proxypool"
	"github.com/Stepan2222000/avito-library/internal/ratelimit"
	"github.com/Stepan2222000/avito-library/internal/taskqueue"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job tracks one crawl request through its lifecycle.
type Job struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Status      JobStatus      `json:"status"`
	CrawlStatus catalog.Status `json:"crawl_status,omitempty"`
	Pages       int            `json:"pages"`
	Cards       int            `json:"cards"`
	Attempts    int            `json:"attempts"`
	Proxy       string         `json:"proxy,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ListingSink receives crawl output. *database.ListingStore satisfies it.
type ListingSink interface {
	UpsertBatch(ctx context.Context, sourceURL string, listings []parser.Listing) (int, error)
}

// PageFactory opens a browser page routed through the given proxy. The
// returned closer tears the page down; it is called once the crawl attempt
// finishes.
type PageFactory func(ctx context.Context, proxy proxypool.Endpoint) (browser.Page, func(), error)

type Manager struct {
	crawler *catalog.Crawler
	pool    *proxypool.Pool
	queue   *taskqueue.Queue
	newPage PageFactory
	sink    ListingSink
	limiter *ratelimit.AdaptiveLimiter
	logger  *slog.Logger
	workers int

	notify chan struct{}

	mu          sync.Mutex
	jobs        map[string]*Job
	checkpoints map[string]*catalog.Result
}

type ManagerOption func(*Manager)

// WithSink persists completed and partially completed crawls.
func WithSink(sink ListingSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithAdaptiveLimiter feeds crawl outcomes back into the pacing limiter.
func WithAdaptiveLimiter(limiter *ratelimit.AdaptiveLimiter) ManagerOption {
	return func(m *Manager) { m.limiter = limiter }
}

func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

func NewManager(crawler *catalog.Crawler, pool *proxypool.Pool, queue *taskqueue.Queue, newPage PageFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		crawler:     crawler,
		pool:        pool,
		queue:       queue,
		newPage:     newPage,
		logger:      slog.Default().With("component", "service"),
		workers:     1,
		notify:      make(chan struct{}, 1),
		jobs:        map[string]*Job{},
		checkpoints: map[string]*catalog.Result{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit queues a crawl for url. Crawl options other than the URL come
// from opts; opts.URL is overwritten.
func (m *Manager) Submit(url string, opts catalog.Options) (Job, error) {
	if url == "" {
		return Job{}, errors.New("url is required")
	}
	opts.URL = url

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		URL:       url,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if !m.queue.Put(job.ID, opts) {
		return Job{}, fmt.Errorf("job %s already queued", job.ID)
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return *job, nil
}

// Job returns a snapshot of one job.
func (m *Manager) Job(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Jobs returns snapshots of every known job.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	return out
}

// Run processes jobs until ctx is cancelled, idling while the queue is
// empty. It is the long-running mode used by the HTTP server.
func (m *Manager) Run(ctx context.Context) error {
	return m.loop(ctx, false)
}

// Drain processes jobs until the queue is empty, then returns. This is the
// one-shot mode used by the CLI.
func (m *Manager) Drain(ctx context.Context) error {
	return m.loop(ctx, true)
}

func (m *Manager) loop(ctx context.Context, stopWhenEmpty bool) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			for {
				task, ok, err := m.queue.Get(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				if !ok {
					if stopWhenEmpty {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-m.notify:
					}
					continue
				}
				m.process(ctx, task)
			}
		})
	}
	return g.Wait()
}

func (m *Manager) process(ctx context.Context, task taskqueue.Task) {
	opts, ok := task.Payload.(catalog.Options)
	if !ok {
		m.logger.Error("task carries unexpected payload", "key", task.Key)
		m.queue.Abandon(task.Key)
		return
	}

	proxy, ok := m.pool.Acquire()
	if !ok {
		m.logger.Warn("no proxy available", "job", task.Key)
		if !m.queue.Retry(task.Key, "") {
			m.failJob(task.Key, task.Attempt, "proxy pool exhausted", nil)
		}
		return
	}

	m.updateJob(task.Key, func(j *Job) {
		j.Status = JobRunning
		j.Proxy = proxy.Address
		j.Attempts = task.Attempt
	})

	page, closePage, err := m.newPage(ctx, proxy)
	if err != nil {
		m.pool.Release(proxy.Address)
		m.logger.Error("failed to open browser page", "job", task.Key, "error", err)
		if !m.queue.Retry(task.Key, proxy.Address) {
			m.failJob(task.Key, task.Attempt, err.Error(), nil)
		}
		return
	}
	defer closePage()

	var result *catalog.Result
	if checkpoint := m.takeCheckpoint(task.Key); checkpoint != nil {
		result, err = checkpoint.ContinueFrom(ctx, page, nil)
	} else {
		result, err = m.crawler.ParseCatalog(ctx, page, opts)
	}
	if err != nil {
		m.pool.Release(proxy.Address)
		m.logger.Error("crawl attempt failed", "job", task.Key, "error", err)
		if !m.queue.Retry(task.Key, proxy.Address) {
			m.failJob(task.Key, task.Attempt, err.Error(), nil)
		}
		return
	}

	switch result.Status {
	case catalog.StatusSuccess, catalog.StatusEmpty:
		m.pool.Release(proxy.Address)
		if m.limiter != nil {
			m.limiter.RecordSuccess()
		}
		m.persist(ctx, opts.URL, result)
		m.updateJob(task.Key, func(j *Job) {
			j.Status = JobCompleted
			j.CrawlStatus = result.Status
			j.Pages = result.ProcessedPages
			j.Cards = len(result.Listings)
		})
		m.queue.MarkDone(task.Key)

	default:
		if result.Status == catalog.StatusProxyBlocked || result.Status == catalog.StatusProxyAuthRequired {
			if err := m.pool.MarkBlocked(proxy.Address, string(result.ErrorState)); err != nil {
				m.logger.Error("failed to blacklist proxy", "proxy", proxy.Address, "error", err)
			}
		} else {
			m.pool.Release(proxy.Address)
		}
		if m.limiter != nil {
			m.limiter.RecordError()
		}

		if !result.Resumable() {
			m.persist(ctx, opts.URL, result)
			m.failJob(task.Key, task.Attempt, string(result.Status), result)
			m.queue.Abandon(task.Key)
			return
		}

		m.storeCheckpoint(task.Key, result)
		if !m.queue.Retry(task.Key, proxy.Address) {
			// Attempt budget exhausted; keep what the crawl managed to
			// collect before giving up.
			m.takeCheckpoint(task.Key)
			m.persist(ctx, opts.URL, result)
			m.failJob(task.Key, task.Attempt, string(result.Status), result)
		}
	}
}

func (m *Manager) persist(ctx context.Context, sourceURL string, result *catalog.Result) {
	if m.sink == nil || len(result.Listings) == 0 {
		return
	}
	stored, err := m.sink.UpsertBatch(ctx, sourceURL, result.Listings)
	if err != nil {
		m.logger.Error("failed to persist listings", "url", sourceURL, "error", err)
		return
	}
	m.logger.Info("listings persisted", "url", sourceURL, "count", stored)
}

func (m *Manager) updateJob(id string, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		fn(job)
		job.UpdatedAt = time.Now().UTC()
	}
}

func (m *Manager) failJob(id string, attempts int, reason string, result *catalog.Result) {
	m.updateJob(id, func(j *Job) {
		j.Status = JobFailed
		j.Error = reason
		j.Attempts = attempts
		if result != nil {
			j.CrawlStatus = result.Status
			j.Pages = result.ProcessedPages
			j.Cards = len(result.Listings)
		}
	})
}

func (m *Manager) storeCheckpoint(id string, result *catalog.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[id] = result
}

func (m *Manager) takeCheckpoint(id string) *catalog.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	checkpoint := m.checkpoints[id]
	delete(m.checkpoints, id)
	return checkpoint
}
