// Package images bulk-downloads listing photos through the browser context
// of an open page, inheriting its proxy and cookies. The site serves
// images from a CDN that rate-limits aggressively, hence the bounded
// concurrency and the retry schedule.
package images

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const MaxImageSize = 10 << 20

var retryableStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Fetcher fetches raw bytes through a browser context. browser.Page
// satisfies it.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string, timeout time.Duration) ([]byte, int, error)
}

// Result is the outcome of downloading one image. Failures are per-URL and
// never abort the batch.
type Result struct {
	URL     string
	Success bool
	Data    []byte
	Size    int
	Format  string
	Error   string
}

type Downloader struct {
	maxConcurrent int64
	timeout       time.Duration
	retryDelays   []time.Duration
	logger        *slog.Logger
}

type Option func(*Downloader)

func WithMaxConcurrent(n int64) Option {
	return func(d *Downloader) { d.maxConcurrent = n }
}

func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) { d.timeout = timeout }
}

func WithRetryDelays(delays []time.Duration) Option {
	return func(d *Downloader) { d.retryDelays = delays }
}

func NewDownloader(opts ...Option) *Downloader {
	d := &Downloader{
		maxConcurrent: 10,
		timeout:       15 * time.Second,
		retryDelays:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		logger:        slog.Default().With("component", "images"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download fetches every URL concurrently and returns results in input
// order.
func (d *Downloader) Download(ctx context.Context, fetcher Fetcher, urls []string) []Result {
	if len(urls) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(d.maxConcurrent)
	results := make([]Result, len(urls))

	var wg sync.WaitGroup
	for i, url := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{URL: url, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = d.fetchOne(ctx, fetcher, url)
		}(i, url)
	}
	wg.Wait()
	return results
}

func (d *Downloader) fetchOne(ctx context.Context, fetcher Fetcher, url string) Result {
	if err := checkTarget(url); err != nil {
		return Result{URL: url, Error: err.Error()}
	}
	lastError := ""

	for attempt := 0; attempt < len(d.retryDelays); attempt++ {
		data, status, err := fetcher.FetchBytes(ctx, url, d.timeout)
		if err != nil {
			lastError = err.Error()
		} else if status != 200 {
			lastError = fmt.Sprintf("HTTP %d", status)
			if !retryableStatus[status] {
				break
			}
		} else {
			if len(data) > MaxImageSize {
				return Result{URL: url, Size: len(data), Error: fmt.Sprintf("size exceeded: %d", len(data))}
			}
			format := DetectFormat(data)
			if format == "" {
				return Result{URL: url, Size: len(data), Error: "invalid image format"}
			}
			return Result{URL: url, Success: true, Data: data, Size: len(data), Format: format}
		}

		if attempt < len(d.retryDelays)-1 {
			select {
			case <-ctx.Done():
				return Result{URL: url, Error: ctx.Err().Error()}
			case <-time.After(d.retryDelays[attempt]):
			}
		}
	}

	d.logger.Debug("image download failed", "url", url, "error", lastError)
	return Result{URL: url, Error: lastError}
}

// checkTarget rejects URLs that would pull the fetch inside the local
// network. Image URLs come straight out of scraped HTML, so they are
// attacker-influenced input.
func checkTarget(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".local") {
		return fmt.Errorf("refusing to fetch from %q", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to fetch from private address %s", ip)
		}
	}
	return nil
}

// DetectFormat sniffs the image format from magic bytes. Returns "" for
// anything that is not a jpeg, png, webp or gif.
func DetectFormat(data []byte) string {
	if len(data) < 12 {
		return ""
	}
	switch {
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "jpeg"
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "gif"
	}
	return ""
}

// ValidateImage reports whether data looks like a supported image.
func ValidateImage(data []byte) bool {
	return DetectFormat(data) != ""
}
