package images

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jpegBytes = append([]byte{0xff, 0xd8, 0xff, 0xe0}, make([]byte, 16)...)
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)
)

type scriptedFetcher struct {
	mu        sync.Mutex
	responses map[string][]fetchStep
	calls     map[string]int
}

type fetchStep struct {
	data   []byte
	status int
	err    error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		responses: map[string][]fetchStep{},
		calls:     map[string]int{},
	}
}

func (f *scriptedFetcher) script(url string, steps ...fetchStep) {
	f.responses[url] = steps
}

func (f *scriptedFetcher) FetchBytes(_ context.Context, url string, _ time.Duration) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls[url]
	f.calls[url]++
	steps := f.responses[url]
	if i >= len(steps) {
		i = len(steps) - 1
	}
	step := steps[i]
	return step.data, step.status, step.err
}

func fastDownloader() *Downloader {
	return NewDownloader(WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}))
}

func TestDownloadPreservesOrder(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.script("https://cdn.test/a.jpg", fetchStep{data: jpegBytes, status: 200})
	fetcher.script("https://cdn.test/b.png", fetchStep{data: pngBytes, status: 200})

	results := fastDownloader().Download(context.Background(), fetcher, []string{
		"https://cdn.test/a.jpg",
		"https://cdn.test/b.png",
	})
	require.Len(t, results, 2)

	assert.True(t, results[0].Success)
	assert.Equal(t, "https://cdn.test/a.jpg", results[0].URL)
	assert.Equal(t, "jpeg", results[0].Format)
	assert.True(t, results[1].Success)
	assert.Equal(t, "png", results[1].Format)
}

func TestDownloadRetriesRateLimit(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.script("https://cdn.test/a.jpg",
		fetchStep{status: 429},
		fetchStep{status: 503},
		fetchStep{data: jpegBytes, status: 200},
	)

	results := fastDownloader().Download(context.Background(), fetcher, []string{"https://cdn.test/a.jpg"})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, fetcher.calls["https://cdn.test/a.jpg"])
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.script("https://cdn.test/gone.jpg", fetchStep{status: 404})

	results := fastDownloader().Download(context.Background(), fetcher, []string{"https://cdn.test/gone.jpg"})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "HTTP 404", results[0].Error)
	assert.Equal(t, 1, fetcher.calls["https://cdn.test/gone.jpg"])
}

func TestDownloadRejectsOversizedAndGarbage(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.script("https://cdn.test/huge.jpg", fetchStep{
		data:   append(jpegBytes, make([]byte, MaxImageSize)...),
		status: 200,
	})
	fetcher.script("https://cdn.test/garbage", fetchStep{
		data:   []byte("<html>not an image</html>"),
		status: 200,
	})

	results := fastDownloader().Download(context.Background(), fetcher, []string{
		"https://cdn.test/huge.jpg",
		"https://cdn.test/garbage",
	})
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "size exceeded")
	assert.False(t, results[1].Success)
	assert.Equal(t, "invalid image format", results[1].Error)
}

func TestDetectFormat(t *testing.T) {
	webp := append([]byte("RIFF\x00\x00\x00\x00WEBP"), make([]byte, 4)...)
	gif := append([]byte("GIF89a"), make([]byte, 8)...)

	assert.Equal(t, "jpeg", DetectFormat(jpegBytes))
	assert.Equal(t, "png", DetectFormat(pngBytes))
	assert.Equal(t, "webp", DetectFormat(webp))
	assert.Equal(t, "gif", DetectFormat(gif))
	assert.Empty(t, DetectFormat([]byte("junk")))
	assert.False(t, ValidateImage([]byte("junkjunkjunkjunk")))
}

func TestRejectsLocalTargets(t *testing.T) {
	fetcher := newScriptedFetcher()
	d := fastDownloader()

	urls := []string{
		"http://127.0.0.1/a.jpg",
		"http://192.168.1.5/b.jpg",
		"http://localhost/c.jpg",
		"ftp://img.avito.st/d.jpg",
	}
	results := d.Download(context.Background(), fetcher, urls)

	require.Len(t, results, len(urls))
	for _, r := range results {
		assert.False(t, r.Success, r.URL)
		assert.NotEmpty(t, r.Error, r.URL)
	}
	// None of them reached the fetcher.
	assert.Empty(t, fetcher.calls)
}
