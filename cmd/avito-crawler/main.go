package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/Stepan2222000/avito-library/internal/browser"
	"github.com/Stepan2222000/avito-library/internal/captcha"
	"github.com/Stepan2222000/avito-library/internal/catalog"
	"github.com/Stepan2222000/avito-library/internal/config"
	"github.com/Stepan2222000/avito-library/internal/offsetcache"
	"github.com/Stepan2222000/avito-library/internal/pagestate"
	"github.com/Stepan2222000/avito-library/internal/parser"
	"github.com/Stepan2222000/avito-library/internal/proxypool"
	"github.com/Stepan2222000/avito-library/internal/ratelimit"
	"github.com/Stepan2222000/avito-library/internal/service"
	"github.com/Stepan2222000/avito-library/internal/taskqueue"
)

// collectSink keeps crawl output in memory so the CLI can print it once
// the crawl finishes.
type collectSink struct {
	listings []parser.Listing
}

func (s *collectSink) UpsertBatch(ctx context.Context, sourceURL string, listings []parser.Listing) (int, error) {
	s.listings = append(s.listings, listings...)
	return len(listings), nil
}

func main() {
	var (
		urlFlag    = flag.String("url", "", "catalog URL to crawl (required)")
		maxPages   = flag.Int("max-pages", 0, "page cap, 0 means crawl to the end")
		sortFlag   = flag.String("sort", "", "sort order: date, price_asc, price_desc, mileage_asc")
		startPage  = flag.Int("start-page", 0, "open the crawl at this page")
		singlePage = flag.Bool("single-page", false, "parse the current page only")
		rawHTML    = flag.Bool("raw-html", false, "include each card's raw HTML in the output")
		fieldsFlag = flag.String("fields", "", "comma-separated fields to extract, empty means all")
		outFile    = flag.String("out", "", "write listings JSON to this file instead of stdout")
	)
	flag.Parse()

	if *urlFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: avito-crawler -url <catalog-url> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("interrupted, stopping crawl")
		cancel()
	}()

	offsetStore, closeStore, err := newOffsetStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize offset cache", "backend", cfg.Cache.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	pool, err := proxypool.New(cfg.Proxy.ProxiesFile, cfg.Proxy.BlockedFile)
	if err != nil {
		logger.Error("failed to load proxy list", "error", err)
		os.Exit(1)
	}

	queue, err := taskqueue.New(cfg.Crawl.TaskAttempts)
	if err != nil {
		logger.Error("failed to create task queue", "error", err)
		os.Exit(1)
	}

	router := pagestate.NewRouter()
	solver := captcha.NewEngine(router, offsetStore)
	limiter := ratelimit.NewAdaptiveLimiter(cfg.Crawl.RateLimitMin, cfg.Crawl.RateLimitMax)
	crawler := catalog.New(router, solver, catalog.WithRateLimiter(limiter))

	sink := &collectSink{}
	manager := service.NewManager(crawler, pool, queue, pageFactory(cfg),
		service.WithSink(sink),
		service.WithAdaptiveLimiter(limiter),
	)

	opts := catalog.Options{
		MaxPages:        *maxPages,
		Sort:            catalog.Sort(*sortFlag),
		StartPage:       *startPage,
		SinglePage:      *singlePage,
		IncludeRawHTML:  *rawHTML,
		Fields:          parseFields(*fieldsFlag),
		CaptchaAttempts: cfg.Crawl.CaptchaAttempts,
		LoadTimeout:     cfg.Crawl.LoadTimeout,
		LoadRetries:     cfg.Crawl.LoadRetries,
	}

	job, err := manager.Submit(*urlFlag, opts)
	if err != nil {
		logger.Error("failed to queue crawl", "error", err)
		os.Exit(1)
	}

	if err := manager.Drain(ctx); err != nil {
		logger.Error("crawl failed", "error", err)
		os.Exit(1)
	}

	final, _ := manager.Job(job.ID)
	logger.Info("crawl finished",
		"status", final.Status,
		"crawl_status", final.CrawlStatus,
		"pages", final.Pages,
		"cards", final.Cards,
		"attempts", final.Attempts,
	)

	if err := writeListings(*outFile, sink.listings); err != nil {
		logger.Error("failed to write output", "error", err)
		os.Exit(1)
	}
	if final.Status != service.JobCompleted {
		os.Exit(1)
	}
}

func parseFields(raw string) parser.FieldSet {
	if raw == "" {
		return nil
	}
	var fields []parser.Field
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			fields = append(fields, parser.Field(name))
		}
	}
	return parser.NewFieldSet(fields...)
}

func writeListings(path string, listings []parser.Listing) error {
	out := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(listings)
}

func pageFactory(cfg *config.Config) service.PageFactory {
	return func(ctx context.Context, proxy proxypool.Endpoint) (browser.Page, func(), error) {
		opts := browser.DefaultOptions()
		opts.Headless = cfg.Browser.Headless
		opts.Timeout = cfg.Browser.Timeout
		opts.ViewportWidth = cfg.Browser.ViewportWidth
		opts.ViewportHeight = cfg.Browser.ViewportHeight
		opts.AcceptLanguage = cfg.Browser.AcceptLanguage
		opts.TimezoneID = cfg.Browser.TimezoneID
		opts.Locale = cfg.Browser.Locale
		proxy.Configure(opts)

		b, err := browser.New(opts)
		if err != nil {
			return nil, nil, err
		}
		page, err := b.NewPage()
		if err != nil {
			b.Close()
			return nil, nil, err
		}
		return page, func() { b.Close() }, nil
	}
}

// newOffsetStore builds the cache backend for the CLI. The postgres
// backend needs the full server deployment; point OFFSET_CACHE_BACKEND at
// memory, file or redis here.
func newOffsetStore(ctx context.Context, cfg *config.Config) (offsetcache.Store, func(), error) {
	switch cfg.Cache.Backend {
	case "memory":
		return offsetcache.NewMemoryStore(), func() {}, nil

	case "file":
		store, err := offsetcache.NewFileStore(cfg.Cache.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisAddr,
			DB:   cfg.Cache.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return offsetcache.NewRedisStore(client), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("offset cache backend %q is not supported by the cli", cfg.Cache.Backend)
}
