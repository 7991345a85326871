// Command mpkbot crawls the MPK training calendar and emails users about new
// courses matching their saved searches.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mpkbot/account"
	"mpkbot/config"
	"mpkbot/crawl"
	"mpkbot/email"
	"mpkbot/metrics"
	"mpkbot/notify"
	"mpkbot/pgstore"
	"mpkbot/pkg/catalog"
	"mpkbot/queue"
	"mpkbot/scraper"
	"mpkbot/search"
	"mpkbot/server"
	"mpkbot/storage"
)

// store is what both record backends provide.
type store interface {
	crawl.CourseStore
	crawl.CourseWriter
	search.Source
	notify.Store
	account.Store
}

func main() {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	path, err := flags.GetString("config")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(path, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	metrics.Init()

	st, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	q, err := openQueues(ctx, cfg.Queue, logger)
	if err != nil {
		return err
	}
	defer q.close()

	provider, err := newEmailProvider(ctx, cfg.Email, logger)
	if err != nil {
		return err
	}

	loc := cfg.Location()
	scr := scraper.New(&http.Client{Timeout: cfg.Crawler.RequestTimeout}, scraper.Config{
		ListingURL: cfg.Crawler.ListingURL,
		DetailURL:  cfg.Crawler.DetailURL,
		UserAgent:  cfg.Crawler.UserAgent,
		Timeout:    cfg.Crawler.RequestTimeout,
		Location:   loc,
	}, logger)

	detector := crawl.NewDetector(st, q.detailPub, cfg.Crawler.StaleAfter, logger)
	crawler := crawl.NewCrawler(scr, detector, crawl.CrawlerConfig{
		Units:    cfg.Crawler.Units,
		PageSize: cfg.Crawler.PageSize,
		MaxPages: cfg.Crawler.MaxPages,
	}, logger)
	details := crawl.NewDetailHandler(scr, st, loc, logger)

	courseURL := cfg.Crawler.CourseURL
	if courseURL == "" {
		courseURL = catalog.DefaultCourseURL
	}
	cache := search.NewCache(st, courseURL, logger)
	accounts := account.New(st, cache, q.notifyPub, courseURL, logger)
	notifier := notify.New(cache, st, accounts, email.New(provider, logger, cfg.Email.SubjectSuffix), logger)

	srv := server.New(&server.Config{
		Crawler:      crawler,
		Notifier:     notifier,
		Courses:      cache,
		Accounts:     accounts,
		Logger:       logger,
		CrawlTimeout: cfg.Schedule.CrawlTimeout,
		TaskToken:    cfg.Server.TaskToken,
	})
	if cfg.Server.TaskToken == "" {
		logger.Warn("No task token configured, /tasks endpoints accept any caller")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, strconv.Itoa(cfg.Server.Port))
	})
	g.Go(func() error {
		return q.detailSub.Consume(gctx, details.HandleMessage)
	})
	g.Go(func() error {
		return q.notifySub.Consume(gctx, notifier.HandleMessage)
	})
	g.Go(func() error {
		runEvery(gctx, cfg.Schedule.CrawlInterval, func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, cfg.Schedule.CrawlTimeout)
			defer cancel()
			crawler.CrawlAll(ctx)
		})
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, cfg.Schedule.NotifyInterval, func(ctx context.Context) {
			if _, err := notifier.RunAll(ctx); err != nil {
				logger.Error("Scheduled notification run failed", "error", err)
			}
		})
		return nil
	})

	logger.Info("Service started",
		"storage", cfg.Storage.Backend,
		"queue", cfg.Queue.Backend,
		"email", cfg.Email.Provider,
		"units", len(cfg.Crawler.Units))
	return g.Wait()
}

// runEvery calls fn every interval until ctx is done. A non-positive
// interval leaves scheduling to the task endpoints.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store, func(), error) {
	switch cfg.Backend {
	case config.StoragePostgres:
		pg, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.PostgresDSN, MaxConns: cfg.PostgresMaxConns}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil

	case config.StorageGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.Bucket)
		return storage.New(client, cfg.Bucket, "", logger), closeClient, nil

	default:
		if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running with local storage", "storage_path", cfg.LocalPath)
		return storage.New(nil, "", cfg.LocalPath, logger), func() {}, nil
	}
}

type queues struct {
	detailPub queue.Publisher
	detailSub queue.Consumer
	notifyPub queue.Publisher
	notifySub queue.Consumer
	close     func()
}

// closeMemoryQueues closes the local queues. Dead-lettered messages only
// live in memory, so they are reported before they are lost.
func closeMemoryQueues(logger *slog.Logger, qs map[string]*queue.Memory) {
	for name, q := range qs {
		q.Close()
		if dead := q.DeadLetters(); len(dead) > 0 {
			logger.Warn("Discarding dead-lettered messages", "queue", name, "count", len(dead))
		}
	}
}

func openQueues(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (*queues, error) {
	if cfg.Backend != config.QueuePubSub {
		detail := queue.NewMemory("detail", cfg.MaxDeliveries, cfg.JobTimeout, logger)
		notifications := queue.NewMemory("notification", cfg.MaxDeliveries, cfg.JobTimeout, logger)
		return &queues{
			detailPub: detail,
			detailSub: detail,
			notifyPub: notifications,
			notifySub: notifications,
			close: func() {
				closeMemoryQueues(logger, map[string]*queue.Memory{"detail": detail, "notification": notifications})
			},
		}, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	consumerCfg := queue.ConsumerConfig{
		AckDeadline:   cfg.AckDeadline,
		JobTimeout:    cfg.JobTimeout,
		MaxDeliveries: cfg.MaxDeliveries,
	}
	detailPub := queue.NewPubSubPublisher(client, cfg.DetailTopic)
	notifyPub := queue.NewPubSubPublisher(client, cfg.NotificationTopic)
	return &queues{
		detailPub: detailPub,
		detailSub: queue.NewPubSubConsumer(client, cfg.DetailSubscription, consumerCfg, logger),
		notifyPub: notifyPub,
		notifySub: queue.NewPubSubConsumer(client, cfg.NotificationSubscription, consumerCfg, logger),
		close: func() {
			detailPub.Stop()
			notifyPub.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close pubsub client", "error", err)
			}
		},
	}, nil
}

func newEmailProvider(ctx context.Context, cfg config.EmailConfig, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Provider {
	case config.EmailGmail:
		service, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail: %w", err)
		}
		return email.NewGmailProvider(service, cfg.From, cfg.FromName, logger), nil
	case config.EmailBrevo:
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.From, cfg.FromName, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials of the service account.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("email.google_credentials_json required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}
