// Package server assembles the service from configuration and runs it until
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/api"
	"github.com/JakeFAU/stockwatch/internal/clock"
	"github.com/JakeFAU/stockwatch/internal/config"
	"github.com/JakeFAU/stockwatch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/stockwatch/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/stockwatch/internal/fetcher/headless"
	"github.com/JakeFAU/stockwatch/internal/fetcher/parse"
	"github.com/JakeFAU/stockwatch/internal/fetcher/ratelimit"
	"github.com/JakeFAU/stockwatch/internal/id/uuid"
	"github.com/JakeFAU/stockwatch/internal/lifecycle"
	"github.com/JakeFAU/stockwatch/internal/notify"
	lognotifier "github.com/JakeFAU/stockwatch/internal/notify/memory"
	pubsubnotifier "github.com/JakeFAU/stockwatch/internal/notify/pubsub"
	"github.com/JakeFAU/stockwatch/internal/notify/telegram"
	"github.com/JakeFAU/stockwatch/internal/outbox"
	queueMemory "github.com/JakeFAU/stockwatch/internal/queue/memory"
	"github.com/JakeFAU/stockwatch/internal/restock"
	"github.com/JakeFAU/stockwatch/internal/retry"
	gcsstate "github.com/JakeFAU/stockwatch/internal/storage/gcs"
	localstate "github.com/JakeFAU/stockwatch/internal/storage/local"
	memoryStorage "github.com/JakeFAU/stockwatch/internal/storage/memory"
	"github.com/JakeFAU/stockwatch/internal/storage/postgres"
	"github.com/JakeFAU/stockwatch/internal/worker"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	jobPollInterval        = 250 * time.Millisecond
)

// regionStore is a region directory that also records interest.
type regionStore interface {
	restock.RegionDirectory
	restock.RegionWriter
	Exists(ctx context.Context, region string) (bool, error)
}

// jobStore is a job table that can drop old entries.
type jobStore interface {
	restock.JobStore
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// subscriberStore is a subscriber directory that accepts writes.
type subscriberStore interface {
	restock.SubscriberDirectory
	restock.SubscriptionWriter
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  restock.Clock

	db              *postgres.DB
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher

	state       restock.StateStore
	regions     regionStore
	subscribers subscriberStore
	jobs        jobStore
	outbox      restock.Outbox
	notifier    restock.Notifier
	sessions    restock.SessionFactory
	throttle    *ratelimit.Limiter

	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	lifecycle *lifecycle.Manager
	redeliver *outbox.Dispatcher
	apiServer *api.Server
	ready     []api.ReadinessCheck
	pattern   *regexp.Regexp

	closeOnce sync.Once
}

// Build creates the application's dependencies. Partially built resources
// are released when an error is returned.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: clock.New()}

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("state_backend", cfg.Storage.StateBackend),
		zap.String("directory_backend", cfg.Directory.Backend),
		zap.String("notify_backend", cfg.Notify.Backend),
		zap.String("fetcher", cfg.Storefront.Fetcher),
	)

	if err := app.setup(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) setup(ctx context.Context) error {
	pattern, err := a.cfg.RegionPattern()
	if err != nil {
		return err
	}
	a.pattern = pattern

	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	if err := a.setupState(ctx); err != nil {
		return err
	}
	if err := a.setupDirectories(ctx); err != nil {
		return err
	}
	a.setupJobs()
	if err := a.setupNotifier(ctx); err != nil {
		return err
	}
	if err := a.setupSessions(); err != nil {
		return err
	}
	a.setupPipeline()
	a.setupAPI()
	return nil
}

func (a *App) retryPolicy() retry.Policy {
	return retry.Policy{Attempts: a.cfg.Retry.Attempts, Delay: a.cfg.Retry.Delay}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if !a.cfg.UsesPostgres() {
		return nil
	}
	db, err := postgres.Open(ctx, postgres.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		Tables:   a.cfg.DB.Tables,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.db = db
	if a.cfg.DB.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema ensured")
	}
	a.ready = append(a.ready, db.Ping)
	return nil
}

func (a *App) setupState(ctx context.Context) error {
	switch a.cfg.Storage.StateBackend {
	case config.BackendLocal:
		store, err := localstate.New(localstate.Config{BaseDir: a.cfg.Storage.LocalDir}, a.clock)
		if err != nil {
			return fmt.Errorf("local state store init failed: %w", err)
		}
		a.state = store
		a.logger.Info("using local state store", zap.String("path", a.cfg.Storage.LocalDir))
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstate.New(client, gcsstate.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.GCSPrefix,
		}, a.clock)
		if err != nil {
			return fmt.Errorf("gcs state store init failed: %w", err)
		}
		a.state = store
		a.logger.Info("using GCS state store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.BackendPostgres:
		a.state = a.db.StateStore(a.clock)
		a.logger.Info("using postgres state store")
	default:
		a.state = memoryStorage.NewStateStore()
		a.logger.Warn("using in-memory state store; stock state is lost on restart and restocks around a restart go unreported")
	}
	return nil
}

func (a *App) setupDirectories(ctx context.Context) error {
	seeds := a.cfg.Directory.SeedRegions
	if a.cfg.Directory.Backend == config.BackendPostgres {
		regions := a.db.RegionDirectory()
		now := a.clock.Now()
		for _, region := range seeds {
			if err := regions.Touch(ctx, region, now); err != nil {
				return fmt.Errorf("seed region %s: %w", region, err)
			}
		}
		a.regions = regions
		a.subscribers = a.db.SubscriberDirectory()
		a.logger.Info("using postgres directories", zap.Int("seeded_regions", len(seeds)))
		return nil
	}
	a.regions = memoryStorage.NewRegionDirectory(a.clock.Now(), seeds...)
	a.subscribers = memoryStorage.NewSubscriberDirectory()
	a.logger.Info("using in-memory directories", zap.Int("seeded_regions", len(seeds)))
	return nil
}

func (a *App) setupJobs() {
	if a.cfg.Jobs.Backend == config.BackendPostgres {
		a.jobs = a.db.JobStore(a.clock)
	} else {
		a.jobs = memoryStorage.NewJobStore(a.clock)
	}
	if !a.cfg.Outbox.Enabled {
		return
	}
	if a.cfg.Outbox.Backend == config.BackendPostgres {
		a.outbox = a.db.Outbox()
	} else {
		a.outbox = memoryStorage.NewOutbox()
	}
}

func (a *App) setupNotifier(ctx context.Context) error {
	switch a.cfg.Notify.Backend {
	case config.BackendTelegram:
		n, err := telegram.New(a.cfg.Notify.Telegram.Token)
		if err != nil {
			return fmt.Errorf("telegram notifier init failed: %w", err)
		}
		a.notifier = n
		a.logger.Info("using telegram notifier")
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = client.Publisher(a.cfg.Notify.PubSub.Topic)
		a.notifier = pubsubnotifier.New(a.pubsubPublisher)
		a.logger.Info("using Pub/Sub notifier",
			zap.String("project", a.cfg.Notify.PubSub.ProjectID),
			zap.String("topic", a.cfg.Notify.PubSub.Topic),
		)
	default:
		a.notifier = lognotifier.New(a.logger.Named("notifications"))
		a.logger.Info("using log notifier")
	}
	return nil
}

func (a *App) setupSessions() error {
	sf := a.cfg.Storefront
	status := sf.StatusSelectors
	if len(status) == 0 {
		status = nil
	}
	parser := parse.New(parse.Selectors{
		Item:   sf.ItemSelector,
		Name:   sf.NameSelector,
		Link:   sf.LinkSelector,
		Status: status,
	}, sf.SoldOutIndicators)

	var err error
	switch sf.Fetcher {
	case config.FetcherColly:
		a.sessions, err = collyfetcher.NewFactory(collyfetcher.Config{
			URLTemplate:   sf.URLTemplate,
			RegionCookie:  sf.RegionCookie,
			UserAgent:     sf.UserAgent,
			RespectRobots: sf.RespectRobots,
			Timeout:       sf.NavigationTimeout,
		}, parser, a.logger.Named("colly"))
		if err != nil {
			return fmt.Errorf("colly fetcher init failed: %w", err)
		}
		a.logger.Info("using colly fetcher", zap.String("url_template", sf.URLTemplate))
	default:
		a.sessions, err = headlessfetcher.NewFactory(headlessfetcher.Config{
			StorefrontURL:     sf.URL,
			UserAgent:         sf.UserAgent,
			Headless:          sf.Headless,
			ExecPath:          sf.ExecPath,
			NavigationTimeout: sf.NavigationTimeout,
			RegionInput:       sf.RegionInput,
			RegionOpener:      sf.RegionOpener,
			SettleDelay:       sf.SettleDelay,
		}, parser, a.logger.Named("headless"))
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.logger.Info("using headless fetcher", zap.String("url", sf.URL))
	}
	if sf.RatePerSecond > 0 {
		a.throttle = ratelimit.New(ratelimit.Config{RPS: sf.RatePerSecond, Burst: sf.Burst})
		a.logger.Info("storefront fetches throttled",
			zap.Float64("rate_per_second", sf.RatePerSecond),
			zap.Int("burst", sf.Burst))
	}
	return nil
}

func (a *App) setupPipeline() {
	policy := a.retryPolicy()

	var opts []notify.Option
	if a.outbox != nil {
		opts = append(opts, notify.WithOutbox(a.outbox, uuid.NewPrefixed("ntf_"), a.clock))
		a.redeliver = outbox.NewDispatcher(a.outbox, a.notifier, a.clock, outbox.Config{
			Interval:    a.cfg.Outbox.Interval,
			BatchSize:   a.cfg.Outbox.BatchSize,
			MaxAttempts: a.cfg.Outbox.MaxAttempts,
		}, a.logger.Named("outbox"))
	}
	batcher := notify.NewBatcher(a.subscribers, a.notifier, notify.Config{Retry: policy}, a.logger.Named("batcher"), opts...)

	a.queue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
	locks := worker.NewRegionLocks()
	workerOpts := []worker.Option{worker.WithRegionCheck(a.regions)}
	if a.throttle != nil {
		workerOpts = append(workerOpts, worker.WithThrottle(a.throttle))
	}
	workers := make([]dispatcher.Runner, 0, a.cfg.Worker.Count)
	for i := 0; i < a.cfg.Worker.Count; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.jobs,
			a.sessions,
			a.state,
			batcher,
			locks,
			a.clock,
			worker.Config{
				ID:             i,
				FetchTimeout:   a.cfg.Worker.FetchTimeout,
				ReleaseTimeout: a.cfg.Worker.ReleaseTimeout,
				Retry:          policy,
			},
			a.logger.Named("worker").With(zap.Int("index", i)),
			workerOpts...,
		))
	}
	a.dispatch = dispatcher.New(a.queue, a.jobs, uuid.New(), a.clock, workers, dispatcher.Config{
		EnqueueTimeout:  a.cfg.Worker.EnqueueTimeout,
		ShutdownTimeout: a.cfg.Worker.ShutdownTimeout,
	}, a.logger.Named("dispatcher"))

	a.lifecycle = lifecycle.New(a.regions, a.state, a.dispatch, locks, a.clock, lifecycle.Config{
		RetireAfter: a.cfg.Lifecycle.RetireAfter,
		Interval:    a.cfg.Lifecycle.Interval,
		RunOnStart:  a.cfg.Lifecycle.RunOnStart,
		Retry:       policy,
	}, a.logger.Named("lifecycle"))
}

func (a *App) setupAPI() {
	a.apiServer = api.NewServer(api.Deps{
		Scheduler:     a.lifecycle,
		Jobs:          a.dispatch,
		Regions:       a.regions,
		RegionWriter:  a.regions,
		Subscriptions: a.subscribers,
		Clock:         a.clock,
		Ready:         a.ready,
	}, a.cfg, a.logger.Named("api"))
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers, the scheduler, the outbox redelivery loop, the job
// janitor, and the HTTP server, and blocks until ctx is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan error, 1)
	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Count))
		dispatchDone <- a.dispatch.Run(ctx)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.lifecycle.Run(ctx)
	}()
	if a.redeliver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.redeliver.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runJanitor(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	dispatchErr := <-dispatchDone
	wg.Wait()
	return errors.Join(dispatchErr, a.Close(shutdownCtx))
}

func (a *App) runJanitor(ctx context.Context) {
	if a.cfg.Jobs.Retention <= 0 || a.cfg.Jobs.JanitorInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.Jobs.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pruneJobs(ctx)
		}
	}
}

func (a *App) pruneJobs(ctx context.Context) {
	cutoff := a.clock.Now().Add(-a.cfg.Jobs.Retention)
	n, err := a.jobs.Prune(ctx, cutoff)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Warn("job prune failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		a.logger.Info("pruned finished jobs", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
}

// ScrapeOnce records interest in each region, runs one scrape cycle for it,
// and waits for every job to finish. The worker pool is shut down before it
// returns.
func (a *App) ScrapeOnce(ctx context.Context, regions []string) ([]restock.Job, error) {
	a.dispatch.Start(ctx)

	now := a.clock.Now()
	ids := make([]string, 0, len(regions))
	var errs []error
	for _, region := range regions {
		if err := a.ValidateRegion(region); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := a.regions.Touch(ctx, region, now); err != nil {
			errs = append(errs, fmt.Errorf("touch region %s: %w", region, err))
			continue
		}
		id, err := a.dispatch.Enqueue(ctx, region)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue region %s: %w", region, err))
			continue
		}
		ids = append(ids, id)
	}

	jobs, err := a.awaitJobs(ctx, ids)
	errs = append(errs, err)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownBudget())
	defer cancel()
	errs = append(errs, a.dispatch.Shutdown(shutdownCtx))
	return jobs, errors.Join(errs...)
}

func (a *App) shutdownBudget() time.Duration {
	per := a.cfg.Worker.ShutdownTimeout
	if per <= 0 {
		per = defaultShutdownTimeout
	}
	return per * time.Duration(a.cfg.Worker.Count+1)
}

func (a *App) awaitJobs(ctx context.Context, ids []string) ([]restock.Job, error) {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		jobs := make([]restock.Job, 0, len(ids))
		done := true
		for _, id := range ids {
			job, err := a.dispatch.StatusOf(ctx, id)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
			if !job.State.Terminal() {
				done = false
			}
		}
		if done {
			return jobs, nil
		}
		select {
		case <-ctx.Done():
			return jobs, fmt.Errorf("wait for jobs: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Regions lists every region the directory knows about.
func (a *App) Regions(ctx context.Context) ([]restock.Region, error) {
	regions, err := a.regions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	return regions, nil
}

// ValidateRegion checks region against regions.code_pattern.
func (a *App) ValidateRegion(region string) error {
	if !a.pattern.MatchString(region) {
		return fmt.Errorf("region %q does not match %s", region, a.pattern)
	}
	return nil
}

// TouchRegion records interest in region now.
func (a *App) TouchRegion(ctx context.Context, region string) error {
	if err := a.regions.Touch(ctx, region, a.clock.Now()); err != nil {
		return fmt.Errorf("touch region %s: %w", region, err)
	}
	return nil
}

// RetireRegion drops region and its stock state.
func (a *App) RetireRegion(ctx context.Context, region string) error {
	return a.lifecycle.Retire(ctx, region)
}

// Close releases queues and client connections. Later calls are no-ops.
func (a *App) Close(_ context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}
