package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"buoywatch/internal/api"
	"buoywatch/internal/config"
	"buoywatch/internal/notify"
	"buoywatch/internal/queue"
	"buoywatch/internal/refresh"
	"buoywatch/internal/scheduler"
	"buoywatch/internal/storage"
	"buoywatch/internal/trigger"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newRefresh(store *storage.Store) *refresh.Service {
	return refresh.New(store, refresh.Options{
		UserAgent: a.Config.Erddap.UserAgent,
	}, a.Logger)
}

// Run executes the long-running aggregation service: the task queue, the
// catch-up scheduler, the optional stale-data reporter, and the trigger API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	service := a.newRefresh(store)

	tasks := queue.New(a.Config.Queue.Workers, a.Logger)
	tasks.Register(refresh.TaskRefreshDataset, func(ctx context.Context, task queue.Task) error {
		return service.RefreshDataset(ctx, task.Args[0], task.Healthcheck)
	})
	tasks.Register(refresh.TaskRefreshServer, func(ctx context.Context, task queue.Task) error {
		return service.RefreshServer(ctx, task.Args[0], task.Healthcheck)
	})
	guard := queue.NewGuard(tasks, a.Logger)

	sweep := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	errCh := make(chan error, 4)

	go func() {
		errCh <- tasks.Run(ctx)
	}()

	go func() {
		errCh <- sweep.Run(ctx, func(ctx context.Context, tick time.Time) error {
			return a.scheduleStale(ctx, store, guard, tick)
		})
	}()

	if a.Config.Notify.Enabled {
		reporter := scheduler.New(scheduler.Options{
			Interval:     24 * time.Hour,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)
		go func() {
			errCh <- reporter.Run(ctx, func(ctx context.Context, tick time.Time) error {
				return a.reportStale(ctx, store, tick)
			})
		}()
	}

	if a.Config.API.Enabled {
		server := api.New(a.Config.API, store, guard, a.Logger)
		go func() {
			errCh <- server.Run(ctx)
		}()
	}

	a.Logger.Info().Msg("starting aggregation service")

	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("aggregation service stopped")
	return nil
}

// scheduleStale enqueues a refresh for every dataset whose last attempt is
// older than the configured threshold. Datasets flagged greater-than-hourly
// only qualify once a day.
func (a *App) scheduleStale(ctx context.Context, store *storage.Store, guard *queue.Guard, tick time.Time) error {
	cutoff := tick.Add(-a.Config.Scheduler.StaleAfter)
	ids, err := store.StaleDatasetIDs(ctx, cutoff, tick.Add(-24*time.Hour))
	if err != nil {
		return err
	}

	a.Logger.Info().Int("datasets", len(ids)).Time("cutoff", cutoff).Msg("scheduling catch-up refreshes")
	for _, id := range ids {
		guard.ScheduleIfAbsent(refresh.TaskRefreshDataset, []int64{id}, true)
	}
	return nil
}

// reportStale sends the stale-series summary to the configured webhook.
func (a *App) reportStale(ctx context.Context, store *storage.Store, tick time.Time) error {
	cutoff := tick.Add(-a.Config.Notify.StaleAfter)
	series, err := store.StaleSeries(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		a.Logger.Info().Time("cutoff", cutoff).Msg("no stale series to report")
		return nil
	}

	notifier := notify.NewSlackNotifier(a.Config.Notify.WebhookURL, a.Config.Notify.Timeout, a.Logger)
	return notifier.Notify(ctx, notify.RenderStaleReport(series, cutoff))
}

// RefreshDataset runs a one-shot refresh of a single dataset.
func (a *App) RefreshDataset(ctx context.Context, datasetID int64, healthcheck bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.newRefresh(store).RefreshDataset(ctx, datasetID, healthcheck)
}

// RefreshServer runs a one-shot refresh of every dataset on a server.
func (a *App) RefreshServer(ctx context.Context, serverID int64, healthcheck bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.newRefresh(store).RefreshServer(ctx, serverID, healthcheck)
}

// Listen subscribes to a server's change feed and schedules refreshes from
// push notifications.
func (a *App) Listen(ctx context.Context, serverID int64) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	server, err := store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}

	service := a.newRefresh(store)

	tasks := queue.New(a.Config.Queue.Workers, a.Logger)
	tasks.Register(refresh.TaskRefreshDataset, func(ctx context.Context, task queue.Task) error {
		return service.RefreshDataset(ctx, task.Args[0], task.Healthcheck)
	})
	guard := queue.NewGuard(tasks, a.Logger)

	listener := trigger.NewListener(server, store, guard, a.Logger)

	errCh := make(chan error, 2)
	go func() {
		errCh <- tasks.Run(ctx)
	}()
	go func() {
		errCh <- listener.Run(ctx)
	}()

	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// StaleOptions configure the stale report command.
type StaleOptions struct {
	OlderThan time.Duration
	Send      bool
}

// ExportOptions hold parameters for exporting a series window.
type ExportOptions struct {
	SeriesID  int64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
