package refresh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"buoywatch/internal/erddap"
	"buoywatch/internal/healthcheck"
	"buoywatch/internal/storage"
)

// Task names used by the dispatch guard and queue handlers.
const (
	TaskRefreshDataset = "refresh_dataset"
	TaskRefreshServer  = "refresh_server"
)

// Store bundles the persistence operations a refresh needs.
type Store interface {
	storage.TimeSeriesStore
	storage.DatasetStore
	storage.ServerStore
}

// TableFetcher retrieves a normalized table for one constraint group.
type TableFetcher interface {
	Fetch(ctx context.Context, dataset string, constraints map[string]string, variables []string, forecast bool) (*erddap.Table, error)
}

// FetcherFactory builds a fetcher bound to one server's base URL and timeout.
type FetcherFactory func(server storage.Server) TableFetcher

// BackoffError signals that the remote server wants us to slow down for the
// rest of the current run.
type BackoffError struct {
	Message string
	Err     error
}

func (e *BackoffError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BackoffError) Unwrap() error { return e.Err }

// Pacing carries the inter-request delay through one dataset refresh. The
// state is local to a single run; concurrent refreshes of other datasets
// pace themselves independently.
type Pacing struct {
	Delay time.Duration
}

// Escalate doubles the delay from a floor of one second and returns the new
// value.
func (p *Pacing) Escalate() time.Duration {
	if p.Delay < time.Second {
		p.Delay = time.Second
	}
	p.Delay *= 2
	return p.Delay
}

// Options tune the refresh service.
type Options struct {
	UserAgent string
}

// Service drives dataset refreshes end to end: group, pace, fetch, classify,
// extract, score.
type Service struct {
	store      Store
	classifier *Classifier
	fetchers   FetcherFactory
	heartbeats func(url string) healthcheck.Signal
	logger     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// New constructs the refresh service with production collaborators.
func New(store Store, opts Options, logger zerolog.Logger) *Service {
	service := &Service{
		store:      store,
		classifier: NewClassifier(store, logger),
		heartbeats: func(url string) healthcheck.Signal {
			return healthcheck.ForURL(url, logger)
		},
		logger: logger.With().Str("component", "refresh").Logger(),
		sleep:  sleepContext,
		now:    time.Now,
	}
	service.fetchers = func(server storage.Server) TableFetcher {
		return erddap.NewClient(erddap.Options{
			BaseURL:   server.BaseURL,
			Timeout:   server.RequestTimeout(),
			UserAgent: opts.UserAgent,
		}, logger)
	}
	return service
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// RefreshDataset refreshes every active timeseries of a dataset. The
// refresh-attempted timestamp is recorded up front, success or failure.
func (s *Service) RefreshDataset(ctx context.Context, datasetID int64, signalHeartbeat bool) error {
	dataset, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("load dataset %d: %w", datasetID, err)
	}

	if err := s.store.SetRefreshAttempted(ctx, datasetID, s.now().UTC()); err != nil {
		return fmt.Errorf("mark refresh attempted for dataset %d: %w", datasetID, err)
	}

	heartbeat := s.heartbeats(dataset.HealthcheckURL)
	if signalHeartbeat {
		heartbeat.Start(ctx)
	}

	series, err := s.store.ActiveSeries(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("load series for dataset %d: %w", datasetID, err)
	}

	groups := GroupSeries(series, s.logger)
	fetcher := s.fetchers(dataset.Server)
	pacing := Pacing{Delay: dataset.Server.RequestRefreshTime()}

	for _, group := range groups {
		s.sleep(ctx, pacing.Delay)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.refreshGroup(ctx, fetcher, dataset, group); err != nil {
			var backoff *BackoffError
			if errors.As(err, &backoff) {
				previous := pacing.Delay
				updated := pacing.Escalate()
				s.logger.Error().
					Err(backoff).
					Str("dataset", dataset.Name).
					Str("constraints", group.Key.Constraints).
					Dur("previous_delay", previous).
					Dur("new_delay", updated).
					Msg("timeout while refreshing dataset, increasing backoff")
				continue
			}
			return err
		}
	}

	if signalHeartbeat {
		heartbeat.Complete(ctx)
	}
	return nil
}

// RefreshServer refreshes every dataset configured for a server.
func (s *Service) RefreshServer(ctx context.Context, serverID int64, signalHeartbeat bool) error {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("load server %d: %w", serverID, err)
	}

	heartbeat := s.heartbeats(server.HealthcheckURL)
	if signalHeartbeat {
		heartbeat.Start(ctx)
	}

	datasets, err := s.store.DatasetsForServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("load datasets for server %d: %w", serverID, err)
	}

	for _, dataset := range datasets {
		if err := s.RefreshDataset(ctx, dataset.ID, false); err != nil {
			return err
		}
	}

	if signalHeartbeat {
		heartbeat.Complete(ctx)
	}
	return nil
}

// refreshGroup fetches one group's table and applies it. A BackoffError
// return asks the caller to slow down; a nil return means the group is done,
// whether or not any values changed.
func (s *Service) refreshGroup(ctx context.Context, fetcher TableFetcher, dataset storage.Dataset, group Group) error {
	s.logger.Info().
		Str("dataset", dataset.Name).
		Str("server", dataset.Server.Name).
		Str("constraints", group.Key.Constraints).
		Str("kind", string(group.Key.Kind)).
		Int("series", len(group.Series)).
		Msg("refreshing timeseries group")

	table, err := fetcher.Fetch(ctx, dataset.Name, group.Constraints, group.Variables(), group.Key.Kind.Forward())
	if err != nil {
		var httpErr *erddap.HTTPError
		if errors.As(err, &httpErr) {
			if outcome := s.classifier.Classify(ctx, dataset, group, err); outcome == OutcomeBackoff {
				return &BackoffError{Message: "remote server asked to slow down", Err: err}
			}
			return nil
		}

		if isTimeout(err) {
			return &BackoffError{
				Message: fmt.Sprintf("timeout retrieving dataset %s with constraints %s", dataset.Name, group.Key.Constraints),
				Err:     err,
			}
		}

		s.logger.Error().
			Err(err).
			Str("dataset", dataset.Name).
			Str("constraints", group.Key.Constraints).
			Msg("error loading dataset")
		return nil
	}

	return s.updateGroup(ctx, dataset, group, table)
}

// isTimeout covers client timeouts and connection-level deadline errors,
// which are a distinct failure class from HTTP status errors.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
