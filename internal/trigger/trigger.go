package trigger

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"buoywatch/internal/queue"
	"buoywatch/internal/refresh"
	"buoywatch/internal/storage"
)

// Listener subscribes to a server's change feed and schedules dataset
// refreshes when new data is announced.
type Listener struct {
	server   storage.Server
	datasets storage.DatasetStore
	guard    *queue.Guard
	logger   zerolog.Logger
}

// NewListener constructs a Listener for one push-capable server.
func NewListener(server storage.Server, datasets storage.DatasetStore, guard *queue.Guard, logger zerolog.Logger) *Listener {
	return &Listener{
		server:   server,
		datasets: datasets,
		guard:    guard,
		logger: logger.With().
			Str("component", "trigger").
			Str("server", server.Name).
			Logger(),
	}
}

// Run connects to the server's broker and blocks until ctx is cancelled.
// Messages on change.<dataset-name> subjects schedule a refresh for the
// named dataset.
func (l *Listener) Run(ctx context.Context) error {
	if !l.server.PushCapable() {
		return fmt.Errorf("server %q has no broker configured", l.server.Name)
	}

	opts := []nats.Option{nats.Name("buoywatch-trigger")}
	if l.server.BrokerUsername != "" {
		opts = append(opts, nats.UserInfo(l.server.BrokerUsername, l.server.BrokerPassword))
	}

	conn, err := nats.Connect(l.server.BrokerURL, opts...)
	if err != nil {
		return fmt.Errorf("connect to broker %s: %w", l.server.BrokerURL, err)
	}
	defer conn.Close()

	sub, err := conn.Subscribe("change.>", func(msg *nats.Msg) {
		l.handle(ctx, msg.Subject)
	})
	if err != nil {
		return fmt.Errorf("subscribe to change feed: %w", err)
	}
	defer sub.Unsubscribe()

	l.logger.Info().Str("broker", l.server.BrokerURL).Msg("listening for dataset changes")

	<-ctx.Done()
	return ctx.Err()
}

func (l *Listener) handle(ctx context.Context, subject string) {
	parts := strings.Split(subject, ".")
	name := parts[len(parts)-1]
	if name == "" {
		l.logger.Warn().Str("subject", subject).Msg("change message without dataset name")
		return
	}

	dataset, err := l.datasets.DatasetByName(ctx, l.server.ID, name)
	if err != nil {
		l.logger.Warn().Err(err).Str("dataset", name).Msg("change message for unknown dataset")
		return
	}

	l.guard.ScheduleIfAbsent(refresh.TaskRefreshDataset, []int64{dataset.ID}, false)
}
