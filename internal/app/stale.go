package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"buoywatch/internal/notify"
)

// Stale prints the stale-series report, or sends it to the configured
// webhook when requested.
func (a *App) Stale(ctx context.Context, opts StaleOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	olderThan := opts.OlderThan
	if olderThan <= 0 {
		olderThan = a.Config.Notify.StaleAfter
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	series, err := store.StaleSeries(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		a.Logger.Info().Time("cutoff", cutoff).Msg("no stale series found")
		return nil
	}

	report := notify.RenderStaleReport(series, cutoff)
	if !opts.Send {
		fmt.Print(report)
		return nil
	}

	if a.Config.Notify.WebhookURL == "" {
		return errors.New("notify.webhook_url not configured; cannot send report")
	}

	notifier := notify.NewSlackNotifier(a.Config.Notify.WebhookURL, a.Config.Notify.Timeout, a.Logger)
	return notifier.Notify(ctx, report)
}
