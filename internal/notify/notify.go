package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"buoywatch/internal/storage"
)

// Notifier delivers stale-data reports to an operations channel.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// SlackNotifier posts messages to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlackNotifier constructs a Slack webhook notifier.
func NewSlackNotifier(webhookURL string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "notify_slack").Logger(),
	}
}

// Notify posts a plain-text message to the webhook.
func (n *SlackNotifier) Notify(ctx context.Context, text string) error {
	payload := map[string]string{"text": text}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected slack response code: %d", resp.StatusCode)
	}

	n.logger.Info().Msg("stale report delivered")
	return nil
}

// RenderStaleReport formats series whose newest reading is older than the
// cutoff, grouped by platform.
func RenderStaleReport(series []storage.Series, cutoff time.Time) string {
	byPlatform := make(map[string][]storage.Series)
	for _, s := range series {
		byPlatform[s.PlatformName] = append(byPlatform[s.PlatformName], s)
	}

	platforms := make([]string, 0, len(byPlatform))
	for name := range byPlatform {
		platforms = append(platforms, name)
	}
	sort.Strings(platforms)

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Time series that have not updated since %s:\n", cutoff.UTC().Format(time.RFC3339)))
	for _, platform := range platforms {
		builder.WriteString(fmt.Sprintf("\n%s\n", platform))
		for _, s := range byPlatform[platform] {
			last := "never"
			if s.ValueTime != nil {
				last = s.ValueTime.UTC().Format(time.RFC3339)
			}
			builder.WriteString(fmt.Sprintf("- %s (%s) last value at %s\n", s.Variable, s.DataType.LongName, last))
		}
	}
	return builder.String()
}
