package healthcheck

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Signal notifies an external monitoring collaborator that a refresh run has
// started or completed. Implementations are best effort: failures are
// logged, never surfaced.
type Signal interface {
	Start(ctx context.Context)
	Complete(ctx context.Context)
}

// Noop is the default signal when no healthcheck URL is configured.
type Noop struct{}

func (Noop) Start(context.Context)    {}
func (Noop) Complete(context.Context) {}

// Pinger signals a Healthchecks.io style endpoint: GET url+"/start" at the
// beginning and GET url on completion.
type Pinger struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// ForURL returns a pinger for the URL, or a Noop when it is empty.
func ForURL(url string, logger zerolog.Logger) Signal {
	if url == "" {
		return Noop{}
	}
	return &Pinger{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.With().Str("component", "healthcheck").Logger(),
	}
}

// Start signals that processing has begun.
func (p *Pinger) Start(ctx context.Context) {
	p.ping(ctx, p.url+"/start", "start")
}

// Complete signals that processing has finished.
func (p *Pinger) Complete(ctx context.Context) {
	p.ping(ctx, p.url, "complete")
}

func (p *Pinger) ping(ctx context.Context, url, stage string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.logger.Error().Err(err).Str("stage", stage).Msg("unable to build healthcheck request")
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error().Err(err).Str("stage", stage).Str("url", url).Msg("unable to send healthcheck signal")
		return
	}
	resp.Body.Close()
}
