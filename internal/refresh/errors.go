package refresh

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"buoywatch/internal/erddap"
	"buoywatch/internal/storage"
)

// Outcome is the result of classifying a failed remote request.
type Outcome int

const (
	// OutcomeUnhandled means no known failure mode matched; the error was
	// logged generically and the group's values stay unchanged.
	OutcomeUnhandled Outcome = iota
	// OutcomeHandled means a known failure mode was recognized and logged;
	// the group's values stay unchanged.
	OutcomeHandled
	// OutcomeBackoff means the server asked us to slow down; the caller
	// should widen its inter-request delay for the rest of the run.
	OutcomeBackoff
)

// endTimeCutoff is how stale a dataset's actual_range must be before series
// are retired with an end time.
const endTimeCutoff = 7 * 24 * time.Hour

// Classifier sorts failed remote responses into the known ERDDAP failure
// modes. Classification usually only logs, but the stale actual_range case
// writes series end times as a corrective side effect.
type Classifier struct {
	store  storage.TimeSeriesStore
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewClassifier builds a classifier backed by a plain HTTP client for raw
// error-page fetches.
func NewClassifier(store storage.TimeSeriesStore, logger zerolog.Logger) *Classifier {
	return &Classifier{
		store:  store,
		client: &http.Client{},
		logger: logger.With().Str("component", "error_classifier").Logger(),
		now:    time.Now,
	}
}

// Classify inspects a failed fetch for one group. HTTP status is checked
// first; errors without a parsed status fall back to substring matching on
// the error text.
func (c *Classifier) Classify(ctx context.Context, dataset storage.Dataset, group Group, err error) Outcome {
	var httpErr *erddap.HTTPError
	if errors.As(err, &httpErr) {
		return c.classifyStatus(ctx, dataset, group, httpErr)
	}
	return c.classifyText(ctx, dataset, group, err.Error())
}

func (c *Classifier) classifyStatus(ctx context.Context, dataset storage.Dataset, group Group, httpErr *erddap.HTTPError) Outcome {
	logger := c.groupLogger(dataset, group)

	switch httpErr.StatusCode {
	case http.StatusForbidden:
		logger.Error().
			Str("url", httpErr.URL).
			Msg("403 loading dataset, upstream provider most likely blocklisted us; replicate the request manually to inspect the response")
		return OutcomeHandled

	case http.StatusNotFound:
		return c.classify404(dataset, group, httpErr.Body)

	case http.StatusRequestTimeout:
		logger.Error().Str("url", httpErr.URL).Msg("408 request timeout from server")
		return OutcomeBackoff

	case http.StatusTooManyRequests:
		logger.Error().Str("url", httpErr.URL).Msg("429 too many requests to server")
		return OutcomeBackoff

	case http.StatusInternalServerError:
		// The tabledap client path often swallows the useful error page, so
		// re-fetch the failing URL raw and classify its text.
		text := c.fetchErrorPage(ctx, httpErr.URL, dataset.Server.RequestTimeout())
		if text == "" {
			text = httpErr.Body
		}
		if outcome, ok := c.classify500(ctx, dataset, group, text); ok {
			return outcome
		}
		logger.Error().
			Str("url", httpErr.URL).
			Str("response_text", text).
			Msg("500 error loading dataset")
		return OutcomeHandled

	default:
		logger.Error().
			Int("status", httpErr.StatusCode).
			Str("url", httpErr.URL).
			Str("response_text", httpErr.Body).
			Msg("error loading dataset")
		return OutcomeHandled
	}
}

// classifyText handles errors whose status was collapsed into a string by an
// intermediate client.
func (c *Classifier) classifyText(ctx context.Context, dataset storage.Dataset, group Group, text string) Outcome {
	logger := c.groupLogger(dataset, group)

	switch {
	case strings.Contains(text, "code=408") && strings.Contains(text, "TimeoutException"):
		logger.Error().Msg("request timeout reported by server")
		return OutcomeBackoff

	case strings.Contains(text, "Too Many Requests") && strings.Contains(text, "code=429"):
		logger.Error().Msg("too many requests to server")
		return OutcomeBackoff

	case strings.Contains(text, "Unrecognized variable="):
		logger.Error().Str("response_text", text).Msg("unrecognized variable for dataset")
		return OutcomeHandled
	}

	if outcome := c.match404(dataset, group, text); outcome != OutcomeUnhandled {
		return outcome
	}
	if outcome, ok := c.classify500(ctx, dataset, group, text); ok {
		return outcome
	}

	logger.Error().
		Str("response_text", text).
		Msg("error loading dataset, could not find an existing error defined")
	return OutcomeUnhandled
}

func (c *Classifier) classify404(dataset storage.Dataset, group Group, body string) Outcome {
	if outcome := c.match404(dataset, group, body); outcome != OutcomeUnhandled {
		return outcome
	}

	logger := c.groupLogger(dataset, group)
	logger.Error().
		Str("response_text", body).
		Msg("no rows found for dataset")
	return OutcomeHandled
}

// match404 recognizes the known 404 bodies. OutcomeUnhandled means no rule
// matched, not a final verdict.
func (c *Classifier) match404(dataset storage.Dataset, group Group, body string) Outcome {
	logger := c.groupLogger(dataset, group)

	switch {
	case strings.Contains(body, "Resource not found") && strings.Contains(body, "Currently unknown datasetID"):
		logger.Error().Msg("dataset is currently unknown by the server, investigate whether it has moved")
		return OutcomeHandled

	case strings.Contains(body, "Your query produced no matching results") && strings.Contains(body, "There are no matching stations"):
		logger.Error().Msg("dataset does not have a requested station, check the constraints")
		return OutcomeHandled

	case strings.Contains(body, "No data matches time") && strings.Contains(body, "code=404"):
		logger.Error().Msg("dataset does not currently have a valid time")
		return OutcomeHandled

	case strings.Contains(body, "java.io.FileNotFoundException") && strings.Contains(body, "code=404"):
		logger.Error().Msg("dataset file does not exist on the server")
		return OutcomeHandled
	}

	return OutcomeUnhandled
}

// classify500 recognizes the known 500 bodies. The boolean reports whether
// any rule matched. The actual_range rule is evaluated before the generic
// out-of-range rule: it only claims the error when it can parse timestamps
// out of the range text, and falls through otherwise, so constraint values
// outside a non-time variable's range land in the generic rule.
func (c *Classifier) classify500(ctx context.Context, dataset storage.Dataset, group Group, body string) (Outcome, bool) {
	logger := c.groupLogger(dataset, group)

	if strings.Contains(body, "nRows = 0") {
		logger.Info().Msg("query did not return any results")
		return OutcomeHandled, true
	}

	if strings.Contains(body, "is outside of the variable") {
		if handled := c.correctEndTimes(ctx, dataset, group, body); handled {
			return OutcomeHandled, true
		}
	}

	if strings.Contains(body, "Your query produced no matching results") &&
		strings.Contains(body, "is outside of the variable") {
		logger.Error().
			Str("response_text", body).
			Msg("query had a constraint outside of normal range")
		return OutcomeHandled, true
	}

	if strings.Contains(body, "Unrecognized constraint variable=") {
		logger.Error().
			Str("response_text", body).
			Msg("invalid constraint variable for dataset")
		return OutcomeHandled, true
	}

	return OutcomeUnhandled, false
}

// correctEndTimes parses the actual_range timestamps out of an out-of-range
// error body. When the dataset's data ends more than a week ago, every
// series in the group is retired at that end time. Returns false when no
// timestamp could be parsed so later rules get a chance.
func (c *Classifier) correctEndTimes(ctx context.Context, dataset storage.Dataset, group Group, body string) bool {
	logger := c.groupLogger(dataset, group)

	marker := strings.LastIndex(body, "actual_range:")
	if marker < 0 {
		return false
	}
	rangeText := body[marker+len("actual_range:"):]
	if closing := strings.LastIndex(rangeText, ")"); closing >= 0 {
		rangeText = rangeText[:closing]
	}

	var latest time.Time
	for _, field := range strings.Fields(rangeText) {
		candidate := strings.Trim(field, "(),")
		parsed, err := erddap.ParseTime(candidate)
		if err != nil {
			continue
		}
		if parsed.After(latest) {
			latest = parsed
		}
	}

	if latest.IsZero() {
		logger.Error().
			Str("response_text", body).
			Msg("unable to parse datetimes in error while processing dataset")
		return false
	}

	weekAgo := c.now().UTC().Add(-endTimeCutoff)
	if latest.Before(weekAgo) {
		for _, series := range group.Series {
			if err := c.store.UpdateSeriesEndTime(ctx, series.ID, latest); err != nil {
				logger.Error().
					Err(err).
					Int64("series_id", series.ID).
					Msg("unable to save end time for timeseries")
				continue
			}
			logger.Error().
				Int64("series_id", series.ID).
				Str("platform", series.PlatformName).
				Time("end_time", latest).
				Msg("set end time for timeseries based on response")
		}
	}

	return true
}

// fetchErrorPage retrieves the raw error page for a failing URL with a plain
// GET. Failures only cost us the richer error text.
func (c *Classifier) fetchErrorPage(ctx context.Context, url string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", url).Msg("unable to re-fetch error page")
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return string(body)
}

func (c *Classifier) groupLogger(dataset storage.Dataset, group Group) zerolog.Logger {
	return c.logger.With().
		Str("dataset", dataset.Name).
		Str("server", dataset.Server.Name).
		Str("constraints", group.Key.Constraints).
		Int("series", len(group.Series)).
		Logger()
}
