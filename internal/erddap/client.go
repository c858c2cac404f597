package erddap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const tabledapPath = "/tabledap"

// HTTPError is returned when the remote server answered with a non-2xx
// status. It keeps the response body and request URL so error classification
// can inspect them.
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("erddap: status %d for %s", e.StatusCode, e.URL)
}

// Options parameterise an ERDDAP client for one server.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client fetches tabledap tables from a single ERDDAP server.
type Client struct {
	opts    Options
	client  *http.Client
	logger  zerolog.Logger
	baseURL string
}

// NewClient constructs a client for a server.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "erddap_client").Logger(),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// QueryURL builds the tabledap csv request for a dataset. Requested columns
// are time plus the de-duplicated variables; caller constraints are merged
// with the time-window constraint, which wins when both bound time. The
// window is the next 7 days for forward-looking groups and the last 24 hours
// otherwise.
func (c *Client) QueryURL(dataset string, constraints map[string]string, variables []string, forecast bool, now time.Time) string {
	seen := make(map[string]bool, len(variables))
	columns := []string{"time"}
	for _, variable := range variables {
		if variable == "" || seen[variable] {
			continue
		}
		seen[variable] = true
		columns = append(columns, variable)
	}

	merged := make(map[string]string, len(constraints)+2)
	for key, value := range constraints {
		if strings.HasPrefix(key, "time>") || strings.HasPrefix(key, "time<") {
			continue
		}
		merged[key] = value
	}

	if forecast {
		merged["time>="] = now.UTC().Format(time.RFC3339)
		merged["time<="] = now.UTC().Add(7 * 24 * time.Hour).Format(time.RFC3339)
	} else {
		merged["time>="] = now.UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var query strings.Builder
	query.WriteString(url.QueryEscape(strings.Join(columns, ",")))
	for _, key := range keys {
		query.WriteString("&")
		query.WriteString(encodeConstraint(key, merged[key]))
	}

	return fmt.Sprintf("%s%s/%s.csv?%s", c.baseURL, tabledapPath, dataset, query.String())
}

// encodeConstraint renders one tabledap constraint. Constraint keys carry
// their comparison operator ("time>=", "station="); a bare key gets "=".
// ERDDAP requires string values double-quoted; numeric and timestamp values
// go bare.
func encodeConstraint(key, value string) string {
	if !strings.ContainsAny(key[len(key)-1:], "=<>") {
		key += "="
	}
	rendered := value
	if needsQuoting(value) {
		rendered = `"` + value + `"`
	}
	return url.QueryEscape(key) + url.QueryEscape(rendered)
}

func needsQuoting(value string) bool {
	if value == "" {
		return true
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return false
	}
	if _, err := ParseTime(value); err == nil {
		return false
	}
	return true
}

// Fetch retrieves a table for a dataset. Sorting by time is best effort: a
// response without a time column is returned unsorted with a logged warning.
func (c *Client) Fetch(ctx context.Context, dataset string, constraints map[string]string, variables []string, forecast bool) (*Table, error) {
	queryURL := c.QueryURL(dataset, constraints, variables, forecast, time.Now())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset %s: %w", dataset, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s response: %w", dataset, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body), URL: queryURL}
	}

	table, err := ParseCSV(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse dataset %s response: %w", dataset, err)
	}

	if !table.SortByTime() {
		c.logger.Warn().Str("dataset", dataset).Msg("unable to sort table by time column")
	}

	return table, nil
}
