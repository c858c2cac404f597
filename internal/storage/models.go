package storage

import (
	"encoding/json"
	"time"
)

// Kind describes what a timeseries represents and drives the request time
// window and row selection policy during refreshes.
type Kind string

const (
	KindObservation Kind = "Observation"
	KindPrediction  Kind = "Prediction"
	KindForecast    Kind = "Forecast"
	KindClimatology Kind = "Climatology"
)

// Forward reports whether the kind looks into the future (next 7 days)
// rather than back over the last 24 hours.
func (k Kind) Forward() bool {
	return k == KindPrediction || k == KindForecast
}

// RowIndex returns the row a refresh should read from a table of n rows.
// Forward-looking kinds take the second row (the first is the current
// conditions row); everything else takes the most recent row.
func (k Kind) RowIndex(n int) (int, bool) {
	if k.Forward() {
		if n < 2 {
			return 0, false
		}
		return 1, true
	}
	if n < 1 {
		return 0, false
	}
	return n - 1, true
}

// DataType identifies the physical quantity a timeseries measures.
type DataType struct {
	StandardName string
	ShortName    string
	LongName     string
	Units        string
}

// Series is one tracked (platform, variable, depth, constraints) quantity.
type Series struct {
	ID           int64
	PlatformName string
	DataType     DataType
	Variable     string
	Constraints  json.RawMessage
	Kind         Kind
	Depth        *float64
	Active       bool
	StartTime    time.Time
	EndTime      *time.Time

	Value      *float64
	ValueTime  *time.Time
	UpdateTime time.Time
	Extrema    json.RawMessage

	DatasetID int64
}

// Dataset groups multiple series behind one remote ERDDAP dataset id.
type Dataset struct {
	ID               int64
	Name             string
	PublicName       string
	Server           Server
	HealthcheckURL   string
	RefreshAttempted *time.Time
	// GreaterThanHourly marks datasets that are unusually slow to refresh
	// and should be swept less often than the default cadence.
	GreaterThanHourly bool
}

// Slug combines server and dataset names into the public identifier.
func (d Dataset) Slug() string {
	return d.Server.Name + "-" + d.Name
}

// Server holds connection settings for a remote ERDDAP server.
type Server struct {
	ID             int64
	Name           string
	BaseURL        string
	HealthcheckURL string
	// RequestRefreshSeconds is the minimum delay between group requests
	// during a dataset refresh.
	RequestRefreshSeconds float64
	RequestTimeoutSeconds int

	// Broker settings are only set when ERDDAP change subscriptions are
	// bridged onto NATS for push-triggered refreshes.
	BrokerURL      string
	BrokerUsername string
	BrokerPassword string
}

// RequestRefreshTime converts the configured per-request delay to a Duration.
func (s Server) RequestRefreshTime() time.Duration {
	return time.Duration(s.RequestRefreshSeconds * float64(time.Second))
}

// RequestTimeout converts the configured request timeout to a Duration.
func (s Server) RequestTimeout() time.Duration {
	if s.RequestTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// PushCapable reports whether push-triggered refreshes are possible for the
// server.
func (s Server) PushCapable() bool {
	return s.BrokerURL != ""
}
