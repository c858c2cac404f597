package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	selectSeriesColumns = `SELECT
        ts.id,
        p.name,
        dt.standard_name,
        dt.short_name,
        dt.long_name,
        dt.units,
        ts.variable,
        ts.constraints,
        ts.kind,
        ts.depth,
        ts.active,
        ts.start_time,
        ts.end_time,
        ts.value,
        ts.value_time,
        ts.update_time,
        ts.extrema,
        ts.dataset_id
    FROM timeseries ts
    JOIN platforms p ON p.id = ts.platform_id
    JOIN data_types dt ON dt.id = ts.data_type_id`

	getSeriesSQL = selectSeriesColumns + `
    WHERE ts.id = $1;`

	activeSeriesSQL = selectSeriesColumns + `
    WHERE ts.dataset_id = $1
      AND ts.active
      AND ts.end_time IS NULL
    ORDER BY ts.id;`

	staleSeriesSQL = selectSeriesColumns + `
    WHERE ts.active
      AND ts.value_time < $1
    ORDER BY p.name, ts.id;`

	updateSeriesValueSQL = `UPDATE timeseries
    SET value = $2, value_time = $3, update_time = now()
    WHERE id = $1;`

	updateSeriesExtremaSQL = `UPDATE timeseries
    SET extrema = $2, update_time = now()
    WHERE id = $1;`

	updateSeriesEndTimeSQL = `UPDATE timeseries
    SET end_time = $2
    WHERE id = $1;`

	selectDatasetColumns = `SELECT
        d.id,
        d.name,
        COALESCE(d.public_name, ''),
        COALESCE(d.healthcheck_url, ''),
        d.refresh_attempted,
        d.greater_than_hourly,
        s.id,
        s.name,
        s.base_url,
        COALESCE(s.healthcheck_url, ''),
        s.request_refresh_seconds,
        s.request_timeout_seconds,
        COALESCE(s.broker_url, ''),
        COALESCE(s.broker_username, ''),
        COALESCE(s.broker_password, '')
    FROM datasets d
    JOIN servers s ON s.id = d.server_id`

	getDatasetSQL = selectDatasetColumns + `
    WHERE d.id = $1;`

	datasetByNameSQL = selectDatasetColumns + `
    WHERE d.server_id = $1 AND d.name = $2;`

	datasetsForServerSQL = selectDatasetColumns + `
    WHERE d.server_id = $1
    ORDER BY d.name;`

	listDatasetsSQL = selectDatasetColumns + `
    ORDER BY s.name, d.name;`

	setRefreshAttemptedSQL = `UPDATE datasets
    SET refresh_attempted = $2
    WHERE id = $1;`

	staleDatasetIDsSQL = `SELECT id FROM datasets
    WHERE refresh_attempted IS NULL
       OR (NOT greater_than_hourly AND refresh_attempted < $1)
       OR (greater_than_hourly AND refresh_attempted < $2)
    ORDER BY id;`

	getServerSQL = `SELECT
        id,
        name,
        base_url,
        COALESCE(healthcheck_url, ''),
        request_refresh_seconds,
        request_timeout_seconds,
        COALESCE(broker_url, ''),
        COALESCE(broker_username, ''),
        COALESCE(broker_password, '')
    FROM servers
    WHERE id = $1;`
)

// TimeSeriesStore defines the timeseries lookups and point updates the
// refresh pipeline needs.
type TimeSeriesStore interface {
	GetSeries(ctx context.Context, id int64) (Series, error)
	ActiveSeries(ctx context.Context, datasetID int64) ([]Series, error)
	StaleSeries(ctx context.Context, olderThan time.Time) ([]Series, error)
	UpdateSeriesValue(ctx context.Context, seriesID int64, value float64, valueTime time.Time) error
	UpdateSeriesExtrema(ctx context.Context, seriesID int64, extrema json.RawMessage) error
	UpdateSeriesEndTime(ctx context.Context, seriesID int64, endTime time.Time) error
}

// DatasetStore defines dataset configuration lookups and refresh bookkeeping.
type DatasetStore interface {
	GetDataset(ctx context.Context, id int64) (Dataset, error)
	DatasetByName(ctx context.Context, serverID int64, name string) (Dataset, error)
	DatasetsForServer(ctx context.Context, serverID int64) ([]Dataset, error)
	ListDatasets(ctx context.Context) ([]Dataset, error)
	SetRefreshAttempted(ctx context.Context, datasetID int64, attempted time.Time) error
	StaleDatasetIDs(ctx context.Context, olderThan, slowOlderThan time.Time) ([]int64, error)
}

// ServerStore defines server configuration lookups.
type ServerStore interface {
	GetServer(ctx context.Context, id int64) (Server, error)
}

// Store aggregates access to servers, datasets, and timeseries.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// GetSeries loads one series by id.
func (s *Store) GetSeries(ctx context.Context, id int64) (Series, error) {
	pool, err := s.getPool()
	if err != nil {
		return Series{}, err
	}

	rows, queryErr := pool.Query(ctx, getSeriesSQL, id)
	if queryErr != nil {
		return Series{}, fmt.Errorf("get series %d: %w", id, queryErr)
	}
	defer rows.Close()

	series, scanErr := scanSeriesRows(rows)
	if scanErr != nil {
		return Series{}, fmt.Errorf("get series %d: %w", id, scanErr)
	}
	if len(series) == 0 {
		return Series{}, fmt.Errorf("get series %d: %w", id, pgx.ErrNoRows)
	}
	return series[0], nil
}

// ActiveSeries lists the series of a dataset that should be refreshed.
func (s *Store) ActiveSeries(ctx context.Context, datasetID int64) ([]Series, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, activeSeriesSQL, datasetID)
	if queryErr != nil {
		return nil, fmt.Errorf("list active series: %w", queryErr)
	}
	defer rows.Close()

	return scanSeriesRows(rows)
}

// StaleSeries lists active series whose most recent value is older than the
// given cutoff.
func (s *Store) StaleSeries(ctx context.Context, olderThan time.Time) ([]Series, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, staleSeriesSQL, olderThan)
	if queryErr != nil {
		return nil, fmt.Errorf("list stale series: %w", queryErr)
	}
	defer rows.Close()

	return scanSeriesRows(rows)
}

// UpdateSeriesValue stores the most recent value and its timestamp.
func (s *Store) UpdateSeriesValue(ctx context.Context, seriesID int64, value float64, valueTime time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, updateSeriesValueSQL, seriesID, value, valueTime); execErr != nil {
		return fmt.Errorf("update series value: %w", execErr)
	}
	return nil
}

// UpdateSeriesExtrema stores the computed extrema blob.
func (s *Store) UpdateSeriesExtrema(ctx context.Context, seriesID int64, extrema json.RawMessage) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, updateSeriesExtremaSQL, seriesID, []byte(extrema)); execErr != nil {
		return fmt.Errorf("update series extrema: %w", execErr)
	}
	return nil
}

// UpdateSeriesEndTime retires a series by setting its end time.
func (s *Store) UpdateSeriesEndTime(ctx context.Context, seriesID int64, endTime time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, updateSeriesEndTimeSQL, seriesID, endTime); execErr != nil {
		return fmt.Errorf("update series end time: %w", execErr)
	}
	return nil
}

// GetDataset loads a dataset and its server configuration.
func (s *Store) GetDataset(ctx context.Context, id int64) (Dataset, error) {
	pool, err := s.getPool()
	if err != nil {
		return Dataset{}, err
	}
	dataset, scanErr := scanDataset(pool.QueryRow(ctx, getDatasetSQL, id))
	if scanErr != nil {
		return Dataset{}, fmt.Errorf("get dataset %d: %w", id, scanErr)
	}
	return dataset, nil
}

// DatasetByName looks up a dataset by its ERDDAP dataset id on a server.
func (s *Store) DatasetByName(ctx context.Context, serverID int64, name string) (Dataset, error) {
	pool, err := s.getPool()
	if err != nil {
		return Dataset{}, err
	}
	dataset, scanErr := scanDataset(pool.QueryRow(ctx, datasetByNameSQL, serverID, name))
	if scanErr != nil {
		return Dataset{}, fmt.Errorf("get dataset %s: %w", name, scanErr)
	}
	return dataset, nil
}

// DatasetsForServer lists all datasets configured for a server.
func (s *Store) DatasetsForServer(ctx context.Context, serverID int64) ([]Dataset, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, datasetsForServerSQL, serverID)
	if queryErr != nil {
		return nil, fmt.Errorf("list datasets for server: %w", queryErr)
	}
	defer rows.Close()

	return scanDatasetRows(rows)
}

// ListDatasets lists every configured dataset.
func (s *Store) ListDatasets(ctx context.Context) ([]Dataset, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDatasetsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list datasets: %w", queryErr)
	}
	defer rows.Close()

	return scanDatasetRows(rows)
}

// SetRefreshAttempted records when a refresh of the dataset last started.
func (s *Store) SetRefreshAttempted(ctx context.Context, datasetID int64, attempted time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setRefreshAttemptedSQL, datasetID, attempted); execErr != nil {
		return fmt.Errorf("set refresh attempted: %w", execErr)
	}
	return nil
}

// StaleDatasetIDs returns datasets whose last refresh attempt is missing or
// older than the cutoff. Datasets flagged greater-than-hourly use the slower
// cutoff.
func (s *Store) StaleDatasetIDs(ctx context.Context, olderThan, slowOlderThan time.Time) ([]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, staleDatasetIDsSQL, olderThan, slowOlderThan)
	if queryErr != nil {
		return nil, fmt.Errorf("list stale datasets: %w", queryErr)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// GetServer loads a server configuration.
func (s *Store) GetServer(ctx context.Context, id int64) (Server, error) {
	pool, err := s.getPool()
	if err != nil {
		return Server{}, err
	}

	var server Server
	if scanErr := pool.QueryRow(ctx, getServerSQL, id).Scan(
		&server.ID,
		&server.Name,
		&server.BaseURL,
		&server.HealthcheckURL,
		&server.RequestRefreshSeconds,
		&server.RequestTimeoutSeconds,
		&server.BrokerURL,
		&server.BrokerUsername,
		&server.BrokerPassword,
	); scanErr != nil {
		return Server{}, fmt.Errorf("get server %d: %w", id, scanErr)
	}
	return server, nil
}

func scanSeriesRows(rows pgx.Rows) ([]Series, error) {
	series := make([]Series, 0)
	for rows.Next() {
		var (
			sr          Series
			constraints []byte
			extrema     []byte
		)
		if err := rows.Scan(
			&sr.ID,
			&sr.PlatformName,
			&sr.DataType.StandardName,
			&sr.DataType.ShortName,
			&sr.DataType.LongName,
			&sr.DataType.Units,
			&sr.Variable,
			&constraints,
			&sr.Kind,
			&sr.Depth,
			&sr.Active,
			&sr.StartTime,
			&sr.EndTime,
			&sr.Value,
			&sr.ValueTime,
			&sr.UpdateTime,
			&extrema,
			&sr.DatasetID,
		); err != nil {
			return nil, err
		}
		sr.Constraints = json.RawMessage(constraints)
		sr.Extrema = json.RawMessage(extrema)
		series = append(series, sr)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return series, nil
}

func scanDatasetRows(rows pgx.Rows) ([]Dataset, error) {
	datasets := make([]Dataset, 0)
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, dataset)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return datasets, nil
}

func scanDataset(row pgx.Row) (Dataset, error) {
	var d Dataset
	if err := row.Scan(
		&d.ID,
		&d.Name,
		&d.PublicName,
		&d.HealthcheckURL,
		&d.RefreshAttempted,
		&d.GreaterThanHourly,
		&d.Server.ID,
		&d.Server.Name,
		&d.Server.BaseURL,
		&d.Server.HealthcheckURL,
		&d.Server.RequestRefreshSeconds,
		&d.Server.RequestTimeoutSeconds,
		&d.Server.BrokerURL,
		&d.Server.BrokerUsername,
		&d.Server.BrokerPassword,
	); err != nil {
		return Dataset{}, err
	}
	return d, nil
}
