package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"buoywatch/internal/erddap"
	"buoywatch/internal/storage"
)

// updateGroup extracts and persists the latest value for every series in a
// fetched group, then scores extrema. Extraction problems are isolated per
// series; only storage failures propagate and fail the task.
func (s *Service) updateGroup(ctx context.Context, dataset storage.Dataset, group Group, table *erddap.Table) error {
	for _, series := range group.Series {
		if err := s.updateSeries(ctx, dataset, group, series, table); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) updateSeries(ctx context.Context, dataset storage.Dataset, group Group, series storage.Series, table *erddap.Table) error {
	logger := s.logger.With().
		Int64("series_id", series.ID).
		Str("platform", series.PlatformName).
		Str("variable", series.Variable).
		Str("dataset", dataset.Name).
		Str("constraints", group.Key.Constraints).
		Logger()

	col, ok := table.Column(series.Variable)
	if !ok {
		logger.Error().Strs("columns", table.Columns).Msg("variable column not found in response")
		return nil
	}

	rows := table.ColumnRows(col)
	idx, ok := series.Kind.RowIndex(len(rows))
	if !ok {
		logger.Warn().Int("rows", len(rows)).Msg("not enough rows to pick a value")
		return nil
	}
	row := rows[idx]

	if row.Time.IsZero() {
		logger.Warn().Msg("selected row has no usable time value")
		return nil
	}

	value, err := coerceValue(row.Cells[col])
	if err != nil {
		logger.Error().Err(err).Str("cell", row.Cells[col]).Msg("could not coerce value")
		return nil
	}

	// The value is saved before extrema are computed so a scoring failure
	// never loses the refreshed reading.
	if err := s.store.UpdateSeriesValue(ctx, series.ID, value, row.Time); err != nil {
		return fmt.Errorf("save series %d value: %w", series.ID, err)
	}

	extrema, err := ComputeExtrema(series, table, col)
	if err != nil {
		logger.Error().Err(err).Msg("unable to compute extrema")
		return nil
	}

	blob, err := json.Marshal(extrema)
	if err != nil {
		logger.Error().Err(err).Msg("unable to encode extrema")
		return nil
	}

	if err := s.store.UpdateSeriesExtrema(ctx, series.ID, blob); err != nil {
		return fmt.Errorf("save series %d extrema: %w", series.ID, err)
	}
	return nil
}

// coerceValue turns a table cell into a float value. Duration-typed cells
// (ERDDAP period variables) are converted to a seconds count.
func coerceValue(cell string) (float64, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, fmt.Errorf("empty cell")
	}

	if value, err := strconv.ParseFloat(cell, 64); err == nil {
		if math.IsNaN(value) {
			return 0, fmt.Errorf("cell is NaN")
		}
		return value, nil
	}

	if duration, err := time.ParseDuration(cell); err == nil {
		return duration.Seconds(), nil
	}

	return 0, fmt.Errorf("cell %q is not numeric", cell)
}
