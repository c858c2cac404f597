package refresh

import (
	"fmt"
	"sort"
	"time"

	"buoywatch/internal/erddap"
	"buoywatch/internal/storage"
)

// waterLevelNames are the CF standard names treated as water levels, which
// get tidal high/low detection on top of plain extrema.
var waterLevelNames = map[string]bool{
	"sea_water_level":                    true,
	"predicted_sea_water_level":          true,
	"sea_surface_height":                 true,
	"sea_surface_height_above_sea_level": true,
	"sea_surface_height_amplitude_due_to_geocentric_ocean_tide": true,
	"water_surface_height_above_reference_datum":                true,
}

// minTideSeparation is the smallest gap between detected tidal peaks.
const minTideSeparation = 10 * time.Hour

// ExtremaPoint is one min/max observation.
type ExtremaPoint struct {
	Time  string  `json:"time"`
	Value float64 `json:"value"`
}

// TidePoint is one detected tidal peak or trough.
type TidePoint struct {
	Time  string  `json:"time"`
	Value float64 `json:"value"`
	Tide  string  `json:"tide"`
}

// Extrema is the derived stats blob stored alongside a series.
type Extrema struct {
	Max   ExtremaPoint `json:"max"`
	Min   ExtremaPoint `json:"min"`
	Tides []TidePoint  `json:"tides,omitempty"`
}

// ComputeExtrema calculates min/max, and tides for water-level series, from
// the already fetched table. It is a pure function of the table; no remote
// calls.
func ComputeExtrema(series storage.Series, table *erddap.Table, col int) (*Extrema, error) {
	times, values := columnSamples(table, col)
	if len(values) == 0 {
		return nil, fmt.Errorf("no numeric values for %s", series.Variable)
	}

	maxIdx, minIdx := 0, 0
	for i, value := range values {
		if value > values[maxIdx] {
			maxIdx = i
		}
		if value < values[minIdx] {
			minIdx = i
		}
	}

	extrema := &Extrema{
		Max: ExtremaPoint{Time: isoTime(times[maxIdx]), Value: values[maxIdx]},
		Min: ExtremaPoint{Time: isoTime(times[minIdx]), Value: values[minIdx]},
	}

	if waterLevelNames[series.DataType.StandardName] {
		extrema.Tides = tidalExtrema(times, values)
	}

	return extrema, nil
}

// tidalExtrema finds high and low tides: local peaks of the level (and of
// its negation) separated by at least ten hours, expressed as a row count
// from the mean sampling interval.
func tidalExtrema(times []time.Time, values []float64) []TidePoint {
	if len(values) < 3 {
		return nil
	}

	meanInterval := times[len(times)-1].Sub(times[0]) / time.Duration(len(times)-1)
	if meanInterval <= 0 {
		return nil
	}
	minDistance := int(minTideSeparation / meanInterval)

	tides := make([]TidePoint, 0)
	for _, idx := range findPeaks(values, minDistance) {
		tides = append(tides, TidePoint{Time: isoTime(times[idx]), Value: values[idx], Tide: "high"})
	}

	negated := make([]float64, len(values))
	for i, value := range values {
		negated[i] = -value
	}
	for _, idx := range findPeaks(negated, minDistance) {
		tides = append(tides, TidePoint{Time: isoTime(times[idx]), Value: values[idx], Tide: "low"})
	}

	sort.Slice(tides, func(i, j int) bool { return tides[i].Time < tides[j].Time })
	return tides
}

func columnSamples(table *erddap.Table, col int) ([]time.Time, []float64) {
	times := make([]time.Time, 0, len(table.Rows))
	values := make([]float64, 0, len(table.Rows))
	for _, row := range table.Rows {
		if col >= len(row.Cells) || row.Time.IsZero() {
			continue
		}
		value, err := coerceValue(row.Cells[col])
		if err != nil {
			continue
		}
		times = append(times, row.Time)
		values = append(values, value)
	}
	return times, values
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
