package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"buoywatch/internal/erddap"
	"buoywatch/internal/refresh"
	"buoywatch/internal/storage"
)

type exportSample struct {
	Time  time.Time
	Value float64
}

// Export fetches a series' current window from its ERDDAP server and renders
// it as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	series, err := store.GetSeries(ctx, opts.SeriesID)
	if err != nil {
		return err
	}

	dataset, err := store.GetDataset(ctx, series.DatasetID)
	if err != nil {
		return err
	}

	groups := refresh.GroupSeries([]storage.Series{series}, a.Logger)
	if len(groups) == 0 {
		return fmt.Errorf("series %d has unusable constraints", series.ID)
	}
	group := groups[0]

	client := erddap.NewClient(erddap.Options{
		BaseURL:   dataset.Server.BaseURL,
		Timeout:   dataset.Server.RequestTimeout(),
		UserAgent: a.Config.Erddap.UserAgent,
	}, a.Logger)

	table, err := client.Fetch(ctx, dataset.Name, group.Constraints, group.Variables(), group.Key.Kind.Forward())
	if err != nil {
		return fmt.Errorf("fetch dataset %s: %w", dataset.Name, err)
	}

	col, ok := table.Column(series.Variable)
	if !ok {
		return fmt.Errorf("variable %s missing from dataset %s response", series.Variable, dataset.Name)
	}

	samples := collectSamples(table, col, opts.From, opts.To)
	if len(samples) == 0 {
		a.Logger.Info().Str("dataset", dataset.Name).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsample(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, series, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, series, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func collectSamples(table *erddap.Table, col int, from, to *time.Time) []exportSample {
	samples := make([]exportSample, 0, len(table.Rows))
	for _, row := range table.Rows {
		if row.Time.IsZero() || col >= len(row.Cells) || row.Cells[col] == "" {
			continue
		}
		if from != nil && row.Time.Before(*from) {
			continue
		}
		if to != nil && row.Time.After(*to) {
			continue
		}
		value, err := strconv.ParseFloat(row.Cells[col], 64)
		if err != nil || math.IsNaN(value) {
			continue
		}
		samples = append(samples, exportSample{Time: row.Time, Value: value})
	}
	return samples
}

func downsample(samples []exportSample, max int) []exportSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]exportSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, series storage.Series, samples []exportSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"time", series.Variable, "units"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		record := []string{
			sample.Time.UTC().Format(time.RFC3339),
			strconv.FormatFloat(sample.Value, 'f', -1, 64),
			series.DataType.Units,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSamplesPNG(path string, series storage.Series, samples []exportSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	y := make([]float64, len(samples))
	for i, sample := range samples {
		x[i] = sample.Time
		y[i] = sample.Value
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           fmt.Sprintf("%s (%s)", series.DataType.LongName, series.DataType.Units),
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    series.PlatformName,
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
