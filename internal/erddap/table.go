package erddap

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Table is a normalized tabledap response: one row per timestamp, one value
// column per requested variable. Column headers are kept exactly as the
// server returned them (ERDDAP appends unit suffixes, e.g. "time (UTC)" or
// "significant_wave_height (m)"), so callers match variables against the
// header's first token.
type Table struct {
	Columns   []string
	TimeIndex int // -1 when the response had no recognizable time column
	Rows      []Row
}

// Row is a single record. Time is parsed from the time column; Cells stay
// aligned with Table.Columns and keep the raw cell text.
type Row struct {
	Time  time.Time
	Cells []string
}

// timeLayouts cover the timestamp renderings ERDDAP servers hand back.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses an ERDDAP timestamp cell.
func ParseTime(cell string) (time.Time, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return time.Time{}, fmt.Errorf("empty time cell")
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, cell); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", cell)
}

// ParseCSV reads an ERDDAP csv response into a Table. The first record holds
// column names and the second holds units; they are combined into the
// "name (units)" headers the rest of the pipeline matches against. Rows
// without a parseable time value are dropped.
func ParseCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("csv response too short: %d records", len(records))
	}

	names := records[0]
	units := records[1]

	columns := make([]string, len(names))
	for i, name := range names {
		header := strings.TrimSpace(name)
		if i < len(units) && strings.TrimSpace(units[i]) != "" {
			header = fmt.Sprintf("%s (%s)", header, strings.TrimSpace(units[i]))
		}
		columns[i] = header
	}

	table := &Table{Columns: columns, TimeIndex: timeColumnIndex(columns)}

	for _, record := range records[2:] {
		if len(record) != len(columns) {
			continue
		}
		row := Row{Cells: record}
		if table.TimeIndex >= 0 {
			ts, parseErr := ParseTime(record[table.TimeIndex])
			if parseErr != nil {
				continue
			}
			row.Time = ts
		}
		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

func timeColumnIndex(columns []string) int {
	for i, col := range columns {
		if token(col) == "time" {
			return i
		}
	}
	return -1
}

func token(header string) string {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// SortByTime orders rows ascending by time. Reports false when the table has
// no time column to sort on.
func (t *Table) SortByTime() bool {
	if t.TimeIndex < 0 {
		return false
	}
	sort.SliceStable(t.Rows, func(i, j int) bool {
		return t.Rows[i].Time.Before(t.Rows[j].Time)
	})
	return true
}

// Column finds the value column for a variable by matching the variable name
// against the first token of each header.
func (t *Table) Column(variable string) (int, bool) {
	for i, col := range t.Columns {
		if i == t.TimeIndex {
			continue
		}
		if token(col) == variable {
			return i, true
		}
	}
	return 0, false
}

// ColumnRows returns the rows holding a non-empty value for the column,
// preserving order.
func (t *Table) ColumnRows(col int) []Row {
	rows := make([]Row, 0, len(t.Rows))
	for _, row := range t.Rows {
		if col >= len(row.Cells) {
			continue
		}
		if strings.TrimSpace(row.Cells[col]) == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}
