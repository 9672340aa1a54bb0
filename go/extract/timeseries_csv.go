package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/helixion/biomarker-worker/go/features"
)

// TimeseriesCSV extracts features from v1_timeseries_csv artifacts: a
// delimited table with required columns channel (text), t (seconds) and y
// (signal value), one row per observation:
//
//	channel,t,y
//	IL6,0.0,12.1
//	IL6,0.5,12.6
//	CRP,0.0,3.2
type TimeseriesCSV struct{}

// SchemaVersion implements Extractor.
func (*TimeseriesCSV) SchemaVersion() string { return "v1_timeseries_csv" }

type csvTable struct {
	channelCol, tCol, yCol int
	rows                   [][]string
}

func (*TimeseriesCSV) parse(content []byte) (*csvTable, error) {
	var reader = csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("CSV parsing error: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("CSV file is empty (no data rows)")
	}

	var table = csvTable{channelCol: -1, tCol: -1, yCol: -1}
	for i, name := range records[0] {
		switch strings.TrimSpace(name) {
		case "channel":
			table.channelCol = i
		case "t":
			table.tCol = i
		case "y":
			table.yCol = i
		}
	}

	var missing []string
	for _, col := range []struct {
		name string
		idx  int
	}{{"channel", table.channelCol}, {"t", table.tCol}, {"y", table.yCol}} {
		if col.idx == -1 {
			missing = append(missing, col.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}

	table.rows = records[1:]
	if len(table.rows) == 0 {
		return nil, fmt.Errorf("CSV file is empty (no data rows)")
	}
	return &table, nil
}

// Validate implements Extractor. Every t and y cell must be coercible to a
// number; a literal NaN coerces (and is later dropped by Extract).
func (e *TimeseriesCSV) Validate(content []byte) error {
	table, err := e.parse(content)
	if err != nil {
		return err
	}

	for i, row := range table.rows {
		if len(row) <= table.channelCol || len(row) <= table.tCol || len(row) <= table.yCol {
			return fmt.Errorf("row %d has too few columns", i+1)
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(row[table.tCol]), 64); err != nil {
			return fmt.Errorf("column 't' must be numeric (float): row %d value %q", i+1, row[table.tCol])
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(row[table.yCol]), 64); err != nil {
			return fmt.Errorf("column 'y' must be numeric (float): row %d value %q", i+1, row[table.yCol])
		}
	}
	return nil
}

// Extract implements Extractor.
func (e *TimeseriesCSV) Extract(content []byte) (*Result, error) {
	if err := e.Validate(content); err != nil {
		return nil, err
	}
	table, err := e.parse(content)
	if err != nil {
		return nil, err
	}

	// Decompose rows by channel, preserving file order within each channel.
	// Rows whose t or y fail coercion (NaN) are dropped.
	type series struct{ t, y []float64 }
	var byChannel = map[string]*series{}
	var channels []string

	for _, row := range table.rows {
		var channel = row[table.channelCol]
		var t, errT = strconv.ParseFloat(strings.TrimSpace(row[table.tCol]), 64)
		var y, errY = strconv.ParseFloat(strings.TrimSpace(row[table.yCol]), 64)
		if errT != nil || errY != nil || math.IsNaN(t) || math.IsNaN(y) {
			continue
		}

		var s, ok = byChannel[channel]
		if !ok {
			s = &series{}
			byChannel[channel] = s
			channels = append(channels, channel)
		}
		s.t = append(s.t, t)
		s.y = append(s.y, y)
	}

	if len(byChannel) == 0 {
		return nil, fmt.Errorf("no valid data after parsing")
	}
	sort.Strings(channels)

	var all = features.Map{}
	for _, channel := range channels {
		var s = byChannel[channel]
		all.Merge(features.Timeseries(s.t, s.y, channel))
	}
	all.Merge(features.Global(all, channels))

	return newResult(all), nil
}
