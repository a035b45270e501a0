package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// Record is one row of exported data keyed by column name.
type Record = map[string]interface{}

// CSVChunkWriter serializes record batches into CSV chunk files.
type CSVChunkWriter struct{}

// NewCSVChunkWriter builds a CSV chunk writer.
func NewCSVChunkWriter() *CSVChunkWriter {
	return &CSVChunkWriter{}
}

// Write encodes records to dst under a header row. When columns is nil the header is
// derived from the first record's keys in sorted order; the returned columns should be
// passed back for every later chunk of the same export so all chunks share one schema.
func (w *CSVChunkWriter) Write(dst io.Writer, records []Record, columns []string) ([]string, error) {
	if columns == nil {
		columns = Columns(records)
	}

	writer := csv.NewWriter(dst)
	if err := writer.Write(columns); err != nil {
		return nil, fmt.Errorf("write csv headers: %w", err)
	}

	row := make([]string, len(columns))
	for _, record := range records {
		for i, column := range columns {
			value, err := formatValue(record[column])
			if err != nil {
				return nil, fmt.Errorf("format column %s: %w", column, err)
			}
			row[i] = value
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return columns, nil
}

// Columns returns the sorted key set of the first record, or an empty header.
func Columns(records []Record) []string {
	if len(records) == 0 {
		return []string{}
	}
	columns := make([]string, 0, len(records[0]))
	for key := range records[0] {
		columns = append(columns, key)
	}
	sort.Strings(columns)
	return columns
}

func formatValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case json.Number:
		return v.String(), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
