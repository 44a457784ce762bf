package adapters

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
)

// DecodeRecords parses a raw CSV or JSON payload into normalized records,
// one per row or array element. CSV cells stay strings; the evaluator
// coerces them on demand. JSON numbers decode to float64, the canonical
// in-memory numeric representation.
func DecodeRecords(data []byte, format dsl.DataFormat, opts dsl.FormatOptions) ([]*dsl.Record, error) {
	switch format {
	case dsl.FormatJSON:
		return decodeJSON(data)
	case dsl.FormatCSV:
		return decodeCSV(data, opts)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// EncodeRecords renders records in the requested format. CSV columns
// follow the ordered union of the records' fields; JSON output is an
// array of objects in field order.
func EncodeRecords(records []*dsl.Record, format dsl.DataFormat, opts dsl.FormatOptions) ([]byte, string, error) {
	switch format {
	case dsl.FormatJSON:
		data, err := encodeJSON(records)
		return data, "application/json", err
	case dsl.FormatCSV:
		data, err := encodeCSV(records, opts)
		return data, "text/csv", err
	default:
		return nil, "", fmt.Errorf("unsupported format %q", format)
	}
}

func decodeJSON(data []byte) ([]*dsl.Record, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var rows []map[string]interface{}
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("invalid JSON array payload: %w", err)
		}
		records := make([]*dsl.Record, 0, len(rows))
		for _, row := range rows {
			records = append(records, dsl.RecordFromMap(row))
		}
		return records, nil
	}

	var row map[string]interface{}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("invalid JSON object payload: %w", err)
	}
	return []*dsl.Record{dsl.RecordFromMap(row)}, nil
}

func decodeCSV(data []byte, opts dsl.FormatOptions) ([]*dsl.Record, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = csvDelimiter(opts)
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid CSV payload: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var header []string
	body := rows
	switch {
	case opts.HeaderRow, headerLike(rows[0]):
		header = rows[0]
		body = rows[1:]
	default:
		header = make([]string, len(rows[0]))
		for i := range header {
			header[i] = fmt.Sprintf("column_%d", i)
		}
	}

	records := make([]*dsl.Record, 0, len(body))
	for _, row := range body {
		rec := dsl.NewRecord()
		for i, cell := range row {
			if i < len(header) {
				rec.Set(strings.TrimSpace(header[i]), cell)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func encodeJSON(records []*dsl.Record) ([]byte, error) {
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

func encodeCSV(records []*dsl.Record, opts dsl.FormatOptions) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	writer.Comma = csvDelimiter(opts)

	columns := columnUnion(records)
	if err := writer.Write(columns); err != nil {
		return nil, err
	}

	for _, rec := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := rec.Get(col); ok && v != nil {
				row[i] = stringifyCell(v)
			}
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	return buf.Bytes(), writer.Error()
}

// columnUnion collects field names across all records, keeping the order
// in which they first appear.
func columnUnion(records []*dsl.Record) []string {
	var columns []string
	seen := make(map[string]bool)
	for _, rec := range records {
		for _, f := range rec.Fields() {
			if !seen[f] {
				seen[f] = true
				columns = append(columns, f)
			}
		}
	}
	return columns
}

func stringifyCell(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return dsl.FormatNumber(val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func csvDelimiter(opts dsl.FormatOptions) rune {
	if opts.Delimiter != "" {
		return []rune(opts.Delimiter)[0]
	}
	return ','
}

// headerLike guesses whether the first CSV row is a header when the
// config did not say: every cell must be a valid field name.
func headerLike(row []string) bool {
	for _, cell := range row {
		if !dsl.ValidFieldName(strings.TrimSpace(cell)) {
			return false
		}
	}
	return len(row) > 0
}
