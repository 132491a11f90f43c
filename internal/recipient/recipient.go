// Package recipient holds campaign recipient records read from CSV.
package recipient

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Well-known columns
const (
	ColumnEmails = "Emails"
	ColumnEmail  = "Email"
	ColumnCC     = "cc"
	ColumnBCC    = "bcc"
)

// ErrNoHeader is returned when the CSV input has no header row.
var ErrNoHeader = errors.New("csv has no header row")

// Record is one recipient row: column name -> value, in header order.
type Record struct {
	columns []string
	values  map[string]string
}

// NewRecord builds a record from parallel column and value slices.
// Missing trailing values are treated as empty.
func NewRecord(columns []string, values []string) Record {
	r := Record{
		columns: make([]string, 0, len(columns)),
		values:  make(map[string]string, len(columns)),
	}
	for i, col := range columns {
		if _, dup := r.values[col]; dup {
			continue
		}
		v := ""
		if i < len(values) {
			v = values[i]
		}
		r.columns = append(r.columns, col)
		r.values[col] = v
	}
	return r
}

// FromMap builds a record; column order is the order of keys given.
func FromMap(keys []string, m map[string]string) Record {
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = m[k]
	}
	return NewRecord(keys, values)
}

// Columns returns column names in header order.
func (r Record) Columns() []string {
	return r.columns
}

// Get returns the value of a column and whether the column exists.
func (r Record) Get(column string) (string, bool) {
	v, ok := r.values[column]
	return v, ok
}

// Email returns the recipient address: Emails if non-empty, otherwise Email.
func (r Record) Email() string {
	if v := strings.TrimSpace(r.values[ColumnEmails]); v != "" {
		return v
	}
	return strings.TrimSpace(r.values[ColumnEmail])
}

// CC returns the cc column split on commas.
func (r Record) CC() []string {
	return splitList(r.values[ColumnCC])
}

// BCC returns the bcc column split on commas.
func (r Record) BCC() []string {
	return splitList(r.values[ColumnBCC])
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseCSV reads a CSV document whose first row names the columns.
// Empty lines are skipped and rows may be shorter or longer than the header.
func ParseCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	var records []Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}
		if isBlank(row) {
			continue
		}
		records = append(records, NewRecord(header, row))
	}

	return records, nil
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
