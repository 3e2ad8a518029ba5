package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Column describes one table column. Weight sizes the column relative to
// the others in PDF output; zero counts as one.
type Column struct {
	Title   string
	Weight  float64
	Numeric bool
}

// Dataset is an ordered table: every row has one cell per column.
type Dataset struct {
	Columns []Column
	Rows    [][]string
}

// Titles lists the column headers.
func (d Dataset) Titles() []string {
	titles := make([]string, len(d.Columns))
	for i, col := range d.Columns {
		titles[i] = col.Title
	}
	return titles
}

func (d Dataset) validate() error {
	if len(d.Columns) == 0 {
		return fmt.Errorf("dataset has no columns")
	}
	for i, row := range d.Rows {
		if len(row) != len(d.Columns) {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(d.Columns))
		}
	}
	return nil
}

// CSVExporter writes datasets as RFC 4180 CSV.
type CSVExporter struct {
	// BOM prefixes a UTF-8 byte order mark so spreadsheet tools detect the
	// encoding of accented student names.
	BOM bool
}

// NewCSVExporter returns an exporter that emits a BOM.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{BOM: true}
}

// Render encodes the header line followed by every row.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	if err := data.validate(); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	var buf bytes.Buffer
	if e.BOM {
		buf.WriteString("\uFEFF")
	}
	w := csv.NewWriter(&buf)
	if err := w.Write(data.Titles()); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	if err := w.WriteAll(data.Rows); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	return buf.Bytes(), nil
}
