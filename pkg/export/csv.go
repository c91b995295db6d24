package export

import (
	"encoding/csv"
	"fmt"
	"io"
)

// Table is tabular report content; every row has one cell per column.
type Table struct {
	Columns []string
	Rows    [][]string
}

// WriteCSV streams the table to w as RFC 4180 CSV with a header line.
func WriteCSV(w io.Writer, table Table) error {
	if len(table.Columns) == 0 {
		return fmt.Errorf("csv requires at least one column")
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(table.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, row := range table.Rows {
		if len(row) != len(table.Columns) {
			return fmt.Errorf("csv row %d has %d cells, want %d", i+1, len(row), len(table.Columns))
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", i+1, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
