package main

import (
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
)

// renderTable writes rows under headers as an ASCII table.
func renderTable(w io.Writer, headers []string, rows [][]string) error {
	table := tablewriter.NewTable(w)
	table.Header(headers)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

// formatTime formats t for tables, with "-" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// formatTimePtr is formatTime for optional values.
func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
