// Package output renders CLI tables.
package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableData is a header plus rows.
type TableData struct {
	headers []string
	rows    [][]string
}

// NewTableData creates a new TableData with the given headers.
func NewTableData(headers ...string) *TableData {
	return &TableData{headers: headers}
}

// AddRow adds a row to the table.
func (t *TableData) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

// PrintTable writes data as a borderless, left-aligned table.
func PrintTable(w io.Writer, data *TableData) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(data.headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(data.rows)
	table.Render()
}

// SimpleTable prints key: value pairs.
func SimpleTable(w io.Writer, pairs [][2]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator(":")
	table.SetRowSeparator("")
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, pair := range pairs {
		table.Append([]string{pair[0], pair[1]})
	}
	table.Render()
}
