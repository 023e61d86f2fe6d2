package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableRenderer is implemented by types that print as a table.
type TableRenderer interface {
	Headers() []string
	Rows() [][]string
}

// newPlainTable returns a borderless, left-aligned writer with columns
// separated by sep.
func newPlainTable(w io.Writer, sep string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetHeaderLine(false)
	t.SetCenterSeparator("")
	t.SetRowSeparator("")
	t.SetColumnSeparator(sep)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

// PrintTable writes data with upper-cased headers.
func PrintTable(w io.Writer, data TableRenderer) error {
	t := newPlainTable(w, "")
	t.SetHeader(data.Headers())
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.AppendBulk(data.Rows())
	t.Render()
	return nil
}

// SimpleTable prints "key: value" lines for single-record summaries.
func SimpleTable(w io.Writer, pairs [][2]string) error {
	t := newPlainTable(w, ":")
	for _, p := range pairs {
		t.Append(p[:])
	}
	t.Render()
	return nil
}

// TableData is a TableRenderer built row by row.
type TableData struct {
	headers []string
	rows    [][]string
}

// NewTableData creates an empty table with the given headers.
func NewTableData(headers ...string) *TableData {
	return &TableData{headers: headers, rows: [][]string{}}
}

// AddRow appends one row.
func (t *TableData) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *TableData) Headers() []string { return t.headers }
func (t *TableData) Rows() [][]string  { return t.rows }

// Len is the number of rows.
func (t *TableData) Len() int { return len(t.rows) }
