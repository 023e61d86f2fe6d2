package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableData(t *testing.T) {
	table := NewTableData("Site", "Protect", "Delete")

	assert.Equal(t, []string{"Site", "Protect", "Delete"}, table.Headers())
	assert.Zero(t, table.Len())

	table.AddRow("T2_A", "0.50", "0.00")
	table.AddRow("T2_B", "0.00", "3.00")

	rows := table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"T2_B", "0.00", "3.00"}, rows[1])
}

func TestPrintTable(t *testing.T) {
	table := NewTableData("Dataset", "Decision")
	table.AddRow("/Big/Run2026A/AOD", "delete")

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, table))

	out := buf.String()
	assert.Contains(t, out, "DATASET")
	assert.Contains(t, out, "DECISION")
	assert.Contains(t, out, "/Big/Run2026A/AOD")
	assert.Contains(t, out, "delete")
}

func TestSimpleTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SimpleTable(&buf, [][2]string{
		{"Cycle", "12"},
		{"Partition", "AnalysisOps"},
	}))

	out := buf.String()
	assert.Contains(t, out, "Partition")
	assert.Contains(t, out, "AnalysisOps")
}
