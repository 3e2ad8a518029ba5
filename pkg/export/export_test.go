package export

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func progressDataset() Dataset {
	return Dataset{
		Columns: []Column{{Title: "Subject", Weight: 2}, {Title: "Sessions", Numeric: true}, {Title: "Average rating", Numeric: true}},
		Rows: [][]string{
			{"Algorithms", "3", "4.67"},
			{"Physics", "1", ""},
		},
	}
}

func TestCSVExporterRender(t *testing.T) {
	out, err := (&CSVExporter{}).Render(progressDataset())
	require.NoError(t, err)
	assert.Equal(t, "Subject,Sessions,Average rating\nAlgorithms,3,4.67\nPhysics,1,\n", string(out))

	withBOM, err := NewCSVExporter().Render(progressDataset())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(withBOM, []byte("\uFEFF")))

	_, err = NewCSVExporter().Render(Dataset{})
	assert.Error(t, err)

	ragged := progressDataset()
	ragged.Rows = append(ragged.Rows, []string{"Chemistry"})
	_, err = NewCSVExporter().Render(ragged)
	assert.ErrorContains(t, err, "row 2 has 1 cells")
}

func TestPDFExporterRender(t *testing.T) {
	out, err := NewPDFExporter().Render(progressDataset(), "Progress report")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))

	_, err = NewPDFExporter().Render(Dataset{}, "empty")
	assert.Error(t, err)
}

func TestPDFExporterPaginatesLongTables(t *testing.T) {
	data := progressDataset()
	for i := 0; i < 120; i++ {
		data.Rows = append(data.Rows, []string{fmt.Sprintf("Subject %d", i), "1", "3.00"})
	}
	out, err := NewPDFExporter().Render(data, "Long report")
	require.NoError(t, err)
	pages := bytes.Count(out, []byte("/Type /Page")) - bytes.Count(out, []byte("/Type /Pages"))
	assert.Greater(t, pages, 1)
}

func TestColumnWidthsFollowWeights(t *testing.T) {
	widths := columnWidths([]Column{{Weight: 2}, {}, {Weight: 1}}, 100)
	assert.InDeltaSlice(t, []float64{50, 25, 25}, widths, 0.001)
}
