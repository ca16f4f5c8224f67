package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() Dataset {
	return Dataset{
		Title:   "Audit Log",
		Headers: []string{"Action", "Details"},
		Rows: []map[string]string{
			{"Action": "CHANGE_REQUEST_APPROVED", "Details": "approved, with comma"},
			{"Action": "MEMBER_DEACTIVATED", "Details": "=HYPERLINK(\"x\")"},
		},
	}
}

func TestRenderCSV(t *testing.T) {
	file, err := Render(sampleDataset(), FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "text/csv; charset=utf-8", file.ContentType)
	assert.True(t, strings.HasPrefix(file.Name, "audit-log-"))
	assert.True(t, strings.HasSuffix(file.Name, ".csv"))

	records, err := csv.NewReader(bytes.NewReader(file.Body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"Action", "Details"}, records[0])
	assert.Equal(t, "approved, with comma", records[1][1])
	assert.Equal(t, "'=HYPERLINK(\"x\")", records[2][1])
}

func TestRenderPDF(t *testing.T) {
	file, err := Render(sampleDataset(), FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", file.ContentType)
	assert.True(t, bytes.HasPrefix(file.Body, []byte("%PDF")))
}

func TestRenderRejectsInvalidInput(t *testing.T) {
	_, err := Render(Dataset{}, FormatCSV)
	assert.Error(t, err)

	_, err = Render(sampleDataset(), Format("xlsx"))
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatPDF, ParseFormat(" PDF "))
	assert.True(t, ParseFormat("csv").Valid())
	assert.False(t, ParseFormat("xml").Valid())
}

func TestColumnWidthsFillPage(t *testing.T) {
	widths := columnWidths(sampleDataset())
	require.Len(t, widths, 2)
	assert.InDelta(t, pdfPageWidth, widths[0]+widths[1], 0.001)
	assert.Greater(t, widths[0], pdfMinColumn)
}
