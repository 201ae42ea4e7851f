package batch

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func TestReadCSVRowsWithHeader(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(`Company Name,Industry,Website
Acme,Fintech,https://acme.test
Bellhop,,bellhop.test

,,`)

	rows, err := ReadCSVRows(in)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{Line: 2, Name: "Acme", Website: "https://acme.test"}, rows[0])
	assert.Equal(t, Row{Line: 3, Name: "Bellhop", Website: "bellhop.test"}, rows[1])
}

func TestReadCSVRowsWithoutHeader(t *testing.T) {
	t.Parallel()

	rows, err := ReadCSVRows(strings.NewReader("Acme,https://acme.test\nBellhop,"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{Line: 1, Name: "Acme", Website: "https://acme.test"}, rows[0])
	assert.Equal(t, Row{Line: 2, Name: "Bellhop"}, rows[1])
}

func TestReadXLSXRows(t *testing.T) {
	t.Parallel()

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Companies")
	require.NoError(t, err)
	for _, cells := range [][]string{
		{"name", "website"},
		{"Acme", "https://acme.test"},
		{"", ""},
		{"Cobalt", ""},
	} {
		row := sheet.AddRow()
		for _, v := range cells {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "companies.xlsx")
	require.NoError(t, f.Save(path))

	rows, err := ReadXLSXRows(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{Line: 2, Name: "Acme", Website: "https://acme.test"}, rows[0])
	assert.Equal(t, Row{Line: 4, Name: "Cobalt"}, rows[1])
}

func TestReadXLSXRowsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := ReadXLSXRows(filepath.Join(t.TempDir(), "absent.xlsx"))
	assert.Error(t, err)
}

func TestColumnMapIgnoresUnknownHeaders(t *testing.T) {
	t.Parallel()

	nameIdx, siteIdx, ok := columnMap([]string{"ID", "Company", "Notes", "URL"})
	require.True(t, ok)
	assert.Equal(t, 1, nameIdx)
	assert.Equal(t, 3, siteIdx)

	_, _, ok = columnMap([]string{"Acme", "https://acme.test"})
	assert.False(t, ok)
}

func TestJSONLSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewJSONLSink(&buf)
	require.NoError(t, sink.Write(context.Background(), RowResult{
		Row: Row{Line: 2, Name: "Acme", Website: "acme.test"},
	}))
	require.NoError(t, sink.Write(context.Background(), RowResult{
		Row: Row{Line: 3, Name: "Bellhop"}, Error: "boom",
	}))
	require.NoError(t, sink.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"name":"Acme"`)
	assert.Contains(t, lines[1], `"error":"boom"`)
}
