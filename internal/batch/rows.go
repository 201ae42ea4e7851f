package batch

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

var (
	nameHeaders = map[string]bool{
		"name": true, "company": true, "company name": true, "company_name": true,
	}
	websiteHeaders = map[string]bool{
		"website": true, "url": true, "domain": true, "site": true, "web": true,
		"company website": true,
	}
)

// columnMap locates the name and website columns in a header row.
// Returns ok=false when the row does not look like a header.
func columnMap(header []string) (nameIdx, siteIdx int, ok bool) {
	nameIdx, siteIdx = -1, -1
	for i, cell := range header {
		h := foldCaser.String(strings.TrimSpace(cell))
		switch {
		case nameHeaders[h] && nameIdx < 0:
			nameIdx = i
		case websiteHeaders[h] && siteIdx < 0:
			siteIdx = i
		}
	}
	return nameIdx, siteIdx, nameIdx >= 0
}

// rowsFromCells converts raw sheet cells into batch rows. The first
// row is treated as a header when it names a recognizable column set;
// otherwise column 0 is the name and column 1 the website. Blank rows
// are skipped and Line numbers are 1-based source positions.
func rowsFromCells(cells [][]string) []Row {
	if len(cells) == 0 {
		return nil
	}
	nameIdx, siteIdx := 0, 1
	start := 0
	if n, s, ok := columnMap(cells[0]); ok {
		nameIdx = n
		siteIdx = s
		start = 1
	}

	rows := make([]Row, 0, len(cells)-start)
	for i := start; i < len(cells); i++ {
		row := Row{Line: i + 1}
		if nameIdx >= 0 && nameIdx < len(cells[i]) {
			row.Name = strings.TrimSpace(cells[i][nameIdx])
		}
		if siteIdx >= 0 && siteIdx < len(cells[i]) {
			row.Website = strings.TrimSpace(cells[i][siteIdx])
		}
		if row.Name == "" && row.Website == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// ReadXLSXRows loads company rows from the first sheet of an xlsx
// workbook.
func ReadXLSXRows(path string) ([]Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "batch: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("batch: xlsx has no sheets")
	}

	sheet := f.Sheets[0]
	cells := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		line := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			line = append(line, cell.String())
		}
		cells = append(cells, line)
	}
	return rowsFromCells(cells), nil
}

// ReadCSVRows loads company rows from CSV input.
func ReadCSVRows(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	cells, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "batch: read csv")
	}
	return rowsFromCells(cells), nil
}
