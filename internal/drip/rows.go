package drip

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrNoEmailColumn is returned when a lead file has no email column
var ErrNoEmailColumn = errors.New("no email column in header")

// ReadRowsFile reads lead rows from a .csv or .xlsx file
func ReadRowsFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f)
	case ".xlsx":
		return ReadXLSX(f)
	default:
		return nil, fmt.Errorf("unsupported lead file %q (want .csv or .xlsx)", filepath.Base(path))
	}
}

// ReadCSV reads lead rows from CSV with a header line
func ReadCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	return rowsFromRecords(records)
}

// ReadXLSX reads lead rows from the first sheet of a workbook
func ReadXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rowsFromRecords(records)
}

// rowsFromRecords maps header columns onto rows. Unknown columns become custom fields.
func rowsFromRecords(records [][]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, errors.New("empty lead file")
	}

	header := records[0]
	emailIdx, nameIdx, companyIdx := -1, -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "email", "e-mail", "email_address":
			emailIdx = i
		case "name", "full_name", "fullname":
			nameIdx = i
		case "company", "companyname", "company_name":
			companyIdx = i
		}
	}
	if emailIdx < 0 {
		return nil, ErrNoEmailColumn
	}

	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		if blank(record) {
			continue
		}

		row := Row{
			Email:   cell(record, emailIdx),
			Name:    cell(record, nameIdx),
			Company: cell(record, companyIdx),
		}
		for i, col := range header {
			col = strings.TrimSpace(col)
			if i == emailIdx || i == nameIdx || i == companyIdx || col == "" {
				continue
			}
			if v := cell(record, i); v != "" {
				if row.CustomFields == nil {
					row.CustomFields = make(map[string]any)
				}
				row.CustomFields[col] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func cell(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
