package drip

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestReadCSV(t *testing.T) {
	data := "Email,Name,Company,Role\n" +
		" alice@example.com ,Alice,Acme,CTO\n" +
		",,,\n" +
		"bob@example.com,Bob,,\n"

	rows, err := ReadCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	if rows[0].Email != "alice@example.com" || rows[0].Name != "Alice" || rows[0].Company != "Acme" {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if rows[0].CustomFields["Role"] != "CTO" {
		t.Errorf("Role = %v, want CTO", rows[0].CustomFields["Role"])
	}
	if rows[1].CustomFields != nil {
		t.Errorf("rows[1].CustomFields = %v, want nil", rows[1].CustomFields)
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"no email column", "name,company\nAlice,Acme\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(tt.data)); err == nil {
				t.Error("ReadCSV() should fail")
			}
		})
	}

	_, err := ReadCSV(strings.NewReader("name\nAlice\n"))
	if !errors.Is(err, ErrNoEmailColumn) {
		t.Errorf("error = %v, want ErrNoEmailColumn", err)
	}
}

func TestReadXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	values := [][]any{
		{"email", "full_name", "company_name", "city"},
		{"carol@example.com", "Carol", "Initech", "Berlin"},
	}
	for i, row := range values {
		cellName, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow(sheet, cellName, &row); err != nil {
			t.Fatal(err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	rows, err := ReadXLSX(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadXLSX() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.Email != "carol@example.com" || got.Name != "Carol" || got.Company != "Initech" {
		t.Errorf("row = %+v", got)
	}
	if got.CustomFields["city"] != "Berlin" {
		t.Errorf("city = %v, want Berlin", got.CustomFields["city"])
	}
}

func TestReadRowsFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "leads.CSV")
	if err := os.WriteFile(path, []byte("email\ndave@example.com\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rows, err := ReadRowsFile(path)
	if err != nil {
		t.Fatalf("ReadRowsFile() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Email != "dave@example.com" {
		t.Errorf("rows = %+v", rows)
	}

	other := filepath.Join(dir, "leads.txt")
	if err := os.WriteFile(other, []byte("email\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRowsFile(other); err == nil {
		t.Error("ReadRowsFile() should reject unknown extensions")
	}
}
