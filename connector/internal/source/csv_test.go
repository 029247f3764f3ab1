package source

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func readAll(t *testing.T, r *Reader) ([]Row, []*RowError) {
	t.Helper()
	var rows []Row
	var bad []*RowError
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rows, bad
		}
		var rerr *RowError
		if errors.As(err, &rerr) {
			bad = append(bad, rerr)
			continue
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		rows = append(rows, row)
	}
}

func TestReader_Basic(t *testing.T) {
	in := "Name,Age,Cookie,Banner_id\n" +
		"Ann,30,4f1b8a2e-6a43-4f8e-9f3d-3c1f0b9e2a11,7\n" +
		"Bob, 41 ,0b4e6f9c-1d2a-4c3b-8e7f-5a6b7c8d9e0f,12\n"
	r, err := NewReader(strings.NewReader(in), "test")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	rows, bad := readAll(t, r)
	if len(bad) != 0 {
		t.Fatalf("row errors: %v", bad)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Line != 2 || rows[1].Line != 3 {
		t.Errorf("lines = %d, %d; want 2, 3", rows[0].Line, rows[1].Line)
	}
	if rows[1].Fields[ColAge] != "41" {
		t.Errorf("Age = %q, want trimmed 41", rows[1].Fields[ColAge])
	}
	if rows[0].Fields[ColBannerID] != "7" {
		t.Errorf("Banner_id = %q", rows[0].Fields[ColBannerID])
	}
}

func TestReader_HeaderVariants(t *testing.T) {
	in := "\xEF\xBB\xBF Banner_id , Cookie,Extra, Age,Name\n" +
		"5,abc,ignored,20,Zoe\n"
	r, err := NewReader(strings.NewReader(in), "test")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	rows, _ := readAll(t, r)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	f := rows[0].Fields
	if f[ColName] != "Zoe" || f[ColAge] != "20" || f[ColCookie] != "abc" || f[ColBannerID] != "5" {
		t.Errorf("fields = %v", f)
	}
	if _, ok := f["Extra"]; ok {
		t.Error("unknown column should not be exposed")
	}
}

func TestReader_HeaderErrors(t *testing.T) {
	tests := []struct {
		name          string
		in            string
		wantMissing   []string
		wantDuplicate []string
	}{
		{"empty input", "", nil, nil},
		{"missing column", "Name,Age,Cookie\nA,1,x\n", []string{ColBannerID}, nil},
		{"case sensitive", "name,Age,Cookie,Banner_id\n", []string{ColName}, nil},
		{"duplicate after trim", "Name, Name,Age,Cookie,Banner_id\n", nil, []string{ColName}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tc.in), "test")
			var herr *HeaderError
			if !errors.As(err, &herr) {
				t.Fatalf("err = %v, want *HeaderError", err)
			}
			if strings.Join(herr.Missing, ",") != strings.Join(tc.wantMissing, ",") {
				t.Errorf("Missing = %v, want %v", herr.Missing, tc.wantMissing)
			}
			if strings.Join(herr.Duplicate, ",") != strings.Join(tc.wantDuplicate, ",") {
				t.Errorf("Duplicate = %v, want %v", herr.Duplicate, tc.wantDuplicate)
			}
		})
	}
}

func TestReader_BlankAndShortRows(t *testing.T) {
	in := "Name,Age,Cookie,Banner_id\n" +
		"\n" +
		",,,\n" +
		"  ,  , ,\n" +
		"Ann,30\n" +
		"Bob,40,c,1\n"
	r, err := NewReader(strings.NewReader(in), "test")
	if err != nil {
		t.Fatal(err)
	}
	rows, _ := readAll(t, r)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (blank rows skipped)", len(rows))
	}
	if rows[0].Line != 5 {
		t.Errorf("short row line = %d, want 5", rows[0].Line)
	}
	if rows[0].Fields[ColCookie] != "" || rows[0].Fields[ColBannerID] != "" {
		t.Errorf("short row should be padded, got %v", rows[0].Fields)
	}
	if rows[1].Line != 6 {
		t.Errorf("line = %d, want 6", rows[1].Line)
	}
}

func TestReader_MalformedRowContinues(t *testing.T) {
	in := "Name,Age,Cookie,Banner_id\n" +
		"Ann,30,c\"x,1\n" +
		"Bob,40,c,2\n"
	r, err := NewReader(strings.NewReader(in), "test")
	if err != nil {
		t.Fatal(err)
	}
	rows, bad := readAll(t, r)
	if len(bad) != 1 || bad[0].Line != 2 {
		t.Fatalf("row errors = %v, want one on line 2", bad)
	}
	if len(rows) != 1 || rows[0].Fields[ColName] != "Bob" {
		t.Errorf("rows = %v, want Bob", rows)
	}
}

func TestReader_QuotedMultiline(t *testing.T) {
	in := "Name,Age,Cookie,Banner_id\n" +
		"\"Ann\nMarie\",30,c,1\n" +
		"Bob,40,c,2\n"
	r, err := NewReader(strings.NewReader(in), "test")
	if err != nil {
		t.Fatal(err)
	}
	rows, _ := readAll(t, r)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Line != 2 || rows[1].Line != 4 {
		t.Errorf("lines = %d, %d; want 2, 4", rows[0].Line, rows[1].Line)
	}
}

func TestOpen_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	io.WriteString(zw, "\xEF\xBB\xBFName,Age,Cookie,Banner_id\nAnn,30,c,1\n")
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "data.csv.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	rows, _ := readAll(t, r)
	if len(rows) != 1 || rows[0].Fields[ColName] != "Ann" {
		t.Errorf("rows = %v", rows)
	}
}

func TestOpen_Missing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}
