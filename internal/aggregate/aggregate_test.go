package aggregate

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// fixture lays out two worker directories that overlap on /p/2.
func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "worker-0", "results.json"), `{
  "https://shop.example/p/1": {"name": "Valve", "price": 12.5},
  "https://shop.example/p/2": {"name": "Pump (w0)", "specifications": {"Voltage": "230V"}}
}`)
	writeFile(t, filepath.Join(root, "worker-0", "failures.json"), `[
  {"identifier": "https://shop.example/p/9", "errorClass": "Timeout", "message": "deadline", "timestamp": "2024-03-01T10:00:00Z"},
  {"identifier": "https://shop.example/p/3", "errorClass": "Blocked", "message": "403", "timestamp": "2024-03-01T10:00:00Z"}
]`)
	writeFile(t, filepath.Join(root, "worker-1", "results.json"), `[
  {"url": "https://shop.example/p/2", "name": "Pump (w1)"},
  {"url": "https://shop.example/p/3", "name": "Hose", "in_stock": true},
  {"url": "https://shop.example/p/4", "name": ""},
  {"name": "no identifier"}
]`)
	writeFile(t, filepath.Join(root, "worker-1", "failures.json"), `[
  {"identifier": "https://shop.example/p/9", "errorClass": "Blocked", "message": "403", "timestamp": "2024-03-01T11:00:00Z"}
]`)
	return root
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMergeFirstWins(t *testing.T) {
	res, err := Merge(context.Background(), Options{
		Inputs:         []string{fixture(t)},
		RequiredFields: []string{"name"},
		Logger:         quiet(),
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := []string{"https://shop.example/p/1", "https://shop.example/p/2", "https://shop.example/p/3"}
	if strings.Join(res.IDs, ",") != strings.Join(want, ",") {
		t.Fatalf("ids = %v, want %v", res.IDs, want)
	}
	if got := res.Records["https://shop.example/p/2"].String("name"); got != "Pump (w0)" {
		t.Fatalf("first-wins kept %q", got)
	}
	if res.Duplicates != 1 || res.Dropped != 1 || res.Files != 2 {
		t.Fatalf("duplicates=%d dropped=%d files=%d", res.Duplicates, res.Dropped, res.Files)
	}

	if len(res.Retry) != 1 {
		t.Fatalf("retry = %+v, want only p/9", res.Retry)
	}
	if res.Retry[0].Identifier != "https://shop.example/p/9" || res.Retry[0].ErrorClass != "Blocked" {
		t.Fatalf("retry = %+v, want latest entry for p/9", res.Retry[0])
	}
}

func TestMergeLastWins(t *testing.T) {
	res, err := Merge(context.Background(), Options{
		Inputs: []string{fixture(t)},
		Policy: LastWins,
		Logger: quiet(),
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := res.Records["https://shop.example/p/2"].String("name"); got != "Pump (w1)" {
		t.Fatalf("last-wins kept %q", got)
	}
	if _, ok := res.Records["https://shop.example/p/4"]; !ok {
		t.Fatal("without required fields the blank-name record is kept")
	}
}

func TestMergeSkipsUnreadableFiles(t *testing.T) {
	root := fixture(t)
	writeFile(t, filepath.Join(root, "worker-2", "results.json"), `{not json`)
	res, err := Merge(context.Background(), Options{Inputs: []string{root}, Logger: quiet()})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Unreadable != 1 || res.Files != 2 {
		t.Fatalf("unreadable=%d files=%d", res.Unreadable, res.Files)
	}
}

func TestMergeErrors(t *testing.T) {
	if _, err := Merge(context.Background(), Options{Inputs: []string{t.TempDir()}, Logger: quiet()}); !errors.Is(err, ErrNoInputs) {
		t.Fatalf("empty dir: err = %v", err)
	}
	if _, err := Merge(context.Background(), Options{Inputs: []string{fixture(t)}, Policy: "random"}); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestWriteCSVUnionOfFields(t *testing.T) {
	res, err := Merge(context.Background(), Options{Inputs: []string{fixture(t)}, RequiredFields: []string{"name"}, Logger: quiet()})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, res, "url"); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	wantHeader := "url,in_stock,name,price,specifications"
	if got := strings.Join(rows[0], ","); got != wantHeader {
		t.Fatalf("header = %s, want %s", got, wantHeader)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
	if rows[1][3] != "12.5" || rows[1][1] != "" {
		t.Fatalf("row p/1 = %v", rows[1])
	}
	if rows[2][4] != `{"Voltage":"230V"}` {
		t.Fatalf("nested value = %q", rows[2][4])
	}
	if rows[3][1] != "true" {
		t.Fatalf("bool value = %q", rows[3][1])
	}
}

func TestWriteXLSX(t *testing.T) {
	res, err := Merge(context.Background(), Options{Inputs: []string{fixture(t)}, RequiredFields: []string{"name"}, Logger: quiet()})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	path := filepath.Join(t.TempDir(), "merged.xlsx")
	if err := WriteXLSX(path, res, "url"); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 4 || rows[0][0] != "url" || rows[1][0] != "https://shop.example/p/1" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestExportPostgres(t *testing.T) {
	dsn := os.Getenv("HARVEST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HARVEST_TEST_POSTGRES_DSN not set")
	}
	res, err := Merge(context.Background(), Options{Inputs: []string{fixture(t)}, Logger: quiet()})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	n, err := ExportPostgres(context.Background(), PostgresOptions{DSN: dsn, Table: "harvest_records_test", BatchSize: 2}, res)
	if err != nil {
		t.Fatalf("ExportPostgres: %v", err)
	}
	if n != len(res.IDs) {
		t.Fatalf("wrote %d rows, want %d", n, len(res.IDs))
	}
}

func TestSQLUsesSanitizedTable(t *testing.T) {
	sql := upsertSQL(`"records"`)
	if !strings.Contains(sql, `INSERT INTO "records"`) || !strings.Contains(sql, "ON CONFLICT (identifier)") {
		t.Fatalf("upsert = %s", sql)
	}
}
