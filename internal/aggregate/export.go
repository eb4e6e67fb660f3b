package aggregate

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Records"

// Columns returns idField followed by the sorted union of every other field.
func (r *Result) Columns(idField string) []string {
	seen := map[string]struct{}{idField: {}}
	var rest []string
	for _, rec := range r.Records {
		for k := range rec {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append([]string{idField}, rest...)
}

// WriteJSON writes the records as one array sorted by identifier.
func WriteJSON(path string, r *Result) error {
	return writeJSONFile(path, r.Ordered())
}

// WriteRetry writes the merged retry list.
func WriteRetry(path string, r *Result) error {
	return writeJSONFile(path, r.Retry)
}

// WriteSummary writes the merge summary.
func WriteSummary(path string, r *Result) error {
	return writeJSONFile(path, r.Summary())
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// WriteCSV writes one row per record under the Columns header. Missing
// fields are blank; nested values are JSON encoded.
func WriteCSV(w io.Writer, r *Result, idField string) error {
	columns := r.Columns(idField)
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	row := make([]string, len(columns))
	for _, rec := range r.Ordered() {
		for i, col := range columns {
			row[i] = cell(rec[col])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile is WriteCSV into a new file at path.
func WriteCSVFile(path string, r *Result, idField string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, r, idField); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// WriteXLSX writes the same table as WriteCSV into a single-sheet workbook.
func WriteXLSX(path string, r *Result, idField string) error {
	columns := r.Columns(idField)
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return err
	}
	header := make([]any, len(columns))
	for i, col := range columns {
		header[i] = col
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}
	for n, rec := range r.Ordered() {
		row := make([]any, len(columns))
		for i, col := range columns {
			row[i] = cell(rec[col])
		}
		axis, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(axis, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	return nil
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// PostgresOptions configures ExportPostgres.
type PostgresOptions struct {
	DSN       string
	Table     string
	BatchSize int
	Now       func() time.Time
}

// ExportPostgres upserts every merged record into Table keyed by identifier.
func ExportPostgres(ctx context.Context, opts PostgresOptions, r *Result) (int, error) {
	if opts.Table == "" {
		opts.Table = "harvest_records"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	conn, err := pgx.Connect(ctx, opts.DSN)
	if err != nil {
		return 0, fmt.Errorf("connect postgres: %w", err)
	}
	defer conn.Close(ctx)

	table := pgx.Identifier{opts.Table}.Sanitize()
	if _, err := conn.Exec(ctx, createTableSQL(table)); err != nil {
		return 0, fmt.Errorf("create %s: %w", opts.Table, err)
	}

	upsert := upsertSQL(table)
	mergedAt := opts.Now().UTC()
	written := 0
	for start := 0; start < len(r.IDs); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(r.IDs))
		batch := &pgx.Batch{}
		for _, id := range r.IDs[start:end] {
			data, err := json.Marshal(r.Records[id])
			if err != nil {
				return written, fmt.Errorf("encode record %s: %w", id, err)
			}
			batch.Queue(upsert, id, string(data), mergedAt)
		}
		if err := sendBatch(ctx, conn, batch); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func sendBatch(ctx context.Context, conn *pgx.Conn, batch *pgx.Batch) error {
	br := conn.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert batch: %w", err)
		}
	}
	return br.Close()
}

func createTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	identifier TEXT PRIMARY KEY,
	record JSONB NOT NULL,
	merged_at TIMESTAMPTZ NOT NULL
)`
}

func upsertSQL(table string) string {
	return `INSERT INTO ` + table + ` (identifier, record, merged_at) VALUES ($1, $2::jsonb, $3)
ON CONFLICT (identifier) DO UPDATE SET record = EXCLUDED.record, merged_at = EXCLUDED.merged_at`
}
