package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"mro-harvester/internal/aggregate"
	"mro-harvester/internal/config"
	"mro-harvester/internal/crawler"
)

func main() {
	outDir := flag.String("out", "merged", "Directory for the merged outputs")
	policy := flag.String("policy", aggregate.FirstWins, "Duplicate handling: first or last")
	required := flag.String("required", "name", "Comma separated fields a record must carry")
	idField := flag.String("id-field", "url", "Identifier field of array-form records and CSV key column")
	resultsPattern := flag.String("results", "results.json", "Base-name pattern of results files")
	failuresPattern := flag.String("failures", "failures.json", "Base-name pattern of failure files")
	xlsx := flag.Bool("xlsx", false, "Also write merged.xlsx")
	pgDSN := flag.String("pg-dsn", os.Getenv("MERGE_POSTGRES_DSN"), "Postgres DSN to upsert merged records into")
	pgTable := flag.String("pg-table", "harvest_records", "Postgres table for -pg-dsn")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <worker output dir or file>...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := crawler.NewLogger(config.LoggingConfig{Level: *logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := aggregate.Merge(ctx, aggregate.Options{
		Inputs:          flag.Args(),
		ResultsPattern:  *resultsPattern,
		FailuresPattern: *failuresPattern,
		IDField:         *idField,
		Policy:          *policy,
		RequiredFields:  splitList(*required),
		Logger:          logger,
	})
	if err != nil {
		logger.Error("merge failed", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logger.Error("create output dir", "error", err)
		os.Exit(1)
	}
	steps := []step{
		{"merged.json", func() error { return aggregate.WriteJSON(filepath.Join(*outDir, "merged.json"), res) }},
		{"merged.csv", func() error { return aggregate.WriteCSVFile(filepath.Join(*outDir, "merged.csv"), res, *idField) }},
		{"retry.json", func() error { return aggregate.WriteRetry(filepath.Join(*outDir, "retry.json"), res) }},
		{"summary.json", func() error { return aggregate.WriteSummary(filepath.Join(*outDir, "summary.json"), res) }},
	}
	if *xlsx {
		steps = append(steps, step{"merged.xlsx", func() error { return aggregate.WriteXLSX(filepath.Join(*outDir, "merged.xlsx"), res, *idField) }})
	}
	for _, st := range steps {
		if err := st.run(); err != nil {
			logger.Error("write failed", "file", st.name, "error", err)
			os.Exit(1)
		}
	}

	if *pgDSN != "" {
		n, err := aggregate.ExportPostgres(ctx, aggregate.PostgresOptions{DSN: *pgDSN, Table: *pgTable}, res)
		if err != nil {
			logger.Error("postgres export failed", "written", n, "error", err)
			os.Exit(1)
		}
		logger.Info("postgres export done", "table", *pgTable, "rows", n)
	}

	s := res.Summary()
	logger.Info("merge complete",
		"files", s.Files,
		"unreadable", s.Unreadable,
		"records", s.Records,
		"duplicates", s.Duplicates,
		"dropped", s.Dropped,
		"retry", s.Failed,
		"success_rate", fmt.Sprintf("%.1f%%", s.SuccessRate),
		"out", *outDir,
	)
}

type step struct {
	name string
	run  func() error
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
