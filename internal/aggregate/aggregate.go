// Package aggregate merges the per-worker output of a distributed run into
// one deduplicated dataset and one retry list.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"mro-harvester/pkg/types"
)

// Merge policies for identifiers present in more than one results file.
const (
	FirstWins = "first"
	LastWins  = "last"
)

// ErrNoInputs is returned when no results file was found under any input.
var ErrNoInputs = errors.New("aggregate: no results files found")

// Options configures a merge.
type Options struct {
	// Inputs are directories searched recursively, or files.
	Inputs []string
	// ResultsPattern and FailuresPattern match file base names.
	ResultsPattern  string
	FailuresPattern string
	// IDField names the identifier inside array-form records and is set on
	// every merged record.
	IDField        string
	Policy         string
	RequiredFields []string
	Concurrency    int
	Logger         *slog.Logger
}

func (o *Options) defaults() {
	if o.ResultsPattern == "" {
		o.ResultsPattern = "results.json"
	}
	if o.FailuresPattern == "" {
		o.FailuresPattern = "failures.json"
	}
	if o.IDField == "" {
		o.IDField = "url"
	}
	if o.Policy == "" {
		o.Policy = FirstWins
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Result is a merged dataset.
type Result struct {
	IDs     []string
	Records map[string]types.Record
	// Retry lists the failure entries of identifiers that succeeded nowhere.
	Retry []types.FailureEntry

	Files      int
	Unreadable int
	Duplicates int
	Dropped    int
}

// Ordered returns the records sorted by identifier.
func (r *Result) Ordered() []types.Record {
	out := make([]types.Record, 0, len(r.IDs))
	for _, id := range r.IDs {
		out = append(out, r.Records[id])
	}
	return out
}

// Summary is the machine-readable overview of a merge.
type Summary struct {
	Files       int     `json:"files"`
	Unreadable  int     `json:"unreadable"`
	Records     int     `json:"records"`
	Duplicates  int     `json:"duplicates"`
	Dropped     int     `json:"dropped"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Summary reports counts of the merge.
func (r *Result) Summary() Summary {
	s := Summary{
		Files:      r.Files,
		Unreadable: r.Unreadable,
		Records:    len(r.IDs),
		Duplicates: r.Duplicates,
		Dropped:    r.Dropped,
		Failed:     len(r.Retry),
	}
	if attempted := s.Records + s.Failed; attempted > 0 {
		s.SuccessRate = float64(s.Records) / float64(attempted) * 100
	}
	return s
}

type loaded struct {
	path     string
	records  []types.Record
	failures []types.FailureEntry
	err      error
}

// Merge loads every results and failures file under opts.Inputs in parallel
// and merges them deterministically: files are applied in path order and the
// policy decides which copy of a duplicated identifier is kept.
func Merge(ctx context.Context, opts Options) (*Result, error) {
	opts.defaults()
	if opts.Policy != FirstWins && opts.Policy != LastWins {
		return nil, fmt.Errorf("aggregate: unknown merge policy %q", opts.Policy)
	}

	resultFiles, failureFiles, err := discover(opts.Inputs, opts.ResultsPattern, opts.FailuresPattern)
	if err != nil {
		return nil, err
	}
	if len(resultFiles) == 0 {
		return nil, ErrNoInputs
	}

	results := make([]loaded, len(resultFiles))
	failures := make([]loaded, len(failureFiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, path := range resultFiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs, err := loadResults(path, opts.IDField)
			results[i] = loaded{path: path, records: recs, err: err}
			return nil
		})
	}
	for i, path := range failureFiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entries, err := loadFailures(path)
			failures[i] = loaded{path: path, failures: entries, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Result{Records: make(map[string]types.Record)}
	for _, l := range results {
		if l.err != nil {
			out.Unreadable++
			opts.Logger.Warn("skipping unreadable results file", "path", l.path, "error", l.err)
			continue
		}
		out.Files++
		for _, rec := range l.records {
			if missingRequired(rec, opts.RequiredFields) {
				out.Dropped++
				continue
			}
			id := rec.String(opts.IDField)
			if _, seen := out.Records[id]; seen {
				out.Duplicates++
				if opts.Policy == FirstWins {
					continue
				}
			}
			out.Records[id] = rec
		}
		opts.Logger.Debug("merged results file", "path", l.path, "records", len(l.records))
	}

	retry := make(map[string]types.FailureEntry)
	for _, l := range failures {
		if l.err != nil {
			out.Unreadable++
			opts.Logger.Warn("skipping unreadable failures file", "path", l.path, "error", l.err)
			continue
		}
		for _, entry := range l.failures {
			if _, ok := out.Records[entry.Identifier]; ok {
				continue
			}
			if prev, ok := retry[entry.Identifier]; ok && prev.Timestamp.After(entry.Timestamp) {
				continue
			}
			retry[entry.Identifier] = entry
		}
	}

	out.IDs = make([]string, 0, len(out.Records))
	for id := range out.Records {
		out.IDs = append(out.IDs, id)
	}
	sort.Strings(out.IDs)
	out.Retry = make([]types.FailureEntry, 0, len(retry))
	for _, entry := range retry {
		out.Retry = append(out.Retry, entry)
	}
	sort.Slice(out.Retry, func(i, j int) bool { return out.Retry[i].Identifier < out.Retry[j].Identifier })
	return out, nil
}

func discover(inputs []string, resultsPattern, failuresPattern string) (results, failures []string, err error) {
	add := func(path string) error {
		base := filepath.Base(path)
		okResults, err := filepath.Match(resultsPattern, base)
		if err != nil {
			return fmt.Errorf("results pattern: %w", err)
		}
		okFailures, err := filepath.Match(failuresPattern, base)
		if err != nil {
			return fmt.Errorf("failures pattern: %w", err)
		}
		switch {
		case okResults:
			results = append(results, path)
		case okFailures:
			failures = append(failures, path)
		}
		return nil
	}

	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, nil, fmt.Errorf("input %s: %w", input, err)
		}
		if !info.IsDir() {
			if err := add(input); err != nil {
				return nil, nil, err
			}
			continue
		}
		err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			return add(path)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("walk %s: %w", input, err)
		}
	}
	sort.Strings(results)
	sort.Strings(failures)
	return slices.Compact(results), slices.Compact(failures), nil
}

// loadResults accepts either the worker format (an object keyed by
// identifier) or an array of records carrying idField. Array records without
// an identifier are ignored.
func loadResults(path, idField string) ([]types.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []types.Record
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out := list[:0]
		for _, rec := range list {
			if rec.String(idField) != "" {
				out = append(out, rec)
			}
		}
		return out, nil
	}

	var byID map[string]types.Record
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]types.Record, 0, len(ids))
	for _, id := range ids {
		rec := byID[id]
		if rec == nil {
			rec = types.Record{}
		}
		rec[idField] = id
		out = append(out, rec)
	}
	return out, nil
}

func loadFailures(path string) ([]types.FailureEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []types.FailureEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entries, nil
}

func missingRequired(rec types.Record, fields []string) bool {
	for _, field := range fields {
		v, ok := rec[field]
		if !ok || v == nil {
			return true
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return true
		}
	}
	return false
}
