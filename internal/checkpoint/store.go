// Package checkpoint persists completed identifiers durably so an interrupted
// worker resumes where it left off.
//
// State lives in two files under the store directory: checkpoint.json, a
// compacted snapshot, and checkpoint.log, an append-only JSON-lines log of
// commits made since the last compaction. Every commit is fsynced before
// Commit returns.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mro-harvester/pkg/types"
)

const (
	snapshotName = "checkpoint.json"
	logName      = "checkpoint.log"
)

var (
	// ErrCorruptState is returned when persisted state cannot be trusted. It is fatal.
	ErrCorruptState = errors.New("checkpoint: corrupt state")
	// ErrClosed is returned by Commit after Close.
	ErrClosed = errors.New("checkpoint: store closed")
)

// Mirror receives a copy of every commit, e.g. a SQL table shared across workers.
type Mirror interface {
	Save(ctx context.Context, entry types.CheckpointEntry) error
	Identifiers(ctx context.Context) ([]string, error)
	Close() error
}

// Options tunes a Store.
type Options struct {
	// CompactEvery folds the log into the snapshot after this many commits. Zero disables periodic compaction.
	CompactEvery int
	Mirror       Mirror
	// ResumeFromMirror marks identifiers already present in the mirror as done.
	ResumeFromMirror bool
	Logger           *slog.Logger
	Now              func() time.Time
}

// Store is the durable completion index of one worker.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu           sync.RWMutex
	entries      map[string]types.CheckpointEntry
	remote       map[string]struct{}
	logFile      *os.File
	logSize      int64
	sinceCompact int
	closed       bool
}

// Open loads the snapshot and replays the log found in dir.
func Open(ctx context.Context, dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:     dir,
		opts:    opts,
		logger:  logger,
		entries: make(map[string]types.CheckpointEntry),
		remote:  make(map[string]struct{}),
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := s.replayLog(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat checkpoint log: %w", err)
	}
	s.logFile = f
	s.logSize = info.Size()

	if opts.Mirror != nil && opts.ResumeFromMirror {
		ids, err := opts.Mirror.Identifiers(ctx)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("load mirrored identifiers: %w", err)
		}
		for _, id := range ids {
			if _, ok := s.entries[id]; !ok {
				s.remote[id] = struct{}{}
			}
		}
	}
	return s, nil
}

func (s *Store) snapshotPath() string { return filepath.Join(s.dir, snapshotName) }
func (s *Store) logPath() string      { return filepath.Join(s.dir, logName) }

func (s *Store) loadSnapshot() error {
	raw, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read checkpoint snapshot: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty snapshot %s", ErrCorruptState, s.snapshotPath())
	}
	var snapshot map[string]types.CheckpointEntry
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("%w: decode snapshot: %v", ErrCorruptState, err)
	}
	for id, entry := range snapshot {
		entry.ID = id
		s.entries[id] = entry
	}
	return nil
}

// replayLog applies logged commits. A final line without a trailing newline is
// a torn write from a crash and is cut off; any other undecodable line is corruption.
func (s *Store) replayLog() error {
	raw, err := os.ReadFile(s.logPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read checkpoint log: %w", err)
	}

	var offset int64
	lineNo := 0
	for len(raw) > 0 {
		lineNo++
		idx := bytes.IndexByte(raw, '\n')
		var line []byte
		complete := idx >= 0
		if complete {
			line = raw[:idx]
		} else {
			line = raw
		}

		if len(bytes.TrimSpace(line)) > 0 {
			var entry types.CheckpointEntry
			err := json.Unmarshal(line, &entry)
			if err == nil && entry.ID == "" {
				err = errors.New("entry without id")
			}
			if err != nil {
				if !complete {
					s.logger.Warn("truncating torn checkpoint log tail", "line", lineNo, "bytes", len(line))
					if terr := os.Truncate(s.logPath(), offset); terr != nil {
						return fmt.Errorf("truncate checkpoint log: %w", terr)
					}
					return nil
				}
				return fmt.Errorf("%w: checkpoint log line %d: %v", ErrCorruptState, lineNo, err)
			}
			if _, exists := s.entries[entry.ID]; !exists {
				s.entries[entry.ID] = entry
				s.sinceCompact++
			}
		}

		if !complete {
			// Valid JSON without a newline; terminate it so later appends stay line aligned.
			if err := appendNewline(s.logPath()); err != nil {
				return err
			}
			return nil
		}
		offset += int64(idx) + 1
		raw = raw[idx+1:]
	}
	return nil
}

func appendNewline(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open checkpoint log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("repair checkpoint log: %w", err)
	}
	return f.Sync()
}

// IsDone reports whether id has a checkpoint entry.
func (s *Store) IsDone(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entries[id]; ok {
		return true
	}
	_, ok := s.remote[id]
	return ok
}

// Load returns the sorted set of completed identifiers.
func (s *Store) Load() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries)+len(s.remote))
	for id := range s.entries {
		ids = append(ids, id)
	}
	for id := range s.remote {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of completed identifiers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries) + len(s.remote)
}

// Commit durably records id as done with record. An id that is already
// present is left untouched. The entry is on disk when Commit returns nil.
func (s *Store) Commit(ctx context.Context, id string, record types.Record) error {
	if id == "" {
		return errors.New("checkpoint: empty identifier")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.entries[id]; ok {
		s.mu.Unlock()
		return nil
	}
	entry := types.CheckpointEntry{ID: id, Record: record, CompletedAt: s.opts.Now().UTC()}
	line, err := json.Marshal(entry)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode checkpoint entry: %w", err)
	}
	line = append(line, '\n')
	if err := s.appendLocked(line); err != nil {
		s.mu.Unlock()
		return err
	}
	s.entries[id] = entry
	delete(s.remote, id)
	s.sinceCompact++
	var compactErr error
	if s.opts.CompactEvery > 0 && s.sinceCompact >= s.opts.CompactEvery {
		compactErr = s.compactLocked()
	}
	s.mu.Unlock()

	if compactErr != nil {
		s.logger.Warn("checkpoint compaction failed", "error", compactErr)
	}
	if s.opts.Mirror != nil {
		if err := s.opts.Mirror.Save(ctx, entry); err != nil {
			s.logger.Warn("checkpoint mirror write failed", "url", id, "error", err)
		}
	}
	return nil
}

func (s *Store) appendLocked(line []byte) error {
	n, err := s.logFile.Write(line)
	if err == nil {
		err = s.logFile.Sync()
	}
	if err != nil {
		// Drop a partial line so the log stays line aligned.
		if n > 0 {
			_ = s.logFile.Truncate(s.logSize)
		}
		return fmt.Errorf("append checkpoint log: %w", err)
	}
	s.logSize += int64(n)
	return nil
}

// Compact folds the log into the snapshot.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	if err := WriteJSON(s.snapshotPath(), s.entries); err != nil {
		return fmt.Errorf("write checkpoint snapshot: %w", err)
	}
	if err := s.logFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate checkpoint log: %w", err)
	}
	if err := s.logFile.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint log: %w", err)
	}
	s.logSize = 0
	s.sinceCompact = 0
	return nil
}

// ExportResults writes the identifier to record mapping to path as one JSON object.
func (s *Store) ExportResults(path string) (int, error) {
	s.mu.RLock()
	results := make(map[string]types.Record, len(s.entries))
	for id, entry := range s.entries {
		results[id] = entry.Record
	}
	s.mu.RUnlock()
	if err := WriteJSON(path, results); err != nil {
		return 0, fmt.Errorf("export results: %w", err)
	}
	return len(results), nil
}

// Close compacts pending log entries and releases the log and mirror.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.sinceCompact > 0 {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.logFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close checkpoint log: %w", err))
	}
	if s.opts.Mirror != nil {
		if err := s.opts.Mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint mirror: %w", err))
		}
	}
	return errors.Join(errs...)
}
