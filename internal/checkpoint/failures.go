package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"mro-harvester/pkg/types"
)

// ErrUnreadableFailures means an existing ledger could not be loaded. The
// returned Failures is still usable and starts empty.
var ErrUnreadableFailures = errors.New("checkpoint: unreadable failures ledger")

// Failures is the ledger of identifiers whose last run ended FAILED. Entries
// are advisory: a later success does not remove them, and only checkpoint
// presence stops reprocessing.
type Failures struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]types.FailureEntry
}

// OpenFailures loads the ledger at path, if present. A ledger that cannot be
// read or decoded yields an empty Failures together with an error wrapping
// ErrUnreadableFailures.
func OpenFailures(path string, now func() time.Time) (*Failures, error) {
	if now == nil {
		now = time.Now
	}
	f := &Failures{
		path:    path,
		now:     now,
		entries: make(map[string]types.FailureEntry),
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return f, fmt.Errorf("%w: read %s: %v", ErrUnreadableFailures, path, err)
	}
	var list []types.FailureEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		return f, fmt.Errorf("%w: decode %s: %v", ErrUnreadableFailures, path, err)
	}
	for _, entry := range list {
		if entry.Identifier != "" {
			f.entries[entry.Identifier] = entry
		}
	}
	return f, nil
}

// Record stores the latest failure for id, replacing any earlier one, and
// rewrites the ledger file.
func (f *Failures) Record(id string, class types.Class, message string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = types.FailureEntry{
		Identifier: id,
		ErrorClass: class.ErrorName(),
		Message:    message,
		Timestamp:  f.now().UTC(),
		Attempts:   attempts,
	}
	if err := WriteJSON(f.path, f.listLocked()); err != nil {
		return fmt.Errorf("persist failures: %w", err)
	}
	return nil
}

// Get returns the entry recorded for id.
func (f *Failures) Get(id string) (types.FailureEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	return entry, ok
}

// Entries returns every entry ordered by identifier.
func (f *Failures) Entries() []types.FailureEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked()
}

// Len returns the number of failed identifiers.
func (f *Failures) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Flush rewrites the ledger file, creating an empty list when nothing failed.
func (f *Failures) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return WriteJSON(f.path, f.listLocked())
}

func (f *Failures) listLocked() []types.FailureEntry {
	list := make([]types.FailureEntry, 0, len(f.entries))
	for _, entry := range f.entries {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Identifier < list[j].Identifier })
	return list
}
