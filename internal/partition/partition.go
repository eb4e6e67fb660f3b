// Package partition loads the identifier list and splits it into disjoint
// per-worker shards.
package partition

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Policy names how positions are assigned to workers.
type Policy string

const (
	// Contiguous assigns each worker one consecutive chunk of ceil(n/count) positions.
	Contiguous Policy = "contiguous"
	// Interleaved assigns position i to worker i % count.
	Interleaved Policy = "interleaved"
)

// ErrInvalidShard is returned for a worker count or index that cannot describe a shard.
var ErrInvalidShard = errors.New("partition: invalid shard")

// Load reads identifiers from path. Files whose first non-space byte is '[' or
// '{' are decoded as JSON: either a top-level array of strings or an object
// carrying the array under field. Anything else is read one identifier per line.
func Load(path, field string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identifiers: %w", err)
	}
	return Parse(raw, field)
}

// Parse decodes identifiers from raw bytes using the same rules as Load.
func Parse(raw []byte, field string) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var ids []string
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return nil, fmt.Errorf("decode identifier array: %w", err)
		}
		return clean(ids), nil
	case '{':
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode identifier document: %w", err)
		}
		inner, ok := doc[field]
		if !ok {
			return nil, fmt.Errorf("identifier document has no %q field", field)
		}
		var ids []string
		if err := json.Unmarshal(inner, &ids); err != nil {
			return nil, fmt.Errorf("decode %q: %w", field, err)
		}
		return clean(ids), nil
	}

	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			ids = append(ids, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan identifiers: %w", err)
	}
	return ids, nil
}

func clean(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Window truncates ids to [offset, offset+limit). A non-positive limit keeps
// everything after offset.
func Window(ids []string, offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ids) {
		return nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return ids[offset:end]
}

// Shard returns the positions in [0,n) owned by worker index of count, in
// ascending order.
func Shard(n, count, index int, policy Policy) ([]int, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: worker count %d", ErrInvalidShard, count)
	}
	if index < 0 || index >= count {
		return nil, fmt.Errorf("%w: worker index %d not in [0,%d)", ErrInvalidShard, index, count)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative total %d", ErrInvalidShard, n)
	}

	switch policy {
	case Contiguous:
		chunk := (n + count - 1) / count
		start := index * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			return []int{}, nil
		}
		positions := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			positions = append(positions, i)
		}
		return positions, nil
	case Interleaved:
		positions := make([]int, 0, n/count+1)
		for i := index; i < n; i += count {
			positions = append(positions, i)
		}
		return positions, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidShard, policy)
	}
}

// Assign returns the identifiers owned by worker index of count.
func Assign(ids []string, count, index int, policy Policy) ([]string, error) {
	positions, err := Shard(len(ids), count, index, policy)
	if err != nil {
		return nil, err
	}
	shard := make([]string, len(positions))
	for i, p := range positions {
		shard[i] = ids[p]
	}
	return shard, nil
}

// Pending drops identifiers for which done reports true, preserving order.
func Pending(shard []string, done func(string) bool) []string {
	if done == nil {
		return shard
	}
	out := make([]string, 0, len(shard))
	for _, id := range shard {
		if !done(id) {
			out = append(out, id)
		}
	}
	return out
}
