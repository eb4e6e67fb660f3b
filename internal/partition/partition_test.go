package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestShardCoversEveryPositionExactlyOnce(t *testing.T) {
	for _, policy := range []Policy{Contiguous, Interleaved} {
		for total := 0; total <= 41; total++ {
			for count := 1; count <= 9; count++ {
				seen := make([]int, total)
				for index := 0; index < count; index++ {
					positions, err := Shard(total, count, index, policy)
					if err != nil {
						t.Fatalf("%s n=%d count=%d index=%d: %v", policy, total, count, index, err)
					}
					for _, p := range positions {
						if p < 0 || p >= total {
							t.Fatalf("%s n=%d count=%d: position %d out of range", policy, total, count, p)
						}
						seen[p]++
					}
				}
				for p, hits := range seen {
					if hits != 1 {
						t.Fatalf("%s n=%d count=%d: position %d assigned %d times", policy, total, count, p, hits)
					}
				}
			}
		}
	}
}

func TestAssignInterleavedTwoWorkers(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	w0, err := Assign(ids, 2, 0, Interleaved)
	if err != nil {
		t.Fatalf("worker 0: %v", err)
	}
	w1, err := Assign(ids, 2, 1, Interleaved)
	if err != nil {
		t.Fatalf("worker 1: %v", err)
	}
	if !reflect.DeepEqual(w0, []string{"a", "c"}) {
		t.Fatalf("worker 0 = %v, want [a c]", w0)
	}
	if !reflect.DeepEqual(w1, []string{"b", "d"}) {
		t.Fatalf("worker 1 = %v, want [b d]", w1)
	}
}

func TestAssignContiguousChunks(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	want := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	for index, expected := range want {
		got, err := Assign(ids, 3, index, Contiguous)
		if err != nil {
			t.Fatalf("worker %d: %v", index, err)
		}
		if !reflect.DeepEqual(got, expected) {
			t.Fatalf("worker %d = %v, want %v", index, got, expected)
		}
	}
}

func TestShardRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		count, index int
		policy       Policy
	}{
		{0, 0, Interleaved},
		{2, 2, Interleaved},
		{2, -1, Contiguous},
		{2, 0, Policy("hash")},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d/%d/%s", tc.index, tc.count, tc.policy), func(t *testing.T) {
			if _, err := Shard(10, tc.count, tc.index, tc.policy); !errors.Is(err, ErrInvalidShard) {
				t.Fatalf("expected ErrInvalidShard, got %v", err)
			}
		})
	}
}

func TestWindow(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	if got := Window(ids, 1, 2); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("Window(1,2) = %v", got)
	}
	if got := Window(ids, 3, 0); !reflect.DeepEqual(got, []string{"d", "e"}) {
		t.Fatalf("Window(3,0) = %v", got)
	}
	if got := Window(ids, 4, 10); !reflect.DeepEqual(got, []string{"e"}) {
		t.Fatalf("Window(4,10) = %v", got)
	}
	if got := Window(ids, 9, 1); len(got) != 0 {
		t.Fatalf("Window(9,1) = %v, want empty", got)
	}
}

func TestPendingDropsCompleted(t *testing.T) {
	done := map[string]bool{"b": true, "d": true}
	got := Pending([]string{"a", "b", "c", "d"}, func(id string) bool { return done[id] })
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("Pending = %v, want [a c]", got)
	}
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	cases := map[string]string{
		"lines.txt":  "https://x/1\n\n  https://x/2  \nhttps://x/3\n",
		"array.json": `["https://x/1", "https://x/2", " ", "https://x/3"]`,
		"doc.json":   `{"total": 3, "product_urls": ["https://x/1", "https://x/2", "https://x/3"]}`,
	}
	want := []string{"https://x/1", "https://x/2", "https://x/3"}
	for name, body := range cases {
		got, err := Load(write(name, body), "product_urls")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}

	if _, err := Load(write("other.json", `{"urls": []}`), "product_urls"); err == nil {
		t.Fatal("expected missing field error")
	}
}
