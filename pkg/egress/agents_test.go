package egress

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAgents_Sequential(t *testing.T) {
	a := NewAgents([]string{"A", "B", "C"})
	for i, want := range []string{"A", "B", "C", "A"} {
		if got := a.Sequential(); got != want {
			t.Errorf("draw %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestAgents_Default(t *testing.T) {
	a := NewAgents(nil)
	if a.Len() != len(DefaultAgents) {
		t.Errorf("expected %d default agents, got %d", len(DefaultAgents), a.Len())
	}
}

func TestAgents_CopiesInput(t *testing.T) {
	in := []string{"A"}
	a := NewAgents(in)
	in[0] = "changed"
	if got := a.Sequential(); got != "A" {
		t.Errorf("expected the pool to keep its own copy, got %s", got)
	}
}

func TestAgents_RandomCoversList(t *testing.T) {
	a := NewAgents([]string{"A", "B"})
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[a.Random()] = true
	}
	if !seen["A"] || !seen["B"] || len(seen) != 2 {
		t.Errorf("unexpected random coverage: %v", seen)
	}
}

func TestAgents_ConcurrentSequential(t *testing.T) {
	a := NewAgents([]string{"A", "B", "C", "D"})
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[string]int{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ua := a.Sequential()
				mu.Lock()
				counts[ua]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for _, ua := range []string{"A", "B", "C", "D"} {
		if counts[ua] != 200 {
			t.Errorf("expected %s exactly 200 times, got %d", ua, counts[ua])
		}
	}
}

func TestLoadAgents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentstrings.conf")
	if err := os.WriteFile(path, []byte("\n# browsers\nAgent/1\n  Agent/2  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := LoadAgents(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Len() != 2 || a.Sequential() != "Agent/1" || a.Sequential() != "Agent/2" {
		t.Error("unexpected agents loaded")
	}

	empty := filepath.Join(dir, "empty.conf")
	_ = os.WriteFile(empty, []byte("# none\n"), 0o644)
	if _, err := LoadAgents(empty); err == nil {
		t.Error("expected error for an empty list")
	}
}
