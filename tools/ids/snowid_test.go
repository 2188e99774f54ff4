package ids

import (
	"sync"
	"testing"
)

func TestNextUnique(t *testing.T) {
	g := NewGenerator(7)
	const workers, perWorker = 8, 2000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*perWorker {
		t.Fatalf("got %d unique ids, want %d", len(seen), workers*perWorker)
	}
}

func TestClockRollback(t *testing.T) {
	g := NewGenerator(3)
	ms := int64(1_700_000_000_000)
	g.now = func() int64 { return ms }
	a := g.Next()
	ms -= 50
	b := g.Next()
	if b <= a {
		t.Fatalf("id went backwards: %d then %d", a, b)
	}
	if Node(a) != 3 || Node(b) != 3 {
		t.Fatalf("node = %d/%d", Node(a), Node(b))
	}
}

func TestNodeIDFromName(t *testing.T) {
	a := NodeIDFromName("gw-1")
	if a < 0 || a > maxNode {
		t.Fatalf("node id out of range: %d", a)
	}
	if a != NodeIDFromName("gw-1") {
		t.Fatal("node id must be stable")
	}
	if got := Node(NewGenerator(a).Next()); got != a {
		t.Fatalf("Node() = %d, want %d", got, a)
	}
}
