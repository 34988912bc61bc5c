package ids

import (
	"sort"
	"sync"
	"testing"
)

func TestNewIsSortableAndUnique(t *testing.T) {
	const n = 1000
	got := make([]string, n)
	for i := range got {
		got[i] = New()
	}
	if !sort.StringsAreSorted(got) {
		t.Fatal("ids generated in sequence are not lexically sorted")
	}
	seen := make(map[string]struct{}, n)
	for _, id := range got {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewIsSafeForConcurrentUse(t *testing.T) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all = make(map[string]struct{})
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := New()
				mu.Lock()
				all[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(all) != 8*200 {
		t.Fatalf("got %d unique ids, want %d", len(all), 8*200)
	}
}
