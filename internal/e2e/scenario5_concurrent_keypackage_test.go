package e2e

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mlsgov/platform/internal/keypackage"
)

// Seed scenario 5 models the "invite race" at the component it actually lives in:
// mlsadapter.Group.Add treats a KeyPackage as an opaque blob with no rotation semantics of
// its own to race against, but keypackage.Pool.Retrieve is exactly the single-use
// resource multiple concurrent Add attempts for the same candidate would contend over.
// pool_test.go's existing coverage is all single-goroutine; this drives N retrievals from
// N goroutines and checks Pool's mutex actually serializes them into N distinct packages
// with nothing double-issued or lost.
func TestSeed5ConcurrentRetrieveNeverDoubleIssuesAKeyPackage(t *testing.T) {
	t.Parallel()

	const n = 50
	pool := keypackage.NewPool()
	packages := make([][]byte, n)
	for i := range packages {
		packages[i] = []byte(fmt.Sprintf("pkg-%d", i))
	}
	pool.Upload("carol", packages)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	errs := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pkg, err := pool.Retrieve("carol")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				return
			}
			seen[string(pkg)]++
		}()
	}
	wg.Wait()

	if errs != 0 {
		t.Errorf("Retrieve() errored %d times, want 0 for %d packages and %d callers", errs, n, n)
	}
	if len(seen) != n {
		t.Errorf("distinct packages retrieved = %d, want %d", len(seen), n)
	}
	for pkg, count := range seen {
		if count != 1 {
			t.Errorf("package %q retrieved %d times, want exactly 1", pkg, count)
		}
	}
	if got := pool.Count("carol"); got != 0 {
		t.Errorf("Count() after draining = %d, want 0", got)
	}

	// one more caller against the now-empty pool must see ErrPoolEmpty, not a phantom hit.
	if _, err := pool.Retrieve("carol"); err != keypackage.ErrPoolEmpty {
		t.Errorf("Retrieve() on drained pool error = %v, want ErrPoolEmpty", err)
	}
}
