package domain

import (
	"sync"
	"testing"
)

func TestNextTimestampStrictlyIncreases(t *testing.T) {
	prev := NextTimestamp()
	for i := 0; i < 1000; i++ {
		ts := NextTimestamp()
		if ts <= prev {
			t.Fatalf("timestamp %d not greater than %d", ts, prev)
		}
		prev = ts
	}
}

func TestNextTimestampUniqueUnderConcurrency(t *testing.T) {
	const perWorker = 200
	const workers = 8

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, NextTimestamp())
			}
			mu.Lock()
			for _, ts := range local {
				seen[ts] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique timestamps, got %d", workers*perWorker, len(seen))
	}
}
