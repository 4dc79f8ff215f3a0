package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAllTasksRunBeforeShutdownReturns(t *testing.T) {
	p := New(4)
	var done atomic.Int32
	for i := 0; i < 100; i++ {
		p.Enqueue(func() { done.Add(1) })
	}
	p.Shutdown()
	if got := done.Load(); got != 100 {
		t.Fatalf("ran %d tasks, want 100", got)
	}
}

func TestSingleWorkerPreservesOrder(t *testing.T) {
	p := New(1)
	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		p.Enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	p.Shutdown()
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestWorkerCountClamped(t *testing.T) {
	p := New(0)
	ran := make(chan struct{})
	p.Enqueue(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran on clamped pool")
	}
	p.Shutdown()
}

func TestConcurrencyBoundedByWorkers(t *testing.T) {
	const workers = 3
	p := New(workers)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		p.Enqueue(func() {
			defer wg.Done()
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		})
	}
	wg.Wait()
	p.Shutdown()

	if got := peak.Load(); got > workers {
		t.Fatalf("peak concurrency %d exceeds %d workers", got, workers)
	}
}
