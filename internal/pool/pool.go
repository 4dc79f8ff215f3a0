// Package pool runs queued tasks on a fixed set of worker goroutines.
package pool

import "sync"

// Pool is a fixed-size worker pool with a FIFO queue.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// New starts a pool with the given number of workers; values below one are
// raised to one. The queue buffers up to four tasks per worker before
// Enqueue blocks.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{tasks: make(chan func(), workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Enqueue schedules a task, blocking while the queue is full. Enqueue after
// Shutdown panics.
func (p *Pool) Enqueue(task func()) {
	p.tasks <- task
}

// Shutdown stops intake and waits for every queued task to finish.
func (p *Pool) Shutdown() {
	close(p.tasks)
	p.wg.Wait()
}
