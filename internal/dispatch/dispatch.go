// Package dispatch runs unary recognition calls asynchronously and funnels
// every completion through one drain loop.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chorushq/chorus/internal/audio"
	"github.com/chorushq/chorus/pkg/speech"
)

// RecognizeFunc performs one unary recognition call.
type RecognizeFunc func(context.Context, *speech.RecognizeRequest) (*speech.RecognizeResponse, error)

// Completion is one finished unary call.
type Completion struct {
	ID       uint32
	Clip     *audio.Clip
	Response *speech.RecognizeResponse
	Err      error
	RTT      time.Duration
}

// Handler consumes completions in drain order.
type Handler func(Completion)

// Stats is the drain loop's final accounting.
type Stats struct {
	Requests  uint32
	Responses uint32
	Failed    uint32
}

// Dispatcher submits unary recognitions and drains their completions on a
// single loop. Each Submit spawns one call goroutine whose result lands on a
// shared channel; Drain is the only consumer. Admission is a counting
// semaphore, so Submit blocks while MaxParallel calls are in flight.
type Dispatcher struct {
	recognize   RecognizeFunc
	handler     Handler
	slots       chan struct{}
	completions chan Completion
	done        chan struct{}
	doneOnce    sync.Once

	mu        sync.Mutex
	requests  uint32
	responses uint32
	failed    uint32
}

func New(recognize RecognizeFunc, maxParallel int, handler Handler) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Dispatcher{
		recognize:   recognize,
		handler:     handler,
		slots:       make(chan struct{}, maxParallel),
		completions: make(chan Completion, maxParallel),
		done:        make(chan struct{}),
	}
}

// Submit starts one recognition call once an admission slot frees up. The
// returned id is the call's 1-based correlation id.
func (d *Dispatcher) Submit(ctx context.Context, clip *audio.Clip, cfg speech.RecognitionConfig) (uint32, error) {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	d.mu.Lock()
	d.requests++
	id := d.requests
	d.mu.Unlock()

	// The call outlives ctx cancellation: an interrupted run stops
	// submitting but lets in-flight calls finish into the drain.
	callCtx := context.WithoutCancel(ctx)
	go func() {
		start := time.Now()
		resp, err := d.recognize(callCtx, &speech.RecognizeRequest{Config: cfg, Audio: clip.PCM})
		d.completions <- Completion{
			ID:       id,
			Clip:     clip,
			Response: resp,
			Err:      err,
			RTT:      time.Since(start),
		}
	}()
	return id, nil
}

// NumActive reports calls submitted but not yet drained.
func (d *Dispatcher) NumActive() int { return len(d.slots) }

// DoneSending tells the drain loop no more Submits are coming. Safe to call
// more than once.
func (d *Dispatcher) DoneSending() {
	d.doneOnce.Do(func() { close(d.done) })
}

// Drain consumes completions until every submitted call has been handled AND
// DoneSending was observed. The conjunction keeps the loop alive while the
// admission side is still catching up. Context cancellation abandons the
// drain; in-flight goroutines finish into the buffered channel.
func (d *Dispatcher) Drain(ctx context.Context) Stats {
	done := d.done
	for {
		if done == nil && d.settled() {
			return d.stats()
		}
		select {
		case c := <-d.completions:
			d.handle(c)
			<-d.slots
		case <-done:
			done = nil
		case <-ctx.Done():
			slog.Warn("drain interrupted", "pending", d.NumActive())
			return d.stats()
		}
	}
}

func (d *Dispatcher) handle(c Completion) {
	d.mu.Lock()
	d.responses++
	if c.Err != nil {
		d.failed++
	}
	d.mu.Unlock()
	if d.handler != nil {
		d.handler(c)
	}
}

func (d *Dispatcher) settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.responses == d.requests
}

func (d *Dispatcher) stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Requests: d.requests, Responses: d.responses, Failed: d.failed}
}
