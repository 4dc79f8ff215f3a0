package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/audio"
	"github.com/chorushq/chorus/pkg/speech"
)

func testClip() *audio.Clip {
	return &audio.Clip{SampleRate: 16000, Channels: 1, BitsPerSample: 16, PCM: make([]byte, 320)}
}

func instantRecognize(context.Context, *speech.RecognizeRequest) (*speech.RecognizeResponse, error) {
	return &speech.RecognizeResponse{}, nil
}

func TestDrainExitNeedsDoneSending(t *testing.T) {
	var handled atomic.Int32
	d := New(instantRecognize, 2, func(Completion) { handled.Add(1) })

	drained := make(chan Stats, 1)
	go func() { drained <- d.Drain(context.Background()) }()

	for i := 0; i < 3; i++ {
		if _, err := d.Submit(context.Background(), testClip(), speech.RecognitionConfig{}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("handled %d completions, want 3", handled.Load())
		}
		time.Sleep(time.Millisecond)
	}

	// All responses are in but DoneSending has not been called; the drain
	// loop must keep waiting.
	select {
	case <-drained:
		t.Fatal("drain exited before DoneSending")
	case <-time.After(100 * time.Millisecond):
	}

	d.DoneSending()
	select {
	case stats := <-drained:
		if stats.Requests != 3 || stats.Responses != 3 || stats.Failed != 0 {
			t.Fatalf("stats = %+v", stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not exit after DoneSending")
	}
}

func TestDoneSendingBeforeCompletions(t *testing.T) {
	release := make(chan struct{})
	slow := func(context.Context, *speech.RecognizeRequest) (*speech.RecognizeResponse, error) {
		<-release
		return &speech.RecognizeResponse{}, nil
	}
	d := New(slow, 4, nil)

	drained := make(chan Stats, 1)
	go func() { drained <- d.Drain(context.Background()) }()

	for i := 0; i < 2; i++ {
		if _, err := d.Submit(context.Background(), testClip(), speech.RecognitionConfig{}); err != nil {
			t.Fatal(err)
		}
	}
	d.DoneSending()

	// Calls are still in flight; done alone must not end the drain.
	select {
	case <-drained:
		t.Fatal("drain exited with calls in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case stats := <-drained:
		if stats.Responses != 2 {
			t.Fatalf("responses = %d, want 2", stats.Responses)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain never finished")
	}
}

func TestSubmitBlocksAtMaxParallel(t *testing.T) {
	release := make(chan struct{})
	slow := func(context.Context, *speech.RecognizeRequest) (*speech.RecognizeResponse, error) {
		<-release
		return &speech.RecognizeResponse{}, nil
	}
	d := New(slow, 1, nil)

	drained := make(chan Stats, 1)
	go func() { drained <- d.Drain(context.Background()) }()

	if _, err := d.Submit(context.Background(), testClip(), speech.RecognitionConfig{}); err != nil {
		t.Fatal(err)
	}

	second := make(chan struct{})
	go func() {
		d.Submit(context.Background(), testClip(), speech.RecognitionConfig{})
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second submit should block at max_parallel=1")
	case <-time.After(100 * time.Millisecond):
	}
	if got := d.NumActive(); got != 1 {
		t.Fatalf("NumActive = %d, want 1", got)
	}

	close(release)
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second submit never unblocked")
	}

	d.DoneSending()
	<-drained
}

func TestFailedCallsAreIsolated(t *testing.T) {
	var n atomic.Uint32
	flaky := func(context.Context, *speech.RecognizeRequest) (*speech.RecognizeResponse, error) {
		if n.Add(1) == 2 {
			return nil, errors.New("deadline exceeded")
		}
		return &speech.RecognizeResponse{}, nil
	}

	var failed atomic.Int32
	d := New(flaky, 2, func(c Completion) {
		if c.Err != nil {
			failed.Add(1)
		}
	})

	drained := make(chan Stats, 1)
	go func() { drained <- d.Drain(context.Background()) }()

	for i := 0; i < 3; i++ {
		if _, err := d.Submit(context.Background(), testClip(), speech.RecognitionConfig{}); err != nil {
			t.Fatal(err)
		}
	}
	d.DoneSending()

	stats := <-drained
	if stats.Responses != 3 {
		t.Fatalf("responses = %d, want 3 (failure must not stop the drain)", stats.Responses)
	}
	if stats.Failed != 1 || failed.Load() != 1 {
		t.Fatalf("failed = %d (handler saw %d), want 1", stats.Failed, failed.Load())
	}
}

func TestDrainContextCancel(t *testing.T) {
	release := make(chan struct{})
	slow := func(context.Context, *speech.RecognizeRequest) (*speech.RecognizeResponse, error) {
		<-release
		return &speech.RecognizeResponse{}, nil
	}
	d := New(slow, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	drained := make(chan Stats, 1)
	go func() { drained <- d.Drain(ctx) }()

	if _, err := d.Submit(context.Background(), testClip(), speech.RecognitionConfig{}); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case stats := <-drained:
		if stats.Requests != 1 || stats.Responses != 0 {
			t.Fatalf("stats = %+v", stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain ignored cancellation")
	}
	// Let the in-flight goroutine complete into the buffered channel.
	close(release)
}
