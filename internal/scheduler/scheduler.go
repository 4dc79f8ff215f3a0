// Package scheduler drives many recognition sessions through a shared
// client, bounding how many run at once and collecting latency statistics
// for the whole run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chorushq/chorus/internal/audio"
	"github.com/chorushq/chorus/internal/latency"
	"github.com/chorushq/chorus/internal/pool"
	"github.com/chorushq/chorus/internal/session"
	"github.com/chorushq/chorus/pkg/speech"
)

const tracerName = "github.com/chorushq/chorus/internal/scheduler"

// Config holds run configuration.
type Config struct {
	MaxParallel        int           // concurrent sessions admitted (default 1)
	Workers            int           // pool goroutines (default 4x MaxParallel)
	ChunkDuration      time.Duration // audio per streamed chunk (default 100ms)
	SimulateRealtime   bool          // pace chunks to the audio clock
	Iterations         int           // times the clip list is repeated (default 1)
	ReconcileTolerance int           // surplus receipts tolerated per session (0 takes the default 1, negative means none)

	// Recognition is the config template sent as each stream's first frame.
	// Audio format fields are filled per clip.
	Recognition speech.StreamingRecognitionConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:        1,
		ChunkDuration:      100 * time.Millisecond,
		Iterations:         1,
		ReconcileTolerance: 1,
	}
}

// StreamOpener opens recognition streams. *speech.Client satisfies it.
type StreamOpener interface {
	StreamingRecognize(ctx context.Context) (speech.RecognitionStream, error)
}

// RunResult is the accounting for one completed run.
type RunResult struct {
	Sessions   int
	Failed     int
	Requests   uint32
	Responses  uint32
	TotalAudio time.Duration
	Elapsed    time.Duration
	Latency    *latency.Recorder
}

// RTFX is the run's throughput as a real-time factor: seconds of audio
// processed per wall-clock second.
func (r *RunResult) RTFX() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return r.TotalAudio.Seconds() / r.Elapsed.Seconds()
}

// Scheduler owns one run. Every session gets two pool tasks, one sending
// audio and one folding responses; a session only gives its admission slot
// back once both have finished, so at most MaxParallel sessions touch the
// server at a time. A Scheduler is not reusable across runs.
type Scheduler struct {
	opener   StreamOpener
	config   Config
	recorder *latency.Recorder
	pool     *pool.Pool

	// OnSession, when set, receives every finished session in retirement
	// order. It is called from pool workers; implementations synchronize.
	OnSession func(*session.Session)

	slots      chan struct{}
	wg         sync.WaitGroup
	active     atomic.Int32
	failed     atomic.Uint32
	requests   atomic.Uint32
	responses  atomic.Uint32
	totalAudio atomic.Int64
}

// New creates a Scheduler. Zero config fields take defaults; Workers is
// raised to at least two per admitted session so a stream's send and
// receive tasks can always run together.
func New(opener StreamOpener, config Config) *Scheduler {
	def := DefaultConfig()
	if config.MaxParallel <= 0 {
		config.MaxParallel = def.MaxParallel
	}
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = def.ChunkDuration
	}
	if config.Iterations <= 0 {
		config.Iterations = def.Iterations
	}
	switch {
	case config.ReconcileTolerance == 0:
		config.ReconcileTolerance = def.ReconcileTolerance
	case config.ReconcileTolerance < 0:
		config.ReconcileTolerance = 0
	}
	if config.Workers <= 0 {
		config.Workers = 4 * config.MaxParallel
	}
	if min := 2 * config.MaxParallel; config.Workers < min {
		slog.Warn("raising worker count to keep streams from starving", "workers", config.Workers, "min", min)
		config.Workers = min
	}
	return &Scheduler{
		opener:   opener,
		config:   config,
		recorder: latency.NewRecorder(),
		slots:    make(chan struct{}, config.MaxParallel),
	}
}

// ActiveCount reports sessions currently holding an admission slot.
func (s *Scheduler) ActiveCount() int { return int(s.active.Load()) }

// Run streams every clip, repeated Iterations times, and blocks until all
// sessions have retired or the context ends admission early. Session
// failures are isolated and reported in the result, not as an error.
func (s *Scheduler) Run(ctx context.Context, clips []*audio.Clip) (*RunResult, error) {
	if len(clips) == 0 {
		return nil, errors.New("no audio clips to stream")
	}

	total := len(clips) * s.config.Iterations
	slog.Info("run started",
		"sessions", total,
		"max_parallel", s.config.MaxParallel,
		"workers", s.config.Workers,
		"simulate_realtime", s.config.SimulateRealtime)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "speech.run")
	defer span.End()
	span.SetAttributes(attribute.Int("run.sessions", total))

	s.pool = pool.New(s.config.Workers)
	start := time.Now()

	var id uint32
admission:
	for iter := 0; iter < s.config.Iterations; iter++ {
		for _, clip := range clips {
			select {
			case s.slots <- struct{}{}:
			case <-ctx.Done():
				slog.Warn("admission interrupted", "launched", id, "planned", total)
				break admission
			}
			id++
			s.launch(ctx, session.New(id, clip))
		}
	}

	s.wg.Wait()
	s.pool.Shutdown()
	elapsed := time.Since(start)

	result := &RunResult{
		Sessions:   int(id),
		Failed:     int(s.failed.Load()),
		Requests:   s.requests.Load(),
		Responses:  s.responses.Load(),
		TotalAudio: time.Duration(s.totalAudio.Load()),
		Elapsed:    elapsed,
		Latency:    s.recorder,
	}
	slog.Info("run finished",
		"sessions", result.Sessions,
		"failed", result.Failed,
		"elapsed", elapsed.Round(time.Millisecond),
		"rtfx", fmt.Sprintf("%.2f", result.RTFX()))
	return result, nil
}

// launch puts a session's two tasks on the pool. Whichever task finishes
// last retires the session.
func (s *Scheduler) launch(ctx context.Context, sess *session.Session) {
	s.wg.Add(1)
	s.active.Add(1)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "speech.session")
	span.SetAttributes(attribute.Int("session.id", int(sess.ID)))

	// Streams outlive ctx cancellation: an interrupted run stops admitting
	// and sending but lets in-flight sessions drain their responses.
	stream, err := s.opener.StreamingRecognize(context.WithoutCancel(ctx))
	if err != nil {
		sess.Fail(fmt.Errorf("open stream: %w", err))
		span.End()
		s.retire(sess, nil)
		return
	}

	var pending atomic.Int32
	pending.Store(2)
	finish := func() {
		if pending.Add(-1) == 0 {
			span.End()
			s.retire(sess, stream)
		}
	}
	s.pool.Enqueue(func() {
		s.generate(ctx, sess, stream)
		finish()
	})
	s.pool.Enqueue(func() {
		s.receive(sess, stream)
		finish()
	})
}

// generate sends the config frame and then the audio chunks, pacing when
// realtime simulation is on, and half-closes the stream when done. Only this
// task appends send times.
func (s *Scheduler) generate(ctx context.Context, sess *session.Session, stream speech.RecognitionStream) {
	sess.SetState(session.StateSending)

	cfg := s.streamConfig(sess.Clip)
	if err := stream.Send(&speech.StreamingRecognizeRequest{StreamingConfig: &cfg}); err != nil {
		sess.Fail(fmt.Errorf("send config: %w", err))
		stream.CloseSend()
		return
	}

	pacer := session.NewPacer()
	pacer.Start()
	for i, chunk := range sess.Clip.Chunks(s.config.ChunkDuration) {
		if ctx.Err() != nil {
			slog.Debug("send interrupted", "session", sess.ID, "chunks_sent", i)
			break
		}
		if s.config.SimulateRealtime {
			pacer.Pace(sess.Clip.BytesDuration(len(chunk)))
		}
		sess.RecordSend(time.Now())
		if err := stream.Send(&speech.StreamingRecognizeRequest{AudioContent: chunk}); err != nil {
			sess.Fail(fmt.Errorf("send chunk %d: %w", i, err))
			break
		}
		s.requests.Add(1)
	}

	if err := stream.CloseSend(); err != nil && !sess.Failed() {
		sess.Fail(fmt.Errorf("close send: %w", err))
	}
	sess.SetState(session.StateAwaitingResponses)
}

// receive folds response messages into the session transcript until the
// server ends the stream. Only this task appends receipts.
func (s *Scheduler) receive(sess *session.Session, stream speech.RecognitionStream) {
	for {
		resp, err := stream.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			sess.Fail(fmt.Errorf("receive: %w", err))
			return
		}
		now := time.Now()
		final := false
		sess.Transcript.BeginMessage()
		for _, res := range resp.Results {
			sess.Transcript.Fold(res)
			if res.IsFinal {
				final = true
			}
		}
		sess.RecordReceipt(now, final)
		s.responses.Add(1)
	}
}

// retire runs exactly once per session, after both tasks are done.
func (s *Scheduler) retire(sess *session.Session, stream speech.RecognitionStream) {
	if stream != nil {
		stream.Close()
	}
	sess.Transcript.Finalize()

	if sess.Failed() {
		s.failed.Add(1)
		slog.Warn("session failed", "session", sess.ID, "file", clipPath(sess), "err", sess.Err())
	} else {
		sess.SetState(session.StateFinished)
		s.totalAudio.Add(int64(sess.Clip.Duration()))
		if lats, ok := sess.Reconcile(s.config.ReconcileTolerance); ok {
			for _, l := range lats {
				s.recorder.Record(l.RTT, l.Final)
			}
		} else {
			s.recorder.MarkUnreliable()
			slog.Warn("send/receive counts do not reconcile, latency stats unreliable",
				"session", sess.ID,
				"sent", len(sess.SendTimes),
				"received", len(sess.Receipts))
		}
	}

	if s.OnSession != nil {
		s.OnSession(sess)
	}
	s.active.Add(-1)
	<-s.slots
	s.wg.Done()
}

func (s *Scheduler) streamConfig(clip *audio.Clip) speech.StreamingRecognitionConfig {
	cfg := s.config.Recognition
	cfg.Config.Encoding = clip.Encoding
	cfg.Config.SampleRateHertz = clip.SampleRate
	cfg.Config.AudioChannelCount = clip.Channels
	return cfg
}

func clipPath(sess *session.Session) string {
	if sess.Clip == nil {
		return ""
	}
	return sess.Clip.Path
}
