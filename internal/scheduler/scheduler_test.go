package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/audio"
	"github.com/chorushq/chorus/internal/session"
	"github.com/chorushq/chorus/pkg/speech"
)

func testClip(ms int) *audio.Clip {
	bytes := 16000 * 2 * ms / 1000
	return &audio.Clip{
		Path:          fmt.Sprintf("clip-%dms.wav", ms),
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
		Encoding:      speech.EncodingLinearPCM,
		PCM:           make([]byte, bytes),
	}
}

// fakeStream scripts the server side of one recognition exchange: an interim
// response per audio chunk and a configurable number of finals at half-close.
type fakeStream struct {
	host *fakeOpener

	mu         sync.Mutex
	audioSends int
	responses  chan *speech.StreamingRecognizeResponse
	sendClosed bool
	closed     bool

	failSendAt  int // fail the Nth audio send, 0 = never
	finalFrames int
	delay       time.Duration
}

func (f *fakeStream) Send(req *speech.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendClosed {
		return io.ErrClosedPipe
	}
	if req.StreamingConfig != nil {
		return nil
	}
	f.audioSends++
	if f.failSendAt > 0 && f.audioSends == f.failSendAt {
		return errors.New("connection reset")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.responses <- &speech.StreamingRecognizeResponse{
		Results: []speech.StreamingRecognitionResult{{
			Alternatives: []speech.SpeechRecognitionAlternative{{Transcript: fmt.Sprintf("chunk %d", f.audioSends)}},
		}},
	}
	return nil
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendClosed {
		return nil
	}
	f.sendClosed = true
	for i := 0; i < f.finalFrames; i++ {
		f.responses <- &speech.StreamingRecognizeResponse{
			Results: []speech.StreamingRecognitionResult{{
				IsFinal: true,
				Alternatives: []speech.SpeechRecognitionAlternative{{
					Transcript: fmt.Sprintf("final %d", i+1),
					Confidence: 0.9,
				}},
			}},
		}
	}
	close(f.responses)
	return nil
}

func (f *fakeStream) Receive() (*speech.StreamingRecognizeResponse, error) {
	resp, ok := <-f.responses
	if !ok {
		return nil, io.EOF
	}
	return resp, nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		if f.host != nil {
			f.host.active.Add(-1)
		}
	}
	return nil
}

// fakeOpener hands out fakeStreams and tracks how many are open at once.
type fakeOpener struct {
	opened      atomic.Int32
	active      atomic.Int32
	peak        atomic.Int32
	failOpenAt  int32
	failSendAt  map[int32]int
	finalFrames int
	delay       time.Duration
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{finalFrames: 1}
}

func (o *fakeOpener) StreamingRecognize(ctx context.Context) (speech.RecognitionStream, error) {
	n := o.opened.Add(1)
	if o.failOpenAt > 0 && n == o.failOpenAt {
		return nil, errors.New("dial refused")
	}
	cur := o.active.Add(1)
	for {
		old := o.peak.Load()
		if cur <= old || o.peak.CompareAndSwap(old, cur) {
			break
		}
	}
	fs := &fakeStream{
		host:        o,
		responses:   make(chan *speech.StreamingRecognizeResponse, 256),
		finalFrames: o.finalFrames,
		delay:       o.delay,
	}
	if o.failSendAt != nil {
		fs.failSendAt = o.failSendAt[n]
	}
	return fs, nil
}

func collectSessions(s *Scheduler) *[]*session.Session {
	var mu sync.Mutex
	var done []*session.Session
	s.OnSession = func(sess *session.Session) {
		mu.Lock()
		done = append(done, sess)
		mu.Unlock()
	}
	return &done
}

func TestRunCompletesAllSessions(t *testing.T) {
	opener := newFakeOpener()
	s := New(opener, Config{MaxParallel: 2, Iterations: 2})
	done := collectSessions(s)

	clips := []*audio.Clip{testClip(200), testClip(300), testClip(100)}
	result, err := s.Run(context.Background(), clips)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Sessions != 6 {
		t.Fatalf("sessions = %d, want 6", result.Sessions)
	}
	if result.Failed != 0 {
		t.Fatalf("failed = %d, want 0", result.Failed)
	}
	// 200+300+100 ms at 100ms chunks, twice over.
	if result.Requests != 12 {
		t.Errorf("requests = %d, want 12", result.Requests)
	}
	// One response per chunk plus one final per session.
	if result.Responses != 18 {
		t.Errorf("responses = %d, want 18", result.Responses)
	}
	if len(*done) != 6 {
		t.Fatalf("sink saw %d sessions, want 6", len(*done))
	}
	for _, sess := range *done {
		if sess.State() != session.StateFinished {
			t.Errorf("session %d state = %v", sess.ID, sess.State())
		}
		if sess.Transcript.Text() != "final 1" {
			t.Errorf("session %d transcript = %q", sess.ID, sess.Transcript.Text())
		}
	}
	if result.TotalAudio != 1200*time.Millisecond {
		t.Errorf("total audio = %v, want 1.2s", result.TotalAudio)
	}
	if !result.Latency.Reliable() {
		t.Error("latency should reconcile for clean runs")
	}
}

func TestAdmissionNeverExceedsMaxParallel(t *testing.T) {
	opener := newFakeOpener()
	opener.delay = 2 * time.Millisecond
	s := New(opener, Config{MaxParallel: 2})

	clips := make([]*audio.Clip, 8)
	for i := range clips {
		clips[i] = testClip(200)
	}
	if _, err := s.Run(context.Background(), clips); err != nil {
		t.Fatalf("run: %v", err)
	}

	if peak := opener.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrent streams = %d, want <= 2", peak)
	}
	if s.ActiveCount() != 0 {
		t.Errorf("active count after run = %d", s.ActiveCount())
	}
}

func TestSessionFailureIsIsolated(t *testing.T) {
	opener := newFakeOpener()
	opener.failSendAt = map[int32]int{2: 1} // second stream dies on its first audio chunk
	s := New(opener, Config{MaxParallel: 1})
	done := collectSessions(s)

	clips := []*audio.Clip{testClip(200), testClip(200), testClip(200)}
	result, err := s.Run(context.Background(), clips)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Sessions != 3 || result.Failed != 1 {
		t.Fatalf("sessions=%d failed=%d, want 3/1", result.Sessions, result.Failed)
	}

	var failedSessions int
	for _, sess := range *done {
		if sess.State() != session.StateFailed {
			continue
		}
		failedSessions++
		if sess.Err() == nil {
			t.Error("failed session lost its error")
		}
		// Even failed sessions end with a well-formed transcript.
		if len(sess.Transcript.FinalTranscripts) == 0 {
			t.Error("failed session missing transcript placeholder")
		}
	}
	if failedSessions != 1 {
		t.Fatalf("sink saw %d failed sessions, want 1", failedSessions)
	}
	// Only the two clean sessions count toward processed audio.
	if result.TotalAudio != 400*time.Millisecond {
		t.Errorf("total audio = %v, want 400ms", result.TotalAudio)
	}
}

func TestOpenFailureIsIsolated(t *testing.T) {
	opener := newFakeOpener()
	opener.failOpenAt = 1
	s := New(opener, Config{MaxParallel: 2})

	result, err := s.Run(context.Background(), []*audio.Clip{testClip(100), testClip(100)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("failed = %d, want 1", result.Failed)
	}
	if result.Sessions != 2 {
		t.Fatalf("sessions = %d, want 2", result.Sessions)
	}
}

func TestReconcileMismatchMarksRunUnreliable(t *testing.T) {
	opener := newFakeOpener()
	opener.finalFrames = 3 // receipts land three past the sends

	s := New(opener, Config{MaxParallel: 1})
	result, err := s.Run(context.Background(), []*audio.Clip{testClip(200)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed != 0 {
		t.Fatalf("reconcile mismatch must not fail the session, failed=%d", result.Failed)
	}
	if result.Latency.Reliable() {
		t.Error("latency should be flagged unreliable")
	}

	// A tolerance covering the surplus keeps the stats reliable.
	opener2 := newFakeOpener()
	opener2.finalFrames = 3
	s2 := New(opener2, Config{MaxParallel: 1, ReconcileTolerance: 3})
	result2, err := s2.Run(context.Background(), []*audio.Clip{testClip(200)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result2.Latency.Reliable() {
		t.Error("raised tolerance should reconcile")
	}
}

func TestReconcileToleranceZeroValue(t *testing.T) {
	// A zero-valued config keeps the default tolerance of one surplus
	// receipt, so the flush final never taints an otherwise clean run.
	opener := newFakeOpener()
	s := New(opener, Config{MaxParallel: 1})
	result, err := s.Run(context.Background(), []*audio.Clip{testClip(200)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Latency.Reliable() {
		t.Error("default tolerance should absorb the single flush final")
	}

	// A negative tolerance asks for strict pairing.
	opener2 := newFakeOpener()
	s2 := New(opener2, Config{MaxParallel: 1, ReconcileTolerance: -1})
	result2, err := s2.Run(context.Background(), []*audio.Clip{testClip(200)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result2.Latency.Reliable() {
		t.Error("strict pairing should flag the flush final as surplus")
	}
}

func TestNoFinalYieldsPlaceholder(t *testing.T) {
	opener := newFakeOpener()
	opener.finalFrames = 0 // interim-only server

	s := New(opener, Config{MaxParallel: 1})
	done := collectSessions(s)
	if _, err := s.Run(context.Background(), []*audio.Clip{testClip(100)}); err != nil {
		t.Fatalf("run: %v", err)
	}
	sess := (*done)[0]
	if len(sess.Transcript.FinalTranscripts) != 1 || sess.Transcript.FinalTranscripts[0] != "" {
		t.Fatalf("expected single placeholder, got %v", sess.Transcript.FinalTranscripts)
	}
}

func TestSimulateRealtimePacesWallClock(t *testing.T) {
	opener := newFakeOpener()
	s := New(opener, Config{MaxParallel: 1, SimulateRealtime: true})

	start := time.Now()
	if _, err := s.Run(context.Background(), []*audio.Clip{testClip(500)}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("paced run took %v, want >= 500ms of wall clock", elapsed)
	}
}

func TestSendTimestampsMonotonic(t *testing.T) {
	opener := newFakeOpener()
	s := New(opener, Config{MaxParallel: 1})
	done := collectSessions(s)
	if _, err := s.Run(context.Background(), []*audio.Clip{testClip(500)}); err != nil {
		t.Fatalf("run: %v", err)
	}
	sess := (*done)[0]
	if len(sess.SendTimes) != 5 {
		t.Fatalf("got %d send times, want 5", len(sess.SendTimes))
	}
	for i := 1; i < len(sess.SendTimes); i++ {
		if sess.SendTimes[i].Before(sess.SendTimes[i-1]) {
			t.Fatalf("send time %d went backwards", i)
		}
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	s := New(newFakeOpener(), DefaultConfig())
	if _, err := s.Run(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty clip list")
	}
}

func TestCancelStopsAdmission(t *testing.T) {
	opener := newFakeOpener()
	opener.delay = 5 * time.Millisecond
	s := New(opener, Config{MaxParallel: 1})

	ctx, cancel := context.WithCancel(context.Background())
	clips := make([]*audio.Clip, 50)
	for i := range clips {
		clips[i] = testClip(300)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	result, err := s.Run(ctx, clips)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Sessions >= 50 {
		t.Fatalf("cancel did not stop admission, sessions=%d", result.Sessions)
	}
	if s.ActiveCount() != 0 {
		t.Errorf("active sessions leaked after cancel: %d", s.ActiveCount())
	}
}
