// Package session holds the per-stream state of a recognition run: the
// audio being sent, the timestamps of every exchange, and the transcript
// folded from the responses.
package session

import (
	"sync"
	"time"

	"github.com/chorushq/chorus/internal/audio"
)

// State is the lifecycle of a Session.
type State int32

const (
	StateCreated State = iota
	StateSending
	StateAwaitingResponses
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSending:
		return "sending"
	case StateAwaitingResponses:
		return "awaiting_responses"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Receipt is one received response message: arrival time plus whether the
// message carried a final result.
type Receipt struct {
	At    time.Time
	Final bool
}

// Latency is one paired send/receive round trip.
type Latency struct {
	RTT   time.Duration
	Final bool
}

// Session is one audio stream pushed through recognition. Two tasks work on
// it concurrently with disjoint ownership: the generate task appends
// SendTimes, the receive task appends Receipts and folds Transcript. State
// and the error are the only shared fields and sit behind the mutex.
type Session struct {
	ID   uint32
	Clip *audio.Clip

	SendTimes  []time.Time
	Receipts   []Receipt
	Transcript TranscriptState

	mu    sync.Mutex
	state State
	err   error
}

func New(id uint32, clip *audio.Clip) *Session {
	return &Session{ID: id, Clip: clip, state: StateCreated}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState advances the lifecycle. A session that already failed stays
// failed.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return
	}
	s.state = st
}

// Fail marks the session failed, keeping the first error.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.state = StateFailed
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Failed() bool {
	return s.State() == StateFailed
}

// RecordSend notes a chunk transmission time. Generate task only.
func (s *Session) RecordSend(at time.Time) {
	s.SendTimes = append(s.SendTimes, at)
}

// RecordReceipt notes a response arrival. Receive task only.
func (s *Session) RecordReceipt(at time.Time, final bool) {
	s.Receipts = append(s.Receipts, Receipt{At: at, Final: final})
}

// Reconcile pairs send times with receipts index-wise and returns the round
// trips. Servers commonly deliver one unpaired trailing message, the
// final-only response after half-close, so a surplus of up to tolerance
// receipts is accepted and the extras ignored. Any other count mismatch
// makes the pairing unusable and Reconcile reports ok=false.
func (s *Session) Reconcile(tolerance int) ([]Latency, bool) {
	if tolerance < 0 {
		tolerance = 0
	}
	sent, recv := len(s.SendTimes), len(s.Receipts)
	if recv < sent || recv > sent+tolerance {
		return nil, false
	}
	lats := make([]Latency, 0, sent)
	for i := 0; i < sent && i < recv; i++ {
		lats = append(lats, Latency{
			RTT:   s.Receipts[i].At.Sub(s.SendTimes[i]),
			Final: s.Receipts[i].Final,
		})
	}
	return lats, true
}
