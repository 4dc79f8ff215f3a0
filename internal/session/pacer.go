package session

import "time"

// Pacer throttles chunk transmission to real time. Waits are computed from
// cumulative audio sent against wall clock, so a chunk delayed by the
// network shrinks later waits instead of pushing the whole stream late.
type Pacer struct {
	start     time.Time
	audioSent time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

func NewPacer() *Pacer {
	return &Pacer{now: time.Now, sleep: time.Sleep}
}

// Start marks the stream epoch. Call once, before the first chunk.
func (p *Pacer) Start() {
	p.start = p.now()
}

// Pace blocks until wall clock catches up with the audio timeline including
// the chunk about to be sent, and returns the wait applied. A stream that is
// already behind gets a zero wait.
func (p *Pacer) Pace(chunk time.Duration) time.Duration {
	p.audioSent += chunk
	wait := p.audioSent - p.now().Sub(p.start)
	if wait <= 0 {
		return 0
	}
	p.sleep(wait)
	return wait
}
