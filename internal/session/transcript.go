package session

import (
	"github.com/chorushq/chorus/pkg/speech"
)

// TranscriptState folds a stream of recognition results into stable final
// text plus a volatile partial tail. FinalTranscripts holds one growing
// string per alternative rank, so competing hypotheses never mix; partials
// are rebuilt on every response message.
type TranscriptState struct {
	FinalTranscripts  []string
	FinalScores       []float32
	PartialTranscript string
	FinalWords        []speech.WordInfo
	PartialWords      []speech.WordInfo
	AudioProcessed    float32
}

// BeginMessage resets the partial fields. Call once per response message,
// before folding its results.
func (t *TranscriptState) BeginMessage() {
	t.PartialTranscript = ""
	t.PartialWords = t.PartialWords[:0]
}

// Fold merges one result. Each final hypothesis appends its text and score
// into the slot for its alternative rank; partial hypotheses extend the
// partial tail, so the most recent message's partials are what remain. Word
// timings come from the top alternative only. A result without alternatives
// is ignored.
func (t *TranscriptState) Fold(res speech.StreamingRecognitionResult) {
	if res.AudioProcessed > t.AudioProcessed {
		t.AudioProcessed = res.AudioProcessed
	}
	if len(res.Alternatives) == 0 {
		return
	}
	if res.IsFinal {
		for a, alt := range res.Alternatives {
			if a == len(t.FinalTranscripts) {
				t.FinalTranscripts = append(t.FinalTranscripts, "")
				t.FinalScores = append(t.FinalScores, 0)
			}
			t.FinalTranscripts[a] += alt.Transcript
			t.FinalScores[a] += alt.Confidence
		}
		t.FinalWords = append(t.FinalWords, res.Alternatives[0].Words...)
		return
	}
	t.PartialTranscript += res.Alternatives[0].Transcript
	t.PartialWords = append(t.PartialWords, res.Alternatives[0].Words...)
}

// Finalize guarantees at least one final slot so downstream output always
// has a text value, even for sessions that never produced a final
// hypothesis.
func (t *TranscriptState) Finalize() {
	if len(t.FinalTranscripts) == 0 {
		t.FinalTranscripts = append(t.FinalTranscripts, "")
		t.FinalScores = append(t.FinalScores, 0)
	}
}

// Text returns the top alternative's accumulated transcript.
func (t *TranscriptState) Text() string {
	if len(t.FinalTranscripts) == 0 {
		return ""
	}
	return t.FinalTranscripts[0]
}
