package rpcconnect

import (
	"strings"

	"github.com/chorushq/chorus/pkg/speech"
)

// One scripted word per 320ms of audio, roughly conversational pace.
const wordEveryMs = 320

// lexicon feeds the scripted recognizer. Words cycle in order so a given
// amount of audio always yields the same transcript.
var lexicon = []string{
	"the", "quick", "brown", "fox", "jumps", "over", "a", "lazy", "dog",
	"while", "bright", "vixens", "watch", "from", "mossy", "ledges",
}

// recognizer fabricates deterministic recognition results from audio byte
// counts alone. The audio content is never inspected; only its duration
// drives the word timeline.
type recognizer struct {
	cfg        speech.RecognitionConfig
	interim    bool
	finalEvery int

	bytesPerSec int
	audioBytes  int
	chunks      int
	finalized   int
	pending     []speech.WordInfo
}

func newRecognizer(cfg speech.StreamingRecognitionConfig, finalEvery int) *recognizer {
	return &recognizer{
		cfg:         cfg.Config,
		interim:     cfg.InterimResults,
		finalEvery:  finalEvery,
		bytesPerSec: bytesPerSecond(cfg.Config),
	}
}

func bytesPerSecond(cfg speech.RecognitionConfig) int {
	rate := cfg.SampleRateHertz
	if rate <= 0 {
		rate = 16000
	}
	channels := cfg.AudioChannelCount
	if channels <= 0 {
		channels = 1
	}
	switch cfg.Encoding {
	case speech.EncodingMuLaw, speech.EncodingALaw:
		return rate * channels
	default:
		return rate * channels * 2
	}
}

// Feed consumes one audio chunk and returns the responses it provokes. With
// interim results on, every chunk yields exactly one response: a final result
// on finalEvery cadence chunks, otherwise the current hypothesis (empty until
// the first word boundary). With interim off, only the cadence finals appear.
func (r *recognizer) Feed(audio []byte) []*speech.StreamingRecognizeResponse {
	r.audioBytes += len(audio)
	r.chunks++
	for r.finalized+len(r.pending) < r.wordsHeard() {
		r.pending = append(r.pending, r.word(r.finalized+len(r.pending)))
	}

	var out []*speech.StreamingRecognizeResponse
	if r.finalEvery > 0 && r.chunks%r.finalEvery == 0 && len(r.pending) > 0 {
		out = append(out, r.final())
	} else if r.interim {
		out = append(out, r.partial())
	}
	return out
}

// Flush seals anything still pending into the closing final result. A stream
// that produced no words still gets one final so clients always see one.
func (r *recognizer) Flush() *speech.StreamingRecognizeResponse {
	if len(r.pending) == 0 && r.finalized > 0 {
		return nil
	}
	return r.final()
}

// Offline recognizes a complete utterance in one shot.
func (r *recognizer) Offline(audio []byte) *speech.RecognizeResponse {
	r.audioBytes = len(audio)
	for i := 0; i < r.wordsHeard(); i++ {
		r.pending = append(r.pending, r.word(i))
	}
	return &speech.RecognizeResponse{
		Results: []speech.SpeechRecognitionResult{{
			Alternatives:   r.alternatives(),
			AudioProcessed: r.audioSeconds(),
		}},
	}
}

func (r *recognizer) wordsHeard() int {
	return r.audioBytes * 1000 / (r.bytesPerSec * wordEveryMs)
}

func (r *recognizer) audioSeconds() float32 {
	return float32(r.audioBytes) / float32(r.bytesPerSec)
}

func (r *recognizer) word(i int) speech.WordInfo {
	start := int64(i) * wordEveryMs
	return speech.WordInfo{
		Word:       lexicon[i%len(lexicon)],
		StartTime:  start,
		EndTime:    start + wordEveryMs,
		Confidence: 1 - float32(i%7)*0.01,
	}
}

func (r *recognizer) partial() *speech.StreamingRecognizeResponse {
	return &speech.StreamingRecognizeResponse{
		Results: []speech.StreamingRecognitionResult{{
			Alternatives:   []speech.SpeechRecognitionAlternative{{Transcript: r.transcript(r.pending)}},
			Stability:      0.45,
			AudioProcessed: r.audioSeconds(),
		}},
	}
}

func (r *recognizer) final() *speech.StreamingRecognizeResponse {
	resp := &speech.StreamingRecognizeResponse{
		Results: []speech.StreamingRecognitionResult{{
			Alternatives:   r.alternatives(),
			IsFinal:        true,
			AudioProcessed: r.audioSeconds(),
		}},
	}
	r.finalized += len(r.pending)
	r.pending = nil
	return resp
}

// alternatives builds the n-best list for the pending words. Alternative k
// drops the last k words; word offsets ride only on the top alternative.
func (r *recognizer) alternatives() []speech.SpeechRecognitionAlternative {
	n := r.cfg.MaxAlternatives
	if n <= 0 {
		n = 1
	}
	alts := make([]speech.SpeechRecognitionAlternative, 0, n)
	for k := 0; k < n && k <= len(r.pending); k++ {
		kept := r.pending[:len(r.pending)-k]
		alt := speech.SpeechRecognitionAlternative{
			Transcript: r.transcript(kept),
			Confidence: confidenceAt(k),
		}
		if k == 0 && r.cfg.EnableWordTimeOffsets {
			alt.Words = append([]speech.WordInfo(nil), kept...)
		}
		alts = append(alts, alt)
	}
	return alts
}

// transcript joins words with a trailing space so consecutive final segments
// concatenate into readable text.
func (r *recognizer) transcript(words []speech.WordInfo) string {
	if len(words) == 0 {
		return ""
	}
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Word
	}
	text := strings.Join(parts, " ")
	if r.cfg.EnableAutomaticPunctuation {
		text = strings.ToUpper(text[:1]) + text[1:] + "."
	}
	return text + " "
}

func confidenceAt(k int) float32 {
	c := 0.92 - 0.07*float32(k)
	if c < 0.1 {
		c = 0.1
	}
	return c
}
