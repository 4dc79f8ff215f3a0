package speech

// AudioEncoding identifies the codec of raw audio bytes.
type AudioEncoding string

const (
	EncodingUnspecified AudioEncoding = ""
	EncodingLinearPCM   AudioEncoding = "LINEAR_PCM"
	EncodingFLAC        AudioEncoding = "FLAC"
	EncodingMuLaw       AudioEncoding = "MULAW"
	EncodingALaw        AudioEncoding = "ALAW"
)

// SpeechContext boosts recognition of the given phrases.
type SpeechContext struct {
	Phrases []string `json:"phrases,omitempty"`
	Boost   float32  `json:"boost,omitempty"`
}

// RecognitionConfig describes the audio format and the desired recognition
// behavior for a single stream or utterance.
type RecognitionConfig struct {
	Encoding                   AudioEncoding   `json:"encoding,omitempty"`
	SampleRateHertz            int             `json:"sample_rate_hertz,omitempty"`
	LanguageCode               string          `json:"language_code,omitempty"`
	MaxAlternatives            int             `json:"max_alternatives,omitempty"`
	AudioChannelCount          int             `json:"audio_channel_count,omitempty"`
	EnableAutomaticPunctuation bool            `json:"enable_automatic_punctuation,omitempty"`
	EnableWordTimeOffsets      bool            `json:"enable_word_time_offsets,omitempty"`
	VerbatimTranscripts        bool            `json:"verbatim_transcripts,omitempty"`
	Model                      string          `json:"model,omitempty"`
	SpeechContexts             []SpeechContext `json:"speech_contexts,omitempty"`
}

// StreamingRecognitionConfig wraps a RecognitionConfig for streaming calls.
type StreamingRecognitionConfig struct {
	Config         RecognitionConfig `json:"config"`
	InterimResults bool              `json:"interim_results,omitempty"`
}

// StreamingRecognizeRequest is one frame of the client-to-server stream.
// Exactly one of StreamingConfig or AudioContent is set: the first frame
// carries the config, every later frame carries audio.
type StreamingRecognizeRequest struct {
	StreamingConfig *StreamingRecognitionConfig `json:"streaming_config,omitempty"`
	AudioContent    []byte                      `json:"audio_content,omitempty"`
}

// WordInfo is a recognized word with millisecond offsets from stream start.
type WordInfo struct {
	Word       string  `json:"word"`
	StartTime  int64   `json:"start_time"`
	EndTime    int64   `json:"end_time"`
	Confidence float32 `json:"confidence,omitempty"`
}

// SpeechRecognitionAlternative is one hypothesis for a stretch of audio.
type SpeechRecognitionAlternative struct {
	Transcript string     `json:"transcript"`
	Confidence float32    `json:"confidence,omitempty"`
	Words      []WordInfo `json:"words,omitempty"`
}

// StreamingRecognitionResult carries hypotheses for a segment of the stream.
// Interim hypotheses are superseded by later messages; final ones never
// change once delivered.
type StreamingRecognitionResult struct {
	Alternatives   []SpeechRecognitionAlternative `json:"alternatives,omitempty"`
	IsFinal        bool                           `json:"is_final,omitempty"`
	Stability      float32                        `json:"stability,omitempty"`
	AudioProcessed float32                        `json:"audio_processed,omitempty"`
}

// StreamingRecognizeResponse is one frame of the server-to-client stream.
type StreamingRecognizeResponse struct {
	Results []StreamingRecognitionResult `json:"results,omitempty"`
}

// RecognizeRequest submits a complete utterance for offline recognition.
type RecognizeRequest struct {
	Config RecognitionConfig `json:"config"`
	Audio  []byte            `json:"audio"`
}

// SpeechRecognitionResult is a final hypothesis set for offline recognition.
type SpeechRecognitionResult struct {
	Alternatives   []SpeechRecognitionAlternative `json:"alternatives,omitempty"`
	ChannelTag     int                            `json:"channel_tag,omitempty"`
	AudioProcessed float32                        `json:"audio_processed,omitempty"`
}

// RecognizeResponse carries the results for a RecognizeRequest.
type RecognizeResponse struct {
	Results []SpeechRecognitionResult `json:"results,omitempty"`
}
