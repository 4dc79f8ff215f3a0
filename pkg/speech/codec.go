package speech

import "encoding/json"

// Connect procedure paths for the speech service.
const (
	ProcedureStreamingRecognize = "/speech.v1.SpeechService/StreamingRecognize"
	ProcedureRecognize          = "/speech.v1.SpeechService/Recognize"
)

// Codec is a plain JSON Connect codec. The wire protocol is defined by the
// structs in this package rather than generated proto types, so the default
// proto codecs do not apply; both the client and the handlers register this
// one under the standard "json" name.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(msg any) ([]byte, error) { return json.Marshal(msg) }

func (Codec) Unmarshal(data []byte, msg any) error { return json.Unmarshal(data, msg) }
