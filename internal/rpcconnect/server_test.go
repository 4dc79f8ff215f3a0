package rpcconnect

import (
	"context"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"

	"github.com/chorushq/chorus/pkg/speech"
)

// 16kHz mono 16-bit PCM: 32000 bytes/sec, one scripted word per 10240 bytes.
func testStreamConfig() speech.StreamingRecognitionConfig {
	return speech.StreamingRecognitionConfig{
		Config: speech.RecognitionConfig{
			Encoding:              speech.EncodingLinearPCM,
			SampleRateHertz:       16000,
			AudioChannelCount:     1,
			LanguageCode:          "en-US",
			EnableWordTimeOffsets: true,
		},
		InterimResults: true,
	}
}

func TestRecognizerWordTimeline(t *testing.T) {
	rec := newRecognizer(testStreamConfig(), 0)

	chunk := make([]byte, 3200) // 100ms
	var partials []*speech.StreamingRecognizeResponse
	for i := 0; i < 10; i++ {
		partials = append(partials, rec.Feed(chunk)...)
	}

	// Every chunk refreshes the hypothesis; words land at 320ms boundaries so
	// chunks 4, 7 and 10 grow it and the first three carry an empty one.
	if len(partials) != 10 {
		t.Fatalf("got %d interim responses, want 10", len(partials))
	}
	if got := partials[0].Results[0].Alternatives[0].Transcript; got != "" {
		t.Errorf("hypothesis before the first word boundary = %q, want empty", got)
	}
	last := partials[len(partials)-1].Results[0]
	if last.IsFinal {
		t.Error("interim response marked final")
	}
	if got := last.Alternatives[0].Transcript; got != "the quick brown " {
		t.Errorf("interim transcript = %q", got)
	}

	final := rec.Flush()
	if final == nil || !final.Results[0].IsFinal {
		t.Fatal("flush did not produce a final result")
	}
	res := final.Results[0]
	if got := res.Alternatives[0].Transcript; got != "the quick brown " {
		t.Errorf("final transcript = %q", got)
	}
	words := res.Alternatives[0].Words
	if len(words) != 3 {
		t.Fatalf("got %d words, want 3", len(words))
	}
	if words[1].StartTime != 320 || words[1].EndTime != 640 {
		t.Errorf("word 1 offsets = [%d, %d], want [320, 640]", words[1].StartTime, words[1].EndTime)
	}
	if res.AudioProcessed != 1.0 {
		t.Errorf("audio processed = %v, want 1.0", res.AudioProcessed)
	}
}

func TestRecognizerFinalCadence(t *testing.T) {
	cfg := testStreamConfig()
	cfg.InterimResults = false
	rec := newRecognizer(cfg, 2)

	chunk := make([]byte, 3200)
	var finals []string
	for i := 0; i < 10; i++ {
		for _, resp := range rec.Feed(chunk) {
			res := resp.Results[0]
			if !res.IsFinal {
				t.Fatal("interim response with interim results disabled")
			}
			finals = append(finals, res.Alternatives[0].Transcript)
		}
	}
	if rec.Flush() != nil {
		t.Error("flush after all words sealed should be nil")
	}

	want := []string{"the ", "quick ", "brown "}
	if len(finals) != len(want) {
		t.Fatalf("got %d finals %v, want %d", len(finals), finals, len(want))
	}
	for i := range want {
		if finals[i] != want[i] {
			t.Errorf("final %d = %q, want %q", i, finals[i], want[i])
		}
	}
}

func TestRecognizerAlternatives(t *testing.T) {
	cfg := testStreamConfig()
	cfg.Config.MaxAlternatives = 3
	rec := newRecognizer(cfg, 0)

	resp := rec.Offline(make([]byte, 32000))
	alts := resp.Results[0].Alternatives
	if len(alts) != 3 {
		t.Fatalf("got %d alternatives, want 3", len(alts))
	}
	if alts[0].Transcript != "the quick brown " || alts[1].Transcript != "the quick " {
		t.Errorf("alternatives = %q, %q", alts[0].Transcript, alts[1].Transcript)
	}
	if alts[0].Confidence <= alts[1].Confidence {
		t.Error("top alternative should have the highest confidence")
	}
	if len(alts[0].Words) != 3 {
		t.Errorf("top alternative words = %d, want 3", len(alts[0].Words))
	}
	if alts[1].Words != nil {
		t.Error("word offsets should ride only on the top alternative")
	}
}

func TestRecognizerPunctuation(t *testing.T) {
	cfg := testStreamConfig()
	cfg.Config.EnableAutomaticPunctuation = true
	rec := newRecognizer(cfg, 0)

	resp := rec.Offline(make([]byte, 32000))
	if got := resp.Results[0].Alternatives[0].Transcript; got != "The quick brown. " {
		t.Errorf("punctuated transcript = %q", got)
	}
}

func TestRecognizerFlushWithoutWords(t *testing.T) {
	rec := newRecognizer(testStreamConfig(), 0)
	out := rec.Feed(make([]byte, 3200))
	if len(out) != 1 || out[0].Results[0].IsFinal {
		t.Fatalf("100ms of audio should yield one empty hypothesis, got %v", out)
	}
	if got := out[0].Results[0].Alternatives[0].Transcript; got != "" {
		t.Errorf("hypothesis transcript = %q, want empty", got)
	}
	final := rec.Flush()
	if final == nil || !final.Results[0].IsFinal {
		t.Fatal("short streams still get a closing final")
	}
	if got := final.Results[0].Alternatives[0].Transcript; got != "" {
		t.Errorf("empty-stream transcript = %q, want empty", got)
	}
}

func TestRecognizeUnary(t *testing.T) {
	_, handler, srv := NewHandler()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	client := connect.NewClient[speech.RecognizeRequest, speech.RecognizeResponse](
		ts.Client(),
		ts.URL+speech.ProcedureRecognize,
		connect.WithCodec(speech.Codec{}),
	)

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&speech.RecognizeRequest{
		Config: speech.RecognitionConfig{
			Encoding:          speech.EncodingLinearPCM,
			SampleRateHertz:   16000,
			AudioChannelCount: 1,
			LanguageCode:      "en-US",
		},
		Audio: make([]byte, 32000),
	}))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(resp.Msg.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(resp.Msg.Results))
	}
	res := resp.Msg.Results[0]
	if res.Alternatives[0].Transcript != "the quick brown " {
		t.Errorf("transcript = %q", res.Alternatives[0].Transcript)
	}
	if res.AudioProcessed != 1.0 {
		t.Errorf("audio processed = %v, want 1.0", res.AudioProcessed)
	}
	if srv.Stats().StreamsTotal != 0 {
		t.Errorf("unary call must not count as a stream")
	}
}

func TestRecognizeRejectsBadRequests(t *testing.T) {
	_, handler, _ := NewHandler()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	client := connect.NewClient[speech.RecognizeRequest, speech.RecognizeResponse](
		ts.Client(),
		ts.URL+speech.ProcedureRecognize,
		connect.WithCodec(speech.Codec{}),
	)

	_, err := client.CallUnary(context.Background(), connect.NewRequest(&speech.RecognizeRequest{
		Config: speech.RecognitionConfig{Encoding: "OPUS"},
		Audio:  []byte{1, 2},
	}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Fatalf("unsupported encoding: got %v, want invalid_argument", err)
	}

	_, err = client.CallUnary(context.Background(), connect.NewRequest(&speech.RecognizeRequest{
		Config: speech.RecognitionConfig{Encoding: speech.EncodingLinearPCM},
	}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Fatalf("missing audio: got %v, want invalid_argument", err)
	}
}
