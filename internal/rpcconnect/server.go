package rpcconnect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"

	"github.com/chorushq/chorus/pkg/speech"
)

// ServiceConfig controls the scripted recognizer and its fault injection.
type ServiceConfig struct {
	FinalEvery     int           // Emit a final result every N audio chunks; 0 = only at half-close
	FailNth        int           // Abort every Nth stream after its first chunk; 0 = never
	Delay          time.Duration // Added before every response send
	MaxOpenStreams int           // Max concurrently open recognition streams (default 256)
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxOpenStreams <= 0 {
		c.MaxOpenStreams = 256
	}
	return c
}

// ServiceStats exposes recognition stream counters for the debug endpoint.
type ServiceStats struct {
	OpenStreams    int64  `json:"open_streams"`
	MaxOpenStreams int    `json:"max_open_streams"`
	// StreamsTotal counts admitted streams; rejects never increment it, so
	// the FailNth cadence runs over admissions only.
	StreamsTotal uint64 `json:"streams_total"`
	ChunksTotal    uint64 `json:"chunks_total"`
	FaultsTotal    uint64 `json:"faults_total"`
}

// Server implements the Connect SpeechService API with scripted results.
type Server struct {
	cfg          ServiceConfig
	openCount    atomic.Int64
	streamsTotal atomic.Uint64
	chunksTotal  atomic.Uint64
	faultsTotal  atomic.Uint64
}

// Stats returns a snapshot of recognition stream counters.
func (s *Server) Stats() ServiceStats {
	return ServiceStats{
		OpenStreams:    s.openCount.Load(),
		MaxOpenStreams: s.cfg.MaxOpenStreams,
		StreamsTotal:   s.streamsTotal.Load(),
		ChunksTotal:    s.chunksTotal.Load(),
		FaultsTotal:    s.faultsTotal.Load(),
	}
}

// NewHandler creates a Connect HTTP handler for the speech service RPCs. The
// returned path is the service prefix the handler must be mounted under.
func NewHandler(opts ...func(*Server)) (string, http.Handler, *Server) {
	srv := &Server{}
	for _, o := range opts {
		o(srv)
	}
	srv.cfg = srv.cfg.withDefaults()

	mux := http.NewServeMux()
	mux.Handle(speech.ProcedureStreamingRecognize, connect.NewBidiStreamHandler(
		speech.ProcedureStreamingRecognize,
		srv.StreamingRecognize,
		connect.WithCodec(speech.Codec{}),
	))
	mux.Handle(speech.ProcedureRecognize, connect.NewUnaryHandler(
		speech.ProcedureRecognize,
		srv.Recognize,
		connect.WithCodec(speech.Codec{}),
	))
	return "/speech.v1.SpeechService/", mux, srv
}

// WithServiceConfig sets the recognizer and fault injection config.
func WithServiceConfig(cfg ServiceConfig) func(*Server) {
	return func(s *Server) { s.cfg = cfg }
}

func validateConfig(cfg speech.RecognitionConfig) error {
	switch cfg.Encoding {
	case speech.EncodingUnspecified, speech.EncodingLinearPCM, speech.EncodingFLAC,
		speech.EncodingMuLaw, speech.EncodingALaw:
	default:
		return fmt.Errorf("unsupported encoding %q", cfg.Encoding)
	}
	if cfg.SampleRateHertz < 0 {
		return fmt.Errorf("sample_rate_hertz must not be negative")
	}
	if cfg.MaxAlternatives < 0 || cfg.MaxAlternatives > 32 {
		return fmt.Errorf("max_alternatives out of range")
	}
	return nil
}

func (s *Server) StreamingRecognize(ctx context.Context, stream *connect.BidiStream[speech.StreamingRecognizeRequest, speech.StreamingRecognizeResponse]) error {
	if open := s.openCount.Add(1); open > int64(s.cfg.MaxOpenStreams) {
		s.openCount.Add(-1)
		return connect.NewError(connect.CodeResourceExhausted, fmt.Errorf("too many open recognition streams"))
	}
	defer s.openCount.Add(-1)
	n := s.streamsTotal.Add(1)

	// The first frame must carry the streaming config, never audio.
	first, err := stream.Receive()
	if err != nil {
		// Connect surfaces the client's half-close as a wrapped io.EOF.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return connect.NewError(connect.CodeUnknown, fmt.Errorf("streaming recognize receive: %w", err))
	}
	if first.StreamingConfig == nil {
		return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("first request must carry streaming_config"))
	}
	if err := validateConfig(first.StreamingConfig.Config); err != nil {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}

	failStream := s.cfg.FailNth > 0 && n%uint64(s.cfg.FailNth) == 0
	rec := newRecognizer(*first.StreamingConfig, s.cfg.FinalEvery)

	var chunks int
	for {
		req, err := stream.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return connect.NewError(connect.CodeUnknown, fmt.Errorf("streaming recognize receive: %w", err))
		}
		if req.StreamingConfig != nil {
			return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("streaming_config is only valid in the first request"))
		}
		chunks++
		s.chunksTotal.Add(1)
		if failStream && chunks == 1 {
			s.faultsTotal.Add(1)
			return connect.NewError(connect.CodeUnavailable, fmt.Errorf("injected stream failure"))
		}
		for _, resp := range rec.Feed(req.AudioContent) {
			if err := s.send(ctx, stream, resp); err != nil {
				return err
			}
		}
	}
	return s.send(ctx, stream, rec.Flush())
}

func (s *Server) send(ctx context.Context, stream *connect.BidiStream[speech.StreamingRecognizeRequest, speech.StreamingRecognizeResponse], resp *speech.StreamingRecognizeResponse) error {
	if resp == nil {
		return nil
	}
	if s.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Delay):
		}
	}
	return stream.Send(resp)
}

func (s *Server) Recognize(ctx context.Context, req *connect.Request[speech.RecognizeRequest]) (*connect.Response[speech.RecognizeResponse], error) {
	if err := validateConfig(req.Msg.Config); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if len(req.Msg.Audio) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("audio is required"))
	}
	if s.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.Delay):
		}
	}
	rec := newRecognizer(speech.StreamingRecognitionConfig{Config: req.Msg.Config}, 0)
	return connect.NewResponse(rec.Offline(req.Msg.Audio)), nil
}
