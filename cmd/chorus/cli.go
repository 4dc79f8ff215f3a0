package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chorushq/chorus/internal/observability"
	"github.com/chorushq/chorus/pkg/speech"
)

// Recognition surface shared by transcribe and batch.
var (
	inputPath        string
	languageCode     string
	modelName        string
	maxAlternatives  int
	punctuation      bool
	wordOffsets      bool
	verbatim         bool
	boostedWords     []string
	boostScore       float64
	outputPath       string
	printTranscripts bool
	numParallel      int
	numIterations    int
)

func addRecognitionFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		f := cmd.Flags()
		f.StringVar(&inputPath, "input", "", "Audio input: WAV/FLAC file, directory, or JSONL manifest")
		f.StringVar(&languageCode, "language", "en-US", "Language code sent in the recognition config")
		f.StringVar(&modelName, "model", "", "Model name passed through to the service")
		f.IntVar(&maxAlternatives, "max-alternatives", 1, "Hypotheses requested per result (>= 1)")
		f.BoolVar(&punctuation, "punctuation", false, "Request automatic punctuation")
		f.BoolVar(&wordOffsets, "word-offsets", false, "Request per-word time offsets")
		f.BoolVar(&verbatim, "verbatim", false, "Request verbatim transcripts")
		f.StringSliceVar(&boostedWords, "boosted-words", nil, "Phrases boosted during recognition")
		f.Float64Var(&boostScore, "boost", 4, "Boost score applied to --boosted-words")
		f.StringVar(&outputPath, "output", "", "JSONL file receiving final transcripts")
		f.BoolVar(&printTranscripts, "print", false, "Print finished transcripts to stdout")
		f.IntVar(&numParallel, "parallel", 1, "Concurrent recognition sessions")
		f.IntVar(&numIterations, "iterations", 1, "Times the input list is repeated")
	}
}

func validateRecognitionFlags() error {
	if maxAlternatives < 1 {
		return fmt.Errorf("max-alternatives must be >= 1")
	}
	return nil
}

// recognitionConfig builds the config template from flags. Audio format
// fields are filled per clip before use.
func recognitionConfig() speech.RecognitionConfig {
	cfg := speech.RecognitionConfig{
		LanguageCode:               languageCode,
		MaxAlternatives:            maxAlternatives,
		EnableAutomaticPunctuation: punctuation,
		EnableWordTimeOffsets:      wordOffsets,
		VerbatimTranscripts:        verbatim,
		Model:                      modelName,
	}
	if len(boostedWords) > 0 {
		cfg.SpeechContexts = []speech.SpeechContext{{
			Phrases: boostedWords,
			Boost:   float32(boostScore),
		}}
	}
	return cfg
}

func newSpeechClient() (*speech.Client, error) {
	kind := speech.TransportKind(transportKind)
	switch kind {
	case speech.TransportConnect, speech.TransportWebsocket:
	default:
		return nil, fmt.Errorf("unsupported transport %q (use connect or ws)", transportKind)
	}
	return speech.New(serverAddr,
		speech.WithTransport(kind),
		speech.WithAuthToken(authToken),
	)
}

func initTracing(service string) (func(), error) {
	shutdown, err := observability.InitTracer(otelEnabled, service, otelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}, nil
}
