package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chorushq/chorus/internal/audio"
	"github.com/chorushq/chorus/internal/latency"
	"github.com/chorushq/chorus/internal/scheduler"
	"github.com/chorushq/chorus/internal/store"
	"github.com/chorushq/chorus/pkg/speech"
)

// micSampleRate is the capture rate requested from the device.
const micSampleRate = 16000

var (
	micCapture         bool
	micDevice          string
	interimResults     bool
	simulateRealtime   bool
	chunkMs            int
	numWorkers         int
	reconcileTolerance int
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Stream audio through recognition sessions",
	Long: `Stream audio files or live microphone input to the speech service.

File inputs run as concurrent streaming sessions: --parallel bounds how many
stream at once, --iterations repeats the input list, and --simulate-realtime
paces each stream at the audio clock. A latency and throughput summary is
printed once every session has finished; an interrupt stops admitting new
sessions and drains the ones in flight.

Microphone mode (--mic) drives a single live stream and prints hypotheses as
they arrive; stop it with ctrl-c.`,
	SilenceUsage: true,
	RunE:         runTranscribe,
}

func init() {
	f := transcribeCmd.Flags()
	f.BoolVar(&micCapture, "mic", false, "Stream from the microphone instead of files")
	f.StringVar(&micDevice, "device", "", "Capture device id from 'chorus devices' (with --mic)")
	f.BoolVar(&interimResults, "interim", false, "Request interim results")
	f.BoolVar(&simulateRealtime, "simulate-realtime", false, "Pace audio at its real-time rate")
	f.IntVar(&chunkMs, "chunk-ms", 100, "Audio chunk duration in milliseconds")
	f.IntVar(&numWorkers, "workers", 0, "Pool goroutines (0 = 4x parallel)")
	f.IntVar(&reconcileTolerance, "reconcile-tolerance", 1, "Surplus responses tolerated when pairing latencies (0 = strict)")
	addRecognitionFlags(transcribeCmd)
	rootCmd.AddCommand(transcribeCmd)
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	if err := validateRecognitionFlags(); err != nil {
		return err
	}
	switch {
	case micCapture && inputPath != "":
		return fmt.Errorf("--mic and --input are mutually exclusive")
	case !micCapture && inputPath == "":
		return fmt.Errorf("one of --input or --mic is required")
	case micDevice != "" && !micCapture:
		return fmt.Errorf("--device requires --mic")
	}

	cleanupTracing, err := initTracing("chorus-transcribe")
	if err != nil {
		return err
	}
	defer cleanupTracing()

	client, err := newSpeechClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		// A second interrupt falls through to the default handler.
		<-ctx.Done()
		stop()
	}()

	if err := client.WaitUntilReady(ctx); err != nil {
		return err
	}

	if micCapture {
		return transcribeMic(ctx, client)
	}
	return transcribeFiles(ctx, client)
}

func transcribeFiles(ctx context.Context, client *speech.Client) error {
	paths, err := audio.Discover(inputPath)
	if err != nil {
		return fmt.Errorf("discover input: %w", err)
	}
	clips, err := audio.LoadClips(paths)
	if err != nil {
		return err
	}

	streamCfg := speech.StreamingRecognitionConfig{
		Config:         recognitionConfig(),
		InterimResults: interimResults,
	}
	cfgJSON, err := json.Marshal(streamCfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	sink, err := openRunSink(string(cfgJSON))
	if err != nil {
		return err
	}
	defer sink.Close()

	// The scheduler treats a zero tolerance as unset; a flag value of 0
	// asks for strict pairing.
	tolerance := reconcileTolerance
	if tolerance == 0 {
		tolerance = -1
	}
	sched := scheduler.New(client, scheduler.Config{
		MaxParallel:        numParallel,
		Workers:            numWorkers,
		ChunkDuration:      time.Duration(chunkMs) * time.Millisecond,
		SimulateRealtime:   simulateRealtime,
		Iterations:         numIterations,
		ReconcileTolerance: tolerance,
		Recognition:        streamCfg,
	})
	sched.OnSession = sink.onSession

	result, err := sched.Run(ctx, clips)
	if err != nil {
		return err
	}
	sink.finish(streamingSummary(result))

	printStreamingSummary(result)
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d sessions failed", result.Failed, result.Sessions)
	}
	return nil
}

// transcribeMic drives one live stream straight off the capture device. An
// interrupt half-closes the stream; remaining finals drain before return.
func transcribeMic(ctx context.Context, client *speech.Client) error {
	src, err := audio.OpenCapture(micDevice, micSampleRate, time.Duration(chunkMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}

	var out *store.TranscriptWriter
	if outputPath != "" {
		out, err = store.NewTranscriptWriter(outputPath)
		if err != nil {
			src.Close()
			return fmt.Errorf("open output: %w", err)
		}
	}

	stream, err := client.StreamingRecognize(context.WithoutCancel(ctx))
	if err != nil {
		src.Close()
		return fmt.Errorf("open stream: %w", err)
	}

	cfg := speech.StreamingRecognitionConfig{
		Config:         recognitionConfig(),
		InterimResults: interimResults,
	}
	cfg.Config.Encoding = speech.EncodingLinearPCM
	cfg.Config.SampleRateHertz = src.SampleRate
	cfg.Config.AudioChannelCount = src.Channels
	if err := stream.Send(&speech.StreamingRecognizeRequest{StreamingConfig: &cfg}); err != nil {
		src.Close()
		return fmt.Errorf("send config: %w", err)
	}

	slog.Info("microphone open, ctrl-c stops", "sample_rate", src.SampleRate, "device", micDevice)

	recvErr := make(chan error, 1)
	go func() { recvErr <- printLive(stream, out) }()

send:
	for {
		select {
		case <-ctx.Done():
			break send
		case chunk, ok := <-src.Chunks():
			if !ok {
				break send
			}
			if err := stream.Send(&speech.StreamingRecognizeRequest{AudioContent: chunk}); err != nil {
				slog.Warn("send audio", "err", err)
				break send
			}
		}
	}

	src.Close()
	if err := stream.CloseSend(); err != nil {
		slog.Warn("close send", "err", err)
	}
	err = <-recvErr
	stream.Close()
	if out != nil {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// printLive renders hypotheses as the service produces them. Partials
// overwrite the current line with a carriage return; finals commit a line
// and, when an output file is set, a JSONL record.
func printLive(stream speech.RecognitionStream, out *store.TranscriptWriter) error {
	var lastLen int
	pad := func(n int) string {
		if n >= lastLen {
			return ""
		}
		return strings.Repeat(" ", lastLen-n)
	}
	for {
		resp, err := stream.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		for _, res := range resp.Results {
			if len(res.Alternatives) == 0 {
				continue
			}
			text := res.Alternatives[0].Transcript
			if res.IsFinal {
				fmt.Printf("## %s%s\n", text, pad(len(text)))
				lastLen = 0
				if out != nil {
					out.Write("microphone", text)
				}
			} else {
				fmt.Printf(">> %s%s\r", text, pad(len(text)))
				lastLen = len(text)
			}
		}
	}
}

// printStreamingSummary renders the end-of-run block. Latency tables are
// printed only for clean runs; a run with failures reports its counts and a
// suppression notice instead.
func printStreamingSummary(r *scheduler.RunResult) {
	fmt.Println()
	fmt.Println("Run summary")
	fmt.Printf("  sessions:    %d (%d failed)\n", r.Sessions, r.Failed)
	fmt.Printf("  requests:    %d sent, %d responses received\n", r.Requests, r.Responses)
	fmt.Printf("  run time:    %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Printf("  total audio: %s\n", r.TotalAudio.Round(time.Millisecond))
	fmt.Printf("  throughput:  %.2fx real time\n", r.RTFX())

	if r.Failed > 0 {
		fmt.Println("  latency statistics suppressed: one or more sessions failed")
		return
	}
	if !r.Latency.Reliable() {
		fmt.Println("  warning: send/receive counts did not reconcile; latency figures are unreliable")
	}
	printLatencyTable(r.Latency)
}

func printLatencyTable(rec *latency.Recorder) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  BUCKET\tCOUNT\tMEAN\tP50\tP90\tP95\tP99")
	for _, b := range []latency.Bucket{latency.BucketAll, latency.BucketInterim, latency.BucketFinal} {
		sum, ok := rec.Summary(b)
		if !ok {
			fmt.Fprintf(w, "  %s\tn/a\t\t\t\t\t\n", b)
			continue
		}
		fmt.Fprintf(w, "  %s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			b, sum.Count,
			sum.Mean.Round(time.Microsecond),
			sum.P50.Round(time.Microsecond),
			sum.P90.Round(time.Microsecond),
			sum.P95.Round(time.Microsecond),
			sum.P99.Round(time.Microsecond))
	}
	w.Flush()
}
