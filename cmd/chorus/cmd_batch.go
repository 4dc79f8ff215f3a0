package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chorushq/chorus/internal/audio"
	"github.com/chorushq/chorus/internal/dispatch"
	"github.com/chorushq/chorus/internal/latency"
	"github.com/chorushq/chorus/internal/store"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Recognize audio files with unary calls",
	Long: `Send each input file as one whole-utterance recognition request.

Calls run concurrently up to --parallel; completions drain through a single
loop that aggregates latencies and failures. Unlike transcribe, audio is not
chunked or paced and no interim results are produced.`,
	SilenceUsage: true,
	RunE:         runBatch,
}

func init() {
	addRecognitionFlags(batchCmd)
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	if err := validateRecognitionFlags(); err != nil {
		return err
	}
	if inputPath == "" {
		return fmt.Errorf("--input is required")
	}

	cleanupTracing, err := initTracing("chorus-batch")
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

	paths, err := audio.Discover(inputPath)
	if err != nil {
		return fmt.Errorf("discover input: %w", err)
	}
	clips, err := audio.LoadClips(paths)
	if err != nil {
		return err
	}

	cfgJSON, err := json.Marshal(recognitionConfig())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	sink, err := openRunSink(string(cfgJSON))
	if err != nil {
		return err
	}
	defer sink.Close()

	rec := latency.NewRecorder()
	var totalAudio time.Duration
	d := dispatch.New(client.Recognize, numParallel, func(c dispatch.Completion) {
		sink.onCompletion(c)
		if c.Err != nil {
			slog.Warn("request failed", "id", c.ID, "file", c.Clip.Path, "err", c.Err)
			return
		}
		rec.Record(c.RTT, true)
		totalAudio += c.Clip.Duration()
	})

	slog.Info("batch started",
		"requests", len(clips)*numIterations,
		"max_parallel", numParallel)

	start := time.Now()
	drained := make(chan dispatch.Stats, 1)
	// The drain outlives an interrupt so in-flight calls still land.
	go func() { drained <- d.Drain(context.WithoutCancel(ctx)) }()

submit:
	for iter := 0; iter < numIterations; iter++ {
		for _, clip := range clips {
			cfg := recognitionConfig()
			cfg.Encoding = clip.Encoding
			cfg.SampleRateHertz = clip.SampleRate
			cfg.AudioChannelCount = clip.Channels
			if _, err := d.Submit(ctx, clip, cfg); err != nil {
				slog.Warn("submission interrupted", "err", err)
				break submit
			}
		}
	}
	d.DoneSending()
	stats := <-drained
	elapsed := time.Since(start)

	sink.finish(batchSummary(stats, elapsed, totalAudio, rec))
	printBatchSummary(stats, elapsed, totalAudio, rec)
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d requests failed", stats.Failed, stats.Requests)
	}
	return nil
}

func batchSummary(stats dispatch.Stats, elapsed, totalAudio time.Duration, rec *latency.Recorder) store.RunSummary {
	var rtfx float64
	if elapsed > 0 {
		rtfx = totalAudio.Seconds() / elapsed.Seconds()
	}
	return store.RunSummary{
		Sessions:    int(stats.Requests),
		Failed:      int(stats.Failed),
		Requests:    int(stats.Requests),
		Responses:   int(stats.Responses),
		AudioMs:     totalAudio.Milliseconds(),
		ElapsedMs:   elapsed.Milliseconds(),
		RTFX:        rtfx,
		Reliable:    true,
		LatencyJSON: latencyJSON(rec),
	}
}

func printBatchSummary(stats dispatch.Stats, elapsed, totalAudio time.Duration, rec *latency.Recorder) {
	fmt.Println()
	fmt.Println("Batch summary")
	fmt.Printf("  requests:    %d sent, %d completed (%d failed)\n", stats.Requests, stats.Responses, stats.Failed)
	fmt.Printf("  run time:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  total audio: %s\n", totalAudio.Round(time.Millisecond))
	if elapsed > 0 {
		fmt.Printf("  throughput:  %.2fx real time\n", totalAudio.Seconds()/elapsed.Seconds())
	}
	if stats.Failed > 0 {
		fmt.Println("  latency statistics suppressed: one or more requests failed")
		return
	}
	printLatencyTable(rec)
}
