package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chorushq/chorus/internal/dispatch"
	"github.com/chorushq/chorus/internal/latency"
	"github.com/chorushq/chorus/internal/scheduler"
	"github.com/chorushq/chorus/internal/session"
	"github.com/chorushq/chorus/internal/store"
	"github.com/chorushq/chorus/pkg/speech"
)

// runSink fans finished sessions out to the destinations selected by flags:
// stdout when --print is set, the --output JSONL file, and the --history-db
// run record. Callbacks arrive from worker goroutines, so the sink
// synchronizes. A sink with no destinations is valid and just discards.
type runSink struct {
	mu      sync.Mutex
	out     *store.TranscriptWriter
	db      *store.DB
	history *store.Store
	run     *store.Run
}

func openRunSink(configJSON string) (*runSink, error) {
	sink := &runSink{}
	if outputPath != "" {
		w, err := store.NewTranscriptWriter(outputPath)
		if err != nil {
			return nil, fmt.Errorf("open output: %w", err)
		}
		sink.out = w
	}
	if historyDB != "" {
		db, err := store.Open(historyDB)
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("open history db: %w", err)
		}
		sink.db = db
		sink.history = store.NewStore(db)
		run, err := sink.history.BeginRun(store.RunMeta{
			Server:     serverAddr,
			Transport:  transportKind,
			ConfigJSON: configJSON,
		})
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("begin history run: %w", err)
		}
		sink.run = run
		slog.Info("recording run history", "db", historyDB, "run_id", run.ID)
	}
	return sink, nil
}

// onSession consumes one retired streaming session.
func (k *runSink) onSession(sess *session.Session) {
	k.mu.Lock()
	defer k.mu.Unlock()

	text := sess.Transcript.Text()
	if printTranscripts {
		if sess.Failed() {
			fmt.Printf("%d\t%s\tfailed: %v\n", sess.ID, sess.Clip.Path, sess.Err())
		} else {
			fmt.Printf("%d\t%s\t%s\n", sess.ID, sess.Clip.Path, text)
		}
	}
	if k.out != nil && !sess.Failed() {
		k.out.Write(sess.Clip.Path, text)
	}
	if k.history != nil {
		rec := store.TranscriptRecord{
			SessionID:      sess.ID,
			AudioPath:      sess.Clip.Path,
			Text:           text,
			AudioProcessed: float64(sess.Transcript.AudioProcessed),
			Failed:         sess.Failed(),
		}
		if err := sess.Err(); err != nil {
			rec.Error = err.Error()
		}
		k.history.RecordTranscript(k.run.ID, rec)
	}
}

// onCompletion consumes one finished unary call.
func (k *runSink) onCompletion(c dispatch.Completion) {
	k.mu.Lock()
	defer k.mu.Unlock()

	text := responseText(c.Response)
	if printTranscripts {
		if c.Err != nil {
			fmt.Printf("%d\t%s\tfailed: %v\n", c.ID, c.Clip.Path, c.Err)
		} else {
			fmt.Printf("%d\t%s\t%s\n", c.ID, c.Clip.Path, text)
		}
	}
	if k.out != nil && c.Err == nil {
		k.out.Write(c.Clip.Path, text)
	}
	if k.history != nil {
		rec := store.TranscriptRecord{
			SessionID:      c.ID,
			AudioPath:      c.Clip.Path,
			Text:           text,
			AudioProcessed: responseAudioProcessed(c.Response),
			Failed:         c.Err != nil,
		}
		if c.Err != nil {
			rec.Error = c.Err.Error()
		}
		k.history.RecordTranscript(k.run.ID, rec)
	}
}

// finish seals the history run. A no-op when history is disabled.
func (k *runSink) finish(sum store.RunSummary) {
	if k.history == nil {
		return
	}
	if err := k.history.FinishRun(k.run.ID, sum); err != nil {
		slog.Warn("finish history run", "run_id", k.run.ID, "err", err)
	}
}

func (k *runSink) Close() {
	if k.out != nil {
		if err := k.out.Close(); err != nil {
			slog.Warn("close output file", "path", outputPath, "err", err)
		}
	}
	if k.history != nil {
		k.history.Close()
	}
	if k.db != nil {
		if err := k.db.Close(); err != nil {
			slog.Warn("close history db", "err", err)
		}
	}
}

func responseText(resp *speech.RecognizeResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, res := range resp.Results {
		if len(res.Alternatives) > 0 {
			sb.WriteString(res.Alternatives[0].Transcript)
		}
	}
	return sb.String()
}

func responseAudioProcessed(resp *speech.RecognizeResponse) float64 {
	if resp == nil {
		return 0
	}
	var most float32
	for _, res := range resp.Results {
		if res.AudioProcessed > most {
			most = res.AudioProcessed
		}
	}
	return float64(most)
}

// streamingSummary converts a run result into the stored summary row.
func streamingSummary(r *scheduler.RunResult) store.RunSummary {
	return store.RunSummary{
		Sessions:    r.Sessions,
		Failed:      r.Failed,
		Requests:    int(r.Requests),
		Responses:   int(r.Responses),
		AudioMs:     r.TotalAudio.Milliseconds(),
		ElapsedMs:   r.Elapsed.Milliseconds(),
		RTFX:        r.RTFX(),
		Reliable:    r.Latency.Reliable(),
		LatencyJSON: latencyJSON(r.Latency),
	}
}

// latencyJSON renders the recorder's bucket summaries for storage.
func latencyJSON(rec *latency.Recorder) string {
	type bucketRow struct {
		Count  int   `json:"count"`
		MeanUs int64 `json:"mean_us"`
		P50Us  int64 `json:"p50_us"`
		P90Us  int64 `json:"p90_us"`
		P95Us  int64 `json:"p95_us"`
		P99Us  int64 `json:"p99_us"`
	}
	rows := make(map[string]bucketRow, 3)
	for _, b := range []latency.Bucket{latency.BucketAll, latency.BucketInterim, latency.BucketFinal} {
		sum, ok := rec.Summary(b)
		if !ok {
			continue
		}
		rows[b.String()] = bucketRow{
			Count:  sum.Count,
			MeanUs: sum.Mean.Microseconds(),
			P50Us:  sum.P50.Microseconds(),
			P90Us:  sum.P90.Microseconds(),
			P95Us:  sum.P95.Microseconds(),
			P99Us:  sum.P99.Microseconds(),
		}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "{}"
	}
	return string(data)
}
