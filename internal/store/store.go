package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

// RunMeta describes a run at start time.
type RunMeta struct {
	Server     string
	Transport  string
	ConfigJSON string // recognition and scheduler config snapshot
}

// RunSummary carries the counters recorded when a run finishes.
// LatencyJSON and ConfigJSON hold pre-encoded JSON; callers embed them as
// raw messages instead of re-marshaling.
type RunSummary struct {
	Sessions    int     `json:"sessions"`
	Failed      int     `json:"failed"`
	Requests    int     `json:"requests"`
	Responses   int     `json:"responses"`
	AudioMs     int64   `json:"audio_ms"`
	ElapsedMs   int64   `json:"elapsed_ms"`
	RTFX        float64 `json:"rtfx"`
	Reliable    bool    `json:"reliable"`
	LatencyJSON string  `json:"-"` // per-bucket percentile summaries
}

// Run is one recorded invocation of the client.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Server     string     `json:"server"`
	Transport  string     `json:"transport"`
	ConfigJSON string     `json:"-"`
	RunSummary
}

// TranscriptRecord is the per-session outcome stored with a run.
type TranscriptRecord struct {
	SessionID      uint32  `json:"session_id"`
	AudioPath      string  `json:"audio_filepath"`
	Text           string  `json:"text"`
	AudioProcessed float64 `json:"audio_processed,omitempty"`
	Failed         bool    `json:"failed,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Store is the run history data access layer.
type Store struct {
	db      *DB
	history *historyWriter
}

// NewStore creates a Store over an open DB. The caller keeps ownership of
// the DB and closes it after Close.
func NewStore(db *DB) *Store {
	return &Store{
		db:      db,
		history: newHistoryWriter(db.Write),
	}
}

// BeginRun inserts a new run row and returns it with a fresh id.
func (s *Store) BeginRun(meta RunMeta) (*Run, error) {
	run := &Run{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Server:     meta.Server,
		Transport:  meta.Transport,
		ConfigJSON: meta.ConfigJSON,
	}
	if run.ConfigJSON == "" {
		run.ConfigJSON = "{}"
	}
	_, err := s.db.Write.Exec(
		`INSERT INTO runs (id, started_at, server, transport, config_json) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.Format(time.RFC3339Nano), run.Server, run.Transport, run.ConfigJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RecordTranscript queues a per-session outcome for the run. Writes land in
// the background; call Flush or FinishRun before reading them back.
func (s *Store) RecordTranscript(runID string, rec TranscriptRecord) {
	s.history.record(runID, rec)
}

// FinishRun flushes pending transcripts and seals the run with its summary.
func (s *Store) FinishRun(id string, sum RunSummary) error {
	s.history.flush()

	res, err := s.db.Write.Exec(
		`UPDATE runs SET finished_at = ?, sessions = ?, failed = ?, requests = ?,
			responses = ?, audio_ms = ?, elapsed_ms = ?, rtfx = ?, reliable = ?, latency_json = ?
		 WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		sum.Sessions, sum.Failed, sum.Requests, sum.Responses,
		sum.AudioMs, sum.ElapsedMs, sum.RTFX, boolToInt(sum.Reliable), sum.LatencyJSON,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Read.Query(
		`SELECT id, started_at, finished_at, server, transport, config_json,
			sessions, failed, requests, responses, audio_ms, elapsed_ms, rtfx, reliable, latency_json
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	rows, err := s.db.Read.Query(
		`SELECT id, started_at, finished_at, server, transport, config_json,
			sessions, failed, requests, responses, audio_ms, elapsed_ms, rtfx, reliable, latency_json
		 FROM runs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRunNotFound
	}
	run, err := scanRun(rows)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RunTranscripts returns the per-session outcomes of a run in session order.
func (s *Store) RunTranscripts(runID string) ([]TranscriptRecord, error) {
	rows, err := s.db.Read.Query(
		`SELECT session_id, audio_path, text, audio_processed, failed, error
		 FROM transcripts WHERE run_id = ? ORDER BY session_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var recs []TranscriptRecord
	for rows.Next() {
		var rec TranscriptRecord
		var failed int
		if err := rows.Scan(&rec.SessionID, &rec.AudioPath, &rec.Text, &rec.AudioProcessed, &failed, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		rec.Failed = failed != 0
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Flush blocks until queued transcript writes have landed.
func (s *Store) Flush() {
	s.history.flush()
}

// Close stops the background history writer. The DB is closed separately.
func (s *Store) Close() {
	s.history.stop()
}

func scanRun(rows *sql.Rows) (Run, error) {
	var run Run
	var started string
	var finished sql.NullString
	var reliable int
	err := rows.Scan(
		&run.ID, &started, &finished, &run.Server, &run.Transport, &run.ConfigJSON,
		&run.Sessions, &run.Failed, &run.Requests, &run.Responses,
		&run.AudioMs, &run.ElapsedMs, &run.RTFX, &reliable, &run.LatencyJSON,
	)
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Reliable = reliable != 0
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, fmt.Errorf("parse started_at: %w", err)
	}
	if finished.Valid && finished.String != "" {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return Run{}, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
