package store

import (
	"database/sql"
	"log/slog"
)

// historyOp is one transcript insert, or a flush sentinel when done is set.
type historyOp struct {
	runID string
	rec   TranscriptRecord
	done  chan struct{}
}

// historyWriter batches transcript inserts and executes them in the
// background so session retirement never waits on the database.
type historyWriter struct {
	db      *sql.DB
	pending chan historyOp
	quit    chan struct{}
	stopped chan struct{}
}

func newHistoryWriter(db *sql.DB) *historyWriter {
	hw := &historyWriter{
		db:      db,
		pending: make(chan historyOp, 1024),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go hw.loop()
	return hw
}

// record queues one insert. History is best-effort: when the queue is full
// the record is dropped rather than stalling the caller.
func (hw *historyWriter) record(runID string, rec TranscriptRecord) {
	select {
	case hw.pending <- historyOp{runID: runID, rec: rec}:
	default:
		slog.Debug("history writer: queue full, dropping transcript", "run", runID, "session", rec.SessionID)
	}
}

// flush blocks until all currently pending inserts have been executed.
func (hw *historyWriter) flush() {
	done := make(chan struct{})
	select {
	case hw.pending <- historyOp{done: done}:
		<-done
	case <-hw.stopped:
	}
}

// stop drains pending inserts, writes them, and returns.
func (hw *historyWriter) stop() {
	close(hw.quit)
	<-hw.stopped
}

func (hw *historyWriter) loop() {
	defer close(hw.stopped)

	batch := make([]historyOp, 0, 128)
	for {
		select {
		case op := <-hw.pending:
			batch = append(batch, op)
		case <-hw.quit:
			hw.drain(&batch)
			hw.writeBatch(batch)
			return
		}

		// Non-blocking drain so bursts land in one transaction.
		for len(batch) < 128 {
			select {
			case op := <-hw.pending:
				batch = append(batch, op)
			default:
				goto write
			}
		}

	write:
		hw.writeBatch(batch)
		batch = batch[:0]
	}
}

func (hw *historyWriter) drain(batch *[]historyOp) {
	for {
		select {
		case op := <-hw.pending:
			*batch = append(*batch, op)
		default:
			return
		}
	}
}

func (hw *historyWriter) writeBatch(batch []historyOp) {
	if len(batch) == 0 {
		return
	}

	var inserts []historyOp
	var flushSignals []chan struct{}
	for _, op := range batch {
		if op.done != nil {
			flushSignals = append(flushSignals, op.done)
		} else {
			inserts = append(inserts, op)
		}
	}

	if len(inserts) > 0 {
		tx, err := hw.db.Begin()
		if err != nil {
			slog.Error("history writer: begin tx", "error", err)
		} else {
			stmt, err := tx.Prepare(
				`INSERT INTO transcripts (run_id, session_id, audio_path, text, audio_processed, failed, error)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				slog.Error("history writer: prepare", "error", err)
				tx.Rollback()
			} else {
				for _, op := range inserts {
					_, err := stmt.Exec(
						op.runID, op.rec.SessionID, op.rec.AudioPath, op.rec.Text,
						op.rec.AudioProcessed, boolToInt(op.rec.Failed), op.rec.Error,
					)
					if err != nil {
						slog.Debug("history writer: insert", "error", err, "run", op.runID)
					}
				}
				stmt.Close()
				if err := tx.Commit(); err != nil {
					slog.Error("history writer: commit", "error", err)
				}
			}
		}
	}

	for _, ch := range flushSignals {
		close(ch)
	}
}
