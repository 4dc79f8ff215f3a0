package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// TranscriptLine is one output record in the manifest format consumed by
// downstream tooling.
type TranscriptLine struct {
	AudioFilepath string `json:"audio_filepath"`
	Text          string `json:"text"`
}

// jsonlOp carries one line, or acts as a flush sentinel when done is set.
type jsonlOp struct {
	line TranscriptLine
	done chan struct{}
}

// TranscriptWriter appends transcript lines to a JSONL file from a
// background goroutine. Unlike history inserts, output lines are never
// dropped: Write blocks when the queue is full.
type TranscriptWriter struct {
	f       *os.File
	bw      *bufio.Writer
	enc     *json.Encoder
	pending chan jsonlOp
	quit    chan struct{}
	stopped chan struct{}

	mu  sync.Mutex
	err error
}

// NewTranscriptWriter creates the file (truncating any previous content) and
// starts the writer goroutine.
func NewTranscriptWriter(path string) (*TranscriptWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	w := &TranscriptWriter{
		f:       f,
		bw:      bufio.NewWriter(f),
		pending: make(chan jsonlOp, 256),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	w.enc = json.NewEncoder(w.bw)
	go w.loop()
	return w, nil
}

// Write queues one line. It blocks when the queue is full and must not be
// called after Close.
func (w *TranscriptWriter) Write(audioPath, text string) {
	w.pending <- jsonlOp{line: TranscriptLine{AudioFilepath: audioPath, Text: text}}
}

// Flush blocks until all queued lines are on disk.
func (w *TranscriptWriter) Flush() {
	done := make(chan struct{})
	select {
	case w.pending <- jsonlOp{done: done}:
		<-done
	case <-w.stopped:
	}
}

// Close drains queued lines, flushes the file, and closes it. It returns the
// first write error encountered, if any.
func (w *TranscriptWriter) Close() error {
	close(w.quit)
	<-w.stopped

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil && w.err == nil {
		w.err = err
	}
	if err := w.f.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}

func (w *TranscriptWriter) loop() {
	defer close(w.stopped)

	for {
		select {
		case op := <-w.pending:
			w.handle(op)
		case <-w.quit:
			for {
				select {
				case op := <-w.pending:
					w.handle(op)
				default:
					return
				}
			}
		}
	}
}

func (w *TranscriptWriter) handle(op jsonlOp) {
	if op.done != nil {
		w.mu.Lock()
		if err := w.bw.Flush(); err != nil && w.err == nil {
			w.err = err
		}
		w.mu.Unlock()
		close(op.done)
		return
	}
	w.mu.Lock()
	if err := w.enc.Encode(op.line); err != nil && w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}
