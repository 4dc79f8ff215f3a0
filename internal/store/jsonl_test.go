package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readLines(t *testing.T, path string) []TranscriptLine {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var lines []TranscriptLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line TranscriptLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad JSONL line %q: %v", sc.Text(), err)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return lines
}

func TestTranscriptWriterWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := NewTranscriptWriter(path)
	if err != nil {
		t.Fatalf("NewTranscriptWriter: %v", err)
	}

	w.Write("clips/a.wav", "the quick brown ")
	w.Write("clips/b.wav", "")
	w.Flush()

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].AudioFilepath != "clips/a.wav" || lines[0].Text != "the quick brown " {
		t.Errorf("line 0 = %+v", lines[0])
	}
	// Sessions without finals still get a line with empty text.
	if lines[1].AudioFilepath != "clips/b.wav" || lines[1].Text != "" {
		t.Errorf("line 1 = %+v", lines[1])
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestTranscriptWriterFieldNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := NewTranscriptWriter(path)
	if err != nil {
		t.Fatalf("NewTranscriptWriter: %v", err)
	}
	w.Write("a.wav", "hi ")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["audio_filepath"]; !ok {
		t.Error("missing audio_filepath key")
	}
	if _, ok := m["text"]; !ok {
		t.Error("missing text key")
	}
}

func TestTranscriptWriterCloseDrains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := NewTranscriptWriter(path)
	if err != nil {
		t.Fatalf("NewTranscriptWriter: %v", err)
	}

	for i := 0; i < 1000; i++ {
		w.Write("clip.wav", "text ")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if lines := readLines(t, path); len(lines) != 1000 {
		t.Fatalf("got %d lines after close, want 1000", len(lines))
	}
}

func TestTranscriptWriterTruncatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	if err := os.WriteFile(path, []byte("stale content\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	w, err := NewTranscriptWriter(path)
	if err != nil {
		t.Fatalf("NewTranscriptWriter: %v", err)
	}
	w.Write("a.wav", "fresh ")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 1 || lines[0].Text != "fresh " {
		t.Fatalf("lines = %+v", lines)
	}
}
