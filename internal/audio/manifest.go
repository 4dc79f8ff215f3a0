package audio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// manifestSchema validates one JSON-lines manifest record.
const manifestSchema = `{
	"type": "object",
	"required": ["audio_filepath"],
	"properties": {
		"audio_filepath": {"type": "string", "minLength": 1},
		"text": {"type": "string"},
		"duration": {"type": "number", "minimum": 0},
		"offset": {"type": "number", "minimum": 0}
	}
}`

var audioExtensions = map[string]bool{
	".wav":  true,
	".flac": true,
}

// Discover resolves an input argument to audio file paths. The argument is a
// single audio file, a directory walked recursively, or a JSON-lines
// manifest. Paths come back sorted by file size, smallest first, which keeps
// stragglers off the tail of a parallel run.
func Discover(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}

	var paths []string
	switch {
	case info.IsDir():
		err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && audioExtensions[strings.ToLower(filepath.Ext(path))] {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", input, err)
		}
	case isManifest(input):
		paths, err = ParseManifest(input)
		if err != nil {
			return nil, err
		}
	default:
		paths = []string{input}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no audio files found under %s", input)
	}
	sortBySize(paths)
	return paths, nil
}

func isManifest(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".json" || ext == ".jsonl"
}

// ParseManifest reads a JSON-lines manifest and returns the referenced audio
// paths. Relative paths resolve against the manifest's directory. Each record
// is schema-checked so a malformed dataset fails loudly instead of skewing a
// run.
func ParseManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	schemaLoader := gojsonschema.NewStringLoader(manifestSchema)
	baseDir := filepath.Dir(path)

	var paths []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		res, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if !res.Valid() {
			var parts []string
			for _, item := range res.Errors() {
				parts = append(parts, item.String())
			}
			return nil, fmt.Errorf("%s:%d: invalid manifest record: %s", path, line, strings.Join(parts, "; "))
		}
		var rec struct {
			AudioFilepath string `json:"audio_filepath"`
		}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		p := rec.AudioFilepath
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		paths = append(paths, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return paths, nil
}

func sortBySize(paths []string) {
	sizes := make(map[string]int64, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			sizes[p] = info.Size()
		}
	}
	sort.SliceStable(paths, func(i, j int) bool { return sizes[paths[i]] < sizes[paths[j]] })
}

// LoadClips loads every path, skipping files that fail to decode. It errors
// only when nothing loads.
func LoadClips(paths []string) ([]*Clip, error) {
	clips := make([]*Clip, 0, len(paths))
	for _, p := range paths {
		clip, err := LoadClip(p)
		if err != nil {
			slog.Warn("skipping unreadable audio file", "path", p, "err", err)
			continue
		}
		clips = append(clips, clip)
	}
	if len(clips) == 0 {
		return nil, fmt.Errorf("no loadable audio files among %d inputs", len(paths))
	}
	return clips, nil
}
