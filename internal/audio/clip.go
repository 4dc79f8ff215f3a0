// Package audio loads recognition input: WAV and FLAC files, JSON-lines
// manifests, and live microphone capture.
package audio

import (
	"fmt"
	"time"

	"github.com/chorushq/chorus/pkg/speech"
)

// Clip is a fully loaded utterance. PCM holds the raw sample bytes with the
// container stripped; for LINEAR_PCM that is little-endian 16-bit interleaved.
type Clip struct {
	Path          string
	SampleRate    int
	Channels      int
	BitsPerSample int
	Encoding      speech.AudioEncoding
	PCM           []byte
}

// bytesPerSecond is the raw data rate of the clip.
func (c *Clip) bytesPerSecond() int {
	return c.SampleRate * c.Channels * c.BitsPerSample / 8
}

// Duration is the playing time of the clip.
func (c *Clip) Duration() time.Duration {
	bps := c.bytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(len(c.PCM)) * time.Second / time.Duration(bps)
}

// ChunkBytes is the transmit size for one chunk of the given duration,
// aligned down to a whole frame and never smaller than one frame.
func (c *Clip) ChunkBytes(d time.Duration) int {
	frame := c.Channels * c.BitsPerSample / 8
	if frame == 0 {
		frame = 1
	}
	n := int(int64(c.bytesPerSecond()) * int64(d) / int64(time.Second))
	n -= n % frame
	if n < frame {
		n = frame
	}
	return n
}

// Chunks splits the PCM into transmit chunks of the given duration. The
// slices alias the clip's buffer; the last chunk may be short.
func (c *Clip) Chunks(d time.Duration) [][]byte {
	size := c.ChunkBytes(d)
	chunks := make([][]byte, 0, len(c.PCM)/size+1)
	for off := 0; off < len(c.PCM); off += size {
		end := off + size
		if end > len(c.PCM) {
			end = len(c.PCM)
		}
		chunks = append(chunks, c.PCM[off:end])
	}
	return chunks
}

// BytesDuration converts a byte count of this clip's format to playing time.
func (c *Clip) BytesDuration(n int) time.Duration {
	bps := c.bytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

func (c *Clip) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%s: invalid sample rate %d", c.Path, c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("%s: invalid channel count %d", c.Path, c.Channels)
	}
	if len(c.PCM) == 0 {
		return fmt.Errorf("%s: no audio data", c.Path)
	}
	return nil
}
