package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/chorushq/chorus/pkg/speech"
)

// WAV format tags accepted by the decoder.
const (
	wavFormatPCM   = 1
	wavFormatALaw  = 6
	wavFormatMuLaw = 7
)

type riffHeader struct {
	ChunkID [4]byte
	Size    uint32
	Format  [4]byte
}

type fmtChunk struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// DecodeWAV parses a RIFF/WAVE stream. Unknown subchunks (LIST, fact, cue)
// are skipped; fmt must precede data.
func DecodeWAV(r io.Reader) (*Clip, error) {
	var hdr riffHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(hdr.ChunkID[:]) != "RIFF" || string(hdr.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("not a wav file")
	}

	var (
		fc      fmtChunk
		haveFmt bool
	)
	for {
		var id [4]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("wav has no data chunk")
			}
			return nil, fmt.Errorf("read chunk id: %w", err)
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("read chunk size: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", size)
			}
			if err := binary.Read(r, binary.LittleEndian, &fc); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if err := skipChunk(r, size-16); err != nil {
				return nil, err
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("wav data chunk before fmt")
			}
			enc, err := encodingFor(fc)
			if err != nil {
				return nil, err
			}
			pcm := make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return nil, fmt.Errorf("read %d audio bytes: %w", size, err)
			}
			clip := &Clip{
				SampleRate:    int(fc.SampleRate),
				Channels:      int(fc.NumChannels),
				BitsPerSample: int(fc.BitsPerSample),
				Encoding:      enc,
				PCM:           pcm,
			}
			if err := clip.validate(); err != nil {
				return nil, err
			}
			return clip, nil
		default:
			if err := skipChunk(r, size); err != nil {
				return nil, err
			}
		}
	}
}

// skipChunk discards a chunk body plus the RIFF word-alignment pad byte.
func skipChunk(r io.Reader, size uint32) error {
	n := int64(size)
	if size%2 == 1 {
		n++
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("skip chunk: %w", err)
	}
	return nil
}

func encodingFor(fc fmtChunk) (speech.AudioEncoding, error) {
	switch fc.AudioFormat {
	case wavFormatPCM:
		if fc.BitsPerSample != 16 {
			return "", fmt.Errorf("unsupported pcm bit depth %d, want 16", fc.BitsPerSample)
		}
		return speech.EncodingLinearPCM, nil
	case wavFormatALaw:
		return speech.EncodingALaw, nil
	case wavFormatMuLaw:
		return speech.EncodingMuLaw, nil
	}
	return "", fmt.Errorf("unsupported wav format tag %d", fc.AudioFormat)
}

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte WAV
// header. Used by the mock tooling and tests to synthesize fixtures.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const headerSize = 44
	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(pcm)))
	byteRate := sampleRate * channels * 2
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// LoadClip reads one audio file, sniffing the container from its magic.
func LoadClip(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<16)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var clip *Clip
	switch string(magic) {
	case "RIFF":
		clip, err = DecodeWAV(br)
	case "fLaC":
		clip, err = DecodeFLAC(br)
	default:
		return nil, fmt.Errorf("%s: unrecognized audio container", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	clip.Path = path
	return clip, nil
}
