package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mewkiz/flac"

	"github.com/chorushq/chorus/pkg/speech"
)

// DecodeFLAC decodes a FLAC stream to interleaved 16-bit PCM. Sources with
// other bit depths are rescaled.
func DecodeFLAC(r io.Reader) (*Clip, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, fmt.Errorf("open flac stream: %w", err)
	}
	info := stream.Info

	shift := int(info.BitsPerSample) - 16
	pcm := make([]byte, 0, int(info.NSamples)*int(info.NChannels)*2)
	var sample [2]byte
	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse flac frame: %w", err)
		}
		if len(frame.Subframes) == 0 {
			continue
		}
		n := len(frame.Subframes[0].Samples)
		for i := 0; i < n; i++ {
			for _, sf := range frame.Subframes {
				if i >= len(sf.Samples) {
					continue
				}
				s := sf.Samples[i]
				if shift > 0 {
					s >>= shift
				} else if shift < 0 {
					s <<= -shift
				}
				binary.LittleEndian.PutUint16(sample[:], uint16(int16(s)))
				pcm = append(pcm, sample[0], sample[1])
			}
		}
	}

	clip := &Clip{
		SampleRate:    int(info.SampleRate),
		Channels:      int(info.NChannels),
		BitsPerSample: 16,
		Encoding:      speech.EncodingLinearPCM,
		PCM:           pcm,
	}
	if err := clip.validate(); err != nil {
		return nil, err
	}
	return clip, nil
}
