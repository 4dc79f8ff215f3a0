package audio

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/gen2brain/malgo"
)

// DeviceInfo identifies an audio capture device.
type DeviceInfo struct {
	ID   string
	Name string
}

// CaptureDevices lists the system's capture devices.
func CaptureDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		ctx.Uninit()
		ctx.Free()
	}()

	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceInfo{
			ID:   hex.EncodeToString(d.ID[:]),
			Name: d.Name(),
		})
	}
	return out, nil
}

// CaptureSource streams microphone audio as fixed-duration 16-bit PCM
// chunks. The capture callback must never block, so chunks are buffered and
// dropped with a warning when the consumer falls behind.
type CaptureSource struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	SampleRate int
	Channels   int

	chunkBytes int
	buf        []byte
	chunks     chan []byte
	dropped    int
}

// OpenCapture starts capturing from the named device (empty for the system
// default) and begins delivering chunks of the given duration.
func OpenCapture(deviceID string, sampleRate int, chunk time.Duration) (*CaptureSource, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	const channels = 1
	s := &CaptureSource{
		ctx:        mctx,
		SampleRate: sampleRate,
		Channels:   channels,
		chunkBytes: int(int64(sampleRate*channels*2) * int64(chunk) / int64(time.Second)),
		chunks:     make(chan []byte, 64),
	}
	if s.chunkBytes < 2 {
		s.chunkBytes = 2
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.SampleRate = uint32(sampleRate)
	if deviceID != "" {
		idBytes, err := hex.DecodeString(deviceID)
		if err != nil {
			mctx.Uninit()
			mctx.Free()
			return nil, fmt.Errorf("invalid device id: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			s.push(data)
		},
	}
	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	s.device = device
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start capture: %w", err)
	}
	return s, nil
}

// push runs on the capture callback thread.
func (s *CaptureSource) push(data []byte) {
	s.buf = append(s.buf, data...)
	for len(s.buf) >= s.chunkBytes {
		chunk := make([]byte, s.chunkBytes)
		copy(chunk, s.buf[:s.chunkBytes])
		s.buf = s.buf[s.chunkBytes:]
		select {
		case s.chunks <- chunk:
		default:
			s.dropped++
			if s.dropped == 1 || s.dropped%100 == 0 {
				slog.Warn("capture overflow, dropping audio", "dropped", s.dropped)
			}
		}
	}
}

// Chunks delivers captured audio. The channel closes after Close.
func (s *CaptureSource) Chunks() <-chan []byte { return s.chunks }

// Close stops capture and releases the device.
func (s *CaptureSource) Close() {
	if s.device != nil {
		s.device.Stop()
		s.device.Uninit()
	}
	s.ctx.Uninit()
	s.ctx.Free()
	close(s.chunks)
}
