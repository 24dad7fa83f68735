package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/dahshury/WinSTT/internal/audio"
)

// frameChannelDepth bounds the frame queue between the miniaudio callback
// and the session pump (~4s at 64ms frames). The callback never blocks; it
// drops instead when the consumer stalls.
const frameChannelDepth = 64

// MalgoSource captures fixed-size frames from a miniaudio device.
type MalgoSource struct {
	frameSize int
	log       *slog.Logger

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	frames chan audio.Frame

	dataMu  sync.Mutex
	pending []int16
	seq     int

	emitted atomic.Int64
	dropped atomic.Int64
}

func NewMalgoSource(frameSize int, log *slog.Logger) *MalgoSource {
	return &MalgoSource{
		frameSize: frameSize,
		log:       log.With(slog.String("component", "capture")),
	}
}

// Start opens the device and begins delivering frames. An empty deviceID
// selects the system default input.
func (s *MalgoSource) Start(deviceID string, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return errors.New("capture already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return &DeviceUnavailableError{Device: deviceID, Err: err}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	if deviceID != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return &DeviceUnavailableError{Device: deviceID, Err: err}
		}
		found := false
		for _, info := range infos {
			if info.ID.String() == deviceID || info.Name() == deviceID {
				cfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			_ = mctx.Uninit()
			mctx.Free()
			return &DeviceUnavailableError{Device: deviceID, Err: errors.New("no matching capture device")}
		}
	}

	s.dataMu.Lock()
	s.pending = nil
	s.seq = 0
	s.dataMu.Unlock()
	s.emitted.Store(0)
	s.dropped.Store(0)
	s.frames = make(chan audio.Frame, frameChannelDepth)

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return &DeviceUnavailableError{Device: deviceID, Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return &DeviceUnavailableError{Device: deviceID, Err: err}
	}

	s.mctx = mctx
	s.device = device
	s.log.Debug("capture started",
		slog.String("device", deviceID),
		slog.Int("sample_rate", sampleRate),
		slog.Int("frame_size", s.frameSize))
	return nil
}

// Frames returns the frame channel for the current run. The channel closes
// as the end-of-stream sentinel after Stop.
func (s *MalgoSource) Frames() <-chan audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Stop releases the device and closes the frame channel. A trailing partial
// frame is padded with silence so the tail of speech is not clipped. Stop is
// idempotent.
func (s *MalgoSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return nil
	}

	if err := s.device.Stop(); err != nil {
		s.log.Warn("device stop failed", slog.String("error", err.Error()))
	}
	s.device.Uninit()
	if err := s.mctx.Uninit(); err != nil {
		s.log.Warn("audio context uninit failed", slog.String("error", err.Error()))
	}
	s.mctx.Free()
	s.device = nil
	s.mctx = nil

	// The device callback has ceased; flush the remainder and signal
	// end-of-stream.
	s.dataMu.Lock()
	if len(s.pending) > 0 {
		pcm := make([]int16, s.frameSize)
		copy(pcm, s.pending)
		select {
		case s.frames <- audio.Frame{Seq: s.seq, PCM: pcm, Captured: time.Now()}:
			s.seq++
			s.emitted.Add(1)
		default:
			s.dropped.Add(1)
		}
		s.pending = nil
	}
	s.dataMu.Unlock()
	close(s.frames)

	s.log.Debug("capture stopped",
		slog.Int64("frames_emitted", s.emitted.Load()),
		slog.Int64("frames_dropped", s.dropped.Load()))
	return nil
}

func (s *MalgoSource) Stats() Stats {
	return Stats{
		FramesEmitted: s.emitted.Load(),
		FramesDropped: s.dropped.Load(),
	}
}

func (s *MalgoSource) onData(_, in []byte, _ uint32) {
	samples, err := audio.BytesToInt16(in)
	if err != nil {
		s.dropped.Add(1)
		return
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.frameSize {
		pcm := make([]int16, s.frameSize)
		copy(pcm, s.pending[:s.frameSize])
		s.pending = s.pending[s.frameSize:]
		select {
		case s.frames <- audio.Frame{Seq: s.seq, PCM: pcm, Captured: time.Now()}:
			// Sequence advances only on delivery so the consumer sees a
			// contiguous stream even when frames are shed.
			s.seq++
			s.emitted.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// Devices enumerates the capture devices visible to miniaudio.
func Devices() ([]Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			ID:        info.ID.String(),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}
