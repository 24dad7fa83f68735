package capture

import (
	"fmt"

	"github.com/dahshury/WinSTT/internal/audio"
)

// Device describes one capture device for enumeration queries.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// DeviceUnavailableError reports that the input device could not be opened
// or does not support the requested configuration.
type DeviceUnavailableError struct {
	Device string
	Err    error
}

func (e *DeviceUnavailableError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("audio device unavailable: %v", e.Err)
	}
	return fmt.Sprintf("audio device %q unavailable: %v", e.Device, e.Err)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// Source yields fixed-size frames from an input device. A source serves one
// session at a time: Start acquires the device, the frames channel closes as
// the end-of-stream sentinel, and Stop is idempotent.
type Source interface {
	Start(deviceID string, sampleRate int) error
	Frames() <-chan audio.Frame
	Stop() error
}

// Stats is a snapshot of source activity since Start.
type Stats struct {
	FramesEmitted int64 `json:"frames_emitted"`
	FramesDropped int64 `json:"frames_dropped"`
}
