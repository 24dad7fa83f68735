package audio

import "time"

// Frame is one fixed-size block of mono PCM pulled from the capture device.
type Frame struct {
	Seq      int
	PCM      []int16
	Captured time.Time
}

// Duration reports the frame's audio length at the given sample rate.
func (f Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.PCM)) * time.Second / time.Duration(sampleRate)
}
