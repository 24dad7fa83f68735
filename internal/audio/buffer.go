package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrBufferMoved is returned when a buffer is used after its samples were
// handed off to a transcription job.
var ErrBufferMoved = errors.New("audio buffer already moved")

// Buffer accumulates the frames of one recording session in capture order.
// It has exactly one owner at a time: the active session appends, then
// ownership moves to the transcription job via Take. The samples are never
// copied on handoff.
type Buffer struct {
	sampleRate int
	frameSize  int
	samples    []int16
	frames     int
	nextSeq    int
	moved      bool
	firstAt    time.Time
	lastAt     time.Time
}

func NewBuffer(sampleRate, frameSize int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}
	return &Buffer{
		sampleRate: sampleRate,
		frameSize:  frameSize,
	}, nil
}

// Append adds the next frame. Frames must arrive in sequence order and
// carry exactly the configured frame size.
func (b *Buffer) Append(f Frame) error {
	if b.moved {
		return ErrBufferMoved
	}
	if f.Seq != b.nextSeq {
		return fmt.Errorf("out-of-order frame: got seq %d, want %d", f.Seq, b.nextSeq)
	}
	if len(f.PCM) != b.frameSize {
		return fmt.Errorf("frame size mismatch: got %d samples, want %d", len(f.PCM), b.frameSize)
	}
	b.samples = append(b.samples, f.PCM...)
	b.frames++
	b.nextSeq++
	if b.firstAt.IsZero() {
		b.firstAt = f.Captured
	}
	b.lastAt = f.Captured
	return nil
}

func (b *Buffer) SampleRate() int { return b.sampleRate }
func (b *Buffer) FrameSize() int  { return b.frameSize }
func (b *Buffer) Frames() int     { return b.frames }
func (b *Buffer) Empty() bool     { return b.frames == 0 }

// Duration is the accumulated audio length, derived from sample count so it
// does not depend on wall-clock capture cadence.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(len(b.samples)) * time.Second / time.Duration(b.sampleRate)
}

// Samples exposes the accumulated PCM for inspection. Callers must not
// mutate the returned slice.
func (b *Buffer) Samples() []int16 {
	if b.moved {
		return nil
	}
	return b.samples
}

// Take transfers ownership of the samples out of the buffer. The buffer is
// unusable afterwards; a second Take or a later Append fails with
// ErrBufferMoved.
func (b *Buffer) Take() ([]int16, error) {
	if b.moved {
		return nil, ErrBufferMoved
	}
	b.moved = true
	samples := b.samples
	b.samples = nil
	return samples, nil
}
