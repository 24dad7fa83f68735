package engine

import (
	"context"
	"time"

	"github.com/dahshury/WinSTT/internal/modelstore"
)

// modelSampleRate is the rate every backend consumes; the engine resamples
// whatever the capture device produced.
const modelSampleRate = 16000

// Segment is one timed span of recognized speech.
type Segment struct {
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Result captures one completed inference.
type Result struct {
	Text     string
	Language string
	Segments []Segment
	Elapsed  time.Duration
}

// Options carries per-call decoding parameters; the loaded weights do not
// change between calls that only vary these.
type Options struct {
	Language  string
	Translate bool
}

// Backend abstracts inference runtimes. Samples are mono float32 at 16kHz;
// the engine guarantees that before calling.
type Backend interface {
	Load(ctx context.Context, assets modelstore.Assets) error
	Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error)
	Close() error
}
