package capture

import (
	"sync"
	"time"

	"github.com/dahshury/WinSTT/internal/audio"
)

// ScriptedSource plays a fixed list of frames, for tests and dry runs. It
// mirrors MalgoSource's contract: frames stream after Start, the channel
// closes as the end-of-stream sentinel (on Stop, or right after the script
// when CloseAfterScript is set), and Stop is idempotent.
type ScriptedSource struct {
	Script           []audio.Frame
	Interval         time.Duration
	StartErr         error
	CloseAfterScript bool

	mu      sync.Mutex
	frames  chan audio.Frame
	done    chan struct{}
	started bool
	stopped bool
}

func (s *ScriptedSource) Start(_ string, _ int) error {
	if s.StartErr != nil {
		return s.StartErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.frames = make(chan audio.Frame, len(s.Script)+1)
	s.done = make(chan struct{})

	// The feeder owns the channel close so Stop never races a send.
	go func() {
		defer close(s.frames)
		for _, f := range s.Script {
			if s.Interval > 0 {
				select {
				case <-time.After(s.Interval):
				case <-s.done:
					return
				}
			}
			select {
			case s.frames <- f:
			case <-s.done:
				return
			}
		}
		if s.CloseAfterScript {
			return
		}
		<-s.done
	}()
	return nil
}

func (s *ScriptedSource) Frames() <-chan audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *ScriptedSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	return nil
}
