package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dahshury/WinSTT/internal/modelstore"
)

// MockBackend is a scripted backend for tests and wiring checks. Zero value
// behavior: loads succeed instantly, transcripts echo the sample count.
type MockBackend struct {
	mu        sync.Mutex
	LoadErr   error
	Err       error
	Delay     time.Duration
	TextFunc  func(samples []float32, opts Options) string
	loads     int
	calls     int
	lastOpts  Options
	lastCount int
}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (m *MockBackend) Load(ctx context.Context, assets modelstore.Assets) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return m.LoadErr
	}
	m.loads++
	return nil
}

func (m *MockBackend) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	m.mu.Lock()
	delay := m.Delay
	scriptedErr := m.Err
	textFunc := m.TextFunc
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if scriptedErr != nil {
		return Result{}, scriptedErr
	}

	m.mu.Lock()
	m.calls++
	m.lastOpts = opts
	m.lastCount = len(samples)
	m.mu.Unlock()

	text := fmt.Sprintf("mock transcript of %d samples", len(samples))
	if textFunc != nil {
		text = textFunc(samples, opts)
	}
	return Result{Text: text, Language: opts.Language}, nil
}

func (m *MockBackend) Close() error { return nil }

func (m *MockBackend) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockBackend) LastOptions() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOpts
}

func (m *MockBackend) LastSampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCount
}
