package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dahshury/WinSTT/internal/config"
	"github.com/dahshury/WinSTT/internal/modelstore"
)

type fakeResolver struct {
	mu       sync.Mutex
	resolves int
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, desc modelstore.Descriptor) (modelstore.Assets, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return modelstore.Assets{}, f.err
	}
	f.resolves++
	return modelstore.Assets{
		Descriptor: desc,
		Format:     modelstore.FormatGGML,
		Primary:    "/tmp/fake/" + desc.Key() + ".bin",
	}, nil
}

func (f *fakeResolver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves
}

func testDescriptor(name string) modelstore.Descriptor {
	return modelstore.Descriptor{
		Name:         modelstore.ModelName(name),
		Quantization: modelstore.QuantQuantized,
		Language:     "en",
		Task:         modelstore.TaskTranscribe,
	}
}

func newTestEngine(cfg config.EngineConfig, resolver Resolver, backend Backend) *Engine {
	return New(cfg, resolver, backend, nil, slog.Default())
}

func samplesOf(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i % 1000)
	}
	return out
}

func TestTranscribeRejectsEmptyInput(t *testing.T) {
	eng := newTestEngine(config.EngineConfig{}, &fakeResolver{}, NewMockBackend())

	_, err := eng.Transcribe(context.Background(), testDescriptor("whisper-turbo"), nil, 16000)
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if infErr.Kind != ErrInvalidInput {
		t.Fatalf("expected invalid_input, got %s", infErr.Kind)
	}

	_, err = eng.Transcribe(context.Background(), testDescriptor("whisper-turbo"), samplesOf(1600), 0)
	if !errors.As(err, &infErr) || infErr.Kind != ErrInvalidInput {
		t.Fatalf("expected invalid_input for zero sample rate, got %v", err)
	}
}

func TestTranscribeLoadsLazilyOnce(t *testing.T) {
	resolver := &fakeResolver{}
	backend := NewMockBackend()
	eng := newTestEngine(config.EngineConfig{}, resolver, backend)
	desc := testDescriptor("whisper-turbo")

	for i := 0; i < 3; i++ {
		if _, err := eng.Transcribe(context.Background(), desc, samplesOf(16000), 16000); err != nil {
			t.Fatalf("Transcribe %d: %v", i, err)
		}
	}
	if backend.Loads() != 1 {
		t.Fatalf("expected one load for a stable descriptor, got %d", backend.Loads())
	}
	if resolver.count() != 1 {
		t.Fatalf("expected one resolve, got %d", resolver.count())
	}
	if eng.Status().Status != StatusReady {
		t.Fatalf("expected ready status, got %+v", eng.Status())
	}
}

func TestDescriptorSwitchReloadsBeforeInference(t *testing.T) {
	resolver := &fakeResolver{}
	backend := NewMockBackend()
	eng := newTestEngine(config.EngineConfig{}, resolver, backend)

	if _, err := eng.Transcribe(context.Background(), testDescriptor("whisper-turbo"), samplesOf(16000), 16000); err != nil {
		t.Fatalf("first Transcribe: %v", err)
	}
	if _, err := eng.Transcribe(context.Background(), testDescriptor("lite-whisper-turbo"), samplesOf(16000), 16000); err != nil {
		t.Fatalf("second Transcribe: %v", err)
	}
	if backend.Loads() != 2 {
		t.Fatalf("descriptor switch should reload, got %d loads", backend.Loads())
	}

	// Language-only changes reuse the loaded weights.
	desc := testDescriptor("lite-whisper-turbo")
	desc.Language = "de"
	if _, err := eng.Transcribe(context.Background(), desc, samplesOf(16000), 16000); err != nil {
		t.Fatalf("third Transcribe: %v", err)
	}
	if backend.Loads() != 2 {
		t.Fatalf("language change must not reload, got %d loads", backend.Loads())
	}
	if backend.LastOptions().Language != "de" {
		t.Fatalf("new language not passed through: %+v", backend.LastOptions())
	}
}

func TestTranscribeResamplesToModelRate(t *testing.T) {
	backend := NewMockBackend()
	eng := newTestEngine(config.EngineConfig{}, &fakeResolver{}, backend)

	// One second at 48kHz should reach the backend as one second at 16kHz.
	if _, err := eng.Transcribe(context.Background(), testDescriptor("whisper-turbo"), samplesOf(48000), 48000); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	got := backend.LastSampleCount()
	if got < 15900 || got > 16100 {
		t.Fatalf("expected ~16000 samples after resample, got %d", got)
	}
}

func TestTranscribeTimeoutIsRuntimeFailure(t *testing.T) {
	backend := NewMockBackend()
	backend.Delay = 500 * time.Millisecond
	eng := newTestEngine(config.EngineConfig{TranscribeTimeoutMS: 20}, &fakeResolver{}, backend)

	_, err := eng.Transcribe(context.Background(), testDescriptor("whisper-turbo"), samplesOf(16000), 16000)
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if infErr.Kind != ErrRuntime {
		t.Fatalf("expected runtime_failure on timeout, got %s", infErr.Kind)
	}
}

func TestResolutionFailurePropagatesTyped(t *testing.T) {
	resolver := &fakeResolver{err: &modelstore.ResolutionError{
		Kind: modelstore.ErrNetwork,
		File: "ggml-large-v3-turbo.bin",
		Err:  fmt.Errorf("connection refused"),
	}}
	eng := newTestEngine(config.EngineConfig{}, resolver, NewMockBackend())

	_, err := eng.Transcribe(context.Background(), testDescriptor("whisper-turbo"), samplesOf(16000), 16000)
	var resErr *modelstore.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError to pass through, got %v", err)
	}
	if resErr.Kind != modelstore.ErrNetwork {
		t.Fatalf("unexpected kind %s", resErr.Kind)
	}
	if eng.Status().Status != StatusFailed {
		t.Fatalf("expected failed status, got %+v", eng.Status())
	}
}

func TestStatusTransitionsAreObserved(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	onStatus := func(info StatusInfo, _ modelstore.Descriptor) {
		mu.Lock()
		seen = append(seen, info.Status)
		mu.Unlock()
	}
	eng := New(config.EngineConfig{}, &fakeResolver{}, NewMockBackend(), onStatus, slog.Default())

	if err := eng.EnsureLoaded(context.Background(), testDescriptor("whisper-turbo")); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StatusLoading || seen[1] != StatusReady {
		t.Fatalf("expected loading then ready, got %v", seen)
	}
}

func TestBackendErrorsAreWrappedAsRuntime(t *testing.T) {
	backend := NewMockBackend()
	backend.Err = errors.New("segfault in decoder")
	eng := newTestEngine(config.EngineConfig{}, &fakeResolver{}, backend)

	_, err := eng.Transcribe(context.Background(), testDescriptor("whisper-turbo"), samplesOf(16000), 16000)
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if infErr.Kind != ErrRuntime {
		t.Fatalf("expected runtime_failure, got %s", infErr.Kind)
	}
}
