package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dahshury/WinSTT/internal/audio"
	"github.com/dahshury/WinSTT/internal/config"
	"github.com/dahshury/WinSTT/internal/modelstore"
)

// Status of the engine's single model slot.
type Status string

const (
	StatusUnloaded Status = "unloaded"
	StatusLoading  Status = "loading"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
)

// StatusInfo is a point-in-time snapshot for health and status queries.
type StatusInfo struct {
	Status Status `json:"status"`
	Model  string `json:"model,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusFunc observes engine state transitions. It runs under the engine
// lock and must not call back into the engine.
type StatusFunc func(info StatusInfo, desc modelstore.Descriptor)

// Resolver turns a descriptor into local assets; *modelstore.Store is the
// production implementation.
type Resolver interface {
	Resolve(ctx context.Context, desc modelstore.Descriptor) (modelstore.Assets, error)
}

// Engine owns the loaded model and serializes inference over it. A
// descriptor change triggers an in-place reload before the next inference;
// language and task changes reuse the loaded weights.
type Engine struct {
	cfg      config.EngineConfig
	resolver Resolver
	backend  Backend
	onStatus StatusFunc
	log      *slog.Logger

	mu       sync.Mutex
	status   Status
	loaded   modelstore.Descriptor
	hasModel bool
	lastErr  error
}

func New(cfg config.EngineConfig, resolver Resolver, backend Backend, onStatus StatusFunc, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		resolver: resolver,
		backend:  backend,
		onStatus: onStatus,
		log:      log.With("component", "engine"),
		status:   StatusUnloaded,
	}
}

// Status returns the current snapshot.
func (e *Engine) Status() StatusInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() StatusInfo {
	info := StatusInfo{Status: e.status}
	if e.hasModel || e.status == StatusLoading {
		info.Model = e.loaded.Key()
	}
	if e.lastErr != nil {
		info.Error = e.lastErr.Error()
	}
	return info
}

// Healthy reports whether a model is loaded and inference can proceed.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == StatusReady
}

// EnsureLoaded resolves and loads the descriptor unless its assets are
// already active. Meant for warm loads at startup; Transcribe calls it
// implicitly.
func (e *Engine) EnsureLoaded(ctx context.Context, desc modelstore.Descriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureLoadedLocked(ctx, desc)
}

func (e *Engine) ensureLoadedLocked(ctx context.Context, desc modelstore.Descriptor) error {
	if e.hasModel && e.status == StatusReady && e.loaded.Key() == desc.Key() {
		// Same weights; pick up new language/task for subsequent calls.
		e.loaded = desc
		return nil
	}

	e.setStatusLocked(StatusLoading, desc, nil)
	e.log.Info("loading model", "model", desc.Key())

	assets, err := e.resolver.Resolve(ctx, desc)
	if err != nil {
		e.setStatusLocked(StatusFailed, desc, err)
		return err
	}
	if err := e.backend.Load(ctx, assets); err != nil {
		wrapped := runtimeErr(fmt.Errorf("backend load: %w", err))
		e.setStatusLocked(StatusFailed, desc, wrapped)
		return wrapped
	}

	e.loaded = desc
	e.hasModel = true
	e.setStatusLocked(StatusReady, desc, nil)
	return nil
}

// Transcribe runs one inference over mono 16-bit PCM captured at
// sampleRate. Calls are serialized; the configured timeout, when nonzero,
// bounds the backend call.
func (e *Engine) Transcribe(ctx context.Context, desc modelstore.Descriptor, samples []int16, sampleRate int) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(samples) == 0 {
		return Result{}, invalidInputErr(errors.New("empty sample buffer"))
	}
	if sampleRate <= 0 {
		return Result{}, invalidInputErr(fmt.Errorf("invalid sample rate %d", sampleRate))
	}
	if err := e.ensureLoadedLocked(ctx, desc); err != nil {
		return Result{}, err
	}

	floats := audio.Int16ToFloat32(samples)
	floats, err := audio.Resample(floats, sampleRate, modelSampleRate)
	if err != nil {
		return Result{}, invalidInputErr(err)
	}

	runCtx := ctx
	if e.cfg.TranscribeTimeoutMS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.TranscribeTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	opts := Options{
		Language:  desc.Language,
		Translate: desc.Task == modelstore.TaskTranslate,
	}
	started := time.Now()
	result, err := e.backend.Transcribe(runCtx, floats, opts)
	if err != nil {
		var infErr *InferenceError
		if !errors.As(err, &infErr) {
			err = runtimeErr(err)
		}
		e.log.Warn("inference failed", "model", desc.Key(), "error", err.Error())
		return Result{}, err
	}
	if result.Elapsed == 0 {
		result.Elapsed = time.Since(started)
	}
	if result.Language == "" {
		result.Language = desc.Language
	}
	return result, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.backend.Close()
	e.hasModel = false
	e.status = StatusUnloaded
	return err
}

func (e *Engine) setStatusLocked(status Status, desc modelstore.Descriptor, err error) {
	e.status = status
	e.lastErr = err
	if status == StatusLoading || status == StatusFailed {
		e.loaded = desc
	}
	if e.onStatus != nil {
		e.onStatus(e.statusLocked(), desc)
	}
}
