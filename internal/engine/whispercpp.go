package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/dahshury/WinSTT/internal/config"
	"github.com/dahshury/WinSTT/internal/modelstore"
)

// whisperCPPBackend runs inference in-process through the whisper.cpp Go
// bindings. One model and one context live at a time; Load swaps them.
type whisperCPPBackend struct {
	threads int
	log     *slog.Logger

	mu    sync.Mutex
	model whisper.Model
	wctx  whisper.Context
}

func newWhisperCPPBackend(cfg config.EngineConfig, log *slog.Logger) *whisperCPPBackend {
	return &whisperCPPBackend{
		threads: cfg.Threads,
		log:     log.With("backend", "whispercpp"),
	}
}

func (b *whisperCPPBackend) Load(ctx context.Context, assets modelstore.Assets) error {
	if assets.Format != modelstore.FormatGGML {
		return fmt.Errorf("whispercpp backend needs ggml weights, got %s", assets.Format)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model != nil {
		if err := b.model.Close(); err != nil {
			b.log.Warn("closing previous model", "error", err.Error())
		}
		b.model, b.wctx = nil, nil
	}

	started := time.Now()
	model, err := whisper.New(assets.Primary)
	if err != nil {
		return fmt.Errorf("loading ggml model %s: %w", assets.Primary, err)
	}
	wctx, err := model.NewContext()
	if err != nil {
		model.Close()
		return fmt.Errorf("creating whisper context: %w", err)
	}
	if b.threads > 0 {
		wctx.SetThreads(uint(b.threads))
	}

	b.model, b.wctx = model, wctx
	b.log.Info("ggml model loaded",
		"model", assets.Descriptor.Key(),
		"elapsed_ms", time.Since(started).Milliseconds())
	return nil
}

func (b *whisperCPPBackend) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wctx == nil {
		return Result{}, runtimeErr(fmt.Errorf("no model loaded"))
	}
	// Process itself is not interruptible; honor cancellation at the boundary.
	if err := ctx.Err(); err != nil {
		return Result{}, runtimeErr(err)
	}

	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	if err := b.wctx.SetLanguage(lang); err != nil {
		return Result{}, invalidInputErr(fmt.Errorf("language %q: %w", lang, err))
	}
	b.wctx.SetTranslate(opts.Translate)

	started := time.Now()
	var segments []Segment
	err := b.wctx.Process(samples, nil, func(seg whisper.Segment) {
		segments = append(segments, Segment{
			StartMS: seg.Start.Milliseconds(),
			EndMS:   seg.End.Milliseconds(),
			Text:    strings.TrimSpace(seg.Text),
		})
	}, nil)
	if err != nil {
		return Result{}, runtimeErr(fmt.Errorf("whisper process: %w", err))
	}

	var sb strings.Builder
	for _, seg := range segments {
		if seg.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(seg.Text)
	}
	return Result{
		Text:     sb.String(),
		Language: lang,
		Segments: segments,
		Elapsed:  time.Since(started),
	}, nil
}

func (b *whisperCPPBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model == nil {
		return nil
	}
	err := b.model.Close()
	b.model, b.wctx = nil, nil
	return err
}
