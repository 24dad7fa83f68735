package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/dahshury/WinSTT/internal/audio"
	"github.com/dahshury/WinSTT/internal/config"
	"github.com/dahshury/WinSTT/internal/modelstore"
)

// execBackend shells out to an external recognizer, typically a Python
// runner over the ONNX export. The command receives --model, --language,
// optionally --translate and --threads, then --audio <wav>, and must print
// a JSON payload on stdout.
type execBackend struct {
	argv    []string
	threads int
	log     *slog.Logger

	mu     sync.Mutex
	assets modelstore.Assets
	loaded bool
}

type execPayload struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

func newExecBackend(cfg config.EngineConfig, log *slog.Logger) (*execBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execBackend{
		argv:    args,
		threads: cfg.Threads,
		log:     log.With("backend", "exec"),
	}, nil
}

func (b *execBackend) Load(ctx context.Context, assets modelstore.Assets) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assets = assets
	b.loaded = true
	b.log.Info("exec backend bound to model", "model", assets.Descriptor.Key(), "path", assets.Primary)
	return nil
}

func (b *execBackend) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.loaded {
		return Result{}, runtimeErr(fmt.Errorf("no model loaded"))
	}

	file, err := os.CreateTemp(os.TempDir(), "winstt_engine_*.wav")
	if err != nil {
		return Result{}, runtimeErr(fmt.Errorf("temp file: %w", err))
	}
	defer os.Remove(file.Name())

	if err := audio.EncodeWAV(file, audio.Float32ToInt16(samples), modelSampleRate); err != nil {
		file.Close()
		return Result{}, runtimeErr(err)
	}
	if err := file.Close(); err != nil {
		return Result{}, runtimeErr(fmt.Errorf("close temp wav: %w", err))
	}

	args := append([]string{}, b.argv[1:]...)
	args = append(args, "--model", b.assets.Primary)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.Translate {
		args = append(args, "--translate")
	}
	if b.threads > 0 {
		args = append(args, "--threads", strconv.Itoa(b.threads))
	}
	args = append(args, "--audio", file.Name())

	command := exec.CommandContext(ctx, b.argv[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	started := time.Now()
	if err := command.Run(); err != nil {
		return Result{}, runtimeErr(fmt.Errorf("engine command failed: %w: %s", err, stderr.String()))
	}

	var payload execPayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return Result{}, runtimeErr(fmt.Errorf("decode engine response: %w", err))
	}
	return Result{
		Text:     payload.Text,
		Language: payload.Language,
		Segments: payload.Segments,
		Elapsed:  time.Since(started),
	}, nil
}

func (b *execBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	return nil
}
