package engine

import (
	"fmt"
	"log/slog"

	"github.com/dahshury/WinSTT/internal/config"
)

// NewBackend builds the backend named by the config. The whispercpp backend
// runs inference in-process against ggml weights; exec shells out to an
// external recognizer; mock is for tests and wiring checks.
func NewBackend(cfg config.EngineConfig, log *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "whispercpp", "":
		return newWhisperCPPBackend(cfg, log), nil
	case "exec":
		return newExecBackend(cfg, log)
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q (supported: whispercpp, exec, mock)", cfg.Backend)
	}
}
