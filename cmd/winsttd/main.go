package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dahshury/WinSTT/internal/capture"
	"github.com/dahshury/WinSTT/internal/config"
	"github.com/dahshury/WinSTT/internal/modelstore"
	"github.com/dahshury/WinSTT/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "winsttd",
		Short:         "Push-to-talk dictation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "winstt.yaml", "Path to configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newDevicesCmd(),
		newModelsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the configured file; a missing default file falls back
// to built-in defaults so a fresh install runs without any setup.
func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Load("")
	}
	return cfg, err
}

func buildLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dictation daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := buildLogger(cfg.Telemetry)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt := runtime.New(cfg, logger)
			if err := rt.Start(ctx); err != nil {
				return fmt.Errorf("runtime exited with error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(_ *cobra.Command, _ []string) error {
			devices, err := capture.Devices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no capture devices found")
				return nil
			}
			for _, d := range devices {
				marker := " "
				if d.IsDefault {
					marker = "*"
				}
				fmt.Printf("%s %-40s %s\n", marker, d.Name, d.ID)
			}
			return nil
		},
	}
}

func newModelsCmd(configPath *string) *cobra.Command {
	models := &cobra.Command{
		Use:   "models",
		Short: "Inspect and pre-download model assets",
	}
	models.AddCommand(newModelsListCmd(configPath), newModelsFetchCmd(configPath))
	return models
}

func newModelsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show cached models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := buildLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: cfg.Telemetry.LogFormat})

			store, err := modelstore.Open(cmd.Context(), modelstore.Options{
				CacheDir: cfg.Model.CacheDir,
				Format:   storeFormat(cfg, ""),
				BaseURL:  cfg.Model.MirrorURL,
				Log:      logger,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			cached, err := store.Cached(cmd.Context())
			if err != nil {
				return err
			}
			if len(cached) == 0 {
				fmt.Println("no cached models")
				return nil
			}
			for _, m := range cached {
				fmt.Printf("%-32s %2d files %8.1f MB  %s\n",
					m.DescriptorKey,
					m.Files,
					float64(m.TotalBytes)/(1<<20),
					m.DownloadedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newModelsFetchCmd(configPath *string) *cobra.Command {
	var (
		name         string
		quantization string
		language     string
		task         string
		format       string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download a model into the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := buildLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: cfg.Telemetry.LogFormat})

			if name == "" {
				name = cfg.Model.Name
			}
			if quantization == "" {
				quantization = cfg.Model.Quantization
			}
			if language == "" {
				language = cfg.Model.Language
			}
			if task == "" {
				task = cfg.Model.Task
			}
			desc, err := modelstore.NewDescriptor(name, quantization, language, task)
			if err != nil {
				return err
			}

			store, err := modelstore.Open(cmd.Context(), modelstore.Options{
				CacheDir: cfg.Model.CacheDir,
				Format:   storeFormat(cfg, format),
				BaseURL:  cfg.Model.MirrorURL,
				Progress: printProgress,
				Log:      logger,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			assets, err := store.Resolve(ctx, desc)
			if err != nil {
				return err
			}
			fmt.Printf("%s ready: %d files in %s\n", desc.Key(), len(assets.Files), assets.Dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Model name (default from config)")
	cmd.Flags().StringVar(&quantization, "quantization", "", "full or quantized (default from config)")
	cmd.Flags().StringVar(&language, "language", "", "Language code or auto (default from config)")
	cmd.Flags().StringVar(&task, "task", "", "transcribe or translate (default from config)")
	cmd.Flags().StringVar(&format, "format", "", "ggml or onnx (default follows engine.backend)")
	return cmd
}

// storeFormat picks the weight family: an explicit flag wins, otherwise the
// configured engine backend decides.
func storeFormat(cfg config.Config, override string) modelstore.Format {
	switch override {
	case "ggml":
		return modelstore.FormatGGML
	case "onnx":
		return modelstore.FormatONNX
	}
	if cfg.Engine.Backend == "exec" {
		return modelstore.FormatONNX
	}
	return modelstore.FormatGGML
}

func printProgress(file, stage string, done, total int64, percent int) {
	switch stage {
	case modelstore.StageDownloading:
		if percent >= 0 {
			fmt.Fprintf(os.Stderr, "\r%-56s %3d%%", file, percent)
		} else {
			fmt.Fprintf(os.Stderr, "\r%-56s %d bytes", file, done)
		}
	case modelstore.StageReady:
		fmt.Fprintf(os.Stderr, "\r%-56s done\n", file)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	}
}
