package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type AudioConfig struct {
	DeviceID   string `yaml:"device_id"`
	SampleRate int    `yaml:"sample_rate"`
	FrameSize  int    `yaml:"frame_size"`
	Channels   int    `yaml:"channels"`
}

type VADConfig struct {
	Threshold    float64 `yaml:"threshold"`
	HangoverMS   int     `yaml:"hangover_ms"`
	WarmupFrames int     `yaml:"warmup_frames"`
}

type SessionConfig struct {
	MinDurationMS int    `yaml:"min_duration_ms"`
	MaxDurationMS int    `yaml:"max_duration_ms"`
	DumpDir       string `yaml:"dump_dir"`
}

type HotkeyConfig struct {
	Binding string `yaml:"binding"`
	Source  string `yaml:"source"` // bus, none
}

type ModelConfig struct {
	Name         string `yaml:"name"`
	Quantization string `yaml:"quantization"`
	Language     string `yaml:"language"`
	Task         string `yaml:"task"`
	CacheDir     string `yaml:"cache_dir"`
	MirrorURL    string `yaml:"mirror_url"`
}

type EngineConfig struct {
	Backend             string `yaml:"backend"` // whispercpp, exec, mock
	Command             string `yaml:"command"`
	Threads             int    `yaml:"threads"`
	TranscribeTimeoutMS int    `yaml:"transcribe_timeout_ms"`
}

type DispatchConfig struct {
	Mode             string `yaml:"mode"` // clipboard-paste, clipboard-only
	PasteDelayMS     int    `yaml:"paste_delay_ms"`
	RestoreClipboard bool   `yaml:"restore_clipboard"`
	RestoreDelayMS   int    `yaml:"restore_delay_ms"`
}

type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	AppName string `yaml:"app_name"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	Session     SessionConfig   `yaml:"session"`
	Hotkey      HotkeyConfig    `yaml:"hotkey"`
	Model       ModelConfig     `yaml:"model"`
	Engine      EngineConfig    `yaml:"engine"`
	Dispatch    DispatchConfig  `yaml:"dispatch"`
	Notify      NotifyConfig    `yaml:"notify"`
}

func Default() Config {
	return Config{
		RuntimeName: "winstt-engine",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8091,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			DeviceID:   "",
			SampleRate: 16000,
			FrameSize:  1024,
			Channels:   1,
		},
		VAD: VADConfig{
			Threshold:    0.015,
			HangoverMS:   1000,
			WarmupFrames: 5,
		},
		Session: SessionConfig{
			MinDurationMS: 500,
			MaxDurationMS: 30000,
			DumpDir:       "",
		},
		Hotkey: HotkeyConfig{
			Binding: "ctrl+shift+space",
			Source:  "bus",
		},
		Model: ModelConfig{
			Name:         "whisper-turbo",
			Quantization: "quantized",
			Language:     "auto",
			Task:         "transcribe",
			CacheDir:     "./data/models",
			MirrorURL:    "",
		},
		Engine: EngineConfig{
			Backend:             "whispercpp",
			Threads:             4,
			TranscribeTimeoutMS: 0,
		},
		Dispatch: DispatchConfig{
			Mode:             "clipboard-paste",
			PasteDelayMS:     80,
			RestoreClipboard: false,
			RestoreDelayMS:   120,
		},
		Notify: NotifyConfig{
			Enabled: true,
			AppName: "WinSTT",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "WINSTT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "WINSTT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "WINSTT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "WINSTT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "WINSTT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "WINSTT_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "WINSTT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "WINSTT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "WINSTT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "WINSTT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "WINSTT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "WINSTT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "WINSTT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "WINSTT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "WINSTT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "WINSTT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "WINSTT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.DeviceID, "WINSTT_AUDIO_DEVICE_ID")
	overrideInt(&cfg.Audio.SampleRate, "WINSTT_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameSize, "WINSTT_AUDIO_FRAME_SIZE")
	overrideInt(&cfg.Audio.Channels, "WINSTT_AUDIO_CHANNELS")
	overrideFloat(&cfg.VAD.Threshold, "WINSTT_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.HangoverMS, "WINSTT_VAD_HANGOVER_MS")
	overrideInt(&cfg.VAD.WarmupFrames, "WINSTT_VAD_WARMUP_FRAMES")
	overrideInt(&cfg.Session.MinDurationMS, "WINSTT_SESSION_MIN_DURATION_MS")
	overrideInt(&cfg.Session.MaxDurationMS, "WINSTT_SESSION_MAX_DURATION_MS")
	overrideString(&cfg.Session.DumpDir, "WINSTT_SESSION_DUMP_DIR")
	overrideString(&cfg.Hotkey.Binding, "WINSTT_HOTKEY_BINDING")
	overrideString(&cfg.Hotkey.Source, "WINSTT_HOTKEY_SOURCE")
	overrideString(&cfg.Model.Name, "WINSTT_MODEL_NAME")
	overrideString(&cfg.Model.Quantization, "WINSTT_MODEL_QUANTIZATION")
	overrideString(&cfg.Model.Language, "WINSTT_MODEL_LANGUAGE")
	overrideString(&cfg.Model.Task, "WINSTT_MODEL_TASK")
	overrideString(&cfg.Model.CacheDir, "WINSTT_MODEL_CACHE_DIR")
	overrideString(&cfg.Model.MirrorURL, "WINSTT_MODEL_MIRROR_URL")
	overrideString(&cfg.Engine.Backend, "WINSTT_ENGINE_BACKEND")
	overrideString(&cfg.Engine.Command, "WINSTT_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.Threads, "WINSTT_ENGINE_THREADS")
	overrideInt(&cfg.Engine.TranscribeTimeoutMS, "WINSTT_ENGINE_TRANSCRIBE_TIMEOUT_MS")
	overrideString(&cfg.Dispatch.Mode, "WINSTT_DISPATCH_MODE")
	overrideInt(&cfg.Dispatch.PasteDelayMS, "WINSTT_DISPATCH_PASTE_DELAY_MS")
	overrideBool(&cfg.Dispatch.RestoreClipboard, "WINSTT_DISPATCH_RESTORE_CLIPBOARD")
	overrideInt(&cfg.Dispatch.RestoreDelayMS, "WINSTT_DISPATCH_RESTORE_DELAY_MS")
	overrideBool(&cfg.Notify.Enabled, "WINSTT_NOTIFY_ENABLED")
	overrideString(&cfg.Notify.AppName, "WINSTT_NOTIFY_APP_NAME")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1 (capture is mono)")
	}
	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold >= 1 {
		return errors.New("vad.threshold must be between 0 and 1 exclusive")
	}
	if cfg.VAD.HangoverMS <= 0 {
		return errors.New("vad.hangover_ms must be positive")
	}
	if cfg.VAD.WarmupFrames < 0 {
		return errors.New("vad.warmup_frames must be >= 0")
	}
	if cfg.Session.MinDurationMS < 0 {
		return errors.New("session.min_duration_ms must be >= 0")
	}
	if cfg.Session.MaxDurationMS != 0 && cfg.Session.MaxDurationMS <= cfg.Session.MinDurationMS {
		return errors.New("session.max_duration_ms must be greater than session.min_duration_ms")
	}
	switch cfg.Hotkey.Source {
	case "bus", "none":
	default:
		return errors.New("hotkey.source must be one of bus|none")
	}
	if cfg.Model.Name == "" {
		return errors.New("model.name must not be empty")
	}
	switch cfg.Model.Quantization {
	case "full", "quantized":
	default:
		return errors.New("model.quantization must be one of full|quantized")
	}
	switch cfg.Model.Task {
	case "transcribe", "translate":
	default:
		return errors.New("model.task must be one of transcribe|translate")
	}
	if cfg.Model.CacheDir == "" {
		return errors.New("model.cache_dir must not be empty")
	}
	switch cfg.Engine.Backend {
	case "whispercpp", "exec", "mock":
	default:
		return errors.New("engine.backend must be one of whispercpp|exec|mock")
	}
	if cfg.Engine.Backend == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when backend=exec")
	}
	if cfg.Engine.Threads < 0 {
		return errors.New("engine.threads must be >= 0")
	}
	if cfg.Engine.TranscribeTimeoutMS < 0 {
		return errors.New("engine.transcribe_timeout_ms must be >= 0")
	}
	switch cfg.Dispatch.Mode {
	case "clipboard-paste", "clipboard-only":
	default:
		return errors.New("dispatch.mode must be one of clipboard-paste|clipboard-only")
	}
	if cfg.Dispatch.PasteDelayMS < 0 {
		return errors.New("dispatch.paste_delay_ms must be >= 0")
	}
	if cfg.Dispatch.RestoreDelayMS < 0 {
		return errors.New("dispatch.restore_delay_ms must be >= 0")
	}
	return nil
}
