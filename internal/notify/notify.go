package notify

import (
	"log/slog"

	"github.com/gen2brain/beeep"

	"github.com/dahshury/WinSTT/internal/config"
)

// Kind names one user-visible outcome. Each kind maps to its own title and
// body so the user can tell a too-short press from a dead microphone.
type Kind string

const (
	KindTooShort            Kind = "too_short"
	KindNoSpeech            Kind = "no_speech"
	KindDeviceUnavailable   Kind = "device_unavailable"
	KindModelDownloading    Kind = "model_downloading"
	KindModelReady          Kind = "model_ready"
	KindTranscriptionFailed Kind = "transcription_failed"
	KindDeliveryWarning     Kind = "delivery_warning"
)

// Notifier surfaces outcomes outside the log stream.
type Notifier interface {
	Alert(kind Kind, detail string)
}

// Desktop sends system notifications through beeep. Failures are logged and
// swallowed; notifications are best-effort.
type Desktop struct {
	appName string
	enabled bool
	log     *slog.Logger

	send func(title, body string) error
}

func NewDesktop(cfg config.NotifyConfig, log *slog.Logger) *Desktop {
	if log == nil {
		log = slog.Default()
	}
	return &Desktop{
		appName: cfg.AppName,
		enabled: cfg.Enabled,
		log:     log.With("component", "notify"),
		send: func(title, body string) error {
			return beeep.Notify(title, body, "")
		},
	}
}

func (n *Desktop) Alert(kind Kind, detail string) {
	if !n.enabled {
		return
	}
	title, body := n.messageFor(kind, detail)
	if title == "" {
		return
	}
	if err := n.send(title, body); err != nil {
		n.log.Debug("notification failed", "kind", string(kind), "error", err.Error())
	}
}

func (n *Desktop) messageFor(kind Kind, detail string) (string, string) {
	switch kind {
	case KindTooShort:
		return n.appName, "Recording too short. Hold the hotkey a little longer."
	case KindNoSpeech:
		return n.appName, "No speech detected."
	case KindDeviceUnavailable:
		return n.appName, "No recording device detected. Please connect a microphone."
	case KindModelDownloading:
		return n.appName, "Downloading model: " + detail
	case KindModelReady:
		return n.appName, "Model ready: " + detail
	case KindTranscriptionFailed:
		body := "Transcription failed."
		if detail != "" {
			body = "Transcription failed: " + detail
		}
		return n.appName, body
	case KindDeliveryWarning:
		return n.appName, "Paste failed. The transcript is on the clipboard."
	}
	return "", ""
}

// Nop discards every alert; used in tests and headless runs.
type Nop struct{}

func (Nop) Alert(Kind, string) {}
