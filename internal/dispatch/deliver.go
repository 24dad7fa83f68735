package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"

	"github.com/dahshury/WinSTT/internal/config"
)

// Warning is a non-fatal delivery failure: the transcript stays on the
// clipboard, the job that produced it still completes.
type Warning struct {
	Err error
}

func (w *Warning) Error() string {
	return fmt.Sprintf("delivery warning: %v", w.Err)
}

func (w *Warning) Unwrap() error { return w.Err }

// Deliverer places normalized text at the user's cursor.
type Deliverer interface {
	Deliver(text string) error
}

// ClipboardPaster writes the transcript to the clipboard, then injects a
// Ctrl+V chord into the focused application. In clipboard-only mode the
// chord is skipped and the user pastes manually.
type ClipboardPaster struct {
	mode         string
	pasteDelay   time.Duration
	restore      bool
	restoreDelay time.Duration
	log          *slog.Logger

	read   func() (string, error)
	write  func(string) error
	inject func() error
	sleep  func(time.Duration)
}

func NewClipboardPaster(cfg config.DispatchConfig, log *slog.Logger) *ClipboardPaster {
	if log == nil {
		log = slog.Default()
	}
	return &ClipboardPaster{
		mode:         cfg.Mode,
		pasteDelay:   time.Duration(cfg.PasteDelayMS) * time.Millisecond,
		restore:      cfg.RestoreClipboard,
		restoreDelay: time.Duration(cfg.RestoreDelayMS) * time.Millisecond,
		log:          log.With("component", "dispatch"),
		read:         clipboard.ReadAll,
		write:        clipboard.WriteAll,
		inject:       injectPasteChord,
		sleep:        time.Sleep,
	}
}

func (p *ClipboardPaster) Deliver(text string) error {
	if text == "" {
		return nil
	}

	var backup string
	hadBackup := false
	if p.restore {
		if prev, err := p.read(); err == nil {
			backup, hadBackup = prev, true
		} else {
			p.log.Debug("clipboard backup unavailable", "error", err.Error())
		}
	}

	if err := p.write(text); err != nil {
		return &Warning{Err: fmt.Errorf("clipboard write: %w", err)}
	}
	if p.mode == "clipboard-only" {
		return nil
	}

	// The clipboard needs a beat to settle before the chord lands.
	p.sleep(p.pasteDelay)
	if err := p.inject(); err != nil {
		return &Warning{Err: fmt.Errorf("paste injection: %w (text remains on clipboard)", err)}
	}

	if p.restore && hadBackup {
		p.sleep(p.restoreDelay)
		if err := p.write(backup); err != nil {
			return &Warning{Err: fmt.Errorf("clipboard restore: %w", err)}
		}
	}
	return nil
}

func injectPasteChord() error {
	kb, err := keybd_event.NewKeyBonding()
	if err != nil {
		return err
	}
	kb.HasCTRL(true)
	kb.SetKeys(keybd_event.VK_V)
	return kb.Launching()
}
