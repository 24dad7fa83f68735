package dispatch

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dahshury/WinSTT/internal/config"
)

type pasterHarness struct {
	paster   *ClipboardPaster
	writes   []string
	injects  int
	sleeps   []time.Duration
	readText string
	readErr  error
	writeErr error
	injErr   error
}

func newHarness(cfg config.DispatchConfig) *pasterHarness {
	h := &pasterHarness{}
	p := NewClipboardPaster(cfg, slog.Default())
	p.read = func() (string, error) { return h.readText, h.readErr }
	p.write = func(s string) error {
		if h.writeErr != nil {
			return h.writeErr
		}
		h.writes = append(h.writes, s)
		return nil
	}
	p.inject = func() error {
		if h.injErr != nil {
			return h.injErr
		}
		h.injects++
		return nil
	}
	p.sleep = func(d time.Duration) { h.sleeps = append(h.sleeps, d) }
	h.paster = p
	return h
}

func TestDeliverWritesClipboardThenPastes(t *testing.T) {
	h := newHarness(config.DispatchConfig{Mode: "clipboard-paste", PasteDelayMS: 80})

	if err := h.paster.Deliver("hello world "); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(h.writes) != 1 || h.writes[0] != "hello world " {
		t.Fatalf("unexpected clipboard writes: %v", h.writes)
	}
	if h.injects != 1 {
		t.Fatalf("expected one paste chord, got %d", h.injects)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 80*time.Millisecond {
		t.Fatalf("expected 80ms settle delay, got %v", h.sleeps)
	}
}

func TestDeliverClipboardOnlySkipsChord(t *testing.T) {
	h := newHarness(config.DispatchConfig{Mode: "clipboard-only", PasteDelayMS: 80})

	if err := h.paster.Deliver("text "); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if h.injects != 0 {
		t.Fatal("clipboard-only mode must not inject a chord")
	}
	if len(h.writes) != 1 {
		t.Fatalf("expected clipboard write, got %v", h.writes)
	}
}

func TestDeliverInjectFailureIsWarning(t *testing.T) {
	h := newHarness(config.DispatchConfig{Mode: "clipboard-paste"})
	h.injErr = errors.New("no input focus")

	err := h.paster.Deliver("text ")
	var warn *Warning
	if !errors.As(err, &warn) {
		t.Fatalf("expected Warning, got %v", err)
	}
	// The transcript must already be on the clipboard when injection fails.
	if len(h.writes) != 1 || h.writes[0] != "text " {
		t.Fatalf("clipboard should hold the transcript: %v", h.writes)
	}
}

func TestDeliverClipboardWriteFailureIsWarning(t *testing.T) {
	h := newHarness(config.DispatchConfig{Mode: "clipboard-paste"})
	h.writeErr = errors.New("clipboard locked")

	err := h.paster.Deliver("text ")
	var warn *Warning
	if !errors.As(err, &warn) {
		t.Fatalf("expected Warning, got %v", err)
	}
	if h.injects != 0 {
		t.Fatal("must not inject after a failed clipboard write")
	}
}

func TestDeliverRestoresPreviousClipboard(t *testing.T) {
	h := newHarness(config.DispatchConfig{
		Mode:             "clipboard-paste",
		PasteDelayMS:     80,
		RestoreClipboard: true,
		RestoreDelayMS:   120,
	})
	h.readText = "previous contents"

	if err := h.paster.Deliver("new text "); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(h.writes) != 2 || h.writes[0] != "new text " || h.writes[1] != "previous contents" {
		t.Fatalf("expected write then restore, got %v", h.writes)
	}
	if len(h.sleeps) != 2 || h.sleeps[1] != 120*time.Millisecond {
		t.Fatalf("expected restore delay, got %v", h.sleeps)
	}
}

func TestDeliverEmptyTextIsNoop(t *testing.T) {
	h := newHarness(config.DispatchConfig{Mode: "clipboard-paste"})

	if err := h.paster.Deliver(""); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(h.writes) != 0 || h.injects != 0 {
		t.Fatal("empty text must not touch the clipboard")
	}
}
