package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dahshury/WinSTT/internal/audio"
	"github.com/dahshury/WinSTT/internal/capture"
	"github.com/dahshury/WinSTT/internal/config"
	"github.com/dahshury/WinSTT/internal/coordinator"
	"github.com/dahshury/WinSTT/internal/hotkey"
	"github.com/dahshury/WinSTT/internal/modelstore"
	"github.com/dahshury/WinSTT/internal/notify"
)

const (
	testRate  = 16000
	testFrame = 160 // 10 ms per frame
)

type submission struct {
	sessionID string
	desc      modelstore.Descriptor
	samples   int
	rate      int
}

type fakeSubmitter struct {
	mu   sync.Mutex
	err  error
	subs []submission
}

func (f *fakeSubmitter) Submit(sessionID string, desc modelstore.Descriptor, samples []int16, rate int) (*coordinator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subs = append(f.subs, submission{sessionID: sessionID, desc: desc, samples: len(samples), rate: rate})
	return &coordinator.Job{ID: fmt.Sprintf("job-%d", len(f.subs))}, nil
}

func (f *fakeSubmitter) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.subs...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []notify.Kind
}

func (n *recordingNotifier) Alert(kind notify.Kind, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) saw(kind notify.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range n.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// sourceQueue hands out one scripted source per session.
type sourceQueue struct {
	mu      sync.Mutex
	sources []capture.Source
}

func (q *sourceQueue) next() capture.Source {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sources) == 0 {
		return &capture.ScriptedSource{}
	}
	src := q.sources[0]
	q.sources = q.sources[1:]
	return src
}

func speechFrames(start, n int) []audio.Frame {
	frames := make([]audio.Frame, n)
	for i := range frames {
		pcm := make([]int16, testFrame)
		for j := range pcm {
			pcm[j] = 8000
		}
		frames[i] = audio.Frame{Seq: start + i, PCM: pcm, Captured: time.Now()}
	}
	return frames
}

func silenceFrames(start, n int) []audio.Frame {
	frames := make([]audio.Frame, n)
	for i := range frames {
		frames[i] = audio.Frame{Seq: start + i, PCM: make([]int16, testFrame), Captured: time.Now()}
	}
	return frames
}

func newTestController(t *testing.T, mutate func(*Options)) (*Controller, *hotkey.ChannelListener, *fakeSubmitter, *recordingNotifier) {
	t.Helper()
	listener := hotkey.NewChannelListener()
	sub := &fakeSubmitter{}
	not := &recordingNotifier{}
	opts := Options{
		Audio:   config.AudioConfig{SampleRate: testRate, FrameSize: testFrame},
		VAD:     config.VADConfig{Threshold: 0.05, HangoverMS: 100, WarmupFrames: 2},
		Session: config.SessionConfig{MinDurationMS: 50, MaxDurationMS: 10000},
		Descriptor: modelstore.Descriptor{
			Name:         modelstore.ModelWhisperTurbo,
			Quantization: modelstore.QuantQuantized,
			Language:     "en",
			Task:         modelstore.TaskTranscribe,
		},
		NewSource: (&sourceQueue{}).next,
		Listener:  listener,
		Submitter: sub,
		Notifier:  not,
		Log:       slog.Default(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = listener.Close()
	})
	return c, listener, sub, not
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCaptureSubmitsWhenSourceEnds(t *testing.T) {
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{Script: speechFrames(0, 40), CloseAfterScript: true},
	}}
	c, listener, sub, not := newTestController(t, func(o *Options) { o.NewSource = q.next })

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "submission", func() bool { return len(sub.submissions()) == 1 })

	got := sub.submissions()[0]
	if got.samples != 40*testFrame {
		t.Fatalf("expected %d samples, got %d", 40*testFrame, got.samples)
	}
	if got.rate != testRate {
		t.Fatalf("expected rate %d, got %d", testRate, got.rate)
	}
	if got.desc.Name != modelstore.ModelWhisperTurbo || got.desc.Language != "en" {
		t.Fatalf("descriptor not passed through: %+v", got.desc)
	}
	if got.sessionID == "" {
		t.Fatal("expected a session id")
	}
	if not.saw(notify.KindTooShort) || not.saw(notify.KindNoSpeech) {
		t.Fatal("successful session must not notify a rejection")
	}

	snap := c.Snapshot()
	if snap.State != StateIdle || snap.Stats.Submitted != 1 || snap.Stats.Started != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestReleaseFinalizesCapture(t *testing.T) {
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{Script: speechFrames(0, 1000), Interval: time.Millisecond},
	}}
	c, listener, sub, _ := newTestController(t, func(o *Options) {
		o.NewSource = q.next
		o.Session.MinDurationMS = 10
	})

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "capture start", func() bool { return c.Snapshot().State == StateCapturing })
	time.Sleep(100 * time.Millisecond)
	listener.Push(hotkey.EdgeUp)

	waitFor(t, "submission", func() bool { return len(sub.submissions()) == 1 })
	got := sub.submissions()[0]
	if got.samples == 0 || got.samples%testFrame != 0 {
		t.Fatalf("expected whole frames, got %d samples", got.samples)
	}
	waitFor(t, "return to idle", func() bool { return c.Snapshot().State == StateIdle })
}

func TestQuickTapRejectsTooShort(t *testing.T) {
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{Script: speechFrames(0, 2), CloseAfterScript: true},
	}}
	c, listener, sub, not := newTestController(t, func(o *Options) { o.NewSource = q.next })

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "too-short notification", func() bool { return not.saw(notify.KindTooShort) })

	if len(sub.submissions()) != 0 {
		t.Fatalf("rejected capture must not submit: %+v", sub.submissions())
	}
	snap := c.Snapshot()
	if snap.Stats.Rejected != 1 || snap.Stats.RejectedTooShort != 1 {
		t.Fatalf("unexpected stats: %+v", snap.Stats)
	}
}

func TestSilenceRejectsNoSpeech(t *testing.T) {
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{Script: silenceFrames(0, 40), CloseAfterScript: true},
	}}
	c, listener, sub, not := newTestController(t, func(o *Options) { o.NewSource = q.next })

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "no-speech notification", func() bool { return not.saw(notify.KindNoSpeech) })

	if len(sub.submissions()) != 0 {
		t.Fatalf("speechless capture must not submit: %+v", sub.submissions())
	}
	snap := c.Snapshot()
	if snap.Stats.RejectedNoSpeech != 1 {
		t.Fatalf("unexpected stats: %+v", snap.Stats)
	}
}

func TestSilenceHangoverStopsCaptureWithoutRelease(t *testing.T) {
	// 100 ms of speech, then unbounded silence; the gate should stop the
	// capture one hangover after the speech ends, with no key release.
	script := append(speechFrames(0, 10), silenceFrames(10, 500)...)
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{Script: script, Interval: time.Millisecond},
	}}
	c, listener, sub, _ := newTestController(t, func(o *Options) { o.NewSource = q.next })

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "submission", func() bool { return len(sub.submissions()) == 1 })

	got := sub.submissions()[0]
	// Speech plus the hangover, with slack for frames in flight at stop.
	if got.samples < 20*testFrame || got.samples > 40*testFrame {
		t.Fatalf("unexpected capture length: %d samples", got.samples)
	}
	if snap := c.Snapshot(); snap.Stats.Submitted != 1 {
		t.Fatalf("unexpected stats: %+v", snap.Stats)
	}
}

func TestDurationCapForcesStop(t *testing.T) {
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{Script: speechFrames(0, 1000), Interval: time.Millisecond},
	}}
	_, listener, sub, _ := newTestController(t, func(o *Options) {
		o.NewSource = q.next
		o.Session.MaxDurationMS = 100
	})

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "submission", func() bool { return len(sub.submissions()) == 1 })

	got := sub.submissions()[0]
	if got.samples < 10*testFrame || got.samples > 30*testFrame {
		t.Fatalf("expected capture near the 100 ms cap, got %d samples", got.samples)
	}
}

func TestKeyRepeatAbsorbed(t *testing.T) {
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{Script: speechFrames(0, 1000), Interval: time.Millisecond},
	}}
	c, listener, sub, _ := newTestController(t, func(o *Options) {
		o.NewSource = q.next
		o.Session.MinDurationMS = 10
	})

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "capture start", func() bool { return c.Snapshot().State == StateCapturing })
	listener.Push(hotkey.EdgeDown)
	listener.Push(hotkey.EdgeDown)
	time.Sleep(50 * time.Millisecond)

	if snap := c.Snapshot(); snap.Stats.Started != 1 {
		t.Fatalf("key repeat opened extra sessions: %+v", snap.Stats)
	}

	listener.Push(hotkey.EdgeUp)
	waitFor(t, "submission", func() bool { return len(sub.submissions()) == 1 })
}

func TestReleaseWithoutCaptureIgnored(t *testing.T) {
	c, listener, sub, _ := newTestController(t, nil)

	listener.Push(hotkey.EdgeUp)
	time.Sleep(30 * time.Millisecond)

	snap := c.Snapshot()
	if snap.State != StateIdle || snap.Stats.Started != 0 {
		t.Fatalf("stray release disturbed the controller: %+v", snap)
	}
	if len(sub.submissions()) != 0 {
		t.Fatal("stray release must not submit")
	}
}

func TestDeviceFailureNotifiesAndRecovers(t *testing.T) {
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{StartErr: &capture.DeviceUnavailableError{Device: "mic-2", Err: errors.New("not found")}},
		&capture.ScriptedSource{Script: speechFrames(0, 40), CloseAfterScript: true},
	}}
	c, listener, sub, not := newTestController(t, func(o *Options) { o.NewSource = q.next })

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "device notification", func() bool { return not.saw(notify.KindDeviceUnavailable) })

	snap := c.Snapshot()
	if snap.State != StateIdle || snap.Stats.DeviceFailures != 1 || snap.Stats.Started != 0 {
		t.Fatalf("unexpected snapshot after device failure: %+v", snap)
	}

	// The slot must not stay wedged: the next press captures normally.
	listener.Push(hotkey.EdgeDown)
	waitFor(t, "submission", func() bool { return len(sub.submissions()) == 1 })
}

func TestSubmitFailureNotifies(t *testing.T) {
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{Script: speechFrames(0, 40), CloseAfterScript: true},
	}}
	c, listener, sub, not := newTestController(t, func(o *Options) { o.NewSource = q.next })
	sub.err = errors.New("queue full")

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "failure notification", func() bool { return not.saw(notify.KindTranscriptionFailed) })

	snap := c.Snapshot()
	if snap.State != StateIdle || snap.Stats.SubmitFailures != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestDumpWritesSubmittedCapture(t *testing.T) {
	dumpDir := t.TempDir()
	q := &sourceQueue{sources: []capture.Source{
		&capture.ScriptedSource{Script: speechFrames(0, 40), CloseAfterScript: true},
	}}
	_, listener, sub, _ := newTestController(t, func(o *Options) {
		o.NewSource = q.next
		o.Session.DumpDir = dumpDir
	})

	listener.Push(hotkey.EdgeDown)
	waitFor(t, "submission", func() bool { return len(sub.submissions()) == 1 })

	path := filepath.Join(dumpDir, sub.submissions()[0].sessionID+".wav")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected dump file: %v", err)
	}
	if info.Size() <= 44 {
		t.Fatalf("dump file suspiciously small: %d bytes", info.Size())
	}
}
