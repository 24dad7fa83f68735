package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/dahshury/WinSTT/internal/audio"
	"github.com/dahshury/WinSTT/internal/capture"
	"github.com/dahshury/WinSTT/internal/config"
	"github.com/dahshury/WinSTT/internal/coordinator"
	"github.com/dahshury/WinSTT/internal/events"
	"github.com/dahshury/WinSTT/internal/hotkey"
	"github.com/dahshury/WinSTT/internal/modelstore"
	"github.com/dahshury/WinSTT/internal/notify"
	"github.com/dahshury/WinSTT/internal/protocol"
	"github.com/dahshury/WinSTT/internal/vad"
)

// Submitter hands a finished capture to the transcription queue.
type Submitter interface {
	Submit(sessionID string, desc modelstore.Descriptor, samples []int16, sampleRate int) (*coordinator.Job, error)
}

// Options wires a Controller to its collaborators.
type Options struct {
	Audio      config.AudioConfig
	VAD        config.VADConfig
	Session    config.SessionConfig
	Descriptor modelstore.Descriptor

	// NewSource supplies a fresh capture source per session.
	NewSource func() capture.Source
	Listener  hotkey.Listener
	Submitter Submitter
	Events    *events.Publisher
	Notifier  notify.Notifier
	Log       *slog.Logger
}

// Controller drives the push-to-talk state machine. It consumes hotkey
// edges, owns the single recording slot, and turns each finished capture
// into either a queued transcription job or a rejection.
type Controller struct {
	audioCfg   config.AudioConfig
	sessionCfg config.SessionConfig
	desc       modelstore.Descriptor
	newSource  func() capture.Source
	listener   hotkey.Listener
	submitter  Submitter
	events     *events.Publisher
	notifier   notify.Notifier
	log        *slog.Logger
	gate       *vad.Gate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	current *activeSession
	stats   Stats

	meter metric.Meter
}

// activeSession is the capture in progress. The pump goroutine is its only
// writer between Start and finalize.
type activeSession struct {
	id      string
	source  capture.Source
	buffer  *audio.Buffer
	started time.Time
}

func New(parent context.Context, opts Options) (*Controller, error) {
	if opts.NewSource == nil {
		return nil, fmt.Errorf("session controller needs a capture source factory")
	}
	if opts.Listener == nil {
		return nil, fmt.Errorf("session controller needs a hotkey listener")
	}
	if opts.Submitter == nil {
		return nil, fmt.Errorf("session controller needs a submitter")
	}
	if opts.Audio.SampleRate <= 0 || opts.Audio.FrameSize <= 0 {
		return nil, fmt.Errorf("invalid audio geometry %d samples @ %d Hz", opts.Audio.FrameSize, opts.Audio.SampleRate)
	}
	gate, err := vad.New(opts.VAD, opts.Audio.SampleRate, opts.Audio.FrameSize)
	if err != nil {
		return nil, err
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		audioCfg:   opts.Audio,
		sessionCfg: opts.Session,
		desc:       opts.Descriptor,
		newSource:  opts.NewSource,
		listener:   opts.Listener,
		submitter:  opts.Submitter,
		events:     opts.Events,
		notifier:   opts.Notifier,
		log:        opts.Log.With(slog.String("component", "session")),
		gate:       gate,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		meter:      otel.Meter("github.com/dahshury/WinSTT/runtime"),
	}

	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// Snapshot reports the current state and counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{State: c.state, Stats: c.stats}
	if c.current != nil {
		snap.SessionID = c.current.id
	}
	return snap
}

func (c *Controller) Healthy() bool { return c.ctx.Err() == nil }

// Close stops the edge loop, tears down any active capture, and waits for
// the pump to drain. A capture in flight at shutdown is discarded.
func (c *Controller) Close() error {
	c.cancel()
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur != nil {
		_ = cur.source.Stop()
	}
	c.wg.Wait()
	return nil
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case edge, ok := <-c.listener.Edges():
			if !ok {
				return
			}
			switch edge.Kind {
			case hotkey.EdgeDown:
				c.handleDown()
			case hotkey.EdgeUp:
				c.handleUp()
			}
		}
	}
}

func (c *Controller) handleDown() {
	c.mu.Lock()
	if c.state != StateIdle {
		// Key repeat while a session is active, or a press during drain.
		c.mu.Unlock()
		c.log.Debug("hotkey press absorbed", slog.String("state", string(c.state)))
		return
	}

	buffer, err := audio.NewBuffer(c.audioCfg.SampleRate, c.audioCfg.FrameSize)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("cannot allocate capture buffer", slogError(err))
		return
	}
	src := c.newSource()
	if err := src.Start(c.audioCfg.DeviceID, c.audioCfg.SampleRate); err != nil {
		c.stats.DeviceFailures++
		c.mu.Unlock()
		c.log.Warn("capture device unavailable",
			slog.String("device", c.audioCfg.DeviceID),
			slogError(err))
		c.notifier.Alert(notify.KindDeviceUnavailable, err.Error())
		return
	}

	c.gate.Reset()
	sess := &activeSession{
		id:      uuid.NewString(),
		source:  src,
		buffer:  buffer,
		started: time.Now(),
	}
	c.current = sess
	c.state = StateCapturing
	c.stats.Started++
	c.mu.Unlock()

	c.events.Session(protocol.SessionEvent{SessionID: sess.id, State: "capturing"})
	c.log.Info("session started",
		slog.String("session_id", sess.id),
		slog.String("device", c.audioCfg.DeviceID))

	c.wg.Add(1)
	go c.pump(sess)
}

func (c *Controller) handleUp() {
	c.mu.Lock()
	if c.state != StateCapturing || c.current == nil {
		c.mu.Unlock()
		c.log.Debug("hotkey release with no active capture")
		return
	}
	sess := c.current
	c.state = StateFinalizing
	c.mu.Unlock()

	// Closing the source ends the frame stream; the pump finalizes once it
	// has drained the tail.
	_ = sess.source.Stop()
}

// pump is the sole consumer of the session's frames. It feeds the buffer
// and the gate, enforces the silence hangover and the duration cap, and
// finalizes after the stream ends.
func (c *Controller) pump(sess *activeSession) {
	defer c.wg.Done()

	maxDur := time.Duration(c.sessionCfg.MaxDurationMS) * time.Millisecond
	stopRequested := false
	for frame := range sess.source.Frames() {
		if err := sess.buffer.Append(frame); err != nil {
			c.log.Warn("dropping frame", slog.Int("seq", frame.Seq), slogError(err))
			continue
		}
		decision := c.gate.Observe(frame)
		if stopRequested {
			continue
		}
		if decision.ForceStop {
			c.log.Info("silence hangover elapsed",
				slog.String("session_id", sess.id),
				slog.Int("hangover_frames", c.gate.HangoverFrames()))
			c.markFinalizing()
			_ = sess.source.Stop()
			stopRequested = true
			continue
		}
		if maxDur > 0 && sess.buffer.Duration() >= maxDur {
			c.log.Info("session duration cap reached",
				slog.String("session_id", sess.id),
				slog.Duration("max", maxDur))
			c.markFinalizing()
			_ = sess.source.Stop()
			stopRequested = true
		}
	}

	c.finalize(sess)
}

func (c *Controller) markFinalizing() {
	c.mu.Lock()
	if c.state == StateCapturing {
		c.state = StateFinalizing
	}
	c.mu.Unlock()
}

// finalize evaluates the finished capture: too short or speechless buffers
// are rejected, everything else moves to the transcription queue.
func (c *Controller) finalize(sess *activeSession) {
	c.markFinalizing()

	if c.ctx.Err() != nil {
		c.log.Debug("discarding capture on shutdown", slog.String("session_id", sess.id))
		c.clearCurrent()
		return
	}

	duration := sess.buffer.Duration()
	minDur := time.Duration(c.sessionCfg.MinDurationMS) * time.Millisecond

	switch {
	case duration < minDur:
		c.reject(sess, ReasonTooShort, duration)
	case !c.gate.HadSpeech():
		c.reject(sess, ReasonNoSpeech, duration)
	default:
		c.submit(sess, duration)
	}

	c.clearCurrent()
}

func (c *Controller) reject(sess *activeSession, reason Reason, duration time.Duration) {
	c.mu.Lock()
	c.stats.Rejected++
	switch reason {
	case ReasonTooShort:
		c.stats.RejectedTooShort++
	case ReasonNoSpeech:
		c.stats.RejectedNoSpeech++
	}
	c.mu.Unlock()

	c.events.Session(protocol.SessionEvent{
		SessionID:  sess.id,
		State:      "rejected",
		Reason:     string(reason),
		DurationMS: duration.Milliseconds(),
	})
	kind := notify.KindTooShort
	if reason == ReasonNoSpeech {
		kind = notify.KindNoSpeech
	}
	c.notifier.Alert(kind, "")
	c.log.Info("session rejected",
		slog.String("session_id", sess.id),
		slog.String("reason", string(reason)),
		slog.Int64("duration_ms", duration.Milliseconds()))
}

func (c *Controller) submit(sess *activeSession, duration time.Duration) {
	samples, err := sess.buffer.Take()
	if err != nil {
		c.log.Warn("capture buffer unusable", slog.String("session_id", sess.id), slogError(err))
		return
	}

	if c.sessionCfg.DumpDir != "" {
		c.dump(sess.id, samples)
	}

	job, err := c.submitter.Submit(sess.id, c.desc, samples, c.audioCfg.SampleRate)
	if err != nil {
		c.mu.Lock()
		c.stats.SubmitFailures++
		c.mu.Unlock()
		c.log.Warn("submit failed", slog.String("session_id", sess.id), slogError(err))
		c.notifier.Alert(notify.KindTranscriptionFailed, err.Error())
		return
	}

	c.mu.Lock()
	c.stats.Submitted++
	c.mu.Unlock()

	c.events.Session(protocol.SessionEvent{
		SessionID:  sess.id,
		State:      "submitted",
		JobID:      job.ID,
		DurationMS: duration.Milliseconds(),
	})
	c.log.Info("session submitted",
		slog.String("session_id", sess.id),
		slog.String("job_id", job.ID),
		slog.Int64("duration_ms", duration.Milliseconds()),
		slog.Int("samples", len(samples)))
}

// dump writes the submitted capture as a WAV file for troubleshooting.
// Failures are logged and otherwise ignored.
func (c *Controller) dump(sessionID string, samples []int16) {
	if err := os.MkdirAll(c.sessionCfg.DumpDir, 0o755); err != nil {
		c.log.Warn("cannot create dump directory", slogError(err))
		return
	}
	path := filepath.Join(c.sessionCfg.DumpDir, sessionID+".wav")
	if err := audio.WriteWAV(path, samples, c.audioCfg.SampleRate); err != nil {
		c.log.Warn("audio dump failed", slog.String("path", path), slogError(err))
		return
	}
	c.log.Debug("session audio dumped", slog.String("path", path))
}

func (c *Controller) clearCurrent() {
	c.mu.Lock()
	c.current = nil
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Controller) initMetrics() error {
	started, err := c.meter.Int64ObservableCounter("winstt.sessions.started",
		metric.WithDescription("Recording sessions opened by the hotkey"))
	if err != nil {
		return err
	}
	submitted, err := c.meter.Int64ObservableCounter("winstt.sessions.submitted",
		metric.WithDescription("Sessions handed to the transcription queue"))
	if err != nil {
		return err
	}
	rejected, err := c.meter.Int64ObservableCounter("winstt.sessions.rejected",
		metric.WithDescription("Sessions rejected as too short or speechless"))
	if err != nil {
		return err
	}
	_, err = c.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		c.mu.Lock()
		s := c.stats
		c.mu.Unlock()
		obs.ObserveInt64(started, s.Started)
		obs.ObserveInt64(submitted, s.Submitted)
		obs.ObserveInt64(rejected, s.Rejected)
		return nil
	}, started, submitted, rejected)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
