package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/dahshury/WinSTT/internal/dispatch"
	"github.com/dahshury/WinSTT/internal/engine"
	"github.com/dahshury/WinSTT/internal/events"
	"github.com/dahshury/WinSTT/internal/modelstore"
	"github.com/dahshury/WinSTT/internal/notify"
	"github.com/dahshury/WinSTT/internal/protocol"
)

const queueCapacity = 16

// Transcriber is the engine surface the worker drives.
type Transcriber interface {
	Transcribe(ctx context.Context, desc modelstore.Descriptor, samples []int16, sampleRate int) (engine.Result, error)
}

// Stats is a point-in-time queue snapshot plus lifetime counters.
type Stats struct {
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Coordinator owns the transcription queue: submissions enter a FIFO
// channel and a single worker drains it, so transcripts always land in
// submission order no matter how inference latency varies. A failed job
// never blocks the jobs behind it.
type Coordinator struct {
	engine    Transcriber
	deliverer dispatch.Deliverer
	events    *events.Publisher
	notifier  notify.Notifier
	log       *slog.Logger

	jobs   chan *Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	pending   map[string]*Job
	bySession map[string]string
	stats     Stats

	meter          metric.Meter
	queuedGauge    metric.Int64ObservableGauge
	runningGauge   metric.Int64ObservableGauge
	completedCount metric.Int64ObservableCounter
	failedCount    metric.Int64ObservableCounter
	inferenceHist  metric.Float64Histogram
}

func New(parent context.Context, transcriber Transcriber, deliverer dispatch.Deliverer, publisher *events.Publisher, notifier notify.Notifier, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		engine:    transcriber,
		deliverer: deliverer,
		events:    publisher,
		notifier:  notifier,
		log:       log.With("component", "coordinator"),
		jobs:      make(chan *Job, queueCapacity),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*Job),
		bySession: make(map[string]string),
		meter:     otel.Meter("github.com/dahshury/WinSTT/runtime"),
	}

	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}

	c.wg.Add(1)
	go c.run()
	return c
}

// Submit queues one finalized capture. The buffer must be non-empty and a
// session can hold at most one job in flight.
func (c *Coordinator) Submit(sessionID string, desc modelstore.Descriptor, samples []int16, sampleRate int) (*Job, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("refusing to queue an empty capture buffer")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	job := &Job{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Descriptor:  desc,
		Samples:     samples,
		SampleRate:  sampleRate,
		SubmittedAt: time.Now().UTC(),
		state:       JobQueued,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator is shut down")
	}
	if inflight, busy := c.bySession[sessionID]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s already has job %s in flight", sessionID, inflight)
	}
	select {
	case c.jobs <- job:
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("job queue full (%d pending)", queueCapacity)
	}
	c.pending[job.ID] = job
	c.bySession[sessionID] = job.ID
	c.stats.Queued++
	c.mu.Unlock()

	c.publishJob(job, JobQueued, nil)
	c.log.Info("job queued",
		"job_id", job.ID,
		"session_id", sessionID,
		"model", desc.Key(),
		"samples", len(samples))
	return job, nil
}

// Cancel removes a queued job. Running jobs cannot be cancelled; the
// inference is never interrupted mid-flight.
func (c *Coordinator) Cancel(jobID string) error {
	c.mu.Lock()
	job, ok := c.pending[jobID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if !job.tryCancel() {
		return fmt.Errorf("job %s is already %s", jobID, job.State())
	}

	c.mu.Lock()
	delete(c.pending, job.ID)
	delete(c.bySession, job.SessionID)
	c.stats.Queued--
	c.stats.Cancelled++
	c.mu.Unlock()

	c.publishJob(job, JobCancelled, nil)
	c.log.Info("job cancelled", "job_id", job.ID)
	return nil
}

// Stats returns the current snapshot.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) Healthy() bool {
	return c.ctx.Err() == nil
}

// Close stops the worker and cancels whatever is still queued.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	for {
		select {
		case job := <-c.jobs:
			if !job.tryCancel() {
				continue
			}
			c.mu.Lock()
			delete(c.pending, job.ID)
			delete(c.bySession, job.SessionID)
			c.stats.Queued--
			c.stats.Cancelled++
			c.mu.Unlock()
			c.publishJob(job, JobCancelled, nil)
		default:
			return
		}
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-c.jobs:
			c.process(job)
		}
	}
}

func (c *Coordinator) process(job *Job) {
	if !job.begin() {
		// Cancelled while queued; Cancel already finalized it.
		return
	}
	c.mu.Lock()
	c.stats.Queued--
	c.stats.Running = 1
	c.mu.Unlock()
	c.publishJob(job, JobRunning, nil)

	result, err := c.engine.Transcribe(c.ctx, job.Descriptor, job.Samples, job.SampleRate)
	if err != nil {
		c.finalize(job, JobFailed, engine.Result{}, "", err)
		c.log.Warn("job failed", "job_id", job.ID, "kind", errorKind(err), slogError(err))
		c.notifier.Alert(notify.KindTranscriptionFailed, errorKind(err))
		return
	}

	if c.inferenceHist != nil {
		c.inferenceHist.Record(c.ctx, float64(result.Elapsed.Milliseconds()))
	}

	text := dispatch.Normalize(result.Text)
	if text != "" && c.deliverer != nil {
		if derr := c.deliverer.Deliver(text); derr != nil {
			// Delivery problems degrade, never fail: the transcript is still
			// published and the job completes.
			c.log.Warn("delivery degraded", "job_id", job.ID, slogError(derr))
			c.events.DeliveryWarning(protocol.DeliveryWarning{
				JobID:   job.ID,
				Message: derr.Error(),
			})
			c.notifier.Alert(notify.KindDeliveryWarning, "")
		}
	}

	c.events.Transcript(protocol.TranscriptEvent{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Text:      text,
		Language:  result.Language,
		Segments:  toProtocolSegments(result.Segments),
		ElapsedMS: result.Elapsed.Milliseconds(),
	})
	c.finalize(job, JobCompleted, result, text, nil)
	c.log.Info("job completed",
		"job_id", job.ID,
		"chars", len(text),
		"elapsed_ms", result.Elapsed.Milliseconds())
}

func (c *Coordinator) finalize(job *Job, state JobState, result engine.Result, text string, err error) {
	job.finish(state, result, text, err)

	c.mu.Lock()
	delete(c.pending, job.ID)
	delete(c.bySession, job.SessionID)
	c.stats.Running = 0
	switch state {
	case JobCompleted:
		c.stats.Completed++
	case JobFailed:
		c.stats.Failed++
	case JobCancelled:
		c.stats.Cancelled++
	}
	c.mu.Unlock()

	c.publishJob(job, state, err)
}

func (c *Coordinator) publishJob(job *Job, state JobState, err error) {
	ev := protocol.JobEvent{
		JobID:     job.ID,
		SessionID: job.SessionID,
		State:     string(state),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		ev.ErrorKind = errorKind(err)
		ev.Error = err.Error()
	}
	c.events.Job(ev)
}

func (c *Coordinator) initMetrics() error {
	queued, err := c.meter.Int64ObservableGauge("winstt.jobs.queued",
		metric.WithDescription("Jobs waiting in the transcription queue"))
	if err != nil {
		return err
	}
	running, err := c.meter.Int64ObservableGauge("winstt.jobs.running",
		metric.WithDescription("Jobs currently in inference"))
	if err != nil {
		return err
	}
	completed, err := c.meter.Int64ObservableCounter("winstt.jobs.completed",
		metric.WithDescription("Jobs that finished with a transcript"))
	if err != nil {
		return err
	}
	failed, err := c.meter.Int64ObservableCounter("winstt.jobs.failed",
		metric.WithDescription("Jobs that ended in an error"))
	if err != nil {
		return err
	}
	hist, err := c.meter.Float64Histogram("winstt.inference.duration",
		metric.WithDescription("Wall-clock inference time per job"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	c.queuedGauge = queued
	c.runningGauge = running
	c.completedCount = completed
	c.failedCount = failed
	c.inferenceHist = hist
	_, err = c.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s := c.Stats()
		obs.ObserveInt64(queued, int64(s.Queued))
		obs.ObserveInt64(running, int64(s.Running))
		obs.ObserveInt64(completed, s.Completed)
		obs.ObserveInt64(failed, s.Failed)
		return nil
	}, queued, running, completed, failed)
	return err
}

func errorKind(err error) string {
	var resErr *modelstore.ResolutionError
	if errors.As(err, &resErr) {
		return "model_resolution_" + string(resErr.Kind)
	}
	var infErr *engine.InferenceError
	if errors.As(err, &infErr) {
		return string(infErr.Kind)
	}
	return "internal"
}

func toProtocolSegments(in []engine.Segment) []protocol.Segment {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.Segment, len(in))
	for i, seg := range in {
		out[i] = protocol.Segment{
			StartMS:    seg.StartMS,
			EndMS:      seg.EndMS,
			Text:       seg.Text,
			Confidence: seg.Confidence,
		}
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
