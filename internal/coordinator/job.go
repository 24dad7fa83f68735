package coordinator

import (
	"sync"
	"time"

	"github.com/dahshury/WinSTT/internal/engine"
	"github.com/dahshury/WinSTT/internal/modelstore"
)

// JobState tracks a job through the queue.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Job is one finalized capture waiting for (or holding the outcome of)
// transcription. The coordinator owns all transitions; callers observe
// through Done and the getters.
type Job struct {
	ID          string
	SessionID   string
	Descriptor  modelstore.Descriptor
	Samples     []int16
	SampleRate  int
	SubmittedAt time.Time

	mu     sync.Mutex
	state  JobState
	result engine.Result
	text   string
	err    error
	done   chan struct{}
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the raw engine output; valid once Done is closed and Err
// returns nil.
func (j *Job) Result() engine.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Text returns the normalized transcript that was (or would be) delivered.
func (j *Job) Text() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.text
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// begin moves a queued job to running; reports false when the job was
// cancelled before the worker reached it.
func (j *Job) begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JobQueued {
		return false
	}
	j.state = JobRunning
	return true
}

// tryCancel moves a queued job to cancelled; only queued jobs can be
// cancelled, a running inference is never interrupted.
func (j *Job) tryCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JobQueued {
		return false
	}
	j.state = JobCancelled
	close(j.done)
	return true
}

func (j *Job) finish(state JobState, result engine.Result, text string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = state
	j.result = result
	j.text = text
	j.err = err
	close(j.done)
}
