package protocol

import "time"

// HotkeyEdge is a raw key transition published by an OS-hook collaborator.
type HotkeyEdge struct {
	Kind      string    `json:"kind"` // "down" or "up"
	Binding   string    `json:"binding,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent reports a recording-session state transition.
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"` // capturing, rejected, submitted
	Reason     string    `json:"reason,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// JobEvent reports a transcription-job state transition.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"` // queued, running, completed, failed, cancelled
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Segment is one transcribed span with millisecond offsets.
type Segment struct {
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TranscriptEvent carries a completed transcription result.
type TranscriptEvent struct {
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	Segments  []Segment `json:"segments,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelProgress reports download progress for one model asset.
type ModelProgress struct {
	Descriptor string    `json:"descriptor"`
	File       string    `json:"file"`
	Stage      string    `json:"stage"` // resolving, downloading, verifying, ready
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"`
	Percent    int       `json:"percent"`
	Timestamp  time.Time `json:"timestamp"`
}

// EngineStatus reports the inference engine lifecycle.
type EngineStatus struct {
	Descriptor string    `json:"descriptor,omitempty"`
	Status     string    `json:"status"` // unloaded, loading, ready, failed
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeliveryWarning reports a non-fatal text delivery failure.
type DeliveryWarning struct {
	JobID     string    `json:"job_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectHotkeyEdge       = "winstt.hotkey.edge"
	SubjectSessionStarted   = "winstt.session.started"
	SubjectSessionRejected  = "winstt.session.rejected"
	SubjectSessionSubmitted = "winstt.session.submitted"
	SubjectJobQueued        = "winstt.job.queued"
	SubjectJobStarted       = "winstt.job.started"
	SubjectJobCompleted     = "winstt.job.completed"
	SubjectJobFailed        = "winstt.job.failed"
	SubjectJobCancelled     = "winstt.job.cancelled"
	SubjectTranscript       = "winstt.transcript"
	SubjectModelProgress    = "winstt.model.progress"
	SubjectEngineStatus     = "winstt.engine.status"
	SubjectDeliveryWarning  = "winstt.delivery.warning"
)
