package session

// State is the recording-session lifecycle phase. The controller owns a
// single session slot, so exactly one state is current at any time.
type State string

const (
	StateIdle       State = "idle"
	StateCapturing  State = "capturing"
	StateFinalizing State = "finalizing"
)

// Reason classifies why a finished capture was rejected instead of
// submitted. Rejections are outcomes, not errors.
type Reason string

const (
	ReasonTooShort Reason = "too_short"
	ReasonNoSpeech Reason = "no_speech_detected"
)

// Stats counts session outcomes since the controller started.
type Stats struct {
	Started          int64 `json:"started"`
	Submitted        int64 `json:"submitted"`
	Rejected         int64 `json:"rejected"`
	RejectedTooShort int64 `json:"rejected_too_short"`
	RejectedNoSpeech int64 `json:"rejected_no_speech"`
	DeviceFailures   int64 `json:"device_failures"`
	SubmitFailures   int64 `json:"submit_failures"`
}

// Snapshot is the controller's current state for status queries.
type Snapshot struct {
	State     State  `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Stats     Stats  `json:"stats"`
}
