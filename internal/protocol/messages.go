package protocol

import "time"

// RecognitionRequest asks the recognizer to classify one spoken command.
// Either AudioRef or PCM must be set; PCM is spooled to a WAV file.
type RecognitionRequest struct {
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id"`
	AudioRef   string `json:"audio_ref,omitempty"`
	PCM        []byte `json:"pcm,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// RecognitionResult is broadcast for every request. Error is set and Label
// empty when recognition failed.
type RecognitionResult struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id"`
	Label     string    `json:"label,omitempty"`
	Index     int       `json:"index"`
	Logits    []float32 `json:"logits,omitempty"`
	Backend   string    `json:"backend"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandAction is the dispatched form of a recognized command.
type CommandAction struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id"`
	Label     string    `json:"label"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRecognitionRequest = "asr.command.request"
	SubjectRecognitionResult  = "asr.command.result"
	SubjectAccelAnnounce      = "ctrl.accel.announce"
	SubjectAccelHeartbeat     = "ctrl.accel.heartbeat"

	PriorityUrgent = "urgent"
	PriorityNormal = "normal"
)
