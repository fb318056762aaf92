package protocol

import "time"

// AudioLevel is the coarse input meter pushed to subscribers.
type AudioLevel struct {
	Level     float64 `json:"level"`
	Timestamp int64   `json:"timestamp"`
}

// TranscriptionResult is the recognizer output for one chunk.
type TranscriptionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
	IsFinal    bool    `json:"is_final"`
	SequenceID uint64  `json:"sequence_id"`
}

type ErrorKind string

const (
	KindPermissionDenied     ErrorKind = "PermissionDenied"
	KindDeviceUnavailable    ErrorKind = "DeviceUnavailable"
	KindStreamError          ErrorKind = "StreamError"
	KindModelLoadFailure     ErrorKind = "ModelLoadFailure"
	KindTranscriptionFailure ErrorKind = "TranscriptionFailure"
	KindBusy                 ErrorKind = "Busy"
	KindInvalidRequest       ErrorKind = "InvalidRequest"
	KindUnavailable          ErrorKind = "Unavailable"
	KindInternal             ErrorKind = "Internal"
)

// SessionError is emitted when the session hits a condition the caller must see.
type SessionError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

type EventKind string

const (
	EventAudioLevel    EventKind = "audio-level"
	EventTranscription EventKind = "transcription-result"
	EventSessionError  EventKind = "session-error"
)

// Event is the tagged envelope delivered to subscribers. Exactly one payload
// field is set, matching Kind.
type Event struct {
	Kind          EventKind            `json:"kind"`
	Level         *AudioLevel          `json:"level,omitempty"`
	Transcription *TranscriptionResult `json:"transcription,omitempty"`
	Error         *SessionError        `json:"error,omitempty"`
}

func LevelEvent(l AudioLevel) Event { return Event{Kind: EventAudioLevel, Level: &l} }

func TranscriptionEvent(r TranscriptionResult) Event {
	return Event{Kind: EventTranscription, Transcription: &r}
}

func ErrorEvent(e SessionError) Event { return Event{Kind: EventSessionError, Error: &e} }

// Millis converts t to the millisecond epoch used on the wire.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// StartCaptureRequest is the payload of start_audio_capture.
type StartCaptureRequest struct {
	DeviceName string `json:"device_name,omitempty"`
}

// InterviewRequest is the payload of get_interview_response.
type InterviewRequest struct {
	Transcription string `json:"transcription"`
}

// InterviewReply carries the generated answer.
type InterviewReply struct {
	Response string `json:"response"`
}

// Reply is the common envelope for command responses.
type Reply struct {
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
	Kind  ErrorKind `json:"kind,omitempty"`
	Data  any       `json:"data,omitempty"`
}

const (
	SubjectAudioLevel      = "capture.audio.level"
	SubjectTranscriptFinal = "stt.text.final"
	SubjectSessionError    = "session.error"

	SubjectPermissionsCheck   = "ctrl.permissions.check"
	SubjectPermissionsRequest = "ctrl.permissions.request"
	SubjectDevicesList        = "ctrl.devices.list"
	SubjectCaptureStart       = "ctrl.capture.start"
	SubjectCaptureStop        = "ctrl.capture.stop"
	SubjectCaptureStatus      = "ctrl.capture.status"
	SubjectInterviewRespond   = "ctrl.interview.respond"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat."
)
