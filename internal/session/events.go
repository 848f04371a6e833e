package session

import (
	"time"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/transcript"
)

// EventKind names a session event.
type EventKind string

const (
	EventTranscript EventKind = "transcript"
	EventState      EventKind = "state"
	EventTick       EventKind = "tick"
	EventError      EventKind = "error"
	EventComplete   EventKind = "complete"
)

// Reasons reported with EventComplete.
const (
	ReasonCompleted    = "completed"
	ReasonAcknowledged = "acknowledged"
	ReasonNoAudio      = "no_audio"
	ReasonClosed       = "closed"
	ReasonStartFailed  = "start_failed"
)

// Event is one item of the session's live stream.
type Event struct {
	Kind      EventKind         `json:"kind"`
	SessionID string            `json:"sessionId"`
	At        time.Time         `json:"at"`
	Line      *transcript.Entry `json:"line,omitempty"`
	State     *State            `json:"state,omitempty"`
	Remaining int               `json:"remaining"`
	Error     *ErrorInfo        `json:"error,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// ErrorInfo is the presentation form of a failure.
type ErrorInfo struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal"`
}

func errorInfo(err error, terminal bool) *ErrorInfo {
	info := &ErrorInfo{
		Code:     apperrors.ErrCodeUnknown.String(),
		Category: string(apperrors.CategoryOf(err)),
		Message:  err.Error(),
		Terminal: terminal,
	}
	if ae, ok := apperrors.As(err); ok {
		info.Code = ae.Code.String()
	}
	return info
}
