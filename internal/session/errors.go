package session

import (
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var (
	ErrTransitionInProgress = errors.New("session transition in progress")
	ErrAlreadyCapturing     = errors.New("session already capturing")
	ErrClosed               = errors.New("session controller closed")
)

// KindOf maps an error returned by the controller to the kind reported to clients.
func KindOf(err error) protocol.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrPermissionDenied):
		return protocol.KindPermissionDenied
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, capture.ErrUnsupportedFormat):
		return protocol.KindDeviceUnavailable
	case errors.Is(err, capture.ErrStreamError):
		return protocol.KindStreamError
	case errors.Is(err, stt.ErrModelLoad):
		return protocol.KindModelLoadFailure
	case errors.Is(err, stt.ErrTranscription):
		return protocol.KindTranscriptionFailure
	case errors.Is(err, ErrTransitionInProgress), errors.Is(err, ErrAlreadyCapturing):
		return protocol.KindBusy
	case errors.Is(err, ErrClosed):
		return protocol.KindUnavailable
	default:
		return protocol.KindInternal
	}
}
