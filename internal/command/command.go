// Package command implements the operations exposed to clients over HTTP and
// NATS request/reply.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnavailable    = errors.New("feature unavailable")
)

// History is the read side of the session journal.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type Service struct {
	ctrl      *session.Controller
	responder *llm.Responder
	history   History
}

// New builds the command set. responder and history may be nil.
func New(ctrl *session.Controller, responder *llm.Responder, history History) *Service {
	return &Service{ctrl: ctrl, responder: responder, history: history}
}

func (s *Service) Controller() *session.Controller { return s.ctrl }

func (s *Service) CheckPermissions(ctx context.Context) (bool, error) {
	return capture.CheckPermissions(ctx, s.ctrl.Driver())
}

func (s *Service) RequestPermissions(ctx context.Context) (bool, error) {
	return capture.RequestPermissions(ctx, s.ctrl.Driver())
}

// Devices lists capture device display names.
func (s *Service) Devices(ctx context.Context) ([]string, error) {
	return capture.DeviceNames(ctx, s.ctrl.Driver())
}

// SystemAudioDevice returns the preferred loopback device or "" when none exists.
func (s *Service) SystemAudioDevice(ctx context.Context) (string, error) {
	return capture.FindSystemAudioDevice(ctx, s.ctrl.Driver())
}

func (s *Service) StartCapture(ctx context.Context, device string) (string, error) {
	return s.ctrl.Start(ctx, strings.TrimSpace(device))
}

// SwitchDevice restarts capture on device, starting a session when idle.
func (s *Service) SwitchDevice(ctx context.Context, device string) (string, error) {
	return s.ctrl.SwitchDevice(ctx, strings.TrimSpace(device))
}

func (s *Service) StopCapture(ctx context.Context) error {
	return s.ctrl.Stop(ctx)
}

func (s *Service) Status() session.Status {
	return s.ctrl.Status()
}

func (s *Service) InterviewResponse(ctx context.Context, transcription string) (string, error) {
	if s.responder == nil || !s.responder.Enabled() {
		return "", fmt.Errorf("interview responder: %w", ErrUnavailable)
	}
	answer, err := s.responder.Respond(ctx, transcription)
	if errors.Is(err, llm.ErrEmptyQuestion) {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return answer, err
}

func (s *Service) Sessions(ctx context.Context, limit int) ([]eventstore.Session, error) {
	if s.history == nil {
		return nil, fmt.Errorf("session journal: %w", ErrUnavailable)
	}
	return s.history.ListSessions(ctx, limit)
}

func (s *Service) SessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error) {
	if s.history == nil {
		return nil, fmt.Errorf("session journal: %w", ErrUnavailable)
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidRequest)
	}
	return s.history.ListSessionEvents(ctx, sessionID, limit)
}

// KindOf maps err to the kind reported to clients.
func KindOf(err error) protocol.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return protocol.KindInvalidRequest
	case errors.Is(err, ErrUnavailable), errors.Is(err, llm.ErrDisabled),
		errors.Is(err, context.DeadlineExceeded):
		return protocol.KindUnavailable
	default:
		return session.KindOf(err)
	}
}

// Reply wraps a command outcome in the wire envelope.
func Reply(data any, err error) protocol.Reply {
	if err != nil {
		return protocol.Reply{OK: false, Error: err.Error(), Kind: KindOf(err)}
	}
	return protocol.Reply{OK: true, Data: data}
}
