package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/command"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers ctrl.* requests on the bus. Every request gets exactly one
// protocol.Reply.
type Service struct {
	bus     *bus.Client
	cmds    *command.Service
	timeout time.Duration
	logger  *slog.Logger
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type handlerFunc func(ctx context.Context, data []byte) (any, error)

func NewService(parent context.Context, busClient *bus.Client, cmds *command.Service, timeout time.Duration, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		bus:     busClient,
		cmds:    cmds,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "router")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	routes := map[string]handlerFunc{
		protocol.SubjectPermissionsCheck:   s.checkPermissions,
		protocol.SubjectPermissionsRequest: s.requestPermissions,
		protocol.SubjectDevicesList:        s.listDevices,
		protocol.SubjectCaptureStart:       s.startCapture,
		protocol.SubjectCaptureStop:        s.stopCapture,
		protocol.SubjectCaptureStatus:      s.captureStatus,
		protocol.SubjectInterviewRespond:   s.interviewRespond,
	}
	for subject, h := range routes {
		sub, err := s.bus.Conn().Subscribe(subject, s.wrap(subject, h))
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("router listening", slog.Int("subjects", len(s.subs)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return len(s.subs) > 0 && s.bus.Healthy()
}

func (s *Service) wrap(subject string, h handlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if msg.Reply == "" {
			s.logger.Debug("ignoring request without reply subject", slog.String("subject", subject))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
			defer cancel()
			data, err := h(ctx, msg.Data)
			if err != nil {
				s.logger.Warn("command failed", slog.String("subject", subject), slogError(err))
			}
			payload, mErr := json.Marshal(command.Reply(data, err))
			if mErr != nil {
				s.logger.Error("encode reply failed", slog.String("subject", subject), slogError(mErr))
				return
			}
			if err := msg.Respond(payload); err != nil {
				s.logger.Warn("reply failed", slog.String("subject", subject), slogError(err))
			}
		}()
	}
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", command.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Service) checkPermissions(ctx context.Context, _ []byte) (any, error) {
	ok, err := s.cmds.CheckPermissions(ctx)
	return map[string]bool{"granted": ok}, err
}

func (s *Service) requestPermissions(ctx context.Context, _ []byte) (any, error) {
	ok, err := s.cmds.RequestPermissions(ctx)
	return map[string]bool{"granted": ok}, err
}

func (s *Service) listDevices(ctx context.Context, _ []byte) (any, error) {
	names, err := s.cmds.Devices(ctx)
	if names == nil {
		names = []string{}
	}
	return map[string][]string{"devices": names}, err
}

func (s *Service) startCapture(ctx context.Context, data []byte) (any, error) {
	var req protocol.StartCaptureRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	id, err := s.cmds.StartCapture(ctx, req.DeviceName)
	if err != nil {
		return nil, err
	}
	return map[string]string{"session_id": id}, nil
}

func (s *Service) stopCapture(ctx context.Context, _ []byte) (any, error) {
	return nil, s.cmds.StopCapture(ctx)
}

func (s *Service) captureStatus(_ context.Context, _ []byte) (any, error) {
	return s.cmds.Status(), nil
}

func (s *Service) interviewRespond(ctx context.Context, data []byte) (any, error) {
	var req protocol.InterviewRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	answer, err := s.cmds.InterviewResponse(ctx, req.Transcription)
	if err != nil {
		return nil, err
	}
	return protocol.InterviewReply{Response: answer}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
