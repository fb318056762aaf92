package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateCapturing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Journal records session lifecycle. *eventstore.Store implements it.
type Journal interface {
	BeginSession(ctx context.Context, sessionID, device string) error
	EndSession(ctx context.Context, sessionID string, sum eventstore.Summary) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// RecognizerFactory loads a recognizer. The controller calls it at most once
// successfully and reuses the result for every session.
type RecognizerFactory func(config.STTConfig) (stt.Recognizer, error)

type Options struct {
	Config        config.Config
	Driver        capture.Driver
	Hub           *events.Hub
	Journal       Journal
	NewRecognizer RecognizerFactory
	Logger        *slog.Logger
}

// Controller owns the capture session state machine
// Idle -> Starting -> Capturing -> Stopping -> Idle. Transitions are
// serialized: a call that finds another transition in progress fails with
// ErrTransitionInProgress rather than waiting. Close is the exception and
// waits for the transition to settle.
type Controller struct {
	cfg           config.Config
	driver        capture.Driver
	hub           *events.Hub
	journal       Journal
	newRecognizer RecognizerFactory
	logger        *slog.Logger
	tracer        trace.Tracer
	root          context.Context
	metrics       metric.Registration

	mu         sync.Mutex
	state      State
	settled    chan struct{} // closed when Starting or Stopping ends
	closed     bool
	active     *active
	recognizer stt.Recognizer
	sessions   uint64
	last       *Status
}

type active struct {
	id        string
	device    string
	startedAt time.Time
	cancel    context.CancelFunc
	engine    *capture.Engine
	worker    *stt.Worker
	chunker   *vad.Chunker
	queue     *audio.Queue[vad.Chunk]
}

// Status is a snapshot of the controller.
type Status struct {
	State     State            `json:"state"`
	SessionID string           `json:"session_id,omitempty"`
	Device    string           `json:"device,omitempty"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	Capture   *capture.Stats   `json:"capture,omitempty"`
	Worker    *stt.WorkerStats `json:"worker,omitempty"`
	Chunks    *ChunkStats      `json:"chunks,omitempty"`
	Sessions  uint64           `json:"sessions"`
	Previous  *Status          `json:"previous,omitempty"`
}

type ChunkStats struct {
	Produced uint64 `json:"produced"`
	Voiced   uint64 `json:"voiced"`
	Queued   int    `json:"queued"`
	Dropped  uint64 `json:"dropped"`
}

func New(parent context.Context, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub()
	}
	factory := opts.NewRecognizer
	if factory == nil {
		factory = stt.NewRecognizer
	}
	c := &Controller{
		cfg:           opts.Config,
		driver:        opts.Driver,
		hub:           hub,
		journal:       opts.Journal,
		newRecognizer: factory,
		logger:        logger.With(slog.String("component", "session")),
		tracer:        otel.Tracer("github.com/loqalabs/loqa-scribe/session"),
		root:          context.WithoutCancel(parent),
	}
	reg, err := c.initMetrics()
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	c.metrics = reg
	return c
}

func (c *Controller) Hub() *events.Hub { return c.hub }

func (c *Controller) Driver() capture.Driver { return c.driver }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens device (empty selects the default) and begins transcribing.
func (c *Controller) Start(ctx context.Context, device string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	switch c.state {
	case StateCapturing:
		c.mu.Unlock()
		return "", ErrAlreadyCapturing
	case StateStarting, StateStopping:
		c.mu.Unlock()
		return "", ErrTransitionInProgress
	}
	c.setState(StateStarting)
	c.mu.Unlock()

	a, err := c.start(ctx, device)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.setState(StateIdle)
		c.logger.Warn("capture start failed", slog.String("device", device), slogError(err))
		return "", err
	}
	c.active = a
	c.setState(StateCapturing)
	c.sessions++
	return a.id, nil
}

// setState must be called with mu held.
func (c *Controller) setState(s State) {
	c.state = s
	switch s {
	case StateStarting, StateStopping:
		c.settled = make(chan struct{})
	default:
		if c.settled != nil {
			close(c.settled)
			c.settled = nil
		}
	}
}

func (c *Controller) start(ctx context.Context, device string) (*active, error) {
	ctx, span := c.tracer.Start(ctx, "session.start")
	defer span.End()

	if err := c.driver.CheckAccess(ctx); err != nil {
		return nil, fmt.Errorf("check access: %w", err)
	}
	recognizer, err := c.loadRecognizer()
	if err != nil {
		return nil, err
	}

	a := &active{id: uuid.NewString(), startedAt: time.Now()}
	a.queue = audio.NewQueue[vad.Chunk](c.cfg.Chunker.QueueCapacity)
	a.chunker = vad.NewChunker(c.cfg.Chunker, vad.QueueSink(a.queue))

	sessionCtx, cancel := context.WithCancel(c.root)
	a.cancel = cancel
	logger := c.logger.With(slog.String("session_id", a.id))
	a.worker = stt.NewWorker(c.cfg.STT, recognizer, a.queue, c.hub.PublishTranscription, logger)
	a.worker.Start(sessionCtx)

	engine, err := capture.Open(ctx, c.driver, c.cfg.Capture, device, a.chunker, logger)
	if err != nil {
		a.worker.Stop()
		cancel()
		return nil, err
	}
	a.engine = engine
	a.device = engine.Device()

	go c.watch(sessionCtx, a)

	c.journalBegin(a, span.SpanContext().TraceID().String())
	logger.Info("session started", slog.String("device", a.device))
	return a, nil
}

func (c *Controller) loadRecognizer() (stt.Recognizer, error) {
	c.mu.Lock()
	r := c.recognizer
	c.mu.Unlock()
	if r != nil {
		return r, nil
	}
	r, err := c.newRecognizer(c.cfg.STT)
	if err != nil {
		if !errors.Is(err, stt.ErrModelLoad) {
			err = fmt.Errorf("%w: %v", stt.ErrModelLoad, err)
		}
		return nil, err
	}
	c.mu.Lock()
	c.recognizer = r
	c.mu.Unlock()
	c.logger.Info("recognizer loaded", slog.String("mode", c.cfg.STT.Mode))
	return r, nil
}

// watch forwards levels and turns a device loss into an automatic stop.
func (c *Controller) watch(ctx context.Context, a *active) {
	for {
		select {
		case <-ctx.Done():
			return
		case lvl := <-a.engine.Levels():
			c.hub.PublishLevel(lvl)
		case err := <-a.engine.Errors():
			c.handleStreamError(a, err)
			return
		}
	}
}

func (c *Controller) handleStreamError(a *active, cause error) {
	c.mu.Lock()
	if c.state != StateCapturing || c.active != a {
		c.mu.Unlock()
		return
	}
	c.setState(StateStopping)
	c.mu.Unlock()

	c.logger.Error("capture stream failed, stopping session", slog.String("session_id", a.id), slogError(cause))
	c.journalEvent(a.id, eventstore.TypeSessionError, map[string]any{"kind": protocol.KindStreamError, "message": cause.Error()})
	c.teardown(a, "stream_error")

	c.finish(a)
	c.hub.PublishError(protocol.SessionError{
		Kind:      protocol.KindStreamError,
		Message:   cause.Error(),
		SessionID: a.id,
		Timestamp: protocol.Millis(time.Now()),
	})
}

// Stop ends the active session. Stopping an idle controller is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		c.mu.Unlock()
		return ErrTransitionInProgress
	}
	return c.stop(ctx)
}

// stop ends the capturing session. It is called with mu held and releases it.
func (c *Controller) stop(ctx context.Context) error {
	a := c.active
	c.setState(StateStopping)
	c.mu.Unlock()

	_, span := c.tracer.Start(ctx, "session.stop")
	defer span.End()
	c.teardown(a, "requested")
	c.finish(a)
	return nil
}

// SwitchDevice restarts capture on device. When idle it behaves like Start.
func (c *Controller) SwitchDevice(ctx context.Context, device string) (string, error) {
	c.mu.Lock()
	state := c.state
	var previous string
	if c.active != nil {
		previous = c.active.device
	}
	c.mu.Unlock()

	if state == StateCapturing {
		if err := c.Stop(ctx); err != nil {
			return "", err
		}
	}
	id, err := c.Start(ctx, device)
	if err != nil {
		return "", err
	}
	if state == StateCapturing {
		c.journalEvent(id, eventstore.TypeDeviceSwitched, map[string]any{"from": previous, "to": device})
	}
	return id, nil
}

func (c *Controller) teardown(a *active, reason string) {
	if err := a.engine.Close(); err != nil {
		c.logger.Warn("engine close failed", slog.String("session_id", a.id), slogError(err))
	}
	discarded := a.worker.Stop()
	a.cancel()

	snapshot := c.snapshot(a)
	snapshot.State = StateIdle
	c.mu.Lock()
	c.last = &snapshot
	c.mu.Unlock()

	c.journalEnd(a, reason, snapshot)
	c.logger.Info("session stopped",
		slog.String("session_id", a.id),
		slog.String("reason", reason),
		slog.Int("chunks_discarded", discarded),
		slog.Uint64("chunks_dropped", a.queue.Dropped()),
	)
}

func (c *Controller) finish(a *active) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == a {
		c.active = nil
	}
	c.setState(StateIdle)
}

// Status reports the current state and, while a session runs, its counters.
func (c *Controller) Status() Status {
	c.mu.Lock()
	state := c.state
	a := c.active
	sessions := c.sessions
	last := c.last
	c.mu.Unlock()

	if a == nil || state != StateCapturing {
		return Status{State: state, Sessions: sessions, Previous: last}
	}
	s := c.snapshot(a)
	s.State = state
	s.Sessions = sessions
	return s
}

func (c *Controller) snapshot(a *active) Status {
	started := a.startedAt
	captureStats := a.engine.Stats()
	workerStats := a.worker.Stats()
	produced, voiced := a.chunker.Emitted()
	return Status{
		SessionID: a.id,
		Device:    a.device,
		StartedAt: &started,
		Capture:   &captureStats,
		Worker:    &workerStats,
		Chunks: &ChunkStats{
			Produced: produced,
			Voiced:   voiced,
			Queued:   a.queue.Len(),
			Dropped:  a.queue.Dropped(),
		},
	}
}

// Close waits for any start or stop in progress, stops the session and
// releases the recognizer. Start fails with ErrClosed afterwards.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for c.state == StateStarting || c.state == StateStopping {
		settled := c.settled
		c.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", c.State(), ctx.Err())
		}
		c.mu.Lock()
	}

	var errs []error
	if c.state == StateCapturing {
		if err := c.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	} else {
		c.mu.Unlock()
	}

	c.mu.Lock()
	r := c.recognizer
	c.recognizer = nil
	reg := c.metrics
	c.metrics = nil
	c.mu.Unlock()
	if r != nil {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if reg != nil {
		if err := reg.Unregister(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) journalBegin(a *active, traceID string) {
	if c.journal == nil {
		return
	}
	ctx := context.Background()
	if err := c.journal.BeginSession(ctx, a.id, a.device); err != nil {
		c.logger.Warn("journal begin failed", slogError(err))
		return
	}
	payload, _ := json.Marshal(map[string]any{"device": a.device, "stt_mode": c.cfg.STT.Mode})
	if err := c.journal.AppendEvent(ctx, eventstore.Event{SessionID: a.id, TraceID: traceID, Type: eventstore.TypeSessionStarted, Payload: payload}); err != nil {
		c.logger.Warn("journal append failed", slogError(err))
	}
}

func (c *Controller) journalEnd(a *active, reason string, s Status) {
	if c.journal == nil {
		return
	}
	ctx := context.Background()
	payload, _ := json.Marshal(map[string]any{
		"reason":  reason,
		"capture": s.Capture,
		"worker":  s.Worker,
		"chunks":  s.Chunks,
	})
	if err := c.journal.AppendEvent(ctx, eventstore.Event{SessionID: a.id, Type: eventstore.TypeSessionStopped, Payload: payload}); err != nil {
		c.logger.Warn("journal append failed", slogError(err))
	}
	sum := eventstore.Summary{Reason: reason}
	if s.Capture != nil {
		sum.FramesDropped = s.Capture.FramesDropped
	}
	if s.Worker != nil {
		sum.Transcribed = s.Worker.Transcribed
	}
	if s.Chunks != nil {
		sum.Chunks = s.Chunks.Produced
		sum.ChunksDropped = s.Chunks.Dropped
	}
	if err := c.journal.EndSession(ctx, a.id, sum); err != nil {
		c.logger.Warn("journal end failed", slogError(err))
	}
}

func (c *Controller) journalEvent(sessionID, typ string, fields map[string]any) {
	if c.journal == nil {
		return
	}
	payload, _ := json.Marshal(fields)
	if err := c.journal.AppendEvent(context.Background(), eventstore.Event{SessionID: sessionID, Type: typ, Payload: payload}); err != nil {
		c.logger.Warn("journal append failed", slogError(err))
	}
}

func (c *Controller) initMetrics() (metric.Registration, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/session")
	stateGauge, err := meter.Int64ObservableGauge("loqa.session.state", metric.WithDescription("Session state (0 idle, 1 starting, 2 capturing, 3 stopping)"))
	if err != nil {
		return nil, err
	}
	sessionsCounter, err := meter.Int64ObservableCounter("loqa.session.started", metric.WithDescription("Sessions started since process start"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		c.mu.Lock()
		state, sessions := c.state, c.sessions
		c.mu.Unlock()
		obs.ObserveInt64(stateGauge, int64(state))
		obs.ObserveInt64(sessionsCounter, int64(sessions))
		return nil
	}, stateGauge, sessionsCounter)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
