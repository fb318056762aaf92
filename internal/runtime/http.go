package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/command"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// API serves the command surface under /v1 plus health and metrics.
type API struct {
	cmds     *command.Service
	hub      *events.Hub
	nodes    *capability.Registry
	metrics  http.Handler
	ready    func() bool
	logger   *slog.Logger
	wsBuffer int
}

type APIOptions struct {
	Commands *command.Service
	Hub      *events.Hub
	Nodes    *capability.Registry
	Metrics  http.Handler
	Ready    func() bool
	Logger   *slog.Logger
}

func NewAPI(opts APIOptions) *API {
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	return &API{
		cmds:     opts.Commands,
		hub:      opts.Hub,
		nodes:    opts.Nodes,
		metrics:  opts.Metrics,
		ready:    ready,
		logger:   opts.Logger.With(slog.String("component", "http")),
		wsBuffer: 64,
	}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/permissions", a.handleCheckPermissions)
		r.Post("/permissions", a.handleRequestPermissions)
		r.Get("/devices", a.handleDevices)
		r.Get("/devices/system", a.handleSystemDevice)
		r.Post("/capture/start", a.handleStart)
		r.Post("/capture/stop", a.handleStop)
		r.Post("/capture/switch", a.handleSwitch)
		r.Get("/capture/status", a.handleStatus)
		r.Post("/interview", a.handleInterview)
		r.Get("/sessions", a.handleSessions)
		r.Get("/sessions/{id}/events", a.handleSessionEvents)
		r.Get("/nodes", a.handleNodes)
		r.Get("/events", a.handleEvents)
	})
	return r
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *API) handleCheckPermissions(w http.ResponseWriter, r *http.Request) {
	ok, err := a.cmds.CheckPermissions(r.Context())
	a.reply(w, map[string]bool{"granted": ok}, err)
}

func (a *API) handleRequestPermissions(w http.ResponseWriter, r *http.Request) {
	ok, err := a.cmds.RequestPermissions(r.Context())
	a.reply(w, map[string]bool{"granted": ok}, err)
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	names, err := a.cmds.Devices(r.Context())
	if names == nil {
		names = []string{}
	}
	a.reply(w, map[string][]string{"devices": names}, err)
}

func (a *API) handleSystemDevice(w http.ResponseWriter, r *http.Request) {
	name, err := a.cmds.SystemAudioDevice(r.Context())
	var device *string
	if name != "" {
		device = &name
	}
	a.reply(w, map[string]*string{"device": device}, err)
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartCaptureRequest
	if err := decodeBody(r, &req); err != nil {
		a.reply(w, nil, err)
		return
	}
	id, err := a.cmds.StartCapture(r.Context(), req.DeviceName)
	a.reply(w, map[string]string{"session_id": id}, err)
}

func (a *API) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartCaptureRequest
	if err := decodeBody(r, &req); err != nil {
		a.reply(w, nil, err)
		return
	}
	id, err := a.cmds.SwitchDevice(r.Context(), req.DeviceName)
	a.reply(w, map[string]string{"session_id": id}, err)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	a.reply(w, nil, a.cmds.StopCapture(r.Context()))
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.reply(w, a.cmds.Status(), nil)
}

func (a *API) handleInterview(w http.ResponseWriter, r *http.Request) {
	var req protocol.InterviewRequest
	if err := decodeBody(r, &req); err != nil {
		a.reply(w, nil, err)
		return
	}
	answer, err := a.cmds.InterviewResponse(r.Context(), req.Transcription)
	a.reply(w, protocol.InterviewReply{Response: answer}, err)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.cmds.Sessions(r.Context(), queryInt(r, "limit"))
	a.reply(w, sessions, err)
}

func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	evts, err := a.cmds.SessionEvents(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit"))
	a.reply(w, evts, err)
}

func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	if a.nodes == nil {
		a.reply(w, nil, fmt.Errorf("node registry: %w", command.ErrUnavailable))
		return
	}
	var filter func(capability.NodeInfo) bool
	if name := r.URL.Query().Get("capability"); name != "" {
		filter = capability.WithCapability(name)
	}
	a.reply(w, a.nodes.Nodes(filter), nil)
}

func (a *API) reply(w http.ResponseWriter, data any, err error) {
	status := http.StatusOK
	if err != nil {
		status = statusFor(command.KindOf(err))
		if status >= http.StatusInternalServerError {
			a.logger.Warn("command failed", slogError(err))
		}
	}
	writeJSON(w, status, command.Reply(data, err))
}

func statusFor(kind protocol.ErrorKind) int {
	switch kind {
	case protocol.KindInvalidRequest:
		return http.StatusBadRequest
	case protocol.KindPermissionDenied:
		return http.StatusForbidden
	case protocol.KindDeviceUnavailable:
		return http.StatusNotFound
	case protocol.KindBusy:
		return http.StatusConflict
	case protocol.KindModelLoadFailure, protocol.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", command.ErrInvalidRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
