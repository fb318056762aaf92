package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/command"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/router"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	journal  *eventstore.Store
	hub      *events.Hub
	ctrl     *session.Controller
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	bridge   *bus.Bridge
	router   *router.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP until ctx is cancelled and then
// shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	metricsHandler := tel.Handler()

	cmds, err := r.build(ctx)
	if err != nil {
		r.shutdown()
		return err
	}

	api := NewAPI(APIOptions{
		Commands: cmds,
		Hub:      r.hub,
		Nodes:    r.registry,
		Metrics:  metricsHandler,
		Ready:    r.Ready,
		Logger:   r.logger,
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// build opens the journal, capture driver, session controller, optional
// interview responder and optional bus services.
func (r *Runtime) build(ctx context.Context) (*command.Service, error) {
	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.journal = journal

	driver, err := capture.NewDriver(r.cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("init capture driver: %w", err)
	}
	r.hub = events.NewHub()
	r.ctrl = session.New(ctx, session.Options{
		Config:  r.cfg,
		Driver:  driver,
		Hub:     r.hub,
		Journal: journal,
		Logger:  r.logger,
	})

	var responder *llm.Responder
	if r.cfg.LLM.Enabled {
		gen, err := llm.NewGenerator(r.cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("init llm: %w", err)
		}
		if responder, err = llm.NewResponder(r.cfg.LLM, gen, r.logger); err != nil {
			return nil, fmt.Errorf("init interview responder: %w", err)
		}
	}
	cmds := command.New(r.ctrl, responder, journal)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx, cmds); err != nil {
			return nil, err
		}
	}
	return cmds, nil
}

func (r *Runtime) startBus(ctx context.Context, cmds *command.Service) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	r.bridge = bus.NewBridge(busCfg, client, r.hub, r.logger)
	r.bridge.Start(ctx)

	timeout := time.Duration(r.cfg.Capture.CloseTimeoutMS)*time.Millisecond + 30*time.Second
	r.router = router.NewService(ctx, client, cmds, timeout, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	state := func() string { return r.ctrl.State().String() }
	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.Describe(r.cfg), state, client, r.logger)
	if err != nil {
		return fmt.Errorf("start node registry: %w", err)
	}
	r.registry = registry
	return nil
}

// Ready reports whether the runtime is serving and, when the bus is in use,
// connected to it.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	return r.bus == nil || r.bus.Healthy()
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.registry != nil {
		r.registry.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.ctrl != nil {
		if err := r.ctrl.Close(shutdownCtx); err != nil {
			r.logger.Error("session shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}

	if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
