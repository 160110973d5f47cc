package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/accelerator"
	"github.com/loqalabs/loqa-cockpit/internal/bus"
	"github.com/loqalabs/loqa-cockpit/internal/capability"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/dispatch"
	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
	"github.com/loqalabs/loqa-cockpit/internal/eventstore"
	"github.com/loqalabs/loqa-cockpit/internal/features"
	"github.com/loqalabs/loqa-cockpit/internal/natsserver"
	"github.com/loqalabs/loqa-cockpit/internal/pipeline"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/loqalabs/loqa-cockpit/internal/recognizer"
)

const pruneInterval = time.Hour

// Runtime is the long-running cockpit node: bus, accelerator registry,
// recognizer and dispatch services behind an HTTP control surface.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	metrics    http.Handler
	addr       atomic.Value
	ready      atomic.Bool
	wg         sync.WaitGroup

	server     *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	pipeline   *pipeline.Pipeline
	registry   *capability.Registry
	recognizer *recognizer.Service
	dispatch   *dispatch.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start blocks until ctx is cancelled, then shuts everything down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = tel.metrics

	if err := r.startServices(ctx); err != nil {
		return errors.Join(err, r.stopServices(), tel.shutdown(context.Background()))
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port))
	if err != nil {
		err = fmt.Errorf("listen http: %w", err)
		return errors.Join(err, r.stopServices(), tel.shutdown(context.Background()))
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("backend", r.pipeline.Device().Backend),
		slog.String("device_id", r.pipeline.Device().ID))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	r.wg.Wait()
	errs = append(errs, r.stopServices())
	if err := tel.shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// Addr is the bound HTTP address once the runtime is ready.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		server, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.server = server
		busCfg.Servers = []string{server.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	device, err := accelerator.New(r.cfg.Accelerator, r.logger)
	if err != nil {
		return err
	}
	extractor, err := features.New(r.cfg.Features)
	if err != nil {
		_ = device.Close()
		return err
	}
	p, err := pipeline.New(extractor, device, pipeline.WithLogger(r.logger))
	if err != nil {
		_ = device.Close()
		return err
	}
	r.pipeline = p

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, device.Info(), client, r.logger)
	if err != nil {
		return fmt.Errorf("start accelerator registry: %w", err)
	}
	r.registry = registry

	timeout := time.Duration(r.cfg.Pipeline.TimeoutMS) * time.Millisecond
	r.recognizer = recognizer.NewService(ctx, r.cfg.Recognizer, timeout, p, client, store, r.logger)
	if err := r.recognizer.Start(); err != nil {
		return err
	}

	r.dispatch = dispatch.NewService(r.cfg.Dispatch, client, r.logger)
	if err := r.dispatch.Start(); err != nil {
		return fmt.Errorf("start dispatch: %w", err)
	}
	return nil
}

// stopServices releases whatever startServices managed to bring up, in
// reverse order.
func (r *Runtime) stopServices() error {
	var errs []error
	if r.dispatch != nil {
		r.dispatch.Close()
	}
	if r.recognizer != nil {
		r.recognizer.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.pipeline != nil {
		if err := r.pipeline.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release accelerator: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	r.bus.Close()
	r.server.Shutdown()
	return errors.Join(errs...)
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("/v1/recognize", r.handleRecognize)
	mux.HandleFunc("/v1/accelerators", r.handleAccelerators)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if reason := r.notReady(); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady() string {
	switch {
	case !r.ready.Load():
		return "starting"
	case !r.bus.Healthy():
		return "bus disconnected"
	case r.recognizer == nil || !r.recognizer.Healthy():
		return "recognizer unavailable"
	case r.registry == nil || !r.registry.Healthy():
		return "accelerator not announced"
	}
	return ""
}

type recognizeRequest struct {
	AudioRef  string `json:"audio_ref"`
	SessionID string `json:"session_id,omitempty"`
}

func (r *Runtime) handleRecognize(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.recognizer == nil {
		http.Error(w, "recognizer unavailable", http.StatusServiceUnavailable)
		return
	}

	var body recognizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.AudioRef) == "" {
		http.Error(w, "audio_ref is required", http.StatusBadRequest)
		return
	}

	result, err := r.recognizer.Recognize(req.Context(), protocol.RecognitionRequest{
		AudioRef:  body.AudioRef,
		SessionID: body.SessionID,
	})
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, errdefs.ErrDimensionMismatch), errors.Is(err, errdefs.ErrDecode):
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
	}
	if err != nil {
		r.logger.Warn("recognition failed",
			slog.String("request_id", result.RequestID),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, result)
}

func (r *Runtime) handleAccelerators(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.registry == nil {
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}

	var filters []func(capability.NodeInfo) bool
	if backend := req.URL.Query().Get("backend"); backend != "" {
		filters = append(filters, capability.WithBackendFilter(backend))
	}
	if kernel := req.URL.Query().Get("kernel"); kernel != "" {
		filters = append(filters, capability.WithKernelFilter(kernel))
	}
	nodes := r.registry.Query(func(n capability.NodeInfo) bool {
		for _, f := range filters {
			if !f(n) {
				return false
			}
		}
		return true
	})
	slices.SortFunc(nodes, func(a, b capability.NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
