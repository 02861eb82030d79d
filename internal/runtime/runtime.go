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

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/capture"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/modem"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/observe"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/internal/tts"
	"github.com/loqalabs/loqa-speech/internal/vad"
	"go.opentelemetry.io/otel"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	controller  *session.Controller
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	if err := r.connectBus(ctx); err != nil {
		r.shutdownTelemetry()
		return err
	}
	defer r.closeBus()

	controller, err := r.buildController(metrics)
	if err != nil {
		r.shutdownTelemetry()
		return err
	}
	r.controller = controller

	controllerErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		controllerErr <- controller.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/", controller.Handler())
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle(r.cfg.Telemetry.PrometheusPath, metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serverErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	case runErr = <-controllerErr:
	}
	r.ready.Store(false)
	cancel()

	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return runErr
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) closeBus() {
	r.bus.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.tracerClose(ctx)
}

// buildController wires the configured backends into a session controller.
func (r *Runtime) buildController(metrics *observe.Metrics) (*session.Controller, error) {
	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("init stt: %w", err)
	}
	synthesizer, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("init tts: %w", err)
	}
	encoder, err := modem.NewEncoder(r.cfg.Modem, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init modem: %w", err)
	}
	classifier, err := vad.NewEnergyClassifier(r.cfg.VAD.Mode)
	if err != nil {
		return nil, fmt.Errorf("init vad: %w", err)
	}

	opts := session.Options{
		Config:      r.cfg,
		Classifier:  classifier,
		Recognizer:  recognizer,
		Synthesizer: synthesizer,
		Encoder:     encoder,
		Metrics:     metrics,
		Logger:      r.logger,
	}
	switch r.cfg.Capture.Source {
	case "bus":
		opts.Source = capture.NewBusSource(r.bus.Conn(), r.cfg.Capture, metrics, r.logger)
	default:
		opts.Source = capture.NewNopSource()
	}
	if r.bus != nil && r.cfg.STT.PublishTranscripts {
		opts.Publisher = r.bus
	}
	return session.New(opts), nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.controller != nil && r.controller.Ready()
	if ready && r.cfg.Bus.Enabled {
		ready = r.bus.Healthy()
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
