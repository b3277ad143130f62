package callbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/harunnryd/callbridge/pkg/call"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/media"
	"github.com/harunnryd/callbridge/pkg/observability"
	"github.com/harunnryd/callbridge/pkg/runner"
	"github.com/harunnryd/callbridge/pkg/webhook"
)

// App bundles the assembled components plus the HTTP server that exposes
// the webhook and media endpoints.
type App struct {
	Manager *call.Manager
	Bridge  *media.Bridge
	Metrics *observability.Metrics
	Logger  *slog.Logger

	server    *http.Server
	lifecycle *runner.LifecycleRunner
}

// NewApp wires the whole bridge from configuration: telephony provider,
// speech pipeline, call manager, media bridge, webhook router, HTTP server.
func NewApp(cfg Config) (*App, error) {
	logger := logging.InitLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	provider, err := BuildTelephonyProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	opts := call.Options{
		Provider:           provider,
		PublicURL:          cfg.Server.PublicURL,
		WebhookPath:        cfg.Server.WebhookPath,
		MediaPath:          cfg.Server.MediaPath,
		UserNumber:         cfg.Phone.UserNumber,
		SystemNumber:       cfg.Phone.SystemNumber,
		TurnTimeout:        cfg.Timeouts.Turn,
		ConnectTimeout:     cfg.Timeouts.Connect,
		FarewellGrace:      cfg.Timeouts.FarewellGrace,
		RelayHangupDelay:   cfg.Timeouts.RelayHangupDelay,
		RelayAnswerTimeout: cfg.Timeouts.RelayAnswer,
		Metrics:            observability.NewMetrics("callbridge"),
		Logger:             logger,
	}

	// Relay providers never touch the local speech pipeline, so it is only
	// built for direct-media configurations.
	if !provider.Relay() {
		synth, err := BuildSynthesizer(cfg.Speech.TTS)
		if err != nil {
			return nil, err
		}
		recog, err := BuildRecognizer(cfg.Speech.STT)
		if err != nil {
			return nil, err
		}
		opts.Synthesizer = synth
		opts.Recognizer = recog
	}

	mgr := call.NewManager(opts)
	bridge := media.NewBridge(mgr, opts.Metrics, logger)
	mgr.BindAudioSender(bridge)
	router := webhook.NewRouter(mgr, opts.Metrics, logger)

	app := &App{
		Manager: mgr,
		Bridge:  bridge,
		Metrics: opts.Metrics,
		Logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post(cfg.Server.WebhookPath, router.ServeHTTP)
	r.Get(cfg.Server.MediaPath, bridge.ServeHTTP)
	r.Get("/health", app.handleHealth)
	r.Handle("/metrics", opts.Metrics.Handler())
	// Providers probe callback URLs with paths and methods we do not
	// serve; answer 200 so they do not disable the webhook.
	ack := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
	r.NotFound(ack)
	r.MethodNotAllowed(ack)

	app.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.lifecycle = runner.NewLifecycleRunner(app, runner.Hooks{
		OnStart: func() {
			logger.Info("server_starting", slog.String("addr", cfg.Server.Addr))
		},
		OnStop: func() {
			logger.Info("server_stopped")
		},
	}, 15*time.Second)

	return app, nil
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"active_calls": a.Manager.ActiveCalls(),
	})
}

// Run serves HTTP until the context is cancelled, then drains.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	runCh := make(chan error, 1)
	go func() { runCh <- a.lifecycle.Run(ctx) }()

	select {
	case err := <-errCh:
		_ = a.lifecycle.Stop()
		return err
	case err := <-runCh:
		return err
	}
}

// Stop triggers an orderly shutdown.
func (a *App) Stop() error { return a.lifecycle.Stop() }

// Drain shuts the HTTP listener down gracefully. Implements runner.Drainer.
func (a *App) Drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}
