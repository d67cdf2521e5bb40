// Package app wires the relay runtime: config, logging, the HTTP surface,
// and the websocket gateway with its collaborators.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/biplob-g/weeziq-relay/internal/ai"
	"github.com/biplob-g/weeziq-relay/internal/relay"
	"github.com/biplob-g/weeziq-relay/internal/store"
)

// App is the relay server runtime.
type App struct {
	cfg Config
	log Logger

	store store.Store
	ws    *relay.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, err := newStore(cfg, log)
	if err != nil {
		return nil, err
	}

	bridge, err := newBridge(cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := relay.NewRegistry(log)
	rooms := relay.NewRoomIndex(log)
	presence := relay.NewPresenceTracker(log, relay.WithVisitorTTL(cfg.VisitorTTL))

	gwCfg := relay.GatewayConfig{
		OriginRequired:   cfg.OriginRequired,
		AllowedOrigins:   cfg.AllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadIdleTimeout:  cfg.WSReadIdleTimeout,
		SendQueueSize:    cfg.WSSendQueue,
		HeartbeatEvery:   cfg.WSHeartbeatInterval,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
		StoreTimeout:     cfg.StoreTimeout,
		AIStreaming:      cfg.AIStreaming,
	}

	ws := relay.NewWSGateway(log, gwCfg, registry, rooms, presence, st, bridge)

	return &App{
		cfg:   cfg,
		log:   log,
		store: st,
		ws:    ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(WithRequestLogging(a.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		// The relay keeps all live state in memory; ready as soon as it listens.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", a.ws.HandleWS)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr,
		"store", storeKind(a.cfg), "ai_enabled", a.cfg.OpenAIAPIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// newStore selects the HTTP-backed platform store or the in-memory dev one.
func newStore(cfg Config, log Logger) (store.Store, error) {
	if cfg.StoreBaseURL == "" {
		log.Info("store.disabled.inmemory")
		return store.NewMemoryStore(), nil
	}

	st, err := store.NewHTTPStore(cfg.StoreBaseURL, cfg.StoreToken, cfg.StoreTimeout)
	if err != nil {
		return nil, err
	}
	log.Info("store.enabled.http", "base_url", cfg.StoreBaseURL)
	return st, nil
}

// newBridge constructs the AI bridge, or nil when no API key is configured.
func newBridge(cfg Config, log Logger) (*ai.Bridge, error) {
	if cfg.OpenAIAPIKey == "" {
		log.Info("ai.disabled")
		return nil, nil
	}

	completer, err := ai.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	if err != nil {
		return nil, err
	}

	log.Info("ai.enabled", "model", cfg.OpenAIModel, "streaming", cfg.AIStreaming)
	return ai.NewBridge(log, completer,
		ai.WithTimeout(cfg.AITimeout),
		ai.WithMaxTurns(cfg.AIMaxTurns),
	), nil
}

func storeKind(cfg Config) string {
	if cfg.StoreBaseURL == "" {
		return "memory"
	}
	return "http"
}
