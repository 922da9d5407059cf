package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mentora-ai/mentora/internal/audio"
	"github.com/mentora-ai/mentora/internal/config"
	"github.com/mentora-ai/mentora/internal/httpapi"
	"github.com/mentora-ai/mentora/internal/observability"
	"github.com/mentora-ai/mentora/internal/relay"
	"github.com/mentora-ai/mentora/internal/session"
	"github.com/mentora-ai/mentora/internal/sessionlog"
	"github.com/mentora-ai/mentora/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	transcoder, err := audio.NewTranscoder(cfg.FFmpegPath)
	if err != nil {
		log.Fatalf("transcoder init failed: %v", err)
	}

	ctx := context.Background()
	store, err := sessionlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer store.Close()

	dialer := upstream.NewDialer(upstream.Config{
		APIKey:            cfg.GeminiAPIKey,
		WSBaseURL:         cfg.GeminiWSBaseURL,
		Model:             cfg.GeminiModel,
		Voice:             cfg.GeminiVoice,
		SystemInstruction: cfg.SystemInstruction,
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	supervisor := relay.NewSupervisor(
		sessions,
		relay.DialerFunc(func(ctx context.Context) (relay.UpstreamSession, error) {
			return dialer.Connect(ctx)
		}),
		transcoder,
		store,
		metrics,
	)

	api := httpapi.New(cfg, sessions, supervisor, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("relay listening on %s (model %s)", cfg.BindAddr, cfg.GeminiModel)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
