package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tmwangi/ulemsee/internal/config"
	"github.com/tmwangi/ulemsee/internal/groq"
	"github.com/tmwangi/ulemsee/internal/history"
	"github.com/tmwangi/ulemsee/internal/httpapi"
	"github.com/tmwangi/ulemsee/internal/observability"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	historyLog := history.NewLog(cfg.HistoryCapacity)

	// A bad or missing credential fails client construction here, not on
	// first use. The server still starts so /health can report degraded.
	var generator httpapi.Generator
	client, err := groq.New(groq.Config{
		APIKey:        cfg.GroqAPIKey,
		BaseURL:       cfg.GroqBaseURL,
		Model:         cfg.GroqModel,
		FallbackModel: cfg.GroqFallbackModel,
		Timeout:       cfg.GroqTimeout,
		MaxRetries:    cfg.GroqMaxRetries,
		Temperature:   cfg.GroqTemperature,
		MaxTokens:     cfg.GroqMaxTokens,
		TopP:          cfg.GroqTopP,
	})
	if err != nil {
		log.Printf("groq client unavailable: %v", err)
	} else {
		client.SetAttemptObserver(func(model, outcome string) {
			metrics.UpstreamAttempts.WithLabelValues(model, outcome).Inc()
		})
		generator = client
		log.Printf("groq client ready (model %s, fallback %s)", cfg.GroqModel, cfg.GroqFallbackModel)
	}

	api := httpapi.New(cfg, generator, historyLog, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
