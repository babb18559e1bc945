package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shinnpuru/moecall/internal/calllog"
	"github.com/shinnpuru/moecall/internal/config"
	"github.com/shinnpuru/moecall/internal/httpapi"
	"github.com/shinnpuru/moecall/internal/observability"
	"github.com/shinnpuru/moecall/internal/session"
	"github.com/shinnpuru/moecall/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("call log init failed: %v", err)
	}
	defer store.Close()

	var provider upstream.Provider
	mode := strings.ToLower(strings.TrimSpace(cfg.UpstreamProvider))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "gemini":
		p, err := upstream.NewGeminiProvider(cfg.GeminiAPIKey)
		if err != nil {
			log.Fatalf("gemini provider init failed: %v", err)
		}
		provider = p
		log.Printf("upstream provider: gemini live (%s, voice %s)", cfg.LiveModel, cfg.LiveVoice)
	case "mock":
		provider = upstream.NewEchoingMockProvider()
		log.Printf("upstream provider: mock")
	case "auto":
		if cfg.GeminiAPIKey != "" {
			p, err := upstream.NewGeminiProvider(cfg.GeminiAPIKey)
			if err != nil {
				log.Fatalf("gemini provider init failed: %v", err)
			}
			provider = p
			log.Printf("upstream provider: gemini live (%s, voice %s)", cfg.LiveModel, cfg.LiveVoice)
		} else {
			provider = upstream.NewEchoingMockProvider()
			log.Printf("upstream provider: mock (no GEMINI_API_KEY set)")
		}
	default:
		log.Fatalf("invalid UPSTREAM_PROVIDER: %q (expected auto|gemini|mock)", cfg.UpstreamProvider)
	}

	calls := session.NewManager(cfg.CallInactivityTimeout)
	calls.SetExpireHook(func(c *session.Call) {
		metrics.CallEvents.WithLabelValues("expired").Inc()
		metrics.ActiveCalls.Set(float64(calls.ActiveCount()))
		recCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Record(recCtx, calllog.EventRecord{CallID: c.ID, Kind: calllog.KindEnded, Detail: "inactivity"}); err != nil {
			log.Printf("call %s: record expiry: %v", c.ID, err)
		}
	})

	api := httpapi.New(cfg, calls, provider, store, metrics, log.Default())
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	calls.StartJanitor(runCtx, 5*time.Second)

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

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
