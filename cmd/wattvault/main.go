package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wattvault/wattvault/pkg/config"
	"github.com/wattvault/wattvault/pkg/lifecycle"
	"github.com/wattvault/wattvault/pkg/logging"
	"github.com/wattvault/wattvault/pkg/service"
	"github.com/wattvault/wattvault/pkg/storage"
	"github.com/wattvault/wattvault/pkg/storage/badger"
	"github.com/wattvault/wattvault/pkg/storage/memory"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info")
		fallback.Fatal().Err(err).Msg("configuration invalid")
	}
	log := logging.New(cfg.LogLevel)

	var backend storage.Backend
	if cfg.Storage.InMemory {
		backend = memory.New()
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("create data directory")
		}
		backend, err = badger.New(badger.Config{
			Path:        cfg.DataDir,
			MaxMemoryMB: cfg.Storage.MaxMemoryMB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("open storage")
		}
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("close storage")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, backend, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize service")
	}

	sched := lifecycle.NewScheduler(log)
	svc.RegisterLifecycle(sched)
	if b, ok := backend.(*badger.Backend); ok {
		sched.Register(lifecycle.Task{
			Name:     "storage-gc",
			Interval: cfg.Lifecycle.GCInterval,
			Timeout:  cfg.Lifecycle.TaskTimeout,
			Run: func(context.Context) error {
				return b.RunGC(0.5)
			},
		})
	}
	schedDone := sched.ServeBackground(ctx)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if !sched.Healthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy": sched.Healthy(),
			"tasks":   sched.Status(),
			"chunks":  svc.Stats(),
		})
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("ops listener started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops listener failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops listener shutdown")
	}
	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("scheduler stopped with error")
	}
	log.Info().Msg("stopped")
}
