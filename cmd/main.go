package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatgogo/rendezvous/internal/broker"
	"chatgogo/rendezvous/internal/config"
	"chatgogo/rendezvous/internal/logger"
	"chatgogo/rendezvous/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded", logger.Err(err))
	}

	cfg := config.MustLoad()
	log := logger.Setup(cfg.Env)
	log.Info("starting rendezvous broker", slog.String("env", cfg.Env), slog.String("store", cfg.Store.Backend))

	if cfg.Env == config.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Store, storage.WithLogger(log))
	if err != nil {
		log.Error("failed to open room store", logger.Err(err))
		os.Exit(1)
	}
	defer store.Close()

	hub := broker.NewHub(log)
	go hub.Run(ctx)
	go storage.NewJanitor(store, cfg.Janitor.CleanupInterval, nil, log).Run(ctx)

	server := &http.Server{
		Addr:           cfg.HTTP.Address,
		Handler:        broker.NewRouter(broker.NewHandler(hub, cfg.Broker, log)),
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Info("http server listening", slog.String("address", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", logger.Err(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", logger.Err(err))
	}
	<-hub.Done()
	log.Info("broker stopped")
}
