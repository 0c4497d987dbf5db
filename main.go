// Command netcode-relay runs the standalone relay server peers fall back to
// when direct connections fail. It forwards opaque frames between the members
// of each lobby room and never inspects game traffic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kingdomcleanup/netcode/internal/config"
	"kingdomcleanup/netcode/internal/logging"
	"kingdomcleanup/netcode/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)

	hub := relay.NewHub(logger)
	mux := http.NewServeMux()
	mux.Handle("/relay", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	//1.- /stats feeds relay selection: clients score candidates by load.
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		rooms, members := hub.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rooms":   rooms,
			"members": members,
		})
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.RelayPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay server listening", logging.Int("port", cfg.RelayPort))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("relay server failed", logging.Error(err))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", logging.Error(err))
	}
	logger.Info("relay server stopped")
}
