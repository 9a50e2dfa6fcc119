package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/graphsync/pkg/backend"
	"github.com/astromechza/graphsync/pkg/config"
	"github.com/astromechza/graphsync/pkg/metrics"
	"github.com/astromechza/graphsync/pkg/session"
	"github.com/astromechza/graphsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	renderDir := flag.String("render-dir", "", "on shutdown, render the change history of every loaded session as svg into this directory")
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening backend", "driver", cfg.Backend.Driver)
	store, err := backend.Open(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	defer store.Close()

	hub := session.NewHub(store,
		session.WithHubLogger(logger),
		session.WithFlushInterval(cfg.FlushInterval),
		session.WithPresenceTimeout(cfg.PresenceTimeout),
		session.WithHubPingInterval(cfg.PingInterval),
		session.WithHubBacklog(cfg.MaxBacklog),
	)

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	hub.Register(r)
	r.Methods(http.MethodGet).Path("/metrics").Handler(metrics.Handler())
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusNoContent)
	})

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	httpServer := &http.Server{Addr: cfg.Listen, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	// websocket connections are hijacked, so Shutdown does not wait for them
	// and the hub closes them itself
	_ = httpServer.Shutdown(shutdownCtx)
	flushErr := hub.Close(shutdownCtx)
	wg.Wait()

	if *renderDir != "" {
		for _, room := range hub.Rooms() {
			path := filepath.Join(*renderDir, room.ID()+".svg")
			if err := viz.RenderDocToSvg(room.Doc(), path); err != nil {
				slog.Error("failed to render", "session", room.ID(), "err", err)
			} else {
				slog.Info("rendered", "session", room.ID(), "path", "file://"+path)
			}
		}
	}

	if flushErr != nil {
		return fmt.Errorf("failed to flush sessions on shutdown: %w", flushErr)
	}
	return nil
}
