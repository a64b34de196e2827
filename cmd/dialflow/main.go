package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dialflow/dialflow/internal/action"
	"github.com/dialflow/dialflow/internal/api"
	"github.com/dialflow/dialflow/internal/call"
	"github.com/dialflow/dialflow/internal/catalog"
	"github.com/dialflow/dialflow/internal/config"
	"github.com/dialflow/dialflow/internal/dial"
	"github.com/dialflow/dialflow/internal/ivr"
	"github.com/dialflow/dialflow/internal/metrics"
	"github.com/dialflow/dialflow/internal/pbx"
	"github.com/dialflow/dialflow/internal/push"
	"github.com/dialflow/dialflow/internal/trunk"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting dialflow",
		"http_port", cfg.HTTPPort,
		"pbx_host", cfg.PBXHost,
		"pbx_app", cfg.PBXApp,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Campaign catalog, refreshed from the remote endpoint when configured.
	cat := catalog.New(logger)
	var reloader *catalog.Fetcher
	if cfg.CatalogURL != "" {
		reloader = catalog.NewFetcher(cfg.CatalogURL, cat, logger)
		go reloader.Run(appCtx)
	} else {
		slog.Warn("no catalog url configured, campaign catalog starts empty")
	}

	// Trunk reservation store, synced from the inventory endpoint when
	// configured.
	trunks := trunk.NewStore(logger)
	if cfg.InventoryURL != "" {
		go trunk.NewFetcher(cfg.InventoryURL, trunks, logger).Run(appCtx)
	} else {
		slog.Warn("no inventory url configured, trunk inventory starts empty")
	}
	trunkMgmt := trunk.NewManager(logger)

	// Call records with background sweeping.
	calls := call.NewStore(logger)
	go calls.Run(appCtx)

	queue := dial.NewQueue(logger)
	pushReg := push.NewRegistry(logger)

	// PBX control plane and its event stream.
	pbxClient := pbx.NewClient(cfg.PBXHost, cfg.PBXPort, cfg.PBXUsername, cfg.PBXPassword, cfg.PBXApp, logger)
	sessions := ivr.NewRegistry(logger)
	dispatcher := ivr.NewDispatcher(sessions, pushReg, calls, logger)
	demux := pbx.NewDemux(pbxClient.EventsURL(), dispatcher, logger)
	go func() {
		if err := demux.Run(appCtx); err != nil {
			slog.Error("pbx event stream stopped", "error", err)
		}
	}()

	engine := action.NewEngine(cfg.ActionBaseURL, calls, cat, pushReg, logger)
	validator := action.NewValidator(cfg.ActionBaseURL, calls, cat, sessions, pushReg, logger)

	collector := metrics.NewCollector(trunks, calls, queue, pushReg, sessions, demux, time.Now())

	// HTTP server using the api package.
	handler := api.NewServer(api.Deps{
		Ctx:       appCtx,
		Cfg:       cfg,
		Logger:    logger,
		Trunks:    trunks,
		TrunkMgmt: trunkMgmt,
		Calls:     calls,
		Queue:     queue,
		Push:      pushReg,
		Sessions:  sessions,
		Engine:    engine,
		Validator: validator,
		Catalog:   cat,
		Reloader:  reloader,
		PBX:       pbxClient,
		Metrics:   metrics.Handler(collector),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	slog.Info("shutting down")

	// Stop event intake and origination before tearing down live state so
	// nothing re-registers while we drain.
	appCancel()
	queue.Stop()
	sessions.DestroyAll()
	pushReg.Shutdown()
	trunks.Close()
	handler.Close()

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("dialflow stopped")
}
