// Package app wires the Karma server runtime: config, logging, the QR ledger,
// HTTP routes, metrics and the redemption feed.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"karma/cmd/internal/qr"
	qrapi "karma/cmd/internal/qr/api"
	"karma/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the Karma server runtime.
type App struct {
	cfg Config
	log Logger

	ledger ledger
	qr     *qr.Service
	ws     *realtime.WSGateway
	api    *qrapi.Handler

	registry *prometheus.Registry
}

// New constructs a fully wired App. It fails when the token key is missing
// or invalid, before any storage is opened.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	cipher, err := loadTokenCipher(cfg)
	if err != nil {
		return nil, err
	}

	led, err := openLedger(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	var (
		registry *prometheus.Registry
		metrics  *qr.Metrics
	)
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics, err = qr.NewMetrics(registry)
		if err != nil {
			_ = led.Close(context.Background())
			return nil, err
		}
	}

	hub := realtime.NewHub(log)
	apiCfg := qrapi.LoadConfigFromEnv()

	svc, err := qr.NewService(led.store, cipher,
		qr.WithLogger(log),
		qr.WithMetrics(metrics),
		qr.WithObserver(hub),
		qr.WithMaxTTL(apiCfg.MaxTTL),
	)
	if err != nil {
		_ = led.Close(context.Background())
		return nil, err
	}

	var apiOpts []qrapi.HandlerOption
	if led.pool != nil {
		apiOpts = append(apiOpts, qrapi.WithAuditPool(led.pool, cfg.DBSchema))
	}
	handler, err := qrapi.NewHandler(log, svc, apiCfg, apiOpts...)
	if err != nil {
		_ = led.Close(context.Background())
		return nil, err
	}

	ws := realtime.NewWSGateway(log, hub, realtime.LoadGatewayConfigFromEnv())

	log.Info("qr.cipher.ready", "format", cipher.Format(), "ledger", led.kind)

	return &App{
		cfg:      cfg,
		log:      log,
		ledger:   led,
		qr:       svc,
		ws:       ws,
		api:      handler,
		registry: registry,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	var gatherer prometheus.Gatherer
	if a.registry != nil {
		gatherer = a.registry
	}
	registerHTTP(mux, a.log, a.cfg, a.ledger, a.ws, a.api, gatherer)

	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and the expiry sweeper, and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "ledger", a.ledger.kind, "metrics", a.registry != nil)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSweeper(bgCtx, a.qr, a.cfg.QRSweepInterval, a.cfg.QRSweepBatch, a.log)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	bgCancel()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	if err := a.ledger.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	if runErr == nil {
		a.log.Info("server.stopped")
	}
	return runErr
}

// Close releases the ledger without serving. Used when Run is never called.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.ledger.Close(ctx)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
