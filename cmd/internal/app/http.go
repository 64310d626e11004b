package app

import (
	"net/http"
	"time"

	qrapi "karma/cmd/internal/qr/api"
	"karma/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	led ledger,
	ws *realtime.WSGateway,
	qrHandler *qrapi.Handler,
	gatherer prometheus.Gatherer,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !led.durable() {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if led.pool != nil {
			if err := PingDB(r.Context(), led.pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if qrHandler != nil {
		qrHandler.Register(mux)
	}

	if ws != nil {
		mux.Handle("/ws/redemptions", ws)
	}
}
