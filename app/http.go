package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	authapi "github.com/itsthenavid/arc-sockstate/auth/api"
)

func (a *App) registerHTTP(mux *http.ServeMux, auth *authapi.Handler) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", a.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(a.metricsReg, promhttp.HandlerOpts{
		Registry:          a.metricsReg,
		EnableOpenMetrics: true,
	}))

	auth.Register(mux)

	mux.Handle("/ws", a.ws)
}

// handleReady reports 503 while any configured backend is unreachable.
func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.db == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if a.db != nil {
		if err := PingDB(r.Context(), a.db, 2*time.Second); err != nil {
			a.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.rdb != nil {
		if err := PingRedis(r.Context(), a.rdb, 2*time.Second); err != nil {
			a.log.Info("readyz.redis.not_ready", "err", err)
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.nc != nil && !a.nc.IsConnected() {
		a.log.Info("readyz.nats.not_ready", "status", a.nc.Status().String())
		http.Error(w, "nats not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
