package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pharos_cycles_total", Help: "Cycles started"},
	)
	WalletsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pharos_wallets_total", Help: "Wallet passes by result"},
		[]string{"result"},
	)
	CheckInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pharos_checkins_total", Help: "Successful check-ins by status"},
		[]string{"status"},
	)
	SwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pharos_swaps_total", Help: "Swaps by outcome"},
		[]string{"outcome"},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pharos_retries_total", Help: "Retries by operation"},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(CyclesTotal, WalletsTotal, CheckInsTotal, SwapsTotal, RetriesTotal)
}

// Serve exposes /metrics on addr in the background.
func Serve(addr string, log *zap.Logger) *http.Server {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	return srv
}
