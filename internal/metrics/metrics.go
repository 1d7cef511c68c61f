package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Reconciliation metrics
	ReconcilePassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabtime_reconcile_passes_total",
			Help: "Total reconciliation passes completed",
		},
	)

	ReconcileSkipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabtime_reconcile_skips_total",
			Help: "Reconciliation ticks skipped because a pass was still running",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabtime_reconcile_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Usage metrics
	UsageMinutesAccounted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtime_usage_minutes_accounted_total",
			Help: "Total browsing minutes accounted",
		},
		[]string{"site"},
	)

	// Intervention metrics
	InterventionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtime_interventions_total",
			Help: "Limit-breach interventions dispatched",
		},
		[]string{"kind"},
	)

	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabtime_active_sessions",
			Help: "Number of tabs currently being tracked",
		},
	)

	SessionsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtime_sessions_removed_total",
			Help: "Tracking sessions removed",
		},
		[]string{"reason"},
	)

	// Bridge metrics
	BridgeConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabtime_bridge_connected",
			Help: "Whether a browser extension is currently connected (0 or 1)",
		},
	)

	BridgeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtime_bridge_events_total",
			Help: "Tab lifecycle events received over the bridge",
		},
		[]string{"type"},
	)

	BridgeRPCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabtime_bridge_rpc_errors_total",
			Help: "Bridge RPC failures",
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		ReconcilePassesTotal,
		ReconcileSkipsTotal,
		ReconcileDuration,
		UsageMinutesAccounted,
		InterventionsTotal,
		ActiveSessions,
		SessionsRemoved,
		BridgeConnected,
		BridgeEventsTotal,
		BridgeRPCErrors,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
