// Observability surface for the page store: Prometheus metrics, pprof,
// and JSON endpoints exposing the environment's page/free-space state and
// every registered index's cursor progress.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/nainya/pagestore/internal/logger"
	"github.com/nainya/pagestore/internal/metrics"
	"github.com/nainya/pagestore/pkg/index"
)

// GrpcMetricsInterceptor records duration, status, and in-flight count for
// every unary RPC on the health surface.
func GrpcMetricsInterceptor(m *metrics.Metrics, log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		m.GrpcRequestsInFlight.Inc()
		defer m.GrpcRequestsInFlight.Dec()

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		status := "success"
		if err != nil {
			status = "error"
		}
		m.RecordGrpcRequest(info.FullMethod, status, duration)
		log.LogGrpcRequest(info.FullMethod, duration, err)
		return resp, err
	}
}

// storeStatus is the /stats response: the environment's page accounting
// plus each registered index's cursor state.
type storeStatus struct {
	Generation     uint64        `json:"generation"`
	AllocatedPages uint64        `json:"allocated_pages"`
	FreePages      int           `json:"free_pages"`
	PendingFree    int           `json:"pending_free"`
	Sections       uint64        `json:"sections"`
	UptimeSeconds  float64       `json:"uptime_seconds"`
	Indexes        []indexStatus `json:"indexes"`
}

type indexStatus struct {
	Name        string                     `json:"name"`
	Stale       bool                       `json:"is_stale"`
	Collections []index.CollectionProgress `json:"collections"`
}

// ObservabilityServer provides the HTTP side of the ops surface.
type ObservabilityServer struct {
	server *http.Server
	srv    *Server
	log    *logger.Logger
}

// NewObservabilityServer wires the observability endpoints for srv.
func NewObservabilityServer(port int, srv *Server, log *logger.Logger) *ObservabilityServer {
	o := &ObservabilityServer{srv: srv, log: log}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", o.handleStats)
	mux.HandleFunc("/health", o.handleHealth)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ready"})
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, profile := range []string{"heap", "goroutine", "threadcreate", "block", "mutex", "allocs"} {
		mux.Handle("/debug/pprof/"+profile, pprof.Handler(profile))
	}

	o.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return o
}

func (o *ObservabilityServer) handleStats(w http.ResponseWriter, r *http.Request) {
	st := o.srv.env.Stats()
	out := storeStatus{
		Generation:     st.Generation,
		AllocatedPages: st.AllocatedPages,
		FreePages:      st.FreePages,
		PendingFree:    st.PendingFree,
		Sections:       st.Sections,
		UptimeSeconds:  time.Since(o.srv.startTime).Seconds(),
	}

	o.srv.mu.RLock()
	engines := make([]*index.Engine, 0, len(o.srv.indexes))
	for _, eng := range o.srv.indexes {
		engines = append(engines, eng)
	}
	o.srv.mu.RUnlock()

	for _, eng := range engines {
		progress, err := eng.Progress()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stale, err := eng.IsStale()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out.Indexes = append(out.Indexes, indexStatus{Name: eng.Name(), Stale: stale, Collections: progress})
	}

	writeJSON(w, out)
}

func (o *ObservabilityServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":     "healthy",
		"service":    "pagestore",
		"generation": o.srv.env.Stats().Generation,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// Start blocks serving the observability endpoints until Shutdown.
func (o *ObservabilityServer) Start() error {
	o.log.Info("Starting observability server").
		Str("addr", o.server.Addr).
		Str("metrics", "/metrics").
		Str("stats", "/stats").
		Str("pprof", "/debug/pprof/").
		Send()

	if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("observability server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the observability server.
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	o.log.Info("Shutting down observability server").Send()
	return o.server.Shutdown(ctx)
}
