// Package server wires the page store core to its ops surface: a gRPC
// health/readiness service (the bespoke CRUD RPC surface is out of scope,
// spec §1) plus the HTTP observability endpoints in observability.go.
package server

import (
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nainya/pagestore/internal/logger"
	"github.com/nainya/pagestore/internal/metrics"
	"github.com/nainya/pagestore/pkg/document"
	"github.com/nainya/pagestore/pkg/index"
	"github.com/nainya/pagestore/pkg/storage"
)

// HealthServiceName is the service name reported through the standard gRPC
// health-check protocol for the database's own environment.
const HealthServiceName = "pagestore.Database"

// Server owns the database's storage environment, its document store, the
// indexes registered against it, and the gRPC health service that reports
// readiness for all three to callers (grpcurl, k8s liveness/readiness
// probes, load balancers).
type Server struct {
	env   *storage.Environment
	docs  *document.Store
	log   *logger.Logger
	stats *metrics.Metrics

	health *health.Server

	mu      sync.RWMutex
	indexes map[string]*index.Engine

	startTime time.Time
}

// New opens the database environment at opts and returns a Server wrapping
// it. Close releases the environment and stops every registered index.
func New(opts storage.Options, log *logger.Logger, stats *metrics.Metrics) (*Server, error) {
	env, err := storage.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("server: open environment: %w", err)
	}

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		env:       env,
		docs:      document.NewStore(env),
		log:       log,
		stats:     stats,
		health:    healthSrv,
		indexes:   make(map[string]*index.Engine),
		startTime: time.Now(),
	}, nil
}

// Documents returns the database's document store.
func (s *Server) Documents() *document.Store { return s.docs }

// Environment returns the database's storage environment, for diagnostics
// and for opening additional trees alongside the document store's own.
func (s *Server) Environment() *storage.Environment { return s.env }

// HealthServer returns the gRPC health service to register on a grpc.Server.
func (s *Server) HealthServer() grpc_health_v1.HealthServer { return s.health }

// RegisterIndex adds an already-open index engine to the set this server
// reports on and starts its worker.
func (s *Server) RegisterIndex(eng *index.Engine) {
	s.mu.Lock()
	s.indexes[eng.Name()] = eng
	s.mu.Unlock()

	s.health.SetServingStatus(indexServiceName(eng.Name()), grpc_health_v1.HealthCheckResponse_SERVING)
	eng.Start()
}

func indexServiceName(name string) string {
	return "pagestore.Index." + name
}

// Close stops every registered index and releases the database environment.
func (s *Server) Close() error {
	s.mu.Lock()
	indexes := make([]*index.Engine, 0, len(s.indexes))
	for _, eng := range s.indexes {
		indexes = append(indexes, eng)
	}
	s.mu.Unlock()

	for _, eng := range indexes {
		if err := eng.Close(); err != nil && s.log != nil {
			s.log.Error("failed to close index").Str("index", eng.Name()).Err(err).Send()
		}
	}
	return s.env.Close()
}

// RefreshStats pushes current pager/free-space and index gauges into
// the metrics registry. Callers run this on a ticker (see cmd/treestore).
func (s *Server) RefreshStats() {
	st := s.env.Stats()
	if s.stats != nil {
		s.stats.UpdatePagerStats(st.AllocatedPages, st.FreePages, st.PendingFree, st.Sections)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, eng := range s.indexes {
		progress, err := eng.Progress()
		if err != nil {
			continue
		}
		var lastMapped uint64
		for _, p := range progress {
			if p.LastMappedEtag > lastMapped {
				lastMapped = p.LastMappedEtag
			}
		}
		stale, err := eng.IsStale()
		if err != nil {
			continue
		}
		if s.stats != nil {
			s.stats.UpdateIndexStats(name, lastMapped, stale)
		}
		s.health.SetServingStatus(indexServiceName(name), grpc_health_v1.HealthCheckResponse_SERVING)
	}
}
