// Command treestore runs the page store core as a standalone process: it
// opens the database environment and document store (no indexes are
// registered here), and exposes the ops surface (gRPC health checks, Prometheus metrics, pprof).
// HTTP document routes and request handlers are an external collaborator
// (spec §1) and are not part of this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/pagestore/internal/logger"
	"github.com/nainya/pagestore/internal/metrics"
	"github.com/nainya/pagestore/internal/server"
	"github.com/nainya/pagestore/pkg/storage"
)

var (
	port        = flag.Int("port", 50051, "The gRPC health/readiness port")
	obsPort     = flag.Int("observability-port", 9090, "The HTTP metrics/pprof port")
	dbPath      = flag.String("db", "pagestore.db", "Database file path")
	memoryOnly  = flag.Bool("memory-only", false, "Use an anonymous, non-persistent backing region")
	pageSize    = flag.Int("page-size", 4096, "Page size in bytes (4096 or 8192)")
	logLevel    = flag.String("log-level", "info", "debug, info, warn, or error")
	logPretty   = flag.Bool("log-pretty", false, "Pretty-print logs for local development")
	statsPeriod = flag.Duration("stats-interval", 10*time.Second, "How often to refresh exported stats")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: *logLevel, Pretty: *logPretty})
	log := logger.GetGlobalLogger()
	stats := metrics.NewMetrics()

	log.LogServerStart(*port, *dbPath)

	srv, err := server.New(storage.Options{
		Path:       *dbPath,
		MemoryOnly: *memoryOnly,
		PageSize:   *pageSize,
	}, log, stats)
	if err != nil {
		log.Fatal("failed to open database").Err(err).Send()
	}
	defer srv.Close()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatal("failed to listen").Err(err).Send()
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(stats, log)),
	)
	grpc_health_v1.RegisterHealthServer(grpcServer, srv.HealthServer())
	reflection.Register(grpcServer)

	obsServer := server.NewObservabilityServer(*obsPort, srv, log)
	go func() {
		if err := obsServer.Start(); err != nil {
			log.Error("observability server stopped").Err(err).Send()
		}
	}()

	statsTicker := time.NewTicker(*statsPeriod)
	defer statsTicker.Stop()
	stopStats := make(chan struct{})
	go func() {
		for {
			select {
			case <-statsTicker.C:
				srv.RefreshStats()
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.LogServerShutdown()
		close(stopStats)
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obsServer.Shutdown(shutdownCtx)
	}()

	log.LogServerReady(*port)
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatal("failed to serve").Err(err).Send()
	}
}
