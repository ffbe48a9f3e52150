// Package service wires the storage engine, the record access layer,
// and the HTTP and gRPC health servers into a running process.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/a-poor/userdb/api"
	"github.com/a-poor/userdb/config"
	"github.com/a-poor/userdb/storage"
	"github.com/a-poor/userdb/users"
	"github.com/a-poor/userdb/workpool"
)

// HealthService is the service name reported by the gRPC health
// server.
const HealthService = "userdb.Users"

// readHeaderTimeout limits how long the HTTP server waits for
// request headers.
const readHeaderTimeout = 5 * time.Second

// Service owns the process-wide resources: the engine handle, the
// worker pool, and the servers.
type Service struct {
	cfg      config.Config
	logger   *zap.Logger
	tree     *storage.LSMTree
	pool     *workpool.Pool
	store    *users.Store
	registry *prometheus.Registry
	handler  http.Handler
	health   *health.Server

	closeOnce sync.Once
	closeErr  error
}

// New opens the engine in cfg.DBPath and builds everything on top
// of it. The caller must call Close (Serve does so on return).
func New(cfg config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessMode, err := users.ParseAccessMode(cfg.AccessMode)
	if err != nil {
		return nil, err
	}
	updateMode, err := users.ParseUpdateMode(cfg.UpdateMode)
	if err != nil {
		return nil, err
	}

	tree, err := storage.Open(cfg.DBPath, storage.Options{
		MemtableSize:   cfg.MemtableSize,
		LevelMaxTables: cfg.LevelMaxTables,
		SyncWrites:     cfg.SyncWrites,
		Compress:       cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage at %s: %w", cfg.DBPath, err)
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		tree:     tree,
		registry: prometheus.NewRegistry(),
		health:   health.NewServer(),
	}

	if accessMode == users.AccessSerialized {
		s.pool = workpool.New(cfg.Workers)
	}

	metrics, err := s.registerMetrics()
	if err != nil {
		s.Close()
		return nil, err
	}

	s.store, err = users.NewStore(tree, users.Options{
		AccessMode: accessMode,
		UpdateMode: updateMode,
		Pool:       s.pool,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.handler = api.NewHandler(s.store, logger, api.WithMetrics(s.registry))
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	logger.Info("storage opened",
		zap.String("path", cfg.DBPath),
		zap.String("access_mode", string(accessMode)),
		zap.String("update_mode", string(updateMode)),
	)
	return s, nil
}

func (s *Service) registerMetrics() (*users.Metrics, error) {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if s.pool != nil {
		pool := s.pool
		s.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "userdb",
				Subsystem: "workpool",
				Name:      "queued_jobs",
				Help:      "Engine calls waiting for a worker.",
			}, func() float64 { return float64(pool.Queued()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "userdb",
				Subsystem: "workpool",
				Name:      "running_jobs",
				Help:      "Engine calls currently running.",
			}, func() float64 { return float64(pool.Running()) }),
		)
	}
	tree := s.tree
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "userdb",
		Subsystem: "storage",
		Name:      "memtable_entries",
		Help:      "Entries in the storage engine's memtable.",
	}, func() float64 { return float64(tree.Stats().MemtableEntries) }))
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "userdb",
		Subsystem: "storage",
		Name:      "flush_failing",
		Help:      "1 while the last memtable flush or compaction has failed.",
	}, func() float64 {
		if tree.FlushErr() != nil {
			return 1
		}
		return 0
	}))
	return users.NewMetrics(s.registry)
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Store returns the record access layer.
func (s *Service) Store() *users.Store {
	return s.store
}

// Run listens on the configured addresses and serves until ctx is
// done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.Close()
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	var healthLn net.Listener
	if s.cfg.HealthAddr != "" {
		healthLn, err = net.Listen("tcp", s.cfg.HealthAddr)
		if err != nil {
			ln.Close()
			s.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.HealthAddr, err)
		}
	}
	return s.Serve(ctx, ln, healthLn)
}

// Serve serves HTTP on ln, and the gRPC health service on healthLn
// if it is not nil, until ctx is done or a server fails. It then
// shuts everything down and closes the service.
func (s *Service) Serve(ctx context.Context, ln, healthLn net.Listener) error {
	defer s.Close()

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errs := make(chan error, 2)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if healthLn != nil {
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, s.health)
		go func() {
			s.logger.Info("health server listening", zap.String("addr", healthLn.Addr().String()))
			if err := grpcSrv.Serve(healthLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errs <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		s.logger.Error("server failed", zap.Error(runErr))
	}

	s.logger.Info("shutting down")
	s.health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return runErr
}

// Close releases the worker pool and closes the engine. In-flight
// engine calls finish first. It runs once; later calls return the
// first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.health.Shutdown()
		if s.pool != nil {
			s.pool.Close()
		}
		if err := s.tree.Close(); err != nil {
			s.closeErr = fmt.Errorf("close storage: %w", err)
			s.logger.Error("close storage", zap.Error(err))
			return
		}
		s.logger.Info("storage closed", zap.String("path", s.cfg.DBPath))
	})
	return s.closeErr
}
