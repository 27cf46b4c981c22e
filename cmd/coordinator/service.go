package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"Ceremony/internal/api"
	"Ceremony/internal/auth"
	"Ceremony/internal/backup"
	"Ceremony/internal/chunkstore"
	"Ceremony/internal/coordinator"
	"Ceremony/internal/ledger"
	"Ceremony/internal/logger"
	"Ceremony/internal/metrics"
)

// Service is a running coordinator.
type Service struct {
	cfg      *Config
	ledger   *ledger.Ledger
	store    chunkstore.Store
	scheme   auth.Scheme
	registry *prometheus.Registry
	metrics  *metrics.Collector
	coord    *coordinator.Coordinator
	api      *api.Server
	backups  *backup.Manager
}

// NewService opens the ledger and storage and wires the coordinator.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	s := &Service{cfg: cfg}

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}

	if err := s.openLedger(); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.initAuth(); err != nil {
		s.Close()
		return nil, err
	}

	s.initMetrics()
	s.initCoordinator()
	s.initAPI()

	if err := s.initBackups(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// openStore opens the configured chunk storage backend.
func openStore(ctx context.Context, cfg *Config) (chunkstore.Store, error) {
	switch cfg.Storage {
	case "gcs":
		return chunkstore.NewGCSStore(ctx, chunkstore.GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.GCSCredentials,
			URLExpiry:       cfg.URLExpiry,
		})
	case "s3":
		return chunkstore.NewS3Store(ctx, chunkstore.S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			URLExpiry: cfg.URLExpiry,
		})
	default:
		return chunkstore.NewDiskStore(cfg.ChunkDir(), cfg.BaseURL)
	}
}

// openLedgerStore opens the configured ledger backend.
func openLedgerStore(cfg *Config) (ledger.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory:\n%w", err)
	}

	if cfg.Ledger == "pebble" {
		return ledger.NewPebbleStore(cfg.LedgerPath(), cfg.LedgerRetain)
	}

	return ledger.NewFileStore(cfg.LedgerPath())
}

func (s *Service) initStore(ctx context.Context) error {
	store, err := openStore(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	s.store = store

	return nil
}

func (s *Service) openLedger() error {
	store, err := openLedgerStore(s.cfg)
	if err != nil {
		return fmt.Errorf("init ledger store:\n%w", err)
	}

	l, err := ledger.Open(store)
	if err != nil {
		store.Close()
		return err
	}

	s.ledger = l

	return nil
}

func (s *Service) initAuth() error {
	scheme, err := auth.New(s.cfg.Auth)
	if err != nil {
		return err
	}

	if s.cfg.AuthCache > 0 {
		scheme, err = auth.NewCached(scheme, s.cfg.AuthCache)
		if err != nil {
			return fmt.Errorf("init auth cache:\n%w", err)
		}
	}

	s.scheme = scheme

	return nil
}

func (s *Service) initMetrics() {
	if !s.cfg.Metrics {
		return
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.metrics = metrics.NewCollector(s.registry)
}

func (s *Service) initCoordinator() {
	opts := []coordinator.Option{coordinator.WithLease(s.cfg.Lease)}
	if s.metrics != nil {
		opts = append(opts, coordinator.WithMetrics(s.metrics))
	}

	s.coord = coordinator.New(s.ledger, s.store, opts...)
}

func (s *Service) initAPI() {
	var opts []api.Option
	if s.metrics != nil {
		opts = append(opts, api.WithMetrics(s.metrics, s.registry))
	}

	s.api = api.New(api.Config{
		Addr:           s.cfg.HTTPAddr,
		HTTP3Addr:      s.cfg.HTTP3Addr,
		CertFile:       s.cfg.CertFile,
		KeyFile:        s.cfg.KeyFile,
		MaxBody:        s.cfg.MaxBody,
		AllowedOrigins: s.cfg.CORSOrigins,
	}, s.coord, s.scheme, opts...)
}

func (s *Service) initBackups() error {
	if s.cfg.BackupInterval <= 0 {
		return nil
	}

	m, err := backup.NewManager(s.cfg.BackupDir(), s.ledger,
		backup.WithInterval(s.cfg.BackupInterval),
		backup.WithKeep(s.cfg.BackupKeep),
	)
	if err != nil {
		return err
	}

	s.backups = m

	return nil
}

// Run starts the API and background loops and blocks until a shutdown signal.
func (s *Service) Run() error {
	if err := s.api.Start(); err != nil {
		return multierror.Append(fmt.Errorf("start api:\n%w", err), s.Close()).ErrorOrNil()
	}

	if s.cfg.Lease > 0 {
		s.coord.StartReaper(s.cfg.ReapInterval)
	}

	if s.backups != nil {
		s.backups.Start()
	}

	c := s.ledger.Snapshot()
	logger.Info("coordinator started",
		"addr", s.cfg.HTTPAddr,
		"auth", s.scheme.Type(),
		"storage", s.cfg.Storage,
		"ledger", s.cfg.Ledger,
		"version", c.Version,
		"remaining", len(c.Remaining()),
	)

	return s.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (s *Service) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return s.Close()
}

// Close shuts down all components, API first and ledger last.
func (s *Service) Close() error {
	var result *multierror.Error

	if s.api != nil {
		if err := s.api.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop api:\n%w", err))
		}
	}

	if s.coord != nil {
		s.coord.Stop()
	}

	if s.backups != nil {
		s.backups.Stop()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close storage:\n%w", err))
		}
	}

	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close ledger:\n%w", err))
		}
	}

	return result.ErrorOrNil()
}
