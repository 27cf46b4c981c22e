package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go/http3"
	"github.com/rs/cors"

	"Ceremony/internal/auth"
	"Ceremony/internal/ceremony"
	"Ceremony/internal/logger"
	"Ceremony/internal/metrics"
)

const (
	// defaultMaxBody caps JSON and upload bodies when no limit is configured.
	defaultMaxBody = 64 << 20 // 64 MB

	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 5 * time.Second
)

// Coordinator is the ceremony authority served over HTTP.
type Coordinator interface {
	GetCeremony() *ceremony.Ceremony
	SetCeremony(next *ceremony.Ceremony) error
	GetChunk(chunkID string) (*ceremony.Chunk, error)
	GetChunksRemaining() []*ceremony.Chunk
	TryLockChunk(chunkID, participantID string) (bool, error)
	UnlockChunk(chunkID, participantID string) error
	WriteLocation(ctx context.Context, chunkID, participantID string) (string, error)
	StageContribution(ctx context.Context, chunkID string, version int, participantID string, r io.Reader) error
	ContributeChunk(ctx context.Context, chunkID, participantID string) (*ceremony.Chunk, error)
	WriteSeed(ctx context.Context, chunkID, participantID string, data []byte) error
	ReadContribution(ctx context.Context, chunkID string, version int) ([]byte, error)
	ReclaimExpired(now time.Time) ([]string, error)
}

// Config configures the HTTP API.
type Config struct {
	Addr           string   // Addr is the TCP listen address
	HTTP3Addr      string   // HTTP3Addr is the UDP listen address for HTTP/3 (empty = disabled)
	CertFile       string   // CertFile is a PEM certificate for TLS (empty = plain HTTP, self-signed HTTP/3)
	KeyFile        string   // KeyFile is the PEM key matching CertFile
	MaxBody        int64    // MaxBody caps request bodies in bytes
	AllowedOrigins []string // AllowedOrigins are the CORS origins (empty = none)
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config              // cfg is the listener configuration
	coord    Coordinator         // coord executes ceremony operations
	scheme   auth.Scheme         // scheme verifies authorization headers
	metrics  *metrics.Collector  // metrics instruments handlers (nil = disabled)
	gatherer prometheus.Gatherer // gatherer serves /metrics (nil = disabled)
	handler  http.Handler        // handler is the full middleware chain
	server   *http.Server        // server is the TCP server
	h3       *http3.Server       // h3 is the optional HTTP/3 server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics instruments every route and serves /metrics from gatherer.
func WithMetrics(c *metrics.Collector, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = c
		s.gatherer = gatherer
	}
}

// New creates the HTTP API server.
func New(cfg Config, coord Coordinator, scheme auth.Scheme, opts ...Option) *Server {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}

	s := &Server{cfg: cfg, coord: coord, scheme: scheme}
	for _, opt := range opts {
		opt(s)
	}

	s.handler = s.routes()

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// routes builds the mux and wraps it with CORS and request logging.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "GET /health", "health", s.handleHealth)
	s.handle(mux, "GET /ceremony", "get_ceremony", s.handleGetCeremony)
	s.handle(mux, "PUT /ceremony", "set_ceremony", s.verifier(s.handleSetCeremony))
	s.handle(mux, "GET /chunks/remaining", "chunks_remaining", s.handleChunksRemaining)
	s.handle(mux, "GET /chunks/{id}", "get_chunk", s.handleGetChunk)
	s.handle(mux, "POST /chunks/{id}/lock", "lock", s.participant(s.handleLock))
	s.handle(mux, "POST /chunks/{id}/unlock", "unlock", s.participant(s.handleUnlock))
	s.handle(mux, "GET /chunks/{id}/contribution", "write_location", s.participant(s.handleWriteLocation))
	s.handle(mux, "POST /chunks/{id}/contribution", "contribute", s.participant(s.handleContribute))
	s.handle(mux, "POST /chunks/{id}/contribution/{version}", "upload", s.participant(s.handleUpload))
	s.handle(mux, "GET /chunks/{id}/contribution/{version}", "download", s.handleDownload)
	s.handle(mux, "POST /chunks/{id}/seed", "seed", s.verifier(s.handleSeed))
	s.handle(mux, "POST /locks/reclaim", "reclaim", s.verifier(s.handleReclaim))

	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	return s.logRequests(c.Handler(mux))
}

// handle registers a route, instrumented when metrics are enabled.
func (s *Server) handle(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.metrics != nil {
		handler = s.metrics.Instrument(name, handler)
	}

	mux.Handle(pattern, handler)
}

// Start starts the HTTP listeners in goroutines.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsEnabled := s.cfg.CertFile != "" && s.cfg.KeyFile != ""

	if s.cfg.HTTP3Addr != "" {
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			return err
		}

		s.h3 = &http3.Server{
			Addr:      s.cfg.HTTP3Addr,
			Handler:   s.handler,
			TLSConfig: http3.ConfigureTLSConfig(tlsConfig),
		}

		s.server.Handler = s.advertiseHTTP3(s.handler)

		go func() {
			logger.Info("http3 api started", "addr", s.cfg.HTTP3Addr)

			if err := s.h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http3 server error", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("http api started", "addr", s.cfg.Addr, "tls", tlsEnabled)

		var err error
		if tlsEnabled {
			err = s.server.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}

		if err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP listeners.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if s.h3 != nil {
		errs = append(errs, s.h3.Shutdown(ctx))
	}

	if s.server != nil {
		errs = append(errs, s.server.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// tlsConfig loads the configured certificate or generates a self-signed one.
func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls certificate:\n%w", err)
		}

		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	cert, err := selfSignedCertificate()
	if err != nil {
		return nil, err
	}

	logger.Warn("http3 uses a self-signed certificate")

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// advertiseHTTP3 adds the Alt-Svc header so clients can upgrade to HTTP/3.
func (s *Server) advertiseHTTP3(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			logger.Debug("set quic headers", "error", err)
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequests tags each request with an id and logs its outcome.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()

		w.Header().Set("X-Request-Id", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.Debug("request served",
			"request", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			logger.Timed(start),
		)
	})
}
