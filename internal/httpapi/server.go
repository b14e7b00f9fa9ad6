package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/service"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

// ScanProcessor accepts live and replayed scans.
type ScanProcessor interface {
	ProcessSingleScan(ctx context.Context, req types.ScanRequest) (service.ScanResult, error)
	ProcessBulkScans(ctx context.Context, items []types.BulkScanInput) (types.BulkScanResult, error)
}

type StatsReader interface {
	GetStats(ctx context.Context) (types.PresenceStats, error)
}

type HeartbeatRecorder interface {
	Record(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResponse, error)
}

type Dependencies struct {
	Addr            string
	ShutdownTimeout time.Duration
	RateLimitReqs   int // 0 disables rate limiting
	RateLimitWindow time.Duration
	AllowedOrigins  []string

	Scans      ScanProcessor
	Stats      StatsReader
	Heartbeats HeartbeatRecorder

	// WebSocket serves GET /v1/ws; nil leaves the route unregistered.
	WebSocket http.Handler
	// Ready reports whether the server can take traffic; nil means always.
	Ready func(ctx context.Context) error
}

type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration

	scans      ScanProcessor
	stats      StatsReader
	heartbeats HeartbeatRecorder
	ready      func(ctx context.Context) error
}

func NewServer(d Dependencies) *Server {
	s := &Server{
		shutdownTimeout: d.ShutdownTimeout,
		scans:           d.Scans,
		stats:           d.Stats,
		heartbeats:      d.Heartbeats,
		ready:           d.Ready,
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 5 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(d.AllowedOrigins))
	r.Use(accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimit(d.RateLimitReqs, d.RateLimitWindow))
		r.Use(instrument)

		r.Post("/scans", s.handleScan)
		r.Post("/scans/bulk", s.handleBulkScans)
		r.Get("/presence/stats", s.handleStats)
		r.Post("/kiosks/heartbeat", s.handleHeartbeat)
		if d.WebSocket != nil {
			r.Get("/ws", d.WebSocket.ServeHTTP)
		}
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Serve listens until ctx ends, then shuts down gracefully within the
// configured timeout. It implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(ln) }()
	logging.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string { return "http-server" }
