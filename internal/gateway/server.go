// Package gateway runs the HTTP server that fronts the concierge:
// the messaging webhook, operational endpoints and Prometheus metrics.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bookline/concierge/internal/config"
	httpapi "github.com/bookline/concierge/internal/http"
)

// routeRegistrar is implemented by the handlers that mount themselves on
// the server's mux.
type routeRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the concierge's HTTP front door.
type Server struct {
	cfg      *config.Config
	handlers []routeRegistrar

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway server. Either handler may be nil (bridge
// mode runs without the webhook, tests may run without ops).
func NewServer(cfg *config.Config, webhook *httpapi.WebhookHandler, ops *httpapi.OpsHandler) *Server {
	s := &Server{cfg: cfg}
	if webhook != nil {
		s.handlers = append(s.handlers, webhook)
	}
	if ops != nil {
		s.handlers = append(s.handlers, ops)
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	for _, h := range s.handlers {
		h.RegisterRoutes(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	s.mux = mux
	return mux
}

// Start begins serving and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// StartTestServer creates a listener on 127.0.0.1:0 and returns the actual
// address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
