// Package api provides the read-only operator surfaces of a trading run: a
// websocket feed of engine events and a gRPC inspection service over the
// intent store.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc"

	"meridian/internal/config"
)

// Server hosts the websocket feed and the gRPC inspection service.
type Server struct {
	httpAddr string
	grpcAddr string

	hub        *Hub
	inspection *InspectionService

	httpSrv *http.Server
	grpcSrv *grpc.Server
	log     *slog.Logger
}

// NewServer creates a Server configured from cfg. A zero port disables the
// corresponding listener; a nil state disables gRPC.
func NewServer(cfg config.Server, hub *Hub, state StateReader, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{hub: hub, log: log.With("component", "api")}
	if cfg.WSPort > 0 && hub != nil {
		s.httpAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.WSPort))
	}
	if cfg.GRPCPort > 0 && state != nil {
		s.grpcAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort))
		s.inspection = NewInspectionService(state, hub, log)
	}
	return s
}

// Enabled reports whether any listener is configured.
func (s *Server) Enabled() bool {
	return s.httpAddr != "" || s.grpcAddr != ""
}

// Handler returns the HTTP routes: /ws for the event feed and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// ListenAndServe starts the configured listeners and blocks until ctx is
// cancelled or a listener fails, then shuts both down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return nil
	}
	errCh := make(chan error, 2)

	if s.httpAddr != "" {
		ln, err := net.Listen("tcp", s.httpAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
		}
		s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		s.log.Info("websocket feed listening", "addr", ln.Addr().String())
		go func() {
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if s.grpcAddr != "" {
		ln, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			s.shutdownHTTP()
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
		s.grpcSrv = grpc.NewServer()
		s.inspection.RegisterGRPC(s.grpcSrv)
		s.log.Info("grpc inspection listening", "addr", ln.Addr().String())
		go func() {
			if err := s.grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.Shutdown()
	return err
}

// Shutdown stops both servers, waiting briefly for in-flight requests.
// Streaming subscribers are released when the hub closes.
func (s *Server) Shutdown() {
	s.shutdownHTTP()
	if s.grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			s.grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.grpcSrv.Stop()
		}
	}
	s.log.Info("api stopped")
}

func (s *Server) shutdownHTTP() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
}
