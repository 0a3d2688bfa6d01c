// Package status serves the Prometheus scrape endpoint and a liveness probe
// next to a mail daemon.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/courier/logger"
)

// Checker reports whether a dependency of the daemon is usable.
type Checker func(ctx context.Context) error

// Health is the body of the /healthz response.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}

type Server struct {
	service string
	check   Checker
	srv     *http.Server
}

// New builds a status server listening on addr. metricsPath defaults to
// /metrics. check may be nil.
func New(service, addr, metricsPath string, check Checker) *Server {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s := &Server{service: service, check: check}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(metricsPath),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router exposes the HTTP routes without binding a socket.
func (s *Server) Router(metricsPath string) *mux.Router {
	r := mux.NewRouter()
	r.Handle(metricsPath, promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok", Service: s.service}
	code := http.StatusOK
	if s.check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.check(ctx); err != nil {
			h.Status = "unavailable"
			h.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// Run serves until ctx is cancelled, then shuts down with a 5 second grace
// period.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Status server shutdown error", "error", err)
		}
	}()

	logger.Info("Status server listening", "service", s.service, "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
