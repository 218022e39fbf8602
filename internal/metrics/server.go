package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"circuit-agent/internal/errcode"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Health struct {
	Status   string `json:"status"`
	Outcome  string `json:"outcome,omitempty"`
	Code     string `json:"code,omitempty"`
	Circuits int    `json:"circuits"`
	AgeMs    int64  `json:"age_ms"`
}

type Server struct {
	metrics    *Metrics
	logger     *logrus.Logger
	staleAfter time.Duration
	now        func() time.Time
	httpServer *http.Server
}

// NewServer serves /metrics and /healthz on addr. The agent is unhealthy
// until a first cycle completes and whenever the last one is older than
// staleAfter.
func NewServer(addr string, m *Metrics, staleAfter time.Duration, logger *logrus.Logger) *Server {
	s := &Server{
		metrics:    m,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handlers.RecoveryHandler(handlers.RecoveryLogger(logger))(s.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "starting"}
	status := http.StatusServiceUnavailable

	if last, ok := s.metrics.Last(); ok {
		age := s.metrics.Age(s.now())
		h.Outcome = string(last.Outcome)
		h.Circuits = len(last.Circuits)
		h.AgeMs = age.Milliseconds()
		if last.Err != nil {
			h.Code = string(errcode.Of(last.Err))
		}
		if s.staleAfter > 0 && age > s.staleAfter {
			h.Status = "stale"
		} else {
			h.Status = "ok"
			status = http.StatusOK
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(h)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Metrics listening on %s", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
