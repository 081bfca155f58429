package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsfleet/opsfleet/pkg/edge"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/metrics"
	"github.com/opsfleet/opsfleet/pkg/storage"
	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

// Execer is the subset of *transport.Transport the readiness probe needs to
// check whether a tenant's process is still running on its worker — the
// same transport-subsetting seam pkg/config/pkg/edge/pkg/lifecycle use.
type Execer interface {
	Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error)
}

// Server is the control plane's single HTTP listener.
type Server struct {
	store      storage.Store
	edge       *edge.Reconciler
	transport  Execer
	domain     string
	logger     zerolog.Logger
	mux        *http.ServeMux
	httpClient *http.Client
}

// New builds a Server. domain is the tenant-subdomain suffix used to probe
// the edge proxy (e.g. "apps.example.com").
func New(store storage.Store, reconciler *edge.Reconciler, t Execer, domain string) *Server {
	s := &Server{
		store:      store,
		edge:       reconciler,
		transport:  t,
		domain:     domain,
		logger:     log.WithComponent("httpapi"),
		mux:        http.NewServeMux(),
		httpClient: defaultReadinessClient(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", wrapRoute("healthz", metrics.LivenessHandler()))
	s.mux.HandleFunc("GET /readyz", wrapRoute("readyz", metrics.ReadyHandler()))
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("POST /v1/tenants/{id}/readiness", wrapRoute("tenant_readiness", s.handleReadiness))
}

// Handler returns the server's http.Handler for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP listener on addr, matching the teacher's
// health server's timeout budget.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 90 * time.Second, // the readiness probe itself may run close to provisioner.readinessTimeout
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("listening")
	return srv.ListenAndServe()
}

// wrapRoute records a request's outcome against the API request metrics
// once the wrapped handler has written its status code.
func wrapRoute(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
