// Package httpapi is the HTTP surface of the service. Handlers stay thin:
// they decode, call a service, and translate domain errors to status codes.
// Authorization lives in the services, not here.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"medvault.org/internal/annotation"
	"medvault.org/internal/approval"
	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
	"medvault.org/internal/catalog"
	"medvault.org/internal/obs"
)

// ReadyProbe checks readiness, typically a DB ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the HTTP-layer knobs.
type Options struct {
	Version      string
	Ready        ReadyProbe
	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   int
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	opts Options

	auth        *auth.Service
	catalog     *catalog.Service
	annotations *annotation.Service
	approvals   *approval.Service
	audits      *audit.Recorder
}

// New wires routes over the domain services.
func New(authSvc *auth.Service, catalogSvc *catalog.Service, annotationSvc *annotation.Service, approvalSvc *approval.Service, rec *audit.Recorder, opts Options) *API {
	a := &API{
		mux:         http.NewServeMux(),
		opts:        opts,
		auth:        authSvc,
		catalog:     catalogSvc,
		annotations: annotationSvc,
		approvals:   approvalSvc,
		audits:      rec,
	}

	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/token", a.handleToken)
	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	a.mux.HandleFunc("/v1/datasets", a.handleDatasetsCollection)
	a.mux.HandleFunc("/v1/datasets/", a.handleDatasetResource)
	a.mux.HandleFunc("/v1/samples/", a.handleSampleResource)

	a.mux.HandleFunc("/v1/annotations/", a.handleAnnotationResource)

	a.mux.HandleFunc("/v1/approvals", a.handleApprovalsCollection)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalResource)
	a.mux.HandleFunc("/v1/download", a.handleDownload)

	a.mux.HandleFunc("/v1/audit", a.handleAuditQuery)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = ClientOrigin(h)
	if a.opts.MaxBodyBytes > 0 {
		h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	}
	if a.opts.RateBurst > 0 && a.opts.RatePerSec > 0 {
		h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	}
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "medvault-api",
		"version": a.opts.Version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.opts.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
