// Package server exposes the farm's status API: health, readiness, metrics, running captures,
// held claims and the capture catalog. Every request carries a correlation id, and admin routes
// sit behind token or basic auth.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/streamfarm/capture"
	"github.com/onnwee/streamfarm/claim"
	"github.com/onnwee/streamfarm/db"
	"github.com/onnwee/streamfarm/telemetry"
)

// Captures is the registry as seen by the API.
type Captures interface {
	Snapshot() []capture.Capture
	StopCapture(id string) bool
}

// Claims lists held claims.
type Claims interface {
	List() ([]claim.Info, error)
}

// Catalog serves recent captures from the database.
type Catalog interface {
	Recent(ctx context.Context, limit int) ([]db.Record, error)
}

// Pinger checks database connectivity.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps holds the handlers' dependencies. Catalog and DB are nil when the farm runs without a
// database.
type Deps struct {
	Captures Captures
	Claims   Claims
	Catalog  Catalog
	DB       Pinger
	Auth     *AuthConfig // nil reads ADMIN_* from the environment
}

// NewRouter returns the HTTP handler with all routes.
func NewRouter(d Deps) http.Handler {
	auth := d.Auth
	if auth == nil {
		auth = LoadAuthConfig()
	}
	h := &handlers{deps: d}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlate)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Get("/captures", h.captures)
	r.Get("/claims", h.claims)
	r.Get("/catalog", h.catalog)

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth(auth))
		r.Post("/captures/{id}/stop", h.stopCapture)
	})
	return r
}

// correlate injects a correlation id and a server span into every request.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()
		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method),
			slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", rec.statusCode))
			span.SetStatus(code, msg)
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	slog.Info("status server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err), slog.String("component", "http"))
		return err
	}
	return nil
}
