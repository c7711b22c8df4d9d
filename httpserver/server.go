package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/ruteri/credential-registry/metrics"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

// New builds the API server around handler. metricsSrv serves /metrics on
// its own address and records per-route request metrics.
func New(cfg *HTTPServerConfig, handler *Handler, metricsSrv *metrics.MetricsServer) (srv *Server, err error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if metricsSrv == nil {
		return nil, errors.New("metrics server is required")
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

// Handler returns the API router.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) getRouter() http.Handler {
	h := srv.handler
	mux := chi.NewRouter()
	mux.Use(srv.httpLogger, srv.observe, middleware.Recoverer)

	requireAuth := h.auth.RequireAuth(h.writeError)

	mux.Post("/api/auth/challenge", h.HandleChallenge)
	mux.Post("/api/auth/login", h.HandleLogin)

	mux.With(h.auth.OptionalAuth).Get("/api/verify/{hash}", h.HandleVerifyHash)
	mux.With(h.auth.OptionalAuth).Post("/api/verify", h.HandleVerify)

	mux.Get("/api/monitoring/health", h.HandleHealth)

	mux.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Get("/api/auth/profile", h.HandleProfile)
		r.Put("/api/auth/profile", h.HandleUpdateProfile)

		r.Post("/api/documents/register", h.HandleRegister)
		r.Get("/api/documents", h.HandleListDocuments)
		r.Get("/api/documents/{hash}", h.HandleGetDocument)
		r.Post("/api/documents/{hash}/share", h.HandleShare)
		r.Delete("/api/documents/{hash}/share", h.HandleShare)
		r.Post("/api/documents/{hash}/transfer", h.HandleTransfer)
		r.Post("/api/documents/{hash}/deactivate", h.HandleDeactivate)
		r.Get("/api/documents/{hash}/download", h.HandleDownload)

		r.Post("/api/consent", h.HandleRecordConsent)
		r.Get("/api/consent", h.HandleConsentHistory)
		r.Get("/api/consent/{type}", h.HandleHasConsent)
		r.Delete("/api/consent/{type}", h.HandleWithdrawConsent)

		r.Post("/api/privacy/deletion", h.HandleCreateDeletion)
		r.Get("/api/privacy/deletion/{id}", h.HandleGetDeletion)
		r.Post("/api/privacy/deletion/{id}/process", h.HandleProcessDeletion)
		r.Post("/api/privacy/export", h.HandleCreateExport)
		r.Get("/api/privacy/export/{id}", h.HandleDownloadExport)

		r.Post("/api/admin/roles", h.HandleAssignRole)
		r.Post("/api/admin/roles/batch", h.HandleBatchAssignRoles)
		r.Delete("/api/admin/roles/{address}", h.HandleRevokeRole)
		r.Post("/api/admin/transfer", h.HandleTransferAdmin)
		r.With(h.requireAdmin).Post("/api/admin/reconcile", h.HandleReconcile)
		r.With(h.requireAdmin).Post("/api/admin/retention", h.HandleRetentionSweep)
		r.With(h.requireAdmin).Post("/api/admin/retention/{id}/process", h.HandleProcessRetentionRequest)
	})

	// Health and diagnostic endpoints
	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// observe records request latency by route pattern and status code.
func (srv *Server) observe(next http.Handler) http.Handler {
	m := srv.metricsSrv.Metrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.ObserveHTTP(route, strconv.Itoa(status), start)
	})
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	writeJSON(w, code, map[string]string{"status": status})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready")
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *Server) RunInBackground() {
	// metrics
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("HTTP server failed", "err", err)
			}
		}()
	}

	// api
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown marks the server not ready, waits out the drain period so load
// balancers stop routing to it and then stops both servers.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	// api
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	// metrics
	if len(srv.cfg.MetricsAddr) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
