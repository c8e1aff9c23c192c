// Package api exposes control lookups and finding classification over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/producer"
	"github.com/PiotrMackowski/ClosedCSPM/internal/remediation"
)

const (
	maxBodyBytes = 1 << 20
	maxListLimit = 500
)

// Server serves the HTTP API.
type Server struct {
	catalog   *catalog.Cache
	enricher  *remediation.Enricher
	logger    *zap.Logger
	router    chi.Router
	startTime time.Time
}

// NewServer builds the router. A nil enricher classifies without runbooks.
func NewServer(cache *catalog.Cache, enricher *remediation.Enricher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if enricher == nil {
		enricher = remediation.NewEnricher(nil, nil, logger)
	}
	s := &Server{
		catalog:   cache,
		enricher:  enricher,
		logger:    logger.Named("api"),
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/catalog", s.handleCatalog)
		r.Post("/catalog/refresh", s.handleRefresh)
		r.Get("/controls", s.handleListControls)
		r.Get("/controls/{id}", s.handleGetControl)
		r.Post("/classify", s.handleClassify)
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

// handleReady reports ready once a catalog can be served.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	res := s.catalog.Catalog(r.Context(), false)
	status := http.StatusOK
	if res.Degraded() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":  !res.Degraded(),
		"source": res.Source,
		"stale":  res.Stale,
	})
}

type catalogInfo struct {
	Source   catalog.ResultSource `json:"source"`
	Stale    bool                 `json:"stale"`
	Version  string               `json:"version,omitempty"`
	Origin   catalog.Origin       `json:"origin,omitempty"`
	Controls int                  `json:"controls"`
	Families []string             `json:"families,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func infoOf(res catalog.Result) catalogInfo {
	info := catalogInfo{Source: res.Source, Stale: res.Stale}
	if res.Err != nil {
		info.Error = res.Err.Error()
	}
	if res.Catalog != nil {
		info.Version = res.Catalog.Version
		info.Origin = res.Catalog.Origin
		info.Controls = res.Catalog.Len()
		info.Families = res.Catalog.Families()
	}
	return info
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, infoOf(s.catalog.Catalog(r.Context(), false)))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res := s.catalog.Catalog(r.Context(), true)
	status := http.StatusOK
	if res.Degraded() {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, infoOf(res))
}

// handleListControls handles GET /api/v1/controls?family=AC&q=account&limit=50.
func (s *Server) handleListControls(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	family := query.Get("family")
	term := query.Get("q")

	limit := maxListLimit
	if l := query.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}

	res := s.catalog.Catalog(r.Context(), false)
	if res.Degraded() {
		s.writeError(w, http.StatusServiceUnavailable, "control catalog unavailable")
		return
	}

	var controls []catalog.Control
	switch {
	case term != "":
		for _, c := range res.Catalog.Search(term) {
			if family == "" || catalog.Family(c.ID) == catalog.Family(family) {
				controls = append(controls, c)
			}
		}
	case family != "":
		controls = res.Catalog.ByFamily(family)
	default:
		for _, f := range res.Catalog.Families() {
			controls = append(controls, res.Catalog.ByFamily(f)...)
		}
	}

	total := len(controls)
	if len(controls) > limit {
		controls = controls[:limit]
	}
	if controls == nil {
		controls = []catalog.Control{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":   res.Source,
		"total":    total,
		"controls": controls,
	})
}

func (s *Server) handleGetControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res := s.catalog.Catalog(r.Context(), false)
	if res.Degraded() {
		s.writeError(w, http.StatusServiceUnavailable, "control catalog unavailable")
		return
	}
	ctl, ok := res.Catalog.Control(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "control not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ctl)
}

// handleClassify handles POST /api/v1/classify. The body is a finding file
// or a bare list of finding records in JSON.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "reading request body failed")
		return
	}
	file, err := producer.Decode(body, ".json")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	findings, err := producer.Convert(file, "api", finding.TypeOther)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	enriched := s.enricher.Enrich(findings)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(enriched),
		"findings": enriched,
	})
}
