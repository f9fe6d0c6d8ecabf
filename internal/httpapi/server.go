// Package httpapi serves the operational surface: health, metrics, recent
// decisions, model weights, pattern refresh, version overrides, the
// fingerprint beacon, and challenge verification.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/contracts"
	"github.com/edgeshield/botshield/internal/engine"
	"github.com/edgeshield/botshield/internal/middleware"
	"github.com/edgeshield/botshield/internal/observability"
	"github.com/edgeshield/botshield/internal/patterns"
	"github.com/edgeshield/botshield/internal/versions"
)

// FingerprintWriter persists beacon-produced fingerprints.
type FingerprintWriter interface {
	PutFingerprint(ctx context.Context, ipHash string, fp *contracts.BrowserFingerprint) error
}

// Server is the ops API server.
type Server struct {
	logger  *zap.SugaredLogger
	router  chi.Router
	engine  *engine.Engine
	shield  *middleware.Middleware
	metrics *observability.MetricsManager
	cache   *patterns.Cache
	browser *versions.Static
	fpStore FingerprintWriter
}

// New wires the router.
func New(logger *zap.SugaredLogger, eng *engine.Engine, shield *middleware.Middleware,
	metrics *observability.MetricsManager, cache *patterns.Cache,
	browser *versions.Static, fpStore FingerprintWriter) *Server {
	s := &Server{
		logger:  logger,
		router:  chi.NewRouter(),
		engine:  eng,
		shield:  shield,
		metrics: metrics,
		cache:   cache,
		browser: browser,
		fpStore: fpStore,
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(chimiddleware.RequestID)

	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Post("/_botshield/challenge", s.shield.HandleChallengeVerify)
	s.router.Post("/_botshield/beacon", s.handleBeacon)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))

		r.Get("/decisions", s.handleGetDecisions)
		r.Get("/detectors", s.handleGetDetectors)
		r.Get("/weights", s.handleGetWeights)
		r.Post("/patterns/refresh", s.handleRefreshPatterns)
		r.Get("/versions", s.handleGetVersions)
		r.Put("/versions/{browser}", s.handlePutVersion)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetDecisions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.shield.Recent().List())
}

func (s *Server) handleGetDetectors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.DetectorNames())
}

func (s *Server) handleGetWeights(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Model().Weights())
}

func (s *Server) handleRefreshPatterns(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "pattern cache not configured")
		return
	}
	s.cache.Refresh(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]int{
		"patterns":    len(s.cache.DownloadedPatterns()),
		"cidr_ranges": len(s.cache.DownloadedCidrRanges()),
	})
}

func (s *Server) handleGetVersions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.browser.Snapshot())
}

func (s *Server) handlePutVersion(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "browser")
	var body struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Version <= 0 {
		s.writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}
	s.browser.SetLatestVersion(name, body.Version)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"browser": name, "version": strconv.Itoa(body.Version),
	})
}

// handleBeacon receives the client-side fingerprint payload and stores it
// keyed by the hashed client IP. Values inside the payload are opaque hashes
// produced by the collector script; nothing here inspects them.
func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	if s.fpStore == nil {
		s.writeError(w, http.StatusServiceUnavailable, "fingerprint store not configured")
		return
	}
	var fp contracts.BrowserFingerprint
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&fp); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid fingerprint payload")
		return
	}
	fp.CollectedAt = time.Now()

	key := s.engine.FingerprintKey(s.shield.RequestContextFor(r))
	if err := s.fpStore.PutFingerprint(r.Context(), key, &fp); err != nil {
		s.logger.Errorw("fingerprint store write failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "store write failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
