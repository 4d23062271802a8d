package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/config"
	"github.com/JakeFAU/stockwatch/internal/lifecycle"
	"github.com/JakeFAU/stockwatch/internal/metrics"
	"github.com/JakeFAU/stockwatch/internal/restock"
)

// Scheduler runs scheduling passes and retires regions on request.
type Scheduler interface {
	Tick(ctx context.Context) (lifecycle.TickReport, error)
	Retire(ctx context.Context, region string) error
}

// JobStatus reads job state.
type JobStatus interface {
	StatusOf(ctx context.Context, jobID string) (restock.Job, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators behind the handlers. Subscriptions may be nil
// when the subscriber directory is read-only.
type Deps struct {
	Scheduler     Scheduler
	Jobs          JobStatus
	Regions       restock.RegionDirectory
	RegionWriter  restock.RegionWriter
	Subscriptions restock.SubscriptionWriter
	Clock         restock.Clock
	Ready         []ReadinessCheck
}

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router  chi.Router
	deps    Deps
	cfg     config.Config
	pattern *regexp.Regexp
	logger  *zap.Logger
}

const defaultRequestTimeout = 30 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	pattern, err := cfg.RegionPattern()
	if err != nil {
		logger.Warn("invalid region pattern; using default", zap.Error(err))
		pattern = regexp.MustCompile(`^[0-9]{6}$`)
	}
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		pattern: pattern,
		logger:  logger,
	}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/ping", s.ping)
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/scrape", s.scrape)
		r.Get("/scrape", s.scrape)
		r.Get("/scrape_status/{job_id}", s.scrapeStatus)

		r.Route("/v1", func(r chi.Router) {
			r.Route("/regions", func(r chi.Router) {
				r.Get("/", s.listRegions)
				r.Put("/{region}", s.touchRegion)
				r.Delete("/{region}", s.deleteRegion)
			})
			r.Route("/subscriptions/{product_id}/{address}", func(r chi.Router) {
				r.Put("/", s.subscribe)
				r.Delete("/", s.unsubscribe)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for _, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeResponse struct {
	Jobs    []lifecycle.EnqueuedJob `json:"jobs"`
	Retired []string                `json:"retired"`
	Errors  []string                `json:"errors,omitempty"`
}

// scrape runs one scheduling pass. It returns as soon as jobs are enqueued.
func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Scheduler.Tick(r.Context())
	if err != nil {
		s.logger.Error("scrape trigger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := scrapeResponse{Jobs: report.Jobs, Retired: report.Retired}
	for _, e := range report.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) scrapeStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.StatusOf(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, restock.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"job_id": jobID, "status": "not_found"})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.deps.Regions.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if regions == nil {
		regions = []restock.Region{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": regions})
}

func (s *Server) touchRegion(w http.ResponseWriter, r *http.Request) {
	region, ok := s.regionParam(w, r)
	if !ok {
		return
	}
	now := s.deps.Clock.Now()
	if err := s.deps.RegionWriter.Touch(r.Context(), region, now); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, restock.Region{Code: region, LastInteractedAt: now})
}

func (s *Server) deleteRegion(w http.ResponseWriter, r *http.Request) {
	region, ok := s.regionParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.Retire(r.Context(), region); err != nil {
		if errors.Is(err, restock.ErrRegionNotFound) {
			writeError(w, http.StatusNotFound, "region not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) regionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	region := chi.URLParam(r, "region")
	if !s.pattern.MatchString(region) {
		writeError(w, http.StatusBadRequest, "invalid region code")
		return "", false
	}
	return region, true
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	s.withSubscription(w, r, func(ctx context.Context, productID, address string) error {
		return s.deps.Subscriptions.Subscribe(ctx, productID, address)
	}, http.StatusOK)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	s.withSubscription(w, r, func(ctx context.Context, productID, address string) error {
		return s.deps.Subscriptions.Unsubscribe(ctx, productID, address)
	}, http.StatusNoContent)
}

func (s *Server) withSubscription(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, productID, address string) error,
	status int,
) {
	if s.deps.Subscriptions == nil {
		writeError(w, http.StatusNotImplemented, "subscriber directory is read-only")
		return
	}
	productID := chi.URLParam(r, "product_id")
	address := chi.URLParam(r, "address")
	if productID == "" || address == "" {
		writeError(w, http.StatusBadRequest, "product_id and address are required")
		return
	}
	if err := op(r.Context(), productID, address); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"product_id": productID, "address": address})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
