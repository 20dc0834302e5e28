// Package api exposes the HTTP interface for the price tracker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/samshad/bestbuy-product-price-tracker/internal/config"
	"github.com/samshad/bestbuy-product-price-tracker/internal/metrics"
	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

// targetExclusivityMsg is the contract error string for the scrape endpoint.
const targetExclusivityMsg = "Either 'web_code' or 'url' must be provided, but not both."

// selectorExclusivityMsg is the analogous string for product reads.
const selectorExclusivityMsg = "Either 'web_code' or 'product_id' must be provided, but not both."

// Submitter is the producer side of the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, target tracker.Target) (tracker.Job, error)
}

// ReadyCheck reports whether a named downstream dependency is reachable.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatcher, registry and gateway.
type Server struct {
	router      chi.Router
	submitter   Submitter
	registry    tracker.Registry
	gateway     tracker.Gateway
	readyChecks []ReadyCheck
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	submitter Submitter,
	registry tracker.Registry,
	gateway tracker.Gateway,
	cfg config.Config,
	logger *zap.Logger,
	readyChecks ...ReadyCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		submitter:   submitter,
		registry:    registry,
		gateway:     gateway,
		readyChecks: readyChecks,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/scrape", s.submitScrape)
	r.Get("/job", s.getJob)
	r.Get("/products", s.getProducts)
	r.Get("/product", s.getProduct)
	r.Get("/product-prices", s.getProductPrices)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for _, check := range s.readyChecks {
		if err := check.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed",
				zap.String("dependency", check.Name),
				zap.Error(err),
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"failed": check.Name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	WebCode string `json:"web_code"`
	URL     string `json:"url"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.submitter.Submit(r.Context(), tracker.Target{WebCode: req.WebCode, URL: req.URL})
	switch {
	case errors.Is(err, tracker.ErrValidation):
		writeError(w, http.StatusBadRequest, targetExclusivityMsg)
	case errors.Is(err, tracker.ErrStorageUnavailable),
		errors.Is(err, tracker.ErrQueueUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "'job_id' query parameter is required")
		return
	}
	job, err := s.registry.GetJob(r.Context(), jobID)
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job": job})
	}
}

func (s *Server) getProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.gateway.GetAllProducts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if products == nil {
		products = []tracker.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	sel, ok := parseSelector(w, r)
	if !ok {
		return
	}
	product, err := s.gateway.GetProduct(r.Context(), sel)
	switch {
	case errors.Is(err, tracker.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, selectorExclusivityMsg)
	case errors.Is(err, tracker.ErrNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	}
}

func parseSelector(w http.ResponseWriter, r *http.Request) (tracker.ProductSelector, bool) {
	q := r.URL.Query()
	sel := tracker.ProductSelector{WebCode: q.Get("web_code")}
	if raw := q.Get("product_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "'product_id' must be a positive integer")
			return tracker.ProductSelector{}, false
		}
		sel.ProductID = id
	}
	if err := sel.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, selectorExclusivityMsg)
		return tracker.ProductSelector{}, false
	}
	return sel, true
}

type priceEntryResponse struct {
	Price int64     `json:"price"`
	Date  time.Time `json:"date"`
}

func (s *Server) getProductPrices(w http.ResponseWriter, r *http.Request) {
	webCode := r.URL.Query().Get("web_code")
	if webCode == "" {
		writeError(w, http.StatusBadRequest, "'web_code' query parameter is required")
		return
	}
	entries, err := s.gateway.GetPriceHistory(r.Context(), webCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	prices := make([]priceEntryResponse, 0, len(entries))
	for _, e := range entries {
		prices = append(prices, priceEntryResponse{Price: e.Price, Date: e.ObservedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
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
