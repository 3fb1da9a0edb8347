package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Stepan2222000/avito-library/internal/catalog"
	"github.com/Stepan2222000/avito-library/internal/parser"
)

// ListingSource serves stored listings back out of the API.
// *database.ListingStore satisfies it.
type ListingSource interface {
	RecentListings(ctx context.Context, limit int) ([]parser.Listing, error)
}

type Handlers struct {
	manager  *Manager
	listings ListingSource
	logger   *slog.Logger
}

func NewHandlers(manager *Manager, listings ListingSource, logger *slog.Logger) *Handlers {
	return &Handlers{
		manager:  manager,
		listings: listings,
		logger:   logger,
	}
}

// Routes mounts the crawl API onto r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Get("/", h.ListJobs)
		r.Get("/{jobID}", h.GetJob)
	})
	r.Get("/listings", h.GetListings)
}

// CreateJobRequest describes a crawl to enqueue.
type CreateJobRequest struct {
	URL        string   `json:"url"`
	MaxPages   int      `json:"max_pages,omitempty"`
	Sort       string   `json:"sort,omitempty"`
	StartPage  int      `json:"start_page,omitempty"`
	SinglePage bool     `json:"single_page,omitempty"`
	Fields     []string `json:"fields,omitempty"`
}

type CreateJobResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	opts := catalog.Options{
		MaxPages:   req.MaxPages,
		Sort:       catalog.Sort(req.Sort),
		StartPage:  req.StartPage,
		SinglePage: req.SinglePage,
	}
	if len(req.Fields) > 0 {
		fields := make([]parser.Field, 0, len(req.Fields))
		for _, f := range req.Fields {
			fields = append(fields, parser.Field(f))
		}
		opts.Fields = parser.NewFieldSet(fields...)
	}

	job, err := h.manager.Submit(req.URL, opts)
	if err != nil {
		h.logger.Error("failed to submit job", "url", req.URL, "error", err)
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok := h.manager.Job(jobID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.manager.Jobs())
}

func (h *Handlers) GetListings(w http.ResponseWriter, r *http.Request) {
	if h.listings == nil {
		h.respondError(w, http.StatusNotFound, "listing storage is not configured")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	listings, err := h.listings.RecentListings(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to load listings", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load listings")
		return
	}
	h.respondJSON(w, http.StatusOK, listings)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
