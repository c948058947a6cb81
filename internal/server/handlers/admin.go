package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/engine"
	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/misses"
	"github.com/relaygate/relaygate/internal/core/pool"
	"github.com/relaygate/relaygate/internal/core/queue"
	apperrors "github.com/relaygate/relaygate/internal/errors"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// AdminService is the control surface the admin routes drive.
// *engine.Controller implements it.
type AdminService interface {
	Status(ctx context.Context) (engine.Status, error)
	Buckets() []limiter.BucketStats
	UpdateBucket(ctx context.Context, name string, cfg limiter.BucketConfig) error
	Endpoints() []pool.EndpointHealth
	ResetCircuit(url string) error
	Enqueue(ctx context.Context, job core.NewJob) (core.Job, error)
	RecentJobs(ctx context.Context, limit int) ([]core.Job, error)
	QueueStats(ctx context.Context) (queue.Stats, error)
	DrainQueue(ctx context.Context, timeout time.Duration) error
	Misses() []misses.Record
	ReportMiss(ctx context.Context, key string, payload core.JobPayload) (engine.MissOutcome, error)
	ClearMisses(key string)
}

// Admin serves /admin/*.
type Admin struct {
	Service      AdminService
	DrainTimeout time.Duration
}

// Routes mounts the admin handlers on r.
func (a *Admin) Routes(r chi.Router) {
	r.Get("/status", a.status)

	r.Get("/buckets", a.listBuckets)
	r.Put("/buckets/{name}", a.updateBucket)

	r.Get("/endpoints", a.listEndpoints)
	r.Post("/endpoints/reset", a.resetEndpoint)

	r.Get("/jobs", a.listJobs)
	r.Post("/jobs", a.enqueueJob)

	r.Get("/queue", a.queueStats)
	r.Post("/queue/drain", a.drainQueue)

	r.Get("/misses", a.listMisses)
	r.Post("/misses", a.reportMiss)
	r.Delete("/misses/{key}", a.clearMisses)
}

func (a *Admin) status(w http.ResponseWriter, r *http.Request) {
	status, err := a.Service.Status(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *Admin) listBuckets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"buckets": a.Service.Buckets()})
}

// BucketRequest is the PUT /admin/buckets/{name} body.
type BucketRequest struct {
	Rate     float64 `json:"rate"`
	Capacity float64 `json:"capacity"`
}

func (a *Admin) updateBucket(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "name")))
	if name == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("bucket name is required"))
		return
	}

	var req BucketRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	cfg := limiter.BucketConfig{Rate: req.Rate, Capacity: req.Capacity}
	if err := a.Service.UpdateBucket(r.Context(), name, cfg); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "config": cfg})
}

func (a *Admin) listEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": a.Service.Endpoints()})
}

// ResetRequest is the POST /admin/endpoints/reset body.
type ResetRequest struct {
	URL string `json:"url"`
}

func (a *Admin) resetEndpoint(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("url is required"))
		return
	}

	if err := a.Service.ResetCircuit(req.URL); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": req.URL, "state": pool.StateClosed})
}

func (a *Admin) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	jobs, err := a.Service.RecentJobs(r.Context(), limit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []core.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "limit": limit})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultJobLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, apperrors.NewInvalidInputError("limit must be a positive integer")
	}
	if limit > maxJobLimit {
		limit = maxJobLimit
	}
	return limit, nil
}

func (a *Admin) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req core.NewJob
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	job, err := a.Service.Enqueue(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/jobs?limit=1")
	writeJSON(w, http.StatusCreated, job)
}

func (a *Admin) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Service.QueueStats(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *Admin) drainQueue(w http.ResponseWriter, r *http.Request) {
	timeout := a.DrainTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError(fmt.Sprintf("invalid timeout %q", raw)))
			return
		}
		timeout = d
	}

	if err := a.Service.DrainQueue(r.Context(), timeout); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drained": true})
}

func (a *Admin) listMisses(w http.ResponseWriter, _ *http.Request) {
	records := a.Service.Misses()
	if records == nil {
		records = []misses.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"misses": records})
}

// MissRequest is the POST /admin/misses body. Payload is the corrective job
// to enqueue if this miss crosses the strike limit.
type MissRequest struct {
	Key     string          `json:"key"`
	Payload core.JobPayload `json:"payload"`
}

func (a *Admin) reportMiss(w http.ResponseWriter, r *http.Request) {
	var req MissRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("key is required"))
		return
	}

	outcome, err := a.Service.ReportMiss(r.Context(), req.Key, req.Payload)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (a *Admin) clearMisses(w http.ResponseWriter, r *http.Request) {
	a.Service.ClearMisses(chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}
