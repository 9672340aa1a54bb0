// Package server exposes the worker's HTTP surface: health and job
// introspection, the synchronous prediction endpoints, an internal
// single-poll trigger, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/helixion/biomarker-worker/go/config"
	"github.com/helixion/biomarker-worker/go/predict"
	"github.com/helixion/biomarker-worker/go/store"
)

// JobGetter reads job rows for the introspection endpoint.
type JobGetter interface {
	GetJob(ctx context.Context, jobID string) (*store.Job, error)
}

// Predictor serves synchronous predictions.
type Predictor interface {
	Predict(ctx context.Context, orgID, sampleID, modelID string, thresholdOverride *float64) (*predict.Response, error)
	PredictBatch(ctx context.Context, orgID, modelID string, sampleIDs []string, thresholdOverride *float64) (*predict.BatchResponse, error)
}

// Poller triggers a single queue poll, used by the internal run-once
// endpoint for deployments without a resident consumer.
type Poller interface {
	RunOnce(ctx context.Context) (bool, error)
}

// Server routes HTTP requests to the facade, the store, and the poller.
type Server struct {
	jobs      JobGetter
	predictor Predictor
	poller    Poller
	settings  *config.Settings
}

// New returns a Server over the given collaborators.
func New(jobs JobGetter, predictor Predictor, poller Poller, settings *config.Settings) *Server {
	return &Server{jobs: jobs, predictor: predictor, poller: poller, settings: settings}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	var r = chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Post("/internal/run-once", s.handleRunOnce)
	r.Post("/v1/predict-xgboost", s.handlePredict)
	r.Post("/v1/predict-xgboost-batch", s.handlePredictBatch)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"capabilities": map[string]bool{
			"queue_consumer": s.poller != nil,
			"predict":        s.predictor != nil,
		},
		"config": map[string]bool{
			"database_configured": s.settings.DatabaseURL != "",
			"redis_configured":    s.settings.RedisURL != "",
			"s3_configured":       s.settings.S3Bucket != "",
		},
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	var jobID = chi.URLParam(r, "jobID")

	var job, err = s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch job", err.Error())
		return
	} else if job == nil {
		writeError(w, http.StatusNotFound, "Job "+jobID+" not found", "")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	var processed, err = s.poller.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "poll cycle failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"processed": processed,
	})
}

type predictRequest struct {
	OrgID     string   `json:"org_id"`
	SampleID  string   `json:"sample_id"`
	ModelID   string   `json:"model_id"`
	Threshold *float64 `json:"threshold,omitempty"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrgID == "" || req.SampleID == "" || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "org_id, sample_id and model_id are required", "")
		return
	}

	var resp, err = s.predictor.Predict(r.Context(), req.OrgID, req.SampleID, req.ModelID, req.Threshold)
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type predictBatchRequest struct {
	OrgID     string   `json:"org_id"`
	ModelID   string   `json:"model_id"`
	SampleIDs []string `json:"sample_ids"`
	Threshold *float64 `json:"threshold,omitempty"`
}

func (s *Server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req predictBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrgID == "" || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "org_id and model_id are required", "")
		return
	}

	var resp, err = s.predictor.PredictBatch(r.Context(), req.OrgID, req.ModelID, req.SampleIDs, req.Threshold)
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeFacadeError maps a facade error onto its response category; any
// other error is a plain server error.
func writeFacadeError(w http.ResponseWriter, err error) {
	var facadeErr *predict.Error
	if errors.As(err, &facadeErr) {
		writeError(w, facadeErr.Status, facadeErr.Message, facadeErr.Details)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error(), "")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	var body = map[string]interface{}{
		"status":  "error",
		"message": message,
	}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
