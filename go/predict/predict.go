// Package predict is the synchronous inference facade. It combines the
// persistence gateway, the model cache, and the inference engine, and
// writes an audit job row for every single-sample prediction.
package predict

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/helixion/biomarker-worker/go/features"
	"github.com/helixion/biomarker-worker/go/infer"
	"github.com/helixion/biomarker-worker/go/model"
	"github.com/helixion/biomarker-worker/go/store"
)

var predictionsServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "worker_predictions_served_total",
	Help: "Count of persisted predictions by request mode.",
}, []string{"mode"})

// Store is the subset of persistence operations the facade needs.
type Store interface {
	GetModel(ctx context.Context, modelID, orgID string) (*store.Model, error)
	GetSample(ctx context.Context, sampleID, orgID string) (*store.Sample, error)
	GetSampleFeaturesByFeatureSet(ctx context.Context, sampleID, featureSetID, orgID string) (*store.SampleFeatures, error)
	CreatePredictJob(ctx context.Context, orgID, sampleID, modelID string) (string, error)
	UpdateJobStatus(ctx context.Context, jobID, status string, output interface{}, errText string) error
	UpsertPrediction(ctx context.Context, orgID, sampleID, modelID string, yHat, threshold float64, predictedClass int) error
	UpsertLeafEmbedding(ctx context.Context, orgID, sampleID, modelID string, leafIndices []int) error
}

// ModelLoader hands out loaded models, typically backed by the shared
// process-wide cache.
type ModelLoader interface {
	Get(ctx context.Context, modelID, storageKey string) (*model.Loaded, error)
}

// Error is a categorized facade failure. Status is the HTTP status the
// transport should answer with.
type Error struct {
	Status  int
	Message string
	Details string
}

func (e *Error) Error() string { return e.Message }

func notFoundf(format string, args ...interface{}) error {
	return &Error{Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func clientErrorf(format string, args ...interface{}) error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func serverError(message string, cause error) error {
	var details string
	if cause != nil {
		details = cause.Error()
	}
	return &Error{Status: http.StatusInternalServerError, Message: message, Details: details}
}

// Response is the outcome of a single synchronous prediction.
type Response struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	*infer.Result
}

// BatchError is a per-sample failure inside a batch.
type BatchError struct {
	SampleID string `json:"sample_id"`
	Error    string `json:"error"`
}

// BatchResponse aggregates a batch prediction.
type BatchResponse struct {
	Status       string          `json:"status"`
	ModelID      string          `json:"model_id"`
	TotalSamples int             `json:"total_samples"`
	Successful   int             `json:"successful"`
	Failed       int             `json:"failed"`
	Results      []*infer.Result `json:"results"`
	Errors       []BatchError    `json:"errors"`
}

// Facade serves synchronous predictions.
type Facade struct {
	store  Store
	models ModelLoader
}

// New returns a Facade over the given store and model loader.
func New(s Store, models ModelLoader) *Facade {
	return &Facade{store: s, models: models}
}

// Predict scores one sample under one model. An audit job row is created
// in running before any other work and always reaches a terminal status:
// succeeded with the scoring summary, or failed with the error message.
func (f *Facade) Predict(ctx context.Context, orgID, sampleID, modelID string, thresholdOverride *float64) (*Response, error) {
	var jobID, err = f.store.CreatePredictJob(ctx, orgID, sampleID, modelID)
	if err != nil {
		return nil, serverError("failed to create audit job", err)
	}

	var result *infer.Result
	result, err = f.predict(ctx, orgID, sampleID, modelID, thresholdOverride)
	if err != nil {
		if updateErr := f.store.UpdateJobStatus(ctx, jobID, store.JobFailed, nil, err.Error()); updateErr != nil {
			log.WithError(updateErr).WithField("jobID", jobID).Error("failed to finalize audit job")
		}
		return nil, err
	}

	var output = map[string]interface{}{
		"y_hat":           result.YHat,
		"threshold":       result.Threshold,
		"predicted_class": result.PredictedClass,
		"num_trees":       result.NumTrees,
	}
	if err = f.store.UpdateJobStatus(ctx, jobID, store.JobSucceeded, output, ""); err != nil {
		return nil, serverError("failed to finalize audit job", err)
	}
	predictionsServed.WithLabelValues("single").Inc()

	return &Response{Status: "ok", JobID: jobID, Result: result}, nil
}

func (f *Facade) predict(ctx context.Context, orgID, sampleID, modelID string, thresholdOverride *float64) (*infer.Result, error) {
	var m, loaded, err = f.resolveModel(ctx, modelID, orgID)
	if err != nil {
		return nil, err
	}

	sample, err := f.store.GetSample(ctx, sampleID, orgID)
	if err != nil {
		return nil, serverError("failed to fetch sample", err)
	} else if sample == nil {
		return nil, notFoundf("Sample %s not found or org mismatch", sampleID)
	}

	featureMap, err := f.sampleFeatures(ctx, sampleID, m.FeatureSetID, orgID)
	if err != nil {
		return nil, err
	}

	result, err := infer.Run(loaded, sampleID, modelID, featureMap, thresholdOverride)
	if err != nil {
		return nil, serverError("inference failed", err)
	}

	if err = f.persistResult(ctx, orgID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// PredictBatch scores many samples under one model in a single ensemble
// call. Per-sample misses are collected, not fatal; result order matches
// the order of the surviving sample ids.
func (f *Facade) PredictBatch(ctx context.Context, orgID, modelID string, sampleIDs []string, thresholdOverride *float64) (*BatchResponse, error) {
	if len(sampleIDs) == 0 {
		return nil, clientErrorf("sample_ids must not be empty")
	}

	var m, loaded, err = f.resolveModel(ctx, modelID, orgID)
	if err != nil {
		return nil, err
	}

	var batchErrors []BatchError
	var survivors []infer.Sample
	for _, sampleID := range sampleIDs {
		sample, err := f.store.GetSample(ctx, sampleID, orgID)
		if err != nil {
			return nil, serverError("failed to fetch sample", err)
		} else if sample == nil {
			batchErrors = append(batchErrors, BatchError{
				SampleID: sampleID,
				Error:    fmt.Sprintf("Sample %s not found or org mismatch", sampleID),
			})
			continue
		}

		featureMap, err := f.sampleFeatures(ctx, sampleID, m.FeatureSetID, orgID)
		if err != nil {
			batchErrors = append(batchErrors, BatchError{SampleID: sampleID, Error: err.Error()})
			continue
		}
		survivors = append(survivors, infer.Sample{ID: sampleID, Features: featureMap})
	}

	results, err := infer.RunBatch(loaded, modelID, survivors, thresholdOverride)
	if err != nil {
		return nil, serverError("inference failed", err)
	}

	var persisted []*infer.Result
	for _, result := range results {
		if err = f.persistResult(ctx, orgID, result); err != nil {
			batchErrors = append(batchErrors, BatchError{SampleID: result.SampleID, Error: err.Error()})
			continue
		}
		persisted = append(persisted, result)
		predictionsServed.WithLabelValues("batch").Inc()
	}

	return &BatchResponse{
		Status:       "ok",
		ModelID:      modelID,
		TotalSamples: len(sampleIDs),
		Successful:   len(persisted),
		Failed:       len(batchErrors),
		Results:      persisted,
		Errors:       batchErrors,
	}, nil
}

// resolveModel fetches the tenant-scoped model row and its loaded bundle.
func (f *Facade) resolveModel(ctx context.Context, modelID, orgID string) (*store.Model, *model.Loaded, error) {
	var m, err = f.store.GetModel(ctx, modelID, orgID)
	if err != nil {
		return nil, nil, serverError("failed to fetch model", err)
	} else if m == nil {
		return nil, nil, notFoundf("Model %s not found or org mismatch", modelID)
	}

	loaded, err := f.models.Get(ctx, m.ID, m.StorageKey)
	if err != nil {
		return nil, nil, serverError("failed to load model bundle", err)
	}
	return m, loaded, nil
}

func (f *Facade) sampleFeatures(ctx context.Context, sampleID, featureSetID, orgID string) (features.Map, error) {
	var sf, err = f.store.GetSampleFeaturesByFeatureSet(ctx, sampleID, featureSetID, orgID)
	if err != nil {
		return nil, serverError("failed to fetch sample features", err)
	} else if sf == nil {
		return nil, notFoundf("Features not found for required feature set")
	}
	return sf.Features, nil
}

func (f *Facade) persistResult(ctx context.Context, orgID string, result *infer.Result) error {
	var err = f.store.UpsertPrediction(ctx, orgID, result.SampleID, result.ModelID,
		result.YHat, result.Threshold, result.PredictedClass)
	if err != nil {
		return serverError("failed to persist prediction", err)
	}
	if err = f.store.UpsertLeafEmbedding(ctx, orgID, result.SampleID, result.ModelID, result.LeafIndices); err != nil {
		return serverError("failed to persist leaf embedding", err)
	}
	return nil
}
