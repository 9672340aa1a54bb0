package predict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helixion/biomarker-worker/go/features"
	"github.com/helixion/biomarker-worker/go/model"
	"github.com/helixion/biomarker-worker/go/store"
	"github.com/helixion/biomarker-worker/go/xgb"
)

type storedPrediction struct {
	sampleID, modelID string
	yHat, threshold   float64
	predictedClass    int
}

type fakeStore struct {
	models      map[string]*store.Model
	samples     map[string]*store.Sample
	featureRows map[string]features.Map

	jobs        map[string]string
	lastJobID   string
	predictions []storedPrediction
	embeddings  map[string][]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		models:      make(map[string]*store.Model),
		samples:     make(map[string]*store.Sample),
		featureRows: make(map[string]features.Map),
		jobs:        make(map[string]string),
		embeddings:  make(map[string][]int),
	}
}

func (f *fakeStore) GetModel(_ context.Context, modelID, orgID string) (*store.Model, error) {
	var m = f.models[modelID]
	if m == nil || m.OrgID != orgID {
		return nil, nil
	}
	return m, nil
}

func (f *fakeStore) GetSample(_ context.Context, sampleID, orgID string) (*store.Sample, error) {
	var s = f.samples[sampleID]
	if s == nil || s.OrgID != orgID {
		return nil, nil
	}
	return s, nil
}

func (f *fakeStore) GetSampleFeaturesByFeatureSet(_ context.Context, sampleID, featureSetID, orgID string) (*store.SampleFeatures, error) {
	var m, ok = f.featureRows[sampleID]
	if !ok {
		return nil, nil
	}
	return &store.SampleFeatures{
		ID: "sf-" + sampleID, OrgID: orgID, SampleID: sampleID,
		FeatureSetID: featureSetID, Features: m,
	}, nil
}

func (f *fakeStore) CreatePredictJob(_ context.Context, orgID, sampleID, modelID string) (string, error) {
	f.lastJobID = "job-" + sampleID
	f.jobs[f.lastJobID] = store.JobRunning
	return f.lastJobID, nil
}

func (f *fakeStore) UpdateJobStatus(_ context.Context, jobID, status string, output interface{}, errText string) error {
	f.jobs[jobID] = status
	return nil
}

func (f *fakeStore) UpsertPrediction(_ context.Context, orgID, sampleID, modelID string, yHat, threshold float64, predictedClass int) error {
	f.predictions = append(f.predictions, storedPrediction{sampleID, modelID, yHat, threshold, predictedClass})
	return nil
}

func (f *fakeStore) UpsertLeafEmbedding(_ context.Context, orgID, sampleID, modelID string, leafIndices []int) error {
	f.embeddings[sampleID] = leafIndices
	return nil
}

type fakeLoader struct {
	loaded *model.Loaded
	err    error
}

func (f *fakeLoader) Get(context.Context, string, string) (*model.Loaded, error) {
	return f.loaded, f.err
}

// testLoaded builds a one-tree logistic model over ["x", "y"]: split on x
// at 1.5, left leaf +0.4 (default), right leaf -0.3.
func testLoaded(t *testing.T) *model.Loaded {
	t.Helper()
	var booster, err = xgb.NewBoosterFromJSON([]byte(`{
	  "learner": {
	    "gradient_booster": {
	      "model": {
	        "trees": [{
	          "default_left": [1, 0, 0],
	          "left_children": [1, -1, -1],
	          "right_children": [2, -1, -1],
	          "split_conditions": [1.5, 0.4, -0.3],
	          "split_indices": [0, 0, 0]
	        }]
	      },
	      "name": "gbtree"
	    },
	    "learner_model_param": {"base_score": "0.5", "num_feature": "2"},
	    "objective": {"name": "binary:logistic"}
	  }
	}`))
	require.NoError(t, err)

	return &model.Loaded{
		Booster: booster,
		Config: &model.Config{
			FeatureSet:       "core_v1",
			FeatureOrder:     []string{"x", "y"},
			Task:             "binary_classification",
			DefaultThreshold: 0.5,
		},
		Format:   "json",
		NumTrees: booster.NumTrees(),
	}
}

func testFacade(t *testing.T) (*Facade, *fakeStore) {
	var fs = newFakeStore()
	fs.models["model-1"] = &store.Model{
		ID: "model-1", OrgID: "org-1", FeatureSetID: "fs-1", StorageKey: "models/m1.zip",
	}
	fs.samples["sample-1"] = &store.Sample{ID: "sample-1", OrgID: "org-1"}
	fs.featureRows["sample-1"] = features.Map{"x": 1.0, "y": 2.0}

	return New(fs, &fakeLoader{loaded: testLoaded(t)}), fs
}

func TestPredict(t *testing.T) {
	var f, fs = testFacade(t)

	resp, err := f.Predict(context.Background(), "org-1", "sample-1", "model-1", nil)
	require.NoError(t, err)

	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "sample-1", resp.SampleID)
	require.Equal(t, 0.5, resp.Threshold)
	require.Equal(t, 1, resp.PredictedClass)
	require.Len(t, resp.LeafIndices, resp.NumTrees)

	// Prediction and leaf embedding rows written, audit job succeeded.
	require.Len(t, fs.predictions, 1)
	require.Equal(t, resp.YHat, fs.predictions[0].yHat)
	require.Equal(t, resp.LeafIndices, fs.embeddings["sample-1"])
	require.Equal(t, store.JobSucceeded, fs.jobs[resp.JobID])
}

func TestPredictModelNotFound(t *testing.T) {
	var f, fs = testFacade(t)

	var _, err = f.Predict(context.Background(), "org-1", "sample-1", "model-9", nil)
	require.Error(t, err)

	var facadeErr *Error
	require.True(t, errors.As(err, &facadeErr))
	require.Equal(t, 404, facadeErr.Status)
	require.Equal(t, "Model model-9 not found or org mismatch", facadeErr.Message)

	// The audit job was created before the miss and must end failed.
	require.Equal(t, store.JobFailed, fs.jobs[fs.lastJobID])
}

func TestPredictTenantMismatch(t *testing.T) {
	var f, _ = testFacade(t)

	var _, err = f.Predict(context.Background(), "org-other", "sample-1", "model-1", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found or org mismatch")
}

func TestPredictMissingFeatures(t *testing.T) {
	var f, fs = testFacade(t)
	delete(fs.featureRows, "sample-1")

	var _, err = f.Predict(context.Background(), "org-1", "sample-1", "model-1", nil)
	require.Error(t, err)
	require.Equal(t, "Features not found for required feature set", err.Error())
	require.Equal(t, store.JobFailed, fs.jobs[fs.lastJobID])
	require.Empty(t, fs.predictions)
}

func TestPredictThresholdOverride(t *testing.T) {
	var f, _ = testFacade(t)

	var override = 0.99
	resp, err := f.Predict(context.Background(), "org-1", "sample-1", "model-1", &override)
	require.NoError(t, err)
	require.Equal(t, 0.99, resp.Threshold)
	require.Equal(t, 0, resp.PredictedClass)
}

func TestPredictBatch(t *testing.T) {
	var f, fs = testFacade(t)
	fs.samples["sample-2"] = &store.Sample{ID: "sample-2", OrgID: "org-1"}
	fs.samples["sample-3"] = &store.Sample{ID: "sample-3", OrgID: "org-1"}
	// sample-2 has no features row.
	fs.featureRows["sample-3"] = features.Map{"x": 2.0, "y": 0.0}

	resp, err := f.PredictBatch(context.Background(), "org-1", "model-1",
		[]string{"sample-1", "sample-2", "sample-3"}, nil)
	require.NoError(t, err)

	require.Equal(t, 3, resp.TotalSamples)
	require.Equal(t, 2, resp.Successful)
	require.Equal(t, 1, resp.Failed)

	require.Len(t, resp.Errors, 1)
	require.Equal(t, "sample-2", resp.Errors[0].SampleID)
	require.Contains(t, resp.Errors[0].Error, "Features not found")

	// Survivors keep input order.
	require.Len(t, resp.Results, 2)
	require.Equal(t, "sample-1", resp.Results[0].SampleID)
	require.Equal(t, "sample-3", resp.Results[1].SampleID)
	require.Len(t, fs.predictions, 2)
}

func TestPredictBatchEmpty(t *testing.T) {
	var f, _ = testFacade(t)

	var _, err = f.PredictBatch(context.Background(), "org-1", "model-1", nil, nil)
	require.Error(t, err)

	var facadeErr *Error
	require.True(t, errors.As(err, &facadeErr))
	require.Equal(t, 400, facadeErr.Status)
}

func TestPredictBatchModelNotFound(t *testing.T) {
	var f, _ = testFacade(t)

	var _, err = f.PredictBatch(context.Background(), "org-1", "model-9", []string{"sample-1"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Model model-9 not found or org mismatch")
}
