package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/helixion/biomarker-worker/go/features"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	var db, mock, err = sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestGetArtifact(t *testing.T) {
	var s, mock = testStore(t)
	var now = time.Now()
	var sampleID = "sample-1"

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM raw_artifacts\s+WHERE id = \$1 AND org_id = \$2`).
		WithArgs("artifact-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "experiment_id", "sample_id", "storage_key",
			"file_name", "file_type", "sha256", "schema_version", "created_at",
		}).AddRow("artifact-1", "org-1", "exp-1", sampleID, "raw/a.csv",
			"a.csv", "text/csv", "abc123", "v1_timeseries_csv", now))
	mock.ExpectCommit()

	a, err := s.GetArtifact(context.Background(), "artifact-1", "org-1")
	require.NoError(t, err)
	require.Equal(t, "artifact-1", a.ID)
	require.Equal(t, "v1_timeseries_csv", a.SchemaVersion)
	require.NotNil(t, a.SampleID)
	require.Equal(t, "sample-1", *a.SampleID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetArtifactTenantMiss(t *testing.T) {
	var s, mock = testStore(t)

	// A row owned by another tenant is simply not found.
	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM raw_artifacts`).
		WithArgs("artifact-1", "org-other").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	a, err := s.GetArtifact(context.Background(), "artifact-1", "org-other")
	require.NoError(t, err)
	require.Nil(t, a)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSamplesForExperimentOrder(t *testing.T) {
	var s, mock = testStore(t)
	var base = time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM samples\s+WHERE experiment_id = \$1 AND org_id = \$2\s+ORDER BY created_at ASC`).
		WithArgs("exp-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "experiment_id", "sample_label",
			"patient_pseudonym", "matrix_type", "collected_at", "created_at",
		}).
			AddRow("s1", "org-1", "exp-1", "L1", "P1", "plasma", nil, base).
			AddRow("s2", "org-1", "exp-1", "L2", "P2", "plasma", nil, base.Add(time.Second)))
	mock.ExpectCommit()

	samples, err := s.GetSamplesForExperiment(context.Background(), "exp-1", "org-1")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, "s1", samples[0].ID)
	require.Equal(t, "s2", samples[1].ID)
	require.Nil(t, samples[0].CollectedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateFeatureSet(t *testing.T) {
	var s, mock = testStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)INSERT INTO feature_sets .+ ON CONFLICT \(org_id, name\) DO UPDATE .+ RETURNING id`).
		WithArgs(sqlmock.AnyArg(), "org-1", "core_v1", "1.0.0", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("fs-1"))
	mock.ExpectCommit()

	id, err := s.GetOrCreateFeatureSet(context.Background(), "org-1", "core_v1", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, "fs-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAndGetSampleFeatures(t *testing.T) {
	var s, mock = testStore(t)
	var featureMap = features.Map{"channel.A.y_max": 5.0, "global.num_channels": 1}
	var payload, err = json.Marshal(featureMap)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)INSERT INTO sample_features .+ ON CONFLICT \(sample_id, feature_set_id\) DO UPDATE .+ RETURNING id`).
		WithArgs(sqlmock.AnyArg(), "org-1", "sample-1", "fs-1", "artifact-1", payload).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sf-1"))
	mock.ExpectCommit()

	id, err := s.UpsertSampleFeatures(context.Background(), "org-1", "sample-1", "fs-1", "artifact-1", featureMap)
	require.NoError(t, err)
	require.Equal(t, "sf-1", id)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM sample_features\s+WHERE sample_id = \$1 AND feature_set_id = \$2 AND org_id = \$3`).
		WithArgs("sample-1", "fs-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "sample_id", "feature_set_id", "artifact_id", "features", "computed_at",
		}).AddRow("sf-1", "org-1", "sample-1", "fs-1", "artifact-1", payload, time.Now()))
	mock.ExpectCommit()

	sf, err := s.GetSampleFeaturesByFeatureSet(context.Background(), "sample-1", "fs-1", "org-1")
	require.NoError(t, err)
	require.Equal(t, "sf-1", sf.ID)
	require.Equal(t, 5.0, sf.Features["channel.A.y_max"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobLifecycle(t *testing.T) {
	var s, mock = testStore(t)
	var ctx = context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO jobs .+ 'predict_xgboost'`).
		WithArgs(sqlmock.AnyArg(), "org-1", JobRunning, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	jobID, err := s.CreatePredictJob(ctx, "org-1", "sample-1", "model-1")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE jobs\s+SET status = \$2`).
		WithArgs(jobID, JobSucceeded, sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.UpdateJobStatus(ctx, jobID, JobSucceeded, map[string]string{"sample_id": "sample-1"}, "")
	require.NoError(t, err)

	var errText = "Artifact artifact-1 not found or org mismatch"
	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE jobs\s+SET status = \$2`).
		WithArgs(jobID, JobFailed, nil, errText).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.UpdateJobStatus(ctx, jobID, JobFailed, nil, errText)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM jobs\s+WHERE id = \$1`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "type", "status", "input", "output", "error", "created_at", "updated_at",
		}).AddRow(jobID, "org-1", "predict_xgboost", JobFailed,
			[]byte(`{"sample_id":"sample-1"}`), nil, errText, time.Now(), time.Now()))
	mock.ExpectCommit()

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Error)
	require.Equal(t, errText, *job.Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	var s, mock = testStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM jobs`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	job, err := s.GetJob(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestGetModel(t *testing.T) {
	var s, mock = testStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM model_registry\s+WHERE id = \$1 AND org_id = \$2`).
		WithArgs("model-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "name", "version", "task", "feature_set_id",
			"storage_key", "model_format", "metrics", "is_active", "created_at",
		}).AddRow("model-1", "org-1", "nexin-response", "1.2.0", "binary_classification",
			"fs-1", "models/m1.zip", "xgboost_json", []byte(`{"auroc": 0.91}`), true, time.Now()))
	mock.ExpectCommit()

	m, err := s.GetModel(context.Background(), "model-1", "org-1")
	require.NoError(t, err)
	require.Equal(t, "fs-1", m.FeatureSetID)
	require.Equal(t, "models/m1.zip", m.StorageKey)
	require.True(t, m.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPredictionAndLeafEmbedding(t *testing.T) {
	var s, mock = testStore(t)
	var ctx = context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO predictions .+ ON CONFLICT \(sample_id, model_id\) DO UPDATE`).
		WithArgs(sqlmock.AnyArg(), "org-1", "sample-1", "model-1", 0.73, 0.5, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertPrediction(ctx, "org-1", "sample-1", "model-1", 0.73, 0.5, 1))

	var leaves, _ = json.Marshal([]int{3, 7, 2})
	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO leaf_embeddings .+ ON CONFLICT \(sample_id, model_id\) DO UPDATE`).
		WithArgs(sqlmock.AnyArg(), "org-1", "sample-1", "model-1", leaves).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertLeafEmbedding(ctx, "org-1", "sample-1", "model-1", []int{3, 7, 2}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackOnQueryError(t *testing.T) {
	var s, mock = testStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM model_registry`).
		WithArgs("model-1", "org-1").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	var _, err = s.GetModel(context.Background(), "model-1", "org-1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
