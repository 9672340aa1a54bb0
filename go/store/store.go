// Package store is the typed persistence gateway of the worker.
//
// Every externally callable operation takes the tenant tag (orgID) and
// includes it in the query predicate: a row that exists under another
// tenant is indistinguishable from a row that does not exist. Each
// operation runs in its own scoped transaction (commit on success,
// rollback on any error) and the feature map is treated as opaque JSON.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/helixion/biomarker-worker/go/features"
)

// Job statuses. Status progresses queued -> running -> {succeeded, failed};
// terminal states are final.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Store wraps a pooled database handle.
type Store struct {
	db *sql.DB
}

// New opens a Store over a Postgres URL and verifies connectivity. The pool
// is sized for moderate concurrency: 5 steady connections with overflow up
// to 15 open.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	var db, err = sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(15)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Artifact is a raw measurement file attached to an experiment.
type Artifact struct {
	ID            string
	OrgID         string
	ExperimentID  string
	SampleID      *string
	StorageKey    string
	FileName      string
	FileType      string
	SHA256        string
	SchemaVersion string
	CreatedAt     time.Time
}

// GetArtifact returns the artifact, or nil if it does not exist under the
// given tenant.
func (s *Store) GetArtifact(ctx context.Context, artifactID, orgID string) (*Artifact, error) {
	var a Artifact
	var err = s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT id, org_id, experiment_id, sample_id, storage_key,
			       file_name, file_type, sha256, schema_version, created_at
			FROM raw_artifacts
			WHERE id = $1 AND org_id = $2`,
			artifactID, orgID,
		).Scan(&a.ID, &a.OrgID, &a.ExperimentID, &a.SampleID, &a.StorageKey,
			&a.FileName, &a.FileType, &a.SHA256, &a.SchemaVersion, &a.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fetching artifact %s: %w", artifactID, err)
	}
	return &a, nil
}

// Sample is a biological sample, created externally and immutable here.
type Sample struct {
	ID               string
	OrgID            string
	ExperimentID     string
	SampleLabel      string
	PatientPseudonym string
	MatrixType       string
	CollectedAt      *time.Time
	CreatedAt        time.Time
}

const sampleColumns = `id, org_id, experiment_id, sample_label,
	patient_pseudonym, matrix_type, collected_at, created_at`

func scanSample(row interface{ Scan(...interface{}) error }) (*Sample, error) {
	var m Sample
	var err = row.Scan(&m.ID, &m.OrgID, &m.ExperimentID, &m.SampleLabel,
		&m.PatientPseudonym, &m.MatrixType, &m.CollectedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetSample returns the sample, or nil if it does not exist under the
// given tenant.
func (s *Store) GetSample(ctx context.Context, sampleID, orgID string) (*Sample, error) {
	var sample *Sample
	var err = s.withTx(ctx, func(tx *sql.Tx) error {
		var scanErr error
		sample, scanErr = scanSample(tx.QueryRowContext(ctx, `
			SELECT `+sampleColumns+`
			FROM samples
			WHERE id = $1 AND org_id = $2`,
			sampleID, orgID))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fetching sample %s: %w", sampleID, err)
	}
	return sample, nil
}

// GetSamplesForExperiment returns all samples of an experiment under the
// tenant, ordered by creation time ascending.
func (s *Store) GetSamplesForExperiment(ctx context.Context, experimentID, orgID string) ([]*Sample, error) {
	var samples []*Sample
	var err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+sampleColumns+`
			FROM samples
			WHERE experiment_id = $1 AND org_id = $2
			ORDER BY created_at ASC`,
			experimentID, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			sample, err := scanSample(rows)
			if err != nil {
				return err
			}
			samples = append(samples, sample)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("fetching samples for experiment %s: %w", experimentID, err)
	}
	return samples, nil
}

// declaredFeatureList is written when a feature set is first created. It
// declares the feature keys of the core_v1 schema, grouped by kind.
var declaredFeatureList = map[string][]string{
	"timeseries": {
		"baseline_mean", "baseline_std", "y_max", "y_min",
		"t_at_max", "auc", "slope_early", "t_halfmax", "snr",
	},
	"endpoint": {"endpoint_value"},
	"global":   {"num_channels", "signal_quality_flag"},
}

// GetOrCreateFeatureSet atomically upserts a feature set keyed by
// (org_id, name) and returns its id. The declared feature list is written
// on create and never modified afterwards.
func (s *Store) GetOrCreateFeatureSet(ctx context.Context, orgID, name, version string) (string, error) {
	var featureList, err = json.Marshal(declaredFeatureList)
	if err != nil {
		return "", fmt.Errorf("marshalling feature list: %w", err)
	}

	var id string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO feature_sets (id, org_id, name, version, feature_list)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (org_id, name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`,
			uuid.NewString(), orgID, name, version, featureList,
		).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("get-or-create feature set %s: %w", name, err)
	}
	return id, nil
}

// SampleFeatures is the computed feature map of a (sample, feature set)
// pair.
type SampleFeatures struct {
	ID           string
	OrgID        string
	SampleID     string
	FeatureSetID string
	ArtifactID   string
	Features     features.Map
	ComputedAt   time.Time
}

// UpsertSampleFeatures writes the feature map for (sample, feature set),
// overwriting any prior row for the pair. It returns the row id, which is
// stable across re-runs.
func (s *Store) UpsertSampleFeatures(ctx context.Context, orgID, sampleID, featureSetID, artifactID string, featureMap features.Map) (string, error) {
	var payload, err = json.Marshal(featureMap)
	if err != nil {
		return "", fmt.Errorf("marshalling features: %w", err)
	}

	var id string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO sample_features
				(id, org_id, sample_id, feature_set_id, artifact_id, features, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (sample_id, feature_set_id) DO UPDATE SET
				features = EXCLUDED.features,
				artifact_id = EXCLUDED.artifact_id,
				computed_at = now()
			RETURNING id`,
			uuid.NewString(), orgID, sampleID, featureSetID, artifactID, payload,
		).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("upserting features for sample %s: %w", sampleID, err)
	}
	return id, nil
}

// GetSampleFeaturesByFeatureSet returns the feature row of (sample,
// feature set) under the tenant, or nil if absent.
func (s *Store) GetSampleFeaturesByFeatureSet(ctx context.Context, sampleID, featureSetID, orgID string) (*SampleFeatures, error) {
	var sf SampleFeatures
	var payload []byte
	var err = s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT id, org_id, sample_id, feature_set_id, artifact_id, features, computed_at
			FROM sample_features
			WHERE sample_id = $1 AND feature_set_id = $2 AND org_id = $3`,
			sampleID, featureSetID, orgID,
		).Scan(&sf.ID, &sf.OrgID, &sf.SampleID, &sf.FeatureSetID,
			&sf.ArtifactID, &payload, &sf.ComputedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fetching features for sample %s: %w", sampleID, err)
	}

	if err = json.Unmarshal(payload, &sf.Features); err != nil {
		return nil, fmt.Errorf("decoding features for sample %s: %w", sampleID, err)
	}
	return &sf, nil
}

// Job is a unit of asynchronous or audited work.
type Job struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	Error     *string         `json:"error"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GetJob returns a job by id, or nil if absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	var err = s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT id, org_id, type, status, input, output, error, created_at, updated_at
			FROM jobs
			WHERE id = $1`,
			jobID,
		).Scan(&j.ID, &j.OrgID, &j.Type, &j.Status, &j.Input, &j.Output,
			&j.Error, &j.CreatedAt, &j.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fetching job %s: %w", jobID, err)
	}
	return &j, nil
}

// UpdateJobStatus writes a job's status and, when given, its output or
// error text, bumping updated_at.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID, status string, output interface{}, errText string) error {
	var outputJSON interface{}
	if output != nil {
		var raw, err = json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshalling job output: %w", err)
		}
		outputJSON = raw
	}

	var errValue interface{}
	if errText != "" {
		errValue = errText
	}

	var err = s.withTx(ctx, func(tx *sql.Tx) error {
		var _, execErr = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $2, output = $3, error = $4, updated_at = now()
			WHERE id = $1`,
			jobID, status, outputJSON, errValue)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("updating job %s to %s: %w", jobID, status, err)
	}
	return nil
}

// CreatePredictJob creates an audit job row for a synchronous prediction.
// The job starts in running: there is no queued phase for synchronous work.
func (s *Store) CreatePredictJob(ctx context.Context, orgID, sampleID, modelID string) (string, error) {
	var input, err = json.Marshal(map[string]string{
		"sample_id": sampleID,
		"model_id":  modelID,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling job input: %w", err)
	}

	var id = uuid.NewString()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var _, execErr = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, org_id, type, status, input, created_at, updated_at)
			VALUES ($1, $2, 'predict_xgboost', $3, $4, now(), now())`,
			id, orgID, JobRunning, input)
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("creating predict job: %w", err)
	}
	return id, nil
}

// Model is a registered model version. Content is immutable.
type Model struct {
	ID           string
	OrgID        string
	Name         string
	Version      string
	Task         string
	FeatureSetID string
	StorageKey   string
	ModelFormat  string
	Metrics      json.RawMessage
	IsActive     bool
	CreatedAt    time.Time
}

// GetModel returns the model, or nil if it does not exist under the given
// tenant.
func (s *Store) GetModel(ctx context.Context, modelID, orgID string) (*Model, error) {
	var m Model
	var err = s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT id, org_id, name, version, task, feature_set_id,
			       storage_key, model_format, metrics, is_active, created_at
			FROM model_registry
			WHERE id = $1 AND org_id = $2`,
			modelID, orgID,
		).Scan(&m.ID, &m.OrgID, &m.Name, &m.Version, &m.Task, &m.FeatureSetID,
			&m.StorageKey, &m.ModelFormat, &m.Metrics, &m.IsActive, &m.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fetching model %s: %w", modelID, err)
	}
	return &m, nil
}

// UpsertPrediction writes the prediction for (sample, model), overwriting
// any prior row for the pair.
func (s *Store) UpsertPrediction(ctx context.Context, orgID, sampleID, modelID string, yHat, threshold float64, predictedClass int) error {
	var err = s.withTx(ctx, func(tx *sql.Tx) error {
		var _, execErr = tx.ExecContext(ctx, `
			INSERT INTO predictions
				(id, org_id, sample_id, model_id, y_hat, threshold, predicted_class, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (sample_id, model_id) DO UPDATE SET
				y_hat = EXCLUDED.y_hat,
				threshold = EXCLUDED.threshold,
				predicted_class = EXCLUDED.predicted_class`,
			uuid.NewString(), orgID, sampleID, modelID, yHat, threshold, predictedClass)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upserting prediction for sample %s: %w", sampleID, err)
	}
	return nil
}

// UpsertLeafEmbedding writes the leaf-index vector for (sample, model),
// overwriting any prior row for the pair.
func (s *Store) UpsertLeafEmbedding(ctx context.Context, orgID, sampleID, modelID string, leafIndices []int) error {
	var payload, err = json.Marshal(leafIndices)
	if err != nil {
		return fmt.Errorf("marshalling leaf indices: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var _, execErr = tx.ExecContext(ctx, `
			INSERT INTO leaf_embeddings
				(id, org_id, sample_id, model_id, leaf_indices, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (sample_id, model_id) DO UPDATE SET
				leaf_indices = EXCLUDED.leaf_indices`,
			uuid.NewString(), orgID, sampleID, modelID, payload)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upserting leaf embedding for sample %s: %w", sampleID, err)
	}
	return nil
}
