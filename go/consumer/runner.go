package consumer

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/helixion/biomarker-worker/go/blobs"
	"github.com/helixion/biomarker-worker/go/extract"
	"github.com/helixion/biomarker-worker/go/features"
	"github.com/helixion/biomarker-worker/go/store"
)

// errorDetailLimit bounds how much of an underlying error is copied into
// the job's error column.
const errorDetailLimit = 500

// DefaultFeatureSet is used when a job message names no feature set.
const DefaultFeatureSet = "core_v1"

// featureSetVersion is stamped onto newly created feature sets.
const featureSetVersion = "1.0.0"

// Store is the subset of persistence operations the runner needs.
type Store interface {
	GetArtifact(ctx context.Context, artifactID, orgID string) (*store.Artifact, error)
	GetOrCreateFeatureSet(ctx context.Context, orgID, name, version string) (string, error)
	UpsertSampleFeatures(ctx context.Context, orgID, sampleID, featureSetID, artifactID string, featureMap features.Map) (string, error)
	UpdateJobStatus(ctx context.Context, jobID, status string, output interface{}, errText string) error
}

// JobMessage is the wire form of a queued job.
type JobMessage struct {
	JobID      string `json:"job_id"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id"`
	ArtifactID string `json:"artifact_id"`
	FeatureSet string `json:"feature_set,omitempty"`
}

// Runner executes dequeued jobs against the store and blob storage.
type Runner struct {
	store   Store
	fetcher blobs.Fetcher
}

// NewRunner returns a Runner over the given store and blob fetcher.
func NewRunner(s Store, fetcher blobs.Fetcher) *Runner {
	return &Runner{store: s, fetcher: fetcher}
}

// RunExtractFeatures processes one extract_features job end to end: it
// resolves the artifact under the job's tenant, fetches and parses the raw
// file, computes the feature map, and upserts it under the job's feature
// set. The job row reaches a terminal status on every path.
func (r *Runner) RunExtractFeatures(ctx context.Context, msg JobMessage) error {
	var logger = log.WithFields(log.Fields{
		"jobID":      msg.JobID,
		"artifactID": msg.ArtifactID,
		"orgID":      msg.OrgID,
	})
	logger.Info("starting extract_features job")

	if err := r.store.UpdateJobStatus(ctx, msg.JobID, store.JobRunning, nil, ""); err != nil {
		return fmt.Errorf("marking job running: %w", err)
	}

	var featureSet = msg.FeatureSet
	if featureSet == "" {
		featureSet = DefaultFeatureSet
	}

	var output, err = r.extractFeatures(ctx, msg, featureSet)
	if err != nil {
		logger.WithError(err).Warn("extract_features job failed")
		return r.fail(ctx, msg.JobID, err)
	}

	if err = r.store.UpdateJobStatus(ctx, msg.JobID, store.JobSucceeded, output, ""); err != nil {
		return fmt.Errorf("marking job succeeded: %w", err)
	}
	logger.WithField("numFeatures", output["num_features"]).Info("extract_features job succeeded")
	return nil
}

// jobError carries the short operator-facing message separately from the
// underlying detail.
type jobError struct {
	message string
	detail  string
}

func (e *jobError) Error() string { return e.message }

func jobErrorf(detail string, format string, args ...interface{}) error {
	return &jobError{message: fmt.Sprintf(format, args...), detail: detail}
}

func (r *Runner) extractFeatures(ctx context.Context, msg JobMessage, featureSet string) (map[string]interface{}, error) {
	var artifact, err = r.store.GetArtifact(ctx, msg.ArtifactID, msg.OrgID)
	if err != nil {
		return nil, err
	} else if artifact == nil {
		return nil, jobErrorf("", "Artifact %s not found or org mismatch", msg.ArtifactID)
	} else if artifact.SampleID == nil {
		return nil, jobErrorf("", "artifact is not attached to a sample")
	}

	featureSetID, err := r.store.GetOrCreateFeatureSet(ctx, msg.OrgID, featureSet, featureSetVersion)
	if err != nil {
		return nil, err
	}

	raw, err := r.fetcher.Fetch(ctx, artifact.StorageKey)
	if err != nil {
		return nil, jobErrorf(err.Error(), "failed to fetch artifact %s from storage", msg.ArtifactID)
	}

	var extractor, ok = extract.Lookup(artifact.SchemaVersion)
	if !ok {
		return nil, jobErrorf("", "Unsupported schema version: %s. Supported versions: %s",
			artifact.SchemaVersion, extract.SupportedVersions())
	}

	result, err := extractor.Extract(raw)
	if err != nil {
		return nil, jobErrorf(err.Error(), "feature extraction failed for artifact %s", msg.ArtifactID)
	}

	rowID, err := r.store.UpsertSampleFeatures(ctx, msg.OrgID, *artifact.SampleID, featureSetID, artifact.ID, result.Features)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"sample_id":         *artifact.SampleID,
		"feature_set":       featureSet,
		"num_features":      result.NumFeatures,
		"feature_record_id": rowID,
	}, nil
}

// fail records a terminal failed status. The stored error text is the
// short message, followed by a truncated copy of the underlying detail
// when one exists.
func (r *Runner) fail(ctx context.Context, jobID string, cause error) error {
	var text = cause.Error()
	if je, ok := cause.(*jobError); ok && je.detail != "" {
		var detail = je.detail
		if len(detail) > errorDetailLimit {
			detail = detail[:errorDetailLimit]
		}
		text = je.message + "\n\n" + detail
	}

	if err := r.store.UpdateJobStatus(ctx, jobID, store.JobFailed, nil, text); err != nil {
		return fmt.Errorf("marking job failed: %w", err)
	}
	return nil
}
