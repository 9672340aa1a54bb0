// Package infer aligns feature maps to a model's declared feature vector
// and runs single-sample and batched inference.
package infer

import (
	"fmt"
	"math"
	"strconv"

	"github.com/helixion/biomarker-worker/go/features"
	"github.com/helixion/biomarker-worker/go/model"
)

// InferenceError describes a scoring failure: a library-level error or a
// non-finite prediction.
type InferenceError struct {
	Detail string
}

func (e *InferenceError) Error() string { return e.Detail }

func inferenceErrorf(format string, args ...interface{}) error {
	return &InferenceError{Detail: fmt.Sprintf(format, args...)}
}

// Result is the outcome of scoring one sample.
type Result struct {
	SampleID       string  `json:"sample_id"`
	ModelID        string  `json:"model_id"`
	YHat           float64 `json:"y_hat"`
	Threshold      float64 `json:"threshold"`
	PredictedClass int     `json:"predicted_class"`
	LeafIndices    []int   `json:"leaf_indices"`
	NumTrees       int     `json:"num_trees"`
}

// Vector aligns a feature map to a model's declared feature order, producing
// a dense vector of the same length. A feature that is absent, null, or not
// coercible to a finite number becomes NaN, the ensemble's missing-value
// sentinel, so the model's recorded default branches decide its routing.
func Vector(featureMap features.Map, featureOrder []string) []float64 {
	var out = make([]float64, len(featureOrder))
	for i, name := range featureOrder {
		out[i] = coerce(featureMap[name])
	}
	return out
}

func coerce(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		// Metadata features may carry numbers as text. Use the parsed
		// value when it is finite; anything else is missing.
		if f, err := strconv.ParseFloat(x, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
		return math.NaN()
	default:
		// Absent or null.
		return math.NaN()
	}
}

// Sample pairs a sample id with its feature map for batch inference.
type Sample struct {
	ID       string
	Features features.Map
}

// Run scores a single sample. The class threshold is thresholdOverride when
// non-nil, else the model's default.
func Run(m *model.Loaded, sampleID, modelID string, featureMap features.Map, thresholdOverride *float64) (*Result, error) {
	var vector = Vector(featureMap, m.Config.FeatureOrder)

	var yHat = m.Booster.Predict(vector)
	if math.IsNaN(yHat) || math.IsInf(yHat, 0) {
		return nil, inferenceErrorf("invalid prediction value: %v", yHat)
	}
	var leaves = m.Booster.PredictLeaf(vector)

	var threshold = m.Config.DefaultThreshold
	if thresholdOverride != nil {
		threshold = *thresholdOverride
	}

	return &Result{
		SampleID:       sampleID,
		ModelID:        modelID,
		YHat:           yHat,
		Threshold:      threshold,
		PredictedClass: classOf(yHat, threshold),
		LeafIndices:    leaves,
		NumTrees:       m.NumTrees,
	}, nil
}

// RunBatch scores an ordered batch of samples in one ensemble call and
// preserves input order in the results. An empty batch yields an empty
// result; any scoring failure fails the whole batch.
func RunBatch(m *model.Loaded, modelID string, samples []Sample, thresholdOverride *float64) ([]*Result, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	var rows = make([][]float64, len(samples))
	for i, s := range samples {
		rows[i] = Vector(s.Features, m.Config.FeatureOrder)
	}

	var yHats = m.Booster.PredictBatch(rows)
	var leafMatrix = m.Booster.PredictLeafBatch(rows)

	var threshold = m.Config.DefaultThreshold
	if thresholdOverride != nil {
		threshold = *thresholdOverride
	}

	var results = make([]*Result, len(samples))
	for i, s := range samples {
		var yHat = yHats[i]
		if math.IsNaN(yHat) || math.IsInf(yHat, 0) {
			return nil, inferenceErrorf("invalid prediction value for sample %s: %v", s.ID, yHat)
		}
		results[i] = &Result{
			SampleID:       s.ID,
			ModelID:        modelID,
			YHat:           yHat,
			Threshold:      threshold,
			PredictedClass: classOf(yHat, threshold),
			LeafIndices:    leafMatrix[i],
			NumTrees:       m.NumTrees,
		}
	}
	return results, nil
}

// classOf decides the class: 1 iff yHat >= threshold.
func classOf(yHat, threshold float64) int {
	if yHat >= threshold {
		return 1
	}
	return 0
}
