// Package xgb evaluates gradient-boosted tree ensembles saved by XGBoost.
//
// It parses the JSON and UBJSON model serializations into an immutable
// Booster that can score dense feature vectors and report the leaf index
// reached in every tree. Missing features are represented as NaN and routed
// down each split's recorded default branch, matching the library the model
// was trained with.
package xgb

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Booster is a loaded tree ensemble. It is safe for concurrent use.
type Booster struct {
	trees      []tree
	objective  string
	baseMargin float64
	numFeature int
}

// tree is a single regression tree in structure-of-arrays form, as saved by
// XGBoost. A node i is a leaf iff left[i] == -1; leaf values live in
// splitCond.
type tree struct {
	left, right []int
	splitIndex  []int
	splitCond   []float64
	defaultLeft []bool
}

// NewBoosterFromJSON parses the xgb_model.json serialization.
func NewBoosterFromJSON(data []byte) (*Booster, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing model JSON: %w", err)
	}
	return newBooster(doc)
}

// NewBoosterFromUBJSON parses the xgb_model.ubj serialization.
func NewBoosterFromUBJSON(data []byte) (*Booster, error) {
	var doc, err = DecodeUBJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing model UBJSON: %w", err)
	}
	return newBooster(doc)
}

func newBooster(doc interface{}) (*Booster, error) {
	var learner, err = member(doc, "learner")
	if err != nil {
		return nil, err
	}

	objectiveObj, err := member(learner, "objective")
	if err != nil {
		return nil, err
	}
	objective, err := asString(fieldOf(objectiveObj, "name"))
	if err != nil {
		return nil, fmt.Errorf("reading objective name: %w", err)
	}

	modelParam, err := member(learner, "learner_model_param")
	if err != nil {
		return nil, err
	}
	baseScore, err := asFloat(fieldOf(modelParam, "base_score"))
	if err != nil {
		return nil, fmt.Errorf("reading base_score: %w", err)
	}
	numFeature, err := asInt(fieldOf(modelParam, "num_feature"))
	if err != nil {
		return nil, fmt.Errorf("reading num_feature: %w", err)
	}

	gbm, err := member(learner, "gradient_booster")
	if err != nil {
		return nil, err
	}
	model, err := member(gbm, "model")
	if err != nil {
		return nil, err
	}
	rawTrees, err := asSlice(fieldOf(model, "trees"))
	if err != nil {
		return nil, fmt.Errorf("reading trees: %w", err)
	}

	var b = &Booster{
		objective:  objective,
		baseMargin: probToMargin(objective, baseScore),
		numFeature: numFeature,
		trees:      make([]tree, 0, len(rawTrees)),
	}

	for i, rawTree := range rawTrees {
		var t tree
		if t.left, err = asInts(fieldOf(rawTree, "left_children")); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		if t.right, err = asInts(fieldOf(rawTree, "right_children")); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		if t.splitIndex, err = asInts(fieldOf(rawTree, "split_indices")); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		if t.splitCond, err = asFloats(fieldOf(rawTree, "split_conditions")); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		if t.defaultLeft, err = asBools(fieldOf(rawTree, "default_left")); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}

		var n = len(t.left)
		if len(t.right) != n || len(t.splitIndex) != n || len(t.splitCond) != n || len(t.defaultLeft) != n {
			return nil, fmt.Errorf("tree %d: inconsistent node array lengths", i)
		}
		b.trees = append(b.trees, t)
	}

	return b, nil
}

// NumTrees returns the number of boosting rounds in the ensemble.
func (b *Booster) NumTrees() int { return len(b.trees) }

// NumFeature returns the feature-vector width the model was trained on.
func (b *Booster) NumFeature() int { return b.numFeature }

// Predict scores one dense feature vector and returns the transformed
// prediction (a probability for logistic objectives). NaN entries are
// treated as missing.
func (b *Booster) Predict(features []float64) float64 {
	var margin = b.baseMargin
	for i := range b.trees {
		var leaf = b.trees[i].traverse(features)
		margin += b.trees[i].splitCond[leaf]
	}
	return b.transform(margin)
}

// PredictLeaf returns the leaf node index reached in every tree, in tree
// order. The result always has NumTrees entries.
func (b *Booster) PredictLeaf(features []float64) []int {
	var leaves = make([]int, len(b.trees))
	for i := range b.trees {
		leaves[i] = b.trees[i].traverse(features)
	}
	return leaves
}

// PredictBatch scores a dense row-major matrix in one call.
func (b *Booster) PredictBatch(rows [][]float64) []float64 {
	var out = make([]float64, len(rows))
	for i, row := range rows {
		out[i] = b.Predict(row)
	}
	return out
}

// PredictLeafBatch returns the leaf matrix for a dense row-major matrix.
func (b *Booster) PredictLeafBatch(rows [][]float64) [][]int {
	var out = make([][]int, len(rows))
	for i, row := range rows {
		out[i] = b.PredictLeaf(row)
	}
	return out
}

// traverse walks a feature vector down the tree and returns the index of
// the leaf reached. Missing (NaN) and out-of-range features follow the
// recorded default branch.
func (t *tree) traverse(features []float64) int {
	var n = 0
	for t.left[n] != -1 {
		var f = math.NaN()
		if idx := t.splitIndex[n]; idx < len(features) {
			f = features[idx]
		}
		if math.IsNaN(f) {
			if t.defaultLeft[n] {
				n = t.left[n]
			} else {
				n = t.right[n]
			}
		} else if f < t.splitCond[n] {
			n = t.left[n]
		} else {
			n = t.right[n]
		}
	}
	return n
}

func (b *Booster) transform(margin float64) float64 {
	if isLogistic(b.objective) {
		return sigmoid(margin)
	}
	return margin
}

// probToMargin converts the saved base_score into margin space. Logistic
// objectives persist it as a probability.
func probToMargin(objective string, baseScore float64) float64 {
	if isLogistic(objective) {
		return math.Log(baseScore / (1 - baseScore))
	}
	return baseScore
}

func isLogistic(objective string) bool {
	return strings.HasPrefix(objective, "binary:logistic") ||
		strings.HasPrefix(objective, "reg:logistic")
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Generic accessors over the decoded document, which mixes types depending
// on whether it came from JSON (float64, bool, string) or UBJSON (int64,
// float64, bool, string). XGBoost also string-encodes scalar params.

func member(doc interface{}, key string) (interface{}, error) {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected object while reading %q", key)
	}
	v, ok := obj[key]
	if !ok {
		return nil, fmt.Errorf("model is missing %q", key)
	}
	return v, nil
}

// fieldOf is member without the error: absent keys yield nil, which the
// scalar coercions below report with context.
func fieldOf(doc interface{}, key string) interface{} {
	var v, _ = member(doc, key)
	return v
}

func asString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q as number: %w", x, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func asInt(v interface{}) (int, error) {
	var f, err = asFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func asSlice(v interface{}) ([]interface{}, error) {
	s, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	return s, nil
}

func asFloats(v interface{}) ([]float64, error) {
	var s, err = asSlice(v)
	if err != nil {
		return nil, err
	}
	var out = make([]float64, len(s))
	for i, e := range s {
		if out[i], err = asFloat(e); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

func asInts(v interface{}) ([]int, error) {
	var s, err = asSlice(v)
	if err != nil {
		return nil, err
	}
	var out = make([]int, len(s))
	for i, e := range s {
		if out[i], err = asInt(e); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

func asBools(v interface{}) ([]bool, error) {
	var s, err = asSlice(v)
	if err != nil {
		return nil, err
	}
	var out = make([]bool, len(s))
	for i, e := range s {
		switch x := e.(type) {
		case bool:
			out[i] = x
		case float64:
			out[i] = x != 0
		case int64:
			out[i] = x != 0
		default:
			return nil, fmt.Errorf("element %d: expected boolean, got %T", i, e)
		}
	}
	return out, nil
}
