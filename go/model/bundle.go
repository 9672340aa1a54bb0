// Package model loads versioned model bundles and caches the loaded
// ensembles by model id.
//
// A bundle is a zip archive holding exactly one ensemble serialization,
// xgb_model.json (preferred) or xgb_model.ubj, plus a model_config.json
// describing the feature set, feature order and task.
package model

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/helixion/biomarker-worker/go/blobs"
	"github.com/helixion/biomarker-worker/go/xgb"
)

const (
	memberModelJSON = "xgb_model.json"
	memberModelUBJ  = "xgb_model.ubj"
	memberConfig    = "model_config.json"

	// DefaultThreshold applies when model_config.json omits one.
	DefaultThreshold = 0.5
)

// BundleError describes an invalid or unreadable model bundle: a missing
// member, malformed config, or an ensemble that fails to parse.
type BundleError struct {
	Detail string
	Cause  error
}

func (e *BundleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Cause)
	}
	return e.Detail
}

func (e *BundleError) Unwrap() error { return e.Cause }

func bundleErrorf(cause error, format string, args ...interface{}) error {
	return &BundleError{Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// Config is the parsed model_config.json of a bundle.
type Config struct {
	FeatureSet       string   `json:"feature_set"`
	FeatureOrder     []string `json:"feature_order"`
	Task             string   `json:"task"`
	DefaultThreshold float64  `json:"default_threshold"`
	Notes            string   `json:"notes,omitempty"`
}

func parseConfig(raw []byte) (*Config, error) {
	var parsed struct {
		FeatureSet       *string  `json:"feature_set"`
		FeatureOrder     []string `json:"feature_order"`
		Task             *string  `json:"task"`
		DefaultThreshold *float64 `json:"default_threshold"`
		Notes            string   `json:"notes"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, bundleErrorf(err, "invalid %s", memberConfig)
	}

	var missing []string
	if parsed.FeatureSet == nil {
		missing = append(missing, "feature_set")
	}
	if parsed.FeatureOrder == nil {
		missing = append(missing, "feature_order")
	}
	if parsed.Task == nil {
		missing = append(missing, "task")
	}
	if len(missing) > 0 {
		return nil, bundleErrorf(nil, "%s missing required fields: %v", memberConfig, missing)
	}

	var config = &Config{
		FeatureSet:       *parsed.FeatureSet,
		FeatureOrder:     parsed.FeatureOrder,
		Task:             *parsed.Task,
		DefaultThreshold: DefaultThreshold,
		Notes:            parsed.Notes,
	}
	if parsed.DefaultThreshold != nil {
		config.DefaultThreshold = *parsed.DefaultThreshold
	}
	return config, nil
}

// Loaded is a fully loaded model: the parsed ensemble plus its config.
type Loaded struct {
	Booster *xgb.Booster
	Config  *Config
	Format  string
	// NumTrees is the ensemble's number of boosting rounds.
	NumTrees int
}

type bundle struct {
	format    string // "json" or "ubj"
	modelRaw  []byte
	configRaw []byte
	members   []string
}

func openBundle(data []byte) (*bundle, error) {
	var zr, err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, bundleErrorf(err, "invalid model bundle: not a valid zip file")
	}

	var files = map[string]*zip.File{}
	var b = &bundle{}
	for _, f := range zr.File {
		files[f.Name] = f
		b.members = append(b.members, f.Name)
	}

	var modelMember string
	if _, ok := files[memberModelJSON]; ok {
		modelMember, b.format = memberModelJSON, "json"
	} else if _, ok := files[memberModelUBJ]; ok {
		modelMember, b.format = memberModelUBJ, "ubj"
	} else {
		return nil, bundleErrorf(nil, "model bundle must contain %s or %s", memberModelJSON, memberModelUBJ)
	}
	if _, ok := files[memberConfig]; !ok {
		return nil, bundleErrorf(nil, "model bundle must contain %s", memberConfig)
	}

	if b.modelRaw, err = readMember(files[modelMember]); err != nil {
		return nil, bundleErrorf(err, "reading %s", modelMember)
	}
	if b.configRaw, err = readMember(files[memberConfig]); err != nil {
		return nil, bundleErrorf(err, "reading %s", memberConfig)
	}
	return b, nil
}

func readMember(f *zip.File) ([]byte, error) {
	var rc, err = f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Load fetches a bundle by storage key and loads its ensemble and config.
func Load(ctx context.Context, fetcher blobs.Fetcher, storageKey string) (*Loaded, error) {
	var data, err = fetcher.Fetch(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("fetching model bundle %q: %w", storageKey, err)
	}

	b, err := openBundle(data)
	if err != nil {
		return nil, err
	}
	config, err := parseConfig(b.configRaw)
	if err != nil {
		return nil, err
	}

	var booster *xgb.Booster
	if b.format == "json" {
		booster, err = xgb.NewBoosterFromJSON(b.modelRaw)
	} else {
		booster, err = xgb.NewBoosterFromUBJSON(b.modelRaw)
	}
	if err != nil {
		return nil, bundleErrorf(err, "failed to load ensemble from bundle %q", storageKey)
	}

	return &Loaded{
		Booster:  booster,
		Config:   config,
		Format:   b.format,
		NumTrees: booster.NumTrees(),
	}, nil
}

// Info is bundle metadata returned by Validate.
type Info struct {
	Format  string          `json:"model_format"`
	Config  json.RawMessage `json:"config"`
	Members []string        `json:"files"`
}

// Validate checks a bundle's members and config without parsing the
// ensemble, and returns its metadata.
func Validate(ctx context.Context, fetcher blobs.Fetcher, storageKey string) (*Info, error) {
	var data, err = fetcher.Fetch(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("fetching model bundle %q: %w", storageKey, err)
	}

	b, err := openBundle(data)
	if err != nil {
		return nil, err
	}
	if _, err = parseConfig(b.configRaw); err != nil {
		return nil, err
	}

	return &Info{
		Format:  b.format,
		Config:  json.RawMessage(b.configRaw),
		Members: b.members,
	}, nil
}
