// Package extract turns raw artifact payloads into canonical feature maps.
//
// A registry maps an artifact's schema_version onto the Extractor variant
// that parses it. Extractors validate the payload, decompose it into
// channels, dispatch to the pure kernels in go/features, and assemble the
// final map. Malformed payloads are signalled through the returned error,
// never through panics.
package extract

import (
	"strings"

	"github.com/helixion/biomarker-worker/go/features"
)

// Result is a successful extraction: the assembled feature map and the
// number of features it carries.
type Result struct {
	Features    features.Map
	NumFeatures int
}

// Extractor is a schema-version-specific payload parser.
type Extractor interface {
	// SchemaVersion returns the schema_version string this variant handles.
	SchemaVersion() string
	// Validate returns a descriptive error if content does not match the
	// expected schema.
	Validate(content []byte) error
	// Extract validates and converts content into a feature map.
	Extract(content []byte) (*Result, error)
}

// registry holds the shipped extractor variants in a fixed order, so that
// error messages enumerating supported versions are deterministic.
var registry = []Extractor{
	&TimeseriesCSV{},
	&EndpointJSON{},
}

// Lookup returns the Extractor for a schema version, or false if the
// version is unknown.
func Lookup(schemaVersion string) (Extractor, bool) {
	for _, e := range registry {
		if e.SchemaVersion() == schemaVersion {
			return e, true
		}
	}
	return nil, false
}

// SupportedVersions returns the known schema versions, comma-separated,
// for use in unsupported-version errors.
func SupportedVersions() string {
	var names = make([]string, len(registry))
	for i, e := range registry {
		names[i] = e.SchemaVersion()
	}
	return strings.Join(names, ", ")
}

func newResult(m features.Map) *Result {
	return &Result{Features: m, NumFeatures: len(m)}
}
