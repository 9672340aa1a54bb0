package extract

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/helixion/biomarker-worker/go/features"
)

// EndpointJSON extracts features from v1_endpoint_json artifacts: an object
// with a non-empty channels array of endpoint measurements, and an optional
// metadata object that is carried through under the metadata. prefix:
//
//	{
//	  "channels": [
//	    {"channel": "IL6", "value": 123.4},
//	    {"channel": "CRP", "value": 55.1}
//	  ],
//	  "metadata": {"instrument_id": "NEXT-001"}
//	}
type EndpointJSON struct{}

// SchemaVersion implements Extractor.
func (*EndpointJSON) SchemaVersion() string { return "v1_endpoint_json" }

type endpointDoc struct {
	channels []endpointChannel
	metadata map[string]interface{}
}

type endpointChannel struct {
	channel string
	value   float64
}

func (*EndpointJSON) parse(content []byte) (*endpointDoc, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("JSON parsing error: %w", err)
	}

	var rawChannels, ok = raw["channels"]
	if !ok {
		return nil, fmt.Errorf("missing required field 'channels'")
	}
	list, ok := rawChannels.([]interface{})
	if !ok {
		return nil, fmt.Errorf("field 'channels' must be an array")
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("field 'channels' must have at least one entry")
	}

	var doc = &endpointDoc{}
	for i, entry := range list {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("channel entry %d must be an object", i)
		}
		rawName, ok := obj["channel"]
		if !ok {
			return nil, fmt.Errorf("channel entry %d missing 'channel' field", i)
		}
		rawValue, ok := obj["value"]
		if !ok {
			return nil, fmt.Errorf("channel entry %d missing 'value' field", i)
		}
		name, ok := rawName.(string)
		if !ok {
			return nil, fmt.Errorf("channel entry %d 'channel' must be a string", i)
		}
		value, ok := rawValue.(float64)
		if !ok {
			return nil, fmt.Errorf("channel entry %d 'value' must be a number", i)
		}
		doc.channels = append(doc.channels, endpointChannel{channel: name, value: value})
	}

	if rawMeta, ok := raw["metadata"]; ok {
		if meta, ok := rawMeta.(map[string]interface{}); ok {
			doc.metadata = meta
		}
	}
	return doc, nil
}

// Validate implements Extractor.
func (e *EndpointJSON) Validate(content []byte) error {
	var _, err = e.parse(content)
	return err
}

// Extract implements Extractor.
func (e *EndpointJSON) Extract(content []byte) (*Result, error) {
	doc, err := e.parse(content)
	if err != nil {
		return nil, err
	}

	// Channel entries are processed in lexicographic label order.
	sort.SliceStable(doc.channels, func(a, b int) bool {
		return doc.channels[a].channel < doc.channels[b].channel
	})

	var all = features.Map{}
	var channels = make([]string, 0, len(doc.channels))
	for _, ch := range doc.channels {
		channels = append(channels, ch.channel)
		all.Merge(features.Endpoint(ch.channel, ch.value))
	}
	all.Merge(features.Global(all, channels))

	// Metadata keys pass through unchanged, under the metadata. prefix.
	for key, value := range doc.metadata {
		all["metadata."+key] = value
	}

	return newResult(all), nil
}
