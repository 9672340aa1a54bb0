package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const endpointPayload = `{
  "channels": [
    {"channel": "CRP", "value": 55.1},
    {"channel": "IL6", "value": 123.4}
  ],
  "metadata": {"instrument_id": "NEXT-001"}
}`

func TestEndpointJSONExtract(t *testing.T) {
	var e = &EndpointJSON{}
	result, err := e.Extract([]byte(endpointPayload))
	require.NoError(t, err)

	var got = result.Features
	require.Equal(t, 5, result.NumFeatures)
	require.InDelta(t, 55.1, got["channel.CRP.endpoint_value"], 1e-12)
	require.InDelta(t, 123.4, got["channel.IL6.endpoint_value"], 1e-12)
	require.Equal(t, 2, got["global.num_channels"])
	require.Equal(t, "ok", got["global.signal_quality_flag"])
	require.Equal(t, "NEXT-001", got["metadata.instrument_id"])
}

func TestEndpointJSONSortsChannels(t *testing.T) {
	// Channels given out of order are still processed lexicographically;
	// the assembled map is identical either way.
	var reversed = `{"channels": [
	  {"channel": "IL6", "value": 123.4},
	  {"channel": "CRP", "value": 55.1}
	], "metadata": {"instrument_id": "NEXT-001"}}`

	var e = &EndpointJSON{}
	a, err := e.Extract([]byte(endpointPayload))
	require.NoError(t, err)
	b, err := e.Extract([]byte(reversed))
	require.NoError(t, err)
	require.Equal(t, a.Features, b.Features)
}

func TestEndpointJSONValidation(t *testing.T) {
	var e = &EndpointJSON{}
	var cases = []struct {
		name    string
		payload string
		expect  string
	}{
		{"not json", `nope`, "JSON parsing error"},
		{"missing channels", `{}`, "missing required field 'channels'"},
		{"channels not array", `{"channels": 3}`, "field 'channels' must be an array"},
		{"empty channels", `{"channels": []}`, "at least one entry"},
		{"entry not object", `{"channels": ["x"]}`, "channel entry 0 must be an object"},
		{"entry missing channel", `{"channels": [{"value": 1}]}`, "channel entry 0 missing 'channel' field"},
		{"entry missing value", `{"channels": [{"channel": "A"}]}`, "channel entry 0 missing 'value' field"},
		{"channel not string", `{"channels": [{"channel": 1, "value": 1}]}`, "channel entry 0 'channel' must be a string"},
		{"value not number", `{"channels": [{"channel": "A", "value": "x"}]}`, "channel entry 0 'value' must be a number"},
		{"positional index", `{"channels": [{"channel": "A", "value": 1}, {"channel": "B"}]}`, "channel entry 1 missing 'value' field"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var _, err = e.Extract([]byte(c.payload))
			require.Error(t, err)
			require.Contains(t, err.Error(), c.expect)

			require.Error(t, e.Validate([]byte(c.payload)))
		})
	}
}

func TestEndpointJSONMetadataPassthrough(t *testing.T) {
	var payload = `{"channels": [{"channel": "A", "value": 1}],
	  "metadata": {"temperature_c": 23.5, "calibrated": true, "note": "ok"}}`

	var e = &EndpointJSON{}
	result, err := e.Extract([]byte(payload))
	require.NoError(t, err)

	require.Equal(t, 23.5, result.Features["metadata.temperature_c"])
	require.Equal(t, true, result.Features["metadata.calibrated"])
	require.Equal(t, "ok", result.Features["metadata.note"])
}
