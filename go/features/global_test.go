package features

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func channelMap(ch string, baselineStd, snr interface{}) Map {
	return Map{
		"channel." + ch + ".baseline_std": baselineStd,
		"channel." + ch + ".snr":          snr,
	}
}

func TestGlobalQualityFlag(t *testing.T) {
	var cases = []struct {
		name     string
		features Map
		channels []string
		expect   string
	}{
		{"clean", channelMap("A", 1.0, 10.0), []string{"A"}, "ok"},
		{"noisy baseline", channelMap("A", 10.5, 10.0), []string{"A"}, "low"},
		{"baseline at threshold", channelMap("A", 10.0, 10.0), []string{"A"}, "ok"},
		{"low snr", channelMap("A", 1.0, 2.9), []string{"A"}, "low"},
		{"snr at threshold", channelMap("A", 1.0, 3.0), []string{"A"}, "ok"},
		{"nulls are not evidence", channelMap("A", nil, nil), []string{"A"}, "ok"},
		{"one bad channel flags all", func() Map {
			var m = channelMap("A", 1.0, 10.0)
			m.Merge(channelMap("B", 11.0, 10.0))
			return m
		}(), []string{"A", "B"}, "low"},
		{"endpoint channels have no axes", Map{"channel.CRP.endpoint_value": 55.1}, []string{"CRP"}, "ok"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var got = Global(c.features, c.channels)
			require.Equal(t, len(c.channels), got["global.num_channels"])
			require.Equal(t, c.expect, got["global.signal_quality_flag"])
		})
	}
}
