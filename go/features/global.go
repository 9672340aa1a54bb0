package features

import "fmt"

const (
	// BaselineStdThreshold flags a channel whose baseline is too noisy.
	BaselineStdThreshold = 10.0
	// SNRThreshold flags a channel whose signal-to-noise ratio is too low.
	SNRThreshold = 3.0
)

// Global computes cross-channel features over an assembled channel feature
// map. The quality flag is "low" if any channel has baseline_std above
// BaselineStdThreshold or snr below SNRThreshold. Null feature values
// contribute no evidence on either axis.
func Global(channelFeatures Map, channels []string) Map {
	var lowQuality = false
	for _, ch := range channels {
		var baselineStd = channelFeatures[fmt.Sprintf("channel.%s.baseline_std", ch)]
		var snr = channelFeatures[fmt.Sprintf("channel.%s.snr", ch)]

		if v, ok := baselineStd.(float64); ok && v > BaselineStdThreshold {
			lowQuality = true
			break
		}
		if v, ok := snr.(float64); ok && v < SNRThreshold {
			lowQuality = true
			break
		}
	}

	var flag = "ok"
	if lowQuality {
		flag = "low"
	}
	return Map{
		"global.num_channels":        len(channels),
		"global.signal_quality_flag": flag,
	}
}
