package domain

import "fmt"

// ChannelThreshold configures how one change-detection channel maps to damage.
// Values below Low indicate no change; values at or above High indicate severe
// change. Weight is the historical reliability of the channel.
type ChannelThreshold struct {
	Low    float64 `yaml:"low" json:"low"`
	High   float64 `yaml:"high" json:"high"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Validate checks threshold ordering and a non-negative weight.
func (t ChannelThreshold) Validate() error {
	if t.High <= t.Low {
		return fmt.Errorf("high threshold %.3f must exceed low threshold %.3f", t.High, t.Low)
	}
	if t.Weight < 0 {
		return fmt.Errorf("weight %.3f must not be negative", t.Weight)
	}
	return nil
}

// ChannelProfile maps channel names to their thresholds for one sensor/region.
type ChannelProfile map[string]ChannelThreshold

// ProfileSet resolves a channel profile for a sensor and region. Lookup order
// is "sensor/region", then "sensor", then "default".
type ProfileSet map[string]ChannelProfile

// DefaultProfileKey is the fallback profile key.
const DefaultProfileKey = "default"

// Resolve returns the most specific profile for sensor and region.
func (p ProfileSet) Resolve(sensor, region string) (ChannelProfile, bool) {
	if region != "" {
		if prof, ok := p[sensor+"/"+region]; ok {
			return prof, true
		}
	}
	if prof, ok := p[sensor]; ok {
		return prof, true
	}
	prof, ok := p[DefaultProfileKey]
	return prof, ok
}

// Validate checks every threshold in every profile.
func (p ProfileSet) Validate() error {
	for key, prof := range p {
		for ch, th := range prof {
			if err := th.Validate(); err != nil {
				return fmt.Errorf("profile %q channel %q: %w", key, ch, err)
			}
		}
	}
	return nil
}

// DefaultProfiles are used when no profile file is configured.
func DefaultProfiles() ProfileSet {
	return ProfileSet{
		DefaultProfileKey: {
			ChannelAmplitudeDiff:   {Low: 0.3, High: 0.7, Weight: 1.0},
			ChannelCoherenceDrop:   {Low: 0.2, High: 0.5, Weight: 0.8},
			ChannelOpticalChange:   {Low: 0.25, High: 0.6, Weight: 0.9},
			ChannelClassifierScore: {Low: 0.4, High: 0.8, Weight: 1.2},
		},
	}
}
