package config

import (
	"fmt"
	"os"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"gopkg.in/yaml.v3"
)

// profileFile is the on-disk layout of CHANNEL_PROFILES_FILE:
//
//	profiles:
//	  default:
//	    amplitude_diff: {low: 0.3, high: 0.7, weight: 1.0}
//	  sentinel-1/MM-06:
//	    amplitude_diff: {low: 0.35, high: 0.75, weight: 0.9}
type profileFile struct {
	Profiles domain.ProfileSet `yaml:"profiles"`
}

// LoadProfiles reads channel profiles from a YAML file. The built-in default
// profile is kept unless the file overrides it.
func LoadProfiles(path string) (domain.ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes YAML channel profiles.
func ParseProfiles(data []byte) (domain.ProfileSet, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channel profiles: %w", err)
	}

	profiles := domain.DefaultProfiles()
	for key, prof := range f.Profiles {
		if len(prof) == 0 {
			return nil, fmt.Errorf("channel profile %q has no channels", key)
		}
		profiles[key] = prof
	}
	if err := profiles.Validate(); err != nil {
		return nil, err
	}
	return profiles, nil
}
