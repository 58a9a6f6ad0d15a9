package geojson

import (
	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/paulmach/orb/geojson"
)

// FootprintFeature renders fp as a GeoJSON feature. When latest is non-nil
// the current grade, confidence, version and flags become properties.
func FootprintFeature(fp domain.Footprint, latest *domain.Assessment) *geojson.Feature {
	f := geojson.NewFeature(fp.Polygon)
	f.ID = string(fp.ID)
	f.Properties["region"] = fp.Region
	f.Properties["area_m2"] = fp.AreaM2
	if fp.Supersedes != "" {
		f.Properties["supersedes"] = string(fp.Supersedes)
	}
	if latest != nil {
		f.Properties["grade"] = latest.Grade.String()
		f.Properties["confidence"] = latest.Confidence
		f.Properties["version"] = latest.Version
		f.Properties["flags"] = latest.Flags
		f.Properties["assessed_at"] = latest.Timestamp
	}
	return f
}

// NewCollection wraps features in a FeatureCollection.
func NewCollection(features ...*geojson.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Features = append(fc.Features, features...)
	return fc
}
