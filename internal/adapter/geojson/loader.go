// Package geojson reads baseline footprint and land-cover mask datasets from
// GeoJSON FeatureCollections and renders footprints back as GeoJSON.
package geojson

import (
	"fmt"
	"os"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/suppress"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Property names read from baseline and mask features.
const (
	propRef    = "ref"
	propRegion = "region"
	propKind   = "kind"
)

// LoadFootprints reads a baseline footprint FeatureCollection from path.
func LoadFootprints(path string) ([]domain.BaselineFeature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read footprints file: %w", err)
	}
	return ParseFootprints(data)
}

// ParseFootprints decodes a baseline footprint FeatureCollection. Each polygon
// of a MultiPolygon becomes its own feature. Features with other geometry
// types are kept with an empty polygon so registration rejects them
// individually instead of failing the whole dataset.
func ParseFootprints(data []byte) ([]domain.BaselineFeature, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode footprints: %w", err)
	}

	out := make([]domain.BaselineFeature, 0, len(fc.Features))
	for i, f := range fc.Features {
		ref := featureRef(f, i)
		region := f.Properties.MustString(propRegion, "")

		switch g := f.Geometry.(type) {
		case orb.Polygon:
			out = append(out, domain.BaselineFeature{Ref: ref, Polygon: g, Region: region})
		case orb.MultiPolygon:
			for j, p := range g {
				out = append(out, domain.BaselineFeature{Ref: fmt.Sprintf("%s#%d", ref, j), Polygon: p, Region: region})
			}
		default:
			out = append(out, domain.BaselineFeature{Ref: ref, Region: region})
		}
	}
	return out, nil
}

// LoadMasks reads a land-cover mask FeatureCollection from path.
func LoadMasks(path string) ([]suppress.MaskPolygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read masks file: %w", err)
	}
	return ParseMasks(data)
}

// ParseMasks decodes a land-cover mask FeatureCollection. Every feature needs
// a "kind" property of vegetation or water and polygonal geometry.
func ParseMasks(data []byte) ([]suppress.MaskPolygon, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode masks: %w", err)
	}

	var out []suppress.MaskPolygon
	for i, f := range fc.Features {
		kind := suppress.MaskKind(f.Properties.MustString(propKind, ""))
		switch kind {
		case suppress.MaskVegetation, suppress.MaskWater:
		default:
			return nil, fmt.Errorf("mask %s: unknown kind %q", featureRef(f, i), kind)
		}

		switch g := f.Geometry.(type) {
		case orb.Polygon:
			out = append(out, suppress.MaskPolygon{Kind: kind, Polygon: g})
		case orb.MultiPolygon:
			for _, p := range g {
				out = append(out, suppress.MaskPolygon{Kind: kind, Polygon: p})
			}
		default:
			return nil, fmt.Errorf("mask %s: unsupported geometry %s", featureRef(f, i), geometryType(f.Geometry))
		}
	}
	return out, nil
}

// featureRef prefers the feature id, then a "ref" property, then the index.
func featureRef(f *geojson.Feature, index int) string {
	if f.ID != nil {
		return fmt.Sprint(f.ID)
	}
	if ref := f.Properties.MustString(propRef, ""); ref != "" {
		return ref
	}
	return fmt.Sprintf("feature-%d", index)
}

func geometryType(g orb.Geometry) string {
	if g == nil {
		return "null"
	}
	return g.GeoJSONType()
}
