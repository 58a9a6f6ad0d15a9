// Command genmock generates a synthetic disaster scenario for local runs and
// the replay checker: a grid of building footprints around an epicentre, a
// vegetation mask over one column, change-detection products, and volunteer
// tags. Output is deterministic for a given seed.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock -rows 12 -cols 12 -seed 7
//
// Products and tags reference footprints by their dataset ref; the replay
// command maps refs to registered footprint IDs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/fusion"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	footprintsFile = "footprints.geojson"
	masksFile      = "masks.geojson"
	productsFile   = "products.json"
	tagsFile       = "tags.json"

	sensor = "sentinel-1"
	region = "MM-06"

	originLon = 96.08
	originLat = 21.97
	side      = 0.0002 // footprint edge in degrees, about 21m
	spacing   = 0.0004 // grid pitch; adjacent footprints fall within the default neighbour radius
)

var (
	eventStart = time.Date(2025, time.March, 28, 6, 20, 0, 0, time.UTC)
	preTime    = eventStart.Add(-12 * 24 * time.Hour)
	postTime   = eventStart.Add(2 * 24 * time.Hour)
	// A second acquisition over part of the grid, inside the repair window.
	revisitTime = postTime.Add(12 * 24 * time.Hour)
)

type generator struct {
	rows, cols int
	rng        *rand.Rand
	threshold  domain.ChannelThreshold
}

type scenario struct {
	footprints *geojson.FeatureCollection
	masks      *geojson.FeatureCollection
	products   []domain.ChangeProduct
	tags       []domain.VolunteerTag
	stats      map[string]int
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output directory for fixture files")
	rows := flag.Int("rows", 12, "footprint grid rows")
	cols := flag.Int("cols", 12, "footprint grid columns")
	seed := flag.Uint64("seed", 7, "random seed")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}
	if *rows < 3 || *cols < 3 {
		return fmt.Errorf("grid must be at least 3x3, got %dx%d", *rows, *cols)
	}

	profile, ok := domain.DefaultProfiles().Resolve(sensor, region)
	if !ok {
		return fmt.Errorf("no channel profile for %s/%s", sensor, region)
	}
	g := &generator{
		rows:      *rows,
		cols:      *cols,
		rng:       rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)),
		threshold: profile[domain.ChannelAmplitudeDiff],
	}
	s := g.generate()

	files := []struct {
		name string
		v    any
	}{
		{footprintsFile, s.footprints},
		{masksFile, s.masks},
		{productsFile, s.products},
		{tagsFile, s.tags},
	}
	for _, f := range files {
		path := filepath.Join(*out, f.name)
		if err := writeJSON(path, f.v); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
		log.Printf("wrote %s", path)
	}

	printStats(s)
	return nil
}

func (g *generator) generate() scenario {
	s := scenario{
		footprints: geojson.NewFeatureCollection(),
		masks:      geojson.NewFeatureCollection(),
		stats:      map[string]int{},
	}

	centerRow, centerCol := float64(g.rows-1)/2, float64(g.cols-1)/2
	radius := float64(min(g.rows, g.cols)) / 3

	for r := range g.rows {
		for c := range g.cols {
			ref := fmt.Sprintf("bldg-%02d-%02d", r, c)
			x, y := originLon+float64(c)*spacing, originLat+float64(r)*spacing
			f := geojson.NewFeature(squareAt(x, y))
			f.Properties["ref"] = ref
			f.Properties["region"] = region
			s.footprints.Append(f)

			d := math.Hypot(float64(r)-centerRow, float64(c)-centerCol)
			value := 0.95*math.Exp(-(d*d)/(radius*radius)) + g.rng.NormFloat64()*0.03
			// One far corner is a planted isolated anomaly.
			if r == 0 && c == 0 {
				value = 0.9
				s.stats["planted isolated"]++
			}
			value = clamp01(value)

			s.products = append(s.products, g.product(ref, preTime, postTime, value))
			grade := fusion.ChannelGrade(value, g.threshold)
			s.stats["automated "+grade.String()]++

			// Severe damage near the centre is revisited with a much lower reading.
			if d < radius/2 && grade >= domain.SevereDamage && g.rng.IntN(3) == 0 {
				s.products = append(s.products, g.product(ref, postTime, revisitTime, clamp01(value*0.2)))
				s.stats["regression revisits"]++
			}

			s.tags = append(s.tags, g.tagsFor(ref, grade, &s)...)
		}
	}

	// Invalid features exercise per-feature rejection during bootstrap.
	bowtie := orb.Polygon{{{originLon - 0.001, originLat}, {originLon - 0.0008, originLat + 0.0002},
		{originLon - 0.0008, originLat}, {originLon - 0.001, originLat + 0.0002}, {originLon - 0.001, originLat}}}
	invalid := geojson.NewFeature(bowtie)
	invalid.Properties["ref"] = "invalid-bowtie"
	s.footprints.Append(invalid)
	point := geojson.NewFeature(orb.Point{originLon - 0.002, originLat})
	point.Properties["ref"] = "invalid-point"
	s.footprints.Append(point)

	// Vegetation covers the whole last column.
	lastX := originLon + float64(g.cols-1)*spacing
	mask := geojson.NewFeature(orb.Polygon{{
		{lastX - spacing/4, originLat - spacing/4},
		{lastX + side + spacing/4, originLat - spacing/4},
		{lastX + side + spacing/4, originLat + float64(g.rows-1)*spacing + side + spacing/4},
		{lastX - spacing/4, originLat + float64(g.rows-1)*spacing + side + spacing/4},
		{lastX - spacing/4, originLat - spacing/4},
	}})
	mask.Properties["kind"] = "vegetation"
	s.masks.Append(mask)
	s.stats["masked footprints"] = g.rows

	return s
}

// product builds a full-coverage product with amplitude and coherence samples
// scattered around value.
func (g *generator) product(ref string, pre, post time.Time, value float64) domain.ChangeProduct {
	samples := make([]domain.RasterSample, 0, 12)
	for range 6 {
		samples = append(samples,
			domain.RasterSample{Channel: domain.ChannelAmplitudeDiff, Value: clamp01(value + g.rng.NormFloat64()*0.02), Weight: 1},
			domain.RasterSample{Channel: domain.ChannelCoherenceDrop, Value: clamp01(value*0.7 + g.rng.NormFloat64()*0.02), Weight: 1},
		)
	}
	return domain.ChangeProduct{
		FootprintID: domain.FootprintID(ref),
		Sensor:      sensor,
		PreTime:     pre,
		PostTime:    post,
		Samples:     samples,
	}
}

// tagsFor tags roughly a third of the footprints. Most tags agree with the
// automated grade; a few footprints get a crowd that strongly disagrees.
func (g *generator) tagsFor(ref string, automated domain.DamageGrade, s *scenario) []domain.VolunteerTag {
	if g.rng.IntN(3) != 0 {
		return nil
	}
	grade := automated
	if g.rng.IntN(8) == 0 {
		grade = farthestGrade(automated)
		s.stats["disagreeing crowds"]++
	}

	n := 2 + g.rng.IntN(3)
	first := g.rng.IntN(200)
	out := make([]domain.VolunteerTag, n)
	for i := range out {
		out[i] = domain.VolunteerTag{
			FootprintID: domain.FootprintID(ref),
			TaggerID:    fmt.Sprintf("volunteer-%03d", (first+i)%200),
			Grade:       grade,
			Timestamp:   postTime.Add(time.Duration(1+g.rng.IntN(48*60)) * time.Minute),
		}
	}
	s.stats["tags"] += n
	return out
}

func farthestGrade(g domain.DamageGrade) domain.DamageGrade {
	if g >= domain.ModerateDamage {
		return domain.NoDamage
	}
	return domain.Destroyed
}

func squareAt(x, y float64) orb.Polygon {
	return orb.Polygon{{{x, y}, {x + side, y}, {x + side, y + side}, {x, y + side}, {x, y}}}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func printStats(s scenario) {
	fmt.Println("\n=== Scenario ===")
	fmt.Printf("Footprints: %d (including 2 invalid)\n", len(s.footprints.Features))
	fmt.Printf("Products: %d\n", len(s.products))
	fmt.Printf("Tags: %d\n", s.stats["tags"])
	for _, g := range domain.Grades() {
		fmt.Printf("  automated %-16s %d\n", g.String()+":", s.stats["automated "+g.String()])
	}
	fmt.Printf("Regression revisits: %d\n", s.stats["regression revisits"])
	fmt.Printf("Disagreeing crowds: %d\n", s.stats["disagreeing crowds"])
	fmt.Printf("Masked footprints: %d\n", s.stats["masked footprints"])
	fmt.Printf("Planted isolated anomalies: %d\n", s.stats["planted isolated"])
}
