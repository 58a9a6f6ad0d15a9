// Command replay runs a fixture scenario through the assessment engine offline
// and checks the resulting assessment logs: every footprint's versions must be
// gap-free from 1, every record must be well formed, and masked footprints
// must carry the masked flag. Products and tags are replayed in time order on a
// fake clock, then reassessment sweeps run concurrently against the same store.
//
// Usage:
//
//	go run ./cmd/replay -dir data/mock -workers 8 -sweeps 2
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/adapter/geojson"
	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/fusion"
	"github.com/couchcryptid/damage-assessment-service/internal/ingest"
	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/couchcryptid/damage-assessment-service/internal/pipeline"
	"github.com/couchcryptid/damage-assessment-service/internal/registry"
	"github.com/couchcryptid/damage-assessment-service/internal/store"
	"github.com/couchcryptid/damage-assessment-service/internal/suppress"
	"github.com/couchcryptid/damage-assessment-service/internal/tags"
	"github.com/jonboulle/clockwork"
)

const (
	footprintsFile = "footprints.geojson"
	masksFile      = "masks.geojson"
	productsFile   = "products.json"
	tagsFile       = "tags.json"

	invalidRefPrefix = "invalid-"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// event is one replayed input: a product or a tag, at the time it arrives.
type event struct {
	at      time.Time
	product *domain.ChangeProduct
	tag     *domain.VolunteerTag
}

// world is the engine and its components wired for an offline run.
type world struct {
	registry *registry.Registry
	masks    *suppress.MaskIndex
	ingestor *ingest.Ingestor
	tags     *tags.Aggregator
	store    *store.Memory
	engine   *pipeline.Engine
	clock    *clockwork.FakeClock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func main() {
	dir := flag.String("dir", "", "directory containing genmock fixture files")
	workers := flag.Int("workers", 8, "sweep worker count")
	sweeps := flag.Int("sweeps", 1, "number of reassessment sweeps after the replay")
	verbose := flag.Bool("v", false, "log engine activity to stderr")
	flag.Parse()

	if *dir == "" || *workers < 1 || *sweeps < 0 {
		flag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if code := run(*dir, *workers, *sweeps, logger); code != 0 {
		os.Exit(code)
	}
}

func run(dir string, workers, sweeps int, logger *slog.Logger) int {
	ctx := context.Background()

	fmt.Println("=== Damage Assessment Replay ===")
	fmt.Println()

	// ── Load fixtures ──
	features, err := geojson.LoadFootprints(filepath.Join(dir, footprintsFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load footprints: %v\n", err)
		return 1
	}
	masks, err := geojson.LoadMasks(filepath.Join(dir, masksFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load masks: %v\n", err)
		return 1
	}
	products, err := loadJSON[domain.ChangeProduct](filepath.Join(dir, productsFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load products: %v\n", err)
		return 1
	}
	tagList, err := loadJSON[domain.VolunteerTag](filepath.Join(dir, tagsFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load tags: %v\n", err)
		return 1
	}

	timeline := buildTimeline(products, tagList)
	if len(timeline) == 0 {
		fmt.Fprintln(os.Stderr, "FATAL: fixture has no products or tags")
		return 1
	}
	w := newWorld(timeline[0].at, logger)
	w.masks.Add(masks...)

	// ── Replay ──
	report := w.registry.Bootstrap(ctx, features, nil)
	phases := []*phase{validateBootstrap(features, report)}

	start := time.Now()
	replayPhase, produced := w.replay(ctx, timeline, report.Registered)
	phases = append(phases, replayPhase)
	fmt.Printf("Replayed %d events in %s, %d assessments produced\n", len(timeline), time.Since(start).Round(time.Millisecond), produced)

	sweeper := pipeline.NewSweeper(w.engine, pipeline.Candidates(w.ingestor.History(), w.tags), nil, workers, logger, w.metrics)
	for i := range sweeps {
		sr, err := sweeper.Sweep(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: sweep %d: %v\n", i+1, err)
			return 1
		}
		fmt.Printf("Sweep %d: %d assessed, %d skipped, %d failed in %s\n", i+1, sr.Assessed, sr.Skipped, sr.Failed, sr.Duration.Round(time.Millisecond))
	}

	// ── Validate ──
	phases = append(phases,
		w.validateVersions(ctx),
		w.validateRecords(ctx),
		w.validateMasked(ctx),
	)

	// ── Report results ──
	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Footprints: %d registered, %d rejected; %d products, %d tags\n",
		len(report.Registered), len(report.Rejected), len(products), len(tagList))
	w.printSummary(ctx)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func newWorld(start time.Time, logger *slog.Logger) *world {
	clock := clockwork.NewFakeClockAt(start)
	reg := registry.New(logger)
	w := &world{
		registry: reg,
		masks:    suppress.NewMaskIndex(),
		ingestor: ingest.New(ingest.DefaultConfig(), reg, ingest.NewHistory(), logger),
		tags:     tags.New(tags.DefaultConfig(), reg),
		store:    store.NewMemory(clock),
		clock:    clock,
		metrics:  observability.NewMetricsForTesting(),
		logger:   logger,
	}
	w.engine = pipeline.NewEngine(pipeline.EngineDeps{
		Footprints: reg,
		Signals:    w.ingestor.History(),
		Consensus:  w.tags,
		Classifier: fusion.New(fusion.DefaultConfig()),
		Suppressor: suppress.New(suppress.DefaultConfig()),
		Masks:      w.masks,
		Store:      w.store,
		Clock:      clock,
		Logger:     logger,
		Metrics:    w.metrics,
	})
	return w
}

// buildTimeline orders products by post-event time and tags by timestamp.
// At equal times products come first.
func buildTimeline(products []domain.ChangeProduct, tagList []domain.VolunteerTag) []event {
	timeline := make([]event, 0, len(products)+len(tagList))
	for i := range products {
		timeline = append(timeline, event{at: products[i].PostTime, product: &products[i]})
	}
	for i := range tagList {
		timeline = append(timeline, event{at: tagList[i].Timestamp, tag: &tagList[i]})
	}
	slices.SortStableFunc(timeline, func(a, b event) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return cmp.Compare(a.kind(), b.kind())
	})
	return timeline
}

func (e event) kind() int {
	if e.product != nil {
		return 0
	}
	return 1
}

// replay feeds every event through the same handlers the Kafka streams use,
// advancing the clock to each event's time first.
func (w *world) replay(ctx context.Context, timeline []event, ids map[string]domain.FootprintID) (*phase, int) {
	p := &phase{name: "Replay (handlers accept every event)"}
	products := pipeline.NewProductHandler(w.ingestor, w.engine, w.logger, w.metrics)
	tagHandler := pipeline.NewTagHandler(w.tags, w.engine, w.logger, w.metrics)

	produced := 0
	for _, ev := range timeline {
		if d := ev.at.Sub(w.clock.Now()); d > 0 {
			w.clock.Advance(d)
		}

		var (
			handler pipeline.Handler
			ref     string
			value   any
		)
		switch {
		case ev.product != nil:
			handler, ref = products, string(ev.product.FootprintID)
			pr := *ev.product
			pr.FootprintID = ids[ref]
			value = pr
		default:
			handler, ref = tagHandler, string(ev.tag.FootprintID)
			tg := *ev.tag
			tg.FootprintID = ids[ref]
			value = tg
		}
		id, ok := ids[ref]
		if !ok {
			p.errorf("%s: event references unregistered footprint", ref)
			continue
		}

		data, err := json.Marshal(value)
		if err != nil {
			p.errorf("%s: marshal event: %v", ref, err)
			continue
		}
		out, err := handler.Handle(ctx, domain.RawMessage{Key: []byte(id), Value: data, Timestamp: ev.at})
		if err != nil {
			p.errorf("%s at %s: %v", ref, ev.at.Format(time.RFC3339), err)
			continue
		}
		produced += len(out)
	}
	return p, produced
}

func validateBootstrap(features []domain.BaselineFeature, report registry.BootstrapReport) *phase {
	p := &phase{name: "Bootstrap (only invalid features rejected, stable ids)"}
	rejected := make(map[string]bool, len(report.Rejected))
	for _, r := range report.Rejected {
		rejected[r.Ref] = true
		if !strings.HasPrefix(r.Ref, invalidRefPrefix) {
			p.errorf("%s: unexpectedly rejected: %v", r.Ref, r.Err)
		}
	}
	for _, f := range features {
		if strings.HasPrefix(f.Ref, invalidRefPrefix) && !rejected[f.Ref] {
			p.errorf("%s: invalid feature was registered", f.Ref)
		}
	}
	for ref, id := range report.Registered {
		if id != registry.BaselineID(ref) {
			p.errorf("%s: registered as %s, not its stable id", ref, id)
		}
	}
	return p
}

// validateVersions checks every log is 1..n with non-decreasing timestamps and
// that Latest agrees with the end of History.
func (w *world) validateVersions(ctx context.Context) *phase {
	p := &phase{name: "Versions (gap-free, ordered, latest)"}
	for _, id := range w.store.Footprints() {
		var last domain.Assessment
		n := 0
		for a, err := range w.store.History(ctx, id) {
			if err != nil {
				p.errorf("%s: history: %v", id, err)
				break
			}
			n++
			if a.Version != n {
				p.errorf("%s: version %d at position %d", id, a.Version, n)
			}
			if n > 1 && a.Timestamp.Before(last.Timestamp) {
				p.errorf("%s: version %d committed before version %d", id, a.Version, last.Version)
			}
			last = a
		}
		latest, err := w.store.Latest(ctx, id)
		if err != nil {
			p.errorf("%s: latest: %v", id, err)
			continue
		}
		if latest.Version != last.Version {
			p.errorf("%s: latest is version %d, history ends at %d", id, latest.Version, last.Version)
		}
	}
	return p
}

// validateRecords checks the per-record invariants of every committed assessment.
func (w *world) validateRecords(ctx context.Context) *phase {
	p := &phase{name: "Records (grade, confidence, flags)"}
	for _, id := range w.store.Footprints() {
		for a, err := range w.store.History(ctx, id) {
			if err != nil {
				p.errorf("%s: history: %v", id, err)
				break
			}
			if !a.Grade.Valid() {
				p.errorf("%s v%d: invalid grade %d", id, a.Version, a.Grade)
			}
			if a.Confidence < 0 || a.Confidence > 1 {
				p.errorf("%s v%d: confidence %v outside [0,1]", id, a.Version, a.Confidence)
			}
			if !slices.Equal(a.Flags, domain.NormalizeFlags(a.Flags)) {
				p.errorf("%s v%d: flags %v not normalized", id, a.Version, a.Flags)
			}
			if a.Breakdown.SignalContribution < 0 || a.Breakdown.TagContribution < 0 {
				p.errorf("%s v%d: negative evidence contribution", id, a.Version)
			}
		}
	}
	return p
}

// validateMasked checks that footprints mostly covered by a land-cover mask
// carry the masked flag on their latest assessment.
func (w *world) validateMasked(ctx context.Context) *phase {
	p := &phase{name: "Masks (masked footprints flagged)"}
	threshold := suppress.DefaultConfig().MaskThreshold
	for _, id := range w.store.Footprints() {
		fp, err := w.registry.Lookup(id)
		if err != nil {
			p.errorf("%s: lookup: %v", id, err)
			continue
		}
		if w.masks.Fraction(fp) < threshold {
			continue
		}
		latest, err := w.store.Latest(ctx, id)
		if err != nil {
			p.errorf("%s: latest: %v", id, err)
			continue
		}
		if !slices.Contains(latest.Flags, domain.FlagMasked) {
			p.errorf("%s: masked footprint assessed %s without the masked flag", id, latest.Grade)
		}
	}
	return p
}

func (w *world) printSummary(ctx context.Context) {
	grades := map[domain.DamageGrade]int{}
	flags := map[domain.Flag]int{}
	versions := 0
	ids := w.store.Footprints()
	for _, id := range ids {
		latest, err := w.store.Latest(ctx, id)
		if err != nil {
			continue
		}
		grades[latest.Grade]++
		for _, f := range latest.Flags {
			flags[f]++
		}
		versions += latest.Version
	}

	fmt.Printf("Assessed footprints: %d, committed versions: %d\n", len(ids), versions)
	fmt.Print("Latest grades:")
	for _, g := range domain.Grades() {
		fmt.Printf(" %s=%d", g, grades[g])
	}
	fmt.Println()
	fmt.Print("Latest flags:")
	for _, f := range []domain.Flag{domain.FlagMasked, domain.FlagRegressionSuspect, domain.FlagIsolatedAnomaly, domain.FlagDisagreement} {
		fmt.Printf(" %s=%d", f, flags[f])
	}
	fmt.Println()
}

func loadJSON[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return out, nil
}
