package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/fusion"
	"github.com/couchcryptid/damage-assessment-service/internal/ingest"
	"github.com/couchcryptid/damage-assessment-service/internal/suppress"
	"github.com/couchcryptid/damage-assessment-service/internal/tags"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/robfig/cron/v3"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers          []string
	KafkaProductsTopic    string
	KafkaTagsTopic        string
	KafkaAssessmentsTopic string
	KafkaGroupID          string
	HTTPAddr              string
	LogLevel              string
	LogFormat             string
	ShutdownTimeout       time.Duration
	BatchSize             int
	BatchFlushInterval    time.Duration
	FootprintsFile        string
	MasksFile             string
	DatabaseURL           string
	StoreMaxRetries       int
	Workers               int
	SweepSchedule         string
	ChannelProfilesFile   string
	Profiles              domain.ProfileSet

	// Signal ingestion.
	MinCoverage     float64
	PixelSizeMeters float64
	NoDataValue     *float64

	// Tag consensus and fusion.
	MinTaggers                 int
	CrowdTrustThreshold        float64
	CrowdSaturation            float64
	DisagreementCap            float64
	AutomatedCeiling           float64
	InsufficientCoverageWeight float64

	// Suppression.
	MaskThreshold        float64
	NeighborRadiusMeters float64
	RepairWindow         time.Duration
	IsolationPenalty     float64

	// Mapbox region resolution configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	fusionDefaults := fusion.DefaultConfig()
	suppressDefaults := suppress.DefaultConfig()
	ingestDefaults := ingest.DefaultConfig()

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		KafkaBrokers:          sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaProductsTopic:    sharedcfg.EnvOrDefault("KAFKA_PRODUCTS_TOPIC", "change-detection-products"),
		KafkaTagsTopic:        sharedcfg.EnvOrDefault("KAFKA_TAGS_TOPIC", "volunteer-tags"),
		KafkaAssessmentsTopic: sharedcfg.EnvOrDefault("KAFKA_ASSESSMENTS_TOPIC", "damage-assessments"),
		KafkaGroupID:          sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "damage-engine"),
		HTTPAddr:              sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:              sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:             sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:       shutdownTimeout,
		BatchSize:             batchSize,
		BatchFlushInterval:    flushInterval,
		FootprintsFile:        os.Getenv("FOOTPRINTS_FILE"),
		MasksFile:             os.Getenv("MASKS_FILE"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		StoreMaxRetries:       p.int("STORE_MAX_RETRIES", 5),
		Workers:               p.int("WORKERS", runtime.GOMAXPROCS(0)),
		SweepSchedule:         sharedcfg.EnvOrDefault("SWEEP_SCHEDULE", "@every 1h"),
		ChannelProfilesFile:   os.Getenv("CHANNEL_PROFILES_FILE"),

		MinCoverage:     p.float("MIN_COVERAGE", ingestDefaults.MinCoverage),
		PixelSizeMeters: p.float("PIXEL_SIZE_METERS", ingestDefaults.PixelSizeMeters),
		NoDataValue:     p.optionalFloat("NODATA_VALUE"),

		MinTaggers:                 p.int("MIN_TAGGERS", tags.DefaultConfig().MinTaggers),
		CrowdTrustThreshold:        p.float("CROWD_TRUST_THRESHOLD", fusionDefaults.CrowdTrustThreshold),
		CrowdSaturation:            p.float("CROWD_SATURATION", fusionDefaults.CrowdSaturation),
		DisagreementCap:            p.float("DISAGREEMENT_CAP", fusionDefaults.DisagreementCap),
		AutomatedCeiling:           p.float("AUTOMATED_CEILING", fusionDefaults.AutomatedCeiling),
		InsufficientCoverageWeight: p.float("INSUFFICIENT_COVERAGE_WEIGHT", fusionDefaults.InsufficientCoverageWeight),

		MaskThreshold:        p.float("MASK_THRESHOLD", suppressDefaults.MaskThreshold),
		NeighborRadiusMeters: p.float("NEIGHBOR_RADIUS_METERS", suppressDefaults.NeighborRadius),
		RepairWindow:         p.duration("REPAIR_WINDOW", suppressDefaults.RepairWindow),
		IsolationPenalty:     p.float("ISOLATION_PENALTY", suppressDefaults.IsolationPenalty),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   p.duration("MAPBOX_TIMEOUT", 5*time.Second),
		MapboxCacheSize: parseMapboxCacheSize(),
	}
	if p.err != nil {
		return nil, p.err
	}

	cfg.Profiles = domain.DefaultProfiles()
	if cfg.ChannelProfilesFile != "" {
		profiles, err := LoadProfiles(cfg.ChannelProfilesFile)
		if err != nil {
			return nil, err
		}
		cfg.Profiles = profiles
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if c.KafkaProductsTopic == "" {
		return errors.New("KAFKA_PRODUCTS_TOPIC is required")
	}
	if c.KafkaTagsTopic == "" {
		return errors.New("KAFKA_TAGS_TOPIC is required")
	}
	if c.KafkaAssessmentsTopic == "" {
		return errors.New("KAFKA_ASSESSMENTS_TOPIC is required")
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	if c.Workers <= 0 {
		return errors.New("WORKERS must be positive")
	}
	if c.StoreMaxRetries < 0 {
		return errors.New("STORE_MAX_RETRIES must not be negative")
	}
	if c.MinTaggers < 1 {
		return errors.New("MIN_TAGGERS must be at least 1")
	}
	if c.PixelSizeMeters <= 0 {
		return errors.New("PIXEL_SIZE_METERS must be positive")
	}
	if c.NeighborRadiusMeters <= 0 {
		return errors.New("NEIGHBOR_RADIUS_METERS must be positive")
	}
	if c.CrowdSaturation <= 0 {
		return errors.New("CROWD_SATURATION must be positive")
	}
	for name, v := range map[string]float64{
		"MIN_COVERAGE":                 c.MinCoverage,
		"CROWD_TRUST_THRESHOLD":        c.CrowdTrustThreshold,
		"DISAGREEMENT_CAP":             c.DisagreementCap,
		"AUTOMATED_CEILING":            c.AutomatedCeiling,
		"INSUFFICIENT_COVERAGE_WEIGHT": c.InsufficientCoverageWeight,
		"MASK_THRESHOLD":               c.MaskThreshold,
		"ISOLATION_PENALTY":            c.IsolationPenalty,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			return fmt.Errorf("invalid SWEEP_SCHEDULE: %w", err)
		}
	}
	if err := c.Profiles.Validate(); err != nil {
		return fmt.Errorf("invalid channel profiles: %w", err)
	}
	return nil
}

// Ingest returns the signal ingestor settings.
func (c *Config) Ingest() ingest.Config {
	return ingest.Config{
		MinCoverage:     c.MinCoverage,
		PixelSizeMeters: c.PixelSizeMeters,
		NoData:          c.NoDataValue,
		Profiles:        c.Profiles,
	}
}

// Tags returns the tag aggregator settings.
func (c *Config) Tags() tags.Config {
	return tags.Config{MinTaggers: c.MinTaggers}
}

// Fusion returns the fusion classifier settings.
func (c *Config) Fusion() fusion.Config {
	return fusion.Config{
		Profiles:                   c.Profiles,
		CrowdTrustThreshold:        c.CrowdTrustThreshold,
		CrowdSaturation:            c.CrowdSaturation,
		DisagreementCap:            c.DisagreementCap,
		AutomatedCeiling:           c.AutomatedCeiling,
		InsufficientCoverageWeight: c.InsufficientCoverageWeight,
	}
}

// Suppress returns the suppressor settings.
func (c *Config) Suppress() suppress.Config {
	return suppress.Config{
		MaskThreshold:    c.MaskThreshold,
		RepairWindow:     c.RepairWindow,
		NeighborRadius:   c.NeighborRadiusMeters,
		IsolationPenalty: c.IsolationPenalty,
	}
}

// parser accumulates the first parse error so Load can read every variable
// in one pass.
type parser struct {
	err error
}

func (p *parser) fail(name, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
}

func (p *parser) float(name string, def float64) float64 {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(name, s, err)
		return def
	}
	return v
}

func (p *parser) optionalFloat(name string) *float64 {
	s := os.Getenv(name)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(name, s, err)
		return nil
	}
	return &v
}

func (p *parser) int(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.fail(name, s, err)
		return def
	}
	return v
}

func (p *parser) duration(name string, def time.Duration) time.Duration {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.fail(name, s, err)
		return def
	}
	if d <= 0 {
		p.fail(name, s, errors.New("must be positive"))
		return def
	}
	return d
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
