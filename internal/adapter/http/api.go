package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/couchcryptid/damage-assessment-service/internal/adapter/geojson"
	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
)

// Footprints is the read side of the footprint registry.
type Footprints interface {
	Lookup(id domain.FootprintID) (domain.Footprint, error)
	Query(bound orb.Bound) iter.Seq[domain.Footprint]
	SupersededBy(id domain.FootprintID) (domain.FootprintID, bool)
}

// Assessments is the read side of the assessment store.
type Assessments interface {
	Latest(ctx context.Context, id domain.FootprintID) (domain.Assessment, error)
	History(ctx context.Context, id domain.FootprintID) iter.Seq2[domain.Assessment, error]
}

// Crowd exposes stored volunteer tags and their consensus.
type Crowd interface {
	Consensus(id domain.FootprintID) (domain.ConsensusTag, error)
	Tags(id domain.FootprintID) []domain.VolunteerTag
}

// TagSubmitter records a tag and returns any assessment it triggered.
type TagSubmitter interface {
	Submit(ctx context.Context, tag domain.VolunteerTag) ([]domain.Assessment, error)
}

// Publisher forwards assessments produced by API calls downstream.
type Publisher interface {
	Publish(ctx context.Context, assessments []domain.Assessment) error
}

// APIDeps are the collaborators of the API. Publisher is optional.
type APIDeps struct {
	Footprints  Footprints
	Assessments Assessments
	Crowd       Crowd
	Tags        TagSubmitter
	Publisher   Publisher
	Logger      *slog.Logger
}

// API serves footprint, assessment, and tag routes.
type API struct {
	footprints  Footprints
	assessments Assessments
	crowd       Crowd
	tags        TagSubmitter
	publisher   Publisher
	logger      *slog.Logger
}

// NewAPI creates an API.
func NewAPI(d APIDeps) *API {
	return &API{
		footprints:  d.Footprints,
		assessments: d.Assessments,
		crowd:       d.Crowd,
		tags:        d.Tags,
		publisher:   d.Publisher,
		logger:      d.Logger,
	}
}

const (
	defaultQueryLimit = 1000
	maxQueryLimit     = 10000
	maxTagBodyBytes   = 64 << 10
)

func (a *API) routes(r chi.Router) {
	r.Get("/footprints", a.handleQueryFootprints)
	r.Route("/footprints/{id}", func(fr chi.Router) {
		fr.Get("/", a.handleGetFootprint)
		fr.Get("/assessments", a.handleHistory)
		fr.Get("/assessments/latest", a.handleLatest)
		fr.Get("/consensus", a.handleConsensus)
	})
	r.Post("/tags", a.handleSubmitTag)
}

// handleQueryFootprints returns current footprints intersecting bbox as a
// GeoJSON FeatureCollection annotated with their latest grade.
func (a *API) handleQueryFootprints(w http.ResponseWriter, r *http.Request) {
	bound, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fc := geojson.NewCollection()
	for fp := range a.footprints.Query(bound) {
		if len(fc.Features) == limit {
			break
		}
		latest, err := a.latest(r.Context(), fp.ID)
		if err != nil {
			a.internalError(w, "latest assessment", fp.ID, err)
			return
		}
		fc.Features = append(fc.Features, geojson.FootprintFeature(fp, latest))
	}
	writeJSON(w, http.StatusOK, fc)
}

func (a *API) handleGetFootprint(w http.ResponseWriter, r *http.Request) {
	fp, ok := a.lookup(w, r)
	if !ok {
		return
	}
	latest, err := a.latest(r.Context(), fp.ID)
	if err != nil {
		a.internalError(w, "latest assessment", fp.ID, err)
		return
	}

	f := geojson.FootprintFeature(fp, latest)
	if next, ok := a.footprints.SupersededBy(fp.ID); ok {
		f.Properties["superseded_by"] = string(next)
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	fp, ok := a.lookup(w, r)
	if !ok {
		return
	}

	history := []domain.Assessment{}
	for assessment, err := range a.assessments.History(r.Context(), fp.ID) {
		if err != nil {
			a.internalError(w, "assessment history", fp.ID, err)
			return
		}
		history = append(history, assessment)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"footprint_id": fp.ID,
		"assessments":  history,
	})
}

func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	fp, ok := a.lookup(w, r)
	if !ok {
		return
	}
	latest, err := a.assessments.Latest(r.Context(), fp.ID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "footprint has no assessment")
		return
	}
	if err != nil {
		a.internalError(w, "latest assessment", fp.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

type consensusResponse struct {
	Consensus  domain.ConsensusTag   `json:"consensus"`
	Sufficient bool                  `json:"sufficient"`
	Tags       []domain.VolunteerTag `json:"tags"`
}

func (a *API) handleConsensus(w http.ResponseWriter, r *http.Request) {
	fp, ok := a.lookup(w, r)
	if !ok {
		return
	}
	c, err := a.crowd.Consensus(fp.ID)
	if err != nil && !errors.Is(err, domain.ErrInsufficientTags) {
		a.internalError(w, "consensus", fp.ID, err)
		return
	}
	tags := a.crowd.Tags(fp.ID)
	if tags == nil {
		tags = []domain.VolunteerTag{}
	}
	writeJSON(w, http.StatusOK, consensusResponse{Consensus: c, Sufficient: err == nil, Tags: tags})
}

type submitResponse struct {
	Accepted    bool                `json:"accepted"`
	Assessments []domain.Assessment `json:"assessments"`
	Error       string              `json:"error,omitempty"`
}

// handleSubmitTag stores a volunteer tag and reassesses its footprint. A tag
// that was stored but whose reassessment failed is still accepted; the next
// sweep retries the assessment.
func (a *API) handleSubmitTag(w http.ResponseWriter, r *http.Request) {
	var tag domain.VolunteerTag
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTagBodyBytes)).Decode(&tag); err != nil {
		writeError(w, http.StatusBadRequest, "invalid tag json: "+err.Error())
		return
	}

	produced, err := a.tags.Submit(r.Context(), tag)
	var stageErr *pipeline.StageError
	switch {
	case errors.Is(err, domain.ErrInvalidTag):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.As(err, &stageErr):
		a.logger.Warn("tag accepted but reassessment failed", "footprint_id", tag.FootprintID, "error", err)
		writeJSON(w, http.StatusAccepted, submitResponse{Accepted: true, Assessments: []domain.Assessment{}, Error: err.Error()})
		return
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, domain.ErrTagConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		a.internalError(w, "submit tag", tag.FootprintID, err)
		return
	}

	if len(produced) > 0 && a.publisher != nil {
		if err := a.publisher.Publish(r.Context(), produced); err != nil {
			// The assessment is committed; the next sweep republishes it.
			a.logger.Warn("publish assessment failed", "footprint_id", tag.FootprintID, "error", err)
		}
	}
	if produced == nil {
		produced = []domain.Assessment{}
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Accepted: true, Assessments: produced})
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (domain.Footprint, bool) {
	id := domain.FootprintID(chi.URLParam(r, "id"))
	fp, err := a.footprints.Lookup(id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("footprint %s not found", id))
		return domain.Footprint{}, false
	}
	if err != nil {
		a.internalError(w, "lookup footprint", id, err)
		return domain.Footprint{}, false
	}
	return fp, true
}

func (a *API) latest(ctx context.Context, id domain.FootprintID) (*domain.Assessment, error) {
	latest, err := a.assessments.Latest(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &latest, nil
}

func (a *API) internalError(w http.ResponseWriter, op string, id domain.FootprintID, err error) {
	a.logger.Error(op+" failed", "footprint_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// parseBBox parses "minLon,minLat,maxLon,maxLat".
func parseBBox(s string) (orb.Bound, error) {
	if s == "" {
		return orb.Bound{}, errors.New("bbox is required")
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("invalid bbox %q: want minLon,minLat,maxLon,maxLat", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		v[i] = f
	}
	b := orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	switch {
	case b.Min.Lon() > b.Max.Lon() || b.Min.Lat() > b.Max.Lat():
		return orb.Bound{}, fmt.Errorf("invalid bbox %q: min exceeds max", s)
	case b.Min.Lon() < -180 || b.Max.Lon() > 180 || b.Min.Lat() < -90 || b.Max.Lat() > 90:
		return orb.Bound{}, fmt.Errorf("invalid bbox %q: out of range", s)
	}
	return b, nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultQueryLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return min(n, maxQueryLimit), nil
}
