package mapbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken         = "test-token"
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

// mandalay is a point inside Mandalay Region, Myanmar.
var mandalay = orb.Point{96.0891, 21.9588}

func testClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		token:      testToken,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		metrics:    observability.NewMetricsForTesting(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestClient_ResolveRegion_ShortCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "96.089100,21.958800")
		assert.Equal(t, "region", r.URL.Query().Get("types"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, testToken, r.URL.Query().Get("access_token"))

		resp := response{
			Features: []feature{
				{
					ID:         "region.123",
					Text:       "Mandalay",
					PlaceName:  "Mandalay, Myanmar",
					Properties: properties{ShortCode: "mm-04"},
				},
			},
		}
		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := testClient(srv.URL, 5*time.Second)
	region, err := c.ResolveRegion(context.Background(), mandalay)
	require.NoError(t, err)

	assert.Equal(t, "MM-04", region)
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.RegionLookups.WithLabelValues("success")), 0)
}

func TestClient_ResolveRegion_FallsBackToName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(response{Features: []feature{{Text: "Mandalay"}}}))
	}))
	defer srv.Close()

	c := testClient(srv.URL, 5*time.Second)
	region, err := c.ResolveRegion(context.Background(), mandalay)
	require.NoError(t, err)
	assert.Equal(t, "Mandalay", region)
}

func TestClient_ResolveRegion_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(response{Features: []feature{}}))
	}))
	defer srv.Close()

	c := testClient(srv.URL, 5*time.Second)
	region, err := c.ResolveRegion(context.Background(), orb.Point{-150, -50})
	require.NoError(t, err)
	assert.Empty(t, region)
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.RegionLookups.WithLabelValues("empty")), 0)
}

func TestClient_ResolveRegion_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Not Authorized"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, 5*time.Second)
	c.token = "bad-token"

	_, err := c.ResolveRegion(context.Background(), mandalay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.RegionLookups.WithLabelValues("error")), 0)
}

func TestClient_ResolveRegion_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 50*time.Millisecond)

	_, err := c.ResolveRegion(context.Background(), mandalay)
	require.Error(t, err)
}
