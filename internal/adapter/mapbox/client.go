package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/paulmach/orb"
)

// Client resolves administrative region codes with the Mapbox reverse
// geocoding API. Channel profiles are keyed on these codes.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Mapbox region client.
func NewClient(token string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: "https://api.mapbox.com/geocoding/v5/mapbox.places",
		metrics: metrics,
		logger:  logger,
	}
}

// ResolveRegion returns the region code containing point, such as "MM-06".
// An empty string without error means Mapbox knows no region there.
func (c *Client) ResolveRegion(ctx context.Context, point orb.Point) (string, error) {
	// Mapbox uses lon,lat order, as does orb.
	coord := fmt.Sprintf("%.6f,%.6f", point.Lon(), point.Lat())
	u := fmt.Sprintf("%s/%s.json", c.baseURL, coord)
	params := url.Values{
		"access_token": {c.token},
		"types":        {"region"},
		"limit":        {"1"},
	}

	region, err := c.doRequest(ctx, u+"?"+params.Encode())
	switch {
	case err != nil:
		c.metrics.RegionLookups.WithLabelValues("error").Inc()
		return "", err
	case region == "":
		c.metrics.RegionLookups.WithLabelValues("empty").Inc()
	default:
		c.metrics.RegionLookups.WithLabelValues("success").Inc()
	}
	return region, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RegionAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("region request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("mapbox API error: status %d: %s", resp.StatusCode, body)
	}

	var mapboxResp response
	if err := json.NewDecoder(resp.Body).Decode(&mapboxResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(mapboxResp.Features) == 0 {
		return "", nil
	}
	return mapboxResp.Features[0].regionCode(), nil
}

// Mapbox API response types.

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	PlaceName  string     `json:"place_name"`
	Properties properties `json:"properties"`
}

type properties struct {
	ShortCode string `json:"short_code"` // ISO 3166-2, e.g. "us-tx"
}

// regionCode prefers the ISO 3166-2 short code and falls back to the region name.
func (f feature) regionCode() string {
	if f.Properties.ShortCode != "" {
		return strings.ToUpper(f.Properties.ShortCode)
	}
	return f.Text
}
