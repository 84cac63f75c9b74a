package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/alert-dispatch/internal/faults"
	"github.com/example/alert-dispatch/internal/models"
)

// DefaultTimeout bounds every enrichment call. Enrichment is best-effort:
// a slow geocoder must not hold up an alert write.
const DefaultTimeout = 2 * time.Second

type Address struct {
	Formatted string `json:"formatted"`
	PlaceID   string `json:"place_id,omitempty"`
}

type Place struct {
	Name     string       `json:"name"`
	Category string       `json:"category"`
	Coord    models.Coord `json:"coord"`
}

// Client is the external geocoding/mapping provider boundary. A nil Address
// with a nil error means "no result"; callers fall back to an empty address.
type Client interface {
	ReverseGeocode(ctx context.Context, c models.Coord) (*Address, error)
	StaticMapURL(center models.Coord, markers []models.Coord, zoom int, size string) string
	NearbyPlaces(ctx context.Context, center models.Coord, radiusM float64, category string) ([]Place, error)
}

// HTTPClient talks to a geocoding HTTP service.
type HTTPClient struct {
	Endpoint string
	Client   *http.Client
	cache    *addressCache
}

func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: DefaultTimeout},
		cache:    newAddressCache(10 * time.Minute),
	}
}

func (g *HTTPClient) ReverseGeocode(ctx context.Context, c models.Coord) (*Address, error) {
	if a, ok := g.cache.get(c); ok {
		return a, nil
	}
	u := fmt.Sprintf("%s/reverse?lon=%.6f&lat=%.6f", g.Endpoint, c.Lon, c.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, faults.Upstream("geocoder", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Upstream("geocoder", fmt.Errorf("status %d", resp.StatusCode))
	}
	var out struct {
		Formatted string `json:"formatted"`
		PlaceID   string `json:"place_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.Upstream("geocoder", err)
	}
	a := &Address{Formatted: out.Formatted, PlaceID: out.PlaceID}
	g.cache.set(c, a)
	return a, nil
}

func (g *HTTPClient) StaticMapURL(center models.Coord, markers []models.Coord, zoom int, size string) string {
	q := url.Values{}
	q.Set("center", fmt.Sprintf("%.6f,%.6f", center.Lon, center.Lat))
	q.Set("zoom", fmt.Sprintf("%d", zoom))
	q.Set("size", size)
	for _, m := range markers {
		q.Add("marker", fmt.Sprintf("%.6f,%.6f", m.Lon, m.Lat))
	}
	return g.Endpoint + "/staticmap?" + q.Encode()
}

func (g *HTTPClient) NearbyPlaces(ctx context.Context, center models.Coord, radiusM float64, category string) ([]Place, error) {
	u := fmt.Sprintf("%s/places?lon=%.6f&lat=%.6f&radius=%.0f&category=%s",
		g.Endpoint, center.Lon, center.Lat, radiusM, url.QueryEscape(category))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, faults.Upstream("geocoder", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Upstream("geocoder", fmt.Errorf("status %d", resp.StatusCode))
	}
	var out struct {
		Places []Place `json:"places"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.Upstream("geocoder", err)
	}
	return out.Places, nil
}
