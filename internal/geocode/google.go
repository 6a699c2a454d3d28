// Package geocode turns coordinates into readable addresses.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ukydev/trackhub/internal/models"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

var ErrNoResult = errors.New("no geocoding result")

// GoogleResponse is the subset of the Geocoding API response we read.
type GoogleResponse struct {
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
	} `json:"results"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Google resolves addresses with the Google Maps Geocoding API.
type Google struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGoogle creates a client for the given API key.
func NewGoogle(apiKey string) *Google {
	return &Google{
		apiKey:  apiKey,
		baseURL: googleGeocodeURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ReverseGeocode returns the formatted address of the first result.
func (g *Google) ReverseGeocode(ctx context.Context, loc models.Location) (string, error) {
	params := url.Values{}
	params.Add("latlng", fmt.Sprintf("%f,%f", loc.Lat, loc.Lon))
	params.Add("key", g.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status code %d", resp.StatusCode)
	}

	var result GoogleResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	switch result.Status {
	case "OK":
	case "ZERO_RESULTS":
		return "", ErrNoResult
	default:
		return "", fmt.Errorf("geocoding API returned status %s: %s", result.Status, result.ErrorMessage)
	}
	if len(result.Results) == 0 {
		return "", ErrNoResult
	}
	return result.Results[0].FormattedAddress, nil
}
