// README: Reverse geocoding for stops submitted without an address.
package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"waypool/internal/types"
)

// GeocodeService resolves coordinates to a formatted address.
type GeocodeService struct {
	client *maps.Client
}

// NewGeocodeService creates a GeocodeService with the given API key.
func NewGeocodeService(apiKey string) (*GeocodeService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating maps client: %w", err)
	}
	return &GeocodeService{client: client}, nil
}

// ReverseGeocode returns the best formatted address for a point, or "" when
// the API has nothing for it.
func (s *GeocodeService) ReverseGeocode(ctx context.Context, p types.Point) (string, error) {
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
	})
	if err != nil {
		return "", fmt.Errorf("geocoding api error: %w", err)
	}
	if len(results) == 0 {
		return "", nil
	}
	return results[0].FormattedAddress, nil
}
